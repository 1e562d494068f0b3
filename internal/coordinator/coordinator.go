package coordinator

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"MCP-Trader/internal/agent"
	"MCP-Trader/internal/broker"
	"MCP-Trader/internal/envelope"
	xerrors "MCP-Trader/internal/errors"
	"MCP-Trader/internal/llm"
	"MCP-Trader/internal/observability/alerting"
	"MCP-Trader/internal/observability/metrics"
	"MCP-Trader/internal/storage"
	"MCP-Trader/pkg/logger"
)

// UnknownPolicy decides what happens to a response for a conversation the
// coordinator has never seen.
type UnknownPolicy string

const (
	// UnknownCreate opens a collecting conversation for it.
	UnknownCreate UnknownPolicy = "create"
	// UnknownReject drops it.
	UnknownReject UnknownPolicy = "reject"
)

// SectionRule routes data from agents whose id contains Match into Section
// of the integrated bundle.
type SectionRule struct {
	Match   string
	Section string
}

// DefaultSections are the integration rules used when none are configured.
func DefaultSections() []SectionRule {
	return []SectionRule{
		{Match: "stock_price_agent", Section: "market_data"},
		{Match: "news_agent", Section: "news_data"},
		{Match: "policy_agent", Section: "policy_data"},
		{Match: "technical_agent", Section: "technical_data"},
	}
}

// Options describe the participants and timing of every cycle.
type Options struct {
	DataAgents          []string
	DecisionAgents      []string
	ExecutionAgent      string
	Tickers             []string
	Sections            []SectionRule
	UnknownConversation UnknownPolicy
	// StallTimeout of zero disables stall detection.
	StallTimeout time.Duration
	Retention    time.Duration
}

// Coordinator owns the conversation table of one coordinator agent.
type Coordinator struct {
	id      string
	broker  broker.Broker
	llm     llm.Client
	records storage.Records
	blobs   storage.Blobs
	alerts  alerting.Dispatcher
	opts    Options
	now     func() time.Time
	logger  *zerolog.Logger

	mu    sync.Mutex
	convs map[string]*entry

	// evicted remembers recently evicted ids so late duplicates do not
	// reopen a finished cycle.
	evicted map[string]time.Time
}

// Option customises a Coordinator.
type Option func(*Coordinator)

func WithRecords(r storage.Records) Option {
	return func(c *Coordinator) { c.records = r }
}

func WithBlobs(b storage.Blobs) Option {
	return func(c *Coordinator) { c.blobs = b }
}

func WithAlerts(d alerting.Dispatcher) Option {
	return func(c *Coordinator) { c.alerts = d }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

func WithLogger(l *zerolog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// New builds a coordinator that sends as id through b and asks client for
// final decisions.
func New(id string, b broker.Broker, client llm.Client, opts Options, extra ...Option) (*Coordinator, error) {
	if strings.TrimSpace(id) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "coordinator id is empty")
	}
	if b == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "coordinator needs a broker")
	}
	opts.DataAgents = sortedSet(opts.DataAgents)
	opts.DecisionAgents = sortedSet(opts.DecisionAgents)
	if len(opts.DataAgents) == 0 || len(opts.DecisionAgents) == 0 || opts.ExecutionAgent == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "data agents, decision agents and execution agent are required")
	}
	if len(opts.Sections) == 0 {
		opts.Sections = DefaultSections()
	}
	switch opts.UnknownConversation {
	case UnknownCreate, UnknownReject:
	case "":
		opts.UnknownConversation = UnknownCreate
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "unknown conversation policy "+string(opts.UnknownConversation))
	}
	c := &Coordinator{
		id:      id,
		broker:  b,
		llm:     client,
		opts:    opts,
		now:     time.Now,
		logger:  logger.Named("coordinator"),
		convs:   make(map[string]*entry),
		evicted: make(map[string]time.Time),
	}
	for _, opt := range extra {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// ID is the agent id the coordinator sends as.
func (c *Coordinator) ID() string { return c.id }

// Handler returns the message handler for the coordinator's runtime.
func (c *Coordinator) Handler() agent.Handler {
	return agent.NewRouter().
		OnFunc(envelope.TypeDataResponse, c.handleData).
		OnFunc(envelope.TypeAnalysisResponse, c.handleAnalysis).
		OnFunc(envelope.TypeExecutionResponse, c.handleExecution)
}

// CycleOptions tune a single cycle.
type CycleOptions struct {
	// Tickers overrides the configured target tickers.
	Tickers []string
}

// StartCycle opens a conversation and sends a data request to every data
// agent. It returns the conversation id.
func (c *Coordinator) StartCycle(ctx context.Context, opts CycleOptions) (string, error) {
	id := uuid.NewString()
	now := c.now()
	e := &entry{conv: Conversation{ID: id, CreatedAt: now}}
	e.conv.enter(PhaseCollecting, c.opts.DataAgents, now)

	e.mu.Lock()
	defer e.mu.Unlock()
	c.mu.Lock()
	c.convs[id] = e
	c.mu.Unlock()
	metrics.ActiveConversations.Inc()
	metrics.PhaseTransitions.WithLabelValues(string(PhaseCollecting)).Inc()

	tickers := opts.Tickers
	if len(tickers) == 0 {
		tickers = c.opts.Tickers
	}
	content := envelope.Content{
		"action":    "collect",
		"timestamp": envelope.Timestamp(now),
	}
	if len(tickers) > 0 {
		content["tickers"] = append([]string(nil), tickers...)
	}
	if _, err := broker.Broadcast(ctx, c.broker, c.id, c.opts.DataAgents, envelope.TypeDataRequest, content, id); err != nil {
		c.mu.Lock()
		delete(c.convs, id)
		c.mu.Unlock()
		metrics.ActiveConversations.Dec()
		return "", err
	}
	c.logger.Info().
		Str("conversation_id", id).
		Strs("data_agents", c.opts.DataAgents).
		Msg("trading cycle started")
	return id, nil
}

// Snapshot returns a copy of a conversation.
func (c *Coordinator) Snapshot(conversationID string) (Conversation, bool) {
	c.mu.Lock()
	e, ok := c.convs[conversationID]
	c.mu.Unlock()
	if !ok {
		return Conversation{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conv.clone(), true
}

// Conversations lists the ids currently in the table.
func (c *Coordinator) Conversations() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return sortedKeys(c.convs)
}

// lookup finds the entry for id, applying the unknown-conversation policy.
// A created entry starts in phase, the phase the incoming response belongs
// to, so the response is processed instead of dropped.
func (c *Coordinator) lookup(id string, phase Phase) (*entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.convs[id]; ok {
		return e, true
	}
	if c.opts.UnknownConversation != UnknownCreate || id == "" {
		return nil, false
	}
	if _, gone := c.evicted[id]; gone {
		return nil, false
	}
	now := c.now()
	e := &entry{conv: Conversation{ID: id, CreatedAt: now}}
	e.conv.enter(phase, c.expectedIn(phase), now)
	c.convs[id] = e
	metrics.ActiveConversations.Inc()
	metrics.PhaseTransitions.WithLabelValues(string(phase)).Inc()
	c.logger.Info().
		Str("conversation_id", id).
		Str("phase", string(phase)).
		Msg("opened conversation for unknown id")
	return e, true
}

// expectedIn lists the senders a phase waits for.
func (c *Coordinator) expectedIn(phase Phase) []string {
	switch phase {
	case PhaseCollecting:
		return c.opts.DataAgents
	case PhaseAnalyzing:
		return c.opts.DecisionAgents
	case PhaseExecuting:
		return []string{c.opts.ExecutionAgent}
	default:
		return nil
	}
}

func (c *Coordinator) ignore(env envelope.Envelope, reason string, phase Phase) {
	metrics.IgnoredResponses.WithLabelValues(reason).Inc()
	c.logger.Info().
		Str("conversation_id", env.ConversationID).
		Str("sender", env.Sender).
		Str("type", env.Type).
		Str("phase", string(phase)).
		Str("reason", reason).
		Msg("response ignored")
}

// accept runs the shared guard of every response type and records the
// payload. It returns the locked entry, or nil if the message was ignored.
func (c *Coordinator) accept(env envelope.Envelope, phase Phase) *entry {
	e, ok := c.lookup(env.ConversationID, phase)
	if !ok {
		c.ignore(env, "unknown_conversation", "")
		return nil
	}
	e.mu.Lock()
	switch {
	case e.conv.Phase != phase:
		c.ignore(env, "wrong_phase", e.conv.Phase)
	case !e.conv.expects(env.Sender):
		c.ignore(env, "unexpected_sender", e.conv.Phase)
	default:
		e.conv.Received[env.Sender] = cloneMap(env.Content)
		return e
	}
	e.mu.Unlock()
	return nil
}

func (c *Coordinator) transition(e *entry, p Phase, expected []string) {
	now := c.now()
	e.conv.enter(p, expected, now)
	metrics.PhaseTransitions.WithLabelValues(string(p)).Inc()
	if p.Terminal() {
		e.doneAt = now
		metrics.ActiveConversations.Dec()
	}
	c.logger.Debug().Str("conversation_id", e.conv.ID).Str("phase", string(p)).Msg("phase changed")
}

func (c *Coordinator) handleData(ctx context.Context, env envelope.Envelope) (*envelope.Envelope, error) {
	e := c.accept(env, PhaseCollecting)
	if e == nil {
		return nil, nil
	}
	defer e.mu.Unlock()
	if !e.conv.complete() {
		return nil, nil
	}

	e.conv.DataResponses = e.conv.Received
	e.conv.Bundle = Integrate(e.conv.DataResponses, c.opts.Sections, c.now())
	c.transition(e, PhaseAnalyzing, c.opts.DecisionAgents)

	content := envelope.Content{"action": "analyze", "data": cloneMap(e.conv.Bundle)}
	if _, err := broker.Broadcast(ctx, c.broker, c.id, c.opts.DecisionAgents, envelope.TypeAnalysisRequest, content, e.conv.ID); err != nil {
		c.raise(ctx, err, e.conv.ID)
		return nil, err
	}
	return nil, nil
}

func (c *Coordinator) handleAnalysis(ctx context.Context, env envelope.Envelope) (*envelope.Envelope, error) {
	e := c.accept(env, PhaseAnalyzing)
	if e == nil {
		return nil, nil
	}
	defer e.mu.Unlock()
	if !e.conv.complete() {
		return nil, nil
	}

	e.conv.AnalysisResponses = e.conv.Received
	c.transition(e, PhaseDeciding, nil)

	decision, err := decide(ctx, c.llm, GatherInputs(e.conv.AnalysisResponses))
	e.conv.Decision = &decision
	if err != nil {
		c.logger.Error().Err(err).Str("conversation_id", e.conv.ID).Msg("final decision model call failed")
		c.raise(ctx, xerrors.Wrap(xerrors.CodeTransport, err, "final decision model invocation failed"), e.conv.ID)
	}

	if !decision.Trades() {
		e.conv.Status = "no_action"
		c.transition(e, PhaseCompleted, nil)
		c.persistCycle(ctx, &e.conv, "no_action", decision.Map())
		logger.Audit().Info().
			Str("conversation_id", e.conv.ID).
			Float64("confidence", decision.Confidence).
			Float64("threshold", decision.Threshold).
			Msg("cycle completed without trade")
		return nil, nil
	}

	c.transition(e, PhaseExecuting, []string{c.opts.ExecutionAgent})
	req := envelope.New(c.id, c.opts.ExecutionAgent, envelope.TypeExecutionRequest, decision.Map(), envelope.WithConversation(e.conv.ID))
	if _, err := c.broker.Send(ctx, req); err != nil {
		c.raise(ctx, err, e.conv.ID)
		return nil, err
	}
	c.logger.Info().
		Str("conversation_id", e.conv.ID).
		Str("action", decision.Action).
		Str("ticker", decision.Ticker).
		Int64("quantity", decision.Quantity).
		Float64("confidence", decision.Confidence).
		Msg("execution requested")
	return nil, nil
}

func (c *Coordinator) handleExecution(ctx context.Context, env envelope.Envelope) (*envelope.Envelope, error) {
	e := c.accept(env, PhaseExecuting)
	if e == nil {
		return nil, nil
	}
	defer e.mu.Unlock()

	result := cloneMap(env.Content)
	status := envelope.Content(result).String("status")
	if status == "" {
		status = "error"
	}
	e.conv.Execution = result
	e.conv.Status = status
	c.transition(e, PhaseCompleted, nil)
	c.persistCycle(ctx, &e.conv, status, result)
	c.persistFeedback(ctx, &e.conv, result)
	logger.Audit().Info().
		Str("conversation_id", e.conv.ID).
		Str("status", status).
		Msg("cycle completed")
	return nil, nil
}

func (c *Coordinator) persistCycle(ctx context.Context, conv *Conversation, status string, result map[string]any) {
	if c.records == nil {
		return
	}
	err := c.records.PutCycleLog(ctx, storage.CycleLog{
		ConversationID: conv.ID,
		Status:         status,
		Result:         result,
		CycleData:      conv.cycleData(),
		CreatedAt:      c.now().UTC(),
	})
	if err != nil {
		c.storageFailed(ctx, "put_cycle_log", err, conv.ID)
	}
}

func (c *Coordinator) persistFeedback(ctx context.Context, conv *Conversation, result map[string]any) {
	if c.blobs == nil {
		return
	}
	details, _ := result["details"].(map[string]any)
	if details == nil {
		details = map[string]any{}
	}
	var decision map[string]any
	if conv.Decision != nil {
		decision = conv.Decision.Map()
	}
	feedback := map[string]any{
		"conversation_id":   conv.ID,
		"timestamp":         envelope.Timestamp(c.now()),
		"data_collected":    responsesAsAny(conv.DataResponses),
		"analysis_results":  responsesAsAny(conv.AnalysisResponses),
		"final_decision":    decision,
		"execution_status":  result["status"],
		"execution_details": details,
	}
	if err := storage.PutJSON(ctx, c.blobs, storage.FeedbackKey(conv.ID), feedback); err != nil {
		c.storageFailed(ctx, "put_feedback", err, conv.ID)
	}
}

func (c *Coordinator) storageFailed(ctx context.Context, op string, err error, conversationID string) {
	metrics.StorageFailures.WithLabelValues("coordinator", op).Inc()
	c.logger.Error().Err(err).Str("operation", op).Str("conversation_id", conversationID).Msg("coordinator storage write failed")
	c.raise(ctx, err, conversationID)
}

func (c *Coordinator) raise(ctx context.Context, err error, conversationID string) {
	ev := alerting.EventFromError("coordinator", err)
	ev.ConversationID = conversationID
	alerting.Dispatch(ctx, c.alerts, ev)
}
