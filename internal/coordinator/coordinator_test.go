package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"MCP-Trader/internal/broker"
	"MCP-Trader/internal/envelope"
	xerrors "MCP-Trader/internal/errors"
	"MCP-Trader/internal/llm"
	"MCP-Trader/internal/observability/alerting"
	"MCP-Trader/internal/storage"
)

type recordingAlerts struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *recordingAlerts) Notify(_ context.Context, ev alerting.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingAlerts) codes() []xerrors.Code {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]xerrors.Code, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Code)
	}
	return out
}

func staticLLM(text string) llm.Client {
	return llm.ClientFunc(func(context.Context, string, llm.Params) (*llm.Response, error) {
		return &llm.Response{Text: text}, nil
	})
}

type harness struct {
	c       *Coordinator
	broker  *broker.Memory
	records *storage.MemoryRecords
	blobs   *storage.MemoryBlobs
	alerts  *recordingAlerts
	now     time.Time
}

func newHarness(t *testing.T, client llm.Client, mutate ...func(*Options)) *harness {
	t.Helper()
	h := &harness{
		broker:  broker.NewMemory(),
		records: storage.NewMemoryRecords(),
		blobs:   storage.NewMemoryBlobs(),
		alerts:  &recordingAlerts{},
		now:     time.Unix(1_700_000_000, 0),
	}
	opts := Options{
		DataAgents:     []string{"stock_price_agent", "news_agent", "policy_agent"},
		DecisionAgents: []string{"signal_agent"},
		ExecutionAgent: "execution_agent",
		Tickers:        []string{"7203"},
		StallTimeout:   5 * time.Minute,
		Retention:      time.Hour,
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	c, err := New("coordinator", h.broker, client, opts,
		WithRecords(h.records),
		WithBlobs(h.blobs),
		WithAlerts(h.alerts),
		WithClock(func() time.Time { return h.now }),
	)
	require.NoError(t, err)
	h.c = c
	return h
}

func (h *harness) respond(t *testing.T, cid, sender, msgType string, content envelope.Content) {
	t.Helper()
	env := envelope.New(sender, "coordinator", msgType, content, envelope.WithConversation(cid))
	reply, err := h.c.Handler().Handle(t.Context(), env)
	require.NoError(t, err)
	assert.Nil(t, reply)
}

func (h *harness) sentTo(t *testing.T, cid, receiver, msgType string) int {
	t.Helper()
	history, err := h.broker.ConversationHistory(t.Context(), cid)
	require.NoError(t, err)
	n := 0
	for _, env := range history {
		if env.Receiver == receiver && env.Type == msgType {
			n++
		}
	}
	return n
}

func TestStartCycleFansOutDataRequests(t *testing.T) {
	h := newHarness(t, staticLLM(""))
	cid, err := h.c.StartCycle(t.Context(), CycleOptions{})
	require.NoError(t, err)

	conv, ok := h.c.Snapshot(cid)
	require.True(t, ok)
	assert.Equal(t, PhaseCollecting, conv.Phase)
	assert.Equal(t, []string{"news_agent", "policy_agent", "stock_price_agent"}, conv.Expected)

	for _, agent := range conv.Expected {
		msgs, err := h.broker.Receive(t.Context(), agent, 0)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, envelope.TypeDataRequest, msgs[0].Type)
		assert.Equal(t, "collect", msgs[0].Content["action"])
		assert.Equal(t, []string{"7203"}, msgs[0].Content["tickers"])
		assert.Equal(t, cid, msgs[0].ConversationID)
	}
}

func TestFanInWaitsForExactlyTheExpectedSenders(t *testing.T) {
	h := newHarness(t, staticLLM(""))
	cid, err := h.c.StartCycle(t.Context(), CycleOptions{})
	require.NoError(t, err)

	h.respond(t, cid, "stock_price_agent", envelope.TypeDataResponse, envelope.Content{"market_data": map[string]any{"7203": 2500.0}})
	h.respond(t, cid, "news_agent", envelope.TypeDataResponse, envelope.Content{"news_data": map[string]any{"count": 3.0}})
	// Three responses, but one comes from an agent nobody asked.
	h.respond(t, cid, "technical_agent", envelope.TypeDataResponse, envelope.Content{"technical_data": map[string]any{"rsi": 70.0}})

	conv, _ := h.c.Snapshot(cid)
	assert.Equal(t, PhaseCollecting, conv.Phase)
	assert.Len(t, conv.Received, 2)
	assert.Zero(t, h.sentTo(t, cid, "signal_agent", envelope.TypeAnalysisRequest))

	h.respond(t, cid, "policy_agent", envelope.TypeDataResponse, envelope.Content{"policy_data": map[string]any{"rate": 0.1}})
	conv, _ = h.c.Snapshot(cid)
	assert.Equal(t, PhaseAnalyzing, conv.Phase)
	assert.Equal(t, []string{"signal_agent"}, conv.Expected)
	assert.Equal(t, 1, h.sentTo(t, cid, "signal_agent", envelope.TypeAnalysisRequest))

	bundle := conv.Bundle
	assert.Equal(t, map[string]any{"7203": 2500.0}, bundle["market_data"])
	assert.Equal(t, map[string]any{}, bundle["technical_data"])

	// A straggler after the phase moved on changes nothing.
	h.respond(t, cid, "news_agent", envelope.TypeDataResponse, envelope.Content{"news_data": map[string]any{"late": true}})
	conv, _ = h.c.Snapshot(cid)
	assert.Equal(t, PhaseAnalyzing, conv.Phase)
	assert.Equal(t, 1, h.sentTo(t, cid, "signal_agent", envelope.TypeAnalysisRequest))
	assert.Equal(t, map[string]any{"count": 3.0}, conv.Bundle["news_data"])
}

func collectAll(t *testing.T, h *harness, cid string) {
	t.Helper()
	for _, agent := range []string{"stock_price_agent", "news_agent", "policy_agent"} {
		h.respond(t, cid, agent, envelope.TypeDataResponse, envelope.Content{"status": "success"})
	}
}

func TestLowConfidenceCompletesWithoutTrade(t *testing.T) {
	h := newHarness(t, staticLLM(`{"action":"buy","confidence":0.6,"ticker":"7203","quantity":10}`))
	cid, err := h.c.StartCycle(t.Context(), CycleOptions{})
	require.NoError(t, err)
	collectAll(t, h, cid)

	// No risk level reported: the high threshold of 0.7 applies.
	h.respond(t, cid, "signal_agent", envelope.TypeAnalysisResponse, envelope.Content{"signal_strength": 0.8})

	conv, _ := h.c.Snapshot(cid)
	assert.Equal(t, PhaseCompleted, conv.Phase)
	require.NotNil(t, conv.Decision)
	assert.Equal(t, "hold", conv.Decision.Action)
	assert.Equal(t, 0.7, conv.Decision.Threshold)
	assert.Zero(t, h.sentTo(t, cid, "execution_agent", envelope.TypeExecutionRequest))

	logs, err := h.records.ListCycleLogs(t.Context(), cid)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "no_action", logs[0].Status)
}

func TestModelFailureIsHoldAndAlert(t *testing.T) {
	failing := llm.ClientFunc(func(context.Context, string, llm.Params) (*llm.Response, error) {
		return nil, errors.New("throttled")
	})
	h := newHarness(t, failing)
	cid, err := h.c.StartCycle(t.Context(), CycleOptions{})
	require.NoError(t, err)
	collectAll(t, h, cid)
	h.respond(t, cid, "signal_agent", envelope.TypeAnalysisResponse, envelope.Content{"risk_level": "low"})

	conv, _ := h.c.Snapshot(cid)
	assert.Equal(t, PhaseCompleted, conv.Phase)
	assert.Equal(t, "no_action", conv.Status)
	assert.Equal(t, "model invocation failed", conv.Decision.Reason)
	assert.Contains(t, h.alerts.codes(), xerrors.CodeTransport)
}

func TestExecutionResponseOnlyFromExecutionAgent(t *testing.T) {
	h := newHarness(t, staticLLM(`{"action":"sell","confidence":0.95,"ticker":"9984","quantity":5}`))
	cid, err := h.c.StartCycle(t.Context(), CycleOptions{})
	require.NoError(t, err)
	collectAll(t, h, cid)
	h.respond(t, cid, "signal_agent", envelope.TypeAnalysisResponse, envelope.Content{"risk_level": "medium"})

	conv, _ := h.c.Snapshot(cid)
	require.Equal(t, PhaseExecuting, conv.Phase)
	require.Equal(t, 1, h.sentTo(t, cid, "execution_agent", envelope.TypeExecutionRequest))

	h.respond(t, cid, "signal_agent", envelope.TypeExecutionResponse, envelope.Content{"status": "success"})
	conv, _ = h.c.Snapshot(cid)
	assert.Equal(t, PhaseExecuting, conv.Phase)

	h.respond(t, cid, "execution_agent", envelope.TypeExecutionResponse, envelope.Content{
		"status":  "error",
		"details": map[string]any{"status": "error", "error": "validation_error"},
	})
	conv, _ = h.c.Snapshot(cid)
	assert.Equal(t, PhaseCompleted, conv.Phase)
	assert.Equal(t, "error", conv.Status)

	data, err := h.blobs.Get(t.Context(), storage.FeedbackKey(cid))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"execution_status": "error"`)
	assert.Contains(t, string(data), `"validation_error"`)
}

func TestConversationsProgressInParallel(t *testing.T) {
	h := newHarness(t, staticLLM(`{"action":"buy","confidence":0.95,"ticker":"7203","quantity":10}`))
	handler := h.c.Handler()

	const cycles = 8
	ids := make([]string, cycles)
	for i := range ids {
		cid, err := h.c.StartCycle(t.Context(), CycleOptions{})
		require.NoError(t, err)
		ids[i] = cid
	}

	send := func(cid, sender, msgType string, content envelope.Content) {
		env := envelope.New(sender, "coordinator", msgType, content, envelope.WithConversation(cid))
		_, err := handler.Handle(t.Context(), env)
		assert.NoError(t, err)
	}

	var wg sync.WaitGroup
	for _, cid := range ids {
		wg.Add(1)
		go func(cid string) {
			defer wg.Done()
			var inner sync.WaitGroup
			for _, agent := range []string{"stock_price_agent", "news_agent", "policy_agent"} {
				inner.Add(1)
				go func(agent string) {
					defer inner.Done()
					send(cid, agent, envelope.TypeDataResponse, envelope.Content{"status": "success"})
				}(agent)
			}
			inner.Wait()
			send(cid, "signal_agent", envelope.TypeAnalysisResponse, envelope.Content{"risk_level": "low"})
			send(cid, "execution_agent", envelope.TypeExecutionResponse, envelope.Content{"status": "success"})
		}(cid)
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.c.SweepStalled(t.Context(), h.now)
			_ = h.c.Conversations()
		}()
	}
	wg.Wait()

	for _, cid := range ids {
		conv, ok := h.c.Snapshot(cid)
		require.True(t, ok)
		assert.Equal(t, PhaseCompleted, conv.Phase, cid)
		assert.Equal(t, "success", conv.Status, cid)
		assert.Equal(t, 1, h.sentTo(t, cid, "signal_agent", envelope.TypeAnalysisRequest), cid)
		assert.Equal(t, 1, h.sentTo(t, cid, "execution_agent", envelope.TypeExecutionRequest), cid)

		logs, err := h.records.ListCycleLogs(t.Context(), cid)
		require.NoError(t, err)
		assert.Len(t, logs, 1, cid)
	}
}

func TestUnknownConversationPolicy(t *testing.T) {
	h := newHarness(t, staticLLM(""))
	h.respond(t, "foreign", "news_agent", envelope.TypeDataResponse, envelope.Content{})
	conv, ok := h.c.Snapshot("foreign")
	require.True(t, ok)
	assert.Equal(t, PhaseCollecting, conv.Phase)
	assert.Equal(t, []string{"news_agent", "policy_agent", "stock_price_agent"}, conv.Expected)
	assert.Contains(t, conv.Received, "news_agent")

	strict := newHarness(t, staticLLM(""), func(o *Options) { o.UnknownConversation = UnknownReject })
	strict.respond(t, "foreign", "news_agent", envelope.TypeDataResponse, envelope.Content{})
	_, ok = strict.c.Snapshot("foreign")
	assert.False(t, ok)
}

func TestUnknownConversationAnalysisIsDecided(t *testing.T) {
	h := newHarness(t, staticLLM(`{"action":"buy","confidence":0.95,"ticker":"7203","quantity":10}`))
	h.respond(t, "restarted", "signal_agent", envelope.TypeAnalysisResponse, envelope.Content{"risk_level": "low"})

	conv, ok := h.c.Snapshot("restarted")
	require.True(t, ok)
	assert.Equal(t, PhaseExecuting, conv.Phase)
	assert.Contains(t, conv.AnalysisResponses, "signal_agent")
	require.NotNil(t, conv.Decision)
	assert.Equal(t, "buy", conv.Decision.Action)
	assert.Equal(t, 1, h.sentTo(t, "restarted", "execution_agent", envelope.TypeExecutionRequest))
}

func TestUnknownConversationExecutionCompletesCycle(t *testing.T) {
	h := newHarness(t, staticLLM(""))
	h.respond(t, "restarted", "execution_agent", envelope.TypeExecutionResponse, envelope.Content{
		"status":  "success",
		"details": map[string]any{"status": "success", "order_id": "o-1", "execution_price": 1000.0},
	})

	conv, ok := h.c.Snapshot("restarted")
	require.True(t, ok)
	assert.Equal(t, PhaseCompleted, conv.Phase)
	assert.Equal(t, "success", conv.Status)

	logs, err := h.records.ListCycleLogs(t.Context(), "restarted")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "success", logs[0].Status)

	data, err := h.blobs.Get(t.Context(), storage.FeedbackKey("restarted"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"o-1"`)

	// Completed, so the sweeper leaves it alone.
	stats := h.c.SweepStalled(t.Context(), h.now.Add(10*time.Minute))
	assert.Empty(t, stats.Stalled)
	assert.NotContains(t, h.alerts.codes(), CodeConversationStalled)
}

func TestUnknownConversationIgnoresUnexpectedSender(t *testing.T) {
	h := newHarness(t, staticLLM(""))
	h.respond(t, "restarted", "signal_agent", envelope.TypeExecutionResponse, envelope.Content{"status": "success"})

	conv, ok := h.c.Snapshot("restarted")
	require.True(t, ok)
	assert.Equal(t, PhaseExecuting, conv.Phase)
	assert.Empty(t, conv.Received)
}

func TestSweepStalledAndEviction(t *testing.T) {
	h := newHarness(t, staticLLM(""))
	cid, err := h.c.StartCycle(t.Context(), CycleOptions{})
	require.NoError(t, err)
	h.respond(t, cid, "news_agent", envelope.TypeDataResponse, envelope.Content{})

	stats := h.c.SweepStalled(t.Context(), h.now.Add(4*time.Minute))
	assert.Empty(t, stats.Stalled)

	h.now = h.now.Add(6 * time.Minute)
	stats = h.c.SweepStalled(t.Context(), h.now)
	assert.Equal(t, []string{cid}, stats.Stalled)

	conv, _ := h.c.Snapshot(cid)
	assert.Equal(t, PhaseStalled, conv.Phase)
	assert.Equal(t, []string{"policy_agent", "stock_price_agent"}, conv.Missing)
	assert.Contains(t, h.alerts.codes(), CodeConversationStalled)

	logs, err := h.records.ListCycleLogs(t.Context(), cid)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "stalled", logs[0].Status)
	assert.Equal(t, []any{"policy_agent", "stock_price_agent"}, logs[0].Result["missing"])

	// Stalled is terminal.
	h.respond(t, cid, "policy_agent", envelope.TypeDataResponse, envelope.Content{})
	conv, _ = h.c.Snapshot(cid)
	assert.Equal(t, PhaseStalled, conv.Phase)

	stats = h.c.SweepStalled(t.Context(), h.now.Add(2*time.Hour))
	assert.Equal(t, 1, stats.Evicted)
	_, ok := h.c.Snapshot(cid)
	assert.False(t, ok)

	// A late duplicate does not reopen the evicted cycle.
	h.respond(t, cid, "execution_agent", envelope.TypeExecutionResponse, envelope.Content{"status": "success"})
	_, ok = h.c.Snapshot(cid)
	assert.False(t, ok)
	logs, err = h.records.ListCycleLogs(t.Context(), cid)
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

func TestStallTimeoutZeroDisablesSweep(t *testing.T) {
	h := newHarness(t, staticLLM(""), func(o *Options) { o.StallTimeout = 0 })
	cid, err := h.c.StartCycle(t.Context(), CycleOptions{})
	require.NoError(t, err)

	stats := h.c.SweepStalled(t.Context(), h.now.Add(24*time.Hour))
	assert.Empty(t, stats.Stalled)
	conv, _ := h.c.Snapshot(cid)
	assert.Equal(t, PhaseCollecting, conv.Phase)
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New("", broker.NewMemory(), nil, Options{})
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))
	_, err = New("coordinator", broker.NewMemory(), nil, Options{DataAgents: []string{"a"}})
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))
	_, err = New("coordinator", broker.NewMemory(), nil, Options{
		DataAgents:          []string{"a"},
		DecisionAgents:      []string{"b"},
		ExecutionAgent:      "c",
		UnknownConversation: "adopt",
	})
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))
}
