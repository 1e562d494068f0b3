// Package signal hosts the signal agent. It turns the integrated data
// bundle into a trading signal with a strength in [-1, 1].
package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"MCP-Trader/internal/agent"
	"MCP-Trader/internal/envelope"
	xerrors "MCP-Trader/internal/errors"
	"MCP-Trader/internal/llm"
	"MCP-Trader/internal/observability/metrics"
	"MCP-Trader/internal/storage"
	"MCP-Trader/pkg/logger"
)

// Signal types, strongest buy first.
const (
	TypeVeryStrongBuy  = "very_strong_buy"
	TypeStrongBuy      = "strong_buy"
	TypeBuy            = "buy"
	TypeNeutral        = "neutral"
	TypeSell           = "sell"
	TypeStrongSell     = "strong_sell"
	TypeVeryStrongSell = "very_strong_sell"
)

// Classify maps a strength onto its signal type. Bounds are inclusive.
func Classify(strength float64) string {
	switch {
	case strength >= 0.8:
		return TypeVeryStrongBuy
	case strength >= 0.6:
		return TypeStrongBuy
	case strength >= 0.4:
		return TypeBuy
	case strength <= -0.8:
		return TypeVeryStrongSell
	case strength <= -0.6:
		return TypeStrongSell
	case strength <= -0.4:
		return TypeSell
	default:
		return TypeNeutral
	}
}

// Signal is the analysis the agent publishes.
type Signal struct {
	Strength             float64        `json:"signal_strength"`
	Type                 string         `json:"signal_type"`
	Confidence           float64        `json:"confidence"`
	RiskLevel            string         `json:"risk_level"`
	Explanation          string         `json:"explanation"`
	Tickers              []string       `json:"tickers"`
	AllocationPercentage float64        `json:"allocation_percentage"`
	OptimalTiming        map[string]any `json:"optimal_timing,omitempty"`
}

var jsonObject = regexp.MustCompile(`(?s)\{.*\}`)

// ParseSignal reads the first JSON object in the model answer. Strength and
// confidence are clamped, the type is recomputed from the strength and an
// unknown risk level becomes "high".
func ParseSignal(text string) (Signal, error) {
	m := jsonObject.FindString(text)
	if m == "" {
		return Signal{}, xerrors.New(xerrors.CodeInvalidArgument, "model answer holds no JSON object")
	}
	fields := map[string]any{}
	if err := json.Unmarshal([]byte(m), &fields); err != nil {
		return Signal{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "decode model answer")
	}

	c := envelope.Content(fields)
	s := Signal{
		Explanation:   strings.TrimSpace(c.String("explanation")),
		Tickers:       c.Strings("tickers"),
		OptimalTiming: c.Map("optimal_timing"),
	}
	if v, ok := c.Float("signal_strength"); ok {
		s.Strength = clamp(v, -1, 1)
	}
	if v, ok := c.Float("confidence"); ok {
		s.Confidence = clamp(v, 0, 1)
	}
	if v, ok := c.Float("allocation_percentage"); ok {
		s.AllocationPercentage = clamp(v, 0, 100)
	}
	s.Type = Classify(s.Strength)
	switch risk := strings.ToLower(strings.TrimSpace(c.String("risk_level"))); risk {
	case "low", "medium", "high":
		s.RiskLevel = risk
	default:
		s.RiskLevel = "high"
	}
	if s.Tickers == nil {
		s.Tickers = []string{}
	}
	return s, nil
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// Params are the sampling parameters of the signal call.
func Params() llm.Params {
	return llm.Params{Temperature: llm.Float(0.1), MaxTokens: 1024}
}

// Prompt asks the model to grade the integrated data.
func Prompt(data map[string]any) string {
	payload, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		payload = []byte("{}")
	}
	var b strings.Builder
	b.WriteString("You are the signal analyst of an automated equity trading system.\n")
	b.WriteString("Grade the market, news and policy data below into one trading signal.\n\n")
	fmt.Fprintf(&b, "Data:\n%s\n\n", payload)
	b.WriteString("Answer with one JSON object and nothing else:\n")
	b.WriteString(`{"signal_strength": -1.0 to 1.0, "confidence": 0.0-1.0, "risk_level": "low|medium|high", ` +
		`"explanation": "short reasoning", "tickers": ["symbols worth trading"], ` +
		`"allocation_percentage": 0-100, "optimal_timing": {"entry": "text", "exit": "text"}}`)
	b.WriteString("\n")
	return b.String()
}

// Agent answers analysis_request/analyze.
type Agent struct {
	llm    llm.Client
	blobs  storage.Blobs
	now    func() time.Time
	logger *zerolog.Logger
}

type Option func(*Agent)

func WithClock(now func() time.Time) Option {
	return func(a *Agent) {
		if now != nil {
			a.now = now
		}
	}
}

func WithLogger(l *zerolog.Logger) Option {
	return func(a *Agent) {
		if l != nil {
			a.logger = l
		}
	}
}

// New builds the agent. Blobs may be nil.
func New(client llm.Client, blobs storage.Blobs, opts ...Option) (*Agent, error) {
	if client == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "signal agent requires a model client")
	}
	a := &Agent{
		llm:    client,
		blobs:  blobs,
		now:    time.Now,
		logger: logger.Named("signal"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a, nil
}

func (a *Agent) Handler() agent.Handler {
	return agent.NewRouter().OnFunc(envelope.TypeAnalysisRequest, a.HandleAnalyze)
}

// HandleAnalyze grades env's data bundle. A failed model call or an
// unreadable answer yields a neutral high-risk signal with status error,
// so the coordinator still completes its fan-in.
func (a *Agent) HandleAnalyze(ctx context.Context, env envelope.Envelope) (*envelope.Envelope, error) {
	if action := env.Content.String("action"); action != "" && action != "analyze" {
		reply := envelope.Reply(env, envelope.Content{
			"status": "error",
			"error":  "unsupported action: " + action,
		})
		return &reply, nil
	}

	status := "success"
	sig, err := a.analyze(ctx, env.Content.Map("data"))
	if err != nil {
		a.logger.Warn().Err(err).Str("conversation_id", env.ConversationID).Msg("signal analysis failed")
		status = "error"
		sig = Signal{Type: TypeNeutral, RiskLevel: "high", Tickers: []string{}, Explanation: xerrors.MessageOf(err)}
	}

	if a.blobs != nil {
		doc := map[string]any{
			"conversation_id": env.ConversationID,
			"timestamp":       a.now().UTC().Format(time.RFC3339Nano),
			"status":          status,
			"signal":          sig,
		}
		if err := storage.PutJSON(ctx, a.blobs, storage.SignalKey(env.ConversationID), doc); err != nil {
			metrics.StorageFailures.WithLabelValues("signal", "put_signal").Inc()
			a.logger.Error().Err(err).Str("conversation_id", env.ConversationID).Msg("signal write failed")
		}
	}

	content := envelope.Content{
		"status":                status,
		"signal_strength":       sig.Strength,
		"signal_type":           sig.Type,
		"confidence":            sig.Confidence,
		"risk_level":            sig.RiskLevel,
		"explanation":           sig.Explanation,
		"tickers":               sig.Tickers,
		"allocation_percentage": sig.AllocationPercentage,
	}
	if sig.OptimalTiming != nil {
		content["optimal_timing"] = sig.OptimalTiming
	}
	reply := envelope.Reply(env, content)
	return &reply, nil
}

func (a *Agent) analyze(ctx context.Context, data map[string]any) (Signal, error) {
	if data == nil {
		return Signal{}, xerrors.New(xerrors.CodeInvalidArgument, "analysis request carries no data")
	}
	resp, err := a.llm.Invoke(ctx, Prompt(data), Params())
	if err != nil {
		return Signal{}, err
	}
	return ParseSignal(resp.Text)
}
