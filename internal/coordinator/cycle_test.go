package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"MCP-Trader/internal/agent"
	"MCP-Trader/internal/broker"
	"MCP-Trader/internal/envelope"
	"MCP-Trader/internal/llm"
	"MCP-Trader/internal/order"
	"MCP-Trader/internal/storage"
)

func replyWith(content envelope.Content) agent.HandlerFunc {
	return func(_ context.Context, env envelope.Envelope) (*envelope.Envelope, error) {
		r := envelope.Reply(env, content)
		return &r, nil
	}
}

// pump polls every runtime until a full round handles nothing.
func pump(t *testing.T, runtimes ...*agent.Runtime) {
	t.Helper()
	for round := 0; round < 20; round++ {
		handled := 0
		for _, rt := range runtimes {
			n, err := rt.Poll(t.Context())
			require.NoError(t, err)
			handled += n
		}
		if handled == 0 {
			return
		}
	}
	t.Fatal("agents did not go quiet")
}

func TestCycleEndToEnd(t *testing.T) {
	b := broker.NewMemory()
	records := storage.NewMemoryRecords()
	blobs := storage.NewMemoryBlobs()

	model := llm.ClientFunc(func(context.Context, string, llm.Params) (*llm.Response, error) {
		return &llm.Response{Text: `{"action":"buy","confidence":0.9,"reason":"strong signal","ticker":"7203","quantity":10,"price_condition":"market"}`}, nil
	})
	coord, err := New("coordinator", b, model, Options{
		DataAgents:     []string{"stock_price_agent", "news_agent"},
		DecisionAgents: []string{"signal_agent"},
		ExecutionAgent: "execution_agent",
		Tickers:        []string{"7203"},
	}, WithRecords(records), WithBlobs(blobs))
	require.NoError(t, err)

	manager, err := order.NewManager(nil, records, order.DefaultOptions(), order.WithBlobs(blobs))
	require.NoError(t, err)

	start := time.Now().Add(-time.Second)
	newRuntime := func(id string, h agent.Handler) *agent.Runtime {
		rt, err := agent.New(id, b, h, agent.WithCheckpoint(envelope.Timestamp(start)))
		require.NoError(t, err)
		return rt
	}
	runtimes := []*agent.Runtime{
		newRuntime("coordinator", coord.Handler()),
		newRuntime("stock_price_agent", replyWith(envelope.Content{
			"status":      "success",
			"market_data": map[string]any{"summary": map[string]any{"7203": 1000.0}},
		})),
		newRuntime("news_agent", replyWith(envelope.Content{
			"status":    "success",
			"news_data": map[string]any{"summary": "calm"},
		})),
		newRuntime("signal_agent", replyWith(envelope.Content{
			"signal_strength": 0.7,
			"risk_level":      "medium",
			"tickers":         []any{"7203"},
		})),
		newRuntime("execution_agent", manager.Handler()),
	}

	cid, err := coord.StartCycle(t.Context(), CycleOptions{})
	require.NoError(t, err)
	pump(t, runtimes...)

	conv, ok := coord.Snapshot(cid)
	require.True(t, ok)
	assert.Equal(t, PhaseCompleted, conv.Phase)
	assert.Equal(t, "success", conv.Status)
	require.NotNil(t, conv.Decision)
	assert.Equal(t, "buy", conv.Decision.Action)
	assert.Equal(t, 0.5, conv.Decision.Threshold)
	assert.Equal(t, map[string]any{"summary": "calm"}, conv.Bundle["news_data"])

	details := envelope.Content(conv.Execution).Map("details")
	require.NotNil(t, details)
	assert.Equal(t, 1000.0, details["execution_price"])
	assert.Equal(t, 10000.0, details["total_amount"])
	assert.Equal(t, true, details["simulation"])

	logs, err := records.ListCycleLogs(t.Context(), cid)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "success", logs[0].Status)
	assert.Len(t, records.ExecutionLogs(cid), 1)
	assert.Contains(t, blobs.Keys(), storage.FeedbackKey(cid))

	history, err := b.ConversationHistory(t.Context(), cid)
	require.NoError(t, err)
	types := make([]string, 0, len(history))
	for _, env := range history {
		types = append(types, env.Type)
	}
	assert.Equal(t, []string{
		envelope.TypeDataRequest, envelope.TypeDataRequest,
		envelope.TypeDataResponse, envelope.TypeDataResponse,
		envelope.TypeAnalysisRequest, envelope.TypeAnalysisResponse,
		envelope.TypeExecutionRequest, envelope.TypeExecutionResponse,
	}, types)
}
