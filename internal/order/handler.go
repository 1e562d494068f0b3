package order

import (
	"context"
	"time"

	"MCP-Trader/internal/agent"
	"MCP-Trader/internal/envelope"
	"MCP-Trader/internal/storage"
)

// Handler returns the execution agent's message handler.
func (m *Manager) Handler() agent.Handler {
	return agent.NewRouter().OnFunc(envelope.TypeExecutionRequest, m.HandleExecution)
}

// HandleExecution executes the request carried by env, logs the execution
// and replies with an execution_response.
func (m *Manager) HandleExecution(ctx context.Context, env envelope.Envelope) (*envelope.Envelope, error) {
	req := ParseRequest(env.Content)
	res := m.Execute(ctx, env.ConversationID, req)
	m.logExecution(ctx, env.ConversationID, req, res)

	reply := envelope.Reply(env, envelope.Content{
		"status":    res.Status,
		"details":   res.Map(),
		"timestamp": stamp(m.now()),
	})
	return &reply, nil
}

func (m *Manager) logExecution(ctx context.Context, conversationID string, req Request, res Result) {
	entry := storage.ExecutionLog{
		ExecutionID:    m.newID(),
		ConversationID: conversationID,
		OrderID:        res.OrderID,
		Status:         res.Status,
		Request:        req.Map(),
		Result:         res.Map(),
		CreatedAt:      m.now().UTC(),
	}
	if err := m.records.PutExecutionLog(ctx, entry); err != nil {
		m.storageFailed(ctx, "put_execution_log", err, conversationID, res.OrderID)
	}
	if m.blobs == nil {
		return
	}
	doc := map[string]any{
		"execution_id":    entry.ExecutionID,
		"conversation_id": conversationID,
		"timestamp":       entry.CreatedAt.Format(time.RFC3339Nano),
		"request":         entry.Request,
		"result":          entry.Result,
		"simulation_mode": m.opts.SimulationMode,
	}
	key := storage.ExecutionLogKey(conversationID, entry.ExecutionID)
	if err := storage.PutJSON(ctx, m.blobs, key, doc); err != nil {
		m.storageFailed(ctx, "put_execution_blob", err, conversationID, res.OrderID)
	}
}
