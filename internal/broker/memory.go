package broker

import (
	"context"
	"errors"
	"sort"
	"sync"

	"MCP-Trader/internal/envelope"
)

// Memory keeps envelopes in process. Useful for tests and single-binary runs.
type Memory struct {
	mu             sync.RWMutex
	ids            map[string]struct{}
	byReceiver     map[string][]envelope.Envelope
	byConversation map[string][]envelope.Envelope
	closed         bool
}

// NewMemory creates an empty in-memory broker.
func NewMemory() *Memory {
	return &Memory{
		ids:            make(map[string]struct{}),
		byReceiver:     make(map[string][]envelope.Envelope),
		byConversation: make(map[string][]envelope.Envelope),
	}
}

func (m *Memory) Send(ctx context.Context, env envelope.Envelope) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := validate(env); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", storageError(errors.New("broker closed"), "send")
	}
	if _, dup := m.ids[env.ID]; dup {
		return env.ID, nil
	}
	m.ids[env.ID] = struct{}{}
	stored := env.Clone()
	m.byReceiver[env.Receiver] = insertSorted(m.byReceiver[env.Receiver], stored)
	m.byConversation[env.ConversationID] = insertSorted(m.byConversation[env.ConversationID], stored)
	return env.ID, nil
}

func (m *Memory) Receive(ctx context.Context, agentID string, since float64) ([]envelope.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, storageError(errors.New("broker closed"), "receive")
	}
	inbox := m.byReceiver[agentID]
	start := sort.Search(len(inbox), func(i int) bool { return inbox[i].CreatedAt > since })
	return copyEnvelopes(inbox[start:]), nil
}

func (m *Memory) ConversationHistory(ctx context.Context, conversationID string) ([]envelope.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, storageError(errors.New("broker closed"), "history")
	}
	return copyEnvelopes(m.byConversation[conversationID]), nil
}

// Close marks the broker unusable; later calls fail with a storage error.
func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// insertSorted keeps ties in arrival order.
func insertSorted(list []envelope.Envelope, env envelope.Envelope) []envelope.Envelope {
	idx := sort.Search(len(list), func(i int) bool { return list[i].CreatedAt > env.CreatedAt })
	list = append(list, envelope.Envelope{})
	copy(list[idx+1:], list[idx:])
	list[idx] = env
	return list
}

func copyEnvelopes(src []envelope.Envelope) []envelope.Envelope {
	out := make([]envelope.Envelope, len(src))
	for i, e := range src {
		out[i] = e.Clone()
	}
	return out
}
