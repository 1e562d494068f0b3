package storage

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemoryRecords keeps records in process memory.
type MemoryRecords struct {
	mu     sync.RWMutex
	orders map[string]OrderRecord
	execs  map[string]ExecutionLog
	cycles map[string][]CycleLog
}

func NewMemoryRecords() *MemoryRecords {
	return &MemoryRecords{
		orders: make(map[string]OrderRecord),
		execs:  make(map[string]ExecutionLog),
		cycles: make(map[string][]CycleLog),
	}
}

func (m *MemoryRecords) PutOrder(_ context.Context, rec OrderRecord) error {
	if rec.OrderID == "" {
		return EmptyID("order")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[rec.OrderID] = cloneOrder(rec)
	return nil
}

func (m *MemoryRecords) GetOrder(_ context.Context, orderID string) (OrderRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.orders[orderID]
	if !ok {
		return OrderRecord{}, NotFound("order " + orderID)
	}
	return cloneOrder(rec), nil
}

func (m *MemoryRecords) UpdateOrderStatus(_ context.Context, orderID, status string, result map[string]any, updatedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.orders[orderID]
	if !ok {
		return NotFound("order " + orderID)
	}
	rec.Status = status
	if result != nil {
		rec.Result = cloneMap(result)
	}
	rec.UpdatedAt = updatedAt
	m.orders[orderID] = rec
	return nil
}

func (m *MemoryRecords) PutExecutionLog(_ context.Context, log ExecutionLog) error {
	if log.ExecutionID == "" {
		return EmptyID("execution")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	log.Request = cloneMap(log.Request)
	log.Result = cloneMap(log.Result)
	m.execs[log.ExecutionID] = log
	return nil
}

// ExecutionLogs returns the stored logs of a conversation in no particular order.
func (m *MemoryRecords) ExecutionLogs(conversationID string) []ExecutionLog {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ExecutionLog
	for _, l := range m.execs {
		if l.ConversationID == conversationID {
			out = append(out, l)
		}
	}
	return out
}

func (m *MemoryRecords) PutCycleLog(_ context.Context, log CycleLog) error {
	if log.ConversationID == "" {
		return EmptyID("conversation")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	log.Result = cloneMap(log.Result)
	log.CycleData = cloneMap(log.CycleData)
	m.cycles[log.ConversationID] = append(m.cycles[log.ConversationID], log)
	return nil
}

func (m *MemoryRecords) ListCycleLogs(_ context.Context, conversationID string) ([]CycleLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	logs := m.cycles[conversationID]
	out := make([]CycleLog, len(logs))
	copy(out, logs)
	return out, nil
}

func (m *MemoryRecords) Close() error { return nil }

// MemoryBlobs keeps blobs in process memory.
type MemoryBlobs struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemoryBlobs() *MemoryBlobs {
	return &MemoryBlobs{blobs: make(map[string][]byte)}
}

func (m *MemoryBlobs) Put(_ context.Context, key string, data []byte, _ string) error {
	if err := ValidKey(key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[key] = append([]byte(nil), data...)
	return nil
}

func (m *MemoryBlobs) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[key]
	if !ok {
		return nil, NotFound("blob " + key)
	}
	return append([]byte(nil), data...), nil
}

// Keys lists the stored keys.
func (m *MemoryBlobs) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.blobs))
	for k := range m.blobs {
		keys = append(keys, k)
	}
	return keys
}

func cloneOrder(rec OrderRecord) OrderRecord {
	rec.Request = cloneMap(rec.Request)
	rec.Result = cloneMap(rec.Result)
	return rec
}

// cloneMap deep-copies through a JSON round trip, which is also what every
// durable backend does to these maps.
func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		out := make(map[string]any, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return m
	}
	return out
}
