package order

import (
	"context"
	"strings"
	"sync"
	"time"

	xerrors "MCP-Trader/internal/errors"
	"MCP-Trader/internal/observability/metrics"
	"MCP-Trader/pkg/logger"
)

// activeOrder is one entry of the working set. Its mutex serialises
// reconcile and cancel for that order only.
type activeOrder struct {
	mu             sync.Mutex
	orderID        string
	conversationID string
	status         Status
	removed        bool
}

// activeSet holds non-terminal orders. The map lock only covers lookup,
// insert and delete.
type activeSet struct {
	mu     sync.Mutex
	orders map[string]*activeOrder
}

func newActiveSet() *activeSet {
	return &activeSet{orders: make(map[string]*activeOrder)}
}

func (s *activeSet) add(orderID, conversationID string, st Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[orderID]; ok {
		return
	}
	s.orders[orderID] = &activeOrder{orderID: orderID, conversationID: conversationID, status: st}
}

func (s *activeSet) get(orderID string) (*activeOrder, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	return o, ok
}

// remove must be called with o.mu held.
func (s *activeSet) remove(o *activeOrder) {
	o.removed = true
	s.mu.Lock()
	if cur, ok := s.orders[o.orderID]; ok && cur == o {
		delete(s.orders, o.orderID)
	}
	s.mu.Unlock()
}

func (s *activeSet) snapshot() []*activeOrder {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*activeOrder, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, o)
	}
	return out
}

func (s *activeSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}

// ActiveOrder is a read-only view of a working-set entry.
type ActiveOrder struct {
	OrderID        string `json:"order_id"`
	ConversationID string `json:"conversation_id"`
	Status         Status `json:"status"`
}

// Active lists the orders still being reconciled.
func (m *Manager) Active() []ActiveOrder {
	entries := m.active.snapshot()
	out := make([]ActiveOrder, 0, len(entries))
	for _, o := range entries {
		o.mu.Lock()
		if !o.removed {
			out = append(out, ActiveOrder{OrderID: o.orderID, ConversationID: o.conversationID, Status: o.status})
		}
		o.mu.Unlock()
	}
	return out
}

// Track puts an order into the working set, e.g. one recovered from the
// records store after a restart.
func (m *Manager) Track(orderID, conversationID string, st Status) {
	if orderID == "" || st.Terminal() {
		return
	}
	m.active.add(orderID, conversationID, st)
	metrics.ActiveOrders.Set(float64(m.active.len()))
}

// ReconcileStats summarises one sweep.
type ReconcileStats struct {
	Checked int
	Changed int
	Removed int
	Failed  int
}

// Reconcile fetches the venue status of every active live order. A changed
// status is written to the records store; terminal orders leave the set.
func (m *Manager) Reconcile(ctx context.Context) ReconcileStats {
	var stats ReconcileStats
	for _, o := range m.active.snapshot() {
		if ctx.Err() != nil {
			break
		}
		if strings.HasPrefix(o.orderID, simPrefix) {
			continue
		}
		changed, removed, err := m.reconcileOne(ctx, o)
		stats.Checked++
		if err != nil {
			stats.Failed++
			continue
		}
		if changed {
			stats.Changed++
		}
		if removed {
			stats.Removed++
		}
	}
	metrics.ActiveOrders.Set(float64(m.active.len()))
	return stats
}

func (m *Manager) reconcileOne(ctx context.Context, o *activeOrder) (changed, removed bool, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.removed {
		return false, false, nil
	}

	st, err := m.api.OrderStatus(ctx, o.orderID)
	if err != nil {
		m.logger.Warn().Err(err).Str("order_id", o.orderID).Msg("reconcile status check failed")
		return false, false, err
	}
	next := Status(st.Status)
	if !o.status.Advances(next) {
		return false, false, nil
	}
	if err := m.records.UpdateOrderStatus(ctx, o.orderID, string(next), withRaw(st).Raw, m.now()); err != nil {
		m.storageFailed(ctx, "update_order", err, o.conversationID, o.orderID)
		return false, false, err
	}
	m.logger.Info().
		Str("order_id", o.orderID).
		Str("from", string(o.status)).
		Str("to", string(next)).
		Msg("order status changed")
	metrics.OrdersByStatus.WithLabelValues(string(next), mode(false)).Inc()
	o.status = next
	if next.Terminal() {
		m.active.remove(o)
		logger.Audit().Info().
			Str("conversation_id", o.conversationID).
			Str("order_id", o.orderID).
			Str("order_status", string(next)).
			Msg("order settled")
		return true, true, nil
	}
	return true, false, nil
}

// RunReconciler reconciles every interval until ctx is cancelled.
func (m *Manager) RunReconciler(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "reconcile interval must be positive")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			stats := m.Reconcile(ctx)
			if stats.Checked > 0 {
				m.logger.Debug().
					Int("checked", stats.Checked).
					Int("changed", stats.Changed).
					Int("removed", stats.Removed).
					Int("failed", stats.Failed).
					Msg("reconcile sweep")
			}
		}
	}
}

// Cancel asks the venue to cancel an order. On success the record reads
// canceled and the order leaves the active set. Simulated orders are
// canceled locally.
func (m *Manager) Cancel(ctx context.Context, orderID string) (map[string]any, error) {
	if strings.TrimSpace(orderID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "order id is empty")
	}
	o, tracked := m.active.get(orderID)
	if tracked {
		o.mu.Lock()
		defer o.mu.Unlock()
		if o.removed {
			tracked = false
		}
	}

	var result map[string]any
	if strings.HasPrefix(orderID, simPrefix) || m.api == nil {
		rec, err := m.records.GetOrder(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if Status(rec.Status).Terminal() {
			return nil, xerrors.New(xerrors.CodeConflict, "order "+orderID+" is already "+rec.Status)
		}
		result = map[string]any{"order_id": orderID, "status": string(StatusCanceled), "simulation": true}
	} else {
		res, err := m.api.CancelOrder(ctx, orderID)
		if err != nil {
			m.alert(ctx, err, "", orderID)
			return nil, err
		}
		result = res
	}

	if err := m.records.UpdateOrderStatus(ctx, orderID, string(StatusCanceled), result, m.now()); err != nil {
		if !xerrors.HasCode(err, xerrors.CodeNotFound) {
			m.storageFailed(ctx, "update_order", err, "", orderID)
		}
	}
	metrics.OrdersByStatus.WithLabelValues(string(StatusCanceled), mode(strings.HasPrefix(orderID, simPrefix))).Inc()
	if tracked {
		o.status = StatusCanceled
		m.active.remove(o)
		metrics.ActiveOrders.Set(float64(m.active.len()))
	}
	logger.Audit().Info().Str("order_id", orderID).Msg("order canceled")
	return result, nil
}
