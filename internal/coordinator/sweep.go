package coordinator

import (
	"context"
	"strings"
	"time"

	xerrors "MCP-Trader/internal/errors"
	"MCP-Trader/internal/observability/alerting"
)

// CodeConversationStalled marks cycles abandoned for missing responses.
const CodeConversationStalled xerrors.Code = "CONVERSATION_STALLED"

func init() {
	xerrors.Register(CodeConversationStalled, xerrors.Attributes{
		Message:  "conversation stalled",
		Kind:     "stalled",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
}

// evictedTTL bounds how long evicted ids are remembered.
const evictedTTL = 24 * time.Hour

// SweepStats summarises one sweep.
type SweepStats struct {
	Stalled []string
	Evicted int
}

// SweepStalled marks conversations stuck in collecting or analyzing for
// longer than StallTimeout as stalled, then evicts terminal conversations
// older than Retention.
func (c *Coordinator) SweepStalled(ctx context.Context, now time.Time) SweepStats {
	var stats SweepStats

	c.mu.Lock()
	entries := make([]*entry, 0, len(c.convs))
	for _, e := range c.convs {
		entries = append(entries, e)
	}
	c.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		if c.stale(&e.conv, now) {
			c.stall(ctx, e)
			stats.Stalled = append(stats.Stalled, e.conv.ID)
		}
		evict := e.conv.Phase.Terminal() && !e.doneAt.IsZero() && now.Sub(e.doneAt) >= c.opts.Retention
		id := e.conv.ID
		e.mu.Unlock()

		if evict {
			c.mu.Lock()
			if cur, ok := c.convs[id]; ok && cur == e {
				delete(c.convs, id)
				c.evicted[id] = now
				stats.Evicted++
			}
			c.mu.Unlock()
		}
	}

	c.mu.Lock()
	for id, at := range c.evicted {
		if now.Sub(at) >= evictedTTL {
			delete(c.evicted, id)
		}
	}
	c.mu.Unlock()
	return stats
}

func (c *Coordinator) stale(conv *Conversation, now time.Time) bool {
	if c.opts.StallTimeout <= 0 {
		return false
	}
	if conv.Phase != PhaseCollecting && conv.Phase != PhaseAnalyzing {
		return false
	}
	return now.Sub(conv.PhaseSince) > c.opts.StallTimeout
}

// stall must be called with e.mu held.
func (c *Coordinator) stall(ctx context.Context, e *entry) {
	from := e.conv.Phase
	missing := e.conv.missing()
	received := sortedKeys(e.conv.Received)
	e.conv.Missing = missing
	e.conv.Status = string(PhaseStalled)
	c.transition(e, PhaseStalled, nil)

	result := map[string]any{
		"status":   string(PhaseStalled),
		"phase":    string(from),
		"missing":  missing,
		"received": received,
	}
	c.persistCycle(ctx, &e.conv, string(PhaseStalled), result)
	c.logger.Warn().
		Str("conversation_id", e.conv.ID).
		Str("phase", string(from)).
		Strs("missing", missing).
		Msg("conversation stalled")

	ev := alerting.EventFromError("coordinator", xerrors.New(CodeConversationStalled, "conversation stalled in "+string(from)))
	ev.ConversationID = e.conv.ID
	ev.Metadata = map[string]string{"phase": string(from), "missing": strings.Join(missing, ",")}
	alerting.Dispatch(ctx, c.alerts, ev)
}

// RunSweeper calls SweepStalled every interval until ctx ends.
func (c *Coordinator) RunSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "sweep interval must be positive")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.SweepStalled(ctx, c.now())
		}
	}
}

// RunScheduler starts a cycle every interval until ctx ends. A failed start
// is logged and retried on the next tick.
func (c *Coordinator) RunScheduler(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "cycle interval must be positive")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := c.StartCycle(ctx, CycleOptions{}); err != nil {
				c.logger.Error().Err(err).Msg("scheduled cycle failed to start")
			}
		}
	}
}
