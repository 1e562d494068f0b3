package order

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	xerrors "MCP-Trader/internal/errors"
	"MCP-Trader/internal/observability/alerting"
	"MCP-Trader/internal/observability/metrics"
	"MCP-Trader/internal/storage"
	"MCP-Trader/internal/trading"
	"MCP-Trader/pkg/logger"
)

// MinConfidenceFloor is the lowest confidence any trade may carry. A
// configured MinConfidence can raise the bar but never lower it.
const MinConfidenceFloor = 0.4

// Options are the lifecycle knobs exposed through execution config.
type Options struct {
	SimulationMode  bool
	MaxRetries      int
	RetryDelay      time.Duration
	ConfirmChecks   int
	ConfirmInterval time.Duration
	MinConfidence   float64
}

// DefaultOptions mirrors the execution defaults of the daemon config.
func DefaultOptions() Options {
	return Options{
		SimulationMode:  true,
		MaxRetries:      3,
		RetryDelay:      2 * time.Second,
		ConfirmChecks:   5,
		ConfirmInterval: 2 * time.Second,
		MinConfidence:   MinConfidenceFloor,
	}
}

// Manager runs the order lifecycle. Execute may be called concurrently with
// Reconcile and Cancel; the active set locks per order.
type Manager struct {
	api     trading.API
	records storage.Records
	blobs   storage.Blobs
	alerts  alerting.Dispatcher
	opts    Options
	now     func() time.Time
	newID   func() string
	sleep   func(ctx context.Context, d time.Duration) error
	logger  *zerolog.Logger
	active  *activeSet
}

// Option customises a Manager.
type Option func(*Manager)

// WithBlobs enables the execution log blobs.
func WithBlobs(b storage.Blobs) Option {
	return func(m *Manager) { m.blobs = b }
}

// WithAlerts routes storage and execution failures to d.
func WithAlerts(d alerting.Dispatcher) Option {
	return func(m *Manager) { m.alerts = d }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithIDGenerator replaces uuid generation for client order ids, simulated
// order ids and execution ids.
func WithIDGenerator(fn func() string) Option {
	return func(m *Manager) {
		if fn != nil {
			m.newID = fn
		}
	}
}

// WithSleep replaces the context-aware wait used between retries and
// confirmation polls.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(m *Manager) {
		if fn != nil {
			m.sleep = fn
		}
	}
}

func WithLogger(l *zerolog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewManager builds a Manager. The trading API may only be nil in
// simulation mode, where quotes fall back to a fixed price.
func NewManager(api trading.API, records storage.Records, opts Options, extra ...Option) (*Manager, error) {
	if records == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "order records store is nil")
	}
	if api == nil && !opts.SimulationMode {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "live trading needs a trading api client")
	}
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 1
	}
	if opts.ConfirmChecks < 0 {
		opts.ConfirmChecks = 0
	}
	if opts.MinConfidence < MinConfidenceFloor {
		opts.MinConfidence = MinConfidenceFloor
	}
	m := &Manager{
		api:     api,
		records: records,
		opts:    opts,
		now:     time.Now,
		newID:   uuid.NewString,
		sleep:   wait,
		logger:  logger.Named("order"),
		active:  newActiveSet(),
	}
	for _, opt := range extra {
		if opt != nil {
			opt(m)
		}
	}
	return m, nil
}

// Options returns the effective options.
func (m *Manager) Options() Options { return m.opts }

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (m *Manager) storageFailed(ctx context.Context, op string, err error, conversationID, orderID string) {
	metrics.StorageFailures.WithLabelValues("order", op).Inc()
	m.logger.Error().Err(err).
		Str("operation", op).
		Str("conversation_id", conversationID).
		Str("order_id", orderID).
		Msg("order storage write failed")
	ev := alerting.EventFromError("order", err)
	ev.ConversationID = conversationID
	ev.OrderID = orderID
	alerting.Dispatch(ctx, m.alerts, ev)
}

func (m *Manager) alert(ctx context.Context, err error, conversationID, orderID string) {
	if !xerrors.ShouldAlert(err) {
		return
	}
	ev := alerting.EventFromError("order", err)
	ev.ConversationID = conversationID
	ev.OrderID = orderID
	alerting.Dispatch(ctx, m.alerts, ev)
}

func mode(simulation bool) string {
	if simulation {
		return "simulation"
	}
	return "live"
}
