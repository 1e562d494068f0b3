package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"MCP-Trader/internal/broker"
	"MCP-Trader/internal/envelope"
	xerrors "MCP-Trader/internal/errors"
	"MCP-Trader/internal/observability/metrics"
	"MCP-Trader/pkg/logger"
)

const defaultPollInterval = time.Second

// Runtime is the polling loop of a single agent. It is not safe for
// concurrent use: one goroutine calls Run (or Poll) at a time.
type Runtime struct {
	id                 string
	broker             broker.Broker
	handler            Handler
	pollInterval       time.Duration
	now                func() time.Time
	logger             *zerolog.Logger
	maxReceiveFailures int

	checkpoint      float64
	checkpointSet   bool
	receiveFailures int
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithPollInterval sets the sleep between polls.
func WithPollInterval(d time.Duration) Option {
	return func(r *Runtime) {
		if d > 0 {
			r.pollInterval = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Runtime) {
		if now != nil {
			r.now = now
		}
	}
}

// WithLogger overrides the component logger.
func WithLogger(l *zerolog.Logger) Option {
	return func(r *Runtime) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMaxReceiveFailures makes Run give up after n consecutive broker
// failures. Zero keeps retrying forever.
func WithMaxReceiveFailures(n int) Option {
	return func(r *Runtime) {
		if n >= 0 {
			r.maxReceiveFailures = n
		}
	}
}

// WithCheckpoint starts the cursor at ts instead of the construction time,
// e.g. 0 to replay the whole inbox.
func WithCheckpoint(ts float64) Option {
	return func(r *Runtime) {
		r.checkpoint = ts
		r.checkpointSet = true
	}
}

// New builds a runtime for agent id.
func New(id string, b broker.Broker, h Handler, opts ...Option) (*Runtime, error) {
	if strings.TrimSpace(id) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "agent id is empty")
	}
	if b == nil || h == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "agent runtime requires a broker and a handler")
	}
	r := &Runtime{
		id:           id,
		broker:       b,
		handler:      h,
		pollInterval: defaultPollInterval,
		now:          time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.logger == nil {
		l := logger.Named("agent").With().Str("agent_id", id).Logger()
		r.logger = &l
	}
	if !r.checkpointSet {
		r.checkpoint = envelope.Timestamp(r.now())
	}
	return r, nil
}

// ID returns the agent id the runtime receives for.
func (r *Runtime) ID() string { return r.id }

// Checkpoint returns the current receive cursor.
func (r *Runtime) Checkpoint() float64 { return r.checkpoint }

// Run polls until ctx is cancelled. Cancellation is observed between
// iterations; a batch in progress is always finished.
func (r *Runtime) Run(ctx context.Context) error {
	r.logger.Info().Dur("poll_interval", r.pollInterval).Msg("agent loop started")
	defer r.logger.Info().Msg("agent loop stopped")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := r.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Warn().Err(err).Int("consecutive_failures", r.receiveFailures).Msg("receive failed")
			if r.maxReceiveFailures > 0 && r.receiveFailures >= r.maxReceiveFailures {
				return err
			}
		}

		timer := time.NewTimer(r.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Poll runs one iteration without sleeping and returns how many envelopes
// were fetched. Only a broker failure is returned as an error.
func (r *Runtime) Poll(ctx context.Context) (int, error) {
	started := envelope.Timestamp(r.now())
	msgs, err := r.broker.Receive(ctx, r.id, r.checkpoint)
	if err != nil {
		r.receiveFailures++
		metrics.ReceiveFailures.WithLabelValues(r.id).Inc()
		return 0, err
	}
	r.receiveFailures = 0

	// The cursor moves to the poll start, or past the newest envelope seen
	// if that is later, so nothing stored during the call is skipped.
	next := started
	for _, msg := range msgs {
		if msg.CreatedAt > next {
			next = msg.CreatedAt
		}
	}
	if next > r.checkpoint {
		r.checkpoint = next
	}

	for _, msg := range msgs {
		r.dispatch(ctx, msg)
	}
	return len(msgs), nil
}

func (r *Runtime) dispatch(ctx context.Context, msg envelope.Envelope) {
	log := r.logger.With().
		Str("envelope_id", msg.ID).
		Str("type", msg.Type).
		Str("sender", msg.Sender).
		Str("conversation_id", msg.ConversationID).
		Logger()

	reply, err := r.safeHandle(ctx, msg)
	if err != nil {
		metrics.EnvelopesHandled.WithLabelValues(r.id, msg.Type, "error").Inc()
		log.Error().Err(err).Msg("handler failed")
		return
	}
	metrics.EnvelopesHandled.WithLabelValues(r.id, msg.Type, "ok").Inc()
	if reply == nil {
		return
	}
	if _, err := r.broker.Send(ctx, *reply); err != nil {
		metrics.EnvelopesSent.WithLabelValues(r.id, reply.Type, "error").Inc()
		log.Error().Err(err).Str("reply_type", reply.Type).Msg("send reply failed")
		return
	}
	metrics.EnvelopesSent.WithLabelValues(r.id, reply.Type, "ok").Inc()
	log.Debug().Str("reply_id", reply.ID).Str("reply_type", reply.Type).Msg("reply sent")
}

func (r *Runtime) safeHandle(ctx context.Context, msg envelope.Envelope) (reply *envelope.Envelope, err error) {
	defer func() {
		if p := recover(); p != nil {
			reply = nil
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return r.handler.Handle(ctx, msg)
}
