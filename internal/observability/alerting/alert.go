package alerting

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	xerrors "MCP-Trader/internal/errors"
	"MCP-Trader/pkg/logger"
)

// Channel names a notification route.
type Channel string

const (
	ChannelLog      Channel = "log"
	ChannelRabbitMQ Channel = "rabbitmq"
)

// Event is one condition worth a human look.
type Event struct {
	Code           xerrors.Code      `json:"code"`
	Message        string            `json:"message"`
	Severity       xerrors.Severity  `json:"severity"`
	Source         string            `json:"source"`
	ConversationID string            `json:"conversation_id,omitempty"`
	OrderID        string            `json:"order_id,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	OccurredAt     time.Time         `json:"occurred_at"`
}

// EventFromError builds an event from a coded error, taking the code,
// severity and metadata from it.
func EventFromError(source string, err error) Event {
	ev := Event{
		Code:       xerrors.CodeOf(err),
		Message:    xerrors.MessageOf(err),
		Severity:   xerrors.SeverityOf(err),
		Source:     source,
		OccurredAt: time.Now().UTC(),
	}
	if coded, ok := xerrors.From(err); ok {
		ev.Metadata = coded.Metadata()
	}
	return ev
}

// Notifier delivers events to one channel.
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher is what callers hold; it hides how many channels exist.
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher sends every event to each registered channel.
type FanoutDispatcher struct {
	notifiers map[Channel]Notifier
}

// NewFanout registers notifiers, one per channel. Nil entries are skipped.
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make(map[Channel]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		set[n.Channel()] = n
	}
	return &FanoutDispatcher{notifiers: set}
}

// Channels lists the registered channels in order.
func (d *FanoutDispatcher) Channels() []Channel {
	if d == nil {
		return nil
	}
	out := make([]Channel, 0, len(d.notifiers))
	for ch := range d.notifiers {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	var errs []error
	for _, notifier := range d.notifiers {
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", notifier.Channel(), err))
		}
	}
	return errors.Join(errs...)
}

// Dispatch notifies d and logs a delivery failure instead of returning it.
// Alerts are always best effort.
func Dispatch(ctx context.Context, d Dispatcher, event Event) {
	if d == nil {
		return
	}
	if err := d.Notify(ctx, event); err != nil {
		logger.Named("alerting").Warn().Err(err).Str("code", string(event.Code)).Msg("alert delivery failed")
	}
}

// LogNotifier writes events to the structured log.
type LogNotifier struct {
	Logger *zerolog.Logger
}

func (n *LogNotifier) Channel() Channel { return ChannelLog }

func (n *LogNotifier) Notify(_ context.Context, event Event) error {
	l := n.Logger
	if l == nil {
		l = logger.Named("alerting")
	}
	var e *zerolog.Event
	switch event.Severity {
	case xerrors.SeverityCritical:
		e = l.Error()
	case xerrors.SeverityWarning:
		e = l.Warn()
	default:
		e = l.Info()
	}
	e = e.Str("code", string(event.Code)).
		Str("severity", string(event.Severity)).
		Str("source", event.Source).
		Time("occurred_at", event.OccurredAt)
	if event.ConversationID != "" {
		e = e.Str("conversation_id", event.ConversationID)
	}
	if event.OrderID != "" {
		e = e.Str("order_id", event.OrderID)
	}
	for k, v := range event.Metadata {
		e = e.Str(k, v)
	}
	e.Msg(event.Message)
	return nil
}
