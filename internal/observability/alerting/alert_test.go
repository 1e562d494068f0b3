package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "MCP-Trader/internal/errors"
)

type recordingNotifier struct {
	channel Channel
	events  []Event
	err     error
}

func (r *recordingNotifier) Channel() Channel { return r.channel }

func (r *recordingNotifier) Notify(_ context.Context, ev Event) error {
	r.events = append(r.events, ev)
	return r.err
}

func TestFanoutDeliversToEveryChannel(t *testing.T) {
	a := &recordingNotifier{channel: "a"}
	b := &recordingNotifier{channel: "b", err: errors.New("down")}
	d := NewFanout(a, nil, b)

	err := d.Notify(context.Background(), Event{Code: xerrors.CodeStorageFailure, Message: "put order"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel b")
	require.Len(t, a.events, 1)
	require.Len(t, b.events, 1)
	assert.False(t, a.events[0].OccurredAt.IsZero())
	assert.Equal(t, []Channel{"a", "b"}, d.Channels())
}

func TestEventFromErrorCarriesCodeAndMetadata(t *testing.T) {
	err := xerrors.Wrap(xerrors.CodeStorageFailure, errors.New("disk full"), "put cycle log",
		xerrors.WithMetadata("key", "feedback/c1.json"))

	ev := EventFromError("coordinator", err)
	assert.Equal(t, xerrors.CodeStorageFailure, ev.Code)
	assert.Equal(t, xerrors.SeverityCritical, ev.Severity)
	assert.Equal(t, "put cycle log: disk full", ev.Message)
	assert.Equal(t, "feedback/c1.json", ev.Metadata["key"])
}

func TestLogNotifierWritesStructuredLine(t *testing.T) {
	var buf bytes.Buffer
	l := zerolog.New(&buf)
	n := &LogNotifier{Logger: &l}

	require.NoError(t, n.Notify(context.Background(), Event{
		Code:           xerrors.CodeOrderRejected,
		Severity:       xerrors.SeverityWarning,
		Message:        "insufficient margin",
		ConversationID: "c1",
	}))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "warn", line["level"])
	assert.Equal(t, "ORDER_REJECTED", line["code"])
	assert.Equal(t, "c1", line["conversation_id"])
	assert.Equal(t, "insufficient margin", line["message"])
}

type fakePublisher struct {
	key string
	msg amqp.Publishing
}

func (f *fakePublisher) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	f.key = key
	f.msg = msg
	return nil
}

func (f *fakePublisher) Close() error { return nil }

func TestRabbitMQNotifierPublishesJSON(t *testing.T) {
	pub := &fakePublisher{}
	n := &RabbitMQNotifier{ch: pub, queue: "alerts"}

	require.NoError(t, n.Notify(context.Background(), Event{Code: xerrors.CodeUnknownStatus, OrderID: "o-1"}))
	assert.Equal(t, "alerts", pub.key)
	assert.Equal(t, "application/json", pub.msg.ContentType)
	assert.Equal(t, "UNKNOWN_STATUS", pub.msg.Type)

	var ev Event
	require.NoError(t, json.Unmarshal(pub.msg.Body, &ev))
	assert.Equal(t, "o-1", ev.OrderID)
}

func TestRabbitMQConfigRequiresURL(t *testing.T) {
	_, err := NewRabbitMQNotifier(RabbitMQConfig{})
	require.Error(t, err)
}
