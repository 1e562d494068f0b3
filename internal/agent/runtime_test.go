package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"MCP-Trader/internal/broker"
	"MCP-Trader/internal/envelope"
	xerrors "MCP-Trader/internal/errors"
)

func sendTo(t *testing.T, b broker.Broker, receiver, msgType string, content envelope.Content) envelope.Envelope {
	t.Helper()
	env := envelope.New("coordinator", receiver, msgType, content)
	_, err := b.Send(context.Background(), env)
	require.NoError(t, err)
	return env
}

func TestPollRepliesThroughBroker(t *testing.T) {
	ctx := context.Background()
	b := broker.NewMemory()

	echo := HandlerFunc(func(_ context.Context, env envelope.Envelope) (*envelope.Envelope, error) {
		reply := envelope.Reply(env, envelope.Content{"echo": env.Content["ping"]})
		return &reply, nil
	})
	rt, err := New("echo_agent", b, echo, WithCheckpoint(0))
	require.NoError(t, err)

	req := sendTo(t, b, "echo_agent", envelope.TypeDataRequest, envelope.Content{"ping": "pong"})

	n, err := rt.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	inbox, err := b.Receive(ctx, "coordinator", 0)
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, envelope.TypeDataResponse, inbox[0].Type)
	assert.Equal(t, req.ID, inbox[0].ReplyTo)
	assert.Equal(t, req.ConversationID, inbox[0].ConversationID)
	assert.Equal(t, "pong", inbox[0].Content["echo"])

	// The cursor moved past the request.
	n, err = rt.Poll(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPollIsolatesFailingMessages(t *testing.T) {
	ctx := context.Background()
	b := broker.NewMemory()

	var handled []string
	h := HandlerFunc(func(_ context.Context, env envelope.Envelope) (*envelope.Envelope, error) {
		handled = append(handled, env.Content.String("step"))
		switch env.Content.String("step") {
		case "error":
			return nil, errors.New("boom")
		case "panic":
			panic("handler exploded")
		}
		reply := envelope.Reply(env, envelope.Content{"ok": true})
		return &reply, nil
	})
	rt, err := New("worker", b, h, WithCheckpoint(0))
	require.NoError(t, err)

	for _, step := range []string{"error", "panic", "fine"} {
		sendTo(t, b, "worker", envelope.TypeDataRequest, envelope.Content{"step": step})
	}

	n, err := rt.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"error", "panic", "fine"}, handled)

	replies, err := b.Receive(ctx, "coordinator", 0)
	require.NoError(t, err)
	require.Len(t, replies, 1)
	assert.Equal(t, true, replies[0].Content["ok"])
}

func TestNewStartsCursorAtConstruction(t *testing.T) {
	b := broker.NewMemory()
	sendTo(t, b, "late", envelope.TypeDataRequest, nil)

	var calls int
	rt, err := New("late", b, HandlerFunc(func(context.Context, envelope.Envelope) (*envelope.Envelope, error) {
		calls++
		return nil, nil
	}), WithClock(func() time.Time { return time.Now().Add(time.Second) }))
	require.NoError(t, err)

	_, err = rt.Poll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, calls)
}

func TestNewValidatesArguments(t *testing.T) {
	_, err := New(" ", broker.NewMemory(), HandlerFunc(nil))
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))

	_, err = New("a", nil, nil)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInitializationFailure))
}

type flakyBroker struct {
	broker.Broker
	mu    sync.Mutex
	calls int
}

func (f *flakyBroker) Receive(context.Context, string, float64) ([]envelope.Envelope, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return nil, xerrors.New(xerrors.CodeStorageFailure, "broker unreachable")
}

func TestRunStopsAfterMaxReceiveFailures(t *testing.T) {
	fb := &flakyBroker{Broker: broker.NewMemory()}
	rt, err := New("agent", fb, HandlerFunc(func(context.Context, envelope.Envelope) (*envelope.Envelope, error) {
		return nil, nil
	}), WithPollInterval(time.Millisecond), WithMaxReceiveFailures(3))
	require.NoError(t, err)

	err = rt.Run(context.Background())
	require.Error(t, err)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeStorageFailure))
	assert.Equal(t, 3, fb.calls)
}

func TestRunStopsOnCancel(t *testing.T) {
	b := broker.NewMemory()
	rt, err := New("idle", b, HandlerFunc(func(context.Context, envelope.Envelope) (*envelope.Envelope, error) {
		return nil, nil
	}), WithPollInterval(5*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("runtime did not stop after cancel")
	}
}

func TestRouterDispatchesByType(t *testing.T) {
	var got string
	r := NewRouter().
		OnFunc(envelope.TypeDataRequest, func(_ context.Context, env envelope.Envelope) (*envelope.Envelope, error) {
			got = env.Type
			return nil, nil
		})

	_, err := r.Handle(context.Background(), envelope.New("a", "b", envelope.TypeDataRequest, nil))
	require.NoError(t, err)
	assert.Equal(t, envelope.TypeDataRequest, got)

	reply, err := r.Handle(context.Background(), envelope.New("a", "b", "mystery", nil))
	require.NoError(t, err)
	assert.Nil(t, reply)
}
