package envelope

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewGeneratesConversationWhenAbsent(t *testing.T) {
	t.Parallel()

	a := New("orchestrator", "stock_price_agent", TypeDataRequest, Content{"action": "collect"})
	b := New("orchestrator", "news_agent", TypeDataRequest, nil)

	require.NotEmpty(t, a.ID)
	require.NotEmpty(t, a.ConversationID)
	assert.NotEqual(t, a.ConversationID, b.ConversationID)
	assert.NotNil(t, b.Content)
	assert.Empty(t, a.ReplyTo)
	assert.Greater(t, a.CreatedAt, 0.0)
}

func TestNewJoinsExistingConversation(t *testing.T) {
	t.Parallel()

	e := New("orchestrator", "news_agent", TypeDataRequest, nil, WithConversation("cycle-1"))
	assert.Equal(t, "cycle-1", e.ConversationID)

	blank := New("orchestrator", "news_agent", TypeDataRequest, nil, WithConversation("  "))
	assert.NotEqual(t, "  ", blank.ConversationID)
	assert.NotEmpty(t, blank.ConversationID)
}

func TestReplyCorrelation(t *testing.T) {
	t.Parallel()

	contents := []Content{nil, {}, {"status": "success"}, {"nested": map[string]any{"k": 1}}}
	for i := 0; i < 20; i++ {
		parent := New("orchestrator", "execution_agent", TypeExecutionRequest, Content{"i": i})
		for _, c := range contents {
			reply := Reply(parent, c)
			assert.Equal(t, parent.ConversationID, reply.ConversationID)
			assert.Equal(t, parent.ID, reply.ReplyTo)
			assert.Equal(t, parent.Receiver, reply.Sender)
			assert.Equal(t, parent.Sender, reply.Receiver)
			assert.NotEqual(t, parent.ID, reply.ID)
			assert.Equal(t, TypeExecutionResponse, reply.Type)
		}
	}
}

func TestReplyExplicitType(t *testing.T) {
	t.Parallel()

	parent := New("a", "b", "ping", nil)
	assert.Equal(t, "ping_response", Reply(parent, nil).Type)
	assert.Equal(t, "pong", Reply(parent, nil, "pong").Type)
	assert.Equal(t, TypeDataResponse, ResponseType(TypeDataResponse))
}

func TestWireShape(t *testing.T) {
	t.Parallel()

	at := time.Unix(1700000000, 500_000_000)
	e := New("a", "b", TypeDataResponse, Content{"market_data": map[string]any{"7203": 2100.5}})
	e.CreatedAt = Timestamp(at)

	raw, err := Marshal(e)
	require.NoError(t, err)

	var generic map[string]any
	require.NoError(t, json.Unmarshal(raw, &generic))
	for _, key := range []string{"id", "sender", "receiver", "type", "content", "created_at", "conversation_id"} {
		assert.Contains(t, generic, key)
	}
	assert.NotContains(t, generic, "reply_to")
	assert.InDelta(t, 1700000000.5, generic["created_at"], 1e-6)

	back, err := Unmarshal(raw)
	require.NoError(t, err)
	assert.Equal(t, e.ID, back.ID)
	assert.InDelta(t, 1700000000.5, back.CreatedAt, 1e-6)
	assert.WithinDuration(t, at, Time(back.CreatedAt), time.Millisecond)
}

func TestContentAccessors(t *testing.T) {
	t.Parallel()

	c := Content{
		"action": "buy",
		"qty":    10,
		"conf":   json.Number("0.75"),
		"price":  "1000",
		"nested": map[string]any{"x": 1},
		"bad":    true,
	}
	assert.Equal(t, "buy", c.String("action"))
	assert.Equal(t, "", c.String("qty"))

	for key, want := range map[string]float64{"qty": 10, "conf": 0.75, "price": 1000} {
		got, ok := c.Float(key)
		require.True(t, ok, key)
		assert.InDelta(t, want, got, 1e-9)
	}
	_, ok := c.Float("bad")
	assert.False(t, ok)
	assert.Equal(t, map[string]any{"x": 1}, c.Map("nested"))
	assert.Nil(t, c.Map("action"))

	list := Content{"a": []any{"7203", 1, "9984"}, "b": []string{"6758"}}
	assert.Equal(t, []string{"7203", "9984"}, list.Strings("a"))
	assert.Equal(t, []string{"6758"}, list.Strings("b"))
	assert.Nil(t, list.Strings("missing"))
}

func TestNumericCoercionRejectsNonFiniteAndOverflow(t *testing.T) {
	_, ok := ToFloat("NaN")
	assert.False(t, ok)
	_, ok = ToFloat("+Inf")
	assert.False(t, ok)

	c := Content{
		"int":      int64(42),
		"fraction": 12.9,
		"text":     "7",
		"huge":     1e19,
		"negative": -1e19,
		"max":      float64(1 << 62),
	}
	n, ok := c.Int("int")
	assert.True(t, ok)
	assert.Equal(t, int64(42), n)
	n, _ = c.Int("fraction")
	assert.Equal(t, int64(12), n)
	n, _ = c.Int("text")
	assert.Equal(t, int64(7), n)
	n, ok = c.Int("max")
	assert.True(t, ok)
	assert.Equal(t, int64(1<<62), n)
	_, ok = c.Int("huge")
	assert.False(t, ok)
	_, ok = c.Int("negative")
	assert.False(t, ok)
	_, ok = c.Int("missing")
	assert.False(t, ok)
}

func TestCloneIsolatesContent(t *testing.T) {
	t.Parallel()

	e := New("a", "b", "t", Content{"k": "v"})
	c := e.Clone()
	c.Content["k"] = "changed"
	assert.Equal(t, "v", e.Content["k"])
}
