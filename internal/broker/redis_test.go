package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"MCP-Trader/internal/envelope"
)

// commandLog answers every command locally and records its arguments, so
// Send can be checked without a server.
type commandLog struct {
	mu   sync.Mutex
	cmds [][]any
}

func (l *commandLog) record(cmd redis.Cmder) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cmds = append(l.cmds, cmd.Args())
}

func (l *commandLog) find(name, key string) []any {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, args := range l.cmds {
		if len(args) > 1 && args[0] == name && args[1] == key {
			return args
		}
	}
	return nil
}

func (l *commandLog) DialHook(next redis.DialHook) redis.DialHook { return next }

func (l *commandLog) ProcessHook(redis.ProcessHook) redis.ProcessHook {
	return func(_ context.Context, cmd redis.Cmder) error {
		l.record(cmd)
		if b, ok := cmd.(*redis.BoolCmd); ok {
			b.SetVal(true)
		}
		return nil
	}
}

func (l *commandLog) ProcessPipelineHook(redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(_ context.Context, cmds []redis.Cmder) error {
		for _, cmd := range cmds {
			l.record(cmd)
		}
		return nil
	}
}

func offlineRedis(t *testing.T, retention time.Duration) (*Redis, *commandLog) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	log := &commandLog{}
	client.AddHook(log)
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisWithClient(client, "mcp", retention), log
}

func TestSendBoundsDedupeMarkers(t *testing.T) {
	t.Parallel()

	r, log := offlineRedis(t, 0)
	env := envelope.New("coordinator", "news_agent", envelope.TypeDataRequest, envelope.Content{})
	_, err := r.Send(context.Background(), env)
	require.NoError(t, err)

	args := log.find("set", r.seenKey(env.ID))
	require.NotNil(t, args, "dedupe marker must carry a TTL")
	assert.Equal(t, []any{"ex", int64(defaultSeenTTL / time.Second), "nx"}, args[3:])
	assert.Nil(t, log.find("expire", r.inboxKey("news_agent")), "inbox retention is off")

	r, log = offlineRedis(t, time.Hour)
	_, err = r.Send(context.Background(), env)
	require.NoError(t, err)
	args = log.find("set", r.seenKey(env.ID))
	require.NotNil(t, args)
	assert.Equal(t, []any{"ex", int64(3600), "nx"}, args[3:])
	assert.NotNil(t, log.find("expire", r.inboxKey("news_agent")))
}

func TestRedisKeys(t *testing.T) {
	t.Parallel()

	r := NewRedisWithClient(nil, "", 0)
	assert.Equal(t, "mcp:inbox:execution_agent", r.inboxKey("execution_agent"))
	assert.Equal(t, "mcp:conv:c-1", r.conversationKey("c-1"))
	assert.Equal(t, "mcp:env:e-1", r.seenKey("e-1"))

	custom := NewRedisWithClient(nil, "trader", 0)
	assert.Equal(t, "trader:inbox:a", custom.inboxKey("a"))
}

func TestFormatScoreKeepsPrecision(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "1700000000.123456", formatScore(1700000000.123456))
	assert.Equal(t, "0", formatScore(0))
}

func TestDecodeMembersSkipsGarbageAndSorts(t *testing.T) {
	t.Parallel()

	late := envelope.New("a", "b", "t", nil)
	late.CreatedAt = 20
	early := envelope.New("a", "b", "t", nil)
	early.CreatedAt = 10
	rawLate, _ := envelope.Marshal(late)
	rawEarly, _ := envelope.Marshal(early)

	out := decodeMembers([]string{string(rawLate), "not-json", string(rawEarly)})
	if assert.Len(t, out, 2) {
		assert.Equal(t, early.ID, out[0].ID)
		assert.Equal(t, late.ID, out[1].ID)
	}
}
