package broker

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"MCP-Trader/internal/envelope"
	xerrors "MCP-Trader/internal/errors"
)

// RedisConfig describes the Redis connection used by the redis backend.
type RedisConfig struct {
	Address   string        `yaml:"address"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"key_prefix" split_words:"true"`
	Retention time.Duration `yaml:"retention"`
}

// defaultSeenTTL bounds the dedupe markers when inbox retention is off.
const defaultSeenTTL = 7 * 24 * time.Hour

// Redis keeps one sorted set per receiver and one per conversation, scored
// by created_at with the JSON envelope as member.
type Redis struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
}

// NewRedis connects and pings the server.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "redis address is empty")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, storageError(err, "connect redis")
	}
	return NewRedisWithClient(client, cfg.KeyPrefix, cfg.Retention), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client redis.UniversalClient, prefix string, retention time.Duration) *Redis {
	if strings.TrimSpace(prefix) == "" {
		prefix = "mcp"
	}
	return &Redis{client: client, prefix: prefix, retention: retention}
}

func (r *Redis) inboxKey(receiver string) string {
	return r.prefix + ":inbox:" + receiver
}

func (r *Redis) conversationKey(id string) string {
	return r.prefix + ":conv:" + id
}

func (r *Redis) seenKey(id string) string {
	return r.prefix + ":env:" + id
}

// seenTTL is how long a delivered envelope id blocks a resend.
func (r *Redis) seenTTL() time.Duration {
	if r.retention > 0 {
		return r.retention
	}
	return defaultSeenTTL
}

func (r *Redis) Send(ctx context.Context, env envelope.Envelope) (string, error) {
	if err := validate(env); err != nil {
		return "", err
	}
	data, err := envelope.Marshal(env)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode envelope")
	}

	fresh, err := r.client.SetNX(ctx, r.seenKey(env.ID), 1, r.seenTTL()).Result()
	if err != nil {
		return "", storageError(err, "send")
	}
	if !fresh {
		return env.ID, nil
	}

	member := redis.Z{Score: env.CreatedAt, Member: string(data)}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, r.inboxKey(env.Receiver), member)
		pipe.ZAdd(ctx, r.conversationKey(env.ConversationID), member)
		if r.retention > 0 {
			pipe.Expire(ctx, r.inboxKey(env.Receiver), r.retention)
			pipe.Expire(ctx, r.conversationKey(env.ConversationID), r.retention)
		}
		return nil
	})
	if err != nil {
		// Let a retry through rather than leaving a marker for a lost write.
		_ = r.client.Del(ctx, r.seenKey(env.ID)).Err()
		return "", storageError(err, "send")
	}
	return env.ID, nil
}

func (r *Redis) Receive(ctx context.Context, agentID string, since float64) ([]envelope.Envelope, error) {
	members, err := r.client.ZRangeByScore(ctx, r.inboxKey(agentID), &redis.ZRangeBy{
		Min: "(" + formatScore(since),
		Max: "+inf",
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, storageError(err, "receive")
	}
	return decodeMembers(members), nil
}

func (r *Redis) ConversationHistory(ctx context.Context, conversationID string) ([]envelope.Envelope, error) {
	members, err := r.client.ZRange(ctx, r.conversationKey(conversationID), 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, storageError(err, "history")
	}
	return decodeMembers(members), nil
}

func (r *Redis) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}

func formatScore(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// decodeMembers skips members that fail to decode; they can only come from
// a foreign writer sharing the prefix.
func decodeMembers(members []string) []envelope.Envelope {
	out := make([]envelope.Envelope, 0, len(members))
	for _, m := range members {
		env, err := envelope.Unmarshal([]byte(m))
		if err != nil {
			continue
		}
		out = append(out, env)
	}
	sortByCreated(out)
	return out
}
