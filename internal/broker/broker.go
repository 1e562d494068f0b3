// Package broker stores envelopes and serves them back by receiver and by
// conversation. Delivery is at-least-once: a caller polling twice with the
// same cursor may see the same envelope twice.
package broker

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"MCP-Trader/internal/envelope"
	xerrors "MCP-Trader/internal/errors"
)

// Broker is the durable mailbox shared by every agent.
type Broker interface {
	// Send appends env and returns its id.
	Send(ctx context.Context, env envelope.Envelope) (string, error)
	// Receive returns envelopes addressed to agentID with created_at strictly
	// greater than since, oldest first.
	Receive(ctx context.Context, agentID string, since float64) ([]envelope.Envelope, error)
	// ConversationHistory returns every envelope of a conversation, oldest first.
	ConversationHistory(ctx context.Context, conversationID string) ([]envelope.Envelope, error)
	Close() error
}

// Config selects and parameterises a backend.
type Config struct {
	Driver string      `yaml:"driver"`
	DSN    string      `yaml:"dsn"`
	Redis  RedisConfig `yaml:"redis"`
}

// Open builds the backend named by cfg.Driver.
func Open(ctx context.Context, cfg Config) (Broker, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite":
		return NewSQL(ctx, DialectSQLite, cfg.DSN)
	case "mysql":
		return NewSQL(ctx, DialectMySQL, cfg.DSN)
	case "redis":
		return NewRedis(ctx, cfg.Redis)
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("unknown broker driver %q", cfg.Driver))
	}
}

// Broadcast sends one envelope per receiver, all in the same conversation.
// It stops at the first failure and returns the ids sent so far.
func Broadcast(ctx context.Context, b Broker, sender string, receivers []string, msgType string, content envelope.Content, conversationID string) ([]string, error) {
	ids := make([]string, 0, len(receivers))
	for _, receiver := range receivers {
		env := envelope.New(sender, receiver, msgType, cloneContent(content), envelope.WithConversation(conversationID))
		id, err := b.Send(ctx, env)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func cloneContent(c envelope.Content) envelope.Content {
	if c == nil {
		return envelope.Content{}
	}
	out := make(envelope.Content, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

func storageError(err error, op string) error {
	if err == nil {
		return nil
	}
	if xerrors.HasCode(err, xerrors.CodeStorageFailure) {
		return err
	}
	return xerrors.Wrap(xerrors.CodeStorageFailure, err, "broker "+op)
}

func validate(env envelope.Envelope) error {
	switch {
	case strings.TrimSpace(env.ID) == "":
		return xerrors.New(xerrors.CodeInvalidArgument, "envelope id is empty")
	case strings.TrimSpace(env.Receiver) == "":
		return xerrors.New(xerrors.CodeInvalidArgument, "envelope receiver is empty")
	case strings.TrimSpace(env.ConversationID) == "":
		return xerrors.New(xerrors.CodeInvalidArgument, "envelope conversation id is empty")
	}
	return nil
}

func sortByCreated(envs []envelope.Envelope) {
	sort.SliceStable(envs, func(i, j int) bool { return envs[i].CreatedAt < envs[j].CreatedAt })
}

func defaultTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 10*time.Second)
}
