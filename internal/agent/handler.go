package agent

import (
	"context"

	"github.com/rs/zerolog"

	"MCP-Trader/internal/envelope"
	"MCP-Trader/pkg/logger"
)

// Handler processes one envelope and optionally returns a reply to send.
type Handler interface {
	Handle(ctx context.Context, env envelope.Envelope) (*envelope.Envelope, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, env envelope.Envelope) (*envelope.Envelope, error)

func (f HandlerFunc) Handle(ctx context.Context, env envelope.Envelope) (*envelope.Envelope, error) {
	return f(ctx, env)
}

// Router dispatches on envelope type. Types without a route are dropped.
type Router struct {
	routes map[string]Handler
	logger *zerolog.Logger
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{routes: make(map[string]Handler), logger: logger.Named("router")}
}

// On registers h for msgType, replacing any earlier route.
func (r *Router) On(msgType string, h Handler) *Router {
	r.routes[msgType] = h
	return r
}

// OnFunc is On for plain functions.
func (r *Router) OnFunc(msgType string, fn func(ctx context.Context, env envelope.Envelope) (*envelope.Envelope, error)) *Router {
	return r.On(msgType, HandlerFunc(fn))
}

func (r *Router) Handle(ctx context.Context, env envelope.Envelope) (*envelope.Envelope, error) {
	h, ok := r.routes[env.Type]
	if !ok {
		r.logger.Debug().
			Str("type", env.Type).
			Str("sender", env.Sender).
			Str("envelope_id", env.ID).
			Msg("no route for envelope type")
		return nil, nil
	}
	return h.Handle(ctx, env)
}
