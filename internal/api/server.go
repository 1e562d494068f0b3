package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"MCP-Trader/internal/auth"
	"MCP-Trader/internal/coordinator"
	"MCP-Trader/internal/envelope"
	xerrors "MCP-Trader/internal/errors"
	"MCP-Trader/internal/observability/metrics"
	"MCP-Trader/pkg/logger"
)

// Cycles is the coordinator surface the API drives.
type Cycles interface {
	StartCycle(ctx context.Context, opts coordinator.CycleOptions) (string, error)
	Snapshot(conversationID string) (coordinator.Conversation, bool)
	Conversations() []string
}

// History reads the envelopes of a conversation.
type History interface {
	ConversationHistory(ctx context.Context, conversationID string) ([]envelope.Envelope, error)
}

// Orders cancels orders tracked by the execution agent.
type Orders interface {
	Cancel(ctx context.Context, orderID string) (map[string]any, error)
}

// Server exposes the operational REST endpoints.
type Server struct {
	addr    string
	cycles  Cycles
	history History
	orders  Orders
	auth    *auth.Authenticator
	logger  *zerolog.Logger
}

// Option customises a Server.
type Option func(*Server)

// WithOrders enables the order cancel endpoint.
func WithOrders(o Orders) Option {
	return func(s *Server) { s.orders = o }
}

// WithAuth requires bearer tokens on every endpoint except /healthz.
func WithAuth(a *auth.Authenticator) Option {
	return func(s *Server) { s.auth = a }
}

func WithLogger(l *zerolog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer builds the API. cycles may be nil when this process hosts no
// coordinator; the cycle endpoints then answer 503.
func NewServer(addr string, cycles Cycles, history History, opts ...Option) *Server {
	s := &Server{addr: addr, cycles: cycles, history: history, logger: logger.Named("api")}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler returns the routed, instrumented handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, "GET /healthz", "healthz", s.handleHealth)
	s.route(mux, "POST /api/v1/cycles", "start_cycle", s.handleStartCycle)
	s.route(mux, "GET /api/v1/conversations", "list_conversations", s.handleListConversations)
	s.route(mux, "GET /api/v1/conversations/{id}", "conversation_detail", s.handleConversationDetail)
	s.route(mux, "POST /api/v1/orders/{id}/cancel", "cancel_order", s.handleCancelOrder)
	return mux
}

// Start serves until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info().Str("address", s.addr).Msg("ops api listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) route(mux *http.ServeMux, pattern, name string, fn http.HandlerFunc) {
	var h http.Handler = fn
	if name != "healthz" && s.auth != nil {
		h = s.auth.Middleware(h)
	}
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h.ServeHTTP(rec, r)
		metrics.ObserveHTTPRequest(name, r.Method, rec.status, time.Since(started))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

type startCycleRequest struct {
	Tickers []string `json:"tickers"`
}

func (s *Server) handleStartCycle(w http.ResponseWriter, r *http.Request) {
	if s.cycles == nil {
		writeError(w, http.StatusServiceUnavailable, "coordinator not hosted by this process")
		return
	}
	var req startCycleRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	id, err := s.cycles.StartCycle(r.Context(), coordinator.CycleOptions{Tickers: req.Tickers})
	if err != nil {
		s.logger.Error().Err(err).Msg("start cycle failed")
		writeError(w, statusOf(err), xerrors.MessageOf(err))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"conversation_id": id})
}

func (s *Server) handleListConversations(w http.ResponseWriter, _ *http.Request) {
	if s.cycles == nil {
		writeError(w, http.StatusServiceUnavailable, "coordinator not hosted by this process")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": s.cycles.Conversations()})
}

type conversationDetail struct {
	Conversation *coordinator.Conversation `json:"conversation,omitempty"`
	History      []envelope.Envelope       `json:"history"`
}

// handleConversationDetail answers from the live snapshot when the
// coordinator still holds the conversation, and from broker history alone
// once it has been evicted.
func (s *Server) handleConversationDetail(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "conversation id is required")
		return
	}

	var detail conversationDetail
	if s.cycles != nil {
		if conv, ok := s.cycles.Snapshot(id); ok {
			detail.Conversation = &conv
		}
	}
	if s.history != nil {
		history, err := s.history.ConversationHistory(r.Context(), id)
		if err != nil {
			writeError(w, statusOf(err), xerrors.MessageOf(err))
			return
		}
		detail.History = history
	}
	if detail.Conversation == nil && len(detail.History) == 0 {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if detail.History == nil {
		detail.History = []envelope.Envelope{}
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	if s.orders == nil {
		writeError(w, http.StatusServiceUnavailable, "execution agent not hosted by this process")
		return
	}
	id := r.PathValue("id")
	result, err := s.orders.Cancel(r.Context(), id)
	if err != nil {
		writeError(w, statusOf(err), xerrors.MessageOf(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order_id": id, "status": "canceled", "result": result})
}

func statusOf(err error) int {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeInvalidArgument, xerrors.CodeValidation:
		return http.StatusBadRequest
	case xerrors.CodeNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict:
		return http.StatusConflict
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case xerrors.CodeTransport, xerrors.CodeOrderRejected:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}

// withContext rejects requests once the root context is done.
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "server shutting down", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
