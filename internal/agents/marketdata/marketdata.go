// Package marketdata hosts the stock price agent. It answers collect
// requests with a quote summary per ticker and archives the raw quotes.
package marketdata

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"MCP-Trader/internal/agent"
	"MCP-Trader/internal/envelope"
	xerrors "MCP-Trader/internal/errors"
	"MCP-Trader/internal/observability/metrics"
	"MCP-Trader/internal/storage"
	"MCP-Trader/internal/trading"
	"MCP-Trader/pkg/logger"
)

// FullDumpName is the blob holding every quote of one collect request.
const FullDumpName = "market_data_full"

// Quoter is the slice of the trading API the agent needs.
type Quoter interface {
	Quote(ctx context.Context, ticker string) (trading.Quote, error)
}

// Agent answers data_request/collect.
type Agent struct {
	quoter  Quoter
	blobs   storage.Blobs
	tickers []string
	now     func() time.Time
	logger  *zerolog.Logger
}

// Option customises an Agent.
type Option func(*Agent)

// WithTickers sets the tickers quoted when a request names none.
func WithTickers(tickers []string) Option {
	return func(a *Agent) { a.tickers = append([]string(nil), tickers...) }
}

func WithClock(now func() time.Time) Option {
	return func(a *Agent) {
		if now != nil {
			a.now = now
		}
	}
}

func WithLogger(l *zerolog.Logger) Option {
	return func(a *Agent) {
		if l != nil {
			a.logger = l
		}
	}
}

// New builds the agent. Blobs may be nil, in which case nothing is archived.
func New(q Quoter, blobs storage.Blobs, opts ...Option) (*Agent, error) {
	if q == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "market data agent requires a quote source")
	}
	a := &Agent{
		quoter: q,
		blobs:  blobs,
		now:    time.Now,
		logger: logger.Named("marketdata"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a, nil
}

func (a *Agent) Handler() agent.Handler {
	return agent.NewRouter().OnFunc(envelope.TypeDataRequest, a.HandleCollect)
}

// HandleCollect quotes the requested tickers. A ticker that cannot be
// quoted is reported in the summary; the reply is an error only when no
// ticker could be quoted.
func (a *Agent) HandleCollect(ctx context.Context, env envelope.Envelope) (*envelope.Envelope, error) {
	if action := env.Content.String("action"); action != "" && action != "collect" {
		reply := envelope.Reply(env, envelope.Content{
			"status": "error",
			"error":  "unsupported action: " + action,
		})
		return &reply, nil
	}

	tickers := env.Content.Strings("tickers")
	if len(tickers) == 0 {
		tickers = a.tickers
	}

	summary := make(map[string]any, len(tickers))
	dump := make(map[string]any, len(tickers))
	quoted := 0
	for _, ticker := range tickers {
		ticker = strings.TrimSpace(ticker)
		if ticker == "" {
			continue
		}
		q, err := a.quoter.Quote(ctx, ticker)
		if err != nil {
			a.logger.Warn().Err(err).Str("ticker", ticker).Msg("quote failed")
			summary[ticker] = map[string]any{"error": xerrors.MessageOf(err)}
			continue
		}
		quoted++
		summary[ticker] = summarize(q)
		dump[ticker] = raw(q)
		a.archive(ctx, env.ConversationID, ticker, dump[ticker])
	}
	a.archive(ctx, env.ConversationID, FullDumpName, dump)

	status := "success"
	if quoted == 0 {
		status = "error"
	}
	reply := envelope.Reply(env, envelope.Content{
		"status": status,
		"market_data": map[string]any{
			"summary":     summary,
			"blob_prefix": storage.StockDataPrefix(env.ConversationID),
			"timestamp":   a.now().UTC().Format(time.RFC3339Nano),
		},
	})
	return &reply, nil
}

func (a *Agent) archive(ctx context.Context, conversationID, name string, v any) {
	if a.blobs == nil {
		return
	}
	if err := storage.PutJSON(ctx, a.blobs, storage.StockDataKey(conversationID, name), v); err != nil {
		metrics.StorageFailures.WithLabelValues("marketdata", "put_stock_data").Inc()
		a.logger.Error().Err(err).
			Str("conversation_id", conversationID).
			Str("blob", name).
			Msg("stock data write failed")
	}
}

func summarize(q trading.Quote) map[string]any {
	out := map[string]any{
		"current": q.Price.Current,
		"open":    q.Price.Open,
		"high":    q.Price.High,
		"low":     q.Price.Low,
		"volume":  q.Volume,
	}
	if q.Price.Previous > 0 {
		out["previous_close"] = q.Price.Previous
		out["change_percent"] = (q.Price.Current - q.Price.Previous) / q.Price.Previous * 100
	}
	return out
}

func raw(q trading.Quote) any {
	if len(q.Raw) > 0 {
		return q.Raw
	}
	return q
}
