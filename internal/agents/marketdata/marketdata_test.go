package marketdata

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"MCP-Trader/internal/envelope"
	xerrors "MCP-Trader/internal/errors"
	"MCP-Trader/internal/storage"
	"MCP-Trader/internal/trading"
)

type fakeQuoter map[string]trading.Quote

func (f fakeQuoter) Quote(_ context.Context, ticker string) (trading.Quote, error) {
	q, ok := f[ticker]
	if !ok {
		return trading.Quote{}, xerrors.New(xerrors.CodeQuoteUnavailable, "no quote for "+ticker)
	}
	return q, nil
}

func collect(content envelope.Content) envelope.Envelope {
	return envelope.New("coordinator", "stock_price_agent", envelope.TypeDataRequest, content,
		envelope.WithConversation("conv-1"))
}

func TestCollectSummarisesAndArchives(t *testing.T) {
	t.Parallel()

	blobs := storage.NewMemoryBlobs()
	quotes := fakeQuoter{
		"7203": {Ticker: "7203", Price: trading.Price{Current: 2100, Previous: 2000}, Raw: map[string]any{"ticker": "7203", "price": 2100.0}},
		"9984": {Ticker: "9984", Price: trading.Price{Current: 8000}},
	}
	fixed := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	a, err := New(quotes, blobs, WithTickers([]string{"9984"}), WithClock(func() time.Time { return fixed }))
	require.NoError(t, err)

	reply, err := a.Handler().Handle(t.Context(), collect(envelope.Content{
		"action":  "collect",
		"tickers": []any{"7203", "6758"},
	}))
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, envelope.TypeDataResponse, reply.Type)
	assert.Equal(t, "success", reply.Content.String("status"))

	data := reply.Content.Map("market_data")
	require.NotNil(t, data)
	assert.Equal(t, "stock_data/conv-1/", data["blob_prefix"])
	assert.Equal(t, fixed.Format(time.RFC3339Nano), data["timestamp"])

	summary := data["summary"].(map[string]any)
	quoted := summary["7203"].(map[string]any)
	assert.Equal(t, 2100.0, quoted["current"])
	assert.InDelta(t, 5.0, quoted["change_percent"], 1e-9)
	assert.Contains(t, summary["6758"].(map[string]any)["error"], "no quote for 6758")
	assert.NotContains(t, summary, "9984")

	assert.ElementsMatch(t, []string{
		"stock_data/conv-1/7203.json",
		"stock_data/conv-1/market_data_full.json",
	}, blobs.Keys())

	stored, err := blobs.Get(t.Context(), "stock_data/conv-1/market_data_full.json")
	require.NoError(t, err)
	var dump map[string]any
	require.NoError(t, json.Unmarshal(stored, &dump))
	assert.Equal(t, map[string]any{"ticker": "7203", "price": 2100.0}, dump["7203"])
}

func TestCollectFallsBackToDefaultTickers(t *testing.T) {
	t.Parallel()

	a, err := New(fakeQuoter{"9984": {Ticker: "9984", Price: trading.Price{Current: 8000}}}, nil,
		WithTickers([]string{"9984"}))
	require.NoError(t, err)

	reply, err := a.HandleCollect(t.Context(), collect(envelope.Content{"action": "collect"}))
	require.NoError(t, err)
	summary := reply.Content.Map("market_data")["summary"].(map[string]any)
	assert.Contains(t, summary, "9984")
}

func TestCollectReportsErrorWhenNothingQuoted(t *testing.T) {
	t.Parallel()

	a, err := New(fakeQuoter{}, storage.NewMemoryBlobs())
	require.NoError(t, err)

	reply, err := a.HandleCollect(t.Context(), collect(envelope.Content{"tickers": []string{"7203"}}))
	require.NoError(t, err)
	assert.Equal(t, "error", reply.Content.String("status"))
}

func TestUnsupportedAction(t *testing.T) {
	t.Parallel()

	a, err := New(fakeQuoter{}, nil)
	require.NoError(t, err)

	reply, err := a.HandleCollect(t.Context(), collect(envelope.Content{"action": "stream"}))
	require.NoError(t, err)
	assert.Equal(t, "error", reply.Content.String("status"))
	assert.Equal(t, "unsupported action: stream", reply.Content.String("error"))
}

func TestNewRequiresQuoter(t *testing.T) {
	t.Parallel()

	_, err := New(nil, nil)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInitializationFailure))
}
