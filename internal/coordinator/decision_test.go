package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"MCP-Trader/internal/llm"
)

func TestThreshold(t *testing.T) {
	assert.Equal(t, 0.3, Threshold("low"))
	assert.Equal(t, 0.5, Threshold("Medium"))
	assert.Equal(t, 0.7, Threshold("high"))
	assert.Equal(t, 0.5, Threshold("extreme"))
}

func TestParseDecisionJSON(t *testing.T) {
	d := ParseDecision("Here you go:\n```json\n" +
		`{"action":"BUY","confidence":"0.82","reason":"momentum","ticker":"7203","quantity":100,"price_condition":"limit","limit_price":2450}` +
		"\n```")
	assert.Equal(t, "buy", d.Action)
	assert.Equal(t, 0.82, d.Confidence)
	assert.Equal(t, int64(100), d.Quantity)
	assert.Equal(t, "limit", d.PriceCondition)
	require.NotNil(t, d.LimitPrice)
	assert.Equal(t, 2450.0, *d.LimitPrice)
}

func TestParseDecisionKeyValueFallback(t *testing.T) {
	d := ParseDecision(`- Recommended action: sell
- Confidence: 0.66
- Reason: earnings miss
- Ticker: 9984
- Quantity: 20
- Price condition: market`)
	assert.Equal(t, "sell", d.Action)
	assert.Equal(t, 0.66, d.Confidence)
	assert.Equal(t, "earnings miss", d.Reason)
	assert.Equal(t, "9984", d.Ticker)
	assert.Equal(t, int64(20), d.Quantity)
	assert.Equal(t, "market", d.PriceCondition)
}

func TestParseDecisionDropsOutOfRangeQuantity(t *testing.T) {
	d := ParseDecision(`{"action":"buy","confidence":0.9,"ticker":"7203","quantity":1e300}`)
	assert.Equal(t, "buy", d.Action)
	assert.Zero(t, d.Quantity)

	d = ParseDecision(`{"action":"buy","confidence":0.9,"ticker":"7203","quantity":"Infinity"}`)
	assert.Zero(t, d.Quantity)
}

func TestParseDecisionGarbageIsHold(t *testing.T) {
	d := ParseDecision("I cannot help with that.")
	assert.Equal(t, "hold", d.Action)
	assert.Zero(t, d.Confidence)
}

func TestGatherInputsUsesSortedSenders(t *testing.T) {
	in := GatherInputs(map[string]map[string]any{
		"b_agent": {"risk_level": "low", "tickers": []any{"9432", "7203"}},
		"a_agent": {"signal_strength": 0.4, "risk_level": "medium", "ticker": "7203"},
	})
	assert.Equal(t, 0.4, in.SignalStrength)
	assert.Equal(t, "low", in.RiskLevel)
	assert.Equal(t, []string{"7203", "9432"}, in.Tickers)
	assert.Zero(t, in.AllocationPercentage)

	assert.Equal(t, "high", GatherInputs(nil).RiskLevel)
}

func TestDecideUsesLowTemperatureAndTickerHint(t *testing.T) {
	var got llm.Params
	var prompt string
	client := llm.ClientFunc(func(_ context.Context, p string, params llm.Params) (*llm.Response, error) {
		got, prompt = params, p
		return &llm.Response{Text: `{"action":"buy","confidence":0.9,"quantity":10}`}, nil
	})
	d, err := decide(t.Context(), client, DecisionInputs{RiskLevel: "medium", Tickers: []string{"6758"}})
	require.NoError(t, err)
	assert.Equal(t, "buy", d.Action)
	assert.Equal(t, "6758", d.Ticker)
	assert.Equal(t, 0.2, *got.Temperature)
	assert.Equal(t, 512, got.MaxTokens)
	assert.Contains(t, prompt, "Action threshold: 0.5")
}

func TestIntegrateMergesBySection(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	bundle := Integrate(map[string]map[string]any{
		"stock_price_agent":   {"market_data": map[string]any{"7203": 1.0, "shared": "first"}},
		"stock_price_agent_2": {"market_data": map[string]any{"shared": "second"}},
		"weather_agent":       {"weather_data": map[string]any{"rain": true}},
	}, DefaultSections(), now)

	assert.Equal(t, map[string]any{"7203": 1.0, "shared": "second"}, bundle["market_data"])
	assert.Equal(t, map[string]any{}, bundle["news_data"])
	assert.NotContains(t, bundle, "weather_data")
	assert.Equal(t, 1_700_000_000.0, bundle["timestamp"])
}
