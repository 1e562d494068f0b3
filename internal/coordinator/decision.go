package coordinator

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"MCP-Trader/internal/envelope"
	xerrors "MCP-Trader/internal/errors"
	"MCP-Trader/internal/llm"
)

// Risk thresholds: the minimum confidence for a buy or sell.
var riskThresholds = map[string]float64{
	"low":    0.3,
	"medium": 0.5,
	"high":   0.7,
}

const defaultThreshold = 0.5

// Threshold returns the confidence needed at riskLevel.
func Threshold(riskLevel string) float64 {
	if t, ok := riskThresholds[strings.ToLower(strings.TrimSpace(riskLevel))]; ok {
		return t
	}
	return defaultThreshold
}

// Decision is the final trade instruction of a cycle.
type Decision struct {
	Action         string   `json:"action"`
	Confidence     float64  `json:"confidence"`
	Reason         string   `json:"reason"`
	Ticker         string   `json:"ticker"`
	Quantity       int64    `json:"quantity"`
	PriceCondition string   `json:"price_condition"`
	LimitPrice     *float64 `json:"limit_price,omitempty"`
	RiskLevel      string   `json:"risk_level"`
	Threshold      float64  `json:"threshold"`
}

// Map is the decision as sent in execution_request.
func (d Decision) Map() map[string]any {
	out := map[string]any{
		"action":          d.Action,
		"confidence":      d.Confidence,
		"reason":          d.Reason,
		"ticker":          d.Ticker,
		"quantity":        d.Quantity,
		"price_condition": d.PriceCondition,
		"risk_level":      d.RiskLevel,
		"threshold":       d.Threshold,
	}
	if d.LimitPrice != nil {
		out["limit_price"] = *d.LimitPrice
	}
	return out
}

// Trades reports whether the decision needs the execution agent.
func (d Decision) Trades() bool {
	return d.Action == "buy" || d.Action == "sell"
}

// DecisionInputs are the analysis fields the final decision looks at.
type DecisionInputs struct {
	SignalStrength       float64
	RiskLevel            string
	AllocationPercentage float64
	OptimalTiming        map[string]any
	Tickers              []string
}

// GatherInputs reads the analysis responses in sender order. Later senders
// override earlier ones field by field.
func GatherInputs(responses map[string]map[string]any) DecisionInputs {
	in := DecisionInputs{RiskLevel: "high", OptimalTiming: map[string]any{}}
	seen := map[string]struct{}{}
	for _, sender := range sortedKeys(responses) {
		c := envelope.Content(responses[sender])
		if v, ok := c.Float("signal_strength"); ok {
			in.SignalStrength = v
		}
		if v := c.String("risk_level"); v != "" {
			in.RiskLevel = v
		}
		if v, ok := c.Float("allocation_percentage"); ok {
			in.AllocationPercentage = v
		}
		if v := c.Map("optimal_timing"); v != nil {
			in.OptimalTiming = v
		}
		hints := []string{c.String("ticker")}
		if list, ok := c["tickers"].([]any); ok {
			for _, t := range list {
				if s, ok := t.(string); ok {
					hints = append(hints, s)
				}
			}
		} else if list, ok := c["tickers"].([]string); ok {
			hints = append(hints, list...)
		}
		for _, h := range hints {
			h = strings.TrimSpace(h)
			if _, dup := seen[h]; h == "" || dup {
				continue
			}
			seen[h] = struct{}{}
			in.Tickers = append(in.Tickers, h)
		}
	}
	return in
}

// DecisionParams are the sampling parameters of the final decision call.
func DecisionParams() llm.Params {
	return llm.Params{Temperature: llm.Float(0.2), MaxTokens: 512}
}

// DecisionPrompt asks the model for a JSON trade decision.
func DecisionPrompt(in DecisionInputs, threshold float64) string {
	timing, _ := json.Marshal(in.OptimalTiming)
	tickers := "none"
	if len(in.Tickers) > 0 {
		tickers = strings.Join(in.Tickers, ", ")
	}
	var b strings.Builder
	b.WriteString("You are the coordinating agent of an automated equity trading system.\n")
	b.WriteString("Decide the single best trade from the analysis below.\n\n")
	fmt.Fprintf(&b, "Signal strength: %g (range -1.0 to 1.0, positive favours buying, negative favours selling)\n", in.SignalStrength)
	fmt.Fprintf(&b, "Risk assessment: %s\n", in.RiskLevel)
	fmt.Fprintf(&b, "Recommended allocation: %g%%\n", in.AllocationPercentage)
	fmt.Fprintf(&b, "Optimal timing: %s\n", timing)
	fmt.Fprintf(&b, "Candidate tickers: %s\n", tickers)
	fmt.Fprintf(&b, "Action threshold: %g (confidence below this means hold)\n\n", threshold)
	b.WriteString("Answer with one JSON object and nothing else:\n")
	b.WriteString(`{"action": "buy|sell|hold", "confidence": 0.0-1.0, "reason": "short explanation", ` +
		`"ticker": "symbol", "quantity": integer, "price_condition": "market|limit", "limit_price": number or null}`)
	b.WriteString("\n")
	return b.String()
}

var jsonObject = regexp.MustCompile(`(?s)\{.*\}`)

// ParseDecision reads the model answer as JSON, falling back to "key: value"
// lines. Anything unreadable is a hold with zero confidence.
func ParseDecision(text string) Decision {
	fields := map[string]any{}
	if m := jsonObject.FindString(text); m != "" {
		if err := json.Unmarshal([]byte(m), &fields); err != nil {
			fields = map[string]any{}
		}
	}
	if len(fields) == 0 {
		fields = parseKeyValues(text)
	}

	c := envelope.Content(fields)
	d := Decision{
		Action:         strings.ToLower(strings.TrimSpace(c.String("action"))),
		Reason:         strings.TrimSpace(c.String("reason")),
		Ticker:         strings.TrimSpace(c.String("ticker")),
		PriceCondition: strings.ToLower(strings.TrimSpace(c.String("price_condition"))),
	}
	switch d.Action {
	case "buy", "sell", "hold":
	default:
		return Decision{Action: "hold", PriceCondition: "market", Reason: "unparseable model output"}
	}
	if v, ok := c.Float("confidence"); ok {
		d.Confidence = v
	}
	if v, ok := c.Int("quantity"); ok && v > 0 {
		d.Quantity = v
	}
	if v, ok := c.Float("limit_price"); ok && v > 0 {
		d.LimitPrice = &v
	}
	if d.PriceCondition != "limit" {
		d.PriceCondition = "market"
	}
	return d
}

var kvKeys = map[string]string{
	"action":             "action",
	"recommended action": "action",
	"confidence":         "confidence",
	"reason":             "reason",
	"ticker":             "ticker",
	"symbol":             "ticker",
	"quantity":           "quantity",
	"price_condition":    "price_condition",
	"price condition":    "price_condition",
	"limit_price":        "limit_price",
	"limit price":        "limit_price",
}

var numericFields = map[string]bool{"confidence": true, "quantity": true, "limit_price": true}

func parseKeyValues(text string) map[string]any {
	out := map[string]any{}
	sc := bufio.NewScanner(strings.NewReader(text))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		line = strings.TrimLeft(line, "-*• ")
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		field, known := kvKeys[strings.ToLower(strings.TrimSpace(key))]
		if !known {
			continue
		}
		value = strings.Trim(strings.TrimSpace(value), `"'[]`)
		if numericFields[field] {
			if f, err := strconv.ParseFloat(value, 64); err == nil {
				out[field] = f
			}
			continue
		}
		out[field] = value
	}
	return out
}

// decide runs the final decision for gathered inputs. A model failure is
// returned alongside a hold decision.
func decide(ctx context.Context, client llm.Client, in DecisionInputs) (Decision, error) {
	threshold := Threshold(in.RiskLevel)
	var d Decision
	var invokeErr error
	if client == nil {
		invokeErr = xerrors.New(xerrors.CodeInitializationFailure, "no language model configured")
	} else if resp, err := client.Invoke(ctx, DecisionPrompt(in, threshold), DecisionParams()); err != nil {
		invokeErr = err
	} else {
		d = ParseDecision(resp.Text)
	}
	if invokeErr != nil {
		d = Decision{Action: "hold", PriceCondition: "market", Reason: "model invocation failed"}
	}
	if d.Ticker == "" && len(in.Tickers) > 0 {
		d.Ticker = in.Tickers[0]
	}
	d.RiskLevel = in.RiskLevel
	d.Threshold = threshold
	if d.Confidence < threshold {
		d.Action = "hold"
	}
	return d, invokeErr
}
