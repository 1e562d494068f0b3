// Package order validates trade requests, submits them to the brokerage
// with bounded retries, confirms their fill and reconciles the orders the
// venue has not settled yet.
package order

import (
	"encoding/json"
	"strings"
	"time"

	"MCP-Trader/internal/envelope"
	xerrors "MCP-Trader/internal/errors"
)

// Actions understood by the manager.
const (
	ActionBuy  = "buy"
	ActionSell = "sell"
	ActionHold = "hold"
)

// Status is the lifecycle state of an order.
type Status string

const (
	StatusValidating        Status = "validating"
	StatusSubmitting        Status = "submitting"
	StatusPending           Status = "pending"
	StatusExecuted          Status = "executed"
	StatusPartiallyExecuted Status = "partially_executed"
	StatusCanceled          Status = "canceled"
	StatusRejected          Status = "rejected"
	StatusUnknown           Status = "unknown"
)

var statusRank = map[Status]int{
	StatusValidating:        0,
	StatusSubmitting:        1,
	StatusPending:           2,
	StatusUnknown:           2,
	StatusPartiallyExecuted: 3,
	StatusExecuted:          4,
	StatusCanceled:          4,
	StatusRejected:          4,
}

// Terminal orders leave the active set.
func (s Status) Terminal() bool {
	return s == StatusExecuted || s == StatusCanceled || s == StatusRejected
}

// Advances reports whether moving from s to next keeps the lifecycle going
// forward. Statuses the manager does not know are accepted once, in place of
// a non-terminal state.
func (s Status) Advances(next Status) bool {
	if next == s || s.Terminal() {
		return false
	}
	rank, known := statusRank[next]
	if !known {
		return true
	}
	return rank >= statusRank[s]
}

// Request is what the coordinator asks the execution agent to do.
type Request struct {
	Action         string   `json:"action"`
	Ticker         string   `json:"ticker"`
	Quantity       int64    `json:"quantity"`
	PriceCondition string   `json:"price_condition"`
	LimitPrice     *float64 `json:"limit_price,omitempty"`
	Confidence     float64  `json:"confidence"`
}

// ParseRequest reads a request from an envelope payload. Missing fields take
// the safe defaults: hold, market, zero.
func ParseRequest(c map[string]any) Request {
	content := envelope.Content(c)
	req := Request{
		Action:         strings.ToLower(strings.TrimSpace(content.String("action"))),
		Ticker:         strings.TrimSpace(content.String("ticker")),
		PriceCondition: strings.ToLower(strings.TrimSpace(content.String("price_condition"))),
	}
	if req.Action == "" {
		req.Action = ActionHold
	}
	if req.PriceCondition == "" {
		req.PriceCondition = "market"
	}
	if q, ok := content.Int("quantity"); ok {
		req.Quantity = q
	}
	if conf, ok := content.Float("confidence"); ok {
		req.Confidence = conf
	}
	if lp, ok := content.Float("limit_price"); ok && lp > 0 {
		req.LimitPrice = &lp
	}
	return req
}

// IsLimit reports whether the request carries a usable limit price.
func (r Request) IsLimit() bool {
	return r.PriceCondition == "limit" && r.LimitPrice != nil
}

// Map is the request as stored in records and logs.
func (r Request) Map() map[string]any {
	return toMap(r)
}

// Result statuses.
const (
	ResultSuccess = "success"
	ResultPending = "pending"
	ResultError   = "error"
	ResultHold    = "hold"
)

// Result is the outcome handed back to the coordinator.
type Result struct {
	Status         string         `json:"status"`
	Error          string         `json:"error,omitempty"`
	Message        string         `json:"message,omitempty"`
	OrderID        string         `json:"order_id,omitempty"`
	OrderStatus    map[string]any `json:"order_status,omitempty"`
	Action         string         `json:"action,omitempty"`
	Ticker         string         `json:"ticker,omitempty"`
	Quantity       int64          `json:"quantity,omitempty"`
	ExecutionPrice *float64       `json:"execution_price,omitempty"`
	TotalAmount    *float64       `json:"total_amount,omitempty"`
	CurrentPrice   *float64       `json:"current_price,omitempty"`
	LimitPrice     *float64       `json:"limit_price,omitempty"`
	Simulation     bool           `json:"simulation,omitempty"`
	Timestamp      string         `json:"timestamp"`
}

// Map converts the result to an envelope payload.
func (r Result) Map() map[string]any {
	return toMap(r)
}

// errorResult turns a coded error into the error result; the kind comes
// from the code registry.
func errorResult(err error, now time.Time) Result {
	return Result{
		Status:    ResultError,
		Error:     xerrors.KindOf(err),
		Message:   xerrors.MessageOf(err),
		Timestamp: stamp(now),
	}
}

func stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func toMap(v any) map[string]any {
	data, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	out := map[string]any{}
	_ = json.Unmarshal(data, &out)
	return out
}

func floatPtr(v float64) *float64 { return &v }
