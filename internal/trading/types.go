package trading

import "time"

// Config points the client at the brokerage API.
type Config struct {
	BaseURL   string        `yaml:"base_url" split_words:"true"`
	APIKey    string        `yaml:"api_key" split_words:"true"`
	APISecret string        `yaml:"api_secret" split_words:"true"`
	Timeout   time.Duration `yaml:"timeout"`
}

// Order sides and types.
const (
	SideBuy  = "buy"
	SideSell = "sell"

	TypeMarket = "market"
	TypeLimit  = "limit"
)

// Order statuses reported by the API.
const (
	StatusAccepted          = "accepted"
	StatusPending           = "pending"
	StatusExecuted          = "executed"
	StatusPartiallyExecuted = "partially_executed"
	StatusCanceled          = "canceled"
	StatusRejected          = "rejected"
)

// Account is the subset of /account/info used for validation.
type Account struct {
	Cash struct {
		Available float64 `json:"available"`
	} `json:"cash"`
	Raw map[string]any `json:"-"`
}

type Position struct {
	Ticker   string  `json:"ticker"`
	Quantity float64 `json:"quantity"`
}

// Price is the price block of a quote.
type Price struct {
	Current  float64 `json:"current"`
	Open     float64 `json:"open,omitempty"`
	High     float64 `json:"high,omitempty"`
	Low      float64 `json:"low,omitempty"`
	Previous float64 `json:"previous_close,omitempty"`
}

// Quote is a price snapshot. Raw keeps the full payload for archiving.
type Quote struct {
	Ticker string         `json:"ticker"`
	Price  Price          `json:"price"`
	Volume float64        `json:"volume,omitempty"`
	Raw    map[string]any `json:"-"`
}

// OrderRequest is the body of POST /orders.
type OrderRequest struct {
	Ticker        string   `json:"ticker"`
	Quantity      float64  `json:"quantity"`
	Side          string   `json:"side"`
	OrderType     string   `json:"order_type"`
	ClientOrderID string   `json:"client_order_id"`
	LimitPrice    *float64 `json:"limit_price,omitempty"`
}

// PlaceResult is the answer to POST /orders.
type PlaceResult struct {
	Status  string `json:"status"`
	OrderID string `json:"order_id"`
	Message string `json:"message,omitempty"`
}

// OrderStatus is the answer to GET /orders/{id}.
type OrderStatus struct {
	OrderID        string         `json:"order_id"`
	Status         string         `json:"status"`
	ExecutionPrice float64        `json:"execution_price,omitempty"`
	Raw            map[string]any `json:"-"`
}

// Terminal reports whether the API will not move the order any further.
// Partially executed orders are settled for confirmation but may still fill.
func Terminal(status string) bool {
	switch status {
	case StatusExecuted, StatusCanceled, StatusRejected:
		return true
	}
	return false
}

// Settled is the stop condition of post-submit confirmation polling.
func Settled(status string) bool {
	return Terminal(status) || status == StatusPartiallyExecuted
}
