// Package trading is the signed HTTP client of the brokerage API.
package trading

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	xerrors "MCP-Trader/internal/errors"
)

const (
	// DefaultTimeout applies when the config leaves Timeout at zero.
	DefaultTimeout = 10 * time.Second

	// renewBefore is how long before expiry the session token is renewed.
	renewBefore          = 300 * time.Second
	defaultTokenLifetime = 86400
)

// API is what the order manager and the market data agent need.
type API interface {
	AccountInfo(ctx context.Context) (Account, error)
	Positions(ctx context.Context) ([]Position, error)
	Quote(ctx context.Context, ticker string) (Quote, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (PlaceResult, error)
	OrderStatus(ctx context.Context, orderID string) (OrderStatus, error)
	CancelOrder(ctx context.Context, orderID string) (map[string]any, error)
}

// Client signs every request and keeps a bearer session alive.
type Client struct {
	baseURL    *url.URL
	apiKey     string
	apiSecret  []byte
	httpClient *http.Client
	now        func() time.Time

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

var _ API = (*Client)(nil)

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the default client built from Config.Timeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithClock injects the time source used for signing and token expiry.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

func New(cfg Config, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "trading base url is empty")
	}
	parsed, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "parse trading base url")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := &Client{
		baseURL:    parsed,
		apiKey:     cfg.APIKey,
		apiSecret:  []byte(cfg.APISecret),
		httpClient: &http.Client{Timeout: timeout},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Sign computes base64(HMAC-SHA256(secret, method+path+timestamp+body)).
func Sign(secret []byte, method, path, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(method))
	mac.Write([]byte(path))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Login exchanges the API key for a session token.
func (c *Client) Login(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loginLocked(ctx)
}

func (c *Client) loginLocked(ctx context.Context) error {
	var resp struct {
		Status    string `json:"status"`
		Token     string `json:"token"`
		ExpiresIn *int64 `json:"expiresIn"`
		Message   string `json:"message"`
	}
	if err := c.call(ctx, http.MethodPost, "/auth/login", map[string]string{"apiKey": c.apiKey}, "", &resp); err != nil {
		return err
	}
	if resp.Status != "success" || resp.Token == "" {
		return xerrors.New(xerrors.CodeTransport, "login failed: "+resp.Message)
	}
	lifetime := int64(defaultTokenLifetime)
	if resp.ExpiresIn != nil {
		lifetime = *resp.ExpiresIn
	}
	c.token = resp.Token
	c.tokenExpiry = c.now().Add(time.Duration(lifetime) * time.Second)
	return nil
}

func (c *Client) session(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == "" || !c.now().Before(c.tokenExpiry.Add(-renewBefore)) {
		if err := c.loginLocked(ctx); err != nil {
			return "", err
		}
	}
	return c.token, nil
}

func (c *Client) AccountInfo(ctx context.Context) (Account, error) {
	var raw map[string]any
	if err := c.authed(ctx, http.MethodGet, "/account/info", nil, &raw); err != nil {
		return Account{}, err
	}
	var acct Account
	if err := remarshal(raw, &acct); err != nil {
		return Account{}, err
	}
	acct.Raw = raw
	return acct, nil
}

func (c *Client) Positions(ctx context.Context) ([]Position, error) {
	var resp struct {
		Positions []Position `json:"positions"`
	}
	if err := c.authed(ctx, http.MethodGet, "/positions", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Positions, nil
}

func (c *Client) Quote(ctx context.Context, ticker string) (Quote, error) {
	var raw map[string]any
	if err := c.authed(ctx, http.MethodGet, "/quotes/"+url.PathEscape(ticker), nil, &raw); err != nil {
		return Quote{}, err
	}
	var q Quote
	if err := remarshal(raw, &q); err != nil {
		return Quote{}, err
	}
	if q.Ticker == "" {
		q.Ticker = ticker
	}
	q.Raw = raw
	return q, nil
}

// PlaceOrder submits an order. Any answer other than "accepted" is returned
// as an ORDER_REJECTED error along with the decoded result.
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (PlaceResult, error) {
	var res PlaceResult
	if err := c.authed(ctx, http.MethodPost, "/orders", req, &res); err != nil {
		return PlaceResult{}, err
	}
	if res.Status != StatusAccepted {
		msg := res.Message
		if msg == "" {
			msg = "Unknown error"
		}
		return res, xerrors.New(xerrors.CodeOrderRejected, msg, xerrors.WithMetadata("ticker", req.Ticker))
	}
	return res, nil
}

func (c *Client) OrderStatus(ctx context.Context, orderID string) (OrderStatus, error) {
	var raw map[string]any
	if err := c.authed(ctx, http.MethodGet, "/orders/"+url.PathEscape(orderID), nil, &raw); err != nil {
		return OrderStatus{}, err
	}
	var st OrderStatus
	if err := remarshal(raw, &st); err != nil {
		return OrderStatus{}, err
	}
	if st.OrderID == "" {
		st.OrderID = orderID
	}
	st.Raw = raw
	return st, nil
}

func (c *Client) CancelOrder(ctx context.Context, orderID string) (map[string]any, error) {
	var raw map[string]any
	if err := c.authed(ctx, http.MethodDelete, "/orders/"+url.PathEscape(orderID), nil, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (c *Client) authed(ctx context.Context, method, path string, payload, out any) error {
	token, err := c.session(ctx)
	if err != nil {
		return err
	}
	return c.call(ctx, method, path, payload, token, out)
}

func (c *Client) call(ctx context.Context, method, path string, payload any, token string, out any) error {
	var body []byte
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode request")
		}
		body = encoded
	}

	u := *c.baseURL
	u.Path = c.baseURL.Path + path
	req, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(body))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeTransport, err, "create request")
	}
	timestamp := strconv.FormatInt(c.now().UnixMilli(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-KEY", c.apiKey)
	req.Header.Set("X-TIMESTAMP", timestamp)
	req.Header.Set("X-SIGNATURE", Sign(c.apiSecret, method, path, timestamp, body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeTransport, err, method+" "+path)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeTransport, err, "read response")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return xerrors.New(xerrors.CodeTransport,
			fmt.Sprintf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data))),
			xerrors.WithMetadata("status_code", strconv.Itoa(resp.StatusCode)))
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return xerrors.Wrap(xerrors.CodeTransport, err, "decode response")
	}
	return nil
}

func remarshal(in map[string]any, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeTransport, err, "decode response")
	}
	if err := json.Unmarshal(data, out); err != nil {
		return xerrors.Wrap(xerrors.CodeTransport, err, "decode response")
	}
	return nil
}
