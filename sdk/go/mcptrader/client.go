// Package mcptrader is a client for the mcptraderd ops API.
package mcptrader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"
)

// DefaultHTTPTimeout applies to clients built without an http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Client calls the ops API of one daemon.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// Envelope is one message of a conversation.
type Envelope struct {
	ID             string         `json:"id"`
	Sender         string         `json:"sender"`
	Receiver       string         `json:"receiver"`
	Type           string         `json:"type"`
	Content        map[string]any `json:"content"`
	CreatedAt      float64        `json:"created_at"`
	ConversationID string         `json:"conversation_id"`
	ReplyTo        string         `json:"reply_to,omitempty"`
}

// Conversation is the coordinator's live view of a cycle.
type Conversation struct {
	ID        string         `json:"conversation_id"`
	Phase     string         `json:"phase"`
	Expected  []string       `json:"expected_participants"`
	Decision  map[string]any `json:"final_decision,omitempty"`
	Execution map[string]any `json:"execution_result,omitempty"`
	Status    string         `json:"status,omitempty"`
	Missing   []string       `json:"missing,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// ConversationDetail pairs the live view, when the coordinator still holds
// it, with the message history.
type ConversationDetail struct {
	Conversation *Conversation `json:"conversation,omitempty"`
	History      []Envelope    `json:"history"`
}

// CancelResult is the answer of a cancel call.
type CancelResult struct {
	OrderID string         `json:"order_id"`
	Status  string         `json:"status"`
	Result  map[string]any `json:"result,omitempty"`
}

// APIError is a non-2xx answer.
type APIError struct {
	StatusCode int
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("mcptrader api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient builds a client for rawURL. A nil httpClient gets
// DefaultHTTPTimeout.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetAccessToken sets the bearer token sent with every call.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// Health returns nil when the daemon answers /healthz.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

// StartCycle opens a trading cycle. No tickers means the configured ones.
func (c *Client) StartCycle(ctx context.Context, tickers ...string) (string, error) {
	var out struct {
		ConversationID string `json:"conversation_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/cycles", map[string]any{"tickers": tickers}, &out); err != nil {
		return "", err
	}
	return out.ConversationID, nil
}

// Conversations lists the ids the coordinator currently holds.
func (c *Client) Conversations(ctx context.Context) ([]string, error) {
	var out struct {
		Conversations []string `json:"conversations"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out.Conversations, nil
}

func (c *Client) Conversation(ctx context.Context, id string) (ConversationDetail, error) {
	var out ConversationDetail
	if err := c.do(ctx, http.MethodGet, "/api/v1/conversations/"+id, nil, &out); err != nil {
		return ConversationDetail{}, err
	}
	return out, nil
}

func (c *Client) CancelOrder(ctx context.Context, orderID string) (CancelResult, error) {
	var out CancelResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/orders/"+orderID+"/cancel", nil, &out); err != nil {
		return CancelResult{}, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	u := *c.baseURL
	u.Path = path.Join(c.baseURL.Path, endpoint)
	u.RawPath = ""
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
