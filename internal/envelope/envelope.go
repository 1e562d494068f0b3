// Package envelope defines the correlated message unit exchanged between agents.
package envelope

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Message types used by the trading pipeline.
const (
	TypeDataRequest       = "data_request"
	TypeDataResponse      = "data_response"
	TypeAnalysisRequest   = "analysis_request"
	TypeAnalysisResponse  = "analysis_response"
	TypeExecutionRequest  = "execution_request"
	TypeExecutionResponse = "execution_response"
	requestSuffix         = "_request"
	responseSuffix        = "_response"
)

// Content is the message-type specific payload.
type Content map[string]any

// Envelope is immutable once built: callers receive copies and nothing in
// the broker or runtime rewrites ID or CreatedAt.
type Envelope struct {
	ID             string  `json:"id"`
	Sender         string  `json:"sender"`
	Receiver       string  `json:"receiver"`
	Type           string  `json:"type"`
	Content        Content `json:"content"`
	CreatedAt      float64 `json:"created_at"`
	ConversationID string  `json:"conversation_id"`
	ReplyTo        string  `json:"reply_to,omitempty"`
}

// Option customises New.
type Option func(*Envelope)

// WithConversation joins an existing conversation instead of opening one.
func WithConversation(id string) Option {
	return func(e *Envelope) {
		if id = strings.TrimSpace(id); id != "" {
			e.ConversationID = id
		}
	}
}

// WithReplyTo links the envelope to a parent id.
func WithReplyTo(id string) Option {
	return func(e *Envelope) { e.ReplyTo = id }
}

// Now is the clock used for created_at; tests may replace it.
var Now = time.Now

// New builds an envelope. Without WithConversation a fresh conversation id is
// generated so each top-level exchange is uniquely correlated.
func New(sender, receiver, msgType string, content Content, opts ...Option) Envelope {
	e := Envelope{
		ID:        uuid.NewString(),
		Sender:    sender,
		Receiver:  receiver,
		Type:      msgType,
		Content:   content,
		CreatedAt: Timestamp(Now()),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&e)
		}
	}
	if e.ConversationID == "" {
		e.ConversationID = uuid.NewString()
	}
	if e.Content == nil {
		e.Content = Content{}
	}
	return e
}

// Reply answers parent: sender and receiver swap, the conversation is kept and
// reply_to points at parent. msgType is optional; by default "x_request"
// becomes "x_response".
func Reply(parent Envelope, content Content, msgType ...string) Envelope {
	t := ResponseType(parent.Type)
	if len(msgType) > 0 && msgType[0] != "" {
		t = msgType[0]
	}
	return New(parent.Receiver, parent.Sender, t, content,
		WithConversation(parent.ConversationID),
		WithReplyTo(parent.ID),
	)
}

// ResponseType maps a request type to its response type.
func ResponseType(requestType string) string {
	if strings.HasSuffix(requestType, requestSuffix) {
		return strings.TrimSuffix(requestType, requestSuffix) + responseSuffix
	}
	if strings.HasSuffix(requestType, responseSuffix) {
		return requestType
	}
	return requestType + responseSuffix
}

// Timestamp converts t to fractional Unix seconds.
func Timestamp(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// Time converts a created_at value back to time.Time.
func Time(ts float64) time.Time {
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec)
}

// Clone returns a copy whose Content map can be mutated safely.
func (e Envelope) Clone() Envelope {
	out := e
	if e.Content != nil {
		out.Content = make(Content, len(e.Content))
		for k, v := range e.Content {
			out.Content[k] = v
		}
	}
	return out
}

// String reads a string field, returning "" when absent or mistyped.
func (c Content) String(key string) string {
	if v, ok := c[key].(string); ok {
		return v
	}
	return ""
}

// Float reads a numeric field, tolerating the int and json.Number shapes
// produced by the different broker backends.
func (c Content) Float(key string) (float64, bool) {
	return ToFloat(c[key])
}

// Int reads an integral field, truncating fractions.
func (c Content) Int(key string) (int64, bool) {
	return ToInt64(c[key])
}

// Map reads a nested object field.
func (c Content) Map(key string) map[string]any {
	switch v := c[key].(type) {
	case map[string]any:
		return v
	case Content:
		return v
	default:
		return nil
	}
}

// Strings reads a list of strings. Non-string elements are skipped.
func (c Content) Strings(key string) []string {
	switch v := c[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
