package llm

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "MCP-Trader/internal/errors"
	"MCP-Trader/internal/observability/metrics"
)

// Family selects the request/response schema of a model.
type Family string

const (
	FamilyAnthropic Family = "anthropic"
	FamilyTitan     Family = "titan"
	FamilyOpenAI    Family = "openai"
)

// ParseFamily validates a configured family name.
func ParseFamily(s string) (Family, error) {
	switch f := Family(strings.ToLower(strings.TrimSpace(s))); f {
	case FamilyAnthropic, FamilyTitan, FamilyOpenAI:
		return f, nil
	default:
		return "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("unsupported model family %q", s))
	}
}

// InferFamily guesses the family from a model id. It is only consulted when
// the configuration leaves the family empty.
func InferFamily(modelID string) (Family, error) {
	id := strings.ToLower(modelID)
	switch {
	case strings.Contains(id, "claude"), strings.Contains(id, "anthropic"):
		return FamilyAnthropic, nil
	case strings.Contains(id, "titan"):
		return FamilyTitan, nil
	case strings.HasPrefix(id, "gpt"), strings.HasPrefix(id, "o1"), strings.HasPrefix(id, "o3"), strings.Contains(id, "openai"):
		return FamilyOpenAI, nil
	default:
		return "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("cannot infer model family from %q", modelID))
	}
}

// Params tunes one invocation. Nil or zero fields take the defaults.
type Params struct {
	Temperature *float64
	TopP        *float64
	MaxTokens   int
}

// Float is a helper for the pointer fields of Params.
func Float(v float64) *float64 { return &v }

// DefaultParams is what an empty Params resolves to.
func DefaultParams() Params {
	return Params{Temperature: Float(0.7), TopP: Float(0.9), MaxTokens: 1024}
}

// WithDefaults fills the unset fields of p.
func (p Params) WithDefaults() Params {
	def := DefaultParams()
	if p.Temperature == nil {
		p.Temperature = def.Temperature
	}
	if p.TopP == nil {
		p.TopP = def.TopP
	}
	if p.MaxTokens <= 0 {
		p.MaxTokens = def.MaxTokens
	}
	return p
}

// Response is the model output.
type Response struct {
	Text  string
	Model string
}

// Client invokes a model with a single user prompt.
type Client interface {
	Invoke(ctx context.Context, prompt string, params Params) (*Response, error)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, prompt string, params Params) (*Response, error)

func (f ClientFunc) Invoke(ctx context.Context, prompt string, params Params) (*Response, error) {
	return f(ctx, prompt, params)
}

// Config selects and parameterises the model adapter.
type Config struct {
	Family  string        `yaml:"family"`
	Model   string        `yaml:"model"`
	Region  string        `yaml:"region"`
	APIKey  string        `yaml:"api_key" split_words:"true"`
	BaseURL string        `yaml:"base_url" split_words:"true"`
	Timeout time.Duration `yaml:"timeout"`
}

// ResolveFamily returns the configured family, inferring it from the model
// id when the field is empty.
func (c Config) ResolveFamily() (Family, error) {
	if strings.TrimSpace(c.Family) != "" {
		return ParseFamily(c.Family)
	}
	return InferFamily(c.Model)
}

// Factory builds a Client for one family.
type Factory func(ctx context.Context, family Family, cfg Config) (Client, error)

var (
	registryMu sync.RWMutex
	factories  = map[Family]Factory{}
)

// Register installs the factory for family, replacing any earlier one.
func Register(family Family, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	factories[family] = f
}

// Families lists the registered families.
func Families() []Family {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]Family, 0, len(factories))
	for f := range factories {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// New resolves the family once and builds the instrumented client for it.
func New(ctx context.Context, cfg Config) (Client, error) {
	family, err := cfg.ResolveFamily()
	if err != nil {
		return nil, err
	}
	registryMu.RLock()
	factory, ok := factories[family]
	registryMu.RUnlock()
	if !ok {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, fmt.Sprintf("no adapter registered for model family %q", family))
	}
	client, err := factory(ctx, family, cfg)
	if err != nil {
		return nil, err
	}
	return Instrument(family, client), nil
}

// Instrument records latency and outcome of every call.
func Instrument(family Family, c Client) Client {
	return ClientFunc(func(ctx context.Context, prompt string, params Params) (*Response, error) {
		started := time.Now()
		resp, err := c.Invoke(ctx, prompt, params.WithDefaults())
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		metrics.LLMLatency.WithLabelValues(string(family), outcome).Observe(time.Since(started).Seconds())
		return resp, err
	})
}
