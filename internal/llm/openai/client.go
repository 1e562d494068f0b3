// Package openai serves the openai model family through the Chat
// Completions API, or any endpoint compatible with it.
package openai

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	xerrors "MCP-Trader/internal/errors"
	"MCP-Trader/internal/llm"
)

const (
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 60 * time.Second
)

func init() {
	llm.Register(llm.FamilyOpenAI, func(_ context.Context, _ llm.Family, cfg llm.Config) (llm.Client, error) {
		return NewClient(cfg)
	})
}

// Client wraps the SDK client with a fixed model.
type Client struct {
	sdk   openaisdk.Client
	model string
}

// NewClient builds a client from the shared llm configuration.
func NewClient(cfg llm.Config, extra ...option.RequestOption) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "openai api key is empty")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(&http.Client{Timeout: timeout}),
	}
	if base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"); base != "" {
		opts = append(opts, option.WithBaseURL(base+"/"))
	}
	opts = append(opts, extra...)

	return &Client{sdk: openaisdk.NewClient(opts...), model: model}, nil
}

func (c *Client) Invoke(ctx context.Context, prompt string, params llm.Params) (*llm.Response, error) {
	params = params.WithDefaults()
	completion, err := c.sdk.Chat.Completions.New(ctx, openaisdk.ChatCompletionNewParams{
		Model: openaisdk.ChatModel(c.model),
		Messages: []openaisdk.ChatCompletionMessageParamUnion{
			openaisdk.UserMessage(prompt),
		},
		Temperature: openaisdk.Float(*params.Temperature),
		TopP:        openaisdk.Float(*params.TopP),
		MaxTokens:   openaisdk.Int(int64(params.MaxTokens)),
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTransport, err, "openai chat completion",
			xerrors.WithMetadata("model", c.model))
	}
	if len(completion.Choices) == 0 {
		return nil, errors.New("openai response has no choices")
	}
	content := strings.TrimSpace(completion.Choices[0].Message.Content)
	if content == "" {
		return nil, errors.New("openai response content is empty")
	}
	return &llm.Response{Text: content, Model: c.model}, nil
}
