// Package bedrock invokes Anthropic and Titan models hosted on Amazon
// Bedrock. The request body and response path depend on the family.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	xerrors "MCP-Trader/internal/errors"
	"MCP-Trader/internal/llm"
)

const anthropicVersion = "bedrock-2023-05-31"

func init() {
	llm.Register(llm.FamilyAnthropic, newFromConfig)
	llm.Register(llm.FamilyTitan, newFromConfig)
}

// InvokeModelAPI is the part of the bedrock runtime client used here.
type InvokeModelAPI interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// Client sends one prompt per call through InvokeModel.
type Client struct {
	api     InvokeModelAPI
	family  llm.Family
	modelID string
}

// New wraps an existing runtime client.
func New(api InvokeModelAPI, family llm.Family, modelID string) (*Client, error) {
	if family != llm.FamilyAnthropic && family != llm.FamilyTitan {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("bedrock adapter does not serve family %q", family))
	}
	if strings.TrimSpace(modelID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "bedrock model id is empty")
	}
	return &Client{api: api, family: family, modelID: modelID}, nil
}

func newFromConfig(ctx context.Context, family llm.Family, cfg llm.Config) (llm.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, awsconfig.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "load aws config")
	}
	var clientOpts []func(*bedrockruntime.Options)
	if cfg.BaseURL != "" {
		clientOpts = append(clientOpts, func(o *bedrockruntime.Options) { o.BaseEndpoint = aws.String(cfg.BaseURL) })
	}
	return New(bedrockruntime.NewFromConfig(awsCfg, clientOpts...), family, cfg.Model)
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	AnthropicVersion string             `json:"anthropic_version"`
	MaxTokens        int                `json:"max_tokens"`
	Temperature      float64            `json:"temperature"`
	TopP             float64            `json:"top_p"`
	Messages         []anthropicMessage `json:"messages"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

type titanConfig struct {
	Temperature   float64 `json:"temperature"`
	TopP          float64 `json:"topP"`
	MaxTokenCount int     `json:"maxTokenCount"`
}

type titanRequest struct {
	InputText            string      `json:"inputText"`
	TextGenerationConfig titanConfig `json:"textGenerationConfig"`
}

type titanResponse struct {
	Results []struct {
		OutputText string `json:"outputText"`
	} `json:"results"`
}

// Body renders the family-specific request body.
func (c *Client) Body(prompt string, params llm.Params) ([]byte, error) {
	params = params.WithDefaults()
	switch c.family {
	case llm.FamilyAnthropic:
		return json.Marshal(anthropicRequest{
			AnthropicVersion: anthropicVersion,
			MaxTokens:        params.MaxTokens,
			Temperature:      *params.Temperature,
			TopP:             *params.TopP,
			Messages:         []anthropicMessage{{Role: "user", Content: prompt}},
		})
	default:
		return json.Marshal(titanRequest{
			InputText: prompt,
			TextGenerationConfig: titanConfig{
				Temperature:   *params.Temperature,
				TopP:          *params.TopP,
				MaxTokenCount: params.MaxTokens,
			},
		})
	}
}

func (c *Client) Invoke(ctx context.Context, prompt string, params llm.Params) (*llm.Response, error) {
	body, err := c.Body(prompt, params)
	if err != nil {
		return nil, fmt.Errorf("encode bedrock request: %w", err)
	}
	out, err := c.api.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(c.modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTransport, err, "invoke bedrock model",
			xerrors.WithMetadata("model", c.modelID))
	}
	text, err := c.extract(out.Body)
	if err != nil {
		return nil, err
	}
	return &llm.Response{Text: text, Model: c.modelID}, nil
}

func (c *Client) extract(raw []byte) (string, error) {
	switch c.family {
	case llm.FamilyAnthropic:
		var resp anthropicResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return "", fmt.Errorf("decode anthropic response: %w", err)
		}
		for _, part := range resp.Content {
			if part.Type == "" || part.Type == "text" {
				return part.Text, nil
			}
		}
		return "", errors.New("anthropic response has no text content")
	default:
		var resp titanResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return "", fmt.Errorf("decode titan response: %w", err)
		}
		if len(resp.Results) == 0 {
			return "", errors.New("titan response has no results")
		}
		return resp.Results[0].OutputText, nil
	}
}
