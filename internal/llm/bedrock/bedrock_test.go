package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "MCP-Trader/internal/errors"
	"MCP-Trader/internal/llm"
)

type fakeRuntime struct {
	input *bedrockruntime.InvokeModelInput
	body  string
	err   error
}

func (f *fakeRuntime) InvokeModel(_ context.Context, in *bedrockruntime.InvokeModelInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error) {
	f.input = in
	if f.err != nil {
		return nil, f.err
	}
	return &bedrockruntime.InvokeModelOutput{Body: []byte(f.body)}, nil
}

func TestAnthropicRoundTrip(t *testing.T) {
	rt := &fakeRuntime{body: `{"content":[{"type":"text","text":"{\"action\":\"buy\"}"}]}`}
	c, err := New(rt, llm.FamilyAnthropic, "anthropic.claude-3-sonnet-20240229-v1:0")
	require.NoError(t, err)

	resp, err := c.Invoke(context.Background(), "decide", llm.Params{Temperature: llm.Float(0.2), MaxTokens: 512})
	require.NoError(t, err)
	assert.Equal(t, `{"action":"buy"}`, resp.Text)
	assert.Equal(t, "anthropic.claude-3-sonnet-20240229-v1:0", aws.ToString(rt.input.ModelId))

	var sent map[string]any
	require.NoError(t, json.Unmarshal(rt.input.Body, &sent))
	assert.Equal(t, "bedrock-2023-05-31", sent["anthropic_version"])
	assert.Equal(t, 0.2, sent["temperature"])
	assert.Equal(t, 0.9, sent["top_p"])
	assert.Equal(t, float64(512), sent["max_tokens"])
	assert.Equal(t, []any{map[string]any{"role": "user", "content": "decide"}}, sent["messages"])
}

func TestTitanRoundTrip(t *testing.T) {
	rt := &fakeRuntime{body: `{"results":[{"outputText":"signal ok"}]}`}
	c, err := New(rt, llm.FamilyTitan, "amazon.titan-text-express-v1")
	require.NoError(t, err)

	resp, err := c.Invoke(context.Background(), "analyse", llm.Params{})
	require.NoError(t, err)
	assert.Equal(t, "signal ok", resp.Text)

	var sent struct {
		InputText string         `json:"inputText"`
		Config    map[string]any `json:"textGenerationConfig"`
	}
	require.NoError(t, json.Unmarshal(rt.input.Body, &sent))
	assert.Equal(t, "analyse", sent.InputText)
	assert.Equal(t, map[string]any{"temperature": 0.7, "topP": 0.9, "maxTokenCount": float64(1024)}, sent.Config)
}

func TestInvokeFailureIsTransportError(t *testing.T) {
	c, err := New(&fakeRuntime{err: errors.New("throttled")}, llm.FamilyTitan, "amazon.titan-text-express-v1")
	require.NoError(t, err)

	_, err = c.Invoke(context.Background(), "x", llm.Params{})
	assert.True(t, xerrors.HasCode(err, xerrors.CodeTransport))
}

func TestEmptyResultsAreErrors(t *testing.T) {
	c, err := New(&fakeRuntime{body: `{"results":[]}`}, llm.FamilyTitan, "amazon.titan-text-express-v1")
	require.NoError(t, err)
	_, err = c.Invoke(context.Background(), "x", llm.Params{})
	assert.Error(t, err)
}

func TestNewRejectsForeignFamily(t *testing.T) {
	_, err := New(&fakeRuntime{}, llm.FamilyOpenAI, "gpt-4o")
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))
}
