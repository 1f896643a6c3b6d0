package llm

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appforge/appforge/pkg/config"
	"github.com/appforge/appforge/pkg/models"
)

func demoConfig() *config.ProviderConfig {
	return &config.ProviderConfig{
		Type:        config.ProviderTypeDemo,
		Model:       "demo-1",
		BaseLatency: time.Millisecond,
	}
}

func TestDemoCompleteDeterministic(t *testing.T) {
	p := NewDemoProvider("demo", demoConfig())

	req := &Request{Role: models.RoleCoder, Prompt: "project: shop-api"}
	first, err := p.Complete(context.Background(), req)
	require.NoError(t, err)
	second, err := p.Complete(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.Content, second.Content)
	assert.Contains(t, first.Content, "```go:main.go")
	assert.Positive(t, first.OutputTokens)
	assert.Equal(t, first.InputTokens+first.OutputTokens, first.TotalTokens())
}

func TestDemoStreamAssemblesCompleteContent(t *testing.T) {
	p := NewDemoProvider("demo", demoConfig())

	chunks, errs := p.Stream(context.Background(), &Request{Role: models.RolePlanner, Prompt: "project: shop-api"})

	var assembled strings.Builder
	var final *Response
	for chunk := range chunks {
		if chunk.Done {
			final = chunk.Response
			continue
		}
		assembled.WriteString(chunk.Content)
	}
	require.NoError(t, <-errs)
	require.NotNil(t, final)
	assert.Equal(t, final.Content, assembled.String())
	assert.Contains(t, final.Content, "shop-api")
}

func TestDemoStreamCancellation(t *testing.T) {
	cfg := demoConfig()
	cfg.BaseLatency = time.Second
	p := NewDemoProvider("demo", cfg)

	ctx, cancel := context.WithCancel(context.Background())
	chunks, errs := p.Stream(ctx, &Request{Role: models.RoleCoder, Prompt: "x"})
	cancel()

	for range chunks {
	}
	err := <-errs
	require.Error(t, err)
	ce, ok := AsCallError(err)
	require.True(t, ok)
	assert.Equal(t, ErrKindCancelled, ce.Kind)
}

func TestKindForStatus(t *testing.T) {
	tests := []struct {
		code int
		want ErrorKind
	}{
		{400, ErrKindInvalidRequest},
		{401, ErrKindAuth},
		{403, ErrKindAuth},
		{408, ErrKindTimeout},
		{422, ErrKindInvalidRequest},
		{429, ErrKindRateLimited},
		{500, ErrKindServer},
		{502, ErrKindServer},
		{503, ErrKindUnavailable},
		{404, ErrKindInvalidRequest},
		{200, ErrKindUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, KindForStatus(tt.code), "status %d", tt.code)
	}
}

func TestErrorKindPolicy(t *testing.T) {
	assert.True(t, ErrKindRateLimited.Retryable())
	assert.True(t, ErrKindTimeout.Retryable())
	assert.True(t, ErrKindServer.Retryable())
	assert.True(t, ErrKindConnection.Retryable())
	assert.False(t, ErrKindAuth.Retryable())
	assert.False(t, ErrKindInvalidRequest.Retryable())

	assert.True(t, ErrKindAuth.FastFail())
	assert.True(t, ErrKindInvalidRequest.FastFail())
	assert.True(t, ErrKindCancelled.FastFail())
	assert.False(t, ErrKindServer.FastFail())
}

func TestClassifyGenericContextErrors(t *testing.T) {
	ce := classifyGeneric("p", "m", context.DeadlineExceeded)
	assert.Equal(t, ErrKindTimeout, ce.Kind)

	ce = classifyGeneric("p", "m", context.Canceled)
	assert.Equal(t, ErrKindCancelled, ce.Kind)

	ce = classifyGeneric("p", "m", errors.New("boom"))
	assert.Equal(t, ErrKindUnknown, ce.Kind)
	assert.ErrorContains(t, ce, "boom")
}

type stubMessagesClient struct {
	resp *sdk.Message
	err  error
}

func (s *stubMessagesClient) New(context.Context, sdk.MessageNewParams, ...option.RequestOption) (*sdk.Message, error) {
	return s.resp, s.err
}

func (s *stubMessagesClient) NewStreaming(context.Context, sdk.MessageNewParams, ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion] {
	return nil
}

func TestAnthropicComplete(t *testing.T) {
	stub := &stubMessagesClient{
		resp: &sdk.Message{
			Content:    []sdk.ContentBlockUnion{{Type: "text", Text: "hello world"}},
			Model:      "claude-sonnet-4-5",
			StopReason: sdk.StopReasonEndTurn,
			Usage:      sdk.Usage{InputTokens: 12, OutputTokens: 7},
		},
	}
	p := NewAnthropicProviderWithClient("anthropic", &config.ProviderConfig{
		Type: config.ProviderTypeAnthropic, Model: "claude-sonnet-4-5", MaxTokens: 256,
	}, stub)

	resp, err := p.Complete(context.Background(), &Request{Role: models.RoleCoder, Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hello world", resp.Content)
	assert.Equal(t, 12, resp.InputTokens)
	assert.Equal(t, 7, resp.OutputTokens)
	assert.Equal(t, string(sdk.StopReasonEndTurn), resp.StopReason)
}

func TestAnthropicRequiresKey(t *testing.T) {
	_, err := NewAnthropicProvider("anthropic", &config.ProviderConfig{Model: "m"}, "")
	require.Error(t, err)
}

type stubChatClient struct {
	resp openai.ChatCompletionResponse
	err  error
}

func (s *stubChatClient) CreateChatCompletion(context.Context, openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	return s.resp, s.err
}

func (s *stubChatClient) CreateChatCompletionStream(context.Context, openai.ChatCompletionRequest) (*openai.ChatCompletionStream, error) {
	return nil, errors.New("not implemented")
}

func TestOpenAIComplete(t *testing.T) {
	stub := &stubChatClient{
		resp: openai.ChatCompletionResponse{
			Model: "gpt-4o",
			Choices: []openai.ChatCompletionChoice{
				{Message: openai.ChatCompletionMessage{Content: "done"}, FinishReason: openai.FinishReasonStop},
			},
			Usage: openai.Usage{PromptTokens: 20, CompletionTokens: 4},
		},
	}
	p := NewOpenAIProviderWithClient("openai", &config.ProviderConfig{
		Type: config.ProviderTypeOpenAI, Model: "gpt-4o", MaxTokens: 256,
	}, stub)

	resp, err := p.Complete(context.Background(), &Request{Role: models.RoleTester, Prompt: "hi", System: "sys"})
	require.NoError(t, err)
	assert.Equal(t, "done", resp.Content)
	assert.Equal(t, 20, resp.InputTokens)
	assert.Equal(t, 4, resp.OutputTokens)
}

func TestOpenAIClassifiesAPIError(t *testing.T) {
	stub := &stubChatClient{err: &openai.APIError{HTTPStatusCode: 429, Message: "slow down"}}
	p := NewOpenAIProviderWithClient("openai", &config.ProviderConfig{
		Type: config.ProviderTypeOpenAI, Model: "gpt-4o",
	}, stub)

	_, err := p.Complete(context.Background(), &Request{Prompt: "hi"})
	require.Error(t, err)
	ce, ok := AsCallError(err)
	require.True(t, ok)
	assert.Equal(t, ErrKindRateLimited, ce.Kind)
	assert.Equal(t, 429, ce.StatusCode)
	assert.True(t, ce.Retryable())
}

func TestFactoryBuildsDemoWithoutKey(t *testing.T) {
	p, err := NewProvider("demo", demoConfig())
	require.NoError(t, err)
	assert.Equal(t, "demo", p.Name())
	assert.Equal(t, "demo-1", p.Model())
}
