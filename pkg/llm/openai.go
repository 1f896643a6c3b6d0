package llm

import (
	"context"
	"errors"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/appforge/appforge/pkg/config"
)

// ChatClient captures the subset of the go-openai client used by the
// adapter. *openai.Client satisfies it; tests pass a mock.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
	CreateChatCompletionStream(ctx context.Context, request openai.ChatCompletionRequest) (*openai.ChatCompletionStream, error)
}

// OpenAIProvider adapts the OpenAI Chat Completions API (and any
// OpenAI-compatible endpoint via base_url) to the Provider contract.
type OpenAIProvider struct {
	name      string
	model     string
	maxTokens int
	chat      ChatClient
}

// NewOpenAIProvider builds a provider from its configuration entry. A
// configured base_url points the client at a compatible self-hosted backend.
func NewOpenAIProvider(name string, cfg *config.ProviderConfig, apiKey string) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	clientCfg := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return NewOpenAIProviderWithClient(name, cfg, openai.NewClientWithConfig(clientCfg)), nil
}

// NewOpenAIProviderWithClient wires an explicit chat client. Tests use this
// to substitute a mock.
func NewOpenAIProviderWithClient(name string, cfg *config.ProviderConfig, chat ChatClient) *OpenAIProvider {
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &OpenAIProvider{name: name, model: cfg.Model, maxTokens: maxTokens, chat: chat}
}

func (p *OpenAIProvider) Name() string  { return p.name }
func (p *OpenAIProvider) Model() string { return p.model }

func (p *OpenAIProvider) request(req *Request) openai.ChatCompletionRequest {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 || maxTokens > p.maxTokens {
		maxTokens = p.maxTokens
	}
	var messages []openai.ChatCompletionMessage
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Prompt,
	})
	return openai.ChatCompletionRequest{
		Model:       p.model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: float32(req.Temperature),
	}
}

// Complete issues a non-streaming chat completion.
func (p *OpenAIProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	resp, err := p.chat.CreateChatCompletion(ctx, p.request(req))
	if err != nil {
		return nil, p.classify(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &CallError{Provider: p.name, Model: p.model, Kind: ErrKindServer,
			Err: errors.New("response contained no choices")}
	}
	choice := resp.Choices[0]
	return &Response{
		Content:      choice.Message.Content,
		Model:        resp.Model,
		StopReason:   string(choice.FinishReason),
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}, nil
}

// Stream issues a streaming chat completion and forwards content deltas. The
// final chunk carries the assembled response; usage totals come from the
// trailing usage frame requested via stream_options.
func (p *OpenAIProvider) Stream(ctx context.Context, req *Request) (<-chan Chunk, <-chan error) {
	chunks := make(chan Chunk, 32)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		request := p.request(req)
		request.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
		stream, err := p.chat.CreateChatCompletionStream(ctx, request)
		if err != nil {
			errs <- p.classify(err)
			return
		}
		defer stream.Close()

		var (
			content    strings.Builder
			stopReason string
			inTokens   int
			outTokens  int
		)
		for {
			frame, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				errs <- p.classify(err)
				return
			}
			if frame.Usage != nil {
				inTokens = frame.Usage.PromptTokens
				outTokens = frame.Usage.CompletionTokens
			}
			if len(frame.Choices) == 0 {
				continue
			}
			choice := frame.Choices[0]
			if choice.FinishReason != "" {
				stopReason = string(choice.FinishReason)
			}
			if choice.Delta.Content == "" {
				continue
			}
			content.WriteString(choice.Delta.Content)
			select {
			case chunks <- Chunk{Content: choice.Delta.Content}:
			case <-ctx.Done():
				errs <- p.classify(ctx.Err())
				return
			}
		}

		resp := &Response{
			Content:      content.String(),
			Model:        p.model,
			StopReason:   stopReason,
			InputTokens:  inTokens,
			OutputTokens: outTokens,
		}
		select {
		case chunks <- Chunk{Done: true, Response: resp}:
		case <-ctx.Done():
			errs <- p.classify(ctx.Err())
		}
	}()

	return chunks, errs
}

// HealthCheck issues a one-token request to verify reachability and
// credentials.
func (p *OpenAIProvider) HealthCheck(ctx context.Context) error {
	_, err := p.chat.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     p.model,
		MaxTokens: 1,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: "ping"},
		},
	})
	if err != nil {
		return p.classify(err)
	}
	return nil
}

func (p *OpenAIProvider) classify(err error) *CallError {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &CallError{
			Provider:   p.name,
			Model:      p.model,
			Kind:       KindForStatus(apiErr.HTTPStatusCode),
			StatusCode: apiErr.HTTPStatusCode,
			Err:        err,
		}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &CallError{
			Provider:   p.name,
			Model:      p.model,
			Kind:       KindForStatus(reqErr.HTTPStatusCode),
			StatusCode: reqErr.HTTPStatusCode,
			Err:        err,
		}
	}
	return classifyGeneric(p.name, p.model, err)
}
