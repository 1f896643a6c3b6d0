package llm

import (
	"context"
	"errors"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/appforge/appforge/pkg/config"
)

// MessagesClient captures the subset of the Anthropic SDK used by the
// adapter. *sdk.MessageService satisfies it; tests pass a mock.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// AnthropicProvider adapts the Anthropic Messages API to the Provider
// contract.
type AnthropicProvider struct {
	name      string
	model     string
	maxTokens int
	msg       MessagesClient
}

// NewAnthropicProvider builds a provider from its configuration entry,
// resolving the API key from the configured environment variable.
func NewAnthropicProvider(name string, cfg *config.ProviderConfig, apiKey string) (*AnthropicProvider, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := sdk.NewClient(opts...)
	return NewAnthropicProviderWithClient(name, cfg, &client.Messages), nil
}

// NewAnthropicProviderWithClient wires an explicit Messages client. Tests use
// this to substitute a mock.
func NewAnthropicProviderWithClient(name string, cfg *config.ProviderConfig, msg MessagesClient) *AnthropicProvider {
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &AnthropicProvider{name: name, model: cfg.Model, maxTokens: maxTokens, msg: msg}
}

func (p *AnthropicProvider) Name() string  { return p.name }
func (p *AnthropicProvider) Model() string { return p.model }

func (p *AnthropicProvider) params(req *Request) sdk.MessageNewParams {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 || maxTokens > p.maxTokens {
		maxTokens = p.maxTokens
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(p.model),
		MaxTokens: int64(maxTokens),
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}
	return params
}

// Complete issues a non-streaming Messages request.
func (p *AnthropicProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	msg, err := p.msg.New(ctx, p.params(req))
	if err != nil {
		return nil, p.classify(err)
	}
	var text strings.Builder
	for _, block := range msg.Content {
		if tb, ok := block.AsAny().(sdk.TextBlock); ok {
			text.WriteString(tb.Text)
		}
	}
	return &Response{
		Content:      text.String(),
		Model:        string(msg.Model),
		StopReason:   string(msg.StopReason),
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}, nil
}

// Stream issues a streaming Messages request and forwards text deltas as they
// arrive. The final chunk carries the assembled response with usage totals
// from the message_delta event.
func (p *AnthropicProvider) Stream(ctx context.Context, req *Request) (<-chan Chunk, <-chan error) {
	chunks := make(chan Chunk, 32)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		stream := p.msg.NewStreaming(ctx, p.params(req))
		defer stream.Close()

		var (
			content    strings.Builder
			stopReason string
			inTokens   int
			outTokens  int
		)

		for stream.Next() {
			event := stream.Current()
			switch ev := event.AsAny().(type) {
			case sdk.MessageStartEvent:
				inTokens = int(ev.Message.Usage.InputTokens)
			case sdk.ContentBlockDeltaEvent:
				if delta, ok := ev.Delta.AsAny().(sdk.TextDelta); ok && delta.Text != "" {
					content.WriteString(delta.Text)
					select {
					case chunks <- Chunk{Content: delta.Text}:
					case <-ctx.Done():
						errs <- p.classify(ctx.Err())
						return
					}
				}
			case sdk.MessageDeltaEvent:
				stopReason = string(ev.Delta.StopReason)
				outTokens = int(ev.Usage.OutputTokens)
				if ev.Usage.InputTokens > 0 {
					inTokens = int(ev.Usage.InputTokens)
				}
			}
		}
		if err := stream.Err(); err != nil {
			errs <- p.classify(err)
			return
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
func (p *AnthropicProvider) HealthCheck(ctx context.Context) error {
	_, err := p.msg.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(p.model),
		MaxTokens: 1,
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock("ping"))},
	})
	if err != nil {
		return p.classify(err)
	}
	return nil
}

func (p *AnthropicProvider) classify(err error) *CallError {
	var apierr *sdk.Error
	if errors.As(err, &apierr) {
		ce := &CallError{
			Provider:   p.name,
			Model:      p.model,
			Kind:       KindForStatus(apierr.StatusCode),
			StatusCode: apierr.StatusCode,
			Err:        err,
		}
		if apierr.Response != nil {
			if ra := apierr.Response.Header.Get("Retry-After"); ra != "" {
				if d, perr := time.ParseDuration(ra + "s"); perr == nil {
					ce.RetryAfter = d
				}
			}
		}
		return ce
	}
	return classifyGeneric(p.name, p.model, err)
}
