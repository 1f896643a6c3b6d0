// Package llm defines the provider contract for model completions and the
// adapters that implement it (Anthropic, OpenAI-compatible, demo). Providers
// translate one request shape into SDK-specific calls and report usage in a
// common form; selection, retries, and accounting live in pkg/router.
package llm

import (
	"context"

	"github.com/appforge/appforge/pkg/models"
)

// Request is a single completion request issued on behalf of an agent role.
type Request struct {
	// Role identifies the agent issuing the request. Providers may use it to
	// shape demo output; real providers pass it through untouched.
	Role models.AgentRole

	// System is the system prompt. Optional.
	System string

	// Prompt is the user-turn content.
	Prompt string

	// MaxTokens caps the completion length. Zero means the provider default.
	MaxTokens int

	// Temperature applies when positive.
	Temperature float64

	// CorrelationID ties the request to a build stage attempt for logging.
	CorrelationID string
}

// Response is a completed (non-streaming or assembled) model response.
type Response struct {
	Content      string
	Model        string
	StopReason   string
	InputTokens  int
	OutputTokens int
}

// TotalTokens returns input plus output tokens.
func (r *Response) TotalTokens() int {
	return r.InputTokens + r.OutputTokens
}

// Chunk is one streaming fragment. The final chunk has Done set and carries
// the assembled Response with usage totals.
type Chunk struct {
	Content string
	Done    bool

	// Response is populated only on the final chunk.
	Response *Response
}

// Provider is the adapter contract for one configured model backend.
//
// Stream follows the two-channel convention: content arrives on the chunk
// channel, a terminal failure arrives on the error channel, and both close
// when the stream ends. A stream that completes normally closes both without
// sending an error.
type Provider interface {
	// Name is the configured provider name ("anthropic", "demo", ...).
	Name() string

	// Model is the model identifier requests are issued against.
	Model() string

	Complete(ctx context.Context, req *Request) (*Response, error)
	Stream(ctx context.Context, req *Request) (<-chan Chunk, <-chan error)

	// HealthCheck performs a minimal liveness probe against the backend.
	HealthCheck(ctx context.Context) error
}
