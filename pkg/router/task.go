// Package router selects a model provider for each agent task and shepherds
// the call through rate limiting, retries, circuit breaking, and fallback.
// Selection is data driven: provider capabilities and weights come from
// configuration and observed performance, never from code paths keyed on
// provider identity.
package router

import (
	"fmt"
	"strings"
	"time"

	"github.com/appforge/appforge/pkg/models"
)

// Complexity biases provider selection: high-complexity tasks lean toward
// higher-capability (more expensive) providers.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// Task is one unit of model work routed on behalf of an agent role.
type Task struct {
	Role          models.AgentRole
	Prompt        string
	System        string
	Complexity    Complexity
	Context       map[string]any
	CorrelationID string

	// Fallback permits trying further providers after the selected one
	// exhausts its retries.
	Fallback bool

	// Exclude names providers that must not be selected for this task, e.g.
	// the provider a failed stage attempt already used.
	Exclude []string

	MaxTokens int
}

// TaskResponse is the routed call outcome.
type TaskResponse struct {
	Content      string        `json:"content"`
	InputTokens  int           `json:"inputTokens"`
	OutputTokens int           `json:"outputTokens"`
	TotalTokens  int           `json:"totalTokens"`
	Cost         float64       `json:"cost"`
	Latency      time.Duration `json:"latency"`
	Provider     string        `json:"provider"`
	Model        string        `json:"model"`
	Success      bool          `json:"success"`
	Error        string        `json:"error,omitempty"`
}

// StreamRecord is one element of a streamed routed call. The final record
// has Done set and carries the full response metadata.
type StreamRecord struct {
	Content     string
	TokensSoFar int
	Done        bool

	// Final metadata, set only when Done.
	Response   *TaskResponse
	ChunkCount int

	// Err is set on a terminal mid-stream failure.
	Err error
}

// Attempt records one failed provider try inside a routed call.
type Attempt struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Error    string `json:"error"`
}

// FallbackExhaustedError reports that every eligible provider was tried and
// failed.
type FallbackExhaustedError struct {
	Role     models.AgentRole
	Attempts []Attempt
}

func (e *FallbackExhaustedError) Error() string {
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = fmt.Sprintf("%s (%s): %s", a.Provider, a.Model, a.Error)
	}
	return fmt.Sprintf("all providers exhausted for role %s: %s", e.Role, strings.Join(parts, "; "))
}

// FallbackUsage records a completed call served by a non-primary provider.
type FallbackUsage struct {
	Role         models.AgentRole `json:"role"`
	Primary      string           `json:"primary"`
	Fallback     string           `json:"fallback"`
	PrimaryError string           `json:"primaryError"`
}

// CallRecord is the accounting entry for one completed (or failed) provider
// call attempt chain.
type CallRecord struct {
	Provider      string
	Model         string
	Role          models.AgentRole
	InputTokens   int
	OutputTokens  int
	TotalTokens   int
	Cost          float64
	Latency       time.Duration
	Success       bool
	ErrorKind     string
	CorrelationID string
	Timestamp     time.Time
}

// Observer receives router accounting callbacks. The metrics collector
// implements it; a nil observer disables accounting.
type Observer interface {
	ObserveCall(rec CallRecord)
	ObserveRateLimitHit(provider string)
	ObserveBreakerTrip(provider string)
	ObserveFallback(usage FallbackUsage)
}
