package config

import (
	"fmt"
	"sync"
	"time"

	"github.com/appforge/appforge/pkg/models"
)

// ProviderType identifies the backend implementation of an LLM provider.
type ProviderType string

// Supported provider types.
const (
	ProviderTypeAnthropic ProviderType = "anthropic"
	ProviderTypeOpenAI    ProviderType = "openai"
	ProviderTypeDemo      ProviderType = "demo"
)

// Valid reports whether t is a known provider type.
func (t ProviderType) Valid() bool {
	switch t {
	case ProviderTypeAnthropic, ProviderTypeOpenAI, ProviderTypeDemo:
		return true
	}
	return false
}

// RateLimitConfig is a provider's token-bucket reservoir declaration.
type RateLimitConfig struct {
	MaxRequests int           `yaml:"max_requests"`
	Window      time.Duration `yaml:"window"`
}

// ProviderConfig declares one LLM provider: its backend, model, credentials
// source, capabilities, and routing characteristics.
type ProviderConfig struct {
	Type  ProviderType `yaml:"type"`
	Model string       `yaml:"model"`

	// APIKeyEnv names the environment variable holding the API key.
	// Defaults to PROVIDER_<NAME>_API_KEY. An empty value at load time
	// disables the provider (except for the demo type).
	APIKeyEnv string `yaml:"api_key_env,omitempty"`

	// BaseURL optionally overrides the provider endpoint.
	BaseURL string `yaml:"base_url,omitempty"`

	// Capabilities lists the agent roles this provider advertises.
	Capabilities []models.AgentRole `yaml:"capabilities"`

	// CostPerToken is the blended per-token rate in USD used for cost
	// accounting and weight computation.
	CostPerToken float64 `yaml:"cost_per_token"`

	// MaxTokens caps completion length.
	MaxTokens int `yaml:"max_tokens"`

	// BaseLatency is the declared typical request latency, the baseline
	// for the latency weight factor.
	BaseLatency time.Duration `yaml:"base_latency"`

	// Reliability is the declared initial reliability score in (0,1].
	Reliability float64 `yaml:"reliability"`

	// RateLimit is the provider's request reservoir.
	RateLimit RateLimitConfig `yaml:"rate_limit"`

	// RequestTimeout overrides the router's default per-request timeout.
	RequestTimeout time.Duration `yaml:"request_timeout,omitempty"`
}

// HasRole reports whether the provider advertises the given role.
func (p *ProviderConfig) HasRole(role models.AgentRole) bool {
	for _, r := range p.Capabilities {
		if r == role {
			return true
		}
	}
	return false
}

// ProviderRegistry stores provider configurations with thread-safe access
// and preserves registration order for deterministic tie-breaking.
type ProviderRegistry struct {
	mu        sync.RWMutex
	providers map[string]*ProviderConfig
	order     []string
}

// NewProviderRegistry creates a provider registry from a name→config map
// using the given registration order.
func NewProviderRegistry(providers map[string]*ProviderConfig, order []string) *ProviderRegistry {
	copied := make(map[string]*ProviderConfig, len(providers))
	for k, v := range providers {
		copied[k] = v
	}
	return &ProviderRegistry{
		providers: copied,
		order:     append([]string(nil), order...),
	}
}

// Get retrieves a provider configuration by name.
func (r *ProviderRegistry) Get(name string) (*ProviderConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, name)
	}
	return p, nil
}

// Names returns provider names in registration order.
func (r *ProviderRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Has reports whether a provider exists in the registry.
func (r *ProviderRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.providers[name]
	return ok
}

// Len returns the number of providers in the registry.
func (r *ProviderRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers)
}
