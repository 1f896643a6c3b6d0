package llm

import (
	"fmt"
	"os"

	"github.com/appforge/appforge/pkg/config"
)

// NewProvider constructs the adapter for one configured provider entry,
// resolving the API key from the entry's environment variable.
func NewProvider(name string, cfg *config.ProviderConfig) (Provider, error) {
	switch cfg.Type {
	case config.ProviderTypeDemo:
		return NewDemoProvider(name, cfg), nil
	case config.ProviderTypeAnthropic:
		return NewAnthropicProvider(name, cfg, os.Getenv(cfg.APIKeyEnv))
	case config.ProviderTypeOpenAI:
		return NewOpenAIProvider(name, cfg, os.Getenv(cfg.APIKeyEnv))
	default:
		return nil, fmt.Errorf("provider %s: unknown type %q", name, cfg.Type)
	}
}

// NewProviders constructs adapters for every enabled provider, preserving
// registry order.
func NewProviders(reg *config.ProviderRegistry) (map[string]Provider, error) {
	out := make(map[string]Provider, reg.Len())
	for _, name := range reg.Names() {
		cfg, err := reg.Get(name)
		if err != nil {
			return nil, err
		}
		p, err := NewProvider(name, cfg)
		if err != nil {
			return nil, fmt.Errorf("building provider %s: %w", name, err)
		}
		out[name] = p
	}
	return out, nil
}
