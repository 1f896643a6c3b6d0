package config

import (
	"time"

	"github.com/appforge/appforge/pkg/models"
)

// DefaultQueueConfig returns the built-in queue defaults.
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		WorkerCount:             4,
		MaxConcurrentBuilds:     4,
		PollInterval:            1 * time.Second,
		PollIntervalJitter:      500 * time.Millisecond,
		BuildTimeout:            2 * time.Hour,
		StageParallelism:        1,
		GracefulShutdownTimeout: 2 * time.Hour,
		HeartbeatInterval:       30 * time.Second,
		OrphanDetectionInterval: 5 * time.Minute,
		OrphanThreshold:         5 * time.Minute,
	}
}

// DefaultFabricConfig returns the built-in event fabric defaults.
func DefaultFabricConfig() *FabricConfig {
	return &FabricConfig{
		ReplayCount:       50,
		BufferSize:        1000,
		BufferMaxBytes:    4 << 20, // 4 MiB per build
		TerminalGrace:     5 * time.Minute,
		HeartbeatInterval: 30 * time.Second,
		MissedPongLimit:   3,
		WriteTimeout:      10 * time.Second,
	}
}

// DefaultRouterConfig returns the built-in model router defaults.
func DefaultRouterConfig() *RouterConfig {
	return &RouterConfig{
		DemoMode:            DemoModeAuto,
		MaxRetries:          3,
		BackoffBase:         500 * time.Millisecond,
		BackoffCap:          30 * time.Second,
		RequestTimeout:      30 * time.Second,
		HealthCheckInterval: 60 * time.Second,
		BreakerThreshold:    3,
		BreakerOpenTimeout:  60 * time.Second,
		BreakerMaxTimeout:   10 * time.Minute,
		DefaultRoleLoadCap:  8,
		RoleLoadCaps: map[models.AgentRole]int{
			models.RoleCoder:  16,
			models.RoleTester: 16,
		},
	}
}

// DefaultRetentionConfig returns the built-in retention defaults.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		BuildRetentionDays: 90,
		EventTTL:           30 * 24 * time.Hour,
		CleanupInterval:    6 * time.Hour,
	}
}

// DefaultMetricsConfig returns the built-in metrics collector defaults.
func DefaultMetricsConfig() *MetricsConfig {
	return &MetricsConfig{
		FailureRateThreshold: 0.5,
		FailureRateWindow:    15 * time.Minute,
		DailyCostThreshold:   100.0,
	}
}

// BuiltinProviders returns the provider set known out of the box. Providers
// without an API key in the environment are disabled at load time; the demo
// provider needs no key.
func BuiltinProviders() map[string]*ProviderConfig {
	return map[string]*ProviderConfig{
		"anthropic": {
			Type:      ProviderTypeAnthropic,
			Model:     "claude-sonnet-4-5",
			APIKeyEnv: "PROVIDER_ANTHROPIC_API_KEY",
			Capabilities: []models.AgentRole{
				models.RoleInterviewer, models.RolePlanner, models.RoleSchemaDesigner,
				models.RoleCoder, models.RoleTester, models.RoleDebugger,
				models.RoleReviewer, models.RoleDeployer,
			},
			CostPerToken: 0.000009,
			MaxTokens:    8192,
			BaseLatency:  2 * time.Second,
			Reliability:  0.98,
			RateLimit:    RateLimitConfig{MaxRequests: 50, Window: time.Minute},
		},
		"openai": {
			Type:      ProviderTypeOpenAI,
			Model:     "gpt-4o",
			APIKeyEnv: "PROVIDER_OPENAI_API_KEY",
			Capabilities: []models.AgentRole{
				models.RoleInterviewer, models.RolePlanner, models.RoleSchemaDesigner,
				models.RoleCoder, models.RoleTester, models.RoleDebugger,
				models.RoleReviewer,
			},
			CostPerToken: 0.000008,
			MaxTokens:    8192,
			BaseLatency:  2 * time.Second,
			Reliability:  0.97,
			RateLimit:    RateLimitConfig{MaxRequests: 60, Window: time.Minute},
		},
		"demo": {
			Type:  ProviderTypeDemo,
			Model: "demo-1",
			Capabilities: []models.AgentRole{
				models.RoleInterviewer, models.RolePlanner, models.RoleSchemaDesigner,
				models.RoleCoder, models.RoleTester, models.RoleDebugger,
				models.RoleReviewer, models.RoleDeployer,
			},
			CostPerToken: 0,
			MaxTokens:    4096,
			BaseLatency:  50 * time.Millisecond,
			Reliability:  1.0,
			RateLimit:    RateLimitConfig{MaxRequests: 1000, Window: time.Minute},
		},
	}
}

// builtinProviderOrder fixes registration order for deterministic selection
// tie-breaking.
var builtinProviderOrder = []string{"anthropic", "openai", "demo"}
