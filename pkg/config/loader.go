package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/goccy/go-yaml"

	"github.com/appforge/appforge/pkg/registry"
)

// CustomStage is a user-defined stage definition loaded from YAML. Custom
// stages are global: every build sees the same registered set.
type CustomStage = registry.StageDefinition

// appforgeYAML is the appforge.yaml file structure.
type appforgeYAML struct {
	Providers        map[string]*ProviderConfig `yaml:"providers"`
	EnabledProviders []string                   `yaml:"enabled_providers"`
	Queue            *QueueConfig               `yaml:"queue"`
	Fabric           *FabricConfig              `yaml:"fabric"`
	Router           *RouterConfig              `yaml:"router"`
	Metrics          *MetricsConfig             `yaml:"metrics"`
	Retention        *RetentionConfig           `yaml:"retention"`
	CustomStages     []CustomStage              `yaml:"custom_stages"`
}

// Initialize loads, merges, and validates ready-to-use configuration.
//
// Steps performed:
//  1. Load appforge.yaml from configDir (optional — defaults apply)
//  2. Expand environment variables in the YAML content
//  3. Merge built-in defaults into user values (user wins)
//  4. Apply environment overrides (ENABLED_PROVIDERS, DEMO_MODE, ...)
//  5. Resolve the enabled provider set from configured API keys
//  6. Validate everything
func Initialize(_ context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	raw, err := loadYAML(configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	cfg := &Config{
		configDir: configDir,
		Queue:     raw.Queue,
		Fabric:    raw.Fabric,
		Router:    raw.Router,
		Metrics:   raw.Metrics,
		Retention: raw.Retention,
	}
	if cfg.Queue == nil {
		cfg.Queue = &QueueConfig{}
	}
	if cfg.Fabric == nil {
		cfg.Fabric = &FabricConfig{}
	}
	if cfg.Router == nil {
		cfg.Router = &RouterConfig{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &MetricsConfig{}
	}
	if cfg.Retention == nil {
		cfg.Retention = &RetentionConfig{}
	}
	if err := mergo.Merge(cfg.Queue, DefaultQueueConfig()); err != nil {
		return nil, fmt.Errorf("merging queue defaults: %w", err)
	}
	if err := mergo.Merge(cfg.Fabric, DefaultFabricConfig()); err != nil {
		return nil, fmt.Errorf("merging fabric defaults: %w", err)
	}
	if err := mergo.Merge(cfg.Router, DefaultRouterConfig()); err != nil {
		return nil, fmt.Errorf("merging router defaults: %w", err)
	}
	if err := mergo.Merge(cfg.Metrics, DefaultMetricsConfig()); err != nil {
		return nil, fmt.Errorf("merging metrics defaults: %w", err)
	}
	if err := mergo.Merge(cfg.Retention, DefaultRetentionConfig()); err != nil {
		return nil, fmt.Errorf("merging retention defaults: %w", err)
	}

	applyEnvOverrides(cfg)

	providers, order := mergeProviders(BuiltinProviders(), raw.Providers)
	enabled := resolveEnabled(raw.EnabledProviders, order)
	cfg.Providers = filterProviders(providers, order, enabled, cfg.Router.DemoMode)

	// Custom stages are best-effort: a failed load logs a warning and the
	// service continues with the built-in set only.
	cfg.CustomStages = raw.CustomStages

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}

	stats := cfg.Stats()
	log.Info("Configuration initialized",
		"providers", stats.Providers,
		"custom_stages", stats.CustomStages)
	return cfg, nil
}

// loadYAML reads and parses appforge.yaml. A missing file is not an error;
// all defaults apply.
func loadYAML(configDir string) (*appforgeYAML, error) {
	path := filepath.Join(configDir, "appforge.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("No appforge.yaml found, using defaults", "path", path)
			return &appforgeYAML{}, nil
		}
		return nil, NewLoadError("appforge.yaml", err)
	}

	expanded := ExpandEnv(data)
	var raw appforgeYAML
	if err := yaml.Unmarshal(expanded, &raw); err != nil {
		return nil, NewLoadError("appforge.yaml", fmt.Errorf("%w: %w", ErrInvalidYAML, err))
	}
	return &raw, nil
}

// applyEnvOverrides applies the environment contract on top of YAML values.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DEMO_MODE"); v != "" {
		cfg.Router.DemoMode = DemoMode(v)
	}
	if v := os.Getenv("MAX_CONCURRENT_BUILDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Queue.MaxConcurrentBuilds = n
		} else {
			slog.Warn("Ignoring invalid MAX_CONCURRENT_BUILDS", "value", v)
		}
	}
	if v := os.Getenv("BUILD_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.Queue.BuildTimeout = time.Duration(ms) * time.Millisecond
		} else {
			slog.Warn("Ignoring invalid BUILD_TIMEOUT_MS", "value", v)
		}
	}
	if v := os.Getenv("EVENT_REPLAY_BUFFER_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Fabric.BufferSize = n
		} else {
			slog.Warn("Ignoring invalid EVENT_REPLAY_BUFFER_SIZE", "value", v)
		}
	}
	if v := os.Getenv("HEALTH_CHECK_INTERVAL_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.Router.HealthCheckInterval = time.Duration(ms) * time.Millisecond
		} else {
			slog.Warn("Ignoring invalid HEALTH_CHECK_INTERVAL_MS", "value", v)
		}
	}
}

// mergeProviders merges user-defined providers over the built-in set.
// User entries with a name matching a built-in replace it.
func mergeProviders(builtin, user map[string]*ProviderConfig) (map[string]*ProviderConfig, []string) {
	merged := make(map[string]*ProviderConfig, len(builtin)+len(user))
	order := append([]string(nil), builtinProviderOrder...)
	for name, p := range builtin {
		merged[name] = p
	}
	for name, p := range user {
		if _, exists := merged[name]; !exists {
			order = append(order, name)
		}
		if p.APIKeyEnv == "" && p.Type != ProviderTypeDemo {
			p.APIKeyEnv = "PROVIDER_" + strings.ToUpper(name) + "_API_KEY"
		}
		merged[name] = p
	}
	return merged, order
}

// resolveEnabled determines the enabled provider names: the
// ENABLED_PROVIDERS environment variable wins over the YAML list, which
// wins over "all known".
func resolveEnabled(yamlEnabled, order []string) map[string]bool {
	var names []string
	if env := os.Getenv("ENABLED_PROVIDERS"); env != "" {
		for _, n := range strings.Split(env, ",") {
			if n = strings.TrimSpace(n); n != "" {
				names = append(names, n)
			}
		}
	} else if len(yamlEnabled) > 0 {
		names = yamlEnabled
	} else {
		names = order
	}
	enabled := make(map[string]bool, len(names))
	for _, n := range names {
		enabled[n] = true
	}
	return enabled
}

// filterProviders keeps enabled providers whose API key is present and
// decides demo provider participation per the demo mode.
func filterProviders(all map[string]*ProviderConfig, order []string, enabled map[string]bool, mode DemoMode) *ProviderRegistry {
	kept := make(map[string]*ProviderConfig)
	var keptOrder []string
	realCount := 0

	for _, name := range order {
		p, ok := all[name]
		if !ok || p.Type == ProviderTypeDemo {
			continue
		}
		if !enabled[name] {
			continue
		}
		if p.APIKeyEnv == "" || os.Getenv(p.APIKeyEnv) == "" {
			slog.Warn("Provider disabled: API key not set",
				"provider", name, "api_key_env", p.APIKeyEnv)
			continue
		}
		kept[name] = p
		keptOrder = append(keptOrder, name)
		realCount++
	}

	includeDemo := false
	switch mode {
	case DemoModeEnabled:
		includeDemo = true
	case DemoModeDisabled:
		includeDemo = false
	default: // auto
		includeDemo = realCount == 0
	}
	if includeDemo {
		for _, name := range order {
			if p, ok := all[name]; ok && p.Type == ProviderTypeDemo {
				kept[name] = p
				keptOrder = append(keptOrder, name)
			}
		}
		if realCount == 0 {
			slog.Warn("No real provider keys configured, running in demo mode")
		}
	}

	return NewProviderRegistry(kept, keptOrder)
}
