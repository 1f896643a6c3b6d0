package config

import (
	"fmt"
)

// validate runs the full validation pass over an initialized Config.
func validate(cfg *Config) error {
	if err := validateQueue(cfg.Queue); err != nil {
		return err
	}
	if err := validateFabric(cfg.Fabric); err != nil {
		return err
	}
	if err := validateRouter(cfg.Router); err != nil {
		return err
	}
	if err := validateProviders(cfg.Providers); err != nil {
		return err
	}
	return nil
}

func validateQueue(q *QueueConfig) error {
	if q.WorkerCount < 1 {
		return &ValidationError{Component: "queue", ID: "worker_count", Err: fmt.Errorf("must be at least 1")}
	}
	if q.MaxConcurrentBuilds < 1 {
		return &ValidationError{Component: "queue", ID: "max_concurrent_builds", Err: fmt.Errorf("must be at least 1")}
	}
	if q.BuildTimeout <= 0 {
		return &ValidationError{Component: "queue", ID: "build_timeout", Err: fmt.Errorf("must be positive")}
	}
	if q.StageParallelism < 1 {
		return &ValidationError{Component: "queue", ID: "stage_parallelism", Err: fmt.Errorf("must be at least 1")}
	}
	return nil
}

func validateFabric(f *FabricConfig) error {
	if f.ReplayCount < 0 {
		return &ValidationError{Component: "fabric", ID: "replay_count", Err: fmt.Errorf("must be non-negative")}
	}
	if f.BufferSize < 1 {
		return &ValidationError{Component: "fabric", ID: "buffer_size", Err: fmt.Errorf("must be at least 1")}
	}
	if f.ReplayCount > f.BufferSize {
		return &ValidationError{Component: "fabric", ID: "replay_count", Err: fmt.Errorf("cannot exceed buffer_size %d", f.BufferSize)}
	}
	if f.MissedPongLimit < 1 {
		return &ValidationError{Component: "fabric", ID: "missed_pong_limit", Err: fmt.Errorf("must be at least 1")}
	}
	return nil
}

func validateRouter(r *RouterConfig) error {
	switch r.DemoMode {
	case DemoModeAuto, DemoModeEnabled, DemoModeDisabled:
	default:
		return &ValidationError{Component: "router", ID: "demo_mode", Err: fmt.Errorf("must be auto, enabled, or disabled (got %q)", r.DemoMode)}
	}
	if r.MaxRetries < 0 {
		return &ValidationError{Component: "router", ID: "max_retries", Err: fmt.Errorf("must be non-negative")}
	}
	if r.BreakerThreshold < 1 {
		return &ValidationError{Component: "router", ID: "breaker_threshold", Err: fmt.Errorf("must be at least 1")}
	}
	if r.BreakerOpenTimeout <= 0 || r.BreakerMaxTimeout < r.BreakerOpenTimeout {
		return &ValidationError{Component: "router", ID: "breaker_open_timeout", Err: fmt.Errorf("open timeout must be positive and not exceed the cap")}
	}
	return nil
}

func validateProviders(reg *ProviderRegistry) error {
	if reg == nil || reg.Len() == 0 {
		return ErrNoProviders
	}
	for _, name := range reg.Names() {
		p, err := reg.Get(name)
		if err != nil {
			return err
		}
		if !p.Type.Valid() {
			return &ValidationError{Component: "provider", ID: name, Field: "type", Err: fmt.Errorf("unknown type %q", p.Type)}
		}
		if p.Model == "" {
			return &ValidationError{Component: "provider", ID: name, Field: "model", Err: fmt.Errorf("is required")}
		}
		if len(p.Capabilities) == 0 {
			return &ValidationError{Component: "provider", ID: name, Field: "capabilities", Err: fmt.Errorf("at least one role required")}
		}
		for _, role := range p.Capabilities {
			if !role.Valid() {
				return &ValidationError{Component: "provider", ID: name, Field: "capabilities", Err: fmt.Errorf("unknown role %q", role)}
			}
		}
		if p.Reliability <= 0 || p.Reliability > 1 {
			return &ValidationError{Component: "provider", ID: name, Field: "reliability", Err: fmt.Errorf("must be in (0,1]")}
		}
		if p.CostPerToken < 0 {
			return &ValidationError{Component: "provider", ID: name, Field: "cost_per_token", Err: fmt.Errorf("must be non-negative")}
		}
		if p.RateLimit.MaxRequests < 1 || p.RateLimit.Window <= 0 {
			return &ValidationError{Component: "provider", ID: name, Field: "rate_limit", Err: fmt.Errorf("max_requests and window must be positive")}
		}
	}
	return nil
}
