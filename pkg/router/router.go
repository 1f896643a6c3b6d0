package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/appforge/appforge/pkg/config"
	"github.com/appforge/appforge/pkg/llm"
	"github.com/appforge/appforge/pkg/models"
)

// referenceCostPerToken anchors the cost term of the weight formula so that
// providers cheaper than the reference gain weight and pricier ones lose it.
const referenceCostPerToken = 0.00001

// ErrEmptyPrompt rejects tasks with no prompt before any provider is
// contacted.
var ErrEmptyPrompt = errors.New("prompt must not be empty")

var errBreakerOpen = errors.New("circuit breaker open")

// NoProviderError reports that no enabled provider advertises the role.
type NoProviderError struct {
	Role models.AgentRole
}

func (e *NoProviderError) Error() string {
	return fmt.Sprintf("no provider available for role %s", e.Role)
}

// Router routes tasks to providers. Safe for concurrent use; all mutable
// state lives behind per-provider locks.
type Router struct {
	cfg      *config.RouterConfig
	entries  map[string]*providerEntry
	order    []string
	observer Observer

	// sleep is swapped in tests to skip real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds a router over the enabled provider set. clients must hold one
// adapter per registry entry (llm.NewProviders output).
func New(cfg *config.RouterConfig, providers *config.ProviderRegistry, clients map[string]llm.Provider, obs Observer) (*Router, error) {
	if providers == nil || providers.Len() == 0 {
		return nil, errors.New("router requires at least one provider")
	}
	r := &Router{
		cfg:      cfg,
		entries:  make(map[string]*providerEntry, providers.Len()),
		observer: obs,
		sleep:    sleepCtx,
	}
	for i, name := range providers.Names() {
		pcfg, err := providers.Get(name)
		if err != nil {
			return nil, err
		}
		client, ok := clients[name]
		if !ok {
			return nil, fmt.Errorf("no client adapter for provider %s", name)
		}
		entry := &providerEntry{
			name:    name,
			order:   i,
			cfg:     pcfg,
			client:  client,
			breaker: newBreaker(name, cfg.BreakerThreshold, cfg.BreakerOpenTimeout, cfg.BreakerMaxTimeout),
			reserve: newReservoir(name, pcfg.RateLimit.MaxRequests, pcfg.RateLimit.Window),
			stats:   newProviderStats(pcfg.BaseLatency),
		}
		if obs != nil {
			entry.breaker.onTrip = obs.ObserveBreakerTrip
		}
		r.entries[name] = entry
		r.order = append(r.order, name)
	}
	return r, nil
}

// RouteTask routes one task: select a provider, call with retries, fall back
// across providers when the task allows it.
func (r *Router) RouteTask(ctx context.Context, task *Task) (*TaskResponse, error) {
	if strings.TrimSpace(task.Prompt) == "" {
		return nil, ErrEmptyPrompt
	}
	if !task.Role.Valid() {
		return nil, fmt.Errorf("unknown agent role %q", task.Role)
	}

	tried := make(map[string]bool)
	for _, name := range task.Exclude {
		tried[name] = true
	}
	var attempts []Attempt
	var primaryKind llm.ErrorKind

	for {
		entry := r.pick(task.Role, task.Complexity, tried)
		if entry == nil {
			if len(attempts) == 0 {
				return nil, &NoProviderError{Role: task.Role}
			}
			return nil, &FallbackExhaustedError{Role: task.Role, Attempts: attempts}
		}
		tried[entry.name] = true

		resp, err := r.callWithRetry(ctx, entry, task)
		if err == nil {
			if len(attempts) > 0 && r.observer != nil {
				r.observer.ObserveFallback(FallbackUsage{
					Role:         task.Role,
					Primary:      attempts[0].Provider,
					Fallback:     entry.name,
					PrimaryError: errorKindLabel(primaryKind),
				})
			}
			return resp, nil
		}

		if ce, ok := llm.AsCallError(err); ok {
			// Cancellation and malformed requests end the routed call: the
			// same request fails identically on every provider.
			if ce.Kind == llm.ErrKindCancelled || ce.Kind == llm.ErrKindInvalidRequest {
				return nil, err
			}
			if len(attempts) == 0 {
				primaryKind = ce.Kind
			}
		}
		attempts = append(attempts, Attempt{Provider: entry.name, Model: entry.cfg.Model, Error: err.Error()})
		if !task.Fallback {
			return nil, err
		}
		slog.Info("Falling back to next provider",
			"role", task.Role,
			"failed_provider", entry.name,
			"correlation_id", task.CorrelationID)
	}
}

// pick returns the maximum-weight eligible provider for the role, or nil.
// Ties break by lower cost, then registration order.
func (r *Router) pick(role models.AgentRole, complexity Complexity, exclude map[string]bool) *providerEntry {
	var candidates []*providerEntry
	for _, name := range r.order {
		e := r.entries[name]
		if exclude[name] || !e.cfg.HasRole(role) {
			continue
		}
		if e.breaker.State() == breakerOpen {
			continue
		}
		candidates = append(candidates, e)
	}
	if len(candidates) == 0 {
		return nil
	}
	weights := make(map[string]float64, len(candidates))
	for _, e := range candidates {
		weights[e.name] = r.weight(e, complexity)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		wi, wj := weights[candidates[i].name], weights[candidates[j].name]
		if wi != wj {
			return wi > wj
		}
		ci, cj := candidates[i].cfg.CostPerToken, candidates[j].cfg.CostPerToken
		if ci != cj {
			return ci < cj
		}
		return candidates[i].order < candidates[j].order
	})
	return candidates[0]
}

// weight computes the adjusted selection weight:
// reliability x (baseLatency / observedLatency) x (referenceCost / cost)^e,
// where the cost exponent e depends on task complexity so that high
// complexity discounts the cheapness advantage and favors capable models.
func (r *Router) weight(e *providerEntry, complexity Complexity) float64 {
	w := e.cfg.Reliability

	observed := e.stats.observedLatency()
	if observed > 0 && e.cfg.BaseLatency > 0 {
		w *= float64(e.cfg.BaseLatency) / float64(observed)
	}

	costTerm := 1.0
	if e.cfg.CostPerToken > 0 {
		costTerm = referenceCostPerToken / e.cfg.CostPerToken
	}
	var exp float64
	switch complexity {
	case ComplexityHigh:
		exp = -0.5
	case ComplexityLow:
		exp = 1.0
	default:
		exp = 0.5
	}
	return w * math.Pow(costTerm, exp)
}

// callWithRetry drives the retry loop against a single provider.
func (r *Router) callWithRetry(ctx context.Context, e *providerEntry, task *Task) (*TaskResponse, error) {
	log := slog.With("provider", e.name, "role", task.Role, "correlation_id", task.CorrelationID)

	var lastErr error
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := r.backoff(attempt)
			log.Info("Retrying provider call", "attempt", attempt+1, "backoff", delay)
			if err := r.sleep(ctx, delay); err != nil {
				return nil, llmContextError(e, err)
			}
		}

		if !e.breaker.Allow() {
			return nil, &llm.CallError{Provider: e.name, Model: e.cfg.Model,
				Kind: llm.ErrKindUnavailable, Err: errBreakerOpen}
		}
		if err := e.reserve.Acquire(ctx); err != nil {
			return nil, llmContextError(e, err)
		}

		cctx, cancel := context.WithTimeout(ctx, r.requestTimeout(e))
		start := time.Now()
		resp, err := e.client.Complete(cctx, &llm.Request{
			Role:          task.Role,
			System:        task.System,
			Prompt:        task.Prompt,
			MaxTokens:     task.MaxTokens,
			CorrelationID: task.CorrelationID,
		})
		cancel()
		latency := time.Since(start)

		if err == nil {
			return r.complete(e, task, resp, latency), nil
		}

		ce := asProviderError(e, err)
		r.recordFailure(e, task, ce, latency)
		lastErr = ce

		switch {
		case ce.Kind == llm.ErrKindCancelled:
			return nil, ce
		case ce.Kind.FastFail():
			log.Warn("Provider call fast-failed", "kind", ce.Kind, "error", ce.Err)
			return nil, ce
		case ce.Kind == llm.ErrKindRateLimited:
			e.reserve.MarkDepleted(ce.RetryAfter)
			if r.observer != nil {
				r.observer.ObserveRateLimitHit(e.name)
			}
		default:
			e.breaker.RecordFailure()
		}
		if !ce.Kind.Retryable() {
			return nil, ce
		}
	}
	return nil, lastErr
}

// complete folds a successful call into provider state and accounting.
func (r *Router) complete(e *providerEntry, task *Task, resp *llm.Response, latency time.Duration) *TaskResponse {
	e.breaker.RecordSuccess()
	e.reserve.MarkHealthy()

	total := resp.TotalTokens()
	cost := float64(total) * e.cfg.CostPerToken
	e.stats.observe(latency, total, cost, true)
	if r.observer != nil {
		r.observer.ObserveCall(CallRecord{
			Provider:      e.name,
			Model:         resp.Model,
			Role:          task.Role,
			InputTokens:   resp.InputTokens,
			OutputTokens:  resp.OutputTokens,
			TotalTokens:   total,
			Cost:          cost,
			Latency:       latency,
			Success:       true,
			CorrelationID: task.CorrelationID,
			Timestamp:     time.Now(),
		})
	}
	return &TaskResponse{
		Content:      resp.Content,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		TotalTokens:  total,
		Cost:         cost,
		Latency:      latency,
		Provider:     e.name,
		Model:        resp.Model,
		Success:      true,
	}
}

func (r *Router) recordFailure(e *providerEntry, task *Task, ce *llm.CallError, latency time.Duration) {
	e.stats.observe(latency, 0, 0, false)
	if r.observer != nil {
		r.observer.ObserveCall(CallRecord{
			Provider:      e.name,
			Model:         e.cfg.Model,
			Role:          task.Role,
			Latency:       latency,
			Success:       false,
			ErrorKind:     string(ce.Kind),
			CorrelationID: task.CorrelationID,
			Timestamp:     time.Now(),
		})
	}
}

// backoff computes the delay before retry number attempt (1-based):
// base x 2^(attempt-1), capped, with +-20% jitter.
func (r *Router) backoff(attempt int) time.Duration {
	delay := r.cfg.BackoffBase << (attempt - 1)
	if delay > r.cfg.BackoffCap {
		delay = r.cfg.BackoffCap
	}
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(delay) * jitter)
}

func (r *Router) requestTimeout(e *providerEntry) time.Duration {
	if e.cfg.RequestTimeout > 0 {
		return e.cfg.RequestTimeout
	}
	return r.cfg.RequestTimeout
}

// ProviderHealth returns a snapshot per provider, in registration order.
func (r *Router) ProviderHealth() []ProviderHealth {
	out := make([]ProviderHealth, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.entries[name].health())
	}
	return out
}

// RunHealthChecks probes every provider at the configured interval until ctx
// is done. Probe outcomes update health snapshots only; call results drive
// the breaker.
func (r *Router) RunHealthChecks(ctx context.Context) {
	interval := r.cfg.HealthCheckInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.probeAll(ctx)
		}
	}
}

func (r *Router) probeAll(ctx context.Context) {
	for _, name := range r.order {
		e := r.entries[name]
		pctx, cancel := context.WithTimeout(ctx, r.requestTimeout(e))
		err := e.client.HealthCheck(pctx)
		cancel()
		if err != nil {
			e.stats.setHealth(false, err.Error(), time.Now())
			slog.Warn("Provider health check failed", "provider", name, "error", err)
			continue
		}
		e.stats.setHealth(true, "", time.Now())
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func asProviderError(e *providerEntry, err error) *llm.CallError {
	if ce, ok := llm.AsCallError(err); ok {
		return ce
	}
	return &llm.CallError{Provider: e.name, Model: e.cfg.Model, Kind: llm.ErrKindUnknown, Err: err}
}

func llmContextError(e *providerEntry, err error) *llm.CallError {
	kind := llm.ErrKindCancelled
	if errors.Is(err, context.DeadlineExceeded) {
		kind = llm.ErrKindTimeout
	}
	return &llm.CallError{Provider: e.name, Model: e.cfg.Model, Kind: kind, Err: err}
}

// errorKindLabel renders an error kind for fallback-usage records.
func errorKindLabel(kind llm.ErrorKind) string {
	switch kind {
	case llm.ErrKindUnavailable:
		return "ProviderUnavailable"
	case llm.ErrKindServer:
		return "ServerError"
	case llm.ErrKindRateLimited:
		return "RateLimited"
	case llm.ErrKindTimeout:
		return "Timeout"
	case llm.ErrKindConnection:
		return "ConnectionReset"
	case llm.ErrKindAuth:
		return "Authentication"
	case "":
		return "Unknown"
	default:
		return string(kind)
	}
}
