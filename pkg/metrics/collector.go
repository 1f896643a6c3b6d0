// Package metrics is the metrics and audit collector: it implements the
// router's observer callbacks, exports Prometheus series, persists the
// daily usage ledger, and raises threshold alerts on failure rate and
// daily cost.
package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/appforge/appforge/pkg/config"
	"github.com/appforge/appforge/pkg/router"
)

// ledgerTimeout bounds one ledger write issued from an observer callback.
const ledgerTimeout = 5 * time.Second

// Ledger is the persistent daily-usage store. Implemented by
// services.MetricsService.
type Ledger interface {
	RecordBuildStarted(ctx context.Context) error
	RecordBuildFinished(ctx context.Context, status string) error
	RecordLLMCall(ctx context.Context, provider string, tokens int64, cost float64, failed bool) error
	RecordRateLimitHit(ctx context.Context, provider string) error
	RecordBreakerTrip(ctx context.Context, provider string) error
	DailyCost(ctx context.Context, date time.Time) (float64, error)
}

// Collector implements router.Observer and the orchestrator's build
// metrics hooks. Every observation lands in three places: Prometheus
// series, the daily ledger, and the in-memory counters behind GetStats.
type Collector struct {
	ledger Ledger
	cfg    *config.MetricsConfig

	window *failureWindow
	alerts *alertState

	mu            sync.Mutex
	callsTotal    int64
	callFailures  int64
	tokensTotal   int64
	rateLimitHits int64
	breakerTrips  int64
	fallbacks     int64

	now func() time.Time

	promCalls        *prometheus.CounterVec
	promTokens       *prometheus.CounterVec
	promCost         *prometheus.CounterVec
	promLatency      *prometheus.HistogramVec
	promRateLimits   *prometheus.CounterVec
	promBreakerTrips *prometheus.CounterVec
	promFallbacks    *prometheus.CounterVec
	promBuilds       *prometheus.CounterVec
	promAlerts       *prometheus.GaugeVec
}

// NewCollector wires a collector. cfg may be nil to disable alerting; reg
// may be prometheus.DefaultRegisterer.
func NewCollector(ledger Ledger, cfg *config.MetricsConfig, reg prometheus.Registerer) *Collector {
	if cfg == nil {
		cfg = &config.MetricsConfig{}
	}
	window := cfg.FailureRateWindow
	if window <= 0 {
		window = 5 * time.Minute
	}

	factory := promauto.With(reg)
	c := &Collector{
		ledger: ledger,
		cfg:    cfg,
		window: newFailureWindow(window),
		alerts: newAlertState(),
		now:    time.Now,

		promCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "appforge_llm_calls_total",
			Help: "Model calls by provider, role, and outcome.",
		}, []string{"provider", "role", "outcome"}),
		promTokens: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "appforge_llm_tokens_total",
			Help: "Tokens consumed by provider and direction.",
		}, []string{"provider", "direction"}),
		promCost: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "appforge_llm_cost_usd_total",
			Help: "Accumulated provider cost in USD.",
		}, []string{"provider"}),
		promLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "appforge_llm_call_duration_seconds",
			Help:    "Model call latency.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"provider"}),
		promRateLimits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "appforge_rate_limit_hits_total",
			Help: "Provider rate limit hits.",
		}, []string{"provider"}),
		promBreakerTrips: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "appforge_breaker_trips_total",
			Help: "Circuit breaker trips by provider.",
		}, []string{"provider"}),
		promFallbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "appforge_fallback_total",
			Help: "Calls served by a fallback provider.",
		}, []string{"role", "primary", "fallback"}),
		promBuilds: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "appforge_builds_total",
			Help: "Build lifecycle transitions.",
		}, []string{"event"}),
		promAlerts: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "appforge_alerts_active",
			Help: "Active threshold alerts by kind (1 firing, 0 clear).",
		}, []string{"kind"}),
	}
	return c
}

// Run polls the daily cost threshold until ctx is cancelled.
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.checkDailyCost(ctx)
		}
	}
}

// RecordBuildStarted implements the orchestrator's build metrics hook.
func (c *Collector) RecordBuildStarted(ctx context.Context) error {
	c.promBuilds.WithLabelValues("started").Inc()
	return c.ledger.RecordBuildStarted(ctx)
}

// RecordBuildFinished implements the orchestrator's build metrics hook.
func (c *Collector) RecordBuildFinished(ctx context.Context, status string) error {
	c.promBuilds.WithLabelValues(status).Inc()
	return c.ledger.RecordBuildFinished(ctx, status)
}

// ObserveCall records one provider call attempt chain.
func (c *Collector) ObserveCall(rec router.CallRecord) {
	outcome := "success"
	if !rec.Success {
		outcome = "failure"
	}
	c.promCalls.WithLabelValues(rec.Provider, string(rec.Role), outcome).Inc()
	c.promTokens.WithLabelValues(rec.Provider, "input").Add(float64(rec.InputTokens))
	c.promTokens.WithLabelValues(rec.Provider, "output").Add(float64(rec.OutputTokens))
	c.promCost.WithLabelValues(rec.Provider).Add(rec.Cost)
	c.promLatency.WithLabelValues(rec.Provider).Observe(rec.Latency.Seconds())

	c.mu.Lock()
	c.callsTotal++
	if !rec.Success {
		c.callFailures++
	}
	c.tokensTotal += int64(rec.TotalTokens)
	c.mu.Unlock()

	c.window.add(c.now(), rec.Success)
	c.checkFailureRate()

	ctx, cancel := context.WithTimeout(context.Background(), ledgerTimeout)
	defer cancel()
	if err := c.ledger.RecordLLMCall(ctx, rec.Provider, int64(rec.TotalTokens), rec.Cost, !rec.Success); err != nil {
		slog.Warn("Failed to persist call ledger entry", "provider", rec.Provider, "error", err)
	}
}

// ObserveRateLimitHit records a provider 429.
func (c *Collector) ObserveRateLimitHit(provider string) {
	c.promRateLimits.WithLabelValues(provider).Inc()

	c.mu.Lock()
	c.rateLimitHits++
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), ledgerTimeout)
	defer cancel()
	if err := c.ledger.RecordRateLimitHit(ctx, provider); err != nil {
		slog.Warn("Failed to persist rate limit hit", "provider", provider, "error", err)
	}
}

// ObserveBreakerTrip records a circuit breaker opening.
func (c *Collector) ObserveBreakerTrip(provider string) {
	c.promBreakerTrips.WithLabelValues(provider).Inc()

	c.mu.Lock()
	c.breakerTrips++
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), ledgerTimeout)
	defer cancel()
	if err := c.ledger.RecordBreakerTrip(ctx, provider); err != nil {
		slog.Warn("Failed to persist breaker trip", "provider", provider, "error", err)
	}
}

// ObserveFallback records a call served by a non-primary provider.
func (c *Collector) ObserveFallback(usage router.FallbackUsage) {
	c.promFallbacks.WithLabelValues(string(usage.Role), usage.Primary, usage.Fallback).Inc()

	c.mu.Lock()
	c.fallbacks++
	c.mu.Unlock()

	slog.Info("Fallback provider served call",
		"role", usage.Role, "primary", usage.Primary,
		"fallback", usage.Fallback, "primary_error", usage.PrimaryError)
}

// Stats is a point-in-time snapshot for the stats endpoint.
type Stats struct {
	CallsTotal    int64   `json:"calls_total"`
	CallFailures  int64   `json:"call_failures"`
	FailureRate   float64 `json:"failure_rate"`
	WindowSamples int     `json:"window_samples"`
	TokensTotal   int64   `json:"tokens_total"`
	CostToday     float64 `json:"cost_today"`
	RateLimitHits int64   `json:"rate_limit_hits"`
	BreakerTrips  int64   `json:"breaker_trips"`
	Fallbacks     int64   `json:"fallbacks"`
	ActiveAlerts  []Alert `json:"active_alerts"`
}

// GetStats snapshots the collector. CostToday comes from the ledger; a
// ledger error leaves it zero rather than failing the snapshot.
func (c *Collector) GetStats(ctx context.Context) Stats {
	rate, samples := c.window.failureRate(c.now())

	c.mu.Lock()
	s := Stats{
		CallsTotal:    c.callsTotal,
		CallFailures:  c.callFailures,
		FailureRate:   rate,
		WindowSamples: samples,
		TokensTotal:   c.tokensTotal,
		RateLimitHits: c.rateLimitHits,
		BreakerTrips:  c.breakerTrips,
		Fallbacks:     c.fallbacks,
	}
	c.mu.Unlock()

	cost, err := c.ledger.DailyCost(ctx, c.now().UTC())
	if err != nil {
		slog.Warn("Failed to read daily cost", "error", err)
	} else {
		s.CostToday = cost
	}
	s.ActiveAlerts = c.alerts.active()
	return s
}

// checkFailureRate fires or clears the failure rate alert.
func (c *Collector) checkFailureRate() {
	if c.cfg.FailureRateThreshold <= 0 {
		return
	}
	rate, samples := c.window.failureRate(c.now())
	if samples < minAlertSamples {
		return
	}
	if rate > c.cfg.FailureRateThreshold {
		if c.alerts.fire(AlertFailureRate, rate, c.cfg.FailureRateThreshold, c.now()) {
			c.promAlerts.WithLabelValues(string(AlertFailureRate)).Set(1)
			slog.Error("Failure rate alert",
				"rate", rate, "threshold", c.cfg.FailureRateThreshold, "samples", samples)
		}
	} else if c.alerts.clear(AlertFailureRate) {
		c.promAlerts.WithLabelValues(string(AlertFailureRate)).Set(0)
		slog.Info("Failure rate alert cleared", "rate", rate)
	}
}

// checkDailyCost fires or clears the daily cost alert.
func (c *Collector) checkDailyCost(ctx context.Context) {
	if c.cfg.DailyCostThreshold <= 0 {
		return
	}
	cost, err := c.ledger.DailyCost(ctx, c.now().UTC())
	if err != nil {
		slog.Warn("Failed to read daily cost", "error", err)
		return
	}
	if cost > c.cfg.DailyCostThreshold {
		if c.alerts.fire(AlertDailyCost, cost, c.cfg.DailyCostThreshold, c.now()) {
			c.promAlerts.WithLabelValues(string(AlertDailyCost)).Set(1)
			slog.Error("Daily cost alert",
				"cost_usd", cost, "threshold_usd", c.cfg.DailyCostThreshold)
		}
	} else if c.alerts.clear(AlertDailyCost) {
		c.promAlerts.WithLabelValues(string(AlertDailyCost)).Set(0)
		slog.Info("Daily cost alert cleared", "cost_usd", cost)
	}
}
