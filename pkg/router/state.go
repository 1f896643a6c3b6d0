package router

import (
	"sync"
	"time"

	"github.com/appforge/appforge/pkg/config"
	"github.com/appforge/appforge/pkg/llm"
)

// ewmaAlpha weights new observations in the rolling latency average.
const ewmaAlpha = 0.1

// providerEntry bundles one provider's adapter with its runtime state.
type providerEntry struct {
	name    string
	order   int
	cfg     *config.ProviderConfig
	client  llm.Provider
	breaker *breaker
	reserve *reservoir
	stats   *providerStats
}

// providerStats tracks observed performance for weight computation and
// health reporting.
type providerStats struct {
	mu sync.Mutex

	ewmaLatency time.Duration
	calls       int64
	failures    int64
	totalTokens int64
	totalCost   float64

	healthy       bool
	lastHealthErr string
	lastChecked   time.Time
}

func newProviderStats(baseLatency time.Duration) *providerStats {
	return &providerStats{ewmaLatency: baseLatency, healthy: true}
}

// observe folds one completed call into the rolling averages.
func (s *providerStats) observe(latency time.Duration, tokens int, cost float64, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if !success {
		s.failures++
	}
	s.totalTokens += int64(tokens)
	s.totalCost += cost
	if latency > 0 {
		if s.ewmaLatency <= 0 {
			s.ewmaLatency = latency
		} else {
			s.ewmaLatency = time.Duration(
				ewmaAlpha*float64(latency) + (1-ewmaAlpha)*float64(s.ewmaLatency))
		}
	}
}

func (s *providerStats) observedLatency() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ewmaLatency
}

func (s *providerStats) setHealth(healthy bool, errMsg string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthy = healthy
	s.lastHealthErr = errMsg
	s.lastChecked = at
}

// ProviderHealth is a point-in-time snapshot for dashboards and health
// endpoints.
type ProviderHealth struct {
	Provider            string        `json:"provider"`
	Model               string        `json:"model"`
	Healthy             bool          `json:"healthy"`
	BreakerState        string        `json:"breakerState"`
	ConsecutiveFailures int           `json:"consecutiveFailures"`
	ObservedLatency     time.Duration `json:"observedLatency"`
	Calls               int64         `json:"calls"`
	Failures            int64         `json:"failures"`
	TotalTokens         int64         `json:"totalTokens"`
	TotalCost           float64       `json:"totalCost"`
	LastError           string        `json:"lastError,omitempty"`
}

func (e *providerEntry) health() ProviderHealth {
	e.stats.mu.Lock()
	defer e.stats.mu.Unlock()
	return ProviderHealth{
		Provider:            e.name,
		Model:               e.cfg.Model,
		Healthy:             e.stats.healthy,
		BreakerState:        e.breaker.State().String(),
		ConsecutiveFailures: e.breaker.ConsecutiveFailures(),
		ObservedLatency:     e.stats.ewmaLatency,
		Calls:               e.stats.calls,
		Failures:            e.stats.failures,
		TotalTokens:         e.stats.totalTokens,
		TotalCost:           e.stats.totalCost,
		LastError:           e.stats.lastHealthErr,
	}
}
