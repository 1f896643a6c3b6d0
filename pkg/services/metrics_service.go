package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// buildsRow is the provider key for build lifecycle counters, which are not
// attributable to a single provider.
const buildsRow = "_builds"

// DailyMetrics is one day's aggregated counters, either per provider or the
// build lifecycle row.
type DailyMetrics struct {
	Date            time.Time `json:"date"`
	Provider        string    `json:"provider,omitempty"`
	BuildsStarted   int64     `json:"builds_started"`
	BuildsSucceeded int64     `json:"builds_succeeded"`
	BuildsFailed    int64     `json:"builds_failed"`
	BuildsCancelled int64     `json:"builds_cancelled"`
	LLMCalls        int64     `json:"llm_calls"`
	LLMFailures     int64     `json:"llm_failures"`
	TotalTokens     int64     `json:"total_tokens"`
	TotalCost       float64   `json:"total_cost"`
	RateLimitHits   int64     `json:"rate_limit_hits"`
	BreakerTrips    int64     `json:"breaker_trips"`
}

// MetricsService maintains the daily usage ledger in Postgres. In-process
// Prometheus collectors cover live scraping; this ledger survives restarts
// and feeds the stats API and cost alerts.
type MetricsService struct {
	db  *sql.DB
	now func() time.Time
}

// NewMetricsService creates a MetricsService backed by the shared pool.
func NewMetricsService(db *sql.DB) *MetricsService {
	return &MetricsService{db: db, now: time.Now}
}

func (s *MetricsService) today() time.Time {
	return s.now().UTC().Truncate(24 * time.Hour)
}

func (s *MetricsService) bump(ctx context.Context, provider, column string, delta any) error {
	query := fmt.Sprintf(`
		INSERT INTO daily_metrics (metric_date, provider, %s)
		VALUES ($1, $2, $3)
		ON CONFLICT (metric_date, provider)
		DO UPDATE SET %s = daily_metrics.%s + EXCLUDED.%s`,
		column, column, column, column)
	if _, err := s.db.ExecContext(ctx, query, s.today(), provider, delta); err != nil {
		return fmt.Errorf("failed to update %s: %w", column, err)
	}
	return nil
}

// RecordBuildStarted increments today's started-build counter.
func (s *MetricsService) RecordBuildStarted(ctx context.Context) error {
	return s.bump(ctx, buildsRow, "builds_started", 1)
}

// RecordBuildFinished increments the counter matching the terminal status.
func (s *MetricsService) RecordBuildFinished(ctx context.Context, status string) error {
	switch status {
	case "completed":
		return s.bump(ctx, buildsRow, "builds_succeeded", 1)
	case "failed":
		return s.bump(ctx, buildsRow, "builds_failed", 1)
	case "cancelled":
		return s.bump(ctx, buildsRow, "builds_cancelled", 1)
	}
	return fmt.Errorf("%w: not a terminal build status: %s", ErrInvalidInput, status)
}

// RecordLLMCall adds one provider call to today's ledger.
func (s *MetricsService) RecordLLMCall(ctx context.Context, provider string, tokens int64, cost float64, failed bool) error {
	failures := 0
	if failed {
		failures = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO daily_metrics (metric_date, provider, llm_calls, llm_failures, total_tokens, total_cost)
		VALUES ($1, $2, 1, $3, $4, $5)
		ON CONFLICT (metric_date, provider)
		DO UPDATE SET
			llm_calls = daily_metrics.llm_calls + 1,
			llm_failures = daily_metrics.llm_failures + EXCLUDED.llm_failures,
			total_tokens = daily_metrics.total_tokens + EXCLUDED.total_tokens,
			total_cost = daily_metrics.total_cost + EXCLUDED.total_cost`,
		s.today(), provider, failures, tokens, cost)
	if err != nil {
		return fmt.Errorf("failed to record llm call: %w", err)
	}
	return nil
}

// RecordRateLimitHit increments today's rate-limit counter for a provider.
func (s *MetricsService) RecordRateLimitHit(ctx context.Context, provider string) error {
	return s.bump(ctx, provider, "rate_limit_hits", 1)
}

// RecordBreakerTrip increments today's circuit-breaker trip counter.
func (s *MetricsService) RecordBreakerTrip(ctx context.Context, provider string) error {
	return s.bump(ctx, provider, "breaker_trips", 1)
}

// GetDailyMetrics returns every row for one day.
func (s *MetricsService) GetDailyMetrics(ctx context.Context, date time.Time) ([]*DailyMetrics, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT metric_date, provider, builds_started, builds_succeeded, builds_failed,
		       builds_cancelled, llm_calls, llm_failures, total_tokens, total_cost,
		       rate_limit_hits, breaker_trips
		FROM daily_metrics
		WHERE metric_date = $1
		ORDER BY provider`, date.UTC().Truncate(24*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("failed to load daily metrics: %w", err)
	}
	defer rows.Close()
	return collectMetrics(rows)
}

// DailyCost returns the summed provider cost for one day, used by the daily
// budget alert.
func (s *MetricsService) DailyCost(ctx context.Context, date time.Time) (float64, error) {
	var cost float64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(total_cost), 0) FROM daily_metrics WHERE metric_date = $1`,
		date.UTC().Truncate(24*time.Hour)).Scan(&cost)
	if err != nil {
		return 0, fmt.Errorf("failed to sum daily cost: %w", err)
	}
	return cost, nil
}

// GetMetricsRange returns rows between from and to inclusive, oldest first.
func (s *MetricsService) GetMetricsRange(ctx context.Context, from, to time.Time) ([]*DailyMetrics, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT metric_date, provider, builds_started, builds_succeeded, builds_failed,
		       builds_cancelled, llm_calls, llm_failures, total_tokens, total_cost,
		       rate_limit_hits, breaker_trips
		FROM daily_metrics
		WHERE metric_date BETWEEN $1 AND $2
		ORDER BY metric_date, provider`,
		from.UTC().Truncate(24*time.Hour), to.UTC().Truncate(24*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("failed to load metrics range: %w", err)
	}
	defer rows.Close()
	return collectMetrics(rows)
}

func collectMetrics(rows *sql.Rows) ([]*DailyMetrics, error) {
	var out []*DailyMetrics
	for rows.Next() {
		var m DailyMetrics
		err := rows.Scan(&m.Date, &m.Provider, &m.BuildsStarted, &m.BuildsSucceeded,
			&m.BuildsFailed, &m.BuildsCancelled, &m.LLMCalls, &m.LLMFailures,
			&m.TotalTokens, &m.TotalCost, &m.RateLimitHits, &m.BreakerTrips)
		if err != nil {
			return nil, fmt.Errorf("failed to scan metrics row: %w", err)
		}
		if m.Provider == buildsRow {
			m.Provider = ""
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}
