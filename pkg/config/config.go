// Package config loads, merges, and validates service configuration from
// YAML files and the environment.
package config

import (
	"time"

	"github.com/appforge/appforge/pkg/models"
)

// DemoMode controls whether the built-in demo provider participates in
// routing.
type DemoMode string

// Demo mode values.
const (
	DemoModeAuto     DemoMode = "auto" // enable demo fallback if no real keys
	DemoModeEnabled  DemoMode = "enabled"
	DemoModeDisabled DemoMode = "disabled"
)

// Config is the umbrella configuration object returned by Initialize and
// used throughout the application.
type Config struct {
	configDir string

	Queue     *QueueConfig
	Fabric    *FabricConfig
	Router    *RouterConfig
	Metrics   *MetricsConfig
	Retention *RetentionConfig

	Providers *ProviderRegistry

	// CustomStages holds user-defined stage definitions loaded from YAML.
	// They are registered globally, after the built-in set.
	CustomStages []CustomStage
}

// ConfigDir returns the configuration directory path.
func (c *Config) ConfigDir() string {
	return c.configDir
}

// Stats contains statistics about loaded configuration.
type Stats struct {
	Providers    int
	CustomStages int
}

// Stats returns configuration statistics for logging.
func (c *Config) Stats() Stats {
	s := Stats{CustomStages: len(c.CustomStages)}
	if c.Providers != nil {
		s.Providers = c.Providers.Len()
	}
	return s
}

// QueueConfig controls how builds are polled, claimed, and processed.
type QueueConfig struct {
	// WorkerCount is the number of worker goroutines per replica.
	WorkerCount int `yaml:"worker_count"`

	// MaxConcurrentBuilds is the global limit of concurrently running
	// builds across all replicas, enforced by a database count check.
	MaxConcurrentBuilds int `yaml:"max_concurrent_builds"`

	// PollInterval is the base interval for checking pending builds.
	PollInterval time.Duration `yaml:"poll_interval"`

	// PollIntervalJitter randomizes the poll interval: actual interval is
	// PollInterval ± PollIntervalJitter.
	PollIntervalJitter time.Duration `yaml:"poll_interval_jitter"`

	// BuildTimeout is the wall-clock ceiling for one build.
	BuildTimeout time.Duration `yaml:"build_timeout"`

	// StageParallelism bounds how many independent stages of the same
	// category may run concurrently within one build. 1 = strict sequential.
	StageParallelism int `yaml:"stage_parallelism"`

	// GracefulShutdownTimeout is the max time to wait for active builds
	// to complete during shutdown.
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`

	// HeartbeatInterval is how often a worker refreshes the build's
	// last-interaction timestamp for orphan detection.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// OrphanDetectionInterval is how often to scan for orphaned builds.
	OrphanDetectionInterval time.Duration `yaml:"orphan_detection_interval"`

	// OrphanThreshold is how long a build can go without a heartbeat
	// before it is considered orphaned and re-queued.
	OrphanThreshold time.Duration `yaml:"orphan_threshold"`
}

// FabricConfig controls the event stream fabric.
type FabricConfig struct {
	// ReplayCount is how many recent events are replayed to a new
	// subscriber.
	ReplayCount int `yaml:"replay_count"`

	// BufferSize bounds the per-build replay ring buffer by event count.
	BufferSize int `yaml:"buffer_size"`

	// BufferMaxBytes bounds the per-build replay ring buffer by byte total.
	BufferMaxBytes int `yaml:"buffer_max_bytes"`

	// TerminalGrace is how long a terminated build's buffer is retained
	// for late subscribers.
	TerminalGrace time.Duration `yaml:"terminal_grace"`

	// HeartbeatInterval is the server ping cadence.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// MissedPongLimit is how many consecutive missed pongs close a
	// connection.
	MissedPongLimit int `yaml:"missed_pong_limit"`

	// WriteTimeout bounds a single WebSocket send.
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// RouterConfig controls model router retry, fallback, and health behavior.
type RouterConfig struct {
	DemoMode DemoMode `yaml:"demo_mode"`

	// MaxRetries is the per-provider retry budget before fallback.
	MaxRetries int `yaml:"max_retries"`

	// BackoffBase is the base of the exponential retry backoff.
	BackoffBase time.Duration `yaml:"backoff_base"`

	// BackoffCap is the retry backoff ceiling.
	BackoffCap time.Duration `yaml:"backoff_cap"`

	// RequestTimeout is the per-request provider timeout.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// HealthCheckInterval is the provider health polling cadence.
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`

	// BreakerThreshold is the consecutive-failure count that opens a
	// provider's circuit breaker.
	BreakerThreshold int `yaml:"breaker_threshold"`

	// BreakerOpenTimeout is the initial open window; it doubles on each
	// failed half-open probe, capped at BreakerMaxTimeout.
	BreakerOpenTimeout time.Duration `yaml:"breaker_open_timeout"`
	BreakerMaxTimeout  time.Duration `yaml:"breaker_max_timeout"`

	// RoleLoadCaps bounds concurrent assignments per agent role. Roles not
	// listed use DefaultRoleLoadCap.
	RoleLoadCaps       map[models.AgentRole]int `yaml:"role_load_caps"`
	DefaultRoleLoadCap int                      `yaml:"default_role_load_cap"`
}

// RetentionConfig controls background data retention.
type RetentionConfig struct {
	// BuildRetentionDays is how long finished builds are kept.
	BuildRetentionDays int `yaml:"build_retention_days"`

	// EventTTL is how long build events are kept, independent of their
	// build's lifetime.
	EventTTL time.Duration `yaml:"event_ttl"`

	// CleanupInterval is the retention pass cadence.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// MetricsConfig controls the metrics and audit collector.
type MetricsConfig struct {
	// FailureRateThreshold triggers an alert when the failure rate over
	// FailureRateWindow exceeds it (0..1).
	FailureRateThreshold float64       `yaml:"failure_rate_threshold"`
	FailureRateWindow    time.Duration `yaml:"failure_rate_window"`

	// DailyCostThreshold triggers an alert when the day's accumulated
	// provider cost exceeds it (USD).
	DailyCostThreshold float64 `yaml:"daily_cost_threshold"`
}
