// Package queue provides build queue management and processing infrastructure.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/appforge/appforge/pkg/models"
	"github.com/appforge/appforge/pkg/services"
)

// Sentinel errors for queue operations.
var (
	// ErrNoBuildsAvailable indicates no pending builds are in the queue.
	ErrNoBuildsAvailable = errors.New("no builds available")

	// ErrAtCapacity indicates the global concurrent build limit has been reached.
	ErrAtCapacity = errors.New("at capacity")
)

// BuildExecutor runs one build end to end.
//
// The executor owns the ENTIRE build lifecycle internally: it walks the stage
// plan, retries failed stages, and writes stage state and events
// progressively during execution. The worker only handles claiming,
// heartbeat, the terminal status write, and unregistration.
type BuildExecutor interface {
	Execute(ctx context.Context, build *models.Build) *ExecutionResult
}

// ExecutionResult is just the terminal state. All intermediate state (stage
// rows, events, artifacts) was already written by the executor.
type ExecutionResult struct {
	Status models.BuildStatus // completed, failed, cancelled
	Error  error              // error details (if failed)
}

// BuildStore is the subset of the build service the queue needs.
type BuildStore interface {
	ClaimNextPendingBuild(ctx context.Context, workerID string) (*models.Build, error)
	Heartbeat(ctx context.Context, buildID string) error
	CountRunning(ctx context.Context) (int, error)
	CountPending(ctx context.Context) (int, error)
	UpdateBuildStatus(ctx context.Context, buildID string, status models.BuildStatus) error
	SetBuildError(ctx context.Context, buildID, message string) error
	FindOrphanedBuilds(ctx context.Context, threshold time.Duration) ([]string, error)
	RequeueBuild(ctx context.Context, buildID string) error
}

// EventSink publishes build lifecycle events.
type EventSink interface {
	Publish(ctx context.Context, event *services.BuildEvent) (int64, error)
}

// PoolHealth contains health information for the entire worker pool.
type PoolHealth struct {
	IsHealthy        bool           `json:"is_healthy"`
	DBReachable      bool           `json:"db_reachable"`
	DBError          string         `json:"db_error,omitempty"`
	ReplicaID        string         `json:"replica_id"`
	ActiveWorkers    int            `json:"active_workers"`
	TotalWorkers     int            `json:"total_workers"`
	ActiveBuilds     int            `json:"active_builds"`
	MaxConcurrent    int            `json:"max_concurrent"`
	QueueDepth       int            `json:"queue_depth"`
	WorkerStats      []WorkerHealth `json:"worker_stats"`
	LastOrphanScan   time.Time      `json:"last_orphan_scan"`
	OrphansRecovered int            `json:"orphans_recovered"`
}

// WorkerHealth contains health information for a single worker.
type WorkerHealth struct {
	ID              string    `json:"id"`
	Status          string    `json:"status"` // "idle" or "working"
	CurrentBuildID  string    `json:"current_build_id,omitempty"`
	BuildsProcessed int       `json:"builds_processed"`
	LastActivity    time.Time `json:"last_activity"`
}

// WorkerStatus is a worker's activity state.
type WorkerStatus string

// Worker activity states.
const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)
