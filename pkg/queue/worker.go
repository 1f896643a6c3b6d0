package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/appforge/appforge/pkg/config"
	"github.com/appforge/appforge/pkg/models"
	"github.com/appforge/appforge/pkg/services"
)

// Worker is a single queue worker that polls for and processes builds.
type Worker struct {
	id        string
	replicaID string
	store     BuildStore
	config    *config.QueueConfig
	executor  BuildExecutor
	events    EventSink
	pool      BuildRegistry
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup

	// Health tracking
	mu              sync.RWMutex
	status          WorkerStatus
	currentBuildID  string
	buildsProcessed int
	lastActivity    time.Time
}

// BuildRegistry is the subset of WorkerPool used by Worker for build registration.
type BuildRegistry interface {
	RegisterBuild(buildID string, cancel context.CancelFunc)
	UnregisterBuild(buildID string)
}

// NewWorker creates a new queue worker. events may be nil (streaming disabled).
func NewWorker(id, replicaID string, store BuildStore, cfg *config.QueueConfig, executor BuildExecutor, pool BuildRegistry, events EventSink) *Worker {
	return &Worker{
		id:           id,
		replicaID:    replicaID,
		store:        store,
		config:       cfg,
		executor:     executor,
		events:       events,
		pool:         pool,
		stopCh:       make(chan struct{}),
		status:       WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

// Start begins the worker polling loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for it to finish.
// It is safe to call Stop multiple times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Health returns the current worker health status.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:              w.id,
		Status:          string(w.status),
		CurrentBuildID:  w.currentBuildID,
		BuildsProcessed: w.buildsProcessed,
		LastActivity:    w.lastActivity,
	}
}

// run is the main worker loop.
func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	log := slog.With("worker_id", w.id, "replica_id", w.replicaID)
	log.Info("Worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("Worker shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, worker shutting down")
			return
		default:
			if err := w.pollAndProcess(ctx); err != nil {
				if errors.Is(err, ErrNoBuildsAvailable) || errors.Is(err, services.ErrNoBuildsAvailable) || errors.Is(err, ErrAtCapacity) {
					w.sleep(w.pollInterval())
					continue
				}
				log.Error("Error processing build", "error", err)
				w.sleep(time.Second) // Brief backoff on error
			}
		}
	}
}

// sleep waits for the given duration or until stop is signalled.
func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// pollAndProcess checks capacity, claims a build, and processes it.
func (w *Worker) pollAndProcess(ctx context.Context) error {
	// 1. Check global capacity (best-effort; racy with concurrent workers but
	//    bounded by WorkerCount and mitigated by poll jitter).
	activeCount, err := w.store.CountRunning(ctx)
	if err != nil {
		return fmt.Errorf("checking active builds: %w", err)
	}
	if activeCount >= w.config.MaxConcurrentBuilds {
		return ErrAtCapacity
	}

	// 2. Claim next build
	build, err := w.store.ClaimNextPendingBuild(ctx, w.id)
	if err != nil {
		return err
	}

	log := slog.With("build_id", build.ID, "worker_id", w.id)
	log.Info("Build claimed", "project", build.Spec.ProjectName())

	w.publishBuildStatus(ctx, build.ID, models.BuildStatusRunning, "")

	w.setStatus(WorkerStatusWorking, build.ID)
	defer w.setStatus(WorkerStatusIdle, "")

	// 3. Create build context with timeout
	buildCtx, cancelBuild := context.WithTimeout(ctx, w.config.BuildTimeout)
	defer cancelBuild()

	// 4. Register cancel function for API-triggered cancellation
	w.pool.RegisterBuild(build.ID, cancelBuild)
	defer w.pool.UnregisterBuild(build.ID)

	// 5. Start heartbeat
	heartbeatCtx, cancelHeartbeat := context.WithCancel(buildCtx)
	defer cancelHeartbeat()
	go w.runHeartbeat(heartbeatCtx, build.ID)

	// 6. Execute build
	result := w.executor.Execute(buildCtx, build)

	// 6a. Nil-guard: synthesize a safe result if executor returned nil
	if result == nil {
		switch {
		case errors.Is(buildCtx.Err(), context.DeadlineExceeded):
			result = &ExecutionResult{
				Status: models.BuildStatusFailed,
				Error:  fmt.Errorf("build timed out after %v", w.config.BuildTimeout),
			}
		case errors.Is(buildCtx.Err(), context.Canceled):
			result = &ExecutionResult{
				Status: models.BuildStatusCancelled,
				Error:  context.Canceled,
			}
		default:
			result = &ExecutionResult{
				Status: models.BuildStatusFailed,
				Error:  fmt.Errorf("executor returned nil result"),
			}
		}
	}

	// 7. Handle timeout
	if result.Status == "" && errors.Is(buildCtx.Err(), context.DeadlineExceeded) {
		result = &ExecutionResult{
			Status: models.BuildStatusFailed,
			Error:  fmt.Errorf("build timed out after %v", w.config.BuildTimeout),
		}
	}

	// 8. Handle cancellation
	if result.Status == "" && errors.Is(buildCtx.Err(), context.Canceled) {
		result = &ExecutionResult{
			Status: models.BuildStatusCancelled,
			Error:  context.Canceled,
		}
	}

	// 9. Stop heartbeat
	cancelHeartbeat()

	// 10. Update terminal status (use background context — build ctx may be cancelled)
	if err := w.updateTerminalStatus(context.Background(), build.ID, result); err != nil {
		log.Error("Failed to update build terminal status", "error", err)
		return err
	}

	// 10a. Publish terminal build status event
	var errMsg string
	if result.Error != nil {
		errMsg = result.Error.Error()
	}
	w.publishBuildStatus(context.Background(), build.ID, result.Status, errMsg)

	w.mu.Lock()
	w.buildsProcessed++
	w.mu.Unlock()

	log.Info("Build processing complete", "status", result.Status)
	return nil
}

// runHeartbeat periodically refreshes the build's heartbeat for orphan detection.
func (w *Worker) runHeartbeat(ctx context.Context, buildID string) {
	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.store.Heartbeat(ctx, buildID); err != nil {
				slog.Warn("Heartbeat update failed", "build_id", buildID, "error", err)
			}
		}
	}
}

// updateTerminalStatus writes the final build status and error message.
func (w *Worker) updateTerminalStatus(ctx context.Context, buildID string, result *ExecutionResult) error {
	if result.Error != nil {
		if err := w.store.SetBuildError(ctx, buildID, result.Error.Error()); err != nil {
			slog.Warn("Failed to persist build error", "build_id", buildID, "error", err)
		}
	}
	err := w.store.UpdateBuildStatus(ctx, buildID, result.Status)
	if err != nil && errors.Is(err, services.ErrInvalidTransition) {
		// Terminal status already written (e.g. API-side cancel won the race).
		slog.Info("Build already in terminal state", "build_id", buildID, "status", result.Status)
		return nil
	}
	return err
}

// publishBuildStatus publishes a build status event for real-time WebSocket
// delivery. Non-blocking: errors are logged.
func (w *Worker) publishBuildStatus(ctx context.Context, buildID string, status models.BuildStatus, errMsg string) {
	if w.events == nil {
		return
	}
	if _, err := w.events.Publish(ctx, &services.BuildEvent{
		BuildID: buildID,
		Type:    services.EventTypeForStatus(status),
		Status:  string(status),
		Message: errMsg,
	}); err != nil {
		slog.Warn("Failed to publish build status",
			"build_id", buildID, "status", status, "error", err)
	}
}

// pollInterval returns the poll duration with jitter.
func (w *Worker) pollInterval() time.Duration {
	base := w.config.PollInterval
	jitter := w.config.PollIntervalJitter
	if jitter <= 0 {
		return base
	}
	// Range: [base - jitter, base + jitter]
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}

// setStatus updates the worker's health tracking state.
func (w *Worker) setStatus(status WorkerStatus, buildID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentBuildID = buildID
	w.lastActivity = time.Now()
}
