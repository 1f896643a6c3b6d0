package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/appforge/appforge/pkg/config"
)

// WorkerPool manages a pool of queue workers.
type WorkerPool struct {
	replicaID string
	store     BuildStore
	config    *config.QueueConfig
	executor  BuildExecutor
	events    EventSink
	workers   []*Worker
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup

	// Build cancel registry: build_id → cancel function
	activeBuilds map[string]context.CancelFunc
	mu           sync.RWMutex
	started      bool

	// Orphan detection state
	orphans orphanState
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(replicaID string, store BuildStore, cfg *config.QueueConfig, executor BuildExecutor, events EventSink) *WorkerPool {
	return &WorkerPool{
		replicaID:    replicaID,
		store:        store,
		config:       cfg,
		executor:     executor,
		events:       events,
		workers:      make([]*Worker, 0, cfg.WorkerCount),
		stopCh:       make(chan struct{}),
		activeBuilds: make(map[string]context.CancelFunc),
	}
}

// Start spawns worker goroutines and the orphan detection background task.
// It is safe to call multiple times; subsequent calls are no-ops.
func (p *WorkerPool) Start(ctx context.Context) error {
	if p.started {
		slog.Warn("Worker pool already started, ignoring duplicate Start call", "replica_id", p.replicaID)
		return nil
	}
	p.started = true

	slog.Info("Starting worker pool", "replica_id", p.replicaID, "worker_count", p.config.WorkerCount)

	for i := 0; i < p.config.WorkerCount; i++ {
		workerID := fmt.Sprintf("%s-worker-%d", p.replicaID, i)
		worker := NewWorker(workerID, p.replicaID, p.store, p.config, p.executor, p, p.events)
		p.workers = append(p.workers, worker)
		worker.Start(ctx)
	}

	// Start orphan detection
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runOrphanDetection(ctx)
	}()

	slog.Info("Worker pool started")
	return nil
}

// Stop signals all workers to stop and waits for them to finish.
// Workers finish their current builds before exiting (graceful shutdown).
func (p *WorkerPool) Stop() {
	slog.Info("Stopping worker pool gracefully")

	active := p.getActiveBuildIDs()
	if len(active) > 0 {
		slog.Info("Waiting for active builds to complete",
			"count", len(active),
			"build_ids", active)
	}

	// Signal all workers to stop (they finish current builds)
	for _, worker := range p.workers {
		worker.Stop()
	}

	// Signal orphan detection to stop
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()

	slog.Info("Worker pool stopped gracefully")
}

// RegisterBuild stores a cancel function for manual cancellation.
func (p *WorkerPool) RegisterBuild(buildID string, cancel context.CancelFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activeBuilds[buildID] = cancel
}

// UnregisterBuild removes the cancel function when processing ends.
func (p *WorkerPool) UnregisterBuild(buildID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.activeBuilds, buildID)
}

// CancelBuild triggers context cancellation for a build on this replica.
// Returns true if the build was found and cancelled here.
func (p *WorkerPool) CancelBuild(buildID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if cancel, ok := p.activeBuilds[buildID]; ok {
		cancel()
		return true
	}
	return false
}

// Health returns the current health status of the pool.
func (p *WorkerPool) Health() *PoolHealth {
	ctx := context.Background()

	queueDepth, errQ := p.store.CountPending(ctx)
	if errQ != nil {
		slog.Error("Failed to query queue depth for health check",
			"replica_id", p.replicaID,
			"error", errQ)
	}

	activeBuilds, errA := p.store.CountRunning(ctx)
	if errA != nil {
		slog.Error("Failed to query active builds for health check",
			"replica_id", p.replicaID,
			"error", errA)
	}

	workerStats := make([]WorkerHealth, len(p.workers))
	activeWorkers := 0
	for i, worker := range p.workers {
		stats := worker.Health()
		workerStats[i] = stats
		if stats.Status == string(WorkerStatusWorking) {
			activeWorkers++
		}
	}

	// DB errors affect health status: if we can't reach the DB, we're not healthy
	dbHealthy := errQ == nil && errA == nil
	isHealthy := len(p.workers) > 0 && activeBuilds <= p.config.MaxConcurrentBuilds && dbHealthy

	p.orphans.mu.Lock()
	lastOrphanScan := p.orphans.lastOrphanScan
	orphansRecovered := p.orphans.orphansRecovered
	p.orphans.mu.Unlock()

	var dbError string
	if !dbHealthy {
		if errQ != nil {
			dbError = fmt.Sprintf("queue depth query failed: %v", errQ)
		} else if errA != nil {
			dbError = fmt.Sprintf("active builds query failed: %v", errA)
		}
	}

	return &PoolHealth{
		IsHealthy:        isHealthy,
		DBReachable:      dbHealthy,
		DBError:          dbError,
		ReplicaID:        p.replicaID,
		ActiveWorkers:    activeWorkers,
		TotalWorkers:     len(p.workers),
		ActiveBuilds:     activeBuilds,
		MaxConcurrent:    p.config.MaxConcurrentBuilds,
		QueueDepth:       queueDepth,
		WorkerStats:      workerStats,
		LastOrphanScan:   lastOrphanScan,
		OrphansRecovered: orphansRecovered,
	}
}

// getActiveBuildIDs returns IDs of currently processing builds (for logging).
func (p *WorkerPool) getActiveBuildIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	builds := make([]string, 0, len(p.activeBuilds))
	for id := range p.activeBuilds {
		builds = append(builds, id)
	}
	return builds
}
