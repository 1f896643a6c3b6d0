package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/appforge/appforge/pkg/services"
)

// orphanState tracks orphan detection metrics (thread-safe).
type orphanState struct {
	mu               sync.Mutex
	lastOrphanScan   time.Time
	orphansRecovered int
}

// runOrphanDetection periodically scans for orphaned builds.
// All replicas run this independently; recovery is idempotent because
// RequeueBuild locks the row and checks the status under the lock.
func (p *WorkerPool) runOrphanDetection(ctx context.Context) {
	ticker := time.NewTicker(p.config.OrphanDetectionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.detectAndRecoverOrphans(ctx); err != nil {
				slog.Error("Orphan detection failed", "error", err)
			}
		}
	}
}

// detectAndRecoverOrphans finds running builds with stale heartbeats and
// returns them to the queue so another replica can pick them up.
func (p *WorkerPool) detectAndRecoverOrphans(ctx context.Context) error {
	orphanIDs, err := p.store.FindOrphanedBuilds(ctx, p.config.OrphanThreshold)
	if err != nil {
		return fmt.Errorf("failed to query orphaned builds: %w", err)
	}

	if len(orphanIDs) == 0 {
		p.orphans.mu.Lock()
		p.orphans.lastOrphanScan = time.Now()
		p.orphans.mu.Unlock()
		return nil
	}

	slog.Warn("Detected orphaned builds", "count", len(orphanIDs))

	recovered := 0
	for _, buildID := range orphanIDs {
		// Skip builds this replica is still working on: a long executor step
		// can outlast the heartbeat if the DB was briefly unreachable.
		if p.ownsBuild(buildID) {
			continue
		}
		if err := p.recoverOrphanedBuild(ctx, buildID); err != nil {
			slog.Error("Failed to recover orphaned build",
				"build_id", buildID,
				"error", err)
			continue
		}
		recovered++
	}

	p.orphans.mu.Lock()
	p.orphans.lastOrphanScan = time.Now()
	p.orphans.orphansRecovered += recovered
	p.orphans.mu.Unlock()

	return nil
}

// recoverOrphanedBuild requeues one orphaned build and announces it.
func (p *WorkerPool) recoverOrphanedBuild(ctx context.Context, buildID string) error {
	if err := p.store.RequeueBuild(ctx, buildID); err != nil {
		return fmt.Errorf("failed to requeue build: %w", err)
	}

	if p.events != nil {
		_, err := p.events.Publish(ctx, &services.BuildEvent{
			BuildID: buildID,
			Type:    "pipeline_update",
			Status:  "pending",
			Message: "build requeued after worker heartbeat loss",
		})
		if err != nil {
			slog.Warn("Failed to publish orphan recovery event",
				"build_id", buildID, "error", err)
		}
	}

	slog.Warn("Orphaned build requeued", "build_id", buildID)
	return nil
}

func (p *WorkerPool) ownsBuild(buildID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.activeBuilds[buildID]
	return ok
}

// RecoverStartupOrphans requeues builds left running by a previous crash of
// any replica. Called once during startup, before workers begin processing.
func RecoverStartupOrphans(ctx context.Context, store BuildStore, threshold time.Duration) (int, error) {
	orphanIDs, err := store.FindOrphanedBuilds(ctx, threshold)
	if err != nil {
		return 0, fmt.Errorf("failed to query startup orphans: %w", err)
	}
	if len(orphanIDs) == 0 {
		return 0, nil
	}

	slog.Warn("Found startup orphans from previous run", "count", len(orphanIDs))

	recovered := 0
	for _, buildID := range orphanIDs {
		if err := store.RequeueBuild(ctx, buildID); err != nil {
			slog.Error("Failed to requeue startup orphan",
				"build_id", buildID,
				"error", err)
			continue
		}
		slog.Info("Startup orphan requeued", "build_id", buildID)
		recovered++
	}
	return recovered, nil
}
