// Package cleanup provides data retention and cleanup services.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/appforge/appforge/pkg/config"
)

// BuildRetention deletes finished builds past the retention window.
type BuildRetention interface {
	DeleteOldBuilds(ctx context.Context, cutoff time.Time) (int64, error)
}

// EventRetention deletes build events past their TTL.
type EventRetention interface {
	DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Service periodically enforces retention policies:
//   - Deletes terminal builds older than the retention window
//   - Removes build event rows past their TTL
//
// All operations are idempotent and safe to run from multiple replicas.
type Service struct {
	config *config.RetentionConfig
	builds BuildRetention
	events EventRetention

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new cleanup service.
func NewService(cfg *config.RetentionConfig, builds BuildRetention, events EventRetention) *Service {
	return &Service{
		config: cfg,
		builds: builds,
		events: events,
	}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"build_retention_days", s.config.BuildRetentionDays,
		"event_ttl", s.config.EventTTL,
		"interval", s.config.CleanupInterval)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runAll(ctx)

	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

func (s *Service) runAll(ctx context.Context) {
	s.deleteOldBuilds(ctx)
	s.deleteExpiredEvents(ctx)
}

func (s *Service) deleteOldBuilds(ctx context.Context) {
	cutoff := time.Now().AddDate(0, 0, -s.config.BuildRetentionDays)
	count, err := s.builds.DeleteOldBuilds(ctx, cutoff)
	if err != nil {
		slog.Error("Retention: build deletion failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: deleted old builds", "count", count)
	}
}

func (s *Service) deleteExpiredEvents(ctx context.Context) {
	cutoff := time.Now().Add(-s.config.EventTTL)
	count, err := s.events.DeleteEventsBefore(ctx, cutoff)
	if err != nil {
		slog.Error("Retention: event cleanup failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: deleted expired events", "count", count)
	}
}
