package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/appforge/appforge/pkg/models"
)

// NotifyChannel is the Postgres NOTIFY channel build events are published on.
const NotifyChannel = "build_events"

// EventTypeForStatus maps a build status to its envelope event type.
// Completed and cancelled builds both end their stream with
// pipeline_complete; only a failure is pipeline_error.
func EventTypeForStatus(status models.BuildStatus) string {
	switch status {
	case models.BuildStatusCompleted, models.BuildStatusCancelled:
		return "pipeline_complete"
	case models.BuildStatusFailed:
		return "pipeline_error"
	default:
		return "pipeline_update"
	}
}

// BuildEvent is one persisted event row. Rows double as the replay source for
// WebSocket catch-up, ordered by the serial id.
type BuildEvent struct {
	ID        int64          `json:"id"`
	BuildID   string         `json:"build_id"`
	StageID   string         `json:"stage_id,omitempty"`
	Type      string         `json:"type"`
	Status    string         `json:"status,omitempty"`
	Message   string         `json:"message,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// EventService persists build events and fans them out via Postgres NOTIFY.
type EventService struct {
	db *sql.DB
}

// NewEventService creates an EventService backed by the shared pool.
func NewEventService(db *sql.DB) *EventService {
	return &EventService{db: db}
}

// Publish persists the event and notifies listeners in one transaction, so a
// notification is never observed without its backing row. Returns the
// assigned event id.
func (s *EventService) Publish(ctx context.Context, event *BuildEvent) (int64, error) {
	if event.BuildID == "" {
		return 0, NewValidationError("build_id", "is required")
	}
	if event.Type == "" {
		return 0, NewValidationError("type", "is required")
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	detailsJSON, err := json.Marshal(event.Details)
	if err != nil {
		return 0, fmt.Errorf("encoding event details: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO build_events (build_id, stage_id, type, status, message, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		event.BuildID, event.StageID, event.Type, event.Status, event.Message,
		detailsJSON, event.CreatedAt).Scan(&event.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to insert event: %w", err)
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("encoding notify payload: %w", err)
	}
	// NOTIFY payloads are capped at 8000 bytes; oversized events send an id
	// pointer and listeners fetch the row.
	if len(payload) > 7900 {
		payload, _ = json.Marshal(map[string]any{
			"id": event.ID, "build_id": event.BuildID, "oversized": true,
		})
	}
	if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, NotifyChannel, string(payload)); err != nil {
		return 0, fmt.Errorf("failed to notify: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit event: %w", err)
	}
	return event.ID, nil
}

// GetEvent loads one event by id, used by listeners resolving oversized
// notifications.
func (s *EventService) GetEvent(ctx context.Context, id int64) (*BuildEvent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, build_id, COALESCE(stage_id, ''), type, COALESCE(status, ''),
		       COALESCE(message, ''), details, created_at
		FROM build_events WHERE id = $1`, id)
	return scanEvent(row)
}

// ListEventsAfter returns events for a build with id greater than afterID, in
// id order. Pass afterID 0 for the full history.
func (s *EventService) ListEventsAfter(ctx context.Context, buildID string, afterID int64, limit int) ([]*BuildEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, build_id, COALESCE(stage_id, ''), type, COALESCE(status, ''),
		       COALESCE(message, ''), details, created_at
		FROM build_events
		WHERE build_id = $1 AND id > $2
		ORDER BY id
		LIMIT $3`, buildID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []*BuildEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// ListRecent returns the newest events for a build in id order, capped at
// limit. Used to seed the replay buffer for late subscribers.
func (s *EventService) ListRecent(ctx context.Context, buildID string, limit int) ([]*BuildEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, build_id, stage_id, type, status, message, details, created_at FROM (
			SELECT id, build_id, COALESCE(stage_id, '') AS stage_id, type,
			       COALESCE(status, '') AS status, COALESCE(message, '') AS message,
			       details, created_at
			FROM build_events
			WHERE build_id = $1
			ORDER BY id DESC
			LIMIT $2
		) recent ORDER BY id`, buildID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent events: %w", err)
	}
	defer rows.Close()

	var events []*BuildEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// DeleteEventsForBuild removes a build's events after the retention grace
// period expires.
func (s *EventService) DeleteEventsForBuild(ctx context.Context, buildID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM build_events WHERE build_id = $1`, buildID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete events: %w", err)
	}
	return res.RowsAffected()
}

// DeleteEventsBefore removes events older than the cutoff across all builds.
func (s *EventService) DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM build_events WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	return res.RowsAffected()
}

func scanEvent(row scanner) (*BuildEvent, error) {
	var (
		ev          BuildEvent
		detailsJSON []byte
	)
	err := row.Scan(&ev.ID, &ev.BuildID, &ev.StageID, &ev.Type, &ev.Status,
		&ev.Message, &detailsJSON, &ev.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan event: %w", err)
	}
	if len(detailsJSON) > 0 {
		if err := json.Unmarshal(detailsJSON, &ev.Details); err != nil {
			return nil, fmt.Errorf("decoding event details: %w", err)
		}
	}
	return &ev, nil
}
