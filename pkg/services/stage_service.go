package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/appforge/appforge/pkg/models"
	"github.com/appforge/appforge/pkg/registry"
)

// StageService manages per-stage runtime state within a build.
type StageService struct {
	db  *sql.DB
	reg *registry.Registry
}

// NewStageService creates a StageService backed by the shared pool.
func NewStageService(db *sql.DB, reg *registry.Registry) *StageService {
	return &StageService{db: db, reg: reg}
}

// GetStage loads a single stage instance.
func (s *StageService) GetStage(ctx context.Context, buildID, stageID string) (*models.StageInstance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT stage_id, status, attempts, COALESCE(error, ''), events, artifacts, started_at, completed_at
		FROM build_stages WHERE build_id = $1 AND stage_id = $2`, buildID, stageID)

	var (
		st                   models.StageInstance
		eventsJSON, artJSON  []byte
		startedAt, completed sql.NullTime
	)
	err := row.Scan(&st.StageID, &st.Status, &st.Attempts, &st.Error,
		&eventsJSON, &artJSON, &startedAt, &completed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load stage: %w", err)
	}
	if startedAt.Valid {
		t := startedAt.Time
		st.StartedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		st.CompletedAt = &t
	}
	if len(eventsJSON) > 0 {
		if err := json.Unmarshal(eventsJSON, &st.Events); err != nil {
			return nil, fmt.Errorf("decoding stage events: %w", err)
		}
	}
	if len(artJSON) > 0 {
		if err := json.Unmarshal(artJSON, &st.Artifacts); err != nil {
			return nil, fmt.Errorf("decoding stage artifacts: %w", err)
		}
	}
	return &st, nil
}

// UpdateStageStatus transitions a stage, enforcing the per-definition state
// machine. Moving into running stamps started_at; terminal statuses stamp
// completed_at.
func (s *StageService) UpdateStageStatus(ctx context.Context, buildID, stageID string, status models.StageStatus) error {
	def, ok := s.reg.Get(stageID)
	if !ok {
		return fmt.Errorf("%w: unknown stage %q", ErrInvalidInput, stageID)
	}
	if !def.AllowsStatus(status) {
		return fmt.Errorf("%w: stage %s does not allow status %s", ErrInvalidTransition, stageID, status)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current models.StageStatus
	err = tx.QueryRowContext(ctx, `
		SELECT status FROM build_stages
		WHERE build_id = $1 AND stage_id = $2 FOR UPDATE`,
		buildID, stageID).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to load stage status: %w", err)
	}
	if !s.reg.CanTransition(stageID, current, status) {
		return fmt.Errorf("%w: stage %s %s -> %s", ErrInvalidTransition, stageID, current, status)
	}

	now := time.Now().UTC()
	switch {
	case status == models.StageStatusRunning:
		_, err = tx.ExecContext(ctx, `
			UPDATE build_stages
			SET status = $1, started_at = COALESCE(started_at, $2)
			WHERE build_id = $3 AND stage_id = $4`,
			status, now, buildID, stageID)
	case status.Terminal():
		_, err = tx.ExecContext(ctx, `
			UPDATE build_stages
			SET status = $1, completed_at = $2
			WHERE build_id = $3 AND stage_id = $4`,
			status, now, buildID, stageID)
	default:
		_, err = tx.ExecContext(ctx, `
			UPDATE build_stages SET status = $1
			WHERE build_id = $2 AND stage_id = $3`,
			status, buildID, stageID)
	}
	if err != nil {
		return fmt.Errorf("failed to update stage status: %w", err)
	}

	return tx.Commit()
}

// IncrementAttempts bumps the attempt counter and returns the new value.
func (s *StageService) IncrementAttempts(ctx context.Context, buildID, stageID string) (int, error) {
	var attempts int
	err := s.db.QueryRowContext(ctx, `
		UPDATE build_stages SET attempts = attempts + 1
		WHERE build_id = $1 AND stage_id = $2
		RETURNING attempts`, buildID, stageID).Scan(&attempts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("failed to increment attempts: %w", err)
	}
	return attempts, nil
}

// SetStageError records the stage-level error message.
func (s *StageService) SetStageError(ctx context.Context, buildID, stageID, message string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE build_stages SET error = $1
		WHERE build_id = $2 AND stage_id = $3`,
		message, buildID, stageID)
	if err != nil {
		return fmt.Errorf("failed to set stage error: %w", err)
	}
	return requireRow(res)
}

// ResetStage returns a stage to pending for a manual retry, clearing its
// error and timestamps but preserving the attempt counter.
func (s *StageService) ResetStage(ctx context.Context, buildID, stageID string) error {
	if !s.reg.IsRetryable(stageID) {
		return fmt.Errorf("%w: stage %s is not retryable", ErrInvalidInput, stageID)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE build_stages
		SET status = 'pending', error = NULL, started_at = NULL, completed_at = NULL
		WHERE build_id = $1 AND stage_id = $2 AND status IN ('failed','error','cancelled')`,
		buildID, stageID)
	if err != nil {
		return fmt.Errorf("failed to reset stage: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: stage %s is not in a failed state", ErrInvalidTransition, stageID)
	}
	return nil
}

// AppendStageEvent validates the event against the stage's payload schema and
// appends it to the stage's ordered event list. Only stages declaring
// multi-event support accept events.
func (s *StageService) AppendStageEvent(ctx context.Context, buildID string, event models.StageEvent) error {
	def, ok := s.reg.Get(event.StageID)
	if !ok {
		return fmt.Errorf("%w: unknown stage %q", ErrInvalidInput, event.StageID)
	}
	if !def.SupportsMultipleEvents {
		return fmt.Errorf("%w: stage %s does not support sub-events", ErrInvalidInput, event.StageID)
	}
	if event.Details != nil {
		if err := s.reg.ValidatePayload(event.StageID, event.Details); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	eventJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding stage event: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE build_stages SET events = events || $1::jsonb
		WHERE build_id = $2 AND stage_id = $3`,
		string(eventJSON), buildID, event.StageID)
	if err != nil {
		return fmt.Errorf("failed to append stage event: %w", err)
	}
	return requireRow(res)
}

// SetStageArtifacts replaces the stage's artifact list.
func (s *StageService) SetStageArtifacts(ctx context.Context, buildID, stageID string, artifacts []models.Artifact) error {
	artJSON, err := json.Marshal(artifacts)
	if err != nil {
		return fmt.Errorf("encoding artifacts: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE build_stages SET artifacts = $1
		WHERE build_id = $2 AND stage_id = $3`,
		artJSON, buildID, stageID)
	if err != nil {
		return fmt.Errorf("failed to set stage artifacts: %w", err)
	}
	return requireRow(res)
}
