// Package services holds the persistence layer: each service wraps a table
// group with plain SQL over the shared connection pool.
package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/appforge/appforge/pkg/models"
	"github.com/appforge/appforge/pkg/registry"
)

const buildColumns = `id, project_id, user_id, spec, status, progress,
	COALESCE(error, ''), stage_errors, artifacts, retry_hints, created_at, started_at, completed_at`

// BuildService manages build lifecycle persistence.
type BuildService struct {
	db  *sql.DB
	reg *registry.Registry
}

// NewBuildService creates a BuildService backed by the shared pool. The
// registry supplies the execution plan used to seed stage rows.
func NewBuildService(db *sql.DB, reg *registry.Registry) *BuildService {
	return &BuildService{db: db, reg: reg}
}

// CreateBuild validates the spec, inserts the build, and seeds one stage row
// per registered stage in execution-plan order.
func (s *BuildService) CreateBuild(ctx context.Context, req models.CreateBuildRequest) (*models.Build, error) {
	if req.UserID == "" {
		return nil, NewValidationError("user_id", "is required")
	}
	if req.Spec.ProjectName() == "" {
		return nil, NewValidationError("spec.projectName", "is required")
	}

	plan, err := s.reg.ExecutionPlan()
	if err != nil {
		return nil, fmt.Errorf("resolving stage plan: %w", err)
	}

	build := &models.Build{
		ID:        uuid.NewString(),
		ProjectID: req.ProjectID,
		UserID:    req.UserID,
		Spec:      req.Spec,
		Status:    models.BuildStatusPending,
		CreatedAt: time.Now().UTC(),
	}
	if build.ProjectID == "" {
		build.ProjectID = uuid.NewString()
	}
	for _, stageID := range plan {
		inst, err := s.reg.InstanceFor(stageID)
		if err != nil {
			return nil, fmt.Errorf("seeding stage %s: %w", stageID, err)
		}
		build.Stages = append(build.Stages, inst)
	}

	specJSON, err := json.Marshal(build.Spec)
	if err != nil {
		return nil, fmt.Errorf("encoding spec: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO builds (id, project_id, user_id, spec, status, progress, created_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6)`,
		build.ID, build.ProjectID, build.UserID, specJSON, build.Status, build.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert build: %w", err)
	}

	for _, st := range build.Stages {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO build_stages (build_id, stage_id, status, attempts)
			VALUES ($1, $2, $3, 0)`,
			build.ID, st.StageID, st.Status)
		if err != nil {
			return nil, fmt.Errorf("failed to insert stage %s: %w", st.StageID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit build: %w", err)
	}

	slog.Info("Build created", "build_id", build.ID, "user_id", build.UserID,
		"project", build.Spec.ProjectName(), "stages", len(build.Stages))
	return build, nil
}

// GetBuild loads a build with its stage instances.
func (s *BuildService) GetBuild(ctx context.Context, buildID string) (*models.Build, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+buildColumns+` FROM builds WHERE id = $1`, buildID)
	build, err := scanBuild(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load build: %w", err)
	}

	stages, err := s.loadStages(ctx, buildID)
	if err != nil {
		return nil, err
	}
	build.Stages = stages
	return build, nil
}

// ListBuilds returns builds matching the filters, newest first.
func (s *BuildService) ListBuilds(ctx context.Context, filters models.BuildFilters) (*models.BuildListResponse, error) {
	limit := filters.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	offset := filters.Offset
	if offset < 0 {
		offset = 0
	}

	where := "WHERE 1=1"
	args := []any{}
	n := 0
	if filters.UserID != "" {
		n++
		where += fmt.Sprintf(" AND user_id = $%d", n)
		args = append(args, filters.UserID)
	}
	if filters.ProjectID != "" {
		n++
		where += fmt.Sprintf(" AND project_id = $%d", n)
		args = append(args, filters.ProjectID)
	}
	if filters.Status != "" {
		n++
		where += fmt.Sprintf(" AND status = $%d", n)
		args = append(args, filters.Status)
	}
	if filters.CreatedAfter != nil {
		n++
		where += fmt.Sprintf(" AND created_at > $%d", n)
		args = append(args, *filters.CreatedAfter)
	}
	if filters.CreatedBefore != nil {
		n++
		where += fmt.Sprintf(" AND created_at < $%d", n)
		args = append(args, *filters.CreatedBefore)
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM builds `+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count builds: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM builds %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		buildColumns, where, n+1, n+2)
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list builds: %w", err)
	}
	defer rows.Close()

	resp := &models.BuildListResponse{TotalCount: total, Limit: limit, Offset: offset}
	for rows.Next() {
		build, err := scanBuild(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan build: %w", err)
		}
		resp.Builds = append(resp.Builds, build)
	}
	return resp, rows.Err()
}

// UpdateBuildStatus transitions a build's status, enforcing the state
// machine. Terminal transitions also stamp completed_at.
func (s *BuildService) UpdateBuildStatus(ctx context.Context, buildID string, status models.BuildStatus) error {
	current, err := s.getStatus(ctx, buildID)
	if err != nil {
		return err
	}
	if !current.CanTransition(status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
	}

	now := time.Now().UTC()
	var res sql.Result
	switch {
	case status == models.BuildStatusRunning:
		res, err = s.db.ExecContext(ctx,
			`UPDATE builds SET status = $1, started_at = COALESCE(started_at, $2) WHERE id = $3`,
			status, now, buildID)
	case status.Terminal():
		res, err = s.db.ExecContext(ctx,
			`UPDATE builds SET status = $1, completed_at = $2 WHERE id = $3`,
			status, now, buildID)
	default:
		res, err = s.db.ExecContext(ctx,
			`UPDATE builds SET status = $1 WHERE id = $2`, status, buildID)
	}
	if err != nil {
		return fmt.Errorf("failed to update build status: %w", err)
	}
	return requireRow(res)
}

// UpdateProgress persists a new progress value. Progress never decreases;
// regressions are ignored at the SQL level.
func (s *BuildService) UpdateProgress(ctx context.Context, buildID string, progress float64) error {
	if progress < 0 || progress > 100 {
		return NewValidationError("progress", "out of range [0,100]")
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE builds SET progress = GREATEST(progress, $1) WHERE id = $2`,
		progress, buildID)
	if err != nil {
		return fmt.Errorf("failed to update progress: %w", err)
	}
	return nil
}

// SetBuildError records the build-level error message.
func (s *BuildService) SetBuildError(ctx context.Context, buildID, message string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE builds SET error = $1 WHERE id = $2`, message, buildID)
	if err != nil {
		return fmt.Errorf("failed to set build error: %w", err)
	}
	return nil
}

// AppendStageError appends one attempt failure to the build's stage-error log.
func (s *BuildService) AppendStageError(ctx context.Context, buildID string, entry models.StageErrorEntry) error {
	entryJSON, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding stage error: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE builds SET stage_errors = stage_errors || $1::jsonb WHERE id = $2`,
		string(entryJSON), buildID)
	if err != nil {
		return fmt.Errorf("failed to append stage error: %w", err)
	}
	return nil
}

// AppendArtifacts merges new build-level artifacts into the artifact list.
func (s *BuildService) AppendArtifacts(ctx context.Context, buildID string, artifacts []models.Artifact) error {
	if len(artifacts) == 0 {
		return nil
	}
	artJSON, err := json.Marshal(artifacts)
	if err != nil {
		return fmt.Errorf("encoding artifacts: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE builds SET artifacts = artifacts || $1::jsonb WHERE id = $2`,
		string(artJSON), buildID)
	if err != nil {
		return fmt.Errorf("failed to append artifacts: %w", err)
	}
	return nil
}

// ClaimNextPendingBuild atomically claims the oldest pending build for a
// worker using FOR UPDATE SKIP LOCKED so concurrent workers never double
// claim.
func (s *BuildService) ClaimNextPendingBuild(ctx context.Context, workerID string) (*models.Build, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var buildID string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM builds
		WHERE status = 'pending'
		ORDER BY created_at
		LIMIT 1
		FOR UPDATE SKIP LOCKED`).Scan(&buildID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoBuildsAvailable
		}
		return nil, fmt.Errorf("failed to query pending build: %w", err)
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		UPDATE builds
		SET status = 'running', worker_id = $1, started_at = $2, last_heartbeat = $2
		WHERE id = $3`,
		workerID, now, buildID)
	if err != nil {
		return nil, fmt.Errorf("failed to claim build: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	return s.GetBuild(ctx, buildID)
}

// Heartbeat refreshes the claim timestamp for orphan detection.
func (s *BuildService) Heartbeat(ctx context.Context, buildID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE builds SET last_heartbeat = $1 WHERE id = $2`,
		time.Now().UTC(), buildID)
	return err
}

// CountRunning returns the number of builds currently running.
func (s *BuildService) CountRunning(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM builds WHERE status = 'running'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count running builds: %w", err)
	}
	return n, nil
}

// SetRetryHint records a provider to avoid when the given stage runs again.
func (s *BuildService) SetRetryHint(ctx context.Context, buildID, stageID, provider string) error {
	providerJSON, err := json.Marshal(provider)
	if err != nil {
		return fmt.Errorf("encoding retry hint: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE builds SET retry_hints = jsonb_set(retry_hints, ARRAY[$1], $2::jsonb) WHERE id = $3`,
		stageID, string(providerJSON), buildID)
	if err != nil {
		return fmt.Errorf("failed to set retry hint: %w", err)
	}
	return requireRow(res)
}

// CountPending returns the current queue depth.
func (s *BuildService) CountPending(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM builds WHERE status = 'pending'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending builds: %w", err)
	}
	return n, nil
}

// FindOrphanedBuilds returns running builds whose heartbeat is older than the
// threshold.
func (s *BuildService) FindOrphanedBuilds(ctx context.Context, threshold time.Duration) ([]string, error) {
	cutoff := time.Now().UTC().Add(-threshold)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM builds
		WHERE status = 'running' AND (last_heartbeat IS NULL OR last_heartbeat < $1)`,
		cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to find orphaned builds: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RequeueBuild returns a failed or orphaned build to the pending state so a
// worker picks it up again. Non-successful stages reset to pending; the
// error log is preserved.
func (s *BuildService) RequeueBuild(ctx context.Context, buildID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var status models.BuildStatus
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM builds WHERE id = $1 FOR UPDATE`, buildID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to load build: %w", err)
	}
	if status != models.BuildStatusFailed && status != models.BuildStatusRunning && status != models.BuildStatusCancelled {
		return fmt.Errorf("%w: cannot requeue build in status %s", ErrInvalidTransition, status)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE builds
		SET status = 'pending', error = NULL, worker_id = NULL,
		    started_at = NULL, completed_at = NULL, last_heartbeat = NULL
		WHERE id = $1`, buildID)
	if err != nil {
		return fmt.Errorf("failed to requeue build: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE build_stages
		SET status = 'pending', error = NULL, started_at = NULL, completed_at = NULL
		WHERE build_id = $1 AND status NOT IN ('done','created','passed','pushed','deployed')`,
		buildID)
	if err != nil {
		return fmt.Errorf("failed to reset stages: %w", err)
	}

	return tx.Commit()
}

// DeleteBuild removes a build and, via cascade, its stages and events.
func (s *BuildService) DeleteBuild(ctx context.Context, buildID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM builds WHERE id = $1`, buildID)
	if err != nil {
		return fmt.Errorf("failed to delete build: %w", err)
	}
	return requireRow(res)
}

// DeleteOldBuilds removes terminal builds that finished before the cutoff.
// Stages and events go with them via cascade. Safe to run from multiple
// replicas.
func (s *BuildService) DeleteOldBuilds(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM builds
		WHERE status IN ('completed', 'failed', 'cancelled')
		  AND completed_at IS NOT NULL
		  AND completed_at < $1`,
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old builds: %w", err)
	}
	return res.RowsAffected()
}

func (s *BuildService) getStatus(ctx context.Context, buildID string) (models.BuildStatus, error) {
	var status models.BuildStatus
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM builds WHERE id = $1`, buildID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to load build status: %w", err)
	}
	return status, nil
}

func (s *BuildService) loadStages(ctx context.Context, buildID string) ([]models.StageInstance, error) {
	plan, err := s.reg.ExecutionPlan()
	if err != nil {
		return nil, fmt.Errorf("resolving stage plan: %w", err)
	}
	position := make(map[string]int, len(plan))
	for i, id := range plan {
		position[id] = i
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT stage_id, status, attempts, COALESCE(error, ''), events, artifacts, started_at, completed_at
		FROM build_stages WHERE build_id = $1`, buildID)
	if err != nil {
		return nil, fmt.Errorf("failed to load stages: %w", err)
	}
	defer rows.Close()

	stages := make([]models.StageInstance, 0, len(plan))
	for rows.Next() {
		var (
			st                   models.StageInstance
			eventsJSON, artJSON  []byte
			startedAt, completed sql.NullTime
		)
		if err := rows.Scan(&st.StageID, &st.Status, &st.Attempts, &st.Error,
			&eventsJSON, &artJSON, &startedAt, &completed); err != nil {
			return nil, fmt.Errorf("failed to scan stage: %w", err)
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
		stages = append(stages, st)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Registry order, with unknown (removed) stages kept at the tail.
	ordered := make([]models.StageInstance, len(stages))
	copy(ordered, stages)
	sortStages(ordered, position)
	return ordered, nil
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanBuild(row scanner) (*models.Build, error) {
	var (
		b                    models.Build
		specJSON             []byte
		stageErrJSON         []byte
		artJSON              []byte
		hintsJSON            []byte
		startedAt, completed sql.NullTime
	)
	err := row.Scan(&b.ID, &b.ProjectID, &b.UserID, &specJSON, &b.Status, &b.Progress,
		&b.Error, &stageErrJSON, &artJSON, &hintsJSON, &b.CreatedAt, &startedAt, &completed)
	if err != nil {
		return nil, err
	}
	if startedAt.Valid {
		t := startedAt.Time
		b.StartedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		b.CompletedAt = &t
	}
	if err := json.Unmarshal(specJSON, &b.Spec); err != nil {
		return nil, fmt.Errorf("decoding spec: %w", err)
	}
	if len(stageErrJSON) > 0 {
		if err := json.Unmarshal(stageErrJSON, &b.StageErrors); err != nil {
			return nil, fmt.Errorf("decoding stage errors: %w", err)
		}
	}
	if len(artJSON) > 0 {
		if err := json.Unmarshal(artJSON, &b.Artifacts); err != nil {
			return nil, fmt.Errorf("decoding artifacts: %w", err)
		}
	}
	if len(hintsJSON) > 0 {
		if err := json.Unmarshal(hintsJSON, &b.RetryHints); err != nil {
			return nil, fmt.Errorf("decoding retry hints: %w", err)
		}
	}
	return &b, nil
}

func sortStages(stages []models.StageInstance, position map[string]int) {
	for i := 1; i < len(stages); i++ {
		for j := i; j > 0; j-- {
			pi, iok := position[stages[j-1].StageID]
			pj, jok := position[stages[j].StageID]
			if !iok {
				pi = len(position) + 1
			}
			if !jok {
				pj = len(position) + 1
			}
			if pj < pi {
				stages[j-1], stages[j] = stages[j], stages[j-1]
			} else {
				break
			}
		}
	}
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
