package services

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appforge/appforge/pkg/models"
	"github.com/appforge/appforge/pkg/registry"
)

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New()
	err := reg.Register(
		registry.StageDefinition{
			ID:    "plan",
			Label: "Plan",
			AllowedStatuses: []models.StageStatus{
				models.StageStatusPending, models.StageStatusRunning,
				models.StageStatusDone, models.StageStatusError, models.StageStatusCancelled,
			},
			Timeout:   time.Minute,
			Retryable: true,
			Retries:   2,
		},
		registry.StageDefinition{
			ID:    "code",
			Label: "Code",
			AllowedStatuses: []models.StageStatus{
				models.StageStatusPending, models.StageStatusRunning,
				models.StageStatusDone, models.StageStatusFailed,
				models.StageStatusError, models.StageStatusCancelled,
			},
			Dependencies:           []string{"plan"},
			SupportsMultipleEvents: true,
			Timeout:                5 * time.Minute,
			Retryable:              true,
			Retries:                2,
		},
	)
	require.NoError(t, err)
	reg.Seal()
	return reg
}

func newMock(t *testing.T) (*BuildService, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewBuildService(db, testRegistry(t)), mock
}

func TestCreateBuildInsertsStageRows(t *testing.T) {
	svc, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO builds`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO build_stages`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO build_stages`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	build, err := svc.CreateBuild(context.Background(), models.CreateBuildRequest{
		UserID: "user-1",
		Spec:   models.ProjectSpec{"projectName": "todo-app"},
	})
	require.NoError(t, err)

	assert.NotEmpty(t, build.ID)
	assert.NotEmpty(t, build.ProjectID)
	assert.Equal(t, models.BuildStatusPending, build.Status)
	require.Len(t, build.Stages, 2)
	assert.Equal(t, "plan", build.Stages[0].StageID)
	assert.Equal(t, "code", build.Stages[1].StageID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateBuildRequiresUserAndProjectName(t *testing.T) {
	svc, _ := newMock(t)

	_, err := svc.CreateBuild(context.Background(), models.CreateBuildRequest{
		Spec: models.ProjectSpec{"projectName": "x"},
	})
	assert.True(t, IsValidationError(err))

	_, err = svc.CreateBuild(context.Background(), models.CreateBuildRequest{
		UserID: "user-1",
		Spec:   models.ProjectSpec{},
	})
	assert.True(t, IsValidationError(err))
}

func buildRows(id string, status models.BuildStatus) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "project_id", "user_id", "spec", "status", "progress",
		"error", "stage_errors", "artifacts", "retry_hints", "created_at", "started_at", "completed_at",
	}).AddRow(id, "proj-1", "user-1", []byte(`{"projectName":"todo-app"}`),
		string(status), 0.0, "", []byte(`[]`), []byte(`[]`), []byte(`{}`), time.Now().UTC(), nil, nil)
}

func TestGetBuildAssemblesStages(t *testing.T) {
	svc, mock := newMock(t)

	mock.ExpectQuery(`SELECT .+ FROM builds WHERE id`).
		WithArgs("b1").
		WillReturnRows(buildRows("b1", models.BuildStatusRunning))
	mock.ExpectQuery(`SELECT .+ FROM build_stages WHERE build_id`).
		WithArgs("b1").
		WillReturnRows(sqlmock.NewRows([]string{
			"stage_id", "status", "attempts", "error", "events", "artifacts", "started_at", "completed_at",
		}).
			AddRow("code", "pending", 0, "", []byte(`[]`), []byte(`[]`), nil, nil).
			AddRow("plan", "done", 1, "", []byte(`[]`), []byte(`[]`), nil, nil))

	build, err := svc.GetBuild(context.Background(), "b1")
	require.NoError(t, err)

	assert.Equal(t, "todo-app", build.Spec.ProjectName())
	require.Len(t, build.Stages, 2)
	// Registry order wins over row order.
	assert.Equal(t, "plan", build.Stages[0].StageID)
	assert.Equal(t, "code", build.Stages[1].StageID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetBuildNotFound(t *testing.T) {
	svc, mock := newMock(t)

	mock.ExpectQuery(`SELECT .+ FROM builds WHERE id`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "project_id", "user_id", "spec", "status", "progress",
			"error", "stage_errors", "artifacts", "retry_hints", "created_at", "started_at", "completed_at",
		}))

	_, err := svc.GetBuild(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateBuildStatusRejectsInvalidTransition(t *testing.T) {
	svc, mock := newMock(t)

	mock.ExpectQuery(`SELECT status FROM builds`).
		WithArgs("b1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("completed"))

	err := svc.UpdateBuildStatus(context.Background(), "b1", models.BuildStatusRunning)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestUpdateBuildStatusStampsCompletion(t *testing.T) {
	svc, mock := newMock(t)

	mock.ExpectQuery(`SELECT status FROM builds`).
		WithArgs("b1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("running"))
	mock.ExpectExec(`UPDATE builds SET status = \$1, completed_at`).
		WithArgs("completed", sqlmock.AnyArg(), "b1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := svc.UpdateBuildStatus(context.Background(), "b1", models.BuildStatusCompleted)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateProgressValidatesRange(t *testing.T) {
	svc, _ := newMock(t)

	assert.True(t, IsValidationError(svc.UpdateProgress(context.Background(), "b1", -1)))
	assert.True(t, IsValidationError(svc.UpdateProgress(context.Background(), "b1", 101)))
}

func TestClaimNextPendingBuildNoWork(t *testing.T) {
	svc, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	_, err := svc.ClaimNextPendingBuild(context.Background(), "worker-1")
	assert.ErrorIs(t, err, ErrNoBuildsAvailable)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimNextPendingBuildClaimsOldest(t *testing.T) {
	svc, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("b1"))
	mock.ExpectExec(`UPDATE builds`).
		WithArgs("worker-1", sqlmock.AnyArg(), "b1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectQuery(`SELECT .+ FROM builds WHERE id`).
		WithArgs("b1").
		WillReturnRows(buildRows("b1", models.BuildStatusRunning))
	mock.ExpectQuery(`SELECT .+ FROM build_stages WHERE build_id`).
		WithArgs("b1").
		WillReturnRows(sqlmock.NewRows([]string{
			"stage_id", "status", "attempts", "error", "events", "artifacts", "started_at", "completed_at",
		}))

	build, err := svc.ClaimNextPendingBuild(context.Background(), "worker-1")
	require.NoError(t, err)
	assert.Equal(t, "b1", build.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStageServiceRejectsDisallowedStatus(t *testing.T) {
	db, _, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()
	svc := NewStageService(db, testRegistry(t))

	// "plan" does not allow "passed".
	err = svc.UpdateStageStatus(context.Background(), "b1", "plan", models.StageStatusPassed)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	err = svc.UpdateStageStatus(context.Background(), "b1", "nope", models.StageStatusDone)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestStageServiceRejectsEventsOnSingleEventStage(t *testing.T) {
	db, _, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()
	svc := NewStageService(db, testRegistry(t))

	err = svc.AppendStageEvent(context.Background(), "b1", models.StageEvent{
		StageID: "plan", Message: "x",
	})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestStageServiceAppendsEvent(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()
	svc := NewStageService(db, testRegistry(t))

	mock.ExpectExec(`UPDATE build_stages SET events`).
		WithArgs(sqlmock.AnyArg(), "b1", "code").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = svc.AppendStageEvent(context.Background(), "b1", models.StageEvent{
		StageID: "code", Message: "generated main.go", Status: models.StageStatusRunning,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEventServicePublishesInOneTransaction(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()
	svc := NewEventService(db)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO build_events`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(41)))
	mock.ExpectExec(`pg_notify`).
		WithArgs(NotifyChannel, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	id, err := svc.Publish(context.Background(), &BuildEvent{
		BuildID: "b1", Type: "stage_update", StageID: "code", Message: "running",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(41), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEventServiceValidatesRequiredFields(t *testing.T) {
	db, _, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()
	svc := NewEventService(db)

	_, err = svc.Publish(context.Background(), &BuildEvent{Type: "stage_update"})
	assert.True(t, IsValidationError(err))
	_, err = svc.Publish(context.Background(), &BuildEvent{BuildID: "b1"})
	assert.True(t, IsValidationError(err))
}

func TestEventServiceListsAfterID(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()
	svc := NewEventService(db)

	mock.ExpectQuery(`FROM build_events`).
		WithArgs("b1", int64(10), 100).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "build_id", "stage_id", "type", "status", "message", "details", "created_at",
		}).
			AddRow(int64(11), "b1", "plan", "stage_update", "done", "", []byte(`{}`), time.Now()).
			AddRow(int64(12), "b1", "code", "stage_update", "running", "", nil, time.Now()))

	events, err := svc.ListEventsAfter(context.Background(), "b1", 10, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(11), events[0].ID)
	assert.Equal(t, int64(12), events[1].ID)
}

func TestMetricsServiceRecordsLLMCall(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()
	svc := NewMetricsService(db)
	svc.now = func() time.Time { return time.Date(2026, 3, 14, 15, 9, 0, 0, time.UTC) }

	mock.ExpectExec(`INSERT INTO daily_metrics`).
		WithArgs(time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC), "anthropic-primary",
			1, int64(1200), 0.012).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = svc.RecordLLMCall(context.Background(), "anthropic-primary", 1200, 0.012, true)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMetricsServiceRejectsNonTerminalStatus(t *testing.T) {
	db, _, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()
	svc := NewMetricsService(db)

	err = svc.RecordBuildFinished(context.Background(), "running")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestMetricsServiceSumsDailyCost(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()
	svc := NewMetricsService(db)

	mock.ExpectQuery(`SUM\(total_cost\)`).
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(4.2))

	cost, err := svc.DailyCost(context.Background(), time.Now())
	require.NoError(t, err)
	assert.InDelta(t, 4.2, cost, 1e-9)
}
