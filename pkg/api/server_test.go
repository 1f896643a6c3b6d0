package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appforge/appforge/pkg/database"
	"github.com/appforge/appforge/pkg/metrics"
	"github.com/appforge/appforge/pkg/models"
	"github.com/appforge/appforge/pkg/queue"
	"github.com/appforge/appforge/pkg/services"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeBuildStore is an in-memory BuildStore for handler tests.
type fakeBuildStore struct {
	builds     map[string]*models.Build
	statusSet  map[string]models.BuildStatus
	requeued   []string
	deleted    []string
	retryHints map[string]string // stageID -> provider
	listResp   *models.BuildListResponse
	lastFilter models.BuildFilters
}

func newFakeBuildStore() *fakeBuildStore {
	return &fakeBuildStore{
		builds:     make(map[string]*models.Build),
		statusSet:  make(map[string]models.BuildStatus),
		retryHints: make(map[string]string),
	}
}

func (f *fakeBuildStore) CreateBuild(_ context.Context, req models.CreateBuildRequest) (*models.Build, error) {
	if req.UserID == "" {
		return nil, services.NewValidationError("user_id", "is required")
	}
	if req.Spec.ProjectName() == "" {
		return nil, services.NewValidationError("spec.projectName", "is required")
	}
	b := &models.Build{
		ID:        "new-build",
		ProjectID: req.ProjectID,
		UserID:    req.UserID,
		Spec:      req.Spec,
		Status:    models.BuildStatusPending,
		CreatedAt: time.Now().UTC(),
	}
	f.builds[b.ID] = b
	return b, nil
}

func (f *fakeBuildStore) GetBuild(_ context.Context, buildID string) (*models.Build, error) {
	b, ok := f.builds[buildID]
	if !ok {
		return nil, services.ErrNotFound
	}
	return b, nil
}

func (f *fakeBuildStore) ListBuilds(_ context.Context, filters models.BuildFilters) (*models.BuildListResponse, error) {
	f.lastFilter = filters
	if f.listResp != nil {
		return f.listResp, nil
	}
	return &models.BuildListResponse{Builds: []*models.Build{}}, nil
}

func (f *fakeBuildStore) UpdateBuildStatus(_ context.Context, buildID string, status models.BuildStatus) error {
	f.statusSet[buildID] = status
	return nil
}

func (f *fakeBuildStore) RequeueBuild(_ context.Context, buildID string) error {
	b, ok := f.builds[buildID]
	if !ok {
		return services.ErrNotFound
	}
	if b.Status == models.BuildStatusCompleted || b.Status == models.BuildStatusPending {
		return services.ErrInvalidTransition
	}
	f.requeued = append(f.requeued, buildID)
	return nil
}

func (f *fakeBuildStore) DeleteBuild(_ context.Context, buildID string) error {
	f.deleted = append(f.deleted, buildID)
	return nil
}

func (f *fakeBuildStore) SetRetryHint(_ context.Context, _, stageID, provider string) error {
	f.retryHints[stageID] = provider
	return nil
}

type fakeStageStore struct {
	stages map[string]*models.StageInstance
	reset  []string
}

func (f *fakeStageStore) GetStage(_ context.Context, _, stageID string) (*models.StageInstance, error) {
	st, ok := f.stages[stageID]
	if !ok {
		return nil, services.ErrNotFound
	}
	return st, nil
}

func (f *fakeStageStore) ResetStage(_ context.Context, _, stageID string) error {
	st, ok := f.stages[stageID]
	if !ok {
		return services.ErrNotFound
	}
	if st.Status.TerminalSuccess() {
		return services.ErrInvalidTransition
	}
	f.reset = append(f.reset, stageID)
	return nil
}

type fakeEventStore struct {
	published []*services.BuildEvent
	deleted   []string
}

func (f *fakeEventStore) Publish(_ context.Context, ev *services.BuildEvent) (int64, error) {
	f.published = append(f.published, ev)
	return int64(len(f.published)), nil
}

func (f *fakeEventStore) DeleteEventsForBuild(_ context.Context, buildID string) (int64, error) {
	f.deleted = append(f.deleted, buildID)
	return 1, nil
}

type fakePool struct {
	healthy   bool
	cancelled []string
	cancelOK  bool
}

func (f *fakePool) CancelBuild(buildID string) bool {
	f.cancelled = append(f.cancelled, buildID)
	return f.cancelOK
}

func (f *fakePool) Health() *queue.PoolHealth {
	return &queue.PoolHealth{IsHealthy: f.healthy, DBReachable: f.healthy}
}

type fakeDB struct{ err error }

func (f *fakeDB) Health(context.Context) (*database.HealthStatus, error) {
	return &database.HealthStatus{Status: "healthy"}, f.err
}

type fakeStats struct{}

func (fakeStats) GetStats(context.Context) metrics.Stats {
	return metrics.Stats{CallsTotal: 42}
}

type testEnv struct {
	builds *fakeBuildStore
	stages *fakeStageStore
	events *fakeEventStore
	pool   *fakePool
	router *gin.Engine
}

func newTestEnv() *testEnv {
	builds := newFakeBuildStore()
	stages := &fakeStageStore{stages: make(map[string]*models.StageInstance)}
	evts := &fakeEventStore{}
	pool := &fakePool{healthy: true, cancelOK: true}
	auth := NewStaticAuthenticator(map[string]string{
		"alice-token": "alice",
		"bob-token":   "bob",
	})
	srv := NewServer(builds, stages, evts, pool, &fakeDB{}, fakeStats{}, nil, auth)
	return &testEnv{builds: builds, stages: stages, events: evts, pool: pool, router: srv.Router()}
}

func (e *testEnv) seedBuild(id, userID string, status models.BuildStatus) *models.Build {
	b := &models.Build{
		ID:     id,
		UserID: userID,
		Spec:   models.ProjectSpec{"projectName": "Demo"},
		Status: status,
	}
	e.builds.builds[id] = b
	return b
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func TestCreatePipeline(t *testing.T) {
	env := newTestEnv()
	w := env.do(t, http.MethodPost, "/api/v1/pipelines", "alice-token", models.CreateBuildRequest{
		ProjectID: "p1",
		Spec:      models.ProjectSpec{"projectName": "Demo"},
	})

	require.Equal(t, http.StatusAccepted, w.Code)
	var build models.Build
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &build))
	assert.Equal(t, "alice", build.UserID)
	assert.Equal(t, models.BuildStatusPending, build.Status)
}

func TestCreatePipelineRejectsInvalidSpec(t *testing.T) {
	env := newTestEnv()
	w := env.do(t, http.MethodPost, "/api/v1/pipelines", "alice-token", models.CreateBuildRequest{
		Spec: models.ProjectSpec{},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPipelineEndpointsRequireAuth(t *testing.T) {
	env := newTestEnv()
	assert.Equal(t, http.StatusUnauthorized,
		env.do(t, http.MethodGet, "/api/v1/pipelines", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized,
		env.do(t, http.MethodGet, "/api/v1/pipelines", "wrong-token", nil).Code)
}

func TestGetPipelineOwnership(t *testing.T) {
	env := newTestEnv()
	env.seedBuild("b1", "alice", models.BuildStatusRunning)

	assert.Equal(t, http.StatusOK,
		env.do(t, http.MethodGet, "/api/v1/pipelines/b1", "alice-token", nil).Code)
	assert.Equal(t, http.StatusForbidden,
		env.do(t, http.MethodGet, "/api/v1/pipelines/b1", "bob-token", nil).Code)
	assert.Equal(t, http.StatusNotFound,
		env.do(t, http.MethodGet, "/api/v1/pipelines/nope", "alice-token", nil).Code)
}

func TestListPipelinesScopesToUser(t *testing.T) {
	env := newTestEnv()
	w := env.do(t, http.MethodGet, "/api/v1/pipelines?status=failed&limit=10", "alice-token", nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alice", env.builds.lastFilter.UserID)
	assert.Equal(t, models.BuildStatusFailed, env.builds.lastFilter.Status)
	assert.Equal(t, 10, env.builds.lastFilter.Limit)
}

func TestCancelRunningPipelineLocally(t *testing.T) {
	env := newTestEnv()
	env.seedBuild("b1", "alice", models.BuildStatusRunning)

	w := env.do(t, http.MethodPost, "/api/v1/pipelines/b1/cancel", "alice-token", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []string{"b1"}, env.pool.cancelled)
	// The local worker writes the terminal status; no direct status write.
	assert.Empty(t, env.builds.statusSet)
}

func TestCancelRunningPipelineOnOtherReplica(t *testing.T) {
	env := newTestEnv()
	env.pool.cancelOK = false
	env.seedBuild("b1", "alice", models.BuildStatusRunning)

	w := env.do(t, http.MethodPost, "/api/v1/pipelines/b1/cancel", "alice-token", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, models.BuildStatusCancelled, env.builds.statusSet["b1"])
	require.Len(t, env.events.published, 1)
	// Cancelled is terminal: subscribers get pipeline_complete, not an update.
	assert.Equal(t, "pipeline_complete", env.events.published[0].Type)
	assert.Equal(t, string(models.BuildStatusCancelled), env.events.published[0].Status)
}

func TestCancelPendingPipeline(t *testing.T) {
	env := newTestEnv()
	env.seedBuild("b1", "alice", models.BuildStatusPending)

	w := env.do(t, http.MethodPost, "/api/v1/pipelines/b1/cancel", "alice-token", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Empty(t, env.pool.cancelled)
	assert.Equal(t, models.BuildStatusCancelled, env.builds.statusSet["b1"])
}

func TestCancelFinishedPipelineConflicts(t *testing.T) {
	env := newTestEnv()
	env.seedBuild("b1", "alice", models.BuildStatusCompleted)

	w := env.do(t, http.MethodPost, "/api/v1/pipelines/b1/cancel", "alice-token", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestRetryFailedPipeline(t *testing.T) {
	env := newTestEnv()
	env.seedBuild("b1", "alice", models.BuildStatusFailed)

	w := env.do(t, http.MethodPost, "/api/v1/pipelines/b1/retry", "alice-token", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []string{"b1"}, env.builds.requeued)
}

func TestRetryCompletedPipelineConflicts(t *testing.T) {
	env := newTestEnv()
	env.seedBuild("b1", "alice", models.BuildStatusCompleted)

	w := env.do(t, http.MethodPost, "/api/v1/pipelines/b1/retry", "alice-token", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestRetryStageWithAlternativeModel(t *testing.T) {
	env := newTestEnv()
	b := env.seedBuild("b1", "alice", models.BuildStatusFailed)
	b.StageErrors = []models.StageErrorEntry{
		{StageID: "creating_schema", Attempt: 1, Provider: "openai"},
		{StageID: "creating_schema", Attempt: 3, Provider: "anthropic", IsFinalFailure: true},
	}
	env.stages.stages["creating_schema"] = &models.StageInstance{
		StageID: "creating_schema", Status: models.StageStatusError,
	}

	w := env.do(t, http.MethodPost, "/api/v1/pipelines/b1/stages/creating_schema/retry",
		"alice-token", models.RetryStageRequest{UseAlternativeModel: true})

	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "anthropic", env.builds.retryHints["creating_schema"])
	assert.Equal(t, []string{"creating_schema"}, env.stages.reset)
	assert.Equal(t, []string{"b1"}, env.builds.requeued)
}

func TestRetryStageWithoutHintSkipsExclusion(t *testing.T) {
	env := newTestEnv()
	env.seedBuild("b1", "alice", models.BuildStatusFailed)
	env.stages.stages["creating_schema"] = &models.StageInstance{
		StageID: "creating_schema", Status: models.StageStatusError,
	}

	w := env.do(t, http.MethodPost, "/api/v1/pipelines/b1/stages/creating_schema/retry",
		"alice-token", nil)

	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Empty(t, env.builds.retryHints)
}

func TestRetryStageOnRunningBuildConflicts(t *testing.T) {
	env := newTestEnv()
	env.seedBuild("b1", "alice", models.BuildStatusRunning)

	w := env.do(t, http.MethodPost, "/api/v1/pipelines/b1/stages/creating_schema/retry",
		"alice-token", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestRetryUnknownStage(t *testing.T) {
	env := newTestEnv()
	env.seedBuild("b1", "alice", models.BuildStatusFailed)

	w := env.do(t, http.MethodPost, "/api/v1/pipelines/b1/stages/nonsense/retry",
		"alice-token", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeletePipeline(t *testing.T) {
	env := newTestEnv()
	env.seedBuild("b1", "alice", models.BuildStatusCompleted)

	w := env.do(t, http.MethodDelete, "/api/v1/pipelines/b1", "alice-token", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"b1"}, env.events.deleted)
	assert.Equal(t, []string{"b1"}, env.builds.deleted)
}

func TestDeleteActivePipelineConflicts(t *testing.T) {
	env := newTestEnv()
	env.seedBuild("b1", "alice", models.BuildStatusRunning)

	w := env.do(t, http.MethodDelete, "/api/v1/pipelines/b1", "alice-token", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Empty(t, env.builds.deleted)
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv()
	w := env.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHealthUnhealthyPool(t *testing.T) {
	env := newTestEnv()
	env.pool.healthy = false
	w := env.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestStatsEndpoint(t *testing.T) {
	env := newTestEnv()
	w := env.do(t, http.MethodGet, "/api/v1/stats", "alice-token", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats metrics.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, int64(42), stats.CallsTotal)
}
