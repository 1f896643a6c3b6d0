package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appforge/appforge/pkg/config"
	"github.com/appforge/appforge/pkg/models"
	"github.com/appforge/appforge/pkg/services"
)

// fakeStore is an in-memory BuildStore with a single-slot queue.
type fakeStore struct {
	mu       sync.Mutex
	pending  []*models.Build
	running  int
	statuses map[string]models.BuildStatus
	errors   map[string]string
	requeued []string
	orphans  []string
	beats    int
}

func newFakeStore(pending ...*models.Build) *fakeStore {
	return &fakeStore{
		pending:  pending,
		statuses: make(map[string]models.BuildStatus),
		errors:   make(map[string]string),
	}
}

func (f *fakeStore) ClaimNextPendingBuild(_ context.Context, workerID string) (*models.Build, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pending) == 0 {
		return nil, services.ErrNoBuildsAvailable
	}
	build := f.pending[0]
	f.pending = f.pending[1:]
	f.running++
	f.statuses[build.ID] = models.BuildStatusRunning
	return build, nil
}

func (f *fakeStore) Heartbeat(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beats++
	return nil
}

func (f *fakeStore) CountRunning(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running, nil
}

func (f *fakeStore) CountPending(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending), nil
}

func (f *fakeStore) UpdateBuildStatus(_ context.Context, buildID string, status models.BuildStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statuses[buildID] == models.BuildStatusRunning && status.Terminal() {
		f.running--
	}
	f.statuses[buildID] = status
	return nil
}

func (f *fakeStore) SetBuildError(_ context.Context, buildID, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors[buildID] = message
	return nil
}

func (f *fakeStore) FindOrphanedBuilds(context.Context, time.Duration) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.orphans, nil
}

func (f *fakeStore) RequeueBuild(_ context.Context, buildID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requeued = append(f.requeued, buildID)
	return nil
}

func (f *fakeStore) statusOf(buildID string) models.BuildStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses[buildID]
}

// fakeExecutor runs a scripted function per build.
type fakeExecutor struct {
	mu       sync.Mutex
	executed []string
	fn       func(ctx context.Context, build *models.Build) *ExecutionResult
}

func (f *fakeExecutor) Execute(ctx context.Context, build *models.Build) *ExecutionResult {
	f.mu.Lock()
	f.executed = append(f.executed, build.ID)
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(ctx, build)
	}
	return &ExecutionResult{Status: models.BuildStatusCompleted}
}

type fakeSink struct {
	mu     sync.Mutex
	events []*services.BuildEvent
}

func (f *fakeSink) Publish(_ context.Context, ev *services.BuildEvent) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return int64(len(f.events)), nil
}

func (f *fakeSink) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.events))
	for i, ev := range f.events {
		out[i] = ev.Type
	}
	return out
}

func testQueueConfig() *config.QueueConfig {
	return &config.QueueConfig{
		WorkerCount:             1,
		MaxConcurrentBuilds:     2,
		PollInterval:            5 * time.Millisecond,
		PollIntervalJitter:      time.Millisecond,
		BuildTimeout:            time.Second,
		HeartbeatInterval:       10 * time.Millisecond,
		OrphanDetectionInterval: 10 * time.Millisecond,
		OrphanThreshold:         time.Minute,
	}
}

func testBuild(id string) *models.Build {
	return &models.Build{
		ID:     id,
		Status: models.BuildStatusPending,
		Spec:   models.ProjectSpec{"projectName": "todo"},
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatal("condition not met within deadline")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestWorkerProcessesBuildToCompletion(t *testing.T) {
	store := newFakeStore(testBuild("b1"))
	exec := &fakeExecutor{}
	sink := &fakeSink{}
	pool := NewWorkerPool("pod-1", store, testQueueConfig(), exec, sink)

	require.NoError(t, pool.Start(context.Background()))
	waitFor(t, func() bool { return store.statusOf("b1") == models.BuildStatusCompleted })
	pool.Stop()

	assert.Contains(t, sink.types(), "pipeline_update")
	assert.Contains(t, sink.types(), "pipeline_complete")
}

func TestWorkerRecordsFailureAndError(t *testing.T) {
	store := newFakeStore(testBuild("b1"))
	exec := &fakeExecutor{fn: func(context.Context, *models.Build) *ExecutionResult {
		return &ExecutionResult{
			Status: models.BuildStatusFailed,
			Error:  assert.AnError,
		}
	}}
	sink := &fakeSink{}
	pool := NewWorkerPool("pod-1", store, testQueueConfig(), exec, sink)

	require.NoError(t, pool.Start(context.Background()))
	waitFor(t, func() bool { return store.statusOf("b1") == models.BuildStatusFailed })
	pool.Stop()

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, assert.AnError.Error(), store.errors["b1"])
}

func TestWorkerSynthesizesResultOnNilExecutorReturn(t *testing.T) {
	store := newFakeStore(testBuild("b1"))
	exec := &fakeExecutor{fn: func(context.Context, *models.Build) *ExecutionResult {
		return nil
	}}
	pool := NewWorkerPool("pod-1", store, testQueueConfig(), exec, nil)

	require.NoError(t, pool.Start(context.Background()))
	waitFor(t, func() bool { return store.statusOf("b1") == models.BuildStatusFailed })
	pool.Stop()
}

func TestCancelBuildInterruptsExecution(t *testing.T) {
	store := newFakeStore(testBuild("b1"))
	started := make(chan struct{})
	exec := &fakeExecutor{fn: func(ctx context.Context, _ *models.Build) *ExecutionResult {
		close(started)
		<-ctx.Done()
		return &ExecutionResult{Status: models.BuildStatusCancelled, Error: ctx.Err()}
	}}
	pool := NewWorkerPool("pod-1", store, testQueueConfig(), exec, nil)

	require.NoError(t, pool.Start(context.Background()))
	<-started
	assert.True(t, pool.CancelBuild("b1"))
	waitFor(t, func() bool { return store.statusOf("b1") == models.BuildStatusCancelled })
	pool.Stop()

	assert.False(t, pool.CancelBuild("b1"), "cancel after unregister should miss")
}

func TestWorkerPublishesTerminalEventForCancelledBuild(t *testing.T) {
	store := newFakeStore(testBuild("b1"))
	exec := &fakeExecutor{fn: func(context.Context, *models.Build) *ExecutionResult {
		return &ExecutionResult{Status: models.BuildStatusCancelled, Error: context.Canceled}
	}}
	sink := &fakeSink{}
	pool := NewWorkerPool("pod-1", store, testQueueConfig(), exec, sink)

	require.NoError(t, pool.Start(context.Background()))
	waitFor(t, func() bool { return store.statusOf("b1") == models.BuildStatusCancelled })
	pool.Stop()

	// Cancelled ends the stream like completed does: subscribers must see a
	// terminal pipeline_complete, not a plain update.
	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.NotEmpty(t, sink.events)
	last := sink.events[len(sink.events)-1]
	assert.Equal(t, "pipeline_complete", last.Type)
	assert.Equal(t, string(models.BuildStatusCancelled), last.Status)
}

func TestWorkerRespectsCapacity(t *testing.T) {
	store := newFakeStore(testBuild("b1"))
	store.running = 2 // already at MaxConcurrentBuilds
	exec := &fakeExecutor{}
	pool := NewWorkerPool("pod-1", store, testQueueConfig(), exec, nil)

	require.NoError(t, pool.Start(context.Background()))
	time.Sleep(50 * time.Millisecond)
	pool.Stop()

	exec.mu.Lock()
	defer exec.mu.Unlock()
	assert.Empty(t, exec.executed)
}

func TestOrphanDetectionRequeuesStaleBuilds(t *testing.T) {
	store := newFakeStore()
	store.orphans = []string{"stale-1"}
	sink := &fakeSink{}
	pool := NewWorkerPool("pod-1", store, testQueueConfig(), &fakeExecutor{}, sink)

	require.NoError(t, pool.Start(context.Background()))
	waitFor(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.requeued) > 0
	})
	pool.Stop()

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Contains(t, store.requeued, "stale-1")
}

func TestOrphanDetectionSkipsOwnedBuilds(t *testing.T) {
	store := newFakeStore()
	store.orphans = []string{"mine"}
	pool := NewWorkerPool("pod-1", store, testQueueConfig(), &fakeExecutor{}, nil)
	pool.RegisterBuild("mine", func() {})

	require.NoError(t, pool.detectAndRecoverOrphans(context.Background()))

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Empty(t, store.requeued)
}

func TestRecoverStartupOrphans(t *testing.T) {
	store := newFakeStore()
	store.orphans = []string{"a", "b"}

	n, err := RecoverStartupOrphans(context.Background(), store, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, []string{"a", "b"}, store.requeued)
}

func TestPoolHealthReportsWorkersAndDepth(t *testing.T) {
	store := newFakeStore(testBuild("b1"), testBuild("b2"))
	blocker := make(chan struct{})
	exec := &fakeExecutor{fn: func(ctx context.Context, _ *models.Build) *ExecutionResult {
		<-blocker
		return &ExecutionResult{Status: models.BuildStatusCompleted}
	}}
	pool := NewWorkerPool("pod-1", store, testQueueConfig(), exec, nil)

	require.NoError(t, pool.Start(context.Background()))
	waitFor(t, func() bool {
		exec.mu.Lock()
		defer exec.mu.Unlock()
		return len(exec.executed) == 1
	})

	health := pool.Health()
	assert.True(t, health.IsHealthy)
	assert.True(t, health.DBReachable)
	assert.Equal(t, "pod-1", health.ReplicaID)
	assert.Equal(t, 1, health.TotalWorkers)
	assert.Equal(t, 1, health.ActiveWorkers)
	assert.Equal(t, 1, health.ActiveBuilds)

	close(blocker)
	pool.Stop()
}

func TestPollIntervalJitterStaysInRange(t *testing.T) {
	w := NewWorker("w", "pod", newFakeStore(), testQueueConfig(), &fakeExecutor{}, nil, nil)
	base := w.config.PollInterval
	jitter := w.config.PollIntervalJitter
	for i := 0; i < 100; i++ {
		d := w.pollInterval()
		assert.GreaterOrEqual(t, d, base-jitter)
		assert.LessOrEqual(t, d, base+jitter)
	}
}
