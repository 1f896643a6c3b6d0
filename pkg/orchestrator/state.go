package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/appforge/appforge/pkg/models"
	"github.com/appforge/appforge/pkg/registry"
	"github.com/appforge/appforge/pkg/services"
)

// Workspace accumulates generated files across the stages of one build. It
// is owned by the build's execution goroutine; the mutex only guards against
// handlers that fan sub-tasks out internally.
type Workspace struct {
	mu    sync.Mutex
	files map[string]FileArtifact
	order []string
}

// NewWorkspace returns an empty workspace.
func NewWorkspace() *Workspace {
	return &Workspace{files: make(map[string]FileArtifact)}
}

// Put adds or replaces a file.
func (w *Workspace) Put(f FileArtifact) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, exists := w.files[f.Path]; !exists {
		w.order = append(w.order, f.Path)
	}
	w.files[f.Path] = f
}

// Get returns a file by path.
func (w *Workspace) Get(path string) (FileArtifact, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	f, ok := w.files[path]
	return f, ok
}

// Files returns all files in insertion order.
func (w *Workspace) Files() []FileArtifact {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]FileArtifact, 0, len(w.order))
	for _, path := range w.order {
		out = append(out, w.files[path])
	}
	return out
}

// Len returns the number of files.
func (w *Workspace) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.files)
}

// StageContext is the execution environment handed to a stage handler.
type StageContext struct {
	Build         *models.Build
	Def           registry.StageDefinition
	Router        TaskRouter
	Workspace     *Workspace
	CorrelationID string

	// Exclude lists providers the router must skip, set when a stage is
	// retried with an alternative model.
	Exclude []string

	emit          func(ctx context.Context, message string, status models.StageStatus, details map[string]any) error
	setEventTotal func(total int)
	eventsDone    int
	eventsTotal   int
}

// Emit publishes one sub-event. Only valid for multi-event stages; it is a
// cancellation boundary.
func (sc *StageContext) Emit(ctx context.Context, message string, status models.StageStatus, details map[string]any) error {
	return sc.emit(ctx, message, status, details)
}

// SetEventTotal declares how many sub-events this stage expects, enabling
// partial progress credit.
func (sc *StageContext) SetEventTotal(total int) {
	sc.eventsTotal = total
	if sc.setEventTotal != nil {
		sc.setEventTotal(total)
	}
}

// StageResult is a successful stage attempt's outcome.
type StageResult struct {
	// Status is the terminal success status; empty picks the definition's
	// first completion status.
	Status    models.StageStatus
	Summary   string
	Artifacts []models.Artifact
	Details   map[string]any
}

// StageHandler executes one stage attempt.
type StageHandler func(ctx context.Context, sc *StageContext) (*StageResult, error)

// buildRun tracks per-execution stage state, including resume bookkeeping.
type buildRun struct {
	workspace *Workspace
	exclude   []string

	satisfiedSet map[string]bool
	artifacts    []models.Artifact
}

func newBuildRun(build *models.Build, plan []string) *buildRun {
	run := &buildRun{
		workspace:    NewWorkspace(),
		satisfiedSet: make(map[string]bool, len(plan)),
	}
	for i := range build.Stages {
		st := &build.Stages[i]
		// Resume: stages that already ended, successfully or not, are not
		// re-run. Failed critical stages would have failed the build; a
		// failed stage seen here was non-critical.
		if st.Status.Terminal() && st.Status != models.StageStatusCancelled {
			run.satisfiedSet[st.StageID] = true
		}
	}
	for stageID, provider := range build.RetryHints {
		_ = stageID
		run.exclude = appendUnique(run.exclude, provider)
	}
	return run
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

func (r *buildRun) satisfied(stageID string) bool { return r.satisfiedSet[stageID] }
func (r *buildRun) markDone(stageID string)       { r.satisfiedSet[stageID] = true }
func (r *buildRun) markFailed(stageID string)     { r.satisfiedSet[stageID] = true }

func (r *buildRun) completedCount() int { return len(r.satisfiedSet) }

func (r *buildRun) addArtifacts(arts []models.Artifact) {
	r.artifacts = append(r.artifacts, arts...)
}

func (r *buildRun) buildArtifacts() []models.Artifact { return r.artifacts }

// progressTracker computes deterministic progress and throttles
// notifications to at most one per second (terminal transitions always
// emit).
type progressTracker struct {
	exec    *Executor
	buildID string
	total   int

	mu          sync.Mutex
	completed   int
	eventsDone  int
	eventsTotal int
	lastEmit    time.Time
	lastValue   float64
	now         func() time.Time
}

func newProgressTracker(exec *Executor, buildID string, total int) *progressTracker {
	return &progressTracker{exec: exec, buildID: buildID, total: total, now: time.Now}
}

func (t *progressTracker) seed(completed int) {
	t.mu.Lock()
	t.completed = completed
	t.lastValue = t.valueLocked()
	t.mu.Unlock()
}

// valueLocked is completed/total with partial credit for the active
// multi-event stage.
func (t *progressTracker) valueLocked() float64 {
	if t.total == 0 {
		return 100
	}
	partial := 0.0
	if t.eventsTotal > 0 {
		partial = float64(t.eventsDone) / float64(t.eventsTotal)
		if partial > 1 {
			partial = 1
		}
	}
	v := (float64(t.completed) + partial) / float64(t.total) * 100
	if v > 100 {
		v = 100
	}
	return v
}

func (t *progressTracker) setStageEvents(done, total int) {
	t.mu.Lock()
	t.eventsDone, t.eventsTotal = done, total
	t.mu.Unlock()
}

func (t *progressTracker) stageCompleted(ctx context.Context) {
	t.mu.Lock()
	t.completed++
	t.eventsDone, t.eventsTotal = 0, 0
	t.mu.Unlock()
	t.publish(ctx, true)
}

func (t *progressTracker) maybePublish(ctx context.Context) {
	t.publish(ctx, false)
}

func (t *progressTracker) complete(ctx context.Context) {
	t.mu.Lock()
	t.completed = t.total
	t.eventsDone, t.eventsTotal = 0, 0
	t.mu.Unlock()
	t.publish(ctx, true)
}

func (t *progressTracker) publish(ctx context.Context, force bool) {
	t.mu.Lock()
	value := t.valueLocked()
	if value < t.lastValue {
		value = t.lastValue // progress never decreases
	}
	if !force && t.now().Sub(t.lastEmit) < progressMinInterval {
		t.mu.Unlock()
		return
	}
	if !force && value == t.lastValue {
		t.mu.Unlock()
		return
	}
	t.lastEmit = t.now()
	t.lastValue = value
	t.mu.Unlock()

	if err := t.exec.builds.UpdateProgress(ctx, t.buildID, value); err != nil {
		slog.Warn("Failed to persist progress", "build_id", t.buildID, "error", err)
	}
	if t.exec.events != nil {
		if _, err := t.exec.events.Publish(ctx, &services.BuildEvent{
			BuildID: t.buildID,
			Type:    "pipeline_update",
			Status:  string(models.BuildStatusRunning),
			Message: "progress",
			Details: map[string]any{"progress": value},
		}); err != nil {
			slog.Warn("Failed to publish progress", "build_id", t.buildID, "error", err)
		}
	}
}
