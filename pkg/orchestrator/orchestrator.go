// Package orchestrator drives a single build end to end: it walks the stage
// plan in dependency order, invokes stage handlers, retries failed attempts,
// tracks progress, and publishes events.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/appforge/appforge/pkg/llm"
	"github.com/appforge/appforge/pkg/models"
	"github.com/appforge/appforge/pkg/queue"
	"github.com/appforge/appforge/pkg/registry"
	"github.com/appforge/appforge/pkg/router"
	"github.com/appforge/appforge/pkg/services"
)

const (
	retryBackoffBase = 500 * time.Millisecond
	retryBackoffCap  = 30 * time.Second

	// progressMinInterval throttles progress notifications.
	progressMinInterval = time.Second
)

// BuildStore is the build-level persistence the executor needs.
type BuildStore interface {
	UpdateBuildStatus(ctx context.Context, buildID string, status models.BuildStatus) error
	UpdateProgress(ctx context.Context, buildID string, progress float64) error
	SetBuildError(ctx context.Context, buildID, message string) error
	AppendStageError(ctx context.Context, buildID string, entry models.StageErrorEntry) error
	AppendArtifacts(ctx context.Context, buildID string, artifacts []models.Artifact) error
}

// StageStore is the stage-level persistence the executor needs.
type StageStore interface {
	UpdateStageStatus(ctx context.Context, buildID, stageID string, status models.StageStatus) error
	IncrementAttempts(ctx context.Context, buildID, stageID string) (int, error)
	SetStageError(ctx context.Context, buildID, stageID, message string) error
	AppendStageEvent(ctx context.Context, buildID string, event models.StageEvent) error
	SetStageArtifacts(ctx context.Context, buildID, stageID string, artifacts []models.Artifact) error
}

// EventSink publishes build events.
type EventSink interface {
	Publish(ctx context.Context, event *services.BuildEvent) (int64, error)
}

// TaskRouter routes model work to a provider.
type TaskRouter interface {
	RouteTask(ctx context.Context, task *router.Task) (*router.TaskResponse, error)
}

// BuildMetrics records build lifecycle counters. May be nil.
type BuildMetrics interface {
	RecordBuildStarted(ctx context.Context) error
	RecordBuildFinished(ctx context.Context, status string) error
}

// Executor implements queue.BuildExecutor over the stage registry.
type Executor struct {
	reg      *registry.Registry
	builds   BuildStore
	stages   StageStore
	events   EventSink
	router   TaskRouter
	metrics  BuildMetrics
	handlers map[string]StageHandler

	// sleep is swapped in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewExecutor wires an executor with the built-in stage handlers.
// metrics may be nil.
func NewExecutor(reg *registry.Registry, builds BuildStore, stages StageStore, events EventSink, r TaskRouter, metrics BuildMetrics) *Executor {
	e := &Executor{
		reg:     reg,
		builds:  builds,
		stages:  stages,
		events:  events,
		router:  r,
		metrics: metrics,
		sleep:   sleepCtx,
	}
	e.handlers = builtinHandlers()
	return e
}

// RegisterHandler installs or overrides the handler for a stage id.
func (e *Executor) RegisterHandler(stageID string, h StageHandler) {
	e.handlers[stageID] = h
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// errStageFailed marks a stage that exhausted its attempts. The message
// carries the human-readable stage label and the attempts actually run.
type errStageFailed struct {
	label    string
	attempts int
	cause    error
}

func (e *errStageFailed) Error() string {
	return fmt.Sprintf("stage %s failed after %d attempts: %v", e.label, e.attempts, e.cause)
}

func (e *errStageFailed) Unwrap() error { return e.cause }

// Execute runs the build to a terminal state. A RUNNING build claimed after a
// restart resumes from its last incomplete stage.
func (e *Executor) Execute(ctx context.Context, build *models.Build) *queue.ExecutionResult {
	log := slog.With("build_id", build.ID)

	if e.metrics != nil {
		if err := e.metrics.RecordBuildStarted(ctx); err != nil {
			log.Warn("Failed to record build start", "error", err)
		}
	}

	plan, err := e.reg.ExecutionPlan()
	if err != nil {
		return e.finish(ctx, build, models.BuildStatusFailed, fmt.Errorf("resolving stage plan: %w", err))
	}

	run := newBuildRun(build, plan)
	tracker := newProgressTracker(e, build.ID, len(plan))
	tracker.seed(run.completedCount())

	for _, stageID := range plan {
		if ctx.Err() != nil {
			return e.finish(ctx, build, models.BuildStatusCancelled, context.Cause(ctx))
		}
		if run.satisfied(stageID) {
			continue // resume: stage already reached a terminal status
		}

		def, ok := e.reg.Get(stageID)
		if !ok {
			return e.finish(ctx, build, models.BuildStatusFailed, fmt.Errorf("stage %s not registered", stageID))
		}

		err := e.executeStageWithRetry(ctx, build, def, run, tracker)
		switch {
		case err == nil:
			run.markDone(stageID)
			tracker.stageCompleted(ctx)

		case errors.Is(err, context.Canceled) || isCancelled(err):
			return e.finish(ctx, build, models.BuildStatusCancelled, err)

		case def.Critical:
			log.Error("Critical stage failed, halting build", "stage", stageID, "error", err)
			return e.finish(ctx, build, models.BuildStatusFailed, err)

		default:
			// Non-critical: surface a warning and continue. The failed stage
			// counts as satisfied for downstream ordering.
			log.Warn("Non-critical stage failed, continuing", "stage", stageID, "error", err)
			run.markFailed(stageID)
			tracker.stageCompleted(ctx)
		}
	}

	// Merge build-level artifacts accumulated across stages.
	if arts := run.buildArtifacts(); len(arts) > 0 {
		if err := e.builds.AppendArtifacts(ctx, build.ID, arts); err != nil {
			log.Warn("Failed to persist build artifacts", "error", err)
		}
	}

	tracker.complete(ctx)
	return e.finish(ctx, build, models.BuildStatusCompleted, nil)
}

// finish writes the terminal outcome. The terminal status write itself is
// done by the queue worker; here we persist the error, record metrics, and
// report the result.
func (e *Executor) finish(ctx context.Context, build *models.Build, status models.BuildStatus, cause error) *queue.ExecutionResult {
	// Terminal writes must survive a cancelled build context.
	wctx := context.WithoutCancel(ctx)

	if cause != nil && status == models.BuildStatusFailed {
		if err := e.builds.SetBuildError(wctx, build.ID, cause.Error()); err != nil {
			slog.Error("Failed to persist build error", "build_id", build.ID, "error", err)
		}
	}
	if e.metrics != nil {
		if err := e.metrics.RecordBuildFinished(wctx, string(status)); err != nil {
			slog.Warn("Failed to record build finish", "build_id", build.ID, "error", err)
		}
	}
	return &queue.ExecutionResult{Status: status, Error: cause}
}

// executeStageWithRetry runs one stage through its attempt budget.
func (e *Executor) executeStageWithRetry(ctx context.Context, build *models.Build, def registry.StageDefinition, run *buildRun, tracker *progressTracker) error {
	log := slog.With("build_id", build.ID, "stage", def.ID)
	maxAttempts := def.Retries + 1
	correlationID := fmt.Sprintf("%s:%s", build.ID, def.ID)

	if err := e.stages.UpdateStageStatus(ctx, build.ID, def.ID, models.StageStatusRunning); err != nil {
		return fmt.Errorf("marking stage running: %w", err)
	}
	e.publishStage(ctx, build.ID, def, models.StageStatusRunning, def.Label, nil)

	var lastErr error
	attemptsRun := 0
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctx.Err() != nil {
			e.markCancelled(ctx, build.ID, def)
			return llm.NewCallError("", "", llm.ErrKindCancelled, ctx.Err())
		}

		if _, err := e.stages.IncrementAttempts(ctx, build.ID, def.ID); err != nil {
			log.Warn("Failed to increment stage attempts", "error", err)
		}
		attemptsRun = attempt

		result, err := e.runStageAttempt(ctx, build, def, run, tracker, correlationID)
		if err == nil {
			return e.completeStage(ctx, build, def, run, result, attempt)
		}
		lastErr = err

		if isCancelled(err) {
			e.markCancelled(ctx, build.ID, def)
			return err
		}

		retryable := def.Retryable && attempt < maxAttempts && !isFastFail(err)
		e.logStageError(ctx, build.ID, def, attempt, !retryable, err, correlationID)

		if !retryable {
			break
		}

		delay := retryBackoff(attempt)
		log.Info("Stage attempt failed, retrying",
			"attempt", attempt, "next_attempt", attempt+1, "backoff", delay, "error", err)
		e.publishStage(ctx, build.ID, def, models.StageStatusRunning,
			fmt.Sprintf("retrying %s (attempt %d of %d)", def.Label, attempt+1, maxAttempts),
			map[string]any{"event": "retrying", "attempt": attempt + 1, "backoff_ms": delay.Milliseconds()})
		if err := e.sleep(ctx, delay); err != nil {
			e.markCancelled(ctx, build.ID, def)
			return llm.NewCallError("", "", llm.ErrKindCancelled, err)
		}
	}

	// Attempts exhausted.
	failure := &errStageFailed{label: def.Label, attempts: attemptsRun, cause: lastErr}
	if err := e.stages.SetStageError(ctx, build.ID, def.ID, failure.Error()); err != nil {
		log.Warn("Failed to persist stage error", "error", err)
	}
	if err := e.stages.UpdateStageStatus(ctx, build.ID, def.ID, models.StageStatusError); err != nil {
		log.Warn("Failed to mark stage error", "error", err)
	}
	e.publishStage(ctx, build.ID, def, models.StageStatusError, failure.Error(),
		map[string]any{"recommended_action": recommendedAction(lastErr)})
	return failure
}

// runStageAttempt executes the handler under the stage timeout.
func (e *Executor) runStageAttempt(ctx context.Context, build *models.Build, def registry.StageDefinition, run *buildRun, tracker *progressTracker, correlationID string) (*StageResult, error) {
	handler, ok := e.handlers[def.ID]
	if !ok {
		return nil, fmt.Errorf("no handler registered for stage %s", def.ID)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, def.Timeout)
	defer cancel()

	sc := &StageContext{
		Build:         build,
		Def:           def,
		Router:        e.router,
		Workspace:     run.workspace,
		CorrelationID: correlationID,
		Exclude:       run.exclude,
	}
	sc.emit = func(emitCtx context.Context, message string, status models.StageStatus, details map[string]any) error {
		return e.emitSubEvent(emitCtx, build.ID, def, sc, tracker, message, status, details)
	}
	sc.setEventTotal = func(total int) {
		tracker.setStageEvents(sc.eventsDone, total)
	}

	result, err := handler(attemptCtx, sc)
	if err != nil {
		// Attempt-level timeout maps to a retryable stage timeout unless the
		// parent build context expired too.
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, llm.NewCallError("", "", llm.ErrKindTimeout,
				fmt.Errorf("stage %s timed out after %v", def.ID, def.Timeout))
		}
		if ctx.Err() != nil {
			return nil, llm.NewCallError("", "", llm.ErrKindCancelled, ctx.Err())
		}
		return nil, err
	}
	if result == nil {
		return nil, fmt.Errorf("handler for stage %s returned no result", def.ID)
	}
	return result, nil
}

// completeStage persists a successful attempt's outcome.
func (e *Executor) completeStage(ctx context.Context, build *models.Build, def registry.StageDefinition, run *buildRun, result *StageResult, attempt int) error {
	status := result.Status
	if status == "" {
		status = defaultSuccessStatus(def)
	}
	if !e.reg.CanTransition(def.ID, models.StageStatusRunning, status) {
		return fmt.Errorf("stage %s cannot complete with status %s", def.ID, status)
	}

	if len(result.Artifacts) > 0 {
		if err := e.stages.SetStageArtifacts(ctx, build.ID, def.ID, result.Artifacts); err != nil {
			slog.Warn("Failed to persist stage artifacts", "build_id", build.ID, "stage", def.ID, "error", err)
		}
		run.addArtifacts(result.Artifacts)
	}
	if err := e.stages.UpdateStageStatus(ctx, build.ID, def.ID, status); err != nil {
		return fmt.Errorf("marking stage %s: %w", def.ID, err)
	}

	details := result.Details
	if attempt > 1 {
		if details == nil {
			details = map[string]any{}
		}
		details["event"] = "retry-success"
		details["retriesNeeded"] = attempt - 1
	}
	message := result.Summary
	if message == "" {
		message = def.Label
	}
	e.publishStage(ctx, build.ID, def, status, message, details)
	return nil
}

func (e *Executor) markCancelled(ctx context.Context, buildID string, def registry.StageDefinition) {
	wctx := context.WithoutCancel(ctx)
	if err := e.stages.UpdateStageStatus(wctx, buildID, def.ID, models.StageStatusCancelled); err != nil {
		slog.Warn("Failed to mark stage cancelled", "build_id", buildID, "stage", def.ID, "error", err)
	}
	e.publishStage(wctx, buildID, def, models.StageStatusCancelled, def.Label+" cancelled", nil)
}

// emitSubEvent persists and publishes one multi-event record, and advances
// partial progress credit.
func (e *Executor) emitSubEvent(ctx context.Context, buildID string, def registry.StageDefinition, sc *StageContext, tracker *progressTracker, message string, status models.StageStatus, details map[string]any) error {
	if ctx.Err() != nil {
		return llm.NewCallError("", "", llm.ErrKindCancelled, ctx.Err())
	}
	event := models.StageEvent{
		ID:        fmt.Sprintf("%s:%d", sc.CorrelationID, sc.eventsDone+1),
		StageID:   def.ID,
		Message:   message,
		Status:    status,
		Timestamp: time.Now().UTC(),
		Details:   details,
	}
	if err := e.stages.AppendStageEvent(ctx, buildID, event); err != nil {
		return fmt.Errorf("appending stage event: %w", err)
	}
	sc.eventsDone++
	tracker.setStageEvents(sc.eventsDone, sc.eventsTotal)
	e.publishStage(ctx, buildID, def, status, message, details)
	tracker.maybePublish(ctx)
	return nil
}

// publishStage sends a stage_update envelope. Publish failures are logged,
// never propagated: event delivery is best-effort.
func (e *Executor) publishStage(ctx context.Context, buildID string, def registry.StageDefinition, status models.StageStatus, message string, details map[string]any) {
	if e.events == nil {
		return
	}
	if _, err := e.events.Publish(ctx, &services.BuildEvent{
		BuildID: buildID,
		StageID: def.ID,
		Type:    "stage_update",
		Status:  string(status),
		Message: message,
		Details: details,
	}); err != nil {
		slog.Warn("Failed to publish stage event",
			"build_id", buildID, "stage", def.ID, "error", err)
	}
}

func (e *Executor) logStageError(ctx context.Context, buildID string, def registry.StageDefinition, attempt int, isFinal bool, cause error, correlationID string) {
	entry := models.StageErrorEntry{
		StageID:        def.ID,
		Attempt:        attempt,
		MaxRetries:     def.Retries,
		IsFinalFailure: isFinal,
		Error:          cause.Error(),
		Provider:       failedProvider(cause),
		CorrelationID:  correlationID,
		Timestamp:      time.Now().UTC(),
	}
	if err := e.builds.AppendStageError(ctx, buildID, entry); err != nil {
		slog.Warn("Failed to append stage error log",
			"build_id", buildID, "stage", def.ID, "error", err)
	}
}

// retryBackoff is base × 2^(attempt-1) with ±20% jitter, capped.
func retryBackoff(attempt int) time.Duration {
	d := retryBackoffBase << (attempt - 1)
	if d > retryBackoffCap {
		d = retryBackoffCap
	}
	jittered := float64(d) * (0.8 + 0.4*rand.Float64())
	return time.Duration(jittered)
}

// defaultSuccessStatus picks the definition's first completion status.
func defaultSuccessStatus(def registry.StageDefinition) models.StageStatus {
	statuses := def.CompletionStatuses()
	if len(statuses) > 0 {
		return statuses[0]
	}
	return models.StageStatusDone
}

func isCancelled(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	if ce, ok := llm.AsCallError(err); ok {
		return ce.Kind == llm.ErrKindCancelled
	}
	return false
}

// isFastFail reports whether retrying the same stage attempt is pointless.
// FallbackExhausted is retryable: provider health may recover between
// attempts.
func isFastFail(err error) bool {
	var fe *router.FallbackExhaustedError
	if errors.As(err, &fe) {
		return false
	}
	if ce, ok := llm.AsCallError(err); ok {
		return ce.Kind.FastFail()
	}
	return false
}

// failedProvider names the provider behind a stage failure, for the error
// log and alternative-model retries.
func failedProvider(err error) string {
	if ce, ok := llm.AsCallError(err); ok {
		return ce.Provider
	}
	var fe *router.FallbackExhaustedError
	if errors.As(err, &fe) && len(fe.Attempts) > 0 {
		return fe.Attempts[0].Provider
	}
	return ""
}

// recommendedAction maps a terminal stage error to user guidance.
func recommendedAction(err error) string {
	var fe *router.FallbackExhaustedError
	if errors.As(err, &fe) {
		return "contact support"
	}
	if ce, ok := llm.AsCallError(err); ok {
		switch ce.Kind {
		case llm.ErrKindAuth, llm.ErrKindInvalidRequest:
			return "contact support"
		default:
			return "retry with alternative model"
		}
	}
	return ""
}
