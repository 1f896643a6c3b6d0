package models

import (
	"fmt"
	"time"
)

// ProjectSpec is the validated questionnaire output a build is created from.
// The schema is owned by the external API collaborator; the orchestrator only
// reads well-known keys and passes the rest through to prompt construction.
type ProjectSpec map[string]any

// ProjectName returns the projectName field, or "" when absent.
func (s ProjectSpec) ProjectName() string {
	if v, ok := s["projectName"].(string); ok {
		return v
	}
	return ""
}

// Features returns the features map, or nil when absent.
func (s ProjectSpec) Features() map[string]any {
	if v, ok := s["features"].(map[string]any); ok {
		return v
	}
	return nil
}

// Build is one end-to-end pipeline execution for a single project spec.
// It exclusively owns its stage instances and artifacts.
type Build struct {
	ID        string      `json:"id"`
	ProjectID string      `json:"project_id"`
	UserID    string      `json:"user_id"`
	Spec      ProjectSpec `json:"spec"`

	Status   BuildStatus `json:"status"`
	Progress float64     `json:"progress"` // percentage in [0,100]
	Error    string      `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Stages    []StageInstance `json:"stages"`
	Artifacts []Artifact      `json:"artifacts,omitempty"`

	// StageErrors is the append-only log of failed stage attempts.
	StageErrors []StageErrorEntry `json:"stage_errors,omitempty"`

	// RetryHints maps stage id to a provider to avoid on the next attempt,
	// set when a stage is retried with an alternative model.
	RetryHints map[string]string `json:"retry_hints,omitempty"`
}

// Stage returns the stage instance with the given stage id, or nil.
func (b *Build) Stage(stageID string) *StageInstance {
	for i := range b.Stages {
		if b.Stages[i].StageID == stageID {
			return &b.Stages[i]
		}
	}
	return nil
}

// Validate checks the build's structural invariants.
func (b *Build) Validate() error {
	if b.ID == "" {
		return fmt.Errorf("build id is required")
	}
	if !b.Status.Valid() {
		return fmt.Errorf("unknown build status %q", b.Status)
	}
	if b.Progress < 0 || b.Progress > 100 {
		return fmt.Errorf("progress %.2f out of range [0,100]", b.Progress)
	}
	if b.Status.Terminal() != (b.CompletedAt != nil) {
		return fmt.Errorf("completed_at must be set iff status is terminal (status=%s)", b.Status)
	}
	for i := range b.Stages {
		if err := b.Stages[i].Validate(); err != nil {
			return fmt.Errorf("stage %q: %w", b.Stages[i].StageID, err)
		}
	}
	for i := range b.Artifacts {
		if err := b.Artifacts[i].Validate(); err != nil {
			return fmt.Errorf("artifact %q: %w", b.Artifacts[i].Name, err)
		}
	}
	return nil
}

// StageInstance is a stage's runtime state within one build.
type StageInstance struct {
	StageID  string      `json:"stage_id"`
	Status   StageStatus `json:"status"`
	Attempts int         `json:"attempts"`
	Error    string      `json:"error,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Events holds ordered sub-events; populated only for stages whose
	// definition has SupportsMultipleEvents.
	Events    []StageEvent `json:"events,omitempty"`
	Artifacts []Artifact   `json:"artifacts,omitempty"`
}

// Validate checks the stage instance's structural invariants.
func (s *StageInstance) Validate() error {
	if s.StageID == "" {
		return fmt.Errorf("stage id is required")
	}
	if !s.Status.Valid() {
		return fmt.Errorf("unknown stage status %q", s.Status)
	}
	if s.Attempts < 0 {
		return fmt.Errorf("attempts must be non-negative")
	}
	return nil
}

// StageEvent is one progress record within a multi-event stage, e.g. one
// generated file or one executed test.
type StageEvent struct {
	ID        string         `json:"id"`
	StageID   string         `json:"stage_id"`
	Message   string         `json:"message"`
	Status    StageStatus    `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// StageErrorEntry records one failed attempt in a build's stage-error log.
type StageErrorEntry struct {
	StageID        string    `json:"stage_id"`
	Attempt        int       `json:"attempt"`
	MaxRetries     int       `json:"max_retries"`
	IsFinalFailure bool      `json:"is_final_failure"`
	Error          string    `json:"error"`
	Provider       string    `json:"provider,omitempty"`
	CorrelationID  string    `json:"correlation_id,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}
