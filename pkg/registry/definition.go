// Package registry provides the stage definition catalogue: registration,
// validation, dependency resolution, and stage instance construction.
package registry

import (
	"fmt"
	"regexp"
	"time"

	"github.com/appforge/appforge/pkg/models"
)

// Default timeouts applied during definition normalization.
const (
	DefaultStageTimeout  = 5 * time.Minute
	MinStageTimeout      = 1 * time.Second
	MinMultiEventTimeout = 60 * time.Second
)

var stageIDPattern = regexp.MustCompile(`^[a-z0-9_-]+$`)

// StageDefinition is the immutable catalogue entry describing a stage's
// contract. Definitions are shared across builds after registration.
type StageDefinition struct {
	ID                     string               `yaml:"id" json:"id"`
	Label                  string               `yaml:"label" json:"label"`
	Description            string               `yaml:"description,omitempty" json:"description,omitempty"`
	SupportsMultipleEvents bool                 `yaml:"supports_multiple_events" json:"supports_multiple_events"`
	AllowedStatuses        []models.StageStatus `yaml:"allowed_statuses" json:"allowed_statuses"`
	Dependencies           []string             `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`
	PayloadSchema          PayloadSchema        `yaml:"payload_schema,omitempty" json:"payload_schema,omitempty"`
	Timeout                time.Duration        `yaml:"timeout" json:"timeout"`
	Retryable              bool                 `yaml:"retryable" json:"retryable"`
	Retries                int                  `yaml:"retries" json:"retries"`
	Critical               bool                 `yaml:"critical" json:"critical"`
	Version                string               `yaml:"version,omitempty" json:"version,omitempty"`
	Category               string               `yaml:"category,omitempty" json:"category,omitempty"`
	Icon                   string               `yaml:"icon,omitempty" json:"icon,omitempty"`
	Metadata               map[string]any       `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// Normalize returns a copy of the definition with defaults applied: a zero
// timeout becomes DefaultStageTimeout. An explicit timeout is never raised;
// validation rejects explicit values below the per-kind minimum.
func (d StageDefinition) Normalize() StageDefinition {
	if d.Timeout == 0 {
		d.Timeout = DefaultStageTimeout
	}
	return d
}

// AllowsStatus reports whether the status is in the definition's alphabet.
func (d *StageDefinition) AllowsStatus(s models.StageStatus) bool {
	for _, allowed := range d.AllowedStatuses {
		if allowed == s {
			return true
		}
	}
	return false
}

// CompletionStatuses returns the terminal-success statuses in the alphabet.
func (d *StageDefinition) CompletionStatuses() []models.StageStatus {
	var out []models.StageStatus
	for _, s := range d.AllowedStatuses {
		if s.TerminalSuccess() {
			out = append(out, s)
		}
	}
	return out
}

// validateShape checks the single-definition invariants. Cross-definition
// checks (dependency existence, cycles) happen at registration time.
func (d *StageDefinition) validateShape() []error {
	var errs []error
	if d.ID == "" {
		errs = append(errs, fmt.Errorf("id is required"))
	} else if !stageIDPattern.MatchString(d.ID) {
		errs = append(errs, fmt.Errorf("id %q must match %s", d.ID, stageIDPattern))
	}
	if d.Label == "" {
		errs = append(errs, fmt.Errorf("label is required"))
	}
	if len(d.AllowedStatuses) == 0 {
		errs = append(errs, fmt.Errorf("allowed_statuses is required"))
	}
	for _, s := range d.AllowedStatuses {
		if !s.Valid() {
			errs = append(errs, fmt.Errorf("status %q is not in the stage-status alphabet", s))
		}
	}
	if !d.AllowsStatus(models.StageStatusPending) {
		errs = append(errs, fmt.Errorf("allowed_statuses must include %q", models.StageStatusPending))
	}
	if len(d.CompletionStatuses()) == 0 {
		errs = append(errs, fmt.Errorf("allowed_statuses must include at least one completion status"))
	}
	if d.Timeout < MinStageTimeout {
		errs = append(errs, fmt.Errorf("timeout %v is below the minimum %v", d.Timeout, MinStageTimeout))
	}
	if d.SupportsMultipleEvents && d.Timeout < MinMultiEventTimeout {
		errs = append(errs, fmt.Errorf("multi-event stage timeout %v must be at least %v", d.Timeout, MinMultiEventTimeout))
	}
	if d.Retries < 0 {
		errs = append(errs, fmt.Errorf("retries must be non-negative"))
	}
	for _, dep := range d.Dependencies {
		if dep == d.ID {
			errs = append(errs, fmt.Errorf("stage cannot depend on itself"))
		}
	}
	if err := d.PayloadSchema.validate(); err != nil {
		errs = append(errs, fmt.Errorf("payload_schema: %w", err))
	}
	return errs
}
