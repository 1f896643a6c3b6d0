package models

import "time"

// CreateBuildRequest contains fields for creating a new build.
// The spec has already been validated by the questionnaire API collaborator.
type CreateBuildRequest struct {
	ProjectID string      `json:"project_id"`
	UserID    string      `json:"user_id"`
	Spec      ProjectSpec `json:"spec"`
}

// BuildFilters contains filtering options for listing builds.
type BuildFilters struct {
	UserID        string      `json:"user_id,omitempty"`
	ProjectID     string      `json:"project_id,omitempty"`
	Status        BuildStatus `json:"status,omitempty"`
	CreatedAfter  *time.Time  `json:"created_after,omitempty"`
	CreatedBefore *time.Time  `json:"created_before,omitempty"`
	Limit         int         `json:"limit,omitempty"`
	Offset        int         `json:"offset,omitempty"`
}

// RetryStageRequest contains options for retrying a single failed stage.
type RetryStageRequest struct {
	// UseAlternativeModel excludes the provider used on the failed attempt
	// and routes to the next provider in weighted order.
	UseAlternativeModel bool `json:"useAlternativeModel"`
}

// BuildListResponse contains a paginated build list.
type BuildListResponse struct {
	Builds     []*Build `json:"builds"`
	TotalCount int      `json:"total_count"`
	Limit      int      `json:"limit"`
	Offset     int      `json:"offset"`
}
