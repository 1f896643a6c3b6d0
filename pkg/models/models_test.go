package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to BuildStatus
		want     bool
	}{
		{BuildStatusPending, BuildStatusRunning, true},
		{BuildStatusPending, BuildStatusCancelled, true},
		{BuildStatusPending, BuildStatusCompleted, true},
		{BuildStatusRunning, BuildStatusCompleted, true},
		{BuildStatusRunning, BuildStatusFailed, true},
		{BuildStatusRunning, BuildStatusCancelled, true},
		{BuildStatusRunning, BuildStatusPending, false},
		{BuildStatusCompleted, BuildStatusRunning, false},
		{BuildStatusFailed, BuildStatusPending, false},
		{BuildStatusCancelled, BuildStatusCancelled, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.from.CanTransition(tt.to),
			"%s -> %s", tt.from, tt.to)
	}
}

func TestStageStatusTerminality(t *testing.T) {
	for _, s := range []StageStatus{StageStatusDone, StageStatusCreated,
		StageStatusPassed, StageStatusPushed, StageStatusDeployed} {
		assert.True(t, s.TerminalSuccess(), "%s", s)
		assert.True(t, s.Terminal(), "%s", s)
	}
	for _, s := range []StageStatus{StageStatusFailed, StageStatusError, StageStatusCancelled} {
		assert.False(t, s.TerminalSuccess(), "%s", s)
		assert.True(t, s.Terminal(), "%s", s)
	}
	for _, s := range []StageStatus{StageStatusPending, StageStatusRunning} {
		assert.False(t, s.Terminal(), "%s", s)
	}
}

func TestBuildValidateCompletedAtInvariant(t *testing.T) {
	now := time.Now()
	b := &Build{ID: "b1", Status: BuildStatusRunning, Progress: 40}
	require.NoError(t, b.Validate())

	b.CompletedAt = &now
	assert.Error(t, b.Validate(), "completed_at on a running build")

	b.Status = BuildStatusCompleted
	b.Progress = 100
	require.NoError(t, b.Validate())

	b.CompletedAt = nil
	assert.Error(t, b.Validate(), "terminal build without completed_at")
}

func TestBuildValidateProgressRange(t *testing.T) {
	b := &Build{ID: "b1", Status: BuildStatusRunning, Progress: 101}
	assert.Error(t, b.Validate())
	b.Progress = -1
	assert.Error(t, b.Validate())
}

func TestArtifactValidate(t *testing.T) {
	tests := []struct {
		name    string
		a       Artifact
		wantErr bool
	}{
		{"repository ok", Artifact{Type: ArtifactRepository, Name: "repo", URL: "https://github.com/acme/demo"}, false},
		{"repository schemeless", Artifact{Type: ArtifactRepository, Name: "repo", URL: "gitlab.com/acme/demo"}, false},
		{"repository unknown host", Artifact{Type: ArtifactRepository, Name: "repo", URL: "example.com/acme/demo"}, true},
		{"repository missing repo", Artifact{Type: ArtifactRepository, Name: "repo", URL: "github.com/acme"}, true},
		{"s3 ok", Artifact{Type: ArtifactS3, Name: "bucket", URL: "s3://builds/demo"}, false},
		{"s3 wrong scheme", Artifact{Type: ArtifactS3, Name: "bucket", URL: "https://builds/demo"}, true},
		{"deployment ok", Artifact{Type: ArtifactDeployment, Name: "app", URL: "https://demo.fly.dev"}, false},
		{"deployment bad scheme", Artifact{Type: ArtifactDeployment, Name: "app", URL: "ftp://demo.fly.dev"}, true},
		{"unknown type", Artifact{Type: "widget", Name: "x", URL: "https://x"}, true},
		{"missing url", Artifact{Type: ArtifactAPI, Name: "api", URL: ""}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.a.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestBuildJSONRoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	b := &Build{
		ID:          "b1",
		ProjectID:   "p1",
		UserID:      "alice",
		Spec:        ProjectSpec{"projectName": "Demo", "features": map[string]any{"auth": true}},
		Status:      BuildStatusCompleted,
		Progress:    100,
		CreatedAt:   now,
		CompletedAt: &now,
		Stages: []StageInstance{
			{StageID: "creating_specs", Status: StageStatusDone, Attempts: 1},
		},
		Artifacts: []Artifact{
			{Type: ArtifactRepository, Name: "repo", URL: "https://github.com/acme/demo"},
		},
		RetryHints: map[string]string{"coding_file": "openai"},
	}

	data, err := json.Marshal(b)
	require.NoError(t, err)

	var got Build
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, b.ID, got.ID)
	assert.Equal(t, b.Spec.ProjectName(), got.Spec.ProjectName())
	assert.Equal(t, b.Status, got.Status)
	assert.Equal(t, b.Stages, got.Stages)
	assert.Equal(t, b.RetryHints, got.RetryHints)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, b.CompletedAt.Equal(*got.CompletedAt))
}

func TestProjectSpecAccessors(t *testing.T) {
	s := ProjectSpec{"projectName": "Demo", "features": map[string]any{"auth": true}}
	assert.Equal(t, "Demo", s.ProjectName())
	assert.Equal(t, map[string]any{"auth": true}, s.Features())

	empty := ProjectSpec{}
	assert.Empty(t, empty.ProjectName())
	assert.Nil(t, empty.Features())
}
