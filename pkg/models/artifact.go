package models

import (
	"fmt"
	"net/url"
	"strings"
)

// ArtifactType classifies an artifact produced by a stage.
type ArtifactType string

// Artifact types.
const (
	ArtifactRepository ArtifactType = "repository"
	ArtifactDeployment ArtifactType = "deployment"
	ArtifactS3         ArtifactType = "s3"
	ArtifactDatabase   ArtifactType = "database"
	ArtifactLambda     ArtifactType = "lambda"
	ArtifactAPI        ArtifactType = "api"
)

// Valid reports whether t is a known artifact type.
func (t ArtifactType) Valid() bool {
	switch t {
	case ArtifactRepository, ArtifactDeployment, ArtifactS3,
		ArtifactDatabase, ArtifactLambda, ArtifactAPI:
		return true
	}
	return false
}

// knownRepositoryHosts are the hosts accepted for repository artifact URLs.
var knownRepositoryHosts = map[string]bool{
	"github.com":    true,
	"gitlab.com":    true,
	"bitbucket.org": true,
}

// Artifact is a resource produced by a stage: a repository, a deployment,
// a provisioned database, and so on.
type Artifact struct {
	Type     ArtifactType   `json:"type"`
	Name     string         `json:"name"`
	URL      string         `json:"url"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Validate checks the artifact shape and its URL format for the given type.
func (a *Artifact) Validate() error {
	if !a.Type.Valid() {
		return fmt.Errorf("unknown artifact type %q", a.Type)
	}
	if a.Name == "" {
		return fmt.Errorf("artifact name is required")
	}
	if a.URL == "" {
		return fmt.Errorf("artifact url is required")
	}
	switch a.Type {
	case ArtifactRepository:
		return validateRepositoryURL(a.URL)
	case ArtifactS3:
		if !strings.HasPrefix(a.URL, "s3://") {
			return fmt.Errorf("s3 artifact url must use the s3:// scheme: %q", a.URL)
		}
		return nil
	default:
		u, err := url.Parse(a.URL)
		if err != nil {
			return fmt.Errorf("invalid artifact url %q: %w", a.URL, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("artifact url %q must be http(s)", a.URL)
		}
		return nil
	}
}

// validateRepositoryURL requires host/{owner}/{repo} with a known host.
// A scheme prefix is accepted and ignored.
func validateRepositoryURL(raw string) error {
	s := raw
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	parts := strings.Split(strings.TrimSuffix(s, "/"), "/")
	if len(parts) != 3 {
		return fmt.Errorf("repository url %q must be host/{owner}/{repo}", raw)
	}
	host, owner, repo := parts[0], parts[1], parts[2]
	if !knownRepositoryHosts[host] {
		return fmt.Errorf("repository host %q is not recognized", host)
	}
	if owner == "" || repo == "" {
		return fmt.Errorf("repository url %q must be host/{owner}/{repo}", raw)
	}
	return nil
}
