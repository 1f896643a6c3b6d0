package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/appforge/appforge/pkg/models"
	"github.com/appforge/appforge/pkg/services"
)

// handleCreatePipeline accepts a validated project spec and queues a build.
func (s *Server) handleCreatePipeline(c *gin.Context) {
	var req models.CreateBuildRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	// The authenticated user owns the build regardless of the body.
	req.UserID = authedUser(c)

	build, err := s.builds.CreateBuild(c.Request.Context(), req)
	if err != nil {
		abortServiceError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, build)
}

// handleGetPipeline returns the full build record.
func (s *Server) handleGetPipeline(c *gin.Context) {
	build, ok := s.ownedBuild(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, build)
}

// handleListPipelines returns the authenticated user's builds.
func (s *Server) handleListPipelines(c *gin.Context) {
	filters := models.BuildFilters{
		UserID:    authedUser(c),
		ProjectID: c.Query("project_id"),
		Status:    models.BuildStatus(c.Query("status")),
	}
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filters.Limit = n
		}
	}
	if v := c.Query("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filters.Offset = n
		}
	}
	if v := c.Query("created_after"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "created_after must be RFC3339"})
			return
		}
		filters.CreatedAfter = &t
	}
	if v := c.Query("created_before"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "created_before must be RFC3339"})
			return
		}
		filters.CreatedBefore = &t
	}

	resp, err := s.builds.ListBuilds(c.Request.Context(), filters)
	if err != nil {
		abortServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// handleCancelPipeline requests cancellation of a pending or running build.
func (s *Server) handleCancelPipeline(c *gin.Context) {
	build, ok := s.ownedBuild(c)
	if !ok {
		return
	}
	if build.Status.Terminal() {
		c.JSON(http.StatusConflict, gin.H{"error": "build already finished"})
		return
	}

	ctx := c.Request.Context()
	switch build.Status {
	case models.BuildStatusRunning:
		// A worker on this replica cancels through its build context; a
		// build owned by another replica is cancelled by the status write,
		// which its worker observes as a lost race on the terminal update.
		if !s.pool.CancelBuild(build.ID) {
			if err := s.builds.UpdateBuildStatus(ctx, build.ID, models.BuildStatusCancelled); err != nil {
				abortServiceError(c, err)
				return
			}
			s.publishStatus(c, build.ID, models.BuildStatusCancelled, "build cancelled")
		}
	default: // pending
		if err := s.builds.UpdateBuildStatus(ctx, build.ID, models.BuildStatusCancelled); err != nil {
			abortServiceError(c, err)
			return
		}
		s.publishStatus(c, build.ID, models.BuildStatusCancelled, "build cancelled")
	}

	c.JSON(http.StatusAccepted, gin.H{"id": build.ID, "status": "cancelling"})
}

// handleRetryPipeline requeues a failed or cancelled build. Finished stages
// are kept; the build resumes from its first incomplete stage.
func (s *Server) handleRetryPipeline(c *gin.Context) {
	build, ok := s.ownedBuild(c)
	if !ok {
		return
	}
	if err := s.builds.RequeueBuild(c.Request.Context(), build.ID); err != nil {
		abortServiceError(c, err)
		return
	}
	s.publishStatus(c, build.ID, models.BuildStatusPending, "build requeued")
	c.JSON(http.StatusAccepted, gin.H{"id": build.ID, "status": string(models.BuildStatusPending)})
}

// handleRetryStage resets one failed stage and requeues the build,
// optionally excluding the provider that failed.
func (s *Server) handleRetryStage(c *gin.Context) {
	build, ok := s.ownedBuild(c)
	if !ok {
		return
	}
	if build.Status != models.BuildStatusFailed {
		c.JSON(http.StatusConflict, gin.H{"error": "only failed builds support stage retry"})
		return
	}

	stageID := c.Param("stageId")
	ctx := c.Request.Context()
	if _, err := s.stages.GetStage(ctx, build.ID, stageID); err != nil {
		abortServiceError(c, err)
		return
	}

	var req models.RetryStageRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}

	if req.UseAlternativeModel {
		if provider := lastFailedProvider(build, stageID); provider != "" {
			if err := s.builds.SetRetryHint(ctx, build.ID, stageID, provider); err != nil {
				abortServiceError(c, err)
				return
			}
		}
	}

	if err := s.stages.ResetStage(ctx, build.ID, stageID); err != nil {
		abortServiceError(c, err)
		return
	}
	if err := s.builds.RequeueBuild(ctx, build.ID); err != nil {
		abortServiceError(c, err)
		return
	}
	s.publishStatus(c, build.ID, models.BuildStatusPending, "stage "+stageID+" queued for retry")
	c.JSON(http.StatusAccepted, gin.H{
		"id":     build.ID,
		"stage":  stageID,
		"status": string(models.BuildStatusPending),
	})
}

// handleDeletePipeline removes a terminal build and its events.
func (s *Server) handleDeletePipeline(c *gin.Context) {
	build, ok := s.ownedBuild(c)
	if !ok {
		return
	}
	if !build.Status.Terminal() {
		c.JSON(http.StatusConflict, gin.H{"error": "build is still active"})
		return
	}

	ctx := c.Request.Context()
	if s.events != nil {
		if _, err := s.events.DeleteEventsForBuild(ctx, build.ID); err != nil {
			abortServiceError(c, err)
			return
		}
	}
	if err := s.builds.DeleteBuild(ctx, build.ID); err != nil {
		abortServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": build.ID, "deleted": true})
}

// ownedBuild loads the build from the :id param and enforces ownership.
func (s *Server) ownedBuild(c *gin.Context) (*models.Build, bool) {
	build, err := s.builds.GetBuild(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortServiceError(c, err)
		return nil, false
	}
	if build.UserID != authedUser(c) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return nil, false
	}
	return build, true
}

// lastFailedProvider returns the provider of the most recent error log
// entry for a stage.
func lastFailedProvider(build *models.Build, stageID string) string {
	for i := len(build.StageErrors) - 1; i >= 0; i-- {
		if build.StageErrors[i].StageID == stageID && build.StageErrors[i].Provider != "" {
			return build.StageErrors[i].Provider
		}
	}
	return ""
}

// publishStatus emits a best-effort build status event. Terminal statuses
// map to their terminal event types so subscribers see the stream end.
func (s *Server) publishStatus(c *gin.Context, buildID string, status models.BuildStatus, message string) {
	if s.events == nil {
		return
	}
	_, _ = s.events.Publish(c.Request.Context(), &services.BuildEvent{
		BuildID: buildID,
		Type:    services.EventTypeForStatus(status),
		Status:  string(status),
		Message: message,
	})
}
