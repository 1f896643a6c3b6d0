// Package api is the HTTP surface: the pipeline REST endpoints, the
// per-build WebSocket stream, health, stats, and the Prometheus scrape
// endpoint.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/appforge/appforge/pkg/database"
	"github.com/appforge/appforge/pkg/metrics"
	"github.com/appforge/appforge/pkg/models"
	"github.com/appforge/appforge/pkg/queue"
	"github.com/appforge/appforge/pkg/services"
)

// BuildStore is the build service surface the handlers need.
type BuildStore interface {
	CreateBuild(ctx context.Context, req models.CreateBuildRequest) (*models.Build, error)
	GetBuild(ctx context.Context, buildID string) (*models.Build, error)
	ListBuilds(ctx context.Context, filters models.BuildFilters) (*models.BuildListResponse, error)
	UpdateBuildStatus(ctx context.Context, buildID string, status models.BuildStatus) error
	RequeueBuild(ctx context.Context, buildID string) error
	DeleteBuild(ctx context.Context, buildID string) error
	SetRetryHint(ctx context.Context, buildID, stageID, provider string) error
}

// StageStore is the stage service surface the handlers need.
type StageStore interface {
	GetStage(ctx context.Context, buildID, stageID string) (*models.StageInstance, error)
	ResetStage(ctx context.Context, buildID, stageID string) error
}

// EventStore publishes and prunes build events.
type EventStore interface {
	Publish(ctx context.Context, event *services.BuildEvent) (int64, error)
	DeleteEventsForBuild(ctx context.Context, buildID string) (int64, error)
}

// Pool is the worker pool surface: local cancellation and health.
type Pool interface {
	CancelBuild(buildID string) bool
	Health() *queue.PoolHealth
}

// DBHealth reports database connectivity.
type DBHealth interface {
	Health(ctx context.Context) (*database.HealthStatus, error)
}

// StatsSource snapshots the metrics collector.
type StatsSource interface {
	GetStats(ctx context.Context) metrics.Stats
}

// StreamHandler serves one build's WebSocket subscriber. Implemented by
// events.ConnectionManager.
type StreamHandler interface {
	HandleBuildStream(ctx context.Context, conn *websocket.Conn, buildID string)
}

// Server wires the HTTP handlers to the service layer.
type Server struct {
	builds  BuildStore
	stages  StageStore
	events  EventStore
	pool    Pool
	db      DBHealth
	stats   StatsSource
	streams StreamHandler
	auth    Authenticator

	wsLimits *wsLimiter
}

// NewServer builds a server. stats and streams may be nil in deployments
// that run API-only replicas.
func NewServer(builds BuildStore, stages StageStore, events EventStore, pool Pool, db DBHealth, stats StatsSource, streams StreamHandler, auth Authenticator) *Server {
	return &Server{
		builds:   builds,
		stages:   stages,
		events:   events,
		pool:     pool,
		db:       db,
		stats:    stats,
		streams:  streams,
		auth:     auth,
		wsLimits: newWSLimiter(),
	}
}

// Router assembles the gin engine with all routes.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), securityHeaders())

	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/ws/builds/:buildId", s.handleBuildStream)

	v1 := r.Group("/api/v1", authMiddleware(s.auth))
	{
		v1.POST("/pipelines", s.handleCreatePipeline)
		v1.GET("/pipelines", s.handleListPipelines)
		v1.GET("/pipelines/:id", s.handleGetPipeline)
		v1.POST("/pipelines/:id/cancel", s.handleCancelPipeline)
		v1.POST("/pipelines/:id/retry", s.handleRetryPipeline)
		v1.POST("/pipelines/:id/stages/:stageId/retry", s.handleRetryStage)
		v1.DELETE("/pipelines/:id", s.handleDeletePipeline)
		v1.GET("/stats", s.handleStats)
	}
	return r
}

// securityHeaders sets standard security response headers.
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	}
}

// handleHealth reports database and worker pool health.
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	body := gin.H{"status": "healthy"}
	healthy := true

	if s.db != nil {
		dbHealth, err := s.db.Health(ctx)
		body["database"] = dbHealth
		if err != nil {
			healthy = false
			body["database_error"] = err.Error()
		}
	}
	if s.pool != nil {
		poolHealth := s.pool.Health()
		body["queue"] = poolHealth
		if !poolHealth.IsHealthy {
			healthy = false
		}
	}

	if !healthy {
		body["status"] = "unhealthy"
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}
	c.JSON(http.StatusOK, body)
}

// handleStats exposes the metrics collector snapshot.
func (s *Server) handleStats(c *gin.Context) {
	if s.stats == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "stats unavailable"})
		return
	}
	c.JSON(http.StatusOK, s.stats.GetStats(c.Request.Context()))
}
