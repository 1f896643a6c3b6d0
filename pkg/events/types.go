// Package events is the real-time event stream fabric: build events are
// persisted with a Postgres NOTIFY in the same transaction, a dedicated
// LISTEN connection receives them on every replica, and a connection
// manager fans them out to WebSocket subscribers with replay for late
// joiners.
package events

import (
	"context"
	"time"

	"github.com/appforge/appforge/pkg/models"
	"github.com/appforge/appforge/pkg/services"
)

// Envelope event types delivered to WebSocket clients.
const (
	EventTypePipelineUpdate   = "pipeline_update"
	EventTypeStageUpdate      = "stage_update"
	EventTypePipelineComplete = "pipeline_complete"
	EventTypePipelineError    = "pipeline_error"
)

// WebSocket close codes in the application range.
const (
	CloseUnauthorized = 4001
	CloseNotFound     = 4002
	CloseRateLimited  = 4003
	CloseStaleClient  = 4004 // heartbeat pongs stopped arriving
)

// Envelope is the wire format for one event delivered over WebSocket.
type Envelope struct {
	Type       string         `json:"type"`
	PipelineID string         `json:"pipelineId"`
	Stage      string         `json:"stage,omitempty"`
	Status     string         `json:"status,omitempty"`
	Message    string         `json:"message,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	EventID    int64          `json:"eventId,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

// FromBuildEvent converts a persisted event row to its wire envelope.
func FromBuildEvent(ev *services.BuildEvent) Envelope {
	return Envelope{
		Type:       ev.Type,
		PipelineID: ev.BuildID,
		Stage:      ev.StageID,
		Status:     ev.Status,
		Message:    ev.Message,
		Timestamp:  ev.CreatedAt,
		EventID:    ev.ID,
		Details:    ev.Details,
	}
}

// terminal reports whether this envelope ends its build's stream.
func (e Envelope) terminal() bool {
	switch e.Type {
	case EventTypePipelineComplete, EventTypePipelineError:
		return true
	case EventTypePipelineUpdate:
		return models.BuildStatus(e.Status).Terminal()
	}
	return false
}

// EventStore reads persisted events for catch-up and for resolving
// oversized notifications. Implemented by services.EventService.
type EventStore interface {
	GetEvent(ctx context.Context, id int64) (*services.BuildEvent, error)
	ListEventsAfter(ctx context.Context, buildID string, afterID int64, limit int) ([]*services.BuildEvent, error)
}

// ClientMessage is a client-to-server WebSocket message: "ping",
// "subscribe", "unsubscribe", or "catchup". The stream is scoped to one
// build at upgrade time, so subscribe and unsubscribe act on the current
// stream rather than switching builds.
type ClientMessage struct {
	Type string `json:"type"`

	// BuildID optionally names the build in subscribe messages; when set it
	// must match the stream's build.
	BuildID string `json:"buildId,omitempty"`

	// LastEventID asks for a DB-backed replay of everything after this
	// event id, for clients that reconnect with a known position.
	LastEventID *int64 `json:"last_event_id,omitempty"`
}
