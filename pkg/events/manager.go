package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/appforge/appforge/pkg/config"
	"github.com/appforge/appforge/pkg/services"
)

// catchupLimit caps one DB-backed catchup response. Clients further behind
// than this are told to reload over REST instead of paginating.
const catchupLimit = 200

// Fallbacks for unset fabric config values.
const (
	defaultReplayCount    = 50
	defaultBufferSize     = 1000
	defaultBufferMaxBytes = 1 << 20
	defaultTerminalGrace  = 5 * time.Minute
	defaultHeartbeat      = 30 * time.Second
	defaultMissedPongs    = 3
	defaultWriteTimeout   = 5 * time.Second
)

// ConnectionManager owns the WebSocket side of the fabric: one instance per
// replica, tracking which connections watch which build and fanning
// dispatched events out to them. Subscription is fixed at upgrade time; a
// connection watches exactly one build.
type ConnectionManager struct {
	store  EventStore
	buffer *replayBuffer

	replayCount     int
	heartbeatEvery  time.Duration
	missedPongLimit int
	writeTimeout    time.Duration

	mu          sync.RWMutex
	connections map[string]*Connection
	builds      map[string]map[string]bool // build id -> connection ids
}

// Connection is one WebSocket client watching one build.
type Connection struct {
	ID      string
	BuildID string
	Conn    *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc

	// writeMu serializes sends: the read loop, the heartbeat goroutine, and
	// Broadcast all write to the same conn.
	writeMu sync.Mutex
}

// NewConnectionManager wires a manager from the fabric config. cfg may be
// nil; zero values fall back to defaults.
func NewConnectionManager(store EventStore, cfg *config.FabricConfig) *ConnectionManager {
	if cfg == nil {
		cfg = &config.FabricConfig{}
	}
	m := &ConnectionManager{
		store:           store,
		replayCount:     cfg.ReplayCount,
		heartbeatEvery:  cfg.HeartbeatInterval,
		missedPongLimit: cfg.MissedPongLimit,
		writeTimeout:    cfg.WriteTimeout,
		connections:     make(map[string]*Connection),
		builds:          make(map[string]map[string]bool),
	}
	if m.replayCount <= 0 {
		m.replayCount = defaultReplayCount
	}
	if m.heartbeatEvery <= 0 {
		m.heartbeatEvery = defaultHeartbeat
	}
	if m.missedPongLimit <= 0 {
		m.missedPongLimit = defaultMissedPongs
	}
	if m.writeTimeout <= 0 {
		m.writeTimeout = defaultWriteTimeout
	}

	bufSize := cfg.BufferSize
	if bufSize <= 0 {
		bufSize = defaultBufferSize
	}
	bufBytes := cfg.BufferMaxBytes
	if bufBytes <= 0 {
		bufBytes = defaultBufferMaxBytes
	}
	grace := cfg.TerminalGrace
	if grace <= 0 {
		grace = defaultTerminalGrace
	}
	m.buffer = newReplayBuffer(bufSize, bufBytes, grace)
	return m
}

// Run sweeps terminated builds' replay buffers until ctx is cancelled.
func (m *ConnectionManager) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.buffer.Sweep(); n > 0 {
				slog.Debug("Swept terminated build buffers", "evicted", n)
			}
		}
	}
}

// HandleBuildStream serves one subscriber for the given build. It replays
// recent events, then relays live events until the connection closes.
// Blocks for the lifetime of the connection; the caller has already
// authenticated the subscriber and verified the build exists.
func (m *ConnectionManager) HandleBuildStream(parentCtx context.Context, conn *websocket.Conn, buildID string) {
	ctx, cancel := context.WithCancel(parentCtx)
	c := &Connection{
		ID:      uuid.New().String(),
		BuildID: buildID,
		Conn:    conn,
		ctx:     ctx,
		cancel:  cancel,
	}

	m.register(c)
	defer m.unregister(c)

	m.sendJSON(c, map[string]string{
		"type":          "connection.established",
		"connection_id": c.ID,
		"pipelineId":    buildID,
	})

	for _, env := range m.buffer.Replay(buildID, m.replayCount) {
		if err := m.sendEnvelope(c, env); err != nil {
			return
		}
	}

	go m.heartbeat(c)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Invalid WebSocket message", "connection_id", c.ID, "error", err)
			continue
		}
		m.handleClientMessage(ctx, c, &msg)
	}
}

// Dispatch handles one raw NOTIFY payload: decode, resolve oversized
// pointers against the store, buffer for replay, and fan out to the
// build's subscribers.
func (m *ConnectionManager) Dispatch(ctx context.Context, payload []byte) {
	var row services.BuildEvent
	if err := json.Unmarshal(payload, &row); err != nil {
		slog.Warn("Undecodable event notification", "error", err)
		return
	}

	// Oversized events carry only an id pointer; fetch the full row.
	var pointer struct {
		Oversized bool `json:"oversized"`
	}
	_ = json.Unmarshal(payload, &pointer)
	if pointer.Oversized {
		full, err := m.store.GetEvent(ctx, row.ID)
		if err != nil {
			slog.Error("Failed to resolve oversized event", "event_id", row.ID, "error", err)
			return
		}
		row = *full
	}

	env := FromBuildEvent(&row)
	data, err := json.Marshal(env)
	if err != nil {
		slog.Warn("Failed to encode envelope", "event_id", row.ID, "error", err)
		return
	}

	m.buffer.Append(env, len(data))
	m.broadcast(env.PipelineID, data)
}

// ActiveConnections returns the number of live subscribers.
func (m *ConnectionManager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// BufferedBuilds returns how many builds hold a replay buffer.
func (m *ConnectionManager) BufferedBuilds() int {
	return m.buffer.buildCount()
}

func (m *ConnectionManager) handleClientMessage(ctx context.Context, c *Connection, msg *ClientMessage) {
	switch msg.Type {
	case "ping":
		m.sendJSON(c, map[string]string{"type": "pong"})

	case "subscribe":
		// The stream is bound to one build at upgrade time; subscribing to
		// it again is an idempotent ack, any other build is refused.
		if msg.BuildID != "" && msg.BuildID != c.BuildID {
			m.sendJSON(c, map[string]string{"type": "error", "message": "stream is bound to build " + c.BuildID})
			return
		}
		m.sendJSON(c, map[string]string{"type": "subscribed", "pipelineId": c.BuildID})

	case "unsubscribe":
		_ = c.Conn.Close(websocket.StatusNormalClosure, "unsubscribed")
		c.cancel()

	case "catchup":
		if msg.LastEventID == nil {
			m.sendJSON(c, map[string]string{"type": "error", "message": "last_event_id is required for catchup"})
			return
		}
		m.handleCatchup(ctx, c, *msg.LastEventID)
	}
}

// handleCatchup replays persisted events after lastEventID from the store,
// for reconnecting clients whose gap exceeds the in-memory buffer.
func (m *ConnectionManager) handleCatchup(ctx context.Context, c *Connection, lastEventID int64) {
	rows, err := m.store.ListEventsAfter(ctx, c.BuildID, lastEventID, catchupLimit+1)
	if err != nil {
		slog.Error("Catchup query failed", "build_id", c.BuildID, "error", err)
		m.sendJSON(c, map[string]string{"type": "error", "message": "catchup failed"})
		return
	}

	hasMore := len(rows) > catchupLimit
	if hasMore {
		rows = rows[:catchupLimit]
	}
	for _, row := range rows {
		if err := m.sendEnvelope(c, FromBuildEvent(row)); err != nil {
			return
		}
	}
	if hasMore {
		m.sendJSON(c, map[string]any{"type": "catchup.overflow", "has_more": true})
	}
}

// heartbeat pings on a fixed cadence and closes the connection after too
// many consecutive missed pongs.
func (m *ConnectionManager) heartbeat(c *Connection) {
	ticker := time.NewTicker(m.heartbeatEvery)
	defer ticker.Stop()

	missed := 0
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
			err := c.Conn.Ping(pingCtx)
			cancel()
			if err == nil {
				missed = 0
				continue
			}
			if c.ctx.Err() != nil {
				return
			}
			missed++
			if missed >= m.missedPongLimit {
				slog.Info("Closing stale WebSocket client",
					"connection_id", c.ID, "build_id", c.BuildID, "missed_pongs", missed)
				_ = c.Conn.Close(websocket.StatusCode(CloseStaleClient), "heartbeat timeout")
				c.cancel()
				return
			}
		}
	}
}

func (m *ConnectionManager) broadcast(buildID string, data []byte) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.builds[buildID]))
	for id := range m.builds[buildID] {
		ids = append(ids, id)
	}
	conns := make([]*Connection, 0, len(ids))
	for _, id := range ids {
		if c, ok := m.connections[id]; ok {
			conns = append(conns, c)
		}
	}
	m.mu.RUnlock()

	// Sends happen outside the lock: a slow client stalls only itself.
	for _, c := range conns {
		if err := m.sendRaw(c, data); err != nil {
			slog.Warn("Failed to send to WebSocket client",
				"connection_id", c.ID, "build_id", buildID, "error", err)
		}
	}
}

func (m *ConnectionManager) register(c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[c.ID] = c
	if m.builds[c.BuildID] == nil {
		m.builds[c.BuildID] = make(map[string]bool)
	}
	m.builds[c.BuildID][c.ID] = true
}

func (m *ConnectionManager) unregister(c *Connection) {
	m.mu.Lock()
	delete(m.connections, c.ID)
	if subs, ok := m.builds[c.BuildID]; ok {
		delete(subs, c.ID)
		if len(subs) == 0 {
			delete(m.builds, c.BuildID)
		}
	}
	m.mu.Unlock()

	c.cancel()
	_ = c.Conn.Close(websocket.StatusNormalClosure, "")
}

func (m *ConnectionManager) sendEnvelope(c *Connection, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return m.sendRaw(c, data)
}

func (m *ConnectionManager) sendJSON(c *Connection, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Failed to marshal WebSocket message", "connection_id", c.ID, "error", err)
		return
	}
	if err := m.sendRaw(c, data); err != nil {
		slog.Warn("Failed to send WebSocket message", "connection_id", c.ID, "error", err)
	}
}

func (m *ConnectionManager) sendRaw(c *Connection, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	writeCtx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
	defer cancel()
	return c.Conn.Write(writeCtx, websocket.MessageText, data)
}
