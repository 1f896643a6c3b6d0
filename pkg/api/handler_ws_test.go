package api

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appforge/appforge/pkg/events"
	"github.com/appforge/appforge/pkg/models"
)

// echoStream sends one hello frame and returns.
type echoStream struct{ served []string }

func (e *echoStream) HandleBuildStream(ctx context.Context, conn *websocket.Conn, buildID string) {
	e.served = append(e.served, buildID)
	_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"connection.established"}`))
	_, _, _ = conn.Read(ctx)
}

func newWSEnv(t *testing.T) (*testEnv, *echoStream, string) {
	t.Helper()
	builds := newFakeBuildStore()
	stages := &fakeStageStore{stages: make(map[string]*models.StageInstance)}
	stream := &echoStream{}
	auth := NewStaticAuthenticator(map[string]string{"alice-token": "alice"})
	srv := NewServer(builds, stages, &fakeEventStore{}, &fakePool{healthy: true}, &fakeDB{}, fakeStats{}, stream, auth)

	env := &testEnv{builds: builds, stages: stages, router: srv.Router()}
	ts := httptest.NewServer(env.router)
	t.Cleanup(ts.Close)
	return env, stream, "ws" + strings.TrimPrefix(ts.URL, "http")
}

// dialAndAwaitClose dials and returns the close code received on first read.
func dialAndAwaitClose(t *testing.T, url string) websocket.StatusCode {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	_, _, err = conn.Read(ctx)
	require.Error(t, err)
	return websocket.CloseStatus(err)
}

func TestBuildStreamRejectsBadToken(t *testing.T) {
	_, _, base := newWSEnv(t)
	code := dialAndAwaitClose(t, base+"/ws/builds/b1?token=bogus")
	assert.Equal(t, websocket.StatusCode(events.CloseUnauthorized), code)
}

func TestBuildStreamRejectsUnknownBuild(t *testing.T) {
	_, _, base := newWSEnv(t)
	code := dialAndAwaitClose(t, base+"/ws/builds/nope?token=alice-token")
	assert.Equal(t, websocket.StatusCode(events.CloseNotFound), code)
}

func TestBuildStreamRejectsForeignBuild(t *testing.T) {
	env, _, base := newWSEnv(t)
	env.seedBuild("b1", "someone-else", models.BuildStatusRunning)
	code := dialAndAwaitClose(t, base+"/ws/builds/b1?token=alice-token")
	assert.Equal(t, websocket.StatusCode(events.CloseNotFound), code)
}

func TestBuildStreamServesOwnedBuild(t *testing.T) {
	env, stream, base := newWSEnv(t)
	env.seedBuild("b1", "alice", models.BuildStatusRunning)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, base+"/ws/builds/b1?token=alice-token", nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.Contains(t, string(data), "connection.established")
	assert.Equal(t, []string{"b1"}, stream.served)
}

func TestBuildStreamRateLimits(t *testing.T) {
	env, _, base := newWSEnv(t)
	env.seedBuild("b1", "alice", models.BuildStatusRunning)

	// The per-user burst is 5; the sixth immediate subscription is refused.
	var last websocket.StatusCode
	for i := 0; i < 6; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		conn, _, err := websocket.Dial(ctx, base+"/ws/builds/b1?token=alice-token", nil)
		require.NoError(t, err)
		_, _, readErr := conn.Read(ctx)
		if readErr != nil {
			last = websocket.CloseStatus(readErr)
		} else {
			last = 0
			_ = conn.Close(websocket.StatusNormalClosure, "")
		}
		conn.CloseNow()
		cancel()
	}
	assert.Equal(t, websocket.StatusCode(events.CloseRateLimited), last)
}
