package events

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func liveEvent(buildID string, n int) Envelope {
	return Envelope{
		Type:       EventTypeStageUpdate,
		PipelineID: buildID,
		Stage:      "coding_file",
		Status:     "running",
		Message:    fmt.Sprintf("event %d", n),
		EventID:    int64(n),
	}
}

func TestReplayBufferCountBound(t *testing.T) {
	buf := newReplayBuffer(3, 0, time.Minute)
	for i := 1; i <= 5; i++ {
		buf.Append(liveEvent("b1", i), 10)
	}

	got := buf.Replay("b1", 0)
	require.Len(t, got, 3)
	assert.Equal(t, int64(3), got[0].EventID)
	assert.Equal(t, int64(5), got[2].EventID)
}

func TestReplayBufferByteBound(t *testing.T) {
	buf := newReplayBuffer(100, 25, time.Minute)
	for i := 1; i <= 5; i++ {
		buf.Append(liveEvent("b1", i), 10)
	}

	// 25 bytes holds two 10-byte events once the third arrives.
	got := buf.Replay("b1", 0)
	require.Len(t, got, 2)
	assert.Equal(t, int64(4), got[0].EventID)
	assert.Equal(t, int64(5), got[1].EventID)
}

func TestReplayBufferKeepsOversizedSingleEvent(t *testing.T) {
	buf := newReplayBuffer(100, 25, time.Minute)
	buf.Append(liveEvent("b1", 1), 500)

	// A single event larger than the byte bound is still replayable.
	assert.Len(t, buf.Replay("b1", 0), 1)
}

func TestReplayBufferLimit(t *testing.T) {
	buf := newReplayBuffer(100, 0, time.Minute)
	for i := 1; i <= 10; i++ {
		buf.Append(liveEvent("b1", i), 10)
	}

	got := buf.Replay("b1", 4)
	require.Len(t, got, 4)
	assert.Equal(t, int64(7), got[0].EventID)
	assert.Equal(t, int64(10), got[3].EventID)
}

func TestReplayBufferIsolatesBuilds(t *testing.T) {
	buf := newReplayBuffer(100, 0, time.Minute)
	buf.Append(liveEvent("b1", 1), 10)
	buf.Append(liveEvent("b2", 2), 10)

	assert.Len(t, buf.Replay("b1", 0), 1)
	assert.Len(t, buf.Replay("b2", 0), 1)
	assert.Empty(t, buf.Replay("b3", 0))
}

func TestReplayBufferSweepsAfterTerminalGrace(t *testing.T) {
	now := time.Now()
	buf := newReplayBuffer(100, 0, 5*time.Minute)
	buf.now = func() time.Time { return now }

	buf.Append(liveEvent("b1", 1), 10)
	buf.Append(Envelope{Type: EventTypePipelineComplete, PipelineID: "b1", Status: "completed"}, 10)
	buf.Append(liveEvent("b2", 1), 10)

	// Within the grace period the terminated build is still replayable.
	assert.Equal(t, 0, buf.Sweep())
	assert.Len(t, buf.Replay("b1", 0), 2)

	now = now.Add(6 * time.Minute)
	assert.Equal(t, 1, buf.Sweep())
	assert.Empty(t, buf.Replay("b1", 0))
	assert.Len(t, buf.Replay("b2", 0), 1)
}

func TestReplayBufferTerminalViaStatusUpdate(t *testing.T) {
	now := time.Now()
	buf := newReplayBuffer(100, 0, time.Minute)
	buf.now = func() time.Time { return now }

	buf.Append(Envelope{Type: EventTypePipelineUpdate, PipelineID: "b1", Status: "cancelled"}, 10)
	now = now.Add(2 * time.Minute)
	assert.Equal(t, 1, buf.Sweep())
}
