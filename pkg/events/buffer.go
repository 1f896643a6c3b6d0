package events

import (
	"sync"
	"time"
)

// replayBuffer keeps the recent events of every active build in memory so a
// subscriber that attaches mid-build receives context without a DB round
// trip. Each build's ring is bounded by event count and by total payload
// bytes; whichever bound is hit first evicts from the front.
//
// A build's ring is dropped a grace period after its terminal event, so
// late subscribers to a just-finished build still get the tail.
type replayBuffer struct {
	mu     sync.Mutex
	builds map[string]*buildRing

	maxCount int
	maxBytes int
	grace    time.Duration

	now func() time.Time
}

type buildRing struct {
	entries []bufferedEvent
	bytes   int

	// terminalAt is set when the build's terminal event arrives; zero while
	// the build is live.
	terminalAt time.Time
}

type bufferedEvent struct {
	envelope Envelope
	size     int
}

func newReplayBuffer(maxCount, maxBytes int, grace time.Duration) *replayBuffer {
	return &replayBuffer{
		builds:   make(map[string]*buildRing),
		maxCount: maxCount,
		maxBytes: maxBytes,
		grace:    grace,
		now:      time.Now,
	}
}

// Append records one event, evicting from the front when either bound is
// exceeded. size is the serialized payload length.
func (b *replayBuffer) Append(env Envelope, size int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ring, ok := b.builds[env.PipelineID]
	if !ok {
		ring = &buildRing{}
		b.builds[env.PipelineID] = ring
	}

	ring.entries = append(ring.entries, bufferedEvent{envelope: env, size: size})
	ring.bytes += size
	for len(ring.entries) > b.maxCount || (b.maxBytes > 0 && ring.bytes > b.maxBytes && len(ring.entries) > 1) {
		ring.bytes -= ring.entries[0].size
		ring.entries = ring.entries[1:]
	}

	if env.terminal() {
		ring.terminalAt = b.now()
	}
}

// Replay returns up to limit most recent events for a build, oldest first.
func (b *replayBuffer) Replay(buildID string, limit int) []Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()

	ring, ok := b.builds[buildID]
	if !ok {
		return nil
	}
	entries := ring.entries
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	out := make([]Envelope, len(entries))
	for i, e := range entries {
		out[i] = e.envelope
	}
	return out
}

// Sweep drops rings whose build terminated longer than the grace period
// ago. Returns how many rings were evicted.
func (b *replayBuffer) Sweep() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := b.now().Add(-b.grace)
	evicted := 0
	for buildID, ring := range b.builds {
		if !ring.terminalAt.IsZero() && ring.terminalAt.Before(cutoff) {
			delete(b.builds, buildID)
			evicted++
		}
	}
	return evicted
}

func (b *replayBuffer) buildCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.builds)
}
