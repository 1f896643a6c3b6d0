package router

import (
	"log/slog"
	"sync"
	"time"
)

// breakerState is the circuit breaker state for one provider.
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// breaker is a per-provider circuit breaker. Closed trips to Open after
// threshold consecutive failures. Open rejects calls until the open timeout
// elapses, then admits a single probe (Half-Open). A successful probe closes
// the breaker and resets the timeout; a failed probe re-opens it with the
// timeout doubled, capped at maxTimeout.
type breaker struct {
	mu sync.Mutex

	provider    string
	threshold   int
	baseTimeout time.Duration
	maxTimeout  time.Duration

	state       breakerState
	failures    int
	openTimeout time.Duration
	openedAt    time.Time
	probing     bool

	now func() time.Time

	// onTrip fires once per Closed -> Open transition.
	onTrip func(provider string)
}

func newBreaker(provider string, threshold int, openTimeout, maxTimeout time.Duration) *breaker {
	return &breaker{
		provider:    provider,
		threshold:   threshold,
		baseTimeout: openTimeout,
		maxTimeout:  maxTimeout,
		openTimeout: openTimeout,
		now:         time.Now,
	}
}

// Allow reports whether a call may be issued. In the Open state it admits
// nothing until the timeout elapses, at which point it transitions to
// Half-Open and admits exactly one probe.
func (b *breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		return true
	case breakerOpen:
		if b.now().Sub(b.openedAt) < b.openTimeout {
			return false
		}
		b.state = breakerHalfOpen
		b.probing = true
		slog.Info("Circuit breaker half-open", "provider", b.provider)
		return true
	case breakerHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
	return false
}

// RecordSuccess resets the breaker to Closed.
func (b *breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != breakerClosed {
		slog.Info("Circuit breaker closed", "provider", b.provider)
	}
	b.state = breakerClosed
	b.failures = 0
	b.openTimeout = b.baseTimeout
	b.probing = false
}

// RecordFailure counts a failure. In Closed it trips to Open at the
// threshold; in Half-Open it re-opens with a doubled timeout.
func (b *breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.open(b.baseTimeout)
		}
	case breakerHalfOpen:
		next := b.openTimeout * 2
		if next > b.maxTimeout {
			next = b.maxTimeout
		}
		b.open(next)
	case breakerOpen:
		// Late failure from a call admitted before the trip; already open.
	}
}

func (b *breaker) open(timeout time.Duration) {
	b.state = breakerOpen
	b.openTimeout = timeout
	b.openedAt = b.now()
	b.probing = false
	slog.Warn("Circuit breaker opened",
		"provider", b.provider,
		"consecutive_failures", b.failures,
		"open_timeout", timeout)
	if b.onTrip != nil {
		b.onTrip(b.provider)
	}
}

// State returns the current state for health reporting.
func (b *breaker) State() breakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == breakerOpen && b.now().Sub(b.openedAt) >= b.openTimeout {
		return breakerHalfOpen
	}
	return b.state
}

// ConsecutiveFailures returns the closed-state failure count.
func (b *breaker) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
