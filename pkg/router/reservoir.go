package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// tightenFactor multiplies the minimum inter-request delay after each
// consecutive rate-limit error. tightenCap bounds the total stretch.
const (
	tightenFactor = 2.0
	tightenCap    = 8.0

	// defaultRetryAfter applies when a 429 carries no Retry-After hint.
	defaultRetryAfter = 60 * time.Second
)

// reservoir schedules outbound calls to one provider. It enforces the
// configured token-bucket allowance ({maxRequests, window}) by spacing
// concurrent callers at a minimum inter-request delay of window/maxRequests,
// and holds all callers back while the provider has told us to stay away.
type reservoir struct {
	provider  string
	baseDelay time.Duration
	limiter   *rate.Limiter

	mu            sync.Mutex
	stretch       float64
	depletedUntil time.Time

	now func() time.Time
}

func newReservoir(provider string, maxRequests int, window time.Duration) *reservoir {
	delay := window / time.Duration(maxRequests)
	if delay <= 0 {
		delay = time.Millisecond
	}
	return &reservoir{
		provider:  provider,
		baseDelay: delay,
		limiter:   rate.NewLimiter(rate.Every(delay), 1),
		stretch:   1.0,
		now:       time.Now,
	}
}

// Acquire blocks until a request slot is available or ctx expires. Callers
// hold no resource afterwards; the slot is consumed on acquisition.
func (r *reservoir) Acquire(ctx context.Context) error {
	if wait := r.depletedFor(); wait > 0 {
		slog.Debug("Provider reservoir depleted, waiting",
			"provider", r.provider, "wait", wait)
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}
	return nil
}

// TryAcquire reports whether a slot is immediately available, consuming it
// when so.
func (r *reservoir) TryAcquire() bool {
	if r.depletedFor() > 0 {
		return false
	}
	return r.limiter.Allow()
}

// MarkDepleted blocks the reservoir until the provider's retry-after hint
// expires (or the default window when no hint was given) and tightens the
// inter-request delay for subsequent calls.
func (r *reservoir) MarkDepleted(retryAfter time.Duration) {
	if retryAfter <= 0 {
		retryAfter = defaultRetryAfter
	}
	r.mu.Lock()
	until := r.now().Add(retryAfter)
	if until.After(r.depletedUntil) {
		r.depletedUntil = until
	}
	if r.stretch < tightenCap {
		r.stretch *= tightenFactor
		if r.stretch > tightenCap {
			r.stretch = tightenCap
		}
		r.limiter.SetLimit(rate.Every(time.Duration(float64(r.baseDelay) * r.stretch)))
	}
	stretch := r.stretch
	r.mu.Unlock()

	slog.Warn("Provider rate limited",
		"provider", r.provider,
		"retry_after", retryAfter,
		"delay_stretch", fmt.Sprintf("%.1fx", stretch))
}

// MarkHealthy relaxes the schedule back to the configured delay after a
// successful call.
func (r *reservoir) MarkHealthy() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stretch != 1.0 {
		r.stretch = 1.0
		r.limiter.SetLimit(rate.Every(r.baseDelay))
	}
	r.depletedUntil = time.Time{}
}

func (r *reservoir) depletedFor() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.depletedUntil.IsZero() {
		return 0
	}
	return r.depletedUntil.Sub(r.now())
}
