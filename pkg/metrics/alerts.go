package metrics

import (
	"sync"
	"time"
)

// minAlertSamples is the minimum window population before the failure rate
// alert can fire, so a single early failure does not trip it.
const minAlertSamples = 10

// AlertKind identifies a threshold alert.
type AlertKind string

const (
	AlertFailureRate AlertKind = "failure_rate"
	AlertDailyCost   AlertKind = "daily_cost"
)

// Alert is one active threshold violation.
type Alert struct {
	Kind      AlertKind `json:"kind"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	FiredAt   time.Time `json:"fired_at"`
}

// alertState latches alerts per kind: fire returns true only on the
// transition into the firing state, clear only on the transition out.
type alertState struct {
	mu     sync.Mutex
	firing map[AlertKind]Alert
}

func newAlertState() *alertState {
	return &alertState{firing: make(map[AlertKind]Alert)}
}

func (s *alertState) fire(kind AlertKind, value, threshold float64, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.firing[kind]; ok {
		// Already firing; track the latest observed value.
		existing.Value = value
		s.firing[kind] = existing
		return false
	}
	s.firing[kind] = Alert{Kind: kind, Value: value, Threshold: threshold, FiredAt: at}
	return true
}

func (s *alertState) clear(kind AlertKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.firing[kind]; !ok {
		return false
	}
	delete(s.firing, kind)
	return true
}

func (s *alertState) active() []Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Alert, 0, len(s.firing))
	for _, a := range s.firing {
		out = append(out, a)
	}
	return out
}

// failureWindow is a rolling success/failure sample window.
type failureWindow struct {
	mu      sync.Mutex
	span    time.Duration
	samples []callSample
}

type callSample struct {
	at      time.Time
	success bool
}

func newFailureWindow(span time.Duration) *failureWindow {
	return &failureWindow{span: span}
}

func (w *failureWindow) add(at time.Time, success bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples = append(w.samples, callSample{at: at, success: success})
	w.pruneLocked(at)
}

// failureRate returns the failure fraction over the window and the sample
// count it was computed from.
func (w *failureWindow) failureRate(now time.Time) (float64, int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked(now)
	if len(w.samples) == 0 {
		return 0, 0
	}
	failures := 0
	for _, s := range w.samples {
		if !s.success {
			failures++
		}
	}
	return float64(failures) / float64(len(w.samples)), len(w.samples)
}

func (w *failureWindow) pruneLocked(now time.Time) {
	cutoff := now.Add(-w.span)
	i := 0
	for ; i < len(w.samples); i++ {
		if !w.samples[i].at.Before(cutoff) {
			break
		}
	}
	if i > 0 {
		w.samples = w.samples[i:]
	}
}
