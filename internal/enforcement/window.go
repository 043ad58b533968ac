package enforcement

import (
	"sync"
	"time"
)

type sample struct {
	at     time.Time
	denied bool
}

// rollingWindow tracks deny outcomes over a sliding time window.
type rollingWindow struct {
	mu      sync.Mutex
	window  time.Duration
	samples []sample
	nowFunc func() time.Time
}

func newRollingWindow(window time.Duration, nowFunc func() time.Time) *rollingWindow {
	if nowFunc == nil {
		nowFunc = time.Now
	}
	return &rollingWindow{window: window, nowFunc: nowFunc}
}

// add records one outcome and returns the current (total, denied) counts
// within the window.
func (w *rollingWindow) add(denied bool) (int, int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.nowFunc()
	w.samples = append(w.samples, sample{at: now, denied: denied})
	w.prune(now)

	return w.counts()
}

// reset drops all samples, used after the breaker trips so a demoted
// constraint starts from a clean slate.
func (w *rollingWindow) reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples = nil
}

func (w *rollingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	idx := 0
	for idx < len(w.samples) && w.samples[idx].at.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		w.samples = append(w.samples[:0:0], w.samples[idx:]...)
	}
}

func (w *rollingWindow) counts() (total, denied int) {
	total = len(w.samples)
	for _, s := range w.samples {
		if s.denied {
			denied++
		}
	}
	return total, denied
}
