package supervisor

import "time"

const (
	// DefaultMaxRestarts bounds automatic restarts inside one window.
	DefaultMaxRestarts = 5
	// DefaultRestartWindow is the sliding window the bound applies to.
	DefaultRestartWindow = 10 * time.Minute
	// maxBackoff caps the exponential wait between restart attempts.
	maxBackoff = 60 * time.Second
)

// Backoff returns the wait before restart attempt n (zero-based): 1s << n,
// capped at 60s.
func Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 6 {
		return maxBackoff
	}
	d := time.Second << uint(attempt)
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// restartWindow counts restart attempts inside a sliding window. Not safe
// for concurrent use; the supervisor calls it under its own lock.
type restartWindow struct {
	max    int
	window time.Duration
	times  []time.Time
}

func newRestartWindow(max int, window time.Duration) *restartWindow {
	if max <= 0 {
		max = DefaultMaxRestarts
	}
	if window <= 0 {
		window = DefaultRestartWindow
	}
	return &restartWindow{max: max, window: window}
}

// Allow reports whether another restart fits in the window ending at now.
func (w *restartWindow) Allow(now time.Time) bool {
	w.prune(now)
	return len(w.times) < w.max
}

// Record counts one restart attempt at now.
func (w *restartWindow) Record(now time.Time) {
	w.prune(now)
	w.times = append(w.times, now)
}

// Count returns how many attempts remain inside the window.
func (w *restartWindow) Count(now time.Time) int {
	w.prune(now)
	return len(w.times)
}

func (w *restartWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	kept := w.times[:0]
	for _, t := range w.times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.times = kept
}
