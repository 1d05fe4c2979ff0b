package launcher

import "time"

// restartWindow counts restarts inside a rolling time span.
type restartWindow struct {
	span  time.Duration
	times []time.Time
}

func newRestartWindow(span time.Duration) *restartWindow {
	return &restartWindow{span: span}
}

func (w *restartWindow) record(t time.Time) {
	w.times = append(w.times, t)
}

// size prunes entries older than the span and returns the remaining count.
func (w *restartWindow) size(now time.Time) int {
	cutoff := now.Add(-w.span)
	i := 0
	for i < len(w.times) && !w.times[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.times = append(w.times[:0], w.times[i:]...)
	}
	return len(w.times)
}

func (w *restartWindow) reset() {
	w.times = w.times[:0]
}
