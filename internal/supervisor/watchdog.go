package supervisor

import (
	"context"
	"sync"
	"time"

	"stemdeck/internal/config"
	"stemdeck/internal/services"
)

// watchdog cancels a job context when it stops reporting progress or
// exceeds its absolute budget. Either threshold may be zero to disable it.
type watchdog struct {
	mu         sync.Mutex
	noProgress time.Duration
	idle       *time.Timer
	absolute   *time.Timer
	stopped    bool
	percent    float64
}

func startWatchdog(t config.Timeouts, cancel context.CancelCauseFunc) *watchdog {
	w := &watchdog{noProgress: t.NoProgress, percent: -1}
	if t.NoProgress > 0 {
		w.idle = time.AfterFunc(t.NoProgress, func() {
			cancel(&services.TimeoutError{Which: "no-progress", Threshold: t.NoProgress})
		})
	}
	if t.Absolute > 0 {
		w.absolute = time.AfterFunc(t.Absolute, func() {
			cancel(&services.TimeoutError{Which: "absolute", Threshold: t.Absolute})
		})
	}
	return w
}

// observe restarts the no-progress timer when percent differs from the last
// observed value. Negative percents carry no progress and are ignored.
func (w *watchdog) observe(percent float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if percent < 0 || percent == w.percent {
		return
	}
	w.percent = percent
	if !w.stopped && w.idle != nil {
		w.idle.Reset(w.noProgress)
	}
}

func (w *watchdog) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	if w.idle != nil {
		w.idle.Stop()
	}
	if w.absolute != nil {
		w.absolute.Stop()
	}
}
