package broadcast

import (
	"context"
	"sync"
	"time"
)

// Recorder keeps every event in memory. Tests use it to assert ordering.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	notify chan struct{}
}

// NewRecorder returns an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{notify: make(chan struct{}, 1)}
}

// Publish implements Broadcaster.
func (r *Recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
	return nil
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// ForJob returns the events recorded for one job in publish order.
func (r *Recorder) ForJob(jobID string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.JobID == jobID {
			out = append(out, ev)
		}
	}
	return out
}

// WaitTerminal blocks until jobID has a terminal event or ctx ends.
func (r *Recorder) WaitTerminal(ctx context.Context, jobID string) (Event, bool) {
	for {
		for _, ev := range r.ForJob(jobID) {
			if ev.Type.Terminal() {
				return ev, true
			}
		}
		select {
		case <-r.notify:
		case <-time.After(10 * time.Millisecond):
		case <-ctx.Done():
			return Event{}, false
		}
	}
}
