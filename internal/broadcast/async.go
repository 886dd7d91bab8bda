package broadcast

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("broadcaster closed")

type queued struct {
	ctx context.Context
	ev  Event
}

// Async decouples publishers from a slow sink. Events are delivered by a
// single goroutine in submission order; the queue is unbounded so Publish
// never blocks a job.
type Async struct {
	next    Broadcaster
	onError func(Event, error)

	mu      sync.Mutex
	pending []queued
	closed  bool
	wake    chan struct{}
	done    chan struct{}
}

// NewAsync starts the delivery goroutine. onError, when set, receives sink
// failures since Publish itself always succeeds.
func NewAsync(next Broadcaster, onError func(Event, error)) *Async {
	a := &Async{
		next:    next,
		onError: onError,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

// Publish implements Broadcaster.
func (a *Async) Publish(ctx context.Context, ev Event) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	a.pending = append(a.pending, queued{ctx: context.WithoutCancel(ctx), ev: ev})
	select {
	case a.wake <- struct{}{}:
	default:
	}
	a.mu.Unlock()
	return nil
}

// Len returns the number of undelivered events.
func (a *Async) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Close stops accepting events and waits until the queue drains or ctx ends.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.wake)
	}
	a.mu.Unlock()
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Async) run() {
	defer close(a.done)
	for {
		batch, closed := a.take()
		for _, item := range batch {
			if err := a.next.Publish(item.ctx, item.ev); err != nil && a.onError != nil {
				a.onError(item.ev, err)
			}
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-a.wake
	}
}

func (a *Async) take() ([]queued, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	batch := a.pending
	a.pending = nil
	return batch, a.closed
}
