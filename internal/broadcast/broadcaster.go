package broadcast

import (
	"context"
	"errors"
	"log/slog"

	"stemdeck/internal/jobs"
	"stemdeck/internal/logging"
	"stemdeck/internal/metrics"
)

// Broadcaster publishes lifecycle events. Implementations must be safe for
// concurrent use.
type Broadcaster interface {
	Publish(ctx context.Context, ev Event) error
}

// Nop discards every event.
type Nop struct{}

// Publish implements Broadcaster.
func (Nop) Publish(context.Context, Event) error { return nil }

// Fanout publishes to every sink and joins their errors.
type Fanout []Broadcaster

// Publish implements Broadcaster.
func (f Fanout) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, b := range f {
		if b == nil {
			continue
		}
		if err := b.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Notifier exposes the per-job callbacks the supervisor drives. Delivery
// failures are logged and counted, never returned: a broken sink must not
// change a job's outcome.
type Notifier struct {
	sink    Broadcaster
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewNotifier wraps sink. A nil sink behaves like Nop.
func NewNotifier(sink Broadcaster, logger *slog.Logger, m *metrics.Metrics) *Notifier {
	if sink == nil {
		sink = Nop{}
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Notifier{sink: sink, logger: logger, metrics: m}
}

func (n *Notifier) OnStart(ctx context.Context, snap jobs.Snapshot) {
	n.emit(ctx, EventStart, snap)
}

func (n *Notifier) OnProgress(ctx context.Context, snap jobs.Snapshot) {
	n.emit(ctx, EventProgress, snap)
}

func (n *Notifier) OnComplete(ctx context.Context, snap jobs.Snapshot) {
	n.emit(ctx, EventComplete, snap)
}

func (n *Notifier) OnError(ctx context.Context, snap jobs.Snapshot) {
	n.emit(ctx, EventError, snap)
}

// OnCancel is the neutral terminal event for user cancellation.
func (n *Notifier) OnCancel(ctx context.Context, snap jobs.Snapshot) {
	n.emit(ctx, EventCancel, snap)
}

// Terminal emits the event matching the snapshot's terminal status.
func (n *Notifier) Terminal(ctx context.Context, snap jobs.Snapshot) {
	switch snap.Status {
	case jobs.StatusCompleted:
		n.OnComplete(ctx, snap)
	case jobs.StatusCancelled:
		n.OnCancel(ctx, snap)
	case jobs.StatusFailed:
		n.OnError(ctx, snap)
	}
}

func (n *Notifier) emit(ctx context.Context, t EventType, snap jobs.Snapshot) {
	if n == nil {
		return
	}
	if err := n.sink.Publish(ctx, NewEvent(t, snap)); err != nil {
		n.metrics.ObserveBroadcastFailure()
		logging.WarnWithContext(n.logger, "broadcast delivery failed", "broadcast_failed",
			logging.String(logging.FieldJobID, snap.ID),
			logging.String("event", string(t)),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check the broadcast sink configuration"),
			logging.String(logging.FieldImpact, "clients may miss this job update"),
		)
	}
}
