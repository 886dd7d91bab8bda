package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"stemdeck/internal/broadcast"
	"stemdeck/internal/config"
	"stemdeck/internal/jobs"
	"stemdeck/internal/ledger"
	"stemdeck/internal/logging"
	"stemdeck/internal/metrics"
	"stemdeck/internal/services"
)

// Executor performs the kind-specific work of one job attempt.
type Executor interface {
	Execute(ctx context.Context, snap jobs.Snapshot, report jobs.ProgressFunc) (jobs.Result, error)
}

// Ledger applies the record transitions owned by a running job.
type Ledger interface {
	Begin(ctx context.Context, recordID int64, jobID string) error
	Complete(ctx context.Context, recordID int64, jobID string, result jobs.Result) error
	Fail(ctx context.Context, recordID int64, jobID, message string) error
	Release(ctx context.Context, recordID int64, jobID, reason string) error
}

// Options wires a supervisor for one lane.
type Options struct {
	Registry *jobs.Registry
	Executor Executor
	Ledger   Ledger
	Notifier *broadcast.Notifier
	// Timeouts returns the supervision thresholds for a spec.
	Timeouts func(jobs.Spec) config.Timeouts
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	// OnSuccess runs after a successful attempt has been recorded.
	OnSuccess func(ctx context.Context, snap jobs.Snapshot)
}

// Supervisor runs job attempts for one registry.
type Supervisor struct {
	opts   Options
	lane   string
	logger *slog.Logger
}

// New builds a supervisor.
func New(opts Options) *Supervisor {
	if opts.Notifier == nil {
		opts.Notifier = broadcast.NewNotifier(nil, nil, nil)
	}
	if opts.Timeouts == nil {
		opts.Timeouts = func(jobs.Spec) config.Timeouts { return config.Timeouts{} }
	}
	lane := string(opts.Registry.Kind())
	return &Supervisor{
		opts:   opts,
		lane:   lane,
		logger: logging.NewComponentLogger(opts.Logger, "supervisor"),
	}
}

// Run executes the active handle snap until it reaches a terminal state.
// ctx is the job context; cancelling it with jobs.ErrCancelled (or any
// non-timeout cause) ends the attempt as cancelled.
func (s *Supervisor) Run(ctx context.Context, snap jobs.Snapshot) jobs.Snapshot {
	ctx = services.WithJobID(ctx, snap.ID)
	ctx = services.WithJobKind(ctx, string(snap.Spec.Kind))
	ctx = services.WithUserID(ctx, snap.Spec.UserID)
	logger := logging.WithContext(ctx, s.logger).With(logging.ContentArgs(snap.Spec.ContentID, snap.Spec.VariantKey)...)
	start := time.Now()

	timeouts := s.opts.Timeouts(snap.Spec)
	jobCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	dog := startWatchdog(timeouts, cancel)
	defer dog.stop()

	logger.Info("job started",
		logging.Int("attempt", snap.Attempt),
		logging.Duration("no_progress_timeout", timeouts.NoProgress),
		logging.Duration("absolute_timeout", timeouts.Absolute),
		logging.String(logging.FieldEventType, "job_start"),
	)
	s.opts.Notifier.OnStart(ctx, snap)

	var (
		result jobs.Result
		err    error
	)
	if err = s.opts.Ledger.Begin(ctx, snap.RecordID, snap.ID); err != nil {
		err = services.Wrap(services.ErrLedger, "supervisor", "begin", "could not mark record in progress", err)
	} else {
		result, err = s.execute(jobCtx, snap, func(percent float64, message string) {
			dog.observe(percent)
			if percent < 0 && message == "" {
				return
			}
			if !s.opts.Registry.UpdateProgress(snap.ID, percent, message) {
				return
			}
			if current, ok := s.opts.Registry.Get(snap.ID); ok {
				s.opts.Notifier.OnProgress(ctx, current)
			}
		})
	}
	dog.stop()

	final := s.finish(ctx, logger, snap, result, err, context.Cause(jobCtx))
	s.opts.Metrics.ObserveFinished(s.lane, string(final.Status), string(final.ErrorKind), time.Since(start))
	return final
}

// execute runs the executor and converts a panic into an error.
func (s *Supervisor) execute(ctx context.Context, snap jobs.Snapshot, report jobs.ProgressFunc) (result jobs.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("executor panic",
				logging.String(logging.FieldJobID, snap.ID),
				logging.Any("panic", r),
				logging.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	return s.opts.Executor.Execute(ctx, snap, report)
}

func (s *Supervisor) finish(ctx context.Context, logger *slog.Logger, snap jobs.Snapshot, result jobs.Result, runErr, cause error) jobs.Snapshot {
	reg := s.opts.Registry

	// A finished executor wins over a late cancel or timeout.
	if runErr == nil {
		if err := s.opts.Ledger.Complete(ctx, snap.RecordID, snap.ID, result); err != nil {
			runErr = services.Wrap(services.ErrLedger, "supervisor", "complete", "could not record result", err)
		} else {
			final, _ := reg.Complete(snap.ID, result)
			logger.Info("job completed",
				logging.Int64("bytes", result.Bytes),
				logging.Int("outputs", len(result.Outputs)),
				logging.String(logging.FieldEventType, "job_complete"),
			)
			s.opts.Notifier.OnComplete(ctx, final)
			if s.opts.OnSuccess != nil {
				s.opts.OnSuccess(ctx, final)
			}
			return final
		}
	}

	var timeout *services.TimeoutError
	switch {
	case cause != nil && errors.As(cause, &timeout):
		runErr = timeout
	case cause != nil && !errors.Is(runErr, services.ErrLedger):
		if err := s.opts.Ledger.Release(ctx, snap.RecordID, snap.ID, "cancelled"); err != nil && !errors.Is(err, ledger.ErrNotOwner) {
			logging.WarnWithContext(logger, "failed to release reservation", "ledger_release_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "run 'stemdeck ledger repair' if the key stays busy"),
			)
		}
		final, _ := reg.MarkCancelled(snap.ID)
		logger.Info("job cancelled",
			logging.String("cause", cause.Error()),
			logging.String(logging.FieldEventType, "job_cancelled"),
		)
		s.opts.Notifier.OnCancel(ctx, final)
		return final
	}

	kind := services.KindOf(runErr)
	message := services.UserMessage(runErr)
	if !errors.Is(runErr, ledger.ErrNotOwner) {
		if err := s.opts.Ledger.Fail(ctx, snap.RecordID, snap.ID, message); err != nil && !errors.Is(err, ledger.ErrNotOwner) {
			logging.WarnWithContext(logger, "failed to record job failure", "ledger_fail_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "run 'stemdeck ledger repair' if the key stays busy"),
			)
		}
	}
	final, _ := reg.Fail(snap.ID, kind, message)
	logging.ErrorWithContext(logger, "job failed", "job_failed",
		logging.String(logging.FieldErrorKind, string(kind)),
		logging.Error(runErr),
	)
	s.opts.Notifier.OnError(ctx, final)
	return final
}
