package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"stemdeck/internal/broadcast"
	"stemdeck/internal/jobs"
	"stemdeck/internal/ledger"
	"stemdeck/internal/logging"
	"stemdeck/internal/metrics"
	"stemdeck/internal/services"
	"stemdeck/internal/worker"
)

// Reservations is the coordinator surface the boundary drives.
type Reservations interface {
	Acquire(ctx context.Context, spec jobs.Spec, jobID string) (ledger.Reservation, error)
	CheckOrReserve(ctx context.Context, spec jobs.Spec, jobID string) (ledger.Reservation, error)
	Release(ctx context.Context, recordID int64, jobID, reason string) error
}

// AccessStore is the user access surface of the ledger.
type AccessStore interface {
	GrantAccess(ctx context.Context, userID string, rec ledger.GlobalRecord, jobID string) (ledger.AccessRecord, error)
	ListAccess(ctx context.Context, userID string) ([]ledger.AccessRecord, error)
	DeleteAccess(ctx context.Context, userID, contentID string, kind jobs.Kind) (bool, error)
	Stats(ctx context.Context) (ledger.Stats, error)
}

// Options wires a Service.
type Options struct {
	Reservations Reservations
	Access       AccessStore
	Workers      []*worker.Worker
	Notifier     *broadcast.Notifier
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
}

// Service implements the boundary operations.
type Service struct {
	reservations Reservations
	access       AccessStore
	workers      map[jobs.Kind]*worker.Worker
	order        []jobs.Kind
	notifier     *broadcast.Notifier
	metrics      *metrics.Metrics
	logger       *slog.Logger
	newID        func() string
}

// New constructs a Service over one worker per job kind.
func New(opts Options) *Service {
	s := &Service{
		reservations: opts.Reservations,
		access:       opts.Access,
		workers:      make(map[jobs.Kind]*worker.Worker, len(opts.Workers)),
		notifier:     opts.Notifier,
		metrics:      opts.Metrics,
		logger:       logging.NewComponentLogger(opts.Logger, "pipeline"),
		newID:        uuid.NewString,
	}
	for _, w := range opts.Workers {
		s.workers[w.Kind()] = w
		s.order = append(s.order, w.Kind())
	}
	return s
}

// SubmitResult tells the caller what happened to a submission.
type SubmitResult struct {
	JobID string `json:"job_id"`
	// Existing is true when the result was already available.
	Existing bool `json:"existing"`
	// InProgress is true when another job owns the key; the caller should
	// wait and poll.
	InProgress bool         `json:"in_progress"`
	Result     *jobs.Result `json:"result,omitempty"`
	Message    string       `json:"message,omitempty"`
}

// Submit deduplicates spec against the ledger and enqueues new work.
func (s *Service) Submit(ctx context.Context, spec jobs.Spec) (SubmitResult, error) {
	spec = spec.Normalize()
	if err := spec.Validate(); err != nil {
		s.metrics.ObserveSubmission(string(spec.Kind), "invalid")
		return SubmitResult{}, err
	}
	w, ok := s.workers[spec.Kind]
	if !ok {
		return SubmitResult{}, services.Wrap(services.ErrConfiguration, "pipeline", "submit", fmt.Sprintf("no worker runs %s jobs", spec.Kind), nil)
	}

	jobID := s.newID()
	ctx = services.WithJobID(ctx, jobID)
	logger := logging.WithContext(ctx, s.logger).
		With(logging.ContentArgs(spec.ContentID, spec.VariantKey)...).
		With(logging.String(logging.FieldUserID, spec.UserID), logging.String(logging.FieldJobKind, string(spec.Kind)))

	res, err := s.reservations.Acquire(ctx, spec, jobID)
	if err != nil {
		s.metrics.ObserveSubmission(string(spec.Kind), "error")
		return SubmitResult{}, err
	}
	s.metrics.ObserveSubmission(string(spec.Kind), res.Outcome.String())

	switch res.Outcome {
	case ledger.OutcomeAlreadyComplete:
		if _, err := s.access.GrantAccess(ctx, spec.UserID, res.Record, res.Record.JobID); err != nil {
			return SubmitResult{}, err
		}
		result := res.Record.Payload.Result()
		logger.Info("submission satisfied from ledger", logging.String(logging.FieldEventType, "submit_existing"))
		return SubmitResult{JobID: res.Record.JobID, Existing: true, Result: &result, Message: "already available"}, nil

	case ledger.OutcomeInProgressElsewhere:
		if _, err := s.access.GrantAccess(ctx, spec.UserID, res.Record, res.Record.JobID); err != nil {
			return SubmitResult{}, err
		}
		logger.Info("submission waiting on another job",
			logging.String(logging.FieldEventType, "submit_in_progress"),
			logging.String("owner_job_id", res.Record.JobID),
		)
		return SubmitResult{
			JobID:      res.Record.JobID,
			InProgress: true,
			Message:    services.UserMessage(services.ErrContention),
		}, nil

	case ledger.OutcomeReserved:
		if _, err := s.access.GrantAccess(ctx, spec.UserID, res.Record, jobID); err != nil {
			s.release(ctx, res.Record.ID, jobID, "access grant failed")
			return SubmitResult{}, err
		}
		snap, err := w.EnqueueWithID(jobID, spec, res.Record.ID)
		if err != nil {
			s.release(ctx, res.Record.ID, jobID, "enqueue failed")
			return SubmitResult{}, err
		}
		logger.Info("job queued",
			logging.String(logging.FieldEventType, "submit_reserved"),
			logging.Int64("record_id", res.Record.ID),
		)
		return SubmitResult{JobID: snap.ID, Message: "queued"}, nil

	default:
		return SubmitResult{}, fmt.Errorf("unexpected reservation outcome %s", res.Outcome)
	}
}

// Status returns the current snapshot of a job.
func (s *Service) Status(jobID string) (jobs.Snapshot, error) {
	_, snap, ok := s.lookup(jobID)
	if !ok {
		return jobs.Snapshot{}, jobs.ErrUnknownJob
	}
	return snap, nil
}

// Cancel cancels a queued or active job. It returns false when the job is
// unknown or already terminal. A queued job's reservation is released here;
// an active job's is released by its supervisor.
func (s *Service) Cancel(ctx context.Context, jobID string) (bool, error) {
	w, _, ok := s.lookup(jobID)
	if !ok {
		return false, nil
	}
	res, ok := w.Cancel(jobID)
	if !ok {
		return false, nil
	}
	logger := logging.WithContext(services.WithJobID(ctx, jobID), s.logger)
	if res.WasActive {
		logger.Info("cancel requested for active job", logging.String(logging.FieldEventType, "cancel_active"))
		return true, nil
	}
	logger.Info("queued job cancelled", logging.String(logging.FieldEventType, "cancel_queued"))
	s.notifier.OnCancel(ctx, res.Snapshot)
	if err := s.reservations.Release(ctx, res.Snapshot.RecordID, jobID, "cancelled"); err != nil && !errors.Is(err, ledger.ErrNotOwner) {
		return true, err
	}
	return true, nil
}

// Retry re-runs a failed or cancelled job under the same id and the same
// ledger record.
func (s *Service) Retry(ctx context.Context, jobID string) (string, error) {
	w, snap, ok := s.lookup(jobID)
	if !ok {
		return "", jobs.ErrUnknownJob
	}
	if !snap.Status.Retryable() {
		return "", services.Wrap(services.ErrValidation, "pipeline", "retry", fmt.Sprintf("job %s is %s; only failed or cancelled jobs can be retried", jobID, snap.Status), nil)
	}
	ctx = services.WithJobID(ctx, jobID)
	logger := logging.WithContext(ctx, s.logger)

	res, err := s.reservations.CheckOrReserve(ctx, snap.Spec, jobID)
	if err != nil {
		return "", err
	}
	switch res.Outcome {
	case ledger.OutcomeAlreadyComplete:
		if _, err := s.access.GrantAccess(ctx, snap.Spec.UserID, res.Record, res.Record.JobID); err != nil {
			return "", err
		}
		return res.Record.JobID, nil
	case ledger.OutcomeInProgressElsewhere:
		if _, err := s.access.GrantAccess(ctx, snap.Spec.UserID, res.Record, res.Record.JobID); err != nil {
			return "", err
		}
		return "", services.Wrap(services.ErrContention, "pipeline", "retry", "another job is producing this item", nil)
	}

	again, err := w.Requeue(jobID)
	if err != nil {
		s.release(ctx, res.Record.ID, jobID, "requeue failed")
		return "", err
	}
	if _, err := s.access.GrantAccess(ctx, snap.Spec.UserID, res.Record, jobID); err != nil {
		logging.WarnWithContext(logger, "access row not refreshed for retry", "retry_access_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "the user's list shows the previous outcome until the job finishes"),
		)
	}
	logger.Info("job requeued",
		logging.String(logging.FieldEventType, "retry"),
		logging.Int("attempt", again.Attempt),
	)
	return again.ID, nil
}

// Forget removes a user's access to an item. The global record and its
// artifacts stay, as do other users' rows. Terminal handles of that user for
// the item are dropped from the registry.
func (s *Service) Forget(ctx context.Context, userID, contentID string, kind jobs.Kind) (bool, error) {
	if userID == "" || contentID == "" || !kind.Valid() {
		return false, services.Wrap(services.ErrValidation, "pipeline", "forget", "user id, content id and kind are required", nil)
	}
	removed, err := s.access.DeleteAccess(ctx, userID, contentID, kind)
	if err != nil {
		return false, err
	}
	if w, ok := s.workers[kind]; ok {
		for _, snap := range w.Registry().ListForUser(userID) {
			if snap.Spec.ContentID == contentID && snap.Status.Terminal() {
				if w.Registry().Remove(snap.ID) {
					removed = true
				}
			}
		}
	}
	return removed, nil
}

// Stats summarizes worker lanes and ledger contents.
type Stats struct {
	Lanes  []worker.Stats `json:"lanes"`
	Ledger ledger.Stats   `json:"ledger"`
}

// Stats returns per-lane queue counts and ledger totals.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	out := Stats{}
	for _, kind := range s.order {
		out.Lanes = append(out.Lanes, s.workers[kind].Stats())
	}
	ls, err := s.access.Stats(ctx)
	if err != nil {
		return out, err
	}
	out.Ledger = ls
	return out, nil
}

// Shutdown stops the workers, releases the reservations of jobs that never
// started, and reports each as cancelled.
func (s *Service) Shutdown(ctx context.Context) {
	for _, kind := range s.order {
		w := s.workers[kind]
		w.Stop()
		for _, snap := range w.Drain() {
			s.notifier.OnCancel(ctx, snap)
			s.release(ctx, snap.RecordID, snap.ID, "cancelled by shutdown")
		}
	}
}

func (s *Service) lookup(jobID string) (*worker.Worker, jobs.Snapshot, bool) {
	for _, kind := range s.order {
		w := s.workers[kind]
		if snap, ok := w.Registry().Get(jobID); ok {
			return w, snap, true
		}
	}
	return nil, jobs.Snapshot{}, false
}

func (s *Service) release(ctx context.Context, recordID int64, jobID, reason string) {
	if recordID == 0 {
		return
	}
	if err := s.reservations.Release(ctx, recordID, jobID, reason); err != nil && !errors.Is(err, ledger.ErrNotOwner) {
		logging.ErrorWithContext(s.logger, "failed to release reservation", "reservation_release_failed",
			logging.String(logging.FieldJobID, jobID),
			logging.Int64("record_id", recordID),
			logging.String("reason", reason),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "the record is reset to failed on the next daemon start"),
		)
	}
}
