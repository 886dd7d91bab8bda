// Package reservation arbitrates concurrent requests for the same unit of
// work. It wraps the ledger's atomic check-or-reserve with bounded retry and
// exposes the transitions a supervisor applies to the record it owns.
package reservation

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"stemdeck/internal/backoff"
	"stemdeck/internal/jobs"
	"stemdeck/internal/ledger"
	"stemdeck/internal/logging"
	"stemdeck/internal/metrics"
	"stemdeck/internal/services"
)

// Store is the subset of the ledger the coordinator drives.
type Store interface {
	CheckOrReserve(ctx context.Context, key jobs.Key, jobID, ownerVariant string) (ledger.Reservation, error)
	MarkInProgress(ctx context.Context, id int64, jobID string) error
	MarkComplete(ctx context.Context, id int64, jobID string, payload ledger.Payload) error
	MarkFailed(ctx context.Context, id int64, jobID, message string) error
}

// terminalWriteTimeout bounds ledger writes made after the job context ended.
const terminalWriteTimeout = 10 * time.Second

// Coordinator owns the reservation protocol.
type Coordinator struct {
	store   Store
	policy  backoff.Policy
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New constructs a coordinator. policy bounds both contention waits and
// ledger error retries.
func New(store Store, policy backoff.Policy, logger *slog.Logger, m *metrics.Metrics) *Coordinator {
	return &Coordinator{
		store:   store,
		policy:  policy,
		logger:  logging.NewComponentLogger(logger, "reservation"),
		metrics: m,
	}
}

func ownerVariant(spec jobs.Spec) string {
	if spec.Kind == jobs.KindExtraction {
		return spec.VariantKey
	}
	return ""
}

// CheckOrReserve runs one atomic check-or-reserve. Ledger failures are
// retried with backoff; once the bound is exhausted the caller gets a
// transient "try again" error and no reservation exists, because each
// attempt's transaction rolled back.
func (c *Coordinator) CheckOrReserve(ctx context.Context, spec jobs.Spec, jobID string) (ledger.Reservation, error) {
	key := spec.Key()
	res, err := backoff.Retry(ctx, c.policy, func(int) (ledger.Reservation, error) {
		res, err := c.store.CheckOrReserve(ctx, key, jobID, ownerVariant(spec))
		if err != nil && errors.Is(err, services.ErrValidation) {
			return res, backoff.Permanent(err)
		}
		return res, err
	}, func(err error, next time.Duration) {
		c.metrics.ObserveReservationRetry(string(spec.Kind), "ledger_error")
		c.logger.Warn("ledger check failed, retrying",
			logging.String(logging.FieldContentID, spec.ContentID),
			logging.String(logging.FieldVariant, spec.VariantKey),
			logging.Duration("retry_in", next),
			logging.Error(err),
		)
	})
	if err == nil {
		return res, nil
	}
	if errors.Is(err, services.ErrValidation) || ctx.Err() != nil {
		return ledger.Reservation{}, err
	}
	logging.ErrorWithContext(c.logger, "ledger check exhausted retries", "reservation_failed",
		logging.String(logging.FieldContentID, spec.ContentID),
		logging.String(logging.FieldVariant, spec.VariantKey),
		logging.String(logging.FieldErrorHint, "check ledger health with 'stemdeck ledger health'"),
		logging.Error(err),
	)
	return ledger.Reservation{}, services.Wrap(services.ErrTransient, "reservation", "check or reserve", "ledger unavailable, try again shortly", err)
}

// Acquire repeats CheckOrReserve while another job owns the key, backing off
// with jitter between attempts. When the bound is exhausted it returns the
// last InProgressElsewhere outcome without an error.
func (c *Coordinator) Acquire(ctx context.Context, spec jobs.Spec, jobID string) (ledger.Reservation, error) {
	res, err := backoff.Retry(ctx, c.policy, func(int) (ledger.Reservation, error) {
		res, err := c.CheckOrReserve(ctx, spec, jobID)
		if err != nil {
			return res, backoff.Permanent(err)
		}
		if res.Outcome == ledger.OutcomeInProgressElsewhere {
			return res, backoff.ErrRetry
		}
		return res, nil
	}, func(_ error, next time.Duration) {
		c.metrics.ObserveReservationRetry(string(spec.Kind), "contention")
		c.logger.Debug("key owned by another job, backing off",
			logging.String(logging.FieldContentID, spec.ContentID),
			logging.String(logging.FieldVariant, spec.VariantKey),
			logging.Duration("retry_in", next),
		)
	})
	if errors.Is(err, backoff.ErrRetry) {
		return res, nil
	}
	return res, err
}

// Begin marks the reserved record as being produced by jobID.
func (c *Coordinator) Begin(ctx context.Context, recordID int64, jobID string) error {
	return c.write(ctx, func(ctx context.Context) error {
		return c.store.MarkInProgress(ctx, recordID, jobID)
	})
}

// Complete stores the job result on the record and every access row.
func (c *Coordinator) Complete(ctx context.Context, recordID int64, jobID string, result jobs.Result) error {
	return c.write(ctx, func(ctx context.Context) error {
		return c.store.MarkComplete(ctx, recordID, jobID, ledger.PayloadFromResult(result))
	})
}

// Fail marks the record failed so it can be reserved again.
func (c *Coordinator) Fail(ctx context.Context, recordID int64, jobID, message string) error {
	return c.write(ctx, func(ctx context.Context) error {
		return c.store.MarkFailed(ctx, recordID, jobID, message)
	})
}

// Release frees a reservation whose job was cancelled or never started.
func (c *Coordinator) Release(ctx context.Context, recordID int64, jobID, reason string) error {
	if reason == "" {
		reason = "released"
	}
	return c.Fail(ctx, recordID, jobID, reason)
}

// write applies a terminal transition even when ctx is already cancelled,
// retrying ledger errors but not ownership conflicts.
func (c *Coordinator) write(ctx context.Context, op func(context.Context) error) error {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), terminalWriteTimeout)
	defer cancel()
	_, err := backoff.Retry(writeCtx, c.policy, func(int) (struct{}, error) {
		err := op(writeCtx)
		if errors.Is(err, ledger.ErrNotOwner) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, nil)
	return err
}
