// Package reconcile repairs persistent state left behind by a previous
// process before any new job is admitted.
package reconcile

import (
	"context"
	"log/slog"

	"stemdeck/internal/ledger"
	"stemdeck/internal/logging"
	"stemdeck/internal/metrics"
)

// Store is the ledger surface reconciliation needs.
type Store interface {
	Repair(ctx context.Context) (ledger.RepairReport, error)
	Inspect(ctx context.Context) (ledger.RepairReport, error)
}

// Reconciler runs the startup repair pass.
type Reconciler struct {
	store   Store
	scratch []string
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New constructs a reconciler. scratch lists directories whose partial
// artifacts are discarded along with the interrupted reservations.
func New(store Store, scratch []string, logger *slog.Logger, m *metrics.Metrics) *Reconciler {
	return &Reconciler{
		store:   store,
		scratch: scratch,
		logger:  logging.NewComponentLogger(logger, "reconcile"),
		metrics: m,
	}
}

// Result combines the ledger repair report with the scratch sweep.
type Result struct {
	Ledger  ledger.RepairReport `json:"ledger"`
	Scratch CleanResult         `json:"scratch"`
}

// Run repairs the ledger and sweeps scratch space. It must complete before
// the workers start: no job may be running while it executes.
func (r *Reconciler) Run(ctx context.Context) (Result, error) {
	report, err := r.store.Repair(ctx)
	if err != nil {
		logging.ErrorWithContext(r.logger, "ledger repair failed", "reconcile_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "run `stemdeck ledger health` to inspect the database"),
		)
		return Result{}, err
	}
	r.observe(report)

	var scratch CleanResult
	for _, dir := range r.scratch {
		res := CleanScratch(ctx, dir, r.logger)
		scratch.Removed = append(scratch.Removed, res.Removed...)
		scratch.Errors = append(scratch.Errors, res.Errors...)
	}

	attrs := []logging.Attr{
		logging.String(logging.FieldEventType, "reconcile_complete"),
		logging.Int("dangling_access", report.DanglingAccess),
		logging.Int("merged_duplicates", report.MergedDuplicates),
		logging.Int("orphaned_globals", report.OrphanedGlobals),
		logging.Int("normalized_access", report.NormalizedAccess),
		logging.Int("scratch_removed", len(scratch.Removed)),
	}
	if report.Total() > 0 {
		r.logger.Warn("reconciled state from previous run", logging.Args(attrs...)...)
	} else {
		r.logger.Info("ledger consistent", logging.Args(attrs...)...)
	}
	return Result{Ledger: report, Scratch: scratch}, nil
}

// Inspect reports what Run would change in the ledger without writing.
func (r *Reconciler) Inspect(ctx context.Context) (ledger.RepairReport, error) {
	return r.store.Inspect(ctx)
}

func (r *Reconciler) observe(report ledger.RepairReport) {
	r.metrics.ObserveRepair("dangling_access", report.DanglingAccess)
	r.metrics.ObserveRepair("merged_duplicates", report.MergedDuplicates)
	r.metrics.ObserveRepair("orphaned_globals", report.OrphanedGlobals)
	r.metrics.ObserveRepair("normalized_access", report.NormalizedAccess)
}
