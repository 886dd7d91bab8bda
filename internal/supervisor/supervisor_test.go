package supervisor_test

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"stemdeck/internal/backoff"
	"stemdeck/internal/broadcast"
	"stemdeck/internal/config"
	"stemdeck/internal/jobs"
	"stemdeck/internal/ledger"
	"stemdeck/internal/reservation"
	"stemdeck/internal/services"
	"stemdeck/internal/subprocess"
	"stemdeck/internal/supervisor"
	"stemdeck/internal/testsupport"
)

type executorFunc func(ctx context.Context, snap jobs.Snapshot, report jobs.ProgressFunc) (jobs.Result, error)

func (f executorFunc) Execute(ctx context.Context, snap jobs.Snapshot, report jobs.ProgressFunc) (jobs.Result, error) {
	return f(ctx, snap, report)
}

type harness struct {
	store    *ledger.Store
	coord    *reservation.Coordinator
	registry *jobs.Registry
	recorder *broadcast.Recorder
	timeouts config.Timeouts
	success  atomic.Int32
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenLedger(t, cfg)
	return &harness{
		store:    store,
		coord:    reservation.New(store, backoff.FromConfig(cfg.Reservation), nil, nil),
		registry: jobs.NewRegistry(jobs.KindDownload, jobs.Options{}),
		recorder: broadcast.NewRecorder(),
		timeouts: config.Timeouts{NoProgress: 5 * time.Second, Absolute: 10 * time.Second},
	}
}

func (h *harness) supervisor(exec supervisor.Executor) *supervisor.Supervisor {
	return supervisor.New(supervisor.Options{
		Registry: h.registry,
		Executor: exec,
		Ledger:   h.coord,
		Notifier: broadcast.NewNotifier(h.recorder, nil, nil),
		Timeouts: func(jobs.Spec) config.Timeouts { return h.timeouts },
		OnSuccess: func(context.Context, jobs.Snapshot) {
			h.success.Add(1)
		},
	})
}

// activate reserves the key, registers the handle, and marks it active the
// way the worker does before handing it to a supervisor.
func (h *harness) activate(t *testing.T, id string) (context.Context, jobs.Snapshot) {
	t.Helper()
	spec := jobs.Spec{ContentID: "vid-1", VariantKey: "bestaudio", Kind: jobs.KindDownload, UserID: "alice"}
	res, err := h.coord.CheckOrReserve(context.Background(), spec, id)
	if err != nil || res.Outcome != ledger.OutcomeReserved {
		t.Fatalf("reserve: %v %v", res.Outcome, err)
	}
	if _, err := h.registry.CreateForRecord(id, res.Record.ID, spec); err != nil {
		t.Fatalf("CreateForRecord: %v", err)
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	t.Cleanup(func() { cancel(nil) })
	snap, ok := h.registry.MarkActive(id, cancel)
	if !ok {
		t.Fatal("MarkActive failed")
	}
	return ctx, snap
}

func (h *harness) record(t *testing.T) *ledger.GlobalRecord {
	t.Helper()
	rec, err := h.store.Get(context.Background(), "vid-1", "bestaudio")
	if err != nil || rec == nil {
		t.Fatalf("Get: %v %v", rec, err)
	}
	return rec
}

func eventTypes(events []broadcast.Event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = string(ev.Type)
	}
	return out
}

func TestRunCompletesJob(t *testing.T) {
	h := newHarness(t)
	ctx, snap := h.activate(t, "job-1")
	sup := h.supervisor(executorFunc(func(ctx context.Context, snap jobs.Snapshot, report jobs.ProgressFunc) (jobs.Result, error) {
		report(-1, "")
		report(30, "fetching")
		report(100, "")
		return jobs.Result{FilePath: "/data/vid-1/bestaudio.m4a", Bytes: 4096}, nil
	}))

	final := sup.Run(ctx, snap)
	if final.Status != jobs.StatusCompleted || final.Result == nil || final.Result.FilePath != "/data/vid-1/bestaudio.m4a" {
		t.Fatalf("unexpected final snapshot %+v", final)
	}
	rec := h.record(t)
	if rec.Status != ledger.StatusComplete || rec.Payload.FilePath != "/data/vid-1/bestaudio.m4a" {
		t.Fatalf("unexpected ledger record %+v", rec)
	}
	got := strings.Join(eventTypes(h.recorder.ForJob("job-1")), ",")
	if got != "start,progress,progress,complete" {
		t.Fatalf("unexpected event order %s", got)
	}
	if h.success.Load() != 1 {
		t.Fatal("expected OnSuccess to run once")
	}
}

func TestRunRecordsExecutorFailure(t *testing.T) {
	h := newHarness(t)
	ctx, snap := h.activate(t, "job-1")
	sup := h.supervisor(executorFunc(func(context.Context, jobs.Snapshot, jobs.ProgressFunc) (jobs.Result, error) {
		return jobs.Result{}, services.Wrap(services.ErrSubprocess, "separation", "run", "engine exited with status 1", nil)
	}))

	final := sup.Run(ctx, snap)
	if final.Status != jobs.StatusFailed || final.ErrorKind != services.KindSubprocess {
		t.Fatalf("unexpected final snapshot %+v", final)
	}
	rec := h.record(t)
	if rec.Status != ledger.StatusFailed || !strings.Contains(rec.ErrorMessage, "status 1") {
		t.Fatalf("unexpected ledger record %+v", rec)
	}
	events := h.recorder.ForJob("job-1")
	if last := events[len(events)-1]; last.Type != broadcast.EventError || last.ErrorKind != "subprocess" {
		t.Fatalf("expected error event last, got %+v", last)
	}
	if h.success.Load() != 0 {
		t.Fatal("OnSuccess must not run for failures")
	}
}

func TestRunFailureKeepsSubprocessTail(t *testing.T) {
	h := newHarness(t)
	ctx, snap := h.activate(t, "job-1")
	tail := make([]string, 0, 20)
	for i := 1; i <= 19; i++ {
		tail = append(tail, fmt.Sprintf("loading layer %d of the separation model weights from cache", i))
	}
	tail = append(tail, "FATAL: CUDA out of memory")
	sup := h.supervisor(executorFunc(func(context.Context, jobs.Snapshot, jobs.ProgressFunc) (jobs.Result, error) {
		return jobs.Result{}, &subprocess.ExitError{Binary: "demucs", Code: 1, Tail: tail}
	}))

	final := sup.Run(ctx, snap)
	if final.ErrorKind != services.KindSubprocess {
		t.Fatalf("unexpected final snapshot %+v", final)
	}
	if !strings.HasSuffix(final.Error, "FATAL: CUDA out of memory") || len(final.Error) > 512 {
		t.Fatalf("expected last output line on the handle, got %q", final.Error)
	}
	if rec := h.record(t); !strings.HasSuffix(rec.ErrorMessage, "FATAL: CUDA out of memory") {
		t.Fatalf("expected last output line in the ledger, got %q", rec.ErrorMessage)
	}
}

func TestRunRecoversPanics(t *testing.T) {
	h := newHarness(t)
	ctx, snap := h.activate(t, "job-1")
	sup := h.supervisor(executorFunc(func(context.Context, jobs.Snapshot, jobs.ProgressFunc) (jobs.Result, error) {
		var m map[string]int
		m["boom"]++
		return jobs.Result{}, nil
	}))

	final := sup.Run(ctx, snap)
	if final.Status != jobs.StatusFailed || final.ErrorKind != services.KindInternal {
		t.Fatalf("unexpected final snapshot %+v", final)
	}
	if rec := h.record(t); rec.Status != ledger.StatusFailed {
		t.Fatalf("expected failed record, got %s", rec.Status)
	}
}

func blockUntilDone(ctx context.Context, _ jobs.Snapshot, _ jobs.ProgressFunc) (jobs.Result, error) {
	<-ctx.Done()
	return jobs.Result{}, context.Cause(ctx)
}

func TestRunNoProgressTimeout(t *testing.T) {
	h := newHarness(t)
	h.timeouts = config.Timeouts{NoProgress: 50 * time.Millisecond, Absolute: 10 * time.Second}
	ctx, snap := h.activate(t, "job-1")

	final := h.supervisor(executorFunc(blockUntilDone)).Run(ctx, snap)
	if final.Status != jobs.StatusFailed || final.ErrorKind != services.KindTimeout {
		t.Fatalf("unexpected final snapshot %+v", final)
	}
	if !strings.Contains(final.Error, "no-progress") {
		t.Fatalf("expected timer name in message, got %q", final.Error)
	}
	if rec := h.record(t); rec.Status != ledger.StatusFailed {
		t.Fatalf("expected failed record, got %s", rec.Status)
	}
}

func TestRunAbsoluteTimeoutDespiteProgress(t *testing.T) {
	h := newHarness(t)
	h.timeouts = config.Timeouts{NoProgress: 60 * time.Millisecond, Absolute: 200 * time.Millisecond}
	ctx, snap := h.activate(t, "job-1")

	final := h.supervisor(executorFunc(func(ctx context.Context, _ jobs.Snapshot, report jobs.ProgressFunc) (jobs.Result, error) {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		pct := 0.0
		for {
			select {
			case <-ticker.C:
				pct += 0.1
				report(pct, "")
			case <-ctx.Done():
				return jobs.Result{}, context.Cause(ctx)
			}
		}
	})).Run(ctx, snap)
	if final.ErrorKind != services.KindTimeout || !strings.Contains(final.Error, "absolute") {
		t.Fatalf("expected absolute timeout, got %+v", final)
	}
}

func TestRunNoProgressTimeoutIgnoresChatter(t *testing.T) {
	h := newHarness(t)
	h.timeouts = config.Timeouts{NoProgress: 150 * time.Millisecond, Absolute: 10 * time.Second}
	ctx, snap := h.activate(t, "job-1")

	start := time.Now()
	final := h.supervisor(executorFunc(func(ctx context.Context, _ jobs.Snapshot, report jobs.ProgressFunc) (jobs.Result, error) {
		report(5, "separating")
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				report(-1, "warning: still waiting on device")
				report(5, "separating")
			case <-ctx.Done():
				return jobs.Result{}, context.Cause(ctx)
			}
		}
	})).Run(ctx, snap)
	if final.Status != jobs.StatusFailed || final.ErrorKind != services.KindTimeout {
		t.Fatalf("unexpected final snapshot %+v", final)
	}
	if !strings.Contains(final.Error, "no-progress") {
		t.Fatalf("expected no-progress timeout, got %q", final.Error)
	}
	if took := time.Since(start); took > 5*time.Second {
		t.Fatalf("no-progress timeout fired late: %s", took)
	}
}

func TestRunCancelReleasesReservation(t *testing.T) {
	h := newHarness(t)
	ctx, snap := h.activate(t, "job-1")
	started := make(chan struct{})
	sup := h.supervisor(executorFunc(func(ctx context.Context, snap jobs.Snapshot, report jobs.ProgressFunc) (jobs.Result, error) {
		close(started)
		return blockUntilDone(ctx, snap, report)
	}))

	done := make(chan jobs.Snapshot, 1)
	go func() { done <- sup.Run(ctx, snap) }()
	<-started
	if _, outcome := h.registry.Cancel("job-1"); outcome != jobs.CancelActive {
		t.Fatalf("expected active cancel, got %v", outcome)
	}

	var final jobs.Snapshot
	select {
	case final = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not observe cancellation")
	}
	if final.Status != jobs.StatusCancelled || final.ErrorKind != services.KindNone {
		t.Fatalf("unexpected final snapshot %+v", final)
	}
	rec := h.record(t)
	if rec.Status != ledger.StatusFailed || rec.ErrorMessage != "cancelled" {
		t.Fatalf("expected released record, got %+v", rec)
	}
	events := h.recorder.ForJob("job-1")
	if last := events[len(events)-1]; last.Type != broadcast.EventCancel {
		t.Fatalf("expected cancel event last, got %s", last.Type)
	}

	// The key is free again for a fresh reservation.
	res, err := h.coord.CheckOrReserve(context.Background(), snap.Spec, "job-2")
	if err != nil || res.Outcome != ledger.OutcomeReserved {
		t.Fatalf("expected re-reservation, got %v %v", res.Outcome, err)
	}
}

func TestRunWithLostReservationFailsWithoutTouchingRecord(t *testing.T) {
	h := newHarness(t)
	ctx, snap := h.activate(t, "job-1")
	// Simulate a restart repair followed by another job taking the key.
	if err := h.coord.Release(context.Background(), snap.RecordID, "job-1", "interrupted by restart"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if res, err := h.coord.CheckOrReserve(context.Background(), snap.Spec, "job-9"); err != nil || res.Outcome != ledger.OutcomeReserved {
		t.Fatalf("reserve for job-9: %v %v", res.Outcome, err)
	}

	var ran atomic.Bool
	final := h.supervisor(executorFunc(func(context.Context, jobs.Snapshot, jobs.ProgressFunc) (jobs.Result, error) {
		ran.Store(true)
		return jobs.Result{}, nil
	})).Run(ctx, snap)

	if ran.Load() {
		t.Fatal("executor must not run without owning the record")
	}
	if final.Status != jobs.StatusFailed || final.ErrorKind != services.KindLedger {
		t.Fatalf("unexpected final snapshot %+v", final)
	}
	rec := h.record(t)
	if rec.JobID != "job-9" || rec.Status != ledger.StatusReserved {
		t.Fatalf("record owned by job-9 was modified: %+v", rec)
	}
}
