package reconcile_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"stemdeck/internal/jobs"
	"stemdeck/internal/ledger"
	"stemdeck/internal/metrics"
	"stemdeck/internal/reconcile"
	"stemdeck/internal/testsupport"
)

func TestRunRepairsLedgerAndSweepsScratch(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenLedger(t, cfg)
	ctx := context.Background()

	key := jobs.Key{ContentID: "vid-1", VariantKey: "htdemucs", Kind: jobs.KindExtraction}
	rec := testsupport.MustReserve(t, store, key, "job-1")
	if err := store.MarkInProgress(ctx, rec.ID, "job-1"); err != nil {
		t.Fatalf("MarkInProgress: %v", err)
	}

	work := filepath.Join(cfg.Paths.StemsDir, ".work", "job-1", "vocals.wav")
	part := filepath.Join(cfg.Paths.DownloadsDir, "vid-1", "bestaudio.m4a.part")
	done := filepath.Join(cfg.Paths.DownloadsDir, "vid-1", "other.m4a")
	testsupport.WriteFile(t, work, 128)
	testsupport.WriteFile(t, part, 128)
	testsupport.WriteFile(t, done, 128)

	m := metrics.New()
	r := reconcile.New(store, []string{cfg.Paths.DownloadsDir, cfg.Paths.StemsDir}, nil, m)

	preview, err := r.Inspect(ctx)
	if err != nil || preview.OrphanedGlobals != 1 {
		t.Fatalf("Inspect: %+v %v", preview, err)
	}

	res, err := r.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Ledger.OrphanedGlobals != 1 {
		t.Fatalf("expected one orphaned record, got %+v", res.Ledger)
	}
	if len(res.Scratch.Removed) != 2 || len(res.Scratch.Errors) != 0 {
		t.Fatalf("unexpected scratch result %+v", res.Scratch)
	}
	if _, err := os.Stat(filepath.Dir(work)); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("work dir should be removed, stat err %v", err)
	}
	if _, err := os.Stat(part); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("partial download should be removed, stat err %v", err)
	}
	if _, err := os.Stat(done); err != nil {
		t.Fatalf("finished artifact must survive: %v", err)
	}

	got, err := store.Get(ctx, "vid-1", "htdemucs")
	if err != nil || got == nil || got.Status != ledger.StatusFailed {
		t.Fatalf("expected failed record after reconcile, got %+v %v", got, err)
	}
	if n, err := testutil.GatherAndCount(m.Registry(), "stemdeck_ledger_repairs_total"); err != nil || n != 1 {
		t.Fatalf("expected one repair series, got %d %v", n, err)
	}

	again, err := r.Run(ctx)
	if err != nil || again.Ledger.Total() != 0 || len(again.Scratch.Removed) != 0 {
		t.Fatalf("second run should be a no-op, got %+v %v", again, err)
	}
}

func TestCleanScratchMissingDir(t *testing.T) {
	res := reconcile.CleanScratch(context.Background(), filepath.Join(t.TempDir(), "missing"), nil)
	if len(res.Removed) != 0 || len(res.Errors) != 0 {
		t.Fatalf("missing dir should be a no-op, got %+v", res)
	}
	if res := reconcile.CleanScratch(context.Background(), " ", nil); len(res.Removed) != 0 {
		t.Fatalf("blank dir should be a no-op, got %+v", res)
	}
}
