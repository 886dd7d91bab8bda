package ledger_test

import (
	"context"
	"testing"
	"time"

	"stemdeck/internal/jobs"
	"stemdeck/internal/ledger"
	"stemdeck/internal/testsupport"
)

func TestRepairResetsOrphanedRecords(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenLedger(t, cfg)
	ctx := context.Background()

	rec := testsupport.MustReserve(t, store, downloadKey, "job-1")
	if err := store.MarkInProgress(ctx, rec.ID, "job-1"); err != nil {
		t.Fatalf("MarkInProgress: %v", err)
	}
	if _, err := store.GrantAccess(ctx, "alice", rec, "job-1"); err != nil {
		t.Fatalf("GrantAccess: %v", err)
	}

	report, err := store.Repair(ctx)
	if err != nil {
		t.Fatalf("Repair: %v", err)
	}
	if report.OrphanedGlobals != 1 {
		t.Fatalf("expected one orphaned record, got %#v", report)
	}
	got, err := store.Get(ctx, "abc", "720p")
	if err != nil || got == nil || got.Status != ledger.StatusFailed {
		t.Fatalf("expected failed record after repair, got %#v %v", got, err)
	}
	access, err := store.GetAccess(ctx, "alice", "abc", jobs.KindDownload)
	if err != nil || access == nil || access.InProgress || access.Status != ledger.AccessFailed {
		t.Fatalf("expected released access row, got %#v %v", access, err)
	}

	again := testsupport.MustReserve(t, store, downloadKey, "job-2")
	if again.ID != rec.ID {
		t.Fatalf("expected fresh reservation to reuse row %d, got %d", rec.ID, again.ID)
	}
}

func TestRepairDeletesDanglingAccess(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenLedger(t, cfg)
	ctx := context.Background()

	now := time.Now()
	ledger.InsertRawAccess(t, store, ledger.AccessRecord{
		UserID: "alice", ContentID: "ghost", Kind: jobs.KindDownload, VariantKey: "720p",
		GlobalID: 999, Status: ledger.AccessComplete, CreatedAt: now,
	})
	health, err := store.CheckHealth(ctx)
	if err != nil {
		t.Fatalf("CheckHealth: %v", err)
	}
	if health.ForeignKeyErrors != 1 {
		t.Fatalf("expected dangling row to fail foreign key check, got %#v", health)
	}

	report, err := store.Repair(ctx)
	if err != nil {
		t.Fatalf("Repair: %v", err)
	}
	if report.DanglingAccess != 1 {
		t.Fatalf("expected one dangling row deleted, got %#v", report)
	}
	list, err := store.ListAccess(ctx, "alice")
	if err != nil || len(list) != 0 {
		t.Fatalf("expected no access rows, got %#v %v", list, err)
	}
}

func TestRepairMergesDuplicatesPreferringCompletePayload(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenLedger(t, cfg)
	ctx := context.Background()

	rec := testsupport.MustReserve(t, store, downloadKey, "job-1")
	if err := store.MarkComplete(ctx, rec.ID, "job-1", ledger.Payload{FilePath: "/data/abc.mp4", Bytes: 10}); err != nil {
		t.Fatalf("MarkComplete: %v", err)
	}

	ledger.DropAccessIndex(t, store)
	base := time.Now().Add(-time.Hour)
	withPayload := ledger.InsertRawAccess(t, store, ledger.AccessRecord{
		UserID: "alice", ContentID: "abc", Kind: jobs.KindDownload, VariantKey: "720p", GlobalID: rec.ID,
		Payload: ledger.Payload{FilePath: "/data/abc.mp4", Bytes: 10}, Status: ledger.AccessComplete,
		CreatedAt: base, UpdatedAt: base,
	})
	ledger.InsertRawAccess(t, store, ledger.AccessRecord{
		UserID: "alice", ContentID: "abc", Kind: jobs.KindDownload, VariantKey: "720p", GlobalID: rec.ID,
		Status: ledger.AccessPending, InProgress: true, JobID: "job-1",
		CreatedAt: base.Add(time.Minute), UpdatedAt: base.Add(30 * time.Minute),
	})

	report, err := store.Repair(ctx)
	if err != nil {
		t.Fatalf("Repair: %v", err)
	}
	if report.MergedDuplicates != 1 {
		t.Fatalf("expected one duplicate merged, got %#v", report)
	}
	list, err := store.ListAccess(ctx, "alice")
	if err != nil {
		t.Fatalf("ListAccess: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected one access row, got %#v", list)
	}
	kept := list[0]
	if kept.ID != withPayload || kept.Payload.FilePath != "/data/abc.mp4" || kept.Status != ledger.AccessComplete {
		t.Fatalf("expected payload row to win, got %#v", kept)
	}
	if kept.JobID != "job-1" {
		t.Fatalf("expected job id filled from newer row, got %q", kept.JobID)
	}
	if kept.InProgress {
		t.Fatalf("merged row must not stay in progress: %#v", kept)
	}

	// The unique index is back, so a second grant updates the row in place.
	if _, err := store.GrantAccess(ctx, "alice", rec, ""); err != nil {
		t.Fatalf("GrantAccess after repair: %v", err)
	}
}

func TestRepairNormalizesInconsistentAccess(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenLedger(t, cfg)
	ctx := context.Background()

	rec := testsupport.MustReserve(t, store, downloadKey, "job-1")
	if err := store.MarkComplete(ctx, rec.ID, "job-1", ledger.Payload{FilePath: "/data/abc.mp4"}); err != nil {
		t.Fatalf("MarkComplete: %v", err)
	}
	now := time.Now()
	ledger.InsertRawAccess(t, store, ledger.AccessRecord{
		UserID: "alice", ContentID: "abc", Kind: jobs.KindDownload, VariantKey: "720p", GlobalID: rec.ID,
		Payload: ledger.Payload{FilePath: "/data/abc.mp4"}, Status: ledger.AccessComplete, InProgress: true,
		CreatedAt: now,
	})
	ledger.InsertRawAccess(t, store, ledger.AccessRecord{
		UserID: "bob", ContentID: "abc", Kind: jobs.KindDownload, VariantKey: "720p", GlobalID: rec.ID,
		Status: ledger.AccessPending, InProgress: true, CreatedAt: now,
	})

	report, err := store.Repair(ctx)
	if err != nil {
		t.Fatalf("Repair: %v", err)
	}
	if report.NormalizedAccess != 2 {
		t.Fatalf("expected two normalized rows, got %#v", report)
	}
	for _, user := range []string{"alice", "bob"} {
		got, err := store.GetAccess(ctx, user, "abc", jobs.KindDownload)
		if err != nil || got == nil {
			t.Fatalf("GetAccess(%s): %v %v", user, got, err)
		}
		if got.Status != ledger.AccessComplete || got.InProgress || got.Payload.FilePath != "/data/abc.mp4" {
			t.Fatalf("expected complete, idle row for %s, got %#v", user, got)
		}
	}
}

func TestRepairIsIdempotent(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenLedger(t, cfg)
	ctx := context.Background()

	busy := testsupport.MustReserve(t, store, downloadKey, "job-1")
	if _, err := store.GrantAccess(ctx, "alice", busy, "job-1"); err != nil {
		t.Fatalf("GrantAccess: %v", err)
	}
	done := testsupport.MustReserve(t, store, jobs.Key{ContentID: "abc", VariantKey: "htdemucs", Kind: jobs.KindExtraction}, "job-2")
	if err := store.MarkComplete(ctx, done.ID, "job-2", ledger.Payload{Outputs: map[string]string{"vocals": "/stems/vocals.wav"}}); err != nil {
		t.Fatalf("MarkComplete: %v", err)
	}
	ledger.DropAccessIndex(t, store)
	now := time.Now()
	for range 2 {
		ledger.InsertRawAccess(t, store, ledger.AccessRecord{
			UserID: "bob", ContentID: "abc", Kind: jobs.KindExtraction, VariantKey: "htdemucs", GlobalID: done.ID,
			Status: ledger.AccessPending, InProgress: true, CreatedAt: now,
		})
	}
	ledger.InsertRawAccess(t, store, ledger.AccessRecord{
		UserID: "carol", ContentID: "gone", Kind: jobs.KindDownload, VariantKey: "720p", GlobalID: 4242,
		Status: ledger.AccessPending, CreatedAt: now,
	})

	dry, err := store.Inspect(ctx)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if dry.Total() == 0 {
		t.Fatal("expected inspect to find problems")
	}
	first, err := store.Repair(ctx)
	if err != nil {
		t.Fatalf("Repair: %v", err)
	}
	if first != dry {
		t.Fatalf("expected inspect to predict repair, got %#v vs %#v", dry, first)
	}
	snapshot := dumpLedger(t, store)

	second, err := store.Repair(ctx)
	if err != nil {
		t.Fatalf("second Repair: %v", err)
	}
	if second.Total() != 0 {
		t.Fatalf("expected second repair to be a no-op, got %#v", second)
	}
	if after := dumpLedger(t, store); after != snapshot {
		t.Fatalf("ledger changed on second repair:\nbefore: %s\nafter:  %s", snapshot, after)
	}
}

func dumpLedger(t *testing.T, store *ledger.Store) string {
	t.Helper()
	ctx := context.Background()
	records, err := store.ListByStatus(ctx)
	if err != nil {
		t.Fatalf("ListByStatus: %v", err)
	}
	out := ""
	for _, rec := range records {
		out += rec.Key().String() + "=" + string(rec.Status) + ";"
	}
	for _, user := range []string{"alice", "bob", "carol"} {
		rows, err := store.ListAccess(ctx, user)
		if err != nil {
			t.Fatalf("ListAccess: %v", err)
		}
		for _, row := range rows {
			out += user + ":" + row.ContentID + "/" + string(row.Status) + "/" + row.Payload.FilePath + ";"
			if row.InProgress {
				out += "busy;"
			}
		}
	}
	return out
}
