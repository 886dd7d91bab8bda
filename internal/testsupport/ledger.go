package testsupport

import (
	"context"
	"testing"

	"stemdeck/internal/config"
	"stemdeck/internal/jobs"
	"stemdeck/internal/ledger"
)

// MustOpenLedger opens a ledger.Store for tests and registers cleanup.
func MustOpenLedger(t testing.TB, cfg *config.Config) *ledger.Store {
	t.Helper()

	store, err := ledger.Open(cfg)
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// MustReserve reserves key for jobID and fails the test unless the ledger
// grants the reservation.
func MustReserve(t testing.TB, store *ledger.Store, key jobs.Key, jobID string) ledger.GlobalRecord {
	t.Helper()

	res, err := store.CheckOrReserve(context.Background(), key, jobID, key.VariantKey)
	if err != nil {
		t.Fatalf("CheckOrReserve: %v", err)
	}
	if res.Outcome != ledger.OutcomeReserved {
		t.Fatalf("expected reservation for %s, got %s", key, res.Outcome)
	}
	return res.Record
}
