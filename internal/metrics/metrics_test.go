package metrics_test

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"stemdeck/internal/metrics"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *metrics.Metrics
	m.ObserveSubmission("download", "reserved")
	m.ObserveFinished("download", "completed", "", time.Second)
	m.SetDepth("download", 1, 1)
	m.ObserveReservationRetry("download", "contention")
	m.ObserveRepair("orphaned_globals", 2)
	m.ObserveBroadcastFailure()
	m.ObserveAnalysis("ok")
	if m.Registry() != nil {
		t.Fatal("expected nil registry")
	}
}

func TestCollectorsAndHandler(t *testing.T) {
	m := metrics.New()
	m.ObserveSubmission("download", "reserved")
	m.ObserveSubmission("download", "reserved")
	m.ObserveRepair("orphaned_globals", 3)
	m.ObserveRepair("dangling_access", 0)
	m.SetDepth("extraction", 4, 1)

	got, err := testutil.GatherAndCount(m.Registry(), "stemdeck_submissions_total")
	if err != nil {
		t.Fatalf("GatherAndCount: %v", err)
	}
	if got != 1 {
		t.Fatalf("expected one submissions series, got %d", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		`stemdeck_submissions_total{lane="download",outcome="reserved"} 2`,
		`stemdeck_ledger_repairs_total{action="orphaned_globals"} 3`,
		`stemdeck_jobs_queued{lane="extraction"} 4`,
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("expected %q in exposition:\n%s", want, body)
		}
	}
	if strings.Contains(string(body), `action="dangling_access"`) {
		t.Fatal("zero repairs must not create a series")
	}
}
