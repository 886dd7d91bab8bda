package analysis_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"stemdeck/internal/analysis"
	"stemdeck/internal/config"
	"stemdeck/internal/jobs"
	"stemdeck/internal/ledger"
	"stemdeck/internal/services"
	"stemdeck/internal/testsupport"
)

func configWithEngine(t *testing.T, body string) *config.Config {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	cfg.Analysis.Enabled = true
	cfg.Analysis.Binary = testsupport.WriteScript(t, testsupport.BaseDir(cfg), "fake-analyze", body)
	return cfg
}

func TestRunParsesMultiLineJSON(t *testing.T) {
	cfg := configWithEngine(t, `cat <<JSON
{
  "bpm": 128,
  "key": "A minor",
  "input": "$1"
}
JSON
`)
	r := analysis.New(cfg, nil, nil, nil)
	out, err := r.Run(context.Background(), "/tmp/song.m4a")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded["bpm"] != float64(128) || decoded["input"] != "/tmp/song.m4a" {
		t.Fatalf("unexpected metadata %v", decoded)
	}
}

func TestRunPicksLastJSONLineAmongLogs(t *testing.T) {
	cfg := configWithEngine(t, `echo "loading model"
echo '{"bpm": 90}'
echo "done" >&2
`)
	out, err := analysis.New(cfg, nil, nil, nil).Run(context.Background(), "in")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if string(out) != `{"bpm":90}` {
		t.Fatalf("unexpected output %s", out)
	}
}

func TestRunWithoutJSONIsValidationError(t *testing.T) {
	cfg := configWithEngine(t, "echo 'nothing useful'\n")
	_, err := analysis.New(cfg, nil, nil, nil).Run(context.Background(), "in")
	if services.KindOf(err) != services.KindValidation {
		t.Fatalf("expected validation, got %v", err)
	}
}

type memoryStore struct {
	mu   sync.Mutex
	data map[int64]json.RawMessage
}

func (m *memoryStore) SetMetadata(_ context.Context, id int64, metadata json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		m.data = make(map[int64]json.RawMessage)
	}
	m.data[id] = metadata
	return nil
}

func TestScheduleAttachesMetadataToLedger(t *testing.T) {
	cfg := configWithEngine(t, `echo '{"loudness": -9.5}'`)
	store := testsupport.MustOpenLedger(t, cfg)
	ctx := context.Background()
	key := jobs.Key{ContentID: "vid-1", VariantKey: "bestaudio", Kind: jobs.KindDownload}
	rec := testsupport.MustReserve(t, store, key, "dl-1")
	if err := store.MarkComplete(ctx, rec.ID, "dl-1", ledger.Payload{FilePath: "/tmp/a"}); err != nil {
		t.Fatalf("MarkComplete: %v", err)
	}

	r := analysis.New(cfg, store, nil, nil)
	r.Schedule(ctx, rec.ID, "/tmp/a")
	r.Wait()

	got, err := store.GetByID(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if string(got.Metadata) != `{"loudness":-9.5}` {
		t.Fatalf("unexpected metadata %s", got.Metadata)
	}
}

func TestScheduleSkipsWhenDisabled(t *testing.T) {
	cfg := configWithEngine(t, `echo '{"a":1}'`)
	cfg.Analysis.Enabled = false
	store := &memoryStore{}
	r := analysis.New(cfg, store, nil, nil)
	r.Schedule(context.Background(), 1, "/tmp/a")
	r.Close()
	if len(store.data) != 0 {
		t.Fatalf("expected no metadata, got %v", store.data)
	}
}

func TestScheduleFailureLeavesRecordUntouched(t *testing.T) {
	cfg := configWithEngine(t, "exit 4\n")
	store := &memoryStore{}
	r := analysis.New(cfg, store, nil, nil)
	r.Schedule(context.Background(), 7, "/tmp/a")
	r.Wait()
	if _, ok := store.data[7]; ok {
		t.Fatal("failed analysis must not store metadata")
	}
}
