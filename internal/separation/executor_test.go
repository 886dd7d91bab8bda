package separation_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"stemdeck/internal/config"
	"stemdeck/internal/jobs"
	"stemdeck/internal/ledger"
	"stemdeck/internal/separation"
	"stemdeck/internal/services"
	"stemdeck/internal/testsupport"
)

const fakeEngine = `
# args: -n model -o output input
model="$2"; out="$4"; in="$5"
test -f "$in" || { echo "missing input $in" >&2; exit 2; }
echo "Separating track $in with $model"
printf ' 10%%|##   |\r 55%%|#####|\r100%%|#####|\n'
mkdir -p "$out/$model/track"
for stem in vocals drums bass other; do
  head -c 512 /dev/zero > "$out/$model/track/$stem.wav"
done
echo "notes" > "$out/$model/track/log.txt"
`

func extractionSnapshot(id, input string) jobs.Snapshot {
	return jobs.Snapshot{
		ID: id,
		Spec: jobs.Spec{
			ContentID:  "vid-1",
			VariantKey: "htdemucs",
			Kind:       jobs.KindExtraction,
			UserID:     "alice",
			InputPath:  input,
		},
		Status: jobs.StatusActive,
	}
}

func setup(t *testing.T, body string) *config.Config {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	script := testsupport.WriteScript(t, testsupport.BaseDir(cfg), "fake-demucs", body)
	cfg.Extraction.Binary = script
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	return cfg
}

func TestExecuteCollectsStems(t *testing.T) {
	cfg := setup(t, fakeEngine)
	input := filepath.Join(cfg.Paths.DownloadsDir, "vid-1", "bestaudio.m4a")
	testsupport.WriteFile(t, input, 4096)

	var progress []float64
	exec := separation.NewExecutor(cfg, nil, nil)
	result, err := exec.Execute(context.Background(), extractionSnapshot("job-1", input), func(pct float64, _ string) {
		if pct >= 0 {
			progress = append(progress, pct)
		}
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	wantDir := filepath.Join(cfg.Paths.StemsDir, "vid-1", "htdemucs")
	if result.FilePath != wantDir {
		t.Fatalf("expected output dir %s, got %s", wantDir, result.FilePath)
	}
	if len(result.Outputs) != 4 || result.Bytes != 4*512 {
		t.Fatalf("unexpected outputs %+v bytes %d", result.Outputs, result.Bytes)
	}
	for _, stem := range []string{"vocals", "drums", "bass", "other"} {
		want := filepath.Join(wantDir, stem+".wav")
		if result.Outputs[stem] != want {
			t.Fatalf("stem %s: expected %s, got %s", stem, want, result.Outputs[stem])
		}
		if _, err := os.Stat(want); err != nil {
			t.Fatalf("stem %s missing: %v", stem, err)
		}
	}
	if len(progress) != 3 || progress[0] != 10 || progress[2] != 100 {
		t.Fatalf("unexpected progress %v", progress)
	}
	if _, err := os.Stat(exec.WorkDir("job-1")); !os.IsNotExist(err) {
		t.Fatalf("expected work dir to be removed, stat err %v", err)
	}
}

func TestExecuteClearsPreviousAttempt(t *testing.T) {
	cfg := setup(t, fakeEngine)
	input := filepath.Join(cfg.Paths.DownloadsDir, "vid-1", "a.m4a")
	testsupport.WriteFile(t, input, 4096)
	exec := separation.NewExecutor(cfg, nil, nil)
	snap := extractionSnapshot("job-2", input)

	leftover := filepath.Join(exec.OutputDir(snap.Spec), "stale.wav")
	testsupport.WriteFile(t, leftover, 10)

	result, err := exec.Execute(context.Background(), snap, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if _, ok := result.Outputs["stale"]; ok {
		t.Fatal("previous attempt output leaked into the result")
	}
	if _, err := os.Stat(leftover); !os.IsNotExist(err) {
		t.Fatalf("expected stale output removed, stat err %v", err)
	}
}

func TestExecuteResolvesLatestDownload(t *testing.T) {
	cfg := setup(t, fakeEngine)
	store := testsupport.MustOpenLedger(t, cfg)
	ctx := context.Background()

	input := filepath.Join(cfg.Paths.DownloadsDir, "vid-1", "bestaudio.m4a")
	testsupport.WriteFile(t, input, 4096)
	key := jobs.Key{ContentID: "vid-1", VariantKey: "bestaudio", Kind: jobs.KindDownload}
	rec := testsupport.MustReserve(t, store, key, "dl-1")
	if err := store.MarkComplete(ctx, rec.ID, "dl-1", ledger.Payload{FilePath: input, Bytes: 4096}); err != nil {
		t.Fatalf("MarkComplete: %v", err)
	}

	result, err := separation.NewExecutor(cfg, store, nil).Execute(ctx, extractionSnapshot("job-3", ""), nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(result.Outputs) != 4 {
		t.Fatalf("expected 4 stems, got %+v", result.Outputs)
	}
}

func TestExecuteWithoutDownloadIsValidationError(t *testing.T) {
	cfg := setup(t, fakeEngine)
	store := testsupport.MustOpenLedger(t, cfg)
	_, err := separation.NewExecutor(cfg, store, nil).Execute(context.Background(), extractionSnapshot("job-4", ""), nil)
	if services.KindOf(err) != services.KindValidation {
		t.Fatalf("expected validation, got %s (%v)", services.KindOf(err), err)
	}
}

func TestExecuteWithoutOutputsIsValidationError(t *testing.T) {
	cfg := setup(t, "echo 'model loaded'\nexit 0\n")
	input := filepath.Join(cfg.Paths.DownloadsDir, "vid-1", "a.m4a")
	testsupport.WriteFile(t, input, 4096)
	_, err := separation.NewExecutor(cfg, nil, nil).Execute(context.Background(), extractionSnapshot("job-5", input), nil)
	if services.KindOf(err) != services.KindValidation {
		t.Fatalf("expected validation, got %s (%v)", services.KindOf(err), err)
	}
}

func TestExecuteEngineFailureCarriesTail(t *testing.T) {
	body := `for i in $(seq 1 19); do
  echo "loading layer $i of the separation model weights from cache"
done
echo 'FATAL: CUDA out of memory'
exit 1
`
	cfg := setup(t, body)
	input := filepath.Join(cfg.Paths.DownloadsDir, "vid-1", "a.m4a")
	testsupport.WriteFile(t, input, 4096)
	_, err := separation.NewExecutor(cfg, nil, nil).Execute(context.Background(), extractionSnapshot("job-6", input), nil)
	if services.KindOf(err) != services.KindSubprocess {
		t.Fatalf("expected subprocess, got %s (%v)", services.KindOf(err), err)
	}
	msg := services.UserMessage(err)
	if len(msg) > 512 || !strings.HasSuffix(msg, "FATAL: CUDA out of memory") {
		t.Fatalf("expected last engine line in user message, got %q", msg)
	}
}

func TestExecuteIgnoresOutputWithoutPercent(t *testing.T) {
	body := `printf ' 5%%|#    |\n'
echo 'warning: still waiting on device'
echo 'warning: still waiting on device'
exit 1
`
	cfg := setup(t, body)
	input := filepath.Join(cfg.Paths.DownloadsDir, "vid-1", "a.m4a")
	testsupport.WriteFile(t, input, 4096)

	var reports []float64
	_, _ = separation.NewExecutor(cfg, nil, nil).Execute(context.Background(), extractionSnapshot("job-7", input), func(pct float64, _ string) {
		reports = append(reports, pct)
	})
	if len(reports) != 1 || reports[0] != 5 {
		t.Fatalf("expected a single 5%% report, got %v", reports)
	}
}

func TestParsePercent(t *testing.T) {
	cases := []struct {
		line string
		want float64
		ok   bool
	}{
		{" 45%|#####     | 100/222 [00:10<00:12]", 45, true},
		{"100.0%", 100, true},
		{"Selected model is a bag of 4 models", 0, false},
		{"250% faster", 0, false},
	}
	for _, tc := range cases {
		got, ok := separation.ParsePercent(tc.line)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("%q: expected %v/%v, got %v/%v", tc.line, tc.want, tc.ok, got, ok)
		}
	}
}
