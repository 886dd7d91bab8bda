package download_test

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"stemdeck/internal/config"
	"stemdeck/internal/download"
	"stemdeck/internal/jobs"
	"stemdeck/internal/services"
	"stemdeck/internal/testsupport"
)

func payload(n int) []byte {
	return bytes.Repeat([]byte("stem"), n/4)
}

func downloadSnapshot(source string) jobs.Snapshot {
	return jobs.Snapshot{
		ID: "job-1",
		Spec: jobs.Spec{
			ContentID:  "vid-1",
			VariantKey: "bestaudio",
			Kind:       jobs.KindDownload,
			UserID:     "alice",
			SourceURL:  source,
		},
		Status: jobs.StatusActive,
	}
}

type progressLog struct {
	values []float64
}

func (p *progressLog) report(pct float64, _ string) {
	p.values = append(p.values, pct)
}

func (p *progressLog) last() float64 {
	if len(p.values) == 0 {
		return -2
	}
	return p.values[len(p.values)-1]
}

func newExecutor(t *testing.T, cfg *config.Config) *download.Executor {
	t.Helper()
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	return download.NewExecutor(cfg, nil)
}

func TestHTTPDownloadWritesArtifact(t *testing.T) {
	body := payload(8192)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "audio.m4a", time.Time{}, bytes.NewReader(body))
	}))
	defer server.Close()

	cfg := testsupport.NewConfig(t)
	exec := newExecutor(t, cfg)
	progress := &progressLog{}

	result, err := exec.Execute(context.Background(), downloadSnapshot(server.URL+"/files/audio.m4a"), progress.report)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	want := filepath.Join(cfg.Paths.DownloadsDir, "vid-1", "bestaudio.m4a")
	if result.FilePath != want || result.Bytes != int64(len(body)) {
		t.Fatalf("unexpected result %+v", result)
	}
	got, err := os.ReadFile(want)
	if err != nil || !bytes.Equal(got, body) {
		t.Fatalf("artifact mismatch: %v", err)
	}
	if _, err := os.Stat(want + ".part"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected partial file to be renamed, stat err %v", err)
	}
	if progress.last() != 100 {
		t.Fatalf("expected final progress 100, got %v", progress.values)
	}
}

func TestHTTPDownloadResumesAfterInterruptedRead(t *testing.T) {
	body := payload(64 * 1024)
	var requests atomic.Int32
	var rangeHeader atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) == 1 {
			w.Header().Set("Content-Length", "65536")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(body[:20000])
			w.(http.Flusher).Flush()
			panic(http.ErrAbortHandler)
		}
		rangeHeader.Store(r.Header.Get("Range"))
		http.ServeContent(w, r, "audio", time.Time{}, bytes.NewReader(body))
	}))
	defer server.Close()

	cfg := testsupport.NewConfig(t)
	cfg.Download.TransferRetries = 2
	exec := newExecutor(t, cfg)

	result, err := exec.Execute(context.Background(), downloadSnapshot(server.URL+"/audio"), nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if requests.Load() != 2 {
		t.Fatalf("expected 2 requests, got %d", requests.Load())
	}
	if got, _ := rangeHeader.Load().(string); got != "bytes=20000-" {
		t.Fatalf("expected resume from byte 20000, got %q", got)
	}
	got, err := os.ReadFile(result.FilePath)
	if err != nil || !bytes.Equal(got, body) {
		t.Fatalf("resumed artifact mismatch (len %d): %v", len(got), err)
	}
}

func TestHTTPDownloadDoesNotRetryNotFound(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		http.NotFound(w, r)
	}))
	defer server.Close()

	cfg := testsupport.NewConfig(t)
	cfg.Download.TransferRetries = 3
	_, err := newExecutor(t, cfg).Execute(context.Background(), downloadSnapshot(server.URL+"/missing"), nil)
	if services.KindOf(err) != services.KindNotFound {
		t.Fatalf("expected not_found, got %s (%v)", services.KindOf(err), err)
	}
	if requests.Load() != 1 {
		t.Fatalf("expected a single request, got %d", requests.Load())
	}
}

func TestHTTPDownloadRetriesServerErrorsThenFails(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	cfg := testsupport.NewConfig(t)
	cfg.Download.TransferRetries = 2
	_, err := newExecutor(t, cfg).Execute(context.Background(), downloadSnapshot(server.URL+"/busy"), nil)
	if services.KindOf(err) != services.KindTransient {
		t.Fatalf("expected transient, got %s (%v)", services.KindOf(err), err)
	}
	if !strings.Contains(err.Error(), "after 3 attempts") {
		t.Fatalf("expected attempt count in error, got %v", err)
	}
	if requests.Load() != 3 {
		t.Fatalf("expected 3 requests, got %d", requests.Load())
	}
}

func TestHTTPDownloadRejectsUndersizedArtifact(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("tiny"))
	}))
	defer server.Close()

	cfg := testsupport.NewConfig(t)
	cfg.Download.MinArtifactBytes = 1024
	_, err := newExecutor(t, cfg).Execute(context.Background(), downloadSnapshot(server.URL+"/tiny"), nil)
	if services.KindOf(err) != services.KindValidation {
		t.Fatalf("expected validation, got %s (%v)", services.KindOf(err), err)
	}
}

func TestExecuteRemovesStalePartialOutput(t *testing.T) {
	body := payload(4096)
	var sawRange atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Range") != "" {
			sawRange.Store(true)
		}
		http.ServeContent(w, r, "audio", time.Time{}, bytes.NewReader(body))
	}))
	defer server.Close()

	cfg := testsupport.NewConfig(t)
	exec := newExecutor(t, cfg)
	snap := downloadSnapshot(server.URL + "/audio")
	stale := exec.Dest(snap.Spec, snap.Spec.SourceURL) + ".part"
	testsupport.WriteFile(t, stale, 1000)

	result, err := exec.Execute(context.Background(), snap, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if sawRange.Load() {
		t.Fatal("a new attempt must not resume a previous attempt's partial file")
	}
	if result.Bytes != int64(len(body)) {
		t.Fatalf("expected %d bytes, got %d", len(body), result.Bytes)
	}
}

func TestExecuteResolvesURLTemplate(t *testing.T) {
	var path atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path.Store(r.URL.Path)
		_, _ = w.Write(payload(2048))
	}))
	defer server.Close()

	cfg := testsupport.NewConfig(t)
	cfg.Download.URLTemplate = server.URL + "/media/{content}/{variant}"
	snap := downloadSnapshot("")
	if _, err := newExecutor(t, cfg).Execute(context.Background(), snap, nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got, _ := path.Load().(string); got != "/media/vid-1/bestaudio" {
		t.Fatalf("unexpected request path %q", got)
	}
}

func TestExecuteRequiresSource(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	_, err := newExecutor(t, cfg).Execute(context.Background(), downloadSnapshot(""), nil)
	if services.KindOf(err) != services.KindValidation {
		t.Fatalf("expected validation, got %v", err)
	}
}

func TestExecuteReturnsCancelCause(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	cfg := testsupport.NewConfig(t)
	ctx, cancel := context.WithCancelCause(context.Background())
	cause := errors.New("cancelled by user")
	time.AfterFunc(50*time.Millisecond, func() { cancel(cause) })

	_, err := newExecutor(t, cfg).Execute(ctx, downloadSnapshot(server.URL+"/slow"), nil)
	if !errors.Is(err, cause) {
		t.Fatalf("expected cancel cause, got %v", err)
	}
}

func TestCommandFetcherParsesProgress(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	script := testsupport.WriteScript(t, testsupport.BaseDir(cfg), "fake-dl", `
echo "[youtube] $1: Downloading webpage"
echo "[download]  25.0% of 2.00KiB at 1.00KiB/s ETA 00:01"
head -c 2048 /dev/zero > "$2"
echo "[download] 100% of 2.00KiB in 00:00:01"
`)
	cfg.Download.Mode = "command"
	cfg.Download.Binary = script
	cfg.Download.Args = []string{"{url}", "{output}"}
	progress := &progressLog{}

	result, err := newExecutor(t, cfg).Execute(context.Background(), downloadSnapshot("https://example.test/watch?v=abc"), progress.report)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Bytes != 2048 {
		t.Fatalf("expected 2048 bytes, got %d", result.Bytes)
	}
	var saw25, saw100 bool
	for _, v := range progress.values {
		saw25 = saw25 || v == 25
		saw100 = saw100 || v == 100
	}
	if !saw25 || !saw100 {
		t.Fatalf("expected 25%% and 100%% reports, got %v", progress.values)
	}
}

func TestCommandFetcherFailureIsSubprocessWithoutRetry(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	counter := filepath.Join(testsupport.BaseDir(cfg), "calls")
	script := testsupport.WriteScript(t, testsupport.BaseDir(cfg), "fake-dl", `
echo x >> "`+counter+`"
echo "ERROR: Video unavailable" >&2
exit 1
`)
	cfg.Download.Mode = "command"
	cfg.Download.Binary = script
	cfg.Download.Args = []string{"{url}", "{output}"}
	cfg.Download.TransferRetries = 1

	_, err := newExecutor(t, cfg).Execute(context.Background(), downloadSnapshot("https://example.test/v"), nil)
	if services.KindOf(err) != services.KindSubprocess {
		t.Fatalf("expected subprocess failure, got %s (%v)", services.KindOf(err), err)
	}
	if !strings.Contains(err.Error(), "Video unavailable") {
		t.Fatalf("expected output tail in error, got %v", err)
	}
	calls, _ := os.ReadFile(counter)
	if strings.Count(string(calls), "x") != 1 {
		t.Fatalf("expected a single invocation, got %q", calls)
	}
}

func TestParsePercent(t *testing.T) {
	cases := []struct {
		line string
		want float64
		ok   bool
	}{
		{"[download]   0.0% of 3.10MiB", 0, true},
		{"[download]  42.7% of 3.10MiB at 2MiB/s", 42.7, true},
		{"[download] 100% of 3.10MiB in 00:00:02", 100, true},
		{"[download] Destination: /tmp/a.m4a", 0, false},
		{"[ExtractAudio] Destination: /tmp/a.mp3", 0, false},
	}
	for _, tc := range cases {
		got, ok := download.ParsePercent(tc.line)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("%q: expected %v/%v, got %v/%v", tc.line, tc.want, tc.ok, got, ok)
		}
	}
}

func TestIsRetryable(t *testing.T) {
	transient := services.Wrap(services.ErrTransient, "download", "request", "source unreachable", nil)
	if !download.IsRetryable(transient) {
		t.Fatal("expected transient failure to be retryable")
	}
	exit := services.Wrap(services.ErrSubprocess, "download", "run", "downloader exited with status 1", nil)
	if download.IsRetryable(exit) {
		t.Fatal("downloader exit must not be retried")
	}
	if download.IsRetryable(errors.New("disk full")) {
		t.Fatal("unclassified failure must not be retried")
	}
}
