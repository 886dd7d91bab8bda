package daemonctl

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"testing"

	"github.com/gofrs/flock"

	"stemdeck/internal/deps"
	"stemdeck/internal/testsupport"
)

func TestBuildDependencySummary(t *testing.T) {
	if got := BuildDependencySummary(nil); got.Severity != SeverityInfo {
		t.Fatalf("empty summary severity = %q", got.Severity)
	}

	statuses := withSeverity([]deps.Status{
		{Name: "Separation engine", Available: true},
		{Name: "Analysis engine", Optional: true},
	})
	if statuses[1].Severity != SeverityWarn {
		t.Fatalf("optional missing dependency should warn, got %q", statuses[1].Severity)
	}
	summary := BuildDependencySummary(statuses)
	if summary.Severity != SeverityWarn || summary.Available != 1 || summary.MissingOptional != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}

	statuses = append(statuses, withSeverity([]deps.Status{{Name: "Downloader"}})...)
	if got := BuildDependencySummary(statuses); got.Severity != SeverityError || got.MissingRequired != 1 {
		t.Fatalf("missing required dependency should be an error, got %+v", got)
	}
}

func TestBuildStatusSnapshotOffline(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	testsupport.MustOpenLedger(t, cfg)

	snap, err := BuildStatusSnapshot(context.Background(), cfg)
	if err != nil {
		t.Fatalf("BuildStatusSnapshot: %v", err)
	}
	if snap.Running || snap.Daemon != nil {
		t.Fatalf("expected offline snapshot, got %+v", snap)
	}
	if snap.LedgerError != "" {
		t.Fatalf("offline ledger stats failed: %s", snap.LedgerError)
	}
	if len(snap.Checks) == 0 || snap.Checks[0].Severity != SeverityWarn {
		t.Fatalf("expected not-running line first, got %+v", snap.Checks)
	}
	for _, line := range snap.Checks {
		if line.Label == "Separation engine" {
			t.Fatal("dependency checks belong in the dependency section")
		}
	}
	if len(snap.Dependencies) == 0 {
		t.Fatal("expected dependency statuses")
	}
}

func TestStopWithoutDaemon(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	if _, err := StopAndTerminate(cfg, 0); !errors.Is(err, ErrDaemonNotRunning) {
		t.Fatalf("expected ErrDaemonNotRunning, got %v", err)
	}
	alive, pid, err := ProcessInfo(cfg.Paths.SocketPath)
	if alive || pid != 0 || err != nil {
		t.Fatalf("expected no process, got %v %d %v", alive, pid, err)
	}
}

func TestForceKillRefusesSelf(t *testing.T) {
	pidPath := filepath.Join(t.TempDir(), "stemdeckd.pid")
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		t.Fatalf("write pid: %v", err)
	}
	if _, err := ForceKillProcess(pidPath, 0); err == nil {
		t.Fatal("expected refusal to kill the current process")
	}
	if _, err := ForceKillProcess(filepath.Join(t.TempDir(), "missing.pid"), 0); err == nil {
		t.Fatal("expected error without a pid")
	}
}

func TestLockHeldTracksDaemonLock(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	if held, err := LockHeld(cfg.LockPath()); err != nil || held {
		t.Fatalf("expected free lock, got held=%v err=%v", held, err)
	}

	lock := flock.New(cfg.LockPath())
	if ok, err := lock.TryLock(); err != nil || !ok {
		t.Fatalf("TryLock: ok=%v err=%v", ok, err)
	}
	t.Cleanup(func() { _ = lock.Unlock() })

	if held, err := LockHeld(cfg.LockPath()); err != nil || !held {
		t.Fatalf("expected held lock, got held=%v err=%v", held, err)
	}
}

func TestLaunchOptionsArgs(t *testing.T) {
	got := LaunchOptions{ConfigPath: "/etc/stemdeck.toml", LogLevel: " debug "}.args()
	want := []string{"run", "--config", "/etc/stemdeck.toml", "--log-level", "debug"}
	if !slices.Equal(got, want) {
		t.Fatalf("args = %v, want %v", got, want)
	}
}
