package main

import (
	"os"
	"strings"
	"testing"
)

const sampleLog = `{"level":"INFO","msg":"job started","job_id":"job-a"}
{"level":"INFO","msg":"ledger consistent"}
{"level":"INFO","msg":"job completed","job_id":"job-a"}
{"level":"INFO","msg":"job started","job_id":"job-b"}
`

func TestLogsFromDaemonFilteredByJob(t *testing.T) {
	env := setupCLITestEnv(t)
	if err := os.WriteFile(env.cfg.LogPath(), []byte(sampleLog), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}

	out, err := env.run(t, "logs", "--job", "job-a")
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if got := strings.Count(out, "job-a"); got != 2 {
		t.Fatalf("expected 2 lines for job-a, got %d:\n%s", got, out)
	}
	if strings.Contains(out, "job-b") {
		t.Fatalf("unexpected line for another job:\n%s", out)
	}

	out, err = env.run(t, "logs", "-n", "1")
	if err != nil {
		t.Fatalf("logs -n 1: %v", err)
	}
	requireContains(t, out, "job-b")
	if strings.Contains(out, "job-a") {
		t.Fatalf("expected only the last line:\n%s", out)
	}
}

func TestLogsOfflineReadsFile(t *testing.T) {
	env := setupOfflineEnv(t)

	out, err := env.run(t, "logs")
	if err != nil {
		t.Fatalf("logs without file: %v", err)
	}
	requireContains(t, out, "No log entries available")

	if err := os.WriteFile(env.cfg.LogPath(), []byte(sampleLog), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}
	out, err = env.run(t, "logs", "-n", "0")
	if err != nil {
		t.Fatalf("logs -n 0: %v", err)
	}
	if got := strings.Count(out, "\n"); got != 4 {
		t.Fatalf("expected all 4 lines, got %d:\n%s", got, out)
	}
}
