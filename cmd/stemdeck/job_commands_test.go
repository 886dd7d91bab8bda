package main

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"stemdeck/internal/pipeline"
)

func submittedJobID(t *testing.T, out string) string {
	t.Helper()
	fields := strings.Fields(out)
	if len(fields) == 0 {
		t.Fatalf("no output from submit")
	}
	return fields[len(fields)-1]
}

func TestSubmitStatusAndListFlow(t *testing.T) {
	env := setupCLITestEnv(t)

	out, err := env.run(t, "submit", "--user", "alice", "--content", "vid-1", "--variant", "720p")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	requireContains(t, out, "Queued job")
	jobID := submittedJobID(t, out)

	waitFor(t, 5*time.Second, func() bool {
		out, err := env.run(t, "status", jobID)
		return err == nil && strings.Contains(out, "Status:   Completed")
	})

	out, err = env.run(t, "status", jobID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	requireContains(t, out, "Content:  vid-1")
	requireContains(t, out, "/downloads/vid-1.m4a")

	out, err = env.run(t, "submit", "--user", "bob", "--content", "vid-1", "--variant", "720p")
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	requireContains(t, out, "Already available (job "+jobID+")")

	out, err = env.run(t, "list", "--user", "bob")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	requireContains(t, out, "vid-1")
	requireContains(t, out, "Complete")

	out, err = env.run(t, "list", "--user", "bob", "--json")
	if err != nil {
		t.Fatalf("list --json: %v", err)
	}
	var entries []pipeline.Entry
	if err := json.Unmarshal([]byte(out), &entries); err != nil {
		t.Fatalf("decode list json: %v\n%s", err, out)
	}
	if len(entries) != 1 || entries[0].ContentID != "vid-1" || entries[0].Status != "complete" {
		t.Fatalf("unexpected entries %+v", entries)
	}

	out, err = env.run(t, "forget", "--user", "bob", "--content", "vid-1")
	if err != nil {
		t.Fatalf("forget: %v", err)
	}
	requireContains(t, out, "Removed download vid-1 from bob")

	out, err = env.run(t, "list", "--user", "bob")
	if err != nil {
		t.Fatalf("list after forget: %v", err)
	}
	requireContains(t, out, "No items")

	out, err = env.run(t, "list", "--user", "alice")
	if err != nil {
		t.Fatalf("list alice: %v", err)
	}
	requireContains(t, out, "vid-1")
}

func TestSubmitJSONReportsExistingResult(t *testing.T) {
	env := setupCLITestEnv(t)

	out, err := env.run(t, "submit", "--user", "alice", "--content", "song", "--kind", "extraction", "--variant", "htdemucs")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	jobID := submittedJobID(t, out)
	waitFor(t, 5*time.Second, func() bool {
		out, err := env.run(t, "status", jobID)
		return err == nil && strings.Contains(out, "Completed")
	})

	out, err = env.run(t, "submit", "--user", "carol", "--content", "song", "--kind", "extraction", "--variant", "htdemucs", "--json")
	if err != nil {
		t.Fatalf("submit --json: %v", err)
	}
	var result pipeline.SubmitResult
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("decode submit json: %v\n%s", err, out)
	}
	if !result.Existing || result.JobID != jobID || result.Result == nil || result.Result.Outputs["vocals"] == "" {
		t.Fatalf("expected existing extraction result, got %+v", result)
	}
}

func TestCancelAndRetryRunningJob(t *testing.T) {
	env := setupCLITestEnv(t)

	out, err := env.run(t, "submit", "--user", "alice", "--content", "slow-1", "--kind", "extraction")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	jobID := submittedJobID(t, out)

	select {
	case <-env.started:
	case <-time.After(5 * time.Second):
		t.Fatal("job never started")
	}

	out, err = env.run(t, "submit", "--user", "bob", "--content", "slow-1", "--kind", "extraction")
	if err != nil {
		t.Fatalf("duplicate submit: %v", err)
	}
	requireContains(t, out, "In progress under job "+jobID)

	out, err = env.run(t, "cancel", jobID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	requireContains(t, out, "Cancellation requested")

	waitFor(t, 5*time.Second, func() bool {
		out, err := env.run(t, "status", jobID)
		return err == nil && strings.Contains(out, "Status:   Cancelled")
	})

	out, err = env.run(t, "cancel", jobID)
	if err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	requireContains(t, out, "nothing to cancel")

	out, err = env.run(t, "retry", jobID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	requireContains(t, out, "Requeued job "+jobID)

	select {
	case <-env.started:
	case <-time.After(5 * time.Second):
		t.Fatal("retried job never started")
	}
	out, err = env.run(t, "status", jobID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	requireContains(t, out, "Attempt:  2")
}

func TestJobCommandErrors(t *testing.T) {
	env := setupCLITestEnv(t)

	if _, err := env.run(t, "status", "missing"); err == nil || !strings.Contains(err.Error(), "unknown job") {
		t.Fatalf("expected unknown job error, got %v", err)
	}
	if _, err := env.run(t, "submit", "--user", "alice", "--content", "x", "--kind", "transcode"); err == nil || !strings.Contains(err.Error(), "unknown job kind") {
		t.Fatalf("expected kind validation error, got %v", err)
	}
	if _, err := env.run(t, "submit", "--content", "x"); err == nil {
		t.Fatal("expected missing --user to fail")
	}
	if _, err := env.run(t, "retry", "missing"); err == nil {
		t.Fatal("expected retry of an unknown job to fail")
	}
}

func TestJobCommandsWithoutDaemon(t *testing.T) {
	env := setupOfflineEnv(t)

	_, err := env.run(t, "list", "--user", "alice")
	if err == nil {
		t.Fatal("expected dial error without a daemon")
	}
	requireContains(t, err.Error(), "stemdeck daemon start")
}
