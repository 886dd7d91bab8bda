package backoff_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"stemdeck/internal/backoff"
	"stemdeck/internal/config"
)

func TestDelaysDoubleUpToMax(t *testing.T) {
	p := backoff.Policy{Base: 100 * time.Millisecond, Max: 300 * time.Millisecond, Attempts: 5}
	got := p.Delays()
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond, 300 * time.Millisecond}
	if len(got) != len(want) {
		t.Fatalf("expected %d delays, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delay %d: want %s, got %s", i, want[i], got[i])
		}
	}
}

func TestFromConfig(t *testing.T) {
	p := backoff.FromConfig(config.Reservation{BackoffBaseMillis: 50, BackoffMaxMillis: 400, Attempts: 3, Jitter: 0.25})
	if p.Base != 50*time.Millisecond || p.Max != 400*time.Millisecond || p.Attempts != 3 || p.Jitter != 0.25 {
		t.Fatalf("unexpected policy: %#v", p)
	}
}

func TestRetryStopsOnSuccess(t *testing.T) {
	p := backoff.Policy{Base: time.Millisecond, Max: 2 * time.Millisecond, Attempts: 5, Jitter: 0.5}
	var notified int
	got, err := backoff.Retry(context.Background(), p, func(attempt int) (int, error) {
		if attempt < 3 {
			return 0, backoff.ErrRetry
		}
		return attempt, nil
	}, func(error, time.Duration) { notified++ })
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if got != 3 || notified != 2 {
		t.Fatalf("expected success on attempt 3 after 2 retries, got %d (notified %d)", got, notified)
	}
}

func TestRetryIsBounded(t *testing.T) {
	p := backoff.Policy{Base: time.Millisecond, Max: time.Millisecond, Attempts: 4}
	calls := 0
	_, err := backoff.Retry(context.Background(), p, func(int) (struct{}, error) {
		calls++
		return struct{}{}, backoff.ErrRetry
	}, nil)
	if !errors.Is(err, backoff.ErrRetry) {
		t.Fatalf("expected last error to surface, got %v", err)
	}
	if calls != 4 {
		t.Fatalf("expected 4 attempts, got %d", calls)
	}
}

func TestRetryPermanentStopsImmediately(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	_, err := backoff.Retry(context.Background(), backoff.Policy{Base: time.Millisecond, Attempts: 5}, func(int) (int, error) {
		calls++
		return 0, backoff.Permanent(boom)
	}, nil)
	if !errors.Is(err, boom) || calls != 1 {
		t.Fatalf("expected permanent error after one call, got %v after %d", err, calls)
	}
}

func TestRetryHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := backoff.Retry(ctx, backoff.Policy{Base: time.Second, Attempts: 3}, func(int) (int, error) {
		return 0, backoff.ErrRetry
	}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
}
