package logging

import (
	"testing"
	"time"
)

func TestProgressSamplerBuckets(t *testing.T) {
	s := NewProgressSampler(10, 0)
	steps := []struct {
		percent float64
		want    bool
	}{
		{0, true},
		{4, false},
		{9.9, false},
		{10, true},
		{15, false},
		{35, true},
		{30, false},
		{100, true},
		{120, false},
	}
	for _, step := range steps {
		if got := s.ShouldLog(step.percent); got != step.want {
			t.Fatalf("ShouldLog(%v) = %v, want %v", step.percent, got, step.want)
		}
	}
}

func TestProgressSamplerHeartbeat(t *testing.T) {
	current := time.Unix(0, 0)
	s := NewProgressSampler(50, time.Minute)
	s.now = func() time.Time { return current }

	if !s.ShouldLog(1) {
		t.Fatal("first sample should log")
	}
	current = current.Add(30 * time.Second)
	if s.ShouldLog(2) {
		t.Fatal("sample within heartbeat and bucket should be suppressed")
	}
	current = current.Add(31 * time.Second)
	if !s.ShouldLog(3) {
		t.Fatal("sample after heartbeat should log")
	}
}

func TestProgressSamplerResetAndNil(t *testing.T) {
	var nilSampler *ProgressSampler
	if !nilSampler.ShouldLog(50) {
		t.Fatal("nil sampler should always log")
	}
	nilSampler.Reset()

	s := NewProgressSampler(0, 0)
	if s.bucketSize != 10 {
		t.Fatalf("expected default bucket size 10, got %v", s.bucketSize)
	}
	s.ShouldLog(90)
	if s.ShouldLog(50) {
		t.Fatal("lower bucket should not log before reset")
	}
	s.Reset()
	if !s.ShouldLog(50) {
		t.Fatal("expected sample after reset to log")
	}
}
