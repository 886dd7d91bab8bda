package logging

import (
	"sync"
	"time"
)

// ProgressSampler suppresses repetitive progress logs. A sample is emitted when
// the percentage crosses into a new bucket or when the heartbeat interval has
// elapsed since the last emitted sample, so long stalls still leave a trace.
type ProgressSampler struct {
	mu         sync.Mutex
	bucketSize float64
	heartbeat  time.Duration
	lastBucket int
	lastEmit   time.Time
	now        func() time.Time
}

// NewProgressSampler constructs a sampler emitting every bucketSize percent
// (default 10) and at least once per heartbeat (disabled when zero).
func NewProgressSampler(bucketSize float64, heartbeat time.Duration) *ProgressSampler {
	if bucketSize <= 0 {
		bucketSize = 10
	}
	return &ProgressSampler{bucketSize: bucketSize, heartbeat: heartbeat, lastBucket: -1, now: time.Now}
}

// ShouldLog reports whether a progress update at percent should be logged.
func (s *ProgressSampler) ShouldLog(percent float64) bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	emit := false
	if percent >= 0 {
		if percent > 100 {
			percent = 100
		}
		if bucket := int(percent / s.bucketSize); bucket > s.lastBucket {
			s.lastBucket = bucket
			emit = true
		}
	}
	if !emit && s.heartbeat > 0 && !s.lastEmit.IsZero() && now.Sub(s.lastEmit) >= s.heartbeat {
		emit = true
	}
	if emit {
		s.lastEmit = now
	}
	return emit
}

// Reset clears the sampler state (e.g. when a job is retried).
func (s *ProgressSampler) Reset() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.lastBucket = -1
	s.lastEmit = time.Time{}
	s.mu.Unlock()
}
