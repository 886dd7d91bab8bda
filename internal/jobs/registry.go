package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"stemdeck/internal/services"
)

const (
	defaultTerminalCapacity = 512
	defaultTerminalTTL      = time.Hour
)

// ErrUnknownJob is returned for ids the registry has never seen or has evicted.
var ErrUnknownJob = fmt.Errorf("%w: unknown job", services.ErrNotFound)

// ErrCancelled is the cancel cause recorded when a caller cancels an active job.
var ErrCancelled = errors.New("job cancelled")

// Options tunes terminal handle retention.
type Options struct {
	TerminalCapacity int
	TerminalTTL      time.Duration
}

// CancelOutcome reports what Cancel did.
type CancelOutcome int

const (
	// CancelNone means the job was unknown or already terminal.
	CancelNone CancelOutcome = iota
	// CancelQueued means a queued job became Cancelled without starting.
	CancelQueued
	// CancelActive means the running job's context was cancelled; the
	// supervisor records the terminal state once it observes it.
	CancelActive
)

// Registry owns the job handles for one job kind.
type Registry struct {
	kind Kind

	mu       sync.Mutex
	live     map[string]*handle
	terminal *expirable.LRU[string, Snapshot]

	now func() time.Time
}

// NewRegistry constructs an empty registry for kind.
func NewRegistry(kind Kind, opts Options) *Registry {
	capacity := opts.TerminalCapacity
	if capacity <= 0 {
		capacity = defaultTerminalCapacity
	}
	ttl := opts.TerminalTTL
	if ttl <= 0 {
		ttl = defaultTerminalTTL
	}
	return &Registry{
		kind:     kind,
		live:     make(map[string]*handle),
		terminal: expirable.NewLRU[string, Snapshot](capacity, nil, ttl),
		now:      time.Now,
	}
}

// Kind returns the job kind this registry serves.
func (r *Registry) Kind() Kind {
	return r.kind
}

// Create registers a new queued handle under a fresh id.
func (r *Registry) Create(spec Spec) Snapshot {
	snap, _ := r.CreateWithID(uuid.NewString(), spec)
	return snap
}

// CreateWithID registers a queued handle under id. The id must be unused.
func (r *Registry) CreateWithID(id string, spec Spec) (Snapshot, error) {
	return r.CreateForRecord(id, 0, spec)
}

// CreateForRecord is CreateWithID for a job that owns ledger record recordID.
func (r *Registry) CreateForRecord(id string, recordID int64, spec Spec) (Snapshot, error) {
	if id == "" {
		return Snapshot{}, services.Wrap(services.ErrValidation, "jobs", "create", "job id is required", nil)
	}
	if spec.Kind != r.kind {
		return Snapshot{}, services.Wrap(services.ErrValidation, "jobs", "create", fmt.Sprintf("%s registry cannot hold %s jobs", r.kind, spec.Kind), nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.live[id]; ok {
		return Snapshot{}, services.Wrap(services.ErrValidation, "jobs", "create", fmt.Sprintf("job %s already exists", id), nil)
	}
	if r.terminal.Contains(id) {
		return Snapshot{}, services.Wrap(services.ErrValidation, "jobs", "create", fmt.Sprintf("job %s already exists", id), nil)
	}
	now := r.now().UTC()
	h := &handle{snap: Snapshot{
		ID:        id,
		RecordID:  recordID,
		Spec:      spec,
		Status:    StatusQueued,
		Attempt:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}}
	r.live[id] = h
	return h.snapshot(), nil
}

// Get returns the current snapshot for id from the live or terminal map.
func (r *Registry) Get(id string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.live[id]; ok {
		return h.snapshot(), true
	}
	return r.terminal.Get(id)
}

// MarkActive moves a queued handle to active and stores its cancel function.
// It returns false when the handle is no longer queued, which is how the
// dispatcher learns a job was cancelled while waiting.
func (r *Registry) MarkActive(id string, cancel context.CancelCauseFunc) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.live[id]
	if !ok || h.snap.Status != StatusQueued {
		return Snapshot{}, false
	}
	now := r.now().UTC()
	h.snap.Status = StatusActive
	h.snap.StartedAt = now
	h.snap.UpdatedAt = now
	h.cancel = cancel
	return h.snapshot(), true
}

// UpdateProgress records progress for an active handle. Percent is clamped to
// 100; a negative percent only refreshes the message. Returns false when the
// handle is not active.
func (r *Registry) UpdateProgress(id string, percent float64, message string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.live[id]
	if !ok || h.snap.Status != StatusActive {
		return false
	}
	if percent > 100 {
		percent = 100
	}
	if percent >= 0 {
		h.snap.Progress = percent
	}
	if message != "" {
		h.snap.Message = message
	}
	h.snap.UpdatedAt = r.now().UTC()
	return true
}

// Complete records success and retires the handle to the terminal map.
func (r *Registry) Complete(id string, result Result) (Snapshot, bool) {
	return r.finish(id, func(s *Snapshot) {
		res := result.clone()
		s.Status = StatusCompleted
		s.Progress = 100
		s.Result = &res
		s.Message = "completed"
	})
}

// Fail records a classified failure and retires the handle.
func (r *Registry) Fail(id string, kind services.ErrorKind, message string) (Snapshot, bool) {
	return r.finish(id, func(s *Snapshot) {
		s.Status = StatusFailed
		s.ErrorKind = kind
		s.Error = message
		s.Message = "failed"
	})
}

// MarkCancelled records a cancellation and retires the handle.
func (r *Registry) MarkCancelled(id string) (Snapshot, bool) {
	return r.finish(id, func(s *Snapshot) {
		s.Status = StatusCancelled
		s.Message = "cancelled"
	})
}

func (r *Registry) finish(id string, apply func(*Snapshot)) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.live[id]
	if !ok {
		return Snapshot{}, false
	}
	return r.finishLocked(h, apply), true
}

func (r *Registry) finishLocked(h *handle, apply func(*Snapshot)) Snapshot {
	id := h.snap.ID
	now := r.now().UTC()
	apply(&h.snap)
	h.snap.FinishedAt = now
	h.snap.UpdatedAt = now
	h.cancel = nil
	snap := h.snapshot()
	delete(r.live, id)
	r.terminal.Add(id, snap)
	return snap
}

// Cancel cancels a queued or active handle. Queued handles become Cancelled
// immediately; active handles have their context cancelled with ErrCancelled
// and stay active until the supervisor observes it.
func (r *Registry) Cancel(id string) (Snapshot, CancelOutcome) {
	r.mu.Lock()
	h, ok := r.live[id]
	if !ok {
		r.mu.Unlock()
		return Snapshot{}, CancelNone
	}
	switch h.snap.Status {
	case StatusQueued:
		snap := r.finishLocked(h, func(s *Snapshot) {
			s.Status = StatusCancelled
			s.Message = "cancelled"
		})
		r.mu.Unlock()
		return snap, CancelQueued
	case StatusActive:
		cancel := h.cancel
		h.snap.CancelRequested = true
		h.snap.UpdatedAt = r.now().UTC()
		snap := h.snapshot()
		r.mu.Unlock()
		if cancel != nil {
			cancel(ErrCancelled)
		}
		return snap, CancelActive
	default:
		r.mu.Unlock()
		return Snapshot{}, CancelNone
	}
}

// Reset prepares a failed or cancelled handle for another attempt: it moves
// back to the live map as queued with progress, error and result cleared and
// the attempt counter incremented.
func (r *Registry) Reset(id string) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.live[id]; ok {
		return Snapshot{}, services.Wrap(services.ErrValidation, "jobs", "reset", fmt.Sprintf("job %s is %s", id, h.snap.Status), nil)
	}
	prev, ok := r.terminal.Peek(id)
	if !ok {
		return Snapshot{}, ErrUnknownJob
	}
	if !prev.Status.Retryable() {
		return Snapshot{}, services.Wrap(services.ErrValidation, "jobs", "reset", fmt.Sprintf("job %s is %s", id, prev.Status), nil)
	}
	now := r.now().UTC()
	h := &handle{snap: Snapshot{
		ID:        prev.ID,
		RecordID:  prev.RecordID,
		Spec:      prev.Spec,
		Status:    StatusQueued,
		Attempt:   prev.Attempt + 1,
		CreatedAt: prev.CreatedAt,
		UpdatedAt: now,
	}}
	r.terminal.Remove(id)
	r.live[id] = h
	return h.snapshot(), nil
}

// Remove deletes a terminal handle. Live handles must be cancelled first.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.live[id]; ok {
		return false
	}
	return r.terminal.Remove(id)
}

// ListForUser returns every known handle requested by userID, newest first.
func (r *Registry) ListForUser(userID string) []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Snapshot
	for _, h := range r.live {
		if h.snap.Spec.UserID == userID {
			out = append(out, h.snapshot())
		}
	}
	for _, snap := range r.terminal.Values() {
		if snap.Spec.UserID == userID {
			out = append(out, snap)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Counts returns the number of queued and active handles.
func (r *Registry) Counts() (queued, active int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range r.live {
		switch h.snap.Status {
		case StatusQueued:
			queued++
		case StatusActive:
			active++
		}
	}
	return queued, active
}
