package pipeline

import (
	"context"
	"sort"
	"time"

	"stemdeck/internal/jobs"
	"stemdeck/internal/ledger"
	"stemdeck/internal/services"
)

// Entry is one item in a user's list: a persisted access row, overlaid with
// the live state of the job producing it when that job is still known.
type Entry struct {
	ContentID  string             `json:"content_id"`
	VariantKey string             `json:"variant_key"`
	Kind       jobs.Kind          `json:"kind"`
	Status     string             `json:"status"`
	InProgress bool               `json:"in_progress"`
	JobID      string             `json:"job_id,omitempty"`
	Progress   float64            `json:"progress"`
	Message    string             `json:"message,omitempty"`
	ErrorKind  services.ErrorKind `json:"error_kind,omitempty"`
	Error      string             `json:"error,omitempty"`
	Payload    *ledger.Payload    `json:"payload,omitempty"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

type entryKey struct {
	contentID string
	kind      jobs.Kind
}

// ListForUser merges userID's access rows with the in-memory handles of that
// user, newest first. Handles without an access row still appear so queued
// work shows up alongside finished items.
func (s *Service) ListForUser(ctx context.Context, userID string) ([]Entry, error) {
	if userID == "" {
		return nil, services.Wrap(services.ErrValidation, "pipeline", "list", "user id is required", nil)
	}
	rows, err := s.access.ListAccess(ctx, userID)
	if err != nil {
		return nil, err
	}

	handles := make(map[string]jobs.Snapshot)
	latest := make(map[entryKey]jobs.Snapshot)
	for _, kind := range s.order {
		for _, snap := range s.workers[kind].Registry().ListForUser(userID) {
			handles[snap.ID] = snap
			k := entryKey{snap.Spec.ContentID, snap.Spec.Kind}
			if prev, ok := latest[k]; !ok || snap.UpdatedAt.After(prev.UpdatedAt) {
				latest[k] = snap
			}
		}
	}

	out := make([]Entry, 0, len(rows))
	seen := make(map[entryKey]bool, len(rows))
	for _, row := range rows {
		k := entryKey{row.ContentID, row.Kind}
		seen[k] = true
		entry := fromAccess(row)
		if snap, ok := handles[row.JobID]; ok {
			overlay(&entry, snap)
		} else if snap, ok := latest[k]; ok && snap.Spec.VariantKey == row.VariantKey && !snap.Status.Terminal() {
			overlay(&entry, snap)
		}
		out = append(out, entry)
	}
	for k, snap := range latest {
		if seen[k] {
			continue
		}
		entry := Entry{ContentID: snap.Spec.ContentID, VariantKey: snap.Spec.VariantKey, Kind: snap.Spec.Kind}
		overlay(&entry, snap)
		out = append(out, entry)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func fromAccess(row ledger.AccessRecord) Entry {
	entry := Entry{
		ContentID:  row.ContentID,
		VariantKey: row.VariantKey,
		Kind:       row.Kind,
		Status:     string(row.Status),
		InProgress: row.InProgress,
		JobID:      row.JobID,
		UpdatedAt:  row.UpdatedAt,
	}
	if row.Status == ledger.AccessComplete {
		entry.Progress = 100
	}
	if !row.Payload.Empty() {
		payload := row.Payload
		entry.Payload = &payload
	}
	return entry
}

// overlay applies live handle state. A completed access row is never
// downgraded by a stale handle.
func overlay(entry *Entry, snap jobs.Snapshot) {
	if entry.Status == string(ledger.AccessComplete) && snap.Status != jobs.StatusCompleted {
		return
	}
	entry.JobID = snap.ID
	entry.Status = string(snap.Status)
	entry.InProgress = !snap.Status.Terminal()
	entry.Progress = snap.Progress
	entry.Message = snap.Message
	entry.ErrorKind = snap.ErrorKind
	entry.Error = snap.Error
	if snap.Result != nil && entry.Payload == nil {
		payload := ledger.PayloadFromResult(*snap.Result)
		entry.Payload = &payload
	}
	if snap.UpdatedAt.After(entry.UpdatedAt) {
		entry.UpdatedAt = snap.UpdatedAt
	}
}
