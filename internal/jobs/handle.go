package jobs

import (
	"context"
	"maps"
	"time"

	"stemdeck/internal/services"
)

// Status is the lifecycle state of a job handle.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions happen without a retry.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Retryable reports whether Reset accepts a handle in this status.
func (s Status) Retryable() bool {
	return s == StatusFailed || s == StatusCancelled
}

// Result is the payload produced by a finished job.
type Result struct {
	FilePath string            `json:"file_path,omitempty"`
	Outputs  map[string]string `json:"outputs,omitempty"`
	Bytes    int64             `json:"bytes,omitempty"`
}

// Empty reports whether the result carries no artifact reference.
func (r Result) Empty() bool {
	return r.FilePath == "" && len(r.Outputs) == 0
}

func (r Result) clone() Result {
	r.Outputs = maps.Clone(r.Outputs)
	return r
}

// Snapshot is an immutable copy of a handle.
type Snapshot struct {
	ID              string             `json:"id"`
	RecordID        int64              `json:"record_id,omitempty"`
	Spec            Spec               `json:"spec"`
	Status          Status             `json:"status"`
	Progress        float64            `json:"progress"`
	Message         string             `json:"message,omitempty"`
	ErrorKind       services.ErrorKind `json:"error_kind,omitempty"`
	Error           string             `json:"error,omitempty"`
	Result          *Result            `json:"result,omitempty"`
	Attempt         int                `json:"attempt"`
	CancelRequested bool               `json:"cancel_requested,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	StartedAt       time.Time          `json:"started_at,omitzero"`
	FinishedAt      time.Time          `json:"finished_at,omitzero"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// handle is the mutable registry entry. Only Registry methods touch it.
type handle struct {
	snap   Snapshot
	cancel context.CancelCauseFunc
}

func (h *handle) snapshot() Snapshot {
	out := h.snap
	if h.snap.Result != nil {
		r := h.snap.Result.clone()
		out.Result = &r
	}
	return out
}

// ProgressFunc receives progress reports from a running job. percent is in
// [0,100], or negative when the report only refreshes the message. Only a
// changed non-negative percent counts as progress for the no-progress
// timeout; message is a short status and may be empty.
type ProgressFunc func(percent float64, message string)
