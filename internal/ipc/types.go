package ipc

import (
	"stemdeck/internal/daemon"
	"stemdeck/internal/jobs"
	"stemdeck/internal/ledger"
	"stemdeck/internal/pipeline"
)

// SubmitRequest asks for a job to be created or joined.
type SubmitRequest struct {
	Spec jobs.Spec `json:"spec"`
}

// SubmitResponse reports what happened to a submission.
type SubmitResponse struct {
	Result pipeline.SubmitResult `json:"result"`
}

// JobRequest addresses a single job.
type JobRequest struct {
	JobID string `json:"job_id"`
}

// JobStatusResponse carries a job snapshot.
type JobStatusResponse struct {
	Job jobs.Snapshot `json:"job"`
}

// CancelResponse reports whether a cancel took effect.
type CancelResponse struct {
	Cancelled bool `json:"cancelled"`
}

// RetryResponse returns the id the retried job runs under.
type RetryResponse struct {
	JobID string `json:"job_id"`
}

// ListRequest lists one user's jobs.
type ListRequest struct {
	UserID string `json:"user_id"`
}

// ListResponse contains the merged job view of a user.
type ListResponse struct {
	Entries []pipeline.Entry `json:"entries"`
}

// ForgetRequest removes a user's access to a result.
type ForgetRequest struct {
	UserID    string    `json:"user_id"`
	ContentID string    `json:"content_id"`
	Kind      jobs.Kind `json:"kind"`
}

// ForgetResponse reports whether an access row was removed.
type ForgetResponse struct {
	Removed bool `json:"removed"`
}

// StatusRequest fetches daemon status.
type StatusRequest struct{}

// StatusResponse represents daemon status information.
type StatusResponse struct {
	daemon.Status
}

// StopRequest stops the daemon.
type StopRequest struct{}

// StopResponse indicates stop result.
type StopResponse struct {
	Stopped bool `json:"stopped"`
}

// DatabaseHealthRequest fetches ledger diagnostics.
type DatabaseHealthRequest struct{}

// DatabaseHealthResponse wraps ledger diagnostics.
type DatabaseHealthResponse struct {
	Health ledger.DatabaseHealth `json:"health"`
}

// LogTailRequest reads the daemon log.
type LogTailRequest struct {
	Offset     int64  `json:"offset"`
	Limit      int    `json:"limit"`
	Follow     bool   `json:"follow"`
	WaitMillis int    `json:"wait_millis"`
	JobID      string `json:"job_id,omitempty"`
}

// LogTailResponse returns log lines and the offset to resume from.
type LogTailResponse struct {
	Lines  []string `json:"lines"`
	Offset int64    `json:"offset"`
}
