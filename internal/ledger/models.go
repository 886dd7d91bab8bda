package ledger

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"

	"stemdeck/internal/jobs"
	"stemdeck/internal/services"
)

// Status is the state of a global record. A missing row is the Absent state.
type Status string

const (
	StatusReserved   Status = "reserved"
	StatusInProgress Status = "in_progress"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
)

// Busy reports whether a job currently owns the record.
func (s Status) Busy() bool {
	return s == StatusReserved || s == StatusInProgress
}

// AccessStatus mirrors the global status on a user's access row.
type AccessStatus string

const (
	AccessPending  AccessStatus = "pending"
	AccessComplete AccessStatus = "complete"
	AccessFailed   AccessStatus = "failed"
)

var (
	// ErrNotOwner is returned when a transition names a job that no longer owns the record.
	ErrNotOwner = fmt.Errorf("%w: record is not owned by this job", services.ErrLedger)
	// ErrKindMismatch is returned when a key is already used by the other job kind.
	ErrKindMismatch = fmt.Errorf("%w: key already recorded for another job kind", services.ErrValidation)
)

// Payload is the kind-specific result stored on records.
type Payload struct {
	FilePath string            `json:"file_path,omitempty"`
	Outputs  map[string]string `json:"outputs,omitempty"`
	Bytes    int64             `json:"bytes,omitempty"`
}

// PayloadFromResult converts a job result into its persisted form.
func PayloadFromResult(r jobs.Result) Payload {
	return Payload{FilePath: r.FilePath, Outputs: maps.Clone(r.Outputs), Bytes: r.Bytes}
}

// Result converts a payload back into a job result.
func (p Payload) Result() jobs.Result {
	return jobs.Result{FilePath: p.FilePath, Outputs: maps.Clone(p.Outputs), Bytes: p.Bytes}
}

// Empty reports whether the payload references no artifact.
func (p Payload) Empty() bool {
	return p.FilePath == "" && len(p.Outputs) == 0
}

// GlobalRecord is the single system-wide ledger entry for one key.
type GlobalRecord struct {
	ID           int64           `json:"id"`
	ContentID    string          `json:"content_id"`
	VariantKey   string          `json:"variant_key"`
	Kind         jobs.Kind       `json:"kind"`
	Status       Status          `json:"status"`
	Payload      Payload         `json:"payload"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	OwnerVariant string          `json:"owner_variant,omitempty"`
	JobID        string          `json:"job_id,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Attempts     int             `json:"attempts"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Key returns the deduplication key of the record.
func (r GlobalRecord) Key() jobs.Key {
	return jobs.Key{ContentID: r.ContentID, VariantKey: r.VariantKey, Kind: r.Kind}
}

// AccessRecord is a user's pointer to a global record.
type AccessRecord struct {
	ID         int64        `json:"id"`
	UserID     string       `json:"user_id"`
	ContentID  string       `json:"content_id"`
	Kind       jobs.Kind    `json:"kind"`
	VariantKey string       `json:"variant_key"`
	GlobalID   int64        `json:"global_id"`
	Payload    Payload      `json:"payload"`
	Status     AccessStatus `json:"status"`
	InProgress bool         `json:"in_progress"`
	JobID      string       `json:"job_id,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// Outcome is the result of CheckOrReserve.
type Outcome int

const (
	// OutcomeReserved means the caller now owns the key and must run the job.
	OutcomeReserved Outcome = iota + 1
	// OutcomeAlreadyComplete means the result exists; grant access, do no work.
	OutcomeAlreadyComplete
	// OutcomeInProgressElsewhere means another job owns the key.
	OutcomeInProgressElsewhere
)

func (o Outcome) String() string {
	switch o {
	case OutcomeReserved:
		return "reserved"
	case OutcomeAlreadyComplete:
		return "already_complete"
	case OutcomeInProgressElsewhere:
		return "in_progress_elsewhere"
	default:
		return "unknown"
	}
}

// Reservation pairs an outcome with the record as it stood after the check.
type Reservation struct {
	Outcome Outcome
	Record  GlobalRecord
}

// Stats summarizes ledger contents.
type Stats struct {
	Globals      map[Status]int `json:"globals"`
	AccessRows   int            `json:"access_rows"`
	AccessActive int            `json:"access_in_progress"`
}

// DatabaseHealth describes ledger database diagnostics.
type DatabaseHealth struct {
	DBPath           string   `json:"db_path"`
	DatabaseExists   bool     `json:"database_exists"`
	DatabaseReadable bool     `json:"database_readable"`
	SchemaVersion    int      `json:"schema_version"`
	TablesPresent    []string `json:"tables_present"`
	MissingTables    []string `json:"missing_tables,omitempty"`
	IntegrityCheck   bool     `json:"integrity_check"`
	ForeignKeyErrors int      `json:"foreign_key_errors"`
	TotalRecords     int      `json:"total_records"`
	Error            string   `json:"error,omitempty"`
}

// RepairReport counts the changes made by one reconciliation pass.
type RepairReport struct {
	DanglingAccess   int `json:"dangling_access"`
	MergedDuplicates int `json:"merged_duplicates"`
	OrphanedGlobals  int `json:"orphaned_globals"`
	NormalizedAccess int `json:"normalized_access"`
}

// Total returns the number of rows touched.
func (r RepairReport) Total() int {
	return r.DanglingAccess + r.MergedDuplicates + r.OrphanedGlobals + r.NormalizedAccess
}
