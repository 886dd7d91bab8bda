package broadcast

import (
	"time"

	"stemdeck/internal/jobs"
)

// EventType names a lifecycle callback.
type EventType string

const (
	EventStart    EventType = "start"
	EventProgress EventType = "progress"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
	EventCancel   EventType = "cancel"
)

// Terminal reports whether the event closes a job attempt.
func (t EventType) Terminal() bool {
	return t == EventComplete || t == EventError || t == EventCancel
}

// Event is the payload published for every callback.
type Event struct {
	Type       EventType    `json:"type"`
	JobID      string       `json:"job_id"`
	Kind       jobs.Kind    `json:"kind"`
	UserID     string       `json:"user_id"`
	SessionID  string       `json:"session_id,omitempty"`
	ContentID  string       `json:"content_id"`
	VariantKey string       `json:"variant_key"`
	Attempt    int          `json:"attempt"`
	Progress   float64      `json:"progress"`
	Message    string       `json:"message,omitempty"`
	ErrorKind  string       `json:"error_kind,omitempty"`
	Error      string       `json:"error,omitempty"`
	Result     *jobs.Result `json:"result,omitempty"`
	At         time.Time    `json:"at"`
}

// NewEvent builds an event from a registry snapshot.
func NewEvent(t EventType, snap jobs.Snapshot) Event {
	return Event{
		Type:       t,
		JobID:      snap.ID,
		Kind:       snap.Spec.Kind,
		UserID:     snap.Spec.UserID,
		SessionID:  snap.Spec.SessionID,
		ContentID:  snap.Spec.ContentID,
		VariantKey: snap.Spec.VariantKey,
		Attempt:    snap.Attempt,
		Progress:   snap.Progress,
		Message:    snap.Message,
		ErrorKind:  string(snap.ErrorKind),
		Error:      snap.Error,
		Result:     snap.Result,
		At:         time.Now().UTC(),
	}
}
