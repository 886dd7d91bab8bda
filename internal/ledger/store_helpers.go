package ledger

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"stemdeck/internal/jobs"
)

const globalColumns = "id, content_id, variant_key, kind, status, payload_json, metadata_json, owner_variant, job_id, error_message, attempts, created_at, updated_at"

const accessColumns = "id, user_id, content_id, kind, variant_key, global_id, payload_json, status, in_progress, job_id, created_at, updated_at"

// timeLayout is fixed width so timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type rowScanner interface{ Scan(dest ...any) error }

func scanGlobal(scanner rowScanner) (*GlobalRecord, error) {
	var (
		id           int64
		contentID    string
		variantKey   string
		kind         string
		status       string
		payloadRaw   sql.NullString
		metadataRaw  sql.NullString
		ownerVariant sql.NullString
		jobID        sql.NullString
		errorMessage sql.NullString
		attempts     int
		createdRaw   sql.NullString
		updatedRaw   sql.NullString
	)
	if err := scanner.Scan(
		&id,
		&contentID,
		&variantKey,
		&kind,
		&status,
		&payloadRaw,
		&metadataRaw,
		&ownerVariant,
		&jobID,
		&errorMessage,
		&attempts,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}

	rec := &GlobalRecord{
		ID:           id,
		ContentID:    contentID,
		VariantKey:   variantKey,
		Kind:         jobs.Kind(kind),
		Status:       Status(status),
		Payload:      decodePayload(payloadRaw.String),
		OwnerVariant: ownerVariant.String,
		JobID:        jobID.String,
		ErrorMessage: errorMessage.String,
		Attempts:     attempts,
	}
	if metadataRaw.Valid && metadataRaw.String != "" {
		rec.Metadata = json.RawMessage(metadataRaw.String)
	}
	if created, err := parseTimeString(createdRaw.String); err == nil {
		rec.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw.String); err == nil {
		rec.UpdatedAt = updated
	}
	return rec, nil
}

func scanAccess(scanner rowScanner) (*AccessRecord, error) {
	var (
		id         int64
		userID     string
		contentID  string
		kind       string
		variantKey string
		globalID   int64
		payloadRaw sql.NullString
		status     string
		inProgress int
		jobID      sql.NullString
		createdRaw sql.NullString
		updatedRaw sql.NullString
	)
	if err := scanner.Scan(
		&id,
		&userID,
		&contentID,
		&kind,
		&variantKey,
		&globalID,
		&payloadRaw,
		&status,
		&inProgress,
		&jobID,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}
	rec := &AccessRecord{
		ID:         id,
		UserID:     userID,
		ContentID:  contentID,
		Kind:       jobs.Kind(kind),
		VariantKey: variantKey,
		GlobalID:   globalID,
		Payload:    decodePayload(payloadRaw.String),
		Status:     AccessStatus(status),
		InProgress: inProgress != 0,
		JobID:      jobID.String,
	}
	if created, err := parseTimeString(createdRaw.String); err == nil {
		rec.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw.String); err == nil {
		rec.UpdatedAt = updated
	}
	return rec, nil
}

func encodePayload(p Payload) (any, error) {
	if p.Empty() && p.Bytes == 0 {
		return nil, nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// decodePayload tolerates malformed JSON; repair treats such rows as empty.
func decodePayload(raw string) Payload {
	var p Payload
	if raw == "" {
		return p
	}
	_ = json.Unmarshal([]byte(raw), &p)
	return p
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nowString() string {
	return formatTime(time.Now())
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", value)
}
