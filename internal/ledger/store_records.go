package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"stemdeck/internal/jobs"
	"stemdeck/internal/services"
)

// CheckOrReserve reads the record for key and, when it is absent or failed,
// reserves it for jobID in the same immediate transaction. Two concurrent
// callers can never both receive OutcomeReserved for one key.
func (s *Store) CheckOrReserve(ctx context.Context, key jobs.Key, jobID, ownerVariant string) (Reservation, error) {
	if key.ContentID == "" || key.VariantKey == "" || !key.Kind.Valid() || jobID == "" {
		return Reservation{}, services.Wrap(services.ErrValidation, "ledger", "check or reserve", "content id, variant key, kind and job id are required", nil)
	}

	var result Reservation
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		result = Reservation{}
		rec, err := getGlobalTx(ctx, tx, key.ContentID, key.VariantKey)
		if err != nil {
			return err
		}
		now := nowString()

		if rec == nil {
			res, err := tx.ExecContext(ctx,
				`INSERT INTO global_records (content_id, variant_key, kind, status, owner_variant, job_id, attempts, created_at, updated_at)
                 VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?)`,
				key.ContentID, key.VariantKey, string(key.Kind), StatusReserved, nullableString(ownerVariant), jobID, now, now,
			)
			if err != nil {
				return fmt.Errorf("insert reservation: %w", err)
			}
			id, err := res.LastInsertId()
			if err != nil {
				return fmt.Errorf("reservation id: %w", err)
			}
			rec, err = getGlobalByIDTx(ctx, tx, id)
			if err != nil {
				return err
			}
			result = Reservation{Outcome: OutcomeReserved, Record: *rec}
			return nil
		}

		if rec.Kind != key.Kind {
			return fmt.Errorf("%w: %s is a %s record", ErrKindMismatch, key, rec.Kind)
		}

		switch rec.Status {
		case StatusComplete:
			result = Reservation{Outcome: OutcomeAlreadyComplete, Record: *rec}
			return nil
		case StatusReserved, StatusInProgress:
			result = Reservation{Outcome: OutcomeInProgressElsewhere, Record: *rec}
			return nil
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE global_records
             SET status = ?, job_id = ?, owner_variant = ?, error_message = NULL,
                 attempts = attempts + 1, updated_at = ?
             WHERE id = ?`,
			StatusReserved, jobID, nullableString(ownerVariant), now, rec.ID,
		); err != nil {
			return fmt.Errorf("re-reserve record: %w", err)
		}
		rec, err = getGlobalByIDTx(ctx, tx, rec.ID)
		if err != nil {
			return err
		}
		result = Reservation{Outcome: OutcomeReserved, Record: *rec}
		return nil
	})
	if err != nil {
		if errors.Is(err, services.ErrValidation) {
			return Reservation{}, err
		}
		return Reservation{}, fmt.Errorf("%w: check or reserve %s: %w", services.ErrLedger, key, err)
	}
	return result, nil
}

// MarkInProgress moves a reserved record owned by jobID to in_progress.
func (s *Store) MarkInProgress(ctx context.Context, id int64, jobID string) error {
	res, err := s.execWithRetry(ctx,
		`UPDATE global_records SET status = ?, updated_at = ?
         WHERE id = ? AND job_id = ? AND status = ?`,
		StatusInProgress, nowString(), id, jobID, StatusReserved,
	)
	if err != nil {
		return fmt.Errorf("%w: mark in progress: %w", services.ErrLedger, err)
	}
	return requireAffected(res, id, jobID)
}

// MarkComplete records the payload on a record owned by jobID and copies it to
// every access row pointing at the record.
func (s *Store) MarkComplete(ctx context.Context, id int64, jobID string, payload Payload) error {
	encoded, err := encodePayload(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		now := nowString()
		res, err := tx.ExecContext(ctx,
			`UPDATE global_records
             SET status = ?, payload_json = ?, error_message = NULL, updated_at = ?
             WHERE id = ? AND job_id = ? AND status IN (?, ?)`,
			StatusComplete, encoded, now, id, jobID, StatusReserved, StatusInProgress,
		)
		if err != nil {
			return fmt.Errorf("update record: %w", err)
		}
		if err := requireAffected(res, id, jobID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE user_access
             SET payload_json = ?, status = ?, in_progress = 0, updated_at = ?
             WHERE global_id = ?`,
			encoded, AccessComplete, now, id,
		); err != nil {
			return fmt.Errorf("propagate payload: %w", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotOwner) {
			return err
		}
		return fmt.Errorf("%w: mark complete: %w", services.ErrLedger, err)
	}
	return nil
}

// MarkFailed releases a record owned by jobID so it can be reserved again.
// Access rows waiting on the record stop being in progress.
func (s *Store) MarkFailed(ctx context.Context, id int64, jobID, message string) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := nowString()
		res, err := tx.ExecContext(ctx,
			`UPDATE global_records
             SET status = ?, error_message = ?, updated_at = ?
             WHERE id = ? AND job_id = ? AND status IN (?, ?)`,
			StatusFailed, nullableString(message), now, id, jobID, StatusReserved, StatusInProgress,
		)
		if err != nil {
			return fmt.Errorf("update record: %w", err)
		}
		if err := requireAffected(res, id, jobID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE user_access
             SET status = ?, in_progress = 0, updated_at = ?
             WHERE global_id = ? AND status != ?`,
			AccessFailed, now, id, AccessComplete,
		); err != nil {
			return fmt.Errorf("release access rows: %w", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotOwner) {
			return err
		}
		return fmt.Errorf("%w: mark failed: %w", services.ErrLedger, err)
	}
	return nil
}

// SetMetadata attaches analysis output to a record.
func (s *Store) SetMetadata(ctx context.Context, id int64, metadata json.RawMessage) error {
	if len(metadata) > 0 && !json.Valid(metadata) {
		return services.Wrap(services.ErrValidation, "ledger", "set metadata", "metadata is not valid JSON", nil)
	}
	res, err := s.execWithRetry(ctx,
		`UPDATE global_records SET metadata_json = ?, updated_at = ? WHERE id = ?`,
		nullableString(string(metadata)), nowString(), id,
	)
	if err != nil {
		return fmt.Errorf("%w: set metadata: %w", services.ErrLedger, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: record %d", services.ErrNotFound, id)
	}
	return nil
}

// Get returns the record for (contentID, variantKey), or nil when absent.
func (s *Store) Get(ctx context.Context, contentID, variantKey string) (*GlobalRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+globalColumns+` FROM global_records WHERE content_id = ? AND variant_key = ?`,
		contentID, variantKey,
	)
	rec, err := scanGlobal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	return rec, nil
}

// GetByID returns the record with id, or nil when absent.
func (s *Store) GetByID(ctx context.Context, id int64) (*GlobalRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+globalColumns+` FROM global_records WHERE id = ?`, id)
	rec, err := scanGlobal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get record %d: %w", id, err)
	}
	return rec, nil
}

// LatestComplete returns the most recently completed record of kind for
// contentID, or nil when none exists.
func (s *Store) LatestComplete(ctx context.Context, contentID string, kind jobs.Kind) (*GlobalRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+globalColumns+` FROM global_records
         WHERE content_id = ? AND kind = ? AND status = ?
         ORDER BY updated_at DESC, id DESC LIMIT 1`,
		contentID, string(kind), StatusComplete,
	)
	rec, err := scanGlobal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest complete: %w", err)
	}
	return rec, nil
}

// ListByStatus returns every record in the given statuses.
func (s *Store) ListByStatus(ctx context.Context, statuses ...Status) ([]GlobalRecord, error) {
	query := `SELECT ` + globalColumns + ` FROM global_records`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + makePlaceholders(len(statuses)) + `)`
		for _, st := range statuses {
			args = append(args, st)
		}
	}
	query += ` ORDER BY id`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var out []GlobalRecord
	for rows.Next() {
		rec, err := scanGlobal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func getGlobalTx(ctx context.Context, tx *sql.Tx, contentID, variantKey string) (*GlobalRecord, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+globalColumns+` FROM global_records WHERE content_id = ? AND variant_key = ?`,
		contentID, variantKey,
	)
	rec, err := scanGlobal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read record: %w", err)
	}
	return rec, nil
}

func getGlobalByIDTx(ctx context.Context, tx *sql.Tx, id int64) (*GlobalRecord, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+globalColumns+` FROM global_records WHERE id = ?`, id)
	rec, err := scanGlobal(row)
	if err != nil {
		return nil, fmt.Errorf("read record %d: %w", id, err)
	}
	return rec, nil
}

func requireAffected(res sql.Result, id int64, jobID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: record %d, job %s", ErrNotOwner, id, jobID)
	}
	return nil
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	placeholders := make([]byte, 0, count*2)
	for i := 0; i < count; i++ {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}
	return string(placeholders)
}
