package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"stemdeck/internal/jobs"
	"stemdeck/internal/services"
)

// GrantAccess points userID's access row for the record's (content, kind) at
// rec, replacing any earlier pointer. The row mirrors the record's status:
// complete rows copy the payload, busy rows are pending and in progress.
func (s *Store) GrantAccess(ctx context.Context, userID string, rec GlobalRecord, jobID string) (AccessRecord, error) {
	if userID == "" || rec.ID == 0 {
		return AccessRecord{}, services.Wrap(services.ErrValidation, "ledger", "grant access", "user id and record are required", nil)
	}

	status := AccessPending
	inProgress := rec.Status.Busy()
	var payload Payload
	switch rec.Status {
	case StatusComplete:
		status = AccessComplete
		payload = rec.Payload
	case StatusFailed:
		status = AccessFailed
	}
	encoded, err := encodePayload(payload)
	if err != nil {
		return AccessRecord{}, fmt.Errorf("encode payload: %w", err)
	}

	var out AccessRecord
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		now := nowString()
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO user_access (user_id, content_id, kind, variant_key, global_id, payload_json, status, in_progress, job_id, created_at, updated_at)
             VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
             ON CONFLICT (user_id, content_id, kind) DO UPDATE SET
                 variant_key = excluded.variant_key,
                 global_id = excluded.global_id,
                 payload_json = excluded.payload_json,
                 status = excluded.status,
                 in_progress = excluded.in_progress,
                 job_id = excluded.job_id,
                 updated_at = excluded.updated_at`,
			userID, rec.ContentID, string(rec.Kind), rec.VariantKey, rec.ID, encoded, status, boolToInt(inProgress), nullableString(jobID), now, now,
		); err != nil {
			return fmt.Errorf("upsert access: %w", err)
		}
		row := tx.QueryRowContext(ctx,
			`SELECT `+accessColumns+` FROM user_access WHERE user_id = ? AND content_id = ? AND kind = ?`,
			userID, rec.ContentID, string(rec.Kind),
		)
		got, err := scanAccess(row)
		if err != nil {
			return fmt.Errorf("read access: %w", err)
		}
		out = *got
		return nil
	})
	if err != nil {
		return AccessRecord{}, fmt.Errorf("%w: grant access: %w", services.ErrLedger, err)
	}
	return out, nil
}

// GetAccess returns userID's access row for (contentID, kind), or nil.
func (s *Store) GetAccess(ctx context.Context, userID, contentID string, kind jobs.Kind) (*AccessRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+accessColumns+` FROM user_access WHERE user_id = ? AND content_id = ? AND kind = ?`,
		userID, contentID, string(kind),
	)
	rec, err := scanAccess(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get access: %w", err)
	}
	return rec, nil
}

// ListAccess returns every access row of userID, most recently updated first.
func (s *Store) ListAccess(ctx context.Context, userID string) ([]AccessRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+accessColumns+` FROM user_access WHERE user_id = ? ORDER BY updated_at DESC, id DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list access: %w", err)
	}
	defer rows.Close()

	var out []AccessRecord
	for rows.Next() {
		rec, err := scanAccess(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// DeleteAccess removes a user's access row. The global record and its
// artifacts are untouched.
func (s *Store) DeleteAccess(ctx context.Context, userID, contentID string, kind jobs.Kind) (bool, error) {
	res, err := s.execWithRetry(ctx,
		`DELETE FROM user_access WHERE user_id = ? AND content_id = ? AND kind = ?`,
		userID, contentID, string(kind),
	)
	if err != nil {
		return false, fmt.Errorf("%w: delete access: %w", services.ErrLedger, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
