package ledger

import (
	"context"
	"testing"
)

// DropAccessIndex removes the uniqueness guard so tests can seed the
// duplicate rows a crash mid-migration would leave behind.
func DropAccessIndex(t testing.TB, s *Store) {
	t.Helper()
	if _, err := s.db.Exec(`DROP INDEX idx_user_access_unique`); err != nil {
		t.Fatalf("drop access index: %v", err)
	}
}

// InsertRawAccess inserts an access row bypassing foreign key enforcement.
func InsertRawAccess(t testing.TB, s *Store, rec AccessRecord) int64 {
	t.Helper()
	ctx := context.Background()
	conn, err := s.db.Conn(ctx)
	if err != nil {
		t.Fatalf("conn: %v", err)
	}
	defer conn.Close()
	if _, err := conn.ExecContext(ctx, `PRAGMA foreign_keys = OFF`); err != nil {
		t.Fatalf("disable foreign keys: %v", err)
	}
	defer func() { _, _ = conn.ExecContext(ctx, `PRAGMA foreign_keys = ON`) }()

	payload, err := encodePayload(rec.Payload)
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}
	updated := rec.UpdatedAt
	if updated.IsZero() {
		updated = rec.CreatedAt
	}
	res, err := conn.ExecContext(ctx,
		`INSERT INTO user_access (user_id, content_id, kind, variant_key, global_id, payload_json, status, in_progress, job_id, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.UserID, rec.ContentID, string(rec.Kind), rec.VariantKey, rec.GlobalID, payload, rec.Status,
		boolToInt(rec.InProgress), nullableString(rec.JobID), formatTime(rec.CreatedAt), formatTime(updated),
	)
	if err != nil {
		t.Fatalf("insert raw access: %v", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		t.Fatalf("last insert id: %v", err)
	}
	return id
}

// SetGlobalStatus forces a record's status, simulating state left by a crash.
func SetGlobalStatus(t testing.TB, s *Store, id int64, status Status) {
	t.Helper()
	if _, err := s.db.Exec(`UPDATE global_records SET status = ? WHERE id = ?`, status, id); err != nil {
		t.Fatalf("set global status: %v", err)
	}
}
