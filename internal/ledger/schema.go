package ledger

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is bumped whenever schema.sql changes shape.
const schemaVersion = 1

// ledgerTables lists every table schema.sql creates, in creation order.
var ledgerTables = []string{"schema_version", "global_records", "user_access"}

const accessUniqueIndexSQL = `CREATE UNIQUE INDEX IF NOT EXISTS idx_user_access_unique ON user_access (user_id, content_id, kind)`

// ErrSchemaMismatch reports a ledger written by a different schema version.
var ErrSchemaMismatch = errors.New("schema version mismatch")

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func tableExists(ctx context.Context, q queryer, name string) (bool, error) {
	var found string
	err := q.QueryRowContext(ctx, "SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", name).Scan(&found)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("query table %s: %w", name, err)
	}
	return true, nil
}

// readSchemaVersion returns 0 for a ledger without a version row.
func readSchemaVersion(ctx context.Context, q queryer) (int, error) {
	var version int
	err := q.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

// initSchema creates a fresh ledger or verifies an existing one is at
// schemaVersion. Ledgers from other versions are refused rather than
// migrated.
func (s *Store) initSchema(ctx context.Context) error {
	exists, err := tableExists(ctx, s.db, "schema_version")
	if err != nil {
		return err
	}
	if !exists {
		return s.withTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
				return fmt.Errorf("create schema: %w", err)
			}
			if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
				return fmt.Errorf("record schema version: %w", err)
			}
			return nil
		})
	}

	version, err := readSchemaVersion(ctx, s.db)
	if err != nil {
		return err
	}
	if version != schemaVersion {
		return fmt.Errorf("%w: ledger %s has version %d, expected %d", ErrSchemaMismatch, s.path, version, schemaVersion)
	}
	return nil
}
