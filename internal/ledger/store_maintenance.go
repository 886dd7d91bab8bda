package ledger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// Stats returns record counts grouped by status plus access row totals.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM global_records GROUP BY status`)
	if err != nil {
		return Stats{}, fmt.Errorf("ledger stats: %w", err)
	}
	defer rows.Close()

	stats := Stats{Globals: make(map[Status]int)}
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return Stats{}, err
		}
		stats.Globals[status] = count
	}
	if err := rows.Err(); err != nil {
		return Stats{}, err
	}

	row := s.db.QueryRowContext(ctx, `SELECT COUNT(1), COALESCE(SUM(in_progress), 0) FROM user_access`)
	if err := row.Scan(&stats.AccessRows, &stats.AccessActive); err != nil {
		return Stats{}, fmt.Errorf("access stats: %w", err)
	}
	return stats, nil
}

// CheckHealth returns diagnostic information about the ledger database.
func (s *Store) CheckHealth(ctx context.Context) (DatabaseHealth, error) {
	health := DatabaseHealth{DBPath: s.path}

	if s.path == "" {
		return health, errors.New("ledger database path is unknown")
	}

	info, err := os.Stat(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			health.DatabaseExists = false
			return health, nil
		}
		return health, fmt.Errorf("stat ledger database: %w", err)
	}
	if info.IsDir() {
		return health, fmt.Errorf("ledger database path %q is a directory", s.path)
	}
	health.DatabaseExists = true

	if s.db == nil {
		return health, errors.New("ledger database connection unavailable")
	}

	connCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := s.db.PingContext(connCtx); err != nil {
		health.Error = err.Error()
		return health, fmt.Errorf("ping ledger database: %w", err)
	}
	health.DatabaseReadable = true

	version, err := readSchemaVersion(connCtx, s.db)
	if err != nil {
		health.Error = err.Error()
		return health, err
	}
	health.SchemaVersion = version

	for _, table := range ledgerTables {
		ok, err := tableExists(connCtx, s.db, table)
		if err != nil {
			health.Error = err.Error()
			return health, err
		}
		if ok {
			health.TablesPresent = append(health.TablesPresent, table)
		} else {
			health.MissingTables = append(health.MissingTables, table)
		}
	}

	if len(health.MissingTables) == 0 {
		row := s.db.QueryRowContext(connCtx, "SELECT (SELECT COUNT(*) FROM global_records) + (SELECT COUNT(*) FROM user_access)")
		if err := row.Scan(&health.TotalRecords); err != nil {
			health.Error = err.Error()
			return health, fmt.Errorf("count ledger rows: %w", err)
		}

		fkRows, err := s.db.QueryContext(connCtx, "PRAGMA foreign_key_check")
		if err != nil {
			health.Error = err.Error()
			return health, fmt.Errorf("foreign key check: %w", err)
		}
		for fkRows.Next() {
			health.ForeignKeyErrors++
		}
		fkErr := fkRows.Err()
		_ = fkRows.Close()
		if fkErr != nil {
			health.Error = fkErr.Error()
			return health, fmt.Errorf("foreign key check: %w", fkErr)
		}
	}

	row := s.db.QueryRowContext(connCtx, "PRAGMA integrity_check")
	var integrityResult string
	if err := row.Scan(&integrityResult); err != nil {
		health.Error = err.Error()
		return health, fmt.Errorf("integrity check: %w", err)
	}
	health.IntegrityCheck = strings.EqualFold(integrityResult, "ok")

	return health, nil
}

// Healthy reports whether the database passed every check.
func (h DatabaseHealth) Healthy() bool {
	return h.DatabaseExists && h.DatabaseReadable && len(h.MissingTables) == 0 &&
		h.IntegrityCheck && h.ForeignKeyErrors == 0 && h.Error == ""
}
