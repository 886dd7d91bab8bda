package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"stemdeck/internal/services"
)

const interruptedMessage = "interrupted by restart"

// Repair reconciles the ledger after an unclean shutdown. It runs in one
// transaction and is idempotent: a second run reports zero changes.
//
// Steps, in order: delete access rows whose record is gone; merge duplicate
// access rows per (user, content, kind); reset reserved and in-progress
// records to failed; normalize access rows against their record's status.
func (s *Store) Repair(ctx context.Context) (RepairReport, error) {
	return s.repair(ctx, true)
}

// Inspect reports what Repair would change without committing anything.
func (s *Store) Inspect(ctx context.Context) (RepairReport, error) {
	return s.repair(ctx, false)
}

func (s *Store) repair(ctx context.Context, commit bool) (RepairReport, error) {
	ctx = ensureContext(ctx)
	var report RepairReport
	err := retryOnBusy(ctx, func() error {
		report = RepairReport{}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		now := nowString()
		if report.DanglingAccess, err = deleteDanglingAccess(ctx, tx); err != nil {
			return err
		}
		if report.MergedDuplicates, err = mergeDuplicateAccess(ctx, tx); err != nil {
			return err
		}
		if report.OrphanedGlobals, err = resetOrphanedGlobals(ctx, tx, now); err != nil {
			return err
		}
		if report.NormalizedAccess, err = normalizeAccess(ctx, tx, now); err != nil {
			return err
		}
		if !commit {
			return nil
		}
		return tx.Commit()
	})
	if err != nil {
		return RepairReport{}, fmt.Errorf("%w: repair: %w", services.ErrLedger, err)
	}
	return report, nil
}

func deleteDanglingAccess(ctx context.Context, tx *sql.Tx) (int, error) {
	res, err := tx.ExecContext(ctx,
		`DELETE FROM user_access WHERE global_id NOT IN (SELECT id FROM global_records)`)
	if err != nil {
		return 0, fmt.Errorf("delete dangling access: %w", err)
	}
	return affected(res)
}

// mergeDuplicateAccess collapses rows sharing (user, content, kind) into one,
// then restores the unique index that normally prevents them.
func mergeDuplicateAccess(ctx context.Context, tx *sql.Tx) (int, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT `+accessColumns+` FROM user_access
         WHERE (user_id, content_id, kind) IN (
             SELECT user_id, content_id, kind FROM user_access
             GROUP BY user_id, content_id, kind HAVING COUNT(1) > 1
         )
         ORDER BY user_id, content_id, kind, id`)
	if err != nil {
		return 0, fmt.Errorf("find duplicate access: %w", err)
	}
	groups := make(map[string][]AccessRecord)
	var order []string
	for rows.Next() {
		rec, err := scanAccess(rows)
		if err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan duplicate access: %w", err)
		}
		k := rec.UserID + "\x00" + rec.ContentID + "\x00" + string(rec.Kind)
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], *rec)
	}
	if err := rows.Close(); err != nil {
		return 0, err
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	deleted := 0
	for _, k := range order {
		keeper, redundant := mergeAccessGroup(groups[k])
		for _, rec := range redundant {
			if _, err := tx.ExecContext(ctx, `DELETE FROM user_access WHERE id = ?`, rec.ID); err != nil {
				return 0, fmt.Errorf("delete duplicate access %d: %w", rec.ID, err)
			}
			deleted++
		}
		encoded, err := encodePayload(keeper.Payload)
		if err != nil {
			return 0, fmt.Errorf("encode merged payload: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE user_access
             SET variant_key = ?, global_id = ?, payload_json = ?, status = ?, in_progress = ?, job_id = ?, updated_at = ?
             WHERE id = ?`,
			keeper.VariantKey, keeper.GlobalID, encoded, keeper.Status, boolToInt(keeper.InProgress),
			nullableString(keeper.JobID), formatTime(keeper.UpdatedAt), keeper.ID,
		); err != nil {
			return 0, fmt.Errorf("update merged access %d: %w", keeper.ID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, accessUniqueIndexSQL); err != nil {
		return 0, fmt.Errorf("restore access index: %w", err)
	}
	return deleted, nil
}

// mergeAccessGroup picks the row with the most complete payload as the
// keeper, falling back to the most recently updated. Fields the keeper lacks
// are filled from the most recently updated row that has them.
func mergeAccessGroup(group []AccessRecord) (AccessRecord, []AccessRecord) {
	ranked := append([]AccessRecord(nil), group...)
	sort.SliceStable(ranked, func(i, j int) bool {
		si, sj := accessCompleteness(ranked[i]), accessCompleteness(ranked[j])
		if si != sj {
			return si > sj
		}
		if !ranked[i].UpdatedAt.Equal(ranked[j].UpdatedAt) {
			return ranked[i].UpdatedAt.After(ranked[j].UpdatedAt)
		}
		return ranked[i].ID > ranked[j].ID
	})
	keeper := ranked[0]

	byRecency := append([]AccessRecord(nil), group...)
	sort.SliceStable(byRecency, func(i, j int) bool {
		if !byRecency[i].UpdatedAt.Equal(byRecency[j].UpdatedAt) {
			return byRecency[i].UpdatedAt.After(byRecency[j].UpdatedAt)
		}
		return byRecency[i].ID > byRecency[j].ID
	})
	for _, rec := range byRecency {
		if keeper.JobID == "" && rec.JobID != "" {
			keeper.JobID = rec.JobID
		}
		if keeper.Payload.Bytes == 0 && rec.Payload.Bytes != 0 && rec.GlobalID == keeper.GlobalID {
			keeper.Payload.Bytes = rec.Payload.Bytes
		}
	}
	if latest := byRecency[0].UpdatedAt; latest.After(keeper.UpdatedAt) {
		keeper.UpdatedAt = latest
	}
	return keeper, ranked[1:]
}

func accessCompleteness(rec AccessRecord) int {
	score := 0
	if !rec.Payload.Empty() {
		score += 2
	}
	if rec.Status == AccessComplete {
		score++
	}
	return score
}

func resetOrphanedGlobals(ctx context.Context, tx *sql.Tx, now string) (int, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE global_records SET status = ?, error_message = ?, updated_at = ?
         WHERE status IN (?, ?)`,
		StatusFailed, interruptedMessage, now, StatusReserved, StatusInProgress,
	)
	if err != nil {
		return 0, fmt.Errorf("reset orphaned records: %w", err)
	}
	return affected(res)
}

func normalizeAccess(ctx context.Context, tx *sql.Tx, now string) (int, error) {
	total := 0

	res, err := tx.ExecContext(ctx,
		`UPDATE user_access SET in_progress = 0, updated_at = ?
         WHERE status = ? AND in_progress != 0`,
		now, AccessComplete,
	)
	if err != nil {
		return 0, fmt.Errorf("clear completed in-progress flags: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return 0, err
	}
	total += n

	res, err = tx.ExecContext(ctx,
		`UPDATE user_access
         SET status = ?, in_progress = 0, updated_at = ?,
             payload_json = COALESCE(
                 (SELECT g.payload_json FROM global_records g WHERE g.id = user_access.global_id),
                 user_access.payload_json)
         WHERE EXISTS (
             SELECT 1 FROM global_records g
             WHERE g.id = user_access.global_id AND g.status = ?
               AND (user_access.status != ?
                    OR (COALESCE(user_access.payload_json, '') = '' AND COALESCE(g.payload_json, '') != ''))
         )`,
		AccessComplete, now, StatusComplete, AccessComplete,
	)
	if err != nil {
		return 0, fmt.Errorf("sync completed access rows: %w", err)
	}
	if n, err = affected(res); err != nil {
		return 0, err
	}
	total += n

	res, err = tx.ExecContext(ctx,
		`UPDATE user_access SET status = ?, in_progress = 0, updated_at = ?
         WHERE status != ?
           AND (status = ? OR in_progress != 0)
           AND global_id IN (SELECT id FROM global_records WHERE status = ?)`,
		AccessFailed, now, AccessComplete, AccessPending, StatusFailed,
	)
	if err != nil {
		return 0, fmt.Errorf("release failed access rows: %w", err)
	}
	if n, err = affected(res); err != nil {
		return 0, err
	}
	total += n
	return total, nil
}

func affected(res sql.Result) (int, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
