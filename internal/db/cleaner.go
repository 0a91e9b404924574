package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// purgeBatch bounds the number of tombstoned backups removed per tick.
const purgeBatch = 100

// PayloadDeleter removes a stored backup payload. Deleting a missing
// payload must succeed.
type PayloadDeleter interface {
	Delete(ctx context.Context, key string) error
}

type tombstone struct {
	id         string
	storageKey string
}

// StartBackupPurger periodically finishes deletion of tombstoned backups:
// their payloads are removed and then the metadata rows. Rows tombstoned
// less than grace ago are left to the request that deleted them.
func StartBackupPurger(
	ctx context.Context,
	db *sql.DB,
	payloads PayloadDeleter,
	interval time.Duration,
	grace time.Duration,
	log *zap.Logger,
) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed, err := PurgeTombstonedBackups(ctx, db, payloads, time.Now().Add(-grace), log)
				if err != nil {
					log.Error("failed to purge deleted backups", zap.Error(err))
					continue
				}
				if removed > 0 {
					log.Info("purged deleted backups", zap.Int("removed", removed))
				}
			}
		}
	}()
}

// PurgeTombstonedBackups removes up to one batch of backups tombstoned
// before cutoff and reports how many rows were removed. A payload that
// fails to delete keeps its row for the next run.
func PurgeTombstonedBackups(
	ctx context.Context,
	db *sql.DB,
	payloads PayloadDeleter,
	cutoff time.Time,
	log *zap.Logger,
) (int, error) {
	rows, err := db.QueryContext(ctx, `
        SELECT id, storage_key FROM backups
         WHERE deleted_at IS NOT NULL
           AND deleted_at < $1
         ORDER BY deleted_at
         LIMIT $2
    `, cutoff, purgeBatch)
	if err != nil {
		return 0, fmt.Errorf("select tombstones: %w", err)
	}

	var pending []tombstone
	for rows.Next() {
		var t tombstone
		if err := rows.Scan(&t.id, &t.storageKey); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan tombstone: %w", err)
		}
		pending = append(pending, t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("iterate tombstones: %w", err)
	}
	rows.Close()

	removed := 0
	for _, t := range pending {
		if err := payloads.Delete(ctx, t.storageKey); err != nil {
			log.Warn("failed to delete backup payload",
				zap.String("backup_id", t.id), zap.Error(err))
			continue
		}
		res, err := db.ExecContext(ctx,
			`DELETE FROM backups WHERE id = $1 AND deleted_at IS NOT NULL`, t.id)
		if err != nil {
			return removed, fmt.Errorf("delete backup row: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			removed++
		}
	}
	return removed, nil
}
