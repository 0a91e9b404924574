package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/atinyakov/PlayLedger/internal/models"
)

// PostgresBackupRepository stores backup metadata. Rows with a non-null
// deleted_at are tombstones and are invisible to every read.
type PostgresBackupRepository struct {
	// DB is the database handle for executing queries and transactions.
	DB *sql.DB
}

// NewPostgresBackupRepository creates a PostgresBackupRepository on db.
func NewPostgresBackupRepository(db *sql.DB) *PostgresBackupRepository {
	return &PostgresBackupRepository{DB: db}
}

// InsertBackup records backup metadata for the principal's account,
// registering the device if needed. Fails with models.ErrUnauthorized when
// the principal's API key has been rotated.
func (r *PostgresBackupRepository) InsertBackup(ctx context.Context, p models.Principal, b *models.Backup) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := checkGeneration(ctx, tx, p); err != nil {
		return err
	}
	if err := touchDevice(ctx, tx, p.AccountID, b.DeviceID, b.BackupDate); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO backups (id, account_id, device_id, backup_date, file_name, file_size, checksum, storage_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, b.ID, p.AccountID, b.DeviceID, b.BackupDate, b.FileName, b.FileSize, b.Checksum, b.StorageKey)
	if err != nil {
		return fmt.Errorf("insert backup: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ListBackups returns the live backups of an account, newest first.
func (r *PostgresBackupRepository) ListBackups(ctx context.Context, accountID string) ([]models.Backup, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT id, device_id, backup_date, file_name, file_size, checksum, storage_key
		  FROM backups
		 WHERE account_id = $1 AND deleted_at IS NULL
		 ORDER BY backup_date DESC, id
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("ListBackups: %w", err)
	}
	defer rows.Close()

	backups := make([]models.Backup, 0)
	for rows.Next() {
		var b models.Backup
		if err := rows.Scan(&b.ID, &b.DeviceID, &b.BackupDate, &b.FileName, &b.FileSize, &b.Checksum, &b.StorageKey); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		b.BackupDate = b.BackupDate.UTC()
		backups = append(backups, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListBackups: %w", err)
	}
	return backups, nil
}

// GetBackup fetches a live backup owned by accountID. Missing, deleted and
// foreign backups all yield models.ErrNotFound.
func (r *PostgresBackupRepository) GetBackup(ctx context.Context, accountID, id string) (*models.Backup, error) {
	var b models.Backup
	err := r.DB.QueryRowContext(ctx, `
		SELECT id, device_id, backup_date, file_name, file_size, checksum, storage_key
		  FROM backups
		 WHERE account_id = $1 AND id = $2 AND deleted_at IS NULL
	`, accountID, id).Scan(&b.ID, &b.DeviceID, &b.BackupDate, &b.FileName, &b.FileSize, &b.Checksum, &b.StorageKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GetBackup: %w", err)
	}
	b.BackupDate = b.BackupDate.UTC()
	return &b, nil
}

// TombstoneBackup hides a live backup owned by accountID and returns its
// storage key. From this point the backup is unobservable.
func (r *PostgresBackupRepository) TombstoneBackup(ctx context.Context, accountID, id string, at time.Time) (string, error) {
	var storageKey string
	err := r.DB.QueryRowContext(ctx, `
		UPDATE backups SET deleted_at = $3
		 WHERE account_id = $1 AND id = $2 AND deleted_at IS NULL
		RETURNING storage_key
	`, accountID, id, at).Scan(&storageKey)
	if errors.Is(err, sql.ErrNoRows) {
		return "", models.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("TombstoneBackup: %w", err)
	}
	return storageKey, nil
}

// RemoveBackup deletes a tombstoned backup row.
func (r *PostgresBackupRepository) RemoveBackup(ctx context.Context, id string) error {
	if _, err := r.DB.ExecContext(ctx,
		`DELETE FROM backups WHERE id = $1 AND deleted_at IS NOT NULL`, id,
	); err != nil {
		return fmt.Errorf("RemoveBackup: %w", err)
	}
	return nil
}
