package repository

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/atinyakov/PlayLedger/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupBackupMock(t *testing.T) (*PostgresBackupRepository, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresBackupRepository(db), mock
}

var backupCols = []string{"id", "device_id", "backup_date", "file_name", "file_size", "checksum", "storage_key"}

func TestInsertBackup_Success(t *testing.T) {
	repo, mock := setupBackupMock(t)

	p := models.Principal{AccountID: "acc-1", KeyGeneration: 2}
	at := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	b := &models.Backup{
		ID: "bk-1", DeviceID: "r36s", BackupDate: at, FileName: "save1.sav",
		FileSize: 2048, Checksum: "abc", StorageKey: "backups/acc-1/bk-1",
	}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(generationQuery)).
		WithArgs("acc-1").
		WillReturnRows(sqlmock.NewRows([]string{"key_generation"}).AddRow(int64(2)))
	mock.ExpectExec("INSERT INTO devices").
		WithArgs("acc-1", "r36s", at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO backups").
		WithArgs("bk-1", "acc-1", "r36s", at, "save1.sav", int64(2048), "abc", "backups/acc-1/bk-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.InsertBackup(context.Background(), p, b))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertBackup_RotatedKey(t *testing.T) {
	repo, mock := setupBackupMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(generationQuery)).
		WithArgs("acc-1").
		WillReturnRows(sqlmock.NewRows([]string{"key_generation"}).AddRow(int64(3)))
	mock.ExpectRollback()

	err := repo.InsertBackup(context.Background(),
		models.Principal{AccountID: "acc-1", KeyGeneration: 2}, &models.Backup{ID: "bk-1"})
	assert.ErrorIs(t, err, models.ErrUnauthorized)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertBackup_UnknownAccount(t *testing.T) {
	repo, mock := setupBackupMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(generationQuery)).
		WithArgs("gone").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	err := repo.InsertBackup(context.Background(),
		models.Principal{AccountID: "gone", KeyGeneration: 1}, &models.Backup{ID: "bk-1"})
	assert.ErrorIs(t, err, models.ErrUnauthorized)
}

func TestListBackups(t *testing.T) {
	repo, mock := setupBackupMock(t)

	newer := time.Date(2026, 6, 2, 0, 0, 0, 0, time.UTC)
	older := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta(`WHERE account_id = $1 AND deleted_at IS NULL`)).
		WithArgs("acc-1").
		WillReturnRows(sqlmock.NewRows(backupCols).
			AddRow("bk-2", "d", newer, "b.sav", int64(20), "c2", "k2").
			AddRow("bk-1", "d", older, "a.sav", int64(10), "c1", "k1"))

	backups, err := repo.ListBackups(context.Background(), "acc-1")
	require.NoError(t, err)
	require.Len(t, backups, 2)
	assert.Equal(t, "bk-2", backups[0].ID)
	assert.Equal(t, "k1", backups[1].StorageKey)
}

func TestGetBackup_OwnershipScoped(t *testing.T) {
	repo, mock := setupBackupMock(t)

	query := regexp.QuoteMeta(`WHERE account_id = $1 AND id = $2 AND deleted_at IS NULL`)
	mock.ExpectQuery(query).
		WithArgs("acc-1", "bk-1").
		WillReturnRows(sqlmock.NewRows(backupCols).
			AddRow("bk-1", "d", time.Now(), "a.sav", int64(10), "c1", "k1"))
	mock.ExpectQuery(query).
		WithArgs("acc-2", "bk-1").
		WillReturnError(sql.ErrNoRows)

	b, err := repo.GetBackup(context.Background(), "acc-1", "bk-1")
	require.NoError(t, err)
	assert.Equal(t, "a.sav", b.FileName)

	_, err = repo.GetBackup(context.Background(), "acc-2", "bk-1")
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTombstoneBackup(t *testing.T) {
	repo, mock := setupBackupMock(t)

	at := time.Now()
	query := regexp.QuoteMeta(`UPDATE backups SET deleted_at = $3`)
	mock.ExpectQuery(query).
		WithArgs("acc-1", "bk-1", at).
		WillReturnRows(sqlmock.NewRows([]string{"storage_key"}).AddRow("k1"))
	mock.ExpectQuery(query).
		WithArgs("acc-1", "bk-1", at).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(query).
		WithArgs("acc-1", "bk-9", at).
		WillReturnError(errors.New("conn reset"))

	key, err := repo.TombstoneBackup(context.Background(), "acc-1", "bk-1", at)
	require.NoError(t, err)
	assert.Equal(t, "k1", key)

	_, err = repo.TombstoneBackup(context.Background(), "acc-1", "bk-1", at)
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = repo.TombstoneBackup(context.Background(), "acc-1", "bk-9", at)
	require.Error(t, err)
	assert.NotErrorIs(t, err, models.ErrNotFound)
}

func TestRemoveBackup(t *testing.T) {
	repo, mock := setupBackupMock(t)

	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM backups WHERE id = $1 AND deleted_at IS NOT NULL`)).
		WithArgs("bk-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.RemoveBackup(context.Background(), "bk-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
