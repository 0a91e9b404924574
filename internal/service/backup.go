package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/atinyakov/PlayLedger/internal/metrics"
	"github.com/atinyakov/PlayLedger/internal/models"
	"github.com/atinyakov/PlayLedger/internal/payload"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const maxFileName = 255

// ErrChecksumMismatch is returned by Download when a stored payload no
// longer matches the checksum recorded at upload.
var ErrChecksumMismatch = errors.New("backup payload checksum mismatch")

// BackupRepository defines the persistence operations for backup metadata.
type BackupRepository interface {
	// InsertBackup stores metadata, guarded by the principal's key generation.
	InsertBackup(ctx context.Context, p models.Principal, b *models.Backup) error
	ListBackups(ctx context.Context, accountID string) ([]models.Backup, error)
	GetBackup(ctx context.Context, accountID, id string) (*models.Backup, error)
	// TombstoneBackup hides a backup and returns its storage key.
	TombstoneBackup(ctx context.Context, accountID, id string, at time.Time) (string, error)
	RemoveBackup(ctx context.Context, id string) error
}

// BackupService keeps custody of device save files.
//
// A backup is observable only while its metadata row is live. Deletion
// tombstones the row first, so a reader either sees the whole backup or
// models.ErrNotFound, never a backup without its payload.
type BackupService struct {
	repo     BackupRepository
	payloads payload.Store
	locks    *keyedRWMutex
	maxBytes int64
	metrics  metrics.Recorder
	log      *zap.Logger
	now      func() time.Time
}

// NewBackupService constructs a BackupService accepting payloads up to maxBytes.
func NewBackupService(
	repo BackupRepository,
	payloads payload.Store,
	maxBytes int64,
	rec metrics.Recorder,
	log *zap.Logger,
) *BackupService {
	if rec == nil {
		rec = metrics.Noop{}
	}
	return &BackupService{
		repo:     repo,
		payloads: payloads,
		locks:    newKeyedRWMutex(),
		maxBytes: maxBytes,
		metrics:  rec,
		log:      log,
		now:      time.Now,
	}
}

// MaxBytes is the largest accepted payload.
func (s *BackupService) MaxBytes() int64 { return s.maxBytes }

// Store saves a backup uploaded by a device. The payload is written before
// the metadata, and removed again if the metadata cannot be recorded.
func (s *BackupService) Store(
	ctx context.Context,
	p models.Principal,
	deviceID, fileName string,
	data []byte,
) (*models.Backup, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return nil, models.NewValidationError("deviceId", "is required")
	}
	if utf8.RuneCountInString(deviceID) > maxNameLen {
		return nil, models.NewValidationError("deviceId", "too long")
	}
	if err := validateFileName(fileName); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, models.NewValidationError("file", "must not be empty")
	}
	if int64(len(data)) > s.maxBytes {
		return nil, models.NewValidationError("file", fmt.Sprintf("exceeds %d bytes", s.maxBytes))
	}

	sum := sha256.Sum256(data)
	id := uuid.NewString()
	b := &models.Backup{
		ID:         id,
		DeviceID:   deviceID,
		BackupDate: s.now().UTC(),
		FileName:   fileName,
		FileSize:   int64(len(data)),
		Checksum:   hex.EncodeToString(sum[:]),
		StorageKey: payload.BackupKey(p.AccountID, id),
	}

	if err := s.payloads.Put(ctx, b.StorageKey, data); err != nil {
		return nil, fmt.Errorf("store payload: %w", err)
	}
	if err := s.repo.InsertBackup(ctx, p, b); err != nil {
		if delErr := s.payloads.Delete(context.WithoutCancel(ctx), b.StorageKey); delErr != nil {
			s.log.Error("failed to remove orphaned payload",
				zap.String("storage_key", b.StorageKey), zap.Error(delErr))
		}
		return nil, err
	}

	s.metrics.IncBackupsStored(b.FileSize)
	s.log.Info("backup stored",
		zap.String("account_id", p.AccountID),
		zap.String("backup_id", b.ID),
		zap.String("device_id", b.DeviceID),
		zap.Int64("size", b.FileSize),
	)
	return b, nil
}

// List returns the live backups of an account, newest first.
func (s *BackupService) List(ctx context.Context, accountID string) ([]models.Backup, error) {
	return s.repo.ListBackups(ctx, accountID)
}

// Download returns a backup and its complete, checksum-verified payload.
func (s *BackupService) Download(ctx context.Context, accountID, id string) (*models.Backup, []byte, error) {
	unlock := s.locks.RLock(id)
	defer unlock()

	b, err := s.repo.GetBackup(ctx, accountID, id)
	if err != nil {
		return nil, nil, err
	}
	data, err := s.payloads.Get(ctx, b.StorageKey)
	if errors.Is(err, payload.ErrNotFound) {
		// deleted by another instance after the metadata read
		return nil, nil, models.ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load payload: %w", err)
	}

	sum := sha256.Sum256(data)
	if int64(len(data)) != b.FileSize || hex.EncodeToString(sum[:]) != b.Checksum {
		s.log.Error("backup payload corrupted",
			zap.String("backup_id", b.ID),
			zap.Int64("expected_size", b.FileSize),
			zap.Int("actual_size", len(data)),
		)
		return nil, nil, ErrChecksumMismatch
	}
	return b, data, nil
}

// Delete removes a backup owned by accountID. Once the tombstone is written
// the backup is gone for every reader; payload and row removal failures
// are left to the purger.
func (s *BackupService) Delete(ctx context.Context, accountID, id string) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	storageKey, err := s.repo.TombstoneBackup(ctx, accountID, id, s.now().UTC())
	if err != nil {
		return err
	}
	s.metrics.IncBackupsDeleted()

	cleanupCtx := context.WithoutCancel(ctx)
	if err := s.payloads.Delete(cleanupCtx, storageKey); err != nil {
		s.log.Warn("payload removal deferred to purger", zap.String("backup_id", id), zap.Error(err))
		return nil
	}
	if err := s.repo.RemoveBackup(cleanupCtx, id); err != nil {
		s.log.Warn("row removal deferred to purger", zap.String("backup_id", id), zap.Error(err))
	}
	return nil
}

func validateFileName(name string) error {
	if name == "" {
		return models.NewValidationError("fileName", "is required")
	}
	if utf8.RuneCountInString(name) > maxFileName {
		return models.NewValidationError("fileName", "too long")
	}
	if name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return models.NewValidationError("fileName", "must not contain path separators")
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return models.NewValidationError("fileName", "must not contain control characters")
		}
	}
	return nil
}
