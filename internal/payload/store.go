// Package payload stores the binary content of backups.
package payload

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Get when no payload exists under the key.
var ErrNotFound = errors.New("payload not found")

// Store persists immutable binary payloads by key.
//
// Get returns the complete payload or an error, never a prefix of it.
// Delete of a missing key succeeds.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// BackupKey is the storage key of a backup payload.
func BackupKey(accountID, backupID string) string {
	return fmt.Sprintf("backups/%s/%s", accountID, backupID)
}
