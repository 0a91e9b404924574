package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/atinyakov/PlayLedger/internal/models"
)

// PostgresDeviceRepository lists the devices known for an account.
type PostgresDeviceRepository struct {
	// DB is the database handle for executing queries.
	DB *sql.DB
}

// NewPostgresDeviceRepository creates a PostgresDeviceRepository on db.
func NewPostgresDeviceRepository(db *sql.DB) *PostgresDeviceRepository {
	return &PostgresDeviceRepository{DB: db}
}

// ListDevices returns the devices of an account, most recently seen first.
func (r *PostgresDeviceRepository) ListDevices(ctx context.Context, accountID string) ([]models.Device, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT device_id, first_seen, last_seen FROM devices
		 WHERE account_id = $1
		 ORDER BY last_seen DESC, device_id
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("ListDevices: %w", err)
	}
	defer rows.Close()

	devices := make([]models.Device, 0)
	for rows.Next() {
		var d models.Device
		if err := rows.Scan(&d.DeviceID, &d.FirstSeen, &d.LastSeen); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		d.FirstSeen = d.FirstSeen.UTC()
		d.LastSeen = d.LastSeen.UTC()
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListDevices: %w", err)
	}
	return devices, nil
}

// checkGeneration locks the account row in share mode and verifies that the
// API key the principal authenticated with is still current. The share lock
// makes a concurrent key rotation wait for this transaction, or this
// transaction observe the rotation.
func checkGeneration(ctx context.Context, tx *sql.Tx, p models.Principal) error {
	var generation int64
	err := tx.QueryRowContext(ctx,
		`SELECT key_generation FROM accounts WHERE id = $1 FOR SHARE`, p.AccountID,
	).Scan(&generation)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ErrUnauthorized
	}
	if err != nil {
		return fmt.Errorf("check key generation: %w", err)
	}
	if generation != p.KeyGeneration {
		return models.ErrUnauthorized
	}
	return nil
}

// touchDevice registers the device on first sighting and refreshes last_seen.
func touchDevice(ctx context.Context, tx *sql.Tx, accountID, deviceID string, seen time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO devices (account_id, device_id, first_seen, last_seen)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (account_id, device_id) DO UPDATE SET
			last_seen = GREATEST(devices.last_seen, EXCLUDED.last_seen)
	`, accountID, deviceID, seen)
	if err != nil {
		return fmt.Errorf("touch device: %w", err)
	}
	return nil
}
