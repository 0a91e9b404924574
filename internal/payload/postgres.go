package payload

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresStore keeps payloads in the backup_payloads table.
type PostgresStore struct {
	// DB is the database handle for executing queries.
	DB *sql.DB
}

// NewPostgresStore creates a PostgresStore on db.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{DB: db}
}

// Put inserts the payload. Keys are never reused, so an existing key is an error.
func (s *PostgresStore) Put(ctx context.Context, key string, data []byte) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO backup_payloads (storage_key, data) VALUES ($1, $2)`,
		key, data,
	)
	if err != nil {
		return fmt.Errorf("put payload: %w", err)
	}
	return nil
}

// Get reads the payload in a single statement.
func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.DB.QueryRowContext(ctx,
		`SELECT data FROM backup_payloads WHERE storage_key = $1`,
		key,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get payload: %w", err)
	}
	return data, nil
}

// Delete removes the payload if present.
func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	if _, err := s.DB.ExecContext(ctx,
		`DELETE FROM backup_payloads WHERE storage_key = $1`, key,
	); err != nil {
		return fmt.Errorf("delete payload: %w", err)
	}
	return nil
}
