// Package repository provides PostgreSQL persistence for accounts, devices,
// gameplay sessions and backups.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/atinyakov/PlayLedger/internal/models"
	"github.com/lib/pq"
)

const accountColumns = `id, username, email, display_name, profile_public, password_hash,
       api_key_hash, api_key_prefix, api_key_sealed, key_generation, created_at`

// uniqueViolation is the PostgreSQL SQLSTATE for unique constraint failures.
const uniqueViolation = "23505"

// PostgresAuthRepository implements account and credential storage using a PostgreSQL database.
type PostgresAuthRepository struct {
	// DB is the database handle for executing queries.
	DB *sql.DB
}

// NewPostgresAuthRepository creates a new PostgresAuthRepository with the given database connection.
// db must be a valid *sql.DB connected to a PostgreSQL instance.
func NewPostgresAuthRepository(db *sql.DB) *PostgresAuthRepository {
	return &PostgresAuthRepository{DB: db}
}

// CreateAccount inserts a new account. A taken username, email or API key
// hash yields models.ErrConflict.
func (r *PostgresAuthRepository) CreateAccount(ctx context.Context, a *models.Account) error {
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO accounts (id, username, email, display_name, profile_public, password_hash,
		                      api_key_hash, api_key_prefix, api_key_sealed, key_generation, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, a.ID, a.Username, a.Email, a.DisplayName, a.ProfilePublic, a.PasswordHash,
		a.APIKeyHash, a.APIKeyPrefix, a.APIKeySealed, a.KeyGeneration, a.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("create account: %w", models.ErrConflict)
		}
		return fmt.Errorf("create account: %w", err)
	}
	return nil
}

// GetAccountByID fetches an account by its identifier.
func (r *PostgresAuthRepository) GetAccountByID(ctx context.Context, id string) (*models.Account, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	return scanAccount(row)
}

// GetAccountByUsername fetches an account by its username.
func (r *PostgresAuthRepository) GetAccountByUsername(ctx context.Context, username string) (*models.Account, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE username = $1`, username)
	return scanAccount(row)
}

// GetAccountByAPIKeyHash fetches the account whose current API key hashes to hash.
func (r *PostgresAuthRepository) GetAccountByAPIKeyHash(ctx context.Context, hash string) (*models.Account, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE api_key_hash = $1`, hash)
	return scanAccount(row)
}

// UpdateProfile changes the non-nil profile fields and returns the updated account.
func (r *PostgresAuthRepository) UpdateProfile(
	ctx context.Context,
	id string,
	displayName *string,
	profilePublic *bool,
) (*models.Account, error) {
	row := r.DB.QueryRowContext(ctx, `
		UPDATE accounts
		   SET display_name = COALESCE($2, display_name),
		       profile_public = COALESCE($3, profile_public)
		 WHERE id = $1
		RETURNING `+accountColumns,
		id, displayName, profilePublic)
	return scanAccount(row)
}

// RotateAPIKey replaces the API key hash, prefix and sealed key and bumps
// the key generation in a single statement, returning the new generation.
// The old key stops matching as soon as the statement commits.
func (r *PostgresAuthRepository) RotateAPIKey(ctx context.Context, id, hash, prefix string, sealed []byte) (int64, error) {
	var generation int64
	err := r.DB.QueryRowContext(ctx, `
		UPDATE accounts
		   SET api_key_hash = $2,
		       api_key_prefix = $3,
		       api_key_sealed = $4,
		       key_generation = key_generation + 1
		 WHERE id = $1
		RETURNING key_generation
	`, id, hash, prefix, sealed).Scan(&generation)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, models.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("rotate api key: %w", err)
	}
	return generation, nil
}

func scanAccount(row *sql.Row) (*models.Account, error) {
	var a models.Account
	err := row.Scan(&a.ID, &a.Username, &a.Email, &a.DisplayName, &a.ProfilePublic, &a.PasswordHash,
		&a.APIKeyHash, &a.APIKeyPrefix, &a.APIKeySealed, &a.KeyGeneration, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan account: %w", err)
	}
	a.CreatedAt = a.CreatedAt.UTC()
	return &a, nil
}
