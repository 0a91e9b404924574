package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/atinyakov/PlayLedger/internal/models"
)

// PostgresSessionRepository implements the append-only gameplay session store
// against a PostgreSQL database.
type PostgresSessionRepository struct {
	// DB is the database handle for executing queries and transactions.
	DB *sql.DB
}

// NewPostgresSessionRepository creates a new PostgresSessionRepository using the provided *sql.DB.
func NewPostgresSessionRepository(db *sql.DB) *PostgresSessionRepository {
	return &PostgresSessionRepository{DB: db}
}

// InsertSessions appends sessions for the principal's account within a
// transaction. Devices seen for the first time are registered. The whole
// batch fails with models.ErrUnauthorized if the principal's API key was
// rotated before the transaction could lock the account.
//
//	ctx:      context for cancellation and deadlines
//	p:        authenticated device principal
//	sessions: sessions to append; IDs are assigned by the caller
//	seen:     time used for device first/last seen
func (r *PostgresSessionRepository) InsertSessions(
	ctx context.Context,
	p models.Principal,
	sessions []models.GameplaySession,
	seen time.Time,
) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := checkGeneration(ctx, tx, p); err != nil {
		return err
	}

	touched := make(map[string]bool, 1)
	for _, s := range sessions {
		if touched[s.DeviceID] {
			continue
		}
		if err := touchDevice(ctx, tx, p.AccountID, s.DeviceID, seen); err != nil {
			return err
		}
		touched[s.DeviceID] = true
	}

	for _, s := range sessions {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO gameplay_sessions (id, account_id, device_id, game_name, platform, start_time, duration)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, s.ID, p.AccountID, s.DeviceID, s.GameName, s.Platform, s.StartTime, s.Duration)
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ListSessions returns the sessions of an account whose start time lies in
// [from, to), most recent first with ties broken by insertion order.
// Zero bounds are open.
func (r *PostgresSessionRepository) ListSessions(
	ctx context.Context,
	accountID string,
	from, to time.Time,
) ([]models.GameplaySession, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT seq, id, device_id, game_name, platform, start_time, duration
		FROM gameplay_sessions WHERE account_id = $1`)
	args := []any{accountID}
	if !from.IsZero() {
		args = append(args, from)
		fmt.Fprintf(&sb, " AND start_time >= $%d", len(args))
	}
	if !to.IsZero() {
		args = append(args, to)
		fmt.Fprintf(&sb, " AND start_time < $%d", len(args))
	}
	sb.WriteString(" ORDER BY start_time DESC, seq DESC")

	rows, err := r.DB.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("ListSessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]models.GameplaySession, 0)
	for rows.Next() {
		var s models.GameplaySession
		if err := rows.Scan(&s.Seq, &s.ID, &s.DeviceID, &s.GameName, &s.Platform, &s.StartTime, &s.Duration); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		s.StartTime = s.StartTime.UTC()
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListSessions: %w", err)
	}
	return sessions, nil
}

// Revision identifies the current session set of an account. Sessions are
// append-only, so an unchanged (count, maxSeq) pair means an unchanged set.
func (r *PostgresSessionRepository) Revision(ctx context.Context, accountID string) (count, maxSeq int64, err error) {
	err = r.DB.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(MAX(seq), 0) FROM gameplay_sessions WHERE account_id = $1
	`, accountID).Scan(&count, &maxSeq)
	if err != nil {
		return 0, 0, fmt.Errorf("Revision failed: %w", err)
	}
	return count, maxSeq, nil
}
