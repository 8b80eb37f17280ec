package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/mixelka/nodefarm/pkg/models"
)

// ErrNotFound is returned when a record is not found
var ErrNotFound = errors.New("record not found")

// GetSession returns the session for an email
func (db *DB) GetSession(ctx context.Context, email string) (*models.Session, error) {
	var session models.Session
	query := `SELECT * FROM sessions WHERE email = ?`
	err := db.GetContext(ctx, &session, query, email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &session, nil
}

// ListSessions returns the stored sessions for the given emails
func (db *DB) ListSessions(ctx context.Context, emails []string) ([]*models.Session, error) {
	if len(emails) == 0 {
		return nil, nil
	}

	query, args, err := sqlx.In(`SELECT * FROM sessions WHERE email IN (?)`, emails)
	if err != nil {
		return nil, fmt.Errorf("failed to build sessions query: %w", err)
	}

	var sessions []*models.Session
	if err := db.SelectContext(ctx, &sessions, db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return sessions, nil
}

// UpsertSession creates the session or updates it in place.
// Nil fields of upd never overwrite stored values.
func (db *DB) UpsertSession(ctx context.Context, email string, upd models.SessionUpdate) (*models.Session, error) {
	query := `
		INSERT INTO sessions (email, email_password, user_id, session_token, auth_token, refresh_token, active_proxy, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(email) DO UPDATE SET
			email_password = COALESCE(excluded.email_password, sessions.email_password),
			user_id        = COALESCE(excluded.user_id, sessions.user_id),
			session_token  = COALESCE(excluded.session_token, sessions.session_token),
			auth_token     = COALESCE(excluded.auth_token, sessions.auth_token),
			refresh_token  = COALESCE(excluded.refresh_token, sessions.refresh_token),
			active_proxy   = COALESCE(excluded.active_proxy, sessions.active_proxy),
			updated_at     = excluded.updated_at
	`
	now := time.Now().UTC()
	_, err := db.ExecContext(ctx, query,
		email,
		upd.EmailPassword,
		upd.UserID,
		upd.SessionToken,
		upd.AuthToken,
		upd.RefreshToken,
		upd.Proxy,
		now,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert session: %w", err)
	}

	return db.GetSession(ctx, email)
}

// DeleteSession deletes the session for an email
func (db *DB) DeleteSession(ctx context.Context, email string) error {
	query := `DELETE FROM sessions WHERE email = ?`
	_, err := db.ExecContext(ctx, query, email)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// SetCooldown stores the time before which the account must not be farmed again
func (db *DB) SetCooldown(ctx context.Context, email string, until time.Time) error {
	query := `UPDATE sessions SET cooldown_until = ?, updated_at = ? WHERE email = ?`
	result, err := db.ExecContext(ctx, query, until.UTC(), time.Now().UTC(), email)
	if err != nil {
		return fmt.Errorf("failed to set cooldown: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// SetProxy replaces the leased proxy. An empty proxy clears the lease.
func (db *DB) SetProxy(ctx context.Context, email, proxy string) error {
	value := sql.NullString{String: proxy, Valid: proxy != ""}
	query := `UPDATE sessions SET active_proxy = ?, updated_at = ? WHERE email = ?`
	_, err := db.ExecContext(ctx, query, value, time.Now().UTC(), email)
	if err != nil {
		return fmt.Errorf("failed to set proxy: %w", err)
	}
	return nil
}

// IsProxyInUse reports whether a session other than exceptEmail holds proxy
func (db *DB) IsProxyInUse(ctx context.Context, proxy, exceptEmail string) (bool, error) {
	var count int
	query := `SELECT COUNT(*) FROM sessions WHERE active_proxy = ? AND email != ?`
	if err := db.GetContext(ctx, &count, query, proxy, exceptEmail); err != nil {
		return false, fmt.Errorf("failed to check proxy: %w", err)
	}
	return count > 0, nil
}

// ClearAllProxies drops every persisted proxy lease and returns the number of sessions touched
func (db *DB) ClearAllProxies(ctx context.Context) (int64, error) {
	query := `UPDATE sessions SET active_proxy = NULL, updated_at = ? WHERE active_proxy IS NOT NULL`
	result, err := db.ExecContext(ctx, query, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to clear proxies: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows, nil
}
