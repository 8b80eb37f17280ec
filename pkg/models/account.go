package models

import (
	"database/sql"
	"time"
)

// Account represents one third-party service account loaded from the accounts file
type Account struct {
	Email           string
	Password        string // Service password
	MailboxPassword string // IMAP password, falls back to Password when empty
	IMAPServer      string // e.g., imap.gmail.com:993
	AppID           string // Assigned at runtime
}

// MailboxSecret returns the password used for IMAP login
func (a Account) MailboxSecret() string {
	if a.MailboxPassword != "" {
		return a.MailboxPassword
	}
	return a.Password
}

// Session is the persisted per-account record
type Session struct {
	ID            int64          `db:"id"`
	Email         string         `db:"email"`
	EmailPassword sql.NullString `db:"email_password"`
	UserID        sql.NullString `db:"user_id"`
	SessionToken  sql.NullString `db:"session_token"`
	AuthToken     sql.NullString `db:"auth_token"`
	RefreshToken  sql.NullString `db:"refresh_token"`
	ActiveProxy   sql.NullString `db:"active_proxy"`
	CooldownUntil sql.NullTime   `db:"cooldown_until"`
	CreatedAt     time.Time      `db:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at"`
}

// HasTokens reports whether the session carries a usable login
func (s *Session) HasTokens() bool {
	if s == nil {
		return false
	}
	return s.SessionToken.Valid && s.SessionToken.String != ""
}

// Proxy returns the leased proxy or ""
func (s *Session) Proxy() string {
	if s == nil || !s.ActiveProxy.Valid {
		return ""
	}
	return s.ActiveProxy.String
}

// Asleep reports whether the cooldown is still running at now
func (s *Session) Asleep(now time.Time) bool {
	if s == nil || !s.CooldownUntil.Valid {
		return false
	}
	return s.CooldownUntil.Time.After(now)
}

// SessionUpdate carries the fields to write. Nil fields keep the stored value.
type SessionUpdate struct {
	EmailPassword *string
	UserID        *string
	SessionToken  *string
	AuthToken     *string
	RefreshToken  *string
	Proxy         *string
}

// String is a helper for building SessionUpdate literals
func String(s string) *string {
	return &s
}
