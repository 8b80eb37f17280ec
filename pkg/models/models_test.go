package models

import (
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOperationKind(t *testing.T) {
	for _, k := range AllOperationKinds {
		got, err := ParseOperationKind(string(k))
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}

	_, err := ParseOperationKind("mine")
	assert.Error(t, err)
}

func TestSessionHelpers(t *testing.T) {
	var nilSession *Session
	assert.False(t, nilSession.HasTokens())
	assert.Empty(t, nilSession.Proxy())
	assert.False(t, nilSession.Asleep(time.Now()))

	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	s := &Session{
		SessionToken:  sql.NullString{String: "tok", Valid: true},
		ActiveProxy:   sql.NullString{String: "http://1.1.1.1:80", Valid: true},
		CooldownUntil: sql.NullTime{Time: now.Add(time.Minute), Valid: true},
	}
	assert.True(t, s.HasTokens())
	assert.Equal(t, "http://1.1.1.1:80", s.Proxy())
	assert.True(t, s.Asleep(now))
	assert.False(t, s.Asleep(now.Add(time.Minute)), "cooldown ends exactly at the deadline")

	s.SessionToken = sql.NullString{Valid: true}
	assert.False(t, s.HasTokens(), "empty token is not a login")
}

func TestMailboxSecretFallsBack(t *testing.T) {
	assert.Equal(t, "pw", Account{Password: "pw"}.MailboxSecret())
	assert.Equal(t, "mbx", Account{Password: "pw", MailboxPassword: "mbx"}.MailboxSecret())
}
