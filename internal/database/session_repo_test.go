package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mixelka/nodefarm/pkg/models"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := New(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, db.Migrate(context.Background()))
	return db
}

func TestGetSessionNotFound(t *testing.T) {
	db := newTestDB(t)

	_, err := db.GetSession(context.Background(), "missing@example.com")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpsertSessionKeepsLatestNonNullValues(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	_, err := db.UpsertSession(ctx, "a@example.com", models.SessionUpdate{
		UserID:       models.String("user-1"),
		SessionToken: models.String("token-1"),
		Proxy:        models.String("http://p1:8080"),
	})
	require.NoError(t, err)

	session, err := db.UpsertSession(ctx, "a@example.com", models.SessionUpdate{
		SessionToken: models.String("token-2"),
		RefreshToken: models.String("refresh-2"),
	})
	require.NoError(t, err)

	assert.Equal(t, "user-1", session.UserID.String)
	assert.Equal(t, "token-2", session.SessionToken.String)
	assert.Equal(t, "refresh-2", session.RefreshToken.String)
	assert.Equal(t, "http://p1:8080", session.Proxy())
	assert.False(t, session.AuthToken.Valid)

	var count int
	require.NoError(t, db.GetContext(ctx, &count, `SELECT COUNT(*) FROM sessions WHERE email = ?`, "a@example.com"))
	assert.Equal(t, 1, count)
}

func TestSetCooldown(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	err := db.SetCooldown(ctx, "nobody@example.com", time.Now())
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = db.UpsertSession(ctx, "a@example.com", models.SessionUpdate{SessionToken: models.String("t")})
	require.NoError(t, err)

	until := time.Now().Add(time.Hour)
	require.NoError(t, db.SetCooldown(ctx, "a@example.com", until))

	session, err := db.GetSession(ctx, "a@example.com")
	require.NoError(t, err)
	require.True(t, session.CooldownUntil.Valid)
	assert.WithinDuration(t, until, session.CooldownUntil.Time, time.Second)
	assert.True(t, session.Asleep(time.Now()))
	assert.False(t, session.Asleep(until.Add(time.Minute)))
}

func TestProxyLeases(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	_, err := db.UpsertSession(ctx, "a@example.com", models.SessionUpdate{Proxy: models.String("http://p1:8080")})
	require.NoError(t, err)
	_, err = db.UpsertSession(ctx, "b@example.com", models.SessionUpdate{Proxy: models.String("http://p2:8080")})
	require.NoError(t, err)

	inUse, err := db.IsProxyInUse(ctx, "http://p1:8080", "b@example.com")
	require.NoError(t, err)
	assert.True(t, inUse)

	inUse, err = db.IsProxyInUse(ctx, "http://p1:8080", "a@example.com")
	require.NoError(t, err)
	assert.False(t, inUse, "own lease is not a collision")

	require.NoError(t, db.SetProxy(ctx, "a@example.com", ""))
	session, err := db.GetSession(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Empty(t, session.Proxy())

	cleared, err := db.ClearAllProxies(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cleared)
}

func TestListSessions(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	for _, email := range []string{"a@example.com", "b@example.com", "c@example.com"} {
		_, err := db.UpsertSession(ctx, email, models.SessionUpdate{SessionToken: models.String("t")})
		require.NoError(t, err)
	}

	sessions, err := db.ListSessions(ctx, []string{"a@example.com", "c@example.com", "zzz@example.com"})
	require.NoError(t, err)
	assert.Len(t, sessions, 2)

	sessions, err = db.ListSessions(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, sessions)

	require.NoError(t, db.DeleteSession(ctx, "a@example.com"))
	_, err = db.GetSession(ctx, "a@example.com")
	assert.ErrorIs(t, err, ErrNotFound)
}
