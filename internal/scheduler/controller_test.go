package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mixelka/nodefarm/pkg/models"
)

type fakeRunner struct {
	mu       sync.Mutex
	calls    []string
	inflight atomic.Int32
	peak     atomic.Int32
	hold     time.Duration
	panicFor string
}

func (r *fakeRunner) Run(_ context.Context, acct models.Account, kind models.OperationKind) models.OperationResult {
	n := r.inflight.Add(1)
	defer r.inflight.Add(-1)
	for {
		peak := r.peak.Load()
		if n <= peak || r.peak.CompareAndSwap(peak, n) {
			break
		}
	}

	r.mu.Lock()
	r.calls = append(r.calls, acct.Email)
	r.mu.Unlock()

	if acct.Email == r.panicFor {
		panic("boom")
	}
	time.Sleep(r.hold)
	return models.Success(kind, acct.Email, 1, nil)
}

func (r *fakeRunner) called() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type fakeStore struct {
	mu       sync.Mutex
	sessions map[string]*models.Session
	cleared  int64
}

func (s *fakeStore) ListSessions(_ context.Context, emails []string) ([]*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Session
	for _, e := range emails {
		if sess, ok := s.sessions[e]; ok {
			cp := *sess
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *fakeStore) ClearAllProxies(context.Context) (int64, error) {
	return s.cleared, nil
}

type exclusionSet map[string]string

func (e exclusionSet) Reason(email string) (string, bool) {
	r, ok := e[email]
	return r, ok
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func accounts(n int) []models.Account {
	out := make([]models.Account, n)
	for i := range out {
		out[i] = models.Account{Email: fmt.Sprintf("user%d@example.com", i), Password: "pw"}
	}
	return out
}

func loggedIn(email string, cooldown time.Time) *models.Session {
	s := &models.Session{
		Email:        email,
		SessionToken: sql.NullString{String: "tok", Valid: true},
	}
	if !cooldown.IsZero() {
		s.CooldownUntil = sql.NullTime{Time: cooldown, Valid: true}
	}
	return s
}

func TestRunOnceBoundsConcurrency(t *testing.T) {
	runner := &fakeRunner{hold: 20 * time.Millisecond}
	c := New(Settings{Threads: 2}, runner, &fakeStore{}, exclusionSet{}, nil, testLogger())

	accts := accounts(6)
	results := c.RunOnce(context.Background(), accts, models.OperationLogin)

	require.Len(t, results, 6)
	assert.LessOrEqual(t, runner.peak.Load(), int32(2))
	for i, res := range results {
		assert.Equal(t, accts[i].Email, res.Identifier, "results keep input order")
		assert.True(t, res.Status)
		assert.NotEmpty(t, res.RunID)
		assert.Equal(t, results[0].RunID, res.RunID)
	}
}

func TestStartDelayAppliedOncePerAccount(t *testing.T) {
	runner := &fakeRunner{}
	c := New(Settings{Threads: 4, StartDelayMin: time.Second, StartDelayMax: 3 * time.Second},
		runner, &fakeStore{}, exclusionSet{}, nil, testLogger())

	var (
		mu     sync.Mutex
		delays []time.Duration
	)
	c.sleep = func(_ context.Context, d time.Duration) error {
		mu.Lock()
		defer mu.Unlock()
		delays = append(delays, d)
		return nil
	}

	accts := accounts(3)
	c.RunOnce(context.Background(), accts, models.OperationRegister)
	c.RunOnce(context.Background(), accts, models.OperationVerify)

	require.Len(t, delays, 3)
	for _, d := range delays {
		assert.GreaterOrEqual(t, d, time.Second)
		assert.LessOrEqual(t, d, 3*time.Second)
	}
	assert.Len(t, runner.called(), 6)
}

func TestPanickingAccountDoesNotAffectOthers(t *testing.T) {
	runner := &fakeRunner{panicFor: "user1@example.com"}
	c := New(Settings{Threads: 3}, runner, &fakeStore{}, exclusionSet{}, nil, testLogger())

	results := c.RunOnce(context.Background(), accounts(3), models.OperationStats)

	assert.True(t, results[0].Status)
	assert.False(t, results[1].Status)
	assert.Contains(t, results[1].Reason, "internal error")
	assert.True(t, results[2].Status)
}

func TestCancelledContextFailsWaitingAccounts(t *testing.T) {
	runner := &fakeRunner{}
	c := New(Settings{Threads: 1}, runner, &fakeStore{}, exclusionSet{}, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results := c.RunOnce(ctx, accounts(2), models.OperationLogin)

	for _, res := range results {
		assert.False(t, res.Status)
	}
	assert.Empty(t, runner.called())
}

func TestFarmNothingToDo(t *testing.T) {
	store := &fakeStore{sessions: map[string]*models.Session{
		"user0@example.com": {Email: "user0@example.com"},
	}}
	c := New(Settings{Threads: 2}, &fakeRunner{}, store, exclusionSet{}, nil, testLogger())

	err := c.RunForeverFarm(context.Background(), accounts(2))
	assert.ErrorIs(t, err, ErrNothingToDo)
}

func TestFarmSkipsAsleepUntilCooldownElapses(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	accts := accounts(3)
	store := &fakeStore{sessions: map[string]*models.Session{
		accts[0].Email: loggedIn(accts[0].Email, time.Time{}),
		accts[1].Email: loggedIn(accts[1].Email, now.Add(5*time.Second)),
	}}
	runner := &fakeRunner{}
	c := New(Settings{Threads: 2, FarmPollInterval: 10 * time.Second}, runner, store, exclusionSet{}, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	passes := 0
	c.now = func() time.Time { return now }
	c.sleep = func(_ context.Context, d time.Duration) error {
		passes++
		now = now.Add(d)
		if passes == 2 {
			return context.Canceled
		}
		return nil
	}

	err := c.RunForeverFarm(ctx, accts)

	assert.ErrorIs(t, err, context.Canceled)
	// pass 1 pings user0 only, pass 2 sees user1 awake
	assert.ElementsMatch(t, []string{accts[0].Email, accts[0].Email, accts[1].Email}, runner.called())
}

func TestFarmIgnoresExcludedAccounts(t *testing.T) {
	accts := accounts(2)
	store := &fakeStore{sessions: map[string]*models.Session{
		accts[0].Email: loggedIn(accts[0].Email, time.Time{}),
		accts[1].Email: loggedIn(accts[1].Email, time.Time{}),
	}}
	runner := &fakeRunner{}
	c := New(Settings{Threads: 2}, runner, store, exclusionSet{accts[1].Email: "banned"}, nil, testLogger())
	c.sleep = func(context.Context, time.Duration) error { return errors.New("stop") }

	err := c.RunForeverFarm(context.Background(), accts)

	assert.EqualError(t, err, "stop")
	assert.Equal(t, []string{accts[0].Email}, runner.called())
}

func TestCleanProxies(t *testing.T) {
	c := New(Settings{}, &fakeRunner{}, &fakeStore{cleared: 4}, exclusionSet{}, nil, testLogger())

	n, err := c.CleanProxies(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
}
