package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/mixelka/nodefarm/internal/metrics"
	"github.com/mixelka/nodefarm/pkg/models"
)

// ErrNothingToDo is returned by the farm loop when no account has ever logged in
var ErrNothingToDo = errors.New("no accounts to farm, run the login operation first")

// Runner executes one operation for one account
type Runner interface {
	Run(ctx context.Context, acct models.Account, kind models.OperationKind) models.OperationResult
}

// Store is the part of the session store the controller reads
type Store interface {
	ListSessions(ctx context.Context, emails []string) ([]*models.Session, error)
	ClearAllProxies(ctx context.Context) (int64, error)
}

// Exclusions reports accounts removed from scheduling
type Exclusions interface {
	Reason(email string) (string, bool)
}

// Settings for the controller
type Settings struct {
	Threads          int
	StartDelayMin    time.Duration
	StartDelayMax    time.Duration
	FarmPollInterval time.Duration
	Shuffle          bool
}

// Controller runs pipelines for many accounts under one concurrency limit
type Controller struct {
	settings   Settings
	runner     Runner
	store      Store
	exclusions Exclusions
	metrics    *metrics.Metrics
	logger     *slog.Logger
	sem        *semaphore.Weighted
	delayed    sync.Map
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
	randN      func(n int64) int64
	shuffle    func(n int, swap func(i, j int))
}

// New creates a controller
func New(settings Settings, runner Runner, store Store, exclusions Exclusions, m *metrics.Metrics, logger *slog.Logger) *Controller {
	if settings.Threads < 1 {
		settings.Threads = 1
	}
	if settings.FarmPollInterval <= 0 {
		settings.FarmPollInterval = 10 * time.Second
	}

	return &Controller{
		settings:   settings,
		runner:     runner,
		store:      store,
		exclusions: exclusions,
		metrics:    m,
		logger:     logger.With("component", "scheduler"),
		sem:        semaphore.NewWeighted(int64(settings.Threads)),
		now:        time.Now,
		sleep:      sleepContext,
		randN:      rand.Int64N,
		shuffle:    rand.Shuffle,
	}
}

// RunOnce runs kind for every account and returns the results in input order
func (c *Controller) RunOnce(ctx context.Context, accounts []models.Account, kind models.OperationKind) []models.OperationResult {
	runID := uuid.NewString()
	logger := c.logger.With("run_id", runID, "operation", string(kind))
	logger.Info("starting batch", "accounts", len(accounts), "threads", c.settings.Threads)

	results := c.runAll(ctx, accounts, kind, true)
	for i := range results {
		results[i].RunID = runID
	}

	succeeded := 0
	for _, res := range results {
		if res.Status {
			succeeded++
		}
	}
	logger.Info("batch finished", "succeeded", succeeded, "failed", len(results)-succeeded)
	return results
}

// RunForeverFarm pings every logged-in account whenever its cooldown elapses.
// It returns ErrNothingToDo when no account can ever be farmed, or ctx.Err().
func (c *Controller) RunForeverFarm(ctx context.Context, accounts []models.Account) error {
	logger := c.logger.With("operation", string(models.OperationFarm))

	for {
		ready, asleep, unlogged, err := c.partition(ctx, accounts)
		if err != nil {
			return err
		}
		c.metrics.SetFarmAccounts(len(ready), asleep, unlogged)

		if len(ready) == 0 && asleep == 0 {
			logger.Error("no accounts to farm", "unlogged", unlogged)
			return ErrNothingToDo
		}

		if len(ready) > 0 {
			runID := uuid.NewString()
			logger.Info("farm pass",
				"run_id", runID,
				"ready", len(ready),
				"asleep", asleep,
				"unlogged", unlogged,
			)

			results := c.runAll(ctx, ready, models.OperationFarm, false)
			failed := 0
			for _, res := range results {
				if !res.Status {
					failed++
				}
			}
			logger.Info("farm pass finished", "run_id", runID, "pinged", len(results)-failed, "failed", failed)
		} else {
			logger.Debug("all accounts asleep", "asleep", asleep, "poll", c.settings.FarmPollInterval)
		}

		if err := c.sleep(ctx, c.settings.FarmPollInterval); err != nil {
			return err
		}
	}
}

// CleanProxies drops every persisted proxy lease
func (c *Controller) CleanProxies(ctx context.Context) (int64, error) {
	n, err := c.store.ClearAllProxies(ctx)
	if err != nil {
		return 0, err
	}
	c.logger.Info("proxy leases cleared", "sessions", n)
	return n, nil
}

// partition splits accounts into ready to ping, asleep and never logged in.
// Excluded accounts are left out entirely.
func (c *Controller) partition(ctx context.Context, accounts []models.Account) ([]models.Account, int, int, error) {
	candidates := make([]models.Account, 0, len(accounts))
	emails := make([]string, 0, len(accounts))
	for _, acct := range accounts {
		if _, excluded := c.exclusions.Reason(acct.Email); excluded {
			continue
		}
		candidates = append(candidates, acct)
		emails = append(emails, acct.Email)
	}

	sessions, err := c.store.ListSessions(ctx, emails)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("failed to load sessions: %w", err)
	}
	byEmail := make(map[string]*models.Session, len(sessions))
	for _, s := range sessions {
		byEmail[s.Email] = s
	}

	now := c.now()
	var (
		ready            []models.Account
		asleep, unlogged int
	)
	for _, acct := range candidates {
		sess := byEmail[acct.Email]
		switch {
		case !sess.HasTokens():
			unlogged++
		case sess.Asleep(now):
			asleep++
		default:
			ready = append(ready, acct)
		}
	}
	return ready, asleep, unlogged, nil
}

func (c *Controller) runAll(ctx context.Context, accounts []models.Account, kind models.OperationKind, jitter bool) []models.OperationResult {
	order := make([]int, len(accounts))
	for i := range order {
		order[i] = i
	}
	if c.settings.Shuffle {
		c.shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}

	results := make([]models.OperationResult, len(accounts))
	var wg sync.WaitGroup
	for _, idx := range order {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx] = c.runAccount(ctx, accounts[idx], kind, jitter)
		}(idx)
	}
	wg.Wait()
	return results
}

// runAccount holds one permit for the whole pipeline run
func (c *Controller) runAccount(ctx context.Context, acct models.Account, kind models.OperationKind, jitter bool) (res models.OperationResult) {
	if err := ctx.Err(); err != nil {
		return models.Failure(kind, acct.Email, 0, err.Error())
	}
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return models.Failure(kind, acct.Email, 0, err.Error())
	}
	defer c.sem.Release(1)

	defer func() {
		if rec := recover(); rec != nil {
			c.logger.Error("account pipeline panicked",
				"email", acct.Email,
				"panic", rec,
				"stack", string(debug.Stack()),
			)
			res = models.Failure(kind, acct.Email, 0, fmt.Sprintf("internal error: %v", rec))
		}
	}()

	if jitter {
		if err := c.startDelay(ctx, acct.Email); err != nil {
			return models.Failure(kind, acct.Email, 0, err.Error())
		}
	}
	return c.runner.Run(ctx, acct, kind)
}

// startDelay sleeps a random duration the first time an account runs in this process
func (c *Controller) startDelay(ctx context.Context, email string) error {
	if _, seen := c.delayed.LoadOrStore(email, struct{}{}); seen {
		return nil
	}

	lo, hi := c.settings.StartDelayMin, c.settings.StartDelayMax
	if hi <= 0 || hi < lo {
		return nil
	}
	d := lo + time.Duration(c.randN(int64(hi-lo)+1))
	c.logger.Debug("start delay", "email", email, "delay", d.Round(time.Millisecond))
	return c.sleep(ctx, d)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
