package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/mixelka/nodefarm/internal/captcha"
	"github.com/mixelka/nodefarm/internal/database"
	"github.com/mixelka/nodefarm/internal/email"
	"github.com/mixelka/nodefarm/internal/metrics"
	"github.com/mixelka/nodefarm/internal/proxy"
	"github.com/mixelka/nodefarm/internal/remote"
	"github.com/mixelka/nodefarm/pkg/models"
)

var errInvalidMailbox = errors.New("mailbox rejected credentials")

var errReloginSpentAttempts = errors.New("logged in again but no attempt left to retry")

// SessionStore persists per-account sessions.
// GetSession returns database.ErrNotFound for unknown accounts.
type SessionStore interface {
	GetSession(ctx context.Context, email string) (*models.Session, error)
	UpsertSession(ctx context.Context, email string, upd models.SessionUpdate) (*models.Session, error)
	SetCooldown(ctx context.Context, email string, until time.Time) error
	SetProxy(ctx context.Context, email, proxy string) error
}

// Mailbox is the email confirmation source
type Mailbox interface {
	ValidateMailbox(ctx context.Context, acct models.Account, proxy string) (bool, error)
	ExtractConfirmation(ctx context.Context, acct models.Account, proxy string, want email.Want) (string, error)
}

// ProxyPool lends proxies to accounts
type ProxyPool interface {
	Acquire(ctx context.Context, email string) (string, error)
	Claim(proxy string) bool
	Release(proxy string)
	Remove(proxy string) bool
}

// Settings tune the retry policy of every operation
type Settings struct {
	MaxAttempts            map[models.OperationKind]int
	ErrorDelay             time.Duration
	PingInterval           time.Duration
	BlockedCooldown        time.Duration
	SkipLoggedAccounts     bool
	DisableAutoProxyChange bool
	CaptchaProvider        string
	PuzzleLength           int
	RegisterCaptcha        captcha.Challenge
	VerifyCaptcha          captcha.Challenge
}

// Deps are the collaborators of a Runner
type Deps struct {
	Store      SessionStore
	Pool       ProxyPool
	Remote     remote.Factory
	Solver     captcha.Solver
	Mailbox    Mailbox
	Exclusions *Exclusions
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

type handler func(ctx context.Context, op *operation) (map[string]any, error)

// Runner drives one account through one operation with bounded retries
type Runner struct {
	settings   Settings
	store      SessionStore
	pool       ProxyPool
	remote     remote.Factory
	solver     captcha.Solver
	mailbox    Mailbox
	exclusions *Exclusions
	metrics    *metrics.Metrics
	logger     *slog.Logger
	handlers   map[models.OperationKind]handler
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewRunner creates a runner with a handler for every operation kind
func NewRunner(settings Settings, deps Deps) *Runner {
	if deps.Exclusions == nil {
		deps.Exclusions = NewExclusions()
	}
	if settings.PuzzleLength == 0 {
		settings.PuzzleLength = 6
	}

	r := &Runner{
		settings:   settings,
		store:      deps.Store,
		pool:       deps.Pool,
		remote:     deps.Remote,
		solver:     deps.Solver,
		mailbox:    deps.Mailbox,
		exclusions: deps.Exclusions,
		metrics:    deps.Metrics,
		logger:     deps.Logger.With("component", "pipeline"),
		now:        time.Now,
		sleep:      sleepContext,
	}
	r.handlers = map[models.OperationKind]handler{
		models.OperationRegister: r.register,
		models.OperationVerify:   r.verify,
		models.OperationLogin:    r.login,
		models.OperationTasks:    r.completeTasks,
		models.OperationStats:    r.exportStats,
		models.OperationFarm:     r.farm,
	}
	return r
}

// Exclusions returns the set of accounts removed from scheduling
func (r *Runner) Exclusions() *Exclusions {
	return r.exclusions
}

// operation is the state of one attempt
type operation struct {
	acct          models.Account
	kind          models.OperationKind
	attempt       int
	session       *models.Session
	proxy         string
	svc           remote.Service
	captchaTaskID string
	logger        *slog.Logger
}

// outcome of one attempt. A non-nil result ends the run.
type outcome struct {
	result    *models.OperationResult
	err       error
	rotate    bool
	dropProxy bool
	relogin   bool
}

func finished(res models.OperationResult) outcome {
	return outcome{result: &res}
}

// Run executes kind for acct. It never panics and never returns an error:
// every failure ends up in the returned result.
func (r *Runner) Run(ctx context.Context, acct models.Account, kind models.OperationKind) (result models.OperationResult) {
	start := r.now()
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("operation panicked",
				"email", acct.Email,
				"operation", kind,
				"panic", rec,
				"stack", string(debug.Stack()),
			)
			result = models.Failure(kind, acct.Email, 0, fmt.Sprintf("internal error: %v", rec))
		}
		r.metrics.ObserveOperation(string(kind), result.Status, r.now().Sub(start))
	}()

	if _, ok := r.handlers[kind]; !ok {
		return models.Failure(kind, acct.Email, 0, fmt.Sprintf("unsupported operation %q", kind))
	}
	if reason, excluded := r.exclusions.Reason(acct.Email); excluded {
		return models.Failure(kind, acct.Email, 0, "excluded: "+reason)
	}

	return r.run(ctx, acct, kind, true)
}

func (r *Runner) maxAttempts(kind models.OperationKind) int {
	if n := r.settings.MaxAttempts[kind]; n > 0 {
		return n
	}
	return 1
}

func (r *Runner) run(ctx context.Context, acct models.Account, kind models.OperationKind, allowSkip bool) models.OperationResult {
	h := r.handlers[kind]
	limit := r.maxAttempts(kind)
	logger := r.logger.With("email", acct.Email, "operation", string(kind))

	var current string
	defer func() { r.pool.Release(current) }()

	var lastErr error
	for attempt := 1; attempt <= limit; attempt++ {
		if err := ctx.Err(); err != nil {
			return models.Failure(kind, acct.Email, attempt-1, err.Error())
		}

		op := &operation{
			acct:    acct,
			kind:    kind,
			attempt: attempt,
			logger:  logger.With("attempt", fmt.Sprintf("%d/%d", attempt, limit)),
		}

		out := r.attempt(ctx, op, h, &current, allowSkip)
		if out.result != nil {
			return *out.result
		}
		lastErr = out.err

		if out.relogin {
			op.logger.Warn("session expired, logging in again", "error", out.err)
			r.pool.Release(current)
			current = ""

			res := r.run(ctx, acct, models.OperationLogin, false)
			if !res.Status {
				return models.Failure(kind, acct.Email, attempt, "relogin failed: "+res.Reason)
			}
			lastErr = errReloginSpentAttempts
			continue
		}

		if out.rotate {
			current = r.rotate(ctx, op, current, out.dropProxy)
		}

		if attempt < limit {
			op.logger.Warn("attempt failed, retrying",
				"error", out.err,
				"proxy_changed", out.rotate && current == "",
				"delay", r.settings.ErrorDelay,
			)
			if err := r.sleep(ctx, r.settings.ErrorDelay); err != nil {
				return models.Failure(kind, acct.Email, attempt, err.Error())
			}
		}
	}

	logger.Error("max attempts reached", "attempts", limit, "last_error", lastErr)
	if kind == models.OperationFarm {
		r.coolDown(ctx, logger, acct.Email, r.settings.PingInterval)
	}
	return models.Failure(kind, acct.Email, limit, fmt.Sprintf("max attempts reached: %v", lastErr))
}

func (r *Runner) attempt(ctx context.Context, op *operation, h handler, current *string, allowSkip bool) outcome {
	email := op.acct.Email

	sess, err := r.store.GetSession(ctx, email)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return outcome{err: fmt.Errorf("failed to load session: %w", err)}
	}
	op.session = sess

	if allowSkip && r.settings.SkipLoggedAccounts && op.kind == models.OperationLogin && sess.HasTokens() {
		op.logger.Info("account already logged in, skipped")
		return finished(models.Success(op.kind, email, op.attempt, map[string]any{"skipped": "already logged in"}))
	}

	if needsTokens(op.kind) && !sess.HasTokens() {
		return r.exclude(op, "unlogged", "account not logged in, run the login operation first")
	}

	// Asleep accounts leave without leasing anything
	if op.kind == models.OperationFarm && sess.Asleep(r.now()) {
		op.logger.Debug("account asleep", "until", sess.CooldownUntil.Time)
		return finished(models.Success(op.kind, email, 0, map[string]any{"asleep_until": sess.CooldownUntil.Time}))
	}

	r.metrics.Attempt(string(op.kind))

	if *current == "" {
		leased, err := r.leaseProxy(ctx, op)
		if errors.Is(err, proxy.ErrExhausted) {
			return finished(models.Failure(op.kind, email, op.attempt, "no available proxies"))
		}
		if err != nil {
			return outcome{err: err}
		}
		*current = leased
	}
	op.proxy = *current
	op.logger = op.logger.With("proxy", redactProxy(op.proxy))

	if needsMailbox(op.kind) {
		ok, err := r.mailbox.ValidateMailbox(ctx, op.acct, op.proxy)
		if err != nil {
			return outcome{err: err, rotate: true}
		}
		if !ok {
			return outcome{err: errInvalidMailbox, rotate: true}
		}
	}

	svc, err := r.remote.Open(op.proxy)
	if err != nil {
		return outcome{err: err, rotate: true}
	}
	defer svc.Close()
	op.svc = svc

	data, err := h(ctx, op)
	if err == nil {
		op.logger.Info("operation succeeded")
		return finished(models.Success(op.kind, email, op.attempt, data))
	}
	return r.classify(ctx, op, err)
}

// leaseProxy reuses the proxy persisted for the account when possible
func (r *Runner) leaseProxy(ctx context.Context, op *operation) (string, error) {
	if p := op.session.Proxy(); p != "" && r.pool.Claim(p) {
		return p, nil
	}

	p, err := r.pool.Acquire(ctx, op.acct.Email)
	if err != nil {
		return "", err
	}
	if op.session != nil {
		if err := r.store.SetProxy(ctx, op.acct.Email, p); err != nil {
			r.pool.Release(p)
			return "", err
		}
	}
	return p, nil
}

// rotate gives up the current proxy. The next attempt leases a fresh one.
func (r *Runner) rotate(ctx context.Context, op *operation, current string, drop bool) string {
	if current == "" {
		return ""
	}
	if r.settings.DisableAutoProxyChange {
		op.logger.Warn("proxy change disabled, keeping proxy")
		return current
	}

	if drop {
		r.pool.Remove(current)
	} else {
		r.pool.Release(current)
	}
	if op.session != nil {
		if err := r.store.SetProxy(ctx, op.acct.Email, ""); err != nil {
			op.logger.Error("failed to clear proxy", "error", err)
		}
	}
	r.metrics.ProxyRotated()
	return ""
}

func (r *Runner) classify(ctx context.Context, op *operation, err error) outcome {
	var capErr *captchaError
	switch {
	case errors.As(err, &capErr):
		return outcome{err: err}
	case errors.Is(err, email.ErrLinkNotFound):
		return outcome{err: err}
	case errors.Is(err, email.ErrInvalidCredentials):
		return outcome{err: err, rotate: true}
	case errors.Is(err, proxy.ErrExhausted):
		return finished(models.Failure(op.kind, op.acct.Email, op.attempt, "no available proxies"))
	}

	var apiErr *remote.APIError
	if !errors.As(err, &apiErr) {
		return outcome{err: err, rotate: true}
	}

	kind := apiErr.Kind
	switch {
	case kind.Terminal():
		return r.exclude(op, string(kind), apiErr.Message)
	case kind == remote.KindCaptchaIncorrect:
		r.reportBad(ctx, op, op.captchaTaskID)
		return outcome{err: err}
	case kind.RetryInPlace():
		return outcome{err: err}
	case kind == remote.KindRateLimited:
		return r.blocked(ctx, op)
	case kind == remote.KindProxyForbidden:
		return outcome{err: err, rotate: true, dropProxy: true}
	case kind == remote.KindProxyAuth:
		if r.settings.DisableAutoProxyChange {
			return r.exclude(op, "invalid_proxy", "proxy authentication failed")
		}
		return outcome{err: err, rotate: true, dropProxy: true}
	case kind == remote.KindTokenExpired && needsTokens(op.kind):
		return outcome{err: err, relogin: true}
	}

	// The service answered but refused the ping: try again next cycle
	if op.kind == models.OperationFarm && apiErr.Status != 0 {
		op.logger.Error("ping rejected, skipped until next cycle", "error", apiErr)
		r.coolDown(ctx, op.logger, op.acct.Email, r.settings.PingInterval)
		return finished(models.Failure(op.kind, op.acct.Email, op.attempt, apiErr.Error()))
	}

	return outcome{err: err, rotate: true}
}

// blocked handles a rate-limited session: the proxy is dropped and the account sleeps
func (r *Runner) blocked(ctx context.Context, op *operation) outcome {
	if op.session != nil {
		if err := r.store.SetProxy(ctx, op.acct.Email, ""); err != nil {
			op.logger.Error("failed to clear proxy", "error", err)
		}
		r.coolDown(ctx, op.logger, op.acct.Email, r.settings.BlockedCooldown)
	}
	op.logger.Warn("session rate limited, proxy released", "cooldown", r.settings.BlockedCooldown)
	return finished(models.Failure(op.kind, op.acct.Email, op.attempt, "rate limited"))
}

func (r *Runner) exclude(op *operation, reason, detail string) outcome {
	if r.exclusions.Add(op.acct.Email, reason) {
		r.metrics.Excluded(reason)
	}
	op.logger.Error("account removed from scheduling", "reason", reason, "detail", detail)
	return finished(models.Failure(op.kind, op.acct.Email, op.attempt, fmt.Sprintf("%s: %s", reason, detail)))
}

func (r *Runner) coolDown(ctx context.Context, logger *slog.Logger, email string, d time.Duration) {
	until := r.now().Add(d)
	err := r.store.SetCooldown(ctx, email, until)
	switch {
	case errors.Is(err, database.ErrNotFound):
	case err != nil:
		logger.Error("failed to set cooldown", "error", err)
	default:
		logger.Info("sleeping until", "until", until.UTC().Format(time.RFC3339))
	}
}

func needsTokens(kind models.OperationKind) bool {
	switch kind {
	case models.OperationTasks, models.OperationStats, models.OperationFarm:
		return true
	}
	return false
}

func needsMailbox(kind models.OperationKind) bool {
	switch kind {
	case models.OperationRegister, models.OperationVerify, models.OperationLogin:
		return true
	}
	return false
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
