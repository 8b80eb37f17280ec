package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/mixelka/nodefarm/internal/captcha"
	"github.com/mixelka/nodefarm/internal/config"
	"github.com/mixelka/nodefarm/internal/database"
	"github.com/mixelka/nodefarm/internal/email"
	"github.com/mixelka/nodefarm/internal/formatter"
	"github.com/mixelka/nodefarm/internal/metrics"
	"github.com/mixelka/nodefarm/internal/parser"
	"github.com/mixelka/nodefarm/internal/pipeline"
	"github.com/mixelka/nodefarm/internal/proxy"
	"github.com/mixelka/nodefarm/internal/remote"
	"github.com/mixelka/nodefarm/internal/scheduler"
	"github.com/mixelka/nodefarm/internal/telegram"
	"github.com/mixelka/nodefarm/pkg/models"
)

// app holds the wired components of one command run
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	db         *database.DB
	accounts   []models.Account
	notifier   *telegram.Notifier
	controller *scheduler.Controller
	metricsSrv *http.Server
}

func newApp(ctx context.Context, f *flags, withAccounts bool) (*app, error) {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		return nil, err
	}
	if f.accounts != "" {
		cfg.AccountsFile = f.accounts
	}
	if f.proxies != "" {
		cfg.ProxiesFile = f.proxies
	}

	// Setup logger
	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	a := &app{cfg: cfg, logger: logger}

	// Connect to database
	db, err := database.New(cfg.DatabasePath)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		return nil, err
	}
	a.db = db

	// Run migrations
	if err := db.Migrate(ctx); err != nil {
		logger.Error("failed to run migrations", "error", err)
		a.Close()
		return nil, err
	}
	logger.Debug("database migrations completed")

	if err := a.wire(ctx, withAccounts); err != nil {
		logger.Error("failed to start", "error", err)
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context, withAccounts bool) error {
	cfg, logger := a.cfg, a.logger

	// Telegram reports (optional)
	if cfg.TelegramEnabled() {
		n, err := telegram.NewNotifier(telegram.NotifierDeps{
			Token:     cfg.TelegramToken,
			ChatID:    cfg.TelegramChatID,
			Formatter: formatter.NewTelegramFormatter(),
			Logger:    logger,
		})
		if err != nil {
			return fmt.Errorf("failed to create telegram notifier: %w", err)
		}
		a.notifier = n
		logger.Info("telegram reports enabled", "chat_id", cfg.TelegramChatID)
	}

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)
	if cfg.MetricsAddr != "" {
		a.serveMetrics(reg)
	}

	exclusions := pipeline.NewExclusions()

	var runner scheduler.Runner
	if withAccounts {
		accounts, err := config.LoadAccounts(cfg.AccountsFile)
		if err != nil {
			return err
		}
		if len(accounts) == 0 {
			return fmt.Errorf("no accounts in %s", cfg.AccountsFile)
		}
		a.accounts = accounts
		logger.Info("accounts loaded", "count", len(accounts))

		r, err := a.newRunner(ctx, m, exclusions)
		if err != nil {
			return err
		}
		runner = r
	}

	a.controller = scheduler.New(scheduler.Settings{
		Threads:          cfg.Threads,
		StartDelayMin:    cfg.DelayMin,
		StartDelayMax:    cfg.DelayMax,
		FarmPollInterval: cfg.FarmPollInterval,
		Shuffle:          cfg.ShuffleAccounts,
	}, runner, a.db, exclusions, m, logger)
	return nil
}

func (a *app) newRunner(ctx context.Context, m *metrics.Metrics, exclusions *pipeline.Exclusions) (*pipeline.Runner, error) {
	cfg, logger := a.cfg, a.logger

	// Proxy pool
	lines, err := config.ReadLines(cfg.ProxiesFile)
	if err != nil {
		return nil, err
	}
	var checker proxy.UsageChecker
	if cfg.CheckProxyUniqueness {
		checker = a.db
	}
	pool := proxy.NewPool(checker, logger)
	n := pool.Load(lines)
	if n == 0 {
		return nil, fmt.Errorf("no valid proxies in %s", cfg.ProxiesFile)
	}
	logger.Info("proxies loaded", "count", n, "unique", cfg.CheckProxyUniqueness)
	pool.OnExhausted(func() {
		logger.Error("proxy pool exhausted, stopping")
		a.notifier.NotifyFatal(ctx, proxy.ErrExhausted.Error())
		a.Close()
		os.Exit(1)
	})

	// Captcha
	provider, err := captcha.LookupProvider(cfg.CaptchaProvider)
	if err != nil {
		return nil, err
	}
	if cfg.CaptchaAPIKey == "" {
		logger.Warn("CAPTCHA_API_KEY is empty, register/verify/login will fail")
	}
	solver := captcha.NewClient(captcha.Config{
		Provider:     provider,
		APIKey:       cfg.CaptchaAPIKey,
		PollInterval: cfg.CaptchaPollInterval,
		MaxWait:      cfg.CaptchaMaxWait,
	}, logger)

	// Remote service
	table := remote.DefaultTable()
	if cfg.ErrorTableFile != "" {
		if table, err = remote.LoadTable(cfg.ErrorTableFile); err != nil {
			return nil, err
		}
		logger.Info("error table loaded", "path", cfg.ErrorTableFile, "version", table.Version)
	}
	factory := remote.NewHTTPFactory(remote.Config{
		BaseURL:   cfg.APIBaseURL,
		VerifyURL: cfg.APIVerifyURL,
		AppID:     cfg.APIAppID,
		Version:   cfg.APIVersion,
		Tasks:     cfg.APITasks,
		Timeout:   cfg.APITimeout,
		Table:     table,
	}, logger)

	// Email confirmations
	links, err := parser.NewLinkMatcher(cfg.LinkPatterns)
	if err != nil {
		return nil, err
	}
	source := email.NewSource(email.Settings{
		DialTimeout:    cfg.IMAPDialTimeout,
		UseProxy:       cfg.IMAPUseProxy,
		SearchAttempts: cfg.LinkSearchAttempts,
		SearchDelay:    cfg.LinkSearchDelay,
		MaxAge:         cfg.LinkMaxAge,
		Senders:        cfg.LinkSenders,
		Redirect: email.Redirect{
			Enabled:  cfg.RedirectEnabled,
			Email:    cfg.RedirectEmail,
			Password: cfg.RedirectPassword,
			Server:   cfg.RedirectServer,
			UseProxy: cfg.RedirectUseProxy,
		},
	}, email.NewResolver(cfg.IMAPServers), links, logger)

	return pipeline.NewRunner(pipeline.Settings{
		MaxAttempts:            cfg.MaxAttempts(),
		ErrorDelay:             cfg.ErrorDelay,
		PingInterval:           cfg.PingInterval,
		BlockedCooldown:        cfg.BlockedCooldown,
		SkipLoggedAccounts:     cfg.SkipLoggedAccounts,
		DisableAutoProxyChange: cfg.DisableAutoProxyChange,
		CaptchaProvider:        provider.Name,
		PuzzleLength:           cfg.PuzzleLength,
		RegisterCaptcha:        captcha.Challenge{SiteKey: cfg.RegisterSiteKey, PageURL: cfg.RegisterPageURL},
		VerifyCaptcha:          captcha.Challenge{SiteKey: cfg.VerifySiteKey, PageURL: cfg.VerifyPageURL},
	}, pipeline.Deps{
		Store:      a.db,
		Pool:       pool,
		Remote:     factory,
		Solver:     solver,
		Mailbox:    source,
		Exclusions: exclusions,
		Metrics:    m,
		Logger:     logger,
	}), nil
}

func (a *app) serveMetrics(reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))

	srv := &http.Server{
		Addr:              a.cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	a.metricsSrv = srv
	go func() {
		a.logger.Info("metrics server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server failed", "error", err)
		}
	}()
}

// Close releases the database and stops the metrics server
func (a *app) Close() {
	a.stopMetrics(5 * time.Second)
	if a.db != nil {
		a.db.Close()
		a.db = nil
	}
}

func (a *app) stopMetrics(timeout time.Duration) {
	if a.metricsSrv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := a.metricsSrv.Shutdown(ctx); err != nil {
		a.logger.Error("failed to stop metrics server", "error", err)
	}
	a.metricsSrv = nil
}
