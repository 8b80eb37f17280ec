package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/mixelka/nodefarm/internal/captcha"
	"github.com/mixelka/nodefarm/pkg/models"
)

// Config application configuration
type Config struct {
	// Database
	DatabasePath string `env:"DATABASE_PATH" envDefault:"./data/nodefarm.db"`

	// Data files
	AccountsFile string `env:"ACCOUNTS_FILE" envDefault:"./config/accounts.txt"`
	ProxiesFile  string `env:"PROXIES_FILE" envDefault:"./config/proxies.txt"`

	// Scheduling
	Threads          int           `env:"THREADS" envDefault:"5"`
	DelayMin         time.Duration `env:"DELAY_BEFORE_START_MIN" envDefault:"0s"`
	DelayMax         time.Duration `env:"DELAY_BEFORE_START_MAX" envDefault:"10s"`
	ShuffleAccounts  bool          `env:"SHUFFLE_ACCOUNTS" envDefault:"true"`
	FarmPollInterval time.Duration `env:"FARM_POLL_INTERVAL" envDefault:"10s"`

	// Retry policy
	MaxRegisterAttempts int           `env:"MAX_REGISTER_ATTEMPTS" envDefault:"5"`
	MaxVerifyAttempts   int           `env:"MAX_VERIFY_ATTEMPTS" envDefault:"5"`
	MaxLoginAttempts    int           `env:"MAX_LOGIN_ATTEMPTS" envDefault:"5"`
	MaxTasksAttempts    int           `env:"MAX_TASKS_ATTEMPTS" envDefault:"3"`
	MaxStatsAttempts    int           `env:"MAX_STATS_ATTEMPTS" envDefault:"3"`
	MaxFarmAttempts     int           `env:"MAX_FARM_ATTEMPTS" envDefault:"3"`
	ErrorDelay          time.Duration `env:"ERROR_DELAY" envDefault:"5s"`
	PingInterval        time.Duration `env:"PING_INTERVAL" envDefault:"2m"`
	BlockedCooldown     time.Duration `env:"BLOCKED_COOLDOWN" envDefault:"30m"`

	// Policies
	CheckProxyUniqueness   bool `env:"CHECK_PROXY_UNIQUENESS" envDefault:"false"`
	DisableAutoProxyChange bool `env:"DISABLE_AUTO_PROXY_CHANGE" envDefault:"false"`
	SkipLoggedAccounts     bool `env:"SKIP_LOGGED_ACCOUNTS" envDefault:"false"`

	// Captcha
	CaptchaProvider     string        `env:"CAPTCHA_PROVIDER" envDefault:"2captcha"`
	CaptchaAPIKey       string        `env:"CAPTCHA_API_KEY"`
	CaptchaPollInterval time.Duration `env:"CAPTCHA_POLL_INTERVAL" envDefault:"3s"`
	CaptchaMaxWait      time.Duration `env:"CAPTCHA_MAX_WAIT" envDefault:"2m"`
	PuzzleLength        int           `env:"PUZZLE_LENGTH" envDefault:"6"`
	RegisterSiteKey     string        `env:"REGISTER_TURNSTILE_SITEKEY"`
	RegisterPageURL     string        `env:"REGISTER_PAGE_URL"`
	VerifySiteKey       string        `env:"VERIFY_TURNSTILE_SITEKEY"`
	VerifyPageURL       string        `env:"VERIFY_PAGE_URL"`

	// Email
	IMAPDialTimeout    time.Duration     `env:"IMAP_DIAL_TIMEOUT" envDefault:"30s"`
	IMAPUseProxy       bool              `env:"IMAP_USE_PROXY" envDefault:"false"`
	IMAPServers        map[string]string `env:"IMAP_SERVERS" envKeyValSeparator:"="` // e.g., example.com=imap.example.com:993
	LinkSearchAttempts int               `env:"LINK_SEARCH_ATTEMPTS" envDefault:"8"`
	LinkSearchDelay    time.Duration     `env:"LINK_SEARCH_DELAY" envDefault:"5s"`
	LinkMaxAge         time.Duration     `env:"LINK_MAX_AGE" envDefault:"5m"`
	LinkSenders        []string          `env:"LINK_SENDERS"`
	LinkPatterns       []string          `env:"LINK_PATTERNS" envSeparator:";"`

	// Redirect mailbox receiving mail for every account
	RedirectEnabled  bool   `env:"REDIRECT_ENABLED" envDefault:"false"`
	RedirectEmail    string `env:"REDIRECT_EMAIL"`
	RedirectPassword string `env:"REDIRECT_PASSWORD"`
	RedirectServer   string `env:"REDIRECT_IMAP_SERVER"`
	RedirectUseProxy bool   `env:"REDIRECT_USE_PROXY" envDefault:"false"`

	// Remote service
	APIBaseURL     string        `env:"API_BASE_URL,required"`
	APIVerifyURL   string        `env:"API_VERIFY_URL"`
	APIAppID       string        `env:"API_APP_ID"`
	APIVersion     string        `env:"API_VERSION" envDefault:"1.1.4"`
	APITimeout     time.Duration `env:"API_TIMEOUT" envDefault:"30s"`
	APITasks       []string      `env:"API_TASKS" envDefault:"telegramid,discordid,twitter_x_id"`
	ErrorTableFile string        `env:"ERROR_TABLE_FILE"`

	// Telegram (optional)
	TelegramToken  string `env:"TELEGRAM_BOT_TOKEN"`
	TelegramChatID int64  `env:"TELEGRAM_CHAT_ID"`

	// Metrics (optional)
	MetricsAddr string `env:"METRICS_ADDR"` // e.g., :9090

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"` // "json" or "text"
}

// TelegramEnabled returns true if run reports should be posted to Telegram
func (c *Config) TelegramEnabled() bool {
	return c.TelegramToken != "" && c.TelegramChatID != 0
}

// MaxAttempts returns the attempt ceiling of every operation kind
func (c *Config) MaxAttempts() map[models.OperationKind]int {
	return map[models.OperationKind]int{
		models.OperationRegister: c.MaxRegisterAttempts,
		models.OperationVerify:   c.MaxVerifyAttempts,
		models.OperationLogin:    c.MaxLoginAttempts,
		models.OperationTasks:    c.MaxTasksAttempts,
		models.OperationStats:    c.MaxStatsAttempts,
		models.OperationFarm:     c.MaxFarmAttempts,
	}
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges and cross-field constraints
func (c *Config) Validate() error {
	if c.Threads < 1 {
		return fmt.Errorf("THREADS must be at least 1, got %d", c.Threads)
	}
	if c.DelayMin < 0 || c.DelayMax < c.DelayMin {
		return fmt.Errorf("invalid start delay window [%s, %s]", c.DelayMin, c.DelayMax)
	}
	for kind, n := range c.MaxAttempts() {
		if n < 1 {
			return fmt.Errorf("max attempts for %s must be at least 1, got %d", kind, n)
		}
	}
	// Cooldowns are added to now, so they must move the deadline forward
	if c.PingInterval <= 0 {
		return fmt.Errorf("PING_INTERVAL must be positive, got %s", c.PingInterval)
	}
	if c.BlockedCooldown <= 0 {
		return fmt.Errorf("BLOCKED_COOLDOWN must be positive, got %s", c.BlockedCooldown)
	}
	for name, d := range map[string]time.Duration{
		"ERROR_DELAY":           c.ErrorDelay,
		"FARM_POLL_INTERVAL":    c.FarmPollInterval,
		"CAPTCHA_POLL_INTERVAL": c.CaptchaPollInterval,
		"CAPTCHA_MAX_WAIT":      c.CaptchaMaxWait,
		"IMAP_DIAL_TIMEOUT":     c.IMAPDialTimeout,
		"LINK_SEARCH_DELAY":     c.LinkSearchDelay,
		"LINK_MAX_AGE":          c.LinkMaxAge,
		"API_TIMEOUT":           c.APITimeout,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative, got %s", name, d)
		}
	}
	if c.PuzzleLength < 0 {
		return fmt.Errorf("PUZZLE_LENGTH must not be negative, got %d", c.PuzzleLength)
	}
	if c.LinkSearchAttempts < 0 {
		return fmt.Errorf("LINK_SEARCH_ATTEMPTS must not be negative, got %d", c.LinkSearchAttempts)
	}
	if _, err := captcha.LookupProvider(c.CaptchaProvider); err != nil {
		return fmt.Errorf("invalid CAPTCHA_PROVIDER: %w", err)
	}
	if c.RedirectEnabled && (c.RedirectEmail == "" || c.RedirectPassword == "") {
		return fmt.Errorf("REDIRECT_EMAIL and REDIRECT_PASSWORD are required when REDIRECT_ENABLED is set")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.LogFormat)
	}
	return nil
}
