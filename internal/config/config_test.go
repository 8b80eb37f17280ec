package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mixelka/nodefarm/pkg/models"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("API_BASE_URL", "https://api.example.com")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Threads)
	assert.Equal(t, 2*time.Minute, cfg.PingInterval)
	assert.Equal(t, "2captcha", cfg.CaptchaProvider)
	assert.Equal(t, []string{"telegramid", "discordid", "twitter_x_id"}, cfg.APITasks)
	assert.Equal(t, 5, cfg.MaxAttempts()[models.OperationLogin])
	assert.Len(t, cfg.MaxAttempts(), len(models.AllOperationKinds))
	assert.False(t, cfg.TelegramEnabled())
}

func TestLoadParsesCollections(t *testing.T) {
	t.Setenv("API_BASE_URL", "https://api.example.com")
	t.Setenv("IMAP_SERVERS", "example.com=imap.example.com:993,mail.test=imap.mail.test")
	t.Setenv("LINK_PATTERNS", `https://a\.test/\?k=\w{4,8};https://b\.test/\S+`)
	t.Setenv("LINK_SENDERS", "hello@example.com,noreply@")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "imap.example.com:993", cfg.IMAPServers["example.com"])
	assert.Equal(t, "imap.mail.test", cfg.IMAPServers["mail.test"])
	assert.Equal(t, []string{`https://a\.test/\?k=\w{4,8}`, `https://b\.test/\S+`}, cfg.LinkPatterns)
	assert.Equal(t, []string{"hello@example.com", "noreply@"}, cfg.LinkSenders)
}

func TestLoadRequiresBaseURL(t *testing.T) {
	os.Unsetenv("API_BASE_URL")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadRejectsCooldownsThatDoNotAdvance(t *testing.T) {
	t.Setenv("API_BASE_URL", "https://api.example.com")

	t.Setenv("PING_INTERVAL", "-5m")
	_, err := Load()
	assert.ErrorContains(t, err, "PING_INTERVAL")

	t.Setenv("PING_INTERVAL", "2m")
	t.Setenv("BLOCKED_COOLDOWN", "0s")
	_, err = Load()
	assert.ErrorContains(t, err, "BLOCKED_COOLDOWN")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero threads", func(c *Config) { c.Threads = 0 }},
		{"inverted delay", func(c *Config) { c.DelayMin, c.DelayMax = 10*time.Second, time.Second }},
		{"zero attempts", func(c *Config) { c.MaxFarmAttempts = 0 }},
		{"unknown provider", func(c *Config) { c.CaptchaProvider = "deathbycaptcha" }},
		{"redirect without mailbox", func(c *Config) { c.RedirectEnabled = true }},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }},
		{"negative ping interval", func(c *Config) { c.PingInterval = -5 * time.Minute }},
		{"zero ping interval", func(c *Config) { c.PingInterval = 0 }},
		{"zero blocked cooldown", func(c *Config) { c.BlockedCooldown = 0 }},
		{"negative error delay", func(c *Config) { c.ErrorDelay = -time.Second }},
		{"negative farm poll", func(c *Config) { c.FarmPollInterval = -time.Second }},
		{"negative captcha wait", func(c *Config) { c.CaptchaMaxWait = -time.Second }},
		{"negative puzzle length", func(c *Config) { c.PuzzleLength = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, validConfig().Validate())
}

func validConfig() *Config {
	return &Config{
		Threads:             2,
		DelayMax:            time.Second,
		MaxRegisterAttempts: 1,
		MaxVerifyAttempts:   1,
		MaxLoginAttempts:    1,
		MaxTasksAttempts:    1,
		MaxStatsAttempts:    1,
		MaxFarmAttempts:     1,
		PingInterval:        2 * time.Minute,
		BlockedCooldown:     30 * time.Minute,
		CaptchaProvider:     "capsolver",
		LogFormat:           "json",
	}
}

func TestLoadAccounts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.txt")
	content := `# comment
User@Example.com:pw1

second@mail.test:pw2:mailpw
third@custom.org:pw3:mailpw3:imap.custom.org:993
user@example.com:duplicate
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	accounts, err := LoadAccounts(path)
	require.NoError(t, err)
	require.Len(t, accounts, 3)

	assert.Equal(t, models.Account{Email: "user@example.com", Password: "pw1"}, accounts[0])
	assert.Equal(t, "mailpw", accounts[1].MailboxSecret())
	assert.Equal(t, "imap.custom.org:993", accounts[2].IMAPServer)
}

func TestParseAccountErrors(t *testing.T) {
	for _, line := range []string{
		"no-separator",
		"not-an-email:pw",
		"user@example.com:",
		"user@example.com:pw:mailpw:hostwithoutport",
	} {
		_, err := ParseAccount(line)
		assert.Error(t, err, line)
	}
}

func TestReadLinesMissingFile(t *testing.T) {
	_, err := ReadLines(filepath.Join(t.TempDir(), "missing.txt"))
	assert.Error(t, err)
}
