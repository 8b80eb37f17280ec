package email

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/mixelka/nodefarm/internal/parser"
	"github.com/mixelka/nodefarm/pkg/models"
)

var (
	// ErrLinkNotFound is returned when no fresh confirmation arrived in time
	ErrLinkNotFound = errors.New("confirmation not found")
	// ErrValidationFailed wraps mailbox checks that failed for reasons other than credentials
	ErrValidationFailed = errors.New("mailbox validation failed")
)

// Want selects what ExtractConfirmation looks for
type Want int

const (
	WantLink Want = iota
	WantCode
)

func (w Want) String() string {
	if w == WantCode {
		return "code"
	}
	return "link"
}

// Redirect configures a catch-all mailbox receiving mail for every account
type Redirect struct {
	Enabled  bool
	Email    string
	Password string
	Server   string
	UseProxy bool
}

// Settings for the confirmation source
type Settings struct {
	DialTimeout    time.Duration
	UseProxy       bool
	SearchAttempts int
	SearchDelay    time.Duration
	MaxAge         time.Duration
	FetchLimit     int
	Senders        []string
	Redirect       Redirect
}

// mailbox is the subset of Client used by Source
type mailbox interface {
	Connect(ctx context.Context) error
	Folders(ctx context.Context) ([]string, error)
	FetchRecent(ctx context.Context, folder string, limit int) ([]*RawEmail, error)
	Close()
}

// Source validates mailboxes and extracts confirmation links or codes from them
type Source struct {
	settings   Settings
	resolver   *Resolver
	links      *parser.LinkMatcher
	codes      *parser.CodeDetector
	html       *parser.HTMLParser
	used       *UsedCache
	logger     *slog.Logger
	newMailbox func(cfg ClientConfig) mailbox
	now        func() time.Time
}

// NewSource creates a confirmation source
func NewSource(settings Settings, resolver *Resolver, links *parser.LinkMatcher, logger *slog.Logger) *Source {
	if settings.SearchAttempts <= 0 {
		settings.SearchAttempts = 8
	}
	if settings.SearchDelay <= 0 {
		settings.SearchDelay = 5 * time.Second
	}
	if settings.MaxAge <= 0 {
		settings.MaxAge = 5 * time.Minute
	}
	if settings.FetchLimit <= 0 {
		settings.FetchLimit = 10
	}

	s := &Source{
		settings: settings,
		resolver: resolver,
		links:    links,
		codes:    parser.NewCodeDetector(),
		html:     parser.NewHTMLParser(),
		used:     NewUsedCache(),
		logger:   logger.With("component", "email_source"),
		now:      time.Now,
	}
	s.newMailbox = func(cfg ClientConfig) mailbox {
		return NewClient(cfg, s.logger)
	}
	return s
}

// clientConfig picks the mailbox to open for acct
func (s *Source) clientConfig(ctx context.Context, acct models.Account, proxy string) (ClientConfig, error) {
	cfg := ClientConfig{DialTimeout: s.settings.DialTimeout}

	if r := s.settings.Redirect; r.Enabled {
		cfg.Email = r.Email
		cfg.Password = r.Password
		cfg.Server = r.Server
		if r.UseProxy {
			cfg.Proxy = proxy
		}
	} else {
		cfg.Email = acct.Email
		cfg.Password = acct.MailboxSecret()
		cfg.Server = acct.IMAPServer
		if s.settings.UseProxy {
			cfg.Proxy = proxy
		}
	}

	if cfg.Server == "" {
		server, err := s.resolver.Resolve(ctx, cfg.Email)
		if err != nil {
			return cfg, fmt.Errorf("failed to resolve IMAP server: %w", err)
		}
		cfg.Server = server
	}
	return cfg, nil
}

// ValidateMailbox checks that the mailbox accepts a login.
// Rejected credentials return false with a nil error, anything else wraps ErrValidationFailed.
func (s *Source) ValidateMailbox(ctx context.Context, acct models.Account, proxy string) (bool, error) {
	cfg, err := s.clientConfig(ctx, acct, proxy)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}

	mb := s.newMailbox(cfg)
	defer mb.Close()

	if err := mb.Connect(ctx); err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			s.logger.Error("mailbox rejected credentials", "email", acct.Email, "mailbox", cfg.Email)
			return false, nil
		}
		return false, fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}
	return true, nil
}

// ExtractConfirmation polls the mailbox for a fresh confirmation link or code
func (s *Source) ExtractConfirmation(ctx context.Context, acct models.Account, proxy string, want Want) (string, error) {
	cfg, err := s.clientConfig(ctx, acct, proxy)
	if err != nil {
		return "", err
	}

	recipient := ""
	if s.settings.Redirect.Enabled {
		recipient = strings.ToLower(acct.Email)
	}

	for attempt := 0; attempt < s.settings.SearchAttempts; attempt++ {
		value, err := s.search(ctx, cfg, acct.Email, recipient, want)
		switch {
		case err != nil && errors.Is(err, ErrInvalidCredentials):
			return "", err
		case err != nil:
			s.logger.Warn("mailbox search failed", "email", acct.Email, "attempt", attempt+1, "error", err)
		case value != "":
			return value, nil
		}

		if attempt < s.settings.SearchAttempts-1 {
			s.logger.Info("confirmation not found, retrying",
				"email", acct.Email,
				"want", want.String(),
				"delay", s.settings.SearchDelay,
				"attempt", fmt.Sprintf("%d/%d", attempt+1, s.settings.SearchAttempts),
			)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(s.settings.SearchDelay):
			}
		}
	}

	s.logger.Error("max attempts reached, confirmation not found in any folder", "email", acct.Email)
	return "", ErrLinkNotFound
}

// search scans every folder once and returns the value from the newest matching message
func (s *Source) search(ctx context.Context, cfg ClientConfig, owner, recipient string, want Want) (string, error) {
	mb := s.newMailbox(cfg)
	defer mb.Close()

	if err := mb.Connect(ctx); err != nil {
		return "", err
	}

	folders, err := mb.Folders(ctx)
	if err != nil {
		return "", err
	}

	var latest *RawEmail
	for _, folder := range folders {
		if strings.EqualFold(folder, "[Gmail]") || strings.EqualFold(folder, "gmail") {
			continue
		}

		messages, err := mb.FetchRecent(ctx, folder, s.settings.FetchLimit)
		if err != nil {
			s.logger.Debug("skipping folder", "folder", folder, "error", err)
			continue
		}

		for _, msg := range messages {
			if !s.fromSender(msg) {
				continue
			}
			if recipient != "" && !slices.Contains(msg.To, recipient) {
				continue
			}
			if latest == nil || msg.Date.After(latest.Date) {
				latest = msg
			}
		}
	}

	if latest == nil {
		return "", nil
	}
	if age := s.now().Sub(latest.Date); age > s.settings.MaxAge {
		s.logger.Debug("latest message too old", "age", age)
		return "", nil
	}

	value := s.extract(latest, want)
	if value == "" {
		return "", nil
	}
	if !s.used.Claim(value, owner) {
		s.logger.Debug("confirmation already used", "email", owner)
		return "", nil
	}
	return value, nil
}

func (s *Source) fromSender(msg *RawEmail) bool {
	if len(s.settings.Senders) == 0 {
		return true
	}

	from := strings.ToLower(msg.From.Address)
	for _, sender := range s.settings.Senders {
		sender = strings.ToLower(sender)
		if from == sender || strings.HasPrefix(from, sender) {
			return true
		}
	}
	return false
}

func (s *Source) extract(msg *RawEmail, want Want) string {
	text := msg.BodyText
	if text == "" && msg.BodyHTML != "" {
		if parsed, err := s.html.Parse(msg.BodyHTML); err == nil {
			text = parsed
		}
	}

	if want == WantCode {
		return s.codes.FirstCode(text)
	}

	candidates := []string{text}
	if links, err := s.html.Links(msg.BodyHTML); err == nil {
		candidates = append(candidates, strings.Join(links, "\n"))
	}
	return s.links.Find(candidates...)
}

// UsedCache remembers confirmations already handed out so none is replayed
type UsedCache struct {
	mu   sync.Mutex
	used map[string]string
}

// NewUsedCache creates an empty cache
func NewUsedCache() *UsedCache {
	return &UsedCache{used: make(map[string]string)}
}

// Claim records value for email. Returns false if it was already claimed.
func (c *UsedCache) Claim(value, email string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.used[value]; ok {
		return false
	}
	c.used[value] = email
	return true
}
