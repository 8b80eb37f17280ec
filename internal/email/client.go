package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"
)

// ErrInvalidCredentials is returned when the server rejects the login
var ErrInvalidCredentials = errors.New("invalid mailbox credentials")

// RawEmail represents a raw email message from IMAP
type RawEmail struct {
	UID       uint32
	MessageID string
	From      *Address
	To        []string
	Subject   string
	Date      time.Time
	BodyHTML  string
	BodyText  string
}

// Address represents an email address
type Address struct {
	Name    string
	Address string
}

// ClientConfig configuration for IMAP client
type ClientConfig struct {
	Email       string
	Password    string
	Server      string // host:port
	Proxy       string // optional proxy URL
	DialTimeout time.Duration
}

// Client IMAP client for a single mailbox
type Client struct {
	config ClientConfig
	client *client.Client
	logger *slog.Logger
	mu     sync.Mutex
}

// NewClient creates a new IMAP client
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 30 * time.Second
	}
	return &Client{
		config: cfg,
		logger: logger.With("mailbox", cfg.Email),
	}
}

// Connect dials the server over TLS and logs in.
// A rejected login is reported as ErrInvalidCredentials.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return nil
	}

	c.logger.Debug("connecting to IMAP server", "server", c.config.Server, "via_proxy", c.config.Proxy != "")

	conn, err := dial(ctx, c.config.Proxy, c.config.Server, c.config.DialTimeout)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	host, _, err := net.SplitHostPort(c.config.Server)
	if err != nil {
		conn.Close()
		return fmt.Errorf("invalid server address: %w", err)
	}

	tlsConn := tls.Client(conn, &tls.Config{ServerName: host})
	hsCtx, cancel := context.WithTimeout(ctx, c.config.DialTimeout)
	defer cancel()
	if err := tlsConn.HandshakeContext(hsCtx); err != nil {
		conn.Close()
		return fmt.Errorf("tls handshake failed: %w", err)
	}

	imapClient, err := client.New(tlsConn)
	if err != nil {
		tlsConn.Close()
		return fmt.Errorf("failed to create IMAP client: %w", err)
	}
	imapClient.Timeout = c.config.DialTimeout

	if err := imapClient.Login(c.config.Email, c.config.Password); err != nil {
		imapClient.Logout()
		return fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}

	c.client = imapClient
	return nil
}

// Folders lists selectable mailbox names
func (c *Client) Folders(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil, fmt.Errorf("not connected")
	}

	ch := make(chan *imap.MailboxInfo, 32)
	done := make(chan error, 1)
	go func() {
		done <- c.client.List("", "*", ch)
	}()

	var names []string
	for info := range ch {
		if hasAttr(info.Attributes, imap.NoSelectAttr) {
			continue
		}
		names = append(names, info.Name)
	}

	if err := <-done; err != nil {
		return names, fmt.Errorf("failed to list folders: %w", err)
	}
	return names, nil
}

// FetchRecent fetches the newest limit messages of folder and marks them seen
func (c *Client) FetchRecent(ctx context.Context, folder string, limit int) ([]*RawEmail, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil, fmt.Errorf("not connected")
	}

	mbox, err := c.client.Select(folder, false)
	if err != nil {
		return nil, fmt.Errorf("failed to select %s: %w", folder, err)
	}
	if mbox.Messages == 0 {
		return nil, nil
	}

	from := uint32(1)
	if limit > 0 && mbox.Messages > uint32(limit) {
		from = mbox.Messages - uint32(limit) + 1
	}
	seqSet := new(imap.SeqSet)
	seqSet.AddRange(from, mbox.Messages)

	section := &imap.BodySectionName{}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchUid, section.FetchItem()}

	messages := make(chan *imap.Message, 16)
	done := make(chan error, 1)
	go func() {
		done <- c.client.Fetch(seqSet, items, messages)
	}()

	var emails []*RawEmail
	for msg := range messages {
		emails = append(emails, c.parseMessage(msg, section))
	}

	if err := <-done; err != nil {
		return emails, fmt.Errorf("failed to fetch: %w", err)
	}
	return emails, nil
}

// parseMessage parses an IMAP message into RawEmail
func (c *Client) parseMessage(msg *imap.Message, section *imap.BodySectionName) *RawEmail {
	email := &RawEmail{
		UID:  msg.Uid,
		From: &Address{},
	}

	if env := msg.Envelope; env != nil {
		email.Subject = env.Subject
		email.Date = env.Date
		email.MessageID = env.MessageId

		if len(env.From) > 0 {
			email.From = &Address{
				Name:    env.From[0].PersonalName,
				Address: env.From[0].Address(),
			}
		}
		for _, to := range env.To {
			email.To = append(email.To, strings.ToLower(to.Address()))
		}
	}

	bodyReader := msg.GetBody(section)
	if bodyReader == nil {
		return email
	}

	mr, err := mail.CreateReader(bodyReader)
	if err != nil {
		c.logger.Warn("failed to create mail reader", "uid", msg.Uid, "error", err)
		return email
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			c.logger.Warn("failed to read part", "uid", msg.Uid, "error", err)
			break
		}

		h, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, _ := h.ContentType()
		body, err := io.ReadAll(part.Body)
		if err != nil {
			continue
		}

		switch {
		case strings.HasPrefix(ct, "text/html"):
			email.BodyHTML = string(body)
		case strings.HasPrefix(ct, "text/plain"):
			email.BodyText = string(body)
		}
	}

	return email
}

// Close logs out, forcing the connection closed if the server does not answer
func (c *Client) Close() {
	c.mu.Lock()
	imapClient := c.client
	c.client = nil
	c.mu.Unlock()

	if imapClient == nil {
		return
	}

	done := make(chan struct{})
	go func() {
		imapClient.Logout()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		imapClient.Terminate()
	}
}

func hasAttr(attrs []string, want string) bool {
	for _, a := range attrs {
		if strings.EqualFold(a, want) {
			return true
		}
	}
	return false
}
