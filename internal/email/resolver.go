package email

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"
)

// Common IMAP servers for popular email providers
var knownIMAPServers = map[string]string{
	"gmail.com":      "imap.gmail.com:993",
	"googlemail.com": "imap.gmail.com:993",
	"outlook.com":    "outlook.office365.com:993",
	"hotmail.com":    "outlook.office365.com:993",
	"live.com":       "outlook.office365.com:993",
	"yahoo.com":      "imap.mail.yahoo.com:993",
	"yandex.ru":      "imap.yandex.ru:993",
	"yandex.com":     "imap.yandex.com:993",
	"mail.ru":        "imap.mail.ru:993",
	"bk.ru":          "imap.mail.ru:993",
	"inbox.ru":       "imap.mail.ru:993",
	"icloud.com":     "imap.mail.me.com:993",
	"aol.com":        "imap.aol.com:993",
	"gmx.com":        "imap.gmx.com:993",
	"gmx.de":         "imap.gmx.net:993",
	"web.de":         "imap.web.de:993",
	"rambler.ru":     "imap.rambler.ru:993",
	"firstmail.ltd":  "imap.firstmail.ltd:993",
	"onet.pl":        "imap.poczta.onet.pl:993",
}

// Resolver maps mailbox addresses to IMAP servers.
// Overrides are keyed by domain and win over the built-in list.
type Resolver struct {
	overrides map[string]string
	probe     func(ctx context.Context, addr string) bool
}

// NewResolver creates a resolver
func NewResolver(overrides map[string]string) *Resolver {
	normalized := make(map[string]string, len(overrides))
	for domain, server := range overrides {
		normalized[strings.ToLower(domain)] = withPort(server)
	}
	return &Resolver{overrides: normalized, probe: checkIMAPServer}
}

// Resolve determines the IMAP server for an email address
func (r *Resolver) Resolve(ctx context.Context, email string) (string, error) {
	domain := GetDomainFromEmail(email)
	if domain == "" {
		return "", fmt.Errorf("invalid email format")
	}

	if server, ok := r.overrides[domain]; ok {
		return server, nil
	}
	if server, ok := knownIMAPServers[domain]; ok {
		return server, nil
	}

	for _, host := range []string{"imap." + domain, "mail." + domain, domain} {
		if r.probe(ctx, host+":993") {
			return host + ":993", nil
		}
	}

	if server, err := r.resolveViaMX(ctx, domain); err == nil {
		return server, nil
	}

	return "imap." + domain + ":993", nil
}

// resolveViaMX derives the IMAP host from the primary MX record,
// e.g. mx.example.com -> imap.example.com
func (r *Resolver) resolveViaMX(ctx context.Context, domain string) (string, error) {
	mxRecords, err := net.DefaultResolver.LookupMX(ctx, domain)
	if err != nil || len(mxRecords) == 0 {
		return "", fmt.Errorf("no MX records found")
	}

	mxHost := strings.TrimSuffix(mxRecords[0].Host, ".")
	parts := strings.SplitN(mxHost, ".", 2)
	if len(parts) == 2 {
		for _, host := range []string{"imap." + parts[1], "mail." + parts[1]} {
			if r.probe(ctx, host+":993") {
				return host + ":993", nil
			}
		}
	}

	return "", fmt.Errorf("could not determine IMAP server")
}

func checkIMAPServer(ctx context.Context, addr string) bool {
	d := net.Dialer{Timeout: 3 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func withPort(server string) string {
	if _, _, err := net.SplitHostPort(server); err == nil {
		return server
	}
	return server + ":993"
}

// GetDomainFromEmail extracts domain from email address
func GetDomainFromEmail(email string) string {
	parts := strings.Split(email, "@")
	if len(parts) != 2 || parts[1] == "" {
		return ""
	}
	return strings.ToLower(parts[1])
}
