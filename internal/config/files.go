package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/mixelka/nodefarm/pkg/models"
)

// ReadLines returns the non-empty lines of path. Lines starting with # are skipped.
func ReadLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return lines, nil
}

// LoadAccounts reads accounts in the form email:password[:mailbox_password[:imap_host:port]]
func LoadAccounts(path string) ([]models.Account, error) {
	lines, err := ReadLines(path)
	if err != nil {
		return nil, err
	}

	accounts := make([]models.Account, 0, len(lines))
	seen := make(map[string]struct{}, len(lines))
	for i, line := range lines {
		acct, err := ParseAccount(line)
		if err != nil {
			return nil, fmt.Errorf("%s: line %d: %w", path, i+1, err)
		}
		if _, dup := seen[acct.Email]; dup {
			continue
		}
		seen[acct.Email] = struct{}{}
		accounts = append(accounts, acct)
	}
	return accounts, nil
}

// ParseAccount parses one accounts file line
func ParseAccount(line string) (models.Account, error) {
	parts := strings.SplitN(strings.TrimSpace(line), ":", 4)
	if len(parts) < 2 {
		return models.Account{}, fmt.Errorf("expected email:password")
	}

	email := strings.ToLower(strings.TrimSpace(parts[0]))
	if !strings.Contains(email, "@") {
		return models.Account{}, fmt.Errorf("invalid email %q", parts[0])
	}
	if parts[1] == "" {
		return models.Account{}, fmt.Errorf("empty password for %s", email)
	}

	acct := models.Account{Email: email, Password: parts[1]}
	if len(parts) > 2 {
		acct.MailboxPassword = parts[2]
	}
	if len(parts) > 3 {
		if !strings.Contains(parts[3], ":") {
			return models.Account{}, fmt.Errorf("imap server must be host:port, got %q", parts[3])
		}
		acct.IMAPServer = parts[3]
	}
	return acct, nil
}
