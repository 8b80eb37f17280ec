package parser

import (
	"fmt"
	"regexp"
)

// DefaultLinkPatterns match the confirmation links mailed by the service
// and the redirectors commonly wrapped around them.
var DefaultLinkPatterns = []string{
	`(https?://[\w.\-]+/chromeapi/dawn/v1/userverify/verifyconfirm\?key=[a-fA-F0-9\-]+)`,
	`(https?://webmail\.online/go\.php\?r=(?:[A-Za-z0-9+/]|%[0-9A-Fa-f]{2})+)`,
	`(https?://u\d+\.ct\.sendgrid\.net/ls/click\?upn=[A-Za-z0-9\-_%.]+(?:[A-Za-z0-9\-_%.=&])*)`,
}

// LinkMatcher finds confirmation links in text
type LinkMatcher struct {
	patterns []*regexp.Regexp
}

// NewLinkMatcher compiles patterns. The first capture group, if any, is the link.
func NewLinkMatcher(patterns []string) (*LinkMatcher, error) {
	if len(patterns) == 0 {
		patterns = DefaultLinkPatterns
	}

	m := &LinkMatcher{}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid link pattern %q: %w", p, err)
		}
		m.patterns = append(m.patterns, re)
	}
	return m, nil
}

// Find returns the first link matched by any pattern, in pattern order
func (m *LinkMatcher) Find(texts ...string) string {
	for _, re := range m.patterns {
		for _, text := range texts {
			match := re.FindStringSubmatch(text)
			if match == nil {
				continue
			}
			if len(match) > 1 && match[1] != "" {
				return match[1]
			}
			return match[0]
		}
	}
	return ""
}
