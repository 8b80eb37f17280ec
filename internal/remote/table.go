package remote

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Rule maps a message fragment to a kind
type Rule struct {
	Contains string `yaml:"contains"`
	Kind     Kind   `yaml:"kind"`
}

// Table maps remote error codes and messages to kinds.
// Codes are looked up first; substring rules are tried in order as a fallback.
type Table struct {
	Version    string          `yaml:"version"`
	Codes      map[string]Kind `yaml:"codes"`
	Substrings []Rule          `yaml:"substrings"`
	Fallback   Kind            `yaml:"fallback"`
}

// DefaultTable returns the built-in classification for the current protocol revision
func DefaultTable() *Table {
	return &Table{
		Version: "v2",
		Codes: map[string]Kind{
			"INVALID_TOKEN":         KindTokenExpired,
			"TOKEN_EXPIRED":         KindTokenExpired,
			"PING_INTERVAL":         KindTokenExpired,
			"CAPTCHA_INCORRECT":     KindCaptchaIncorrect,
			"CAPTCHA_EXPIRED":       KindCaptchaExpired,
			"INVALID_CODE":          KindCodeInvalid,
			"EMAIL_EXISTS":          KindAlreadyRegistered,
			"USER_BANNED":           KindBanned,
			"USER_NOT_FOUND":        KindUnregistered,
			"EMAIL_NOT_VERIFIED":    KindUnverified,
			"NOT_ELIGIBLE":          KindNotEligible,
			"RATE_LIMITED":          KindRateLimited,
			"TOO_MANY_REQUESTS":     KindRateLimited,
			"INTERNAL_SERVER_ERROR": KindTransient,
		},
		Substrings: []Rule{
			{Contains: "incorrect answer", Kind: KindCaptchaIncorrect},
			{Contains: "refresh your captcha", Kind: KindCaptchaExpired},
			{Contains: "captcha", Kind: KindCaptchaExpired},
			{Contains: "invalid code", Kind: KindCodeInvalid},
			{Contains: "email not verified", Kind: KindUnverified},
			{Contains: "email already exists", Kind: KindAlreadyRegistered},
			{Contains: "user not found", Kind: KindUnregistered},
			{Contains: "not registered", Kind: KindUnregistered},
			{Contains: "banned", Kind: KindBanned},
			{Contains: "not eligible", Kind: KindNotEligible},
			{Contains: "invalid token", Kind: KindTokenExpired},
			{Contains: "token expired", Kind: KindTokenExpired},
			{Contains: "too many requests", Kind: KindRateLimited},
			{Contains: "proxy authentication required", Kind: KindProxyAuth},
		},
		Fallback: KindTransient,
	}
}

// LoadTable reads a table from a YAML file. Missing sections fall back to the defaults.
func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read error table: %w", err)
	}

	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse error table: %w", err)
	}

	def := DefaultTable()
	if t.Version == "" {
		t.Version = def.Version
	}
	if t.Codes == nil {
		t.Codes = def.Codes
	} else {
		codes := make(map[string]Kind, len(t.Codes))
		for code, kind := range t.Codes {
			codes[strings.ToUpper(code)] = kind
		}
		t.Codes = codes
	}
	if t.Substrings == nil {
		t.Substrings = def.Substrings
	}
	if t.Fallback == "" {
		t.Fallback = def.Fallback
	}

	if err := t.validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

func (t *Table) validate() error {
	for code, kind := range t.Codes {
		if _, err := ParseKind(string(kind)); err != nil {
			return fmt.Errorf("code %s: %w", code, err)
		}
	}
	for i, rule := range t.Substrings {
		if rule.Contains == "" {
			return fmt.Errorf("substring rule %d: empty match", i)
		}
		if _, err := ParseKind(string(rule.Kind)); err != nil {
			return fmt.Errorf("substring rule %d: %w", i, err)
		}
	}
	if _, err := ParseKind(string(t.Fallback)); err != nil {
		return fmt.Errorf("fallback: %w", err)
	}
	return nil
}

// Classify maps a remote code and message to a kind
func (t *Table) Classify(code, message string) Kind {
	if code != "" {
		if kind, ok := t.Codes[strings.ToUpper(code)]; ok {
			return kind
		}
	}

	lower := strings.ToLower(message)
	for _, rule := range t.Substrings {
		if strings.Contains(lower, strings.ToLower(rule.Contains)) {
			return rule.Kind
		}
	}
	return t.Fallback
}

// NewError builds a classified APIError
func (t *Table) NewError(code, message string, status int) *APIError {
	return &APIError{
		Kind:    t.Classify(code, message),
		Code:    code,
		Message: message,
		Status:  status,
	}
}
