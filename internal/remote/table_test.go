package remote

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyPrefersCodes(t *testing.T) {
	table := DefaultTable()

	assert.Equal(t, KindTokenExpired, table.Classify("invalid_token", "Incorrect answer. Try again!"))
	assert.Equal(t, KindCaptchaIncorrect, table.Classify("", "Incorrect answer. Try again!"))
	assert.Equal(t, KindCaptchaExpired, table.Classify("", "refresh your captcha!!"))
	assert.Equal(t, KindUnverified, table.Classify("", "Email not verified , Please check spam folder"))
	assert.Equal(t, KindAlreadyRegistered, table.Classify("UNKNOWN", "email already exists"))
	assert.Equal(t, KindTransient, table.Classify("", "Something went wrong #BRL4"))
}

func TestKindPolicies(t *testing.T) {
	for _, k := range []Kind{KindAlreadyRegistered, KindBanned, KindUnregistered, KindUnverified, KindNotEligible} {
		assert.True(t, k.Terminal(), k)
		assert.False(t, k.RetryInPlace(), k)
	}
	for _, k := range []Kind{KindCaptchaIncorrect, KindCaptchaExpired, KindCodeInvalid} {
		assert.True(t, k.RetryInPlace(), k)
		assert.False(t, k.Terminal(), k)
	}
	assert.False(t, KindTransient.Terminal())
	assert.False(t, KindRateLimited.RetryInPlace())
}

func TestKindOf(t *testing.T) {
	err := fmt.Errorf("login: %w", &APIError{Kind: KindBanned, Message: "banned"})
	assert.Equal(t, KindBanned, KindOf(err))
	assert.Equal(t, KindTransient, KindOf(errors.New("dial tcp: timeout")))
}

func TestLoadTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "errors.yaml")
	content := `
version: v3
codes:
  acct_suspended: banned
substrings:
  - contains: "wrong puzzle"
    kind: captcha_incorrect
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	table, err := LoadTable(path)
	require.NoError(t, err)

	assert.Equal(t, "v3", table.Version)
	assert.Equal(t, KindBanned, table.Classify("ACCT_SUSPENDED", ""))
	assert.Equal(t, KindCaptchaIncorrect, table.Classify("", "Wrong puzzle answer"))
	assert.Equal(t, KindTransient, table.Classify("", "email already exists"), "overridden rules replace the defaults")
}

func TestLoadTableRejectsUnknownKind(t *testing.T) {
	path := filepath.Join(t.TempDir(), "errors.yaml")
	require.NoError(t, os.WriteFile(path, []byte("codes:\n  X: exploded\n"), 0o644))

	_, err := LoadTable(path)
	assert.Error(t, err)
}
