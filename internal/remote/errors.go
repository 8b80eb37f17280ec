package remote

import (
	"errors"
	"fmt"
)

// Kind classifies a remote failure
type Kind string

const (
	KindTransient         Kind = "transient"
	KindRateLimited       Kind = "rate_limited"
	KindProxyForbidden    Kind = "proxy_forbidden"
	KindProxyAuth         Kind = "proxy_auth"
	KindCaptchaIncorrect  Kind = "captcha_incorrect"
	KindCaptchaExpired    Kind = "captcha_expired"
	KindCodeInvalid       Kind = "code_invalid"
	KindTokenExpired      Kind = "token_expired"
	KindAlreadyRegistered Kind = "already_registered"
	KindBanned            Kind = "banned"
	KindUnregistered      Kind = "unregistered"
	KindUnverified        Kind = "unverified"
	KindNotEligible       Kind = "not_eligible"
)

var kinds = []Kind{
	KindTransient,
	KindRateLimited,
	KindProxyForbidden,
	KindProxyAuth,
	KindCaptchaIncorrect,
	KindCaptchaExpired,
	KindCodeInvalid,
	KindTokenExpired,
	KindAlreadyRegistered,
	KindBanned,
	KindUnregistered,
	KindUnverified,
	KindNotEligible,
}

// ParseKind validates a kind name
func ParseKind(s string) (Kind, error) {
	for _, k := range kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown error kind %q", s)
}

// Terminal reports whether the account must never be retried in this run
func (k Kind) Terminal() bool {
	switch k {
	case KindAlreadyRegistered, KindBanned, KindUnregistered, KindUnverified, KindNotEligible:
		return true
	}
	return false
}

// RetryInPlace reports whether the attempt can be repeated on the same proxy
func (k Kind) RetryInPlace() bool {
	switch k {
	case KindCaptchaIncorrect, KindCaptchaExpired, KindCodeInvalid:
		return true
	}
	return false
}

// APIError is a classified remote failure
type APIError struct {
	Kind    Kind
	Code    string
	Message string
	Status  int
}

func (e *APIError) Error() string {
	msg := e.Message
	if e.Code != "" {
		msg = fmt.Sprintf("%s (code %s)", msg, e.Code)
	}
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s [status %d]", e.Kind, msg, e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

// KindOf extracts the classification of err.
// Anything that is not an APIError counts as transient.
func KindOf(err error) Kind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return KindTransient
}
