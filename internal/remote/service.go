package remote

import (
	"context"

	"github.com/mixelka/nodefarm/pkg/models"
)

// Puzzle is an image challenge issued by the remote service
type Puzzle struct {
	ID    string
	Image string // base64
}

// Tokens are the auth artifacts of a logged-in account
type Tokens struct {
	UserID       string
	SessionToken string
	AuthToken    string
	RefreshToken string
}

// TokensFromSession copies the stored auth artifacts
func TokensFromSession(s *models.Session) Tokens {
	if s == nil {
		return Tokens{}
	}
	return Tokens{
		UserID:       s.UserID.String,
		SessionToken: s.SessionToken.String,
		AuthToken:    s.AuthToken.String,
		RefreshToken: s.RefreshToken.String,
	}
}

// Update converts the tokens into a session update
func (t Tokens) Update() models.SessionUpdate {
	upd := models.SessionUpdate{SessionToken: models.String(t.SessionToken)}
	if t.UserID != "" {
		upd.UserID = models.String(t.UserID)
	}
	if t.AuthToken != "" {
		upd.AuthToken = models.String(t.AuthToken)
	}
	if t.RefreshToken != "" {
		upd.RefreshToken = models.String(t.RefreshToken)
	}
	return upd
}

// LoginResult is returned by Login. CodeRequired means the service mailed a
// one-time code that must be passed to ConfirmLogin.
type LoginResult struct {
	Tokens       Tokens
	CodeRequired bool
}

// Service is a connection to the remote service bound to one proxy.
// Every method returns *APIError for classified failures.
type Service interface {
	Puzzle(ctx context.Context, acct models.Account) (Puzzle, error)
	Register(ctx context.Context, acct models.Account, captchaToken string) error
	ResendVerification(ctx context.Context, acct models.Account, puzzleID, answer string) error
	VisitLink(ctx context.Context, link, captchaToken string) error
	Login(ctx context.Context, acct models.Account, puzzleID, answer string) (LoginResult, error)
	ConfirmLogin(ctx context.Context, acct models.Account, code string) (Tokens, error)
	CompleteTasks(ctx context.Context, acct models.Account, tokens Tokens) ([]string, error)
	Stats(ctx context.Context, acct models.Account, tokens Tokens) (map[string]any, error)
	Ping(ctx context.Context, acct models.Account, tokens Tokens) error
	Close()
}

// Factory opens service connections through a proxy. An empty proxy dials directly.
type Factory interface {
	Open(proxy string) (Service, error)
}
