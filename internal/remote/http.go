package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mixelka/nodefarm/pkg/models"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// Config for the HTTP service client
type Config struct {
	BaseURL   string // e.g., https://ext-api.example.com/chromeapi/dawn
	VerifyURL string // endpoint confirming registration links, defaults to BaseURL + /v1/userverify/verifycheck
	AppID     string
	Version   string
	Tasks     []string
	Timeout   time.Duration
	UserAgent string
	Table     *Table
}

// HTTPFactory opens HTTPClients
type HTTPFactory struct {
	cfg    Config
	logger *slog.Logger
}

// NewHTTPFactory creates a factory for JSON-over-HTTP service connections
func NewHTTPFactory(cfg Config, logger *slog.Logger) *HTTPFactory {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.Version == "" {
		cfg.Version = "1.1.4"
	}
	if len(cfg.Tasks) == 0 {
		cfg.Tasks = []string{"telegramid", "discordid", "twitter_x_id"}
	}
	if cfg.Table == nil {
		cfg.Table = DefaultTable()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.VerifyURL == "" {
		cfg.VerifyURL = cfg.BaseURL + "/v1/userverify/verifycheck"
	}

	return &HTTPFactory{
		cfg:    cfg,
		logger: logger.With("component", "remote"),
	}
}

// Open creates a client routed through proxy
func (f *HTTPFactory) Open(proxy string) (Service, error) {
	transport := &http.Transport{
		MaxIdleConns:        10,
		IdleConnTimeout:     30 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	if proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	return &HTTPClient{
		cfg:       f.cfg,
		transport: transport,
		httpClient: &http.Client{
			Timeout:   f.cfg.Timeout,
			Transport: transport,
		},
		logger: f.logger,
	}, nil
}

// HTTPClient talks to the remote service over JSON
type HTTPClient struct {
	cfg        Config
	transport  *http.Transport
	httpClient *http.Client
	logger     *slog.Logger
}

// envelope is the common response wrapper
type envelope struct {
	Success *bool           `json:"success"`
	Status  *bool           `json:"status"`
	Message string          `json:"message"`
	Code    string          `json:"code"`
	Data    json.RawMessage `json:"data"`
}

func (e *envelope) failed() bool {
	return (e.Success != nil && !*e.Success) || (e.Status != nil && !*e.Status)
}

type request struct {
	method string
	url    string
	params url.Values
	body   any
	token  string
}

// Close releases idle connections
func (c *HTTPClient) Close() {
	c.transport.CloseIdleConnections()
}

func (c *HTTPClient) appID(acct models.Account) string {
	if acct.AppID != "" {
		return acct.AppID
	}
	return c.cfg.AppID
}

func (c *HTTPClient) endpoint(path string) string {
	return c.cfg.BaseURL + path
}

// Puzzle fetches an image puzzle
func (c *HTTPClient) Puzzle(ctx context.Context, acct models.Account) (Puzzle, error) {
	appID := c.appID(acct)

	var created struct {
		PuzzleID string `json:"puzzle_id"`
	}
	if err := c.do(ctx, request{
		method: http.MethodGet,
		url:    c.endpoint("/v1/puzzle/get-puzzle"),
		params: url.Values{"appid": {appID}},
	}, &created, nil); err != nil {
		return Puzzle{}, err
	}
	if created.PuzzleID == "" {
		return Puzzle{}, c.cfg.Table.NewError("", "empty puzzle id", 0)
	}

	var image struct {
		ImgBase64 string `json:"imgBase64"`
	}
	if err := c.do(ctx, request{
		method: http.MethodGet,
		url:    c.endpoint("/v1/puzzle/get-puzzle-image"),
		params: url.Values{"puzzle_id": {created.PuzzleID}, "appid": {appID}},
	}, &image, nil); err != nil {
		return Puzzle{}, err
	}

	return Puzzle{ID: created.PuzzleID, Image: image.ImgBase64}, nil
}

// Register creates the remote account
func (c *HTTPClient) Register(ctx context.Context, acct models.Account, captchaToken string) error {
	return c.do(ctx, request{
		method: http.MethodPost,
		url:    c.endpoint("/v2/dashboard/user/validate-register"),
		params: url.Values{"appid": {c.appID(acct)}},
		body: map[string]any{
			"email":       acct.Email,
			"password":    acct.Password,
			"token":       captchaToken,
			"isMarketing": false,
			"browserName": "chrome",
		},
	}, nil, nil)
}

// ResendVerification asks the service to mail a new confirmation link
func (c *HTTPClient) ResendVerification(ctx context.Context, acct models.Account, puzzleID, answer string) error {
	return c.do(ctx, request{
		method: http.MethodPost,
		url:    c.endpoint("/v1/user/resendverifylink/v2"),
		params: url.Values{"appid": {c.appID(acct)}},
		body: map[string]any{
			"username":  acct.Email,
			"puzzle_id": puzzleID,
			"ans":       answer,
		},
	}, nil, nil)
}

// VisitLink confirms a registration link. Links carrying a key are confirmed
// through the verify endpoint, anything else is followed with a plain GET.
func (c *HTTPClient) VisitLink(ctx context.Context, link, captchaToken string) error {
	u, err := url.Parse(link)
	if err != nil {
		return c.cfg.Table.NewError("", fmt.Sprintf("invalid confirmation link: %v", err), 0)
	}

	if key := u.Query().Get("key"); key != "" {
		return c.do(ctx, request{
			method: http.MethodPost,
			url:    c.cfg.VerifyURL,
			params: url.Values{"key": {key}},
			body:   map[string]any{"token": captchaToken},
		}, nil, nil)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return c.transportError(err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return c.statusError(resp.StatusCode, nil)
	}
	return nil
}

type loginData struct {
	Token        string `json:"token"`
	UserID       string `json:"user_id"`
	AuthToken    string `json:"auth_token"`
	RefreshToken string `json:"refresh_token"`
	CodeRequired bool   `json:"code_required"`
}

func (d loginData) tokens() Tokens {
	return Tokens{
		UserID:       d.UserID,
		SessionToken: d.Token,
		AuthToken:    d.AuthToken,
		RefreshToken: d.RefreshToken,
	}
}

// Login authenticates with the puzzle answer
func (c *HTTPClient) Login(ctx context.Context, acct models.Account, puzzleID, answer string) (LoginResult, error) {
	appID := c.appID(acct)

	var data loginData
	err := c.do(ctx, request{
		method: http.MethodPost,
		url:    c.endpoint("/v1/user/login/v2"),
		params: url.Values{"appid": {appID}},
		body: map[string]any{
			"username": acct.Email,
			"password": acct.Password,
			"logindata": map[string]any{
				"_v":       map[string]string{"version": c.cfg.Version},
				"datetime": time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
			},
			"puzzle_id": puzzleID,
			"ans":       answer,
			"appid":     appID,
		},
	}, nil, &data)
	if err != nil {
		return LoginResult{}, err
	}

	if data.CodeRequired {
		return LoginResult{CodeRequired: true}, nil
	}
	if data.Token == "" {
		return LoginResult{}, c.cfg.Table.NewError("", "login response without token", 0)
	}
	return LoginResult{Tokens: data.tokens()}, nil
}

// ConfirmLogin completes a login with the mailed one-time code
func (c *HTTPClient) ConfirmLogin(ctx context.Context, acct models.Account, code string) (Tokens, error) {
	var data loginData
	err := c.do(ctx, request{
		method: http.MethodPost,
		url:    c.endpoint("/v1/user/login/confirm"),
		params: url.Values{"appid": {c.appID(acct)}},
		body: map[string]any{
			"username": acct.Email,
			"code":     code,
		},
	}, nil, &data)
	if err != nil {
		return Tokens{}, err
	}
	if data.Token == "" {
		return Tokens{}, c.cfg.Table.NewError("", "confirm response without token", 0)
	}
	return data.tokens(), nil
}

// CompleteTasks marks the social profile tasks as done
func (c *HTTPClient) CompleteTasks(ctx context.Context, acct models.Account, tokens Tokens) ([]string, error) {
	var done []string
	for _, task := range c.cfg.Tasks {
		err := c.do(ctx, request{
			method: http.MethodPost,
			url:    c.endpoint("/v1/profile/update"),
			params: url.Values{"appid": {c.appID(acct)}},
			body:   map[string]any{task: task},
			token:  tokens.SessionToken,
		}, nil, nil)
		if err != nil {
			return done, err
		}
		done = append(done, task)
	}
	return done, nil
}

// Stats returns the reward statistics of the account
func (c *HTTPClient) Stats(ctx context.Context, acct models.Account, tokens Tokens) (map[string]any, error) {
	var data map[string]any
	err := c.do(ctx, request{
		method: http.MethodGet,
		url:    c.endpoint("/v1/userreward/getpoint"),
		params: url.Values{"appid": {c.appID(acct)}},
		token:  tokens.SessionToken,
	}, nil, &data)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Ping sends the keepalive
func (c *HTTPClient) Ping(ctx context.Context, acct models.Account, tokens Tokens) error {
	return c.do(ctx, request{
		method: http.MethodPost,
		url:    c.endpoint("/v1/userreward/keepalive"),
		params: url.Values{"appid": {c.appID(acct)}},
		body: map[string]any{
			"username":     acct.Email,
			"numberoftabs": 0,
			"_v":           c.cfg.Version,
		},
		token: tokens.SessionToken,
	}, nil, nil)
}

// do sends a request and verifies the response.
// The whole body is decoded into out, the data field into data.
func (c *HTTPClient) do(ctx context.Context, r request, out, data any) error {
	var body io.Reader
	if r.body != nil {
		payload, err := json.Marshal(r.body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	target := r.url
	if len(r.params) > 0 {
		target += "?" + r.params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, r.method, target, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "application/json, text/plain, */*")
	if r.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return c.transportError(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &APIError{Kind: KindTransient, Message: fmt.Sprintf("failed to read response: %v", err), Status: resp.StatusCode}
	}

	if resp.StatusCode >= 400 {
		return c.statusError(resp.StatusCode, respBody)
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return &APIError{Kind: KindTransient, Message: "failed to decode response, most likely server error", Status: resp.StatusCode}
	}
	if env.failed() {
		return c.cfg.Table.NewError(env.Code, env.Message, resp.StatusCode)
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return &APIError{Kind: KindTransient, Message: fmt.Sprintf("unexpected response shape: %v", err), Status: resp.StatusCode}
		}
	}
	if data != nil && len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, data); err != nil {
			return &APIError{Kind: KindTransient, Message: fmt.Sprintf("unexpected data shape: %v", err), Status: resp.StatusCode}
		}
	}
	return nil
}

func (c *HTTPClient) statusError(status int, body []byte) *APIError {
	text := strings.TrimSpace(string(body))

	switch {
	case status == http.StatusForbidden && strings.Contains(text, "403 Forbidden"):
		return &APIError{Kind: KindProxyForbidden, Message: "proxy forbidden", Status: status}
	case status == http.StatusForbidden:
		return &APIError{Kind: KindRateLimited, Message: "session is rate limited or blocked", Status: status}
	case status == http.StatusTooManyRequests:
		return &APIError{Kind: KindRateLimited, Message: "too many requests", Status: status}
	case status == http.StatusProxyAuthRequired:
		return &APIError{Kind: KindProxyAuth, Message: "proxy authentication required", Status: status}
	case status == http.StatusUnauthorized:
		return &APIError{Kind: KindTokenExpired, Message: "unauthorized", Status: status}
	case status >= 500:
		return &APIError{Kind: KindTransient, Message: fmt.Sprintf("server error - %d", status), Status: status}
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err == nil && (env.Code != "" || env.Message != "") {
		return c.cfg.Table.NewError(env.Code, env.Message, status)
	}
	return &APIError{Kind: KindTransient, Message: fmt.Sprintf("unexpected status %d: %s", status, text), Status: status}
}

func (c *HTTPClient) transportError(err error) *APIError {
	if errors.Is(err, context.Canceled) {
		return &APIError{Kind: KindTransient, Message: err.Error()}
	}
	if strings.Contains(err.Error(), "Proxy Authentication Required") {
		return &APIError{Kind: KindProxyAuth, Message: err.Error()}
	}
	return &APIError{Kind: KindTransient, Message: fmt.Sprintf("failed to send request: %v", err)}
}
