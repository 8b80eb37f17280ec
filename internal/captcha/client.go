package captcha

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Config for the provider client
type Config struct {
	Provider     Provider
	APIKey       string
	PollInterval time.Duration
	MaxWait      time.Duration
	HTTPTimeout  time.Duration
}

// Client solves challenges via a createTask/getTaskResult provider
type Client struct {
	provider     Provider
	apiKey       string
	pollInterval time.Duration
	maxWait      time.Duration
	httpClient   *http.Client
	logger       *slog.Logger
}

type createTaskRequest struct {
	ClientKey string         `json:"clientKey"`
	Task      map[string]any `json:"task"`
	SoftID    int            `json:"softId,omitempty"`
}

type taskRequest struct {
	ClientKey string          `json:"clientKey"`
	TaskID    json.RawMessage `json:"taskId"`
}

type providerResponse struct {
	ErrorID          int             `json:"errorId"`
	ErrorCode        string          `json:"errorCode"`
	ErrorDescription string          `json:"errorDescription"`
	TaskID           json.RawMessage `json:"taskId"`
	Status           string          `json:"status"`
	Solution         struct {
		Token              string `json:"token"`
		Text               string `json:"text"`
		GRecaptchaResponse string `json:"gRecaptchaResponse"`
	} `json:"solution"`
}

func (r *providerResponse) err() string {
	if r.ErrorDescription != "" {
		return r.ErrorDescription
	}
	if r.ErrorCode != "" {
		return r.ErrorCode
	}
	return fmt.Sprintf("provider error %d", r.ErrorID)
}

// NewClient creates a provider client
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 2 * time.Minute
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}

	return &Client{
		provider:     cfg.Provider,
		apiKey:       cfg.APIKey,
		pollInterval: cfg.PollInterval,
		maxWait:      cfg.MaxWait,
		httpClient:   &http.Client{Timeout: cfg.HTTPTimeout},
		logger:       logger.With("component", "captcha", "provider", cfg.Provider.Name),
	}
}

// Name returns the provider name
func (c *Client) Name() string {
	return c.provider.Name
}

// Solve submits the challenge and polls until a solution is ready or MaxWait elapses
func (c *Client) Solve(ctx context.Context, ch Challenge) Task {
	task := Task{Kind: ch.Kind}

	payload, err := c.taskPayload(ch)
	if err != nil {
		task.Reason = err.Error()
		return task
	}

	var created providerResponse
	if err := c.post(ctx, "/createTask", createTaskRequest{
		ClientKey: c.apiKey,
		Task:      payload,
		SoftID:    c.provider.SoftID,
	}, &created); err != nil {
		task.Reason = err.Error()
		return task
	}
	if created.ErrorID != 0 {
		task.Reason = created.err()
		return task
	}
	task.ID = decodeTaskID(created.TaskID)
	if task.ID == "" {
		task.Reason = "provider returned no task id"
		return task
	}

	c.logger.Debug("captcha task created", "task_id", task.ID, "kind", ch.Kind)

	answer, err := c.waitResult(ctx, created.TaskID)
	if err != nil {
		task.Reason = err.Error()
		return task
	}

	answer = strings.TrimSpace(answer)
	switch {
	case answer == "":
		task.Reason = "empty solution"
	case ch.Kind == KindImage && ch.ExpectedLength > 0 && len(answer) != ch.ExpectedLength:
		task.Answer = answer
		task.Reason = fmt.Sprintf("malformed solution: expected %d characters, got %d", ch.ExpectedLength, len(answer))
	case ch.Kind == KindImage && !alphanumeric(answer):
		task.Answer = answer
		task.Reason = fmt.Sprintf("malformed solution: %q is not alphanumeric", answer)
	default:
		task.Answer = answer
		task.Solved = true
	}
	return task
}

func alphanumeric(s string) bool {
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

// ReportBad tells the provider that a solution was rejected.
// Providers without a report endpoint are a no-op.
func (c *Client) ReportBad(ctx context.Context, taskID string) error {
	if c.provider.ReportPath == "" || taskID == "" {
		return nil
	}

	var resp providerResponse
	if err := c.post(ctx, c.provider.ReportPath, taskRequest{
		ClientKey: c.apiKey,
		TaskID:    encodeTaskID(taskID),
	}, &resp); err != nil {
		return fmt.Errorf("failed to report bad captcha: %w", err)
	}
	if resp.ErrorID != 0 {
		return fmt.Errorf("failed to report bad captcha: %s", resp.err())
	}

	c.logger.Debug("reported incorrect captcha", "task_id", taskID)
	return nil
}

func (c *Client) taskPayload(ch Challenge) (map[string]any, error) {
	switch ch.Kind {
	case KindImage:
		if ch.Image == "" {
			return nil, errors.New("image challenge without body")
		}
		payload := map[string]any{
			"type": "ImageToTextTask",
			"body": ch.Image,
			"case": true,
		}
		if ch.ExpectedLength > 0 {
			payload["minLength"] = ch.ExpectedLength
			payload["maxLength"] = ch.ExpectedLength
		}
		return payload, nil
	case KindTurnstile:
		if ch.SiteKey == "" || ch.PageURL == "" {
			return nil, errors.New("turnstile challenge requires site key and page url")
		}
		return map[string]any{
			"type":       c.provider.TurnstileType,
			"websiteURL": ch.PageURL,
			"websiteKey": ch.SiteKey,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported challenge kind %q", ch.Kind)
	}
}

func (c *Client) waitResult(ctx context.Context, taskID json.RawMessage) (string, error) {
	deadline := time.Now().Add(c.maxWait)
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}

		var result providerResponse
		if err := c.post(ctx, "/getTaskResult", taskRequest{ClientKey: c.apiKey, TaskID: taskID}, &result); err != nil {
			return "", err
		}
		if result.ErrorID != 0 {
			return "", errors.New(result.err())
		}
		if result.Status == "ready" {
			return firstNonEmpty(result.Solution.Token, result.Solution.Text, result.Solution.GRecaptchaResponse), nil
		}

		if time.Now().After(deadline) {
			return "", fmt.Errorf("solution not ready after %s", c.maxWait)
		}
	}
}

func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.provider.BaseURL, "/")+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// decodeTaskID accepts numeric and string task ids
func decodeTaskID(raw json.RawMessage) string {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return ""
	}
	return strings.Trim(s, `"`)
}

func encodeTaskID(id string) json.RawMessage {
	for _, r := range id {
		if r < '0' || r > '9' {
			b, _ := json.Marshal(id)
			return b
		}
	}
	return json.RawMessage(id)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
