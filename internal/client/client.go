// Package client is a typed HTTP client for the presence endpoints, used by
// producers (desktop, mobile, CLI) and pollers alike.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/yabosen/presence/internal/model"
	"github.com/yabosen/presence/internal/presence"
)

var (
	// ErrUnauthorized is returned on 401.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrNotFound is returned when a heartbeat finds no record to refresh.
	// Any other 404 is an *APIError.
	ErrNotFound = errors.New("no status record")
)

// APIError is any other non-2xx answer.
type APIError struct {
	StatusCode int
	Message    string
	Field      string
	Allowed    []string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("presence api: %d: %s", e.StatusCode, e.Message)
}

// Retryable reports whether the same request may succeed later.
func (e *APIError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

const heartbeatPath = "/heartbeat"

// Client talks to one presence server.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New creates a Client. apiKey may be empty for read-only use.
func New(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Status fetches the public, staleness-adjusted record.
func (c *Client) Status(ctx context.Context) (model.StatusRecord, error) {
	var rec model.StatusRecord
	err := c.do(ctx, http.MethodGet, "/status", nil, false, &rec)
	return rec, err
}

// SetStatus performs a full mutation.
func (c *Client) SetStatus(ctx context.Context, req presence.UpdateRequest) (model.StatusRecord, error) {
	var rec model.StatusRecord
	err := c.do(ctx, http.MethodPost, "/status", req, true, &rec)
	return rec, err
}

// Heartbeat refreshes updatedAt. It returns ErrNotFound when no record exists
// yet; callers then fall back to SetStatus.
func (c *Client) Heartbeat(ctx context.Context, source string) (presence.HeartbeatResult, error) {
	return c.HeartbeatIdle(ctx, source, 0)
}

// HeartbeatIdle is Heartbeat plus how long the user of this device has been
// inactive, which drives server-side auto-sleep.
func (c *Client) HeartbeatIdle(ctx context.Context, source string, idle time.Duration) (presence.HeartbeatResult, error) {
	body := struct {
		Source      string  `json:"source"`
		IdleSeconds float64 `json:"idleSeconds,omitempty"`
	}{Source: source, IdleSeconds: idle.Seconds()}
	var res presence.HeartbeatResult
	err := c.do(ctx, http.MethodPost, heartbeatPath, body, true, &res)
	return res, err
}

// Beat sends a heartbeat and, when the server has no record yet and fallback
// is non-nil, performs the full mutation instead. It reports which happened.
func (c *Client) Beat(ctx context.Context, source string, idle time.Duration, fallback *presence.UpdateRequest) (updatedAt int64, mutated bool, err error) {
	res, err := c.HeartbeatIdle(ctx, source, idle)
	if err == nil {
		return res.UpdatedAt, false, nil
	}
	if !errors.Is(err, ErrNotFound) || fallback == nil {
		return 0, false, err
	}
	rec, err := c.SetStatus(ctx, *fallback)
	if err != nil {
		return 0, false, err
	}
	return rec.UpdatedAt, true, nil
}

// Heartbeats returns the last heartbeat per source.
func (c *Client) Heartbeats(ctx context.Context) (map[string]*int64, error) {
	var out struct {
		Sources map[string]*int64 `json:"sources"`
	}
	err := c.do(ctx, http.MethodGet, heartbeatPath, nil, true, &out)
	return out.Sources, err
}

// SetAvatar uploads a data URL and returns the size string the server reports.
func (c *Client) SetAvatar(ctx context.Context, dataURL string) (string, error) {
	var out struct {
		Size string `json:"size"`
	}
	err := c.do(ctx, http.MethodPost, "/avatar", map[string]string{"avatar": dataURL}, true, &out)
	return out.Size, err
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, authed bool, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed && c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
	return decodeError(method, path, resp)
}

func decodeError(method, path string, resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case resp.StatusCode == http.StatusNotFound && method == http.MethodPost && path == heartbeatPath:
		return ErrNotFound
	}
	var body struct {
		Error   string   `json:"error"`
		Field   string   `json:"field"`
		Allowed []string `json:"allowed"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(raw, &body); err != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(raw))
		if body.Error == "" {
			body.Error = http.StatusText(resp.StatusCode)
		}
	}
	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		Message:    body.Error,
		Field:      body.Field,
		Allowed:    body.Allowed,
	}
	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
		apiErr.RetryAfter = time.Duration(secs) * time.Second
	}
	return apiErr
}
