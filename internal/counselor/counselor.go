// Package counselor requests live counselor sessions and callbacks from an
// external dispatch service.
package counselor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/CrisisPipe/internal/models"
)

// DefaultTimeout bounds one dispatch request.
const DefaultTimeout = 15 * time.Second

type connectRequest struct {
	UserID     string                     `json:"user_id"`
	Priority   models.Priority            `json:"priority"`
	Preference models.CounselorPreference `json:"preference"`
}

type connectResponse struct {
	SessionID   string    `json:"session_id"`
	CounselorID string    `json:"counselor_id"`
	ConnectedAt time.Time `json:"connected_at"`
}

type callbackRequest struct {
	UserID   string          `json:"user_id"`
	Priority models.Priority `json:"priority"`
}

type callbackResponse struct {
	CallbackID   string    `json:"callback_id"`
	ScheduledFor time.Time `json:"scheduled_for"`
}

// Client calls POST {baseURL}/connect and POST {baseURL}/callbacks on the
// dispatch service.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	now     func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithToken sends a bearer token with every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

// NewClient creates a dispatch client for baseURL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("counselor service url is required")
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: DefaultTimeout},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Connect asks for a counselor at the given priority. A 503 or 409 answer means
// nobody is free and maps to models.ErrCounselorUnavailable.
func (c *Client) Connect(ctx context.Context, userID string, priority models.Priority, preference models.CounselorPreference) (*models.CounselorConnection, error) {
	if preference == "" {
		preference = models.PreferenceAny
	}
	var out connectResponse
	req := connectRequest{UserID: userID, Priority: priority, Preference: preference}
	if err := c.post(ctx, "/connect", req, &out); err != nil {
		slog.Warn("counselor.Client.Connect: no session", "userID", userID, "priority", priority, "preference", preference, "error", err)
		return nil, err
	}
	if out.SessionID == "" {
		return nil, fmt.Errorf("counselor dispatch returned no session id")
	}
	if out.ConnectedAt.IsZero() {
		out.ConnectedAt = c.now()
	}
	slog.Info("counselor.Client.Connect: session established", "userID", userID, "sessionID", out.SessionID, "priority", priority, "preference", preference)
	return &models.CounselorConnection{
		SessionID:   out.SessionID,
		CounselorID: out.CounselorID,
		Priority:    priority,
		ConnectedAt: out.ConnectedAt,
	}, nil
}

// ScheduleCallback books a later call from a counselor. Availability errors
// map the same way as Connect.
func (c *Client) ScheduleCallback(ctx context.Context, userID string, priority models.Priority) (*models.CounselorCallback, error) {
	var out callbackResponse
	if err := c.post(ctx, "/callbacks", callbackRequest{UserID: userID, Priority: priority}, &out); err != nil {
		slog.Warn("counselor.Client.ScheduleCallback: not booked", "userID", userID, "priority", priority, "error", err)
		return nil, err
	}
	if out.CallbackID == "" {
		return nil, fmt.Errorf("counselor dispatch returned no callback id")
	}
	slog.Info("counselor.Client.ScheduleCallback: callback booked", "userID", userID, "callbackID", out.CallbackID, "scheduledFor", out.ScheduledFor)
	return &models.CounselorCallback{
		CallbackID:   out.CallbackID,
		UserID:       userID,
		Priority:     priority,
		RequestedAt:  c.now(),
		ScheduledFor: out.ScheduledFor,
	}, nil
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		slog.Error("counselor.Client.post: request failed", "path", path, "error", err)
		return fmt.Errorf("counselor dispatch: %v: %w", err, models.ErrCounselorUnavailable)
	}
	defer resp.Body.Close()
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode == http.StatusServiceUnavailable || resp.StatusCode == http.StatusConflict:
		return fmt.Errorf("counselor dispatch status %d: %w", resp.StatusCode, models.ErrCounselorUnavailable)
	case resp.StatusCode >= 300:
		return fmt.Errorf("counselor dispatch status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
