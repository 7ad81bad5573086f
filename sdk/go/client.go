package clocklinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Clockline HTTP API client.
type Client struct {
	BaseURL     string
	GuildID     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, guildID string) *Client {
	return &Client{
		BaseURL: baseURL,
		GuildID: guildID,
		Timeout: 10 * time.Second,
	}
}

// Session represents the API work session model.
type Session struct {
	ID                 string  `json:"id"`
	UserID             string  `json:"user_id"`
	GuildID            string  `json:"guild_id"`
	StartedBy          string  `json:"started_by"`
	StartTime          string  `json:"start_time"`
	EndTime            *string `json:"end_time,omitempty"`
	IsPaused           bool    `json:"is_paused"`
	TotalPausedMs      int64   `json:"total_paused_ms"`
	ManualAdjustmentMs int64   `json:"manual_adjustment_ms"`
}

// StopResult is the outcome of a clock-out.
type StopResult struct {
	Session    Session `json:"session"`
	DurationMs int64   `json:"duration_ms"`
	TotalMs    int64   `json:"total_ms"`
}

// ActiveSession is one live dashboard row.
type ActiveSession struct {
	Session   Session `json:"session"`
	ElapsedMs int64   `json:"elapsed_ms"`
}

// PayrollEntry is one row of the payroll listing.
type PayrollEntry struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
	TotalMs     int64  `json:"total_ms"`
	Sessions    int    `json:"sessions"`
}

// HistoryRow is one row of a worker history report.
type HistoryRow struct {
	Session        Session `json:"session"`
	DurationMs     int64   `json:"duration_ms"`
	StartedByLabel string  `json:"started_by_label"`
	RunningTotalMs int64   `json:"running_total_ms"`
}

// Total is a worker's accumulated time.
type Total struct {
	UserID  string `json:"user_id"`
	GuildID string `json:"guild_id"`
	TotalMs int64  `json:"total_ms"`
}

// Event represents an audit log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	GuildID    string `json:"guild_id"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// PaginatedEvents wraps event listings with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// StartSession clocks a worker in. Pass an empty userID to clock in the
// authenticated actor.
func (c *Client) StartSession(ctx context.Context, userID string, targetRoles []string) (Session, error) {
	body := map[string]any{}
	if userID != "" {
		body["user_id"] = userID
	}
	if len(targetRoles) > 0 {
		body["target_roles"] = targetRoles
	}
	var resp Session
	err := c.do(ctx, http.MethodPost, c.guildPath("sessions/start"), body, &resp)
	return resp, err
}

// StopSession clocks the authenticated actor out.
func (c *Client) StopSession(ctx context.Context) (StopResult, error) {
	var resp StopResult
	err := c.do(ctx, http.MethodPost, c.guildPath("sessions/stop"), map[string]any{}, &resp)
	return resp, err
}

// ActiveSessions returns the guild's open sessions with live elapsed time.
func (c *Client) ActiveSessions(ctx context.Context) ([]ActiveSession, error) {
	var resp []ActiveSession
	err := c.do(ctx, http.MethodGet, c.guildPath("sessions/active"), nil, &resp)
	return resp, err
}

// Payroll returns the aggregated payroll listing, highest total first.
func (c *Client) Payroll(ctx context.Context) ([]PayrollEntry, error) {
	var resp []PayrollEntry
	err := c.do(ctx, http.MethodGet, c.guildPath("payroll"), nil, &resp)
	return resp, err
}

// History returns a worker's closed session history.
func (c *Client) History(ctx context.Context, userID string) ([]HistoryRow, error) {
	var resp []HistoryRow
	err := c.do(ctx, http.MethodGet, c.guildPath("workers/"+url.PathEscape(userID)+"/history"), nil, &resp)
	return resp, err
}

// WorkerTotal returns a worker's accumulated time.
func (c *Client) WorkerTotal(ctx context.Context, userID string, includeActive bool) (Total, error) {
	endpoint := c.guildPath("workers/" + url.PathEscape(userID) + "/total")
	if includeActive {
		endpoint += "?include_active=true"
	}
	var resp Total
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent audit events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := c.guildPath("events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) guildPath(p string) string {
	guild := url.PathEscape(c.GuildID)
	return fmt.Sprintf("v0/guilds/%s/%s", guild, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
