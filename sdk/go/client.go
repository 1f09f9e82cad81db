package caseflowsdk

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

// Client is a minimal Caseflow HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Case represents the API case model.
type Case struct {
	CorrelationID string         `json:"correlation_id"`
	Status        string         `json:"status"`
	Payload       map[string]any `json:"payload,omitempty"`
	Creator       string         `json:"creator,omitempty"`
	Recipient     string         `json:"recipient,omitempty"`
	MissingFields []string       `json:"missing_fields,omitempty"`
	ReminderCount int            `json:"reminder_count,omitempty"`
	CreatedAt     string         `json:"created_at"`
	UpdatedAt     string         `json:"updated_at"`
	LastEventID   string         `json:"last_event_id,omitempty"`
}

// Event represents one recorded case event.
type Event struct {
	EventID       string         `json:"event_id"`
	CorrelationID string         `json:"correlation_id"`
	Kind          string         `json:"kind"`
	Payload       map[string]any `json:"payload,omitempty"`
	OccurredAt    string         `json:"occurred_at"`
}

// TriggerResult reports a created case.
type TriggerResult struct {
	CorrelationID string `json:"correlation_id"`
	EventID       string `json:"event_id"`
	Status        string `json:"status"`
}

// ReplyResult reports what happened to an ingested reply mail.
type ReplyResult struct {
	CorrelationID string            `json:"correlation_id,omitempty"`
	EventID       string            `json:"event_id,omitempty"`
	Duplicate     bool              `json:"duplicate"`
	Fields        map[string]string `json:"fields,omitempty"`
}

// CaseStatus is the minimal status probe result.
type CaseStatus struct {
	CorrelationID string `json:"correlation_id"`
	Status        string `json:"status"`
	Terminal      bool   `json:"terminal"`
}

// RecoveryReport summarizes a recovery run.
type RecoveryReport struct {
	Cases     int `json:"cases"`
	Open      int `json:"open"`
	Stale     int `json:"stale"`
	Reminders int `json:"reminders"`
	Resumed   int `json:"resumed"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Trigger opens a research case.
func (c *Client) Trigger(ctx context.Context, creator, recipient string, payload map[string]any) (TriggerResult, error) {
	body := map[string]any{
		"creator":   creator,
		"recipient": recipient,
		"payload":   payload,
	}
	var resp TriggerResult
	err := c.do(ctx, http.MethodPost, "v0/triggers", body, &resp)
	return resp, err
}

// IngestReply submits a raw RFC 5322 mail for correlation.
func (c *Client) IngestReply(ctx context.Context, raw []byte) (ReplyResult, error) {
	var resp ReplyResult
	err := c.doRaw(ctx, http.MethodPost, "v0/replies", raw, "message/rfc822", &resp)
	return resp, err
}

// ListCases returns cached cases, optionally filtered by status.
func (c *Client) ListCases(ctx context.Context, status string) ([]Case, error) {
	endpoint := "v0/cases"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp []Case
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// GetCase projects a case from its recorded history.
func (c *Client) GetCase(ctx context.Context, correlationID string) (Case, error) {
	var resp Case
	err := c.do(ctx, http.MethodGet, c.casePath(correlationID, ""), nil, &resp)
	return resp, err
}

// Status probes the current case status.
func (c *Client) Status(ctx context.Context, correlationID string) (CaseStatus, error) {
	var resp CaseStatus
	err := c.do(ctx, http.MethodGet, c.casePath(correlationID, "status"), nil, &resp)
	return resp, err
}

// Events returns the full recorded history of a case.
func (c *Client) Events(ctx context.Context, correlationID string) ([]Event, error) {
	var resp []Event
	err := c.do(ctx, http.MethodGet, c.casePath(correlationID, "events"), nil, &resp)
	return resp, err
}

// Abort aborts an open case.
func (c *Client) Abort(ctx context.Context, correlationID, reason string) (CaseStatus, error) {
	var resp CaseStatus
	err := c.do(ctx, http.MethodPost, c.casePath(correlationID, "abort"), map[string]any{"reason": reason}, &resp)
	return resp, err
}

// Fix applies operator-corrected fields to a paused case.
func (c *Client) Fix(ctx context.Context, correlationID string, fields map[string]any) (CaseStatus, error) {
	var resp CaseStatus
	err := c.do(ctx, http.MethodPost, c.casePath(correlationID, "fix"), map[string]any{"fields": fields}, &resp)
	return resp, err
}

// Recover replays the event log and resumes stale cases.
func (c *Client) Recover(ctx context.Context) (RecoveryReport, error) {
	var resp RecoveryReport
	err := c.do(ctx, http.MethodPost, "v0/recover", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	return c.doRaw(ctx, method, endpoint, buf.Bytes(), "application/json", out)
}

func (c *Client) doRaw(ctx context.Context, method, endpoint string, body []byte, contentType string, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
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

func (c *Client) casePath(correlationID, sub string) string {
	p := "v0/cases/" + url.PathEscape(correlationID)
	if sub != "" {
		p += "/" + sub
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
