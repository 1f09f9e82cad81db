// Package event defines the immutable event records appended to the
// durable log, and the identifier scheme used to order them.
package event

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind names a fact that happened to a case.
type Kind string

const (
	TriggerReceived Kind = "trigger_received"
	FetchCompleted  Kind = "fetch_completed"
	FetchFailed     Kind = "fetch_failed"
	FieldsMissing   Kind = "fields_missing"
	ReminderSent    Kind = "reminder_sent"
	ReplyReceived   Kind = "reply_received"
	AdminFixed      Kind = "admin_fixed"
	CRMUpserted     Kind = "crm_upserted"
	ReportSent      Kind = "report_sent"
	ReportNotSent   Kind = "report_not_sent"
	NotRelevant     Kind = "not_relevant"
	Aborted         Kind = "aborted"
)

// Payload carries the open-ended domain fields of an event.
type Payload map[string]any

// Event is an immutable fact. Events are append-only; the durable log is
// the sole authoritative state and cases are projections over it.
type Event struct {
	EventID       string    `json:"event_id"`
	CorrelationID string    `json:"correlation_id"`
	Kind          Kind      `json:"kind"`
	Payload       Payload   `json:"payload,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// String returns a value from the payload, or "" when absent or not a string.
func (p Payload) String(key string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return ""
}

// Strings returns a string-slice payload value, tolerating []any from JSON.
func (p Payload) Strings(key string) []string {
	switch v := p[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

const idPrefix = "EVT"

// NewID generates an event identifier of the form
// EVT-<UTC timestamp>-<short random suffix>. The timestamp prefix keeps ids
// monotonically orderable at second resolution and easy to scan in logs and
// e-mail subjects; the suffix disambiguates ids minted in the same second.
func NewID(now time.Time) string {
	ts := now.UTC().Format("20060102150405")
	raw := uuid.New()
	short := base64.RawURLEncoding.EncodeToString(raw[:])
	if len(short) > 10 {
		short = short[:10]
	}
	return fmt.Sprintf("%s-%s-%s", idPrefix, ts, short)
}

// NewCorrelationID mints an opaque stable case identifier.
func NewCorrelationID() string {
	return "CASE-" + uuid.New().String()
}
