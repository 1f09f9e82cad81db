// Package domain holds the case model and the pure projection that
// rebuilds a case from its event history.
package domain

import (
	"time"

	"caseflow/internal/event"
	"caseflow/internal/status"
)

// Case is one end-to-end research workflow instance. It is a projection
// over the durable log and may always be rebuilt by replaying events for a
// correlation id in append order.
type Case struct {
	CorrelationID string         `json:"correlation_id"`
	Status        status.Status  `json:"status"`
	Payload       map[string]any `json:"payload,omitempty"`
	Creator       string         `json:"creator,omitempty"`
	Recipient     string         `json:"recipient,omitempty"`
	MissingFields []string       `json:"missing_fields,omitempty"`
	// ReminderCount is the number of reminder mails recorded so far.
	ReminderCount int       `json:"reminder_count,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	// History lists event ids of accepted events, in applied order.
	History []string `json:"history"`
}

// TriggerInput is the inbound trigger shape. CorrelationID is assigned by
// the coordinator when absent.
type TriggerInput struct {
	CorrelationID string         `json:"correlation_id,omitempty"`
	Creator       string         `json:"creator"`
	Recipient     string         `json:"recipient"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// Rejection explains why an event was not applied to a case.
type Rejection struct {
	EventID string
	Reason  string
}

// causeOperator marks a fields_missing event whose root cause is
// operator-correctable (bad configuration or data) rather than a missing
// end-user answer.
const causeOperator = "operator"

// FieldsKey is the payload key under which domain fields travel in events.
const FieldsKey = "fields"

// MissingKey is the payload key listing missing mandatory fields.
const MissingKey = "missing"

// CauseKey distinguishes user- from operator-correctable missing fields.
const CauseKey = "cause"

// Project replays events into a Case. It is a pure function: the same
// event sequence always yields the same case and the same rejections, which
// is what makes crash recovery a deterministic replay.
func Project(events []event.Event) (Case, []Rejection) {
	var c Case
	var rejected []Rejection
	seen := make(map[string]bool, len(events))
	for _, ev := range events {
		if seen[ev.EventID] {
			rejected = append(rejected, Rejection{EventID: ev.EventID, Reason: "duplicate event id"})
			continue
		}
		if reason := apply(&c, ev); reason != "" {
			rejected = append(rejected, Rejection{EventID: ev.EventID, Reason: reason})
			continue
		}
		seen[ev.EventID] = true
	}
	return c, rejected
}

// Target returns the status an event kind drives a case toward, given the
// case's current status and the event payload.
func Target(current status.Status, ev event.Event) status.Status {
	switch ev.Kind {
	case event.TriggerReceived:
		return status.Initial
	case event.FieldsMissing:
		if ev.Payload.String(CauseKey) == causeOperator {
			return status.NeedsAdminFix
		}
		return status.PendingAdmin
	case event.ReplyReceived, event.AdminFixed:
		return status.Pending
	case event.FetchCompleted, event.CRMUpserted, event.ReminderSent:
		return current
	case event.FetchFailed, event.ReportNotSent:
		return status.ReportNotSent
	case event.ReportSent:
		return status.ReportSent
	case event.NotRelevant:
		return status.NotRelevant
	case event.Aborted:
		return status.Aborted
	}
	return current
}

func apply(c *Case, ev event.Event) (rejectReason string) {
	if c.CorrelationID == "" {
		if ev.Kind != event.TriggerReceived {
			return "first event must be trigger_received"
		}
		c.CorrelationID = ev.CorrelationID
		c.Status = status.Initial
		c.Creator = ev.Payload.String("creator")
		c.Recipient = ev.Payload.String("recipient")
		c.Payload = map[string]any{}
		mergeFields(c, ev)
		c.CreatedAt = ev.OccurredAt
		c.UpdatedAt = ev.OccurredAt
		c.History = append(c.History, ev.EventID)
		return ""
	}
	if ev.CorrelationID != c.CorrelationID {
		return "correlation id mismatch"
	}
	if c.Status.IsTerminal() {
		return "case is terminal"
	}
	switch ev.Kind {
	case event.TriggerReceived:
		return "case already exists"
	case event.ReplyReceived:
		if c.Status != status.PendingAdmin {
			return "reply outside pending_admin"
		}
	case event.AdminFixed:
		if c.Status != status.NeedsAdminFix {
			return "fix outside needs_admin_fix"
		}
	}
	next := Target(c.Status, ev)
	if !status.CanTransition(c.Status, next) {
		return "invalid transition " + string(c.Status) + " -> " + string(next)
	}
	c.Status = next
	mergeFields(c, ev)
	switch ev.Kind {
	case event.FieldsMissing:
		c.MissingFields = ev.Payload.Strings(MissingKey)
	case event.FetchCompleted:
		c.MissingFields = nil
	case event.ReminderSent:
		c.ReminderCount++
	}
	c.UpdatedAt = ev.OccurredAt
	c.History = append(c.History, ev.EventID)
	return ""
}

func mergeFields(c *Case, ev event.Event) {
	fields, ok := ev.Payload[FieldsKey].(map[string]any)
	if !ok {
		return
	}
	if c.Payload == nil {
		c.Payload = map[string]any{}
	}
	for k, v := range fields {
		c.Payload[k] = v
	}
}

// LastEvent returns the id of the most recently applied event, or "".
func (c Case) LastEvent() string {
	if len(c.History) == 0 {
		return ""
	}
	return c.History[len(c.History)-1]
}
