package server

import (
	"time"

	"caseflow/internal/domain"
	"caseflow/internal/event"
)

// CaseDTO is the API shape of a projected case.
type CaseDTO struct {
	CorrelationID string         `json:"correlation_id"`
	Status        string         `json:"status"`
	Payload       map[string]any `json:"payload,omitempty"`
	Creator       string         `json:"creator,omitempty"`
	Recipient     string         `json:"recipient,omitempty"`
	MissingFields []string       `json:"missing_fields,omitempty"`
	ReminderCount int            `json:"reminder_count,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	LastEventID   string         `json:"last_event_id,omitempty"`
}

func caseDTO(c domain.Case) CaseDTO {
	return CaseDTO{
		CorrelationID: c.CorrelationID,
		Status:        string(c.Status),
		Payload:       c.Payload,
		Creator:       c.Creator,
		Recipient:     c.Recipient,
		MissingFields: c.MissingFields,
		ReminderCount: c.ReminderCount,
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
		LastEventID:   c.LastEvent(),
	}
}

// EventDTO is the API shape of one recorded event.
type EventDTO struct {
	EventID       string         `json:"event_id"`
	CorrelationID string         `json:"correlation_id"`
	Kind          string         `json:"kind"`
	Payload       map[string]any `json:"payload,omitempty"`
	OccurredAt    time.Time      `json:"occurred_at"`
}

func eventDTO(ev event.Event) EventDTO {
	return EventDTO{
		EventID:       ev.EventID,
		CorrelationID: ev.CorrelationID,
		Kind:          string(ev.Kind),
		Payload:       ev.Payload,
		OccurredAt:    ev.OccurredAt,
	}
}

func eventDTOs(events []event.Event) []EventDTO {
	out := make([]EventDTO, len(events))
	for i, ev := range events {
		out[i] = eventDTO(ev)
	}
	return out
}

// TriggerRequest starts a research case.
type TriggerRequest struct {
	CorrelationID string         `json:"correlation_id,omitempty" doc:"Optional externally assigned case id"`
	Creator       string         `json:"creator" doc:"Address of whoever raised the request"`
	Recipient     string         `json:"recipient,omitempty" doc:"Where the finished report goes; defaults to creator"`
	Payload       map[string]any `json:"payload,omitempty" doc:"Known company fields, e.g. company_name, domain"`
}

// TriggerResponse reports the created case.
type TriggerResponse struct {
	CorrelationID string `json:"correlation_id"`
	EventID       string `json:"event_id"`
	Status        string `json:"status"`
}

// ReplyResponse reports what happened to an ingested reply mail.
type ReplyResponse struct {
	CorrelationID string            `json:"correlation_id,omitempty"`
	EventID       string            `json:"event_id,omitempty"`
	Duplicate     bool              `json:"duplicate"`
	Fields        map[string]string `json:"fields,omitempty"`
}

// StatusResponse is the minimal status lookup result.
type StatusResponse struct {
	CorrelationID string `json:"correlation_id"`
	Status        string `json:"status"`
	Terminal      bool   `json:"terminal"`
}
