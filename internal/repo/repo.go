// Package repo persists the sqlite-backed side tables: the correlation
// index, the processed-message set, the case projection cache and API
// keys. Everything here is a cache or an append/lookup structure — the
// durable event log remains the only authoritative state.
package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"caseflow/internal/domain"
	"caseflow/internal/status"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// IndexEntry maps an outbound message token to its originating case.
type IndexEntry struct {
	MessageToken  string `json:"message_token"`
	CorrelationID string `json:"correlation_id"`
	EventID       string `json:"event_id"`
	CreatedAt     string `json:"created_at"`
}

// RecordToken adds a correlation-index entry. Entries are append-only:
// re-recording an existing token is a no-op, never an overwrite.
func (r Repo) RecordToken(ctx context.Context, e IndexEntry) error {
	if e.MessageToken == "" || e.CorrelationID == "" || e.EventID == "" {
		return errors.New("message_token, correlation_id and event_id required")
	}
	if e.CreatedAt == "" {
		e.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	_, err := r.DB.ExecContext(ctx,
		`INSERT OR IGNORE INTO correlation_index(message_token, correlation_id, event_id, created_at) VALUES (?,?,?,?)`,
		e.MessageToken, e.CorrelationID, e.EventID, e.CreatedAt)
	return err
}

// LookupToken resolves a message token to its index entry.
func (r Repo) LookupToken(ctx context.Context, token string) (IndexEntry, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT message_token, correlation_id, event_id, created_at FROM correlation_index WHERE message_token=?`, token)
	var e IndexEntry
	err := row.Scan(&e.MessageToken, &e.CorrelationID, &e.EventID, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return IndexEntry{}, ErrNotFound
	}
	return e, err
}

// HasToken reports whether a token was already issued for an event.
func (r Repo) HasToken(ctx context.Context, token string) (bool, error) {
	_, err := r.LookupToken(ctx, token)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ResetIndex removes all correlation-index entries. This is the explicit
// operator reset; nothing else ever deletes from the index.
func (r Repo) ResetIndex(ctx context.Context) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM correlation_index`)
	return err
}

// IsProcessed reports whether an inbound message id was already handled.
func (r Repo) IsProcessed(ctx context.Context, messageID string) (bool, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT 1 FROM processed_messages WHERE message_id=?`, messageID)
	var one int
	err := row.Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// MarkProcessed records an inbound message id as handled. Returns false
// when the id was already present.
func (r Repo) MarkProcessed(ctx context.Context, messageID string) (bool, error) {
	if messageID == "" {
		return false, errors.New("message id required")
	}
	res, err := r.DB.ExecContext(ctx,
		`INSERT OR IGNORE INTO processed_messages(message_id, processed_at) VALUES (?,?)`,
		messageID, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// UpsertCase refreshes the projection cache row for a case.
func (r Repo) UpsertCase(ctx context.Context, c domain.Case) error {
	payload, err := json.Marshal(c.Payload)
	if err != nil {
		return fmt.Errorf("marshal case payload: %w", err)
	}
	missing, err := json.Marshal(c.MissingFields)
	if err != nil {
		return fmt.Errorf("marshal missing fields: %w", err)
	}
	_, err = r.DB.ExecContext(ctx, `
		INSERT INTO cases(correlation_id, status, payload_json, creator, recipient, missing_json, last_event_id, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT(correlation_id) DO UPDATE SET
			status=excluded.status,
			payload_json=excluded.payload_json,
			creator=excluded.creator,
			recipient=excluded.recipient,
			missing_json=excluded.missing_json,
			last_event_id=excluded.last_event_id,
			updated_at=excluded.updated_at`,
		c.CorrelationID, string(c.Status), string(payload), nullable(c.Creator), nullable(c.Recipient),
		string(missing), nullable(c.LastEvent()),
		c.CreatedAt.UTC().Format(time.RFC3339), c.UpdatedAt.UTC().Format(time.RFC3339))
	return err
}

// CachedCase is the projection cache row. History is not cached; it lives
// in the event log.
type CachedCase struct {
	CorrelationID string         `json:"correlation_id"`
	Status        status.Status  `json:"status"`
	Payload       map[string]any `json:"payload,omitempty"`
	Creator       string         `json:"creator,omitempty"`
	Recipient     string         `json:"recipient,omitempty"`
	MissingFields []string       `json:"missing_fields,omitempty"`
	LastEventID   string         `json:"last_event_id,omitempty"`
	CreatedAt     string         `json:"created_at"`
	UpdatedAt     string         `json:"updated_at"`
}

func scanCase(scan func(dest ...any) error) (CachedCase, error) {
	var c CachedCase
	var st, payload, missing string
	var creator, recipient, lastEvent sql.NullString
	if err := scan(&c.CorrelationID, &st, &payload, &creator, &recipient, &missing, &lastEvent, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return c, err
	}
	c.Status = status.Status(st)
	if payload != "" {
		_ = json.Unmarshal([]byte(payload), &c.Payload)
	}
	if missing != "" {
		_ = json.Unmarshal([]byte(missing), &c.MissingFields)
	}
	c.Creator = creator.String
	c.Recipient = recipient.String
	c.LastEventID = lastEvent.String
	return c, nil
}

const caseColumns = `correlation_id, status, COALESCE(payload_json,''), creator, recipient, COALESCE(missing_json,''), last_event_id, created_at, updated_at`

// GetCase returns the cached projection for a correlation id.
func (r Repo) GetCase(ctx context.Context, correlationID string) (CachedCase, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE correlation_id=?`, correlationID)
	c, err := scanCase(row.Scan)
	if err == sql.ErrNoRows {
		return CachedCase{}, ErrNotFound
	}
	return c, err
}

// ListCases returns cached cases, optionally filtered by status, newest first.
func (r Repo) ListCases(ctx context.Context, st string) ([]CachedCase, error) {
	query := `SELECT ` + caseColumns + ` FROM cases`
	var args []any
	if st != "" {
		query += ` WHERE status=?`
		args = append(args, st)
	}
	query += ` ORDER BY updated_at DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []CachedCase
	for rows.Next() {
		c, err := scanCase(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
