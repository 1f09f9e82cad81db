// Package correlate matches inbound reply mail to open cases and turns
// each fresh reply into a reply_received event. Resolution prefers the
// X-Case-Token header, then threading headers whose message ids embed
// the token, then the [ref:...] subject marker, and finally a
// Reference: line in the body. Ingestion is idempotent: a message id
// seen before is acknowledged and dropped.
package correlate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/mail"
	"regexp"
	"strings"

	"caseflow/internal/bus"
	"caseflow/internal/domain"
	"caseflow/internal/event"
	"caseflow/internal/logging"
	"caseflow/internal/repo"
)

var (
	subjectRef = regexp.MustCompile(`(?i)\[ref:([A-Z0-9\-_]+)\]`)
	bodyRef    = regexp.MustCompile(`(?i)Reference:\s*([A-Z0-9\-_]+)`)
	msgIDPart  = regexp.MustCompile(`<[^>]+>`)

	fieldLine = regexp.MustCompile(`(?m)^\s*([A-Za-z][A-Za-z0-9_ ]*?)\s*:\s*(.+?)\s*$`)
)

var ErrNoCorrelation = errors.New("reply carries no usable correlation token")

// Inbound is a parsed reply mail.
type Inbound struct {
	MessageID  string
	From       string
	Subject    string
	InReplyTo  []string
	References []string
	CaseToken  string
	Body       string
}

// NormalizeMessageID strips surrounding whitespace and angle brackets
// and re-wraps the id in its canonical <...> form.
func NormalizeMessageID(raw string) string {
	token := strings.TrimSpace(raw)
	token = strings.Trim(token, "<>")
	if token == "" {
		return ""
	}
	return "<" + token + ">"
}

func messageIDs(raw string) []string {
	var out []string
	for _, m := range msgIDPart.FindAllString(raw, -1) {
		if id := NormalizeMessageID(m); id != "" {
			out = append(out, id)
		}
	}
	if out == nil {
		if id := NormalizeMessageID(raw); id != "" {
			out = append(out, id)
		}
	}
	return out
}

// Parse reads an RFC 5322 message into an Inbound.
func Parse(r io.Reader) (Inbound, error) {
	msg, err := mail.ReadMessage(r)
	if err != nil {
		return Inbound{}, fmt.Errorf("parse mail: %w", err)
	}
	body, err := io.ReadAll(msg.Body)
	if err != nil {
		return Inbound{}, fmt.Errorf("read body: %w", err)
	}
	in := Inbound{
		MessageID: NormalizeMessageID(msg.Header.Get("Message-ID")),
		From:      msg.Header.Get("From"),
		Subject:   msg.Header.Get("Subject"),
		CaseToken: strings.TrimSpace(msg.Header.Get("X-Case-Token")),
		Body:      string(body),
	}
	if v := msg.Header.Get("In-Reply-To"); v != "" {
		in.InReplyTo = messageIDs(v)
	}
	if v := msg.Header.Get("References"); v != "" {
		in.References = messageIDs(v)
	}
	if addr, err := mail.ParseAddress(in.From); err == nil {
		in.From = addr.Address
	}
	return in, nil
}

// TokenCandidates lists correlation token candidates in resolution order.
func (in Inbound) TokenCandidates() []string {
	var out []string
	seen := map[string]bool{}
	add := func(tok string) {
		tok = strings.TrimSpace(tok)
		if tok == "" || seen[tok] {
			return
		}
		seen[tok] = true
		out = append(out, tok)
	}
	add(in.CaseToken)
	// outbound message ids are <token@domain>, so the local part of any
	// threading header is a candidate
	for _, id := range append(append([]string(nil), in.InReplyTo...), in.References...) {
		local := strings.Trim(id, "<>")
		if at := strings.IndexByte(local, '@'); at > 0 {
			local = local[:at]
		}
		add(local)
	}
	if m := subjectRef.FindStringSubmatch(in.Subject); m != nil {
		add(m[1])
	}
	if m := bodyRef.FindStringSubmatch(in.Body); m != nil {
		add(m[1])
	}
	return out
}

// ExtractFields pulls field values from a reply body. A JSON object
// anywhere in the body wins; otherwise key: value lines are collected
// with keys lowercased and spaces folded to underscores. Quoted-reply
// lines and the Reference: line are skipped.
func ExtractFields(body string) map[string]string {
	out := map[string]string{}
	if start := strings.IndexByte(body, '{'); start >= 0 {
		if end := strings.LastIndexByte(body, '}'); end > start {
			var obj map[string]any
			if err := json.Unmarshal([]byte(body[start:end+1]), &obj); err == nil {
				for k, v := range obj {
					if s, ok := v.(string); ok {
						out[normalizeKey(k)] = s
					}
				}
				if len(out) > 0 {
					return out
				}
			}
		}
	}
	for _, m := range fieldLine.FindAllStringSubmatch(body, -1) {
		key := normalizeKey(m[1])
		if key == "" || key == "reference" {
			continue
		}
		if strings.HasPrefix(strings.TrimSpace(m[0]), ">") {
			continue
		}
		if _, dup := out[key]; dup {
			continue
		}
		out[key] = m[2]
	}
	return out
}

func normalizeKey(k string) string {
	k = strings.ToLower(strings.TrimSpace(k))
	return strings.ReplaceAll(k, " ", "_")
}

// IngestResult reports what happened to an inbound message.
type IngestResult struct {
	CorrelationID string
	EventID       string
	Duplicate     bool
	Fields        map[string]string
}

// Resolver ties inbound mail to the correlation index and the bus.
type Resolver struct {
	Repo repo.Repo
	Bus  *bus.Bus
}

// Ingest processes one raw inbound message. Duplicates are reported,
// not errored; a message that resolves to no indexed token returns
// ErrNoCorrelation.
func (r Resolver) Ingest(ctx context.Context, raw io.Reader) (IngestResult, error) {
	in, err := Parse(raw)
	if err != nil {
		return IngestResult{}, err
	}
	return r.IngestParsed(ctx, in)
}

// IngestParsed runs resolution and publication for an already parsed
// message.
func (r Resolver) IngestParsed(ctx context.Context, in Inbound) (IngestResult, error) {
	log := logging.New("correlate")

	if in.MessageID != "" {
		done, err := r.Repo.IsProcessed(ctx, in.MessageID)
		if err != nil {
			return IngestResult{}, err
		}
		if done {
			log.Info("duplicate reply ignored", "message_id", in.MessageID)
			return IngestResult{Duplicate: true}, nil
		}
	}

	var entry repo.IndexEntry
	found := false
	for _, tok := range in.TokenCandidates() {
		e, err := r.Repo.LookupToken(ctx, tok)
		if errors.Is(err, repo.ErrNotFound) {
			continue
		}
		if err != nil {
			return IngestResult{}, err
		}
		entry, found = e, true
		break
	}
	if !found {
		log.Warn("unmatched reply", "message_id", in.MessageID, "subject", in.Subject)
		return IngestResult{}, ErrNoCorrelation
	}

	fields := ExtractFields(in.Body)
	payload := event.Payload{
		"token":  entry.MessageToken,
		"sender": in.From,
	}
	if in.MessageID != "" {
		payload["reply_message_id"] = in.MessageID
	}
	if len(fields) > 0 {
		m := make(map[string]any, len(fields))
		for k, v := range fields {
			m[k] = v
		}
		payload[domain.FieldsKey] = m
	}

	ev, err := r.Bus.Publish(event.Event{
		CorrelationID: entry.CorrelationID,
		Kind:          event.ReplyReceived,
		Payload:       payload,
	})
	if err != nil {
		return IngestResult{}, fmt.Errorf("publish reply: %w", err)
	}

	if in.MessageID != "" {
		// marked only after the event is durably appended, so a crash
		// in between re-processes rather than drops the reply
		if _, err := r.Repo.MarkProcessed(ctx, in.MessageID); err != nil {
			return IngestResult{}, err
		}
	}

	log.Info("reply correlated",
		"correlation_id", entry.CorrelationID, "token", entry.MessageToken,
		"fields", len(fields))
	return IngestResult{
		CorrelationID: entry.CorrelationID,
		EventID:       ev.EventID,
		Fields:        fields,
	}, nil
}
