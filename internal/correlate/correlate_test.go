package correlate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"caseflow/internal/bus"
	"caseflow/internal/db"
	"caseflow/internal/domain"
	"caseflow/internal/event"
	"caseflow/internal/eventlog"
	"caseflow/internal/migrate"
	"caseflow/internal/repo"
)

const token = "EVT-20260301120000-a1b2c3d4e5"

func newResolver(t *testing.T) (Resolver, *[]event.Event) {
	t.Helper()
	ws := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: ws})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	log, err := eventlog.Open(ws)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	b := bus.New(log, bus.Synchronous())
	var published []event.Event
	b.SubscribeAll(func(ev event.Event) error {
		published = append(published, ev)
		return nil
	})
	return Resolver{Repo: repo.Repo{DB: conn}, Bus: b}, &published
}

func seedCase(t *testing.T, r Resolver) string {
	t.Helper()
	ev, err := r.Bus.Publish(event.Event{
		CorrelationID: "CASE-1",
		Kind:          event.TriggerReceived,
		Payload:       event.Payload{"creator": "alice@corp.test"},
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := r.Repo.RecordToken(context.Background(), repo.IndexEntry{
		MessageToken: token, CorrelationID: "CASE-1", EventID: ev.EventID,
	}); err != nil {
		t.Fatalf("record token: %v", err)
	}
	return ev.EventID
}

func rawMail(headers map[string]string, body string) string {
	var sb strings.Builder
	for k, v := range headers {
		fmt.Fprintf(&sb, "%s: %s\r\n", k, v)
	}
	sb.WriteString("\r\n")
	sb.WriteString(body)
	return sb.String()
}

func TestIngestByInReplyTo(t *testing.T) {
	r, published := newResolver(t)
	seedCase(t, r)

	raw := rawMail(map[string]string{
		"Message-ID":  "<reply-1@mail.test>",
		"From":        "Alice <alice@corp.test>",
		"Subject":     "Re: your request",
		"In-Reply-To": "<" + token + "@caseflow>",
	}, "domain: acme.test\n")

	res, err := r.Ingest(context.Background(), strings.NewReader(raw))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.CorrelationID != "CASE-1" || res.Duplicate {
		t.Fatalf("res = %+v", res)
	}
	if res.Fields["domain"] != "acme.test" {
		t.Fatalf("fields = %v", res.Fields)
	}

	last := (*published)[len(*published)-1]
	if last.Kind != event.ReplyReceived {
		t.Fatalf("published kind = %s", last.Kind)
	}
	if last.Payload.String("sender") != "alice@corp.test" {
		t.Fatalf("sender = %q", last.Payload.String("sender"))
	}
	fields, _ := last.Payload[domain.FieldsKey].(map[string]any)
	if fields["domain"] != "acme.test" {
		t.Fatalf("event fields = %v", fields)
	}
}

func TestIngestBySubjectTag(t *testing.T) {
	r, _ := newResolver(t)
	seedCase(t, r)

	raw := rawMail(map[string]string{
		"Message-ID": "<reply-2@mail.test>",
		"From":       "alice@corp.test",
		"Subject":    "Re: [ref:" + token + "] Missing information",
	}, "hq_country: DE\n")

	res, err := r.Ingest(context.Background(), strings.NewReader(raw))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.CorrelationID != "CASE-1" {
		t.Fatalf("res = %+v", res)
	}
}

func TestIngestByBodyReference(t *testing.T) {
	r, _ := newResolver(t)
	seedCase(t, r)

	raw := rawMail(map[string]string{
		"Message-ID": "<reply-3@mail.test>",
		"From":       "alice@corp.test",
		"Subject":    "values you asked for",
	}, "domain: acme.test\n\nReference: "+token+"\n")

	res, err := r.Ingest(context.Background(), strings.NewReader(raw))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.CorrelationID != "CASE-1" {
		t.Fatalf("res = %+v", res)
	}
}

func TestIngestDuplicateDropped(t *testing.T) {
	r, published := newResolver(t)
	seedCase(t, r)

	raw := rawMail(map[string]string{
		"Message-ID":  "<reply-4@mail.test>",
		"From":        "alice@corp.test",
		"Subject":     "Re: [ref:" + token + "] x",
		"In-Reply-To": "<" + token + "@caseflow>",
	}, "domain: acme.test\n")

	if _, err := r.Ingest(context.Background(), strings.NewReader(raw)); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	before := len(*published)

	res, err := r.Ingest(context.Background(), strings.NewReader(raw))
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if !res.Duplicate {
		t.Fatalf("expected duplicate, got %+v", res)
	}
	if len(*published) != before {
		t.Fatal("duplicate ingest must not publish")
	}
}

func TestIngestUnmatched(t *testing.T) {
	r, _ := newResolver(t)

	raw := rawMail(map[string]string{
		"Message-ID": "<reply-5@mail.test>",
		"From":       "bob@corp.test",
		"Subject":    "hello",
	}, "no token here\n")

	_, err := r.Ingest(context.Background(), strings.NewReader(raw))
	if !errors.Is(err, ErrNoCorrelation) {
		t.Fatalf("expected ErrNoCorrelation, got %v", err)
	}
}

func TestTokenCandidatesOrder(t *testing.T) {
	in := Inbound{
		CaseToken:  "EVT-HEADER",
		InReplyTo:  []string{"<EVT-THREAD@caseflow>"},
		Subject:    "[ref:EVT-SUBJECT]",
		Body:       "Reference: EVT-BODY",
		References: []string{"<EVT-THREAD@caseflow>"},
	}
	got := in.TokenCandidates()
	want := []string{"EVT-HEADER", "EVT-THREAD", "EVT-SUBJECT", "EVT-BODY"}
	if len(got) != len(want) {
		t.Fatalf("candidates = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("candidates = %v, want %v", got, want)
		}
	}
}

func TestExtractFields(t *testing.T) {
	body := "Hi,\n\ndomain: acme.test\nEmployee Count: 42\nReference: EVT-X\n> domain: quoted.test\n"
	fields := ExtractFields(body)
	if fields["domain"] != "acme.test" {
		t.Fatalf("fields = %v", fields)
	}
	if fields["employee_count"] != "42" {
		t.Fatalf("fields = %v", fields)
	}
	if _, ok := fields["reference"]; ok {
		t.Fatal("reference line must not become a field")
	}
}

func TestExtractFieldsJSONWins(t *testing.T) {
	body := "here you go\n{\"domain\": \"acme.test\", \"hq_country\": \"DE\"}\nignored: later\n"
	fields := ExtractFields(body)
	if fields["domain"] != "acme.test" || fields["hq_country"] != "DE" {
		t.Fatalf("fields = %v", fields)
	}
	if _, ok := fields["ignored"]; ok {
		t.Fatal("json object should take precedence over key:value lines")
	}
}

func TestNormalizeMessageID(t *testing.T) {
	if got := NormalizeMessageID("  <a@b>  "); got != "<a@b>" {
		t.Fatalf("got %q", got)
	}
	if got := NormalizeMessageID("a@b"); got != "<a@b>" {
		t.Fatalf("got %q", got)
	}
	if got := NormalizeMessageID("  "); got != "" {
		t.Fatalf("got %q", got)
	}
}
