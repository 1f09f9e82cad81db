package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"caseflow/internal/db"
	"caseflow/internal/domain"
	"caseflow/internal/migrate"
	"caseflow/internal/status"
)

func newRepo(t *testing.T) Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return Repo{DB: conn}
}

func TestCorrelationIndexAppendOnly(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()

	entry := IndexEntry{MessageToken: "EVT-20260101T000000Z-abc123def4", CorrelationID: "CASE-1", EventID: "EVT-20260101T000000Z-abc123def4"}
	if err := r.RecordToken(ctx, entry); err != nil {
		t.Fatalf("record: %v", err)
	}
	// re-record with a different case must not overwrite
	dup := entry
	dup.CorrelationID = "CASE-2"
	if err := r.RecordToken(ctx, dup); err != nil {
		t.Fatalf("re-record: %v", err)
	}
	got, err := r.LookupToken(ctx, entry.MessageToken)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.CorrelationID != "CASE-1" {
		t.Fatalf("index entry overwritten: got %q", got.CorrelationID)
	}

	if _, err := r.LookupToken(ctx, "EVT-missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	ok, err := r.HasToken(ctx, entry.MessageToken)
	if err != nil || !ok {
		t.Fatalf("HasToken = %v, %v", ok, err)
	}

	if err := r.ResetIndex(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if ok, _ := r.HasToken(ctx, entry.MessageToken); ok {
		t.Fatal("index not empty after reset")
	}
}

func TestProcessedMessages(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()

	if ok, _ := r.IsProcessed(ctx, "<m1@mail.test>"); ok {
		t.Fatal("unseen message reported processed")
	}
	first, err := r.MarkProcessed(ctx, "<m1@mail.test>")
	if err != nil {
		t.Fatalf("mark: %v", err)
	}
	if !first {
		t.Fatal("first mark should report fresh")
	}
	second, err := r.MarkProcessed(ctx, "<m1@mail.test>")
	if err != nil {
		t.Fatalf("mark again: %v", err)
	}
	if second {
		t.Fatal("second mark should report duplicate")
	}
	if ok, _ := r.IsProcessed(ctx, "<m1@mail.test>"); !ok {
		t.Fatal("message not recorded as processed")
	}
}

func TestCaseCacheUpsertAndList(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	c := domain.Case{
		CorrelationID: "CASE-1",
		Status:        status.Pending,
		Payload:       map[string]any{"company_name": "Acme"},
		Creator:       "ops@corp.test",
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := r.UpsertCase(ctx, c); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	c.Status = status.PendingAdmin
	c.MissingFields = []string{"domain"}
	c.UpdatedAt = now.Add(time.Minute)
	if err := r.UpsertCase(ctx, c); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	got, err := r.GetCase(ctx, "CASE-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != status.PendingAdmin {
		t.Fatalf("status = %s", got.Status)
	}
	if len(got.MissingFields) != 1 || got.MissingFields[0] != "domain" {
		t.Fatalf("missing fields = %v", got.MissingFields)
	}
	if got.Payload["company_name"] != "Acme" {
		t.Fatalf("payload = %v", got.Payload)
	}

	other := domain.Case{CorrelationID: "CASE-2", Status: status.ReportSent, CreatedAt: now, UpdatedAt: now}
	if err := r.UpsertCase(ctx, other); err != nil {
		t.Fatalf("upsert other: %v", err)
	}

	all, err := r.ListCases(ctx, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("list size = %d", len(all))
	}
	filtered, err := r.ListCases(ctx, string(status.ReportSent))
	if err != nil {
		t.Fatalf("list filtered: %v", err)
	}
	if len(filtered) != 1 || filtered[0].CorrelationID != "CASE-2" {
		t.Fatalf("filtered = %+v", filtered)
	}

	if _, err := r.GetCase(ctx, "CASE-404"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAPIKeys(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()

	key := domain.APIKey{ID: "k1", ActorID: "alice", Name: "ci", Role: domain.RoleReader, KeyHash: HashAPIKey("secret")}
	if err := r.InsertAPIKey(ctx, nil, key); err != nil {
		t.Fatalf("insert: %v", err)
	}
	got, err := r.GetAPIKeyByHash(ctx, HashAPIKey(" secret \n"))
	if err != nil {
		t.Fatalf("get by hash: %v", err)
	}
	if got.ActorID != "alice" || got.Role != domain.RoleReader {
		t.Fatalf("got %+v", got)
	}

	noRole := domain.APIKey{ID: "k2", ActorID: "bob", KeyHash: HashAPIKey("other")}
	if err := r.InsertAPIKey(ctx, nil, noRole); err != nil {
		t.Fatalf("insert default role: %v", err)
	}
	got2, err := r.GetAPIKeyByHash(ctx, HashAPIKey("other"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got2.Role != domain.RoleOperator {
		t.Fatalf("default role = %s", got2.Role)
	}

	keys, err := r.ListAPIKeys(ctx, "alice")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 1 || keys[0].ID != "k1" {
		t.Fatalf("list = %+v", keys)
	}

	if err := r.DeleteAPIKey(ctx, "k1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := r.GetAPIKeyByHash(ctx, HashAPIKey("secret")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}
