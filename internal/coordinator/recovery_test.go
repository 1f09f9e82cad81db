package coordinator

import (
	"context"
	"testing"
	"time"

	"caseflow/internal/config"
	"caseflow/internal/domain"
	"caseflow/internal/event"
	"caseflow/internal/status"
)

// seedPaused writes a case history directly to the log, as if the
// process died right after recording fields_missing but before any
// reminder mail left.
func seedPaused(t *testing.T, f *fixture, corrID string, at time.Time) event.Event {
	t.Helper()
	trigger := event.Event{
		EventID:       event.NewID(at),
		CorrelationID: corrID,
		Kind:          event.TriggerReceived,
		OccurredAt:    at,
		Payload: event.Payload{
			"creator": "alice@corp.test",
			domain.FieldsKey: map[string]any{
				"company_name": "Acme",
			},
		},
	}
	missing := event.Event{
		EventID:       event.NewID(at.Add(time.Second)),
		CorrelationID: corrID,
		Kind:          event.FieldsMissing,
		OccurredAt:    at.Add(time.Second),
		Payload: event.Payload{
			domain.MissingKey: []any{"domain"},
			domain.CauseKey:   "user",
		},
	}
	if err := f.log.Append(trigger); err != nil {
		t.Fatalf("append trigger: %v", err)
	}
	if err := f.log.Append(missing); err != nil {
		t.Fatalf("append fields_missing: %v", err)
	}
	return missing
}

func TestRecoverReplaysAndRefreshesCache(t *testing.T) {
	f := newFixture(t)
	seedPaused(t, f, "CASE-r1", f.now.Add(-time.Hour))

	rep, err := f.coord.Recover(context.Background())
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if rep.Cases != 1 || rep.Open != 1 {
		t.Fatalf("report = %+v", rep)
	}
	// not stale yet: no reminder
	if rep.Reminders != 0 || len(f.notifier.messages()) != 0 {
		t.Fatalf("premature reminder: %+v", rep)
	}

	cached, err := f.repo.GetCase(context.Background(), "CASE-r1")
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	if cached.Status != status.PendingAdmin {
		t.Fatalf("cached status = %s", cached.Status)
	}
}

func TestRecoverReissuesReminderExactlyOnce(t *testing.T) {
	f := newFixture(t)
	missing := seedPaused(t, f, "CASE-r2", f.now.Add(-72*time.Hour))

	rep, err := f.coord.Recover(context.Background())
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if rep.Stale != 1 || rep.Reminders != 1 {
		t.Fatalf("report = %+v", rep)
	}
	msgs := f.notifier.messages()
	if len(msgs) != 1 || msgs[0].Token != missing.EventID {
		t.Fatalf("messages = %+v", msgs)
	}

	// second pass over the same log: token already indexed, no re-send
	rep, err = f.coord.Recover(context.Background())
	if err != nil {
		t.Fatalf("second recover: %v", err)
	}
	if rep.Reminders != 0 {
		t.Fatalf("reminder re-issued: %+v", rep)
	}
	if len(f.notifier.messages()) != 1 {
		t.Fatal("duplicate reminder mail")
	}
}

func TestRecoverHonorsReminderCadence(t *testing.T) {
	f := newFixture(t)
	// older than the pipeline staleness threshold (24h) but not yet due
	// for another reminder (cadence 48h)
	seedPaused(t, f, "CASE-r5", f.now.Add(-30*time.Hour))

	rep, err := f.coord.Recover(context.Background())
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if rep.Reminders != 0 || len(f.notifier.messages()) != 0 {
		t.Fatalf("reminder issued before cadence elapsed: %+v", rep)
	}

	f.cfg.Reminder.Cadence = config.Duration(24 * time.Hour)
	rep, err = f.coord.Recover(context.Background())
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if rep.Reminders != 1 || len(f.notifier.messages()) != 1 {
		t.Fatalf("reminder not issued after cadence elapsed: %+v", rep)
	}
}

func TestRecoverSkipsTerminalCases(t *testing.T) {
	f := newFixture(t)
	corrID := f.trigger(t, map[string]any{"company_name": "Acme", "domain": "acme.test"})
	f.mustStatus(t, corrID, status.ReportSent)
	sentBefore := len(f.notifier.messages())

	*f.now = f.now.Add(72 * time.Hour)
	rep, err := f.coord.Recover(context.Background())
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if rep.Open != 0 || rep.Stale != 0 {
		t.Fatalf("terminal case counted as open: %+v", rep)
	}
	if len(f.notifier.messages()) != sentBefore {
		t.Fatal("terminal case triggered a side effect")
	}
}

func TestRecoverResumesStalePendingCase(t *testing.T) {
	f := newFixture(t)
	at := f.now.Add(-48 * time.Hour)
	trigger := event.Event{
		EventID:       event.NewID(at),
		CorrelationID: "CASE-r3",
		Kind:          event.TriggerReceived,
		OccurredAt:    at,
		Payload: event.Payload{
			"creator":   "alice@corp.test",
			"recipient": "reports@corp.test",
			domain.FieldsKey: map[string]any{
				"company_name": "Acme",
				"domain":       "acme.test",
			},
		},
	}
	if err := f.log.Append(trigger); err != nil {
		t.Fatalf("append: %v", err)
	}

	rep, err := f.coord.Recover(context.Background())
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if rep.Resumed != 1 {
		t.Fatalf("report = %+v", rep)
	}
	f.mustStatus(t, "CASE-r3", status.ReportSent)
}

func TestRecoveryIsDeterministic(t *testing.T) {
	f := newFixture(t)
	seedPaused(t, f, "CASE-r4", f.now.Add(-time.Hour))

	first, err := f.coord.Get(context.Background(), "CASE-r4")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, err := f.coord.Recover(context.Background()); err != nil {
		t.Fatalf("recover: %v", err)
	}
	second, err := f.coord.Get(context.Background(), "CASE-r4")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if first.Status != second.Status || first.LastEvent() != second.LastEvent() {
		t.Fatalf("replay diverged: %+v vs %+v", first, second)
	}
}
