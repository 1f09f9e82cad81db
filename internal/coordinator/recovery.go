package coordinator

import (
	"context"
	"errors"
	"time"

	"caseflow/internal/domain"
	"caseflow/internal/event"
	"caseflow/internal/status"
)

// RecoveryReport summarizes one recovery pass.
type RecoveryReport struct {
	Cases     int `json:"cases"`
	Open      int `json:"open"`
	Stale     int `json:"stale"`
	Reminders int `json:"reminders"`
	Resumed   int `json:"resumed"`
}

// Recover replays every case from the durable log, refreshes the sqlite
// cache, and re-issues the pending side effect for overdue open cases:
// paused cases past the reminder cadence get their reminder re-issued,
// pending cases past the staleness threshold get their research re-run.
// Replay is pure projection, so running recovery twice over the same
// log yields identical cases; the correlation index guards reminder
// re-issue so a stale case is mailed at most once per pause.
func (c *Coordinator) Recover(ctx context.Context) (RecoveryReport, error) {
	ids, err := c.Log.Correlations()
	if err != nil {
		return RecoveryReport{}, err
	}
	var rep RecoveryReport
	now := c.clock()
	for _, id := range ids {
		events, err := c.Log.Read(id)
		if err != nil {
			c.logger.Warn("recovery: unreadable case", "correlation_id", id, "error", err)
			continue
		}
		cs, rejections := domain.Project(events)
		rep.Cases++
		if len(rejections) > 0 {
			c.logger.Info("recovery: replay skipped invalid events",
				"correlation_id", id, "rejected", len(rejections))
		}
		if err := c.Repo.UpsertCase(ctx, cs); err != nil {
			c.logger.Warn("recovery: cache refresh failed", "correlation_id", id, "error", err)
		}
		if cs.Status.IsTerminal() {
			continue
		}
		rep.Open++
		age := now.Sub(cs.UpdatedAt)

		switch cs.Status {
		case status.PendingAdmin, status.NeedsAdminFix:
			// paused cases follow the reminder cadence, not the
			// pipeline staleness threshold
			if !overdue(age, c.Cfg.Reminder.Cadence.Std()) {
				continue
			}
			rep.Stale++
			issued, err := c.recoverReminder(ctx, cs, events)
			if err != nil {
				c.logger.Error("recovery: reminder failed", "correlation_id", id, "error", err)
				continue
			}
			if issued {
				rep.Reminders++
			}
		case status.Pending:
			if !overdue(age, c.Cfg.Recovery.Staleness.Std()) {
				continue
			}
			rep.Stale++
			// the case died mid-pipeline; run the research again
			if err := c.research(ctx, cs); err != nil {
				c.logger.Error("recovery: resume failed", "correlation_id", id, "error", err)
				continue
			}
			rep.Resumed++
		}
	}
	c.logger.Info("recovery complete",
		"cases", rep.Cases, "open", rep.Open, "stale", rep.Stale,
		"reminders", rep.Reminders, "resumed", rep.Resumed)
	return rep, nil
}

func overdue(age, threshold time.Duration) bool {
	return threshold > 0 && age >= threshold
}

// recoverReminder re-issues the reminder for the last fields_missing
// event unless its token is already in the correlation index, which
// means the mail left before the crash.
func (c *Coordinator) recoverReminder(ctx context.Context, cs domain.Case, events []event.Event) (bool, error) {
	var missing *event.Event
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Kind == event.FieldsMissing {
			missing = &events[i]
			break
		}
	}
	if missing == nil {
		return false, errors.New("paused case has no fields_missing event")
	}
	already, err := c.Repo.HasToken(ctx, missing.EventID)
	if err != nil {
		return false, err
	}
	if already {
		return false, nil
	}
	if c.Cfg.Reminder.MaxCount > 0 && cs.ReminderCount >= c.Cfg.Reminder.MaxCount {
		return false, nil
	}
	if err := c.sendReminder(ctx, cs, *missing, cs.ReminderCount+1); err != nil {
		return false, err
	}
	return true, nil
}
