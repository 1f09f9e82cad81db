// Package coordinator drives cases through their lifecycle. It
// subscribes to every bus event, rebuilds the affected case from the
// durable log, and runs the side effect the accepted event calls for.
// State changes only ever happen by publishing further events; a failed
// side effect never rolls back what the log already recorded.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"caseflow/internal/bus"
	"caseflow/internal/config"
	"caseflow/internal/crm"
	"caseflow/internal/domain"
	"caseflow/internal/event"
	"caseflow/internal/eventlog"
	"caseflow/internal/logging"
	"caseflow/internal/notify"
	"caseflow/internal/repo"
	"caseflow/internal/retry"
	"caseflow/internal/source"
	"caseflow/internal/status"
)

// SourceCompany is the registry name company research sources register
// under.
const SourceCompany = "company"

var ErrUnknownCase = errors.New("unknown case")

// Coordinator wires the bus, log, registry and collaborators together.
type Coordinator struct {
	Bus      *bus.Bus
	Log      *eventlog.Log
	Repo     repo.Repo
	Registry *source.Registry
	Notifier notify.Notifier
	Builder  notify.Builder
	Upserter *crm.Upserter
	Cfg      *config.Config

	caller *retry.Caller
	clock  func() time.Time
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option adjusts coordinator construction.
type Option func(*Coordinator)

// WithClock injects a deterministic clock.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.clock = now }
}

// New builds a coordinator and subscribes it to the bus.
func New(b *bus.Bus, log *eventlog.Log, r repo.Repo, reg *source.Registry,
	n notify.Notifier, builder notify.Builder, up *crm.Upserter,
	cfg *config.Config, opts ...Option) *Coordinator {
	if cfg == nil {
		cfg = config.Default()
	}
	c := &Coordinator{
		Bus:      b,
		Log:      log,
		Repo:     r,
		Registry: reg,
		Notifier: n,
		Builder:  builder,
		Upserter: up,
		Cfg:      cfg,
		caller: retry.New(retry.Policy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay.Std(),
			MaxDelay:    cfg.Retry.MaxDelay.Std(),
		}),
		clock:  time.Now,
		logger: logging.New("coordinator"),
		locks:  map[string]*sync.Mutex{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.Notifier == nil {
		c.Notifier = notify.LogNotifier{}
	}
	b.SubscribeAll(c.handle)
	return c
}

func (c *Coordinator) lock(correlationID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.locks[correlationID]
	if !ok {
		m = &sync.Mutex{}
		c.locks[correlationID] = m
	}
	return m
}

// project rebuilds the case under the per-case lock and refreshes the
// sqlite cache. It reports whether ev was accepted into the history.
func (c *Coordinator) project(ctx context.Context, ev event.Event) (domain.Case, bool, error) {
	m := c.lock(ev.CorrelationID)
	m.Lock()
	defer m.Unlock()

	events, err := c.Log.Read(ev.CorrelationID)
	if err != nil {
		return domain.Case{}, false, err
	}
	cs, rejections := domain.Project(events)
	for _, rej := range rejections {
		if rej.EventID == ev.EventID {
			c.logger.Info("event rejected",
				"correlation_id", ev.CorrelationID, "event_id", ev.EventID,
				"kind", string(ev.Kind), "reason", rej.Reason)
			return cs, false, nil
		}
	}
	if err := c.Repo.UpsertCase(ctx, cs); err != nil {
		c.logger.Warn("case cache refresh failed",
			"correlation_id", ev.CorrelationID, "error", err)
	}
	return cs, true, nil
}

// handle is the wildcard bus subscriber. Side effects run outside the
// per-case lock because they publish follow-up events that re-enter
// handle on the same goroutine in synchronous mode.
func (c *Coordinator) handle(ev event.Event) error {
	ctx := context.Background()
	cs, accepted, err := c.project(ctx, ev)
	if err != nil {
		return err
	}
	if !accepted {
		return nil
	}

	switch ev.Kind {
	case event.TriggerReceived:
		return c.onTrigger(ctx, cs)
	case event.ReplyReceived, event.AdminFixed:
		return c.research(ctx, cs)
	case event.FieldsMissing:
		return c.onFieldsMissing(ctx, cs, ev)
	case event.FetchCompleted:
		return c.onFetchCompleted(ctx, cs, ev)
	case event.CRMUpserted:
		return c.onCRMUpserted(ctx, cs, ev)
	}
	return nil
}

func (c *Coordinator) onTrigger(ctx context.Context, cs domain.Case) error {
	if reason := c.irrelevant(cs); reason != "" {
		c.logger.Info("trigger not relevant",
			"correlation_id", cs.CorrelationID, "reason", reason)
		_, err := c.Bus.Publish(event.Event{
			CorrelationID: cs.CorrelationID,
			Kind:          event.NotRelevant,
			Payload:       event.Payload{"reason": reason},
		})
		return err
	}
	return c.research(ctx, cs)
}

// irrelevant returns a non-empty reason when the trigger should not be
// researched at all.
func (c *Coordinator) irrelevant(cs domain.Case) string {
	name, _ := cs.Payload["company_name"].(string)
	dom, _ := cs.Payload["domain"].(string)
	if name == "" && dom == "" {
		return "trigger carries no company identity"
	}
	lower := strings.ToLower(name)
	for _, term := range c.Cfg.Triage.IrrelevantTerms {
		if term != "" && strings.Contains(lower, strings.ToLower(term)) {
			return fmt.Sprintf("company name matches irrelevant term %q", term)
		}
	}
	return ""
}

// research runs the fetch/normalize pipeline and publishes the outcome.
func (c *Coordinator) research(ctx context.Context, cs domain.Case) error {
	src, err := c.Registry.Resolve(SourceCompany)
	if err != nil {
		return c.failFetch(cs, err)
	}
	q := source.Query{CorrelationID: cs.CorrelationID, Fields: cs.Payload}

	raw, err := retry.Do(ctx, c.caller, "fetch/"+src.Name(), func(ctx context.Context) (source.Raw, error) {
		return src.Fetch(ctx, q)
	})
	if err != nil {
		return c.failFetch(cs, err)
	}
	payload, err := src.Normalize(q, raw)
	if err != nil {
		var verr *source.ValidationError
		if errors.As(err, &verr) {
			_, perr := c.Bus.Publish(event.Event{
				CorrelationID: cs.CorrelationID,
				Kind:          event.FieldsMissing,
				Payload: event.Payload{
					domain.MissingKey: toAny(verr.MissingFields),
					domain.CauseKey:   c.classifyCause(cs, verr.Cause),
				},
			})
			return perr
		}
		return c.failFetch(cs, err)
	}

	_, err = c.Bus.Publish(event.Event{
		CorrelationID: cs.CorrelationID,
		Kind:          event.FetchCompleted,
		Payload: event.Payload{
			domain.FieldsKey: map[string]any(payload),
			"source":         src.Name(),
		},
	})
	return err
}

// classifyCause promotes a user-cause validation failure to operator
// when the creator's mail domain is listed in triage.operator_domains:
// such triggers come from back-office tooling, and the admin inbox owns
// the fix rather than the requester.
func (c *Coordinator) classifyCause(cs domain.Case, cause string) string {
	if cause == source.CauseOperator {
		return cause
	}
	addr := strings.ToLower(strings.TrimSpace(cs.Creator))
	i := strings.LastIndexByte(addr, '@')
	if i < 0 {
		return cause
	}
	creatorDomain := addr[i+1:]
	for _, d := range c.Cfg.Triage.OperatorDomains {
		if strings.EqualFold(strings.TrimSpace(d), creatorDomain) {
			return source.CauseOperator
		}
	}
	return cause
}

func (c *Coordinator) failFetch(cs domain.Case, cause error) error {
	c.logger.Warn("research failed",
		"correlation_id", cs.CorrelationID, "error", cause)
	_, err := c.Bus.Publish(event.Event{
		CorrelationID: cs.CorrelationID,
		Kind:          event.FetchFailed,
		Payload:       event.Payload{"error": cause.Error()},
	})
	return err
}

// onFieldsMissing mails the party that can supply the answer. The
// correlation token is the fields_missing event id, recorded in the
// index before the mail leaves so a reply can always be matched even if
// the process dies right after sending.
func (c *Coordinator) onFieldsMissing(ctx context.Context, cs domain.Case, ev event.Event) error {
	sent := cs.ReminderCount
	if c.Cfg.Reminder.MaxCount > 0 && sent >= c.Cfg.Reminder.MaxCount {
		if ev.Payload.String(domain.CauseKey) == source.CauseOperator {
			// needs_admin_fix only leaves via an operator fix or an
			// abort; stop mailing but keep the case paused
			c.logger.Warn("escalation budget exhausted, awaiting operator",
				"correlation_id", cs.CorrelationID, "sent", sent)
			return nil
		}
		c.logger.Warn("reminder budget exhausted",
			"correlation_id", cs.CorrelationID, "sent", sent)
		_, err := c.Bus.Publish(event.Event{
			CorrelationID: cs.CorrelationID,
			Kind:          event.ReportNotSent,
			Payload:       event.Payload{"reason": "reminder budget exhausted"},
		})
		return err
	}
	return c.sendReminder(ctx, cs, ev, sent+1)
}

// sendReminder records the token then delivers the mail. Re-invoking
// with the same originating event is a no-op once the token exists and
// a reminder_sent event follows it in the history.
func (c *Coordinator) sendReminder(ctx context.Context, cs domain.Case, ev event.Event, attempt int) error {
	token := ev.EventID
	if err := c.Repo.RecordToken(ctx, repo.IndexEntry{
		MessageToken:  token,
		CorrelationID: cs.CorrelationID,
		EventID:       ev.EventID,
	}); err != nil {
		return fmt.Errorf("record token: %w", err)
	}

	company, _ := cs.Payload["company_name"].(string)
	missing := ev.Payload.Strings(domain.MissingKey)

	var msg notify.Message
	if ev.Payload.String(domain.CauseKey) == source.CauseOperator {
		to := c.Cfg.Mail.AdminInbox
		if to == "" {
			to = cs.Creator
		}
		msg = c.Builder.AdminEscalation(token, to, company, missing)
	} else {
		msg = c.Builder.Reminder(token, cs.Creator, company, missing, attempt)
	}

	_, err := retry.Do(ctx, c.caller, "notify/reminder", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.Notifier.Send(ctx, msg)
	})
	if err != nil {
		c.logger.Error("reminder delivery failed",
			"correlation_id", cs.CorrelationID, "token", token, "error", err)
		return err
	}

	_, err = c.Bus.Publish(event.Event{
		CorrelationID: cs.CorrelationID,
		Kind:          event.ReminderSent,
		Payload:       event.Payload{"token": token, "to": msg.To},
	})
	return err
}

func (c *Coordinator) onFetchCompleted(ctx context.Context, cs domain.Case, ev event.Event) error {
	payload := event.Payload{}
	if c.Upserter.Configured() {
		fields := stringFields(cs.Payload)
		res, err := retry.Do(ctx, c.caller, "crm/upsert", func(ctx context.Context) (crm.UpsertResult, error) {
			return c.Upserter.Upsert(ctx, fields)
		})
		if err != nil {
			c.logger.Error("crm upsert failed",
				"correlation_id", cs.CorrelationID, "error", err)
			_, perr := c.Bus.Publish(event.Event{
				CorrelationID: cs.CorrelationID,
				Kind:          event.ReportNotSent,
				Payload:       event.Payload{"reason": "crm upsert failed: " + err.Error()},
			})
			return perr
		}
		payload["company_id"] = res.CompanyID
		payload["created"] = res.Created
	} else {
		payload["skipped"] = true
	}
	_, err := c.Bus.Publish(event.Event{
		CorrelationID: cs.CorrelationID,
		Kind:          event.CRMUpserted,
		Payload:       payload,
	})
	return err
}

// onCRMUpserted delivers the final report to the case recipient.
func (c *Coordinator) onCRMUpserted(ctx context.Context, cs domain.Case, ev event.Event) error {
	token := ev.EventID
	if err := c.Repo.RecordToken(ctx, repo.IndexEntry{
		MessageToken:  token,
		CorrelationID: cs.CorrelationID,
		EventID:       ev.EventID,
	}); err != nil {
		return fmt.Errorf("record token: %w", err)
	}

	to := cs.Recipient
	if to == "" {
		to = cs.Creator
	}
	company, _ := cs.Payload["company_name"].(string)
	msg := c.Builder.Report(token, to, company, stringFields(cs.Payload))

	_, err := retry.Do(ctx, c.caller, "notify/report", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.Notifier.Send(ctx, msg)
	})
	kind := event.ReportSent
	payload := event.Payload{"token": token, "to": to}
	if err != nil {
		c.logger.Error("report delivery failed",
			"correlation_id", cs.CorrelationID, "error", err)
		kind = event.ReportNotSent
		payload["reason"] = err.Error()
	}
	_, perr := c.Bus.Publish(event.Event{
		CorrelationID: cs.CorrelationID,
		Kind:          kind,
		Payload:       payload,
	})
	return perr
}

// Trigger opens a new case, minting a correlation id when the input
// does not carry one. A trigger against an existing case is recorded
// but rejected on replay.
func (c *Coordinator) Trigger(ctx context.Context, in domain.TriggerInput) (string, string, error) {
	corrID := in.CorrelationID
	if corrID == "" {
		corrID = event.NewCorrelationID()
	}
	payload := event.Payload{
		"creator":   in.Creator,
		"recipient": in.Recipient,
	}
	if len(in.Payload) > 0 {
		payload[domain.FieldsKey] = in.Payload
	}
	ev, err := c.Bus.Publish(event.Event{
		CorrelationID: corrID,
		Kind:          event.TriggerReceived,
		Payload:       payload,
	})
	if err != nil {
		return "", "", err
	}
	return corrID, ev.EventID, nil
}

// Abort terminates a case on operator request.
func (c *Coordinator) Abort(ctx context.Context, correlationID, reason string) error {
	if !c.Log.Exists(correlationID) {
		return ErrUnknownCase
	}
	_, err := c.Bus.Publish(event.Event{
		CorrelationID: correlationID,
		Kind:          event.Aborted,
		Payload:       event.Payload{"reason": reason},
	})
	return err
}

// Fix records an operator correction and resumes a paused case.
func (c *Coordinator) Fix(ctx context.Context, correlationID string, fields map[string]any) error {
	cs, err := c.Get(ctx, correlationID)
	if err != nil {
		return err
	}
	if cs.Status != status.NeedsAdminFix {
		return fmt.Errorf("case %s is %s, not %s", correlationID, cs.Status, status.NeedsAdminFix)
	}
	payload := event.Payload{}
	if len(fields) > 0 {
		payload[domain.FieldsKey] = fields
	}
	_, err = c.Bus.Publish(event.Event{
		CorrelationID: correlationID,
		Kind:          event.AdminFixed,
		Payload:       payload,
	})
	return err
}

// Get projects the current case from the log.
func (c *Coordinator) Get(ctx context.Context, correlationID string) (domain.Case, error) {
	events, err := c.Log.Read(correlationID)
	if err != nil {
		if errors.Is(err, eventlog.ErrUnknownCase) {
			return domain.Case{}, ErrUnknownCase
		}
		return domain.Case{}, err
	}
	cs, _ := domain.Project(events)
	return cs, nil
}

// Status reports the current status of a case.
func (c *Coordinator) Status(ctx context.Context, correlationID string) (status.Status, error) {
	cs, err := c.Get(ctx, correlationID)
	if err != nil {
		return "", err
	}
	return cs.Status, nil
}

// Events returns the full recorded history of a case.
func (c *Coordinator) Events(ctx context.Context, correlationID string) ([]event.Event, error) {
	events, err := c.Log.Read(correlationID)
	if errors.Is(err, eventlog.ErrUnknownCase) {
		return nil, ErrUnknownCase
	}
	return events, err
}

func stringFields(payload map[string]any) map[string]string {
	out := make(map[string]string, len(payload))
	for k, v := range payload {
		if s, ok := v.(string); ok {
			out[k] = s
		} else {
			out[k] = fmt.Sprint(v)
		}
	}
	return out
}

func toAny(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
