package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"caseflow/internal/bus"
	"caseflow/internal/config"
	"caseflow/internal/event"
	"caseflow/internal/logging"
)

const defaultWebhookTimeout = 5 * time.Second

type webhookDispatcher struct {
	webhooks []config.WebhookConfig
	client   *http.Client
}

// StartWebhookDispatcher subscribes configured webhooks to the bus.
// Delivery is best effort: a failed POST is logged, never retried into
// the case lifecycle.
func StartWebhookDispatcher(b *bus.Bus, hooks []config.WebhookConfig) {
	if len(hooks) == 0 {
		return
	}
	d := &webhookDispatcher{
		webhooks: hooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
	}
	b.SubscribeAll(d.dispatch)
}

func (d *webhookDispatcher) dispatch(ev event.Event) error {
	log := logging.New("webhooks")
	for _, hook := range d.webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		if !newEventFilter(hook.Events).match(string(ev.Kind)) {
			continue
		}
		if err := d.post(context.Background(), hook, ev); err != nil {
			log.Warn("webhook delivery failed", "url", hook.URL, "error", err)
		}
	}
	return nil
}

type webhookEvent struct {
	EventID       string         `json:"event_id"`
	CorrelationID string         `json:"correlation_id"`
	Kind          string         `json:"kind"`
	OccurredAt    string         `json:"occurred_at"`
	Payload       map[string]any `json:"payload,omitempty"`
}

func (d *webhookDispatcher) post(ctx context.Context, hook config.WebhookConfig, ev event.Event) error {
	data, err := json.Marshal(webhookEvent{
		EventID:       ev.EventID,
		CorrelationID: ev.CorrelationID,
		Kind:          string(ev.Kind),
		OccurredAt:    ev.OccurredAt.UTC().Format(time.RFC3339),
		Payload:       ev.Payload,
	})
	if err != nil {
		return err
	}
	client := d.client
	if hook.TimeoutSeconds > 0 {
		timeout := time.Duration(hook.TimeoutSeconds) * time.Second
		if timeout != d.client.Timeout {
			client = &http.Client{Timeout: timeout}
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Caseflow-Event", string(ev.Kind))
	req.Header.Set("X-Caseflow-Delivery", ev.EventID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Caseflow-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
