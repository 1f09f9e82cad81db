package bus

import (
	"errors"
	"sync"
	"testing"
	"time"

	"caseflow/internal/event"
	"caseflow/internal/eventlog"
)

func fixedClock() func() time.Time {
	t := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

func newTestBus(t *testing.T, opts ...Option) (*Bus, *eventlog.Log) {
	t.Helper()
	log, err := eventlog.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	opts = append([]Option{Synchronous(), WithClock(fixedClock())}, opts...)
	return New(log, opts...), log
}

func TestPublishAppendsBeforeDelivery(t *testing.T) {
	b, log := newTestBus(t)
	var seenInLog bool
	b.Subscribe(event.TriggerReceived, func(ev event.Event) error {
		events, err := log.Read(ev.CorrelationID)
		if err != nil {
			return err
		}
		for _, rec := range events {
			if rec.EventID == ev.EventID {
				seenInLog = true
			}
		}
		return nil
	})
	if _, err := b.Publish(event.Event{CorrelationID: "CASE-1", Kind: event.TriggerReceived}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if !seenInLog {
		t.Fatal("event was delivered before it was durably appended")
	}
}

func TestRegistrationOrderAndWildcard(t *testing.T) {
	b, _ := newTestBus(t)
	var order []string
	b.Subscribe(event.ReplyReceived, func(event.Event) error {
		order = append(order, "first")
		return nil
	})
	b.Subscribe(event.ReplyReceived, func(event.Event) error {
		order = append(order, "second")
		return nil
	})
	b.SubscribeAll(func(event.Event) error {
		order = append(order, "wildcard")
		return nil
	})
	if _, err := b.Publish(event.Event{CorrelationID: "CASE-1", Kind: event.ReplyReceived}); err != nil {
		t.Fatal(err)
	}
	want := []string{"first", "second", "wildcard"}
	if len(order) != len(want) {
		t.Fatalf("order = %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestHandlerFailureIsIsolated(t *testing.T) {
	b, _ := newTestBus(t)
	var reached bool
	b.Subscribe(event.TriggerReceived, func(event.Event) error {
		return errors.New("boom")
	})
	b.Subscribe(event.TriggerReceived, func(event.Event) error {
		panic("worse")
	})
	b.Subscribe(event.TriggerReceived, func(event.Event) error {
		reached = true
		return nil
	})
	if _, err := b.Publish(event.Event{CorrelationID: "CASE-1", Kind: event.TriggerReceived}); err != nil {
		t.Fatal(err)
	}
	if !reached {
		t.Fatal("failure in one handler blocked delivery to the next")
	}
}

func TestAsyncDelivery(t *testing.T) {
	log, err := eventlog.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	b := New(log, WithClock(fixedClock()))
	done := make(chan string, 1)
	b.Subscribe(event.ReminderSent, func(ev event.Event) error {
		done <- ev.EventID
		return nil
	})
	published, err := b.Publish(event.Event{CorrelationID: "CASE-1", Kind: event.ReminderSent})
	if err != nil {
		t.Fatal(err)
	}
	select {
	case id := <-done:
		if id != published.EventID {
			t.Fatalf("delivered %s, published %s", id, published.EventID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("async delivery never happened")
	}
	b.Wait()
}

func TestPublishAssignsIdentity(t *testing.T) {
	b, _ := newTestBus(t)
	ev, err := b.Publish(event.Event{CorrelationID: "CASE-1", Kind: event.TriggerReceived})
	if err != nil {
		t.Fatal(err)
	}
	if ev.EventID == "" || ev.OccurredAt.IsZero() {
		t.Fatalf("identity not assigned: %+v", ev)
	}
}
