// Package bus provides the in-process publish/subscribe mechanism that
// decouples event producers from consumers. Every published event is
// appended to the durable log before delivery, so no event is ever
// silently dropped.
package bus

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"caseflow/internal/event"
	"caseflow/internal/eventlog"
)

// Handler consumes one event. Errors are logged and isolated: a failing
// handler never prevents delivery to the remaining handlers.
type Handler func(ev event.Event) error

// Bus fan-outs events to subscribers registered per kind or for all kinds.
type Bus struct {
	log    *eventlog.Log
	logger *slog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	byKind   map[event.Kind][]Handler
	wildcard []Handler

	// sync forces inline delivery. Used in tests and in contexts without a
	// concurrent execution environment; at-least-once semantics hold either way.
	sync bool
	wg   sync.WaitGroup
}

// Option configures a Bus.
type Option func(*Bus)

// Synchronous makes Publish run handlers inline before returning.
func Synchronous() Option {
	return func(b *Bus) { b.sync = true }
}

// WithClock injects a deterministic clock.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) { b.now = now }
}

// New builds a bus backed by the durable log.
func New(log *eventlog.Log, opts ...Option) *Bus {
	b := &Bus{
		log:    log,
		logger: slog.Default().With(slog.String("component", "bus")),
		now:    time.Now,
		byKind: make(map[event.Kind][]Handler),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a handler for one event kind. Handlers run in
// registration order.
func (b *Bus) Subscribe(kind event.Kind, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.byKind[kind] = append(b.byKind[kind], h)
}

// SubscribeAll registers a wildcard handler invoked for every event.
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.wildcard = append(b.wildcard, h)
}

// Publish assigns identity to the event when absent, durably appends it,
// and schedules delivery. It returns once the event is accepted for
// delivery; it does not wait for handler completion unless the bus is
// synchronous. An append failure is returned to the caller and nothing is
// delivered: the log is authoritative and must never lag behind delivery.
func (b *Bus) Publish(ev event.Event) (event.Event, error) {
	if ev.EventID == "" {
		ev.EventID = event.NewID(b.now())
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = b.now().UTC()
	}
	if err := b.log.Append(ev); err != nil {
		b.logger.Error("event append failed",
			slog.String("event_id", ev.EventID),
			slog.String("kind", string(ev.Kind)),
			slog.String("error", err.Error()))
		return ev, fmt.Errorf("publish %s: %w", ev.Kind, err)
	}
	b.logger.Info("event published",
		slog.String("event_id", ev.EventID),
		slog.String("correlation_id", ev.CorrelationID),
		slog.String("kind", string(ev.Kind)))

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.byKind[ev.Kind])+len(b.wildcard))
	handlers = append(handlers, b.byKind[ev.Kind]...)
	handlers = append(handlers, b.wildcard...)
	b.mu.RUnlock()

	if b.sync {
		for _, h := range handlers {
			b.deliver(h, ev)
		}
		return ev, nil
	}
	b.wg.Add(1)
	go func(handlers []Handler, ev event.Event) {
		defer b.wg.Done()
		for _, h := range handlers {
			b.deliver(h, ev)
		}
	}(handlers, ev)
	return ev, nil
}

func (b *Bus) deliver(h Handler, ev event.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("handler panic",
				slog.String("event_id", ev.EventID),
				slog.String("kind", string(ev.Kind)),
				slog.Any("panic", r))
		}
	}()
	if err := h(ev); err != nil {
		b.logger.Error("handler failed",
			slog.String("event_id", ev.EventID),
			slog.String("kind", string(ev.Kind)),
			slog.String("error", err.Error()))
	}
}

// Wait blocks until all in-flight asynchronous deliveries finish.
func (b *Bus) Wait() { b.wg.Wait() }
