// Package eventbus provides an in-process publish/subscribe fabric for
// audit events, with non-blocking fan-out via a background consumer and a
// synchronous variant for callers that must wait on every handler.
package eventbus

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/sibyllai/khoregos/internal/model"
)

// Handler receives one published audit event. A handler that panics is
// recovered and logged; it never brings down the bus.
type Handler func(model.AuditEvent)

const wildcard = "*"

// Bus is the engine's in-process event fabric. One Bus is shared by every
// component in a Runtime.
type Bus struct {
	log zerolog.Logger

	mu       sync.RWMutex
	handlers map[string][]Handler

	queue   chan model.AuditEvent
	done    chan struct{}
	wg      sync.WaitGroup
	started bool
}

// New creates a Bus with the given queue depth. A depth of 0 or less is
// replaced by 256.
func New(queueDepth int, log zerolog.Logger) *Bus {
	if queueDepth <= 0 {
		queueDepth = 256
	}
	return &Bus{
		log:      log,
		handlers: make(map[string][]Handler),
		queue:    make(chan model.AuditEvent, queueDepth),
		done:     make(chan struct{}),
	}
}

// Subscribe registers handler for eventType, or for every event type when
// eventType is "*".
func (b *Bus) Subscribe(eventType model.EventType, handler Handler) {
	key := string(eventType)
	if key == "" {
		key = wildcard
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[key] = append(b.handlers[key], handler)
}

// SubscribeAll registers handler for every event type.
func (b *Bus) SubscribeAll(handler Handler) {
	b.Subscribe(model.EventType(wildcard), handler)
}

// Start launches the background dispatch goroutine. Start is idempotent.
func (b *Bus) Start() {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.mu.Unlock()

	b.wg.Add(1)
	go b.loop()
}

func (b *Bus) loop() {
	defer b.wg.Done()
	for {
		select {
		case evt := <-b.queue:
			b.dispatch(evt)
		case <-b.done:
			// drain whatever is already queued before exiting
			for {
				select {
				case evt := <-b.queue:
					b.dispatch(evt)
				default:
					return
				}
			}
		}
	}
}

// Publish enqueues event for asynchronous dispatch and returns immediately.
// If the queue is full the event is dropped and logged — the bus is a
// fan-out convenience, not the durable record (AuditLogger is).
func (b *Bus) Publish(event model.AuditEvent) {
	select {
	case b.queue <- event:
	default:
		b.log.Warn().Str("event_type", string(event.EventType)).Msg("event bus queue full, dropping event")
	}
}

// PublishSync dispatches event to every matching handler synchronously,
// returning only once all of them have run.
func (b *Bus) PublishSync(event model.AuditEvent) {
	b.dispatch(event)
}

// PendingCount returns the current queue depth.
func (b *Bus) PendingCount() int {
	return len(b.queue)
}

func (b *Bus) dispatch(event model.AuditEvent) {
	b.mu.RLock()
	matched := append([]Handler{}, b.handlers[string(event.EventType)]...)
	matched = append(matched, b.handlers[wildcard]...)
	b.mu.RUnlock()

	for _, h := range matched {
		b.invoke(h, event)
	}
}

func (b *Bus) invoke(h Handler, event model.AuditEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Warn().Interface("panic", r).Str("event_type", string(event.EventType)).Msg("event bus handler panicked")
		}
	}()
	h(event)
}

// Stop drains the queue and halts the dispatch goroutine.
func (b *Bus) Stop() {
	b.mu.Lock()
	started := b.started
	b.mu.Unlock()
	if !started {
		return
	}
	close(b.done)
	b.wg.Wait()
}
