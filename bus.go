package cogito

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"
)

// Handler processes one dispatched event. A returned error is logged by the
// bus and swallowed; it never reaches other handlers or the dispatch loop.
type Handler func(ctx context.Context, ev Event) error

// defaultHistoryCap bounds the dispatch history ring. History is what lets
// callers (and tests) observe causality, e.g. Agent.Submit watching for the
// TASK_CREATED that answers its MESSAGE_RECEIVED.
const defaultHistoryCap = 256

// defaultPollInterval bounds how long the consumer loop sleeps on an empty
// queue, so Stop is prompt even when the bus is idle.
const defaultPollInterval = 25 * time.Millisecond

// busStopSource marks the internal sentinel event that terminates the
// consumer loop.
const busStopSource = "bus.stop"

// queuedEvent pairs an event with its insertion sequence number so equal
// priorities dispatch FIFO.
type queuedEvent struct {
	ev  Event
	seq uint64
}

// eventHeap is a min-heap on (effective priority, insertion sequence).
type eventHeap []queuedEvent

func (h eventHeap) Len() int { return len(h) }
func (h eventHeap) Less(i, j int) bool {
	pi, pj := h[i].ev.EffectivePriority(), h[j].ev.EffectivePriority()
	if pi != pj {
		return pi < pj
	}
	return h[i].seq < h[j].seq
}
func (h eventHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *eventHeap) Push(x any)        { *h = append(*h, x.(queuedEvent)) }
func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

type subscription struct {
	id int
	fn Handler
}

// EventBus is a priority dispatcher with a single consumer loop. Producers
// may emit from any goroutine; exactly one goroutine pops events, so all
// handler invocations for successive events are serialized. Handlers for the
// same event run concurrently and are awaited before the next pop.
type EventBus struct {
	mu       sync.Mutex
	queue    eventHeap
	seq      uint64
	handlers map[EventType][]subscription
	nextSub  int
	started  bool
	stopped  bool
	wake     chan struct{}
	done     chan struct{}

	history    []Event
	historyCap int

	pollInterval time.Duration
	logger       *slog.Logger
}

// BusOption configures an EventBus.
type BusOption func(*EventBus)

// WithBusLogger sets the structured logger for dispatch errors and drops.
func WithBusLogger(l *slog.Logger) BusOption {
	return func(b *EventBus) { b.logger = l }
}

// WithHistory sets the dispatch history capacity. Zero disables history
// (Agent.Submit requires it enabled).
func WithHistory(n int) BusOption {
	return func(b *EventBus) { b.historyCap = n }
}

// WithPollInterval sets the idle-queue poll interval of the consumer loop.
func WithPollInterval(d time.Duration) BusOption {
	return func(b *EventBus) { b.pollInterval = d }
}

// NewEventBus creates a stopped bus; call Start to launch the consumer loop.
func NewEventBus(opts ...BusOption) *EventBus {
	b := &EventBus{
		handlers:     make(map[EventType][]subscription),
		wake:         make(chan struct{}, 1),
		historyCap:   defaultHistoryCap,
		pollInterval: defaultPollInterval,
		logger:       nopLogger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a handler for events of type t (or every event when
// t is EventAny) and returns a token for Unsubscribe.
func (b *EventBus) Subscribe(t EventType, fn Handler) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSub++
	b.handlers[t] = append(b.handlers[t], subscription{id: b.nextSub, fn: fn})
	return b.nextSub
}

// Unsubscribe removes the handler registered under token for type t.
func (b *EventBus) Unsubscribe(t EventType, token int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.handlers[t]
	for i, s := range subs {
		if s.id == token {
			b.handlers[t] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Emit enqueues an event and returns immediately; there is no backpressure.
// Emits on a stopped bus are dropped silently (debug-logged).
func (b *EventBus) Emit(ev Event) {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		b.logger.Debug("bus: emit after stop dropped", "type", ev.Type.String(), "id", ev.ID)
		return
	}
	b.seq++
	heap.Push(&b.queue, queuedEvent{ev: ev, seq: b.seq})
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Start launches the consumer loop. Calling Start on a running bus is a no-op.
func (b *EventBus) Start(ctx context.Context) {
	b.mu.Lock()
	if b.started && !b.stopped {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.stopped = false
	b.done = make(chan struct{})
	b.mu.Unlock()
	go b.consume(ctx)
}

// Stop signals shutdown with a sentinel event and waits for the consumer
// loop to exit or ctx to expire. The sentinel sorts after every queued
// event, so everything already emitted (terminal task events included) is
// dispatched before the loop exits; only events emitted after Stop returns
// are dropped.
func (b *EventBus) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.started || b.stopped {
		b.mu.Unlock()
		return nil
	}
	done := b.done
	b.mu.Unlock()

	b.Emit(NewEvent(EventShutdown, busStopSource, WithPriority(math.MaxInt)))

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	b.mu.Lock()
	b.stopped = true
	b.mu.Unlock()
	return nil
}

// consume is the single consumer loop: pop the head, dispatch, repeat.
func (b *EventBus) consume(ctx context.Context) {
	defer close(b.done)
	for {
		b.mu.Lock()
		if b.queue.Len() == 0 {
			b.mu.Unlock()
			select {
			case <-b.wake:
			case <-time.After(b.pollInterval):
			case <-ctx.Done():
				return
			}
			continue
		}
		qe := heap.Pop(&b.queue).(queuedEvent)
		b.mu.Unlock()

		if qe.ev.Type == EventShutdown && qe.ev.Source == busStopSource {
			return
		}
		b.dispatch(ctx, qe.ev)
	}
}

// dispatch invokes the specific and wildcard handlers for ev concurrently
// and waits for all of them. Handler errors and panics are logged and
// isolated; nothing a handler does can kill the loop.
func (b *EventBus) dispatch(ctx context.Context, ev Event) {
	b.mu.Lock()
	subs := make([]subscription, 0, len(b.handlers[ev.Type])+len(b.handlers[EventAny]))
	subs = append(subs, b.handlers[ev.Type]...)
	subs = append(subs, b.handlers[EventAny]...)
	if b.historyCap > 0 {
		b.history = append(b.history, ev)
		if len(b.history) > b.historyCap {
			b.history = b.history[len(b.history)-b.historyCap:]
		}
	}
	b.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range subs {
		wg.Add(1)
		go func(fn Handler) {
			defer wg.Done()
			defer func() {
				if p := recover(); p != nil {
					b.logger.Error("bus: handler panic",
						"type", ev.Type.String(), "event", ev.ID, "panic", fmt.Sprint(p))
				}
			}()
			if err := fn(ctx, ev); err != nil {
				b.logger.Warn("bus: handler error",
					"type", ev.Type.String(), "event", ev.ID, "error", err)
			}
		}(s.fn)
	}
	wg.Wait()
}

// History returns a snapshot of the dispatched-event ring, oldest first.
func (b *EventBus) History() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, len(b.history))
	copy(out, b.history)
	return out
}

// WaitFor polls the dispatch history until an event satisfies pred or ctx
// expires. It requires history to be enabled.
func (b *EventBus) WaitFor(ctx context.Context, pred func(Event) bool) (Event, error) {
	if b.historyCap <= 0 {
		return Event{}, fmt.Errorf("bus: WaitFor requires history retention")
	}
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		b.mu.Lock()
		for i := len(b.history) - 1; i >= 0; i-- {
			if pred(b.history[i]) {
				ev := b.history[i]
				b.mu.Unlock()
				return ev, nil
			}
		}
		b.mu.Unlock()
		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-ticker.C:
		}
	}
}
