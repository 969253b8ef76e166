package cogito

import (
	"context"
	"sync"
	"testing"
	"time"
)

// recorder collects dispatched events in order.
type recorder struct {
	mu  sync.Mutex
	got []Event
}

func (r *recorder) handler(_ context.Context, ev Event) error {
	r.mu.Lock()
	r.got = append(r.got, ev)
	r.mu.Unlock()
	return nil
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.got))
	copy(out, r.got)
	return out
}

func TestEventBus_DispatchesByPriority(t *testing.T) {
	bus := NewEventBus(WithPollInterval(time.Millisecond))
	rec := &recorder{}
	bus.Subscribe(EventAny, rec.handler)

	// Enqueue before Start so all three contend at once.
	bus.Emit(NewEvent(EventMessageReceived, "a", WithPriority(30)))
	bus.Emit(NewEvent(EventMessageReceived, "b", WithPriority(10)))
	bus.Emit(NewEvent(EventMessageReceived, "c", WithPriority(20)))

	bus.Start(context.Background())
	defer bus.Stop(context.Background())

	waitUntil(t, time.Second, func() bool { return rec.len() == 3 })

	got := rec.snapshot()
	want := []string{"b", "c", "a"}
	for i, ev := range got {
		if ev.Source != want[i] {
			t.Errorf("position %d: got source %q, want %q", i, ev.Source, want[i])
		}
	}
}

func TestEventBus_EqualPriorityIsFIFO(t *testing.T) {
	bus := NewEventBus(WithPollInterval(time.Millisecond))
	rec := &recorder{}
	bus.Subscribe(EventMessageReceived, rec.handler)

	for _, src := range []string{"first", "second", "third"} {
		bus.Emit(NewEvent(EventMessageReceived, src, WithPriority(5)))
	}

	bus.Start(context.Background())
	defer bus.Stop(context.Background())

	waitUntil(t, time.Second, func() bool { return rec.len() == 3 })

	got := rec.snapshot()
	want := []string{"first", "second", "third"}
	for i, ev := range got {
		if ev.Source != want[i] {
			t.Errorf("position %d: got source %q, want %q", i, ev.Source, want[i])
		}
	}
}

func TestEventBus_DefaultPriorityFollowsType(t *testing.T) {
	// Lower numeric event types dispatch first when no override is set.
	bus := NewEventBus(WithPollInterval(time.Millisecond))
	rec := &recorder{}
	bus.Subscribe(EventAny, rec.handler)

	bus.Emit(NewEvent(EventToolCallRequested, "tool"))
	bus.Emit(NewEvent(EventMessageReceived, "msg"))

	bus.Start(context.Background())
	defer bus.Stop(context.Background())

	waitUntil(t, time.Second, func() bool { return rec.len() == 2 })

	got := rec.snapshot()
	if got[0].Source != "msg" || got[1].Source != "tool" {
		t.Errorf("got order [%s %s], want [msg tool]", got[0].Source, got[1].Source)
	}
}

func TestEventBus_HandlerPanicDoesNotKillDispatch(t *testing.T) {
	bus := NewEventBus(WithPollInterval(time.Millisecond))
	rec := &recorder{}
	bus.Subscribe(EventMessageReceived, func(context.Context, Event) error {
		panic("handler exploded")
	})
	bus.Subscribe(EventMessageReceived, rec.handler)

	bus.Start(context.Background())
	defer bus.Stop(context.Background())

	bus.Emit(NewEvent(EventMessageReceived, "one"))
	bus.Emit(NewEvent(EventMessageReceived, "two"))

	waitUntil(t, time.Second, func() bool { return rec.len() == 2 })
}

func TestEventBus_HandlerErrorIsIsolated(t *testing.T) {
	bus := NewEventBus(WithPollInterval(time.Millisecond))
	rec := &recorder{}
	bus.Subscribe(EventMessageReceived, func(context.Context, Event) error {
		return context.DeadlineExceeded
	})
	bus.Subscribe(EventMessageReceived, rec.handler)

	bus.Start(context.Background())
	defer bus.Stop(context.Background())

	bus.Emit(NewEvent(EventMessageReceived, "x"))

	waitUntil(t, time.Second, func() bool { return rec.len() == 1 })
}

func TestEventBus_StopDrainsThenDropsEmits(t *testing.T) {
	bus := NewEventBus(WithPollInterval(time.Millisecond))
	rec := &recorder{}
	bus.Subscribe(EventMessageReceived, rec.handler)

	bus.Start(context.Background())
	bus.Emit(NewEvent(EventMessageReceived, "before"))

	if err := bus.Stop(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.len() != 1 {
		t.Fatalf("got %d events before stop, want 1", rec.len())
	}

	bus.Emit(NewEvent(EventMessageReceived, "after"))
	time.Sleep(20 * time.Millisecond)
	if rec.len() != 1 {
		t.Errorf("event emitted after stop was dispatched")
	}
}

func TestEventBus_StopDispatchesEventsQueuedBeforeStop(t *testing.T) {
	bus := NewEventBus(WithPollInterval(time.Millisecond))
	rec := &recorder{}
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	bus.Subscribe(EventMessageReceived, func(ctx context.Context, ev Event) error {
		once.Do(func() {
			close(entered)
			<-release
		})
		return rec.handler(ctx, ev)
	})

	for _, src := range []string{"a", "b", "c"} {
		bus.Emit(NewEvent(EventMessageReceived, src))
	}
	bus.Start(context.Background())
	<-entered

	// Stop while the first event is still in flight; its sentinel must
	// queue behind the two remaining events, not ahead of them.
	stopped := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		stopped <- bus.Stop(ctx)
	}()
	time.Sleep(10 * time.Millisecond)
	close(release)

	if err := <-stopped; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := rec.snapshot()
	if len(got) != 3 {
		t.Fatalf("dispatched %d events, want 3", len(got))
	}
	for i, src := range []string{"a", "b", "c"} {
		if got[i].Source != src {
			t.Errorf("event %d source = %q, want %q", i, got[i].Source, src)
		}
	}
}

func TestEventBus_Unsubscribe(t *testing.T) {
	bus := NewEventBus(WithPollInterval(time.Millisecond))
	rec := &recorder{}
	token := bus.Subscribe(EventMessageReceived, rec.handler)
	bus.Unsubscribe(EventMessageReceived, token)

	bus.Start(context.Background())
	defer bus.Stop(context.Background())

	bus.Emit(NewEvent(EventMessageReceived, "x"))
	time.Sleep(20 * time.Millisecond)
	if rec.len() != 0 {
		t.Errorf("unsubscribed handler was invoked")
	}
}

func TestEventBus_WaitFor(t *testing.T) {
	bus := NewEventBus(WithPollInterval(time.Millisecond))
	bus.Start(context.Background())
	defer bus.Stop(context.Background())

	parent := NewEvent(EventMessageReceived, "test")
	bus.Emit(parent)
	bus.Emit(NewEvent(EventTaskCreated, "test", WithTaskID("t1"), WithParent(parent.ID)))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := bus.WaitFor(ctx, func(e Event) bool {
		return e.Type == EventTaskCreated && e.ParentEventID == parent.ID
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.TaskID != "t1" {
		t.Errorf("got task %q, want %q", ev.TaskID, "t1")
	}
}

func TestEventBus_WaitForRequiresHistory(t *testing.T) {
	bus := NewEventBus(WithHistory(0))
	if _, err := bus.WaitFor(context.Background(), func(Event) bool { return true }); err == nil {
		t.Fatal("expected error with history disabled")
	}
}

func TestEventBus_HistoryRingIsBounded(t *testing.T) {
	bus := NewEventBus(WithHistory(4), WithPollInterval(time.Millisecond))
	rec := &recorder{}
	bus.Subscribe(EventMessageReceived, rec.handler)
	bus.Start(context.Background())
	defer bus.Stop(context.Background())

	for i := 0; i < 10; i++ {
		bus.Emit(NewEvent(EventMessageReceived, "src"))
	}
	waitUntil(t, time.Second, func() bool { return rec.len() == 10 })

	if got := len(bus.History()); got != 4 {
		t.Errorf("history length = %d, want 4", got)
	}
}
