package tglink

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"
)

type collectSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *collectSink) Emit(_ context.Context, ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *collectSink) snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

func TestDispatcherDeliversInOrder(t *testing.T) {
	sink := &collectSink{}
	d := newEventDispatcher(EventsConfig{Enabled: true, BufferSize: 64, DropIfFull: true}, sink)

	for i := 0; i < 10; i++ {
		d.Emit(context.Background(), Event{Type: EventInvoke, SessionID: string(rune('a' + i))})
	}
	d.Close()

	got := sink.snapshot()
	if len(got) != 10 {
		t.Fatalf("delivered = %d", len(got))
	}
	for i, ev := range got {
		if ev.SessionID != string(rune('a'+i)) {
			t.Fatalf("order broken at %d: %+v", i, ev)
		}
	}
}

func TestDispatcherFansOutToAllSinks(t *testing.T) {
	first := &collectSink{}
	second := &collectSink{}
	d := newEventDispatcher(EventsConfig{Enabled: true, BufferSize: 8, DropIfFull: true}, first, second)

	d.Emit(context.Background(), Event{Type: EventConnect, SessionID: "s1"})
	d.Emit(context.Background(), Event{Type: EventDisconnect, SessionID: "s1"})
	d.Close()

	for _, sink := range []*collectSink{first, second} {
		got := sink.snapshot()
		if len(got) != 2 || got[0].Type != EventConnect || got[1].Type != EventDisconnect {
			t.Fatalf("sink saw %+v", got)
		}
	}
}

func TestDispatcherTypeFilter(t *testing.T) {
	sink := &collectSink{}
	d := newEventDispatcher(EventsConfig{
		Enabled:    true,
		BufferSize: 8,
		DropIfFull: true,
		TypeFilter: []EventType{EventDisconnect, EventError},
	}, sink)

	d.Emit(context.Background(), Event{Type: EventConnect, SessionID: "s1"})
	d.Emit(context.Background(), Event{Type: EventError, SessionID: "s1"})
	d.Emit(context.Background(), Event{Type: EventInvoke, SessionID: "s1"})
	d.Emit(context.Background(), Event{Type: EventDisconnect, SessionID: "s1"})
	d.Close()

	got := sink.snapshot()
	if len(got) != 2 || got[0].Type != EventError || got[1].Type != EventDisconnect {
		t.Fatalf("filtered delivery = %+v", got)
	}
	// Filtered events are intentional, not backpressure.
	if d.Dropped() != 0 {
		t.Fatalf("dropped = %d", d.Dropped())
	}
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	block := make(chan struct{})
	blocker := sinkFunc(func(context.Context, Event) { <-block })

	d := newEventDispatcher(EventsConfig{Enabled: true, BufferSize: 1, DropIfFull: true}, blocker)
	defer func() {
		close(block)
		d.Close()
	}()

	// One in flight with the sink, one in the buffer; everything after drops.
	for i := 0; i < 10; i++ {
		d.Emit(context.Background(), Event{Type: EventInvoke})
	}

	deadline := time.Now().Add(2 * time.Second)
	for d.Dropped() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no drops recorded")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestDispatcherDisabled(t *testing.T) {
	d := newEventDispatcher(EventsConfig{Enabled: false}, &collectSink{})
	if d != nil {
		t.Fatal("disabled events must produce a nil dispatcher")
	}
	// Nil dispatcher methods are no-ops.
	d.Emit(context.Background(), Event{Type: EventInvoke})
	d.Close()
	if d.Dropped() != 0 {
		t.Fatal("nil dispatcher dropped")
	}
}

func TestDispatcherEmitAfterClose(t *testing.T) {
	sink := &collectSink{}
	d := newEventDispatcher(EventsConfig{Enabled: true, BufferSize: 4, DropIfFull: true}, sink)
	d.Close()
	d.Emit(context.Background(), Event{Type: EventInvoke})

	if n := len(sink.snapshot()); n != 0 {
		t.Fatalf("events after close = %d", n)
	}
}

type sinkFunc func(context.Context, Event)

func (f sinkFunc) Emit(ctx context.Context, ev Event) { f(ctx, ev) }

func TestJSONWriterSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewJSONWriterSink(&buf)

	sink.Emit(context.Background(), Event{
		Timestamp: time.Unix(1700000000, 0).UTC(),
		Type:      EventConnect,
		Principal: "op-1",
		SessionID: "s1",
		Status:    "active",
	})
	sink.Emit(context.Background(), Event{Type: EventDisconnect, SessionID: "s1"})

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	if len(lines) != 2 {
		t.Fatalf("lines = %d", len(lines))
	}

	var ev Event
	if err := json.Unmarshal(lines[0], &ev); err != nil {
		t.Fatalf("line 0: %v", err)
	}
	if ev.Type != EventConnect || ev.Principal != "op-1" || ev.Status != "active" {
		t.Fatalf("decoded = %+v", ev)
	}
}

func TestEventJSONOmitsEmpty(t *testing.T) {
	data, err := json.Marshal(Event{Type: EventHeartbeat})
	if err != nil {
		t.Fatal(err)
	}
	for _, field := range []string{"principal", "session_id", "reason", "retry_after", "ip", "metadata"} {
		if bytes.Contains(data, []byte(field)) {
			t.Fatalf("empty %s serialized: %s", field, data)
		}
	}
}
