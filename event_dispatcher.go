package tglink

import (
	"context"
	"sync"
	"sync/atomic"
)

// eventDispatcher decouples sink delivery from the request path. Events are
// queued onto a buffered channel and fanned out to every configured sink by a
// single goroutine, in order, after an optional type filter. Close drains the
// queue before returning.
type eventDispatcher struct {
	sinks      []Sink
	allowed    map[EventType]struct{} // nil admits every type
	dropIfFull bool

	ch        chan Event
	done      chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
}

func newEventDispatcher(cfg EventsConfig, sinks ...Sink) *eventDispatcher {
	if !cfg.Enabled {
		return nil
	}

	live := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			live = append(live, s)
		}
	}
	if len(live) == 0 {
		live = append(live, NoOpSink{})
	}

	var allowed map[EventType]struct{}
	if len(cfg.TypeFilter) > 0 {
		allowed = make(map[EventType]struct{}, len(cfg.TypeFilter))
		for _, t := range cfg.TypeFilter {
			allowed[t] = struct{}{}
		}
	}

	buffer := cfg.BufferSize
	if buffer <= 0 {
		buffer = 1
	}

	d := &eventDispatcher{
		sinks:      live,
		allowed:    allowed,
		dropIfFull: cfg.DropIfFull,
		ch:         make(chan Event, buffer),
		done:       make(chan struct{}),
	}

	d.wg.Add(1)
	go d.run()

	return d
}

func (d *eventDispatcher) run() {
	defer d.wg.Done()

	for {
		select {
		case event := <-d.ch:
			d.deliver(event)
		case <-d.done:
			d.drain()
			return
		}
	}
}

// drain empties whatever is still buffered at close time.
func (d *eventDispatcher) drain() {
	for {
		select {
		case event := <-d.ch:
			d.deliver(event)
		default:
			return
		}
	}
}

func (d *eventDispatcher) deliver(event Event) {
	if d.allowed != nil {
		if _, ok := d.allowed[event.Type]; !ok {
			return
		}
	}
	for _, sink := range d.sinks {
		sink.Emit(context.Background(), event)
	}
}

func (d *eventDispatcher) Emit(ctx context.Context, event Event) {
	if d == nil || d.closed.Load() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if d.dropIfFull {
		select {
		case d.ch <- event:
		case <-d.done:
		default:
			d.dropped.Add(1)
		}
		return
	}

	select {
	case d.ch <- event:
	case <-ctx.Done():
	case <-d.done:
	}
}

func (d *eventDispatcher) Close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.done)
		d.wg.Wait()
	})
}

func (d *eventDispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}
