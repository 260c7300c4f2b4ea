package event

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Sink consumes events. Emit must not block for long.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {}) //nolint:gochecknoglobals // stateless sink

// Dispatcher fans events out to a set of sinks from a single goroutine so
// emitters never wait on slow outputs. When the buffer is full new events
// are dropped and counted.
type Dispatcher struct {
	ch      chan Event
	done    chan struct{}
	logger  *slog.Logger
	sinks   []Sink
	dropped atomic.Int64
	mu      sync.RWMutex
	closed  bool
}

// NewDispatcher starts a dispatcher with the given buffer size.
func NewDispatcher(buffer int, logger *slog.Logger, sinks ...Sink) *Dispatcher {
	if buffer <= 0 {
		buffer = 1024
	}
	d := &Dispatcher{
		ch:     make(chan Event, buffer),
		done:   make(chan struct{}),
		logger: logger,
		sinks:  sinks,
	}
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for e := range d.ch {
		for _, s := range d.sinks {
			s.Emit(e)
		}
	}
}

// Emit queues e for delivery.
func (d *Dispatcher) Emit(e Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.ch <- e:
	default:
		if n := d.dropped.Add(1); n == 1 || n%1000 == 0 {
			d.logger.Warn("event buffer full, dropping events", "dropped", n)
		}
	}
}

// Dropped returns the number of events lost to a full buffer.
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// Close stops accepting events and waits until queued events are delivered.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.ch)
	}
	d.mu.Unlock()
	<-d.done
}

// Memory records events in order. Useful for tests and for replaying a
// session's activity.
type Memory struct {
	events []Event
	mu     sync.Mutex
}

func (m *Memory) Emit(e Event) {
	m.mu.Lock()
	m.events = append(m.events, e)
	m.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// OfType returns the recorded events of type t.
func (m *Memory) OfType(t Type) []Event {
	var out []Event
	for _, e := range m.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
