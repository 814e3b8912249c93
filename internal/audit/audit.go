// Package audit records security-relevant events without blocking the
// request path. Events flow through a buffered dispatcher to one or
// more sinks; a full queue drops the event and bumps a counter rather
// than stalling a login.
package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"veyra.id/internal/obs"
)

// Event is one audit record.
type Event struct {
	ID         string         `json:"id,omitempty"`
	ActorID    string         `json:"actor_id,omitempty"`
	Action     string         `json:"action"`
	EntityType string         `json:"entity_type,omitempty"`
	EntityID   string         `json:"entity_id,omitempty"`
	OldValue   string         `json:"old_value,omitempty"`
	NewValue   string         `json:"new_value,omitempty"`
	IP         string         `json:"ip,omitempty"`
	UserAgent  string         `json:"user_agent,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Sink consumes delivered events. Sink errors are logged and swallowed;
// auditing never fails the operation that produced the event.
type Sink interface {
	Write(ctx context.Context, ev Event) error
}

const defaultQueueSize = 1024

// Dispatcher fans events out to its sinks from a single background
// worker.
type Dispatcher struct {
	queue chan Event
	done  chan struct{}
	sinks []Sink
	now   func() time.Time

	closed    atomic.Bool
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithQueueSize overrides the submit queue capacity.
func WithQueueSize(n int) DispatcherOption {
	return func(d *Dispatcher) { d.queue = make(chan Event, n) }
}

// WithDispatcherClock overrides the time source, for tests.
func WithDispatcherClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) { d.now = now }
}

// NewDispatcher starts the worker goroutine and returns the dispatcher.
// Call Close during shutdown to drain the queue.
func NewDispatcher(sinks []Sink, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		queue: make(chan Event, defaultQueueSize),
		done:  make(chan struct{}),
		sinks: sinks,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.wg.Add(1)
	go d.run()
	return d
}

// Submit enqueues the event without blocking. When the queue is full,
// or the dispatcher is already closed, the event is dropped and
// counted.
func (d *Dispatcher) Submit(ev Event) {
	if d.closed.Load() {
		obs.AuditDroppedTotal.Inc()
		return
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = d.now()
	}
	select {
	case d.queue <- ev:
	default:
		obs.AuditDroppedTotal.Inc()
	}
}

// Close stops accepting events, drains the queue and waits for the
// worker to finish.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.done)
	})
	d.wg.Wait()
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for {
		select {
		case ev := <-d.queue:
			d.deliver(ev)
		case <-d.done:
			for {
				select {
				case ev := <-d.queue:
					d.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(ev Event) {
	for _, sink := range d.sinks {
		if err := sink.Write(context.Background(), ev); err != nil {
			obs.LogEvent(map[string]any{
				"event":  "audit.sink_error",
				"action": ev.Action,
				"error":  err.Error(),
			})
		}
	}
}

// LogSink writes events to the process log as JSON lines.
type LogSink struct{}

func (LogSink) Write(_ context.Context, ev Event) error {
	obs.LogEvent(map[string]any{
		"event":       "audit",
		"action":      ev.Action,
		"actor_id":    ev.ActorID,
		"entity_type": ev.EntityType,
		"entity_id":   ev.EntityID,
		"ip":          ev.IP,
		"user_agent":  ev.UserAgent,
		"metadata":    ev.Metadata,
		"occurred_at": ev.OccurredAt.UTC().Format(time.RFC3339),
	})
	return nil
}

// Store persists events; the pg package provides the production
// implementation.
type Store interface {
	Insert(ctx context.Context, ev Event) error
}

// StoreSink writes events to a persistent store.
type StoreSink struct {
	store Store
}

// NewStoreSink returns a sink backed by store.
func NewStoreSink(store Store) *StoreSink {
	return &StoreSink{store: store}
}

func (s *StoreSink) Write(ctx context.Context, ev Event) error {
	return s.store.Insert(ctx, ev)
}
