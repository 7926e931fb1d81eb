// Package events carries relay lifecycle events (tokens issued, sockets
// authenticated, agents leaving, frames rejected) to optional sinks such as
// the SQLite audit log, Prometheus counters, and NATS.
//
// Emitting never blocks the relay: events are queued on a buffered channel
// and dropped when the queue is full.
package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Kind identifies what happened.
type Kind string

const (
	KindTokenIssued          Kind = "token_issued"
	KindConnectionOpened     Kind = "connection_opened"
	KindConnectionClosed     Kind = "connection_closed"
	KindAgentAuthenticated   Kind = "agent_authenticated"
	KindDesktopAuthenticated Kind = "desktop_authenticated"
	KindAuthFailed           Kind = "auth_failed"
	KindAgentDisconnected    Kind = "agent_disconnected"
	KindDesktopDisconnected  Kind = "desktop_disconnected"
	KindFrameForwarded       Kind = "frame_forwarded"
	KindFrameRejected        Kind = "frame_rejected"
	KindNodePruned           Kind = "node_pruned"
)

// Event is a single relay lifecycle record.
type Event struct {
	Kind         Kind      `json:"kind"`
	ConnectionID string    `json:"connection_id,omitempty"`
	UserID       string    `json:"user_id,omitempty"`
	NodeID       string    `json:"node_id,omitempty"`
	MessageType  string    `json:"message_type,omitempty"`
	Category     string    `json:"category,omitempty"`
	Code         string    `json:"code,omitempty"`
	Recipients   int       `json:"recipients,omitempty"`
	Time         time.Time `json:"time"`
}

// Emitter accepts events from the relay core.
type Emitter interface {
	Emit(e Event)
}

// Sink receives events from the bus, one at a time, on the bus goroutine.
type Sink interface {
	Publish(ctx context.Context, e Event) error
}

// Nop discards every event.
type Nop struct{}

// Emit implements Emitter.
func (Nop) Emit(Event) {}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, e Event) error

// Publish implements Sink.
func (f SinkFunc) Publish(ctx context.Context, e Event) error { return f(ctx, e) }

// publishTimeout bounds how long a single sink may take for one event.
const publishTimeout = 5 * time.Second

// Bus queues events and delivers them to every sink in order.
type Bus struct {
	mu      sync.RWMutex
	stopped bool
	ch      chan Event
	sinks   []Sink
	done    chan struct{}
	timeNow func() time.Time

	dropped atomic.Uint64
}

// NewBus creates a bus with the given queue size. Call Start to begin delivery.
func NewBus(buffer int, sinks ...Sink) *Bus {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Bus{
		ch:      make(chan Event, buffer),
		sinks:   sinks,
		done:    make(chan struct{}),
		timeNow: time.Now,
	}
}

// Start launches the delivery goroutine.
func (b *Bus) Start() {
	go b.run()
}

// Emit queues an event. It never blocks; when the queue is full the event
// is dropped and counted.
func (b *Bus) Emit(e Event) {
	if e.Time.IsZero() {
		e.Time = b.timeNow()
	}

	// Hold RLock through the send so Stop cannot close the channel under us.
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.stopped {
		return
	}

	select {
	case b.ch <- e:
	default:
		if n := b.dropped.Add(1); n == 1 || n%1000 == 0 {
			slog.Warn("event queue full, dropping events", "dropped", n)
		}
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Stop closes the queue and waits for queued events to be delivered.
// Stop must only be called after Start.
func (b *Bus) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	close(b.ch)
	b.mu.Unlock()

	<-b.done
}

func (b *Bus) run() {
	defer close(b.done)
	for e := range b.ch {
		for _, sink := range b.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
			if err := sink.Publish(ctx, e); err != nil {
				slog.Warn("event sink failed", "kind", e.Kind, "err", err)
			}
			cancel()
		}
	}
}
