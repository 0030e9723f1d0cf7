// Package connectivity turns connectivity changes and wake signals into reconciliation passes.
package connectivity

import (
	"fmt"
	"sync"
	"time"
)

// EventType identifies an event variant on the bus.
type EventType string

const (
	BecameOnline  EventType = "became_online"
	BecameOffline EventType = "became_offline"
	WakeSync      EventType = "wake_sync"
)

// SyncTag is the background sync tag registered for offline consult writes.
const SyncTag = "sync-consults"

// Event is one message on the bus. Tag is set for WakeSync only.
type Event struct {
	Type EventType `json:"type"`
	Tag  string    `json:"tag,omitempty"`
	At   time.Time `json:"at"`
}

// Online returns a BecameOnline event.
func Online() Event {
	return Event{Type: BecameOnline, At: time.Now()}
}

// Offline returns a BecameOffline event.
func Offline() Event {
	return Event{Type: BecameOffline, At: time.Now()}
}

// Wake returns a WakeSync event for tag.
func Wake(tag string) Event {
	return Event{Type: WakeSync, Tag: tag, At: time.Now()}
}

func (e Event) String() string {
	if e.Tag != "" {
		return fmt.Sprintf("%s(%s)", e.Type, e.Tag)
	}
	return string(e.Type)
}

// DefaultBusSize is the number of events the bus buffers before Publish blocks.
const DefaultBusSize = 64

// Bus carries events from producers to the single dispatcher loop in order.
type Bus struct {
	ch   chan Event
	done chan struct{}
	once sync.Once
}

// NewBus creates a bus buffering size events.
func NewBus(size int) *Bus {
	if size <= 0 {
		size = DefaultBusSize
	}
	return &Bus{
		ch:   make(chan Event, size),
		done: make(chan struct{}),
	}
}

// Publish sends ev to the dispatcher, blocking while the buffer is full.
// It returns false once the bus is closed.
func (b *Bus) Publish(ev Event) bool {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	select {
	case <-b.done:
		return false
	default:
	}

	select {
	case b.ch <- ev:
		return true
	case <-b.done:
		return false
	}
}

// Events returns the receive side of the bus.
func (b *Bus) Events() <-chan Event {
	return b.ch
}

// Done is closed when the bus is closed.
func (b *Bus) Done() <-chan struct{} {
	return b.done
}

// Close stops the bus. Events already buffered are discarded by the dispatcher.
func (b *Bus) Close() {
	b.once.Do(func() { close(b.done) })
}
