package events

import (
	"sync"

	"proxywallet/core/types"
)

// Event represents a structured state change emitted by a contract.
type Event interface {
	EventType() string
}

// Payload is implemented by events that can be rendered as a generic
// attribute map for indexers and API responses.
type Payload interface {
	Event
	Event() *types.Event
}

// Emitter broadcasts events to downstream subscribers (e.g. API, indexers).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Buffer records emitted events in order. The host gives every call its own
// buffer and only publishes it once the call commits.
type Buffer struct {
	mu     sync.Mutex
	events []Event
}

// Emit implements the Emitter interface.
func (b *Buffer) Emit(evt Event) {
	if b == nil || evt == nil {
		return
	}
	b.mu.Lock()
	b.events = append(b.events, evt)
	b.mu.Unlock()
}

// Events returns the recorded events.
func (b *Buffer) Events() []Event {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Event(nil), b.events...)
}

// Payloads returns the attribute form of every recorded event that has one.
func (b *Buffer) Payloads() []*types.Event {
	var out []*types.Event
	for _, evt := range b.Events() {
		if p, ok := evt.(Payload); ok && p.Event() != nil {
			out = append(out, p.Event().Clone())
		}
	}
	return out
}

// Types lists the recorded event types, mainly for assertions in tests.
func (b *Buffer) Types() []string {
	events := b.Events()
	out := make([]string, 0, len(events))
	for _, evt := range events {
		out = append(out, evt.EventType())
	}
	return out
}

// Reset drops all recorded events.
func (b *Buffer) Reset() {
	if b == nil {
		return
	}
	b.mu.Lock()
	b.events = nil
	b.mu.Unlock()
}

// Forward re-emits every recorded event to dst.
func (b *Buffer) Forward(dst Emitter) {
	if dst == nil {
		return
	}
	for _, evt := range b.Events() {
		dst.Emit(evt)
	}
}
