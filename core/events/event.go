package events

import "htlcbridge/core/types"

// Event represents a structured state change emitted by the settlement engine.
type Event interface {
	EventType() string
}

// Structured is implemented by events that can render themselves into the
// flat attribute form persisted by archives and streamed to subscribers.
type Structured interface {
	Event() *types.Event
}

// Emitter broadcasts events to downstream subscribers (e.g. RPC, archives).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Fanout forwards every event to each non-nil emitter in order.
type Fanout []Emitter

// Emit implements the Emitter interface.
func (f Fanout) Emit(evt Event) {
	for _, emitter := range f {
		if emitter != nil {
			emitter.Emit(evt)
		}
	}
}

// Flatten returns the attribute form of the event. Events that do not
// implement Structured are rendered with their type only.
func Flatten(evt Event) *types.Event {
	if evt == nil {
		return nil
	}
	if structured, ok := evt.(Structured); ok {
		if flat := structured.Event(); flat != nil {
			return flat
		}
	}
	return &types.Event{Type: evt.EventType(), Attributes: map[string]string{}}
}
