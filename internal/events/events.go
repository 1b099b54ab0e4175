// Package events defines the structured lifecycle events the store emits:
// backend connection and demotion, enumeration flags and cleanup sweeps.
package events

import (
	"encoding/json"
	"time"
)

// Type represents the kind of event.
type Type string

const (
	BackendConnected Type = "store.connected"
	BackendDemoted   Type = "store.demoted"
	SourceFlagged    Type = "security.flagged"
	SweepCompleted   Type = "cleanup.completed"
)

// Event is a structured event emitted by the store.
type Event struct {
	Type          Type           `json:"type"`
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
}

// New creates a new event with the given type and correlation ID.
func New(eventType Type, correlationID string) *Event {
	return &Event{
		Type:          eventType,
		Timestamp:     time.Now(),
		CorrelationID: correlationID,
	}
}

// WithData adds data fields to the event and returns it for chaining.
func (e *Event) WithData(key string, value any) *Event {
	if e.Data == nil {
		e.Data = make(map[string]any)
	}
	e.Data[key] = value
	return e
}

// JSON returns the event serialized as JSON.
func (e *Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// Emitter is the interface for event consumers. Emit must be safe for
// concurrent use.
type Emitter interface {
	Emit(event *Event)
}

// NoopEmitter discards all events.
type NoopEmitter struct{}

// Emit implements Emitter by discarding the event.
func (NoopEmitter) Emit(*Event) {}

// OrNoop returns e, or a NoopEmitter when e is nil.
func OrNoop(e Emitter) Emitter {
	if e == nil {
		return NoopEmitter{}
	}
	return e
}
