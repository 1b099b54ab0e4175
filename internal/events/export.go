package events

import (
	"encoding/json"
	"io"
	"log/slog"
	"slices"
	"sync"
)

// CollectorEmitter collects events in memory for testing.
type CollectorEmitter struct {
	mu     sync.Mutex
	events []*Event
}

// Emit appends the event to the collector.
func (c *CollectorEmitter) Emit(event *Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

// Events returns the collected events in emission order.
func (c *CollectorEmitter) Events() []*Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.events)
}

// OfType returns the collected events of type t.
func (c *CollectorEmitter) OfType(t Type) []*Event {
	var out []*Event
	for _, e := range c.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// WriterEmitter writes each event as one JSON line.
type WriterEmitter struct {
	mu     sync.Mutex
	enc    *json.Encoder
	logger *slog.Logger
}

// NewWriterEmitter creates an emitter writing JSON lines to w. Write
// failures are logged and otherwise ignored.
func NewWriterEmitter(w io.Writer, logger *slog.Logger) *WriterEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &WriterEmitter{enc: json.NewEncoder(w), logger: logger}
}

// Emit encodes the event.
func (e *WriterEmitter) Emit(event *Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enc.Encode(event); err != nil {
		e.logger.Warn("failed to write event", "type", event.Type, "error", err)
	}
}
