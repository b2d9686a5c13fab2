// Package events provides a minimal pub/sub bus used to fan notable
// occurrences (signal received, order placed, guardrail tripped, position
// closed) out to the notification sinks and the structured log, without
// coupling producers to any particular sink implementation.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventType identifies the kind of occurrence carried by an Event.
type EventType string

const (
	SignalReceived      EventType = "SIGNAL_RECEIVED"
	SignalSkipped       EventType = "SIGNAL_SKIPPED"
	OrderPlaced         EventType = "ORDER_PLACED"
	OrderFailed         EventType = "ORDER_FAILED"
	PositionOpened      EventType = "POSITION_OPENED"
	PositionClosed      EventType = "POSITION_CLOSED"
	TrailingStopMoved   EventType = "TRAILING_STOP_MOVED"
	DCAAdditionPlaced   EventType = "DCA_ADDITION_PLACED"
	GuardrailTripped    EventType = "GUARDRAIL_TRIPPED"
	CredentialDisabled  EventType = "CREDENTIAL_DISABLED"
	ErrorOccurred       EventType = "ERROR_OCCURRED"

	JobStarted   EventType = "JOB_STARTED"
	JobProgress  EventType = "JOB_PROGRESS"
	JobCompleted EventType = "JOB_COMPLETED"
	JobFailed    EventType = "JOB_FAILED"
)

// EventData is implemented by every typed payload so a subscriber can
// recover its event type without a type switch at emission time.
type EventData interface {
	EventType() EventType
}

// Event is one occurrence on the bus, with a typed, JSON/msgpack-marshalable payload.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Module    string    `json:"module"`
	Data      EventData `json:"data"`
}

// Subscriber receives events matching the types it registered for.
type Subscriber func(Event)

// Manager is a process-local, synchronous pub/sub bus. Subscribers run on
// the emitting goroutine, so sinks that do network I/O must not block the
// caller for long; the notification fan-out package dispatches to its own
// worker goroutines before touching the network.
type Manager struct {
	log zerolog.Logger

	mu   sync.RWMutex
	subs map[EventType][]Subscriber
}

// NewManager creates an event manager that logs every emitted event and
// fans it out to registered subscribers.
func NewManager(log zerolog.Logger) *Manager {
	return &Manager{
		log:  log.With().Str("component", "events").Logger(),
		subs: make(map[EventType][]Subscriber),
	}
}

// Subscribe registers fn to run on every future event of the given type.
func (m *Manager) Subscribe(eventType EventType, fn Subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[eventType] = append(m.subs[eventType], fn)
}

// Emit logs the event and invokes every subscriber registered for its type.
func (m *Manager) Emit(module string, data EventData) {
	event := Event{
		Type:      data.EventType(),
		Timestamp: time.Now(),
		Module:    module,
		Data:      data,
	}

	payload, _ := json.Marshal(data)
	m.log.Info().
		Str("event_type", string(event.Type)).
		Str("module", module).
		RawJSON("data", payload).
		Msg("event emitted")

	m.mu.RLock()
	subs := append([]Subscriber(nil), m.subs[event.Type]...)
	m.mu.RUnlock()

	for _, fn := range subs {
		fn(event)
	}
}

// EmitError is a convenience wrapper for system-level error events.
func (m *Manager) EmitError(module string, err error) {
	m.Emit(module, &ErrorData{Error: err.Error()})
}
