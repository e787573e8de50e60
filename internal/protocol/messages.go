package protocol

import "time"

// EventType names a session timeline event.
type EventType string

const (
	EventConnected      EventType = "session.connected"
	EventUserTurn       EventType = "turn.user"
	EventAssistantTurn  EventType = "turn.assistant"
	EventInterrupted    EventType = "turn.interrupted"
	EventBackendFailure EventType = "turn.backend_failure"
	EventDisconnected   EventType = "session.disconnected"
	EventSessionEvicted EventType = "session.evicted"
)

// SessionEvent is published on the bus and recorded in the event store for
// every lifecycle or turn transition of a relay session.
type SessionEvent struct {
	SessionID   string    `json:"session_id"`
	Type        EventType `json:"type"`
	Text        string    `json:"text,omitempty"`
	Interrupted bool      `json:"interrupted,omitempty"`
	LatencyMS   int64     `json:"latency_ms,omitempty"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Subject returns the bus subject for evt under prefix, e.g.
// "relay.session.<id>.turn.user".
func Subject(prefix string, evt SessionEvent) string {
	return prefix + ".session." + evt.SessionID + "." + string(evt.Type)
}
