// Package control implements the agent's bidirectional channel to the
// kittengrid control plane: inbound commands, outbound events, and the
// reconnecting websocket session that carries them.
package control

import (
	"fmt"
	"time"
)

// CommandType enumerates the closed set of inbound commands.
type CommandType string

const (
	CommandExpose   CommandType = "expose"
	CommandWithdraw CommandType = "withdraw"
	CommandRestart  CommandType = "restart"
	CommandShutdown CommandType = "shutdown"
)

// Command is an inbound control-plane instruction. Deliveries are
// at-least-once; handlers must treat duplicates as no-ops.
type Command struct {
	Type    CommandType `json:"type"`
	Service string      `json:"service,omitempty"`
}

// Validate rejects unknown command types and missing service references.
func (c Command) Validate() error {
	switch c.Type {
	case CommandExpose, CommandWithdraw, CommandRestart:
		if c.Service == "" {
			return fmt.Errorf("command %q requires a service", c.Type)
		}
		return nil
	case CommandShutdown:
		return nil
	default:
		return fmt.Errorf("unknown command type %q", c.Type)
	}
}

// EventType enumerates the closed set of outbound events.
type EventType string

const (
	EventStatusChanged EventType = "status_changed"
	EventHealthChanged EventType = "health_changed"
	EventLog           EventType = "log"
	EventHeartbeat     EventType = "heartbeat"
)

// Event is an outbound status message. Seq is assigned by the channel at
// publish time and increases monotonically within a session.
type Event struct {
	Type      EventType `json:"type"`
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service,omitempty"`
	State     string    `json:"state,omitempty"`
	Healthy   *bool     `json:"healthy,omitempty"`
	Line      string    `json:"line,omitempty"`
}

// StatusChanged builds a lifecycle transition event.
func StatusChanged(service, state string) Event {
	return Event{Type: EventStatusChanged, Service: service, State: state}
}

// HealthChanged builds a health transition event.
func HealthChanged(service string, healthy bool) Event {
	return Event{Type: EventHealthChanged, Service: service, Healthy: &healthy}
}

// LogLine builds a service output event.
func LogLine(service, line string) Event {
	return Event{Type: EventLog, Service: service, Line: line}
}

// Heartbeat builds a liveness event.
func Heartbeat() Event {
	return Event{Type: EventHeartbeat}
}

// authMessage is the first frame on every control connection.
type authMessage struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}
