package domain

import "time"

// ConnectionState represents the lifecycle state of the channel session.
// Exactly one instance exists per process, owned by the connection manager.
// Transitions are driven only by channel-driver events and by the
// reconnection supervisor.
type ConnectionState int

const (
	StateUninitialized ConnectionState = iota
	StateAwaitingHandshake
	StateAuthenticated
	StateReady
	StateDisconnected
	StateReconnecting
	StateFailed
)

// String returns a human-readable representation of the state.
func (s ConnectionState) String() string {
	switch s {
	case StateUninitialized:
		return "Uninitialized"
	case StateAwaitingHandshake:
		return "AwaitingHandshake"
	case StateAuthenticated:
		return "Authenticated"
	case StateReady:
		return "Ready"
	case StateDisconnected:
		return "Disconnected"
	case StateReconnecting:
		return "Reconnecting"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// ConnectionStatus is the operator-facing status snapshot exposed to the
// business layer and the ops API.
type ConnectionStatus struct {
	State             ConnectionState `json:"state"`
	LastDisconnect    time.Time       `json:"last_disconnect,omitzero"`
	ReconnectAttempts int             `json:"reconnect_attempts"`
}
