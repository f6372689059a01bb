package ports

import (
	"context"
	"time"

	"github.com/tallyline-io/courier/internal/domain"
)

// DriverEventKind enumerates the events a channel driver can emit.
type DriverEventKind int

const (
	// EventHandshakeCode carries a scannable code string to display.
	EventHandshakeCode DriverEventKind = iota

	// EventAuthenticated signals a completed handshake.
	EventAuthenticated

	// EventAuthFailure signals a failed handshake.
	EventAuthFailure

	// EventConnected signals the session reached the ready state.
	EventConnected

	// EventDisconnected signals an unexpected connection loss.
	EventDisconnected

	// EventLoggedOut signals the platform invalidated the session.
	// The stored credentials are no longer usable.
	EventLoggedOut

	// EventMessage carries one inbound message.
	EventMessage
)

// String returns a human-readable representation of the event kind.
func (k DriverEventKind) String() string {
	switch k {
	case EventHandshakeCode:
		return "HandshakeCode"
	case EventAuthenticated:
		return "Authenticated"
	case EventAuthFailure:
		return "AuthFailure"
	case EventConnected:
		return "Connected"
	case EventDisconnected:
		return "Disconnected"
	case EventLoggedOut:
		return "LoggedOut"
	case EventMessage:
		return "Message"
	default:
		return "Unknown"
	}
}

// DriverEvent is one event emitted by the channel driver. Events are
// consumed from a channel rather than registered callbacks so that the
// connection manager, reconnection supervisor and business collaborator
// can each subscribe without coupling to the driver's API.
type DriverEvent struct {
	Kind    DriverEventKind
	Code    string
	Err     error
	Message domain.InboundMessage
}

// PairingOptions configures a phone-number pairing request.
type PairingOptions struct {
	// RegenerateEvery is how often the driver refreshes the pairing code.
	RegenerateEvery time.Duration

	// ShowNotification asks the platform to surface a notification on
	// the paired device.
	ShowNotification bool
}

// ChannelDriver is the third-party component that speaks the actual wire
// protocol to the messaging platform. The core treats it as opaque: the
// connection manager exclusively owns the single driver handle, and all
// other components reach the channel only through the manager.
type ChannelDriver interface {
	// Connect establishes the session using stored credentials, or begins
	// a fresh handshake when none exist.
	Connect(ctx context.Context) error

	// Disconnect tears down the session. Safe to call when not connected.
	Disconnect()

	// Send delivers one message to a recipient. It returns the driver's
	// acknowledgement or a transport error.
	Send(ctx context.Context, recipient, content string) (domain.Ack, error)

	// Connected reports whether the underlying transport is up.
	Connected() bool

	// LoggedIn reports whether the session holds valid credentials.
	LoggedIn() bool

	// PairPhone requests a pairing code for the given normalized phone
	// number and returns the code for display.
	PairPhone(ctx context.Context, phone string, opts PairingOptions) (string, error)

	// Events returns the stream of driver events. The channel is closed
	// when the driver is released.
	Events() <-chan DriverEvent
}
