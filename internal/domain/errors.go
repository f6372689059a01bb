package domain

import "errors"

// Domain errors represent error conditions in the courier domain.
// These errors are returned by the public API and can be checked with errors.Is.
var (
	// ErrAlreadyRunning is returned when Start() is called on a running instance.
	ErrAlreadyRunning = errors.New("courier: already running")

	// ErrNotRunning is returned when Stop() is called on a stopped instance.
	ErrNotRunning = errors.New("courier: not running")

	// ErrShutdownTimeout is returned when graceful shutdown times out.
	ErrShutdownTimeout = errors.New("courier: shutdown timeout")

	// ErrInvalidConfig is returned when configuration validation fails.
	ErrInvalidConfig = errors.New("courier: invalid configuration")

	// ErrInvalidPhone is returned when a configured phone number fails
	// validation before any driver call is made.
	ErrInvalidPhone = errors.New("courier: invalid phone number")

	// ErrNotConnected is returned by Send when no session is established.
	ErrNotConnected = errors.New("courier: not connected")

	// ErrNoBackups is returned by Restore when no backup bundle exists.
	ErrNoBackups = errors.New("courier: no session backups available")

	// ErrRestoreUnavailable is returned when a backup bundle cannot be
	// read or extracted. Callers must treat this as "restore unavailable"
	// and fall back to a fresh handshake.
	ErrRestoreUnavailable = errors.New("courier: session restore unavailable")

	// ErrInvalidTransition is returned on a delivery status transition
	// that the state machine does not permit.
	ErrInvalidTransition = errors.New("courier: invalid delivery transition")

	// ErrCycleInFlight is returned when a delivery cycle is triggered
	// while another cycle is already running.
	ErrCycleInFlight = errors.New("courier: delivery cycle already running")
)
