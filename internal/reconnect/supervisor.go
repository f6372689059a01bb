// Package reconnect reacts to unexpected disconnects by scheduling
// reconnection attempts with exponential backoff and an attempt ceiling.
package reconnect

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/tallyline-io/courier/internal/domain"
	"github.com/tallyline-io/courier/internal/ports"
)

// Connection is the slice of the connection manager the supervisor drives.
type Connection interface {
	State() domain.ConnectionState
	Reinitialize(ctx context.Context) error
	MarkReconnecting()
}

// Config holds the backoff parameters.
type Config struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

// Supervisor schedules reconnection attempts after disconnects. At most
// one attempt is in flight at any time, enforced by a boolean guard
// rather than the connection state enum: Reconnecting legitimately
// persists across multiple timed attempts.
type Supervisor struct {
	cfg    Config
	conn   Connection
	logger ports.Logger
	ctx    context.Context

	mu             sync.Mutex
	inFlight       bool
	attempts       int
	timer          *time.Timer
	lastDisconnect time.Time
	closed         bool
}

// NewSupervisor creates a supervisor. The context bounds every
// reconnection attempt; cancelling it (at shutdown) aborts in-flight
// initialization.
func NewSupervisor(ctx context.Context, cfg Config, conn Connection, logger ports.Logger) *Supervisor {
	return &Supervisor{cfg: cfg, conn: conn, logger: logger, ctx: ctx}
}

// OnDisconnect is the disconnect notification entry point, registered
// with the connection manager.
func (s *Supervisor) OnDisconnect(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastDisconnect = at
	if s.closed {
		return
	}
	if s.inFlight {
		s.logger.Debug("reconnection cycle already active, ignoring disconnect")
		return
	}
	s.scheduleLocked()
}

// scheduleLocked evaluates the ceiling and arms the next attempt timer.
// Caller holds s.mu.
func (s *Supervisor) scheduleLocked() {
	if s.attempts >= s.cfg.MaxAttempts {
		s.logger.Error("reconnection abandoned, attempt ceiling reached",
			ports.Int("attempts", s.attempts),
			ports.Int("ceiling", s.cfg.MaxAttempts))
		s.attempts = 0
		s.inFlight = false
		return
	}

	s.attempts++
	delay := s.Delay(s.attempts)
	s.inFlight = true
	s.conn.MarkReconnecting()

	s.logger.Info("reconnection attempt scheduled",
		ports.Int("attempt", s.attempts),
		ports.Duration("delay", delay))

	s.timer = time.AfterFunc(delay, s.attempt)
}

// attempt fires when the backoff timer elapses.
func (s *Supervisor) attempt() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	attempt := s.attempts
	s.mu.Unlock()

	// The connection may have recovered on its own while we slept.
	if s.conn.State() == domain.StateReady {
		s.logger.Info("connection already recovered, stopping reconnection")
		s.reset()
		return
	}

	err := s.conn.Reinitialize(s.ctx)
	if err == nil {
		s.logger.Info("reconnected", ports.Int("attempt", attempt))
		s.reset()
		return
	}

	s.logger.Warn("reconnection attempt failed",
		ports.Int("attempt", attempt), ports.Err(err))

	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight = false
	if s.closed {
		return
	}
	s.scheduleLocked()
}

// reset clears the attempt counter and the in-flight guard.
func (s *Supervisor) reset() {
	s.mu.Lock()
	s.attempts = 0
	s.inFlight = false
	s.mu.Unlock()
}

// Delay computes the backoff for the given 1-based attempt:
// min(initial * multiplier^(attempt-1), max).
func (s *Supervisor) Delay(attempt int) time.Duration {
	d := time.Duration(float64(s.cfg.InitialDelay) * math.Pow(s.cfg.Multiplier, float64(attempt-1)))
	if d > s.cfg.MaxDelay {
		return s.cfg.MaxDelay
	}
	return d
}

// Attempts returns the current attempt counter, for status reporting.
func (s *Supervisor) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// ManualReconnect resets all counters and performs one immediate attempt
// outside the timer schedule, for operator-initiated recovery.
func (s *Supervisor) ManualReconnect() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.ErrNotRunning
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.attempts = 0
	s.inFlight = true
	s.mu.Unlock()

	s.logger.Info("manual reconnection triggered")

	err := s.conn.Reinitialize(s.ctx)
	s.reset()
	return err
}

// Shutdown cancels any pending attempt timer. The supervisor must be shut
// down before the connection manager releases the driver so no timer
// fires against a torn-down connection.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.inFlight = false
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
