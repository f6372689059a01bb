// Package conn owns the single channel session: startup with corruption
// recovery, the driver event pump, the send primitive, and teardown.
package conn

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tallyline-io/courier/internal/domain"
	"github.com/tallyline-io/courier/internal/ports"
	"github.com/tallyline-io/courier/internal/session"
)

// Config holds the connection manager's startup and handshake settings.
type Config struct {
	InitAttempts   int
	InitRetryDelay time.Duration
	InitSettleWait time.Duration

	// PhoneNumber selects the pairing handshake mode when set.
	PhoneNumber             string
	PairingCodeInterval     time.Duration
	PairingShowNotification bool
}

// DriverFactory builds the channel driver. It is invoked exactly once per
// process; the manager memoizes the handle.
type DriverFactory func() (ports.ChannelDriver, error)

// Manager owns the single active channel session. It is the only component
// holding the driver handle; everything else reaches the channel through
// Send and State.
type Manager struct {
	cfg     Config
	factory DriverFactory
	store   *session.Store
	logger  ports.Logger
	inbound ports.InboundHandler

	mu             sync.Mutex
	driver         ports.ChannelDriver
	state          domain.ConnectionState
	lastDisconnect time.Time
	started        bool

	pumpCancel context.CancelFunc
	pumpDone   chan struct{}

	subMu        sync.Mutex
	onDisconnect []func(at time.Time)
}

// NewManager creates a connection manager. The inbound handler may be nil
// when the embedding application has no interactive reply path.
func NewManager(cfg Config, factory DriverFactory, store *session.Store, inbound ports.InboundHandler, logger ports.Logger) *Manager {
	return &Manager{
		cfg:     cfg,
		factory: factory,
		store:   store,
		logger:  logger,
		inbound: inbound,
		state:   domain.StateUninitialized,
	}
}

// SubscribeDisconnect registers a callback invoked on every unexpected
// disconnect. Used by the reconnection supervisor.
func (m *Manager) SubscribeDisconnect(fn func(at time.Time)) {
	m.subMu.Lock()
	m.onDisconnect = append(m.onDisconnect, fn)
	m.subMu.Unlock()
}

// State returns the current connection state.
func (m *Manager) State() domain.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Status returns the operator-facing connection snapshot. The reconnect
// attempt counter belongs to the supervisor; the embedding layer fills
// it in.
func (m *Manager) Status() domain.ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return domain.ConnectionStatus{State: m.state, LastDisconnect: m.lastDisconnect}
}

// LastDisconnect returns the timestamp of the most recent disconnect, or
// the zero time when none occurred.
func (m *Manager) LastDisconnect() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastDisconnect
}

// setState performs a logged state transition.
func (m *Manager) setState(to domain.ConnectionState, reason string) {
	m.mu.Lock()
	from := m.state
	m.state = to
	m.mu.Unlock()

	if from != to {
		m.logger.Info("connection state transition",
			ports.String("from", from.String()),
			ports.String("to", to.String()),
			ports.String("reason", reason))
	}
}

// MarkReconnecting moves the state to Reconnecting. Called by the
// reconnection supervisor when it schedules a cycle; no other component
// mutates connection state.
func (m *Manager) MarkReconnecting() {
	m.setState(domain.StateReconnecting, "reconnection scheduled")
}

// Start brings up the channel session. It recovers a corrupted session
// directory first, then attempts initialization a bounded number of times,
// and finally initializes once more unconditionally. Repeated calls are
// idempotent: the driver handle is created once and reused.
//
// Start only fails on configuration-level problems (driver construction);
// an unreachable channel leaves the process running in a degraded state
// for the reconnection supervisor to repair.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		m.logger.Debug("start called on running manager, reusing connection")
		return nil
	}
	m.mu.Unlock()

	m.recoverSession()

	driver, err := m.ensureDriver(ctx)
	if err != nil {
		m.setState(domain.StateFailed, "driver construction failed")
		return err
	}

	for attempt := 1; attempt <= m.cfg.InitAttempts; attempt++ {
		m.logger.Info("initializing channel session",
			ports.Int("attempt", attempt),
			ports.Int("max_attempts", m.cfg.InitAttempts))

		if err := m.initialize(ctx, driver); err != nil {
			if errors.Is(err, domain.ErrInvalidPhone) {
				// Configuration problem: retrying cannot help.
				m.setState(domain.StateFailed, "invalid phone number")
				return err
			}
			m.logger.Warn("initialization attempt failed",
				ports.Int("attempt", attempt), ports.Err(err))
		}

		// Let the driver settle before polling connectivity.
		if !sleepCtx(ctx, m.cfg.InitSettleWait) {
			return ctx.Err()
		}
		if m.State() == domain.StateReady {
			m.markStarted()
			return nil
		}

		if attempt < m.cfg.InitAttempts {
			if !sleepCtx(ctx, m.cfg.InitRetryDelay) {
				return ctx.Err()
			}
		}
	}

	// Final unconditional attempt. This may still require a fresh
	// handshake; whatever state results, the process keeps running.
	m.logger.Warn("all initialization attempts failed, trying once more unconditionally")
	if err := m.initialize(ctx, driver); err != nil {
		m.logger.Error("final initialization attempt failed", ports.Err(err))
	}
	if !sleepCtx(ctx, m.cfg.InitSettleWait) {
		return ctx.Err()
	}

	m.markStarted()
	m.logger.Info("startup finished", ports.String("state", m.State().String()))
	return nil
}

func (m *Manager) markStarted() {
	m.mu.Lock()
	m.started = true
	m.mu.Unlock()
}

// recoverSession checks for corruption before the first connection: a
// corrupted session restores from the newest backup, and when restore is
// unavailable the session is discarded so the driver starts a fresh
// handshake. Never fatal.
func (m *Manager) recoverSession() {
	if !m.store.IsCorrupted() {
		return
	}
	m.logger.Warn("session directory corrupted, attempting restore")

	if _, err := m.store.Restore(""); err != nil {
		if errors.Is(err, domain.ErrNoBackups) || errors.Is(err, domain.ErrRestoreUnavailable) {
			m.logger.Warn("restore unavailable, discarding session for a fresh handshake",
				ports.Err(err))
			if derr := m.store.Discard(); derr != nil {
				m.logger.Error("session discard failed", ports.Err(derr))
			}
			return
		}
		m.logger.Error("session restore failed", ports.Err(err))
		return
	}
	m.logger.Info("session restored from backup")
}

// ensureDriver memoizes the single process-wide driver handle and starts
// its event pump.
func (m *Manager) ensureDriver(ctx context.Context) (ports.ChannelDriver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.driver != nil {
		return m.driver, nil
	}

	driver, err := m.factory()
	if err != nil {
		return nil, err
	}
	m.driver = driver

	pumpCtx, cancel := context.WithCancel(context.Background())
	m.pumpCancel = cancel
	m.pumpDone = make(chan struct{})
	go m.pump(pumpCtx, driver)

	return driver, nil
}

// initialize connects the driver and, when credentials are missing, runs
// the configured handshake mode. This is also the reconnection
// supervisor's initialize primitive (via Reinitialize).
func (m *Manager) initialize(ctx context.Context, driver ports.ChannelDriver) error {
	if err := driver.Connect(ctx); err != nil {
		return err
	}

	if !driver.LoggedIn() && m.cfg.PhoneNumber != "" {
		m.setState(domain.StateAwaitingHandshake, "pairing required")
		return m.requestPairingCode(ctx, driver)
	}
	return nil
}

// Reinitialize performs one initialization attempt and reports whether the
// session reached Ready. Called by the reconnection supervisor.
func (m *Manager) Reinitialize(ctx context.Context) error {
	m.mu.Lock()
	driver := m.driver
	m.mu.Unlock()
	if driver == nil {
		return domain.ErrNotRunning
	}

	if err := m.initialize(ctx, driver); err != nil {
		return err
	}
	if !sleepCtx(ctx, m.cfg.InitSettleWait) {
		return ctx.Err()
	}
	if m.State() != domain.StateReady {
		return domain.ErrNotConnected
	}
	return nil
}

// Send delivers one message over the live session. It is the single send
// primitive every other component routes through.
func (m *Manager) Send(ctx context.Context, recipient, content string) (domain.Ack, error) {
	m.mu.Lock()
	driver := m.driver
	state := m.state
	m.mu.Unlock()

	if driver == nil || state != domain.StateReady {
		return domain.Ack{}, domain.ErrNotConnected
	}
	return driver.Send(ctx, recipient, content)
}

// Shutdown stops the event pump and releases the driver. Pending timers in
// dependent components must already be cancelled by the time this runs;
// the composition root enforces that ordering.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	driver := m.driver
	cancel := m.pumpCancel
	done := m.pumpDone
	m.driver = nil
	m.started = false
	m.pumpCancel = nil
	m.pumpDone = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if driver != nil {
		driver.Disconnect()
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			m.logger.Warn("event pump did not stop in time")
		}
	}
	m.setState(domain.StateUninitialized, "shutdown")
}

// pump consumes driver events, drives connection state, and forwards
// inbound messages to the business layer.
func (m *Manager) pump(ctx context.Context, driver ports.ChannelDriver) {
	defer close(m.pumpDone)

	events := driver.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.handleEvent(ev)
		}
	}
}

func (m *Manager) handleEvent(ev ports.DriverEvent) {
	switch ev.Kind {
	case ports.EventHandshakeCode:
		m.setState(domain.StateAwaitingHandshake, "handshake code issued")
		m.logger.Info("scan this code to link the session", ports.String("code", ev.Code))

	case ports.EventAuthenticated:
		m.setState(domain.StateAuthenticated, "handshake completed")

	case ports.EventAuthFailure:
		m.setState(domain.StateFailed, "handshake failed")
		m.logger.Error("authentication failed", ports.Err(ev.Err))

	case ports.EventConnected:
		m.setState(domain.StateReady, "session ready")

	case ports.EventDisconnected:
		m.recordDisconnect("connection lost", ev.Err)

	case ports.EventLoggedOut:
		m.logger.Warn("platform invalidated the session, fresh handshake required")
		m.recordDisconnect("logged out", ev.Err)

	case ports.EventMessage:
		if m.inbound != nil {
			m.inbound.OnInboundMessage(ev.Message)
		}
	}
}

func (m *Manager) recordDisconnect(reason string, cause error) {
	now := time.Now()

	m.mu.Lock()
	m.lastDisconnect = now
	m.mu.Unlock()

	if cause != nil {
		m.logger.Warn("disconnected", ports.String("reason", reason), ports.Err(cause))
	}
	m.setState(domain.StateDisconnected, reason)

	m.subMu.Lock()
	subs := append([]func(time.Time){}, m.onDisconnect...)
	m.subMu.Unlock()
	for _, fn := range subs {
		fn(now)
	}
}

// sleepCtx sleeps for d unless the context is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
