package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/tallyline-io/courier/internal/adapters/gateway"
	"github.com/tallyline-io/courier/internal/adapters/httpapi"
	"github.com/tallyline-io/courier/internal/adapters/sqlite"
	"github.com/tallyline-io/courier/internal/config"
	"github.com/tallyline-io/courier/internal/conn"
	"github.com/tallyline-io/courier/internal/delivery"
	"github.com/tallyline-io/courier/internal/dispatch"
	"github.com/tallyline-io/courier/internal/domain"
	"github.com/tallyline-io/courier/internal/ports"
	"github.com/tallyline-io/courier/internal/reconnect"
	"github.com/tallyline-io/courier/internal/session"
)

// Options overrides the default component wiring. Every field is
// optional; the zero value yields the production setup.
type Options struct {
	// Source supplies report content and recipient lists. Defaults to a
	// static source built from the configured recipient lists.
	Source ports.ReportSource

	// Inbound receives messages arriving on the channel. May be nil.
	Inbound ports.InboundHandler

	// Driver overrides the channel driver factory. Defaults to the
	// websocket gateway driver.
	Driver conn.DriverFactory

	// Logger defaults to a zerolog logger on stderr.
	Logger ports.Logger

	// ConfigPath, when set, is watched for runtime tunable changes.
	ConfigPath string
}

// Courier is the composed agent: connection manager, reconnection
// supervisor, session store, delivery engine and the operator API,
// sharing one lifecycle.
type Courier struct {
	cfg    config.Config
	opts   Options
	logger ports.Logger

	lifecycle     *Lifecycle
	sessionStore  *session.Store
	deliveryStore *sqlite.DeliveryStore
	limiter       *dispatch.Limiter
	sender        *dispatch.Sender
	manager       *conn.Manager
	supervisor    *reconnect.Supervisor
	engine        *delivery.Engine
	api           *httpapi.Server
	watcher       *config.Watcher
}

// New validates cfg and wires the components. Nothing runs until Start.
func New(cfg config.Config, opts Options) (*Courier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = defaultLogger()
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	c := &Courier{
		cfg:       cfg,
		opts:      opts,
		logger:    logger,
		lifecycle: NewLifecycle(logger),
	}

	c.sessionStore = session.NewStore(cfg.SessionDir, cfg.BackupInterval, cfg.BackupRetention, logger)

	factory := opts.Driver
	if factory == nil {
		factory = func() (ports.ChannelDriver, error) {
			return gateway.New(cfg.GatewayURL, cfg.AuthToken, logger), nil
		}
	}
	c.manager = conn.NewManager(conn.Config{
		InitAttempts:            cfg.InitAttempts,
		InitRetryDelay:          cfg.InitRetryDelay,
		InitSettleWait:          cfg.InitSettleWait,
		PhoneNumber:             cfg.PhoneNumber,
		PairingCodeInterval:     cfg.PairingCodeInterval,
		PairingShowNotification: cfg.PairingShowNotification,
	}, factory, c.sessionStore, opts.Inbound, logger)

	c.limiter = dispatch.NewLimiter(cfg.RecipientPerMinute)
	c.sender = dispatch.NewSender(c.manager, c.limiter, cfg.SendMaxRetries, logger)

	store, err := sqlite.NewDeliveryStore(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	c.deliveryStore = store

	source := opts.Source
	if source == nil {
		source = NewStaticSource(cfg.GroupRecipients)
	}
	hour, minute, _ := config.ParseClock(cfg.DeliveryTime)
	c.engine = delivery.NewEngine(delivery.Config{
		Groups:     cfg.ReportGroups,
		Hour:       hour,
		Minute:     minute,
		Location:   cfg.Location(),
		Pacing:     cfg.PacingDelay(),
		MaxRetries: cfg.DeliveryMaxRetries,
		RetryDelay: cfg.DeliveryRetryDelay,
	}, store, source, c.sender, logger)

	return c, nil
}

// Start brings the session up and launches every background activity.
// It returns once the connection manager has finished its startup
// sequence; the session may still be awaiting a handshake.
func (c *Courier) Start(ctx context.Context) error {
	if err := c.lifecycle.TransitionTo(StateStarting, "start requested"); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.lifecycle.SetCancel(cancel)

	if err := c.manager.Start(runCtx); err != nil {
		c.lifecycle.TransitionTo(StateCrashed, err.Error())
		cancel()
		return err
	}

	c.supervisor = reconnect.NewSupervisor(runCtx, reconnect.Config{
		MaxAttempts:  c.cfg.ReconnectMaxAttempts,
		InitialDelay: c.cfg.ReconnectInitialDelay,
		Multiplier:   c.cfg.ReconnectMultiplier,
		MaxDelay:     c.cfg.ReconnectMaxDelay,
	}, c.manager, c.logger)
	c.manager.SubscribeDisconnect(c.supervisor.OnDisconnect)

	c.lifecycle.Go(func() { c.sessionStore.Run(runCtx) })
	c.lifecycle.Go(func() { c.engine.Run(runCtx) })

	if c.opts.ConfigPath != "" {
		c.watcher = config.NewWatcher(c.opts.ConfigPath, c.cfg, c.logger, c.applyTunables)
		c.lifecycle.Go(func() { c.watcher.Run(runCtx) })
	}

	if c.cfg.AdminListenAddr != "" {
		c.api = httpapi.NewServer(c.cfg.AdminListenAddr, c.manager, c.supervisor, c.engine, c.cfg.Location(), c.logger)
		c.lifecycle.Go(func() {
			if err := c.api.Run(runCtx); err != nil {
				c.logger.Error("operator api stopped", ports.Err(err))
			}
		})
	}

	return c.lifecycle.TransitionTo(StateRunning, "startup complete")
}

// Stop shuts the agent down: retained timers first, then the driver,
// then the background workers.
func (c *Courier) Stop() error {
	if err := c.lifecycle.TransitionTo(StateStopping, "stop requested"); err != nil {
		return err
	}

	c.engine.Shutdown()
	if c.supervisor != nil {
		c.supervisor.Shutdown()
	}
	c.lifecycle.Cancel()
	c.manager.Shutdown()

	waitErr := c.lifecycle.WaitWithTimeout(ShutdownTimeout)

	if err := c.deliveryStore.Close(); err != nil {
		c.logger.Warn("delivery store close failed", ports.Err(err))
	}

	if waitErr != nil {
		c.lifecycle.TransitionTo(StateCrashed, waitErr.Error())
		return waitErr
	}
	return c.lifecycle.TransitionTo(StateStopped, "shutdown complete")
}

// applyTunables propagates reloaded config values to the running
// components.
func (c *Courier) applyTunables(t config.Tunables) {
	c.limiter.SetRate(t.RecipientPerMinute)
	c.sender.SetMaxRetries(t.SendMaxRetries)

	pacing := time.Duration(0)
	if t.BatchPerMinute > 0 {
		pacing = time.Duration(60000/t.BatchPerMinute) * time.Millisecond
	}
	c.engine.SetTunables(pacing, t.DeliveryMaxRetries, t.DeliveryRetryDelay)
}

// State returns the process lifecycle state.
func (c *Courier) State() State {
	return c.lifecycle.State()
}

// Status returns the operator-facing connection snapshot.
func (c *Courier) Status() domain.ConnectionStatus {
	status := c.manager.Status()
	if c.supervisor != nil {
		status.ReconnectAttempts = c.supervisor.Attempts()
	}
	return status
}

// Send delivers one interactive message through the rate-limited path.
// It reports false when the message could not be delivered.
func (c *Courier) Send(ctx context.Context, recipient, content string) bool {
	return c.sender.Send(ctx, recipient, content, dispatch.Options{})
}

// Reconnect triggers an operator-initiated reconnection attempt.
func (c *Courier) Reconnect() error {
	if c.supervisor == nil {
		return domain.ErrNotRunning
	}
	return c.supervisor.ManualReconnect()
}

// RunDeliveries triggers a delivery cycle for the given date.
func (c *Courier) RunDeliveries(ctx context.Context, date time.Time) error {
	return c.engine.RunFor(ctx, date)
}

// RetryDeliveries requeues failed records for the date and re-runs the
// cycle.
func (c *Courier) RetryDeliveries(ctx context.Context, date time.Time) error {
	return c.engine.RetryFailed(ctx, date)
}

// DeliverySummary returns per-status record counts for the date.
func (c *Courier) DeliverySummary(ctx context.Context, date time.Time) (map[domain.DeliveryStatus]int, error) {
	return c.engine.Summary(ctx, date)
}
