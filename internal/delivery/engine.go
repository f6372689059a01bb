package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tallyline-io/courier/internal/dispatch"
	"github.com/tallyline-io/courier/internal/domain"
	"github.com/tallyline-io/courier/internal/ports"
)

// Dispatcher is the rate-limited send primitive the engine delivers
// through. *dispatch.Sender satisfies it.
type Dispatcher interface {
	Send(ctx context.Context, recipient, content string, opts dispatch.Options) bool
}

// Config holds the engine's schedule and retry parameters.
type Config struct {
	// Groups are the recipient groups that get one delivery record per
	// reporting period.
	Groups []string

	// Hour and Minute give the daily trigger time in Location.
	Hour, Minute int
	Location     *time.Location

	// Pacing is the sleep between consecutive records within a cycle.
	Pacing time.Duration

	// MaxRetries bounds automatic requeues of a failed record.
	MaxRetries int

	// RetryDelay is the wait before a failed record is requeued.
	RetryDelay time.Duration
}

// Engine runs delivery cycles: once per day at the configured time, on
// manual trigger, and when a retry timer fires. At most one cycle is in
// flight process-wide; a concurrent trigger returns
// domain.ErrCycleInFlight.
type Engine struct {
	store  ports.DeliveryStore
	source ports.ReportSource
	sender Dispatcher
	logger ports.Logger

	groups   []string
	hour     int
	minute   int
	location *time.Location

	mu          sync.Mutex
	ctx         context.Context
	pacing      time.Duration
	maxRetries  int
	retryDelay  time.Duration
	inFlight    bool
	retryTimers map[string]*time.Timer
	closed      bool

	now func() time.Time
}

// NewEngine creates a delivery engine. Run starts the daily trigger;
// RunFor and RetryFailed work without it.
func NewEngine(cfg Config, store ports.DeliveryStore, source ports.ReportSource, sender Dispatcher, logger ports.Logger) *Engine {
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	return &Engine{
		store:       store,
		source:      source,
		sender:      sender,
		logger:      logger,
		groups:      cfg.Groups,
		hour:        cfg.Hour,
		minute:      cfg.Minute,
		location:    loc,
		ctx:         context.Background(),
		pacing:      cfg.Pacing,
		maxRetries:  cfg.MaxRetries,
		retryDelay:  cfg.RetryDelay,
		retryTimers: make(map[string]*time.Timer),
		now:         time.Now,
	}
}

// SetTunables applies runtime-adjustable parameters. Called by the
// config watcher on file reload.
func (e *Engine) SetTunables(pacing time.Duration, maxRetries int, retryDelay time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if pacing > 0 {
		e.pacing = pacing
	}
	if maxRetries > 0 {
		e.maxRetries = maxRetries
	}
	if retryDelay > 0 {
		e.retryDelay = retryDelay
	}
}

// Run blocks, firing one delivery cycle at each configured daily time
// until ctx is cancelled. The cycle covers the reporting period that
// ended most recently, i.e. the previous calendar day.
func (e *Engine) Run(ctx context.Context) {
	e.mu.Lock()
	e.ctx = ctx
	e.mu.Unlock()

	for {
		next := NextRun(e.now(), e.hour, e.minute, e.location)
		e.logger.Info("next delivery cycle scheduled", ports.Time("at", next))
		if !sleepCtx(ctx, next.Sub(e.now())) {
			return
		}
		date := DayStart(next, e.location).AddDate(0, 0, -1)
		if err := e.RunFor(ctx, date); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Error("scheduled delivery cycle failed",
				ports.Time("period", date), ports.Err(err))
		}
	}
}

// RunFor executes one delivery cycle for the reporting period starting
// on the given date. It ensures a pending record per configured group,
// then dispatches every pending record in creation order with the
// pacing delay between consecutive records. A concurrent call returns
// domain.ErrCycleInFlight.
func (e *Engine) RunFor(ctx context.Context, date time.Time) error {
	period := DayStart(date, e.location)

	if !e.beginCycle() {
		e.logger.Warn("delivery cycle already in flight, trigger ignored",
			ports.Time("period", period))
		return domain.ErrCycleInFlight
	}
	defer e.endCycle()

	for _, group := range e.groups {
		if _, err := e.store.EnsurePending(ctx, group, period); err != nil {
			return fmt.Errorf("ensure pending for %s: %w", group, err)
		}
	}

	pending, err := e.store.PendingFor(ctx, period)
	if err != nil {
		return fmt.Errorf("fetch pending: %w", err)
	}
	if len(pending) == 0 {
		e.logger.Info("no pending deliveries", ports.Time("period", period))
		return nil
	}

	e.logger.Info("delivery cycle started",
		ports.Time("period", period), ports.Int("pending", len(pending)))

	for i, rec := range pending {
		if i > 0 {
			if !sleepCtx(ctx, e.currentPacing()) {
				return ctx.Err()
			}
		}
		e.dispatchRecord(ctx, rec)
	}

	e.logger.Info("delivery cycle finished", ports.Time("period", period))
	return nil
}

// RetryFailed requeues every failed record for the period and runs a
// cycle. It is the operator escape hatch, so the automatic retry
// ceiling does not apply here.
func (e *Engine) RetryFailed(ctx context.Context, date time.Time) error {
	period := DayStart(date, e.location)

	failed, err := e.store.FailedFor(ctx, period)
	if err != nil {
		return fmt.Errorf("fetch failed: %w", err)
	}
	if len(failed) == 0 {
		e.logger.Info("no failed deliveries to retry", ports.Time("period", period))
		return nil
	}

	for _, rec := range failed {
		e.cancelRetry(rec.ID)
		if err := rec.Requeue(); err != nil {
			return err
		}
		if err := e.store.Update(ctx, rec); err != nil {
			return fmt.Errorf("requeue %s: %w", rec.ID, err)
		}
	}
	e.logger.Info("failed deliveries requeued",
		ports.Time("period", period), ports.Int("count", len(failed)))

	return e.RunFor(ctx, period)
}

// Summary returns per-status record counts for the period.
func (e *Engine) Summary(ctx context.Context, date time.Time) (map[domain.DeliveryStatus]int, error) {
	return e.store.CountByStatus(ctx, DayStart(date, e.location))
}

// Shutdown cancels every retained retry timer. Pending retries are
// picked up by the next daily cycle after restart because the records
// stay failed.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	for id, t := range e.retryTimers {
		t.Stop()
		delete(e.retryTimers, id)
	}
}

// dispatchRecord delivers one record to every member of its group and
// persists the outcome.
func (e *Engine) dispatchRecord(ctx context.Context, rec domain.DeliveryRecord) {
	periodEnd := rec.PeriodStart.AddDate(0, 0, 1)

	content, err := e.source.Content(ctx, rec.RecipientGroup, rec.PeriodStart, periodEnd)
	if err != nil {
		e.recordFailure(ctx, rec, fmt.Sprintf("generate content: %v", err))
		return
	}

	recipients, err := e.source.Recipients(ctx, rec.RecipientGroup)
	if err != nil {
		e.recordFailure(ctx, rec, fmt.Sprintf("resolve recipients: %v", err))
		return
	}
	if len(recipients) == 0 {
		if err := rec.MarkSkipped(e.now()); err != nil {
			e.logger.Error("record transition rejected", ports.String("id", rec.ID), ports.Err(err))
			return
		}
		e.persist(ctx, rec)
		e.logger.Info("delivery skipped, group has no recipients",
			ports.String("group", rec.RecipientGroup))
		return
	}

	var undelivered []string
	for _, recipient := range recipients {
		if !e.sender.Send(ctx, recipient, content, dispatch.Options{}) {
			undelivered = append(undelivered, recipient)
		}
	}

	if len(undelivered) == 0 {
		if err := rec.MarkDelivered(e.now()); err != nil {
			e.logger.Error("record transition rejected", ports.String("id", rec.ID), ports.Err(err))
			return
		}
		e.persist(ctx, rec)
		e.logger.Info("delivery complete",
			ports.String("group", rec.RecipientGroup),
			ports.Int("recipients", len(recipients)))
		return
	}

	e.recordFailure(ctx, rec, fmt.Sprintf("undelivered to %d of %d recipients: %s",
		len(undelivered), len(recipients), strings.Join(undelivered, ", ")))
}

// recordFailure marks the record failed and, while under the retry
// ceiling, schedules a single requeue timer.
func (e *Engine) recordFailure(ctx context.Context, rec domain.DeliveryRecord, cause string) {
	if err := rec.MarkFailed(e.now(), cause); err != nil {
		e.logger.Error("record transition rejected", ports.String("id", rec.ID), ports.Err(err))
		return
	}
	e.persist(ctx, rec)

	e.mu.Lock()
	maxRetries := e.maxRetries
	e.mu.Unlock()

	if rec.Attempts < maxRetries {
		e.scheduleRetry(rec.ID, rec.PeriodStart)
		e.logger.Warn("delivery failed, retry scheduled",
			ports.String("group", rec.RecipientGroup),
			ports.Int("attempts", rec.Attempts),
			ports.String("cause", cause))
	} else {
		e.logger.Error("delivery failed, retry ceiling reached",
			ports.String("group", rec.RecipientGroup),
			ports.Int("attempts", rec.Attempts),
			ports.String("cause", cause))
	}
}

// scheduleRetry arms one retained timer per record. A record that
// already has a timer keeps it.
func (e *Engine) scheduleRetry(id string, period time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if _, ok := e.retryTimers[id]; ok {
		return
	}
	e.retryTimers[id] = time.AfterFunc(e.retryDelay, func() {
		e.retryRecord(id, period)
	})
}

// retryRecord fires when a retry timer elapses: requeue the record and
// run a cycle so it is dispatched again.
func (e *Engine) retryRecord(id string, period time.Time) {
	e.mu.Lock()
	delete(e.retryTimers, id)
	closed := e.closed
	ctx := e.ctx
	e.mu.Unlock()
	if closed {
		return
	}

	failed, err := e.store.FailedFor(ctx, period)
	if err != nil {
		e.logger.Error("retry lookup failed", ports.String("id", id), ports.Err(err))
		return
	}
	for _, rec := range failed {
		if rec.ID != id {
			continue
		}
		if err := rec.Requeue(); err != nil {
			e.logger.Error("retry requeue rejected", ports.String("id", id), ports.Err(err))
			return
		}
		if err := e.store.Update(ctx, rec); err != nil {
			e.logger.Error("retry requeue failed", ports.String("id", id), ports.Err(err))
			return
		}
		if err := e.RunFor(ctx, period); err != nil && !errors.Is(err, context.Canceled) {
			// A concurrent cycle picks the requeued record up itself.
			if !errors.Is(err, domain.ErrCycleInFlight) {
				e.logger.Error("retry cycle failed", ports.String("id", id), ports.Err(err))
			}
		}
		return
	}
	// Already delivered or requeued manually in the meantime.
}

func (e *Engine) cancelRetry(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.retryTimers[id]; ok {
		t.Stop()
		delete(e.retryTimers, id)
	}
}

func (e *Engine) persist(ctx context.Context, rec domain.DeliveryRecord) {
	if err := e.store.Update(ctx, rec); err != nil {
		e.logger.Error("record update failed", ports.String("id", rec.ID), ports.Err(err))
	}
}

func (e *Engine) beginCycle() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inFlight {
		return false
	}
	e.inFlight = true
	return true
}

func (e *Engine) endCycle() {
	e.mu.Lock()
	e.inFlight = false
	e.mu.Unlock()
}

func (e *Engine) currentPacing() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pacing
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = time.Nanosecond
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
