package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/tallyline-io/courier/internal/domain"
	"github.com/tallyline-io/courier/internal/ports"
)

// Default send retry parameters.
const (
	DefaultMaxRetries  = 3
	defaultBackoffBase = time.Second
	defaultBackoffCeil = 5 * time.Second
)

// Transport delivers one message over the live channel session. The
// connection manager's send primitive satisfies this.
type Transport interface {
	Send(ctx context.Context, recipient, content string) (domain.Ack, error)
}

// Options tunes a single Send call.
type Options struct {
	// MaxRetries bounds both the rate-limit waits and the transport retry
	// attempts. Zero means the sender's configured default.
	MaxRetries int
}

// Sender delivers messages under the per-recipient rate limit, retrying
// transient transport failures with capped exponential backoff. Send
// reports failure as false, never as an error: callers decide whether an
// undelivered message should surface to an end user.
//
// The rate-limit wait loop and the transport retry loop keep separate
// budgets, each bounded by MaxRetries.
type Sender struct {
	transport Transport
	limiter   ports.RateLimiter
	logger    ports.Logger

	mu         sync.Mutex
	maxRetries int

	backoffBase time.Duration
	backoffCeil time.Duration
}

// NewSender creates a rate-limited sender.
func NewSender(transport Transport, limiter ports.RateLimiter, maxRetries int, logger ports.Logger) *Sender {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Sender{
		transport:   transport,
		limiter:     limiter,
		logger:      logger,
		maxRetries:  maxRetries,
		backoffBase: defaultBackoffBase,
		backoffCeil: defaultBackoffCeil,
	}
}

// SetMaxRetries updates the default retry budget.
func (s *Sender) SetMaxRetries(n int) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	s.maxRetries = n
	s.mu.Unlock()
}

// Send delivers content to recipient. It returns true when the channel
// acknowledged the message and false when the retry budgets were
// exhausted or the context was cancelled.
func (s *Sender) Send(ctx context.Context, recipient, content string, opts Options) bool {
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		s.mu.Lock()
		maxRetries = s.maxRetries
		s.mu.Unlock()
	}

	rateWaits := 0
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if !s.waitForPermit(ctx, recipient, maxRetries, &rateWaits) {
			return false
		}

		ack, err := s.transport.Send(ctx, recipient, content)
		if err == nil {
			s.logger.Debug("message sent",
				ports.String("recipient", recipient),
				ports.String("message_id", ack.MessageID),
				ports.Int("attempt", attempt))
			return true
		}

		s.logger.Warn("send attempt failed",
			ports.String("recipient", recipient),
			ports.Int("attempt", attempt),
			ports.Err(err))

		if attempt < maxRetries {
			if !sleepCtx(ctx, s.backoffDelay(attempt)) {
				return false
			}
		}
	}

	s.logger.Error("send abandoned, retries exhausted",
		ports.String("recipient", recipient),
		ports.Int("attempts", maxRetries))
	return false
}

// waitForPermit blocks until the limiter admits the recipient, sleeping
// the advertised retry-after between checks. Waits consume their own
// budget of maxRetries.
func (s *Sender) waitForPermit(ctx context.Context, recipient string, maxRetries int, rateWaits *int) bool {
	for {
		d := s.limiter.Check(recipient)
		if d.Allowed {
			return true
		}
		if d.RetryAfter <= 0 || *rateWaits >= maxRetries {
			s.logger.Warn("rate limit wait budget exhausted",
				ports.String("recipient", recipient),
				ports.Int("waits", *rateWaits))
			return false
		}
		*rateWaits++
		s.logger.Debug("rate limited, waiting",
			ports.String("recipient", recipient),
			ports.Duration("retry_after", d.RetryAfter))
		if !sleepCtx(ctx, d.RetryAfter) {
			return false
		}
	}
}

// backoffDelay computes min(base * 2^(attempt-1), ceiling).
func (s *Sender) backoffDelay(attempt int) time.Duration {
	delay := s.backoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= s.backoffCeil {
			return s.backoffCeil
		}
	}
	if delay > s.backoffCeil {
		return s.backoffCeil
	}
	return delay
}

// sleepCtx sleeps for d unless the context is cancelled first.
// Returns false on cancellation.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
