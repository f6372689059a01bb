// Package dispatch sends outbound messages through the connection manager
// under a per-recipient throughput cap, retrying transient failures with
// bounded backoff.
package dispatch

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tallyline-io/courier/internal/ports"
)

// Limiter enforces a rolling per-recipient throughput cap. Buckets are
// created lazily on first send to a recipient and live only in memory; a
// process restart resets all limits.
type Limiter struct {
	mu        sync.Mutex
	perMinute int
	buckets   map[string]*rate.Limiter
}

// NewLimiter creates a limiter permitting perMinute sends per recipient
// over a rolling one-minute window.
func NewLimiter(perMinute int) *Limiter {
	if perMinute <= 0 {
		perMinute = 1
	}
	return &Limiter{
		perMinute: perMinute,
		buckets:   make(map[string]*rate.Limiter),
	}
}

// Check implements ports.RateLimiter.
func (l *Limiter) Check(recipient string) ports.RateDecision {
	l.mu.Lock()
	bucket, ok := l.buckets[recipient]
	if !ok {
		bucket = rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.perMinute)), l.perMinute)
		l.buckets[recipient] = bucket
	}
	l.mu.Unlock()

	res := bucket.Reserve()
	if !res.OK() {
		return ports.RateDecision{Allowed: false, RetryAfter: time.Minute / time.Duration(l.perMinute)}
	}
	if delay := res.Delay(); delay > 0 {
		// Not allowed right now; hand the permit back and report when a
		// retry would succeed.
		res.Cancel()
		return ports.RateDecision{Allowed: false, RetryAfter: delay}
	}
	return ports.RateDecision{Allowed: true, Remaining: int(bucket.Tokens())}
}

// SetRate updates the per-minute cap. Existing buckets are adjusted in
// place so in-window counts are preserved.
func (l *Limiter) SetRate(perMinute int) {
	if perMinute <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.perMinute = perMinute
	for _, bucket := range l.buckets {
		bucket.SetLimit(rate.Every(time.Minute / time.Duration(perMinute)))
		bucket.SetBurst(perMinute)
	}
}
