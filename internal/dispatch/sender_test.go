package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tallyline-io/courier/internal/domain"
	"github.com/tallyline-io/courier/internal/ports"
	"github.com/tallyline-io/courier/pkg/log"
)

// fakeTransport scripts send outcomes per attempt.
type fakeTransport struct {
	mu       sync.Mutex
	errs     []error
	attempts int
	sentAt   []time.Time
}

func (f *fakeTransport) Send(ctx context.Context, recipient, content string) (domain.Ack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	f.sentAt = append(f.sentAt, time.Now())
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return domain.Ack{}, err
		}
	}
	return domain.Ack{MessageID: "m1", Timestamp: time.Now()}, nil
}

// fakeLimiter allows a fixed number of sends, then rejects with a
// configured retry-after.
type fakeLimiter struct {
	mu         sync.Mutex
	allowance  int
	retryAfter time.Duration
}

func (f *fakeLimiter) Check(recipient string) ports.RateDecision {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.allowance > 0 {
		f.allowance--
		return ports.RateDecision{Allowed: true, Remaining: f.allowance}
	}
	// Refill one permit for the next check so a waiting sender makes
	// progress after sleeping.
	f.allowance = 1
	return ports.RateDecision{Allowed: false, RetryAfter: f.retryAfter}
}

func newTestSender(tr Transport, lim ports.RateLimiter) *Sender {
	s := NewSender(tr, lim, 3, log.NewNoopLogger())
	s.backoffBase = 5 * time.Millisecond
	s.backoffCeil = 20 * time.Millisecond
	return s
}

func TestSend_Success(t *testing.T) {
	tr := &fakeTransport{}
	s := newTestSender(tr, &fakeLimiter{allowance: 10})

	if !s.Send(context.Background(), "alice", "hi", Options{}) {
		t.Fatal("Send = false, want true")
	}
	if tr.attempts != 1 {
		t.Errorf("attempts = %d, want 1", tr.attempts)
	}
}

func TestSend_TransportRetryThenSuccess(t *testing.T) {
	tr := &fakeTransport{errs: []error{errors.New("boom"), errors.New("boom")}}
	s := newTestSender(tr, &fakeLimiter{allowance: 10})

	if !s.Send(context.Background(), "alice", "hi", Options{}) {
		t.Fatal("Send = false, want true")
	}
	if tr.attempts != 3 {
		t.Errorf("attempts = %d, want 3", tr.attempts)
	}
}

func TestSend_RetriesExhausted(t *testing.T) {
	tr := &fakeTransport{errs: []error{errors.New("a"), errors.New("b"), errors.New("c")}}
	s := newTestSender(tr, &fakeLimiter{allowance: 10})

	if s.Send(context.Background(), "alice", "hi", Options{}) {
		t.Fatal("Send = true, want false")
	}
	if tr.attempts != 3 {
		t.Errorf("attempts = %d, want 3", tr.attempts)
	}
}

func TestSend_RateLimitDelaysThirdSend(t *testing.T) {
	// Limiter allows 2 sends, then rejects with a retry-after. A 3-send
	// batch must complete, with the 3rd observably delayed.
	const retryAfter = 40 * time.Millisecond
	tr := &fakeTransport{}
	s := newTestSender(tr, &fakeLimiter{allowance: 2, retryAfter: retryAfter})

	for i := 0; i < 3; i++ {
		if !s.Send(context.Background(), "alice", "hi", Options{}) {
			t.Fatalf("send %d failed", i+1)
		}
	}

	if len(tr.sentAt) != 3 {
		t.Fatalf("sends = %d, want 3", len(tr.sentAt))
	}
	gap := tr.sentAt[2].Sub(tr.sentAt[1])
	if gap < retryAfter {
		t.Errorf("third send gap = %v, want >= %v", gap, retryAfter)
	}
}

func TestSend_RateWaitBudgetExhausted(t *testing.T) {
	// A limiter that never admits and never refills burns the wait budget.
	tr := &fakeTransport{}
	lim := &neverLimiter{retryAfter: time.Millisecond}
	s := newTestSender(tr, lim)

	if s.Send(context.Background(), "alice", "hi", Options{MaxRetries: 2}) {
		t.Fatal("Send = true, want false")
	}
	if tr.attempts != 0 {
		t.Errorf("transport reached despite rate denial: %d attempts", tr.attempts)
	}
}

type neverLimiter struct{ retryAfter time.Duration }

func (n *neverLimiter) Check(string) ports.RateDecision {
	return ports.RateDecision{Allowed: false, RetryAfter: n.retryAfter}
}

func TestSend_ContextCancelled(t *testing.T) {
	tr := &fakeTransport{}
	s := newTestSender(tr, &neverLimiter{retryAfter: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	if s.Send(ctx, "alice", "hi", Options{}) {
		t.Fatal("Send = true, want false")
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("cancellation did not interrupt the rate wait")
	}
}

func TestBackoffDelay_Capped(t *testing.T) {
	s := NewSender(&fakeTransport{}, &fakeLimiter{}, 3, log.NewNoopLogger())
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, w := range want {
		if got := s.backoffDelay(i + 1); got != w {
			t.Errorf("backoffDelay(%d) = %v, want %v", i+1, got, w)
		}
	}
}
