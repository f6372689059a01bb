package delivery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/tallyline-io/courier/internal/dispatch"
	"github.com/tallyline-io/courier/internal/domain"
	"github.com/tallyline-io/courier/pkg/log"
)

type memStore struct {
	mu   sync.Mutex
	recs map[string]domain.DeliveryRecord
	seq  int
}

func newMemStore() *memStore {
	return &memStore{recs: make(map[string]domain.DeliveryRecord)}
}

func (s *memStore) EnsurePending(_ context.Context, group string, periodStart time.Time) (domain.DeliveryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.recs {
		if r.RecipientGroup == group && r.PeriodStart.Equal(periodStart) {
			return r, nil
		}
	}
	s.seq++
	rec := domain.DeliveryRecord{
		ID:             fmt.Sprintf("rec-%d", s.seq),
		RecipientGroup: group,
		PeriodStart:    periodStart,
		Status:         domain.DeliveryPending,
		CreatedAt:      time.Unix(int64(s.seq), 0),
	}
	s.recs[rec.ID] = rec
	return rec, nil
}

func (s *memStore) PendingFor(_ context.Context, periodStart time.Time) ([]domain.DeliveryRecord, error) {
	return s.byStatus(periodStart, domain.DeliveryPending), nil
}

func (s *memStore) FailedFor(_ context.Context, periodStart time.Time) ([]domain.DeliveryRecord, error) {
	return s.byStatus(periodStart, domain.DeliveryFailed), nil
}

func (s *memStore) byStatus(periodStart time.Time, status domain.DeliveryStatus) []domain.DeliveryRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.DeliveryRecord
	for _, r := range s.recs {
		if r.PeriodStart.Equal(periodStart) && r.Status == status {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *memStore) Update(_ context.Context, record domain.DeliveryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[record.ID]; !ok {
		return errors.New("no such record")
	}
	s.recs[record.ID] = record
	return nil
}

func (s *memStore) CountByStatus(_ context.Context, periodStart time.Time) (map[domain.DeliveryStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[domain.DeliveryStatus]int)
	for _, r := range s.recs {
		if r.PeriodStart.Equal(periodStart) {
			counts[r.Status]++
		}
	}
	return counts, nil
}

func (s *memStore) get(t *testing.T, id string) domain.DeliveryRecord {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok {
		t.Fatalf("no record %s", id)
	}
	return rec
}

type fakeSource struct {
	recipients map[string][]string
	contentErr error
}

func (f *fakeSource) Content(_ context.Context, group string, _, _ time.Time) (string, error) {
	if f.contentErr != nil {
		return "", f.contentErr
	}
	return "report for " + group, nil
}

func (f *fakeSource) Recipients(_ context.Context, group string) ([]string, error) {
	return f.recipients[group], nil
}

type sendCall struct {
	recipient string
	content   string
	at        time.Time
}

type fakeSender struct {
	mu      sync.Mutex
	calls   []sendCall
	failing map[string]bool
	block   chan struct{}
}

func (f *fakeSender) Send(_ context.Context, recipient, content string, _ dispatch.Options) bool {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sendCall{recipient: recipient, content: content, at: time.Now()})
	return !f.failing[recipient]
}

func (f *fakeSender) sends() []sendCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sendCall(nil), f.calls...)
}

func testEngine(store *memStore, source *fakeSource, sender *fakeSender, groups []string) *Engine {
	return NewEngine(Config{
		Groups:     groups,
		Location:   time.UTC,
		Pacing:     50 * time.Millisecond,
		MaxRetries: 3,
		RetryDelay: 25 * time.Millisecond,
	}, store, source, sender, log.NewNoopLogger())
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before timeout")
}

var testDate = time.Date(2026, 8, 29, 0, 0, 0, 0, time.UTC)

func TestCycleDeliversAllGroupsWithPacing(t *testing.T) {
	store := newMemStore()
	source := &fakeSource{recipients: map[string][]string{
		"boss":     {"+621"},
		"investor": {"+622"},
		"employee": {"+623"},
	}}
	sender := &fakeSender{}
	eng := testEngine(store, source, sender, []string{"boss", "investor", "employee"})

	if err := eng.RunFor(context.Background(), testDate); err != nil {
		t.Fatalf("RunFor: %v", err)
	}

	counts, err := eng.Summary(context.Background(), testDate)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if counts[domain.DeliveryDelivered] != 3 {
		t.Fatalf("counts = %v, want 3 delivered", counts)
	}

	calls := sender.sends()
	if len(calls) != 3 {
		t.Fatalf("sends = %d, want 3", len(calls))
	}
	for _, c := range calls {
		if c.content == "" {
			t.Fatalf("empty content sent to %s", c.recipient)
		}
	}
	// Three records, two pacing gaps between them.
	for i := 1; i < 3; i++ {
		gap := calls[i].at.Sub(calls[i-1].at)
		if gap < 45*time.Millisecond {
			t.Fatalf("gap %d = %v, want >= pacing", i, gap)
		}
	}
}

func TestCycleSkipsGroupWithoutRecipients(t *testing.T) {
	store := newMemStore()
	source := &fakeSource{recipients: map[string][]string{"boss": {"+621"}}}
	sender := &fakeSender{}
	eng := testEngine(store, source, sender, []string{"boss", "investor"})

	if err := eng.RunFor(context.Background(), testDate); err != nil {
		t.Fatalf("RunFor: %v", err)
	}

	counts, _ := eng.Summary(context.Background(), testDate)
	if counts[domain.DeliveryDelivered] != 1 || counts[domain.DeliverySkipped] != 1 {
		t.Fatalf("counts = %v, want 1 delivered and 1 skipped", counts)
	}
	if len(sender.sends()) != 1 {
		t.Fatalf("sends = %d, want 1", len(sender.sends()))
	}
}

func TestFailedRecordIsRequeuedByRetryTimer(t *testing.T) {
	store := newMemStore()
	source := &fakeSource{recipients: map[string][]string{"boss": {"+621"}}}
	sender := &fakeSender{failing: map[string]bool{"+621": true}}
	eng := testEngine(store, source, sender, []string{"boss"})
	defer eng.Shutdown()

	if err := eng.RunFor(context.Background(), testDate); err != nil {
		t.Fatalf("RunFor: %v", err)
	}
	rec := store.get(t, "rec-1")
	if rec.Status != domain.DeliveryFailed || rec.Attempts != 1 {
		t.Fatalf("record = %+v, want failed with 1 attempt", rec)
	}
	if rec.LastError == "" {
		t.Fatal("expected error captured on failure")
	}

	// Let the retry timer fire with the transport healthy again.
	sender.mu.Lock()
	sender.failing["+621"] = false
	sender.mu.Unlock()

	waitUntil(t, 2*time.Second, func() bool {
		return store.get(t, "rec-1").Status == domain.DeliveryDelivered
	})
	if got := store.get(t, "rec-1").Attempts; got != 1 {
		t.Fatalf("attempts = %d, want 1 preserved across requeue", got)
	}
}

func TestRetryCeilingStopsAutomaticRequeue(t *testing.T) {
	store := newMemStore()
	source := &fakeSource{recipients: map[string][]string{"boss": {"+621"}}}
	sender := &fakeSender{failing: map[string]bool{"+621": true}}
	eng := testEngine(store, source, sender, []string{"boss"})
	eng.SetTunables(0, 2, 0)
	defer eng.Shutdown()

	if err := eng.RunFor(context.Background(), testDate); err != nil {
		t.Fatalf("RunFor: %v", err)
	}

	// One automatic retry brings attempts to the ceiling of 2.
	waitUntil(t, 2*time.Second, func() bool {
		return store.get(t, "rec-1").Attempts == 2
	})
	time.Sleep(100 * time.Millisecond)

	rec := store.get(t, "rec-1")
	if rec.Status != domain.DeliveryFailed {
		t.Fatalf("status = %q, want failed", rec.Status)
	}
	if rec.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", rec.Attempts)
	}
	if n := len(sender.sends()); n != 2 {
		t.Fatalf("sends = %d, want 2 (no retry past ceiling)", n)
	}
}

func TestRetryFailedBypassesCeiling(t *testing.T) {
	store := newMemStore()
	source := &fakeSource{recipients: map[string][]string{"boss": {"+621"}}}
	sender := &fakeSender{failing: map[string]bool{"+621": true}}
	eng := testEngine(store, source, sender, []string{"boss"})
	eng.SetTunables(0, 1, 0)
	defer eng.Shutdown()

	if err := eng.RunFor(context.Background(), testDate); err != nil {
		t.Fatalf("RunFor: %v", err)
	}
	if rec := store.get(t, "rec-1"); rec.Status != domain.DeliveryFailed {
		t.Fatalf("status = %q, want failed at ceiling", rec.Status)
	}

	sender.mu.Lock()
	sender.failing["+621"] = false
	sender.mu.Unlock()

	if err := eng.RetryFailed(context.Background(), testDate); err != nil {
		t.Fatalf("RetryFailed: %v", err)
	}
	if rec := store.get(t, "rec-1"); rec.Status != domain.DeliveryDelivered {
		t.Fatalf("status = %q, want delivered after manual retry", rec.Status)
	}
}

func TestConcurrentCycleIsRejected(t *testing.T) {
	store := newMemStore()
	source := &fakeSource{recipients: map[string][]string{"boss": {"+621"}}}
	sender := &fakeSender{block: make(chan struct{})}
	eng := testEngine(store, source, sender, []string{"boss"})

	done := make(chan error, 1)
	go func() { done <- eng.RunFor(context.Background(), testDate) }()

	waitUntil(t, time.Second, func() bool {
		eng.mu.Lock()
		defer eng.mu.Unlock()
		return eng.inFlight
	})

	if err := eng.RunFor(context.Background(), testDate); !errors.Is(err, domain.ErrCycleInFlight) {
		t.Fatalf("concurrent RunFor = %v, want ErrCycleInFlight", err)
	}

	close(sender.block)
	if err := <-done; err != nil {
		t.Fatalf("first cycle: %v", err)
	}
}

func TestContentErrorMarksFailed(t *testing.T) {
	store := newMemStore()
	source := &fakeSource{
		recipients: map[string][]string{"boss": {"+621"}},
		contentErr: errors.New("report source offline"),
	}
	sender := &fakeSender{}
	eng := testEngine(store, source, sender, []string{"boss"})
	defer eng.Shutdown()

	if err := eng.RunFor(context.Background(), testDate); err != nil {
		t.Fatalf("RunFor: %v", err)
	}
	rec := store.get(t, "rec-1")
	if rec.Status != domain.DeliveryFailed {
		t.Fatalf("status = %q, want failed", rec.Status)
	}
	if len(sender.sends()) != 0 {
		t.Fatal("no message should be sent when content generation fails")
	}
}

func TestShutdownCancelsRetryTimers(t *testing.T) {
	store := newMemStore()
	source := &fakeSource{recipients: map[string][]string{"boss": {"+621"}}}
	sender := &fakeSender{failing: map[string]bool{"+621": true}}
	eng := testEngine(store, source, sender, []string{"boss"})

	if err := eng.RunFor(context.Background(), testDate); err != nil {
		t.Fatalf("RunFor: %v", err)
	}
	eng.Shutdown()
	time.Sleep(100 * time.Millisecond)

	if n := len(sender.sends()); n != 1 {
		t.Fatalf("sends = %d, want 1 after shutdown", n)
	}
	if rec := store.get(t, "rec-1"); rec.Status != domain.DeliveryFailed {
		t.Fatalf("status = %q, want failed retained for restart", rec.Status)
	}
}

func TestEnsurePendingOnlyForConfiguredGroups(t *testing.T) {
	store := newMemStore()
	source := &fakeSource{recipients: map[string][]string{"boss": {"+621"}}}
	sender := &fakeSender{}
	eng := testEngine(store, source, sender, []string{"boss"})

	if err := eng.RunFor(context.Background(), testDate); err != nil {
		t.Fatalf("RunFor: %v", err)
	}
	counts, _ := eng.Summary(context.Background(), testDate)
	total := 0
	for _, n := range counts {
		total += n
	}
	if total != 1 {
		t.Fatalf("records = %d, want exactly one per configured group", total)
	}
}
