package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/slotrace/courtracer/reservation"
)

type fakeQueue struct {
	mu           sync.Mutex
	pending      []*reservation.Request
	dispatched   []string
	expireCalls  int
}

func (f *fakeQueue) SelectEligible(now, horizon time.Time, bookingWindow time.Duration) []*reservation.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*reservation.Request
	for _, r := range f.pending {
		open, err := r.WindowOpen(bookingWindow)
		if err != nil {
			continue
		}
		if !open.After(horizon) {
			out = append(out, r.Clone())
		}
	}
	return out
}

func (f *fakeQueue) MarkDispatching(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dispatched = append(f.dispatched, id)
	return nil
}

func (f *fakeQueue) ExpireStale(ctx context.Context, now time.Time, bookingWindow time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expireCalls++
	return nil
}

type fakePool struct {
	mu          sync.Mutex
	available   []int
	refreshes   int
	criticalNow bool
}

func (f *fakePool) AvailableCourts() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.available...)
}

func (f *fakePool) Refresh(ctx context.Context, court int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	return false, nil
}

func (f *fakePool) CriticalOperationInProgress() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.criticalNow
}

type fakeDispatcher struct {
	mu    sync.Mutex
	calls []string
	plans map[string]reservation.Plan
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, slotKey string, plan reservation.Plan) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, slotKey)
	if f.plans == nil {
		f.plans = make(map[string]reservation.Plan)
	}
	f.plans[slotKey] = plan
}

func testCourts() []reservation.Court {
	return []reservation.Court{{Number: 1, URL: "https://example.test/1"}, {Number: 2, URL: "https://example.test/2"}}
}

func reqDueNow(id string, tier reservation.Tier) *reservation.Request {
	return &reservation.Request{
		ID:         id,
		UserID:     "user-" + id,
		Tier:       tier,
		State:      reservation.StatePending,
		CreatedAt:  time.Now().Add(-time.Hour),
		TargetDate: time.Now().Add(48 * time.Hour),
		TargetTime: time.Now().Add(48 * time.Hour).Format("15:04"),
	}
}

func TestTickDispatchesWindowAtOrPastOpen(t *testing.T) {
	q := &fakeQueue{pending: []*reservation.Request{reqDueNow("r1", reservation.TierRegular)}}
	pool := &fakePool{available: []int{1, 2}}
	dispatcher := &fakeDispatcher{}

	s := New(q, pool, dispatcher, testCourts(), Config{BookingWindow: 48 * time.Hour, TickInterval: time.Second})

	// The request's window opens "now" relative to its TargetTime, so the
	// first tick should both register and immediately dispatch it since
	// WindowQueue.PopDue treats not-after-now as due.
	s.tick(context.Background(), time.Now())

	if len(dispatcher.calls) != 1 {
		t.Fatalf("expected exactly one dispatch call, got %d: %v", len(dispatcher.calls), dispatcher.calls)
	}
}

func TestTickDoesNotDispatchFarFutureWindow(t *testing.T) {
	r := reqDueNow("r1", reservation.TierRegular)
	r.TargetDate = time.Now().Add(240 * time.Hour)
	r.TargetTime = r.TargetDate.Format("15:04")

	q := &fakeQueue{pending: []*reservation.Request{r}}
	pool := &fakePool{available: []int{1, 2}}
	dispatcher := &fakeDispatcher{}

	s := New(q, pool, dispatcher, testCourts(), Config{BookingWindow: 48 * time.Hour, TickInterval: time.Second})
	s.tick(context.Background(), time.Now())

	if len(dispatcher.calls) != 0 {
		t.Fatalf("expected no dispatch for a window far outside the lookahead horizon, got %v", dispatcher.calls)
	}
}

func TestTickDefersDispatchWhenCircuitOpen(t *testing.T) {
	q := &fakeQueue{pending: []*reservation.Request{reqDueNow("r1", reservation.TierRegular)}}
	pool := &fakePool{available: []int{}} // no healthy courts at all
	dispatcher := &fakeDispatcher{}

	s := New(q, pool, dispatcher, testCourts(), Config{BookingWindow: 48 * time.Hour, TickInterval: time.Second, MinHealthyRatio: 0.5})
	s.tick(context.Background(), time.Now())

	if len(dispatcher.calls) != 0 {
		t.Fatalf("expected dispatch deferred when circuit breaker trips on zero healthy courts, got %v", dispatcher.calls)
	}
}

func TestPrePositionSkipsRefreshDuringCriticalOperation(t *testing.T) {
	q := &fakeQueue{}
	pool := &fakePool{available: []int{1}, criticalNow: true}
	dispatcher := &fakeDispatcher{}

	s := New(q, pool, dispatcher, testCourts(), Config{BookingWindow: 48 * time.Hour})
	s.prePosition(context.Background())

	if pool.refreshes != 0 {
		t.Fatalf("expected no refresh while a critical operation is in progress, got %d", pool.refreshes)
	}
}

func TestStopUnblocksRunWithinOneTick(t *testing.T) {
	q := &fakeQueue{}
	pool := &fakePool{}
	dispatcher := &fakeDispatcher{}

	s := New(q, pool, dispatcher, testCourts(), Config{BookingWindow: 48 * time.Hour, TickInterval: 10 * time.Millisecond})

	done := make(chan struct{})
	go func() {
		s.Run(context.Background())
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	s.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestWindowQueuePopDueOrdersByWindowOpen(t *testing.T) {
	wq := NewWindowQueue()
	now := time.Now()
	wq.Push("late", now.Add(time.Hour))
	wq.Push("early", now.Add(-time.Minute))

	due := wq.PopDue(now)
	if len(due) != 1 || due[0].SlotKey != "early" {
		t.Fatalf("expected only the past-due slot to pop, got %+v", due)
	}
	if wq.Len() != 1 {
		t.Fatalf("expected one remaining item in the heap, got %d", wq.Len())
	}
}

func TestWindowQueuePushIgnoresDuplicateSlot(t *testing.T) {
	wq := NewWindowQueue()
	now := time.Now()
	wq.Push("slot", now.Add(time.Minute))
	wq.Push("slot", now.Add(time.Hour))

	if wq.Len() != 1 {
		t.Fatalf("expected duplicate slot key to be ignored, got len %d", wq.Len())
	}
	item, ok := wq.Peek()
	if !ok || !item.WindowOpen.Equal(now.Add(time.Minute)) {
		t.Fatalf("expected original window-open time to be kept, got %+v", item)
	}
}
