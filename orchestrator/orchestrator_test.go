package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-rod/rod"

	"github.com/slotrace/courtracer/executor"
	"github.com/slotrace/courtracer/reservation"
)

type fakePool struct {
	mu           sync.Mutex
	quarantined  map[int]bool
	acquireCalls []int
}

func newFakePool() *fakePool {
	return &fakePool{quarantined: make(map[int]bool)}
}

func (p *fakePool) AcquirePage(court int) (*rod.Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.acquireCalls = append(p.acquireCalls, court)
	if p.quarantined[court] {
		return nil, errors.New("court quarantined")
	}
	return nil, nil
}

type fakeCritical struct {
	mu     sync.Mutex
	active bool
	denied bool
}

func (c *fakeCritical) BeginCriticalOperation() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active {
		c.denied = true
		return false
	}
	c.active = true
	return true
}

func (c *fakeCritical) EndCriticalOperation() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = false
}

type fakeQueue struct {
	mu         sync.Mutex
	executing  []string
	confirmed  map[string]string
	failed     map[string]error
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{confirmed: make(map[string]string), failed: make(map[string]error)}
}

func (q *fakeQueue) MarkExecuting(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.executing = append(q.executing, id)
	return nil
}

func (q *fakeQueue) MarkConfirmed(ctx context.Context, id, confirmationID string, court int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.confirmed[id] = confirmationID
	return nil
}

func (q *fakeQueue) MarkFailed(ctx context.Context, id string, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failed[id] = cause
	return nil
}

func plannedAttempt(id string, primary int, fallbacks ...int) reservation.PlannedAttempt {
	return reservation.PlannedAttempt{
		Request: &reservation.Request{
			ID:         id,
			UserID:     "user-" + id,
			TargetDate: time.Now(),
			TargetTime: "10:00",
		},
		PrimaryCourt:   primary,
		FallbackCourts: fallbacks,
	}
}

func TestDispatchConfirmsAllWhenEveryAttemptSucceeds(t *testing.T) {
	pool := newFakePool()
	critical := &fakeCritical{}
	q := newFakeQueue()

	o := New(pool, critical, q, nil, executor.SpeedNormal)
	o.attempt = func(ctx context.Context, page *rod.Page, court int, targetDate time.Time, timeSlot string, contact reservation.Contact, speed executor.SpeedMultiplier) executor.Result {
		return executor.Result{Success: true, Court: court, ConfirmationID: "conf-" + timeSlot, FinalPhase: executor.PhaseConfirmed}
	}

	plan := reservation.Plan{Confirmed: []reservation.PlannedAttempt{
		plannedAttempt("r1", 1),
		plannedAttempt("r2", 2),
	}}

	o.Dispatch(context.Background(), "2026-08-01T10:00", plan)

	if len(q.confirmed) != 2 {
		t.Fatalf("expected both requests confirmed, got %+v", q.confirmed)
	}
	if critical.active {
		t.Fatal("expected critical operation token released after Dispatch returns")
	}
}

func TestDispatchReassignsFailureToFallbackCourt(t *testing.T) {
	pool := newFakePool()
	critical := &fakeCritical{}
	q := newFakeQueue()

	o := New(pool, critical, q, nil, executor.SpeedNormal)
	calls := 0
	var mu sync.Mutex
	o.attempt = func(ctx context.Context, page *rod.Page, court int, targetDate time.Time, timeSlot string, contact reservation.Contact, speed executor.SpeedMultiplier) executor.Result {
		mu.Lock()
		calls++
		mu.Unlock()
		if court == 1 {
			return executor.Result{Court: court, FinalPhase: executor.PhaseFailed, Err: executor.ErrTimeSlotNotFound}
		}
		return executor.Result{Success: true, Court: court, ConfirmationID: "conf", FinalPhase: executor.PhaseConfirmed}
	}

	plan := reservation.Plan{Confirmed: []reservation.PlannedAttempt{
		plannedAttempt("r1", 1, 2),
	}}

	o.Dispatch(context.Background(), "2026-08-01T10:00", plan)

	if calls != 2 {
		t.Fatalf("expected primary attempt plus one fallback retry, got %d calls", calls)
	}
	if q.confirmed["r1"] != "conf" {
		t.Fatalf("expected r1 eventually confirmed via fallback court, got %+v", q.confirmed)
	}
}

func TestDispatchGivesUpWhenNoFallbackCourtsRemain(t *testing.T) {
	pool := newFakePool()
	critical := &fakeCritical{}
	q := newFakeQueue()

	o := New(pool, critical, q, nil, executor.SpeedNormal)
	o.attempt = func(ctx context.Context, page *rod.Page, court int, targetDate time.Time, timeSlot string, contact reservation.Contact, speed executor.SpeedMultiplier) executor.Result {
		return executor.Result{Court: court, FinalPhase: executor.PhaseFailed, Err: executor.ErrConfirmationTimeout}
	}

	plan := reservation.Plan{Confirmed: []reservation.PlannedAttempt{
		plannedAttempt("r1", 1),
	}}

	o.Dispatch(context.Background(), "2026-08-01T10:00", plan)

	if _, ok := q.failed["r1"]; !ok {
		t.Fatalf("expected r1 recorded as failed, got confirmed=%+v failed=%+v", q.confirmed, q.failed)
	}
	if _, confirmed := q.confirmed["r1"]; confirmed {
		t.Fatal("r1 should not be confirmed: it had no fallback court")
	}
}

func TestDispatchDoesNotRetryBotDetectedAttemptOnFallback(t *testing.T) {
	pool := newFakePool()
	critical := &fakeCritical{}
	q := newFakeQueue()

	o := New(pool, critical, q, nil, executor.SpeedNormal)
	calls := 0
	var mu sync.Mutex
	o.attempt = func(ctx context.Context, page *rod.Page, court int, targetDate time.Time, timeSlot string, contact reservation.Contact, speed executor.SpeedMultiplier) executor.Result {
		mu.Lock()
		calls++
		mu.Unlock()
		return executor.Result{Court: court, FinalPhase: executor.PhaseDetectedAsBot, Err: executor.ErrBotDetected}
	}

	plan := reservation.Plan{Confirmed: []reservation.PlannedAttempt{
		plannedAttempt("r1", 1, 2),
	}}

	o.Dispatch(context.Background(), "2026-08-01T10:00", plan)

	if calls != 1 {
		t.Fatalf("expected bot detection to be terminal for the window with no fallback retry, got %d calls", calls)
	}
	if _, ok := q.failed["r1"]; !ok {
		t.Fatalf("expected r1 recorded as failed, got confirmed=%+v failed=%+v", q.confirmed, q.failed)
	}
}

func TestDispatchSkipsWhenCriticalOperationAlreadyInProgress(t *testing.T) {
	pool := newFakePool()
	critical := &fakeCritical{active: true}
	q := newFakeQueue()

	o := New(pool, critical, q, nil, executor.SpeedNormal)
	plan := reservation.Plan{Confirmed: []reservation.PlannedAttempt{plannedAttempt("r1", 1)}}

	o.Dispatch(context.Background(), "2026-08-01T10:00", plan)

	if len(q.executing) != 0 {
		t.Fatalf("expected no attempts run while another dispatch holds the critical token, got %+v", q.executing)
	}
}

func TestDispatchDoesNotReassignCourtFreedByWaitlistedRequest(t *testing.T) {
	pool := newFakePool()
	critical := &fakeCritical{}
	q := newFakeQueue()

	o := New(pool, critical, q, nil, executor.SpeedNormal)
	o.attempt = func(ctx context.Context, page *rod.Page, court int, targetDate time.Time, timeSlot string, contact reservation.Contact, speed executor.SpeedMultiplier) executor.Result {
		return executor.Result{Success: true, Court: court, ConfirmationID: "conf", FinalPhase: executor.PhaseConfirmed}
	}

	plan := reservation.Plan{
		Confirmed: []reservation.PlannedAttempt{plannedAttempt("r1", 1)},
		Waitlist:  []*reservation.Request{{ID: "r2"}},
	}

	o.Dispatch(context.Background(), "2026-08-01T10:00", plan)

	if q.confirmed["r1"] != "conf" {
		t.Fatalf("expected r1 confirmed, got %+v", q.confirmed)
	}
	if _, ok := q.confirmed["r2"]; ok {
		t.Fatal("a waitlisted request must never be confirmed")
	}
}
