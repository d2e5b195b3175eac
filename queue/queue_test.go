package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/slotrace/courtracer/idempotency"
	"github.com/slotrace/courtracer/reservation"
)

func newTestRequest(id, userID string) *reservation.Request {
	return &reservation.Request{
		ID:         id,
		UserID:     userID,
		TargetDate: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
		TargetTime: "09:00",
		Tier:       reservation.TierRegular,
	}
}

func TestAddRejectsDuplicateID(t *testing.T) {
	ctx := context.Background()
	q, err := New(ctx, nil, idempotency.NewGuard(nil))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := q.Add(ctx, newTestRequest("r1", "u1")); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if err := q.Add(ctx, newTestRequest("r1", "u1")); err == nil {
		t.Fatal("expected duplicate id to be rejected")
	}
}

func TestLifecycleHappyPath(t *testing.T) {
	ctx := context.Background()
	q, err := New(ctx, nil, idempotency.NewGuard(nil))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := q.Add(ctx, newTestRequest("r1", "u1")); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := q.MarkDispatching(ctx, "r1"); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if err := q.MarkExecuting(ctx, "r1"); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if err := q.MarkConfirmed(ctx, "r1", "conf-123", 3); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	r, ok := q.Get("r1")
	if !ok {
		t.Fatal("expected request to exist")
	}
	if r.State != reservation.StateConfirmed {
		t.Fatalf("expected StateConfirmed, got %s", r.State)
	}
	if r.ConfirmationID != "conf-123" || r.CourtReserved != 3 {
		t.Fatalf("unexpected confirmation fields: %+v", r)
	}
}

func TestMarkConfirmedIsIdempotentOnSameID(t *testing.T) {
	ctx := context.Background()
	q, _ := New(ctx, nil, idempotency.NewGuard(nil))
	_ = q.Add(ctx, newTestRequest("r1", "u1"))
	_ = q.MarkDispatching(ctx, "r1")
	_ = q.MarkExecuting(ctx, "r1")

	if err := q.MarkConfirmed(ctx, "r1", "conf-123", 3); err != nil {
		t.Fatalf("first confirm: %v", err)
	}
	if err := q.MarkConfirmed(ctx, "r1", "conf-123", 3); err != nil {
		t.Fatalf("repeat confirm with same id should be a no-op: %v", err)
	}
}

func TestMarkConfirmedRejectsConflictingID(t *testing.T) {
	ctx := context.Background()
	q, _ := New(ctx, nil, idempotency.NewGuard(nil))
	_ = q.Add(ctx, newTestRequest("r1", "u1"))
	_ = q.MarkDispatching(ctx, "r1")
	_ = q.MarkExecuting(ctx, "r1")
	_ = q.MarkConfirmed(ctx, "r1", "conf-123", 3)

	if err := q.MarkConfirmed(ctx, "r1", "conf-999", 3); err == nil {
		t.Fatal("expected conflicting confirmation id to be rejected")
	}
}

func TestMarkExecutingRejectsConcurrentSameUserSlot(t *testing.T) {
	ctx := context.Background()
	guard := idempotency.NewGuard(nil)
	q, _ := New(ctx, nil, guard)

	_ = q.Add(ctx, newTestRequest("r1", "u1"))
	_ = q.Add(ctx, newTestRequest("r2", "u1"))
	_ = q.MarkDispatching(ctx, "r1")
	_ = q.MarkDispatching(ctx, "r2")

	// r1 and r2 are both for u1 at the same target date/time, so only one
	// may enter StateExecuting at a time.
	if err := q.MarkExecuting(ctx, "r1"); err != nil {
		t.Fatalf("first execute: %v", err)
	}
	if err := q.MarkExecuting(ctx, "r2"); err == nil {
		t.Fatal("expected second execute for same user+slot to fail")
	}
}

func TestMarkFailedRetriesThenExpires(t *testing.T) {
	ctx := context.Background()
	q, _ := New(ctx, nil, idempotency.NewGuard(nil))
	q.MaxAttempts = 2

	_ = q.Add(ctx, newTestRequest("r1", "u1"))
	_ = q.MarkDispatching(ctx, "r1")
	_ = q.MarkExecuting(ctx, "r1")
	if err := q.MarkFailed(ctx, "r1", errors.New("time slot not found")); err != nil {
		t.Fatalf("first fail: %v", err)
	}
	r, _ := q.Get("r1")
	if r.State != reservation.StatePending {
		t.Fatalf("expected retry to StatePending, got %s", r.State)
	}

	_ = q.MarkDispatching(ctx, "r1")
	_ = q.MarkExecuting(ctx, "r1")
	if err := q.MarkFailed(ctx, "r1", errors.New("submit button not found")); err != nil {
		t.Fatalf("second fail: %v", err)
	}
	r, _ = q.Get("r1")
	if r.State != reservation.StateExpired {
		t.Fatalf("expected StateExpired after exhausting attempts, got %s", r.State)
	}
}

func TestCancelRejectsConfirmed(t *testing.T) {
	ctx := context.Background()
	q, _ := New(ctx, nil, idempotency.NewGuard(nil))
	_ = q.Add(ctx, newTestRequest("r1", "u1"))
	_ = q.MarkDispatching(ctx, "r1")
	_ = q.MarkExecuting(ctx, "r1")
	_ = q.MarkConfirmed(ctx, "r1", "conf-1", 1)

	if err := q.Cancel(ctx, "r1"); err == nil {
		t.Fatal("expected cancel of a confirmed reservation to fail")
	}
}

func TestSelectEligibleHonorsBookingWindow(t *testing.T) {
	ctx := context.Background()
	q, _ := New(ctx, nil, idempotency.NewGuard(nil))

	r := newTestRequest("r1", "u1")
	_ = q.Add(ctx, r)

	bookingWindow := 48 * time.Hour
	open, err := r.WindowOpen(bookingWindow)
	if err != nil {
		t.Fatalf("WindowOpen: %v", err)
	}

	before := q.SelectEligible(open.Add(-time.Minute), open.Add(-time.Minute), bookingWindow)
	if len(before) != 0 {
		t.Fatalf("expected no eligible requests before window open, got %d", len(before))
	}
	after := q.SelectEligible(open.Add(time.Second), open.Add(time.Second), bookingWindow)
	if len(after) != 1 {
		t.Fatalf("expected 1 eligible request after window open, got %d", len(after))
	}
}

func TestSelectEligibleWithholdsFailedRequestUntilBackoffElapses(t *testing.T) {
	ctx := context.Background()
	q, _ := New(ctx, nil, idempotency.NewGuard(nil))

	r := newTestRequest("r1", "u1")
	_ = q.Add(ctx, r)

	bookingWindow := 48 * time.Hour
	open, err := r.WindowOpen(bookingWindow)
	if err != nil {
		t.Fatalf("WindowOpen: %v", err)
	}

	if err := q.MarkDispatching(ctx, "r1"); err != nil {
		t.Fatalf("MarkDispatching: %v", err)
	}
	if err := q.MarkExecuting(ctx, "r1"); err != nil {
		t.Fatalf("MarkExecuting: %v", err)
	}
	if err := q.MarkFailed(ctx, "r1", errors.New("boom")); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	now := open.Add(time.Second)
	// MarkFailed stamps LastFailureAt from the wall clock; align it with this
	// test's clock so the backoff is measured from the same instant.
	q.records["r1"].LastFailureAt = now
	immediately := q.SelectEligible(now, now, bookingWindow)
	if len(immediately) != 0 {
		t.Fatalf("expected failed request withheld immediately after failure, got %d", len(immediately))
	}

	later := now.Add(31 * time.Second) // past the first retry tier's 30s delay
	afterBackoff := q.SelectEligible(later, later, bookingWindow)
	if len(afterBackoff) != 1 {
		t.Fatalf("expected failed request eligible again once its backoff elapsed, got %d", len(afterBackoff))
	}
}

type fakeStore struct {
	saved []*reservation.Request
}

func (f *fakeStore) LoadAll(ctx context.Context) ([]*reservation.Request, error) { return nil, nil }
func (f *fakeStore) Save(ctx context.Context, records []*reservation.Request) error {
	f.saved = records
	return nil
}
func (f *fakeStore) Close() error { return nil }

func TestAddPersistsThroughBackingStore(t *testing.T) {
	ctx := context.Background()
	fs := &fakeStore{}
	q, err := New(ctx, fs, idempotency.NewGuard(nil))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := q.Add(ctx, newTestRequest("r1", "u1")); err != nil {
		t.Fatalf("add: %v", err)
	}
	if len(fs.saved) != 1 {
		t.Fatalf("expected backing store to receive 1 record, got %d", len(fs.saved))
	}
}
