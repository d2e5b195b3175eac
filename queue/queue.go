// Package queue owns the reservation request backlog: state transitions,
// retry scheduling, and durability via a store.Store backend. It is the
// single source of truth the scheduler, allocator and orchestrator read
// from and write through.
package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/slotrace/courtracer/idempotency"
	"github.com/slotrace/courtracer/observability"
	"github.com/slotrace/courtracer/reservation"
	"github.com/slotrace/courtracer/store"
)

// retrySchedule mirrors spec §4.5: frequent retries in the first five
// minutes after the window opens, tapering off as the window ages.
var retrySchedule = []struct {
	withinAge time.Duration
	every     time.Duration
}{
	{5 * time.Minute, 30 * time.Second},
	{30 * time.Minute, 5 * time.Minute},
	{24 * time.Hour, 15 * time.Minute},
}

// defaultMaxRetryAttempts is the default retry ceiling before a request is marked
// expired. Overridable via Queue.MaxAttempts.
const defaultMaxRetryAttempts = 40

// Queue is the in-memory, store-backed reservation backlog. All mutating
// methods persist the full snapshot before returning, so a crash never
// loses an acknowledged state transition.
type Queue struct {
	mu      sync.RWMutex
	records map[string]*reservation.Request

	backing     store.Store
	guard       *idempotency.Guard
	MaxAttempts int
}

// New loads existing records from backing (if any) and returns a ready
// Queue. guard may be nil, in which case MarkExecuting falls back to an
// in-process lock only.
func New(ctx context.Context, backing store.Store, guard *idempotency.Guard) (*Queue, error) {
	if guard == nil {
		guard = idempotency.NewGuard(nil)
	}
	q := &Queue{
		records:     make(map[string]*reservation.Request),
		backing:     backing,
		guard:       guard,
		MaxAttempts: defaultMaxRetryAttempts,
	}
	if backing != nil {
		existing, err := backing.LoadAll(ctx)
		if err != nil {
			return nil, fmt.Errorf("queue: load: %w", err)
		}
		for _, r := range existing {
			q.records[r.ID] = r
		}
	}
	return q, nil
}

// persist must be called with mu held for writing.
func (q *Queue) persist(ctx context.Context) error {
	counts := make(map[reservation.State]int)
	for _, r := range q.records {
		counts[r.State]++
	}
	for _, state := range []reservation.State{
		reservation.StatePending, reservation.StateDispatching, reservation.StateExecuting,
		reservation.StateConfirmed, reservation.StateFailed, reservation.StateCancelled, reservation.StateExpired,
	} {
		observability.QueueDepth.WithLabelValues(string(state)).Set(float64(counts[state]))
	}

	if q.backing == nil {
		return nil
	}
	snapshot := make([]*reservation.Request, 0, len(q.records))
	for _, r := range q.records {
		snapshot = append(snapshot, r)
	}
	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].ID < snapshot[j].ID })
	return q.backing.Save(ctx, snapshot)
}

// Add inserts a new request in StatePending. Returns an error if the id is
// already present.
func (q *Queue) Add(ctx context.Context, r *reservation.Request) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.records[r.ID]; exists {
		return fmt.Errorf("queue: request %s already exists", r.ID)
	}
	clone := r.Clone()
	clone.State = reservation.StatePending
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	q.records[clone.ID] = clone
	return q.persist(ctx)
}

// Get returns a copy of the request with id, or false if it is unknown.
func (q *Queue) Get(id string) (*reservation.Request, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	r, ok := q.records[id]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// ListByState returns copies of every request currently in state s.
func (q *Queue) ListByState(s reservation.State) []*reservation.Request {
	q.mu.RLock()
	defer q.mu.RUnlock()
	var out []*reservation.Request
	for _, r := range q.records {
		if r.State == s {
			out = append(out, r.Clone())
		}
	}
	return out
}

// ListForUser returns copies of every request owned by userID.
func (q *Queue) ListForUser(userID string) []*reservation.Request {
	q.mu.RLock()
	defer q.mu.RUnlock()
	var out []*reservation.Request
	for _, r := range q.records {
		if r.UserID == userID {
			out = append(out, r.Clone())
		}
	}
	return out
}

// SelectEligible returns pending requests whose window opens at or before
// horizon, grouped implicitly by the caller (typically by SlotKey). A
// request that has previously failed is withheld until its backoff delay
// (spec §4.5's tiered retry schedule, NextRetryDelay) has elapsed since its
// last failure, so a failed request is not redispatched on the very next
// tick.
func (q *Queue) SelectEligible(now time.Time, horizon time.Time, bookingWindow time.Duration) []*reservation.Request {
	q.mu.RLock()
	defer q.mu.RUnlock()
	var out []*reservation.Request
	for _, r := range q.records {
		if r.State != reservation.StatePending {
			continue
		}
		open, err := r.WindowOpen(bookingWindow)
		if err != nil {
			continue
		}
		if open.After(horizon) {
			continue
		}
		if !r.LastFailureAt.IsZero() {
			delay := NextRetryDelay(now.Sub(open))
			if now.Sub(r.LastFailureAt) < delay {
				continue
			}
		}
		out = append(out, r.Clone())
	}
	return out
}

func (q *Queue) transition(ctx context.Context, id string, mutate func(r *reservation.Request) error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	r, ok := q.records[id]
	if !ok {
		return fmt.Errorf("queue: unknown request %s", id)
	}
	if err := mutate(r); err != nil {
		return err
	}
	return q.persist(ctx)
}

// MarkDispatching moves a pending request into StateDispatching, meaning
// the scheduler has handed it to the allocator for this window.
func (q *Queue) MarkDispatching(ctx context.Context, id string) error {
	return q.transition(ctx, id, func(r *reservation.Request) error {
		if r.State != reservation.StatePending {
			return fmt.Errorf("queue: %s: cannot dispatch from state %s", id, r.State)
		}
		r.State = reservation.StateDispatching
		return nil
	})
}

// MarkExecuting transitions a request into StateExecuting, first acquiring
// the per (user, slot) idempotency lock so two orchestrator goroutines can
// never race an executor onto the same member's slot (spec §4.5).
func (q *Queue) MarkExecuting(ctx context.Context, id string) error {
	q.mu.Lock()
	r, ok := q.records[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("queue: unknown request %s", id)
	}
	if r.State != reservation.StateDispatching {
		state := r.State
		q.mu.Unlock()
		return fmt.Errorf("queue: %s: cannot execute from state %s", id, state)
	}
	userID, slotKey := r.UserID, r.SlotKey()
	q.mu.Unlock()

	if q.guard != nil {
		acquired, err := q.guard.TryAcquire(ctx, userID, slotKey)
		if err != nil {
			return fmt.Errorf("queue: acquire lock for %s: %w", id, err)
		}
		if !acquired {
			observability.IdempotencyLockContention.Inc()
			return fmt.Errorf("queue: %s: already executing for user %s slot %s", id, userID, slotKey)
		}
	}

	return q.transition(ctx, id, func(r *reservation.Request) error {
		if r.State != reservation.StateDispatching {
			return fmt.Errorf("queue: %s: cannot execute from state %s", id, r.State)
		}
		r.State = reservation.StateExecuting
		r.Attempts++
		return nil
	})
}

// MarkConfirmed finalizes a successful attempt. Calling it twice with the
// same confirmation id is a no-op; calling it with a different id than one
// already recorded is rejected (spec §8: confirmation is stable once set).
func (q *Queue) MarkConfirmed(ctx context.Context, id, confirmationID string, court int) error {
	defer q.releaseGuard(id)
	return q.transition(ctx, id, func(r *reservation.Request) error {
		if r.State == reservation.StateConfirmed {
			if r.ConfirmationID != confirmationID {
				return fmt.Errorf("queue: %s: already confirmed with a different confirmation id", id)
			}
			return nil
		}
		if r.State != reservation.StateExecuting {
			return fmt.Errorf("queue: %s: cannot confirm from state %s", id, r.State)
		}
		r.State = reservation.StateConfirmed
		r.ConfirmationID = confirmationID
		r.CourtReserved = court
		r.LastError = ""
		return nil
	})
}

// MarkFailed records a failed attempt and returns the request to
// StatePending for retry, unless attempts have exhausted the ceiling, in
// which case it becomes StateExpired.
func (q *Queue) MarkFailed(ctx context.Context, id string, cause error) error {
	defer q.releaseGuard(id)
	maxAttempts := q.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxRetryAttempts
	}
	return q.transition(ctx, id, func(r *reservation.Request) error {
		if r.State.IsTerminal() {
			return nil
		}
		r.LastError = cause.Error()
		r.LastFailureAt = time.Now()
		if r.Attempts >= maxAttempts {
			r.State = reservation.StateExpired
			return nil
		}
		r.State = reservation.StatePending
		return nil
	})
}

// Cancel marks a request cancelled, regardless of its current state, unless
// already confirmed (a confirmed court hold cannot be retracted by queue
// bookkeeping alone).
func (q *Queue) Cancel(ctx context.Context, id string) error {
	defer q.releaseGuard(id)
	return q.transition(ctx, id, func(r *reservation.Request) error {
		if r.State == reservation.StateConfirmed {
			return fmt.Errorf("queue: %s: cannot cancel a confirmed reservation", id)
		}
		r.State = reservation.StateCancelled
		return nil
	})
}

// ExpireStale expires every request not yet confirmed, cancelled or expired
// whose window opened more than 24 hours before now. Requests that reach the
// retry ceiling are expired by MarkFailed, not here.
func (q *Queue) ExpireStale(ctx context.Context, now time.Time, bookingWindow time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	changed := false
	for _, r := range q.records {
		if r.State.IsTerminal() || r.State == reservation.StateExpired {
			continue
		}
		open, err := r.WindowOpen(bookingWindow)
		if err != nil {
			continue
		}
		if now.Sub(open) > 24*time.Hour {
			r.State = reservation.StateExpired
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return q.persist(ctx)
}

// NextRetryDelay returns how long to wait before retrying a failed request,
// chosen by windowAge (time since its window opened).
func NextRetryDelay(windowAge time.Duration) time.Duration {
	for _, tier := range retrySchedule {
		if windowAge <= tier.withinAge {
			return tier.every
		}
	}
	return retrySchedule[len(retrySchedule)-1].every
}

func (q *Queue) releaseGuard(id string) {
	if q.guard == nil {
		return
	}
	q.mu.RLock()
	r, ok := q.records[id]
	q.mu.RUnlock()
	if !ok {
		return
	}
	_ = q.guard.Release(context.Background(), r.UserID, r.SlotKey())
}
