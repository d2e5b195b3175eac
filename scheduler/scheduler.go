// Package scheduler runs the cooperative tick loop that watches the queue
// for requests whose booking window is about to open, pre-positions the
// browser pool, and hands each (date, time) group to the orchestrator on
// the first tick at or after the moment its window opens, so dispatch can
// trail the window by up to one tick interval (spec §4.7).
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/slotrace/courtracer/allocator"
	"github.com/slotrace/courtracer/observability"
	"github.com/slotrace/courtracer/reservation"
)

// prePositionMargin is how far ahead of a window's true open moment the
// scheduler wakes a court's page for a refresh, so a stale page never costs
// the race its first second.
const prePositionMargin = 2 * time.Second

// horizonLookahead bounds how far into the future SelectEligible looks on
// each tick; windows further out than this are simply not yet tracked.
const horizonLookahead = 10 * time.Minute

// Queue is the subset of queue.Queue the scheduler depends on, declared
// locally so this package never imports queue directly for anything beyond
// what it actually calls.
type Queue interface {
	SelectEligible(now, horizon time.Time, bookingWindow time.Duration) []*reservation.Request
	MarkDispatching(ctx context.Context, id string) error
	ExpireStale(ctx context.Context, now time.Time, bookingWindow time.Duration) error
}

// Pool is the subset of browserpool.Pool the scheduler needs for
// pre-positioning refreshes.
type Pool interface {
	AvailableCourts() []int
	Refresh(ctx context.Context, court int) (skipped bool, err error)
	CriticalOperationInProgress() bool
}

// Dispatcher receives one window's allocation plan at the moment its
// booking window opens. orchestrator.Orchestrator implements this
// structurally; scheduler never imports orchestrator.
type Dispatcher interface {
	Dispatch(ctx context.Context, slotKey string, plan reservation.Plan)
}

// Scheduler is the single cooperative tick loop described in spec §4.7.
type Scheduler struct {
	queue   Queue
	pool    Pool
	dispatch Dispatcher
	courts  []reservation.Court

	bookingWindow time.Duration
	tickInterval  time.Duration

	limiter *TokenBucketLimiter
	breaker *CircuitBreaker

	windows *WindowQueue

	mu      sync.Mutex
	armed   map[string]*time.Timer
	plans   map[string]planMemo
	stopped chan struct{}
	done    chan struct{}
}

// Config bundles the tunables New needs.
type Config struct {
	BookingWindow time.Duration
	TickInterval  time.Duration // default 5s if zero
	ProbeRate     float64       // probes/sec per court, default 1
	ProbeBurst    int           // default 2
	MinHealthyRatio float64     // default 0.34 (roughly one third of courts)
}

// New builds a Scheduler wired against queue, pool, dispatcher and the
// configured courts.
func New(q Queue, pool Pool, dispatch Dispatcher, courts []reservation.Court, cfg Config) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 5 * time.Second
	}
	if cfg.ProbeRate <= 0 {
		cfg.ProbeRate = 1
	}
	if cfg.ProbeBurst <= 0 {
		cfg.ProbeBurst = 2
	}
	if cfg.MinHealthyRatio <= 0 {
		cfg.MinHealthyRatio = 0.34
	}

	return &Scheduler{
		queue:         q,
		pool:          pool,
		dispatch:      dispatch,
		courts:        courts,
		bookingWindow: cfg.BookingWindow,
		tickInterval:  cfg.TickInterval,
		limiter:       NewTokenBucketLimiter(cfg.ProbeRate, cfg.ProbeBurst),
		breaker:       NewCircuitBreaker(cfg.MinHealthyRatio),
		windows:       NewWindowQueue(),
		armed:         make(map[string]*time.Timer),
		plans:         make(map[string]planMemo),
		stopped:       make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Run blocks, ticking every TickInterval until ctx is cancelled or Stop is
// called. It never strands a request mid-dispatch: Stop only prevents new
// ticks from starting, it does not interrupt a tick already in progress,
// and a tick's own work completes within the same iteration it began.
func (s *Scheduler) Run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.cancelArmedTimers()
			return
		case <-s.stopped:
			s.cancelArmedTimers()
			return
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

// Stop signals Run to exit after its current tick, if any, completes.
func (s *Scheduler) Stop() {
	select {
	case <-s.stopped:
	default:
		close(s.stopped)
	}
	<-s.done
}

func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	defer func(start time.Time) {
		observability.SchedulerLoopDuration.Observe(time.Since(start).Seconds())
	}(time.Now())

	if err := s.queue.ExpireStale(ctx, now, s.bookingWindow); err != nil {
		log.Printf("scheduler: expire stale: %v", err)
	}

	horizon := now.Add(horizonLookahead)
	eligible := s.queue.SelectEligible(now, horizon, s.bookingWindow)
	grouped := groupBySlot(eligible)

	for slotKey, group := range grouped {
		open, err := group[0].WindowOpen(s.bookingWindow)
		if err != nil {
			log.Printf("scheduler: slot %s: invalid target time: %v", slotKey, err)
			continue
		}
		s.windows.Push(slotKey, open)
		s.armPrePositioning(ctx, slotKey, open)
		s.updateProvisionalPlan(slotKey, group)
	}

	for _, due := range s.windows.PopDue(now) {
		observability.WindowLatency.Observe(now.Sub(due.WindowOpen).Seconds())
		plan, ok := s.takeProvisionalPlan(due.SlotKey)
		if !ok {
			continue
		}
		s.dispatchSlot(ctx, due.SlotKey, plan, now.Sub(due.WindowOpen))
	}

	s.pacedRefresh(ctx)
}

func groupBySlot(requests []*reservation.Request) map[string][]*reservation.Request {
	grouped := make(map[string][]*reservation.Request)
	for _, r := range requests {
		key := r.SlotKey()
		grouped[key] = append(grouped[key], r)
	}
	return grouped
}

// planMemo is the scheduler's running allocation for one not-yet-dispatched
// slot, plus which request ids it has already accounted for, so a
// late-arriving higher-tier request can be folded in via allocator.Rerun
// (spec §4.6) rather than reshuffling everything from scratch every tick.
type planMemo struct {
	plan    reservation.Plan
	knownID map[string]bool
}

// updateProvisionalPlan keeps the in-progress allocation for slotKey
// current as the eligible group changes tick to tick. A brand-new slot is
// allocated outright; a slot already tracked only has its plan touched
// when a request the plan hasn't seen before shows up, in which case
// allocator.Rerun folds it in under the late-VIP bumping rule instead of
// recomputing the whole group (which would reorder FCFS ties among
// already-seen requests for no reason).
func (s *Scheduler) updateProvisionalPlan(slotKey string, group []*reservation.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	memo, exists := s.plans[slotKey]
	if !exists {
		plan := allocator.Allocate(group, s.courts)
		s.plans[slotKey] = planMemo{plan: plan, knownID: idSet(group)}
		return
	}

	for _, r := range group {
		if memo.knownID[r.ID] {
			continue
		}
		memo.plan = allocator.Rerun(memo.plan, r, s.courts)
		memo.knownID[r.ID] = true
	}
	s.plans[slotKey] = memo
}

// takeProvisionalPlan removes and returns the tracked plan for slotKey, if
// any was built.
func (s *Scheduler) takeProvisionalPlan(slotKey string) (reservation.Plan, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	memo, ok := s.plans[slotKey]
	delete(s.plans, slotKey)
	if !ok {
		return reservation.Plan{}, false
	}
	return memo.plan, true
}

func idSet(requests []*reservation.Request) map[string]bool {
	set := make(map[string]bool, len(requests))
	for _, r := range requests {
		set[r.ID] = true
	}
	return set
}

// armPrePositioning schedules a one-shot pre-positioning refresh at
// open - prePositionMargin (open is already the target time minus
// bookingWindow), mirroring the teacher's
// PushDelayed-via-time.AfterFunc pattern. Re-arming an already-armed slot is
// a no-op: the window-open time for a given slot never changes.
func (s *Scheduler) armPrePositioning(ctx context.Context, slotKey string, open time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.armed[slotKey]; exists {
		return
	}

	wake := time.Until(open.Add(-prePositionMargin))
	if wake < 0 {
		wake = 0
	}

	s.armed[slotKey] = time.AfterFunc(wake, func() {
		s.prePosition(ctx)
		s.mu.Lock()
		delete(s.armed, slotKey)
		s.mu.Unlock()
	})
}

func (s *Scheduler) cancelArmedTimers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, t := range s.armed {
		t.Stop()
		delete(s.armed, key)
	}
}

// prePosition refreshes every available court's page, skipping any court
// currently mid-dispatch (CriticalOperationInProgress) or rate-limited.
func (s *Scheduler) prePosition(ctx context.Context) {
	if s.pool.CriticalOperationInProgress() {
		return
	}
	for _, court := range s.pool.AvailableCourts() {
		if !s.limiter.Allow(court) {
			observability.LogDecision(observability.SchedulingDecision{
				Component: "scheduler",
				Decision:  "RATE_LIMIT_DELAY",
				Court:     court,
				Reason:    "pre-position probe rate exceeded",
			})
			continue
		}
		if skipped, err := s.pool.Refresh(ctx, court); err != nil {
			log.Printf("scheduler: pre-position refresh court %d: %v", court, err)
		} else if skipped {
			log.Printf("scheduler: pre-position refresh court %d skipped: dispatch in progress", court)
		}
	}
}

// pacedRefresh performs a light ongoing refresh pass between windows so
// idle court pages do not go stale while waiting for their next window.
func (s *Scheduler) pacedRefresh(ctx context.Context) {
	if s.pool.CriticalOperationInProgress() {
		return
	}
	for _, court := range s.pool.AvailableCourts() {
		if !s.limiter.Allow(court) {
			continue
		}
		if _, err := s.pool.Refresh(ctx, court); err != nil {
			log.Printf("scheduler: paced refresh court %d: %v", court, err)
		}
	}
}

func (s *Scheduler) dispatchSlot(ctx context.Context, slotKey string, plan reservation.Plan, windowLatency time.Duration) {
	healthy := len(s.pool.AvailableCourts())
	admitted := s.breaker.ShouldAdmit(healthy, len(s.courts))
	observability.CircuitState.WithLabelValues("scheduler").Set(observability.CircuitStateValue(s.breaker.State().String()))
	if !admitted {
		log.Printf("scheduler: circuit open, deferring dispatch for slot %s (%d/%d courts healthy)", slotKey, healthy, len(s.courts))
		observability.DispatchDecisions.WithLabelValues("deferred_circuit_open").Inc()
		observability.LogDecision(observability.SchedulingDecision{
			Component: "scheduler",
			Decision:  "DEFERRED_CIRCUIT_OPEN",
			SlotKey:   slotKey,
			Reason:    fmt.Sprintf("%d/%d courts healthy", healthy, len(s.courts)),
		})
		s.restoreProvisionalPlan(slotKey, plan)
		s.windows.Push(slotKey, time.Now().Add(s.tickInterval))
		return
	}

	for _, attempt := range plan.Confirmed {
		if err := s.queue.MarkDispatching(ctx, attempt.Request.ID); err != nil {
			log.Printf("scheduler: mark dispatching %s: %v", attempt.Request.ID, err)
		}
		observability.LogDecision(observability.SchedulingDecision{
			Component:  "scheduler",
			Decision:   "DISPATCH",
			SlotKey:    slotKey,
			Court:      attempt.PrimaryCourt,
			RequestID:  attempt.Request.ID,
			DurationMS: windowLatency.Milliseconds(),
		})
	}

	observability.DispatchDecisions.WithLabelValues("confirmed").Add(float64(len(plan.Confirmed)))
	observability.DispatchDecisions.WithLabelValues("waitlisted").Add(float64(len(plan.Waitlist)))

	s.dispatch.Dispatch(ctx, slotKey, plan)
	s.breaker.RecordSuccess()
}

// restoreProvisionalPlan re-stashes plan after a deferred dispatch
// (breaker open) so the next tick's updateProvisionalPlan resumes folding
// in late arrivals instead of starting over.
func (s *Scheduler) restoreProvisionalPlan(slotKey string, plan reservation.Plan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	known := idSet(plan.Waitlist)
	for _, attempt := range plan.Confirmed {
		known[attempt.Request.ID] = true
	}
	s.plans[slotKey] = planMemo{plan: plan, knownID: known}
}
