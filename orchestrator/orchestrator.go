// Package orchestrator is the per-window coordinator: given one (date,
// time) slot's allocation plan, it races one executor attempt per planned
// request against its assigned court, reassigning onto a court that frees
// up unreserved, and feeding the outcome back into the queue (spec §4.8).
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"golang.org/x/sync/errgroup"

	"github.com/slotrace/courtracer/executor"
	"github.com/slotrace/courtracer/notify"
	"github.com/slotrace/courtracer/reservation"
)

// attemptTimeout is the hard per-attempt kill switch: no single executor
// run is allowed to hold a court page past this, mirroring the teacher's
// reconciler hard-timeout discipline.
const attemptTimeout = 60 * time.Second

// PageAcquirer is the subset of browserpool.Pool the orchestrator drives:
// a non-blocking lookup of the dedicated page for a court.
type PageAcquirer interface {
	AcquirePage(court int) (*rod.Page, error)
}

// AttemptRecorder is implemented by browserpool.Pool to feed a completed
// booking attempt's outcome back into that court's composite health score
// (browserpool/health.go's "external probe" term) — the real thing
// CheckCourt's synthetic self-checks cannot measure directly. Checked via
// type assertion like EmergencyAcquirer, since fake pools in tests have no
// reason to track it.
type AttemptRecorder interface {
	RecordAttemptOutcome(court int, success bool)
}

// EmergencyAcquirer is implemented by browserpool.Pool once its fourth
// recovery strategy has activated the standalone single-browser fallback
// (spec §4.3). The orchestrator checks for it via type assertion, since most
// PageAcquirers in tests never activate it, and uses it as an absolute last
// resort after every fallback court is exhausted (spec §4.8, §9).
type EmergencyAcquirer interface {
	AcquireEmergencyPage(ctx context.Context, court int, targetDate time.Time, targetTime string) (*rod.Page, error)
}

// Queue is the subset of queue.Queue the orchestrator needs to record
// outcomes.
type Queue interface {
	MarkExecuting(ctx context.Context, id string) error
	MarkConfirmed(ctx context.Context, id, confirmationID string, court int) error
	MarkFailed(ctx context.Context, id string, cause error) error
}

// CriticalSection is implemented by browserpool.Pool; the orchestrator
// holds the critical-operation token for the duration of a window's
// dispatch so the scheduler's pre-positioning refresh never races a
// live attempt.
type CriticalSection interface {
	BeginCriticalOperation() bool
	EndCriticalOperation()
}

// attemptFunc matches executor.Attempt's signature. Declared as a field on
// Orchestrator (rather than calling executor.Attempt directly) so tests can
// substitute a stub and exercise the fan-out/reassignment logic without a
// real browser.
type attemptFunc func(ctx context.Context, page *rod.Page, court int, targetDate time.Time, timeSlot string, contact reservation.Contact, speed executor.SpeedMultiplier) executor.Result

// Orchestrator drives one window's dispatch at a time. A process runs
// exactly one Orchestrator per browser pool.
type Orchestrator struct {
	pool     PageAcquirer
	critical CriticalSection
	queue    Queue
	notifier notify.Notifier
	speed    executor.SpeedMultiplier
	attempt  attemptFunc
}

// New builds an Orchestrator. speed controls how aggressively the
// executor's human-timing delays are compressed; pass executor.SpeedNormal
// unless operating in experienced/trusted-account mode. notifier may be nil,
// in which case lifecycle events are simply not delivered anywhere.
func New(pool PageAcquirer, critical CriticalSection, q Queue, notifier notify.Notifier, speed executor.SpeedMultiplier) *Orchestrator {
	return &Orchestrator{pool: pool, critical: critical, queue: q, notifier: notifier, speed: speed, attempt: executor.Attempt}
}

func (o *Orchestrator) notify(ctx context.Context, userID string, event notify.Event) {
	if o.notifier == nil {
		return
	}
	event.Timestamp = time.Now()
	if err := o.notifier.Notify(ctx, userID, event); err != nil {
		log.Printf("orchestrator: notify user %s of %s: %v", userID, event.Type, err)
	}
}

// outcome pairs a planned attempt with its executor result, used to decide
// fallback reassignment once every primary attempt has resolved.
type outcome struct {
	attempt reservation.PlannedAttempt
	result  executor.Result
	err     error
}

// Dispatch fans out one executor attempt per planned request in plan,
// racing them concurrently via errgroup, then retries any unsuccessful
// attempt once against a court that came back free during the race.
// Dispatch never returns an error itself: every per-attempt failure is
// recorded on the queue and logged, since one request's failure must never
// abort its siblings racing for the same window.
func (o *Orchestrator) Dispatch(ctx context.Context, slotKey string, plan reservation.Plan) {
	if !o.critical.BeginCriticalOperation() {
		log.Printf("orchestrator: slot %s: another dispatch already in progress, skipping this tick", slotKey)
		return
	}
	defer o.critical.EndCriticalOperation()

	for _, r := range plan.Waitlist {
		log.Printf("orchestrator: slot %s: request %s waitlisted, no court available", slotKey, r.ID)
	}

	if len(plan.Confirmed) == 0 {
		return
	}

	results := o.runAttempts(ctx, slotKey, plan.Confirmed)
	o.reassignFailures(ctx, slotKey, results)
}

func (o *Orchestrator) runAttempts(ctx context.Context, slotKey string, attempts []reservation.PlannedAttempt) []outcome {
	results := make([]outcome, len(attempts))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for i, attempt := range attempts {
		i, attempt := i, attempt
		g.Go(func() error {
			res, err := o.runOne(gctx, attempt, attempt.PrimaryCourt)
			mu.Lock()
			results[i] = outcome{attempt: attempt, result: res, err: err}
			mu.Unlock()
			return nil // never abort siblings on one failure
		})
	}
	_ = g.Wait()
	return results
}

// runOne drives a single executor attempt end to end, recording the
// outcome on the queue before returning.
func (o *Orchestrator) runOne(ctx context.Context, attempt reservation.PlannedAttempt, court int) (executor.Result, error) {
	req := attempt.Request

	attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
	defer cancel()

	page, err := o.pool.AcquirePage(court)
	if err != nil {
		failErr := fmt.Errorf("acquire page for court %d: %w", court, err)
		o.recordFailure(attemptCtx, req.ID, failErr)
		return executor.Result{Court: court, Err: failErr}, failErr
	}

	if err := o.queue.MarkExecuting(attemptCtx, req.ID); err != nil {
		o.recordFailure(attemptCtx, req.ID, err)
		return executor.Result{Court: court, Err: err}, err
	}
	o.notify(attemptCtx, req.UserID, notify.Event{
		Type:      notify.EventDispatched,
		RequestID: req.ID,
		SlotKey:   req.SlotKey(),
		Court:     court,
		Message:   fmt.Sprintf("attempting to reserve court %d", court),
	})

	result := o.attempt(attemptCtx, page, court, req.TargetDate, req.TargetTime, req.Contact, o.speed)
	if recorder, ok := o.pool.(AttemptRecorder); ok {
		recorder.RecordAttemptOutcome(court, result.Success)
	}
	if result.Success {
		if err := o.queue.MarkConfirmed(attemptCtx, req.ID, result.ConfirmationID, court); err != nil {
			log.Printf("orchestrator: request %s: confirm after successful attempt: %v", req.ID, err)
		}
		o.notify(attemptCtx, req.UserID, notify.Event{
			Type:           notify.EventConfirmed,
			RequestID:      req.ID,
			SlotKey:        req.SlotKey(),
			Court:          court,
			ConfirmationID: result.ConfirmationID,
			Message:        fmt.Sprintf("reservation confirmed on court %d", court),
		})
		return result, nil
	}

	cause := result.Err
	if cause == nil {
		cause = fmt.Errorf("attempt on court %d ended unresolved in phase %s", court, result.FinalPhase)
	}
	o.recordFailure(attemptCtx, req.ID, cause)
	return result, cause
}

func (o *Orchestrator) recordFailure(ctx context.Context, id string, cause error) {
	if err := o.queue.MarkFailed(ctx, id, cause); err != nil {
		log.Printf("orchestrator: request %s: record failure: %v", id, err)
	}
}

func (o *Orchestrator) notifyFailure(ctx context.Context, req *reservation.Request, cause error) {
	o.notify(ctx, req.UserID, notify.Event{
		Type:      notify.EventFailed,
		RequestID: req.ID,
		SlotKey:   req.SlotKey(),
		Message:   cause.Error(),
	})
}

// reassignFailures retries each failed attempt once against the first of
// its fallback courts that no successful attempt in this dispatch reserved
// (spec §4.8: "fallback reassignment when a court frees up without being
// reserved"). Courts reserved by a successful attempt are never retargeted.
func (o *Orchestrator) reassignFailures(ctx context.Context, slotKey string, results []outcome) {
	reservedCourts := make(map[int]bool)
	for _, res := range results {
		if res.result.Success {
			reservedCourts[res.attempt.PrimaryCourt] = true
		}
	}

	for _, res := range results {
		if res.result.Success {
			continue
		}

		if errors.Is(res.err, executor.ErrBotDetected) {
			log.Printf("orchestrator: slot %s: request %s detected as bot, terminal for this window", slotKey, res.attempt.Request.ID)
			o.notifyFailure(ctx, res.attempt.Request, res.err)
			continue
		}

		fallback, ok := nextFreeFallback(res.attempt, reservedCourts)
		if !ok {
			if o.tryEmergency(ctx, slotKey, res.attempt) {
				continue
			}
			log.Printf("orchestrator: slot %s: request %s exhausted fallback courts", slotKey, res.attempt.Request.ID)
			o.notifyFailure(ctx, res.attempt.Request, res.err)
			continue
		}

		log.Printf("orchestrator: slot %s: retrying request %s on fallback court %d", slotKey, res.attempt.Request.ID, fallback)
		retryResult, err := o.runOne(ctx, res.attempt, fallback)
		if err == nil && retryResult.Success {
			reservedCourts[fallback] = true
		} else {
			o.notifyFailure(ctx, res.attempt.Request, err)
		}
	}
}

// tryEmergency attempts one booking via the standalone emergency browser's
// direct date+time URL (spec §4.3's fourth recovery strategy, spec §4.8's
// absolute last resort) once every configured fallback court for attempt is
// exhausted. Reports false without side effects if the pool never activated
// the emergency capability.
func (o *Orchestrator) tryEmergency(ctx context.Context, slotKey string, attempt reservation.PlannedAttempt) bool {
	emergency, ok := o.pool.(EmergencyAcquirer)
	if !ok {
		return false
	}

	req := attempt.Request
	page, err := emergency.AcquireEmergencyPage(ctx, attempt.PrimaryCourt, req.TargetDate, req.TargetTime)
	if err != nil {
		return false
	}
	defer page.Close()

	log.Printf("orchestrator: slot %s: request %s attempting emergency direct-URL booking on court %d", slotKey, req.ID, attempt.PrimaryCourt)
	result := o.attempt(ctx, page, attempt.PrimaryCourt, req.TargetDate, req.TargetTime, req.Contact, o.speed)
	if !result.Success {
		cause := result.Err
		if cause == nil {
			cause = fmt.Errorf("emergency attempt on court %d ended unresolved in phase %s", attempt.PrimaryCourt, result.FinalPhase)
		}
		o.recordFailure(ctx, req.ID, cause)
		return false
	}

	if err := o.queue.MarkConfirmed(ctx, req.ID, result.ConfirmationID, attempt.PrimaryCourt); err != nil {
		log.Printf("orchestrator: request %s: confirm after emergency attempt: %v", req.ID, err)
	}
	o.notify(ctx, req.UserID, notify.Event{
		Type:           notify.EventConfirmed,
		RequestID:      req.ID,
		SlotKey:        req.SlotKey(),
		Court:          attempt.PrimaryCourt,
		ConfirmationID: result.ConfirmationID,
		Message:        fmt.Sprintf("reservation confirmed via emergency fallback on court %d", attempt.PrimaryCourt),
	})
	return true
}

func nextFreeFallback(attempt reservation.PlannedAttempt, reserved map[int]bool) (int, bool) {
	for _, court := range attempt.FallbackCourts {
		if !reserved[court] {
			return court, true
		}
	}
	return 0, false
}
