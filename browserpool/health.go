package browserpool

import (
	"context"
	"fmt"
	"time"
)

// Status is the aggregated health of a component (pool or single court).
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusCritical Status = "critical"
	StatusFailed   Status = "failed"
)

// CourtChecks records which of the four per-court signals passed.
type CourtChecks struct {
	PageAccessible   bool
	ScriptExecutable bool
	NetworkReachable bool
	DOMQueryable     bool
}

func (c CourtChecks) passed() int {
	n := 0
	for _, ok := range []bool{c.PageAccessible, c.ScriptExecutable, c.NetworkReachable, c.DOMQueryable} {
		if ok {
			n++
		}
	}
	return n
}

// CourtHealth is one court's health record (spec §3's Health Record, scoped
// to a court).
type CourtHealth struct {
	Court        int
	Status       Status
	Checks       CourtChecks
	ResponseTime time.Duration
	LastCheck    time.Time
	Error        string

	// CompositeScore blends the self-check result with rolling history of
	// self-checks and real booking attempts into a single 0..1 continuous
	// signal for dashboards, supplementing the discrete Status above rather
	// than replacing it: dispatch/quarantine decisions still key off Status.
	CompositeScore float64
}

// PoolHealth is the aggregated result across every configured court.
type PoolHealth struct {
	Status       Status
	Message      string
	Courts       map[int]CourtHealth
	HealthyCount int
	DegradedCount int
	FailedCount  int
	CheckedAt    time.Time
}

// CheckCourt runs the four signal checks against court's dedicated page:
// the page is reachable, can execute a script, the network responds, and
// the DOM is queryable. Checks passed are aggregated into a four-of-four
// scale (spec §4.3): 4 -> healthy, >=3 -> degraded, >=1 -> critical, 0 ->
// failed.
func (p *Pool) CheckCourt(ctx context.Context, court int) CourtHealth {
	start := time.Now()
	page, err := p.AcquirePage(court)
	if err != nil {
		return CourtHealth{
			Court:     court,
			Status:    StatusFailed,
			LastCheck: start,
			Error:     err.Error(),
		}
	}

	var checks CourtChecks
	checks.PageAccessible = page.Context(ctx) != nil

	if info, err := page.Info(); err == nil && info != nil {
		checks.NetworkReachable = true
	}

	if res, err := page.Context(ctx).Eval(`() => typeof document !== 'undefined'`); err == nil && res.Value.Bool() {
		checks.ScriptExecutable = true
	}

	if res, err := page.Context(ctx).Eval(`() => document.querySelectorAll('button').length >= 0`); err == nil && res.Value.Bool() {
		checks.DOMQueryable = true
	}

	elapsed := time.Since(start)
	p.recordCheckOutcome(court, checks.passed() == 4)
	score := p.compositeScore(court, checks)
	status := statusForChecks(checks, score)

	var errMsg string
	if status == StatusFailed {
		errMsg = "no health signals passed"
	}

	return CourtHealth{
		Court:          court,
		Status:         status,
		Checks:         checks,
		ResponseTime:   elapsed,
		LastCheck:      time.Now(),
		Error:          errMsg,
		CompositeScore: score,
	}
}

// compositeScore blends the current self-check against rolling history,
// adapted from the teacher's NodeHealth.CalculateCompositeScore weighting:
// 0.2 on the immediate self-check, 0.5 on the self-check success rate over
// recent history, 0.3 on the success rate of the "external probe" of real
// booking attempts against the court (the strongest available signal, since it is
// the one thing a synthetic self-check cannot fake).
func (p *Pool) compositeScore(court int, checks CourtChecks) float64 {
	reported := float64(checks.passed()) / 4
	observed := p.checkSuccessRate(court)
	external := p.attemptSuccessRate(court)
	return 0.2*reported + 0.5*observed + 0.3*external
}

// statusForChecks applies the four-boolean-check thresholds (spec §4.3's
// contract, which dispatch/quarantine decisions key off), then lets the
// composite score nudge a borderline classification at the 3-of-4 and
// 1-of-4 boundaries, where self-checks alone are most often wrong about
// whether the court can actually complete a booking.
func statusForChecks(c CourtChecks, score float64) Status {
	switch p := c.passed(); {
	case p == 4:
		return StatusHealthy
	case p >= 3:
		if score < 0.5 {
			return StatusCritical
		}
		return StatusDegraded
	case p >= 1:
		if score >= 0.6 {
			return StatusDegraded
		}
		return StatusCritical
	default:
		return StatusFailed
	}
}

// CheckPool runs CheckCourt against every configured court and aggregates
// the results (spec §4.3's pool-health contract). A pool with zero
// configured courts is reported failed; one with every court healthy is
// reported healthy; anything with at least one healthy court is degraded;
// a pool with no healthy courts but some degraded/critical ones is
// critical; a pool with every court failed is failed.
func (p *Pool) CheckPool(ctx context.Context) PoolHealth {
	p.mu.Lock()
	courts := make([]int, 0, len(p.courts))
	for n := range p.courts {
		courts = append(courts, n)
	}
	p.mu.Unlock()
	result := PoolHealth{Courts: make(map[int]CourtHealth, len(courts)), CheckedAt: time.Now()}

	if len(courts) == 0 {
		result.Status = StatusFailed
		result.Message = "no courts configured in browser pool"
		return result
	}

	var healthy, degradedOrCritical, failed int
	for _, c := range courts {
		ch := p.CheckCourt(ctx, c)
		result.Courts[c] = ch
		switch ch.Status {
		case StatusHealthy:
			healthy++
		case StatusDegraded, StatusCritical:
			degradedOrCritical++
		default:
			failed++
		}
	}

	result.HealthyCount = healthy
	result.DegradedCount = degradedOrCritical
	result.FailedCount = failed

	switch {
	case healthy == len(courts):
		result.Status = StatusHealthy
		result.Message = fmt.Sprintf("all %d courts healthy", healthy)
	case healthy > 0:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d healthy, %d degraded, %d failed", healthy, degradedOrCritical, failed)
	case degradedOrCritical > 0:
		result.Status = StatusCritical
		result.Message = fmt.Sprintf("no healthy courts, %d degraded, %d failed", degradedOrCritical, failed)
	default:
		result.Status = StatusFailed
		result.Message = fmt.Sprintf("all %d courts failed", failed)
	}
	return result
}
