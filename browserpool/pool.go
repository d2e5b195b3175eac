// Package browserpool keeps one warm headless-browser page per configured
// court for the lifetime of the process (spec §4.2).
package browserpool

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"

	"github.com/slotrace/courtracer/observability"
	"github.com/slotrace/courtracer/reservation"
)

// Readiness describes how much of the pool successfully initialised.
type Readiness int

const (
	ReadyNone Readiness = iota
	ReadyPartial
	ReadyFull
)

func (r Readiness) String() string {
	switch r {
	case ReadyFull:
		return "ready"
	case ReadyPartial:
		return "partially_ready"
	default:
		return "not_ready"
	}
}

type courtPage struct {
	court       reservation.Court
	page        *rod.Page
	quarantined bool
	lastRefresh time.Time
	mu          sync.Mutex
}

// Pool holds one dedicated *rod.Page per configured court. Acquiring a page
// for an executor's attempt is non-blocking: either it is there and healthy,
// or the call fails immediately so the caller can fall back.
type Pool struct {
	browser *rod.Browser

	mu      sync.Mutex
	courts  map[int]*courtPage
	courtsN int
	emergency *Emergency // non-nil once Recover's fourth strategy has activated it

	// attemptHistory holds the most recent real booking-attempt outcomes per
	// court, the "external probe" term of the composite health score: a
	// court's self-check can pass every signal and still fail the one thing
	// that actually matters, a live booking attempt against it.
	attemptHistory map[int][]bool
	// checkHistory holds the most recent CheckCourt pass/fail outcomes per
	// court, the "observed failure rate" term of the composite health score.
	checkHistory map[int][]bool

	criticalOperation chan struct{} // buffered(1): holding the token means a dispatch is in progress
}

// attemptHistoryLimit bounds how many recent attempt outcomes are kept per
// court for the composite health score.
const attemptHistoryLimit = 20

// RecordAttemptOutcome feeds one real booking attempt's result into court's
// rolling outcome history, so the next CheckCourt can weigh it into the
// composite score (browserpool/health.go). Callers type-assert for this
// method (orchestrator.AttemptRecorder) since not every PageAcquirer in
// tests implements it.
func (p *Pool) RecordAttemptOutcome(court int, success bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.attemptHistory == nil {
		p.attemptHistory = make(map[int][]bool)
	}
	hist := append(p.attemptHistory[court], success)
	if len(hist) > attemptHistoryLimit {
		hist = hist[len(hist)-attemptHistoryLimit:]
	}
	p.attemptHistory[court] = hist
}

// attemptSuccessRate returns the fraction of recent recorded attempts on
// court that succeeded, defaulting to 1 (no negative evidence yet) when no
// attempts have been recorded.
func (p *Pool) attemptSuccessRate(court int) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return successRate(p.attemptHistory[court])
}

// recordCheckOutcome feeds one CheckCourt self-check result into court's
// rolling history, the "observed failure rate" term of the composite score.
func (p *Pool) recordCheckOutcome(court int, passed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.checkHistory == nil {
		p.checkHistory = make(map[int][]bool)
	}
	hist := append(p.checkHistory[court], passed)
	if len(hist) > attemptHistoryLimit {
		hist = hist[len(hist)-attemptHistoryLimit:]
	}
	p.checkHistory[court] = hist
}

func (p *Pool) checkSuccessRate(court int) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return successRate(p.checkHistory[court])
}

func successRate(hist []bool) float64 {
	if len(hist) == 0 {
		return 1
	}
	successes := 0
	for _, ok := range hist {
		if ok {
			successes++
		}
	}
	return float64(successes) / float64(len(hist))
}

// New launches a single headless browser and navigates one page per court
// to its fixed scheduling URL. Courts that fail to navigate are recorded as
// quarantined rather than dropped, per spec §4.2's "never silently drop a
// court" rule.
func New(ctx context.Context, courts []reservation.Court) (*Pool, error) {
	browser, err := launchBrowser(ctx)
	if err != nil {
		return nil, err
	}

	p := &Pool{
		browser:           browser,
		courts:            make(map[int]*courtPage, len(courts)),
		courtsN:           len(courts),
		criticalOperation: make(chan struct{}, 1),
	}

	for _, c := range courts {
		if err := p.initCourt(ctx, c); err != nil {
			log.Printf("browserpool: court %d failed to initialise: %v", c.Number, err)
			p.courts[c.Number] = &courtPage{court: c, quarantined: true}
		}
	}

	return p, nil
}

// launchBrowser starts a single headless Chrome process and connects to it
// over CDP. Split out from New so the full-restart recovery strategy can
// reuse it without re-navigating every court twice.
func launchBrowser(ctx context.Context) (*rod.Browser, error) {
	l := launcher.New().
		Set("no-sandbox").
		Set("disable-dev-shm-usage").
		Headless(true)

	url, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("browserpool: launch: %w", err)
	}

	browser := rod.New().ControlURL(url).Context(ctx)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("browserpool: connect: %w", err)
	}
	return browser, nil
}

func (p *Pool) initCourt(ctx context.Context, court reservation.Court) error {
	page, err := p.browser.Context(ctx).Page(newBlankTarget())
	if err != nil {
		return err
	}
	if err := page.Context(ctx).Navigate(court.URL); err != nil {
		page.Close()
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.courts[court.Number] = &courtPage{court: court, page: page, lastRefresh: time.Now()}
	return nil
}

// Readiness reports whether all, some, or none of the configured courts
// have a healthy page.
func (p *Pool) Readiness() Readiness {
	p.mu.Lock()
	defer p.mu.Unlock()

	available := 0
	for _, cp := range p.courts {
		if !cp.quarantined {
			available++
		}
	}
	switch {
	case available == 0:
		return ReadyNone
	case available == p.courtsN:
		return ReadyFull
	default:
		return ReadyPartial
	}
}

// AvailableCourts returns the court numbers currently healthy and
// non-quarantined.
func (p *Pool) AvailableCourts() []int {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []int
	for n, cp := range p.courts {
		if !cp.quarantined {
			out = append(out, n)
		}
	}
	return out
}

// AcquirePage returns the dedicated page for court, failing immediately
// (never blocking) if the court is unknown or quarantined.
func (p *Pool) AcquirePage(court int) (*rod.Page, error) {
	p.mu.Lock()
	cp, ok := p.courts[court]
	p.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("browserpool: court %d not configured", court)
	}
	if cp.quarantined {
		return nil, fmt.Errorf("browserpool: court %d is quarantined", court)
	}
	return cp.page, nil
}

// BeginCriticalOperation marks a dispatch in progress, suppressing
// maintenance refreshes until EndCriticalOperation is called. It is
// non-blocking: if a critical operation is already in progress it returns
// false.
func (p *Pool) BeginCriticalOperation() bool {
	select {
	case p.criticalOperation <- struct{}{}:
		return true
	default:
		return false
	}
}

// EndCriticalOperation clears the flag set by BeginCriticalOperation.
func (p *Pool) EndCriticalOperation() {
	select {
	case <-p.criticalOperation:
	default:
	}
}

// CriticalOperationInProgress reports whether a dispatch currently holds
// the critical-operation token.
func (p *Pool) CriticalOperationInProgress() bool {
	return len(p.criticalOperation) > 0
}

// Refresh reloads a single court's page in place, preserving its navigated
// URL. It is a no-op (and reports skipped=true) if a critical operation is
// in progress, since refreshing mid-dispatch would race the executor
// driving that page.
func (p *Pool) Refresh(ctx context.Context, court int) (skipped bool, err error) {
	if p.CriticalOperationInProgress() {
		return true, nil
	}

	p.mu.Lock()
	cp, ok := p.courts[court]
	p.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("browserpool: court %d not configured", court)
	}

	cp.mu.Lock()
	defer cp.mu.Unlock()
	if err := cp.page.Context(ctx).Navigate(cp.court.URL); err != nil {
		return false, fmt.Errorf("browserpool: refresh court %d: %w", court, err)
	}
	cp.lastRefresh = time.Now()
	return false, nil
}

// Quarantine marks court unavailable after its page becomes unresponsive.
// The health/recovery pipeline is responsible for restoring it.
func (p *Pool) Quarantine(court int) {
	p.mu.Lock()
	_, ok := p.courts[court]
	if ok {
		p.courts[court].quarantined = true
	}
	p.mu.Unlock()

	if ok {
		observability.LogDecision(observability.SchedulingDecision{
			Component: "browserpool",
			Decision:  "QUARANTINE_DROP",
			Court:     court,
			Reason:    "court marked unresponsive",
		})
	}
}

// Unquarantine clears the quarantine flag after a successful recovery.
func (p *Pool) Unquarantine(court int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cp, ok := p.courts[court]; ok {
		cp.quarantined = false
	}
}

// ReplacePage installs a freshly created page for court, used by the
// recovery pipeline after recreating a failed court.
func (p *Pool) ReplacePage(court int, page *rod.Page) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cp, ok := p.courts[court]; ok {
		old := cp.page
		cp.page = page
		cp.quarantined = false
		cp.lastRefresh = time.Now()
		if old != nil {
			go old.Close()
		}
	}
}

// Browser exposes the underlying *rod.Browser for recovery operations that
// need to create fresh pages/contexts.
func (p *Pool) Browser() *rod.Browser { return p.browser }

// CourtURL returns the configured URL for court, used to renavigate during
// recovery.
func (p *Pool) CourtURL(court int) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp, ok := p.courts[court]
	if !ok {
		return "", false
	}
	return cp.court.URL, true
}

// Close shuts down the pool's browser, closing every page with it.
func (p *Pool) Close() error {
	p.mu.Lock()
	emergency := p.emergency
	p.mu.Unlock()
	if emergency != nil {
		emergency.Close()
	}
	return p.browser.Close()
}

// EmergencyActive reports whether Recover has already activated the
// standalone emergency browser (spec §4.3's fourth escalation strategy).
func (p *Pool) EmergencyActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.emergency != nil
}

// AcquireEmergencyPage opens a page on the standalone emergency browser,
// navigated directly to court's date+time booking URL rather than the
// calendar flow AcquirePage's warm pages use. It only succeeds once Recover
// has activated the emergency capability; the caller owns the returned page
// and must close it once the attempt is done.
func (p *Pool) AcquireEmergencyPage(ctx context.Context, court int, targetDate time.Time, targetTime string) (*rod.Page, error) {
	p.mu.Lock()
	emergency := p.emergency
	p.mu.Unlock()
	if emergency == nil {
		return nil, fmt.Errorf("browserpool: emergency fallback not active")
	}

	url, ok := p.CourtURL(court)
	if !ok {
		return nil, fmt.Errorf("browserpool: court %d not configured", court)
	}
	return emergency.Page(ctx, DirectBookingURL(url, targetDate, targetTime))
}
