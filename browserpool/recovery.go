package browserpool

import (
	"context"
	"fmt"
	"log"
	"time"
)

// RecoveryStrategy names which of the four ordered escalation strategies a
// recovery attempt used.
type RecoveryStrategy string

const (
	StrategyRecreateSingle RecoveryStrategy = "recreate_single"
	StrategyRecreateMulti  RecoveryStrategy = "recreate_multi"
	StrategyFullRestart    RecoveryStrategy = "full_restart"
	StrategyEmergency      RecoveryStrategy = "emergency_fallback"
)

// RecoveryRecord captures one recovery attempt for later inspection (spec
// §4.3: "records strategy, duration, affected courts, success, and any
// error").
type RecoveryRecord struct {
	Strategy       RecoveryStrategy
	AffectedCourts []int
	Success        bool
	Duration       time.Duration
	Err            error
	AttemptedAt    time.Time
}

// staggerInterval is the delay between starting each court recreation in
// the multi-court strategy, matched to the original recovery pipeline's
// staggered-start behaviour.
const staggerInterval = 1500 * time.Millisecond

// Recover runs the ordered escalation strategies against the given failed
// courts until one succeeds, stopping as soon as a strategy reports
// success. It always tries the cheapest applicable strategy first.
func (p *Pool) Recover(ctx context.Context, failedCourts []int) []RecoveryRecord {
	var records []RecoveryRecord

	if len(failedCourts) == 1 {
		rec := p.recreateSingle(ctx, failedCourts[0])
		records = append(records, rec)
		if rec.Success {
			return records
		}
	}

	if len(failedCourts) > 0 {
		rec := p.recreateMulti(ctx, failedCourts)
		records = append(records, rec)
		if rec.Success {
			return records
		}
	}

	rec := p.fullRestart(ctx)
	records = append(records, rec)
	if rec.Success {
		return records
	}

	records = append(records, p.activateEmergency(ctx, failedCourts))
	return records
}

// activateEmergency is the fourth and last escalation strategy: it does not
// restore the failed courts to normal warm-page service (every strategy
// that could have done that already failed), it stands up the standalone
// single-browser capability so AcquireEmergencyPage can attempt direct-URL
// bookings against them going forward. Success here means the capability is
// now available, not that the courts are healthy again; callers must not
// unquarantine on this strategy's success.
func (p *Pool) activateEmergency(ctx context.Context, courts []int) RecoveryRecord {
	start := time.Now()

	p.mu.Lock()
	if p.emergency != nil {
		p.mu.Unlock()
		return RecoveryRecord{Strategy: StrategyEmergency, AffectedCourts: courts, Success: true, Duration: time.Since(start), AttemptedAt: start}
	}
	p.mu.Unlock()

	emergency, err := NewEmergency(ctx)
	if err != nil {
		return RecoveryRecord{
			Strategy: StrategyEmergency, AffectedCourts: courts,
			Success: false, Duration: time.Since(start), Err: err, AttemptedAt: start,
		}
	}

	p.mu.Lock()
	p.emergency = emergency
	p.mu.Unlock()

	log.Printf("browserpool: emergency single-browser fallback activated for courts %v", courts)
	return RecoveryRecord{Strategy: StrategyEmergency, AffectedCourts: courts, Success: true, Duration: time.Since(start), AttemptedAt: start}
}

func (p *Pool) recreateSingle(ctx context.Context, court int) RecoveryRecord {
	start := time.Now()
	url, ok := p.CourtURL(court)
	if !ok {
		return RecoveryRecord{
			Strategy: StrategyRecreateSingle, AffectedCourts: []int{court},
			Success: false, Duration: time.Since(start),
			Err: fmt.Errorf("court %d not configured", court), AttemptedAt: start,
		}
	}

	page, err := p.Browser().Context(ctx).Page(newBlankTarget())
	if err != nil {
		return RecoveryRecord{
			Strategy: StrategyRecreateSingle, AffectedCourts: []int{court},
			Success: false, Duration: time.Since(start), Err: err, AttemptedAt: start,
		}
	}
	if err := page.Context(ctx).Navigate(url); err != nil {
		page.Close()
		return RecoveryRecord{
			Strategy: StrategyRecreateSingle, AffectedCourts: []int{court},
			Success: false, Duration: time.Since(start), Err: err, AttemptedAt: start,
		}
	}

	p.ReplacePage(court, page)
	return RecoveryRecord{
		Strategy: StrategyRecreateSingle, AffectedCourts: []int{court},
		Success: true, Duration: time.Since(start), AttemptedAt: start,
	}
}

// recreateMulti recreates several failed courts in parallel, staggering the
// start of each by staggerInterval so the browser process isn't hit with a
// thundering herd of simultaneous navigations.
func (p *Pool) recreateMulti(ctx context.Context, courts []int) RecoveryRecord {
	start := time.Now()
	results := make(chan bool, len(courts))

	for i, court := range courts {
		go func(i, court int) {
			time.Sleep(time.Duration(i) * staggerInterval)
			results <- p.recreateSingle(ctx, court).Success
		}(i, court)
	}

	allOK := true
	for range courts {
		if !<-results {
			allOK = false
		}
	}

	return RecoveryRecord{
		Strategy: StrategyRecreateMulti, AffectedCourts: courts,
		Success: allOK, Duration: time.Since(start), AttemptedAt: start,
	}
}

// fullRestart closes the pool's browser entirely and re-initialises every
// court from scratch. Affected courts is every configured court, since a
// full restart touches the whole pool.
func (p *Pool) fullRestart(ctx context.Context) RecoveryRecord {
	start := time.Now()

	p.mu.Lock()
	courtList := make([]int, 0, len(p.courts))
	configs := make(map[int]string, len(p.courts))
	for n, cp := range p.courts {
		courtList = append(courtList, n)
		configs[n] = cp.court.URL
	}
	p.mu.Unlock()

	if err := p.browser.Close(); err != nil {
		log.Printf("browserpool: error closing browser during full restart: %v", err)
	}
	time.Sleep(2 * time.Second)

	fresh, err := launchBrowser(ctx)
	if err != nil {
		return RecoveryRecord{
			Strategy: StrategyFullRestart, AffectedCourts: courtList,
			Success: false, Duration: time.Since(start), Err: err, AttemptedAt: start,
		}
	}
	p.browser = fresh

	allOK := true
	for n, url := range configs {
		page, err := p.browser.Context(ctx).Page(newBlankTarget())
		if err != nil {
			allOK = false
			continue
		}
		if err := page.Context(ctx).Navigate(url); err != nil {
			allOK = false
			page.Close()
			continue
		}
		p.ReplacePage(n, page)
	}

	return RecoveryRecord{
		Strategy: StrategyFullRestart, AffectedCourts: courtList,
		Success: allOK, Duration: time.Since(start), AttemptedAt: start,
	}
}
