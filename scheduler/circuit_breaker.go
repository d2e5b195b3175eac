package scheduler

import (
	"sync"
	"time"
)

// CircuitState is the scheduler's admission-control state.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitHalfOpen
	CircuitOpen
)

func (cs CircuitState) String() string {
	switch cs {
	case CircuitClosed:
		return "closed"
	case CircuitHalfOpen:
		return "half_open"
	case CircuitOpen:
		return "open"
	default:
		return "unknown"
	}
}

// CircuitBreaker trips when too much of the browser pool is unhealthy,
// suppressing new dispatch attempts until the pool recovers. Adapted from
// the teacher's queue-depth/worker-saturation breaker: the admission
// signal here is healthy courts over total courts rather than queue depth,
// since a window-open dispatch with no healthy courts left has nothing to
// race on.
type CircuitBreaker struct {
	mu    sync.RWMutex
	state CircuitState

	minHealthyRatio float64
	cooldownPeriod  time.Duration

	openedAt  time.Time
	testCount int
	testLimit int
}

// NewCircuitBreaker creates a breaker that opens once the healthy-court
// ratio drops below minHealthyRatio (e.g. 0.5 means "fewer than half the
// courts are usable").
func NewCircuitBreaker(minHealthyRatio float64) *CircuitBreaker {
	return &CircuitBreaker{
		state:           CircuitClosed,
		minHealthyRatio: minHealthyRatio,
		cooldownPeriod:  30 * time.Second,
		testLimit:       3,
	}
}

// ShouldAdmit reports whether a dispatch should proceed given the current
// healthy/total court counts.
func (cb *CircuitBreaker) ShouldAdmit(healthyCourts, totalCourts int) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	ratio := 1.0
	if totalCourts > 0 {
		ratio = float64(healthyCourts) / float64(totalCourts)
	}

	if cb.state == CircuitOpen && time.Since(cb.openedAt) > cb.cooldownPeriod {
		cb.state = CircuitHalfOpen
		cb.testCount = 0
	}

	if cb.state == CircuitHalfOpen {
		if cb.testCount < cb.testLimit {
			cb.testCount++
			return true
		}
		if ratio >= cb.minHealthyRatio {
			cb.state = CircuitClosed
			return true
		}
		return false
	}

	if ratio < cb.minHealthyRatio {
		cb.state = CircuitOpen
		cb.openedAt = time.Now()
		return false
	}

	return cb.state == CircuitClosed
}

// RecordSuccess notifies the breaker a dispatch succeeded, used to close
// the circuit once enough half-open test traffic has gone well.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitHalfOpen && cb.testCount >= cb.testLimit {
		cb.state = CircuitClosed
	}
}

// RecordFailure re-opens the circuit if a half-open test dispatch failed.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitHalfOpen {
		cb.state = CircuitOpen
		cb.openedAt = time.Now()
		cb.testCount = 0
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}
