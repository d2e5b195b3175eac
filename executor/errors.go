package executor

import "errors"

// Sentinel errors classify why a booking attempt failed, so the queue's
// retry policy and the orchestrator's fallback logic can react
// differently to each (spec §4.4, §7).
var (
	ErrTimeSlotNotFound     = errors.New("executor: time slot not found")
	ErrFormLoadTimeout      = errors.New("executor: booking form did not load in time")
	ErrSubmitButtonNotFound = errors.New("executor: submit button not found")
	ErrConfirmationTimeout  = errors.New("executor: no confirmation received after submit")
	ErrBotDetected          = errors.New("executor: attempt was flagged as automated traffic")
)
