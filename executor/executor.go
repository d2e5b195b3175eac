package executor

import (
	"context"
	"fmt"
	"math/rand"
	"regexp"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/slotrace/courtracer/observability"
	"github.com/slotrace/courtracer/probe"
	"github.com/slotrace/courtracer/reservation"
)

// Phase is one step of the booking state machine (spec §4.4).
type Phase string

const (
	PhaseIdle          Phase = "idle"
	PhaseApproach      Phase = "approach"
	PhaseClickSlot     Phase = "click_slot"
	PhaseAwaitForm     Phase = "await_form"
	PhaseFillFields    Phase = "fill_fields"
	PhaseReview        Phase = "review"
	PhaseSubmit        Phase = "submit"
	PhaseAwaitResponse Phase = "await_response"
	PhaseConfirmed     Phase = "confirmed"
	PhaseFailed        Phase = "failed"
	PhaseDetectedAsBot Phase = "detected_as_bot"
)

// Result is the outcome of one attempt.
type Result struct {
	Success        bool
	Court          int
	ConfirmationID string
	ConfirmationURL string
	FinalPhase     Phase
	Err            error
}

var confirmationPhrases = []string{"confirmado", "confirmed", "cita está confirmada"}

var confirmationURLPattern = regexp.MustCompile(`/confirmation/([^/?]+)`)

// Attempt drives page through the full booking flow for one
// (court, date, time, contact) combination, returning once the site either
// confirms or the attempt is classified as failed. speed controls how
// aggressively human-timing delays are compressed.
func Attempt(ctx context.Context, page *rod.Page, court int, targetDate time.Time, timeSlot string, contact reservation.Contact, speed SpeedMultiplier) (result Result) {
	phase := PhaseIdle
	phaseStart := time.Now()
	markPhase := func(next Phase) {
		observability.ExecutorPhaseDuration.WithLabelValues(string(phase)).Observe(time.Since(phaseStart).Seconds())
		phase = next
		phaseStart = time.Now()
	}
	defer func() {
		observability.ExecutorPhaseDuration.WithLabelValues(string(phase)).Observe(time.Since(phaseStart).Seconds())
		observability.ExecutorOutcomes.WithLabelValues(outcomeLabel(result)).Inc()
	}()

	// Initial human-like pause before touching the page at all.
	markPhase(PhaseApproach)
	select {
	case <-time.After(randomDelay(3*time.Second, 5*time.Second, speed)):
	case <-ctx.Done():
		return Result{Court: court, FinalPhase: phase, Err: ctx.Err()}
	}
	naturalMouseMovement(ctx, page, speed)

	markPhase(PhaseClickSlot)
	if err := confirmSlotOffered(ctx, page, targetDate, timeSlot); err != nil {
		return Result{Court: court, FinalPhase: phase, Err: err}
	}
	timeButton, err := findTimeButton(ctx, page, timeSlot)
	if err != nil {
		return Result{Court: court, FinalPhase: phase, Err: fmt.Errorf("%w: %s", ErrTimeSlotNotFound, timeSlot)}
	}
	if err := approachAndClick(ctx, page, timeButton, speed); err != nil {
		return Result{Court: court, FinalPhase: phase, Err: err}
	}
	sleepCtx(ctx, randomDelay(2*time.Second, 3*time.Second, speed))

	markPhase(PhaseAwaitForm)
	firstName, err := waitForFormField(ctx, page, "#client\\.firstName", 10*time.Second)
	if err != nil {
		return Result{Court: court, FinalPhase: phase, Err: ErrFormLoadTimeout}
	}
	sleepCtx(ctx, randomDelay(2*time.Second, 4*time.Second, speed))

	markPhase(PhaseFillFields)
	if err := fillForm(ctx, page, firstName, contact, speed); err != nil {
		return Result{Court: court, FinalPhase: phase, Err: err}
	}

	markPhase(PhaseReview)
	naturalMouseMovement(ctx, page, speed)
	sleepCtx(ctx, randomDelay(500*time.Millisecond, time.Second, speed))

	markPhase(PhaseSubmit)
	submitBtn, err := page.Context(ctx).Timeout(3 * time.Second).ElementR("button", "CONFIRMAR CITA")
	if err != nil {
		return Result{Court: court, FinalPhase: phase, Err: ErrSubmitButtonNotFound}
	}
	if err := approachAndClick(ctx, page, submitBtn, speed); err != nil {
		return Result{Court: court, FinalPhase: phase, Err: err}
	}

	markPhase(PhaseAwaitResponse)
	waitFor := applySpeed(randBetween(5*time.Second, 8*time.Second), speed)
	if waitFor < 3*time.Second {
		waitFor = 3 * time.Second
	}
	sleepCtx(ctx, waitFor)

	return evaluateOutcome(ctx, page, court)
}

// outcomeLabel maps a Result to the "outcome" label recorded against
// ExecutorOutcomes.
func outcomeLabel(r Result) string {
	if r.Success {
		return "confirmed"
	}
	if r.FinalPhase == PhaseDetectedAsBot {
		return "detected_as_bot"
	}
	return "failed"
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}

// confirmSlotOffered re-probes the page's current availability and fails
// fast with ErrTimeSlotNotFound if targetDate/timeSlot is no longer among
// the offered buttons, rather than burning a DOM lookup (and the page's one
// chance at the slot) on a button that already disappeared between
// pre-positioning and this attempt (spec §4.1, §4.4 edge case 4).
func confirmSlotOffered(ctx context.Context, page *rod.Page, targetDate time.Time, timeSlot string) error {
	snapshot, err := probe.Extract(ctx, page, time.Now())
	if err != nil {
		return fmt.Errorf("probe availability before click: %w", err)
	}
	if len(snapshot) == 0 {
		return nil // probe found no parseable day/button structure; fall through to the direct DOM lookup
	}
	times, ok := snapshot[targetDate.Format("2006-01-02")]
	if !ok {
		return fmt.Errorf("%w: %s not listed for %s", ErrTimeSlotNotFound, timeSlot, targetDate.Format("2006-01-02"))
	}
	for _, t := range times {
		if t == timeSlot {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrTimeSlotNotFound, timeSlot)
}

func findTimeButton(ctx context.Context, page *rod.Page, timeSlot string) (*rod.Element, error) {
	candidates := []string{timeSlot, strings.TrimSuffix(timeSlot, ":00")}
	if parts := strings.SplitN(timeSlot, ":", 2); len(parts) == 2 {
		candidates = append(candidates, parts[0])
	}

	for _, candidate := range candidates {
		el, err := page.Context(ctx).Timeout(3 * time.Second).ElementR("button", candidate)
		if err == nil && el != nil {
			return el, nil
		}
	}
	return nil, fmt.Errorf("no time button matched any of %v", candidates)
}

func approachAndClick(ctx context.Context, page *rod.Page, el *rod.Element, speed SpeedMultiplier) error {
	page.Mouse.MoveTo(proto.Point{X: float64(200 + rand.Intn(600)), Y: float64(200 + rand.Intn(400))})
	sleepCtx(ctx, randomDelay(300*time.Millisecond, 500*time.Millisecond, speed))

	if shape, err := el.Shape(); err == nil && shape != nil {
		box := shape.Box()
		page.Mouse.MoveTo(proto.Point{X: box.X + box.Width/2, Y: box.Y + box.Height/2})
		sleepCtx(ctx, randomDelay(300*time.Millisecond, 500*time.Millisecond, speed))
	}

	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("click element: %w", err)
	}
	return nil
}

func waitForFormField(ctx context.Context, page *rod.Page, selector string, timeout time.Duration) (*rod.Element, error) {
	return page.Context(ctx).Timeout(timeout).Element(selector)
}

func fillForm(ctx context.Context, page *rod.Page, firstName *rod.Element, contact reservation.Contact, speed SpeedMultiplier) error {
	if err := humanType(ctx, firstName, contact.FirstName, 0.15, speed); err != nil {
		return fmt.Errorf("fill first name: %w", err)
	}
	sleepCtx(ctx, randomDelay(500*time.Millisecond, 1500*time.Millisecond, speed))

	if lastName, err := page.Context(ctx).Timeout(2*time.Second).Element(`#client\.lastName`); err == nil {
		if err := humanType(ctx, lastName, contact.LastName, 0.15, speed); err != nil {
			return fmt.Errorf("fill last name: %w", err)
		}
		sleepCtx(ctx, randomDelay(500*time.Millisecond, 1500*time.Millisecond, speed))
	}

	if phone, err := page.Context(ctx).Timeout(2*time.Second).Element(`#client\.phone`); err == nil {
		if err := phone.Input(contact.Phone); err != nil {
			return fmt.Errorf("fill phone: %w", err)
		}
		sleepCtx(ctx, randomDelay(500*time.Millisecond, time.Second, speed))
	}

	if email, err := page.Context(ctx).Timeout(2*time.Second).Element(`#client\.email`); err == nil {
		if err := humanType(ctx, email, contact.Email, 0.10, speed); err != nil {
			return fmt.Errorf("fill email: %w", err)
		}
		sleepCtx(ctx, randomDelay(time.Second, 2*time.Second, speed))
	}

	return nil
}

// humanType fills el character by character with occasional deliberate
// mistakes followed by a correcting backspace, matching the timing
// discipline of the original proven booking flow.
func humanType(ctx context.Context, el *rod.Element, text string, mistakeProb float64, speed SpeedMultiplier) error {
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return err
	}
	sleepCtx(ctx, randomDelay(300*time.Millisecond, 800*time.Millisecond, speed))
	if err := el.Input(""); err != nil {
		return err
	}
	sleepCtx(ctx, randomDelay(200*time.Millisecond, 500*time.Millisecond, speed))

	adjusted := typingMistakeProbability(mistakeProb, speed)
	typed := ""
	for i, r := range text {
		if i > 0 && rand.Float64() < adjusted {
			wrong := string(rune('a' + rand.Intn(26)))
			if wrong != strings.ToLower(string(r)) {
				if err := el.Input(typed + wrong); err != nil {
					return err
				}
				sleepCtx(ctx, perCharacterDelay(80, 180, speed))
				sleepCtx(ctx, randomDelay(100*time.Millisecond, 400*time.Millisecond, speed))
				if err := el.Input(typed); err != nil {
					return err
				}
				sleepCtx(ctx, randomDelay(200*time.Millisecond, 600*time.Millisecond, speed))
			}
		}

		typed += string(r)
		if err := el.Input(typed); err != nil {
			return err
		}
		sleepCtx(ctx, perCharacterDelay(90, 220, speed))

		if rand.Float64() < 0.2/float64(speed) {
			sleepCtx(ctx, randomDelay(300*time.Millisecond, 1200*time.Millisecond, speed))
		}
	}
	return nil
}

// naturalMouseMovement issues 1-2 mouse moves with a [0.2, 0.5]s pause
// between them, matching the human-timing contract of spec §4.4/§9.
func naturalMouseMovement(ctx context.Context, page *rod.Page, speed SpeedMultiplier) {
	count := 1 + rand.Intn(2)
	for i := 0; i < count; i++ {
		page.Mouse.MoveTo(proto.Point{X: float64(200 + rand.Intn(800)), Y: float64(200 + rand.Intn(500))})
		sleepCtx(ctx, randomDelay(200*time.Millisecond, 500*time.Millisecond, speed))
	}
}

func evaluateOutcome(ctx context.Context, page *rod.Page, court int) Result {
	info, err := page.Info()
	var currentURL string
	if err == nil && info != nil {
		currentURL = info.URL
	}

	var pageText string
	if res, err := page.Context(ctx).Eval(`() => document.body.innerText || ''`); err == nil {
		pageText = strings.ToLower(res.Value.Str())
	}

	return classifyOutcome(court, currentURL, pageText)
}

// classifyOutcome is the pure decision logic evaluateOutcome drives from a
// live page: given the current URL and lowercased page text, decide
// whether the site confirmed the booking, flagged it as automated, or left
// the outcome unresolved.
func classifyOutcome(court int, currentURL, pageText string) Result {
	var confirmationID string
	if m := confirmationURLPattern.FindStringSubmatch(currentURL); len(m) == 2 {
		confirmationID = m[1]
	}

	confirmed := confirmationID != ""
	if !confirmed {
		for _, phrase := range confirmationPhrases {
			if strings.Contains(pageText, phrase) {
				confirmed = true
				break
			}
		}
	}

	if confirmed {
		return Result{
			Success:         true,
			Court:           court,
			ConfirmationID:  confirmationID,
			ConfirmationURL: currentURL,
			FinalPhase:      PhaseConfirmed,
		}
	}

	if looksLikeBotChallenge(pageText) {
		return Result{Court: court, FinalPhase: PhaseDetectedAsBot, Err: ErrBotDetected}
	}

	return Result{Court: court, FinalPhase: PhaseFailed, Err: ErrConfirmationTimeout}
}

func looksLikeBotChallenge(pageText string) bool {
	for _, marker := range []string{"captcha", "unusual traffic", "automated", "are you a robot", "irregular", "detectó"} {
		if strings.Contains(pageText, marker) {
			return true
		}
	}
	return false
}
