// Package probe extracts per-court availability from an Acuity-style
// scheduling page already navigated to a court's calendar (spec §4.1).
package probe

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-rod/rod"
)

// dayPatterns maps a normalized day label to the substrings (in the site's
// language) that identify it in the page's visible text. Grounded on the
// original extractor's Spanish label set; "today"/"tomorrow" are included
// as English aliases since member-facing copy varies by deployment.
var dayPatterns = map[string][]string{
	"today":     {"hoy", "today"},
	"tomorrow":  {"mañana", "manana", "tomorrow"},
	"this week": {"esta semana", "estasemana", "this week"},
	"next week": {"la próxima semana", "próxima semana", "next week"},
}

// dayOrder fixes the sequence labels are expected to appear in on the page,
// so DOM order can be mapped back onto them positionally.
var dayOrder = []string{"today", "tomorrow", "this week", "next week"}

// Snapshot is the per-court result of one probe: ISO date string to the
// ordered list of time strings currently offered.
type Snapshot map[string][]string

type timeButton struct {
	Time  string `json:"time"`
	Order int    `json:"order"`
}

// Extract reads the page's visible day labels and time-slot buttons and
// returns the grouped availability snapshot. reference anchors relative
// labels ("today", "tomorrow") to a concrete date; pass time.Now() in
// production and a fixed instant in tests.
func Extract(ctx context.Context, page *rod.Page, reference time.Time) (Snapshot, error) {
	text, err := pageText(ctx, page)
	if err != nil {
		return nil, fmt.Errorf("probe: read page text: %w", err)
	}

	buttons, err := timeButtons(ctx, page)
	if err != nil {
		return nil, fmt.Errorf("probe: read time buttons: %w", err)
	}

	days := availableDays(text)
	if len(days) == 0 || len(buttons) == 0 {
		return Snapshot{}, nil
	}

	grouped := groupByDay(buttons, days)
	return toSnapshot(grouped, reference), nil
}

func pageText(ctx context.Context, page *rod.Page) (string, error) {
	res, err := page.Context(ctx).Eval(`() => document.body.textContent || ''`)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Value.Str()), nil
}

func timeButtons(ctx context.Context, page *rod.Page) ([]timeButton, error) {
	res, err := page.Context(ctx).Eval(`() => {
		const buttons = document.querySelectorAll('button.time-selection');
		const results = [];
		buttons.forEach((button, index) => {
			const timeText = (button.textContent || '').trim();
			if (/^\d{1,2}:\d{2}$/.test(timeText)) {
				results.push({ time: timeText, order: index });
			}
		});
		return results;
	}`)
	if err != nil {
		return nil, err
	}
	var buttons []timeButton
	if err := res.Value.Unmarshal(&buttons); err != nil {
		return nil, fmt.Errorf("unmarshal time buttons: %w", err)
	}
	return buttons, nil
}

// availableDays returns the normalized day labels detected in text, in the
// fixed dayOrder sequence (not insertion order), since DOM time buttons
// appear in that sequence regardless of which language patterns matched.
func availableDays(text string) []string {
	lower := strings.ToLower(text)
	var found []string
	for _, label := range dayOrder {
		for _, pattern := range dayPatterns[label] {
			if strings.Contains(lower, pattern) {
				found = append(found, label)
				break
			}
		}
	}
	return found
}

// groupByDay assigns each button to a day label using the rule that a
// non-increasing hour transition between consecutive buttons marks a day
// boundary; times within a day are monotonically increasing.
func groupByDay(buttons []timeButton, days []string) map[string][]string {
	grouped := make(map[string][]string, len(days))
	for _, d := range days {
		grouped[d] = nil
	}

	dayIndex := 0
	previousHour := -1
	for _, b := range buttons {
		if b.Time == "" {
			continue
		}
		hour := hourOf(b.Time)
		if hour <= previousHour && dayIndex < len(days)-1 {
			dayIndex++
		}
		label := days[dayIndex]
		grouped[label] = append(grouped[label], b.Time)
		previousHour = hour
	}
	return grouped
}

// hourOf parses the hour component of an "HH:MM" string. A malformed
// string sorts as hour 0 rather than erroring, per spec §4.1's edge case.
func hourOf(timeStr string) int {
	parts := strings.SplitN(timeStr, ":", 2)
	if len(parts) == 0 {
		return 0
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0
	}
	return hour
}

// toSnapshot maps each day label onto a concrete ISO date relative to
// reference, and for the current day discards times that have already
// passed.
func toSnapshot(grouped map[string][]string, reference time.Time) Snapshot {
	out := make(Snapshot, len(grouped))
	for label, times := range grouped {
		date := dateForLabel(label, reference)
		key := date.Format("2006-01-02")
		if label == "today" {
			times = filterPast(times, reference)
		}
		out[key] = times
	}
	return out
}

func dateForLabel(label string, reference time.Time) time.Time {
	switch label {
	case "today":
		return reference
	case "tomorrow":
		return reference.AddDate(0, 0, 1)
	case "this week":
		return reference.AddDate(0, 0, 2)
	case "next week":
		return reference.AddDate(0, 0, 7)
	default:
		return reference
	}
}

func filterPast(times []string, reference time.Time) []string {
	var kept []string
	for _, t := range times {
		parsed, err := time.Parse("15:04", t)
		if err != nil {
			kept = append(kept, t)
			continue
		}
		candidate := time.Date(reference.Year(), reference.Month(), reference.Day(),
			parsed.Hour(), parsed.Minute(), 0, 0, reference.Location())
		if candidate.After(reference) {
			kept = append(kept, t)
		}
	}
	return kept
}
