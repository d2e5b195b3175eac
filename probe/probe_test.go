package probe

import (
	"testing"
	"time"
)

func TestAvailableDaysDetectsSpanishAndEnglishLabels(t *testing.T) {
	days := availableDays("Hoy Mañana Esta Semana")
	if len(days) != 3 {
		t.Fatalf("expected 3 days detected, got %v", days)
	}
	if days[0] != "today" || days[1] != "tomorrow" || days[2] != "this week" {
		t.Fatalf("expected days in fixed order [today tomorrow this week], got %v", days)
	}
}

func TestAvailableDaysEmptyTextYieldsNone(t *testing.T) {
	if days := availableDays(""); len(days) != 0 {
		t.Fatalf("expected no days for empty text, got %v", days)
	}
}

func TestGroupByDaySplitsOnNonIncreasingHour(t *testing.T) {
	buttons := []timeButton{
		{Time: "09:00", Order: 0},
		{Time: "10:00", Order: 1},
		{Time: "08:00", Order: 2}, // hour regression => new day
		{Time: "09:30", Order: 3},
	}
	grouped := groupByDay(buttons, []string{"today", "tomorrow"})

	if len(grouped["today"]) != 2 {
		t.Fatalf("expected 2 times for today, got %v", grouped["today"])
	}
	if len(grouped["tomorrow"]) != 2 {
		t.Fatalf("expected 2 times for tomorrow, got %v", grouped["tomorrow"])
	}
}

func TestGroupByDayStopsAtLastLabel(t *testing.T) {
	buttons := []timeButton{
		{Time: "09:00"},
		{Time: "08:00"}, // would start a 2nd day
		{Time: "07:00"}, // would start a 3rd day, but only 1 label exists
	}
	grouped := groupByDay(buttons, []string{"today"})
	if len(grouped["today"]) != 3 {
		t.Fatalf("expected all 3 times to collapse onto the single available day, got %v", grouped["today"])
	}
}

func TestHourOfMalformedStringSortsAsZero(t *testing.T) {
	if got := hourOf("garbage"); got != 0 {
		t.Fatalf("expected malformed time to parse as hour 0, got %d", got)
	}
	if got := hourOf("14:30"); got != 14 {
		t.Fatalf("expected hour 14, got %d", got)
	}
}

func TestFilterPastDropsElapsedTimesToday(t *testing.T) {
	reference := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	kept := filterPast([]string{"09:00", "09:30", "11:00", "14:00"}, reference)

	if len(kept) != 2 || kept[0] != "11:00" || kept[1] != "14:00" {
		t.Fatalf("expected only future times kept, got %v", kept)
	}
}

func TestFilterPastKeepsMalformedStringsRatherThanDropping(t *testing.T) {
	reference := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	kept := filterPast([]string{"not-a-time"}, reference)
	if len(kept) != 1 {
		t.Fatalf("expected malformed time string to pass through unchanged, got %v", kept)
	}
}

func TestDateForLabelMapsRelativeToReference(t *testing.T) {
	reference := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	cases := map[string]string{
		"today":     "2026-08-01",
		"tomorrow":  "2026-08-02",
		"this week": "2026-08-03",
		"next week": "2026-08-08",
	}
	for label, want := range cases {
		got := dateForLabel(label, reference).Format("2006-01-02")
		if got != want {
			t.Errorf("label %q: got %s, want %s", label, got, want)
		}
	}
}

func TestToSnapshotEmptyGroupingYieldsEmptySnapshot(t *testing.T) {
	out := toSnapshot(map[string][]string{}, time.Now())
	if len(out) != 0 {
		t.Fatalf("expected empty snapshot, got %v", out)
	}
}
