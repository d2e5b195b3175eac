package browserpool

import "testing"

func TestStatusForChecksFourOfFour(t *testing.T) {
	c := CourtChecks{PageAccessible: true, ScriptExecutable: true, NetworkReachable: true, DOMQueryable: true}
	if got := statusForChecks(c, 1); got != StatusHealthy {
		t.Fatalf("expected StatusHealthy for 4/4, got %s", got)
	}
}

func TestStatusForChecksThreeOfFourIsDegradedWithGoodHistory(t *testing.T) {
	c := CourtChecks{PageAccessible: true, ScriptExecutable: true, NetworkReachable: true}
	if got := statusForChecks(c, 1); got != StatusDegraded {
		t.Fatalf("expected StatusDegraded for 3/4 with a clean composite score, got %s", got)
	}
}

func TestStatusForChecksThreeOfFourDowngradesToCriticalWithBadHistory(t *testing.T) {
	c := CourtChecks{PageAccessible: true, ScriptExecutable: true, NetworkReachable: true}
	if got := statusForChecks(c, 0.1); got != StatusCritical {
		t.Fatalf("expected StatusCritical for 3/4 with a poor composite score, got %s", got)
	}
}

func TestStatusForChecksOneOfFourIsCritical(t *testing.T) {
	c := CourtChecks{PageAccessible: true}
	if got := statusForChecks(c, 0); got != StatusCritical {
		t.Fatalf("expected StatusCritical for 1/4, got %s", got)
	}
}

func TestStatusForChecksOneOfFourUpgradesToDegradedWithGoodHistory(t *testing.T) {
	c := CourtChecks{PageAccessible: true}
	if got := statusForChecks(c, 0.9); got != StatusDegraded {
		t.Fatalf("expected StatusDegraded for 1/4 with a strong composite score, got %s", got)
	}
}

func TestStatusForChecksZeroOfFourIsFailed(t *testing.T) {
	c := CourtChecks{}
	if got := statusForChecks(c, 1); got != StatusFailed {
		t.Fatalf("expected StatusFailed for 0/4, got %s", got)
	}
}

func TestReadinessStringForm(t *testing.T) {
	cases := map[Readiness]string{
		ReadyFull:    "ready",
		ReadyPartial: "partially_ready",
		ReadyNone:    "not_ready",
	}
	for r, want := range cases {
		if got := r.String(); got != want {
			t.Errorf("Readiness(%d).String() = %q, want %q", r, got, want)
		}
	}
}
