package observability

import "testing"

func TestCircuitStateValueMapsKnownStates(t *testing.T) {
	cases := map[string]float64{"closed": 0, "half_open": 1, "open": 2, "bogus": -1}
	for state, want := range cases {
		if got := CircuitStateValue(state); got != want {
			t.Fatalf("CircuitStateValue(%q) = %v, want %v", state, got, want)
		}
	}
}

func TestHealthStatusValueMapsKnownStatuses(t *testing.T) {
	cases := map[string]float64{"failed": 0, "critical": 1, "degraded": 2, "healthy": 3, "bogus": -1}
	for status, want := range cases {
		if got := HealthStatusValue(status); got != want {
			t.Fatalf("HealthStatusValue(%q) = %v, want %v", status, got, want)
		}
	}
}
