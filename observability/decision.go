package observability

import (
	"encoding/json"
	"log"
)

// SchedulingDecision is a structured log record for one admission-control
// decision — a dispatch, a rate-limit delay, or a quarantine drop — adapted
// from the teacher's control_plane/scheduler SchedulingDecision, scoped to
// this domain's fields instead of the teacher's tenant/node scheduling
// concepts.
type SchedulingDecision struct {
	Component  string `json:"component"`
	Decision   string `json:"decision"` // DISPATCH, RATE_LIMIT_DELAY, QUARANTINE_DROP, DEFERRED_CIRCUIT_OPEN
	SlotKey    string `json:"slot_key,omitempty"`
	Court      int    `json:"court,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// LogDecision marshals d to JSON and writes it as a single log line, the
// same "structured record, plain log sink" pattern the teacher used rather
// than wiring a dedicated structured-logging library.
func LogDecision(d SchedulingDecision) {
	bytes, err := json.Marshal(d)
	if err != nil {
		log.Printf("observability: marshal scheduling decision: %v", err)
		return
	}
	log.Println(string(bytes))
}
