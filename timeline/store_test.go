package timeline

import (
	"testing"
	"time"
)

func TestRecordDefaultsTimestampWhenUnset(t *testing.T) {
	s := NewStore()
	s.Record(Event{RequestID: "r1", Stage: StageQueued})

	events := s.ForRequest("r1")
	if len(events) != 1 {
		t.Fatalf("expected one event, got %d", len(events))
	}
	if events[0].Timestamp.IsZero() {
		t.Fatal("expected Record to default the timestamp to now")
	}
}

func TestForRequestFiltersByRequestID(t *testing.T) {
	s := NewStore()
	s.Record(Event{RequestID: "r1", Stage: StageQueued})
	s.Record(Event{RequestID: "r2", Stage: StageQueued})
	s.Record(Event{RequestID: "r1", Stage: StageDispatched})

	events := s.ForRequest("r1")
	if len(events) != 2 {
		t.Fatalf("expected two events for r1, got %d: %+v", len(events), events)
	}
}

func TestForCourtFiltersByCourtNumber(t *testing.T) {
	s := NewStore()
	s.Record(Event{RequestID: "r1", Stage: StageCourtAssigned, Court: 3})
	s.Record(Event{RequestID: "r2", Stage: StageCourtAssigned, Court: 4})

	events := s.ForCourt(3)
	if len(events) != 1 || events[0].RequestID != "r1" {
		t.Fatalf("expected only r1's event for court 3, got %+v", events)
	}
}

func TestRecordEvictsOldestOnceRingIsFull(t *testing.T) {
	s := &Store{events: make([]Event, 0, 4)}
	for i := 0; i < maxEvents; i++ {
		s.Record(Event{RequestID: "filler", Stage: StageQueued})
	}
	s.Record(Event{RequestID: "overflow", Stage: StageQueued, Timestamp: time.Now()})

	snap := s.Snapshot()
	if len(snap) != maxEvents {
		t.Fatalf("expected ring bounded at %d events, got %d", maxEvents, len(snap))
	}
	if snap[len(snap)-1].RequestID != "overflow" {
		t.Fatalf("expected the newest event to be the last in the snapshot, got %+v", snap[len(snap)-1])
	}
}
