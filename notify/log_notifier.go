package notify

import (
	"context"
	"encoding/json"
	"log"
)

// LogNotifier writes every notification as a structured log line. It is
// the default sink and always succeeds short of a marshal error, grounded
// in the teacher's LogPublisher.
type LogNotifier struct {
	logger *log.Logger
}

// NewLogNotifier returns a LogNotifier writing through log.Default().
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{logger: log.Default()}
}

// Notify logs env as a single JSON line tagged with the event type.
func (n *LogNotifier) Notify(ctx context.Context, userID string, event Event) error {
	env := Envelope{UserID: userID, Event: event, Timestamp: event.Timestamp}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	n.logger.Printf("[NOTIFY] %s user=%s: %s", event.Type, userID, string(data))
	return nil
}
