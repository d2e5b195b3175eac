package notify

import "context"

// Multi fans one notification out to several sinks, continuing past a
// failing sink so one broken notifier (e.g. a WSHub with no listeners)
// never silences the others.
type Multi struct {
	sinks []Notifier
}

// NewMulti returns a Notifier that delivers to every sink in order.
func NewMulti(sinks ...Notifier) *Multi {
	return &Multi{sinks: sinks}
}

// Notify delivers event to every configured sink, returning the first
// error encountered (after still attempting the rest).
func (m *Multi) Notify(ctx context.Context, userID string, event Event) error {
	var firstErr error
	for _, sink := range m.sinks {
		if err := sink.Notify(ctx, userID, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
