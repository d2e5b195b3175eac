// Package store provides pluggable persistence backends for the reservation
// queue. The queue package owns state transitions; a Store only durably
// records them.
package store

import (
	"context"

	"github.com/slotrace/courtracer/reservation"
)

// Store is the persistence contract for reservation records. Implementations
// must make Save atomic: a crash mid-write must never leave readers with a
// partially written document (spec: "atomic replace on every mutation").
type Store interface {
	// LoadAll returns every record currently persisted, in no particular
	// order. Used once at startup to rehydrate the in-memory queue.
	LoadAll(ctx context.Context) ([]*reservation.Request, error)

	// Save durably replaces the full record set with records. Callers pass
	// the queue's complete in-memory view so the backing store is always a
	// faithful snapshot.
	Save(ctx context.Context, records []*reservation.Request) error

	Close() error
}
