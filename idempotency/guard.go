// Package idempotency guards the reservation queue's "at most one executing
// attempt per user+slot" invariant (spec §4.5: MarkExecuting is atomic and
// fails if already executing for the same user+slot).
package idempotency

import (
	"context"
	"sync"
	"time"
)

// lockTTL bounds how long a lock can be held before it is considered
// abandoned (crashed executor). Chosen as 2x the orchestrator's per-attempt
// timeout, mirroring the teacher's "lock_expiry = max_execution_time * 2"
// rule.
const lockTTL = 2 * time.Minute

// Backend is the minimal key/value contract a Guard needs from Redis (or any
// store offering atomic set-if-absent semantics).
type Backend interface {
	// SetNX sets key to value with the given TTL only if key does not
	// already exist, returning whether the set happened.
	SetNX(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Delete removes key, releasing the lock early on attempt completion.
	Delete(ctx context.Context, key string) error
}

// Guard prevents two concurrent executors from attempting the same
// (user, slot) reservation. With a Backend configured it is safe across
// process restarts/redeploys; without one it falls back to an in-process
// map, which is sufficient for the single-process deployment model in
// spec §5 but will not survive a restart mid-attempt.
type Guard struct {
	backend Backend

	mu    sync.Mutex
	local map[string]time.Time
}

// NewGuard returns a Guard backed by b. Pass a nil Backend to use the
// in-process fallback only.
func NewGuard(b Backend) *Guard {
	return &Guard{backend: b, local: make(map[string]time.Time)}
}

func lockKey(userID, slotKey string) string {
	return "courtracer:lock:" + userID + ":" + slotKey
}

// TryAcquire attempts to claim the (userID, slotKey) pair for the duration
// of one booking attempt. It returns false if another attempt already holds
// the lock.
func (g *Guard) TryAcquire(ctx context.Context, userID, slotKey string) (bool, error) {
	key := lockKey(userID, slotKey)

	if g.backend != nil {
		return g.backend.SetNX(ctx, key, lockTTL)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if expiry, held := g.local[key]; held && time.Now().Before(expiry) {
		return false, nil
	}
	g.local[key] = time.Now().Add(lockTTL)
	return true, nil
}

// Release frees the lock early, once an attempt has reached a terminal
// outcome for this window.
func (g *Guard) Release(ctx context.Context, userID, slotKey string) error {
	key := lockKey(userID, slotKey)

	if g.backend != nil {
		return g.backend.Delete(ctx, key)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.local, key)
	return nil
}
