package idempotency

import (
	"context"
	"testing"
)

func TestGuardTryAcquireRejectsDoubleExecution(t *testing.T) {
	g := NewGuard(nil)
	ctx := context.Background()

	ok, err := g.TryAcquire(ctx, "user-1", "2026-08-01T09:00")
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if !ok {
		t.Fatal("expected first acquire to succeed")
	}

	ok, err = g.TryAcquire(ctx, "user-1", "2026-08-01T09:00")
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if ok {
		t.Fatal("expected second concurrent acquire for the same user+slot to fail")
	}
}

func TestGuardDistinctSlotsDoNotContend(t *testing.T) {
	g := NewGuard(nil)
	ctx := context.Background()

	ok, err := g.TryAcquire(ctx, "user-1", "2026-08-01T09:00")
	if err != nil || !ok {
		t.Fatalf("acquire slot A: ok=%v err=%v", ok, err)
	}
	ok, err = g.TryAcquire(ctx, "user-1", "2026-08-01T10:00")
	if err != nil || !ok {
		t.Fatalf("acquire slot B: ok=%v err=%v", ok, err)
	}
}

func TestGuardReleaseAllowsReacquire(t *testing.T) {
	g := NewGuard(nil)
	ctx := context.Background()

	if ok, err := g.TryAcquire(ctx, "user-1", "2026-08-01T09:00"); err != nil || !ok {
		t.Fatalf("initial acquire: ok=%v err=%v", ok, err)
	}
	if err := g.Release(ctx, "user-1", "2026-08-01T09:00"); err != nil {
		t.Fatalf("release: %v", err)
	}
	ok, err := g.TryAcquire(ctx, "user-1", "2026-08-01T09:00")
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	if !ok {
		t.Fatal("expected reacquire to succeed after release")
	}
}
