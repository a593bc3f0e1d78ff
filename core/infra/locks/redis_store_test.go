package locks

import (
	"context"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
)

func newRedisTestStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := NewRedisStore("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRedisStoreAcquireConflict(t *testing.T) {
	store := newRedisTestStore(t)
	ctx := context.Background()

	res, err := store.Acquire(ctx, "appt-1", Holder{ID: "u1", Name: "Ann"}, 2*time.Second)
	if err != nil {
		if skipEval(err) {
			t.Skip("miniredis does not support EVAL")
		}
		t.Fatalf("acquire: %v", err)
	}
	if res.Outcome != OutcomeCreated || res.Lock == nil || res.Lock.HolderID != "u1" {
		t.Fatalf("unexpected result: %+v", res)
	}

	res, err = store.Acquire(ctx, "appt-1", Holder{ID: "u2"}, 2*time.Second)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if res.Outcome != OutcomeHeld || res.Lock.HolderID != "u1" {
		t.Fatalf("expected held by u1, got %+v", res)
	}
}

func TestRedisStoreExtendKeepsHolder(t *testing.T) {
	store := newRedisTestStore(t)
	ctx := context.Background()

	first, err := store.Acquire(ctx, "appt-1", Holder{ID: "u1"}, 2*time.Second)
	if err != nil {
		if skipEval(err) {
			t.Skip("miniredis does not support EVAL")
		}
		t.Fatalf("acquire: %v", err)
	}
	second, err := store.Acquire(ctx, "appt-1", Holder{ID: "u1"}, 2*time.Second)
	if err != nil {
		t.Fatalf("extend: %v", err)
	}
	if second.Outcome != OutcomeExtended {
		t.Fatalf("expected extension, got %s", second.Outcome)
	}
	if second.Lock.HolderID != first.Lock.HolderID {
		t.Fatalf("holder changed on extension")
	}
	if second.Lock.ExpiresAt.Before(first.Lock.ExpiresAt) {
		t.Fatalf("expiry not pushed forward: %v -> %v", first.Lock.ExpiresAt, second.Lock.ExpiresAt)
	}
}

func TestRedisStoreReclaimExpired(t *testing.T) {
	store := newRedisTestStore(t)
	ctx := context.Background()

	if _, err := store.Acquire(ctx, "appt-1", Holder{ID: "u1"}, time.Millisecond); err != nil {
		if skipEval(err) {
			t.Skip("miniredis does not support EVAL")
		}
		t.Fatalf("acquire: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	res, err := store.Acquire(ctx, "appt-1", Holder{ID: "u2"}, 2*time.Second)
	if err != nil {
		t.Fatalf("reclaim acquire: %v", err)
	}
	if res.Outcome != OutcomeReclaimed {
		t.Fatalf("expected reclaim, got %s", res.Outcome)
	}
	if res.Lock.HolderID != "u2" || res.Stale == nil || res.Stale.HolderID != "u1" {
		t.Fatalf("unexpected reclaim result: %+v", res)
	}
}

func TestRedisStoreRelease(t *testing.T) {
	store := newRedisTestStore(t)
	ctx := context.Background()

	if _, err := store.Acquire(ctx, "appt-1", Holder{ID: "u1"}, 2*time.Second); err != nil {
		if skipEval(err) {
			t.Skip("miniredis does not support EVAL")
		}
		t.Fatalf("acquire: %v", err)
	}

	if snap, ok, err := store.Release(ctx, "appt-1", "u2"); err != nil || ok {
		t.Fatalf("expected denied release, snap=%+v ok=%v err=%v", snap, ok, err)
	} else if snap == nil || snap.HolderID != "u1" {
		t.Fatalf("denied release should return blocking lock, got %+v", snap)
	}

	if snap, ok, err := store.Release(ctx, "appt-1", "u1"); err != nil || !ok || snap == nil {
		t.Fatalf("expected release, snap=%+v ok=%v err=%v", snap, ok, err)
	}

	if snap, ok, err := store.Release(ctx, "appt-1", "u1"); err != nil || ok || snap != nil {
		t.Fatalf("expected idempotent no-op, snap=%+v ok=%v err=%v", snap, ok, err)
	}
}

func TestRedisStoreForceRelease(t *testing.T) {
	store := newRedisTestStore(t)
	ctx := context.Background()

	if _, err := store.Acquire(ctx, "appt-1", Holder{ID: "u1"}, 2*time.Second); err != nil {
		if skipEval(err) {
			t.Skip("miniredis does not support EVAL")
		}
		t.Fatalf("acquire: %v", err)
	}
	snap, ok, err := store.Release(ctx, "appt-1", "")
	if err != nil || !ok {
		t.Fatalf("expected forced release, ok=%v err=%v", ok, err)
	}
	if snap.HolderID != "u1" {
		t.Fatalf("expected pre-release snapshot of u1, got %+v", snap)
	}
}

func TestRedisStoreReap(t *testing.T) {
	store := newRedisTestStore(t)
	ctx := context.Background()

	if _, ok, err := store.Reap(ctx, "appt-1"); err != nil || ok {
		if skipEval(err) {
			t.Skip("miniredis does not support EVAL")
		}
		t.Fatalf("reap of absent lock: ok=%v err=%v", ok, err)
	}

	if _, err := store.Acquire(ctx, "appt-1", Holder{ID: "u1"}, time.Millisecond); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	stale, ok, err := store.Reap(ctx, "appt-1")
	if err != nil || !ok {
		t.Fatalf("expected reap, ok=%v err=%v", ok, err)
	}
	if stale.HolderID != "u1" {
		t.Fatalf("unexpected stale lock: %+v", stale)
	}
	if lock, err := store.Get(ctx, "appt-1"); err != nil || lock != nil {
		t.Fatalf("expected lock gone after reap, lock=%+v err=%v", lock, err)
	}
}

func skipEval(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "eval") && strings.Contains(msg, "unknown")
}
