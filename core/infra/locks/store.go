package locks

import (
	"context"
	"errors"
	"time"
)

// ErrExpired reports that a holder release found only a lapsed lock; the
// store reaped it, so the caller should announce a reclamation instead of a
// normal release.
var ErrExpired = errors.New("lock expired")

var (
	errEntityRequired  = errors.New("entity required")
	errEntityAndHolder = errors.New("entity and holder required")
)

// Holder identifies the party owning a lock. Name is carried for display so
// peers can see who is editing without a second lookup.
type Holder struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Lock captures exclusive edit ownership of one entity. At most one lock
// exists per entity id; the store enforces this, callers never cache it.
type Lock struct {
	EntityID   string    `json:"entity_id"`
	HolderID   string    `json:"holder_id"`
	HolderName string    `json:"holder_name,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the lock's lease has lapsed at the given instant.
func (l *Lock) Expired(now time.Time) bool {
	return l != nil && now.After(l.ExpiresAt)
}

// Outcome describes what an atomic acquire decided.
type Outcome string

const (
	// OutcomeCreated means no live lock existed and a fresh one was created.
	OutcomeCreated Outcome = "created"
	// OutcomeReclaimed means an expired lock was destroyed and replaced.
	OutcomeReclaimed Outcome = "reclaimed"
	// OutcomeExtended means the holder already owned the lock and its expiry
	// was pushed forward in place.
	OutcomeExtended Outcome = "extended"
	// OutcomeHeld means a live lock by another holder blocked the acquire.
	OutcomeHeld Outcome = "held"
)

// AcquireResult reports the outcome of an acquire attempt. Lock is the
// resulting lock on success, or the blocking lock when Outcome is held.
// Stale carries the pre-reclaim snapshot when Outcome is reclaimed.
type AcquireResult struct {
	Outcome Outcome
	Lock    *Lock
	Stale   *Lock
}

// Store manages entity locks. Every method that decides based on current
// state must do so atomically per entity: two racing acquires on the same
// entity resolve to exactly one winner inside the store.
type Store interface {
	// Acquire runs the full acquire decision (create / reclaim-expired /
	// extend-own / report-held) as one atomic step.
	Acquire(ctx context.Context, entityID string, holder Holder, ttl time.Duration) (*AcquireResult, error)

	// Release deletes the lock if holderID matches the current holder, or
	// unconditionally when holderID is empty (privileged release). It returns
	// the pre-delete snapshot and whether a delete happened. A missing lock
	// returns (nil, false, nil).
	Release(ctx context.Context, entityID, holderID string) (*Lock, bool, error)

	// Reap deletes the lock only if it has expired, returning the stale
	// snapshot when it did. Reads use this for lazy expiry reclamation.
	Reap(ctx context.Context, entityID string) (*Lock, bool, error)

	// Get returns the current lock without side effects, nil when absent.
	// Expired locks are returned as-is; expiry is the caller's to observe.
	Get(ctx context.Context, entityID string) (*Lock, error)
}
