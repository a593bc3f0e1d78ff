// Package engine implements the lock lifecycle: acquire, extend, release,
// forced release, and lazy expiry reclamation. All outcomes are result
// values; the engine never panics or returns errors across its public
// boundary, so callers cannot forget to handle failure.
package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/planlock/planlock/core/infra/audit"
	"github.com/planlock/planlock/core/infra/locks"
	"github.com/planlock/planlock/core/infra/logging"
	"github.com/planlock/planlock/core/infra/metrics"
	"github.com/planlock/planlock/core/infra/records"
	"github.com/planlock/planlock/core/protocol/wire"
)

const component = "lock-engine"

// Kind classifies failures for transport mapping. It never reaches clients
// directly; the Message string is the user-facing surface.
type Kind int

const (
	KindNone Kind = iota
	KindNotFound
	KindConflict
	KindUnauthorized
	KindInvalid
	KindUnavailable
)

// Result is the outcome of every lock operation.
type Result struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Lock    *locks.Lock `json:"lock,omitempty"`
	Kind    Kind        `json:"-"`
}

// Broadcaster fans a wire message out to connected clients. Implementations
// must be fire-and-forget: a slow connection may not delay the caller.
type Broadcaster interface {
	Broadcast(msg wire.Message)
}

// Engine coordinates lock state against the lock store and announces every
// committed mutation through the broadcaster.
type Engine struct {
	locks   locks.Store
	records records.Store
	sink    audit.Sink
	cast    Broadcaster
	metrics metrics.LockMetrics
	lease   time.Duration
}

// Option tweaks engine construction.
type Option func(*Engine)

// WithLeaseDuration overrides the default 5 minute lease.
func WithLeaseDuration(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.lease = d
		}
	}
}

// WithMetrics installs lock metrics.
func WithMetrics(m metrics.LockMetrics) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// New constructs an Engine. The audit sink may be nil when no auditing is
// configured; forced releases are then logged only.
func New(lockStore locks.Store, recordStore records.Store, sink audit.Sink, cast Broadcaster, opts ...Option) *Engine {
	e := &Engine{
		locks:   lockStore,
		records: recordStore,
		sink:    sink,
		cast:    cast,
		metrics: metrics.Noop{},
		lease:   5 * time.Minute,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Acquire grants or extends the exclusive edit lease on an entity. An
// expired lock held by anyone is silently reclaimed; the acquiring user sees
// an ordinary success.
func (e *Engine) Acquire(ctx context.Context, entityID string, requester locks.Holder) Result {
	exists, err := e.records.AppointmentExists(ctx, entityID)
	if err != nil {
		logging.Error(component, "record lookup failed", "entity", entityID, "error", err)
		return Result{Message: "Failed to acquire lock", Kind: KindUnavailable}
	}
	if !exists {
		return Result{Message: "Appointment not found", Kind: KindNotFound}
	}

	res, err := e.locks.Acquire(ctx, entityID, requester, e.lease)
	if err != nil {
		logging.Error(component, "acquire failed", "entity", entityID, "error", err)
		return Result{Message: "Failed to acquire lock", Kind: KindUnavailable}
	}

	switch res.Outcome {
	case locks.OutcomeCreated:
		e.metrics.IncAcquired("created")
		e.broadcastAcquired(res.Lock)
		return Result{Success: true, Message: "Lock acquired successfully", Lock: res.Lock}
	case locks.OutcomeReclaimed:
		e.metrics.IncReclaimed()
		e.metrics.IncAcquired("reclaimed")
		e.broadcastReleased(entityID)
		e.broadcastAcquired(res.Lock)
		return Result{Success: true, Message: "Lock acquired successfully", Lock: res.Lock}
	case locks.OutcomeExtended:
		e.metrics.IncAcquired("extended")
		e.broadcastAcquired(res.Lock)
		return Result{Success: true, Message: "Lock extended", Lock: res.Lock}
	case locks.OutcomeHeld:
		e.metrics.IncConflict()
		return Result{Message: "Appointment is locked by another user", Lock: res.Lock, Kind: KindConflict}
	}
	logging.Error(component, "unexpected acquire outcome", "entity", entityID, "outcome", string(res.Outcome))
	return Result{Message: "Failed to acquire lock", Kind: KindUnavailable}
}

// Release drops the lease if the requester holds it. Releasing an entity
// with no lock is an idempotent no-op failure, safe to repeat.
func (e *Engine) Release(ctx context.Context, entityID, requesterID string) Result {
	if strings.TrimSpace(requesterID) == "" {
		return Result{Message: "Not authorized to release this lock", Kind: KindUnauthorized}
	}
	snap, released, err := e.locks.Release(ctx, entityID, requesterID)
	if err != nil {
		if errors.Is(err, locks.ErrExpired) {
			// The lease lapsed first; announce the reclamation this access
			// just performed, then report nothing left to release.
			e.metrics.IncReclaimed()
			e.broadcastReleased(entityID)
			return Result{Message: "No lock found", Kind: KindNotFound}
		}
		logging.Error(component, "release failed", "entity", entityID, "error", err)
		return Result{Message: "Failed to release lock", Kind: KindUnavailable}
	}
	if snap == nil {
		return Result{Message: "No lock found", Kind: KindNotFound}
	}
	if !released {
		return Result{Message: "Not authorized to release this lock", Kind: KindUnauthorized}
	}
	e.metrics.IncReleased("holder")
	e.broadcastReleased(entityID)
	return Result{Success: true, Message: "Lock released successfully"}
}

// ForceRelease destroys any live lock regardless of holder. Privileged
// callers only; a human-supplied reason is mandatory and lands in the audit
// trail together with the pre-release holder.
func (e *Engine) ForceRelease(ctx context.Context, entityID, adminID, reason string) Result {
	if strings.TrimSpace(reason) == "" {
		return Result{Message: "A reason is required to force release", Kind: KindInvalid}
	}
	snap, released, err := e.locks.Release(ctx, entityID, "")
	if err != nil {
		if errors.Is(err, locks.ErrExpired) {
			e.metrics.IncReclaimed()
			e.broadcastReleased(entityID)
			return Result{Message: "No lock found", Kind: KindNotFound}
		}
		logging.Error(component, "force release failed", "entity", entityID, "error", err)
		return Result{Message: "Failed to release lock", Kind: KindUnavailable}
	}
	if snap == nil || !released {
		return Result{Message: "No lock found", Kind: KindNotFound}
	}

	e.metrics.IncReleased("forced")
	e.broadcastReleased(entityID)
	e.writeAudit(ctx, audit.Record{
		Action:       audit.ActionForceRelease,
		AdminID:      adminID,
		TargetUserID: snap.HolderID,
		EntityID:     entityID,
		Reason:       reason,
	})
	return Result{Success: true, Message: "Lock released successfully"}
}

// Status reports the current lock. Reading is the system's only expiry
// sweep: an observed-expired lock is destroyed here and its release
// broadcast exactly once.
func (e *Engine) Status(ctx context.Context, entityID string) Result {
	lock, err := e.locks.Get(ctx, entityID)
	if err != nil {
		logging.Error(component, "status read failed", "entity", entityID, "error", err)
		return Result{Message: "Failed to get lock status", Kind: KindUnavailable}
	}
	if lock == nil {
		return Result{Success: true, Message: "Appointment is not locked"}
	}
	if lock.Expired(time.Now().UTC()) {
		current, reaped, err := e.locks.Reap(ctx, entityID)
		if err != nil {
			logging.Error(component, "expiry reap failed", "entity", entityID, "error", err)
			return Result{Message: "Failed to get lock status", Kind: KindUnavailable}
		}
		if reaped {
			e.metrics.IncReclaimed()
			e.broadcastReleased(entityID)
			return Result{Success: true, Message: "Appointment is not locked"}
		}
		// Lost a race with a concurrent acquire; report whatever is live now.
		if current == nil {
			return Result{Success: true, Message: "Appointment is not locked"}
		}
		lock = current
	}
	return Result{Success: true, Message: "Appointment is locked", Lock: lock}
}

func (e *Engine) broadcastAcquired(lock *locks.Lock) {
	if e.cast == nil || lock == nil {
		return
	}
	msg, err := wire.NewMessage(wire.EventLockAcquired, lock.EntityID, wire.LockSnapshot{
		EntityID:   lock.EntityID,
		HolderID:   lock.HolderID,
		HolderName: lock.HolderName,
		ExpiresAt:  lock.ExpiresAt,
	})
	if err != nil {
		logging.Error(component, "encode broadcast failed", "entity", lock.EntityID, "error", err)
		return
	}
	e.cast.Broadcast(msg)
}

func (e *Engine) broadcastReleased(entityID string) {
	if e.cast == nil {
		return
	}
	e.cast.Broadcast(wire.Message{Type: wire.EventLockReleased, EntityID: entityID})
}

func (e *Engine) writeAudit(ctx context.Context, rec audit.Record) {
	if e.sink == nil {
		logging.Info(component, "forced release without audit sink", "entity", rec.EntityID, "admin", rec.AdminID)
		return
	}
	if err := e.sink.RecordForcedRelease(ctx, rec); err != nil {
		// Audit trouble never blocks lock operations.
		logging.Error(component, "audit write failed", "entity", rec.EntityID, "error", err)
	}
}
