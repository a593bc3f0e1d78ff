// Package audit records administrative forced releases. Writes are
// best-effort by contract: audit trouble must never block a lock operation,
// so the engine logs failures and moves on.
package audit

import (
	"context"
	"time"
)

// ActionForceRelease is the only action the lock engine records.
const ActionForceRelease = "FORCE_RELEASE"

// Record is an immutable audit entry.
type Record struct {
	Action       string    `json:"action"`
	AdminID      string    `json:"adminId"`
	TargetUserID string    `json:"targetUserId"`
	EntityID     string    `json:"entityId"`
	Reason       string    `json:"reason,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Sink appends audit records and serves the reporting view.
type Sink interface {
	RecordForcedRelease(ctx context.Context, rec Record) error
	// List returns records newest first, optionally filtered by entity id.
	// Implementations may bound how far back they search: the Redis sink
	// inspects only the newest 1000 entries, so an entity whose records
	// have all aged past that window lists as empty.
	List(ctx context.Context, entityID string, limit int) ([]Record, error)
}
