package gateway

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/planlock/planlock/core/identity"
	"github.com/planlock/planlock/core/infra/locks"
	"github.com/planlock/planlock/core/infra/logging"
)

func (s *server) handleLockStatus(w http.ResponseWriter, r *http.Request) {
	writeResult(w, s.engine.Status(r.Context(), r.PathValue("id")))
}

func (s *server) handleAcquireLock(w http.ResponseWriter, r *http.Request) {
	p := s.requireAuth(w, r)
	if p == nil || !s.allowLockAttempt(w, p) {
		return
	}
	holder := locks.Holder{ID: p.ID, Name: p.Name}
	writeResult(w, s.engine.Acquire(r.Context(), r.PathValue("id"), holder))
}

func (s *server) handleReleaseLock(w http.ResponseWriter, r *http.Request) {
	p := s.requireAuth(w, r)
	if p == nil || !s.allowLockAttempt(w, p) {
		return
	}
	writeResult(w, s.engine.Release(r.Context(), r.PathValue("id"), p.ID))
}

type forceReleaseRequest struct {
	Reason string `json:"reason"`
}

func (s *server) handleForceReleaseLock(w http.ResponseWriter, r *http.Request) {
	p := s.requireAdmin(w, r)
	if p == nil || !s.allowLockAttempt(w, p) {
		return
	}
	var req forceReleaseRequest
	if !decodeBody(w, r, &req) {
		return
	}
	writeResult(w, s.engine.ForceRelease(r.Context(), r.PathValue("id"), p.ID, req.Reason))
}

// allowLockAttempt applies the per-user fixed window on lock mutations. The
// 429 carries retryAfter seconds so clients can back off precisely.
func (s *server) allowLockAttempt(w http.ResponseWriter, p *identity.Principal) bool {
	if s.lockLimiter == nil {
		return true
	}
	key := "user:" + p.ID
	if s.lockLimiter.Allow(key) {
		return true
	}
	retry := int(math.Ceil(s.lockLimiter.RetryAfter(key).Seconds()))
	if retry < 1 {
		retry = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retry))
	writeJSON(w, http.StatusTooManyRequests, map[string]any{
		"success":    false,
		"message":    "Too many lock attempts. Please wait before trying again.",
		"retryAfter": retry,
	})
	return false
}

// requireLockOwnership guards the write path: edits are only accepted from
// the current holder of a live lock. An expired lock found here is reaped
// through the status path so its release is still broadcast exactly once.
func (s *server) requireLockOwnership(w http.ResponseWriter, r *http.Request, entityID string, p *identity.Principal) bool {
	lock, err := s.lockStore.Get(r.Context(), entityID)
	if err != nil {
		logging.Error(component, "lock read failed", "entity", entityID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "Failed to verify lock ownership")
		return false
	}
	if lock == nil {
		writeError(w, http.StatusForbidden, "You must acquire a lock before editing")
		return false
	}
	if lock.Expired(time.Now().UTC()) {
		s.engine.Status(r.Context(), entityID)
		writeError(w, http.StatusForbidden, "Lock has expired. Please acquire a new lock")
		return false
	}
	if lock.HolderID != p.ID {
		writeError(w, http.StatusForbidden, "You do not own the lock for this appointment")
		return false
	}
	return true
}

type beaconRequest struct {
	EntityID string `json:"entityId"`
	Token    string `json:"token"`
}

// handleBeaconRelease is the teardown path: the credential arrives in the
// body because beacon senders cannot set headers. The sender disconnects
// immediately, so the release runs on a detached context; a request
// canceled mid-flight must not strand the lease until expiry.
func (s *server) handleBeaconRelease(w http.ResponseWriter, r *http.Request) {
	var req beaconRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.EntityID) == "" {
		writeError(w, http.StatusBadRequest, "entityId is required")
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 2*time.Second)
	defer cancel()
	p, err := s.identity.VerifyToken(ctx, req.Token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Invalid token")
		return
	}
	res := s.engine.Release(ctx, req.EntityID, p.ID)
	if !res.Success {
		// Idempotent: a lease that already expired or was released is fine.
		logging.Info(component, "beacon release no-op", "entity", req.EntityID, "user", p.ID, "message", res.Message)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	if s.requireAdmin(w, r) == nil {
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = parsed
	}
	recs, err := s.sink.List(r.Context(), r.URL.Query().Get("entityId"), limit)
	if err != nil {
		logging.Error(component, "audit list failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "Failed to list audit records")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "records": recs})
}
