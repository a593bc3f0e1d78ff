package gateway

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/planlock/planlock/core/infra/locks"
	"github.com/planlock/planlock/core/infra/logging"
	"github.com/planlock/planlock/core/infra/records"
)

type appointmentRequest struct {
	Title       string    `json:"title"`
	Description string    `json:"description"`
	StartTime   time.Time `json:"startTime"`
	EndTime     time.Time `json:"endTime"`
}

// appointmentView joins the record with its live lock so list and detail
// screens can show who is editing without extra round trips.
type appointmentView struct {
	*records.Appointment
	Lock *locks.Lock `json:"lock,omitempty"`
}

func (s *server) handleListAppointments(w http.ResponseWriter, r *http.Request) {
	appts, err := s.records.ListAppointments(r.Context())
	if err != nil {
		logging.Error(component, "list appointments failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "Failed to list appointments")
		return
	}
	views := make([]appointmentView, 0, len(appts))
	for _, appt := range appts {
		views = append(views, appointmentView{Appointment: appt, Lock: s.liveLock(r, appt.ID)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "appointments": views})
}

func (s *server) handleGetAppointment(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	appt, err := s.records.GetAppointment(r.Context(), id)
	if err != nil {
		if errors.Is(err, records.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Appointment not found")
			return
		}
		logging.Error(component, "get appointment failed", "id", id, "error", err)
		writeError(w, http.StatusServiceUnavailable, "Failed to get appointment")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"appointment": appointmentView{Appointment: appt, Lock: s.liveLock(r, id)},
	})
}

func (s *server) handleCreateAppointment(w http.ResponseWriter, r *http.Request) {
	if s.requireAuth(w, r) == nil {
		return
	}
	var req appointmentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		writeError(w, http.StatusBadRequest, "Title is required")
		return
	}
	now := time.Now().UTC()
	appt := &records.Appointment{
		ID:          uuid.NewString(),
		Title:       req.Title,
		Description: req.Description,
		StartTime:   req.StartTime,
		EndTime:     req.EndTime,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.records.CreateAppointment(r.Context(), appt); err != nil {
		logging.Error(component, "create appointment failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "Failed to create appointment")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "appointment": appt})
}

// handleUpdateAppointment writes the record. Writes are fenced by the edit
// lock: only the current holder of a live lock may update.
func (s *server) handleUpdateAppointment(w http.ResponseWriter, r *http.Request) {
	p := s.requireAuth(w, r)
	if p == nil {
		return
	}
	id := r.PathValue("id")
	if !s.requireLockOwnership(w, r, id, p) {
		return
	}
	appt, err := s.records.GetAppointment(r.Context(), id)
	if err != nil {
		if errors.Is(err, records.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Appointment not found")
			return
		}
		logging.Error(component, "get appointment failed", "id", id, "error", err)
		writeError(w, http.StatusServiceUnavailable, "Failed to update appointment")
		return
	}
	var req appointmentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Title) != "" {
		appt.Title = req.Title
	}
	appt.Description = req.Description
	if !req.StartTime.IsZero() {
		appt.StartTime = req.StartTime
	}
	if !req.EndTime.IsZero() {
		appt.EndTime = req.EndTime
	}
	appt.UpdatedAt = time.Now().UTC()
	if err := s.records.UpdateAppointment(r.Context(), appt); err != nil {
		logging.Error(component, "update appointment failed", "id", id, "error", err)
		writeError(w, http.StatusServiceUnavailable, "Failed to update appointment")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "appointment": appt})
}

func (s *server) handleDeleteAppointment(w http.ResponseWriter, r *http.Request) {
	if s.requireAdmin(w, r) == nil {
		return
	}
	id := r.PathValue("id")
	if err := s.records.DeleteAppointment(r.Context(), id); err != nil {
		if errors.Is(err, records.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Appointment not found")
			return
		}
		logging.Error(component, "delete appointment failed", "id", id, "error", err)
		writeError(w, http.StatusServiceUnavailable, "Failed to delete appointment")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Appointment deleted"})
}

// liveLock returns the entity's lock for display, nil when absent or
// expired. Reaping is left to the status endpoint.
func (s *server) liveLock(r *http.Request, entityID string) *locks.Lock {
	lock, err := s.lockStore.Get(r.Context(), entityID)
	if err != nil {
		logging.Error(component, "lock read failed", "entity", entityID, "error", err)
		return nil
	}
	if lock == nil || lock.Expired(time.Now().UTC()) {
		return nil
	}
	return lock
}
