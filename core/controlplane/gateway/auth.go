package gateway

import (
	"errors"
	"net/http"

	"github.com/planlock/planlock/core/identity"
	"github.com/planlock/planlock/core/infra/logging"
)

type registerRequest struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResponse struct {
	Success bool                `json:"success"`
	Token   string              `json:"token,omitempty"`
	User    *identity.Principal `json:"user,omitempty"`
	Message string              `json:"message,omitempty"`
}

// handleRegister creates an account and logs it in. Self-registration always
// grants the user role; admins are provisioned out of band.
func (s *server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	p, token, err := s.identity.Register(r.Context(), req.Email, req.Name, req.Password, "")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Registration failed: "+err.Error())
		return
	}
	logging.Info(component, "user registered", "user", p.ID)
	writeJSON(w, http.StatusCreated, authResponse{Success: true, Token: token, User: p})
}

func (s *server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeBody(w, r, &req) {
		return
	}
	p, token, err := s.identity.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "Invalid email or password")
			return
		}
		logging.Error(component, "login failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "Login unavailable")
		return
	}
	writeJSON(w, http.StatusOK, authResponse{Success: true, Token: token, User: p})
}
