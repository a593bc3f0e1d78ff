package gateway

import (
	"encoding/json"
	"net/http"
	"testing"
)

func TestRegisterAndLogin(t *testing.T) {
	env := newTestEnv(t)

	status, body := env.do(t, http.MethodPost, "/api/v1/auth/register", "", map[string]string{
		"email":    "new@example.com",
		"name":     "New User",
		"password": "secret123",
	})
	if status != http.StatusCreated {
		t.Fatalf("register failed: %d %s", status, body)
	}
	var resp struct {
		Success bool   `json:"success"`
		Token   string `json:"token"`
		User    struct {
			Role string `json:"role"`
		} `json:"user"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || !resp.Success || resp.Token == "" {
		t.Fatalf("unexpected register response: %s", body)
	}
	if resp.User.Role != "user" {
		t.Fatalf("self-registration must grant the user role, got %q", resp.User.Role)
	}

	// The fresh token is a valid credential.
	status, _ = env.do(t, http.MethodPost, "/api/v1/appointments", resp.Token, map[string]string{
		"title": "Standup",
	})
	if status != http.StatusCreated {
		t.Fatalf("token from register should authenticate, got %d", status)
	}

	// Duplicate registration is refused.
	status, _ = env.do(t, http.MethodPost, "/api/v1/auth/register", "", map[string]string{
		"email":    "new@example.com",
		"name":     "Imposter",
		"password": "other",
	})
	if status != http.StatusBadRequest {
		t.Fatalf("duplicate register should be 400, got %d", status)
	}

	// Login with the new credentials.
	env.login(t, "new@example.com", "secret123")
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	env := newTestEnv(t)
	for _, creds := range []map[string]string{
		{"email": "user1@example.com", "password": "wrong"},
		{"email": "ghost@example.com", "password": "user123"},
	} {
		status, body := env.do(t, http.MethodPost, "/api/v1/auth/login", "", creds)
		if status != http.StatusUnauthorized {
			t.Fatalf("bad login should be 401, got %d %s", status, body)
		}
		var resp struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(body, &resp); err != nil || resp.Message != "Invalid email or password" {
			t.Fatalf("bad logins must share one message, got %s", body)
		}
	}
}
