package records

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Seed populates a fresh store with demo users and appointments for local
// development. It is not idempotent; run it against an empty database only.
func Seed(ctx context.Context, store Store) error {
	users := []struct {
		email, name, role, password string
	}{
		{"admin@example.com", "Admin User", RoleAdmin, "admin123"},
		{"user1@example.com", "Regular User 1", RoleUser, "user123"},
		{"user2@example.com", "Regular User 2", RoleUser, "user123"},
	}
	for _, u := range users {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("hash seed password: %w", err)
		}
		user := &User{
			ID:           uuid.NewString(),
			Email:        u.email,
			Name:         u.name,
			Role:         u.role,
			PasswordHash: string(hash),
			CreatedAt:    time.Now().UTC(),
		}
		if err := store.CreateUser(ctx, user); err != nil {
			return fmt.Errorf("seed user %s: %w", u.email, err)
		}
	}

	now := time.Now().UTC()
	tomorrow := now.Add(24 * time.Hour)
	dayAfter := now.Add(48 * time.Hour)
	appts := []*Appointment{
		{
			ID:          uuid.NewString(),
			Title:       "Team Meeting",
			Description: "Weekly sync",
			StartTime:   tomorrow,
			EndTime:     tomorrow.Add(time.Hour),
			CreatedAt:   now,
			UpdatedAt:   now,
		},
		{
			ID:          uuid.NewString(),
			Title:       "Project Review",
			Description: "Quarterly review",
			StartTime:   dayAfter,
			EndTime:     dayAfter.Add(2 * time.Hour),
			CreatedAt:   now,
			UpdatedAt:   now,
		},
	}
	for _, appt := range appts {
		if err := store.CreateAppointment(ctx, appt); err != nil {
			return fmt.Errorf("seed appointment %s: %w", appt.Title, err)
		}
	}
	return nil
}
