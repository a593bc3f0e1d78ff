package records

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
)

func newTestStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := NewRedisStore("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestAppointmentCRUD(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	appt := &Appointment{
		ID:        "appt-1",
		Title:     "Team Meeting",
		StartTime: now.Add(time.Hour),
		EndTime:   now.Add(2 * time.Hour),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.CreateAppointment(ctx, appt); err != nil {
		t.Fatalf("create: %v", err)
	}

	exists, err := store.AppointmentExists(ctx, "appt-1")
	if err != nil || !exists {
		t.Fatalf("exists: %v %v", exists, err)
	}
	if exists, _ := store.AppointmentExists(ctx, "missing"); exists {
		t.Fatalf("expected missing appointment")
	}

	got, err := store.GetAppointment(ctx, "appt-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != "Team Meeting" || !got.StartTime.Equal(appt.StartTime) {
		t.Fatalf("unexpected appointment: %+v", got)
	}

	got.Title = "Renamed"
	if err := store.UpdateAppointment(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}
	updated, _ := store.GetAppointment(ctx, "appt-1")
	if updated.Title != "Renamed" {
		t.Fatalf("update not applied: %+v", updated)
	}

	list, err := store.ListAppointments(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("list: %v len=%d", err, len(list))
	}

	if err := store.DeleteAppointment(ctx, "appt-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.GetAppointment(ctx, "appt-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if list, _ := store.ListAppointments(ctx); len(list) != 0 {
		t.Fatalf("expected empty list, got %d", len(list))
	}
}

func TestUpdateMissingAppointment(t *testing.T) {
	store := newTestStore(t)
	err := store.UpdateAppointment(context.Background(), &Appointment{ID: "ghost"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestUserStore(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	user := &User{
		ID:           "u1",
		Email:        "Ann@Example.com",
		Name:         "Ann",
		Role:         RoleUser,
		PasswordHash: "hash",
		CreatedAt:    time.Now().UTC(),
	}
	if err := store.CreateUser(ctx, user); err != nil {
		t.Fatalf("create user: %v", err)
	}

	got, err := store.GetUser(ctx, "u1")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if got.PasswordHash != "hash" || got.Role != RoleUser {
		t.Fatalf("unexpected user: %+v", got)
	}

	// Email lookup is case-insensitive.
	byEmail, err := store.GetUserByEmail(ctx, "ann@example.com")
	if err != nil || byEmail.ID != "u1" {
		t.Fatalf("get by email: %+v %v", byEmail, err)
	}

	dup := &User{ID: "u2", Email: "ann@example.com", Name: "Other"}
	if err := store.CreateUser(ctx, dup); err == nil {
		t.Fatalf("expected duplicate email rejection")
	}
}

func TestSeed(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := Seed(ctx, store); err != nil {
		t.Fatalf("seed: %v", err)
	}
	admin, err := store.GetUserByEmail(ctx, "admin@example.com")
	if err != nil || admin.Role != RoleAdmin {
		t.Fatalf("expected seeded admin, got %+v err=%v", admin, err)
	}
	list, err := store.ListAppointments(ctx)
	if err != nil || len(list) != 2 {
		t.Fatalf("expected two seeded appointments, got %d err=%v", len(list), err)
	}
}
