// Package records provides durable storage for appointments and users. The
// lock engine treats it as an external collaborator: it only needs existence
// checks and holder lookups for display.
package records

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound reports a missing record.
var ErrNotFound = errors.New("record not found")

// Appointment is the editable shared record clients take locks on.
type Appointment struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	StartTime   time.Time `json:"startTime"`
	EndTime     time.Time `json:"endTime"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// User is an account that can authenticate and hold locks.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	Role         string    `json:"role"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Roles. Force release and audit listing require RoleAdmin.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// Store is the record-store collaborator surface.
type Store interface {
	AppointmentExists(ctx context.Context, id string) (bool, error)
	GetAppointment(ctx context.Context, id string) (*Appointment, error)
	ListAppointments(ctx context.Context) ([]*Appointment, error)
	CreateAppointment(ctx context.Context, appt *Appointment) error
	UpdateAppointment(ctx context.Context, appt *Appointment) error
	DeleteAppointment(ctx context.Context, id string) error

	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	CreateUser(ctx context.Context, user *User) error
}
