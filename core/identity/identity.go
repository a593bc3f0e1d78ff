// Package identity issues and verifies the opaque session tokens that
// authenticate API requests and real-time messages.
package identity

import (
	"context"
	"errors"
)

// ErrInvalidToken reports an unknown, expired, or malformed token.
var ErrInvalidToken = errors.New("invalid token")

// ErrInvalidCredentials reports a failed login. The message is deliberately
// the same for unknown email and wrong password.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Principal is the authenticated identity resolved from a token.
type Principal struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
	Role  string `json:"role"`
}

// Verifier resolves tokens to principals. The notification hub depends on
// this and nothing else from the identity layer.
type Verifier interface {
	VerifyToken(ctx context.Context, token string) (*Principal, error)
}
