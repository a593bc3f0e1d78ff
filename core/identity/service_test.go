package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/planlock/planlock/core/infra/records"
	"github.com/planlock/planlock/core/infra/redisutil"
)

func newTestService(t *testing.T) (*Service, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := redisutil.NewClient("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	users := records.NewRedisStoreWithClient(client)
	return NewService(users, client, time.Hour), mr
}

func TestRegisterLoginVerify(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	p, token, err := svc.Register(ctx, "ann@example.com", "Ann", "secret", "")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if p.Role != records.RoleUser {
		t.Fatalf("expected default role, got %q", p.Role)
	}
	if token == "" {
		t.Fatalf("expected session token")
	}

	got, err := svc.VerifyToken(ctx, token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got.ID != p.ID || got.Name != "Ann" {
		t.Fatalf("unexpected principal: %+v", got)
	}

	p2, token2, err := svc.Login(ctx, "ann@example.com", "secret")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if p2.ID != p.ID || token2 == token {
		t.Fatalf("expected same user with fresh token")
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, _, err := svc.Register(ctx, "ann@example.com", "Ann", "secret", ""); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, _, err := svc.Login(ctx, "ann@example.com", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
	if _, _, err := svc.Login(ctx, "ghost@example.com", "secret"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials for unknown email, got %v", err)
	}
}

func TestVerifyRejectsUnknownAndExpired(t *testing.T) {
	svc, mr := newTestService(t)
	ctx := context.Background()

	if _, err := svc.VerifyToken(ctx, "nope"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token, got %v", err)
	}
	if _, err := svc.VerifyToken(ctx, ""); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token for empty string, got %v", err)
	}

	_, token, err := svc.Register(ctx, "ann@example.com", "Ann", "secret", "")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	mr.FastForward(2 * time.Hour)
	if _, err := svc.VerifyToken(ctx, token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected expired session to be invalid, got %v", err)
	}
}

func TestRegisterAdminRole(t *testing.T) {
	svc, _ := newTestService(t)
	p, _, err := svc.Register(context.Background(), "root@example.com", "Root", "secret", records.RoleAdmin)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if p.Role != records.RoleAdmin {
		t.Fatalf("expected admin role, got %q", p.Role)
	}
}
