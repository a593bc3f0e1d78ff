package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"github.com/planlock/planlock/core/infra/records"
)

const (
	sessionKeyPrefix  = "session:"
	defaultSessionTTL = 24 * time.Hour
	opTimeout         = 2 * time.Second
)

// Service implements login, registration, and token verification against the
// user records store, with sessions held in Redis so any instance can verify
// a token another instance issued.
type Service struct {
	users      records.Store
	sessions   redis.UniversalClient
	sessionTTL time.Duration
}

// NewService constructs an identity service. A zero ttl uses the 24h default.
func NewService(users records.Store, sessions redis.UniversalClient, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	return &Service{users: users, sessions: sessions, sessionTTL: ttl}
}

// Register creates a user and returns a fresh session token.
func (s *Service) Register(ctx context.Context, email, name, password, role string) (*Principal, string, error) {
	email = strings.TrimSpace(email)
	name = strings.TrimSpace(name)
	if email == "" || name == "" || password == "" {
		return nil, "", errors.New("email, name and password required")
	}
	if role != records.RoleAdmin {
		role = records.RoleUser
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("hash password: %w", err)
	}
	user := &records.User{
		ID:           uuid.NewString(),
		Email:        email,
		Name:         name,
		Role:         role,
		PasswordHash: string(hash),
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		return nil, "", err
	}
	return s.issueSession(ctx, user)
}

// Login verifies credentials and returns a fresh session token.
func (s *Service) Login(ctx context.Context, email, password string) (*Principal, string, error) {
	user, err := s.users.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, records.ErrNotFound) {
			return nil, "", ErrInvalidCredentials
		}
		return nil, "", err
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, "", ErrInvalidCredentials
	}
	return s.issueSession(ctx, user)
}

// VerifyToken resolves a session token to its principal.
func (s *Service) VerifyToken(ctx context.Context, token string) (*Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), opTimeout)
	defer cancel()
	raw, err := s.sessions.Get(cctx, sessionKeyPrefix+token).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	var p Principal
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, ErrInvalidToken
	}
	return &p, nil
}

func (s *Service) issueSession(ctx context.Context, user *records.User) (*Principal, string, error) {
	p := &Principal{ID: user.ID, Email: user.Email, Name: user.Name, Role: user.Role}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, "", fmt.Errorf("encode session: %w", err)
	}
	token := uuid.NewString()
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), opTimeout)
	defer cancel()
	if err := s.sessions.Set(cctx, sessionKeyPrefix+token, raw, s.sessionTTL).Err(); err != nil {
		return nil, "", err
	}
	return p, token, nil
}
