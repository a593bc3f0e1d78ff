package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/planlock/planlock/core/infra/redisutil"
)

const (
	defaultRedisURL       = "redis://localhost:6379"
	defaultRedisOpTimeout = 2 * time.Second

	apptKeyPrefix      = "appt:"
	apptIndexKey       = "appts"
	userKeyPrefix      = "user:"
	userEmailKeyPrefix = "user:email:"
)

// RedisStore implements Store using Redis JSON values with a set index for
// listing.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore constructs a Redis-backed record store from a redis:// URL.
func NewRedisStore(url string) (*RedisStore, error) {
	if url == "" {
		url = defaultRedisURL
	}
	client, err := redisutil.NewClient(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Close closes the underlying Redis client.
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *RedisStore) AppointmentExists(ctx context.Context, id string) (bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return false, nil
	}
	cctx, cancel := opContext(ctx)
	defer cancel()
	n, err := s.client.Exists(cctx, apptKeyPrefix+id).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *RedisStore) GetAppointment(ctx context.Context, id string) (*Appointment, error) {
	cctx, cancel := opContext(ctx)
	defer cancel()
	raw, err := s.client.Get(cctx, apptKeyPrefix+strings.TrimSpace(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var appt Appointment
	if err := json.Unmarshal(raw, &appt); err != nil {
		return nil, fmt.Errorf("decode appointment: %w", err)
	}
	return &appt, nil
}

func (s *RedisStore) ListAppointments(ctx context.Context) ([]*Appointment, error) {
	cctx, cancel := opContext(ctx)
	defer cancel()
	ids, err := s.client.SMembers(cctx, apptIndexKey).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*Appointment, 0, len(ids))
	for _, id := range ids {
		appt, err := s.GetAppointment(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, appt)
	}
	return out, nil
}

func (s *RedisStore) CreateAppointment(ctx context.Context, appt *Appointment) error {
	if appt == nil || strings.TrimSpace(appt.ID) == "" {
		return errors.New("appointment id required")
	}
	raw, err := json.Marshal(appt)
	if err != nil {
		return fmt.Errorf("encode appointment: %w", err)
	}
	cctx, cancel := opContext(ctx)
	defer cancel()
	pipe := s.client.TxPipeline()
	pipe.Set(cctx, apptKeyPrefix+appt.ID, raw, 0)
	pipe.SAdd(cctx, apptIndexKey, appt.ID)
	_, err = pipe.Exec(cctx)
	return err
}

func (s *RedisStore) UpdateAppointment(ctx context.Context, appt *Appointment) error {
	if appt == nil || strings.TrimSpace(appt.ID) == "" {
		return errors.New("appointment id required")
	}
	exists, err := s.AppointmentExists(ctx, appt.ID)
	if err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	raw, err := json.Marshal(appt)
	if err != nil {
		return fmt.Errorf("encode appointment: %w", err)
	}
	cctx, cancel := opContext(ctx)
	defer cancel()
	return s.client.Set(cctx, apptKeyPrefix+appt.ID, raw, 0).Err()
}

func (s *RedisStore) DeleteAppointment(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("appointment id required")
	}
	cctx, cancel := opContext(ctx)
	defer cancel()
	pipe := s.client.TxPipeline()
	pipe.Del(cctx, apptKeyPrefix+id)
	pipe.SRem(cctx, apptIndexKey, id)
	_, err := pipe.Exec(cctx)
	return err
}

func (s *RedisStore) GetUser(ctx context.Context, id string) (*User, error) {
	cctx, cancel := opContext(ctx)
	defer cancel()
	raw, err := s.client.Get(cctx, userKeyPrefix+strings.TrimSpace(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return decodeUser(raw)
}

func (s *RedisStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	cctx, cancel := opContext(ctx)
	defer cancel()
	id, err := s.client.Get(cctx, userEmailKeyPrefix+normalizeEmail(email)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return s.GetUser(ctx, id)
}

func (s *RedisStore) CreateUser(ctx context.Context, user *User) error {
	if user == nil || strings.TrimSpace(user.ID) == "" || strings.TrimSpace(user.Email) == "" {
		return errors.New("user id and email required")
	}
	raw, err := encodeUser(user)
	if err != nil {
		return err
	}
	cctx, cancel := opContext(ctx)
	defer cancel()
	// Claim the email pointer first so duplicate registrations lose cleanly.
	claimed, err := s.client.SetNX(cctx, userEmailKeyPrefix+normalizeEmail(user.Email), user.ID, 0).Result()
	if err != nil {
		return err
	}
	if !claimed {
		return fmt.Errorf("user already exists: %s", user.Email)
	}
	return s.client.Set(cctx, userKeyPrefix+user.ID, raw, 0).Err()
}

// storedUser carries the password hash, which User deliberately keeps out of
// its JSON form.
type storedUser struct {
	User
	PasswordHash string `json:"password_hash,omitempty"`
}

func encodeUser(user *User) ([]byte, error) {
	raw, err := json.Marshal(storedUser{User: *user, PasswordHash: user.PasswordHash})
	if err != nil {
		return nil, fmt.Errorf("encode user: %w", err)
	}
	return raw, nil
}

func decodeUser(raw []byte) (*User, error) {
	var stored storedUser
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, fmt.Errorf("decode user: %w", err)
	}
	user := stored.User
	user.PasswordHash = stored.PasswordHash
	return &user, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(context.WithoutCancel(ctx), defaultRedisOpTimeout)
}
