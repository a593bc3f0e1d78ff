package audit

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
	defaultRedisURL = "redis://localhost:6379"
	listKey         = "audit:forced-release"
	opTimeout       = 2 * time.Second

	defaultListLimit = 100
	maxListLimit     = 1000
)

// RedisSink appends records to a Redis list, newest first.
type RedisSink struct {
	client redis.UniversalClient
}

// NewRedisSink constructs a Redis-backed audit sink from a redis:// URL.
func NewRedisSink(url string) (*RedisSink, error) {
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
	return &RedisSink{client: client}, nil
}

// NewRedisSinkWithClient wraps an existing client.
func NewRedisSinkWithClient(client redis.UniversalClient) *RedisSink {
	return &RedisSink{client: client}
}

// Close closes the underlying Redis client.
func (s *RedisSink) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *RedisSink) RecordForcedRelease(ctx context.Context, rec Record) error {
	if s == nil || s.client == nil {
		return errors.New("audit sink unavailable")
	}
	if rec.Action == "" {
		rec.Action = ActionForceRelease
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode audit record: %w", err)
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), opTimeout)
	defer cancel()
	return s.client.LPush(cctx, listKey, raw).Err()
}

// List reads the newest maxListLimit entries in one LRange and filters in
// process. The entity filter therefore only sees records within that window;
// older matches are not paged in.
func (s *RedisSink) List(ctx context.Context, entityID string, limit int) ([]Record, error) {
	if s == nil || s.client == nil {
		return nil, errors.New("audit sink unavailable")
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	entityID = strings.TrimSpace(entityID)

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), opTimeout)
	defer cancel()
	raws, err := s.client.LRange(cctx, listKey, 0, int64(maxListLimit)-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, limit)
	for _, raw := range raws {
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		if entityID != "" && rec.EntityID != entityID {
			continue
		}
		out = append(out, rec)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}
