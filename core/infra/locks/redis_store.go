package locks

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/planlock/planlock/core/infra/redisutil"
)

const (
	defaultRedisURL = "redis://localhost:6379"
	defaultTTL      = 5 * time.Minute

	// Keys deliberately outlive the lease: an expired lock must stay readable
	// so the next reader observes it, reaps it, and announces the release.
	// The longer Redis TTL only guards against keys nobody ever touches again.
	retentionFactorLiteral = "7"
)

// RedisStore implements Store on Redis. All read-decide-write sequences run
// as single Lua scripts, so per-entity atomicity comes from Redis itself and
// no in-process locking is needed.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore constructs a Redis-backed lock store from a redis:// URL.
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

// NewRedisStoreWithClient wraps an existing client, used when several stores
// share one connection pool.
func NewRedisStoreWithClient(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Close shuts down the Redis client.
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *RedisStore) Acquire(ctx context.Context, entityID string, holder Holder, ttl time.Duration) (*AcquireResult, error) {
	if s == nil || s.client == nil {
		return nil, fmt.Errorf("lock store unavailable")
	}
	entityID = strings.TrimSpace(entityID)
	if entityID == "" || strings.TrimSpace(holder.ID) == "" {
		return nil, fmt.Errorf("entity and holder required")
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	now := time.Now().UTC()
	res, err := s.client.Eval(ctx, acquireScript, []string{lockKey(entityID)},
		holder.ID,
		holder.Name,
		ttl.Milliseconds(),
		now.UnixMilli(),
	).Result()
	if err != nil {
		return nil, err
	}
	reply, err := parseReply(res, entityID)
	if err != nil {
		return nil, err
	}
	out := &AcquireResult{Lock: reply.lock, Stale: reply.stale}
	switch reply.status {
	case "created":
		out.Outcome = OutcomeCreated
	case "reclaimed":
		out.Outcome = OutcomeReclaimed
	case "extended":
		out.Outcome = OutcomeExtended
	case "held":
		out.Outcome = OutcomeHeld
	default:
		return nil, fmt.Errorf("unexpected acquire status %q", reply.status)
	}
	return out, nil
}

func (s *RedisStore) Release(ctx context.Context, entityID, holderID string) (*Lock, bool, error) {
	if s == nil || s.client == nil {
		return nil, false, fmt.Errorf("lock store unavailable")
	}
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return nil, false, fmt.Errorf("entity required")
	}
	now := time.Now().UTC()
	res, err := s.client.Eval(ctx, releaseScript, []string{lockKey(entityID)},
		strings.TrimSpace(holderID),
		now.UnixMilli(),
	).Result()
	if err != nil {
		return nil, false, err
	}
	reply, err := parseReply(res, entityID)
	if err != nil {
		return nil, false, err
	}
	switch reply.status {
	case "none":
		return nil, false, nil
	case "denied":
		return reply.lock, false, nil
	case "expired":
		// The lock lapsed before this release arrived; the delete already
		// happened, so callers treat it as a reap, not a holder release.
		return reply.lock, false, ErrExpired
	case "released":
		return reply.lock, true, nil
	}
	return nil, false, fmt.Errorf("unexpected release status %q", reply.status)
}

func (s *RedisStore) Reap(ctx context.Context, entityID string) (*Lock, bool, error) {
	if s == nil || s.client == nil {
		return nil, false, fmt.Errorf("lock store unavailable")
	}
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return nil, false, fmt.Errorf("entity required")
	}
	now := time.Now().UTC()
	res, err := s.client.Eval(ctx, reapScript, []string{lockKey(entityID)},
		now.UnixMilli(),
	).Result()
	if err != nil {
		return nil, false, err
	}
	reply, err := parseReply(res, entityID)
	if err != nil {
		return nil, false, err
	}
	switch reply.status {
	case "none":
		return nil, false, nil
	case "live":
		return reply.lock, false, nil
	case "reaped":
		return reply.lock, true, nil
	}
	return nil, false, fmt.Errorf("unexpected reap status %q", reply.status)
}

func (s *RedisStore) Get(ctx context.Context, entityID string) (*Lock, error) {
	if s == nil || s.client == nil {
		return nil, fmt.Errorf("lock store unavailable")
	}
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return nil, fmt.Errorf("entity required")
	}
	payload, err := s.client.Get(ctx, lockKey(entityID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	return parseLock(payload, entityID)
}

type scriptReply struct {
	status string
	lock   *Lock
	stale  *Lock
}

type rawReply struct {
	Status string `json:"status"`
	Lock   string `json:"lock"`
	Stale  string `json:"stale"`
}

func parseReply(res any, entityID string) (*scriptReply, error) {
	payload, ok := res.(string)
	if !ok || payload == "" {
		return nil, fmt.Errorf("unexpected script reply %T", res)
	}
	var raw rawReply
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return nil, fmt.Errorf("decode script reply: %w", err)
	}
	out := &scriptReply{status: raw.Status}
	if raw.Lock != "" {
		lock, err := parseLock(raw.Lock, entityID)
		if err != nil {
			return nil, err
		}
		out.lock = lock
	}
	if raw.Stale != "" {
		stale, err := parseLock(raw.Stale, entityID)
		if err != nil {
			return nil, err
		}
		out.stale = stale
	}
	return out, nil
}

type lockPayload struct {
	HolderID   string `json:"holder_id"`
	HolderName string `json:"holder_name"`
	UpdatedAt  int64  `json:"updated_at"`
	ExpiresAt  int64  `json:"expires_at"`
}

func parseLock(payload, entityID string) (*Lock, error) {
	var decoded lockPayload
	if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
		return nil, fmt.Errorf("decode lock: %w", err)
	}
	lock := &Lock{
		EntityID:   entityID,
		HolderID:   decoded.HolderID,
		HolderName: decoded.HolderName,
	}
	if decoded.UpdatedAt > 0 {
		lock.UpdatedAt = time.UnixMilli(decoded.UpdatedAt).UTC()
	}
	if decoded.ExpiresAt > 0 {
		lock.ExpiresAt = time.UnixMilli(decoded.ExpiresAt).UTC()
	}
	return lock, nil
}

func lockKey(entityID string) string {
	return "lock:" + entityID
}

const acquireScript = `
local key = KEYS[1]
local holder = ARGV[1]
local name = ARGV[2]
local ttl = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local retention = ttl * ` + retentionFactorLiteral + `
local payload = redis.call("GET", key)
if not payload then
  local encoded = cjson.encode({holder_id = holder, holder_name = name, updated_at = now, expires_at = now + ttl})
  redis.call("SET", key, encoded, "PX", retention)
  return cjson.encode({status = "created", lock = encoded})
end
local lock = cjson.decode(payload)
if now > tonumber(lock["expires_at"]) then
  local encoded = cjson.encode({holder_id = holder, holder_name = name, updated_at = now, expires_at = now + ttl})
  redis.call("SET", key, encoded, "PX", retention)
  return cjson.encode({status = "reclaimed", lock = encoded, stale = payload})
end
if lock["holder_id"] == holder then
  lock["updated_at"] = now
  lock["expires_at"] = now + ttl
  local encoded = cjson.encode(lock)
  redis.call("SET", key, encoded, "PX", retention)
  return cjson.encode({status = "extended", lock = encoded})
end
return cjson.encode({status = "held", lock = payload})
`

const releaseScript = `
local key = KEYS[1]
local holder = ARGV[1]
local now = tonumber(ARGV[2])
local payload = redis.call("GET", key)
if not payload then
  return cjson.encode({status = "none"})
end
local lock = cjson.decode(payload)
if now > tonumber(lock["expires_at"]) then
  redis.call("DEL", key)
  return cjson.encode({status = "expired", lock = payload})
end
if holder ~= "" and lock["holder_id"] ~= holder then
  return cjson.encode({status = "denied", lock = payload})
end
redis.call("DEL", key)
return cjson.encode({status = "released", lock = payload})
`

const reapScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local payload = redis.call("GET", key)
if not payload then
  return cjson.encode({status = "none"})
end
local lock = cjson.decode(payload)
if now <= tonumber(lock["expires_at"]) then
  return cjson.encode({status = "live", lock = payload})
end
redis.call("DEL", key)
return cjson.encode({status = "reaped", lock = payload})
`
