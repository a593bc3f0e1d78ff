// Package lease keeps a client's edit lease honest: it releases the lock
// when the user walks away and fires a best-effort beacon when the client is
// torn down while still holding it. The server's expiry is the backstop for
// every path this package cannot cover.
package lease

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/planlock/planlock/core/infra/logging"
)

const component = "lease-supervisor"

// Releaser performs a normal lock release on behalf of the client.
type Releaser interface {
	Release(ctx context.Context, entityID string) error
}

// Beacon delivers a teardown release request on a path where ordinary
// request plumbing is unavailable. Implementations must not block the
// caller meaningfully and must not retry.
type Beacon interface {
	Send(entityID, token string)
}

// Supervisor watches one held lease at a time. Idle and Held are its only
// states; Hold moves it to Held, inactivity or release moves it back.
type Supervisor struct {
	releaser Releaser
	beacon   Beacon
	token    string

	checkInterval     time.Duration
	inactivityTimeout time.Duration
	now               func() time.Time

	mu           sync.Mutex
	entityID     string
	lastActivity time.Time
	stop         chan struct{}
}

// Option tweaks supervisor construction.
type Option func(*Supervisor)

// WithIntervals overrides the 10s check interval and 5m inactivity timeout.
func WithIntervals(check, inactivity time.Duration) Option {
	return func(s *Supervisor) {
		if check > 0 {
			s.checkInterval = check
		}
		if inactivity > 0 {
			s.inactivityTimeout = inactivity
		}
	}
}

// WithClock overrides the supervisor's clock. Test hook.
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) {
		if now != nil {
			s.now = now
		}
	}
}

// New builds a Supervisor in the Idle state. token is the credential the
// beacon carries; the beacon may be nil when no teardown path exists.
func New(releaser Releaser, beacon Beacon, token string, opts ...Option) *Supervisor {
	s := &Supervisor{
		releaser:          releaser,
		beacon:            beacon,
		token:             token,
		checkInterval:     10 * time.Second,
		inactivityTimeout: 5 * time.Minute,
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Hold transitions to Held for the given entity and starts the liveness
// loop. Holding a new entity while one is already held releases the old one
// first.
func (s *Supervisor) Hold(ctx context.Context, entityID string) {
	s.mu.Lock()
	prev := s.entityID
	prevStop := s.stop
	s.entityID = entityID
	s.lastActivity = s.now()
	s.stop = make(chan struct{})
	stop := s.stop
	s.mu.Unlock()

	if prevStop != nil {
		close(prevStop)
	}
	if prev != "" && prev != entityID {
		s.release(ctx, prev)
	}
	go s.watch(stop)
}

// Touch records user activity, pushing the inactivity deadline forward. It
// does not renew the server-side lease.
func (s *Supervisor) Touch() {
	s.mu.Lock()
	if s.entityID != "" {
		s.lastActivity = s.now()
	}
	s.mu.Unlock()
}

// Held reports the currently held entity, empty when Idle.
func (s *Supervisor) Held() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entityID
}

// Drop performs a normal release and returns to Idle. Safe to call while
// Idle.
func (s *Supervisor) Drop(ctx context.Context) {
	entityID := s.toIdle()
	if entityID == "" {
		return
	}
	s.release(ctx, entityID)
}

// Shutdown handles abrupt teardown: if a lease is held, a fire-and-forget
// beacon is sent and the supervisor goes Idle. No confirmation is awaited.
func (s *Supervisor) Shutdown() {
	entityID := s.toIdle()
	if entityID == "" {
		return
	}
	if s.beacon == nil {
		logging.Info(component, "teardown without beacon, leaving lease to expiry", "entity", entityID)
		return
	}
	s.beacon.Send(entityID, s.token)
}

// toIdle clears held state and stops the watch loop, returning the entity
// that was held.
func (s *Supervisor) toIdle() string {
	s.mu.Lock()
	entityID := s.entityID
	stop := s.stop
	s.entityID = ""
	s.stop = nil
	s.mu.Unlock()
	if stop != nil {
		close(stop)
	}
	return entityID
}

func (s *Supervisor) watch(stop chan struct{}) {
	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if s.checkOnce() {
				return
			}
		}
	}
}

// checkOnce runs one liveness check, releasing the lease when inactivity
// exceeded the timeout. It reports whether the supervisor went Idle.
func (s *Supervisor) checkOnce() bool {
	s.mu.Lock()
	entityID := s.entityID
	idleFor := s.now().Sub(s.lastActivity)
	s.mu.Unlock()

	if entityID == "" {
		return true
	}
	if idleFor < s.inactivityTimeout {
		return false
	}
	logging.Info(component, "inactivity release", "entity", entityID, "idle", idleFor.String())
	released := s.toIdle()
	if released != "" {
		s.release(context.Background(), released)
	}
	return true
}

func (s *Supervisor) release(ctx context.Context, entityID string) {
	if s.releaser == nil {
		return
	}
	if err := s.releaser.Release(ctx, entityID); err != nil {
		// Server-side expiry reclaims the lease eventually.
		logging.Error(component, "release failed", "entity", entityID, "error", err)
	}
}

// HTTPBeacon posts the teardown release to the gateway's beacon route. The
// credential travels in the body because this path cannot set headers.
type HTTPBeacon struct {
	URL    string
	Client *http.Client
}

// NewHTTPBeacon targets the given beacon endpoint URL.
func NewHTTPBeacon(url string) *HTTPBeacon {
	return &HTTPBeacon{
		URL:    url,
		Client: &http.Client{Timeout: 3 * time.Second},
	}
}

// Send posts the release and discards the response. Errors are logged only;
// there is nothing useful a caller mid-teardown could do with them.
func (b *HTTPBeacon) Send(entityID, token string) {
	body, err := json.Marshal(map[string]string{
		"entityId": entityID,
		"token":    token,
	})
	if err != nil {
		logging.Error(component, "encode beacon failed", "entity", entityID, "error", err)
		return
	}
	resp, err := b.Client.Post(b.URL, "application/json", bytes.NewReader(body))
	if err != nil {
		logging.Error(component, "beacon send failed", "entity", entityID, "error", err)
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}
