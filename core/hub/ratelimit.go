package hub

import (
	"sync"
	"time"
)

// Limiter enforces a fixed-window budget per key. The hub keys it by
// identity so two connections authenticated as the same user share one
// window; the gateway reuses it for per-user lock-attempt throttling.
type Limiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	now     func() time.Time
	windows map[string]*windowState
}

type windowState struct {
	start time.Time
	count int
}

// NewLimiter builds a fixed-window limiter; non-positive arguments fall back
// to 20 events per 1s window.
func NewLimiter(max int, window time.Duration) *Limiter {
	if max <= 0 {
		max = 20
	}
	if window <= 0 {
		window = time.Second
	}
	return &Limiter{
		max:     max,
		window:  window,
		now:     time.Now,
		windows: make(map[string]*windowState),
	}
}

// Allow consumes one slot from the key's current window. The first event
// after a window boundary opens a fresh window, so a burst of max events is
// admissible immediately after rollover.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) >= l.window {
		l.windows[key] = &windowState{start: now, count: 1}
		l.prune(now)
		return true
	}
	if w.count >= l.max {
		return false
	}
	w.count++
	return true
}

// RetryAfter reports how long until the key's current window rolls over,
// zero when the key has no open window.
func (l *Limiter) RetryAfter(key string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok {
		return 0
	}
	remaining := l.window - l.now().Sub(w.start)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Forget drops the key's window, used when a connection departs and the key
// was connection-scoped.
func (l *Limiter) Forget(key string) {
	l.mu.Lock()
	delete(l.windows, key)
	l.mu.Unlock()
}

// prune discards windows stale by more than one full period. Called with the
// mutex held.
func (l *Limiter) prune(now time.Time) {
	if len(l.windows) < 1024 {
		return
	}
	for key, w := range l.windows {
		if now.Sub(w.start) >= 2*l.window {
			delete(l.windows, key)
		}
	}
}
