// Package gateway is the HTTP and WebSocket surface of the lock
// coordination server. It wires the Redis-backed stores, the lock engine,
// the notification hub, and the optional NATS relay together and exposes
// them under /api/v1.
package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/planlock/planlock/core/engine"
	"github.com/planlock/planlock/core/hub"
	"github.com/planlock/planlock/core/identity"
	"github.com/planlock/planlock/core/infra/audit"
	"github.com/planlock/planlock/core/infra/bus"
	"github.com/planlock/planlock/core/infra/config"
	"github.com/planlock/planlock/core/infra/locks"
	"github.com/planlock/planlock/core/infra/logging"
	infraMetrics "github.com/planlock/planlock/core/infra/metrics"
	"github.com/planlock/planlock/core/infra/records"
	"github.com/planlock/planlock/core/infra/redisutil"
)

const component = "gateway"

const (
	defaultRateLimitRPS   = 50
	defaultRateLimitBurst = 100

	// Per-user bound on lock mutations, independent of the process-global
	// API bucket: one user spamming acquire cannot starve the rest.
	lockAttemptMax    = 10
	lockAttemptWindow = time.Minute
)

type server struct {
	lockStore   locks.Store
	records     records.Store
	identity    *identity.Service
	engine      *engine.Engine
	hub         *hub.Hub
	sink        audit.Sink
	metrics     infraMetrics.GatewayMetrics
	lockLimiter *hub.Limiter
	started     time.Time
}

// Run blocks serving HTTP until the listener fails.
func Run(cfg *config.Config) error {
	limits, err := config.LoadLimits(cfg.LimitsConfigPath)
	if err != nil {
		return fmt.Errorf("load limits: %w", err)
	}

	client, err := redisutil.NewClient(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer client.Close()

	recordStore := records.NewRedisStoreWithClient(client)
	lockStore := locks.NewRedisStoreWithClient(client)
	sink := audit.NewRedisSinkWithClient(client)
	ident := identity.NewService(recordStore, client, 0)

	if cfg.SeedDemoData {
		if err := records.Seed(context.Background(), recordStore); err != nil {
			return fmt.Errorf("seed demo data: %w", err)
		}
		logging.Info(component, "demo data seeded")
	}

	prom := infraMetrics.NewProm("planlock")
	h := hub.New(ident,
		hub.WithMetrics(prom),
		hub.WithRateLimit(limits.WSMaxMessages, limits.WSWindow),
	)
	defer h.Close()

	var cast engine.Broadcaster = h
	if cfg.NatsURL != "" {
		relay, err := bus.New(cfg.NatsURL, h)
		if err != nil {
			// The relay only widens delivery across instances; run without it.
			logging.Error(component, "nats relay unavailable, continuing local-only", "url", cfg.NatsURL, "error", err)
		} else {
			defer relay.Close()
			cast = relay
		}
	}

	eng := engine.New(lockStore, recordStore, sink, cast,
		engine.WithLeaseDuration(limits.LeaseDuration),
		engine.WithMetrics(prom),
	)

	s := &server{
		lockStore:   lockStore,
		records:     recordStore,
		identity:    ident,
		engine:      eng,
		hub:         h,
		sink:        sink,
		metrics:     infraMetrics.NewGatewayProm("planlock"),
		lockLimiter: hub.NewLimiter(lockAttemptMax, lockAttemptWindow),
		started:     time.Now().UTC(),
	}
	return startHTTPServer(s, cfg.HTTPAddr, cfg.MetricsAddr)
}

func startHTTPServer(s *server, httpAddr, metricsAddr string) error {
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", infraMetrics.Handler())
	go func() {
		srv := &http.Server{
			Addr:         metricsAddr,
			Handler:      metricsMux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		logging.Info(component, "metrics listening", "addr", metricsAddr+"/metrics")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(component, "metrics server error", "error", err)
		}
	}()

	mux := s.routes()
	srv := &http.Server{
		Addr:        httpAddr,
		Handler:     corsMiddleware(rateLimitMiddleware(mux)),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
	logging.Info(component, "http listening", "addr", httpAddr)
	return srv.ListenAndServe()
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /ws", s.hub)

	mux.HandleFunc("POST /api/v1/auth/register", s.instrumented("/api/v1/auth/register", s.handleRegister))
	mux.HandleFunc("POST /api/v1/auth/login", s.instrumented("/api/v1/auth/login", s.handleLogin))

	mux.HandleFunc("GET /api/v1/appointments", s.instrumented("/api/v1/appointments", s.handleListAppointments))
	mux.HandleFunc("POST /api/v1/appointments", s.instrumented("/api/v1/appointments", s.handleCreateAppointment))
	mux.HandleFunc("GET /api/v1/appointments/{id}", s.instrumented("/api/v1/appointments/{id}", s.handleGetAppointment))
	mux.HandleFunc("PUT /api/v1/appointments/{id}", s.instrumented("/api/v1/appointments/{id}", s.handleUpdateAppointment))
	mux.HandleFunc("DELETE /api/v1/appointments/{id}", s.instrumented("/api/v1/appointments/{id}", s.handleDeleteAppointment))

	mux.HandleFunc("GET /api/v1/appointments/{id}/lock", s.instrumented("/api/v1/appointments/{id}/lock", s.handleLockStatus))
	mux.HandleFunc("POST /api/v1/appointments/{id}/lock/acquire", s.instrumented("/api/v1/appointments/{id}/lock/acquire", s.handleAcquireLock))
	mux.HandleFunc("DELETE /api/v1/appointments/{id}/lock", s.instrumented("/api/v1/appointments/{id}/lock", s.handleReleaseLock))
	mux.HandleFunc("DELETE /api/v1/appointments/{id}/lock/force", s.instrumented("/api/v1/appointments/{id}/lock/force", s.handleForceReleaseLock))
	mux.HandleFunc("POST /api/v1/locks/release", s.instrumented("/api/v1/locks/release", s.handleBeaconRelease))

	mux.HandleFunc("GET /api/v1/audit", s.instrumented("/api/v1/audit", s.handleListAudit))

	return mux
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"uptime":      time.Since(s.started).Truncate(time.Second).String(),
		"connections": s.hub.Connections(),
	})
}

// principal resolves the bearer session token, nil when the request carries
// no usable credential.
func (s *server) principal(r *http.Request) *identity.Principal {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return nil
	}
	p, err := s.identity.VerifyToken(r.Context(), strings.TrimSpace(token))
	if err != nil {
		return nil
	}
	return p
}

func (s *server) requireAuth(w http.ResponseWriter, r *http.Request) *identity.Principal {
	p := s.principal(r)
	if p == nil {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return nil
	}
	return p
}

func (s *server) requireAdmin(w http.ResponseWriter, r *http.Request) *identity.Principal {
	p := s.requireAuth(w, r)
	if p == nil {
		return nil
	}
	if p.Role != records.RoleAdmin {
		writeError(w, http.StatusForbidden, "Admin role required")
		return nil
	}
	return p
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error(component, "encode response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"success": false, "message": message})
}

// writeResult maps an engine result to its HTTP status and returns the
// result body verbatim.
func writeResult(w http.ResponseWriter, res engine.Result) {
	status := http.StatusOK
	switch res.Kind {
	case engine.KindNotFound:
		status = http.StatusNotFound
	case engine.KindConflict:
		status = http.StatusConflict
	case engine.KindUnauthorized:
		status = http.StatusForbidden
	case engine.KindInvalid:
		status = http.StatusBadRequest
	case engine.KindUnavailable:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

type tokenBucket struct {
	tokens chan struct{}
}

func newTokenBucket(rps, burst int) *tokenBucket {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	tb := &tokenBucket{tokens: make(chan struct{}, burst)}
	for i := 0; i < burst; i++ {
		tb.tokens <- struct{}{}
	}
	interval := time.Second / time.Duration(rps)
	if interval <= 0 {
		interval = time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for range ticker.C {
			select {
			case tb.tokens <- struct{}{}:
			default:
			}
		}
	}()
	return tb
}

func newTokenBucketFromEnv() *tokenBucket {
	rps := defaultRateLimitRPS
	burst := defaultRateLimitBurst
	if val := os.Getenv("API_RATE_LIMIT_RPS"); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil && parsed > 0 {
			rps = parsed
		}
	}
	if val := os.Getenv("API_RATE_LIMIT_BURST"); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil && parsed > 0 {
			burst = parsed
		}
	}
	return newTokenBucket(rps, burst)
}

func (tb *tokenBucket) Allow() bool {
	if tb == nil {
		return true
	}
	select {
	case <-tb.tokens:
		return true
	default:
		return false
	}
}

var apiLimiter atomic.Pointer[tokenBucket]

func init() {
	apiLimiter.Store(newTokenBucketFromEnv())
}

func rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/") || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		if !apiLimiter.Load().Allow() {
			writeError(w, http.StatusTooManyRequests, "Rate limited")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin != "" {
			if !isAllowedOrigin(r) {
				http.Error(w, "origin not allowed", http.StatusForbidden)
				return
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isAllowedOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		// Non-browser clients often omit Origin; treat as allowed.
		return true
	}

	allowed, allowAll := allowedOriginsFromEnv()
	if allowAll {
		return true
	}

	u, err := url.Parse(origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return false
	}

	if len(allowed) == 0 {
		host := strings.ToLower(u.Hostname())
		switch host {
		case "localhost", "127.0.0.1", "::1":
			return true
		}
		reqHost := strings.ToLower(requestHostname(r.Host))
		return reqHost != "" && host == reqHost
	}
	for _, a := range allowed {
		if strings.EqualFold(a, origin) {
			return true
		}
	}
	return false
}

func allowedOriginsFromEnv() (origins []string, allowAll bool) {
	raw := strings.TrimSpace(os.Getenv("PLANLOCK_ALLOWED_ORIGINS"))
	if raw == "" {
		return nil, false
	}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "*" {
			return nil, true
		}
		if part != "" {
			origins = append(origins, part)
		}
	}
	return origins, false
}

func requestHostname(hostport string) string {
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return host
	}
	return hostport
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack forwards websocket hijacking support to the underlying writer when available.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("hijacker not supported")
	}
	return hj.Hijack()
}

// Flush preserves streaming support if the wrapped writer implements it.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// instrumented wraps handlers to record metrics.
func (s *server) instrumented(route string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(rec, r)
		if s.metrics != nil {
			s.metrics.ObserveRequest(r.Method, route, fmt.Sprintf("%d", rec.status), time.Since(start).Seconds())
		}
	}
}
