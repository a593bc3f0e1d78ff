package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/planlock/planlock/core/engine"
	"github.com/planlock/planlock/core/hub"
	"github.com/planlock/planlock/core/identity"
	"github.com/planlock/planlock/core/infra/audit"
	"github.com/planlock/planlock/core/infra/locks"
	"github.com/planlock/planlock/core/infra/metrics"
	"github.com/planlock/planlock/core/infra/records"
)

type testEnv struct {
	srv       *httptest.Server
	s         *server
	lockStore *locks.MemoryStore
	records   *records.RedisStore
	sink      audit.Sink
	ident     *identity.Service
	hub       *hub.Hub
}

// newTestEnv assembles a full gateway on miniredis with an in-memory lock
// store, seeded with the demo accounts and appointments.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	recordStore := records.NewRedisStoreWithClient(client)
	if err := records.Seed(context.Background(), recordStore); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	lockStore := locks.NewMemoryStore()
	sink := audit.NewRedisSinkWithClient(client)
	ident := identity.NewService(recordStore, client, time.Hour)

	h := hub.New(ident)
	t.Cleanup(h.Close)

	eng := engine.New(lockStore, recordStore, sink, h,
		engine.WithLeaseDuration(5*time.Minute),
	)

	s := &server{
		lockStore:   lockStore,
		records:     recordStore,
		identity:    ident,
		engine:      eng,
		hub:         h,
		sink:        sink,
		metrics:     metrics.Noop{},
		lockLimiter: hub.NewLimiter(lockAttemptMax, lockAttemptWindow),
		started:     time.Now().UTC(),
	}
	srv := httptest.NewServer(corsMiddleware(s.routes()))
	t.Cleanup(srv.Close)

	return &testEnv{
		srv:       srv,
		s:         s,
		lockStore: lockStore,
		records:   recordStore,
		sink:      sink,
		ident:     ident,
		hub:       h,
	}
}

// login exercises the real login route and returns the session token.
func (e *testEnv) login(t *testing.T, email, password string) string {
	t.Helper()
	status, body := e.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"email":    email,
		"password": password,
	})
	if status != http.StatusOK {
		t.Fatalf("login %s failed with status %d: %s", email, status, body)
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || resp.Token == "" {
		t.Fatalf("login response missing token: %s", body)
	}
	return resp.Token
}

// do issues a request and returns status plus raw body. token may be empty
// for anonymous requests.
func (e *testEnv) do(t *testing.T, method, path, token string, payload any) (int, []byte) {
	t.Helper()
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("encode payload: %v", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, body)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return resp.StatusCode, data
}

// firstAppointmentID returns a seeded appointment id.
func (e *testEnv) firstAppointmentID(t *testing.T) string {
	t.Helper()
	appts, err := e.records.ListAppointments(context.Background())
	if err != nil || len(appts) == 0 {
		t.Fatalf("no seeded appointments: %v", err)
	}
	return appts[0].ID
}

type lockResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Lock    *locks.Lock `json:"lock"`
}

func decodeLockResponse(t *testing.T, body []byte) lockResponse {
	t.Helper()
	var resp lockResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("decode lock response %s: %v", body, err)
	}
	return resp
}
