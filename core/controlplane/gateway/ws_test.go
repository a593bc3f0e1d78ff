package gateway

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/planlock/planlock/core/protocol/wire"
)

func dialWS(t *testing.T, env *testEnv) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	t.Cleanup(func() { ws.Close() })

	// Consume the CONNECTED handshake.
	msg := readWSMessage(t, ws)
	if msg.Type != wire.EventConnected {
		t.Fatalf("expected CONNECTED, got %s", msg.Type)
	}
	return ws
}

func readWSMessage(t *testing.T, ws *websocket.Conn) wire.Message {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("ws read failed: %v", err)
	}
	var msg wire.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode ws message: %v", err)
	}
	return msg
}

func TestLockEventsReachWebSocketClients(t *testing.T) {
	env := newTestEnv(t)
	ws := dialWS(t, env)

	user1 := env.login(t, "user1@example.com", "user123")
	apptID := env.firstAppointmentID(t)

	if status, body := env.do(t, http.MethodPost, "/api/v1/appointments/"+apptID+"/lock/acquire", user1, nil); status != http.StatusOK {
		t.Fatalf("acquire failed: %d %s", status, body)
	}
	msg := readWSMessage(t, ws)
	if msg.Type != wire.EventLockAcquired || msg.EntityID != apptID {
		t.Fatalf("expected LOCK_ACQUIRED for %s, got %+v", apptID, msg)
	}
	var snap wire.LockSnapshot
	if err := json.Unmarshal(msg.Data, &snap); err != nil {
		t.Fatalf("decode lock snapshot: %v", err)
	}
	if snap.HolderName != "Regular User 1" || snap.ExpiresAt.IsZero() {
		t.Fatalf("unexpected lock snapshot: %+v", snap)
	}

	if status, body := env.do(t, http.MethodDelete, "/api/v1/appointments/"+apptID+"/lock", user1, nil); status != http.StatusOK {
		t.Fatalf("release failed: %d %s", status, body)
	}
	msg = readWSMessage(t, ws)
	if msg.Type != wire.EventLockReleased || msg.EntityID != apptID {
		t.Fatalf("expected LOCK_RELEASED for %s, got %+v", apptID, msg)
	}
	if len(msg.Data) != 0 {
		t.Fatalf("LOCK_RELEASED should carry no payload, got %s", msg.Data)
	}
}
