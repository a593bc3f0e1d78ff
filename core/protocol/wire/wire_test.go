package wire

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNewMessageLockPayload(t *testing.T) {
	snap := LockSnapshot{
		EntityID:  "appt-1",
		HolderID:  "user-1",
		ExpiresAt: time.Now().Add(5 * time.Minute).UTC(),
	}
	msg, err := NewMessage(EventLockAcquired, "appt-1", snap)
	if err != nil {
		t.Fatalf("new message: %v", err)
	}
	if msg.Type != EventLockAcquired || msg.EntityID != "appt-1" {
		t.Fatalf("unexpected message: %+v", msg)
	}
	var decoded LockSnapshot
	if err := json.Unmarshal(msg.Data, &decoded); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if decoded.HolderID != "user-1" {
		t.Fatalf("unexpected holder: %s", decoded.HolderID)
	}
}

func TestNewMessageNilPayload(t *testing.T) {
	msg, err := NewMessage(EventLockReleased, "appt-1", nil)
	if err != nil {
		t.Fatalf("new message: %v", err)
	}
	if len(msg.Data) != 0 {
		t.Fatalf("expected empty data, got %s", msg.Data)
	}
}

func TestDecodeCursor(t *testing.T) {
	raw := json.RawMessage(`{"x":10,"y":20,"userId":"u1","userName":"Ann","entityId":"appt-1"}`)
	pos, err := DecodeCursor(raw)
	if err != nil {
		t.Fatalf("decode cursor: %v", err)
	}
	if pos.X != 10 || pos.Y != 20 || pos.UserName != "Ann" {
		t.Fatalf("unexpected cursor: %+v", pos)
	}
	if _, err := DecodeCursor(nil); err == nil {
		t.Fatalf("expected error for missing payload")
	}
}

func TestSchemaLookup(t *testing.T) {
	if len(Schema(EventCursorMove)) == 0 {
		t.Fatalf("expected cursor schema")
	}
	if Schema(EventConnected) != nil {
		t.Fatalf("expected no schema for CONNECTED")
	}
}
