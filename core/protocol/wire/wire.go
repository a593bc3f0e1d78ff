// Package wire defines the JSON messages exchanged over the real-time channel.
//
// One message shape carries different data per type; the receiving side must
// dispatch on Type and validate the payload for that type before acting on it.
package wire

import (
	"embed"
	"encoding/json"
	"fmt"
	"time"
)

// EventType discriminates real-time messages.
type EventType string

const (
	EventConnected    EventType = "CONNECTED"
	EventError        EventType = "ERROR"
	EventLockAcquired EventType = "LOCK_ACQUIRED"
	EventLockReleased EventType = "LOCK_RELEASED"
	EventCursorMove   EventType = "CURSOR_MOVE"
)

// Message is the single wire shape for all real-time traffic. Token may be
// embedded per message because some delivery paths cannot carry headers.
type Message struct {
	Type     EventType       `json:"type"`
	EntityID string          `json:"entityId,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Message  string          `json:"message,omitempty"`
	Token    string          `json:"token,omitempty"`
}

// CursorPosition is the ephemeral presence payload carried by CURSOR_MOVE.
type CursorPosition struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	UserID   string  `json:"userId"`
	UserName string  `json:"userName"`
	EntityID string  `json:"entityId"`
}

// LockSnapshot is the lock payload carried by LOCK_ACQUIRED.
type LockSnapshot struct {
	EntityID   string    `json:"entityId"`
	HolderID   string    `json:"holderId"`
	HolderName string    `json:"holderName,omitempty"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// ConnectedPayload acknowledges a new connection with its assigned id.
type ConnectedPayload struct {
	ConnectionID string `json:"connectionId"`
}

// NewMessage builds a Message with an encoded payload. A nil payload leaves
// Data empty, which is how LOCK_RELEASED signals "no lock".
func NewMessage(typ EventType, entityID string, payload any) (Message, error) {
	msg := Message{Type: typ, EntityID: entityID}
	if payload == nil {
		return msg, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	msg.Data = data
	return msg, nil
}

// ErrorMessage builds an ERROR message addressed to a single connection.
func ErrorMessage(text string) Message {
	return Message{Type: EventError, Message: text}
}

// DecodeCursor parses a CURSOR_MOVE payload.
func DecodeCursor(data json.RawMessage) (*CursorPosition, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("cursor payload missing")
	}
	var pos CursorPosition
	if err := json.Unmarshal(data, &pos); err != nil {
		return nil, fmt.Errorf("decode cursor payload: %w", err)
	}
	return &pos, nil
}

//go:embed schemas/*.json
var schemaFS embed.FS

// Schema returns the embedded JSON schema for a message type, or nil when no
// schema is defined for it.
func Schema(typ EventType) []byte {
	name := ""
	switch typ {
	case EventCursorMove:
		name = "schemas/cursor_move.json"
	}
	if name == "" {
		return nil
	}
	data, err := schemaFS.ReadFile(name)
	if err != nil {
		return nil
	}
	return data
}
