// Package bus relays lock events between horizontally-scaled instances over
// NATS. The relay is optional and strictly best-effort: local delivery never
// waits on it, and a down broker only costs cross-instance notifications.
package bus

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/planlock/planlock/core/infra/logging"
	"github.com/planlock/planlock/core/protocol/wire"
)

const component = "event-relay"

// SubjectPrefix is the NATS subject namespace for relayed events; the event
// type is appended lowercased.
const SubjectPrefix = "planlock.events."

var errEmptyType = errors.New("message type required")

// Broadcaster is the local delivery sink, satisfied by the notification hub.
type Broadcaster interface {
	Broadcast(msg wire.Message)
}

// envelope wraps a relayed message with its origin instance so each relay
// can skip events it published itself.
type envelope struct {
	Origin  string       `json:"origin"`
	Message wire.Message `json:"message"`
}

// Subject maps an event type to its relay subject.
func Subject(typ wire.EventType) (string, error) {
	if typ == "" {
		return "", errEmptyType
	}
	return SubjectPrefix + strings.ToLower(string(typ)), nil
}

// Relay publishes local broadcasts to NATS and feeds foreign ones into the
// local hub. It implements Broadcaster so it can sit between the engine and
// the hub transparently.
type Relay struct {
	nc     *nats.Conn
	local  Broadcaster
	origin string
	sub    *nats.Subscription
}

// New dials NATS and subscribes to the relay namespace. local receives both
// pass-through broadcasts and foreign events.
func New(url string, local Broadcaster) (*Relay, error) {
	r := &Relay{
		local:  local,
		origin: uuid.NewString(),
	}
	nc, err := nats.Connect(url,
		nats.Name("planlock-relay"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logging.Error(component, "nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.Info(component, "nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logging.Info(component, "nats connection closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	r.nc = nc

	sub, err := nc.Subscribe(SubjectPrefix+">", func(m *nats.Msg) {
		r.handleForeign(m.Data)
	})
	if err != nil {
		nc.Close()
		return nil, err
	}
	r.sub = sub
	logging.Info(component, "relay connected", "url", nc.ConnectedUrl(), "origin", r.origin)
	return r, nil
}

// Close drains the subscription and closes the connection.
func (r *Relay) Close() {
	if r == nil || r.nc == nil {
		return
	}
	if r.sub != nil {
		_ = r.sub.Unsubscribe()
	}
	r.nc.Close()
}

// Broadcast delivers locally, then publishes to the relay namespace. Publish
// failures are logged and otherwise ignored.
func (r *Relay) Broadcast(msg wire.Message) {
	if r.local != nil {
		r.local.Broadcast(msg)
	}
	subject, err := Subject(msg.Type)
	if err != nil {
		logging.Error(component, "unroutable message", "error", err)
		return
	}
	data, err := json.Marshal(envelope{Origin: r.origin, Message: msg})
	if err != nil {
		logging.Error(component, "encode relay envelope failed", "type", string(msg.Type), "error", err)
		return
	}
	if err := r.nc.Publish(subject, data); err != nil {
		logging.Error(component, "relay publish failed", "subject", subject, "error", err)
	}
}

// handleForeign decodes a relayed envelope and feeds it to the local hub
// unless this instance published it.
func (r *Relay) handleForeign(data []byte) {
	msg, ok := decodeForeign(data, r.origin)
	if !ok {
		return
	}
	if r.local != nil {
		r.local.Broadcast(msg)
	}
}

// decodeForeign parses an envelope and reports whether it should be
// delivered locally. Own-origin and malformed envelopes are not.
func decodeForeign(data []byte, selfOrigin string) (wire.Message, bool) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		logging.Error(component, "decode relay envelope failed", "error", err)
		return wire.Message{}, false
	}
	if env.Origin == "" || env.Origin == selfOrigin {
		return wire.Message{}, false
	}
	if env.Message.Type == "" {
		return wire.Message{}, false
	}
	return env.Message, true
}
