// Package message defines the envelope exchanged between modules and the
// event manager. The router only ever looks at the envelope fields; the
// payload is an opaque map carried through unmodified.
package message

import (
	"time"

	"github.com/google/uuid"
)

// Reserved destination identities.
const (
	// RouterIdentity addresses the event manager itself.
	RouterIdentity = "EventManager"
	// BroadcastIdentity addresses every active module except the sender.
	BroadcastIdentity = "All"
)

// Reserved message types consumed or produced by the orchestration core.
// All other types are module-defined and opaque to the router.
const (
	TypeRegister         = "Register"
	TypeRegisterAck      = "RegisterAck"
	TypeRegisterRejected = "RegisterRejected"
	TypeDeregister       = "Deregister"
	TypeShutdown         = "Shutdown"
	TypeShutdownAck      = "ShutdownAck"
	TypeDeliveryFailure  = "DeliveryFailure"
	TypeLogMessage       = "LogMessage"
)

// Message is the unit of communication. The Sender field is stamped by the
// sending Communicator and re-stamped by the router from the connection's
// registered identity, so payload content cannot spoof it.
type Message struct {
	ID          string         `json:"id"`
	Sender      string         `json:"sender"`
	Destination string         `json:"destination"`
	Type        string         `json:"type"`
	Payload     map[string]any `json:"payload,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// New builds a message with a fresh ID and timestamp.
func New(sender, destination, msgType string, payload map[string]any) *Message {
	if payload == nil {
		payload = map[string]any{}
	}
	return &Message{
		ID:          uuid.NewString(),
		Sender:      sender,
		Destination: destination,
		Type:        msgType,
		Payload:     payload,
		Timestamp:   time.Now().UTC(),
	}
}

// PayloadString extracts a string field from the payload, with ok reporting
// whether the field was present and a string.
func (m *Message) PayloadString(key string) (string, bool) {
	v, ok := m.Payload[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Register builds the registration message a module sends as its very first
// frame. The identity travels both as the sender and in the payload so the
// router can validate the two against each other.
func Register(identity string) *Message {
	return New(identity, RouterIdentity, TypeRegister, map[string]any{
		"identity": identity,
	})
}

// Deregister builds the voluntary deregistration message.
func Deregister(identity string) *Message {
	return New(identity, RouterIdentity, TypeDeregister, map[string]any{
		"identity": identity,
	})
}

// DeliveryFailure builds the best-effort notice returned to a sender whose
// message could not be delivered. The undeliverable message's ID and
// destination ride along so the sender can correlate.
func DeliveryFailure(undelivered *Message, reason string) *Message {
	return New(RouterIdentity, undelivered.Sender, TypeDeliveryFailure, map[string]any{
		"message_id":  undelivered.ID,
		"destination": undelivered.Destination,
		"type":        undelivered.Type,
		"reason":      reason,
	})
}

// Log builds a LogMessage addressed to the Logger module.
func Log(sender, level, text string) *Message {
	return New(sender, "Logger", TypeLogMessage, map[string]any{
		"level":   level,
		"message": text,
	})
}
