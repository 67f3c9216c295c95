package message

import "testing"

func TestNew(t *testing.T) {
	msg := New("Camera", "Logger", TypeLogMessage, map[string]any{"level": "INFO"})

	if msg.ID == "" {
		t.Error("New() should stamp an ID")
	}
	if msg.Timestamp.IsZero() {
		t.Error("New() should stamp a timestamp")
	}
	if msg.Sender != "Camera" || msg.Destination != "Logger" {
		t.Errorf("envelope mismatch: %s -> %s", msg.Sender, msg.Destination)
	}

	other := New("Camera", "Logger", TypeLogMessage, nil)
	if other.Payload == nil {
		t.Error("nil payload should become an empty map")
	}
	if other.ID == msg.ID {
		t.Error("IDs should be unique per message")
	}
}

func TestRegister(t *testing.T) {
	msg := Register("Camera")
	if msg.Type != TypeRegister {
		t.Fatalf("expected %s, got %s", TypeRegister, msg.Type)
	}
	if msg.Destination != RouterIdentity {
		t.Errorf("registration must target the router, got %s", msg.Destination)
	}
	identity, ok := msg.PayloadString("identity")
	if !ok || identity != "Camera" {
		t.Errorf("expected identity Camera in payload, got %q", identity)
	}
}

func TestDeliveryFailure(t *testing.T) {
	orig := New("Camera", "Ghost", "Snapshot", nil)
	notice := DeliveryFailure(orig, "destination not registered")

	if notice.Destination != "Camera" {
		t.Errorf("notice should go back to the sender, got %s", notice.Destination)
	}
	if notice.Sender != RouterIdentity {
		t.Errorf("notice sender should be the router, got %s", notice.Sender)
	}
	if id, _ := notice.PayloadString("message_id"); id != orig.ID {
		t.Errorf("notice should carry the undelivered message ID")
	}
	if dest, _ := notice.PayloadString("destination"); dest != "Ghost" {
		t.Errorf("notice should carry the unreachable destination, got %q", dest)
	}
}

func TestPayloadString(t *testing.T) {
	msg := New("A", "B", "X", map[string]any{"s": "v", "n": 42})
	if v, ok := msg.PayloadString("s"); !ok || v != "v" {
		t.Errorf("expected v, got %q (ok=%v)", v, ok)
	}
	if _, ok := msg.PayloadString("n"); ok {
		t.Error("non-string field should not report ok")
	}
	if _, ok := msg.PayloadString("missing"); ok {
		t.Error("missing field should not report ok")
	}
}
