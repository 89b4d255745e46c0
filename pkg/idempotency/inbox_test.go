package idempotency

import (
	"testing"
	"time"
)

func TestEventKeyStableAcrossSubsecondJitter(t *testing.T) {
	base := time.Date(2024, 1, 2, 15, 4, 5, 0, time.UTC)
	jittered := base.Add(500 * time.Millisecond)

	if EventKey("PaymentSucceeded", "payment-1", base) != EventKey("PaymentSucceeded", "payment-1", jittered) {
		t.Error("sub-second timestamp jitter must not change the key")
	}
}

func TestEventKeyDistinguishesInputs(t *testing.T) {
	at := time.Date(2024, 1, 2, 15, 4, 5, 0, time.UTC)
	key := EventKey("PaymentSucceeded", "payment-1", at)

	if key == EventKey("PaymentSucceeded", "payment-2", at) {
		t.Error("different aggregates must produce different keys")
	}
	if key == EventKey("PaymentFailed", "payment-1", at) {
		t.Error("different event types must produce different keys")
	}
	if key == EventKey("PaymentSucceeded", "payment-1", at.Add(time.Second)) {
		t.Error("different timestamps must produce different keys")
	}
	if len(key) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(key))
	}
}

func TestEventKeyTimezoneInsensitive(t *testing.T) {
	utc := time.Date(2024, 1, 2, 15, 4, 5, 0, time.UTC)
	hanoi := utc.In(time.FixedZone("ICT", 7*3600))

	if EventKey("PaymentSucceeded", "payment-1", utc) != EventKey("PaymentSucceeded", "payment-1", hanoi) {
		t.Error("the same instant in another zone must produce the same key")
	}
}
