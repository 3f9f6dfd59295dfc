package tap

import (
	"testing"
	"time"

	"agentpay/crypto"
	"agentpay/identity"
)

var tapNow = time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

func tapSetup(t *testing.T, enforceTrust bool) (*Verifier, *crypto.KeyPair) {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("key pair: %v", err)
	}
	registry := identity.NewRegistry()
	if _, err := registry.RegisterKey("agent-a", "org-1", kp.PublicKeyHex(), "", time.Time{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	v := NewVerifier(registry, enforceTrust)
	v.SetClock(func() time.Time { return tapNow })
	return v, kp
}

func testEnvelope() *Envelope {
	return &Envelope{
		MessageID: "msg-1",
		Sender:    "agent-a",
		Recipient: "agent-b",
		Purpose:   "payment",
		Body:      `{"note":"invoice 42"}`,
		IssuedAt:  tapNow.Unix(),
		ExpiresAt: tapNow.Add(5 * time.Minute).Unix(),
	}
}

func TestVerifyAcceptsSignedEnvelope(t *testing.T) {
	v, kp := tapSetup(t, false)
	e := testEnvelope()
	e.Signature = kp.Sign(e.SigningPayload())

	ok, reason := v.Verify(e)
	if !ok || reason != ReasonAccepted {
		t.Fatalf("got %v %q", ok, reason)
	}
}

func TestVerifyRejectsMalformedEnvelope(t *testing.T) {
	v, kp := tapSetup(t, false)
	cases := map[string]func(*Envelope){
		"nil signature":   func(e *Envelope) { e.Signature = "" },
		"empty sender":    func(e *Envelope) { e.Sender = " " },
		"empty recipient": func(e *Envelope) { e.Recipient = "" },
		"empty id":        func(e *Envelope) { e.MessageID = "" },
	}
	for name, mutate := range cases {
		e := testEnvelope()
		e.Signature = kp.Sign(e.SigningPayload())
		mutate(e)
		if ok, reason := v.Verify(e); ok || reason != ReasonInvalidEnvelope {
			t.Fatalf("%s: got %v %q", name, ok, reason)
		}
	}
	if ok, reason := v.Verify(nil); ok || reason != ReasonInvalidEnvelope {
		t.Fatalf("nil envelope: got %v %q", ok, reason)
	}
}

func TestVerifyRejectsExpiredEnvelope(t *testing.T) {
	v, kp := tapSetup(t, false)
	e := testEnvelope()
	e.ExpiresAt = tapNow.Unix() // boundary counts as expired
	e.Signature = kp.Sign(e.SigningPayload())

	if ok, reason := v.Verify(e); ok || reason != ReasonEnvelopeExpired {
		t.Fatalf("got %v %q", ok, reason)
	}
}

func TestVerifyEnforcesTrustTable(t *testing.T) {
	v, kp := tapSetup(t, true)
	e := testEnvelope()
	e.Signature = kp.Sign(e.SigningPayload())

	if ok, reason := v.Verify(e); ok || reason != ReasonTrustDenied {
		t.Fatalf("untrusted pair: got %v %q", ok, reason)
	}

	// Trust is directional per recipient.
	v.Trust("agent-a", "agent-c")
	if ok, reason := v.Verify(e); ok || reason != ReasonTrustDenied {
		t.Fatalf("wrong recipient: got %v %q", ok, reason)
	}
	v.Trust("agent-a", "agent-b")
	if ok, reason := v.Verify(e); !ok || reason != ReasonAccepted {
		t.Fatalf("trusted pair: got %v %q", ok, reason)
	}
}

func TestVerifyRejectsUnknownSender(t *testing.T) {
	v, kp := tapSetup(t, false)
	e := testEnvelope()
	e.Sender = "agent-ghost"
	e.Signature = kp.Sign(e.SigningPayload())

	if ok, reason := v.Verify(e); ok || reason != ReasonUnknownSender {
		t.Fatalf("got %v %q", ok, reason)
	}
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	v, kp := tapSetup(t, false)
	e := testEnvelope()
	e.Signature = kp.Sign(e.SigningPayload())
	e.Body = `{"note":"invoice 43"}`

	if ok, reason := v.Verify(e); ok || reason != ReasonSignatureInvalid {
		t.Fatalf("got %v %q", ok, reason)
	}
}
