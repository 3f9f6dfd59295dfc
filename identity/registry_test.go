package identity

import (
	"errors"
	"testing"
	"time"

	"agentpay/crypto"
)

func testPublicKey(t *testing.T) string {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("key pair: %v", err)
	}
	return kp.PublicKeyHex()
}

func TestRegisterKey(t *testing.T) {
	reg := NewRegistry()
	kid, err := reg.RegisterKey("agent-1", "org-1", testPublicKey(t), "", time.Time{})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if kid != "agent-1-k1" {
		t.Fatalf("kid %q", kid)
	}
	if !reg.KnownAgent("agent-1") || reg.KnownAgent("agent-2") {
		t.Fatal("known agent bookkeeping wrong")
	}
	org, err := reg.OrganizationID("agent-1")
	if err != nil || org != "org-1" {
		t.Fatalf("org %q err %v", org, err)
	}

	// A second active key is refused unless explicitly allowed.
	if _, err := reg.RegisterKey("agent-1", "org-1", testPublicKey(t), "", time.Time{}); !errors.Is(err, ErrActiveKeyExists) {
		t.Fatalf("got %v", err)
	}
	multi := NewRegistry(WithAllowMultipleActive())
	if _, err := multi.RegisterKey("agent-1", "org-1", testPublicKey(t), "", time.Time{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := multi.RegisterKey("agent-1", "org-1", testPublicKey(t), "", time.Time{}); err != nil {
		t.Fatalf("second active key: %v", err)
	}
}

func TestRegisterKeyValidation(t *testing.T) {
	reg := NewRegistry()
	if _, err := reg.RegisterKey("", "org-1", testPublicKey(t), "", time.Time{}); err == nil {
		t.Fatal("empty agent accepted")
	}
	if _, err := reg.RegisterKey("agent-1", "org-1", testPublicKey(t), "rsa", time.Time{}); err == nil {
		t.Fatal("unsupported algorithm accepted")
	}
	if _, err := reg.RegisterKey("agent-1", "org-1", "not-hex", "", time.Time{}); err == nil {
		t.Fatal("malformed public key accepted")
	}
}

func TestRotateKeyGracePeriod(t *testing.T) {
	now := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	reg := NewRegistry(WithRotationGrace(time.Hour))
	reg.SetClock(func() time.Time { return now })

	oldKID, err := reg.RegisterKey("agent-1", "org-1", testPublicKey(t), "", time.Time{})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	newKID, err := reg.RotateKey("agent-1", testPublicKey(t), "scheduled rotation")
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}

	keys, err := reg.ValidKeys("agent-1")
	if err != nil {
		t.Fatalf("valid keys: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("keys inside grace %d, want 2", len(keys))
	}
	byKID := map[string]VerificationKey{}
	for _, k := range keys {
		byKID[k.KID] = k
	}
	if byKID[oldKID].Status != KeyStatusRotating || byKID[newKID].Status != KeyStatusActive {
		t.Fatalf("statuses %+v", byKID)
	}

	// Past the grace window only the new key verifies.
	now = now.Add(61 * time.Minute)
	keys, _ = reg.ValidKeys("agent-1")
	if len(keys) != 1 || keys[0].KID != newKID {
		t.Fatalf("keys after grace %+v", keys)
	}

	if _, err := reg.RotateKey("agent-404", testPublicKey(t), ""); !errors.Is(err, ErrUnknownAgent) {
		t.Fatalf("got %v", err)
	}
}

func TestRevokeKey(t *testing.T) {
	reg := NewRegistry()
	kid, err := reg.RegisterKey("agent-1", "org-1", testPublicKey(t), "", time.Time{})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.RevokeKey("agent-1", kid); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	keys, err := reg.ValidKeys("agent-1")
	if err != nil {
		t.Fatalf("valid keys: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("revoked key still valid: %+v", keys)
	}
	if err := reg.RevokeKey("agent-1", "agent-1-k9"); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("got %v", err)
	}
	if err := reg.RevokeKey("agent-404", kid); !errors.Is(err, ErrUnknownAgent) {
		t.Fatalf("got %v", err)
	}
}

func TestCleanupExpired(t *testing.T) {
	now := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	reg := NewRegistry(WithRotationGrace(time.Hour))
	reg.SetClock(func() time.Time { return now })

	if _, err := reg.RegisterKey("agent-1", "org-1", testPublicKey(t), "", now.Add(30*time.Minute)); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := reg.RegisterKey("agent-2", "org-1", testPublicKey(t), "", time.Time{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := reg.RotateKey("agent-2", testPublicKey(t), ""); err != nil {
		t.Fatalf("rotate: %v", err)
	}

	if got := reg.CleanupExpired(); got != 0 {
		t.Fatalf("premature cleanup transitioned %d", got)
	}

	// agent-1's expiring key and agent-2's rotated-out key both lapse.
	now = now.Add(2 * time.Hour)
	if got := reg.CleanupExpired(); got != 2 {
		t.Fatalf("cleanup transitioned %d, want 2", got)
	}
	keys, _ := reg.ValidKeys("agent-2")
	if len(keys) != 1 || keys[0].Status != KeyStatusActive {
		t.Fatalf("surviving keys %+v", keys)
	}
}

func TestKYAProfile(t *testing.T) {
	reg := NewRegistry()
	if err := reg.SetKYA("agent-404", KYAProfile{Status: "approved"}); !errors.Is(err, ErrUnknownAgent) {
		t.Fatalf("got %v", err)
	}
	if _, err := reg.RegisterKey("agent-1", "org-1", testPublicKey(t), "", time.Time{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.SetKYA("agent-1", KYAProfile{Level: "standard", Status: " Approved "}); err != nil {
		t.Fatalf("set kya: %v", err)
	}
	profile, err := reg.KYA("agent-1")
	if err != nil {
		t.Fatalf("kya: %v", err)
	}
	if profile.Level != "standard" || profile.Status != "approved" {
		t.Fatalf("profile %+v", profile)
	}
}
