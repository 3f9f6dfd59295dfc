package ap2

import (
	"strconv"
	"strings"
	"testing"
	"time"

	"agentpay/crypto"
	"agentpay/identity"
	"agentpay/replay"
)

var testNow = time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

func testKeyPair(t *testing.T) *crypto.KeyPair {
	t.Helper()
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = byte(i + 1)
	}
	kp, err := crypto.KeyPairFromSeed(seed)
	if err != nil {
		t.Fatalf("key pair: %v", err)
	}
	return kp
}

func testRegistry(t *testing.T, kp *crypto.KeyPair, agentID string) *identity.Registry {
	t.Helper()
	reg := identity.NewRegistry()
	reg.SetClock(func() time.Time { return testNow })
	if _, err := reg.RegisterKey(agentID, "org-1", kp.PublicKeyHex(), "ed25519", time.Time{}); err != nil {
		t.Fatalf("register key: %v", err)
	}
	return reg
}

func testVerifier(t *testing.T, kp *crypto.KeyPair) *Verifier {
	t.Helper()
	reg := testRegistry(t, kp, "agent-1")
	cache := replay.NewMemory()
	cache.SetClock(func() time.Time { return testNow })
	v := NewVerifier(reg, cache, []string{"merchant.example"}, nil)
	v.SetClock(func() time.Time { return testNow })
	return v
}

func sign(kp *crypto.KeyPair, m *Mandate) {
	m.Proof = Proof{
		VerificationMethod: "agent-1-k1",
		Signature:          kp.Sign(m.SigningPayload()),
	}
}

func intentMandate(kp *crypto.KeyPair, id string) *Mandate {
	m := &Mandate{
		MandateID: id,
		Type:      TypeIntent,
		Issuer:    "issuer-1",
		Subject:   "agent-1",
		Domain:    "merchant.example",
		Nonce:     "nonce-" + id,
		Purpose:   "purchase",
		ExpiresAt: testNow.Add(time.Hour).Unix(),
		Intent:    &IntentPayload{Description: "books", MaxAmountMinor: 10_000_000},
	}
	sign(kp, m)
	return m
}

func cartMandate(kp *crypto.KeyPair, id string) *Mandate {
	m := &Mandate{
		MandateID: id,
		Type:      TypeCart,
		Issuer:    "issuer-1",
		Subject:   "agent-1",
		Domain:    "merchant.example",
		Nonce:     "nonce-" + id,
		Purpose:   "purchase",
		ExpiresAt: testNow.Add(time.Hour).Unix(),
		Cart:      &CartPayload{MerchantDomain: "merchant.example", SubtotalMinor: 4_500_000, TaxesMinor: 500_000},
	}
	sign(kp, m)
	return m
}

func paymentMandate(kp *crypto.KeyPair, id string) *Mandate {
	m := &Mandate{
		MandateID: id,
		Type:      TypePayment,
		Issuer:    "issuer-1",
		Subject:   "agent-1",
		Domain:    "merchant.example",
		Nonce:     "nonce-" + id,
		Purpose:   "purchase",
		ExpiresAt: testNow.Add(time.Hour).Unix(),
		Payment: &PaymentPayload{
			AmountMinor:    5_000_000,
			Token:          "USDC",
			Chain:          "base",
			Destination:    "0x000000000000000000000000000000000000dEaD",
			MerchantDomain: "merchant.example",
			AuditHash:      "audit-1",
		},
	}
	sign(kp, m)
	return m
}

func testBundle(kp *crypto.KeyPair, suffix string) Bundle {
	return Bundle{
		Intent:  intentMandate(kp, "int-"+suffix),
		Cart:    cartMandate(kp, "cart-"+suffix),
		Payment: paymentMandate(kp, "pay-"+suffix),
	}
}

func TestVerifyChainAccepted(t *testing.T) {
	kp := testKeyPair(t)
	v := testVerifier(t, kp)

	result := v.VerifyChain(testBundle(kp, "1"))
	if !result.Accepted {
		t.Fatalf("expected accepted, got %q", result.Reason)
	}
	if result.Chain == nil || result.Chain.Payment.MandateID != "pay-1" {
		t.Fatalf("chain view not populated: %+v", result.Chain)
	}
}

func TestVerifyRejectsMalformedPayload(t *testing.T) {
	kp := testKeyPair(t)
	v := testVerifier(t, kp)

	m := paymentMandate(kp, "2")
	m.Nonce = ""
	result := v.Verify(m)
	if result.Accepted || result.Reason != "invalid_payload:nonce" {
		t.Fatalf("got %+v", result)
	}

	m = paymentMandate(kp, "3")
	m.Payment.AmountMinor = 0
	if got := v.Verify(m).Reason; got != "invalid_payload:payment.amount_minor" {
		t.Fatalf("got %q", got)
	}
}

func TestVerifyRejectsExpiry(t *testing.T) {
	kp := testKeyPair(t)
	v := testVerifier(t, kp)

	m := paymentMandate(kp, "4")
	m.ExpiresAt = testNow.Add(-time.Minute).Unix()
	sign(kp, m)
	if got := v.Verify(m).Reason; got != "payment_mandate_expired" {
		t.Fatalf("got %q", got)
	}

	// Expiry equal to now is already expired.
	m = paymentMandate(kp, "5")
	m.ExpiresAt = testNow.Unix()
	sign(kp, m)
	if got := v.Verify(m).Reason; got != "payment_mandate_expired" {
		t.Fatalf("boundary expiry accepted: %q", got)
	}

	m = intentMandate(kp, "6")
	m.ExpiresAt = testNow.Add(-time.Minute).Unix()
	sign(kp, m)
	if got := v.Verify(m).Reason; got != "intent_mandate_expired" {
		t.Fatalf("got %q", got)
	}
}

func TestVerifyRejectsDomainAndSubject(t *testing.T) {
	kp := testKeyPair(t)
	v := testVerifier(t, kp)

	m := paymentMandate(kp, "7")
	m.Domain = "evil.example"
	sign(kp, m)
	if got := v.Verify(m).Reason; got != ReasonDomainNotAllowed {
		t.Fatalf("got %q", got)
	}

	m = paymentMandate(kp, "8")
	m.Subject = "agent-unknown"
	sign(kp, m)
	if got := v.Verify(m).Reason; got != ReasonUnknownSubject {
		t.Fatalf("got %q", got)
	}
}

func TestVerifyRejectsReplay(t *testing.T) {
	kp := testKeyPair(t)
	v := testVerifier(t, kp)

	m := paymentMandate(kp, "9")
	if result := v.Verify(m); !result.Accepted {
		t.Fatalf("first use rejected: %q", result.Reason)
	}
	if got := v.Verify(m).Reason; got != ReasonReplayDetected {
		t.Fatalf("got %q", got)
	}
}

type failingReplay struct{}

func (failingReplay) CheckAndStore(string, time.Time) (bool, error) {
	return false, strconv.ErrRange
}

func TestVerifyFailsClosedOnReplayStoreError(t *testing.T) {
	kp := testKeyPair(t)
	reg := testRegistry(t, kp, "agent-1")
	v := NewVerifier(reg, failingReplay{}, []string{"merchant.example"}, nil)
	v.SetClock(func() time.Time { return testNow })

	if got := v.Verify(paymentMandate(kp, "10")).Reason; got != ReasonReplayDetected {
		t.Fatalf("got %q", got)
	}
}

func TestVerifyRejectsSignatureOverLegacyPayload(t *testing.T) {
	kp := testKeyPair(t)
	v := testVerifier(t, kp)

	// A signature over the superseded field ordering (no merchant_domain) is
	// a valid ed25519 signature over the wrong bytes.
	m := paymentMandate(kp, "11")
	legacy := strings.Join([]string{
		m.Domain, m.Nonce, m.Purpose,
		m.MandateID, m.Subject,
		strconv.FormatInt(m.Payment.AmountMinor, 10),
		m.Payment.Token, m.Payment.Chain, m.Payment.Destination,
		m.Payment.AuditHash,
	}, "|")
	m.Proof.Signature = kp.Sign([]byte(legacy))
	if got := v.Verify(m).Reason; got != ReasonSignatureInvalid {
		t.Fatalf("legacy payload signature: got %q", got)
	}

	m = paymentMandate(kp, "12")
	m.Proof.Signature = strings.Repeat("ab", 64)
	if got := v.Verify(m).Reason; got != ReasonSignatureInvalid {
		t.Fatalf("garbage signature: got %q", got)
	}
}

func TestVerifyChainLinkage(t *testing.T) {
	kp := testKeyPair(t)

	t.Run("subject mismatch", func(t *testing.T) {
		v := testVerifier(t, kp)
		other := testKeyPair(t)
		bundle := testBundle(kp, "13")
		bundle.Cart.Subject = "agent-2"
		bundle.Cart.Proof.Signature = other.Sign(bundle.Cart.SigningPayload())
		reg := testRegistry(t, kp, "agent-1")
		if _, err := reg.RegisterKey("agent-2", "org-1", other.PublicKeyHex(), "ed25519", time.Time{}); err != nil {
			t.Fatalf("register: %v", err)
		}
		cache := replay.NewMemory()
		v = NewVerifier(reg, cache, []string{"merchant.example"}, nil)
		v.SetClock(func() time.Time { return testNow })
		if got := v.VerifyChain(bundle).Reason; got != ReasonSubjectMismatch {
			t.Fatalf("got %q", got)
		}
	})

	t.Run("missing merchant domain", func(t *testing.T) {
		v := testVerifier(t, kp)
		bundle := testBundle(kp, "14")
		bundle.Payment.Payment.MerchantDomain = ""
		sign(kp, bundle.Payment)
		if got := v.VerifyChain(bundle).Reason; got != ReasonMissingMerchantDomain {
			t.Fatalf("got %q", got)
		}
	})

	t.Run("merchant domain mismatch", func(t *testing.T) {
		v := testVerifier(t, kp)
		bundle := testBundle(kp, "15")
		bundle.Payment.Payment.MerchantDomain = "other.example"
		sign(kp, bundle.Payment)
		if got := v.VerifyChain(bundle).Reason; got != ReasonMerchantDomainMismatch {
			t.Fatalf("got %q", got)
		}
	})

	t.Run("amount mismatch", func(t *testing.T) {
		v := testVerifier(t, kp)
		bundle := testBundle(kp, "16")
		bundle.Payment.Payment.AmountMinor = 4_999_999
		sign(kp, bundle.Payment)
		if got := v.VerifyChain(bundle).Reason; got != ReasonAmountMismatch {
			t.Fatalf("got %q", got)
		}
	})

	t.Run("missing member", func(t *testing.T) {
		v := testVerifier(t, kp)
		bundle := testBundle(kp, "17")
		bundle.Cart = nil
		if got := v.VerifyChain(bundle).Reason; got != "invalid_payload:cart" {
			t.Fatalf("got %q", got)
		}
	})
}

func TestRotatedKeyStillVerifiesInsideGrace(t *testing.T) {
	kp := testKeyPair(t)
	reg := testRegistry(t, kp, "agent-1")
	next := testKeyPair(t)
	if _, err := reg.RotateKey("agent-1", next.PublicKeyHex(), "scheduled"); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	cache := replay.NewMemory()
	v := NewVerifier(reg, cache, []string{"merchant.example"}, nil)
	v.SetClock(func() time.Time { return testNow })

	// Signed under the rotated-out key.
	m := paymentMandate(kp, "18")
	if result := v.Verify(m); !result.Accepted {
		t.Fatalf("grace-period key rejected: %q", result.Reason)
	}
}
