package compliance

import (
	"context"
	"fmt"
	"testing"
	"time"

	"agentpay/crypto"
	"agentpay/identity"
	"agentpay/protocol/ap2"
)

func testPayment(amountMinor int64) *ap2.Mandate {
	return &ap2.Mandate{
		MandateID: "pay-1",
		Type:      ap2.TypePayment,
		Subject:   "agent-1",
		Domain:    "merchant.example",
		Payment: &ap2.PaymentPayload{
			AmountMinor: amountMinor,
			Token:       "USDC",
			Chain:       "base",
			Destination: "0xDEST",
		},
	}
}

type recordingAudit struct {
	entries []AuditEntry
}

func (a *recordingAudit) Append(entry AuditEntry)      { a.entries = append(a.entries, entry) }
func (a *recordingAudit) AppendAsync(entry AuditEntry) { a.Append(entry) }

func TestPreflightBelowThresholdSkipsKYC(t *testing.T) {
	kyc := NewStaticKYC("persona")
	kyc.Fail(fmt.Errorf("provider down"))
	gate := NewGate(kyc, NewListKYT("chainalysis", nil), nil, nil, 1_000_000_000, false, nil)

	// Below the threshold the KYC provider is never consulted, so its outage
	// is invisible.
	decision := gate.Preflight(context.Background(), testPayment(5_000_000), "")
	if !decision.Passed || decision.Reason != ReasonCleared {
		t.Fatalf("got %+v", decision)
	}
}

func TestPreflightHighValueRequiresKYC(t *testing.T) {
	kyc := NewStaticKYC("persona")
	gate := NewGate(kyc, NewListKYT("chainalysis", nil), nil, nil, 1_000_000_000, false, nil)

	decision := gate.Preflight(context.Background(), testPayment(1_000_000_000), "")
	if decision.Passed || decision.Reason != ReasonKYCRequired || decision.Provider != "persona" {
		t.Fatalf("got %+v", decision)
	}

	kyc.SetVerified("agent-1", true)
	decision = gate.Preflight(context.Background(), testPayment(1_000_000_000), "")
	if !decision.Passed || !decision.KYCVerified {
		t.Fatalf("got %+v", decision)
	}
}

func TestPreflightKYCOutageFailsClosed(t *testing.T) {
	kyc := NewStaticKYC("persona")
	kyc.Fail(fmt.Errorf("timeout"))
	gate := NewGate(kyc, NewListKYT("chainalysis", nil), nil, nil, 1_000_000_000, false, nil)

	decision := gate.Preflight(context.Background(), testPayment(2_000_000_000), "")
	if decision.Passed || decision.Reason != ReasonKYCServiceError || decision.Provider != "persona" {
		t.Fatalf("got %+v", decision)
	}
}

func TestPreflightSanctionsHit(t *testing.T) {
	kyt := NewListKYT("chainalysis", map[string]string{"0xDEST": "OFAC-SDN-2291"})
	audit := &recordingAudit{}
	gate := NewGate(NewStaticKYC("persona"), kyt, nil, audit, 1_000_000_000, false, nil)
	gate.SetClock(func() time.Time { return time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC) })

	decision := gate.Preflight(context.Background(), testPayment(5_000_000), "")
	if decision.Passed {
		t.Fatal("sanctioned destination passed")
	}
	if decision.Reason != ReasonSanctionsHit || decision.Provider != "chainalysis" || decision.RuleID != "OFAC-SDN-2291" {
		t.Fatalf("got %+v", decision)
	}
	if len(audit.entries) != 1 || audit.entries[0].Decision.Reason != ReasonSanctionsHit {
		t.Fatalf("audit entries: %+v", audit.entries)
	}
}

func TestPreflightKYTOutageFailsClosed(t *testing.T) {
	kyt := NewListKYT("chainalysis", nil)
	kyt.Fail(fmt.Errorf("timeout"))
	gate := NewGate(NewStaticKYC("persona"), kyt, nil, nil, 1_000_000_000, false, nil)

	decision := gate.Preflight(context.Background(), testPayment(5_000_000), "")
	if decision.Passed || decision.Reason != ReasonSanctionsServiceError {
		t.Fatalf("got %+v", decision)
	}
}

func TestPreflightHighRiskPassesWithReviewFlag(t *testing.T) {
	kyt := NewListKYT("chainalysis", nil)
	kyt.SetRisk("0xDEST", RiskHigh)
	gate := NewGate(NewStaticKYC("persona"), kyt, nil, nil, 1_000_000_000, false, nil)

	decision := gate.Preflight(context.Background(), testPayment(5_000_000), "")
	if !decision.Passed || !decision.KYTReviewRequired || decision.KYTRiskLevel != RiskHigh {
		t.Fatalf("got %+v", decision)
	}
}

func TestPreflightScreensSourceAddress(t *testing.T) {
	kyt := NewListKYT("chainalysis", map[string]string{"0xSOURCE": "OFAC-SDN-1"})
	gate := NewGate(NewStaticKYC("persona"), kyt, nil, nil, 1_000_000_000, false, nil)

	decision := gate.Preflight(context.Background(), testPayment(5_000_000), "0xSOURCE")
	if decision.Passed || decision.Reason != ReasonSanctionsHit {
		t.Fatalf("got %+v", decision)
	}
}

func TestPreflightKYAEnforcement(t *testing.T) {
	registry := identity.NewRegistry()
	kya := NewRegistryKYA("registry", registry)
	gate := NewGate(NewStaticKYC("persona"), NewListKYT("chainalysis", nil), kya, nil, 1_000_000_000, true, nil)

	// An agent the registry cannot resolve is a provider error, not a denial.
	decision := gate.Preflight(context.Background(), testPayment(5_000_000), "")
	if decision.Passed || decision.Reason != ReasonKYAServiceError {
		t.Fatalf("got %+v", decision)
	}

	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("key pair: %v", err)
	}
	if _, err := registry.RegisterKey("agent-1", "org-1", kp.PublicKeyHex(), "ed25519", time.Time{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	decision = gate.Preflight(context.Background(), testPayment(5_000_000), "")
	if decision.Passed || decision.Reason != ReasonKYADenied {
		t.Fatalf("unapproved agent: %+v", decision)
	}

	if err := registry.SetKYA("agent-1", identity.KYAProfile{Level: "standard", Status: "approved"}); err != nil {
		t.Fatalf("set kya: %v", err)
	}
	decision = gate.Preflight(context.Background(), testPayment(5_000_000), "")
	if !decision.Passed {
		t.Fatalf("approved agent denied: %+v", decision)
	}
}
