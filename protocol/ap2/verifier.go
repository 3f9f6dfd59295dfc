package ap2

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"agentpay/crypto"
	"agentpay/identity"
	"agentpay/observability/metrics"
)

// Reason codes surfaced by mandate verification. Codes are stable API; the
// gateway returns them verbatim.
const (
	ReasonAccepted = "accepted"

	ReasonDomainNotAllowed = "domain_not_allowed"
	ReasonUnknownSubject   = "unknown_subject"
	ReasonReplayDetected   = "replay_detected"
	ReasonSignatureInvalid = "signature_invalid"

	ReasonSubjectMismatch        = "subject_mismatch"
	ReasonMerchantDomainMismatch = "merchant_domain_mismatch"
	ReasonAmountMismatch         = "amount_mismatch"
	ReasonMissingMerchantDomain  = "payment_missing_merchant_domain"
)

// InvalidPayloadReason formats the reason code for a malformed field.
func InvalidPayloadReason(field string) string {
	return "invalid_payload:" + field
}

// ExpiredReason formats the reason code for an expired mandate of the type.
func ExpiredReason(t MandateType) string {
	return string(t) + "_mandate_expired"
}

// Result is the outcome of verifying a single mandate or a full chain.
type Result struct {
	Accepted bool
	Reason   string
	Chain    *Chain
}

// ReplayCache is the consumed-mandate set checked during verification.
type ReplayCache interface {
	CheckAndStore(mandateID string, expiresAt time.Time) (bool, error)
}

// KeyResolver resolves an agent identifier to its currently valid keys.
type KeyResolver interface {
	ValidKeys(agentID string) ([]identity.VerificationKey, error)
}

// Verifier validates mandates and mandate chains. Verification is a pure
// function of the mandate bytes, the key registry, and the replay cache; it
// never retries and every rejection is terminal for the request.
type Verifier struct {
	keys    KeyResolver
	replay  ReplayCache
	domains map[string]struct{}
	clock   func() time.Time
	logger  *slog.Logger
}

// NewVerifier constructs a Verifier. allowedDomains is matched
// case-insensitively; an empty list rejects every mandate.
func NewVerifier(keys KeyResolver, replay ReplayCache, allowedDomains []string, logger *slog.Logger) *Verifier {
	domains := make(map[string]struct{}, len(allowedDomains))
	for _, domain := range allowedDomains {
		if domain = strings.ToLower(strings.TrimSpace(domain)); domain != "" {
			domains[domain] = struct{}{}
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{
		keys:    keys,
		replay:  replay,
		domains: domains,
		clock:   time.Now,
		logger:  logger,
	}
}

// SetClock overrides the time source for deterministic tests.
func (v *Verifier) SetClock(clock func() time.Time) {
	if v == nil || clock == nil {
		return
	}
	v.clock = clock
}

// Verify runs the per-mandate checks in order and fails fast on the first
// violation: payload shape, expiry, domain allow-list, subject resolution,
// replay, signature.
func (v *Verifier) Verify(m *Mandate) Result {
	result := v.verifyMandate(m)
	v.observe(m, result)
	return result
}

// VerifyChain verifies each member of the bundle and then the chain linkage:
// shared subject, matching merchant domains, and cart subtotal plus taxes
// equalling the payment amount.
func (v *Verifier) VerifyChain(bundle Bundle) Result {
	members := []struct {
		mandate *Mandate
		want    MandateType
		field   string
	}{
		{bundle.Intent, TypeIntent, "intent"},
		{bundle.Cart, TypeCart, "cart"},
		{bundle.Payment, TypePayment, "payment"},
	}
	for _, member := range members {
		if member.mandate == nil {
			return v.reject(nil, InvalidPayloadReason(member.field))
		}
		if member.mandate.Type != member.want {
			return v.reject(member.mandate, InvalidPayloadReason(member.field+".mandate_type"))
		}
		if result := v.verifyMandate(member.mandate); !result.Accepted {
			v.observe(member.mandate, result)
			return result
		}
	}

	intent, cart, payment := bundle.Intent, bundle.Cart, bundle.Payment
	if cart.Subject != intent.Subject || payment.Subject != intent.Subject {
		return v.reject(payment, ReasonSubjectMismatch)
	}
	if strings.TrimSpace(payment.Payment.MerchantDomain) == "" {
		return v.reject(payment, ReasonMissingMerchantDomain)
	}
	if !strings.EqualFold(cart.Cart.MerchantDomain, payment.Payment.MerchantDomain) {
		return v.reject(payment, ReasonMerchantDomainMismatch)
	}
	if cart.Cart.SubtotalMinor+cart.Cart.TaxesMinor != payment.Payment.AmountMinor {
		return v.reject(payment, ReasonAmountMismatch)
	}

	metrics.Pipeline().RecordVerification(ReasonAccepted)
	return Result{
		Accepted: true,
		Reason:   ReasonAccepted,
		Chain:    &Chain{Intent: intent, Cart: cart, Payment: payment},
	}
}

func (v *Verifier) verifyMandate(m *Mandate) Result {
	if field := m.payloadField(); field != "" {
		return Result{Reason: InvalidPayloadReason(field)}
	}
	now := v.clock().UTC()
	if m.ExpiresAt <= now.Unix() {
		return Result{Reason: ExpiredReason(m.Type)}
	}
	if _, ok := v.domains[strings.ToLower(strings.TrimSpace(m.Domain))]; !ok {
		return Result{Reason: ReasonDomainNotAllowed}
	}
	keys, err := v.keys.ValidKeys(m.Subject)
	if err != nil || len(keys) == 0 {
		return Result{Reason: ReasonUnknownSubject}
	}
	fresh, err := v.replay.CheckAndStore(m.MandateID, time.Unix(m.ExpiresAt, 0).UTC())
	if err != nil {
		// Replay store failure fails closed.
		v.logger.Error("replay cache unavailable",
			slog.String("mandate_id", m.MandateID), slog.Any("error", err))
		return Result{Reason: ReasonReplayDetected}
	}
	if !fresh {
		return Result{Reason: ReasonReplayDetected}
	}
	payload := m.SigningPayload()
	for _, key := range keys {
		ok, err := crypto.VerifySignature(key.PublicKey, m.Proof.Signature, payload)
		if err == nil && ok {
			return Result{Accepted: true, Reason: ReasonAccepted}
		}
	}
	return Result{Reason: ReasonSignatureInvalid}
}

func (v *Verifier) reject(m *Mandate, reason string) Result {
	result := Result{Reason: reason}
	v.observe(m, result)
	return result
}

func (v *Verifier) observe(m *Mandate, result Result) {
	if result.Accepted {
		metrics.Pipeline().RecordVerification(ReasonAccepted)
		return
	}
	metrics.Pipeline().RecordVerification(result.Reason)
	id := ""
	if m != nil {
		id = m.MandateID
	}
	v.logger.Info("mandate rejected",
		slog.String("mandate_id", id),
		slog.String("reason", result.Reason))
}

// ChainSummary renders a compact description of the chain for audit entries.
func ChainSummary(chain *Chain) string {
	if chain == nil || chain.Payment == nil || chain.Payment.Payment == nil {
		return ""
	}
	p := chain.Payment
	return fmt.Sprintf("%s %d %s on %s to %s",
		p.MandateID, p.Payment.AmountMinor, p.Payment.Token, p.Payment.Chain, p.Payment.Destination)
}
