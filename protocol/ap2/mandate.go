package ap2

import (
	"strconv"
	"strings"
)

// MandateType discriminates the three members of a mandate chain.
type MandateType string

const (
	TypeIntent  MandateType = "intent"
	TypeCart    MandateType = "cart"
	TypePayment MandateType = "payment"
)

// Proof carries the signature material attached to a mandate.
type Proof struct {
	VerificationMethod string `json:"verification_method"`
	Signature          string `json:"signature"`
}

// IntentPayload is the type-specific body of an intent mandate.
type IntentPayload struct {
	Description    string `json:"description"`
	MaxAmountMinor int64  `json:"max_amount_minor"`
}

// CartPayload is the type-specific body of a cart mandate.
type CartPayload struct {
	MerchantDomain string `json:"merchant_domain"`
	SubtotalMinor  int64  `json:"subtotal_minor"`
	TaxesMinor     int64  `json:"taxes_minor"`
}

// PaymentPayload is the type-specific body of a payment mandate.
type PaymentPayload struct {
	AmountMinor    int64  `json:"amount_minor"`
	FeeMinor       int64  `json:"fee_minor"`
	Token          string `json:"token"`
	Chain          string `json:"chain"`
	Destination    string `json:"destination"`
	MerchantDomain string `json:"merchant_domain"`
	AuditHash      string `json:"audit_hash"`
	MerchantID     string `json:"merchant_id,omitempty"`
}

// Mandate is the common envelope shared by intent, cart, and payment mandates.
// Exactly one of the payload pointers matching Type is populated.
type Mandate struct {
	MandateID string      `json:"mandate_id"`
	Type      MandateType `json:"mandate_type"`
	Issuer    string      `json:"issuer"`
	Subject   string      `json:"subject"`
	Domain    string      `json:"domain"`
	Nonce     string      `json:"nonce"`
	Purpose   string      `json:"purpose"`
	ExpiresAt int64       `json:"expires_at"`
	Proof     Proof       `json:"proof"`

	Intent  *IntentPayload  `json:"intent,omitempty"`
	Cart    *CartPayload    `json:"cart,omitempty"`
	Payment *PaymentPayload `json:"payment,omitempty"`
}

// Bundle is a full intent, cart, payment chain submitted for execution.
type Bundle struct {
	Intent  *Mandate `json:"intent"`
	Cart    *Mandate `json:"cart"`
	Payment *Mandate `json:"payment"`
}

// Chain is the validated view of a bundle handed to downstream stages.
type Chain struct {
	Intent  *Mandate
	Cart    *Mandate
	Payment *Mandate
}

const payloadSep = "|"

// SigningPayload returns the canonical byte string the mandate's proof must
// sign: the literal concatenation domain|nonce|purpose|<type-specific fields>.
// Payment mandates sign the current field ordering which includes
// merchant_domain; payloads built without it do not verify.
func (m *Mandate) SigningPayload() []byte {
	if m == nil {
		return nil
	}
	parts := []string{m.Domain, m.Nonce, m.Purpose}
	switch m.Type {
	case TypeIntent:
		if m.Intent != nil {
			parts = append(parts,
				m.MandateID,
				m.Subject,
				m.Intent.Description,
				strconv.FormatInt(m.Intent.MaxAmountMinor, 10),
			)
		}
	case TypeCart:
		if m.Cart != nil {
			parts = append(parts,
				m.MandateID,
				m.Subject,
				m.Cart.MerchantDomain,
				strconv.FormatInt(m.Cart.SubtotalMinor, 10),
				strconv.FormatInt(m.Cart.TaxesMinor, 10),
			)
		}
	case TypePayment:
		if m.Payment != nil {
			parts = append(parts,
				m.MandateID,
				m.Subject,
				strconv.FormatInt(m.Payment.AmountMinor, 10),
				m.Payment.Token,
				m.Payment.Chain,
				m.Payment.Destination,
				m.Payment.MerchantDomain,
				m.Payment.AuditHash,
			)
		}
	}
	return []byte(strings.Join(parts, payloadSep))
}

// payloadField reports the first missing required envelope field, or "".
func (m *Mandate) payloadField() string {
	switch {
	case m == nil:
		return "mandate"
	case strings.TrimSpace(m.MandateID) == "":
		return "mandate_id"
	case strings.TrimSpace(string(m.Type)) == "":
		return "mandate_type"
	case strings.TrimSpace(m.Subject) == "":
		return "subject"
	case strings.TrimSpace(m.Domain) == "":
		return "domain"
	case strings.TrimSpace(m.Nonce) == "":
		return "nonce"
	case m.ExpiresAt == 0:
		return "expires_at"
	case strings.TrimSpace(m.Proof.Signature) == "":
		return "proof.signature"
	case strings.TrimSpace(m.Proof.VerificationMethod) == "":
		return "proof.verification_method"
	}
	switch m.Type {
	case TypeIntent:
		if m.Intent == nil {
			return "intent"
		}
	case TypeCart:
		if m.Cart == nil {
			return "cart"
		}
		if strings.TrimSpace(m.Cart.MerchantDomain) == "" {
			return "cart.merchant_domain"
		}
	case TypePayment:
		if m.Payment == nil {
			return "payment"
		}
		switch {
		case m.Payment.AmountMinor <= 0:
			return "payment.amount_minor"
		case strings.TrimSpace(m.Payment.Token) == "":
			return "payment.token"
		case strings.TrimSpace(m.Payment.Chain) == "":
			return "payment.chain"
		case strings.TrimSpace(m.Payment.Destination) == "":
			return "payment.destination"
		}
	default:
		return "mandate_type"
	}
	return ""
}
