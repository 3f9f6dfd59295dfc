// Package tap implements signed agent identity envelopes for agent-to-agent
// messages. An envelope binds a message body to the sending agent's key via an
// ed25519 signature over the canonical envelope payload.
package tap

import (
	"strconv"
	"strings"
	"time"

	"agentpay/crypto"
	"agentpay/identity"
)

// Reason codes surfaced by envelope verification.
const (
	ReasonAccepted         = "accepted"
	ReasonInvalidEnvelope  = "tap_invalid_envelope"
	ReasonEnvelopeExpired  = "tap_envelope_expired"
	ReasonUnknownSender    = "unknown_subject"
	ReasonTrustDenied      = "tap_trust_denied"
	ReasonSignatureInvalid = "signature_invalid"
)

// Envelope is a signed agent-to-agent message.
type Envelope struct {
	MessageID string `json:"message_id"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Purpose   string `json:"purpose"`
	Body      string `json:"body"`
	IssuedAt  int64  `json:"issued_at"`
	ExpiresAt int64  `json:"expires_at"`
	Signature string `json:"signature"`
}

// SigningPayload is the canonical byte string the envelope signature covers.
func (e *Envelope) SigningPayload() []byte {
	if e == nil {
		return nil
	}
	parts := []string{
		e.MessageID,
		e.Sender,
		e.Recipient,
		e.Purpose,
		e.Body,
		strconv.FormatInt(e.IssuedAt, 10),
		strconv.FormatInt(e.ExpiresAt, 10),
	}
	return []byte(strings.Join(parts, "|"))
}

// KeyResolver resolves a sender to its currently valid keys.
type KeyResolver interface {
	ValidKeys(agentID string) ([]identity.VerificationKey, error)
}

// Verifier validates envelopes against the key registry and, when trust
// enforcement is enabled, the sender→recipient trust table.
type Verifier struct {
	keys         KeyResolver
	enforceTrust bool
	trusted      map[string]map[string]struct{}
	clock        func() time.Time
}

// NewVerifier constructs a tap verifier. When enforceTrust is set, senders may
// only message recipients previously allowed via Trust.
func NewVerifier(keys KeyResolver, enforceTrust bool) *Verifier {
	return &Verifier{
		keys:         keys,
		enforceTrust: enforceTrust,
		trusted:      make(map[string]map[string]struct{}),
		clock:        time.Now,
	}
}

// SetClock overrides the time source for deterministic tests.
func (v *Verifier) SetClock(clock func() time.Time) {
	if v == nil || clock == nil {
		return
	}
	v.clock = clock
}

// Trust allows sender to message recipient when trust enforcement is on.
func (v *Verifier) Trust(sender, recipient string) {
	sender = strings.TrimSpace(sender)
	recipient = strings.TrimSpace(recipient)
	if sender == "" || recipient == "" {
		return
	}
	if v.trusted[sender] == nil {
		v.trusted[sender] = make(map[string]struct{})
	}
	v.trusted[sender][recipient] = struct{}{}
}

// Verify checks the envelope shape, expiry, trust table, and signature.
func (v *Verifier) Verify(e *Envelope) (bool, string) {
	if e == nil || strings.TrimSpace(e.MessageID) == "" ||
		strings.TrimSpace(e.Sender) == "" || strings.TrimSpace(e.Recipient) == "" ||
		strings.TrimSpace(e.Signature) == "" {
		return false, ReasonInvalidEnvelope
	}
	if e.ExpiresAt <= v.clock().UTC().Unix() {
		return false, ReasonEnvelopeExpired
	}
	if v.enforceTrust {
		recipients, ok := v.trusted[strings.TrimSpace(e.Sender)]
		if !ok {
			return false, ReasonTrustDenied
		}
		if _, ok := recipients[strings.TrimSpace(e.Recipient)]; !ok {
			return false, ReasonTrustDenied
		}
	}
	keys, err := v.keys.ValidKeys(e.Sender)
	if err != nil || len(keys) == 0 {
		return false, ReasonUnknownSender
	}
	payload := e.SigningPayload()
	for _, key := range keys {
		ok, err := crypto.VerifySignature(key.PublicKey, e.Signature, payload)
		if err == nil && ok {
			return true, ReasonAccepted
		}
	}
	return false, ReasonSignatureInvalid
}
