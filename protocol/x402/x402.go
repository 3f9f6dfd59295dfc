// Package x402 validates the per-request challenge/response protocol used for
// metered API payments. A server issues a challenge carrying a nonce; the
// client answers with a payment response referencing that challenge.
package x402

import (
	"crypto/hmac"
	"strings"
)

// Reason codes surfaced by x402 validation.
const (
	ReasonAccepted              = "accepted"
	ReasonVersionUnsupported    = "x402_version_unsupported"
	ReasonNonceMismatch         = "x402_nonce_mismatch"
	ReasonChallengeUnreferenced = "x402_challenge_unreferenced"
)

// Challenge is a server-issued payment challenge.
type Challenge struct {
	ChallengeID string `json:"challenge_id"`
	Version     string `json:"version"`
	Nonce       string `json:"nonce"`
	AmountMinor int64  `json:"amount_minor"`
	Token       string `json:"token"`
	PayTo       string `json:"pay_to"`
}

// Response is the client's answer to a challenge.
type Response struct {
	ChallengeID string `json:"challenge_id"`
	Version     string `json:"version"`
	Nonce       string `json:"nonce"`
	MandateID   string `json:"mandate_id"`
}

// Validator checks responses against a pinned set of supported protocol
// versions.
type Validator struct {
	versions map[string]struct{}
}

// NewValidator pins the supported version set. Versions outside the set are
// rejected regardless of challenge contents.
func NewValidator(versions []string) *Validator {
	pinned := make(map[string]struct{}, len(versions))
	for _, v := range versions {
		if v = strings.TrimSpace(v); v != "" {
			pinned[v] = struct{}{}
		}
	}
	return &Validator{versions: pinned}
}

// SupportedVersion reports whether v is in the pinned set.
func (val *Validator) SupportedVersion(v string) bool {
	_, ok := val.versions[strings.TrimSpace(v)]
	return ok
}

// Validate checks the response against its challenge: supported version,
// nonce equality in constant time, and challenge reference linkage.
func (val *Validator) Validate(challenge Challenge, response Response) (bool, string) {
	if !val.SupportedVersion(challenge.Version) || !val.SupportedVersion(response.Version) {
		return false, ReasonVersionUnsupported
	}
	if response.ChallengeID == "" || response.ChallengeID != challenge.ChallengeID {
		return false, ReasonChallengeUnreferenced
	}
	if !hmac.Equal([]byte(challenge.Nonce), []byte(response.Nonce)) {
		return false, ReasonNonceMismatch
	}
	return true, ReasonAccepted
}
