package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// AnchorPrefix prefixes every merkle-derived audit anchor.
const AnchorPrefix = "merkle::"

// attestedPolicy is the canonical form hashed for attestation. Runtime
// counters and timestamps are excluded so the hash is stable across spends.
type attestedPolicy struct {
	AgentID             string   `json:"agent_id"`
	LimitPerTx          string   `json:"limit_per_tx"`
	LimitTotal          string   `json:"limit_total"`
	DailyLimit          string   `json:"daily_limit"`
	WeeklyLimit         string   `json:"weekly_limit"`
	MonthlyLimit        string   `json:"monthly_limit"`
	AllowedChains       []string `json:"allowed_chains"`
	AllowedTokens       []string `json:"allowed_tokens"`
	AllowedDestinations []string `json:"allowed_destinations"`
	BlockedDestinations []string `json:"blocked_destinations"`
	BlockedMerchants    []string `json:"blocked_merchants"`
}

func limitString(w *TimeWindowLimit) string {
	if w == nil || w.LimitAmount == nil {
		return ""
	}
	return w.LimitAmount.String()
}

func sortedLower(list []string) []string {
	out := make([]string, 0, len(list))
	for _, item := range list {
		if item = strings.ToLower(strings.TrimSpace(item)); item != "" {
			out = append(out, item)
		}
	}
	sort.Strings(out)
	return out
}

// ComputeHash canonicalizes the policy and returns the hex SHA-256 digest.
func ComputeHash(p *Policy) (string, error) {
	if p == nil {
		return "", fmt.Errorf("policy: nil policy")
	}
	canonical := attestedPolicy{
		AgentID:             strings.TrimSpace(p.AgentID),
		DailyLimit:          limitString(p.Daily),
		WeeklyLimit:         limitString(p.Weekly),
		MonthlyLimit:        limitString(p.Monthly),
		AllowedChains:       sortedLower(p.AllowedChains),
		AllowedTokens:       sortedLower(p.AllowedTokens),
		AllowedDestinations: sortedLower(p.AllowedDestinations),
		BlockedDestinations: sortedLower(p.BlockedDestinations),
		BlockedMerchants:    sortedLower(p.BlockedMerchants),
	}
	if p.LimitPerTx != nil {
		canonical.LimitPerTx = p.LimitPerTx.String()
	}
	if p.LimitTotal != nil {
		canonical.LimitTotal = p.LimitTotal.String()
	}
	encoded, err := json.Marshal(canonical)
	if err != nil {
		return "", fmt.Errorf("policy: canonicalise: %w", err)
	}
	digest := sha256.Sum256(encoded)
	return hex.EncodeToString(digest[:]), nil
}

// DecisionReceipt attests one policy decision: the policy in force, the
// execution context evaluated, and the decision reached, bound by a merkle
// root over the three hashes.
type DecisionReceipt struct {
	PolicyHash   string `json:"policy_hash"`
	ContextHash  string `json:"context_hash"`
	DecisionHash string `json:"decision_hash"`
	Root         string `json:"root"`
	AuditAnchor  string `json:"audit_anchor"`
}

func leafHash(value string) []byte {
	digest := sha256.Sum256([]byte(value))
	return digest[:]
}

func nodeHash(left, right []byte) []byte {
	h := sha256.New()
	h.Write(left)
	h.Write(right)
	return h.Sum(nil)
}

// NewDecisionReceipt builds the receipt for one decision. contextHash and
// decisionHash are hex digests supplied by the caller.
func NewDecisionReceipt(p *Policy, contextHash, decisionHash string) (*DecisionReceipt, error) {
	policyHash, err := ComputeHash(p)
	if err != nil {
		return nil, err
	}
	leaves := [][]byte{leafHash(policyHash), leafHash(contextHash), leafHash(decisionHash)}
	// Odd leaf promoted, matching the ledger tree.
	level := [][]byte{nodeHash(leaves[0], leaves[1]), leaves[2]}
	root := hex.EncodeToString(nodeHash(level[0], level[1]))
	return &DecisionReceipt{
		PolicyHash:   policyHash,
		ContextHash:  contextHash,
		DecisionHash: decisionHash,
		Root:         root,
		AuditAnchor:  AnchorPrefix + root,
	}, nil
}

// HashJSON renders v as JSON and returns the hex SHA-256 digest. Used for the
// context and decision legs of a receipt.
func HashJSON(v any) (string, error) {
	encoded, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("policy: hash: %w", err)
	}
	digest := sha256.Sum256(encoded)
	return hex.EncodeToString(digest[:]), nil
}
