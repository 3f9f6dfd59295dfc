package policy

import (
	"fmt"
	"math/big"
	"strings"
	"time"
)

// Reason codes surfaced by policy evaluation. Codes are stable API.
const (
	ReasonAllowed = "allowed"

	ReasonPerTxLimitExceeded   = "per_tx_limit_exceeded"
	ReasonTotalLimitExceeded   = "total_limit_exceeded"
	ReasonDailyLimitExceeded   = "daily_limit_exceeded"
	ReasonWeeklyLimitExceeded  = "weekly_limit_exceeded"
	ReasonMonthlyLimitExceeded = "monthly_limit_exceeded"

	ReasonDestinationNotAllowlisted = "destination_not_allowlisted"
	ReasonDestinationBlocked        = "destination_blocked"
	ReasonChainNotAllowlisted       = "chain_not_allowlisted"
	ReasonTokenNotAllowlisted       = "token_not_allowlisted"
	ReasonTokenNotPermitted         = "token_not_permitted"
	ReasonMerchantBlocked           = "merchant_blocked"
)

// Window lengths for the time-window limits.
const (
	WindowDaily   = 24 * time.Hour
	WindowWeekly  = 7 * 24 * time.Hour
	WindowMonthly = 30 * 24 * time.Hour
)

// TimeWindowLimit caps spend within a rolling window. A reset zeros
// CurrentSpent and advances WindowStart by exactly one window length.
type TimeWindowLimit struct {
	WindowStart  time.Time `json:"window_start"`
	CurrentSpent *big.Int  `json:"current_spent"`
	LimitAmount  *big.Int  `json:"limit_amount"`
}

func newWindow(limit *big.Int, start time.Time) *TimeWindowLimit {
	if limit == nil {
		return nil
	}
	return &TimeWindowLimit{
		WindowStart:  start.UTC(),
		CurrentSpent: big.NewInt(0),
		LimitAmount:  new(big.Int).Set(limit),
	}
}

// resetIfExpired advances the window in whole window-lengths until now falls
// inside it, zeroing the spent counter on the first advance.
func (w *TimeWindowLimit) resetIfExpired(now time.Time, length time.Duration) {
	if w == nil {
		return
	}
	if now.Sub(w.WindowStart) < length {
		return
	}
	for now.Sub(w.WindowStart) >= length {
		w.WindowStart = w.WindowStart.Add(length)
	}
	w.CurrentSpent = big.NewInt(0)
}

// Policy holds the spending rules for one agent. Amounts are token minor
// units held as big integers; runtime counters (SpentTotal, window
// CurrentSpent) are excluded from the attestation hash.
type Policy struct {
	AgentID    string           `json:"agent_id"`
	LimitPerTx *big.Int         `json:"limit_per_tx"`
	LimitTotal *big.Int         `json:"limit_total"`
	SpentTotal *big.Int         `json:"spent_total"`
	Daily      *TimeWindowLimit `json:"daily,omitempty"`
	Weekly     *TimeWindowLimit `json:"weekly,omitempty"`
	Monthly    *TimeWindowLimit `json:"monthly,omitempty"`

	AllowedChains       []string `json:"allowed_chains,omitempty"`
	AllowedTokens       []string `json:"allowed_tokens,omitempty"`
	AllowedDestinations []string `json:"allowed_destinations,omitempty"`
	BlockedDestinations []string `json:"blocked_destinations,omitempty"`
	BlockedMerchants    []string `json:"blocked_merchants,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewPolicy builds a policy with the given per-transaction and total limits.
// Nil limits are unlimited.
func NewPolicy(agentID string, limitPerTx, limitTotal *big.Int, now time.Time) *Policy {
	p := &Policy{
		AgentID:    strings.TrimSpace(agentID),
		SpentTotal: big.NewInt(0),
		CreatedAt:  now.UTC(),
		UpdatedAt:  now.UTC(),
	}
	if limitPerTx != nil {
		p.LimitPerTx = new(big.Int).Set(limitPerTx)
	}
	if limitTotal != nil {
		p.LimitTotal = new(big.Int).Set(limitTotal)
	}
	return p
}

// WithWindow attaches a time-window limit to the policy.
func (p *Policy) WithWindow(window time.Duration, limit *big.Int, start time.Time) *Policy {
	switch window {
	case WindowDaily:
		p.Daily = newWindow(limit, start)
	case WindowWeekly:
		p.Weekly = newWindow(limit, start)
	case WindowMonthly:
		p.Monthly = newWindow(limit, start)
	}
	return p
}

func containsFold(list []string, value string) bool {
	value = strings.TrimSpace(value)
	for _, item := range list {
		if strings.EqualFold(strings.TrimSpace(item), value) {
			return true
		}
	}
	return false
}

// validatePayment checks the amount limits. Callers hold the agent lock.
func (p *Policy) validatePayment(amount, fee *big.Int, merchantID string, now time.Time) (bool, string) {
	if amount == nil {
		amount = big.NewInt(0)
	}
	if fee == nil {
		fee = big.NewInt(0)
	}
	charged := new(big.Int).Add(amount, fee)
	if p.LimitPerTx != nil && charged.Cmp(p.LimitPerTx) > 0 {
		return false, ReasonPerTxLimitExceeded
	}
	if p.LimitTotal != nil {
		projected := new(big.Int).Add(p.SpentTotal, charged)
		if projected.Cmp(p.LimitTotal) > 0 {
			return false, ReasonTotalLimitExceeded
		}
	}
	windows := []struct {
		window *TimeWindowLimit
		length time.Duration
		reason string
	}{
		{p.Daily, WindowDaily, ReasonDailyLimitExceeded},
		{p.Weekly, WindowWeekly, ReasonWeeklyLimitExceeded},
		{p.Monthly, WindowMonthly, ReasonMonthlyLimitExceeded},
	}
	for _, entry := range windows {
		if entry.window == nil || entry.window.LimitAmount == nil {
			continue
		}
		entry.window.resetIfExpired(now, entry.length)
		projected := new(big.Int).Add(entry.window.CurrentSpent, amount)
		if projected.Cmp(entry.window.LimitAmount) > 0 {
			return false, entry.reason
		}
	}
	if merchantID != "" && containsFold(p.BlockedMerchants, merchantID) {
		return false, ReasonMerchantBlocked
	}
	return true, ReasonAllowed
}

// validateExecutionContext checks destination, chain, and token rules.
func (p *Policy) validateExecutionContext(destination, chain, token string) (bool, string) {
	if !SupportedToken(token) {
		return false, ReasonTokenNotPermitted
	}
	if len(p.AllowedDestinations) > 0 && !containsFold(p.AllowedDestinations, destination) {
		return false, ReasonDestinationNotAllowlisted
	}
	if containsFold(p.BlockedDestinations, destination) {
		return false, ReasonDestinationBlocked
	}
	if len(p.AllowedChains) > 0 && !containsFold(p.AllowedChains, chain) {
		return false, ReasonChainNotAllowlisted
	}
	if len(p.AllowedTokens) > 0 && !containsFold(p.AllowedTokens, token) {
		return false, ReasonTokenNotAllowlisted
	}
	return true, ReasonAllowed
}

// recordSpend applies the spend to the running counters. Windows reset first
// when expired so spend lands in the correct window.
func (p *Policy) recordSpend(amount *big.Int, now time.Time) {
	if amount == nil {
		return
	}
	p.SpentTotal = new(big.Int).Add(p.SpentTotal, amount)
	windows := []struct {
		window *TimeWindowLimit
		length time.Duration
	}{
		{p.Daily, WindowDaily},
		{p.Weekly, WindowWeekly},
		{p.Monthly, WindowMonthly},
	}
	for _, entry := range windows {
		if entry.window == nil {
			continue
		}
		entry.window.resetIfExpired(now, entry.length)
		entry.window.CurrentSpent = new(big.Int).Add(entry.window.CurrentSpent, amount)
	}
	p.UpdatedAt = now.UTC()
}

// Clone returns a deep copy suitable for handing outside the engine lock.
func (p *Policy) Clone() *Policy {
	if p == nil {
		return nil
	}
	clone := *p
	if p.LimitPerTx != nil {
		clone.LimitPerTx = new(big.Int).Set(p.LimitPerTx)
	}
	if p.LimitTotal != nil {
		clone.LimitTotal = new(big.Int).Set(p.LimitTotal)
	}
	if p.SpentTotal != nil {
		clone.SpentTotal = new(big.Int).Set(p.SpentTotal)
	}
	clone.Daily = cloneWindow(p.Daily)
	clone.Weekly = cloneWindow(p.Weekly)
	clone.Monthly = cloneWindow(p.Monthly)
	clone.AllowedChains = append([]string(nil), p.AllowedChains...)
	clone.AllowedTokens = append([]string(nil), p.AllowedTokens...)
	clone.AllowedDestinations = append([]string(nil), p.AllowedDestinations...)
	clone.BlockedDestinations = append([]string(nil), p.BlockedDestinations...)
	clone.BlockedMerchants = append([]string(nil), p.BlockedMerchants...)
	return &clone
}

func cloneWindow(w *TimeWindowLimit) *TimeWindowLimit {
	if w == nil {
		return nil
	}
	clone := &TimeWindowLimit{WindowStart: w.WindowStart}
	if w.CurrentSpent != nil {
		clone.CurrentSpent = new(big.Int).Set(w.CurrentSpent)
	}
	if w.LimitAmount != nil {
		clone.LimitAmount = new(big.Int).Set(w.LimitAmount)
	}
	return clone
}

func (p *Policy) normalise() error {
	if p == nil {
		return fmt.Errorf("policy: nil policy")
	}
	p.AgentID = strings.TrimSpace(p.AgentID)
	if p.AgentID == "" {
		return fmt.Errorf("policy: agent id required")
	}
	if p.SpentTotal == nil {
		p.SpentTotal = big.NewInt(0)
	}
	return nil
}
