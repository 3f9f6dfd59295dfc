package compliance

import (
	"context"
	"strings"
	"sync"

	"agentpay/identity"
)

// StaticKYC is a provider backed by an in-process status map. Used in dev and
// simulated execution; live deployments swap in the vendor client behind the
// same interface.
type StaticKYC struct {
	name string

	mu       sync.RWMutex
	verified map[string]bool
	fail     error
}

// NewStaticKYC constructs the provider under the given vendor name.
func NewStaticKYC(name string) *StaticKYC {
	return &StaticKYC{name: strings.TrimSpace(name), verified: make(map[string]bool)}
}

// Name returns the vendor name reported in decisions.
func (p *StaticKYC) Name() string { return p.name }

// SetVerified records the agent's KYC status.
func (p *StaticKYC) SetVerified(agentID string, verified bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.verified[strings.TrimSpace(agentID)] = verified
}

// Fail makes every lookup return err until cleared with nil.
func (p *StaticKYC) Fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail = err
}

// Verified reports the agent's KYC status.
func (p *StaticKYC) Verified(ctx context.Context, agentID string) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.fail != nil {
		return false, p.fail
	}
	return p.verified[strings.TrimSpace(agentID)], nil
}

// ListKYT screens addresses against a static sanctions set.
type ListKYT struct {
	name string

	mu         sync.RWMutex
	sanctioned map[string]string
	risk       map[string]string
	fail       error
}

// NewListKYT constructs the provider. sanctioned maps lowercase addresses to
// the rule id that flags them.
func NewListKYT(name string, sanctioned map[string]string) *ListKYT {
	normalised := make(map[string]string, len(sanctioned))
	for address, ruleID := range sanctioned {
		normalised[strings.ToLower(strings.TrimSpace(address))] = ruleID
	}
	return &ListKYT{name: strings.TrimSpace(name), sanctioned: normalised, risk: make(map[string]string)}
}

// Name returns the vendor name reported in decisions.
func (p *ListKYT) Name() string { return p.name }

// SetRisk records a non-blocking risk level for an address.
func (p *ListKYT) SetRisk(address, level string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.risk[strings.ToLower(strings.TrimSpace(address))] = level
}

// Fail makes every screen return err until cleared with nil.
func (p *ListKYT) Fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail = err
}

// Screen checks the address against the sanctions set and risk map.
func (p *ListKYT) Screen(ctx context.Context, address string) (ScreenResult, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.fail != nil {
		return ScreenResult{}, p.fail
	}
	key := strings.ToLower(strings.TrimSpace(address))
	if ruleID, hit := p.sanctioned[key]; hit {
		return ScreenResult{ShouldBlock: true, RiskLevel: RiskSevere, RuleID: ruleID}, nil
	}
	if level, ok := p.risk[key]; ok {
		return ScreenResult{RiskLevel: level}, nil
	}
	return ScreenResult{RiskLevel: RiskLow}, nil
}

// RegistryKYA answers know-your-agent checks from the identity registry's
// recorded KYA profile.
type RegistryKYA struct {
	name     string
	registry *identity.Registry
}

// NewRegistryKYA constructs the provider over the registry.
func NewRegistryKYA(name string, registry *identity.Registry) *RegistryKYA {
	return &RegistryKYA{name: strings.TrimSpace(name), registry: registry}
}

// Name returns the vendor name reported in decisions.
func (p *RegistryKYA) Name() string { return p.name }

// Allowed reports whether the agent's KYA status permits transacting.
func (p *RegistryKYA) Allowed(ctx context.Context, agentID string) (bool, error) {
	profile, err := p.registry.KYA(agentID)
	if err != nil {
		return false, err
	}
	switch profile.Status {
	case "approved", "verified":
		return true, nil
	}
	return false, nil
}
