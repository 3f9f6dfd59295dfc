package gateway

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentpay/protocol/ap2"
)

// Approval lifecycle states.
const (
	ApprovalPending  = "pending"
	ApprovalApproved = "approved"
	ApprovalDenied   = "denied"
	ApprovalExpired  = "expired"
)

// Approval parks a mandate bundle awaiting a human decision before dispatch.
type Approval struct {
	ID        string     `json:"id"`
	AgentID   string     `json:"agent_id"`
	Bundle    ap2.Bundle `json:"bundle"`
	Reason    string     `json:"reason,omitempty"`
	Status    string     `json:"status"`
	Decider   string     `json:"decider,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt time.Time  `json:"expires_at"`
	DecidedAt time.Time  `json:"decided_at,omitempty"`
}

// ApprovalManager tracks pending approvals in memory. A pending approval past
// its deadline expires and can no longer be approved.
type ApprovalManager struct {
	mu       sync.Mutex
	pending  map[string]*Approval
	lifetime time.Duration
	clock    func() time.Time
}

// NewApprovalManager constructs the manager with the given pending lifetime.
func NewApprovalManager(lifetime time.Duration) *ApprovalManager {
	if lifetime <= 0 {
		lifetime = 15 * time.Minute
	}
	return &ApprovalManager{
		pending:  make(map[string]*Approval),
		lifetime: lifetime,
		clock:    time.Now,
	}
}

// SetClock overrides the time source for deterministic tests.
func (m *ApprovalManager) SetClock(clock func() time.Time) {
	if m == nil || clock == nil {
		return
	}
	m.clock = clock
}

// Submit parks the bundle for review.
func (m *ApprovalManager) Submit(agentID string, bundle ap2.Bundle, reason string) (*Approval, error) {
	if bundle.Payment == nil {
		return nil, fmt.Errorf("gateway: approval requires a payment mandate")
	}
	now := m.clock().UTC()
	approval := &Approval{
		ID:        uuid.NewString(),
		AgentID:   strings.TrimSpace(agentID),
		Bundle:    bundle,
		Reason:    strings.TrimSpace(reason),
		Status:    ApprovalPending,
		CreatedAt: now,
		ExpiresAt: now.Add(m.lifetime),
	}
	m.mu.Lock()
	m.pending[approval.ID] = approval
	m.mu.Unlock()
	return approval, nil
}

func (m *ApprovalManager) decide(id, to, decider string) (*Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	approval, ok := m.pending[id]
	if !ok {
		return nil, fmt.Errorf("gateway: unknown approval %s", id)
	}
	now := m.clock().UTC()
	if approval.Status == ApprovalPending && now.After(approval.ExpiresAt) {
		approval.Status = ApprovalExpired
	}
	if approval.Status != ApprovalPending {
		return nil, fmt.Errorf("gateway: approval %s is %s", id, approval.Status)
	}
	approval.Status = to
	approval.Decider = strings.TrimSpace(decider)
	approval.DecidedAt = now
	copied := *approval
	return &copied, nil
}

// Approve marks the approval approved and returns it for dispatch.
func (m *ApprovalManager) Approve(id, decider string) (*Approval, error) {
	return m.decide(id, ApprovalApproved, decider)
}

// Deny rejects the approval.
func (m *ApprovalManager) Deny(id, decider string) (*Approval, error) {
	return m.decide(id, ApprovalDenied, decider)
}

// Get returns a copy of the approval.
func (m *ApprovalManager) Get(id string) (*Approval, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	approval, ok := m.pending[id]
	if !ok {
		return nil, false
	}
	copied := *approval
	return &copied, true
}

// List returns every approval in unspecified order.
func (m *ApprovalManager) List() []Approval {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Approval, 0, len(m.pending))
	for _, approval := range m.pending {
		out = append(out, *approval)
	}
	return out
}

// ExpireDue flips stale pending approvals to expired. Run from the scheduler.
func (m *ApprovalManager) ExpireDue() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock().UTC()
	expired := 0
	for _, approval := range m.pending {
		if approval.Status == ApprovalPending && now.After(approval.ExpiresAt) {
			approval.Status = ApprovalExpired
			expired++
		}
	}
	return expired
}
