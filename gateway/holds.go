package gateway

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Hold lifecycle states.
const (
	HoldActive   = "active"
	HoldCaptured = "captured"
	HoldVoided   = "voided"
	HoldExpired  = "expired"
)

// Hold reserves an amount against an agent's budget ahead of capture.
type Hold struct {
	ID          string    `json:"id"`
	AgentID     string    `json:"agent_id"`
	AmountMinor int64     `json:"amount_minor"`
	Token       string    `json:"token"`
	Merchant    string    `json:"merchant,omitempty"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	CapturedAt  time.Time `json:"captured_at,omitempty"`
}

// HoldManager tracks authorization holds in memory. Captures and voids are
// terminal; an active hold past its expiry flips to expired on the sweep.
type HoldManager struct {
	mu    sync.Mutex
	holds map[string]*Hold
	ttl   time.Duration
	clock func() time.Time
}

// NewHoldManager constructs the manager with the default hold lifetime.
func NewHoldManager(ttl time.Duration) *HoldManager {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &HoldManager{
		holds: make(map[string]*Hold),
		ttl:   ttl,
		clock: time.Now,
	}
}

// SetClock overrides the time source for deterministic tests.
func (m *HoldManager) SetClock(clock func() time.Time) {
	if m == nil || clock == nil {
		return
	}
	m.clock = clock
}

// Create places a new active hold.
func (m *HoldManager) Create(agentID string, amountMinor int64, token, merchant string) (*Hold, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return nil, fmt.Errorf("gateway: hold requires agent id")
	}
	if amountMinor <= 0 {
		return nil, fmt.Errorf("gateway: hold amount must be positive")
	}
	now := m.clock().UTC()
	hold := &Hold{
		ID:          uuid.NewString(),
		AgentID:     agentID,
		AmountMinor: amountMinor,
		Token:       strings.ToUpper(strings.TrimSpace(token)),
		Merchant:    strings.TrimSpace(merchant),
		Status:      HoldActive,
		CreatedAt:   now,
		ExpiresAt:   now.Add(m.ttl),
	}
	m.mu.Lock()
	m.holds[hold.ID] = hold
	m.mu.Unlock()
	return hold, nil
}

func (m *HoldManager) transition(id, to string) (*Hold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hold, ok := m.holds[id]
	if !ok {
		return nil, fmt.Errorf("gateway: unknown hold %s", id)
	}
	now := m.clock().UTC()
	if hold.Status == HoldActive && now.After(hold.ExpiresAt) {
		hold.Status = HoldExpired
	}
	if hold.Status != HoldActive {
		return nil, fmt.Errorf("gateway: hold %s is %s", id, hold.Status)
	}
	hold.Status = to
	if to == HoldCaptured {
		hold.CapturedAt = now
	}
	copied := *hold
	return &copied, nil
}

// Capture finalizes an active hold.
func (m *HoldManager) Capture(id string) (*Hold, error) { return m.transition(id, HoldCaptured) }

// Void releases an active hold without capture.
func (m *HoldManager) Void(id string) (*Hold, error) { return m.transition(id, HoldVoided) }

// Get returns a copy of the hold.
func (m *HoldManager) Get(id string) (*Hold, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hold, ok := m.holds[id]
	if !ok {
		return nil, false
	}
	copied := *hold
	return &copied, true
}

// List returns the agent's holds, or all holds when agentID is empty.
func (m *HoldManager) List(agentID string) []Hold {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Hold, 0, len(m.holds))
	for _, hold := range m.holds {
		if agentID != "" && hold.AgentID != agentID {
			continue
		}
		out = append(out, *hold)
	}
	return out
}

// ExpireDue flips active holds past their expiry to expired and reports how
// many changed. Run from the scheduler.
func (m *HoldManager) ExpireDue() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock().UTC()
	expired := 0
	for _, hold := range m.holds {
		if hold.Status == HoldActive && now.After(hold.ExpiresAt) {
			hold.Status = HoldExpired
			expired++
		}
	}
	return expired
}
