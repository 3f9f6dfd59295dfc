package policy

import (
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"agentpay/observability/logging"
	"agentpay/observability/metrics"
)

// Store persists policies keyed by agent id.
type Store interface {
	Get(agentID string) (*Policy, error)
	Put(policy *Policy) error
}

// MemoryStore is the in-memory policy store used in tests and dev.
type MemoryStore struct {
	mu       sync.RWMutex
	policies map[string]*Policy
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{policies: make(map[string]*Policy)}
}

// Get returns a deep copy of the stored policy, or nil when absent.
func (s *MemoryStore) Get(agentID string) (*Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policies[agentID].Clone(), nil
}

// Put stores a deep copy of the policy.
func (s *MemoryStore) Put(policy *Policy) error {
	if err := policy.normalise(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[policy.AgentID] = policy.Clone()
	return nil
}

// Agents lists every agent with a stored policy.
func (s *MemoryStore) Agents() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agents := make([]string, 0, len(s.policies))
	for agentID := range s.policies {
		agents = append(agents, agentID)
	}
	return agents
}

// Engine evaluates payments against per-agent spending policies. All
// evaluation and spend recording for one agent happens under that agent's
// lock so counters never race.
type Engine struct {
	store    Store
	defaults func(agentID string, now time.Time) *Policy
	logger   *slog.Logger
	clock    func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// EngineOption customises an Engine.
type EngineOption func(*Engine)

// WithDefaults installs the policy created for agents seen for the first time.
func WithDefaults(fn func(agentID string, now time.Time) *Policy) EngineOption {
	return func(e *Engine) { e.defaults = fn }
}

// NewEngine constructs a policy engine over the store.
func NewEngine(store Store, logger *slog.Logger, opts ...EngineOption) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	engine := &Engine{
		store:  store,
		logger: logger,
		clock:  time.Now,
		locks:  make(map[string]*sync.Mutex),
		defaults: func(agentID string, now time.Time) *Policy {
			return NewPolicy(agentID, nil, nil, now)
		},
	}
	for _, opt := range opts {
		opt(engine)
	}
	return engine
}

// SetClock overrides the time source for deterministic tests.
func (e *Engine) SetClock(clock func() time.Time) {
	if e == nil || clock == nil {
		return
	}
	e.clock = clock
}

func (e *Engine) agentLock(agentID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.locks[agentID]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[agentID] = lock
	}
	return lock
}

func (e *Engine) load(agentID string, now time.Time) (*Policy, error) {
	policy, err := e.store.Get(agentID)
	if err != nil {
		return nil, fmt.Errorf("policy: load %s: %w", agentID, err)
	}
	if policy == nil {
		policy = e.defaults(agentID, now)
		if err := e.store.Put(policy); err != nil {
			return nil, fmt.Errorf("policy: initialise %s: %w", agentID, err)
		}
	}
	return policy, nil
}

// SetPolicy installs or replaces the agent's policy.
func (e *Engine) SetPolicy(policy *Policy) error {
	if err := policy.normalise(); err != nil {
		return err
	}
	lock := e.agentLock(policy.AgentID)
	lock.Lock()
	defer lock.Unlock()
	return e.store.Put(policy)
}

// GetPolicy returns a copy of the agent's policy, creating defaults on first
// use.
func (e *Engine) GetPolicy(agentID string) (*Policy, error) {
	lock := e.agentLock(agentID)
	lock.Lock()
	defer lock.Unlock()
	return e.load(agentID, e.clock().UTC())
}

// ValidatePayment checks the amount limits for the agent. Amounts at exactly
// a limit pass; one minor unit above fails.
func (e *Engine) ValidatePayment(agentID string, amount, fee *big.Int, merchantID string) (bool, string, error) {
	lock := e.agentLock(agentID)
	lock.Lock()
	defer lock.Unlock()
	now := e.clock().UTC()
	policy, err := e.load(agentID, now)
	if err != nil {
		return false, "", err
	}
	ok, reason := policy.validatePayment(amount, fee, merchantID, now)
	if !ok {
		metrics.Pipeline().RecordPolicyDenial(reason)
		return false, reason, nil
	}
	// Window resets performed during validation must survive.
	if err := e.store.Put(policy); err != nil {
		return false, "", fmt.Errorf("policy: persist %s: %w", agentID, err)
	}
	return true, ReasonAllowed, nil
}

// ValidateExecutionContext checks destination, chain, and token rules.
func (e *Engine) ValidateExecutionContext(agentID, destination, chain, token string) (bool, string, error) {
	lock := e.agentLock(agentID)
	lock.Lock()
	defer lock.Unlock()
	policy, err := e.load(agentID, e.clock().UTC())
	if err != nil {
		return false, "", err
	}
	ok, reason := policy.validateExecutionContext(destination, chain, token)
	if !ok {
		metrics.Pipeline().RecordPolicyDenial(reason)
		return false, reason, nil
	}
	return true, ReasonAllowed, nil
}

// RecordSpend applies the spend to the agent's counters. A store failure here
// means real spend went unrecorded, so it is logged critical and propagated.
func (e *Engine) RecordSpend(agentID string, amount *big.Int) error {
	lock := e.agentLock(agentID)
	lock.Lock()
	defer lock.Unlock()
	now := e.clock().UTC()
	policy, err := e.load(agentID, now)
	if err != nil {
		return err
	}
	policy.recordSpend(amount, now)
	if err := e.store.Put(policy); err != nil {
		logging.Critical(e.logger, "spend not recorded; policy counters are stale",
			slog.String("agent_id", agentID),
			slog.String("amount_minor", amount.String()),
			slog.Any("error", err))
		metrics.Pipeline().RecordCritical("policy")
		return fmt.Errorf("policy: record spend for %s: %w", agentID, err)
	}
	return nil
}

// ResetExpiredWindows advances every expired window. Run daily at 00:00 UTC.
func (e *Engine) ResetExpiredWindows(agentIDs []string) error {
	now := e.clock().UTC()
	for _, agentID := range agentIDs {
		lock := e.agentLock(agentID)
		lock.Lock()
		policy, err := e.load(agentID, now)
		if err != nil {
			lock.Unlock()
			return err
		}
		policy.Daily.resetIfExpired(now, WindowDaily)
		policy.Weekly.resetIfExpired(now, WindowWeekly)
		policy.Monthly.resetIfExpired(now, WindowMonthly)
		err = e.store.Put(policy)
		lock.Unlock()
		if err != nil {
			return fmt.Errorf("policy: reset windows for %s: %w", agentID, err)
		}
	}
	return nil
}
