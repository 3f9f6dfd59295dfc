package identity

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"agentpay/crypto"
)

// KeyStatus enumerates the lifecycle states of a verification key.
type KeyStatus string

const (
	// KeyStatusActive marks the key currently used for new signatures.
	KeyStatusActive KeyStatus = "active"
	// KeyStatusRotating marks a superseded key still inside its grace period.
	KeyStatusRotating KeyStatus = "rotating"
	// KeyStatusRevoked marks a key that must no longer verify anything.
	KeyStatusRevoked KeyStatus = "revoked"
)

// DefaultRotationGrace is how long a rotated-out key keeps verifying signatures.
const DefaultRotationGrace = 24 * time.Hour

var (
	// ErrUnknownAgent is returned when the agent has never registered a key.
	ErrUnknownAgent = errors.New("identity: unknown agent")
	// ErrKeyNotFound is returned when the referenced key id does not exist.
	ErrKeyNotFound = errors.New("identity: key not found")
	// ErrActiveKeyExists is returned when registering a second active key
	// without AllowMultipleActive.
	ErrActiveKeyExists = errors.New("identity: agent already has an active key")
)

// VerificationKey describes one registered public key for an agent.
type VerificationKey struct {
	KID       string
	PublicKey string
	Algorithm string
	Status    KeyStatus
	ExpiresAt time.Time
	RotatedAt time.Time
}

// KYAProfile captures the know-your-agent attributes consumed by compliance.
type KYAProfile struct {
	Level  string
	Status string
}

type agentRecord struct {
	organizationID string
	keys           map[string]*VerificationKey
	kya            KYAProfile
}

// Registry maps agent identifiers to their verification keys with rotation and
// grace-period semantics. All mutations go through Registry operations; callers
// receive defensive copies.
type Registry struct {
	mu                  sync.RWMutex
	agents              map[string]*agentRecord
	rotationGrace       time.Duration
	allowMultipleActive bool
	clock               func() time.Time
	seq                 uint64
}

// Option customises a Registry.
type Option func(*Registry)

// WithRotationGrace overrides the default 24h rotation grace period.
func WithRotationGrace(grace time.Duration) Option {
	return func(r *Registry) {
		if grace > 0 {
			r.rotationGrace = grace
		}
	}
}

// WithAllowMultipleActive permits more than one active key per agent.
func WithAllowMultipleActive() Option {
	return func(r *Registry) { r.allowMultipleActive = true }
}

// NewRegistry constructs an empty key registry.
func NewRegistry(opts ...Option) *Registry {
	reg := &Registry{
		agents:        make(map[string]*agentRecord),
		rotationGrace: DefaultRotationGrace,
		clock:         time.Now,
	}
	for _, opt := range opts {
		opt(reg)
	}
	return reg
}

// SetClock overrides the time source for deterministic tests.
func (r *Registry) SetClock(clock func() time.Time) {
	if r == nil || clock == nil {
		return
	}
	r.clock = clock
}

// RegisterKey binds a new active verification key to the agent. A zero
// expiresAt means the key does not expire on its own.
func (r *Registry) RegisterKey(agentID, organizationID, publicKey, algorithm string, expiresAt time.Time) (string, error) {
	agent := strings.TrimSpace(agentID)
	if agent == "" {
		return "", fmt.Errorf("identity: agent id required")
	}
	if algorithm = strings.ToLower(strings.TrimSpace(algorithm)); algorithm == "" {
		algorithm = crypto.AlgEd25519
	}
	if algorithm != crypto.AlgEd25519 {
		return "", fmt.Errorf("identity: unsupported algorithm %q", algorithm)
	}
	if _, err := crypto.DecodePublicKey(publicKey); err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.agents[agent]
	if !ok {
		record = &agentRecord{
			organizationID: strings.TrimSpace(organizationID),
			keys:           make(map[string]*VerificationKey),
		}
		r.agents[agent] = record
	}
	if !r.allowMultipleActive {
		for _, key := range record.keys {
			if key.Status == KeyStatusActive {
				return "", ErrActiveKeyExists
			}
		}
	}
	r.seq++
	kid := fmt.Sprintf("%s-k%d", agent, r.seq)
	record.keys[kid] = &VerificationKey{
		KID:       kid,
		PublicKey: strings.TrimSpace(publicKey),
		Algorithm: algorithm,
		Status:    KeyStatusActive,
		ExpiresAt: expiresAt,
	}
	return kid, nil
}

// RotateKey installs a new active key and moves the previous active key into
// the rotating state. Signatures under the old key stay valid for the grace
// period, after which CleanupExpired revokes it.
func (r *Registry) RotateKey(agentID, newPublicKey, reason string) (string, error) {
	agent := strings.TrimSpace(agentID)
	if agent == "" {
		return "", fmt.Errorf("identity: agent id required")
	}
	if _, err := crypto.DecodePublicKey(newPublicKey); err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.agents[agent]
	if !ok {
		return "", ErrUnknownAgent
	}
	now := r.clock().UTC()
	for _, key := range record.keys {
		if key.Status == KeyStatusActive {
			key.Status = KeyStatusRotating
			key.RotatedAt = now
			key.ExpiresAt = now.Add(r.rotationGrace)
		}
	}
	r.seq++
	kid := fmt.Sprintf("%s-k%d", agent, r.seq)
	record.keys[kid] = &VerificationKey{
		KID:       kid,
		PublicKey: strings.TrimSpace(newPublicKey),
		Algorithm: crypto.AlgEd25519,
		Status:    KeyStatusActive,
	}
	return kid, nil
}

// RevokeKey marks the key revoked immediately. Revocation is permanent.
func (r *Registry) RevokeKey(agentID, kid string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.agents[strings.TrimSpace(agentID)]
	if !ok {
		return ErrUnknownAgent
	}
	key, ok := record.keys[strings.TrimSpace(kid)]
	if !ok {
		return ErrKeyNotFound
	}
	key.Status = KeyStatusRevoked
	return nil
}

// ValidKeys returns copies of every key currently usable for verification:
// active keys plus rotating keys still inside their grace period.
func (r *Registry) ValidKeys(agentID string) ([]VerificationKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	record, ok := r.agents[strings.TrimSpace(agentID)]
	if !ok {
		return nil, ErrUnknownAgent
	}
	now := r.clock().UTC()
	keys := make([]VerificationKey, 0, len(record.keys))
	for _, key := range record.keys {
		switch key.Status {
		case KeyStatusActive, KeyStatusRotating:
		default:
			continue
		}
		if !key.ExpiresAt.IsZero() && !key.ExpiresAt.After(now) {
			continue
		}
		keys = append(keys, *key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].KID < keys[j].KID })
	return keys, nil
}

// KnownAgent reports whether the agent has ever registered a key.
func (r *Registry) KnownAgent(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[strings.TrimSpace(agentID)]
	return ok
}

// OrganizationID returns the organization the agent registered under.
func (r *Registry) OrganizationID(agentID string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	record, ok := r.agents[strings.TrimSpace(agentID)]
	if !ok {
		return "", ErrUnknownAgent
	}
	return record.organizationID, nil
}

// SetKYA records the agent's know-your-agent profile.
func (r *Registry) SetKYA(agentID string, profile KYAProfile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.agents[strings.TrimSpace(agentID)]
	if !ok {
		return ErrUnknownAgent
	}
	record.kya = KYAProfile{
		Level:  strings.TrimSpace(profile.Level),
		Status: strings.ToLower(strings.TrimSpace(profile.Status)),
	}
	return nil
}

// KYA returns the agent's know-your-agent profile.
func (r *Registry) KYA(agentID string) (KYAProfile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	record, ok := r.agents[strings.TrimSpace(agentID)]
	if !ok {
		return KYAProfile{}, ErrUnknownAgent
	}
	return record.kya, nil
}

// CleanupExpired revokes rotating keys whose grace period elapsed and active
// keys past their expiry. It returns the number of keys transitioned.
func (r *Registry) CleanupExpired() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock().UTC()
	transitioned := 0
	for _, record := range r.agents {
		for _, key := range record.keys {
			if key.Status == KeyStatusRevoked {
				continue
			}
			if !key.ExpiresAt.IsZero() && !key.ExpiresAt.After(now) {
				key.Status = KeyStatusRevoked
				transitioned++
			}
		}
	}
	return transitioned
}
