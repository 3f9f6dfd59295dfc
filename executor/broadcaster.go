package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"math/big"
	"sync"
)

// Sentinel errors a Broadcaster uses to classify chain outcomes.
var (
	// ErrReverted signals the transaction was mined and reverted.
	ErrReverted = errors.New("executor: transaction reverted")
	// ErrProviderUnavailable signals the RPC provider could not be reached.
	ErrProviderUnavailable = errors.New("executor: provider unavailable")
)

// Broadcaster is the chain-facing surface the executor depends on. Production
// wires a JSON-RPC client per chain; tests and simulated mode use the
// in-process implementation.
type Broadcaster interface {
	// PendingNonce returns the next nonce for the sender on the chain.
	PendingNonce(ctx context.Context, chain, sender string) (uint64, error)
	// SuggestGasFees returns the tip and fee cap in wei for the chain.
	SuggestGasFees(ctx context.Context, chain string) (tip, feeCap *big.Int, err error)
	// Broadcast submits the raw signed transaction and returns its hash.
	Broadcast(ctx context.Context, chain string, rawTx []byte) (string, error)
	// WaitConfirmations blocks until the transaction has the required
	// confirmations, returning the inclusion block. It returns ErrReverted
	// for mined-but-reverted transactions and context errors on timeout.
	WaitConfirmations(ctx context.Context, chain, txHash string, confirmations int) (uint64, error)
}

// Simulated is the in-process broadcaster used for dev, tests, and the
// simulated execution mode. Transactions confirm instantly; failure modes are
// injected per call.
type Simulated struct {
	mu         sync.Mutex
	nonces     map[string]uint64
	broadcasts []string

	broadcastErr error
	confirmErr   error
	block        uint64
}

// NewSimulated constructs an empty simulated broadcaster.
func NewSimulated() *Simulated {
	return &Simulated{nonces: make(map[string]uint64), block: 1}
}

// FailBroadcast makes the next broadcasts return err until cleared with nil.
func (s *Simulated) FailBroadcast(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcastErr = err
}

// FailConfirmation makes confirmation waits return err until cleared.
func (s *Simulated) FailConfirmation(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.confirmErr = err
}

// Broadcasts returns the hashes broadcast so far.
func (s *Simulated) Broadcasts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.broadcasts...)
}

// PendingNonce returns the simulated account nonce.
func (s *Simulated) PendingNonce(ctx context.Context, chain, sender string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nonces[accountKey(chain, sender)], nil
}

// SuggestGasFees returns fixed fees adequate for simulation.
func (s *Simulated) SuggestGasFees(ctx context.Context, chain string) (*big.Int, *big.Int, error) {
	return big.NewInt(1_500_000_000), big.NewInt(30_000_000_000), nil
}

// Broadcast records the transaction and returns a deterministic hash.
func (s *Simulated) Broadcast(ctx context.Context, chain string, rawTx []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.broadcastErr != nil {
		return "", s.broadcastErr
	}
	digest := sha256.Sum256(rawTx)
	hash := "0x" + hex.EncodeToString(digest[:])
	s.broadcasts = append(s.broadcasts, hash)
	s.block++
	return hash, nil
}

// WaitConfirmations confirms instantly unless a failure was injected.
func (s *Simulated) WaitConfirmations(ctx context.Context, chain, txHash string, confirmations int) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.confirmErr != nil {
		return 0, s.confirmErr
	}
	return s.block, nil
}
