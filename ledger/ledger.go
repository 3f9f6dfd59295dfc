// Package ledger is the append-only, merkle-anchored system of record for
// executed payments.
package ledger

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentpay/executor"
	"agentpay/policy"
	"agentpay/protocol/ap2"
)

// AnchorPrefix prefixes every merkle-derived audit anchor.
const AnchorPrefix = "merkle::"

// Entry is one immutable ledger row. Amount is the token's canonical decimal
// string; it never passes through a binary float.
type Entry struct {
	TxID        string    `json:"tx_id"`
	MandateID   string    `json:"mandate_id"`
	FromWallet  string    `json:"from_wallet"`
	ToWallet    string    `json:"to_wallet"`
	Amount      string    `json:"amount"`
	Currency    string    `json:"currency"`
	Chain       string    `json:"chain"`
	ChainTxHash string    `json:"chain_tx_hash"`
	AuditAnchor string    `json:"audit_anchor"`
	LeafHash    string    `json:"merkle_leaf_hash"`
	CreatedAt   time.Time `json:"created_at"`
}

// Receipt is the verifiable proof emitted once per entry.
type Receipt struct {
	ReceiptID        string      `json:"receipt_id"`
	TxID             string      `json:"tx_id"`
	MerkleRootAtEmit string      `json:"merkle_root_at_emit"`
	Proof            []ProofStep `json:"merkle_proof"`
}

// VerifyResult is the outcome of verifying an entry against the tree.
type VerifyResult struct {
	Valid         bool            `json:"valid"`
	Anchor        string          `json:"anchor"`
	ReceiptID     string          `json:"receipt_id"`
	MerkleRoot    string          `json:"merkle_root"`
	CurrentRoot   string          `json:"current_root"`
	IsCurrentRoot bool            `json:"is_current_root"`
	Checks        map[string]bool `json:"checks"`
}

// Store persists entries and receipts. LoadLeaves returns leaf hashes in
// append order so the tree can be rebuilt at startup.
type Store interface {
	InsertEntry(ctx context.Context, entry Entry, receipt Receipt) error
	GetEntry(ctx context.Context, txID string) (*Entry, *Receipt, error)
	ListEntries(ctx context.Context, walletID string, limit, offset int) ([]Entry, error)
	LoadLeaves(ctx context.Context) ([][]byte, error)
	Close() error
}

// Ledger owns the merkle tree and serializes appends behind an exclusive
// lock; the root only ever grows.
type Ledger struct {
	mu     sync.Mutex
	store  Store
	leaves [][]byte
	clock  func() time.Time
}

// Open rebuilds the ledger tree from the store.
func Open(ctx context.Context, store Store) (*Ledger, error) {
	leaves, err := store.LoadLeaves(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger: load leaves: %w", err)
	}
	return &Ledger{store: store, leaves: leaves, clock: time.Now}, nil
}

// SetClock overrides the time source for deterministic tests.
func (l *Ledger) SetClock(clock func() time.Time) {
	if l == nil || clock == nil {
		return
	}
	l.clock = clock
}

// canonicalPayload is the byte string hashed into the entry's leaf.
func canonicalPayload(e Entry) []byte {
	return []byte(strings.Join([]string{
		e.TxID,
		e.MandateID,
		e.FromWallet,
		e.ToWallet,
		e.Amount,
		e.Currency,
		e.Chain,
		e.ChainTxHash,
	}, "|"))
}

// Append records one executed payment and emits its receipt. The write is
// atomic with respect to the tree: either both the row and the leaf land, or
// neither does.
func (l *Ledger) Append(ctx context.Context, payment *ap2.Mandate, receipt *executor.ChainReceipt, fromWallet string) (*Entry, *Receipt, error) {
	if payment == nil || payment.Payment == nil {
		return nil, nil, fmt.Errorf("ledger: payment mandate required")
	}
	if receipt == nil {
		return nil, nil, fmt.Errorf("ledger: chain receipt required")
	}
	amount, err := policy.FormatMinor(big.NewInt(payment.Payment.AmountMinor), payment.Payment.Token)
	if err != nil {
		return nil, nil, fmt.Errorf("ledger: normalise amount: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry := Entry{
		TxID:        uuid.NewString(),
		MandateID:   payment.MandateID,
		FromWallet:  strings.TrimSpace(fromWallet),
		ToWallet:    strings.TrimSpace(payment.Payment.Destination),
		Amount:      amount,
		Currency:    strings.ToUpper(strings.TrimSpace(payment.Payment.Token)),
		Chain:       strings.ToLower(strings.TrimSpace(receipt.Chain)),
		ChainTxHash: receipt.TxHash,
		CreatedAt:   l.clock().UTC(),
	}
	leaf := LeafHash(canonicalPayload(entry))
	entry.LeafHash = hex.EncodeToString(leaf)

	leaves := append(l.leaves, leaf)
	root := MerkleRoot(leaves)
	entry.AuditAnchor = AnchorPrefix + hex.EncodeToString(root)

	ledgerReceipt := Receipt{
		ReceiptID:        uuid.NewString(),
		TxID:             entry.TxID,
		MerkleRootAtEmit: hex.EncodeToString(root),
		Proof:            MerkleProof(leaves, len(leaves)-1),
	}
	if err := l.store.InsertEntry(ctx, entry, ledgerReceipt); err != nil {
		return nil, nil, fmt.Errorf("ledger: append %s: %w", entry.MandateID, err)
	}
	l.leaves = leaves
	return &entry, &ledgerReceipt, nil
}

// GetEntry returns the entry and receipt for txID, or nils when absent.
func (l *Ledger) GetEntry(ctx context.Context, txID string) (*Entry, *Receipt, error) {
	return l.store.GetEntry(ctx, txID)
}

// ListEntries pages entries, optionally filtered to a wallet.
func (l *Ledger) ListEntries(ctx context.Context, walletID string, limit, offset int) ([]Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return l.store.ListEntries(ctx, walletID, limit, offset)
}

// CurrentRoot returns the hex root over all appended leaves.
func (l *Ledger) CurrentRoot() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return hex.EncodeToString(MerkleRoot(l.leaves))
}

// Verify recomputes the entry's leaf and replays its receipt proof.
func (l *Ledger) Verify(ctx context.Context, txID string) (*VerifyResult, error) {
	entry, receipt, err := l.store.GetEntry(ctx, txID)
	if err != nil {
		return nil, err
	}
	if entry == nil || receipt == nil {
		return nil, fmt.Errorf("ledger: entry %s not found", txID)
	}
	checks := map[string]bool{
		"proof_present":        len(receipt.Proof) > 0 || receipt.MerkleRootAtEmit == entry.LeafHash,
		"leaf_matches_payload": false,
		"root_matches_chain":   false,
	}
	leaf := LeafHash(canonicalPayload(*entry))
	checks["leaf_matches_payload"] = hex.EncodeToString(leaf) == entry.LeafHash

	root, err := hex.DecodeString(receipt.MerkleRootAtEmit)
	if err == nil {
		checks["root_matches_chain"] = VerifyProof(leaf, receipt.Proof, root)
	}

	current := l.CurrentRoot()
	result := &VerifyResult{
		Anchor:        entry.AuditAnchor,
		ReceiptID:     receipt.ReceiptID,
		MerkleRoot:    receipt.MerkleRootAtEmit,
		CurrentRoot:   current,
		IsCurrentRoot: receipt.MerkleRootAtEmit == current,
		Checks:        checks,
	}
	result.Valid = checks["proof_present"] && checks["leaf_matches_payload"] && checks["root_matches_chain"]
	return result, nil
}
