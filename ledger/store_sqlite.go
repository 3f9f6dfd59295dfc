package ledger

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	// The same pure-Go driver the journey store's gorm dialect is built on;
	// one registration of the "sqlite" driver name per binary.
	_ "github.com/glebarez/go-sqlite"
)

// SQLiteStore persists ledger entries and receipts.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the ledger database at path. Pass
// ":memory:" for an ephemeral test store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("ledger: sqlite path required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ledger: open sqlite: %w", err)
	}
	// The ledger serializes appends itself; a single connection keeps the
	// in-memory variant coherent.
	db.SetMaxOpenConns(1)
	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ledger_entries (
            seq INTEGER PRIMARY KEY AUTOINCREMENT,
            tx_id TEXT NOT NULL UNIQUE,
            mandate_id TEXT NOT NULL,
            from_wallet TEXT NOT NULL,
            to_wallet TEXT NOT NULL,
            amount TEXT NOT NULL,
            currency TEXT NOT NULL,
            chain TEXT NOT NULL,
            chain_tx_hash TEXT NOT NULL,
            audit_anchor TEXT NOT NULL,
            leaf_hash TEXT NOT NULL,
            created_at TIMESTAMP NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_entries_mandate ON ledger_entries(mandate_id);`,
		`CREATE TABLE IF NOT EXISTS ledger_receipts (
            receipt_id TEXT PRIMARY KEY,
            tx_id TEXT NOT NULL UNIQUE REFERENCES ledger_entries(tx_id),
            merkle_root TEXT NOT NULL,
            proof TEXT NOT NULL
        );`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("ledger: init schema: %w", err)
		}
	}
	return nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// InsertEntry writes the entry and its receipt in one transaction.
func (s *SQLiteStore) InsertEntry(ctx context.Context, entry Entry, receipt Receipt) error {
	proof, err := json.Marshal(receipt.Proof)
	if err != nil {
		return fmt.Errorf("ledger: encode proof: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ledger: begin append: %w", err)
	}
	defer tx.Rollback()
	const insertEntry = `INSERT INTO ledger_entries
        (tx_id, mandate_id, from_wallet, to_wallet, amount, currency, chain, chain_tx_hash, audit_anchor, leaf_hash, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, insertEntry,
		entry.TxID, entry.MandateID, entry.FromWallet, entry.ToWallet,
		entry.Amount, entry.Currency, entry.Chain, entry.ChainTxHash,
		entry.AuditAnchor, entry.LeafHash, entry.CreatedAt); err != nil {
		return fmt.Errorf("ledger: insert entry: %w", err)
	}
	const insertReceipt = `INSERT INTO ledger_receipts (receipt_id, tx_id, merkle_root, proof) VALUES (?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, insertReceipt,
		receipt.ReceiptID, receipt.TxID, receipt.MerkleRootAtEmit, string(proof)); err != nil {
		return fmt.Errorf("ledger: insert receipt: %w", err)
	}
	return tx.Commit()
}

// GetEntry loads the entry and its receipt, or nils when absent.
func (s *SQLiteStore) GetEntry(ctx context.Context, txID string) (*Entry, *Receipt, error) {
	const query = `SELECT e.tx_id, e.mandate_id, e.from_wallet, e.to_wallet, e.amount, e.currency,
        e.chain, e.chain_tx_hash, e.audit_anchor, e.leaf_hash, e.created_at,
        r.receipt_id, r.merkle_root, r.proof
        FROM ledger_entries e JOIN ledger_receipts r ON r.tx_id = e.tx_id
        WHERE e.tx_id = ?`
	row := s.db.QueryRowContext(ctx, query, txID)
	var entry Entry
	var receipt Receipt
	var proofJSON string
	err := row.Scan(&entry.TxID, &entry.MandateID, &entry.FromWallet, &entry.ToWallet,
		&entry.Amount, &entry.Currency, &entry.Chain, &entry.ChainTxHash,
		&entry.AuditAnchor, &entry.LeafHash, &entry.CreatedAt,
		&receipt.ReceiptID, &receipt.MerkleRootAtEmit, &proofJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("ledger: load entry: %w", err)
	}
	receipt.TxID = entry.TxID
	if err := json.Unmarshal([]byte(proofJSON), &receipt.Proof); err != nil {
		return nil, nil, fmt.Errorf("ledger: decode proof: %w", err)
	}
	return &entry, &receipt, nil
}

// ListEntries pages entries in append order, optionally filtered by wallet.
func (s *SQLiteStore) ListEntries(ctx context.Context, walletID string, limit, offset int) ([]Entry, error) {
	query := `SELECT tx_id, mandate_id, from_wallet, to_wallet, amount, currency,
        chain, chain_tx_hash, audit_anchor, leaf_hash, created_at FROM ledger_entries`
	args := []any{}
	if walletID = strings.TrimSpace(walletID); walletID != "" {
		query += ` WHERE from_wallet = ? OR to_wallet = ?`
		args = append(args, walletID, walletID)
	}
	query += ` ORDER BY seq LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: list entries: %w", err)
	}
	defer rows.Close()
	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var entry Entry
		if err := rows.Scan(&entry.TxID, &entry.MandateID, &entry.FromWallet, &entry.ToWallet,
			&entry.Amount, &entry.Currency, &entry.Chain, &entry.ChainTxHash,
			&entry.AuditAnchor, &entry.LeafHash, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("ledger: scan entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// LoadLeaves returns every leaf hash in append order.
func (s *SQLiteStore) LoadLeaves(ctx context.Context) ([][]byte, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT leaf_hash FROM ledger_entries ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("ledger: load leaves: %w", err)
	}
	defer rows.Close()
	leaves := make([][]byte, 0)
	for rows.Next() {
		var encoded string
		if err := rows.Scan(&encoded); err != nil {
			return nil, fmt.Errorf("ledger: scan leaf: %w", err)
		}
		leaf, err := hex.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("ledger: decode leaf: %w", err)
		}
		leaves = append(leaves, leaf)
	}
	return leaves, rows.Err()
}
