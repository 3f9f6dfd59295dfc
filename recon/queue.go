// Package recon finalises payments whose on-chain broadcast succeeded but
// whose ledger append failed. Queued work survives restarts in production.
package recon

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"agentpay/config"
	"agentpay/observability/logging"
)

// Entry statuses.
const (
	StatusPending  = "pending"
	StatusResolved = "resolved"
	StatusFailed   = "failed"
)

// Metadata preserves the originating mandate's identity fields so the worker
// can reconstruct a full ledger entry.
type Metadata struct {
	Subject string `json:"subject"`
	Issuer  string `json:"issuer"`
	Domain  string `json:"domain"`
	Purpose string `json:"purpose"`
}

// Entry is one broadcast awaiting its ledger append.
type Entry struct {
	ID          string    `json:"id"`
	MandateID   string    `json:"mandate_id"`
	ChainTxHash string    `json:"chain_tx_hash"`
	Chain       string    `json:"chain"`
	AuditAnchor string    `json:"audit_anchor"`
	FromWallet  string    `json:"from_wallet"`
	ToWallet    string    `json:"to_wallet"`
	AmountMinor int64     `json:"amount_minor"`
	Currency    string    `json:"currency"`
	Error       string    `json:"error"`
	Metadata    Metadata  `json:"metadata"`
	Status      string    `json:"status"`
	Attempts    int       `json:"attempts"`
	NextAttempt time.Time `json:"next_attempt"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Queue is the durable store of pending reconciliations.
type Queue interface {
	Enqueue(entry Entry) (string, error)
	ListPending(limit int) ([]Entry, error)
	Update(entry Entry) error
	MarkResolved(id string) error
	MarkFailed(id, errMsg string) error
	Depth() (int, error)
	All() ([]Entry, error)
	Close() error
}

// Open selects the queue backend. Outside dev, a memory queue means queued
// settlements are lost on restart, which is logged critical.
func Open(cfg config.ReconConfig, env string, logger *slog.Logger) (Queue, error) {
	if path := strings.TrimSpace(cfg.Path); path != "" {
		return OpenBolt(path)
	}
	if env == config.EnvProduction {
		logging.Critical(logger, "reconciliation queue running in memory; queued settlements are lost on restart",
			slog.String("env", env))
	}
	return NewMemoryQueue(), nil
}

var queueBucket = []byte("recon_entries")

// BoltQueue is the bbolt-backed queue used in production.
type BoltQueue struct {
	db    *bolt.DB
	clock func() time.Time
}

// OpenBolt opens (or creates) the queue database at path.
func OpenBolt(path string) (*BoltQueue, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("recon: open bolt: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(queueBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("recon: init bucket: %w", err)
	}
	return &BoltQueue{db: db, clock: time.Now}, nil
}

// Close releases the database handle.
func (q *BoltQueue) Close() error { return q.db.Close() }

func (q *BoltQueue) put(tx *bolt.Tx, entry Entry) error {
	encoded, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("recon: encode entry: %w", err)
	}
	return tx.Bucket(queueBucket).Put([]byte(entry.ID), encoded)
}

// Enqueue stores the entry as pending and returns its id.
func (q *BoltQueue) Enqueue(entry Entry) (string, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	now := q.clock().UTC()
	entry.Status = StatusPending
	entry.CreatedAt = now
	entry.UpdatedAt = now
	if entry.NextAttempt.IsZero() {
		entry.NextAttempt = now
	}
	err := q.db.Update(func(tx *bolt.Tx) error { return q.put(tx, entry) })
	if err != nil {
		return "", err
	}
	return entry.ID, nil
}

// ListPending returns up to limit pending entries due for another attempt,
// oldest first.
func (q *BoltQueue) ListPending(limit int) ([]Entry, error) {
	now := q.clock().UTC()
	entries := make([]Entry, 0, limit)
	err := q.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(queueBucket).ForEach(func(_, v []byte) error {
			var entry Entry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("recon: decode entry: %w", err)
			}
			if entry.Status == StatusPending && !entry.NextAttempt.After(now) {
				entries = append(entries, entry)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].CreatedAt.Before(entries[j].CreatedAt) })
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// Update rewrites an entry, typically after a failed attempt.
func (q *BoltQueue) Update(entry Entry) error {
	entry.UpdatedAt = q.clock().UTC()
	return q.db.Update(func(tx *bolt.Tx) error { return q.put(tx, entry) })
}

func (q *BoltQueue) setStatus(id, status, errMsg string) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(queueBucket)
		raw := bucket.Get([]byte(id))
		if raw == nil {
			return fmt.Errorf("recon: entry %s not found", id)
		}
		var entry Entry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return fmt.Errorf("recon: decode entry: %w", err)
		}
		entry.Status = status
		if errMsg != "" {
			entry.Error = errMsg
		}
		entry.UpdatedAt = q.clock().UTC()
		return q.put(tx, entry)
	})
}

// MarkResolved finalises a successfully reconciled entry.
func (q *BoltQueue) MarkResolved(id string) error { return q.setStatus(id, StatusResolved, "") }

// MarkFailed records terminal failure after the retry ceiling.
func (q *BoltQueue) MarkFailed(id, errMsg string) error { return q.setStatus(id, StatusFailed, errMsg) }

// Depth counts pending entries.
func (q *BoltQueue) Depth() (int, error) {
	depth := 0
	err := q.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(queueBucket).ForEach(func(_, v []byte) error {
			var entry Entry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			if entry.Status == StatusPending {
				depth++
			}
			return nil
		})
	})
	return depth, err
}

// All returns every entry regardless of status, oldest first.
func (q *BoltQueue) All() ([]Entry, error) {
	entries := make([]Entry, 0)
	err := q.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(queueBucket).ForEach(func(_, v []byte) error {
			var entry Entry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			entries = append(entries, entry)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].CreatedAt.Before(entries[j].CreatedAt) })
	return entries, nil
}

// MemoryQueue is the in-memory queue for dev and tests.
type MemoryQueue struct {
	mu      sync.Mutex
	entries map[string]Entry
	clock   func() time.Time
}

// NewMemoryQueue constructs an empty queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{entries: make(map[string]Entry), clock: time.Now}
}

// SetClock overrides the time source for deterministic tests.
func (q *MemoryQueue) SetClock(clock func() time.Time) {
	if q == nil || clock == nil {
		return
	}
	q.clock = clock
}

// Enqueue stores the entry as pending and returns its id.
func (q *MemoryQueue) Enqueue(entry Entry) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	now := q.clock().UTC()
	entry.Status = StatusPending
	entry.CreatedAt = now
	entry.UpdatedAt = now
	if entry.NextAttempt.IsZero() {
		entry.NextAttempt = now
	}
	q.entries[entry.ID] = entry
	return entry.ID, nil
}

// ListPending returns up to limit due pending entries, oldest first.
func (q *MemoryQueue) ListPending(limit int) ([]Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.clock().UTC()
	entries := make([]Entry, 0)
	for _, entry := range q.entries {
		if entry.Status == StatusPending && !entry.NextAttempt.After(now) {
			entries = append(entries, entry)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].CreatedAt.Before(entries[j].CreatedAt) })
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// Update rewrites an entry.
func (q *MemoryQueue) Update(entry Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry.UpdatedAt = q.clock().UTC()
	q.entries[entry.ID] = entry
	return nil
}

func (q *MemoryQueue) setStatus(id, status, errMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, ok := q.entries[id]
	if !ok {
		return fmt.Errorf("recon: entry %s not found", id)
	}
	entry.Status = status
	if errMsg != "" {
		entry.Error = errMsg
	}
	entry.UpdatedAt = q.clock().UTC()
	q.entries[id] = entry
	return nil
}

// MarkResolved finalises a successfully reconciled entry.
func (q *MemoryQueue) MarkResolved(id string) error { return q.setStatus(id, StatusResolved, "") }

// MarkFailed records terminal failure after the retry ceiling.
func (q *MemoryQueue) MarkFailed(id, errMsg string) error {
	return q.setStatus(id, StatusFailed, errMsg)
}

// Depth counts pending entries.
func (q *MemoryQueue) Depth() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	depth := 0
	for _, entry := range q.entries {
		if entry.Status == StatusPending {
			depth++
		}
	}
	return depth, nil
}

// All returns every entry regardless of status, oldest first.
func (q *MemoryQueue) All() ([]Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	entries := make([]Entry, 0, len(q.entries))
	for _, entry := range q.entries {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].CreatedAt.Before(entries[j].CreatedAt) })
	return entries, nil
}

// Close is a no-op for the memory queue.
func (q *MemoryQueue) Close() error { return nil }
