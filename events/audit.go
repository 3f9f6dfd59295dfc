package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"agentpay/observability/metrics"
)

// DefaultAuditCapacity bounds the in-memory audit ring.
const DefaultAuditCapacity = 10_000

// AuditRecord is one immutable audit entry.
type AuditRecord struct {
	At      time.Time      `json:"at"`
	Kind    string         `json:"kind"`
	Subject string         `json:"subject"`
	Detail  map[string]any `json:"detail,omitempty"`
}

// AuditStore is a bounded ring of recent audit records with an optional
// durable sink. When the ring fills, the oldest record is evicted; a warning
// fires at 90% occupancy because evicted records are gone for good.
type AuditStore struct {
	mu       sync.Mutex
	ring     []AuditRecord
	start    int
	count    int
	capacity int
	warned   bool
	sink     *sqliteAuditSink
	logger   *slog.Logger
	clock    func() time.Time
}

// NewAuditStore constructs a ring with the given capacity (0 uses the
// default).
func NewAuditStore(capacity int, logger *slog.Logger) *AuditStore {
	if capacity <= 0 {
		capacity = DefaultAuditCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditStore{
		ring:     make([]AuditRecord, capacity),
		capacity: capacity,
		logger:   logger,
		clock:    time.Now,
	}
}

// SetClock overrides the time source for deterministic tests.
func (s *AuditStore) SetClock(clock func() time.Time) {
	if s == nil || clock == nil {
		return
	}
	s.clock = clock
}

// AttachSQLite adds a durable sink that mirrors every append.
func (s *AuditStore) AttachSQLite(path string) error {
	sink, err := newSQLiteAuditSink(path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.sink = sink
	s.mu.Unlock()
	return nil
}

// Append stores the record, evicting the oldest when full.
func (s *AuditStore) Append(record AuditRecord) {
	s.mu.Lock()
	if record.At.IsZero() {
		record.At = s.clock().UTC()
	}
	if s.count == s.capacity {
		s.start = (s.start + 1) % s.capacity
		s.count--
		metrics.Pipeline().RecordAuditDrop()
	}
	s.ring[(s.start+s.count)%s.capacity] = record
	s.count++
	warn := !s.warned && s.count*10 >= s.capacity*9
	if warn {
		s.warned = true
	}
	sink := s.sink
	s.mu.Unlock()

	if warn {
		s.logger.Warn("audit ring at 90% capacity; migrate to durable audit storage before records are evicted",
			slog.Int("capacity", s.capacity))
	}
	if sink != nil {
		if err := sink.insert(record); err != nil {
			s.logger.Error("durable audit append failed", slog.Any("error", err))
		}
	}
}

// AppendAsync appends without blocking the caller.
func (s *AuditStore) AppendAsync(record AuditRecord) {
	go s.Append(record)
}

// Recent returns up to limit most recent records, newest last.
func (s *AuditStore) Recent(limit int) []AuditRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > s.count {
		limit = s.count
	}
	records := make([]AuditRecord, 0, limit)
	for i := s.count - limit; i < s.count; i++ {
		records = append(records, s.ring[(s.start+i)%s.capacity])
	}
	return records
}

// Len returns the number of records currently held.
func (s *AuditStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Close releases the durable sink when attached.
func (s *AuditStore) Close() error {
	s.mu.Lock()
	sink := s.sink
	s.sink = nil
	s.mu.Unlock()
	if sink == nil {
		return nil
	}
	return sink.close()
}

type sqliteAuditSink struct {
	db *sql.DB
}

func newSQLiteAuditSink(path string) (*sqliteAuditSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("events: open audit db: %w", err)
	}
	db.SetMaxOpenConns(1)
	const schema = `CREATE TABLE IF NOT EXISTS audit_records (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        at TIMESTAMP NOT NULL,
        kind TEXT NOT NULL,
        subject TEXT NOT NULL,
        detail TEXT
    );`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("events: init audit schema: %w", err)
	}
	return &sqliteAuditSink{db: db}, nil
}

func (s *sqliteAuditSink) insert(record AuditRecord) error {
	detail, err := json.Marshal(record.Detail)
	if err != nil {
		return fmt.Errorf("events: encode audit detail: %w", err)
	}
	_, err = s.db.ExecContext(context.Background(),
		`INSERT INTO audit_records (at, kind, subject, detail) VALUES (?, ?, ?, ?)`,
		record.At, record.Kind, record.Subject, string(detail))
	return err
}

func (s *sqliteAuditSink) close() error { return s.db.Close() }
