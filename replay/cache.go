// Package replay maintains the durable set of consumed mandate identifiers.
// A mandate id is accepted at most once across the lifetime of the service;
// entries expire with their mandate so the set stays bounded.
package replay

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"agentpay/config"
	"agentpay/observability/logging"
)

// Cache is the consumed-mandate set. CheckAndStore returns true iff the id was
// previously unseen; PruneExpired drops entries past their mandate expiry.
type Cache interface {
	CheckAndStore(mandateID string, expiresAt time.Time) (bool, error)
	PruneExpired() (int, error)
	Close() error
}

// Open selects the backend for the configured environment. Production
// hard-requires the LevelDB backend; outside dev a missing path still opens a
// memory cache but logs the data-loss hazard as critical.
func Open(cfg config.ReplayConfig, env string, logger *slog.Logger) (Cache, error) {
	if path := strings.TrimSpace(cfg.Path); path != "" {
		return OpenLevelDB(path)
	}
	if env == config.EnvProduction {
		return nil, fmt.Errorf("replay: durable backend required in production")
	}
	if env != config.EnvDev {
		logging.Critical(logger, "replay cache running in memory; consumed mandates are lost on restart",
			slog.String("env", env))
	}
	return NewMemory(), nil
}

const expiryKeyPrefix = "expiry:"

// LevelDB is the durable replay cache.
type LevelDB struct {
	db *leveldb.DB
}

// OpenLevelDB opens (or creates) the replay database at path.
func OpenLevelDB(path string) (*LevelDB, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("replay: leveldb path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("replay: resolve path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("replay: open leveldb: %w", err)
	}
	return &LevelDB{db: db}, nil
}

// CheckAndStore records the mandate id if unseen. The write pairs the id key
// with an expiry-ordered index key so pruning can walk a bounded range.
func (c *LevelDB) CheckAndStore(mandateID string, expiresAt time.Time) (bool, error) {
	if c == nil || c.db == nil {
		return false, fmt.Errorf("replay: cache not configured")
	}
	id := strings.TrimSpace(mandateID)
	if id == "" {
		return false, fmt.Errorf("replay: mandate id required")
	}
	key := []byte("mandate:" + id)
	_, err := c.db.Get(key, nil)
	switch {
	case err == nil:
		return false, nil
	case errors.Is(err, leveldb.ErrNotFound):
	default:
		return false, fmt.Errorf("replay: load mandate: %w", err)
	}
	nanos := expiresAt.UTC().UnixNano()
	batch := new(leveldb.Batch)
	batch.Put(key, encodeNanos(nanos))
	batch.Put([]byte(expiryKey(nanos, id)), nil)
	if err := c.db.Write(batch, nil); err != nil {
		return false, fmt.Errorf("replay: record mandate: %w", err)
	}
	return true, nil
}

// PruneExpired removes entries whose mandate expiry has passed.
func (c *LevelDB) PruneExpired() (int, error) {
	if c == nil || c.db == nil {
		return 0, fmt.Errorf("replay: cache not configured")
	}
	cutoff := time.Now().UTC().UnixNano()
	iter := c.db.NewIterator(util.BytesPrefix([]byte(expiryKeyPrefix)), nil)
	defer iter.Release()

	batch := new(leveldb.Batch)
	pruned := 0
	for iter.Next() {
		key := append([]byte(nil), iter.Key()...)
		nanos, id, ok := parseExpiryKey(key)
		if !ok {
			continue
		}
		if nanos > cutoff {
			break
		}
		batch.Delete(key)
		batch.Delete([]byte("mandate:" + id))
		pruned++
	}
	if err := iter.Error(); err != nil {
		return 0, fmt.Errorf("replay: scan expiries: %w", err)
	}
	if pruned > 0 {
		if err := c.db.Write(batch, nil); err != nil {
			return 0, fmt.Errorf("replay: prune: %w", err)
		}
	}
	return pruned, nil
}

// Close releases the underlying LevelDB resources.
func (c *LevelDB) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

func encodeNanos(nanos int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(nanos))
	return buf
}

func expiryKey(nanos int64, id string) string {
	return fmt.Sprintf("%s%020d|%s", expiryKeyPrefix, nanos, id)
}

func parseExpiryKey(key []byte) (int64, string, bool) {
	raw := strings.TrimPrefix(string(key), expiryKeyPrefix)
	parts := strings.SplitN(raw, "|", 2)
	if len(parts) != 2 {
		return 0, "", false
	}
	var nanos int64
	if _, err := fmt.Sscanf(parts[0], "%d", &nanos); err != nil {
		return 0, "", false
	}
	return nanos, parts[1], true
}

// Memory is the development replay cache. Contents are lost on restart.
type Memory struct {
	mu      sync.Mutex
	entries map[string]time.Time
	clock   func() time.Time
}

// NewMemory constructs an empty in-memory cache.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]time.Time), clock: time.Now}
}

// SetClock overrides the time source for deterministic tests.
func (c *Memory) SetClock(clock func() time.Time) {
	if c == nil || clock == nil {
		return
	}
	c.clock = clock
}

// CheckAndStore records the mandate id if unseen.
func (c *Memory) CheckAndStore(mandateID string, expiresAt time.Time) (bool, error) {
	id := strings.TrimSpace(mandateID)
	if id == "" {
		return false, fmt.Errorf("replay: mandate id required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, seen := c.entries[id]; seen {
		return false, nil
	}
	c.entries[id] = expiresAt.UTC()
	return true, nil
}

// PruneExpired removes entries whose mandate expiry has passed.
func (c *Memory) PruneExpired() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock().UTC()
	pruned := 0
	for id, expiry := range c.entries {
		if !expiry.After(now) {
			delete(c.entries, id)
			pruned++
		}
	}
	return pruned, nil
}

// Close is a no-op for the memory cache.
func (c *Memory) Close() error { return nil }
