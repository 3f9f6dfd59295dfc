package replay

import (
	"path/filepath"
	"testing"
	"time"
)

func TestMemoryCheckAndStore(t *testing.T) {
	cache := NewMemory()
	now := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	cache.SetClock(func() time.Time { return now })

	fresh, err := cache.CheckAndStore("m-1", now.Add(time.Hour))
	if err != nil || !fresh {
		t.Fatalf("first store: fresh=%v err=%v", fresh, err)
	}
	fresh, err = cache.CheckAndStore("m-1", now.Add(time.Hour))
	if err != nil || fresh {
		t.Fatalf("second store: fresh=%v err=%v", fresh, err)
	}
}

func TestMemoryPruneExpired(t *testing.T) {
	cache := NewMemory()
	now := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	cache.SetClock(func() time.Time { return now })

	if _, err := cache.CheckAndStore("old", now.Add(time.Minute)); err != nil {
		t.Fatalf("store: %v", err)
	}
	if _, err := cache.CheckAndStore("new", now.Add(time.Hour)); err != nil {
		t.Fatalf("store: %v", err)
	}

	now = now.Add(10 * time.Minute)
	pruned, err := cache.PruneExpired()
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("pruned %d, want 1", pruned)
	}
	// The pruned id becomes usable again; the live one stays blocked.
	if fresh, _ := cache.CheckAndStore("old", now.Add(time.Hour)); !fresh {
		t.Fatal("pruned mandate id still blocked")
	}
	if fresh, _ := cache.CheckAndStore("new", now.Add(time.Hour)); fresh {
		t.Fatal("unexpired mandate id not blocked")
	}
}

func TestLevelDBCheckAndStore(t *testing.T) {
	cache, err := OpenLevelDB(filepath.Join(t.TempDir(), "replay"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer cache.Close()

	expiry := time.Now().Add(time.Hour)
	fresh, err := cache.CheckAndStore("m-1", expiry)
	if err != nil || !fresh {
		t.Fatalf("first store: fresh=%v err=%v", fresh, err)
	}
	fresh, err = cache.CheckAndStore("m-1", expiry)
	if err != nil || fresh {
		t.Fatalf("second store: fresh=%v err=%v", fresh, err)
	}
	fresh, err = cache.CheckAndStore("m-2", expiry)
	if err != nil || !fresh {
		t.Fatalf("distinct id: fresh=%v err=%v", fresh, err)
	}
}

func TestLevelDBPruneExpired(t *testing.T) {
	cache, err := OpenLevelDB(filepath.Join(t.TempDir(), "replay"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer cache.Close()

	if _, err := cache.CheckAndStore("stale", time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("store: %v", err)
	}
	if _, err := cache.CheckAndStore("live", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("store: %v", err)
	}
	pruned, err := cache.PruneExpired()
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("pruned %d, want 1", pruned)
	}
	if fresh, _ := cache.CheckAndStore("stale", time.Now().Add(time.Hour)); !fresh {
		t.Fatal("pruned mandate id still blocked")
	}
	if fresh, _ := cache.CheckAndStore("live", time.Now().Add(time.Hour)); fresh {
		t.Fatal("live mandate id not blocked")
	}
}
