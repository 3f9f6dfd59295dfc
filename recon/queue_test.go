package recon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testEntry(mandateID string, created time.Time) Entry {
	return Entry{
		MandateID:   mandateID,
		ChainTxHash: "0x" + mandateID,
		Chain:       "base",
		FromWallet:  "agent:agent-1",
		ToWallet:    "0xDEST",
		AmountMinor: 5_000_000,
		Currency:    "USDC",
		Metadata:    Metadata{Subject: "agent-1", Domain: "merchant.example", Purpose: "payment"},
		CreatedAt:   created,
	}
}

func TestMemoryQueueLifecycle(t *testing.T) {
	q := NewMemoryQueue()
	now := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	q.SetClock(func() time.Time { return now })

	id, err := q.Enqueue(testEntry("m-1", time.Time{}))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	depth, _ := q.Depth()
	if depth != 1 {
		t.Fatalf("depth %d, want 1", depth)
	}

	pending, err := q.ListPending(10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != id || pending[0].Status != StatusPending {
		t.Fatalf("pending %+v", pending)
	}

	if err := q.MarkResolved(id); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	depth, _ = q.Depth()
	if depth != 0 {
		t.Fatalf("depth after resolve %d", depth)
	}
	if err := q.MarkResolved("missing"); err == nil {
		t.Fatal("unknown id resolved")
	}
}

func TestMemoryQueueListPendingSkipsFutureAttempts(t *testing.T) {
	q := NewMemoryQueue()
	now := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	q.SetClock(func() time.Time { return now })

	due := testEntry("m-due", time.Time{})
	id, _ := q.Enqueue(due)
	deferred := testEntry("m-later", time.Time{})
	deferred.NextAttempt = now.Add(time.Minute)
	if _, err := q.Enqueue(deferred); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	pending, _ := q.ListPending(10)
	if len(pending) != 1 || pending[0].ID != id {
		t.Fatalf("due entries %+v", pending)
	}

	now = now.Add(2 * time.Minute)
	pending, _ = q.ListPending(10)
	if len(pending) != 2 {
		t.Fatalf("entries after backoff elapsed %d, want 2", len(pending))
	}
}

func TestBoltQueuePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recon.db")
	q, err := OpenBolt(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	id, err := q.Enqueue(testEntry("m-1", time.Time{}))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	q, err = OpenBolt(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer q.Close()
	pending, err := q.ListPending(10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != id || pending[0].Metadata.Subject != "agent-1" {
		t.Fatalf("persisted entry %+v", pending)
	}

	if err := q.MarkFailed(id, "gave up"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	all, err := q.All()
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if len(all) != 1 || all[0].Status != StatusFailed || all[0].Error != "gave up" {
		t.Fatalf("failed entry %+v", all)
	}
}

func TestWorkerResolvesEntry(t *testing.T) {
	q := NewMemoryQueue()
	id, _ := q.Enqueue(testEntry("m-1", time.Time{}))

	resolved := make([]string, 0, 1)
	worker := NewWorker(q, func(_ context.Context, entry Entry) error {
		resolved = append(resolved, entry.MandateID)
		return nil
	}, nil, 5, slog.Default())

	if err := worker.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(resolved) != 1 || resolved[0] != "m-1" {
		t.Fatalf("resolved %v", resolved)
	}
	all, _ := q.All()
	if all[0].ID != id || all[0].Status != StatusResolved {
		t.Fatalf("entry %+v", all[0])
	}
}

func TestWorkerBacksOffExponentially(t *testing.T) {
	q := NewMemoryQueue()
	now := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	q.SetClock(func() time.Time { return now })
	if _, err := q.Enqueue(testEntry("m-1", time.Time{})); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	worker := NewWorker(q, func(context.Context, Entry) error {
		return fmt.Errorf("ledger still locked")
	}, nil, 5, slog.Default())
	worker.SetClock(func() time.Time { return now })

	if err := worker.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}
	all, _ := q.All()
	if all[0].Attempts != 1 {
		t.Fatalf("attempts %d", all[0].Attempts)
	}
	if got := all[0].NextAttempt; !got.Equal(now.Add(30 * time.Second)) {
		t.Fatalf("first backoff %v", got.Sub(now))
	}

	// Not due yet, so the next drain skips it.
	if err := worker.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}
	all, _ = q.All()
	if all[0].Attempts != 1 {
		t.Fatalf("entry retried before backoff: attempts %d", all[0].Attempts)
	}

	now = now.Add(31 * time.Second)
	if err := worker.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}
	all, _ = q.All()
	if all[0].Attempts != 2 {
		t.Fatalf("attempts %d, want 2", all[0].Attempts)
	}
	if got := all[0].NextAttempt; !got.Equal(now.Add(60 * time.Second)) {
		t.Fatalf("second backoff %v", got.Sub(now))
	}
}

func TestWorkerEscalatesAfterCeiling(t *testing.T) {
	q := NewMemoryQueue()
	now := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	q.SetClock(func() time.Time { return now })
	if _, err := q.Enqueue(testEntry("m-1", time.Time{})); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	var escalated []Entry
	worker := NewWorker(q, func(context.Context, Entry) error {
		return errors.New("ledger unavailable")
	}, func(entry Entry, reason string) error {
		entry.Error = reason
		escalated = append(escalated, entry)
		return nil
	}, 2, slog.Default())
	worker.SetClock(func() time.Time { return now })

	if err := worker.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}
	now = now.Add(time.Minute)
	if err := worker.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}

	if len(escalated) != 1 || escalated[0].MandateID != "m-1" {
		t.Fatalf("escalations %+v", escalated)
	}
	if !strings.Contains(escalated[0].Error, "exhausted after 2 attempts") {
		t.Fatalf("escalation reason %q", escalated[0].Error)
	}
	all, _ := q.All()
	if all[0].Status != StatusFailed {
		t.Fatalf("status %q", all[0].Status)
	}
	depth, _ := q.Depth()
	if depth != 0 {
		t.Fatalf("depth %d", depth)
	}
}

func TestExportCSVWindow(t *testing.T) {
	q := NewMemoryQueue()
	now := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	q.SetClock(func() time.Time { return now })
	if _, err := q.Enqueue(testEntry("m-in", time.Time{})); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	now = now.Add(48 * time.Hour)
	if _, err := q.Enqueue(testEntry("m-out", time.Time{})); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	var buf strings.Builder
	since := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)
	until := time.Date(2026, 2, 11, 0, 0, 0, 0, time.UTC)
	if err := ExportCSV(&buf, q, since, until); err != nil {
		t.Fatalf("export: %v", err)
	}
	report := buf.String()
	lines := strings.Split(strings.TrimSpace(report), "\n")
	if len(lines) != 2 {
		t.Fatalf("report rows %d: %q", len(lines), report)
	}
	if !strings.HasPrefix(lines[0], "id,mandate_id,chain") {
		t.Fatalf("header %q", lines[0])
	}
	if !strings.Contains(lines[1], "m-in") || !strings.Contains(lines[1], "agent-1") {
		t.Fatalf("row %q", lines[1])
	}
}
