package recon

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"agentpay/observability/metrics"
)

// Resolver attempts the deferred ledger append for one queued entry.
type Resolver func(ctx context.Context, entry Entry) error

// Escalator surfaces an entry for operator review after the retry ceiling.
type Escalator func(entry Entry, reason string) error

// Worker drains the queue on a fixed cadence, applying exponential backoff
// per entry and escalating to manual review once attempts are exhausted.
type Worker struct {
	queue       Queue
	resolve     Resolver
	escalate    Escalator
	maxAttempts int
	baseBackoff time.Duration
	batchSize   int
	logger      *slog.Logger
	clock       func() time.Time
}

// NewWorker constructs a worker. maxAttempts bounds retries before the entry
// is marked failed and escalated.
func NewWorker(queue Queue, resolve Resolver, escalate Escalator, maxAttempts int, logger *slog.Logger) *Worker {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		queue:       queue,
		resolve:     resolve,
		escalate:    escalate,
		maxAttempts: maxAttempts,
		baseBackoff: 30 * time.Second,
		batchSize:   50,
		logger:      logger,
		clock:       time.Now,
	}
}

// SetClock overrides the time source for deterministic tests.
func (w *Worker) SetClock(clock func() time.Time) {
	if w == nil || clock == nil {
		return
	}
	w.clock = clock
}

// Drain processes every due pending entry once. Scheduled every 60s.
func (w *Worker) Drain(ctx context.Context) error {
	entries, err := w.queue.ListPending(w.batchSize)
	if err != nil {
		return fmt.Errorf("recon: list pending: %w", err)
	}
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		w.process(ctx, entry)
	}
	if depth, err := w.queue.Depth(); err == nil {
		metrics.Pipeline().SetReconDepth(depth)
	}
	return nil
}

func (w *Worker) process(ctx context.Context, entry Entry) {
	err := w.resolve(ctx, entry)
	if err == nil {
		if markErr := w.queue.MarkResolved(entry.ID); markErr != nil {
			w.logger.Error("reconciled entry not marked resolved",
				slog.String("id", entry.ID), slog.Any("error", markErr))
			return
		}
		metrics.Pipeline().RecordReconResolved()
		w.logger.Info("reconciliation resolved",
			slog.String("mandate_id", entry.MandateID),
			slog.String("chain_tx_hash", entry.ChainTxHash))
		return
	}

	entry.Attempts++
	entry.Error = err.Error()
	if entry.Attempts >= w.maxAttempts {
		reason := fmt.Sprintf("reconciliation exhausted after %d attempts: %v", entry.Attempts, err)
		if markErr := w.queue.MarkFailed(entry.ID, reason); markErr != nil {
			w.logger.Error("exhausted entry not marked failed",
				slog.String("id", entry.ID), slog.Any("error", markErr))
		}
		if w.escalate != nil {
			if escErr := w.escalate(entry, reason); escErr != nil {
				w.logger.Error("manual review escalation failed",
					slog.String("mandate_id", entry.MandateID), slog.Any("error", escErr))
			}
		}
		w.logger.Warn("reconciliation escalated to manual review",
			slog.String("mandate_id", entry.MandateID),
			slog.Int("attempts", entry.Attempts))
		return
	}

	backoff := w.baseBackoff << (entry.Attempts - 1)
	entry.NextAttempt = w.clock().UTC().Add(backoff)
	if updateErr := w.queue.Update(entry); updateErr != nil {
		w.logger.Error("reconciliation backoff not persisted",
			slog.String("id", entry.ID), slog.Any("error", updateErr))
	}
	w.logger.Warn("reconciliation attempt failed",
		slog.String("mandate_id", entry.MandateID),
		slog.Int("attempts", entry.Attempts),
		slog.Duration("backoff", backoff),
		slog.Any("error", err))
}

// ExportCSV writes a reconciliation report for entries created inside the
// window, for operator consumption.
func ExportCSV(w io.Writer, queue Queue, since, until time.Time) error {
	entries, err := queue.All()
	if err != nil {
		return err
	}
	writer := csv.NewWriter(w)
	header := []string{"id", "mandate_id", "chain", "chain_tx_hash", "amount_minor", "currency",
		"subject", "status", "attempts", "error", "created_at", "updated_at"}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("recon: write report header: %w", err)
	}
	for _, entry := range entries {
		if entry.CreatedAt.Before(since) || (!until.IsZero() && entry.CreatedAt.After(until)) {
			continue
		}
		record := []string{
			entry.ID,
			entry.MandateID,
			entry.Chain,
			entry.ChainTxHash,
			strconv.FormatInt(entry.AmountMinor, 10),
			entry.Currency,
			entry.Metadata.Subject,
			entry.Status,
			strconv.Itoa(entry.Attempts),
			entry.Error,
			entry.CreatedAt.UTC().Format(time.RFC3339),
			entry.UpdatedAt.UTC().Format(time.RFC3339),
		}
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("recon: write report row: %w", err)
		}
	}
	writer.Flush()
	return writer.Error()
}
