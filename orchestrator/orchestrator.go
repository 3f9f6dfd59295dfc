// Package orchestrator binds the verification, policy, compliance, execution,
// and ledger stages into the single idempotent entry point for mandate chain
// execution.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"agentpay/compliance"
	"agentpay/events"
	"agentpay/executor"
	"agentpay/journey"
	"agentpay/ledger"
	"agentpay/observability/logging"
	"agentpay/observability/metrics"
	"agentpay/policy"
	"agentpay/protocol/ap2"
	"agentpay/recon"
)

// Terminal statuses for an execution result.
const (
	StatusSettled               = "settled"
	StatusFailed                = "failed"
	StatusReconciliationPending = "reconciliation_pending"
)

// PendingReconciliationTxID marks results whose ledger entry is deferred.
const PendingReconciliationTxID = "PENDING_RECONCILIATION"

// Pipeline phases, in execution order.
const (
	PhaseVerify     = "VERIFY"
	PhasePolicy     = "POLICY"
	PhaseCompliance = "COMPLIANCE"
	PhaseExecute    = "EXECUTE"
	PhaseLedger     = "LEDGER"
	PhaseComplete   = "COMPLETE"
)

// Result is the caller-visible outcome of one mandate chain execution.
type Result struct {
	Accepted    bool   `json:"accepted"`
	MandateID   string `json:"mandate_id"`
	ChainTxHash string `json:"chain_tx_hash,omitempty"`
	LedgerTxID  string `json:"ledger_tx_id,omitempty"`
	AuditAnchor string `json:"audit_anchor,omitempty"`
	Status      string `json:"status"`
	Reason      string `json:"reason,omitempty"`
	Provider    string `json:"provider,omitempty"`
	RuleID      string `json:"rule_id,omitempty"`
}

type inflight struct {
	done   chan struct{}
	result Result
}

// Orchestrator owns the execution pipeline. Exactly one dispatch runs per
// payment mandate id; concurrent callers with the same id await and share
// that dispatch's result. Once a result is terminal the entry is dropped and
// resubmissions are answered by the replay cache; only reconciliation-pending
// results stay memoized until the worker completes them.
type Orchestrator struct {
	verifier *ap2.Verifier
	policies *policy.Engine
	gate     *compliance.Gate
	exec     *executor.Executor
	ledger   *ledger.Ledger
	queue    recon.Queue
	journeys *journey.Store
	bus      *events.Bus
	audit    *events.AuditStore
	logger   *slog.Logger
	clock    func() time.Time

	mu       sync.Mutex
	inflight map[string]*inflight
}

// New wires the pipeline.
func New(verifier *ap2.Verifier, policies *policy.Engine, gate *compliance.Gate,
	exec *executor.Executor, led *ledger.Ledger, queue recon.Queue,
	journeys *journey.Store, bus *events.Bus, audit *events.AuditStore,
	logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		verifier: verifier,
		policies: policies,
		gate:     gate,
		exec:     exec,
		ledger:   led,
		queue:    queue,
		journeys: journeys,
		bus:      bus,
		audit:    audit,
		logger:   logger,
		clock:    time.Now,
		inflight: make(map[string]*inflight),
	}
}

// SetClock overrides the time source for deterministic tests.
func (o *Orchestrator) SetClock(clock func() time.Time) {
	if o == nil || clock == nil {
		return
	}
	o.clock = clock
}

func (o *Orchestrator) phase(phase, mandateID string, detail map[string]any) {
	if o.audit != nil {
		o.audit.Append(events.AuditRecord{
			Kind:    "pipeline." + strings.ToLower(phase),
			Subject: mandateID,
			Detail:  detail,
		})
	}
}

func (o *Orchestrator) emit(eventType string, data map[string]any) {
	if o.bus != nil {
		o.bus.Publish(eventType, data)
	}
}

// ExecuteChain runs the full pipeline for the bundle. The idempotency key is
// the payment mandate id: for any given key, at most one broadcast and at
// most one ledger entry ever result.
func (o *Orchestrator) ExecuteChain(ctx context.Context, bundle ap2.Bundle) (Result, error) {
	if bundle.Payment == nil || strings.TrimSpace(bundle.Payment.MandateID) == "" {
		return Result{
			Status: StatusFailed,
			Reason: ap2.InvalidPayloadReason("payment"),
		}, nil
	}
	key := strings.TrimSpace(bundle.Payment.MandateID)

	o.mu.Lock()
	if existing, ok := o.inflight[key]; ok {
		o.mu.Unlock()
		select {
		case <-existing.done:
			return existing.result, nil
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	entry := &inflight{done: make(chan struct{})}
	o.inflight[key] = entry
	o.mu.Unlock()

	started := o.clock()
	result := o.run(ctx, bundle.Payment, func() ap2.Result { return o.verifier.VerifyChain(bundle) })
	result.MandateID = key
	metrics.Pipeline().ObserveExecution(result.Status, o.clock().Sub(started))

	o.finish(key, entry, result)
	return result, nil
}

// ExecutePayment runs the pipeline for a single payment mandate without
// intent/cart linkage. Used by the simplified validation path; idempotency
// semantics match ExecuteChain.
func (o *Orchestrator) ExecutePayment(ctx context.Context, payment *ap2.Mandate) (Result, error) {
	if payment == nil || strings.TrimSpace(payment.MandateID) == "" {
		return Result{
			Status: StatusFailed,
			Reason: ap2.InvalidPayloadReason("payment"),
		}, nil
	}
	key := strings.TrimSpace(payment.MandateID)

	o.mu.Lock()
	if existing, ok := o.inflight[key]; ok {
		o.mu.Unlock()
		select {
		case <-existing.done:
			return existing.result, nil
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	entry := &inflight{done: make(chan struct{})}
	o.inflight[key] = entry
	o.mu.Unlock()

	started := o.clock()
	result := o.run(ctx, payment, func() ap2.Result { return o.verifier.Verify(payment) })
	result.MandateID = key
	metrics.Pipeline().ObserveExecution(result.Status, o.clock().Sub(started))

	o.finish(key, entry, result)
	return result, nil
}

// finish publishes the result to awaiting callers. Terminal results leave the
// inflight map: the consumed mandate id makes any resubmission fail closed as
// replay_detected, and the map stays bounded by in-progress work. A
// reconciliation-pending result is memoized until the worker resolves it so
// replays return it without a second broadcast.
func (o *Orchestrator) finish(key string, entry *inflight, result Result) {
	entry.result = result
	close(entry.done)
	if result.Status != StatusReconciliationPending {
		o.evict(key)
	}
}

func (o *Orchestrator) evict(key string) {
	o.mu.Lock()
	delete(o.inflight, key)
	o.mu.Unlock()
}

func (o *Orchestrator) run(ctx context.Context, payment *ap2.Mandate, verify func() ap2.Result) Result {
	mandateID := payment.MandateID

	// VERIFY
	verdict := verify()
	o.phase(PhaseVerify, mandateID, map[string]any{"reason": verdict.Reason})
	if !verdict.Accepted {
		o.emit("payment.rejected", map[string]any{"mandate_id": mandateID, "reason": verdict.Reason})
		return Result{Status: StatusFailed, Reason: verdict.Reason}
	}
	p := payment.Payment

	// POLICY
	ok, reason, err := o.policies.ValidateExecutionContext(payment.Subject, p.Destination, p.Chain, p.Token)
	if err == nil && ok {
		ok, reason, err = o.policies.ValidatePayment(payment.Subject,
			big.NewInt(p.AmountMinor), big.NewInt(p.FeeMinor), p.MerchantID)
	}
	if err != nil {
		o.phase(PhasePolicy, mandateID, map[string]any{"error": err.Error()})
		return Result{Status: StatusFailed, Reason: "policy_store_error"}
	}
	o.phase(PhasePolicy, mandateID, map[string]any{"reason": reason})
	if !ok {
		o.emit("policy.denied", map[string]any{"mandate_id": mandateID, "reason": reason})
		return Result{Status: StatusFailed, Reason: reason}
	}
	o.emit("policy.allowed", map[string]any{"mandate_id": mandateID})
	o.attestDecision(payment, reason)

	// COMPLIANCE: invoked exactly once per execution, here and nowhere else.
	decision := o.gate.Preflight(ctx, payment, "")
	o.phase(PhaseCompliance, mandateID, map[string]any{
		"reason": decision.Reason, "provider": decision.Provider,
	})
	if !decision.Passed {
		o.emit("compliance.blocked", map[string]any{
			"mandate_id": mandateID, "reason": decision.Reason,
			"provider": decision.Provider, "rule_id": decision.RuleID,
		})
		return Result{
			Status:   StatusFailed,
			Reason:   decision.Reason,
			Provider: decision.Provider,
			RuleID:   decision.RuleID,
		}
	}
	if decision.KYTReviewRequired {
		o.emit("compliance.review_required", map[string]any{
			"mandate_id": mandateID, "risk_level": decision.KYTRiskLevel,
		})
	}

	if _, err := o.journeys.Start("", mandateID, "stablecoin", ""); err != nil {
		o.logger.Error("journey not started", slog.String("mandate_id", mandateID), slog.Any("error", err))
	}

	// EXECUTE
	receipt, execErr := o.exec.Execute(ctx, payment)
	if execErr != nil {
		return o.handleExecutionFailure(payment, execErr)
	}
	o.phase(PhaseExecute, mandateID, map[string]any{"chain_tx_hash": receipt.TxHash})
	o.emit("execution.broadcast", map[string]any{"mandate_id": mandateID, "chain_tx_hash": receipt.TxHash})

	// Spend happened on-chain; a stale counter is logged critical by the
	// engine, but the settlement bookkeeping must still run, so the entry is
	// handed to reconciliation rather than abandoned.
	if err := o.policies.RecordSpend(payment.Subject, big.NewInt(p.AmountMinor)); err != nil {
		result := o.deferToReconciliation(payment, receipt, fmt.Errorf("record spend: %w", err))
		result.Reason = "spend_record_error"
		return result
	}

	// LEDGER
	entry, _, err := o.ledger.Append(ctx, payment, receipt, "agent:"+payment.Subject)
	if err != nil {
		return o.deferToReconciliation(payment, receipt, err)
	}
	o.phase(PhaseLedger, mandateID, map[string]any{"tx_id": entry.TxID, "anchor": entry.AuditAnchor})

	// COMPLETE
	if _, err := o.journeys.Transition(mandateID, journey.StateSettled, "system", "ledger append "+entry.TxID); err != nil {
		o.logger.Error("journey not settled", slog.String("mandate_id", mandateID), slog.Any("error", err))
	}
	metrics.Pipeline().RecordSettlement(entry.Chain, entry.Currency)
	o.phase(PhaseComplete, mandateID, map[string]any{"status": StatusSettled})
	o.emit("payment.settled", map[string]any{
		"mandate_id": mandateID, "tx_id": entry.TxID, "chain_tx_hash": entry.ChainTxHash,
	})
	return Result{
		Accepted:    true,
		ChainTxHash: entry.ChainTxHash,
		LedgerTxID:  entry.TxID,
		AuditAnchor: entry.AuditAnchor,
		Status:      StatusSettled,
	}
}

func (o *Orchestrator) attestDecision(payment *ap2.Mandate, decisionReason string) {
	pol, err := o.policies.GetPolicy(payment.Subject)
	if err != nil {
		return
	}
	contextHash, err := policy.HashJSON(map[string]any{
		"mandate_id":  payment.MandateID,
		"destination": payment.Payment.Destination,
		"chain":       payment.Payment.Chain,
		"token":       payment.Payment.Token,
		"amount":      payment.Payment.AmountMinor,
	})
	if err != nil {
		return
	}
	decisionHash, err := policy.HashJSON(map[string]any{"decision": decisionReason})
	if err != nil {
		return
	}
	receipt, err := policy.NewDecisionReceipt(pol, contextHash, decisionHash)
	if err != nil {
		return
	}
	if o.audit != nil {
		o.audit.Append(events.AuditRecord{
			Kind:    "policy.decision_receipt",
			Subject: payment.MandateID,
			Detail: map[string]any{
				"policy_hash":  receipt.PolicyHash,
				"audit_anchor": receipt.AuditAnchor,
			},
		})
	}
}

func (o *Orchestrator) handleExecutionFailure(payment *ap2.Mandate, execErr error) Result {
	mandateID := payment.MandateID
	var failure *executor.Failure
	if !errors.As(execErr, &failure) {
		o.phase(PhaseExecute, mandateID, map[string]any{"error": execErr.Error()})
		return Result{Status: StatusFailed, Reason: executor.FailBroadcast}
	}
	o.phase(PhaseExecute, mandateID, map[string]any{"failure": failure.Code})

	switch failure.Code {
	case executor.FailConfirmationTimeout:
		// Broadcast reached the chain; spend must be recorded and the
		// settlement completed by reconciliation. A spend-record failure is
		// surfaced but never blocks the reconciliation handoff.
		receipt := &executor.ChainReceipt{
			TxHash:      failure.TxHash,
			Chain:       payment.Payment.Chain,
			AuditAnchor: payment.Payment.AuditHash,
		}
		if err := o.policies.RecordSpend(payment.Subject, big.NewInt(payment.Payment.AmountMinor)); err != nil {
			result := o.deferToReconciliation(payment, receipt, fmt.Errorf("record spend: %w", err))
			result.Reason = "spend_record_error"
			return result
		}
		return o.deferToReconciliation(payment, receipt, failure)
	case executor.FailRevert:
		if _, err := o.journeys.Transition(mandateID, journey.StateFailed, "system", "transaction reverted"); err != nil {
			o.logger.Error("journey not failed", slog.String("mandate_id", mandateID), slog.Any("error", err))
		}
		o.emit("payment.failed", map[string]any{"mandate_id": mandateID, "reason": failure.Code})
		return Result{Status: StatusFailed, Reason: failure.Code, ChainTxHash: failure.TxHash}
	default:
		if _, err := o.journeys.Transition(mandateID, journey.StateFailed, "system", "broadcast failed"); err != nil {
			o.logger.Error("journey not failed", slog.String("mandate_id", mandateID), slog.Any("error", err))
		}
		o.emit("payment.failed", map[string]any{"mandate_id": mandateID, "reason": failure.Code})
		return Result{Status: StatusFailed, Reason: failure.Code}
	}
}

// deferToReconciliation memoizes the pending result and queues the entry so
// the background worker completes the bookkeeping. The broadcast already
// happened; replays of the mandate return this result without a second
// broadcast.
func (o *Orchestrator) deferToReconciliation(payment *ap2.Mandate, receipt *executor.ChainReceipt, cause error) Result {
	mandateID := payment.MandateID
	logging.Critical(o.logger, "ledger append deferred after successful broadcast",
		slog.String("mandate_id", mandateID),
		slog.String("chain_tx_hash", receipt.TxHash),
		slog.Any("error", cause))
	metrics.Pipeline().RecordCritical("ledger")

	entry := recon.Entry{
		MandateID:   mandateID,
		ChainTxHash: receipt.TxHash,
		Chain:       strings.ToLower(strings.TrimSpace(payment.Payment.Chain)),
		AuditAnchor: receipt.AuditAnchor,
		FromWallet:  "agent:" + payment.Subject,
		ToWallet:    payment.Payment.Destination,
		AmountMinor: payment.Payment.AmountMinor,
		Currency:    strings.ToUpper(strings.TrimSpace(payment.Payment.Token)),
		Error:       cause.Error(),
		Metadata: recon.Metadata{
			Subject: payment.Subject,
			Issuer:  payment.Issuer,
			Domain:  payment.Domain,
			Purpose: payment.Purpose,
		},
	}
	if _, err := o.queue.Enqueue(entry); err != nil {
		logging.Critical(o.logger, "reconciliation enqueue failed; settlement requires manual recovery",
			slog.String("mandate_id", mandateID), slog.Any("error", err))
		metrics.Pipeline().RecordCritical("recon")
	} else {
		metrics.Pipeline().RecordReconEnqueued()
	}
	o.emit("payment.reconciliation_pending", map[string]any{
		"mandate_id": mandateID, "chain_tx_hash": receipt.TxHash,
	})
	return Result{
		Accepted:    true,
		ChainTxHash: receipt.TxHash,
		LedgerTxID:  PendingReconciliationTxID,
		Status:      StatusReconciliationPending,
	}
}

// ResolvePending is the reconciliation worker's resolver: it reconstructs
// the ledger entry for a queued broadcast and settles the journey.
func (o *Orchestrator) ResolvePending(ctx context.Context, entry recon.Entry) error {
	payment := &ap2.Mandate{
		MandateID: entry.MandateID,
		Type:      ap2.TypePayment,
		Issuer:    entry.Metadata.Issuer,
		Subject:   entry.Metadata.Subject,
		Domain:    entry.Metadata.Domain,
		Purpose:   entry.Metadata.Purpose,
		Payment: &ap2.PaymentPayload{
			AmountMinor: entry.AmountMinor,
			Token:       entry.Currency,
			Chain:       entry.Chain,
			Destination: entry.ToWallet,
			AuditHash:   entry.AuditAnchor,
		},
	}
	receipt := &executor.ChainReceipt{
		TxHash:      entry.ChainTxHash,
		Chain:       entry.Chain,
		AuditAnchor: entry.AuditAnchor,
	}
	ledgerEntry, _, err := o.ledger.Append(ctx, payment, receipt, entry.FromWallet)
	if err != nil {
		return fmt.Errorf("orchestrator: reconcile %s: %w", entry.MandateID, err)
	}
	if _, err := o.journeys.Transition(entry.MandateID, journey.StateSettled, "reconciliation", "ledger append "+ledgerEntry.TxID); err != nil && !errors.Is(err, journey.ErrNotFound) {
		o.logger.Error("reconciled journey not settled",
			slog.String("mandate_id", entry.MandateID), slog.Any("error", err))
	}
	o.emit("payment.settled", map[string]any{
		"mandate_id": entry.MandateID, "tx_id": ledgerEntry.TxID, "chain_tx_hash": entry.ChainTxHash,
	})
	// The settlement is terminal now; replays go to the replay cache.
	o.evict(entry.MandateID)
	return nil
}

// EscalatePending is the reconciliation worker's escalator: the journey moves
// to manual review for operator recovery.
func (o *Orchestrator) EscalatePending(entry recon.Entry, reason string) error {
	_, err := o.journeys.EnqueueManualReview(entry.MandateID, reason)
	if errors.Is(err, journey.ErrNotFound) {
		if _, startErr := o.journeys.Start("", entry.MandateID, "stablecoin", entry.ChainTxHash); startErr != nil {
			return startErr
		}
		_, err = o.journeys.EnqueueManualReview(entry.MandateID, reason)
	}
	if err == nil {
		o.evict(entry.MandateID)
	}
	return err
}
