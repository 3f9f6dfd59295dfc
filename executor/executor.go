// Package executor signs, broadcasts, and confirms settlement transactions
// for validated payment mandates.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"agentpay/observability/metrics"
	"agentpay/protocol/ap2"
)

// Failure codes in the executor taxonomy.
const (
	// FailBroadcast: the transaction never reached the mempool. The nonce is
	// released and the operation may be retried.
	FailBroadcast = "broadcast_failed"
	// FailConfirmationTimeout: broadcast succeeded but confirmations did not
	// arrive in time. The nonce is retained; reconciliation takes over.
	FailConfirmationTimeout = "confirmation_timeout"
	// FailRevert: the transaction was mined and reverted. Terminal; the nonce
	// is retained because the chain consumed it.
	FailRevert = "revert"
	// FailProviderUnavailable: the RPC provider is unreachable. Retryable
	// with backoff.
	FailProviderUnavailable = "provider_unavailable"
)

// Failure classifies an execution error. Broadcast reports whether the
// transaction reached the chain before the failure, which decides between
// retry and reconciliation upstream.
type Failure struct {
	Code      string
	TxHash    string
	Broadcast bool
	Err       error
}

// Error renders the failure code and cause.
func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("executor: %s: %v", f.Code, f.Err)
	}
	return "executor: " + f.Code
}

// Unwrap exposes the underlying cause.
func (f *Failure) Unwrap() error { return f.Err }

// Retryable reports whether the same mandate may be re-executed safely.
func (f *Failure) Retryable() bool {
	return f.Code == FailBroadcast || f.Code == FailProviderUnavailable
}

// ChainReceipt is the proof of a confirmed settlement.
type ChainReceipt struct {
	TxHash      string `json:"tx_hash"`
	Chain       string `json:"chain"`
	BlockNumber uint64 `json:"block_number"`
	AuditAnchor string `json:"audit_anchor"`
}

const erc20TransferGas = 90_000

// transferMethodID is the 4-byte selector of transfer(address,uint256).
var transferMethodID = []byte{0xa9, 0x05, 0x9c, 0xbb}

// Executor executes payment mandates on their target chain. It does not
// re-check policy or compliance; the orchestrator runs those gates exactly
// once before dispatch and the executor trusts its input.
type Executor struct {
	signer      Signer
	broadcaster Broadcaster
	nonces      *NonceAllocator
	tokens      map[string]map[string]common.Address
	sponsor     *SponsorCapGuard

	broadcastTimeout time.Duration
	confirmTimeout   time.Duration
	logger           *slog.Logger
}

// Option customises an Executor.
type Option func(*Executor)

// WithSponsorCaps installs the paymaster cap guard for smart-account flows.
func WithSponsorCaps(guard *SponsorCapGuard) Option {
	return func(e *Executor) { e.sponsor = guard }
}

// WithTimeouts overrides the broadcast and confirmation deadlines.
func WithTimeouts(broadcast, confirm time.Duration) Option {
	return func(e *Executor) {
		if broadcast > 0 {
			e.broadcastTimeout = broadcast
		}
		if confirm > 0 {
			e.confirmTimeout = confirm
		}
	}
}

// New constructs an Executor. tokens maps chain → token symbol → contract
// address for the ERC-20 rails the deployment settles on.
func New(signer Signer, broadcaster Broadcaster, tokens map[string]map[string]string, logger *slog.Logger, opts ...Option) (*Executor, error) {
	if signer == nil {
		return nil, fmt.Errorf("executor: signer required")
	}
	if broadcaster == nil {
		return nil, fmt.Errorf("executor: broadcaster required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	resolved := make(map[string]map[string]common.Address, len(tokens))
	for chain, byToken := range tokens {
		chainKey := strings.ToLower(strings.TrimSpace(chain))
		resolved[chainKey] = make(map[string]common.Address, len(byToken))
		for token, address := range byToken {
			if !common.IsHexAddress(address) {
				return nil, fmt.Errorf("executor: invalid contract for %s/%s: %q", chain, token, address)
			}
			resolved[chainKey][strings.ToUpper(strings.TrimSpace(token))] = common.HexToAddress(address)
		}
	}
	e := &Executor{
		signer:           signer,
		broadcaster:      broadcaster,
		nonces:           NewNonceAllocator(),
		tokens:           resolved,
		broadcastTimeout: 30 * time.Second,
		confirmTimeout:   5 * time.Minute,
		logger:           logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Nonces exposes the allocator for seeding from chain state at startup.
func (e *Executor) Nonces() *NonceAllocator { return e.nonces }

func (e *Executor) contract(chain, token string) (common.Address, error) {
	byToken, ok := e.tokens[strings.ToLower(strings.TrimSpace(chain))]
	if !ok {
		return common.Address{}, fmt.Errorf("executor: no contracts configured for chain %q", chain)
	}
	address, ok := byToken[strings.ToUpper(strings.TrimSpace(token))]
	if !ok {
		return common.Address{}, fmt.Errorf("executor: token %q not configured on chain %q", token, chain)
	}
	return address, nil
}

// Execute settles the payment mandate on its chain and blocks until the
// required confirmations arrive. The returned error, when non-nil, is a
// *Failure classifying the outcome.
func (e *Executor) Execute(ctx context.Context, payment *ap2.Mandate) (*ChainReceipt, error) {
	if payment == nil || payment.Payment == nil {
		return nil, fmt.Errorf("executor: payment mandate required")
	}
	p := payment.Payment
	chain := strings.ToLower(strings.TrimSpace(p.Chain))
	chainID := ChainID(chain)
	if chainID == 0 {
		return nil, fmt.Errorf("executor: unknown chain %q", p.Chain)
	}
	if !common.IsHexAddress(p.Destination) {
		return nil, fmt.Errorf("executor: invalid destination %q", p.Destination)
	}
	contract, err := e.contract(chain, p.Token)
	if err != nil {
		return nil, err
	}

	sender := e.signer.Address()
	lease, err := e.nonces.Reserve(chain, sender.Hex())
	if err != nil {
		return nil, err
	}

	tip, feeCap, err := e.broadcaster.SuggestGasFees(ctx, chain)
	if err != nil {
		lease.Release()
		return nil, &Failure{Code: FailProviderUnavailable, Err: err}
	}

	// Sponsored flows account the worst-case gas cost against the paymaster
	// caps before broadcast; the reservation is refunded on any path where
	// the transaction never reaches the mempool.
	sponsorCost := new(big.Int).Mul(feeCap, big.NewInt(erc20TransferGas))
	if e.sponsor != nil {
		if err := e.sponsor.Reserve(chain, sponsorCost); err != nil {
			lease.Release()
			return nil, err
		}
	}
	refundSponsor := func() {
		if e.sponsor != nil {
			e.sponsor.Release(chain, sponsorCost)
		}
	}

	calldata := buildTransferCalldata(common.HexToAddress(p.Destination), big.NewInt(p.AmountMinor))
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   big.NewInt(chainID),
		Nonce:     lease.Nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       erc20TransferGas,
		To:        &contract,
		Value:     big.NewInt(0),
		Data:      calldata,
	})
	signed, err := e.signer.SignTx(ctx, big.NewInt(chainID), tx)
	if err != nil {
		lease.Release()
		refundSponsor()
		return nil, &Failure{Code: FailBroadcast, Err: err}
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		lease.Release()
		refundSponsor()
		return nil, &Failure{Code: FailBroadcast, Err: err}
	}

	// Earlier nonces must reach the mempool first.
	if err := lease.AwaitTurn(ctx); err != nil {
		lease.Release()
		refundSponsor()
		return nil, &Failure{Code: FailBroadcast, Err: err}
	}

	broadcastCtx, cancel := context.WithTimeout(ctx, e.broadcastTimeout)
	txHash, err := e.broadcaster.Broadcast(broadcastCtx, chain, raw)
	cancel()
	if err != nil {
		lease.Release()
		refundSponsor()
		metrics.Pipeline().RecordBroadcast(chain, "failed")
		code := FailBroadcast
		if errors.Is(err, ErrProviderUnavailable) {
			code = FailProviderUnavailable
		}
		return nil, &Failure{Code: code, Err: err}
	}
	// The transaction reached the mempool. From here on the nonce is spoken
	// for; no failure path may release it.
	lease.Broadcasted()
	metrics.Pipeline().RecordBroadcast(chain, "ok")

	confirmations := RequiredConfirmations(chain)
	confirmCtx, cancel := context.WithTimeout(ctx, e.confirmTimeout)
	block, err := e.broadcaster.WaitConfirmations(confirmCtx, chain, txHash, confirmations)
	cancel()
	if err != nil {
		if errors.Is(err, ErrReverted) {
			return nil, &Failure{Code: FailRevert, TxHash: txHash, Broadcast: true, Err: err}
		}
		e.logger.Warn("confirmation wait failed",
			slog.String("chain", chain),
			slog.String("tx_hash", txHash),
			slog.Any("error", err))
		return nil, &Failure{Code: FailConfirmationTimeout, TxHash: txHash, Broadcast: true, Err: err}
	}

	return &ChainReceipt{
		TxHash:      txHash,
		Chain:       chain,
		BlockNumber: block,
		AuditAnchor: p.AuditHash,
	}, nil
}

func buildTransferCalldata(to common.Address, amount *big.Int) []byte {
	data := make([]byte, 0, 4+32+32)
	data = append(data, transferMethodID...)
	data = append(data, common.LeftPadBytes(to.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(amount.Bytes(), 32)...)
	return data
}
