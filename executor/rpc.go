package executor

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// confirmPollInterval is how often WaitConfirmations re-checks the chain.
const confirmPollInterval = 3 * time.Second

// RPCBroadcaster talks to one JSON-RPC endpoint per chain.
type RPCBroadcaster struct {
	clients map[string]*ethclient.Client
}

// NewRPCBroadcaster dials every configured endpoint. endpoints maps chain
// name to RPC URL.
func NewRPCBroadcaster(ctx context.Context, endpoints map[string]string) (*RPCBroadcaster, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("executor: no rpc endpoints configured")
	}
	clients := make(map[string]*ethclient.Client, len(endpoints))
	for chain, url := range endpoints {
		client, err := ethclient.DialContext(ctx, strings.TrimSpace(url))
		if err != nil {
			for _, c := range clients {
				c.Close()
			}
			return nil, fmt.Errorf("executor: dial %s: %w", chain, err)
		}
		clients[strings.ToLower(strings.TrimSpace(chain))] = client
	}
	return &RPCBroadcaster{clients: clients}, nil
}

// Close releases every client connection.
func (b *RPCBroadcaster) Close() {
	for _, client := range b.clients {
		client.Close()
	}
}

func (b *RPCBroadcaster) client(chain string) (*ethclient.Client, error) {
	client, ok := b.clients[strings.ToLower(strings.TrimSpace(chain))]
	if !ok {
		return nil, fmt.Errorf("%w: no endpoint for chain %q", ErrProviderUnavailable, chain)
	}
	return client, nil
}

// PendingNonce returns the sender's pending-pool nonce.
func (b *RPCBroadcaster) PendingNonce(ctx context.Context, chain, sender string) (uint64, error) {
	client, err := b.client(chain)
	if err != nil {
		return 0, err
	}
	nonce, err := client.PendingNonceAt(ctx, common.HexToAddress(sender))
	if err != nil {
		return 0, fmt.Errorf("%w: pending nonce: %v", ErrProviderUnavailable, err)
	}
	return nonce, nil
}

// SuggestGasFees derives an EIP-1559 tip and fee cap from the chain head.
func (b *RPCBroadcaster) SuggestGasFees(ctx context.Context, chain string) (*big.Int, *big.Int, error) {
	client, err := b.client(chain)
	if err != nil {
		return nil, nil, err
	}
	tip, err := client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: gas tip: %v", ErrProviderUnavailable, err)
	}
	head, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: chain head: %v", ErrProviderUnavailable, err)
	}
	// feeCap = 2*baseFee + tip tolerates a doubling before inclusion.
	feeCap := new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), tip)
	return tip, feeCap, nil
}

// Broadcast submits the raw signed transaction to the chain's mempool.
func (b *RPCBroadcaster) Broadcast(ctx context.Context, chain string, rawTx []byte) (string, error) {
	client, err := b.client(chain)
	if err != nil {
		return "", err
	}
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(rawTx); err != nil {
		return "", fmt.Errorf("executor: decode raw tx: %w", err)
	}
	if err := client.SendTransaction(ctx, tx); err != nil {
		return "", fmt.Errorf("%w: send: %v", ErrProviderUnavailable, err)
	}
	return tx.Hash().Hex(), nil
}

// WaitConfirmations polls until the transaction is mined with the required
// depth. A mined-but-reverted transaction returns ErrReverted.
func (b *RPCBroadcaster) WaitConfirmations(ctx context.Context, chain, txHash string, confirmations int) (uint64, error) {
	client, err := b.client(chain)
	if err != nil {
		return 0, err
	}
	hash := common.HexToHash(txHash)
	ticker := time.NewTicker(confirmPollInterval)
	defer ticker.Stop()
	for {
		receipt, err := client.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			if receipt.Status == types.ReceiptStatusFailed {
				return receipt.BlockNumber.Uint64(), ErrReverted
			}
			head, err := client.BlockNumber(ctx)
			if err == nil && head >= receipt.BlockNumber.Uint64()+uint64(confirmations)-1 {
				return receipt.BlockNumber.Uint64(), nil
			}
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
		}
	}
}
