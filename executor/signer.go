package executor

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Signer produces signed transactions for a single sending account.
type Signer interface {
	// Address returns the sender address transactions are signed from.
	Address() common.Address
	// SignTx signs the transaction for the given chain id.
	SignTx(ctx context.Context, chainID *big.Int, tx *types.Transaction) (*types.Transaction, error)
}

// NewLocalSigner parses a hex-encoded secp256k1 private key. When the
// environment is production it logs a warning: local key custody is not an
// acceptable production posture.
func NewLocalSigner(privateKeyHex string, production bool, logger *slog.Logger) (Signer, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x")
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("executor: invalid signer key hex: %w", err)
	}
	key, err := ethcrypto.ToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("executor: parse signer key: %w", err)
	}
	if production {
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("local signer active in production; migrate to an MPC signer")
	}
	return &ecdsaSigner{key: key, address: ethcrypto.PubkeyToAddress(key.PublicKey)}, nil
}

// ecdsaSigner signs with an in-process secp256k1 key. Intended for dev and
// simulated execution only.
type ecdsaSigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// Address returns the sender address.
func (s *ecdsaSigner) Address() common.Address { return s.address }

// SignTx signs with the latest signer for the chain id.
func (s *ecdsaSigner) SignTx(ctx context.Context, chainID *big.Int, tx *types.Transaction) (*types.Transaction, error) {
	signer := types.LatestSignerForChainID(chainID)
	signed, err := types.SignTx(tx, signer, s.key)
	if err != nil {
		return nil, fmt.Errorf("executor: sign tx: %w", err)
	}
	return signed, nil
}

// MPCSigner delegates signing to a remote MPC custody service (Turnkey or
// Fireblocks shaped). The service returns the fully signed raw transaction.
type MPCSigner struct {
	endpoint string
	apiKey   string
	address  common.Address
	client   *http.Client
}

// NewMPCSigner constructs the remote signer client.
func NewMPCSigner(endpoint, apiKey, address string) (*MPCSigner, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("executor: mpc endpoint required")
	}
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("executor: invalid mpc sender address %q", address)
	}
	return &MPCSigner{
		endpoint: endpoint,
		apiKey:   apiKey,
		address:  common.HexToAddress(address),
		client:   &http.Client{Timeout: 15 * time.Second},
	}, nil
}

// Address returns the custody account address.
func (s *MPCSigner) Address() common.Address { return s.address }

type mpcSignRequest struct {
	ChainID string `json:"chain_id"`
	Sender  string `json:"sender"`
	RawTx   string `json:"unsigned_tx"`
}

type mpcSignResponse struct {
	SignedTx string `json:"signed_tx"`
	Error    string `json:"error,omitempty"`
}

// SignTx posts the unsigned transaction to the custody service and decodes
// the signed result.
func (s *MPCSigner) SignTx(ctx context.Context, chainID *big.Int, tx *types.Transaction) (*types.Transaction, error) {
	unsigned, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("executor: encode unsigned tx: %w", err)
	}
	body, err := json.Marshal(mpcSignRequest{
		ChainID: chainID.String(),
		Sender:  s.address.Hex(),
		RawTx:   hexutil.Encode(unsigned),
	})
	if err != nil {
		return nil, fmt.Errorf("executor: encode sign request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint+"/v1/sign", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("executor: build sign request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executor: mpc sign: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("executor: mpc sign: status %d", resp.StatusCode)
	}
	var decoded mpcSignResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("executor: decode sign response: %w", err)
	}
	if decoded.Error != "" {
		return nil, fmt.Errorf("executor: mpc sign: %s", decoded.Error)
	}
	raw, err := hexutil.Decode(decoded.SignedTx)
	if err != nil {
		return nil, fmt.Errorf("executor: decode signed tx: %w", err)
	}
	signed := new(types.Transaction)
	if err := signed.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("executor: parse signed tx: %w", err)
	}
	return signed, nil
}
