package executor

import "strings"

// defaultConfirmations is the fallback for chains absent from the table.
const defaultConfirmations = 12

// confirmationTable maps chains to the block confirmations required before a
// settlement is treated as final. Testnets match their mainnets and the bare
// testnet names alias their qualified forms. The table is immutable; zero
// confirmations are never valid.
var confirmationTable = map[string]int{
	"ethereum":         12,
	"ethereum_sepolia": 12,
	"sepolia":          12,
	"polygon":          10,
	"polygon_amoy":     10,
	"amoy":             10,
	"base":             3,
	"base_sepolia":     3,
	"arbitrum":         3,
	"arbitrum_sepolia": 3,
	"optimism":         3,
	"optimism_sepolia": 3,
}

// chainIDs maps chains to their EVM chain ids for transaction signing.
var chainIDs = map[string]int64{
	"ethereum":         1,
	"ethereum_sepolia": 11155111,
	"sepolia":          11155111,
	"polygon":          137,
	"polygon_amoy":     80002,
	"amoy":             80002,
	"base":             8453,
	"base_sepolia":     84532,
	"arbitrum":         42161,
	"arbitrum_sepolia": 421614,
	"optimism":         10,
	"optimism_sepolia": 11155420,
}

// RequiredConfirmations returns the confirmation count for the chain. Lookup
// is case-insensitive; unknown chains use the conservative default.
func RequiredConfirmations(chain string) int {
	if count, ok := confirmationTable[strings.ToLower(strings.TrimSpace(chain))]; ok {
		return count
	}
	return defaultConfirmations
}

// ChainID returns the EVM chain id for the chain, or 0 when unknown.
func ChainID(chain string) int64 {
	return chainIDs[strings.ToLower(strings.TrimSpace(chain))]
}
