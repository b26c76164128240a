// Package config provides centralized configuration for the driftlock engine.
// ALL protocol parameters (chains, timeouts, confirmation depths, fees) MUST be
// defined here. No hardcoded values should exist elsewhere in the codebase.
package config

import (
	"math/big"
	"time"
)

// =============================================================================
// Chain Definitions
// =============================================================================

// Chain describes a ledger the engine can coordinate a swap leg on.
type Chain struct {
	ID                string        // e.g. "ETH", "BASE"
	Name              string        // e.g. "Ethereum"
	Decimals          uint8         // Decimal places of the smallest unit
	ConfirmationDepth uint64        // Blocks before an escrow event is treated as final
	BlockTime         time.Duration // Expected block interval, used for poll pacing
	MinAmount         uint64        // Minimum swap amount in smallest unit
	MaxAmount         uint64        // Maximum swap amount in smallest unit (0 = no limit)
}

// SupportedChains defines all ledgers the engine knows how to observe.
var SupportedChains = map[string]Chain{
	"ETH": {
		ID:                "ETH",
		Name:              "Ethereum",
		Decimals:          18,
		ConfirmationDepth: 6,
		BlockTime:         12 * time.Second,
		MinAmount:         1000000000000000, // 0.001 ETH
		MaxAmount:         0,
	},
	"BASE": {
		ID:                "BASE",
		Name:              "Base",
		Decimals:          18,
		ConfirmationDepth: 12,
		BlockTime:         2 * time.Second,
		MinAmount:         1000000000000000,
		MaxAmount:         0,
	},
	"ARBITRUM": {
		ID:                "ARBITRUM",
		Name:              "Arbitrum One",
		Decimals:          18,
		ConfirmationDepth: 20,
		BlockTime:         time.Second,
		MinAmount:         1000000000000000,
		MaxAmount:         0,
	},
	"POLYGON": {
		ID:                "POLYGON",
		Name:              "Polygon",
		Decimals:          18,
		ConfirmationDepth: 30,
		BlockTime:         2 * time.Second,
		MinAmount:         1000000000000000000, // 1 POL
		MaxAmount:         0,
	},
	"BSC": {
		ID:                "BSC",
		Name:              "BNB Smart Chain",
		Decimals:          18,
		ConfirmationDepth: 15,
		BlockTime:         3 * time.Second,
		MinAmount:         1000000000000000,
		MaxAmount:         0,
	},
	// SIM is the in-memory ledger used by tests and -sim mode.
	"SIM": {
		ID:                "SIM",
		Name:              "Simulated Ledger",
		Decimals:          8,
		ConfirmationDepth: 1,
		BlockTime:         time.Second,
		MinAmount:         1,
		MaxAmount:         0,
	},
	"SIM2": {
		ID:                "SIM2",
		Name:              "Simulated Ledger (destination)",
		Decimals:          8,
		ConfirmationDepth: 1,
		BlockTime:         time.Second,
		MinAmount:         1,
		MaxAmount:         0,
	},
}

// GetChain returns the chain definition for an ID.
func GetChain(id string) (Chain, bool) {
	c, ok := SupportedChains[id]
	return c, ok
}

// ValidPair reports whether a source/destination chain pair can be swapped.
func ValidPair(source, destination string) bool {
	if source == destination {
		return false
	}
	if _, ok := SupportedChains[source]; !ok {
		return false
	}
	_, ok := SupportedChains[destination]
	return ok
}

// =============================================================================
// Swap Parameters
// =============================================================================

// SwapConfig holds protocol timing and fee parameters.
//
// The source lock must always outlive the destination lock: the maker needs
// time to claim on the source side after the taker's claim reveals the secret.
type SwapConfig struct {
	SessionTTL     time.Duration // How long a created session may sit before expiring
	SourceLockTTL  time.Duration // Timelock placed on the source escrow
	DestLockTTL    time.Duration // Timelock placed on the destination escrow (shorter)
	SafetyMargin   time.Duration // Cancel this long before the destination lock's deadline
	ProtocolFeeBps uint64        // Protocol fee in basis points of the source amount
	NetworkFeeFlat uint64        // Flat per-leg network fee estimate in smallest units
}

// DefaultSwapConfig returns the default swap parameters.
func DefaultSwapConfig() SwapConfig {
	return SwapConfig{
		SessionTTL:     time.Hour,
		SourceLockTTL:  24 * time.Hour,
		DestLockTTL:    12 * time.Hour,
		SafetyMargin:   2 * time.Hour,
		ProtocolFeeBps: 30, // 0.30%
		NetworkFeeFlat: 0,
	}
}

// ProtocolFee computes the protocol fee for an amount at the given rate.
// Multiplication happens before the division so small amounts still pay
// their share; big.Int keeps the intermediate product from overflowing.
func ProtocolFee(amount, bps uint64) uint64 {
	fee := new(big.Int).Mul(new(big.Int).SetUint64(amount), new(big.Int).SetUint64(bps))
	return fee.Div(fee, big.NewInt(10000)).Uint64()
}
