package model

import "math/big"

// SwapKind distinguishes the two swap event shapes.
type SwapKind int

const (
	// ReserveSwap carries separate in/out amounts per token slot.
	ReserveSwap SwapKind = iota + 1
	// DeltaSwap carries signed per-slot deltas from the pool's perspective.
	DeltaSwap
)

func (k SwapKind) String() string {
	switch k {
	case ReserveSwap:
		return "reserve"
	case DeltaSwap:
		return "delta"
	default:
		return "unknown"
	}
}

// ProtocolVersion identifies which event ABI produced a swap.
type ProtocolVersion string

const (
	ProtocolV2        ProtocolVersion = "v2"
	ProtocolV3        ProtocolVersion = "v3"
	ProtocolPancakeV3 ProtocolVersion = "pancake-v3"
)

// SwapEvent is a decoded pool swap. Exactly one of Reserve/Delta is set according to Kind.
type SwapEvent struct {
	Kind        SwapKind
	Version     ProtocolVersion
	Chain       string
	Pool        string
	TxHash      string
	LogIndex    uint
	BlockNumber uint64
	Sender      string
	Recipient   string
	Reserve     *ReserveAmounts
	Delta       *DeltaAmounts
}

// ReserveAmounts are the four unsigned amounts of a two-reserve swap.
type ReserveAmounts struct {
	Amount0In  *big.Int
	Amount1In  *big.Int
	Amount0Out *big.Int
	Amount1Out *big.Int
}

// DeltaAmounts are signed pool balance deltas; negative means paid out by the pool.
type DeltaAmounts struct {
	Amount0 *big.Int
	Amount1 *big.Int
}

// PoolSides is the token framing a pool subscription was attached with.
type PoolSides struct {
	Token0      string
	Token1      string
	TargetToken string
}

// TargetIsToken0 reports whether the tracked token sits in slot 0.
func (s PoolSides) TargetIsToken0() bool {
	return s.Token0 == s.TargetToken
}

// BaseToken returns the counter-asset address.
func (s PoolSides) BaseToken() string {
	if s.TargetIsToken0() {
		return s.Token1
	}
	return s.Token0
}

// BuyEvent is the canonical classifier output.
type BuyEvent struct {
	Chain       string
	Pool        string
	Sides       PoolSides
	BaseIn      *big.Int
	TargetOut   *big.Int
	Recipient   string
	Buyer       string
	TxHash      string
	LogIndex    uint
	BlockNumber uint64
}
