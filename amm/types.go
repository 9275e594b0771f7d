// Package amm holds the pool model for the concentrated-liquidity engine:
// pool keys and identifiers, per-pool price/liquidity state, liquidity
// positions, and the parameter/result types shared by the calculator and the
// engine.
package amm

import (
	"encoding/binary"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/zeebo/blake3"

	"github.com/rangeledger/rangeledger-core-go/currency"
)

// PoolID uniquely identifies a pool; derived from the PoolKey.
type PoolID [32]byte

// CurveKind selects the liquidity curve of a pool.
type CurveKind uint8

const (
	// CurveConcentrated is the standard tick-ranged liquidity curve.
	CurveConcentrated CurveKind = iota
	// CurveFullRange pins every position to the pool's full usable range,
	// collapsing fee accounting to the global accumulators.
	CurveFullRange
)

// Fee rates are expressed in parts per million of the input amount.
const (
	FeeDenominator uint64 = 1_000_000
	MaxFee         uint64 = 100_000 // 10%
)

// PoolKey identifies a pool by its immutable parameters.
// Currency0 must sort before Currency1.
type PoolKey struct {
	Currency0   currency.Currency `json:"currency0"`
	Currency1   currency.Currency `json:"currency1"`
	Fee         uint64            `json:"fee"`
	TickSpacing int32             `json:"tickSpacing"`
	Curve       CurveKind         `json:"curve"`
	Policy      common.Address    `json:"policy"` // policy hook module, zero = none
}

// ID computes the pool identifier as a BLAKE3 hash of the key fields.
func (k PoolKey) ID() PoolID {
	h := blake3.New()
	h.Write(k.Currency0.Address.Bytes())
	h.Write(k.Currency1.Address.Bytes())

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], k.Fee)
	h.Write(buf[:])
	binary.BigEndian.PutUint32(buf[:4], uint32(k.TickSpacing))
	h.Write(buf[:4])
	h.Write([]byte{byte(k.Curve)})
	h.Write(k.Policy.Bytes())

	var id PoolID
	h.Digest().Read(id[:])
	return id
}

// HasPolicy reports whether the pool references a policy hook module.
func (k PoolKey) HasPolicy() bool {
	return k.Policy != (common.Address{})
}

// PoolState is the mutable per-pool state: current price as a Q64.96 sqrt
// ratio, the corresponding tick, the liquidity active at that tick, and the
// global fee-growth accumulators.
//
// The fee-growth accumulators are Q128.128 ring counters: they wrap modulo
// 2^256 by design, and only differences of two readings are meaningful.
type PoolState struct {
	SqrtPriceX96         *big.Int     `json:"sqrtPriceX96"`
	Tick                 int32        `json:"tick"`
	Liquidity            *big.Int     `json:"liquidity"`
	FeeGrowthGlobal0X128 *uint256.Int `json:"feeGrowthGlobal0X128"`
	FeeGrowthGlobal1X128 *uint256.Int `json:"feeGrowthGlobal1X128"`
}

// NewPoolState returns a zeroed pool state.
func NewPoolState() *PoolState {
	return &PoolState{
		SqrtPriceX96:         new(big.Int),
		Liquidity:            new(big.Int),
		FeeGrowthGlobal0X128: new(uint256.Int),
		FeeGrowthGlobal1X128: new(uint256.Int),
	}
}

// Position is a single liquidity position, keyed by (owner, range, salt).
// The checkpoint fields record the fee-growth-inside reading at the last
// update; newly accrued fees are always a difference against them.
type Position struct {
	Owner                    common.Address `json:"owner"`
	TickLower                int32          `json:"tickLower"`
	TickUpper                int32          `json:"tickUpper"`
	Salt                     [32]byte       `json:"salt"`
	Liquidity                *big.Int       `json:"liquidity"`
	FeeGrowthInside0LastX128 *uint256.Int   `json:"feeGrowthInside0LastX128"`
	FeeGrowthInside1LastX128 *uint256.Int   `json:"feeGrowthInside1LastX128"`
}

// NewPosition returns an empty position for the given key fields.
func NewPosition(owner common.Address, tickLower, tickUpper int32, salt [32]byte) *Position {
	return &Position{
		Owner:                    owner,
		TickLower:                tickLower,
		TickUpper:                tickUpper,
		Salt:                     salt,
		Liquidity:                new(big.Int),
		FeeGrowthInside0LastX128: new(uint256.Int),
		FeeGrowthInside1LastX128: new(uint256.Int),
	}
}

// PositionKey computes the storage key of a position.
func PositionKey(owner common.Address, tickLower, tickUpper int32, salt [32]byte) [32]byte {
	h := blake3.New()
	h.Write(owner.Bytes())

	var ticks [8]byte
	binary.BigEndian.PutUint32(ticks[:4], uint32(tickLower))
	binary.BigEndian.PutUint32(ticks[4:], uint32(tickUpper))
	h.Write(ticks[:])
	h.Write(salt[:])

	var key [32]byte
	h.Digest().Read(key[:])
	return key
}

// SwapParams describes one swap.
//
// AmountSpecified is signed: positive means an exact input amount, negative
// an exact output amount. SpecifiedIsToken1 selects which of the pair the
// amount refers to. SkipAhead is a search-window hint for the tick bitmap
// walk, in 64-tick words beyond the first; zero is always correct.
type SwapParams struct {
	AmountSpecified   *big.Int
	SpecifiedIsToken1 bool
	SqrtPriceLimitX96 *big.Int
	SkipAhead         uint32
}

// ExactInput reports whether the specified amount is an input amount.
func (p SwapParams) ExactInput() bool {
	return p.AmountSpecified.Sign() > 0
}

// ZeroForOne reports the swap direction: true when token0 is sold for token1
// (price moves down).
func (p SwapParams) ZeroForOne() bool {
	return p.SpecifiedIsToken1 != p.ExactInput()
}

// ModifyPositionParams describes a liquidity change on a position.
// LiquidityDelta is signed: positive adds, negative removes.
type ModifyPositionParams struct {
	Owner          common.Address
	TickLower      int32
	TickUpper      int32
	LiquidityDelta *big.Int
	Salt           [32]byte
}

// BalanceDelta is the net pair amounts of an operation.
// Positive means the caller owes the pool; negative, the pool owes the caller.
type BalanceDelta struct {
	Amount0 *big.Int `json:"amount0"`
	Amount1 *big.Int `json:"amount1"`
}

// NewBalanceDelta copies the given amounts into a BalanceDelta.
func NewBalanceDelta(amount0, amount1 *big.Int) BalanceDelta {
	return BalanceDelta{
		Amount0: new(big.Int).Set(amount0),
		Amount1: new(big.Int).Set(amount1),
	}
}

// ZeroBalanceDelta returns a zero-valued delta.
func ZeroBalanceDelta() BalanceDelta {
	return BalanceDelta{Amount0: new(big.Int), Amount1: new(big.Int)}
}

// Add returns the component-wise sum of two deltas.
func (d BalanceDelta) Add(other BalanceDelta) BalanceDelta {
	return BalanceDelta{
		Amount0: new(big.Int).Add(d.Amount0, other.Amount0),
		Amount1: new(big.Int).Add(d.Amount1, other.Amount1),
	}
}

// IsZero reports whether both components are zero.
func (d BalanceDelta) IsZero() bool {
	return d.Amount0.Sign() == 0 && d.Amount1.Sign() == 0
}

var (
	ErrPoolAlreadyInitialized = errors.New("pool already initialized")
	ErrPoolNotInitialized     = errors.New("pool not initialized")
	ErrPoolNotFound           = errors.New("pool not found")
	ErrCurrencyNotSorted      = errors.New("currencies not in canonical order")
	ErrInvalidFee             = errors.New("fee exceeds maximum")
	ErrInvalidTickSpacing     = errors.New("tick spacing must be positive")
	ErrInvalidSqrtPrice       = errors.New("sqrt price out of bounds")
	ErrInvalidTickRange       = errors.New("invalid tick range")
	ErrRangeNotAligned        = errors.New("tick range not aligned to spacing")
	ErrTickLiquidityOverflow  = errors.New("per-tick liquidity maximum exceeded")
	ErrLiquidityUnderflow     = errors.New("position liquidity underflow")
	ErrFeeOverflow            = errors.New("fee amount exceeds uint128")
	ErrAmountOverflow         = errors.New("amount exceeds uint128")
	ErrNoLiquidity            = errors.New("no active liquidity")
)

var (
	// Q96 is the Q64.96 fixed-point scale.
	Q96 = new(big.Int).Lsh(big.NewInt(1), 96)
	// Q128 is the Q128.128 fixed-point scale used by fee-growth accumulators.
	Q128 = new(uint256.Int).Lsh(uint256.NewInt(1), 128)

	// MaxUint128 bounds liquidity magnitudes and settled fee amounts.
	MaxUint128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))
)

// MinUsableTick returns the lowest tick aligned to the given spacing.
func MinUsableTick(tickSpacing int32) int32 {
	return (MinTick / tickSpacing) * tickSpacing
}

// MaxUsableTick returns the highest tick aligned to the given spacing.
func MaxUsableTick(tickSpacing int32) int32 {
	return (MaxTick / tickSpacing) * tickSpacing
}

// MaxLiquidityPerTick returns the per-tick gross liquidity bound for a
// spacing, distributing the uint128 budget over every usable tick.
func MaxLiquidityPerTick(tickSpacing int32) *big.Int {
	numTicks := int64((MaxUsableTick(tickSpacing)-MinUsableTick(tickSpacing))/tickSpacing) + 1
	return new(big.Int).Div(MaxUint128, big.NewInt(numTicks))
}

// Tick bounds, shared with the calculator's tickmath package.
const (
	MinTick int32 = -887272
	MaxTick int32 = 887272
)

// CheckRange validates a position range against the pool's spacing and curve.
func (k PoolKey) CheckRange(tickLower, tickUpper int32) error {
	if tickLower >= tickUpper {
		return ErrInvalidTickRange
	}
	if tickLower < MinTick || tickUpper > MaxTick {
		return ErrInvalidTickRange
	}
	if tickLower%k.TickSpacing != 0 || tickUpper%k.TickSpacing != 0 {
		return ErrRangeNotAligned
	}
	if k.Curve == CurveFullRange {
		// Full-range pools admit exactly one canonical range.
		if tickLower != MinUsableTick(k.TickSpacing) || tickUpper != MaxUsableTick(k.TickSpacing) {
			return ErrRangeNotAligned
		}
	}
	return nil
}
