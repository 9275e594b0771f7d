// Package feemath computes per-position fee accounting from the Q128.128
// fee-growth accumulators. All accumulator arithmetic wraps modulo 2^256;
// only differences between readings carry meaning.
package feemath

import (
	"errors"
	"math/big"

	"github.com/holiman/uint256"

	"github.com/rangeledger/rangeledger-core-go/amm/tickindex"
)

var (
	// ErrFeeOverflow is returned when a settled fee amount does not fit in
	// a uint128.
	ErrFeeOverflow = errors.New("fee amount exceeds uint128")

	maxUint128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))
)

// FeeGrowthInside writes the fee growth accumulated inside [tickLower,
// tickUpper] into inside0 and inside1.
//
// The outside snapshots of the two boundary ticks split the global
// accumulator into three regions. Which side a snapshot describes depends on
// where the current tick sits relative to the boundary; uninitialized
// boundaries contribute a zero snapshot. Subtraction wraps, so the result is
// exact whenever both boundary snapshots were taken under the same flip
// history.
func FeeGrowthInside(
	inside0, inside1 *uint256.Int,
	ticks *tickindex.Index,
	tickLower, tickUpper, tickCurrent int32,
	feeGrowthGlobal0X128, feeGrowthGlobal1X128 *uint256.Int,
) {
	var zero uint256.Int
	lower0, lower1 := &zero, &zero
	if t, ok := ticks.Get(tickLower); ok {
		lower0, lower1 = t.FeeGrowthOutside0X128, t.FeeGrowthOutside1X128
	}
	upper0, upper1 := &zero, &zero
	if t, ok := ticks.Get(tickUpper); ok {
		upper0, upper1 = t.FeeGrowthOutside0X128, t.FeeGrowthOutside1X128
	}

	var below0, below1, above0, above1 uint256.Int
	if tickCurrent >= tickLower {
		below0.Set(lower0)
		below1.Set(lower1)
	} else {
		below0.Sub(feeGrowthGlobal0X128, lower0)
		below1.Sub(feeGrowthGlobal1X128, lower1)
	}
	if tickCurrent < tickUpper {
		above0.Set(upper0)
		above1.Set(upper1)
	} else {
		above0.Sub(feeGrowthGlobal0X128, upper0)
		above1.Sub(feeGrowthGlobal1X128, upper1)
	}

	inside0.Sub(feeGrowthGlobal0X128, &below0)
	inside0.Sub(inside0, &above0)
	inside1.Sub(feeGrowthGlobal1X128, &below1)
	inside1.Sub(inside1, &above1)
}

// FeesOwed writes the fee amount newly owed to a position into dest, given
// the current fee-growth-inside reading, the position's checkpoint, and its
// liquidity.
//
// owed = (inside - checkpoint) * liquidity / 2^128, with the subtraction
// wrapping. The narrowing to uint128 is checked: a caller who lets fees
// accumulate past that bound gets ErrFeeOverflow, never a truncated amount.
func FeesOwed(dest *big.Int, insideX128, checkpointX128 *uint256.Int, liquidity *big.Int) error {
	var delta uint256.Int
	delta.Sub(insideX128, checkpointX128)

	dest.Mul(delta.ToBig(), liquidity)
	dest.Rsh(dest, 128)
	if dest.Cmp(maxUint128) > 0 {
		return ErrFeeOverflow
	}
	return nil
}
