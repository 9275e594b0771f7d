// Package calculator executes pool operations against in-memory pool state:
// the tick-walking swap engine, position liquidity changes with fee
// checkpointing, fee collection and donations. It mutates the pool it is
// given; callers needing atomicity snapshot the pool first.
package calculator

import (
	"errors"
	"math/big"
	"sync"

	"github.com/holiman/uint256"

	"github.com/rangeledger/rangeledger-core-go/amm"
	"github.com/rangeledger/rangeledger-core-go/amm/calculator/liquiditymath"
	"github.com/rangeledger/rangeledger-core-go/amm/calculator/sqrtpricemath"
	"github.com/rangeledger/rangeledger-core-go/amm/calculator/swapmath"
	"github.com/rangeledger/rangeledger-core-go/amm/calculator/tickmath"
	"github.com/rangeledger/rangeledger-core-go/amm/feemath"
	"github.com/rangeledger/rangeledger-core-go/amm/tickindex"
)

// swapState holds all temporary variables needed for one swap to avoid
// allocations in the hot loop.
type swapState struct {
	amountSpecifiedRemaining *big.Int
	amountCalculated         *big.Int
	sqrtPriceX96             *big.Int
	tick                     int32
	liquidity                *big.Int

	// Reusable temporaries for the loop.
	sqrtPriceStartX96 *big.Int
	sqrtPriceNextX96  *big.Int
	targetPrice       *big.Int
	stepAmountIn      *big.Int
	stepAmountOut     *big.Int
	stepFeeAmount     *big.Int
	tempAmount        *big.Int
	liquidityNet      *big.Int
	feeGrowthDelta    *uint256.Int
}

// swapStatePool manages a pool of swapState objects for safe concurrent use.
var swapStatePool = sync.Pool{
	New: func() any {
		return &swapState{
			amountSpecifiedRemaining: new(big.Int),
			amountCalculated:         new(big.Int),
			sqrtPriceX96:             new(big.Int),
			liquidity:                new(big.Int),
			sqrtPriceStartX96:        new(big.Int),
			sqrtPriceNextX96:         new(big.Int),
			targetPrice:              new(big.Int),
			stepAmountIn:             new(big.Int),
			stepAmountOut:            new(big.Int),
			stepFeeAmount:            new(big.Int),
			tempAmount:               new(big.Int),
			liquidityNet:             new(big.Int),
			feeGrowthDelta:           new(uint256.Int),
		}
	},
}

// Swap runs the tick-walking swap loop against the pool, mutating its price,
// tick, active liquidity and fee-growth accumulators. It returns the signed
// pair amounts: positive components are owed by the caller to the pool,
// negative by the pool to the caller.
//
// A zero specified amount is a no-op that leaves the pool untouched.
func Swap(pool *amm.Pool, params amm.SwapParams) (amm.BalanceDelta, error) {
	if !pool.Initialized {
		return amm.ZeroBalanceDelta(), amm.ErrPoolNotInitialized
	}
	if params.AmountSpecified == nil || params.AmountSpecified.Sign() == 0 {
		return amm.ZeroBalanceDelta(), nil
	}

	zeroForOne := params.ZeroForOne()

	limit := params.SqrtPriceLimitX96
	if limit == nil {
		if zeroForOne {
			limit = new(big.Int).Add(tickmath.MIN_SQRT_RATIO, big.NewInt(1))
		} else {
			limit = new(big.Int).Sub(tickmath.MAX_SQRT_RATIO, big.NewInt(1))
		}
	}
	if zeroForOne {
		if limit.Cmp(pool.State.SqrtPriceX96) >= 0 || limit.Cmp(tickmath.MIN_SQRT_RATIO) <= 0 {
			return amm.ZeroBalanceDelta(), amm.ErrInvalidSqrtPrice
		}
	} else {
		if limit.Cmp(pool.State.SqrtPriceX96) <= 0 || limit.Cmp(tickmath.MAX_SQRT_RATIO) >= 0 {
			return amm.ZeroBalanceDelta(), amm.ErrInvalidSqrtPrice
		}
	}

	state := swapStatePool.Get().(*swapState)
	defer swapStatePool.Put(state)

	state.amountSpecifiedRemaining.Set(params.AmountSpecified)
	state.amountCalculated.SetInt64(0)
	state.sqrtPriceX96.Set(pool.State.SqrtPriceX96)
	state.tick = pool.State.Tick
	state.liquidity.Set(pool.State.Liquidity)

	exactInput := params.ExactInput()
	feePips := new(big.Int).SetUint64(pool.Key.Fee)

	for state.amountSpecifiedRemaining.Sign() != 0 && state.sqrtPriceX96.Cmp(limit) != 0 {
		state.sqrtPriceStartX96.Set(state.sqrtPriceX96)

		tickNext, initialized := pool.Ticks.NextInitialized(state.tick, zeroForOne, params.SkipAhead)
		if tickNext < tickmath.MIN_TICK {
			tickNext = tickmath.MIN_TICK
		} else if tickNext > tickmath.MAX_TICK {
			tickNext = tickmath.MAX_TICK
		}

		if err := tickmath.GetSqrtRatioAtTick(state.sqrtPriceNextX96, tickNext); err != nil {
			return amm.ZeroBalanceDelta(), err
		}

		if (zeroForOne && state.sqrtPriceNextX96.Cmp(limit) < 0) ||
			(!zeroForOne && state.sqrtPriceNextX96.Cmp(limit) > 0) {
			state.targetPrice.Set(limit)
		} else {
			state.targetPrice.Set(state.sqrtPriceNextX96)
		}

		err := swapmath.ComputeSwapStep(
			state.sqrtPriceX96, state.stepAmountIn, state.stepAmountOut, state.stepFeeAmount,
			state.sqrtPriceStartX96,
			state.targetPrice,
			state.liquidity,
			state.amountSpecifiedRemaining,
			feePips,
		)
		if err != nil {
			break // No further progress possible, e.g. zero liquidity against the limit.
		}

		if exactInput {
			state.amountSpecifiedRemaining.Sub(state.amountSpecifiedRemaining, state.tempAmount.Add(state.stepAmountIn, state.stepFeeAmount))
			state.amountCalculated.Add(state.amountCalculated, state.stepAmountOut)
		} else {
			state.amountSpecifiedRemaining.Add(state.amountSpecifiedRemaining, state.stepAmountOut)
			state.amountCalculated.Add(state.amountCalculated, state.tempAmount.Add(state.stepAmountIn, state.stepFeeAmount))
		}

		// Accrue the step fee to the global accumulator of the input token,
		// normalized per unit of active liquidity. The add wraps by design.
		if state.stepFeeAmount.Sign() > 0 && state.liquidity.Sign() > 0 {
			state.tempAmount.Lsh(state.stepFeeAmount, 128)
			state.tempAmount.Div(state.tempAmount, state.liquidity)
			state.feeGrowthDelta.SetFromBig(state.tempAmount)
			if zeroForOne {
				pool.State.FeeGrowthGlobal0X128.Add(pool.State.FeeGrowthGlobal0X128, state.feeGrowthDelta)
			} else {
				pool.State.FeeGrowthGlobal1X128.Add(pool.State.FeeGrowthGlobal1X128, state.feeGrowthDelta)
			}
		}

		if state.sqrtPriceX96.Cmp(state.sqrtPriceNextX96) == 0 {
			// Reached the next tick: cross it if it carries liquidity.
			if initialized {
				state.liquidityNet.Set(pool.Ticks.Cross(tickNext, pool.State.FeeGrowthGlobal0X128, pool.State.FeeGrowthGlobal1X128))
				if zeroForOne {
					state.liquidityNet.Neg(state.liquidityNet)
				}
				if err := liquiditymath.AddDelta(state.liquidity, state.liquidity, state.liquidityNet); err != nil {
					return amm.ZeroBalanceDelta(), err
				}
			}

			if zeroForOne {
				state.tick = tickNext - 1
			} else {
				state.tick = tickNext
			}
		} else if state.sqrtPriceX96.Cmp(state.sqrtPriceStartX96) != 0 {
			state.tick, err = tickmath.GetTickAtSqrtRatio(state.sqrtPriceX96)
			if err != nil {
				return amm.ZeroBalanceDelta(), err
			}
		}

		// Price pinned with nothing swapped and no tick crossed: no
		// liquidity between here and the limit. This also holds when the
		// walk is parked at a usable-tick bound whose ratio the price
		// already sits on, where the next-tick lookup keeps returning the
		// bound itself. Stop rather than spin. A crossed tick is progress
		// even at zero amounts, since it changes the active liquidity.
		if !initialized &&
			state.sqrtPriceX96.Cmp(state.sqrtPriceStartX96) == 0 &&
			state.stepAmountIn.Sign() == 0 && state.stepAmountOut.Sign() == 0 &&
			state.stepFeeAmount.Sign() == 0 {
			break
		}
	}

	pool.State.SqrtPriceX96.Set(state.sqrtPriceX96)
	pool.State.Tick = state.tick
	pool.State.Liquidity.Set(state.liquidity)

	// Signed settlement amounts. The consumed part of the specified amount
	// keeps its sign; the calculated amount takes the opposite role.
	consumed := new(big.Int).Sub(params.AmountSpecified, state.amountSpecifiedRemaining)
	calculated := new(big.Int).Set(state.amountCalculated)
	if exactInput {
		calculated.Neg(calculated)
	}

	if params.SpecifiedIsToken1 {
		return amm.NewBalanceDelta(calculated, consumed), nil
	}
	return amm.NewBalanceDelta(consumed, calculated), nil
}

// ModifyPosition applies a signed liquidity change to a position and settles
// its fees in the same operation.
//
// principal holds the pair amounts backing the liquidity change: positive
// when adding (owed to the pool), negative when removing. fees holds the fee
// amounts newly owed to the position owner, always as non-positive components.
// A zero delta leaves liquidity untouched and only collects fees, so the call
// doubles as the collect operation and is idempotent between accruals.
func ModifyPosition(pool *amm.Pool, params amm.ModifyPositionParams) (principal, fees amm.BalanceDelta, err error) {
	principal = amm.ZeroBalanceDelta()
	fees = amm.ZeroBalanceDelta()

	if !pool.Initialized {
		return principal, fees, amm.ErrPoolNotInitialized
	}
	if err := pool.Key.CheckRange(params.TickLower, params.TickUpper); err != nil {
		return principal, fees, err
	}

	pos := pool.GetPosition(params)

	newLiquidity := new(big.Int)
	if err := liquiditymath.AddDelta(newLiquidity, pos.Liquidity, params.LiquidityDelta); err != nil {
		if errors.Is(err, liquiditymath.ErrLiquidityUnderflow) {
			return principal, fees, amm.ErrLiquidityUnderflow
		}
		return principal, fees, err
	}

	state := pool.State
	maxLiq := pool.MaxLiquidityPerTick()

	var flippedLower, flippedUpper bool
	if params.LiquidityDelta.Sign() != 0 {
		var err error
		flippedLower, err = pool.Ticks.Update(params.TickLower, state.Tick, params.LiquidityDelta, false,
			state.FeeGrowthGlobal0X128, state.FeeGrowthGlobal1X128, maxLiq)
		if err != nil {
			return principal, fees, tickErr(err)
		}
		flippedUpper, err = pool.Ticks.Update(params.TickUpper, state.Tick, params.LiquidityDelta, true,
			state.FeeGrowthGlobal0X128, state.FeeGrowthGlobal1X128, maxLiq)
		if err != nil {
			// Roll the lower boundary back so a failed update has no effect.
			undo := new(big.Int).Neg(params.LiquidityDelta)
			undoFlipped, undoErr := pool.Ticks.Update(params.TickLower, state.Tick, undo, false,
				state.FeeGrowthGlobal0X128, state.FeeGrowthGlobal1X128, maxLiq)
			if undoErr != nil {
				return principal, fees, errors.Join(tickErr(err), tickErr(undoErr))
			}
			if undoFlipped {
				pool.Ticks.Clear(params.TickLower)
			}
			return principal, fees, tickErr(err)
		}
	}

	// Settle fees against the checkpoint, then advance it to the current
	// reading. The checkpoint is always assigned, even when no fees accrued.
	var inside0, inside1 uint256.Int
	feemath.FeeGrowthInside(&inside0, &inside1, pool.Ticks,
		params.TickLower, params.TickUpper, state.Tick,
		state.FeeGrowthGlobal0X128, state.FeeGrowthGlobal1X128)

	if pos.Liquidity.Sign() > 0 {
		owed0 := new(big.Int)
		if err := feemath.FeesOwed(owed0, &inside0, pos.FeeGrowthInside0LastX128, pos.Liquidity); err != nil {
			return principal, fees, amm.ErrFeeOverflow
		}
		owed1 := new(big.Int)
		if err := feemath.FeesOwed(owed1, &inside1, pos.FeeGrowthInside1LastX128, pos.Liquidity); err != nil {
			return principal, fees, amm.ErrFeeOverflow
		}
		fees.Amount0.Neg(owed0)
		fees.Amount1.Neg(owed1)
	}
	pos.FeeGrowthInside0LastX128.Set(&inside0)
	pos.FeeGrowthInside1LastX128.Set(&inside1)

	// Boundary ticks flipped off by a removal are dropped only now, after
	// the fee-growth-inside reading above consumed their outside snapshots.
	if params.LiquidityDelta.Sign() < 0 {
		if flippedLower {
			pool.Ticks.Clear(params.TickLower)
		}
		if flippedUpper {
			pool.Ticks.Clear(params.TickUpper)
		}
	}

	// Principal amounts depend on where the current price sits relative to
	// the range: below it the position is all token0, above it all token1,
	// inside it a mix plus a change to the active liquidity.
	if params.LiquidityDelta.Sign() != 0 {
		sqrtLower := new(big.Int)
		if err := tickmath.GetSqrtRatioAtTick(sqrtLower, params.TickLower); err != nil {
			return principal, fees, err
		}
		sqrtUpper := new(big.Int)
		if err := tickmath.GetSqrtRatioAtTick(sqrtUpper, params.TickUpper); err != nil {
			return principal, fees, err
		}

		switch {
		case state.Tick < params.TickLower:
			if err := sqrtpricemath.GetAmount0DeltaSigned(principal.Amount0, sqrtLower, sqrtUpper, params.LiquidityDelta); err != nil {
				return principal, fees, err
			}
		case state.Tick < params.TickUpper:
			if err := sqrtpricemath.GetAmount0DeltaSigned(principal.Amount0, state.SqrtPriceX96, sqrtUpper, params.LiquidityDelta); err != nil {
				return principal, fees, err
			}
			sqrtpricemath.GetAmount1DeltaSigned(principal.Amount1, sqrtLower, state.SqrtPriceX96, params.LiquidityDelta)

			if err := liquiditymath.AddDelta(state.Liquidity, state.Liquidity, params.LiquidityDelta); err != nil {
				return principal, fees, err
			}
		default:
			sqrtpricemath.GetAmount1DeltaSigned(principal.Amount1, sqrtLower, sqrtUpper, params.LiquidityDelta)
		}
	}

	pos.Liquidity.Set(newLiquidity)
	pool.PutPosition(pos)

	return principal, fees, nil
}

// CollectFees settles and returns the fees owed to a position without
// changing its liquidity. The returned components are non-positive.
func CollectFees(pool *amm.Pool, params amm.ModifyPositionParams) (amm.BalanceDelta, error) {
	collect := params
	collect.LiquidityDelta = new(big.Int)
	_, fees, err := ModifyPosition(pool, collect)
	return fees, err
}

// Donate accrues the given amounts to the pool's fee accumulators, paying
// them pro rata to the liquidity active at the current price. It returns the
// amounts as a delta owed by the caller.
func Donate(pool *amm.Pool, amount0, amount1 *big.Int) (amm.BalanceDelta, error) {
	if !pool.Initialized {
		return amm.ZeroBalanceDelta(), amm.ErrPoolNotInitialized
	}
	if amount0.Sign() < 0 || amount1.Sign() < 0 {
		return amm.ZeroBalanceDelta(), amm.ErrAmountOverflow
	}
	if pool.State.Liquidity.Sign() == 0 {
		return amm.ZeroBalanceDelta(), amm.ErrNoLiquidity
	}

	var delta uint256.Int
	tmp := new(big.Int)
	if amount0.Sign() > 0 {
		tmp.Lsh(amount0, 128)
		tmp.Div(tmp, pool.State.Liquidity)
		delta.SetFromBig(tmp)
		pool.State.FeeGrowthGlobal0X128.Add(pool.State.FeeGrowthGlobal0X128, &delta)
	}
	if amount1.Sign() > 0 {
		tmp.Lsh(amount1, 128)
		tmp.Div(tmp, pool.State.Liquidity)
		delta.SetFromBig(tmp)
		pool.State.FeeGrowthGlobal1X128.Add(pool.State.FeeGrowthGlobal1X128, &delta)
	}

	return amm.NewBalanceDelta(amount0, amount1), nil
}

// tickErr maps tick index failures onto the pool error taxonomy.
func tickErr(err error) error {
	switch {
	case errors.Is(err, tickindex.ErrMaxLiquidityExceeded):
		return amm.ErrTickLiquidityOverflow
	case errors.Is(err, tickindex.ErrLiquidityUnderflow):
		return amm.ErrLiquidityUnderflow
	}
	return err
}
