package swapmath

import (
	"crypto/rand"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Helper to create a random big.Int up to a given bit length.
func newRandInt(bits int) *big.Int {
	max := new(big.Int).Lsh(big.NewInt(1), uint(bits))
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		panic(err)
	}
	return n
}

// TestComputeSwapStep_Invariants runs the step calculator on a large number of
// random inputs and verifies its mathematical properties.
func TestComputeSwapStep_Invariants(t *testing.T) {
	for i := 0; i < 1000; i++ {
		sqrtPriceRaw := newRandInt(160)
		sqrtPriceTargetRaw := newRandInt(160)
		liquidity := newRandInt(128)
		amountRemaining := newRandInt(256)
		// Make amountRemaining negative 50% of the time.
		if i%2 == 1 {
			amountRemaining.Neg(amountRemaining)
		}
		feePips := newRandInt(20)

		if sqrtPriceRaw.Sign() == 0 {
			sqrtPriceRaw.SetInt64(1)
		}
		if sqrtPriceTargetRaw.Sign() == 0 {
			sqrtPriceTargetRaw.SetInt64(1)
		}
		if feePips.Sign() == 0 {
			feePips.SetInt64(1)
		}
		if feePips.Cmp(feeDenominator) >= 0 {
			feePips.Set(new(big.Int).Sub(feeDenominator, big.NewInt(1)))
		}

		sqrtQ, amountIn, amountOut, feeAmount := new(big.Int), new(big.Int), new(big.Int), new(big.Int)
		// Skip cases that are expected to error (e.g., underflow/overflow).
		err := ComputeSwapStep(
			sqrtQ, amountIn, amountOut, feeAmount,
			sqrtPriceRaw,
			sqrtPriceTargetRaw,
			liquidity,
			amountRemaining,
			feePips,
		)
		if err != nil {
			continue
		}

		sumIn := new(big.Int).Add(amountIn, feeAmount)
		assert.True(t, sumIn.BitLen() <= 256)

		if amountRemaining.Sign() < 0 {
			// Output never exceeds the requested amount.
			assert.True(t, amountOut.Cmp(new(big.Int).Neg(amountRemaining)) <= 0)
		} else {
			// Input plus fee never exceeds the specified amount.
			assert.True(t, sumIn.Cmp(amountRemaining) <= 0)
		}

		if sqrtPriceRaw.Cmp(sqrtPriceTargetRaw) == 0 {
			assert.Zero(t, amountIn.Sign())
			assert.Zero(t, amountOut.Sign())
			assert.Zero(t, feeAmount.Sign())
			assert.Zero(t, sqrtQ.Cmp(sqrtPriceTargetRaw))
		}

		// didn't reach price target, entire amount must be consumed
		if sqrtQ.Cmp(sqrtPriceTargetRaw) != 0 {
			if amountRemaining.Sign() < 0 {
				assert.Zero(t, amountOut.Cmp(new(big.Int).Neg(amountRemaining)))
			} else {
				assert.Zero(t, sumIn.Cmp(amountRemaining))
			}
		}

		// next price is between price and price target
		if sqrtPriceTargetRaw.Cmp(sqrtPriceRaw) <= 0 {
			assert.True(t, sqrtQ.Cmp(sqrtPriceRaw) <= 0)
			assert.True(t, sqrtQ.Cmp(sqrtPriceTargetRaw) >= 0)
		} else {
			assert.True(t, sqrtQ.Cmp(sqrtPriceRaw) >= 0)
			assert.True(t, sqrtQ.Cmp(sqrtPriceTargetRaw) <= 0)
		}
	}
}

// encodeSqrt returns sqrt(reserve1/reserve0) as a Q64.96 price.
func encodeSqrt(reserve1, reserve0 *big.Int) *big.Int {
	num := new(big.Int).Mul(reserve1, new(big.Int).Lsh(big.NewInt(1), 192))
	return new(big.Int).Sqrt(new(big.Int).Div(num, reserve0))
}

// TestComputeSwapStep_ExactInCappedByTarget checks a deterministic case where
// the step reaches the target price before consuming the full input.
func TestComputeSwapStep_ExactInCappedByTarget(t *testing.T) {
	price := encodeSqrt(big.NewInt(1), big.NewInt(1))
	priceTarget := encodeSqrt(big.NewInt(101), big.NewInt(100))
	liquidity := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	amount := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	fee := big.NewInt(600)

	sqrtQ, amountIn, amountOut, feeAmount := new(big.Int), new(big.Int), new(big.Int), new(big.Int)
	err := ComputeSwapStep(sqrtQ, amountIn, amountOut, feeAmount, price, priceTarget, liquidity, amount, fee)
	require.NoError(t, err)

	assert.Zero(t, sqrtQ.Cmp(priceTarget), "price reaches target")
	sumIn := new(big.Int).Add(amountIn, feeAmount)
	assert.True(t, sumIn.Cmp(amount) < 0, "input not fully consumed")
	assert.True(t, amountOut.Sign() > 0)
}
