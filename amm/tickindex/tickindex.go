// Package tickindex maintains the sparse per-pool tick records together with
// a bitmap of initialized ticks, so the swap loop can find the next liquidity
// boundary without scanning empty price ranges.
package tickindex

import (
	"errors"
	"math/big"
	"sort"

	"github.com/holiman/uint256"

	"github.com/rangeledger/rangeledger-core-go/bitset"
)

var (
	// ErrMaxLiquidityExceeded is returned when a tick's gross liquidity
	// would exceed the configured per-tick maximum.
	ErrMaxLiquidityExceeded = errors.New("per-tick liquidity maximum exceeded")
	// ErrLiquidityUnderflow is returned when a removal exceeds the gross
	// liquidity referencing the tick.
	ErrLiquidityUnderflow = errors.New("tick liquidity underflow")
)

// Tick is the record kept for every initialized tick.
//
// LiquidityNet is the signed liquidity applied when the price crosses this
// tick moving up (negated moving down). LiquidityGross is the unsigned sum of
// liquidity from all positions referencing the tick; the tick stays
// initialized while it is nonzero. The fee-growth-outside snapshots follow
// the usual convention: the accumulator value attributed to the far side of
// the tick, flipped on every crossing.
type Tick struct {
	LiquidityNet          *big.Int     `json:"liquidityNet"`
	LiquidityGross        *big.Int     `json:"liquidityGross"`
	FeeGrowthOutside0X128 *uint256.Int `json:"feeGrowthOutside0X128"`
	FeeGrowthOutside1X128 *uint256.Int `json:"feeGrowthOutside1X128"`
}

func newTick() *Tick {
	return &Tick{
		LiquidityNet:          new(big.Int),
		LiquidityGross:        new(big.Int),
		FeeGrowthOutside0X128: new(uint256.Int),
		FeeGrowthOutside1X128: new(uint256.Int),
	}
}

func copyTick(t *Tick) *Tick {
	return &Tick{
		LiquidityNet:          new(big.Int).Set(t.LiquidityNet),
		LiquidityGross:        new(big.Int).Set(t.LiquidityGross),
		FeeGrowthOutside0X128: new(uint256.Int).Set(t.FeeGrowthOutside0X128),
		FeeGrowthOutside1X128: new(uint256.Int).Set(t.FeeGrowthOutside1X128),
	}
}

// Index is the tick store of one pool. Only ticks aligned to the pool's
// spacing inside [minUsable, maxUsable] may be initialized; the bitmap
// carries one bit per usable compressed tick.
type Index struct {
	tickSpacing   int32
	minCompressed int32
	maxCompressed int32
	ticks         map[int32]*Tick
	bitmap        bitset.BitSet
}

// New creates an empty index for the given tick spacing and usable tick
// bounds. The bounds must be aligned to the spacing.
func New(tickSpacing, minUsable, maxUsable int32) *Index {
	minC := minUsable / tickSpacing
	maxC := maxUsable / tickSpacing
	return &Index{
		tickSpacing:   tickSpacing,
		minCompressed: minC,
		maxCompressed: maxC,
		ticks:         make(map[int32]*Tick),
		bitmap:        bitset.NewBitSet(uint64(maxC-minC) + 1),
	}
}

// TickSpacing returns the spacing the index was built for.
func (ix *Index) TickSpacing() int32 {
	return ix.tickSpacing
}

// MinUsable returns the lowest tick the index can initialize.
func (ix *Index) MinUsable() int32 {
	return ix.minCompressed * ix.tickSpacing
}

// MaxUsable returns the highest tick the index can initialize.
func (ix *Index) MaxUsable() int32 {
	return ix.maxCompressed * ix.tickSpacing
}

// Get returns the record for an initialized tick.
func (ix *Index) Get(tick int32) (*Tick, bool) {
	t, ok := ix.ticks[tick]
	return t, ok
}

func (ix *Index) bit(compressed int32) uint64 {
	return uint64(compressed - ix.minCompressed)
}

// compress rounds a tick toward negative infinity onto the spacing grid.
func (ix *Index) compress(tick int32) int32 {
	compressed := tick / ix.tickSpacing
	if tick < 0 && tick%ix.tickSpacing != 0 {
		compressed--
	}
	return compressed
}

// Update applies a signed liquidity delta to a tick on behalf of a position
// boundary. `upper` marks the upper boundary of the range, which contributes
// the negated delta to LiquidityNet. `currentTick` and the global fee-growth
// accumulators seed the fee-growth-outside snapshot when the tick first
// initializes. The gross magnitude is bounded by maxLiquidityPerTick.
//
// It returns whether the tick flipped between initialized and uninitialized.
func (ix *Index) Update(
	tick int32,
	currentTick int32,
	liquidityDelta *big.Int,
	upper bool,
	feeGrowthGlobal0X128, feeGrowthGlobal1X128 *uint256.Int,
	maxLiquidityPerTick *big.Int,
) (flipped bool, err error) {
	t, ok := ix.ticks[tick]
	if !ok {
		t = newTick()
	}

	grossBefore := new(big.Int).Set(t.LiquidityGross)
	grossAfter := new(big.Int).Add(t.LiquidityGross, liquidityDelta)
	if grossAfter.Sign() < 0 {
		return false, ErrLiquidityUnderflow
	}
	if grossAfter.Cmp(maxLiquidityPerTick) > 0 {
		return false, ErrMaxLiquidityExceeded
	}

	if grossBefore.Sign() == 0 {
		// Convention: all growth before initialization happened below the
		// tick, so a tick at or under the current price starts with the
		// global reading as its outside snapshot.
		if tick <= currentTick {
			t.FeeGrowthOutside0X128.Set(feeGrowthGlobal0X128)
			t.FeeGrowthOutside1X128.Set(feeGrowthGlobal1X128)
		}
	}

	t.LiquidityGross = grossAfter
	if upper {
		t.LiquidityNet.Sub(t.LiquidityNet, liquidityDelta)
	} else {
		t.LiquidityNet.Add(t.LiquidityNet, liquidityDelta)
	}

	flipped = (grossAfter.Sign() == 0) != (grossBefore.Sign() == 0)

	// A tick flipping off is not removed here: its fee-growth-outside
	// snapshots must stay readable until the caller has settled the fees of
	// the position being modified. The caller drops it with Clear.
	ix.ticks[tick] = t
	if flipped && grossAfter.Sign() != 0 {
		ix.bitmap.Set(ix.bit(tick / ix.tickSpacing))
	}
	return flipped, nil
}

// Clear removes a tick's record and bitmap bit. Called after a position
// removal flips the tick off, once fee settlement no longer needs its
// snapshots.
func (ix *Index) Clear(tick int32) {
	delete(ix.ticks, tick)
	ix.bitmap.Unset(ix.bit(tick / ix.tickSpacing))
}

// Cross flips the fee-growth-outside snapshots of a tick as the price crosses
// it and returns the signed liquidity to apply for an increasing-price cross.
func (ix *Index) Cross(tick int32, feeGrowthGlobal0X128, feeGrowthGlobal1X128 *uint256.Int) *big.Int {
	t, ok := ix.ticks[tick]
	if !ok {
		return new(big.Int)
	}
	// Ring-counter subtraction: wraps modulo 2^256, differences stay exact.
	t.FeeGrowthOutside0X128.Sub(feeGrowthGlobal0X128, t.FeeGrowthOutside0X128)
	t.FeeGrowthOutside1X128.Sub(feeGrowthGlobal1X128, t.FeeGrowthOutside1X128)
	return new(big.Int).Set(t.LiquidityNet)
}

// NextInitialized finds the nearest initialized tick from `tick` in the given
// direction. With lte it returns the largest initialized tick at or below
// `tick`; otherwise the smallest strictly above. skipAhead widens the bitmap
// scan window by that many 64-tick words; when no initialized tick falls
// inside the window, the window's boundary tick is returned with
// initialized == false so the caller can resume from there.
func (ix *Index) NextInitialized(tick int32, lte bool, skipAhead uint32) (next int32, initialized bool) {
	words := uint64(skipAhead) + 1

	if lte {
		compressed := ix.compress(tick)
		if compressed <= ix.minCompressed {
			return ix.MinUsable(), ix.bitmap.IsSet(0)
		}
		if compressed > ix.maxCompressed {
			compressed = ix.maxCompressed
		}
		bit, ok := ix.bitmap.PrevSet(ix.bit(compressed), words)
		next = (int32(bit) + ix.minCompressed) * ix.tickSpacing
		return next, ok
	}

	compressed := ix.compress(tick)
	if compressed >= ix.maxCompressed {
		return ix.MaxUsable(), false
	}
	start := compressed + 1
	if start < ix.minCompressed {
		start = ix.minCompressed
	}
	bit, ok := ix.bitmap.NextSet(ix.bit(start), words)
	if bit > ix.bit(ix.maxCompressed) {
		return ix.MaxUsable(), false
	}
	next = (int32(bit) + ix.minCompressed) * ix.tickSpacing
	return next, ok
}

// All returns the initialized ticks in ascending order. Used by queries,
// diffing and invariant checks; not on the swap path.
func (ix *Index) All() []int32 {
	out := make([]int32, 0, len(ix.ticks))
	for tick := range ix.ticks {
		out = append(out, tick)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Len returns the number of initialized ticks.
func (ix *Index) Len() int {
	return len(ix.ticks)
}

// Clone deep-copies the index, giving snapshots their own memory.
func (ix *Index) Clone() *Index {
	out := &Index{
		tickSpacing:   ix.tickSpacing,
		minCompressed: ix.minCompressed,
		maxCompressed: ix.maxCompressed,
		ticks:         make(map[int32]*Tick, len(ix.ticks)),
		bitmap:        bitset.NewBitSet(uint64(ix.maxCompressed-ix.minCompressed) + 1),
	}
	for tick, t := range ix.ticks {
		out.ticks[tick] = copyTick(t)
	}
	out.bitmap.SetFrom(ix.bitmap)
	return out
}
