package amm

import (
	"math/big"

	"github.com/rangeledger/rangeledger-core-go/amm/tickindex"
)

// Pool is the full in-memory record of one pool: its immutable key, the
// mutable price/liquidity state, the tick index, and all positions.
type Pool struct {
	Key         PoolKey
	ID          PoolID
	State       *PoolState
	Ticks       *tickindex.Index
	Positions   map[[32]byte]*Position
	Initialized bool
}

// NewPool validates the key and returns an uninitialized pool for it.
func NewPool(key PoolKey) (*Pool, error) {
	if !key.Currency0.Less(key.Currency1) {
		return nil, ErrCurrencyNotSorted
	}
	if key.Fee > MaxFee {
		return nil, ErrInvalidFee
	}
	if key.TickSpacing <= 0 {
		return nil, ErrInvalidTickSpacing
	}
	return &Pool{
		Key:       key,
		ID:        key.ID(),
		State:     NewPoolState(),
		Ticks:     tickindex.New(key.TickSpacing, MinUsableTick(key.TickSpacing), MaxUsableTick(key.TickSpacing)),
		Positions: make(map[[32]byte]*Position),
	}, nil
}

// Initialize sets the starting price of the pool. A pool can be initialized
// exactly once; all other operations require it.
func (p *Pool) Initialize(sqrtPriceX96 *big.Int, tick int32) error {
	if p.Initialized {
		return ErrPoolAlreadyInitialized
	}
	p.State.SqrtPriceX96.Set(sqrtPriceX96)
	p.State.Tick = tick
	p.Initialized = true
	return nil
}

// GetPosition returns the position for the given key fields, or an empty
// position if none exists. The returned position is not stored until
// PutPosition is called.
func (p *Pool) GetPosition(params ModifyPositionParams) *Position {
	key := PositionKey(params.Owner, params.TickLower, params.TickUpper, params.Salt)
	if pos, ok := p.Positions[key]; ok {
		return pos
	}
	return NewPosition(params.Owner, params.TickLower, params.TickUpper, params.Salt)
}

// PutPosition stores a position, dropping it entirely when it holds no
// liquidity. A position with zero liquidity but a live fee checkpoint must be
// collected before its final removal; callers settle fees in the same
// operation that empties the position.
func (p *Pool) PutPosition(pos *Position) {
	key := PositionKey(pos.Owner, pos.TickLower, pos.TickUpper, pos.Salt)
	if pos.Liquidity.Sign() == 0 {
		delete(p.Positions, key)
		return
	}
	p.Positions[key] = pos
}

// MaxLiquidityPerTick returns the per-tick liquidity bound for this pool.
func (p *Pool) MaxLiquidityPerTick() *big.Int {
	return MaxLiquidityPerTick(p.Key.TickSpacing)
}

// --- Deep Copy Helpers ---

// copyPoolState gives the state its own memory.
func copyPoolState(s *PoolState) *PoolState {
	out := NewPoolState()
	out.SqrtPriceX96.Set(s.SqrtPriceX96)
	out.Tick = s.Tick
	out.Liquidity.Set(s.Liquidity)
	out.FeeGrowthGlobal0X128.Set(s.FeeGrowthGlobal0X128)
	out.FeeGrowthGlobal1X128.Set(s.FeeGrowthGlobal1X128)
	return out
}

// copyPosition gives the position its own memory.
func copyPosition(pos *Position) *Position {
	out := NewPosition(pos.Owner, pos.TickLower, pos.TickUpper, pos.Salt)
	out.Liquidity.Set(pos.Liquidity)
	out.FeeGrowthInside0LastX128.Set(pos.FeeGrowthInside0LastX128)
	out.FeeGrowthInside1LastX128.Set(pos.FeeGrowthInside1LastX128)
	return out
}

// Clone deep-copies the pool so a snapshot cannot be mutated through shared
// pointers. Used for all-or-nothing rollback of failed units of work.
func (p *Pool) Clone() *Pool {
	out := &Pool{
		Key:         p.Key,
		ID:          p.ID,
		State:       copyPoolState(p.State),
		Ticks:       p.Ticks.Clone(),
		Positions:   make(map[[32]byte]*Position, len(p.Positions)),
		Initialized: p.Initialized,
	}
	for key, pos := range p.Positions {
		out.Positions[key] = copyPosition(pos)
	}
	return out
}
