// Package hooks defines the policy module extension points. A pool key may
// reference a policy address; the engine then calls into the registered hook
// around the lifecycle of every operation on that pool. Hooks are untrusted:
// they run under a forwarded lock context and may reenter the engine, but
// any debt they create is accounted to the context that invoked them.
package hooks

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/rangeledger/rangeledger-core-go/amm"
)

// Flags declares which callbacks a hook wants. The engine skips callbacks the
// hook did not opt into.
type Flags uint32

const (
	FlagBeforeInitialize Flags = 1 << iota
	FlagAfterInitialize
	FlagBeforeSwap
	FlagAfterSwap
	FlagBeforeModifyPosition
	FlagAfterModifyPosition
	FlagBeforeDonate
	FlagAfterDonate
)

// Has reports whether all given flags are set.
func (f Flags) Has(want Flags) bool {
	return f&want == want
}

// Hook receives lifecycle callbacks for pools referencing its policy address.
// Returning an error aborts the operation before any state change lands.
type Hook interface {
	Flags() Flags

	BeforeInitialize(key amm.PoolKey, sqrtPriceX96 *big.Int) error
	AfterInitialize(key amm.PoolKey, sqrtPriceX96 *big.Int, tick int32) error

	BeforeSwap(key amm.PoolKey, params amm.SwapParams) error
	AfterSwap(key amm.PoolKey, params amm.SwapParams, delta amm.BalanceDelta) error

	BeforeModifyPosition(key amm.PoolKey, params amm.ModifyPositionParams) error
	AfterModifyPosition(key amm.PoolKey, params amm.ModifyPositionParams, delta amm.BalanceDelta) error

	BeforeDonate(key amm.PoolKey, amount0, amount1 *big.Int) error
	AfterDonate(key amm.PoolKey, amount0, amount1 *big.Int) error
}

// Base is a no-op Hook. Embed it to implement only the callbacks a policy
// cares about.
type Base struct{}

func (Base) Flags() Flags { return 0 }

func (Base) BeforeInitialize(amm.PoolKey, *big.Int) error               { return nil }
func (Base) AfterInitialize(amm.PoolKey, *big.Int, int32) error         { return nil }
func (Base) BeforeSwap(amm.PoolKey, amm.SwapParams) error               { return nil }
func (Base) AfterSwap(amm.PoolKey, amm.SwapParams, amm.BalanceDelta) error {
	return nil
}
func (Base) BeforeModifyPosition(amm.PoolKey, amm.ModifyPositionParams) error { return nil }
func (Base) AfterModifyPosition(amm.PoolKey, amm.ModifyPositionParams, amm.BalanceDelta) error {
	return nil
}
func (Base) BeforeDonate(amm.PoolKey, *big.Int, *big.Int) error { return nil }
func (Base) AfterDonate(amm.PoolKey, *big.Int, *big.Int) error  { return nil }

var (
	ErrAlreadyRegistered = errors.New("policy address already registered")
	ErrUnknownPolicy     = errors.New("no hook registered for policy address")
	ErrZeroAddress       = errors.New("policy address must not be zero")
)

// Registry maps policy addresses to their hook implementations.
type Registry struct {
	hooks map[common.Address]Hook
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{hooks: make(map[common.Address]Hook)}
}

// Register binds a hook to a policy address.
func (r *Registry) Register(addr common.Address, h Hook) error {
	if addr == (common.Address{}) {
		return ErrZeroAddress
	}
	if _, ok := r.hooks[addr]; ok {
		return ErrAlreadyRegistered
	}
	r.hooks[addr] = h
	return nil
}

// Get returns the hook for a policy address.
func (r *Registry) Get(addr common.Address) (Hook, error) {
	h, ok := r.hooks[addr]
	if !ok {
		return nil, ErrUnknownPolicy
	}
	return h, nil
}
