package engine

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/rangeledger/rangeledger-core-go/amm"
	"github.com/rangeledger/rangeledger-core-go/amm/calculator"
	"github.com/rangeledger/rangeledger-core-go/amm/calculator/tickmath"
	"github.com/rangeledger/rangeledger-core-go/currency"
	"github.com/rangeledger/rangeledger-core-go/events"
	"github.com/rangeledger/rangeledger-core-go/hooks"
	"github.com/rangeledger/rangeledger-core-go/ledger"
)

// Session is the operation surface of one lock context. It is only valid
// inside the Lock (or Nest) callback that produced it.
type Session struct {
	engine *Engine
	ctx    *ledger.Context
}

// Context exposes the underlying ledger context.
func (s *Session) Context() *ledger.Context { return s.ctx }

// Nest opens a child lock context controlled by another address and runs fn
// under it. A failed child is aborted and poisons the whole unit of work, so
// its partial effects can never survive to commit.
func (s *Session) Nest(controller common.Address, fn func(*Session) error) error {
	e := s.engine
	ctx := e.ledger.Open(controller)
	e.metrics.LocksOpened.Inc()
	e.metrics.LockDepth.Set(float64(e.ledger.Depth()))

	err := fn(&Session{engine: e, ctx: ctx})
	if err == nil {
		err = e.ledger.Close(ctx)
	}
	if err != nil {
		e.ledger.Abort(ctx)
		e.poisoned = true
	}
	e.metrics.LockDepth.Set(float64(e.ledger.Depth()))
	return err
}

// Forward hands control of this context to another address for the duration
// of fn. Used to dispatch policy hooks; debt stays with this context.
func (s *Session) Forward(to common.Address, fn func() error) error {
	return s.engine.ledger.Forward(to, fn)
}

// Debt returns this context's debt in a currency.
func (s *Session) Debt(c currency.Currency) *big.Int {
	return s.engine.ledger.Debt(s.ctx, c)
}

// accountDelta books a pair delta against this context's debt.
func (s *Session) accountDelta(key amm.PoolKey, delta amm.BalanceDelta) {
	s.engine.ledger.AccountDebt(s.ctx, key.Currency0, delta.Amount0)
	s.engine.ledger.AccountDebt(s.ctx, key.Currency1, delta.Amount1)
	s.engine.metrics.OpenDebts.Set(float64(s.ctx.NonzeroDebts()))
}

// hook resolves the policy hook of a pool, if any.
func (s *Session) hook(key amm.PoolKey) (hooks.Hook, error) {
	if !key.HasPolicy() {
		return nil, nil
	}
	return s.engine.hooks.Get(key.Policy)
}

// Initialize creates and prices a new pool.
func (s *Session) Initialize(key amm.PoolKey, sqrtPriceX96 *big.Int) (amm.PoolID, int32, error) {
	e := s.engine
	e.metrics.Operations.WithLabelValues("initialize").Inc()

	h, err := s.hook(key)
	if err != nil {
		return amm.PoolID{}, 0, s.fail("initialize", err)
	}

	if sqrtPriceX96.Cmp(tickmath.MIN_SQRT_RATIO) < 0 || sqrtPriceX96.Cmp(tickmath.MAX_SQRT_RATIO) >= 0 {
		return amm.PoolID{}, 0, s.fail("initialize", amm.ErrInvalidSqrtPrice)
	}

	id := key.ID()
	if existing, ok := e.pools[id]; ok && existing.Initialized {
		return amm.PoolID{}, 0, s.fail("initialize", amm.ErrPoolAlreadyInitialized)
	}

	if h != nil && h.Flags().Has(hooks.FlagBeforeInitialize) {
		if err := s.Forward(key.Policy, func() error { return h.BeforeInitialize(key, sqrtPriceX96) }); err != nil {
			return amm.PoolID{}, 0, s.fail("initialize", err)
		}
	}

	pool, err := amm.NewPool(key)
	if err != nil {
		return amm.PoolID{}, 0, s.fail("initialize", err)
	}
	tick, err := tickmath.GetTickAtSqrtRatio(sqrtPriceX96)
	if err != nil {
		return amm.PoolID{}, 0, s.fail("initialize", amm.ErrInvalidSqrtPrice)
	}

	e.snapshotPool(id)
	if err := pool.Initialize(sqrtPriceX96, tick); err != nil {
		return amm.PoolID{}, 0, s.fail("initialize", err)
	}
	e.pools[id] = pool

	if h != nil && h.Flags().Has(hooks.FlagAfterInitialize) {
		if err := s.Forward(key.Policy, func() error { return h.AfterInitialize(key, sqrtPriceX96, tick) }); err != nil {
			return amm.PoolID{}, 0, s.fail("initialize", err)
		}
	}

	e.log.Info("pool initialized",
		zap.String("pool", events.PoolIDString(id)),
		zap.Int32("tick", tick),
		zap.Uint64("context", s.ctx.ID()))
	e.emit(events.Event{
		Kind:    events.KindPoolInitialized,
		Context: s.ctx.ID(),
		PoolID:  events.PoolIDString(id),
		Actor:   s.ctx.Controller(),
	})
	return id, tick, nil
}

// Swap executes a swap and books the resulting pair amounts as debt of this
// context.
func (s *Session) Swap(key amm.PoolKey, params amm.SwapParams) (amm.BalanceDelta, error) {
	e := s.engine
	e.metrics.Operations.WithLabelValues("swap").Inc()

	pool, ok := e.pools[key.ID()]
	if !ok {
		return amm.ZeroBalanceDelta(), s.fail("swap", amm.ErrPoolNotFound)
	}

	h, err := s.hook(key)
	if err != nil {
		return amm.ZeroBalanceDelta(), s.fail("swap", err)
	}
	if h != nil && h.Flags().Has(hooks.FlagBeforeSwap) {
		if err := s.Forward(key.Policy, func() error { return h.BeforeSwap(key, params) }); err != nil {
			return amm.ZeroBalanceDelta(), s.fail("swap", err)
		}
	}

	e.snapshotPool(pool.ID)
	delta, err := calculator.Swap(pool, params)
	if err != nil {
		return amm.ZeroBalanceDelta(), s.fail("swap", err)
	}
	s.accountDelta(key, delta)

	if h != nil && h.Flags().Has(hooks.FlagAfterSwap) {
		if err := s.Forward(key.Policy, func() error { return h.AfterSwap(key, params, delta) }); err != nil {
			return amm.ZeroBalanceDelta(), s.fail("swap", err)
		}
	}

	if !delta.IsZero() {
		e.emit(events.Event{
			Kind:    events.KindSwap,
			Context: s.ctx.ID(),
			PoolID:  events.PoolIDString(pool.ID),
			Actor:   s.ctx.Controller(),
			Amount0: events.Amount(delta.Amount0),
			Amount1: events.Amount(delta.Amount1),
		})
	}
	return delta, nil
}

// ModifyPosition changes the liquidity of a position owned by this context's
// controller. Principal and settled fees are both booked as debt; the
// returned delta is their sum.
func (s *Session) ModifyPosition(key amm.PoolKey, params amm.ModifyPositionParams) (amm.BalanceDelta, error) {
	e := s.engine
	e.metrics.Operations.WithLabelValues("modify_position").Inc()

	if params.Owner != s.ctx.Controller() {
		return amm.ZeroBalanceDelta(), s.fail("modify_position", ErrNotOwner)
	}
	pool, ok := e.pools[key.ID()]
	if !ok {
		return amm.ZeroBalanceDelta(), s.fail("modify_position", amm.ErrPoolNotFound)
	}

	h, err := s.hook(key)
	if err != nil {
		return amm.ZeroBalanceDelta(), s.fail("modify_position", err)
	}
	if h != nil && h.Flags().Has(hooks.FlagBeforeModifyPosition) {
		if err := s.Forward(key.Policy, func() error { return h.BeforeModifyPosition(key, params) }); err != nil {
			return amm.ZeroBalanceDelta(), s.fail("modify_position", err)
		}
	}

	e.snapshotPool(pool.ID)
	principal, fees, err := calculator.ModifyPosition(pool, params)
	if err != nil {
		return amm.ZeroBalanceDelta(), s.fail("modify_position", err)
	}
	delta := principal.Add(fees)
	s.accountDelta(key, delta)

	if h != nil && h.Flags().Has(hooks.FlagAfterModifyPosition) {
		if err := s.Forward(key.Policy, func() error { return h.AfterModifyPosition(key, params, delta) }); err != nil {
			return amm.ZeroBalanceDelta(), s.fail("modify_position", err)
		}
	}

	e.emit(events.Event{
		Kind:      events.KindPositionChange,
		Context:   s.ctx.ID(),
		PoolID:    events.PoolIDString(pool.ID),
		Actor:     params.Owner,
		TickLower: &params.TickLower,
		TickUpper: &params.TickUpper,
		Amount0:   events.Amount(principal.Amount0),
		Amount1:   events.Amount(principal.Amount1),
	})
	if !fees.IsZero() {
		e.emit(events.Event{
			Kind:      events.KindFeesCollected,
			Context:   s.ctx.ID(),
			PoolID:    events.PoolIDString(pool.ID),
			Actor:     params.Owner,
			TickLower: &params.TickLower,
			TickUpper: &params.TickUpper,
			Amount0:   events.Amount(fees.Amount0),
			Amount1:   events.Amount(fees.Amount1),
		})
	}
	return delta, nil
}

// CollectFees settles the fees of a position without changing liquidity.
func (s *Session) CollectFees(key amm.PoolKey, params amm.ModifyPositionParams) (amm.BalanceDelta, error) {
	e := s.engine
	e.metrics.Operations.WithLabelValues("collect_fees").Inc()

	if params.Owner != s.ctx.Controller() {
		return amm.ZeroBalanceDelta(), s.fail("collect_fees", ErrNotOwner)
	}
	pool, ok := e.pools[key.ID()]
	if !ok {
		return amm.ZeroBalanceDelta(), s.fail("collect_fees", amm.ErrPoolNotFound)
	}

	e.snapshotPool(pool.ID)
	fees, err := calculator.CollectFees(pool, params)
	if err != nil {
		return amm.ZeroBalanceDelta(), s.fail("collect_fees", err)
	}
	s.accountDelta(key, fees)

	if !fees.IsZero() {
		e.emit(events.Event{
			Kind:      events.KindFeesCollected,
			Context:   s.ctx.ID(),
			PoolID:    events.PoolIDString(pool.ID),
			Actor:     params.Owner,
			TickLower: &params.TickLower,
			TickUpper: &params.TickUpper,
			Amount0:   events.Amount(fees.Amount0),
			Amount1:   events.Amount(fees.Amount1),
		})
	}
	return fees, nil
}

// Donate pays the given amounts into a pool's fee accumulators and books them
// as debt of this context.
func (s *Session) Donate(key amm.PoolKey, amount0, amount1 *big.Int) (amm.BalanceDelta, error) {
	e := s.engine
	e.metrics.Operations.WithLabelValues("donate").Inc()

	pool, ok := e.pools[key.ID()]
	if !ok {
		return amm.ZeroBalanceDelta(), s.fail("donate", amm.ErrPoolNotFound)
	}

	h, err := s.hook(key)
	if err != nil {
		return amm.ZeroBalanceDelta(), s.fail("donate", err)
	}
	if h != nil && h.Flags().Has(hooks.FlagBeforeDonate) {
		if err := s.Forward(key.Policy, func() error { return h.BeforeDonate(key, amount0, amount1) }); err != nil {
			return amm.ZeroBalanceDelta(), s.fail("donate", err)
		}
	}

	e.snapshotPool(pool.ID)
	delta, err := calculator.Donate(pool, amount0, amount1)
	if err != nil {
		return amm.ZeroBalanceDelta(), s.fail("donate", err)
	}
	s.accountDelta(key, delta)

	if h != nil && h.Flags().Has(hooks.FlagAfterDonate) {
		if err := s.Forward(key.Policy, func() error { return h.AfterDonate(key, amount0, amount1) }); err != nil {
			return amm.ZeroBalanceDelta(), s.fail("donate", err)
		}
	}

	e.emit(events.Event{
		Kind:    events.KindDonation,
		Context: s.ctx.ID(),
		PoolID:  events.PoolIDString(pool.ID),
		Actor:   s.ctx.Controller(),
		Amount0: events.Amount(delta.Amount0),
		Amount1: events.Amount(delta.Amount1),
	})
	return delta, nil
}

// Withdraw transfers custody out to a recipient and books it as debt.
func (s *Session) Withdraw(c currency.Currency, to common.Address, amount *big.Int) error {
	e := s.engine
	e.metrics.Operations.WithLabelValues("withdraw").Inc()

	e.snapshotVault(c)
	if err := e.ledger.Withdraw(s.ctx, c, to, amount); err != nil {
		return s.fail("withdraw", err)
	}
	e.metrics.OpenDebts.Set(float64(s.ctx.NonzeroDebts()))

	e.emit(events.Event{
		Kind:     events.KindWithdrawal,
		Context:  s.ctx.ID(),
		Actor:    to,
		Currency: c.String(),
		Amount:   amount.String(),
	})
	return nil
}

// StartPaymentSession snapshots custody for a later CompletePaymentSession.
func (s *Session) StartPaymentSession(c currency.Currency) error {
	if err := s.engine.ledger.StartPaymentSession(s.ctx, c); err != nil {
		return s.fail("payment_session", err)
	}
	return nil
}

// CompletePaymentSession credits everything deposited since the snapshot
// against this context's debt and returns the amount.
func (s *Session) CompletePaymentSession(c currency.Currency) (*big.Int, error) {
	e := s.engine
	paid, err := e.ledger.CompletePaymentSession(s.ctx, c)
	if err != nil {
		return nil, s.fail("payment_session", err)
	}
	e.metrics.OpenDebts.Set(float64(s.ctx.NonzeroDebts()))

	if paid.Sign() > 0 {
		e.emit(events.Event{
			Kind:     events.KindPayment,
			Context:  s.ctx.ID(),
			Actor:    s.ctx.Controller(),
			Currency: c.String(),
			Amount:   paid.String(),
		})
	}
	return paid, nil
}

// ProvideNative credits native value sent along with the unit of work. The
// custody is credited immediately and the context gains the matching credit,
// so value attached to an operation that turns out to be a no-op is never
// stranded.
func (s *Session) ProvideNative(amount *big.Int) error {
	if amount.Sign() < 0 {
		return s.fail("provide_native", ledger.ErrNegativeAmount)
	}
	e := s.engine
	e.snapshotVault(currency.Native)
	e.vault.credit(currency.Native, amount)
	e.ledger.AccountDebt(s.ctx, currency.Native, new(big.Int).Neg(amount))
	e.metrics.OpenDebts.Set(float64(s.ctx.NonzeroDebts()))

	if amount.Sign() > 0 {
		e.emit(events.Event{
			Kind:     events.KindPayment,
			Context:  s.ctx.ID(),
			Actor:    s.ctx.Controller(),
			Currency: currency.Native.String(),
			Amount:   amount.String(),
		})
	}
	return nil
}

// fail counts an operation failure and passes the error through.
func (s *Session) fail(op string, err error) error {
	s.engine.metrics.OperationErrs.WithLabelValues(op).Inc()
	return err
}
