package engine

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rangeledger/rangeledger-core-go/amm"
	"github.com/rangeledger/rangeledger-core-go/currency"
	"github.com/rangeledger/rangeledger-core-go/events"
	"github.com/rangeledger/rangeledger-core-go/hooks"
)

var (
	alice = common.HexToAddress("0xa11ce00000000000000000000000000000000001")
	bob   = common.HexToAddress("0xb0b0000000000000000000000000000000000002")

	token0 = currency.FromHex("0x0000000000000000000000000000000000000a00")
	token1 = currency.FromHex("0x0000000000000000000000000000000000000b00")
)

// captureSink keeps flushed events for inspection.
type captureSink struct {
	events []events.Event
}

func (c *captureSink) Put(batch []events.Event) error {
	c.events = append(c.events, batch...)
	return nil
}

func newTestEngine(t *testing.T) (*Engine, *captureSink) {
	t.Helper()
	sink := &captureSink{}
	e, err := New(Config{
		Logger:   zap.NewNop(),
		Registry: prometheus.NewRegistry(),
		Sink:     sink,
	})
	require.NoError(t, err)
	return e, sink
}

func testKey() amm.PoolKey {
	return amm.PoolKey{
		Currency0:   token0,
		Currency1:   token1,
		Fee:         3000,
		TickSpacing: 60,
	}
}

// settle pays off a positive debt in c by depositing into an open payment
// session, or withdraws a negative one back to the controller.
func settle(t *testing.T, e *Engine, s *Session, c currency.Currency) {
	t.Helper()
	debt := s.Debt(c)
	switch debt.Sign() {
	case 1:
		require.NoError(t, s.StartPaymentSession(c))
		e.Deposit(c, debt)
		paid, err := s.CompletePaymentSession(c)
		require.NoError(t, err)
		require.Equal(t, debt, paid)
	case -1:
		require.NoError(t, s.Withdraw(c, s.Context().Controller(), new(big.Int).Neg(debt)))
	}
}

// seedPool initializes a pool at price 1 and funds one position over
// [-600, 600). Liquidity is a power of two so fee arithmetic stays exact.
func seedPool(t *testing.T, e *Engine, liquidity *big.Int) amm.PoolID {
	t.Helper()
	key := testKey()
	var id amm.PoolID
	err := e.Lock(alice, func(s *Session) error {
		var err error
		id, _, err = s.Initialize(key, new(big.Int).Set(amm.Q96))
		require.NoError(t, err)

		_, err = s.ModifyPosition(key, amm.ModifyPositionParams{
			Owner:          alice,
			TickLower:      -600,
			TickUpper:      600,
			LiquidityDelta: liquidity,
		})
		require.NoError(t, err)

		settle(t, e, s, token0)
		settle(t, e, s, token1)
		return nil
	})
	require.NoError(t, err)
	return id
}

func TestLifecycleCommit(t *testing.T) {
	e, sink := newTestEngine(t)
	id := seedPool(t, e, new(big.Int).Lsh(big.NewInt(1), 64))

	pool, err := e.Pool(id)
	require.NoError(t, err)
	assert.True(t, pool.Initialized)
	assert.Equal(t, int32(0), pool.State.Tick)
	assert.Equal(t, new(big.Int).Lsh(big.NewInt(1), 64), pool.State.Liquidity)

	// Custody holds exactly the principal that was paid in.
	assert.Equal(t, 1, e.CustodyBalance(token0).Sign())
	assert.Equal(t, 1, e.CustodyBalance(token1).Sign())

	// The journal flushed the initialize and the position change.
	kinds := make([]events.Kind, 0, len(sink.events))
	for _, ev := range sink.events {
		kinds = append(kinds, ev.Kind)
	}
	assert.Contains(t, kinds, events.KindPoolInitialized)
	assert.Contains(t, kinds, events.KindPositionChange)
	assert.Contains(t, kinds, events.KindPayment)
}

func TestCloseRequiresZeroDebt(t *testing.T) {
	e, sink := newTestEngine(t)
	key := testKey()

	err := e.Lock(alice, func(s *Session) error {
		_, _, err := s.Initialize(key, new(big.Int).Set(amm.Q96))
		require.NoError(t, err)
		_, err = s.ModifyPosition(key, amm.ModifyPositionParams{
			Owner:          alice,
			TickLower:      -600,
			TickUpper:      600,
			LiquidityDelta: big.NewInt(1_000_000),
		})
		require.NoError(t, err)
		// Leave the principal unpaid.
		return nil
	})
	require.Error(t, err)

	// The whole unit rolled back: no pool, no events, empty custody.
	_, err = e.Pool(key.ID())
	assert.ErrorIs(t, err, amm.ErrPoolNotFound)
	assert.Empty(t, sink.events)
	assert.Equal(t, 0, e.CustodyBalance(token0).Sign())
}

func TestSwapRoundTrip(t *testing.T) {
	e, _ := newTestEngine(t)
	id := seedPool(t, e, new(big.Int).Lsh(big.NewInt(1), 80))
	key := testKey()

	before1 := e.CustodyBalance(token1)

	var delta amm.BalanceDelta
	err := e.Lock(bob, func(s *Session) error {
		var err error
		delta, err = s.Swap(key, amm.SwapParams{
			AmountSpecified:   big.NewInt(1_000_000),
			SpecifiedIsToken1: false,
		})
		require.NoError(t, err)

		// Selling token0 for token1: bob owes token0, is owed token1.
		require.Equal(t, 1, delta.Amount0.Sign())
		require.Equal(t, -1, delta.Amount1.Sign())

		settle(t, e, s, token0)
		settle(t, e, s, token1)
		return nil
	})
	require.NoError(t, err)

	// Custody moved by exactly the swap delta.
	wantToken1 := new(big.Int).Add(before1, delta.Amount1)
	assert.Equal(t, wantToken1, e.CustodyBalance(token1))

	pool, err := e.Pool(id)
	require.NoError(t, err)
	assert.Equal(t, -1, pool.State.SqrtPriceX96.Cmp(amm.Q96))
}

func TestSwapFeesThenCollect(t *testing.T) {
	e, _ := newTestEngine(t)
	seedPool(t, e, new(big.Int).Lsh(big.NewInt(1), 80))
	key := testKey()

	err := e.Lock(bob, func(s *Session) error {
		_, err := s.Swap(key, amm.SwapParams{
			AmountSpecified:   big.NewInt(1_000_000),
			SpecifiedIsToken1: false,
		})
		require.NoError(t, err)
		settle(t, e, s, token0)
		settle(t, e, s, token1)
		return nil
	})
	require.NoError(t, err)

	var first, second amm.BalanceDelta
	err = e.Lock(alice, func(s *Session) error {
		params := amm.ModifyPositionParams{
			Owner:          alice,
			TickLower:      -600,
			TickUpper:      600,
			LiquidityDelta: new(big.Int),
		}
		var err error
		first, err = s.CollectFees(key, params)
		require.NoError(t, err)
		second, err = s.CollectFees(key, params)
		require.NoError(t, err)
		settle(t, e, s, token0)
		return nil
	})
	require.NoError(t, err)

	// The swap paid 3000 ppm of 1e6 in token0 fees; floor rounding may shave
	// the last unit. A second collect in the same state yields nothing.
	fee := new(big.Int).Neg(first.Amount0)
	assert.True(t, fee.Cmp(big.NewInt(2999)) >= 0 && fee.Cmp(big.NewInt(3000)) <= 0,
		"collected %s", fee)
	assert.Equal(t, 0, first.Amount1.Sign())
	assert.True(t, second.IsZero())
}

func TestDonateSplitsAcrossPositions(t *testing.T) {
	e, _ := newTestEngine(t)
	liq := new(big.Int).Lsh(big.NewInt(1), 64)
	seedPool(t, e, liq)
	key := testKey()

	// Bob adds the same liquidity on the same range; fee growth then splits
	// exactly in half between the two positions.
	err := e.Lock(bob, func(s *Session) error {
		_, err := s.ModifyPosition(key, amm.ModifyPositionParams{
			Owner:          bob,
			TickLower:      -600,
			TickUpper:      600,
			LiquidityDelta: liq,
		})
		require.NoError(t, err)
		settle(t, e, s, token0)
		settle(t, e, s, token1)
		return nil
	})
	require.NoError(t, err)

	err = e.Lock(bob, func(s *Session) error {
		_, err := s.Donate(key, big.NewInt(1000), new(big.Int))
		require.NoError(t, err)
		settle(t, e, s, token0)
		return nil
	})
	require.NoError(t, err)

	for _, owner := range []common.Address{alice, bob} {
		owner := owner
		err = e.Lock(owner, func(s *Session) error {
			fees, err := s.CollectFees(key, amm.ModifyPositionParams{
				Owner:          owner,
				TickLower:      -600,
				TickUpper:      600,
				LiquidityDelta: new(big.Int),
			})
			require.NoError(t, err)
			assert.Equal(t, big.NewInt(-500), fees.Amount0)
			settle(t, e, s, token0)
			return nil
		})
		require.NoError(t, err)
	}
}

func TestModifyPositionRequiresOwner(t *testing.T) {
	e, _ := newTestEngine(t)
	seedPool(t, e, new(big.Int).Lsh(big.NewInt(1), 64))
	key := testKey()

	err := e.Lock(bob, func(s *Session) error {
		_, err := s.ModifyPosition(key, amm.ModifyPositionParams{
			Owner:          alice,
			TickLower:      -600,
			TickUpper:      600,
			LiquidityDelta: new(big.Int),
		})
		return err
	})
	assert.ErrorIs(t, err, ErrNotOwner)
}

func TestNoOpSwapWithNativeValue(t *testing.T) {
	e, _ := newTestEngine(t)
	nativeKey := amm.PoolKey{
		Currency0:   currency.Native,
		Currency1:   token0,
		Fee:         3000,
		TickSpacing: 60,
	}

	err := e.Lock(alice, func(s *Session) error {
		_, _, err := s.Initialize(nativeKey, new(big.Int).Set(amm.Q96))
		require.NoError(t, err)

		// Native value arrives up front; the zero-amount swap moves nothing,
		// so the credit must be recoverable in full.
		require.NoError(t, s.ProvideNative(big.NewInt(5000)))
		delta, err := s.Swap(nativeKey, amm.SwapParams{AmountSpecified: new(big.Int)})
		require.NoError(t, err)
		require.True(t, delta.IsZero())

		require.NoError(t, s.Withdraw(currency.Native, alice, big.NewInt(5000)))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 0, e.CustodyBalance(currency.Native).Sign())
}

func TestNestedContextIsolation(t *testing.T) {
	e, _ := newTestEngine(t)
	seedPool(t, e, new(big.Int).Lsh(big.NewInt(1), 80))
	key := testKey()

	var outerID, innerID uint64
	err := e.Lock(alice, func(s *Session) error {
		outerID = s.Context().ID()
		return s.Nest(bob, func(inner *Session) error {
			innerID = inner.Context().ID()
			// Debt accrued here belongs to the inner context only.
			_, err := inner.Swap(key, amm.SwapParams{
				AmountSpecified:   big.NewInt(1000),
				SpecifiedIsToken1: false,
			})
			require.NoError(t, err)
			require.Equal(t, 1, inner.Debt(token0).Sign())
			require.Equal(t, 0, s.Debt(token0).Sign())

			settle(t, e, inner, token0)
			settle(t, e, inner, token1)
			return nil
		})
	})
	require.NoError(t, err)
	assert.Greater(t, innerID, outerID)
}

func TestFailedNestedContextPoisonsUnit(t *testing.T) {
	e, sink := newTestEngine(t)
	seedPool(t, e, new(big.Int).Lsh(big.NewInt(1), 80))
	key := testKey()
	flushed := len(sink.events)

	boom := errors.New("boom")
	err := e.Lock(alice, func(s *Session) error {
		nerr := s.Nest(bob, func(inner *Session) error {
			_, err := inner.Swap(key, amm.SwapParams{
				AmountSpecified:   big.NewInt(1000),
				SpecifiedIsToken1: false,
			})
			require.NoError(t, err)
			return boom
		})
		require.ErrorIs(t, nerr, boom)
		// Swallowing the child's failure must not let the unit commit.
		return nil
	})
	assert.ErrorIs(t, err, ErrUnitPoisoned)
	assert.Len(t, sink.events, flushed)

	// The inner swap's price move rolled back with everything else.
	pool, perr := e.Pool(key.ID())
	require.NoError(t, perr)
	assert.Equal(t, 0, pool.State.SqrtPriceX96.Cmp(amm.Q96))
}

func TestContextIDsNeverReused(t *testing.T) {
	e, _ := newTestEngine(t)
	var ids []uint64
	for i := 0; i < 3; i++ {
		err := e.Lock(alice, func(s *Session) error {
			ids = append(ids, s.Context().ID())
			return nil
		})
		require.NoError(t, err)
	}
	assert.Equal(t, []uint64{1, 2, 3}, ids)
}

// recordingHook tracks callback invocations for one policy address.
type recordingHook struct {
	hooks.Base
	flags   hooks.Flags
	calls   []string
	rejects bool
}

func (h *recordingHook) Flags() hooks.Flags { return h.flags }

func (h *recordingHook) BeforeSwap(amm.PoolKey, amm.SwapParams) error {
	h.calls = append(h.calls, "beforeSwap")
	if h.rejects {
		return errors.New("policy rejected swap")
	}
	return nil
}

func (h *recordingHook) AfterSwap(amm.PoolKey, amm.SwapParams, amm.BalanceDelta) error {
	h.calls = append(h.calls, "afterSwap")
	return nil
}

func TestPolicyHookDispatch(t *testing.T) {
	e, _ := newTestEngine(t)
	policy := common.HexToAddress("0x9999000000000000000000000000000000000001")
	hook := &recordingHook{flags: hooks.FlagBeforeSwap | hooks.FlagAfterSwap}
	require.NoError(t, e.Hooks().Register(policy, hook))

	key := testKey()
	key.Policy = policy

	err := e.Lock(alice, func(s *Session) error {
		_, _, err := s.Initialize(key, new(big.Int).Set(amm.Q96))
		require.NoError(t, err)
		_, err = s.ModifyPosition(key, amm.ModifyPositionParams{
			Owner:          alice,
			TickLower:      -600,
			TickUpper:      600,
			LiquidityDelta: new(big.Int).Lsh(big.NewInt(1), 80),
		})
		require.NoError(t, err)

		_, err = s.Swap(key, amm.SwapParams{
			AmountSpecified:   big.NewInt(1000),
			SpecifiedIsToken1: false,
		})
		require.NoError(t, err)

		settle(t, e, s, token0)
		settle(t, e, s, token1)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"beforeSwap", "afterSwap"}, hook.calls)
}

func TestPolicyHookRejectionAborts(t *testing.T) {
	e, _ := newTestEngine(t)
	policy := common.HexToAddress("0x9999000000000000000000000000000000000002")
	hook := &recordingHook{flags: hooks.FlagBeforeSwap, rejects: true}
	require.NoError(t, e.Hooks().Register(policy, hook))

	key := testKey()
	key.Policy = policy

	err := e.Lock(alice, func(s *Session) error {
		_, _, err := s.Initialize(key, new(big.Int).Set(amm.Q96))
		require.NoError(t, err)
		_, err = s.ModifyPosition(key, amm.ModifyPositionParams{
			Owner:          alice,
			TickLower:      -600,
			TickUpper:      600,
			LiquidityDelta: new(big.Int).Lsh(big.NewInt(1), 80),
		})
		require.NoError(t, err)

		_, err = s.Swap(key, amm.SwapParams{
			AmountSpecified:   big.NewInt(1000),
			SpecifiedIsToken1: false,
		})
		return err
	})
	assert.ErrorContains(t, err, "policy rejected swap")
	_, err = e.Pool(key.ID())
	assert.ErrorIs(t, err, amm.ErrPoolNotFound)
}

func TestInitializeTwiceFails(t *testing.T) {
	e, _ := newTestEngine(t)
	seedPool(t, e, new(big.Int).Lsh(big.NewInt(1), 64))

	err := e.Lock(alice, func(s *Session) error {
		_, _, err := s.Initialize(testKey(), new(big.Int).Set(amm.Q96))
		return err
	})
	assert.ErrorIs(t, err, amm.ErrPoolAlreadyInitialized)
}

func TestSolvencyAcrossOperations(t *testing.T) {
	e, _ := newTestEngine(t)
	seedPool(t, e, new(big.Int).Lsh(big.NewInt(1), 80))
	key := testKey()

	for i := 0; i < 5; i++ {
		amount := big.NewInt(int64(10_000 * (i + 1)))
		zeroForOne := i%2 == 0
		err := e.Lock(bob, func(s *Session) error {
			_, err := s.Swap(key, amm.SwapParams{
				AmountSpecified:   amount,
				SpecifiedIsToken1: !zeroForOne,
			})
			require.NoError(t, err)
			settle(t, e, s, token0)
			settle(t, e, s, token1)
			return nil
		})
		require.NoError(t, err)

		// With no open contexts custody never goes negative.
		assert.True(t, e.CustodyBalance(token0).Sign() >= 0)
		assert.True(t, e.CustodyBalance(token1).Sign() >= 0)
	}
}
