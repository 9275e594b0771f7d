// Package ledger implements the settlement side of the engine: lock contexts
// with flash accounting, per-context per-asset debt, custody withdrawals and
// payment sessions. Every pool operation runs inside a lock context, and a
// context may only close once every debt it accumulated nets to zero.
package ledger

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/rangeledger/rangeledger-core-go/currency"
)

var (
	ErrNoActiveContext = errors.New("no active lock context")
	ErrNotController   = errors.New("caller is not the context controller")
	ErrOutstandingDebt = errors.New("context has outstanding debt")
	ErrNoSession       = errors.New("no payment session for currency")
	ErrSessionActive   = errors.New("payment session already active for currency")
	ErrNegativeAmount  = errors.New("amount must not be negative")
)

// Vault is the custody backing the ledger. Balance readings drive payment
// sessions; Transfer moves custody out for withdrawals.
type Vault interface {
	Balance(c currency.Currency) *big.Int
	Transfer(to common.Address, c currency.Currency, amount *big.Int) error
}

// Context is one entry of the lock stack. IDs are monotonic across the
// lifetime of the ledger and are never reused, so an id alone is enough to
// key any state recorded while the context was active.
type Context struct {
	id         uint64
	controller common.Address

	// Custody snapshots of open payment sessions, keyed by currency.
	// Keeping them on the context, not the ledger, means a nested context
	// can never observe or consume an outer context's snapshot.
	sessions map[currency.Currency]*big.Int

	// Count of currencies with nonzero debt. Maintained by sign-change
	// deltas so it stays correct under reentrant accounting.
	nonzero int
}

// ID returns the context's identifier.
func (c *Context) ID() uint64 { return c.id }

// Controller returns the address currently allowed to act for the context.
func (c *Context) Controller() common.Address { return c.controller }

type debtKey struct {
	ctx uint64
	cur currency.Currency
}

// Ledger tracks the lock stack and all per-context debt.
type Ledger struct {
	log   *zap.Logger
	vault Vault

	stack  []*Context
	nextID uint64
	debts  map[debtKey]*big.Int
}

// New creates a ledger over the given vault. A nil logger disables logging.
func New(vault Vault, log *zap.Logger) *Ledger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ledger{
		log:   log,
		vault: vault,
		debts: make(map[debtKey]*big.Int),
	}
}

// Open pushes a new lock context controlled by the given address and returns
// it. Contexts nest; only the innermost is active.
func (l *Ledger) Open(controller common.Address) *Context {
	l.nextID++
	ctx := &Context{
		id:         l.nextID,
		controller: controller,
		sessions:   make(map[currency.Currency]*big.Int),
	}
	l.stack = append(l.stack, ctx)
	l.log.Debug("lock context opened",
		zap.Uint64("context", ctx.id),
		zap.Stringer("controller", controller),
		zap.Int("depth", len(l.stack)))
	return ctx
}

// Active returns the innermost open context.
func (l *Ledger) Active() (*Context, error) {
	if len(l.stack) == 0 {
		return nil, ErrNoActiveContext
	}
	return l.stack[len(l.stack)-1], nil
}

// Depth returns the number of open contexts.
func (l *Ledger) Depth() int { return len(l.stack) }

// Forward hands control of the active context to another address for the
// duration of fn, then restores the previous controller. The context id is
// untouched; debt accumulated while forwarded stays with the same context.
func (l *Ledger) Forward(to common.Address, fn func() error) error {
	ctx, err := l.Active()
	if err != nil {
		return err
	}
	prev := ctx.controller
	ctx.controller = to
	defer func() { ctx.controller = prev }()

	l.log.Debug("context forwarded",
		zap.Uint64("context", ctx.id),
		zap.Stringer("from", prev),
		zap.Stringer("to", to))
	return fn()
}

// Close pops the active context. It fails while any per-currency debt of the
// context is nonzero; a closed context leaves no state behind.
func (l *Ledger) Close(ctx *Context) error {
	active, err := l.Active()
	if err != nil {
		return err
	}
	if active != ctx {
		return errors.New("only the innermost context can close")
	}
	if ctx.nonzero != 0 {
		l.log.Warn("close rejected",
			zap.Uint64("context", ctx.id),
			zap.Int("openDebts", ctx.nonzero))
		return ErrOutstandingDebt
	}

	// All remaining entries are exact zeros; drop them.
	for key := range l.debts {
		if key.ctx == ctx.id {
			delete(l.debts, key)
		}
	}
	l.stack = l.stack[:len(l.stack)-1]
	l.log.Debug("lock context closed", zap.Uint64("context", ctx.id))
	return nil
}

// Abort force-pops contexts from the stack until ctx has been removed,
// discarding their debts and sessions. Used only on the failure path of a
// unit of work, where the caller rolls external state back alongside.
func (l *Ledger) Abort(ctx *Context) {
	for len(l.stack) > 0 {
		top := l.stack[len(l.stack)-1]
		l.stack = l.stack[:len(l.stack)-1]
		for key := range l.debts {
			if key.ctx == top.id {
				delete(l.debts, key)
			}
		}
		l.log.Debug("lock context aborted", zap.Uint64("context", top.id))
		if top == ctx {
			return
		}
	}
}

// NonzeroDebts returns the number of currencies in which the context
// currently has nonzero debt.
func (c *Context) NonzeroDebts() int { return c.nonzero }

// Debt returns the current debt of a context in a currency. Positive means
// the context owes the system; negative, the system owes the context.
func (l *Ledger) Debt(ctx *Context, c currency.Currency) *big.Int {
	if d, ok := l.debts[debtKey{ctx.id, c}]; ok {
		return new(big.Int).Set(d)
	}
	return new(big.Int)
}

// AccountDebt applies a signed delta to a context's debt in a currency. The
// nonzero-entry counter is updated from the sign transition of this exact
// entry, which keeps it consistent no matter how deeply operations reenter.
func (l *Ledger) AccountDebt(ctx *Context, c currency.Currency, delta *big.Int) {
	if delta.Sign() == 0 {
		return
	}
	key := debtKey{ctx.id, c}
	d, ok := l.debts[key]
	if !ok {
		d = new(big.Int)
		l.debts[key] = d
	}

	wasZero := d.Sign() == 0
	d.Add(d, delta)
	isZero := d.Sign() == 0

	switch {
	case wasZero && !isZero:
		ctx.nonzero++
	case !wasZero && isZero:
		ctx.nonzero--
		delete(l.debts, key)
	}

	l.log.Debug("debt accounted",
		zap.Uint64("context", ctx.id),
		zap.Stringer("currency", c),
		zap.String("delta", delta.String()),
		zap.Int("openDebts", ctx.nonzero))
}

// Withdraw transfers custody out to the recipient and records the amount as
// debt of the active context. The transfer happens first; a vault failure
// leaves the debt untouched.
func (l *Ledger) Withdraw(ctx *Context, c currency.Currency, to common.Address, amount *big.Int) error {
	if amount.Sign() < 0 {
		return ErrNegativeAmount
	}
	if err := l.vault.Transfer(to, c, amount); err != nil {
		return err
	}
	l.AccountDebt(ctx, c, amount)
	return nil
}

// StartPaymentSession snapshots the custody balance of a currency for the
// active context. The matching CompletePaymentSession credits everything paid
// into custody since the snapshot against the context's debt.
func (l *Ledger) StartPaymentSession(ctx *Context, c currency.Currency) error {
	if _, open := ctx.sessions[c]; open {
		return ErrSessionActive
	}
	ctx.sessions[c] = new(big.Int).Set(l.vault.Balance(c))
	return nil
}

// CompletePaymentSession closes a payment session and returns the amount
// credited. Nested contexts opened between start and complete cannot disturb
// the snapshot; they carry their own.
func (l *Ledger) CompletePaymentSession(ctx *Context, c currency.Currency) (*big.Int, error) {
	snap, open := ctx.sessions[c]
	if !open {
		return nil, ErrNoSession
	}
	delete(ctx.sessions, c)

	paid := new(big.Int).Sub(l.vault.Balance(c), snap)
	if paid.Sign() < 0 {
		// Custody shrank during the session; nothing is credited.
		paid.SetInt64(0)
	}
	l.AccountDebt(ctx, c, new(big.Int).Neg(paid))
	return paid, nil
}

// TotalOutstanding sums the debt of every open context in a currency. Used by
// solvency checks: custody must always cover the negated sum of negative
// debts.
func (l *Ledger) TotalOutstanding(c currency.Currency) *big.Int {
	total := new(big.Int)
	for key, d := range l.debts {
		if key.cur == c {
			total.Add(total, d)
		}
	}
	return total
}
