// Package engine ties the ledger and the pool calculator into one
// transactional surface. All mutating operations run inside a lock context
// opened by Lock; a unit of work either commits in full, with its journal
// events flushed, or rolls every touched pool and custody balance back.
package engine

import (
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/rangeledger/rangeledger-core-go/amm"
	"github.com/rangeledger/rangeledger-core-go/currency"
	"github.com/rangeledger/rangeledger-core-go/events"
	"github.com/rangeledger/rangeledger-core-go/hooks"
	"github.com/rangeledger/rangeledger-core-go/ledger"
	"github.com/rangeledger/rangeledger-core-go/metrics"
)

var (
	// ErrNotOwner is returned when a context operates on a position it does
	// not own.
	ErrNotOwner = errors.New("context controller does not own the position")
	// ErrUnitPoisoned is returned by Lock when a nested context failed and
	// was aborted; the whole unit of work rolls back.
	ErrUnitPoisoned = errors.New("unit of work contains an aborted context")
)

// Config holds the configuration for the engine.
type Config struct {
	Logger   *zap.Logger
	Registry prometheus.Registerer
	Sink     events.Sink
}

// validate checks if the configuration is valid.
func (c *Config) validate() error {
	if c.Logger == nil {
		return errors.New("config: Logger is required")
	}
	if c.Registry == nil {
		return errors.New("config: Registry is required")
	}
	if c.Sink == nil {
		return errors.New("config: Sink is required")
	}
	return nil
}

// Engine is the settlement and pool orchestrator.
type Engine struct {
	log     *zap.Logger
	metrics *metrics.Metrics
	sink    events.Sink

	mu     sync.Mutex
	vault  *Vault
	ledger *ledger.Ledger
	hooks  *hooks.Registry
	pools  map[amm.PoolID]*amm.Pool

	// Unit-of-work state, live only while Lock runs.
	poolSnaps  map[amm.PoolID]*amm.Pool // nil value marks "did not exist"
	vaultSnaps map[currency.Currency]*big.Int
	pending    []events.Event
	poisoned   bool
}

// New creates an engine from the given configuration.
func New(cfg Config) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	vault := NewVault()
	return &Engine{
		log:     cfg.Logger,
		metrics: metrics.New(cfg.Registry),
		sink:    cfg.Sink,
		vault:   vault,
		ledger:  ledger.New(vault, cfg.Logger),
		hooks:   hooks.NewRegistry(),
		pools:   make(map[amm.PoolID]*amm.Pool),
	}, nil
}

// Hooks returns the policy hook registry.
func (e *Engine) Hooks() *hooks.Registry { return e.hooks }

// Deposit credits custody from an external payer. Inside a unit of work the
// credit participates in rollback; callers normally deposit between
// StartPaymentSession and CompletePaymentSession.
func (e *Engine) Deposit(c currency.Currency, amount *big.Int) {
	e.snapshotVault(c)
	e.vault.credit(c, amount)
}

// CustodyBalance returns the custody balance held for a currency.
func (e *Engine) CustodyBalance(c currency.Currency) *big.Int {
	return e.vault.Balance(c)
}

// Lock opens a top-level lock context controlled by the given address, runs
// fn against it, and closes it. fn's error, an outstanding debt at close, or
// a poisoned nested context all abort the unit: every pool and custody
// balance touched is restored and no events are flushed.
//
// Lock itself is not reentrant; nested contexts are opened with Session.Nest.
func (e *Engine) Lock(controller common.Address, fn func(*Session) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.beginUnit()
	ctx := e.ledger.Open(controller)
	e.metrics.LocksOpened.Inc()
	e.metrics.LockDepth.Set(float64(e.ledger.Depth()))

	err := fn(&Session{engine: e, ctx: ctx})
	if err == nil && e.poisoned {
		err = ErrUnitPoisoned
	}
	if err == nil {
		err = e.ledger.Close(ctx)
	}

	e.metrics.LockDepth.Set(float64(e.ledger.Depth()))
	if err != nil {
		e.ledger.Abort(ctx)
		e.rollbackUnit()
		e.log.Warn("unit of work aborted", zap.Error(err))
		return err
	}

	e.commitUnit()
	return nil
}

// beginUnit resets the unit-of-work bookkeeping.
func (e *Engine) beginUnit() {
	e.poolSnaps = make(map[amm.PoolID]*amm.Pool)
	e.vaultSnaps = make(map[currency.Currency]*big.Int)
	e.pending = e.pending[:0]
	e.poisoned = false
}

// snapshotPool records the pre-image of a pool the first time the unit
// touches it. A nil entry means the pool did not exist.
func (e *Engine) snapshotPool(id amm.PoolID) {
	if e.poolSnaps == nil {
		return
	}
	if _, done := e.poolSnaps[id]; done {
		return
	}
	if pool, ok := e.pools[id]; ok {
		e.poolSnaps[id] = pool.Clone()
	} else {
		e.poolSnaps[id] = nil
	}
}

// snapshotVault records the pre-image of a custody balance once per unit.
func (e *Engine) snapshotVault(c currency.Currency) {
	if e.vaultSnaps == nil {
		return
	}
	if _, done := e.vaultSnaps[c]; done {
		return
	}
	e.vaultSnaps[c] = e.vault.Balance(c)
}

func (e *Engine) rollbackUnit() {
	for id, snap := range e.poolSnaps {
		if snap == nil {
			delete(e.pools, id)
		} else {
			e.pools[id] = snap
		}
	}
	for c, bal := range e.vaultSnaps {
		e.vault.set(c, bal)
	}
	e.endUnit()
}

func (e *Engine) commitUnit() {
	if len(e.pending) > 0 {
		if err := e.sink.Put(e.pending); err != nil {
			// The state transition already happened; journal loss is
			// surfaced but does not undo it.
			e.log.Error("event sink write failed", zap.Error(err))
		} else {
			e.metrics.EventsEmitted.Add(float64(len(e.pending)))
		}
	}
	e.metrics.PoolsTracked.Set(float64(len(e.pools)))
	e.endUnit()
}

func (e *Engine) endUnit() {
	e.poolSnaps = nil
	e.vaultSnaps = nil
	e.pending = e.pending[:0]
	e.poisoned = false
}

// emit buffers a journal event until the unit commits.
func (e *Engine) emit(ev events.Event) {
	ev.Timestamp = time.Now().UTC()
	e.pending = append(e.pending, ev)
}

// Pool returns a deep copy of the pool with the given id, so callers can
// inspect state without racing the engine.
func (e *Engine) Pool(id amm.PoolID) (*amm.Pool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pool, ok := e.pools[id]
	if !ok {
		return nil, amm.ErrPoolNotFound
	}
	return pool.Clone(), nil
}

// Pools returns deep copies of every pool, for diffing and inspection.
func (e *Engine) Pools() []*amm.Pool {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*amm.Pool, 0, len(e.pools))
	for _, pool := range e.pools {
		out = append(out, pool.Clone())
	}
	return out
}
