// Package postgres persists the engine's event journal to Postgres.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rangeledger/rangeledger-core-go/events"
)

// Store provides Postgres persistence for engine events.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InsertEvents appends a batch of events to the journal table.
func (s *Store) InsertEvents(ctx context.Context, evs []events.Event) error {
	if len(evs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, ev := range evs {
		batch.Queue(`
			INSERT INTO engine_events (
				kind, occurred_at, context_id, pool_id, actor,
				tick_lower, tick_upper, amount0, amount1, currency, amount
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		`,
			string(ev.Kind),
			ev.Timestamp,
			int64(ev.Context),
			ev.PoolID,
			ev.Actor.Hex(),
			ev.TickLower,
			ev.TickUpper,
			nullable(ev.Amount0),
			nullable(ev.Amount1),
			nullable(ev.Currency),
			nullable(ev.Amount),
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range evs {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// PutCtx adapts the store to the events.Sink contract under a fixed context.
type PutCtx struct {
	Store *Store
	Ctx   context.Context
}

func (p PutCtx) Put(evs []events.Event) error {
	return p.Store.InsertEvents(p.Ctx, evs)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
