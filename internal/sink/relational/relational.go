// Package relational implements the relational sink: one INSERT statement
// per stash of the batch (not a single multi-row statement), idempotent on
// conflict so that replays (at-least-once delivery, spec Non-goals) cause
// no duplication.
//
// Grounded on original_source/crates/indexer/src/sinks/postgres.rs's
// `ON CONFLICT ... DO NOTHING` insert contract; pgx is an indirect
// dependency already present in the teacher's own go.mod.
package relational

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/op/go-logging"
	"github.com/pkg/errors"

	"github.com/maximumstock/stash-indexer/internal/sink"
)

const insertStatement = `
INSERT INTO stashes (id, public, account_name, stash_name, stash_type, league, items)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (id) DO NOTHING
`

// Pool is the subset of pgxpool.Pool this sink calls, so tests can
// substitute a fake.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgxCommandTag, error)
}

// pgxCommandTag mirrors pgconn.CommandTag's shape (RowsAffected) without
// importing pgconn directly, keeping Pool easy to fake in tests.
type pgxCommandTag interface {
	RowsAffected() int64
}

// Sink bulk-inserts every stash in a batch with an idempotent upsert.
type Sink struct {
	pool Pool
	log  *logging.Logger
}

// New constructs a Sink backed by an already-connected pool.
func New(pool Pool, log *logging.Logger) *Sink {
	return &Sink{pool: pool, log: log}
}

// NewPool connects a pgxpool.Pool with the given max connections, the
// idiom used to wire POSTGRES_MAX_CONNS from SPEC_FULL.md §6.
func NewPool(ctx context.Context, databaseURL string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "relational: parse database url")
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "relational: connect")
	}
	return pool, nil
}

// pgxPoolAdapter adapts *pgxpool.Pool's concrete pgconn.CommandTag return
// value to the Pool interface above, so the sink itself never imports
// pgconn directly.
type pgxPoolAdapter struct {
	pool *pgxpool.Pool
}

// NewPoolAdapter wraps an already-connected pgxpool.Pool as a Pool.
func NewPoolAdapter(pool *pgxpool.Pool) Pool {
	return pgxPoolAdapter{pool: pool}
}

func (a pgxPoolAdapter) Exec(ctx context.Context, sql string, args ...interface{}) (pgxCommandTag, error) {
	return a.pool.Exec(ctx, sql, args...)
}

// Handle inserts every stash in batch with one statement per stash; the
// statements run outside any transaction, so an error part-way leaves the
// stashes before it inserted. A primary-key conflict is silently ignored
// (spec.md §4.6).
func (s *Sink) Handle(ctx context.Context, batch sink.Batch) (int, error) {
	inserted := 0
	for _, st := range batch.Stashes {
		items, err := json.Marshal(st.Items)
		if err != nil {
			return inserted, errors.Wrapf(err, "relational: marshal items for stash %s", st.ID)
		}
		tag, err := s.pool.Exec(ctx, insertStatement,
			st.ID, st.Public, nullableString(st.AccountName), nullableString(st.StashName),
			st.StashType, nullableString(st.League), items,
		)
		if err != nil {
			return inserted, errors.Wrapf(err, "relational: insert stash %s", st.ID)
		}
		if tag.RowsAffected() > 0 {
			inserted++
		} else if s.log != nil {
			s.log.Debugf("relational: conflict ignored for stash %s", st.ID)
		}
	}
	return inserted, nil
}

// Flush is a no-op: this sink buffers nothing of its own (spec.md §4.6).
func (s *Sink) Flush(ctx context.Context) error {
	return nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
