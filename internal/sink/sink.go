// Package sink defines the fan-out contract every downstream consumer of
// a Tick satisfies, and the dispatch loop that drives them independently.
//
// The capability-interface shape is grounded on the teacher's
// storage.Store family (storage/ingress, storage/egress): each exposes a
// narrow read/write contract consumed by exactly one call site, rather
// than a single god-interface. Here that generalizes to a polymorphic
// list of sinks, each invoked for every batch.
package sink

import (
	"context"

	"github.com/op/go-logging"

	"github.com/maximumstock/stash-indexer/internal/poeapi"
)

// Batch is the stash list of one Tick, handed to every configured sink.
type Batch struct {
	League  string
	Stashes []poeapi.Stash
}

// Sink is the fan-out capability every downstream consumer implements.
// Handle returns how many stashes it accepted; Flush is awaited once on
// shutdown. Implementations own their own retries and buffering — a sink
// error never aborts the dispatch loop.
type Sink interface {
	Handle(ctx context.Context, batch Batch) (int, error)
	Flush(ctx context.Context) error
}

// Dispatcher fans a batch out to every configured sink in sequence. No
// ordering is guaranteed between sinks; a failing sink is logged and does
// not prevent the others from running (spec 4.6).
type Dispatcher struct {
	sinks []Sink
	log   *logging.Logger
}

// New constructs a Dispatcher over sinks, in the order they will be
// invoked for each batch.
func New(sinks []Sink, log *logging.Logger) *Dispatcher {
	return &Dispatcher{sinks: sinks, log: log}
}

// Dispatch invokes Handle on every sink with batch, logging (not
// aborting) on error.
func (d *Dispatcher) Dispatch(ctx context.Context, batch Batch) {
	for _, s := range d.sinks {
		if _, err := s.Handle(ctx, batch); err != nil && d.log != nil {
			d.log.Errorf("sink: handle failed: %v", err)
		}
	}
}

// FlushAll awaits Flush on every sink, continuing past individual
// failures so shutdown still exits 0 per spec.
func (d *Dispatcher) FlushAll(ctx context.Context) {
	for _, s := range d.sinks {
		if err := s.Flush(ctx); err != nil && d.log != nil {
			d.log.Errorf("sink: flush failed: %v", err)
		}
	}
}
