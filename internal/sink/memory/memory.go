// Package memory implements a ring-buffered in-process sink, used by
// tests and as the reference sink of last resort. It mirrors the
// teacher's storage/ingress.Store.Messages in-process listing contract
// (ingress/db.go), replacing the bolt-backed persistence with a plain
// ring buffer since this sink makes no durability claim.
package memory

import (
	"context"
	"sync"

	"github.com/maximumstock/stash-indexer/internal/poeapi"
	"github.com/maximumstock/stash-indexer/internal/sink"
)

// defaultCapacity bounds the ring buffer when New is given capacity <= 0.
const defaultCapacity = 1024

// Sink keeps the last Capacity batches handed to it in memory, in
// arrival order. It never errors on Handle or Flush.
type Sink struct {
	mu       sync.Mutex
	batches  []sink.Batch
	capacity int
}

// New constructs a Sink retaining at most capacity batches (oldest
// dropped first). capacity <= 0 uses defaultCapacity.
func New(capacity int) *Sink {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Sink{capacity: capacity}
}

// Handle appends batch, evicting the oldest entry if at capacity.
func (s *Sink) Handle(ctx context.Context, batch sink.Batch) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, batch)
	if len(s.batches) > s.capacity {
		s.batches = s.batches[len(s.batches)-s.capacity:]
	}
	return len(batch.Stashes), nil
}

// Flush is a no-op; the sink holds nothing that needs to be drained.
func (s *Sink) Flush(ctx context.Context) error {
	return nil
}

// Batches returns a snapshot copy of every batch currently retained.
func (s *Sink) Batches() []sink.Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sink.Batch, len(s.batches))
	copy(out, s.batches)
	return out
}

// Stashes flattens every retained batch's stashes into one slice, in
// arrival order.
func (s *Sink) Stashes() []poeapi.Stash {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []poeapi.Stash
	for _, b := range s.batches {
		out = append(out, b.Stashes...)
	}
	return out
}
