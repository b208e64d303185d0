package resumption

import (
	"context"
	"os"

	"github.com/op/go-logging"

	"github.com/maximumstock/stash-indexer/internal/changeid"
)

// Tracker holds the in-memory resumption state; it is exclusive to the
// outer control loop (spec Concurrency Model), so it needs no locking of
// its own.
type Tracker struct {
	store   *Store
	current changeid.ID
	next    changeid.ID
	log     *logging.Logger
}

// NewTracker constructs a Tracker backed by store.
func NewTracker(store *Store, log *logging.Logger) *Tracker {
	return &Tracker{store: store, log: log}
}

// Seed determines the pipeline's starting change-id per mode: Resume
// reads the persisted file, falling back to Fresh if it is absent or
// malformed; Fresh always queries discoverer.
func (t *Tracker) Seed(ctx context.Context, mode Mode, discoverer Discoverer) (changeid.ID, error) {
	if mode == Resume {
		state, err := t.store.Load()
		if err == nil {
			t.current = state.ChangeID
			t.next = state.NextChangeID
			if t.log != nil {
				t.log.Infof("resumption: resuming at %s", state.NextChangeID)
			}
			return state.NextChangeID, nil
		}
		if !os.IsNotExist(err) && t.log != nil {
			t.log.Warningf("resumption: state file unreadable (%v), falling back to fresh start", err)
		}
	}

	id, err := discoverer.Discover(ctx)
	if err != nil {
		return changeid.ID{}, err
	}
	t.current = changeid.ID{}
	t.next = id
	if t.log != nil {
		t.log.Infof("resumption: starting fresh at %s", id)
	}
	return id, nil
}

// Update records a successful Tick's resulting position.
func (t *Tracker) Update(previous, next changeid.ID) {
	t.current = previous
	t.next = next
}

// Persist writes the current in-memory state to disk. The outer loop
// calls it once while shutting down, after a graceful stop or a fatal
// pipeline error alike; a crash between Ticks loses at most one page of
// progress, acceptable because sinks are idempotent (spec 4.7).
func (t *Tracker) Persist() error {
	return t.store.Save(State{ChangeID: t.current, NextChangeID: t.next})
}
