// Package differ implements the in-process differ sink: it keeps the
// last-seen item set for every stash it has observed in an LRU cache and,
// on the next observation of the same stash, emits a flattened diff of
// added/removed/changed items.
//
// Grounded on original_source/crates/stash-differ/src/differ.rs
// (StashDiffer::diff_stash, field-by-field item comparison) and
// src/stash.rs (the stash/account grouping shapes); the LRU of last-seen
// observations replaces the Rust original's in-memory LeagueStore/HashMap
// with a bounded cache so the differ cannot grow without limit across a
// long-running process, the dependency surface being
// github.com/hashicorp/golang-lru (ethereum-go-ethereum's own go.mod).
package differ

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/op/go-logging"

	"github.com/maximumstock/stash-indexer/internal/poeapi"
	"github.com/maximumstock/stash-indexer/internal/sink"
)

// ItemObservation is the handful of per-item fields the differ compares,
// grounded on the original's Item{id, stack_size, note}; item contents
// beyond this are out of scope (spec Non-goals).
type ItemObservation struct {
	StackSize int
	Note      string
}

// StashObservation is the differ's comparison unit: one stash's item set
// as of one Tick.
type StashObservation struct {
	League      string
	AccountName string
	StashType   string
	Items       map[string]ItemObservation
	CapturedAt  time.Time
}

// EventKind distinguishes the three shapes of StashDiff entries, mirroring
// the original's DiffEvent::{Added,Removed,Changed}.
type EventKind int

const (
	Added EventKind = iota
	Removed
	Changed
)

func (k EventKind) String() string {
	switch k {
	case Added:
		return "added"
	case Removed:
		return "removed"
	case Changed:
		return "changed"
	default:
		return "unknown"
	}
}

// DiffEvent is one item-level change within a StashDiff.
type DiffEvent struct {
	Kind             EventKind
	ItemID           string
	StackSizeChanged bool
	NoteChanged      bool
}

// StashDiff is the output of comparing two observations of the same
// stash.
type StashDiff struct {
	StashID     string
	League      string
	AccountName string
	Events      []DiffEvent
}

// Differ is a Sink that never forwards data externally: it keeps its own
// bounded memory of observations and reports diffs through Emit.
type Differ struct {
	cache *lru.Cache
	log   *logging.Logger
	emit  func(StashDiff)
}

// Config wires a Differ.
type Config struct {
	// LRUSize bounds how many distinct stash ids are remembered at once
	// (DIFFER_LRU_SIZE, default 4096 per SPEC_FULL.md §6).
	LRUSize int
	Log     *logging.Logger
	// Emit is called once per stash whose current and previous
	// observations differ. If nil, diffs are only logged.
	Emit func(StashDiff)
}

// New constructs a Differ.
func New(cfg Config) (*Differ, error) {
	if cfg.LRUSize <= 0 {
		cfg.LRUSize = 4096
	}
	cache, err := lru.New(cfg.LRUSize)
	if err != nil {
		return nil, err
	}
	return &Differ{cache: cache, log: cfg.Log, emit: cfg.Emit}, nil
}

// Handle diffs every stash in batch against its last-seen observation
// (if any), then records the new observation. Non-public stashes carry no
// reliable optional fields upstream and are skipped, mirroring the
// original's "avoid non-public stashes" guard.
func (d *Differ) Handle(ctx context.Context, batch sink.Batch) (int, error) {
	handled := 0
	for _, stash := range batch.Stashes {
		if !stash.Public {
			continue
		}
		observation := toObservation(stash, time.Now())
		if prevVal, ok := d.cache.Get(stash.ID); ok {
			prev := prevVal.(StashObservation)
			diff := diffStashes(stash.ID, prev, observation)
			if len(diff.Events) > 0 {
				if d.emit != nil {
					d.emit(diff)
				}
				if d.log != nil {
					d.log.Debugf("differ: stash %s changed (%d events)", stash.ID, len(diff.Events))
				}
			}
		}
		d.cache.Add(stash.ID, observation)
		handled++
	}
	return handled, nil
}

// Flush drops the LRU, per SPEC_FULL.md §4.6.
func (d *Differ) Flush(ctx context.Context) error {
	d.cache.Purge()
	return nil
}

func toObservation(stash poeapi.Stash, now time.Time) StashObservation {
	items := make(map[string]ItemObservation, len(stash.Items))
	for _, item := range stash.Items {
		items[item.ID] = ItemObservation{StackSize: item.StackSize, Note: item.Note}
	}
	return StashObservation{
		League:      stash.League,
		AccountName: stash.AccountName,
		StashType:   stash.StashType,
		Items:       items,
		CapturedAt:  now,
	}
}

// diffStashes flattens added/removed/changed items between two
// observations of the same stash id, grounded on
// StashDiffer::diff_stash's three loops (removed/changed over `before`,
// added over `after`).
func diffStashes(stashID string, before, after StashObservation) StashDiff {
	diff := StashDiff{StashID: stashID, League: after.League, AccountName: after.AccountName}

	for itemID, beforeItem := range before.Items {
		afterItem, ok := after.Items[itemID]
		if !ok {
			diff.Events = append(diff.Events, DiffEvent{Kind: Removed, ItemID: itemID})
			continue
		}
		stackChanged := beforeItem.StackSize != afterItem.StackSize
		noteChanged := beforeItem.Note != afterItem.Note
		if stackChanged || noteChanged {
			diff.Events = append(diff.Events, DiffEvent{
				Kind:             Changed,
				ItemID:           itemID,
				StackSizeChanged: stackChanged,
				NoteChanged:      noteChanged,
			})
		}
	}

	for itemID := range after.Items {
		if _, ok := before.Items[itemID]; !ok {
			diff.Events = append(diff.Events, DiffEvent{Kind: Added, ItemID: itemID})
		}
	}

	return diff
}
