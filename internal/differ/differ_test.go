package differ

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maximumstock/stash-indexer/internal/poeapi"
	"github.com/maximumstock/stash-indexer/internal/sink"
)

func stashBatch(stashID string, public bool, items ...poeapi.Item) sink.Batch {
	return sink.Batch{
		Stashes: []poeapi.Stash{{ID: stashID, Public: public, Items: items}},
	}
}

func TestHandleEmitsNoDiffOnFirstObservation(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	var emitted []StashDiff
	d, err := New(Config{Emit: func(diff StashDiff) { emitted = append(emitted, diff) }})
	require.NoError(err)

	_, err = d.Handle(context.Background(), stashBatch("s1", true, poeapi.Item{ID: "i1"}))
	require.NoError(err)
	assert.Empty(emitted, "expected no diffs on first observation")
}

func TestHandleDetectsAddedRemovedChanged(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	var emitted []StashDiff
	d, err := New(Config{Emit: func(diff StashDiff) { emitted = append(emitted, diff) }})
	require.NoError(err)
	ctx := context.Background()

	_, err = d.Handle(ctx, stashBatch("s1", true,
		poeapi.Item{ID: "kept", StackSize: 1},
		poeapi.Item{ID: "removed"},
	))
	require.NoError(err)

	_, err = d.Handle(ctx, stashBatch("s1", true,
		poeapi.Item{ID: "kept", StackSize: 2},
		poeapi.Item{ID: "new"},
	))
	require.NoError(err)

	require.Len(emitted, 1)
	diff := emitted[0]
	kinds := map[string]EventKind{}
	for _, e := range diff.Events {
		kinds[e.ItemID] = e.Kind
	}
	assert.Equal(Removed, kinds["removed"])
	assert.Equal(Added, kinds["new"])
	assert.Equal(Changed, kinds["kept"])
}

func TestHandleSkipsNonPublicStashes(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	var emitted []StashDiff
	d, err := New(Config{Emit: func(diff StashDiff) { emitted = append(emitted, diff) }})
	require.NoError(err)
	ctx := context.Background()

	n, err := d.Handle(ctx, stashBatch("s1", false, poeapi.Item{ID: "i1"}))
	require.NoError(err)
	assert.Zero(n, "expected 0 handled for non-public stash")
}

func TestFlushPurgesCache(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	var emitted []StashDiff
	d, err := New(Config{Emit: func(diff StashDiff) { emitted = append(emitted, diff) }})
	require.NoError(err)
	ctx := context.Background()

	_, err = d.Handle(ctx, stashBatch("s1", true, poeapi.Item{ID: "i1"}))
	require.NoError(err)
	require.NoError(d.Flush(ctx))

	// After a flush the cache is empty, so the next observation of s1
	// looks like a first observation again: no diff emitted.
	_, err = d.Handle(ctx, stashBatch("s1", true, poeapi.Item{ID: "i2"}))
	require.NoError(err)
	assert.Empty(emitted, "expected no diffs after flush reset")
}
