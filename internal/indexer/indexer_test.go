package indexer

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maximumstock/stash-indexer/internal/changeid"
	"github.com/maximumstock/stash-indexer/internal/poeapi"
	"github.com/maximumstock/stash-indexer/internal/resumption"
	"github.com/maximumstock/stash-indexer/internal/scheduler"
	"github.com/maximumstock/stash-indexer/internal/sink"
	"github.com/maximumstock/stash-indexer/internal/sink/memory"
)

func blockUntilDone(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func newTestIndexer(t *testing.T) (*Indexer, *memory.Sink, *resumption.Tracker, *resumption.Store) {
	t.Helper()
	memSink := memory.New(0)
	dispatcher := sink.New([]sink.Sink{memSink}, nil)
	store := resumption.NewStore(filepath.Join(t.TempDir(), "state.json"))
	tracker := resumption.NewTracker(store, nil)

	idx := New(Config{
		ToFetcher:  make(chan scheduler.FetchTask, 1),
		ToWorker:   make(chan scheduler.WorkerTask, 1),
		FetcherRun: blockUntilDone,
		WorkerRun:  blockUntilDone,
		Dispatcher: dispatcher,
		Tracker:    tracker,
	})
	return idx, memSink, tracker, store
}

func TestRunDispatchesTickAndStopsOnStopMessage(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	idx, memSink, _, _ := newTestIndexer(t)
	seed := changeid.MustParse("1-1-1-1-1")
	next := changeid.MustParse("2-2-2-2-2")

	go func() {
		idx.SchedulerIn() <- scheduler.Message{Tick: &scheduler.TickPayload{
			Previous: seed,
			Next:     next,
			Stashes:  []poeapi.Stash{{ID: "abc", Public: true}},
		}}
		idx.SchedulerIn() <- scheduler.Message{Stop: &scheduler.Stop{}}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(idx.Run(ctx, seed))

	stashes := memSink.Stashes()
	require.Len(stashes, 1)
	assert.Equal("abc", stashes[0].ID)
}

func TestRunPropagatesStopError(t *testing.T) {
	require := require.New(t)

	idx, _, _, _ := newTestIndexer(t)
	seed := changeid.MustParse("1-1-1-1-1")
	wantErr := errors.New("boom")

	go func() {
		idx.SchedulerIn() <- scheduler.Message{Stop: &scheduler.Stop{Err: wantErr}}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := idx.Run(ctx, seed)
	require.Error(err)
	require.EqualError(err, wantErr.Error())
}

func TestRunContextCancellationPersistsStateOnShutdown(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	idx, _, tracker, store := newTestIndexer(t)
	seed := changeid.MustParse("1-1-1-1-1")
	next := changeid.MustParse("2-2-2-2-2")
	tracker.Update(seed, next)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	require.NoError(idx.Run(ctx, seed))

	got, err := store.Load()
	require.NoError(err)
	assert.True(got.NextChangeID.Equal(next))
}
