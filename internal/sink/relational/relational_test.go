package relational

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maximumstock/stash-indexer/internal/poeapi"
	"github.com/maximumstock/stash-indexer/internal/sink"
)

type fakeTag struct{ rows int64 }

func (t fakeTag) RowsAffected() int64 { return t.rows }

type fakePool struct {
	execs     []string
	nextRows  []int64
	execIndex int
	err       error
}

func (f *fakePool) Exec(ctx context.Context, sql string, args ...interface{}) (pgxCommandTag, error) {
	f.execs = append(f.execs, sql)
	if f.err != nil {
		return fakeTag{}, f.err
	}
	rows := int64(1)
	if f.execIndex < len(f.nextRows) {
		rows = f.nextRows[f.execIndex]
	}
	f.execIndex++
	return fakeTag{rows: rows}, nil
}

func TestHandleInsertsEveryStash(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	pool := &fakePool{}
	s := New(pool, nil)

	batch := sink.Batch{Stashes: []poeapi.Stash{
		{ID: "s1", Public: true, StashType: "PremiumStash"},
		{ID: "s2", Public: true, StashType: "PremiumStash"},
	}}

	n, err := s.Handle(context.Background(), batch)
	require.NoError(err)
	assert.Equal(2, n)
	assert.Len(pool.execs, 2)
}

func TestHandleTreatsZeroRowsAffectedAsConflictIgnored(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	pool := &fakePool{nextRows: []int64{0}}
	s := New(pool, nil)

	batch := sink.Batch{Stashes: []poeapi.Stash{{ID: "s1", Public: true, StashType: "PremiumStash"}}}
	n, err := s.Handle(context.Background(), batch)
	require.NoError(err)
	assert.Zero(n, "expected conflict to be ignored")
}

func TestFlushIsNoop(t *testing.T) {
	require := require.New(t)

	s := New(&fakePool{}, nil)
	require.NoError(s.Flush(context.Background()))
}
