package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maximumstock/stash-indexer/internal/changeid"
)

func newTestScheduler(t *testing.T) (*Scheduler, context.Context, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	fetcherDone := make(chan struct{})
	workerDone := make(chan struct{})
	close(fetcherDone)
	close(workerDone)

	s := New(Config{
		ToFetcher:      make(chan FetchTask, 4),
		ToWorker:       make(chan WorkerTask, 4),
		ToCaller:       make(chan Message, 4),
		CancelPipeline: cancel,
		FetcherDone:    fetcherDone,
		WorkerDone:     workerDone,
	})
	return s, ctx, cancel
}

func TestFetchForwardedImmediately(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	s, ctx, cancel := newTestScheduler(t)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	task := FetchTask{ChangeID: changeid.MustParse("1-2-3-4-5")}
	s.In <- Message{Fetch: &task}

	select {
	case got := <-s.toFetcher:
		assert.True(got.ChangeID.Equal(task.ChangeID))
	case <-time.After(time.Second):
		require.Fail("timed out waiting for forwarded fetch")
	}

	s.In <- Message{Stop: &Stop{}}
	select {
	case <-done:
	case <-time.After(time.Second):
		require.Fail("scheduler did not stop")
	}
}

func TestRateLimitedQueuesFetchUntilCooldownElapses(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	s, ctx, cancel := newTestScheduler(t)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	s.In <- Message{RateLimited: &RateLimited{Duration: 30 * time.Millisecond}}
	select {
	case msg := <-s.toCaller:
		require.NotNil(msg.RateLimited, "expected RateLimited forwarded to caller")
	case <-time.After(time.Second):
		require.Fail("timed out waiting for RateLimited forward")
	}

	task := FetchTask{ChangeID: changeid.MustParse("1-2-3-4-5")}
	s.In <- Message{Fetch: &task}

	select {
	case <-s.toFetcher:
		require.Fail("fetch dispatched before cooldown elapsed")
	case <-time.After(10 * time.Millisecond):
	}

	select {
	case got := <-s.toFetcher:
		assert.True(got.ChangeID.Equal(task.ChangeID))
	case <-time.After(time.Second):
		require.Fail("fetch never dispatched after cooldown")
	}

	s.In <- Message{Stop: &Stop{}}
	<-done
}

func TestTickForwardedToCaller(t *testing.T) {
	require := require.New(t)

	s, ctx, cancel := newTestScheduler(t)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	tick := TickPayload{Previous: changeid.MustParse("1-1-1-1-1"), Next: changeid.MustParse("2-2-2-2-2")}
	s.In <- Message{Tick: &tick}

	select {
	case msg := <-s.toCaller:
		require.NotNil(msg.Tick)
		require.True(msg.Tick.Next.Equal(tick.Next), "tick not forwarded correctly")
	case <-time.After(time.Second):
		require.Fail("timed out waiting for tick forward")
	}

	s.In <- Message{Stop: &Stop{}}
	<-done
}

func TestStopDrainsAndEmitsTerminalStop(t *testing.T) {
	require := require.New(t)

	s, ctx, cancel := newTestScheduler(t)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	s.In <- Message{Stop: &Stop{}}

	select {
	case err := <-done:
		require.NoError(err)
	case <-time.After(time.Second):
		require.Fail("scheduler did not stop")
	}
}
