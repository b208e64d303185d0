// Package indexer wires the scheduler, fetcher, and worker stages into
// the outer control loop described in spec.md §4.8: it seeds the first
// Fetch, consumes Ticks and RateLimited notifications from the
// scheduler's caller-facing channel, fans successful Ticks out to every
// configured sink, and drives a graceful shutdown (flush sinks, persist
// resumption state) on Stop.
//
// The daemon-shaped New/Run/Shutdown split and goroutine-group lifecycle
// are grounded on the teacher's client.New/Client.Shutdown (client.go)
// and on golang.org/x/sync/errgroup, the shape other_examples/dolthub's
// chunk-fetcher pipeline uses to propagate the first goroutine error
// while still running cleanup.
package indexer

import (
	"context"
	"time"

	"github.com/op/go-logging"
	"golang.org/x/sync/errgroup"

	"github.com/maximumstock/stash-indexer/internal/changeid"
	"github.com/maximumstock/stash-indexer/internal/resumption"
	"github.com/maximumstock/stash-indexer/internal/scheduler"
	"github.com/maximumstock/stash-indexer/internal/sink"
)

// Metrics is the subset of telemetry.Metrics the indexer increments;
// kept as an interface here so the indexer package does not need to
// import telemetry (which is ambient, not core, per spec.md §9).
type Metrics interface {
	IncError(kind string)
	IncTick()
	AddStashes(n int)
}

// NoopMetrics discards every observation; used when telemetry is
// disabled.
type NoopMetrics struct{}

func (NoopMetrics) IncError(string) {}
func (NoopMetrics) IncTick()        {}
func (NoopMetrics) AddStashes(int)  {}

// Config wires an Indexer to its already-constructed collaborators.
// FetcherRun/WorkerRun are the Run methods of a fetcher.Fetcher and
// worker.Worker built against ToFetcher/ToWorker and this Indexer's
// SchedulerIn() channel (see cmd/indexer for the wiring order).
type Config struct {
	ToFetcher  chan scheduler.FetchTask
	ToWorker   chan scheduler.WorkerTask
	FetcherRun func(context.Context) error
	WorkerRun  func(context.Context) error
	Dispatcher *sink.Dispatcher
	Tracker    *resumption.Tracker
	Metrics    Metrics
	Log        *logging.Logger
}

// Indexer owns the wiring between scheduler, fetcher, and worker and
// drives the outer control loop.
type Indexer struct {
	scheduler  *scheduler.Scheduler
	toCaller   chan scheduler.Message
	dispatcher *sink.Dispatcher
	tracker    *resumption.Tracker
	metrics    Metrics
	log        *logging.Logger

	fetcherDone chan struct{}
	workerDone  chan struct{}
	pipelineCtx context.Context

	fetcherRun func(context.Context) error
	workerRun  func(context.Context) error
}

// New constructs an Indexer.
func New(cfg Config) *Indexer {
	if cfg.Metrics == nil {
		cfg.Metrics = NoopMetrics{}
	}
	toCaller := make(chan scheduler.Message, 8)
	pipelineCtx, cancel := context.WithCancel(context.Background())

	idx := &Indexer{
		toCaller:    toCaller,
		dispatcher:  cfg.Dispatcher,
		tracker:     cfg.Tracker,
		metrics:     cfg.Metrics,
		log:         cfg.Log,
		fetcherDone: make(chan struct{}),
		workerDone:  make(chan struct{}),
		pipelineCtx: pipelineCtx,
		fetcherRun:  cfg.FetcherRun,
		workerRun:   cfg.WorkerRun,
	}

	idx.scheduler = scheduler.New(scheduler.Config{
		ToFetcher:      cfg.ToFetcher,
		ToWorker:       cfg.ToWorker,
		ToCaller:       toCaller,
		CancelPipeline: cancel,
		FetcherDone:    idx.fetcherDone,
		WorkerDone:     idx.workerDone,
		Log:            cfg.Log,
	})

	return idx
}

// SchedulerIn is the channel fetcher and worker send Fetch/Work/Tick/
// RateLimited/Stop messages to. Exposed so cmd/indexer can build the
// fetcher.Fetcher/worker.Worker before Config.FetcherRun/WorkerRun are
// known.
func (idx *Indexer) SchedulerIn() chan<- scheduler.Message {
	return idx.scheduler.In
}

// Run seeds the pipeline at seed and blocks until ctx is cancelled (a
// graceful-shutdown request) or a fatal error terminates the pipeline.
// It always attempts FlushAll and Persist before returning, even on a
// fatal error, per spec.md §7 (sink errors never abort shutdown).
func (idx *Indexer) Run(ctx context.Context, seed changeid.ID) error {
	g := &errgroup.Group{}
	g.Go(func() error {
		defer close(idx.fetcherDone)
		return idx.fetcherRun(idx.pipelineCtx)
	})
	g.Go(func() error {
		defer close(idx.workerDone)
		return idx.workerRun(idx.pipelineCtx)
	})

	schedulerErrCh := make(chan error, 1)
	go func() {
		schedulerErrCh <- idx.scheduler.Run(context.Background())
	}()

	select {
	case idx.scheduler.In <- scheduler.Message{Fetch: &scheduler.FetchTask{ChangeID: seed}}:
	case <-ctx.Done():
		return idx.shutdown(g, schedulerErrCh, ctx.Err())
	}

	runErr := idx.consume(ctx)
	return idx.shutdown(g, schedulerErrCh, runErr)
}

// consume drains the scheduler's caller-facing channel, dispatching Ticks
// to sinks and forwarding RateLimited as a log line, until ctx signals a
// graceful stop or the scheduler emits a terminal Stop.
func (idx *Indexer) consume(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			idx.requestStop(nil)
			return nil

		case msg, ok := <-idx.toCaller:
			if !ok {
				return nil
			}
			switch {
			case msg.Tick != nil:
				idx.handleTick(ctx, *msg.Tick)

			case msg.RateLimited != nil:
				if idx.log != nil {
					idx.log.Infof("indexer: rate limited for %s", msg.RateLimited.Duration)
				}

			case msg.Stop != nil:
				return msg.Stop.Err
			}
		}
	}
}

func (idx *Indexer) handleTick(ctx context.Context, tick scheduler.TickPayload) {
	idx.metrics.IncTick()
	idx.metrics.AddStashes(len(tick.Stashes))
	idx.tracker.Update(tick.Previous, tick.Next)

	if len(tick.Stashes) == 0 {
		return
	}
	idx.dispatcher.Dispatch(ctx, sink.Batch{Stashes: tick.Stashes})
}

func (idx *Indexer) requestStop(err error) {
	select {
	case idx.scheduler.In <- scheduler.Message{Stop: &scheduler.Stop{Err: err}}:
	case <-time.After(5 * time.Second):
		if idx.log != nil {
			idx.log.Warning("indexer: timed out requesting scheduler stop")
		}
	}
}

// shutdown waits for the pipeline goroutines and the scheduler to
// terminate, then flushes every sink and persists resumption state. It
// returns runErr when it is non-nil, and otherwise the goroutine group's
// error.
func (idx *Indexer) shutdown(g *errgroup.Group, schedulerErrCh <-chan error, runErr error) error {
	if runErr != nil {
		idx.metrics.IncError("fatal")
		idx.requestStop(runErr)
	}

	groupErr := g.Wait()

	select {
	case <-schedulerErrCh:
	case <-time.After(30 * time.Second):
		if idx.log != nil {
			idx.log.Warning("indexer: timed out waiting for scheduler shutdown")
		}
	}

	flushCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	idx.dispatcher.FlushAll(flushCtx)

	if err := idx.tracker.Persist(); err != nil && idx.log != nil {
		idx.log.Errorf("indexer: failed to persist resumption state: %v", err)
	}

	if runErr != nil {
		return runErr
	}
	return groupErr
}
