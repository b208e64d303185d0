// Package scheduler implements the serial event loop that mediates every
// cross-stage message in the indexer pipeline. It is the star at the
// center of what would otherwise be a fetcher<->worker cycle (spec Design
// Notes): fetcher and worker never address each other directly, only the
// scheduler, which keeps their shared state (the single pending fetch slot
// during a rate-limit cooldown) free of locks.
//
// The event-loop shape is grounded on the teacher's
// scheduler.PriorityScheduler (timer-driven dispatch of the next due task)
// and schedulers/priority.PriorityScheduler, generalized from a priority
// queue of many tasks to a single in-flight fetch slot, since the upstream
// rate limit never allows more than one request at a time.
package scheduler

import (
	"context"
	"time"

	"github.com/op/go-logging"
)

// Scheduler owns the queues between fetcher, worker, and the caller. All
// cross-stage communication passes through In; nothing else touches the
// outbound channels from outside this package.
type Scheduler struct {
	In chan Message

	toFetcher chan FetchTask
	toWorker  chan WorkerTask
	toCaller  chan Message

	cancelPipeline context.CancelFunc
	fetcherDone    <-chan struct{}
	workerDone     <-chan struct{}

	log *logging.Logger
}

// Config wires a Scheduler to its stages.
type Config struct {
	ToFetcher      chan FetchTask
	ToWorker       chan WorkerTask
	ToCaller       chan Message
	CancelPipeline context.CancelFunc
	FetcherDone    <-chan struct{}
	WorkerDone     <-chan struct{}
	Log            *logging.Logger
}

// New constructs a Scheduler. Its inbound channel is modestly buffered so
// that a RateLimited or Tick emitted by a stage never blocks that stage
// while the scheduler is busy dispatching.
func New(cfg Config) *Scheduler {
	return &Scheduler{
		In:             make(chan Message, 8),
		toFetcher:      cfg.ToFetcher,
		toWorker:       cfg.ToWorker,
		toCaller:       cfg.ToCaller,
		cancelPipeline: cfg.CancelPipeline,
		fetcherDone:    cfg.FetcherDone,
		workerDone:     cfg.WorkerDone,
		log:            cfg.Log,
	}
}

// Run drains In until a Stop message arrives or ctx is cancelled. Messages
// are handled strictly in arrival order, per spec.
func (s *Scheduler) Run(ctx context.Context) error {
	var pending []FetchTask
	var cooldownTimer *time.Timer
	var cooldownC <-chan time.Time

	defer func() {
		if cooldownTimer != nil {
			cooldownTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-cooldownC:
			cooldownC = nil
			for _, task := range pending {
				if err := s.sendFetch(ctx, task); err != nil {
					return err
				}
			}
			pending = nil

		case msg, ok := <-s.In:
			if !ok {
				if s.log != nil {
					s.log.Error("scheduler: inbound channel closed unexpectedly")
				}
				return errClosedChannel
			}

			switch {
			case msg.Fetch != nil:
				if cooldownC != nil {
					pending = append(pending, *msg.Fetch)
					continue
				}
				if err := s.sendFetch(ctx, *msg.Fetch); err != nil {
					return err
				}

			case msg.Work != nil:
				select {
				case s.toWorker <- *msg.Work:
				case <-ctx.Done():
					return ctx.Err()
				}

			case msg.RateLimited != nil:
				if cooldownTimer != nil {
					cooldownTimer.Stop()
				}
				cooldownTimer, cooldownC = s.armCooldown(msg.RateLimited.Duration)
				if err := s.forwardToCaller(ctx, msg); err != nil {
					return err
				}

			case msg.Tick != nil:
				if err := s.forwardToCaller(ctx, msg); err != nil {
					return err
				}

			case msg.Stop != nil:
				return s.drainAndStop(ctx, msg.Stop)
			}
		}
	}
}

func (s *Scheduler) sendFetch(ctx context.Context, task FetchTask) error {
	select {
	case s.toFetcher <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) forwardToCaller(ctx context.Context, msg Message) error {
	select {
	case s.toCaller <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) armCooldown(d time.Duration) (*time.Timer, <-chan time.Time) {
	if d <= 0 {
		d = time.Millisecond
	}
	t := time.NewTimer(d)
	return t, t.C
}

// drainAndStop broadcasts shutdown to fetcher and worker by cancelling the
// shared pipeline context, waits for both to terminate, then emits a
// terminal Stop to the caller.
func (s *Scheduler) drainAndStop(ctx context.Context, stop *Stop) error {
	if s.log != nil {
		s.log.Info("scheduler: draining")
	}
	s.cancelPipeline()

	waitCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.fetcherDone != nil {
		select {
		case <-s.fetcherDone:
		case <-waitCtx.Done():
			if s.log != nil {
				s.log.Warning("scheduler: timed out waiting for fetcher to halt")
			}
		}
	}
	if s.workerDone != nil {
		select {
		case <-s.workerDone:
		case <-waitCtx.Done():
			if s.log != nil {
				s.log.Warning("scheduler: timed out waiting for worker to halt")
			}
		}
	}

	select {
	case s.toCaller <- Message{Stop: stop}:
	default:
		// The caller may already have stopped listening; a terminal Stop
		// is best-effort once both stages have halted.
	}
	close(s.toCaller)
	if stop != nil {
		return stop.Err
	}
	return nil
}
