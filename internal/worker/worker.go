// Package worker implements the assembly stage: it reads the remainder of
// a streaming body handed off by the fetcher, reunites it with the
// already-consumed prefix, decodes the full response, and turns a
// successful decode into a Tick for the scheduler to fan out.
//
// The halt-channel/select-loop shape is grounded on the teacher's
// session.arqStream worker goroutine (session/arq.go); the decode-then-
// branch structure is grounded on proxy.Fetcher's processMessage.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/op/go-logging"
	"github.com/pkg/errors"

	"github.com/maximumstock/stash-indexer/internal/changeid"
	"github.com/maximumstock/stash-indexer/internal/clock"
	"github.com/maximumstock/stash-indexer/internal/poeapi"
	"github.com/maximumstock/stash-indexer/internal/scheduler"
)

const (
	// DecodeRetryCeiling bounds reschedules of the same change-id after a
	// Decode error (malformed body or invalid next_change_id token).
	DecodeRetryCeiling = 5
	// decodeCooldown is the soft pacing applied after a Decode error.
	decodeCooldown = 5 * time.Second
	// emptyPageCooldown is applied after a well-formed but empty page, to
	// reduce hot-polling at the head of the chain.
	emptyPageCooldown = 2 * time.Second
)

// Config wires a Worker to its collaborators.
type Config struct {
	Clock       clock.Clock
	Log         *logging.Logger
	In          <-chan scheduler.WorkerTask
	SchedulerIn chan<- scheduler.Message
}

// Worker is the single-goroutine assembly/decode stage.
type Worker struct {
	cfg Config
}

// New constructs a Worker.
func New(cfg Config) *Worker {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	return &Worker{cfg: cfg}
}

// Run processes WorkerTasks from In until ctx is cancelled or In is closed.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case task, ok := <-w.cfg.In:
			if !ok {
				return nil
			}
			w.handle(ctx, task)
			if ctx.Err() != nil {
				return nil
			}
		}
	}
}

func (w *Worker) handle(ctx context.Context, task scheduler.WorkerTask) {
	full, err := assembleBody(task.Prefix, task.Body)
	task.Body.Close()
	if err != nil {
		w.logf("body assembly failed for %s: %v", task.SourceChangeID, err)
		w.decodeFailure(ctx, task)
		return
	}

	var resp poeapi.ChangeResponse
	if err := json.Unmarshal(full, &resp); err != nil {
		w.logf("decode failure for %s: %v", task.SourceChangeID, err)
		w.decodeFailure(ctx, task)
		return
	}

	nextID, err := changeid.Parse(resp.NextChangeID)
	if err != nil {
		w.logf("invalid next_change_id %q for %s: %v", resp.NextChangeID, task.SourceChangeID, err)
		w.decodeFailure(ctx, task)
		return
	}

	if len(resp.Stashes) == 0 {
		w.emitRateLimited(ctx, emptyPageCooldown)
		return
	}

	tick := scheduler.TickPayload{
		Previous:  task.SourceChangeID,
		Next:      nextID,
		Stashes:   resp.Stashes,
		CreatedAt: w.cfg.Clock.Now(),
	}
	w.emitTick(ctx, tick)
}

func (w *Worker) decodeFailure(ctx context.Context, task scheduler.WorkerTask) {
	w.emitRateLimited(ctx, decodeCooldown)
	task.RetryCount++
	if task.RetryCount > DecodeRetryCeiling {
		w.stop(ctx, errors.Errorf("decode retry ceiling exceeded for %s", task.SourceChangeID))
		return
	}
	w.emitFetch(ctx, scheduler.FetchTask{ChangeID: task.SourceChangeID, TraceID: task.TraceID, DecodeRetries: task.RetryCount})
}

func (w *Worker) emitTick(ctx context.Context, tick scheduler.TickPayload) {
	select {
	case w.cfg.SchedulerIn <- scheduler.Message{Tick: &tick}:
	case <-ctx.Done():
	}
}

func (w *Worker) emitFetch(ctx context.Context, task scheduler.FetchTask) {
	select {
	case w.cfg.SchedulerIn <- scheduler.Message{Fetch: &task}:
	case <-ctx.Done():
	}
}

func (w *Worker) emitRateLimited(ctx context.Context, d time.Duration) {
	select {
	case w.cfg.SchedulerIn <- scheduler.Message{RateLimited: &scheduler.RateLimited{Duration: d}}:
	case <-ctx.Done():
	}
}

func (w *Worker) stop(ctx context.Context, err error) {
	select {
	case w.cfg.SchedulerIn <- scheduler.Message{Stop: &scheduler.Stop{Err: err}}:
	case <-ctx.Done():
	}
}

func (w *Worker) logf(format string, args ...interface{}) {
	if w.cfg.Log != nil {
		w.cfg.Log.Warningf(format, args...)
	}
}

// assembleBody reunites the fetcher's already-read prefix with the
// remainder of the stream, read to EOF.
func assembleBody(prefix []byte, body io.Reader) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(prefix)
	if _, err := io.Copy(&buf, body); err != nil {
		return nil, errors.Wrap(err, "worker: reading body remainder")
	}
	return buf.Bytes(), nil
}
