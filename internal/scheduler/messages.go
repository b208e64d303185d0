package scheduler

import (
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/maximumstock/stash-indexer/internal/changeid"
	"github.com/maximumstock/stash-indexer/internal/poeapi"
)

// FetchTask asks the fetcher to retrieve one change-id. RetryCount is
// monotonically non-decreasing across reschedules of the same task and is
// compared against the retry ceiling policy in the fetcher.
type FetchTask struct {
	ChangeID   changeid.ID
	RetryCount int
	// AuthRetries tracks how many times this task has been rescheduled
	// specifically due to a 401, independent of RetryCount which tracks
	// Transport/5xx reschedules. The policy ceiling for each is different
	// (spec Design Notes: 1 for 401, 5 for Transport/5xx).
	AuthRetries int
	// DecodeRetries carries the worker's decode-failure retry count across
	// the Fetch round trip: the worker increments it before rescheduling a
	// malformed change-id, and the fetcher seeds the next WorkerTask's own
	// RetryCount from it, so the decode retry ceiling is enforced across
	// the fetcher/worker boundary instead of resetting to zero on every
	// reschedule.
	DecodeRetries int
	TraceID       uuid.UUID
}

// WorkerTask is handed from the fetcher to the worker after the prefix has
// been parsed. Prefix and Body together make up the full response: Prefix
// must be read first, then Body read to EOF. Body is exclusively owned by
// whichever worker picks this task up; no second reader is ever
// constructed.
type WorkerTask struct {
	SourceChangeID changeid.ID
	Prefix         []byte
	Body           io.ReadCloser
	TraceID        uuid.UUID
	// RetryCount tracks how many times this exact change-id has been
	// rescheduled by the worker due to a Decode error, independent of the
	// fetcher's own FetchTask.RetryCount (they are different failure
	// domains: the fetcher's next-id fetch may already be in flight
	// pipelined ahead of a decode retry for this position).
	RetryCount int
}

// TickPayload is produced by the worker on a successful decode and
// broadcast to the caller and to every configured sink.
type TickPayload struct {
	Previous  changeid.ID
	Next      changeid.ID
	Stashes   []poeapi.Stash
	CreatedAt time.Time
}

// RateLimited notifies the caller that upstream asked for a cooldown of
// the given duration; new dispatches pause for at least that long.
type RateLimited struct {
	Duration time.Duration
}

// Stop requests (or, outbound, announces) pipeline shutdown.
type Stop struct {
	Err error
}

// Message is the scheduler's single inbound message set:
// {Fetch, Work, RateLimited, Tick, Stop}.
type Message struct {
	Fetch       *FetchTask
	Work        *WorkerTask
	RateLimited *RateLimited
	Tick        *TickPayload
	Stop        *Stop
}
