// Package fetcher implements the prefix-parse-and-pipeline stage: it
// issues one HTTP GET at a time against the upstream change stream,
// extracts the next change-id from the response's leading bytes as soon
// as they arrive, and hands the remainder of the streaming body to the
// worker while the next fetch is already underway.
//
// The cyclic/self-pacing shape is grounded on the teacher's
// proxy.Fetcher/FetchScheduler (proxy/fetch.go): there, Fetch() issues one
// request-response round trip and the caller decides whether to
// reschedule immediately or after a delay depending on a queue-size hint;
// here the equivalent decision is driven by HTTP status and the
// self-reference (head-of-chain) case.
package fetcher

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/op/go-logging"
	"github.com/pkg/errors"

	"github.com/maximumstock/stash-indexer/internal/auth"
	"github.com/maximumstock/stash-indexer/internal/poeapi"
	"github.com/maximumstock/stash-indexer/internal/ratelimit"
	"github.com/maximumstock/stash-indexer/internal/scheduler"
)

const (
	// TransportRetryCeiling bounds reschedules for Transport and generic
	// 5xx/4xx errors (spec Design Notes open-question resolution).
	TransportRetryCeiling = 5
	// AuthRetryCeiling bounds reschedules triggered by a 401.
	AuthRetryCeiling = 1
	// HeadOfChainPenaltyQuanta is how many rate-limit quanta the fetcher
	// skips when it discovers it is at the head of the chain, to avoid
	// hot-polling.
	HeadOfChainPenaltyQuanta = 4
	// defaultCooldownSeconds is used when the x-rate-limit-ip header is
	// missing or malformed.
	defaultCooldownSeconds = 60
)

// Config wires a Fetcher to its collaborators.
type Config struct {
	BaseURL     string
	HTTPClient  *http.Client
	Governor    *ratelimit.Governor
	Credentials *auth.Cache
	ClientID    string
	Version     string
	Mail        string
	Log         *logging.Logger

	In         <-chan scheduler.FetchTask
	SchedulerIn chan<- scheduler.Message
}

// Fetcher is the single-goroutine fetch stage. It must never have more
// than one HTTP request in flight; this is enforced by its own
// single-threaded Run loop plus the rate-limit governor it shares with no
// one else.
type Fetcher struct {
	cfg Config
}

// New constructs a Fetcher.
func New(cfg Config) *Fetcher {
	return &Fetcher{cfg: cfg}
}

// Run processes FetchTasks from In until ctx is cancelled or In is closed.
func (f *Fetcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case task, ok := <-f.cfg.In:
			if !ok {
				return nil
			}
			f.handle(ctx, task)
			if ctx.Err() != nil {
				return nil
			}
		}
	}
}

func (f *Fetcher) handle(ctx context.Context, task scheduler.FetchTask) {
	if err := f.cfg.Governor.Wait(ctx); err != nil {
		return
	}

	cred, err := f.cfg.Credentials.Get(ctx)
	if err != nil {
		f.logf("credential acquisition failed for %s: %v", task.ChangeID, err)
		f.rescheduleTransport(ctx, task)
		return
	}

	req, err := f.buildRequest(ctx, task, cred)
	if err != nil {
		f.logf("failed to build request for %s: %v", task.ChangeID, err)
		f.rescheduleTransport(ctx, task)
		return
	}

	resp, err := f.cfg.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		f.logf("transport error fetching %s: %v", task.ChangeID, err)
		f.rescheduleTransport(ctx, task)
		return
	}

	switch resp.StatusCode {
	case http.StatusOK:
		f.handleSuccess(ctx, task, resp)

	case http.StatusUnauthorized:
		resp.Body.Close()
		f.cfg.Credentials.Invalidate()
		if task.AuthRetries >= AuthRetryCeiling {
			f.stop(ctx, errors.Errorf("auth retry ceiling exceeded for %s", task.ChangeID))
			return
		}
		task.AuthRetries++
		f.emitFetch(ctx, task)

	case http.StatusForbidden:
		resp.Body.Close()
		f.stop(ctx, errors.Errorf("upstream returned 403 for %s: credential or IP banned", task.ChangeID))

	case http.StatusTooManyRequests:
		d := f.parseCooldown(resp.Header.Get("x-rate-limit-ip"))
		resp.Body.Close()
		f.emitRateLimited(ctx, d)
		f.emitFetch(ctx, task)

	case http.StatusServiceUnavailable:
		resp.Body.Close()
		f.emitRateLimited(ctx, defaultCooldownSeconds*time.Second)
		f.emitFetch(ctx, task)

	default:
		resp.Body.Close()
		f.logf("unexpected status %d fetching %s", resp.StatusCode, task.ChangeID)
		f.rescheduleTransport(ctx, task)
	}
}

func (f *Fetcher) buildRequest(ctx context.Context, task scheduler.FetchTask, cred auth.Credential) (*http.Request, error) {
	url := fmt.Sprintf("%s/public-stash-tabs?id=%s", strings.TrimRight(f.cfg.BaseURL, "/"), task.ChangeID.String())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", fmt.Sprintf("OAuth %s/%s (contact: %s)", f.cfg.ClientID, f.cfg.Version, f.cfg.Mail))
	req.Header.Set("Authorization", "Bearer "+cred.Token)
	return req, nil
}

func (f *Fetcher) handleSuccess(ctx context.Context, task scheduler.FetchTask, resp *http.Response) {
	prefix, short, err := readUntilThreshold(ctx, resp.Body, poeapi.PrefixThresholdBytes)
	if err != nil {
		resp.Body.Close()
		if ctx.Err() != nil {
			return
		}
		f.logf("transport error reading body for %s: %v", task.ChangeID, err)
		f.rescheduleTransport(ctx, task)
		return
	}
	if short {
		resp.Body.Close()
		f.logf("prefix parse error: body shorter than threshold for %s", task.ChangeID)
		f.rescheduleTransport(ctx, task)
		return
	}

	nextID, err := poeapi.ScanNextChangeID(prefix)
	if err != nil {
		resp.Body.Close()
		f.logf("prefix parse error for %s: %v", task.ChangeID, err)
		f.rescheduleTransport(ctx, task)
		return
	}

	if nextID.Equal(task.ChangeID) {
		// Head of the chain: extend the wait before the next attempt
		// instead of hot-polling the same id.
		if err := f.cfg.Governor.Penalize(ctx, HeadOfChainPenaltyQuanta); err != nil {
			resp.Body.Close()
			return
		}
	}

	nextTask := scheduler.FetchTask{ChangeID: nextID, TraceID: uuid.New()}
	f.emitFetch(ctx, nextTask)

	work := scheduler.WorkerTask{
		SourceChangeID: task.ChangeID,
		Prefix:         prefix,
		Body:           resp.Body,
		TraceID:        task.TraceID,
		RetryCount:     task.DecodeRetries,
	}
	f.emitWork(ctx, work)
}

// parseCooldown parses the x-rate-limit-ip header, which is colon
// delimited with the cooldown in seconds as the last segment. A missing
// or malformed header falls back to 60s, logging a warning in the
// malformed case.
func (f *Fetcher) parseCooldown(header string) time.Duration {
	if header == "" {
		return defaultCooldownSeconds * time.Second
	}
	parts := strings.Split(header, ":")
	seconds, err := strconv.Atoi(parts[len(parts)-1])
	if err != nil {
		f.logf("malformed x-rate-limit-ip header %q, defaulting to %ds", header, defaultCooldownSeconds)
		return defaultCooldownSeconds * time.Second
	}
	return time.Duration(seconds) * time.Second
}

func (f *Fetcher) rescheduleTransport(ctx context.Context, task scheduler.FetchTask) {
	task.RetryCount++
	if task.RetryCount > TransportRetryCeiling {
		f.stop(ctx, errors.Errorf("retry ceiling exceeded for %s", task.ChangeID))
		return
	}
	f.emitFetch(ctx, task)
}

func (f *Fetcher) emitFetch(ctx context.Context, task scheduler.FetchTask) {
	select {
	case f.cfg.SchedulerIn <- scheduler.Message{Fetch: &task}:
	case <-ctx.Done():
	}
}

func (f *Fetcher) emitWork(ctx context.Context, work scheduler.WorkerTask) {
	select {
	case f.cfg.SchedulerIn <- scheduler.Message{Work: &work}:
	case <-ctx.Done():
	}
}

func (f *Fetcher) emitRateLimited(ctx context.Context, d time.Duration) {
	select {
	case f.cfg.SchedulerIn <- scheduler.Message{RateLimited: &scheduler.RateLimited{Duration: d}}:
	case <-ctx.Done():
	}
}

func (f *Fetcher) stop(ctx context.Context, err error) {
	select {
	case f.cfg.SchedulerIn <- scheduler.Message{Stop: &scheduler.Stop{Err: err}}:
	case <-ctx.Done():
	}
}

func (f *Fetcher) logf(format string, args ...interface{}) {
	if f.cfg.Log != nil {
		f.cfg.Log.Warningf(format, args...)
	}
}

// readUntilThreshold reads from body until at least threshold bytes have
// accumulated or EOF is reached, whichever comes first. short reports
// whether EOF was reached before the threshold.
func readUntilThreshold(ctx context.Context, body io.Reader, threshold int) (prefix []byte, short bool, err error) {
	buf := bytes.NewBuffer(make([]byte, 0, threshold+64))
	chunk := make([]byte, 4096)
	for buf.Len() < threshold {
		if ctx.Err() != nil {
			return buf.Bytes(), false, ctx.Err()
		}
		n, rerr := body.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
		}
		if rerr == io.EOF {
			return buf.Bytes(), buf.Len() < threshold, nil
		}
		if rerr != nil {
			return buf.Bytes(), false, rerr
		}
	}
	return buf.Bytes(), false, nil
}
