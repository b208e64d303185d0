package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maximumstock/stash-indexer/internal/auth"
	"github.com/maximumstock/stash-indexer/internal/changeid"
	"github.com/maximumstock/stash-indexer/internal/ratelimit"
	"github.com/maximumstock/stash-indexer/internal/scheduler"
)

// newTestFetcher wires a Fetcher against an httptest server; handle
// decides the /public-stash-tabs response for each call.
func newTestFetcher(t *testing.T, interval time.Duration, handle http.HandlerFunc) (*Fetcher, chan scheduler.FetchTask, chan scheduler.Message, func()) {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"access_token":"tok"}`))
	})
	mux.HandleFunc("/public-stash-tabs", handle)
	srv := httptest.NewServer(mux)

	creds := auth.New(auth.Config{ClientID: "id", ClientSecret: "secret", Scope: "service:psapi"}, srv.Client(), nil)
	creds.SetTokenEndpoint(srv.URL + "/oauth/token")

	in := make(chan scheduler.FetchTask, 4)
	out := make(chan scheduler.Message, 8)

	f := New(Config{
		BaseURL:     srv.URL,
		HTTPClient:  srv.Client(),
		Governor:    ratelimit.New(interval),
		Credentials: creds,
		ClientID:    "id",
		Version:     "0.1.0",
		Mail:        "test@example.com",
		In:          in,
		SchedulerIn: out,
	})

	return f, in, out, srv.Close
}

func jsonBody(nextChangeID string, padding int) string {
	var b strings.Builder
	fmt.Fprintf(&b, `{"next_change_id":"%s","stashes":[`, nextChangeID)
	for i := 0; i < padding; i++ {
		b.WriteByte(' ')
	}
	b.WriteString(`]}`)
	return b.String()
}

func TestHandleSuccessEmitsFetchThenWork(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	f, _, out, closeSrv := newTestFetcher(t, time.Millisecond, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(jsonBody("9-9-9-9-9", 200)))
	})
	defer closeSrv()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	task := scheduler.FetchTask{ChangeID: changeid.MustParse("1-1-1-1-1")}
	go f.handle(ctx, task)

	msg1 := recvMessage(t, out)
	require.NotNil(msg1.Fetch, "expected Fetch first, got %+v", msg1)
	assert.True(msg1.Fetch.ChangeID.Equal(changeid.MustParse("9-9-9-9-9")))

	msg2 := recvMessage(t, out)
	require.NotNil(msg2.Work, "expected Work second, got %+v", msg2)
	assert.True(msg2.Work.SourceChangeID.Equal(task.ChangeID))
	rest, err := io.ReadAll(msg2.Work.Body)
	require.NoError(err)
	full := string(msg2.Work.Prefix) + string(rest)
	assert.Contains(full, `"next_change_id":"9-9-9-9-9"`)
}

func TestSelfReferencePenalizesBeforeRescheduling(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	const interval = 20 * time.Millisecond
	f, _, out, closeSrv := newTestFetcher(t, interval, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(jsonBody("1-1-1-1-1", 200)))
	})
	defer closeSrv()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	task := scheduler.FetchTask{ChangeID: changeid.MustParse("1-1-1-1-1")}
	start := time.Now()
	go f.handle(ctx, task)

	msg := recvMessage(t, out)
	elapsed := time.Since(start)
	require.NotNil(msg.Fetch)
	assert.GreaterOrEqual(elapsed, HeadOfChainPenaltyQuanta*interval/2, "expected head-of-chain penalty to delay rescheduling")
}

func TestUnauthorizedReschedulesOnceThenStops(t *testing.T) {
	require := require.New(t)

	f, _, out, closeSrv := newTestFetcher(t, time.Millisecond, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	defer closeSrv()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	task := scheduler.FetchTask{ChangeID: changeid.MustParse("1-1-1-1-1")}
	go f.handle(ctx, task)

	msg := recvMessage(t, out)
	require.NotNil(msg.Fetch)
	require.EqualValues(1, msg.Fetch.AuthRetries, "expected rescheduled Fetch with AuthRetries=1, got %+v", msg)

	go f.handle(ctx, *msg.Fetch)
	msg2 := recvMessage(t, out)
	require.NotNil(msg2.Stop, "expected Stop after auth retry ceiling exceeded, got %+v", msg2)
}

func TestForbiddenStopsImmediately(t *testing.T) {
	require := require.New(t)

	f, _, out, closeSrv := newTestFetcher(t, time.Millisecond, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	defer closeSrv()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	task := scheduler.FetchTask{ChangeID: changeid.MustParse("1-1-1-1-1")}
	go f.handle(ctx, task)

	msg := recvMessage(t, out)
	require.NotNil(msg.Stop, "expected Stop on 403, got %+v", msg)
}

func TestTooManyRequestsEmitsRateLimitedThenReschedules(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	f, _, out, closeSrv := newTestFetcher(t, time.Millisecond, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("x-rate-limit-ip", "1:2:5")
		w.WriteHeader(http.StatusTooManyRequests)
	})
	defer closeSrv()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	task := scheduler.FetchTask{ChangeID: changeid.MustParse("1-1-1-1-1")}
	go f.handle(ctx, task)

	msg1 := recvMessage(t, out)
	require.NotNil(msg1.RateLimited)
	assert.Equal(5*time.Second, msg1.RateLimited.Duration)

	msg2 := recvMessage(t, out)
	require.NotNil(msg2.Fetch)
	assert.True(msg2.Fetch.ChangeID.Equal(task.ChangeID))
}

func TestShortBodyReschedulesAsTransportError(t *testing.T) {
	require := require.New(t)

	f, _, out, closeSrv := newTestFetcher(t, time.Millisecond, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"next_change_id":"1-1-1-1-1"}`))
	})
	defer closeSrv()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	task := scheduler.FetchTask{ChangeID: changeid.MustParse("1-1-1-1-1")}
	go f.handle(ctx, task)

	msg := recvMessage(t, out)
	require.NotNil(msg.Fetch)
	require.EqualValues(1, msg.Fetch.RetryCount, "expected rescheduled Fetch with RetryCount=1, got %+v", msg)
}

func TestHandleSuccessSeedsWorkerRetryCountFromDecodeRetries(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	f, _, out, closeSrv := newTestFetcher(t, time.Millisecond, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(jsonBody("9-9-9-9-9", 200)))
	})
	defer closeSrv()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	task := scheduler.FetchTask{ChangeID: changeid.MustParse("1-1-1-1-1"), DecodeRetries: 3}
	go f.handle(ctx, task)

	_ = recvMessage(t, out) // Fetch for the next change id

	msg := recvMessage(t, out)
	require.NotNil(msg.Work, "expected Work, got %+v", msg)
	assert.Equal(3, msg.Work.RetryCount, "WorkerTask.RetryCount must carry over FetchTask.DecodeRetries across the round trip")
}

func recvMessage(t *testing.T, out chan scheduler.Message) scheduler.Message {
	t.Helper()
	select {
	case msg := <-out:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return scheduler.Message{}
	}
}
