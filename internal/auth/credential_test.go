package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCredentialStringRedacts(t *testing.T) {
	assert := assert.New(t)

	c := Credential{Token: "abcdef1234567890"}
	got := c.String()
	assert.Equal("abc", got[:3], "expected redacted string to keep first 3 chars")
	for _, r := range got[3:] {
		assert.Equalf(byte('*'), byte(r), "expected only asterisks after prefix, got %q", got)
	}
}

func TestRefreshAndInvalidate(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)

	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			w.Write([]byte(`{"access_token":"first"}`))
		} else {
			w.Write([]byte(`{"access_token":"second"}`))
		}
	}))
	defer srv.Close()

	cache := New(Config{ClientID: "id", ClientSecret: "secret", Scope: "service:psapi"}, srv.Client(), nil)
	cache.SetTokenEndpoint(srv.URL)

	ctx := context.Background()
	cred, err := cache.Get(ctx)
	require.NoError(err)
	assert.Equal("first", cred.Token)

	// A second Get before Invalidate must not perform another exchange.
	_, err = cache.Get(ctx)
	require.NoError(err)
	assert.EqualValues(1, atomic.LoadInt32(&calls), "expected exactly 1 token call before invalidate")

	cache.Invalidate()
	cred2, err := cache.Get(ctx)
	require.NoError(err)
	assert.Equal("second", cred2.Token)
	assert.EqualValues(2, atomic.LoadInt32(&calls), "expected exactly 2 token calls")
}
