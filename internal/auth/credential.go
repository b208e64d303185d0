// Package auth implements the bearer credential lifecycle used by every
// fetch: lazy acquisition via the client_credentials grant, a
// reader-biased guard (many readers, at most one writer during refresh),
// and a redacting Stringer so the secret never appears in full in logs.
// The guard shape is grounded on the teacher's session_pool.SessionPool
// (map + mutex shared state); the never-log-the-secret discipline is
// grounded on the teacher's vault package.
package auth

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/op/go-logging"
	"github.com/pkg/errors"

	"github.com/maximumstock/stash-indexer/internal/poeapi"
)

const defaultTokenEndpoint = "https://www.pathofexile.com/oauth/token"

// Credential is a bearer token. Its String method redacts everything past
// the first three characters.
type Credential struct {
	Token    string
	IssuedAt time.Time
}

func (c Credential) String() string {
	if len(c.Token) <= 3 {
		return "***"
	}
	return c.Token[:3] + strings.Repeat("*", len(c.Token)-3)
}

// Config holds the client_credentials parameters required by the exchange.
type Config struct {
	ClientID     string
	ClientSecret string
	Scope        string
}

// Cache lazily acquires and refreshes a Credential. Readers take the read
// side of the guard for the common case; a 401 forces exactly one writer
// through Refresh while other fetches block behind the write lock.
type Cache struct {
	mu            sync.RWMutex
	cred          *Credential
	cfg           Config
	client        *http.Client
	log           *logging.Logger
	tokenEndpoint string
}

// New creates an empty Cache; the first call to Get performs the exchange.
func New(cfg Config, client *http.Client, log *logging.Logger) *Cache {
	if client == nil {
		client = http.DefaultClient
	}
	return &Cache{cfg: cfg, client: client, log: log, tokenEndpoint: defaultTokenEndpoint}
}

// SetTokenEndpoint overrides the OAuth2 token endpoint, used by tests to
// point at an httptest server instead of the real upstream.
func (c *Cache) SetTokenEndpoint(endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokenEndpoint = endpoint
}

// Get returns the current credential, acquiring one if none is cached yet.
func (c *Cache) Get(ctx context.Context) (Credential, error) {
	c.mu.RLock()
	cred := c.cred
	c.mu.RUnlock()
	if cred != nil {
		return *cred, nil
	}
	return c.Refresh(ctx)
}

// Invalidate drops the cached credential, forcing the next Get to refresh.
// Called by the fetcher on a 401.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cred = nil
}

// Refresh performs the client_credentials exchange under the write lock.
// Concurrent callers all block here and will observe the same refreshed
// credential once the single winner completes the exchange.
func (c *Cache) Refresh(ctx context.Context) (Credential, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cred != nil {
		// Another writer already refreshed while we waited for the lock.
		return *c.cred, nil
	}

	if c.log != nil {
		c.log.Debug("auth: performing client_credentials exchange")
	}

	form := url.Values{}
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)
	form.Set("grant_type", "client_credentials")
	form.Set("scope", c.cfg.Scope)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return Credential{}, errors.Wrap(err, "auth: build token request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Credential{}, errors.Wrap(err, "auth: token request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Credential{}, errors.Errorf("auth: token endpoint returned status %d", resp.StatusCode)
	}

	var body poeapi.TokenResponse
	if err := decodeJSON(resp.Body, &body); err != nil {
		return Credential{}, errors.Wrap(err, "auth: decode token response")
	}
	if body.AccessToken == "" {
		return Credential{}, errors.New("auth: token response missing access_token")
	}

	cred := Credential{Token: body.AccessToken, IssuedAt: time.Now()}
	c.cred = &cred
	if c.log != nil {
		c.log.Debugf("auth: acquired credential %s", cred.String())
	}
	return cred, nil
}
