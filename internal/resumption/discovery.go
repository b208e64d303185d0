package resumption

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/pkg/errors"

	"github.com/maximumstock/stash-indexer/internal/changeid"
	"github.com/maximumstock/stash-indexer/internal/poeapi"
)

const defaultDiscoveryEndpoint = "https://poe.ninja/api/Data/GetStats"

// Discoverer finds the current head change-id, used to seed Fresh starts.
type Discoverer interface {
	Discover(ctx context.Context) (changeid.ID, error)
}

// HTTPDiscoverer queries the upstream discovery endpoint.
type HTTPDiscoverer struct {
	client   *http.Client
	endpoint string
}

// NewHTTPDiscoverer constructs a Discoverer against the real upstream
// endpoint, or client == nil for http.DefaultClient.
func NewHTTPDiscoverer(client *http.Client) *HTTPDiscoverer {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPDiscoverer{client: client, endpoint: defaultDiscoveryEndpoint}
}

// SetEndpoint overrides the discovery endpoint, used by tests.
func (d *HTTPDiscoverer) SetEndpoint(endpoint string) {
	d.endpoint = endpoint
}

// Discover performs the GET and parses the response's next_change_id.
func (d *HTTPDiscoverer) Discover(ctx context.Context) (changeid.ID, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.endpoint, nil)
	if err != nil {
		return changeid.ID{}, errors.Wrap(err, "resumption: build discovery request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return changeid.ID{}, errors.Wrap(err, "resumption: discovery request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return changeid.ID{}, errors.Errorf("resumption: discovery endpoint returned status %d", resp.StatusCode)
	}

	var body poeapi.DiscoveryResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return changeid.ID{}, errors.Wrap(err, "resumption: decode discovery response")
	}

	id, err := changeid.Parse(body.NextChangeID)
	if err != nil {
		return changeid.ID{}, errors.Wrap(err, "resumption: invalid discovery change id")
	}
	return id, nil
}
