package netmon

import (
	"context"
	"net/http"
	"time"
)

// HTTPClient is the subset of http.Client the prober needs, so tests
// can substitute a fake.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPProber checks reachability by hitting the API health endpoint.
// Any response at all counts as online: a 500 still means the network
// path is up; only a transport-level failure means offline.
type HTTPProber struct {
	url    string
	client HTTPClient
}

// NewHTTPProber creates a prober for the given health URL. client may
// be nil, in which case a short-timeout default is used.
func NewHTTPProber(url string, client HTTPClient) *HTTPProber {
	if client == nil {
		client = &http.Client{Timeout: 3 * time.Second}
	}
	return &HTTPProber{url: url, client: client}
}

// Probe reports whether the endpoint is reachable.
func (p *HTTPProber) Probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}
