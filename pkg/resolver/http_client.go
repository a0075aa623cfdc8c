package resolver

import (
	"net/http"
	"time"
)

// UserAgent is sent on every request made by clients from NewHTTPClient.
const UserAgent = "cleannet-blocklist-fetcher"

// NewHTTPClient returns a client for fetching block lists. With a forwarder,
// hostnames are resolved through the configured upstreams instead of the
// system resolver.
//
// Example:
//
//	res := resolver.NewStrict(fwd, logger)
//	client := res.NewHTTPClient(60 * time.Second)
func (r *Resolver) NewHTTPClient(timeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	// List hosts are few, so a small idle pool is enough.
	transport.MaxIdleConnsPerHost = 2

	if r.fwd != nil {
		transport.DialContext = r.DialContext
	} else {
		r.logger.Debug("Creating HTTP client with system default DNS resolver")
	}

	return &http.Client{
		Transport: userAgentTransport{next: transport},
		Timeout:   timeout,
	}
}

type userAgentTransport struct {
	next http.RoundTripper
}

func (t userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") != "" {
		return t.next.RoundTrip(req)
	}
	// RoundTrippers must not modify the caller's request.
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", UserAgent)
	return t.next.RoundTrip(req)
}
