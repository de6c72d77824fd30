// Package httpclient configures the HTTP client used to call the tile, geocode and dispatch upstreams.
package httpclient

import (
	"net"
	"net/http"
	"time"
)

type Option func(*http.Client)

// WithUserAgent stamps every request that does not already carry a User-Agent.
// Public tile servers reject anonymous clients.
func WithUserAgent(ua string) Option {
	return func(c *http.Client) {
		if ua == "" {
			return
		}
		c.Transport = &uaTransport{next: c.Transport, ua: ua}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *http.Client) { c.Timeout = d }
}

// NewOutbound creates a new outbound http client
func NewOutbound(opts ...Option) *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          256,
		MaxIdleConnsPerHost:   128,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	c := &http.Client{
		Transport: transport,
		Timeout:   30 * time.Second,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type uaTransport struct {
	next http.RoundTripper
	ua   string
}

func (t *uaTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if r.Header.Get("User-Agent") != "" {
		return t.next.RoundTrip(r)
	}
	r2 := r.Clone(r.Context())
	r2.Header.Set("User-Agent", t.ua)
	return t.next.RoundTrip(r2)
}
