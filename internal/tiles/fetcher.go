package tiles

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mohammed-shakir/dispatch-geo-cache/internal/core/apperr"
	"github.com/mohammed-shakir/dispatch-geo-cache/internal/core/observability"
)

// Fetcher downloads one tile image.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// tiles are small; anything bigger is not a map tile
const maxTileBytes = 4 << 20

type HTTPFetcher struct {
	client  *http.Client
	timeout time.Duration
}

func NewHTTPFetcher(client *http.Client, timeout time.Duration) *HTTPFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPFetcher{client: client, timeout: timeout}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (body []byte, err error) {
	start := time.Now()
	defer func() { observability.ObserveUpstream("tiles", err, time.Since(start).Seconds()) }()

	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build tile request: %w", err)
	}
	req.Header.Set("Accept", "image/png")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, apperr.Upstream("tiles", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", apperr.ErrTileNotFound, url)
	case resp.StatusCode != http.StatusOK:
		return nil, apperr.Upstream("tiles", fmt.Errorf("status %d", resp.StatusCode))
	}

	body, err = io.ReadAll(io.LimitReader(resp.Body, maxTileBytes))
	if err != nil {
		return nil, apperr.Upstream("tiles", fmt.Errorf("read body: %w", err))
	}
	if len(body) == 0 {
		return nil, apperr.Upstream("tiles", errors.New("empty body"))
	}
	return body, nil
}
