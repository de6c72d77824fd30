package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/mohammed-shakir/dispatch-geo-cache/internal/core/apperr"
	"github.com/mohammed-shakir/dispatch-geo-cache/internal/core/model"
	"github.com/mohammed-shakir/dispatch-geo-cache/internal/core/observability"
)

// Scraper fetches raw dispatch rows for an ISO date range.
type Scraper interface {
	FetchRawIncidents(ctx context.Context, startISO, endISO string) ([]model.IncidentRow, error)
}

// HTTPScraper reads the public dispatch log endpoint, which answers with a JSON array.
type HTTPScraper struct {
	baseURL string
	timeout time.Duration
	client  *http.Client
}

func NewHTTPScraper(baseURL string, client *http.Client, timeout time.Duration) *HTTPScraper {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPScraper{baseURL: baseURL, timeout: timeout, client: client}
}

func (s *HTTPScraper) FetchRawIncidents(ctx context.Context, startISO, endISO string) (rows []model.IncidentRow, err error) {
	start := time.Now()
	defer func() { observability.ObserveUpstream("dispatch", err, time.Since(start).Seconds()) }()

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	u, err := url.Parse(s.baseURL)
	if err != nil {
		return nil, fmt.Errorf("dispatch source url: %w", err)
	}
	q := u.Query()
	q.Set("startDate", startISO)
	q.Set("endDate", endISO)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, apperr.Upstream("dispatch", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, apperr.Upstream("dispatch", fmt.Errorf("status %d: %s", resp.StatusCode, body))
	}

	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, apperr.Upstream("dispatch", fmt.Errorf("decode rows: %w", err))
	}
	return rows, nil
}
