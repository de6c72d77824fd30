package geocode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/mohammed-shakir/dispatch-geo-cache/internal/core/apperr"
	"github.com/mohammed-shakir/dispatch-geo-cache/internal/core/model"
	"github.com/mohammed-shakir/dispatch-geo-cache/internal/core/observability"
)

const DefaultGoogleBaseURL = "https://maps.googleapis.com/maps/api/geocode"

type GoogleConfig struct {
	APIKey     string
	BaseURL    string
	Timeout    time.Duration
	RatePerSec float64
	RateBurst  int
}

// GoogleClient implements Upstream using the Google Geocoding JSON API.
type GoogleClient struct {
	apiKey     string
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

func NewGoogleClient(cfg GoogleConfig, httpClient *http.Client, logger *slog.Logger) *GoogleClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultGoogleBaseURL
	}
	limit := rate.Inf
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}
	return &GoogleClient{
		apiKey:     cfg.APIKey,
		baseURL:    base,
		timeout:    cfg.Timeout,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(limit, burst),
		logger:     logger,
	}
}

// Lookup resolves one address to its first match.
func (c *GoogleClient) Lookup(ctx context.Context, address string) (coord model.GeoCoordinate, err error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return coord, apperr.Upstream("geocode", fmt.Errorf("rate limit wait: %w", err))
	}

	start := time.Now()
	defer func() {
		// an unresolvable address is a successful round trip
		var obsErr error
		if err != nil && !errors.Is(err, apperr.ErrUnresolvableAddress) {
			obsErr = err
		}
		observability.ObserveUpstream("geocode", obsErr, time.Since(start).Seconds())
	}()

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	params := url.Values{
		"address": {address},
		"key":     {c.apiKey},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/json?"+params.Encode(), nil)
	if err != nil {
		return coord, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return coord, apperr.Upstream("geocode", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return coord, apperr.Upstream("geocode", fmt.Errorf("status %d: %s", resp.StatusCode, body))
	}

	var gr googleResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return coord, apperr.Upstream("geocode", fmt.Errorf("decode response: %w", err))
	}

	switch gr.Status {
	case "OK":
	case "ZERO_RESULTS":
		return coord, fmt.Errorf("%w: %q", apperr.ErrUnresolvableAddress, address)
	default:
		return coord, apperr.Upstream("geocode", fmt.Errorf("status %s: %s", gr.Status, gr.ErrorMessage))
	}
	if len(gr.Results) == 0 {
		return coord, fmt.Errorf("%w: %q", apperr.ErrUnresolvableAddress, address)
	}

	loc := gr.Results[0].Geometry.Location
	coord = model.GeoCoordinate{Latitude: loc.Lat, Longitude: loc.Lng}
	if !coord.Valid() {
		return model.GeoCoordinate{}, apperr.Upstream("geocode", fmt.Errorf("out of range coordinate %s", coord))
	}
	c.logger.DebugContext(ctx, "geocoded address", "address", address, "coord", coord.String())
	return coord, nil
}

// Google Geocoding API response types.

type googleResponse struct {
	Status       string         `json:"status"`
	ErrorMessage string         `json:"error_message"`
	Results      []googleResult `json:"results"`
}

type googleResult struct {
	FormattedAddress string `json:"formatted_address"`
	Geometry         struct {
		Location struct {
			Lat float64 `json:"lat"`
			Lng float64 `json:"lng"`
		} `json:"location"`
	} `json:"geometry"`
}
