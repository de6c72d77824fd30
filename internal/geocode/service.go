// Package geocode resolves street addresses to coordinates through an in-process
// tier, the persistent store and finally the upstream geocoder.
package geocode

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jonboulle/clockwork"

	"github.com/mohammed-shakir/dispatch-geo-cache/internal/cache"
	"github.com/mohammed-shakir/dispatch-geo-cache/internal/cache/keyed"
	"github.com/mohammed-shakir/dispatch-geo-cache/internal/cache/keys"
	"github.com/mohammed-shakir/dispatch-geo-cache/internal/core/apperr"
	"github.com/mohammed-shakir/dispatch-geo-cache/internal/core/model"
	"github.com/mohammed-shakir/dispatch-geo-cache/internal/core/observability"
	mylog "github.com/mohammed-shakir/dispatch-geo-cache/internal/logger"
)

// Upstream is a remote geocoder. Zero matches must be reported as apperr.ErrUnresolvableAddress.
type Upstream interface {
	Lookup(ctx context.Context, address string) (model.GeoCoordinate, error)
}

type Source string

const (
	SourceMemory    Source = "memory"
	SourceStore     Source = "store"
	SourceUpstream  Source = "upstream"
	SourceSynthetic Source = "synthetic"
)

type Result struct {
	Coord  model.GeoCoordinate
	Source Source
}

func (r Result) Synthetic() bool { return r.Source == SourceSynthetic }

type Config struct {
	AddressSuffix  string
	Concurrency    int
	MemoryTTL      time.Duration
	MemorySize     int
	Fallback       model.GeoCoordinate
	FallbackRadius float64
}

type Service struct {
	cfg      Config
	store    cache.Store
	upstream Upstream
	memo     *expirable.LRU[string, model.GeoCoordinate]
	flights  *keyed.Cache[Result]
	clock    clockwork.Clock
	log      *slog.Logger
}

// New builds the service. A nil upstream puts it in degraded mode: addresses missing
// from both tiers get a synthetic coordinate that is never persisted.
func New(cfg Config, store cache.Store, up Upstream, clk clockwork.Clock, log *slog.Logger) *Service {
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.MemorySize <= 0 {
		cfg.MemorySize = 10000
	}
	if cfg.MemoryTTL <= 0 {
		cfg.MemoryTTL = 24 * time.Hour
	}
	s := &Service{
		cfg:      cfg,
		store:    store,
		upstream: up,
		memo:     expirable.NewLRU[string, model.GeoCoordinate](cfg.MemorySize, nil, cfg.MemoryTTL),
		flights:  keyed.New(keyed.Config[Result]{Name: "geocode", Limit: cfg.Concurrency}),
		clock:    clk,
		log:      log,
	}
	observability.SetGeocodeDegraded(up == nil)
	return s
}

func (s *Service) Degraded() bool { return s.upstream == nil }

// Geocode resolves address. Failures are never cached, the next call retries.
func (s *Service) Geocode(ctx context.Context, address string) (Result, error) {
	if strings.TrimSpace(address) == "" {
		return Result{}, apperr.ErrUnresolvableAddress
	}
	key := keys.Geocode(address)

	if c, ok := s.memo.Get(key); ok {
		observability.CacheLookup("geocode", "memory", true)
		observability.GeocodeResult(string(SourceMemory))
		return Result{Coord: c, Source: SourceMemory}, nil
	}
	observability.CacheLookup("geocode", "memory", false)

	res, err := s.flights.GetOrResolve(ctx, key, func(ctx context.Context) (Result, error) {
		return s.resolve(ctx, key, address)
	})
	if err != nil {
		return Result{}, err
	}
	observability.GeocodeResult(string(res.Source))
	return res, nil
}

func (s *Service) resolve(ctx context.Context, key, address string) (Result, error) {
	ctx = mylog.WithComponent(ctx, "geocode")

	if c, ok := s.memo.Get(key); ok {
		return Result{Coord: c, Source: SourceMemory}, nil
	}

	e, ok, err := cache.GetJSON[model.GeoCoordinate](ctx, s.store, key)
	switch {
	case err != nil:
		s.log.WarnContext(ctx, "geocode store read failed, treating as miss", "key", key, "err", err)
	case ok && e.Value.Valid():
		s.memo.Add(key, e.Value)
		return Result{Coord: e.Value, Source: SourceStore}, nil
	}

	if s.upstream == nil {
		c := SyntheticCoordinate(address, s.cfg.Fallback, s.cfg.FallbackRadius)
		return Result{Coord: c, Source: SourceSynthetic}, nil
	}

	c, err := s.upstream.Lookup(ctx, s.query(address))
	if err != nil {
		if !errors.Is(err, apperr.ErrUnresolvableAddress) {
			s.log.WarnContext(ctx, "geocode upstream failed", "address", address, "err", err)
		}
		return Result{}, err
	}

	if err := cache.PutJSON(ctx, s.store, s.clock, key, c); err != nil {
		s.log.WarnContext(ctx, "geocode persist failed", "key", key, "err", err)
	}
	s.memo.Add(key, c)
	return Result{Coord: c, Source: SourceUpstream}, nil
}

// query qualifies a street address with the city so the geocoder does not match another town.
func (s *Service) query(address string) string {
	address = strings.TrimSpace(address)
	suffix := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s.cfg.AddressSuffix), ","))
	if suffix == "" || strings.HasSuffix(strings.ToLower(address), strings.ToLower(suffix)) {
		return address
	}
	return address + s.cfg.AddressSuffix
}
