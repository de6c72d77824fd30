// Package tiles serves raster map tiles through the persistent store, fetching each
// missing tile from the upstream at most once at a time.
package tiles

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/mohammed-shakir/dispatch-geo-cache/internal/cache"
	"github.com/mohammed-shakir/dispatch-geo-cache/internal/cache/keyed"
	"github.com/mohammed-shakir/dispatch-geo-cache/internal/cache/keys"
	"github.com/mohammed-shakir/dispatch-geo-cache/internal/core/apperr"
	"github.com/mohammed-shakir/dispatch-geo-cache/internal/core/model"
	mylog "github.com/mohammed-shakir/dispatch-geo-cache/internal/logger"
)

type Config struct {
	URLTemplate string
	MaxZoom     int
	Concurrency int
}

type Service struct {
	cfg     Config
	store   cache.Store
	fetcher Fetcher
	flights *keyed.Cache[[]byte]
	log     *slog.Logger
}

func New(cfg Config, store cache.Store, f Fetcher, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxZoom <= 0 {
		cfg.MaxZoom = 19
	}
	return &Service{
		cfg:     cfg,
		store:   store,
		fetcher: f,
		// no memo: the store is the only tier, tiles are too large to hold in process
		flights: keyed.New(keyed.Config[[]byte]{Name: "tiles", Limit: cfg.Concurrency}),
		log:     log,
	}
}

// ParseCoord validates raw path segments. y may carry a ".png" suffix.
func (s *Service) ParseCoord(zRaw, xRaw, yRaw string) (model.TileCoord, error) {
	yRaw = strings.TrimSuffix(yRaw, ".png")
	z, err := strconv.Atoi(zRaw)
	if err != nil {
		return model.TileCoord{}, apperr.Validation("z", "not an integer: %q", zRaw)
	}
	x, err := strconv.Atoi(xRaw)
	if err != nil {
		return model.TileCoord{}, apperr.Validation("x", "not an integer: %q", xRaw)
	}
	y, err := strconv.Atoi(yRaw)
	if err != nil {
		return model.TileCoord{}, apperr.Validation("y", "not an integer: %q", yRaw)
	}
	c := model.TileCoord{Z: z, X: x, Y: y}
	return c, s.Validate(c)
}

func (s *Service) Validate(c model.TileCoord) error {
	if c.Z < 0 || c.Z > s.cfg.MaxZoom {
		return apperr.Validation("z", "must be between 0 and %d", s.cfg.MaxZoom)
	}
	n := 1 << c.Z
	if c.X < 0 || c.X >= n {
		return apperr.Validation("x", "must be between 0 and %d at zoom %d", n-1, c.Z)
	}
	if c.Y < 0 || c.Y >= n {
		return apperr.Validation("y", "must be between 0 and %d at zoom %d", n-1, c.Z)
	}
	return nil
}

func (s *Service) URL(c model.TileCoord) string {
	return strings.NewReplacer(
		"{z}", strconv.Itoa(c.Z),
		"{x}", strconv.Itoa(c.X),
		"{y}", strconv.Itoa(c.Y),
	).Replace(s.cfg.URLTemplate)
}

// Tile returns the PNG bytes for c.
func (s *Service) Tile(ctx context.Context, c model.TileCoord) ([]byte, error) {
	if err := s.Validate(c); err != nil {
		return nil, err
	}
	url := s.URL(c)
	key := keys.Tile(url)

	if b, ok := s.readStore(ctx, key); ok {
		return b, nil
	}

	b, err := s.flights.GetOrResolve(ctx, key, func(ctx context.Context) ([]byte, error) {
		return s.fetchAndStore(ctx, key, url)
	})
	if err != nil {
		return nil, fmt.Errorf("tile %s: %w", c, err)
	}
	return b, nil
}

func (s *Service) fetchAndStore(ctx context.Context, key, url string) ([]byte, error) {
	// a flight that finished just before this one may already have written it
	if b, ok := s.readStore(ctx, key); ok {
		return b, nil
	}

	b, err := s.fetcher.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}

	if err := s.store.Put(ctx, key, b); err != nil {
		s.log.WarnContext(mylog.WithComponent(ctx, "tiles"), "tile persist failed",
			"key", key, "err", err)
	}
	return b, nil
}

func (s *Service) readStore(ctx context.Context, key string) ([]byte, bool) {
	b, ok, err := s.store.Get(ctx, key)
	if err != nil {
		s.log.WarnContext(mylog.WithComponent(ctx, "tiles"), "tile store read failed, treating as miss",
			"key", key, "err", err)
		return nil, false
	}
	return b, ok
}
