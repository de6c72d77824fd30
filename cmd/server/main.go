package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mohammed-shakir/dispatch-geo-cache/internal/cache"
	"github.com/mohammed-shakir/dispatch-geo-cache/internal/cache/redisstore"
	"github.com/mohammed-shakir/dispatch-geo-cache/internal/cache/sqlitestore"
	"github.com/mohammed-shakir/dispatch-geo-cache/internal/core/config"
	"github.com/mohammed-shakir/dispatch-geo-cache/internal/core/httpclient"
	"github.com/mohammed-shakir/dispatch-geo-cache/internal/core/model"
	"github.com/mohammed-shakir/dispatch-geo-cache/internal/core/server"
	"github.com/mohammed-shakir/dispatch-geo-cache/internal/dispatch"
	"github.com/mohammed-shakir/dispatch-geo-cache/internal/events"
	"github.com/mohammed-shakir/dispatch-geo-cache/internal/geocode"
	"github.com/mohammed-shakir/dispatch-geo-cache/internal/logger"
	h3mapper "github.com/mohammed-shakir/dispatch-geo-cache/internal/mapper/h3"
	"github.com/mohammed-shakir/dispatch-geo-cache/internal/metrics"
	"github.com/mohammed-shakir/dispatch-geo-cache/internal/tiles"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// overriding listen address via flag
	addrFlag := flag.String("addr", "", "listen address")
	flag.Parse()

	cfg := config.FromEnv()
	if *addrFlag != "" {
		cfg.Addr = strings.TrimSpace(*addrFlag)
	}

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   cfg.LogConsole,
		SampleN:   cfg.LogSampleN,
		Service:   "dispatch-geo-cache",
		Component: "server",
	}, os.Stdout)
	appLog := logger.NewSlog(&zl)

	if err := cfg.Validate(); err != nil {
		appLog.Error("invalid configuration", "err", err)
		return 1
	}

	p := metrics.Init(metrics.Config{
		Build: metrics.BuildInfo{
			Version:   Version,
			Revision:  os.Getenv("BUILD_REVISION"),
			BuildDate: os.Getenv("BUILD_DATE"),
		},
	})

	appLog.Info("starting dispatch-geo-cache",
		"addr", cfg.Addr,
		"version", Version,
		"store", cfg.Store.Driver,
		"tiles", cfg.Tiles.URLTemplate)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	rawStore, err := openStore(startCtx, cfg.Store)
	cancel()
	if err != nil {
		appLog.Error("store setup failed", "driver", cfg.Store.Driver, "err", err)
		return 1
	}
	defer func() { _ = rawStore.Close() }()
	store := cache.WithTimeout(rawStore, cfg.Store.OpTimeout)

	clk := clockwork.NewRealClock()
	loc, _ := time.LoadLocation(cfg.Dispatch.Timezone) // checked by Validate

	tileClient := httpclient.NewOutbound(httpclient.WithUserAgent(cfg.Tiles.UserAgent))
	tileSvc := tiles.New(tiles.Config{
		URLTemplate: cfg.Tiles.URLTemplate,
		MaxZoom:     cfg.Tiles.MaxZoom,
		Concurrency: cfg.Tiles.Concurrency,
	}, store, tiles.NewHTTPFetcher(tileClient, cfg.Tiles.FetchTimeout), appLog)

	var upstream geocode.Upstream
	if cfg.GeocodeDegraded() {
		appLog.Warn("GOOGLE_MAPS_API_KEY not set: geocoding runs in degraded mode with synthetic coordinates that are never persisted")
	} else {
		upstream = geocode.NewGoogleClient(geocode.GoogleConfig{
			APIKey:     cfg.Geocode.APIKey,
			BaseURL:    cfg.Geocode.BaseURL,
			Timeout:    cfg.Geocode.Timeout,
			RatePerSec: cfg.Geocode.RatePerSec,
			RateBurst:  cfg.Geocode.RateBurst,
		}, httpclient.NewOutbound(), appLog)
	}
	geoSvc := geocode.New(geocode.Config{
		AddressSuffix:  cfg.Geocode.AddressSuffix,
		Concurrency:    cfg.Geocode.Concurrency,
		MemoryTTL:      cfg.Geocode.MemoryTTL,
		MemorySize:     cfg.Geocode.MemorySize,
		Fallback:       model.GeoCoordinate{Latitude: cfg.Geocode.FallbackLat, Longitude: cfg.Geocode.FallbackLng},
		FallbackRadius: cfg.Geocode.FallbackRad,
	}, store, upstream, clk, appLog)

	sink, err := openSink(cfg.Events, appLog)
	if err != nil {
		appLog.Error("event publisher setup failed", "err", err)
		return 1
	}
	defer func() {
		if err := sink.Close(); err != nil {
			appLog.Warn("event publisher close", "err", err)
		}
	}()

	agg := dispatch.New(dispatch.Config{
		EnrichConcurrency: cfg.Dispatch.EnrichConcurrency,
		H3Res:             cfg.Dispatch.H3Res,
		ParentRes:         cfg.Dispatch.H3ParentRes,
		Location:          loc,
	}, dispatch.Deps{
		Store:    store,
		Scraper:  dispatch.NewHTTPScraper(cfg.Dispatch.SourceURL, httpclient.NewOutbound(), cfg.Dispatch.FetchTimeout),
		Geocoder: geoSvc,
		Mapper:   h3mapper.New(),
		Sink:     sink,
		Clock:    clk,
		Log:      appLog,
	})

	if cfg.Dispatch.RefreshEnabled {
		ref, err := dispatch.NewRefresher(agg.RefreshToday, cfg.Dispatch.RefreshAt, loc, clk, appLog)
		if err != nil {
			appLog.Error("refresh scheduler setup failed", "err", err)
			return 1
		}
		go ref.Run(ctx)
	}

	h := server.NewHandler(appLog, server.Deps{
		Tiles:     tileSvc,
		Incidents: agg,
		Store:     store,
		Metrics:   p.Handler(),
	})
	if err := server.Run(ctx, cfg.Addr, appLog, h); err != nil {
		appLog.Error("server exited with error", "err", err)
		return 1
	}
	appLog.Info("server stopped")
	return 0
}

func openStore(ctx context.Context, sc config.StoreCfg) (cache.Store, error) {
	switch sc.Driver {
	case "redis":
		return redisstore.New(ctx, sc.RedisAddr,
			redisstore.WithPoolSize(sc.Redis.PoolSize),
			redisstore.WithMinIdleConns(sc.Redis.MinIdleConns),
			redisstore.WithDialTimeout(sc.Redis.DialTimeout),
			redisstore.WithReadTimeout(sc.Redis.ReadTimeout),
			redisstore.WithWriteTimeout(sc.Redis.WriteTimeout),
			redisstore.WithTTL(sc.TTLDefault, sc.TTLOverride),
		)
	case "sqlite":
		return sqlitestore.Open(ctx, sc.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown store driver %q", sc.Driver)
	}
}

func openSink(ec config.EventsCfg, log *slog.Logger) (events.Sink, error) {
	if !ec.Enabled {
		return events.Nop{}, nil
	}
	return events.NewPublisher(ec.Brokers, ec.Topic, ec.QueueSize, log)
}
