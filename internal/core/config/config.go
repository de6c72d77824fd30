package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"
)

type StoreCfg struct {
	Driver      string
	RedisAddr   string
	Redis       RedisCfg
	SQLitePath  string
	OpTimeout   time.Duration
	TTLDefault  time.Duration
	TTLOverride map[string]time.Duration
}

// RedisCfg tunes the client pool. Zero keeps the client default.
type RedisCfg struct {
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type TileCfg struct {
	URLTemplate  string
	UserAgent    string
	Concurrency  int
	FetchTimeout time.Duration
	MaxZoom      int
}

type GeocodeCfg struct {
	APIKey        string
	BaseURL       string
	AddressSuffix string
	Concurrency   int
	Timeout       time.Duration
	RatePerSec    float64
	RateBurst     int
	MemoryTTL     time.Duration
	MemorySize    int
	FallbackLat   float64
	FallbackLng   float64
	FallbackRad   float64
}

type DispatchCfg struct {
	SourceURL         string
	FetchTimeout      time.Duration
	EnrichConcurrency int
	Timezone          string
	H3Res             int
	H3ParentRes       int
	RefreshEnabled    bool
	RefreshAt         string
}

type EventsCfg struct {
	Enabled   bool
	Brokers   []string
	Topic     string
	QueueSize int
}

type Config struct {
	Addr       string
	LogLevel   string
	LogConsole bool
	LogSampleN int
	Store      StoreCfg
	Tiles      TileCfg
	Geocode    GeocodeCfg
	Dispatch   DispatchCfg
	Events     EventsCfg
}

func FromEnv() Config {
	return Config{
		Addr:       getenv("ADDR", ":3000"),
		LogLevel:   getenv("LOG_LEVEL", "info"),
		LogConsole: getbool("LOG_CONSOLE", false),
		LogSampleN: getint("LOG_SAMPLE_N", 0),
		Store: StoreCfg{
			Driver:      strings.ToLower(getenv("STORE_DRIVER", "redis")),
			RedisAddr:   getenv("REDIS_ADDR", "localhost:6379"),
			Redis: RedisCfg{
				PoolSize:     getint("REDIS_POOL_SIZE", 0),
				MinIdleConns: getint("REDIS_MIN_IDLE_CONNS", 0),
				DialTimeout:  getduration("REDIS_DIAL_TIMEOUT", 0),
				ReadTimeout:  getduration("REDIS_READ_TIMEOUT", 0),
				WriteTimeout: getduration("REDIS_WRITE_TIMEOUT", 0),
			},
			SQLitePath:  getenv("SQLITE_PATH", "dispatch-cache.db"),
			OpTimeout:   getduration("STORE_OP_TIMEOUT", 500*time.Millisecond),
			TTLDefault:  getduration("STORE_TTL_DEFAULT", 0),
			TTLOverride: parseDurationMap(getenv("STORE_TTL_OVERRIDES", "")),
		},
		Tiles: TileCfg{
			URLTemplate:  getenv("TILE_URL_TEMPLATE", "https://tile.openstreetmap.org/{z}/{x}/{y}.png"),
			UserAgent:    getenv("TILE_USER_AGENT", "dispatch-geo-cache/1.0"),
			Concurrency:  getint("TILE_CONCURRENCY", 5),
			FetchTimeout: getduration("TILE_FETCH_TIMEOUT", 10*time.Second),
			MaxZoom:      getint("TILE_MAX_ZOOM", 19),
		},
		Geocode: GeocodeCfg{
			APIKey:        os.Getenv("GOOGLE_MAPS_API_KEY"),
			BaseURL:       getenv("GEOCODE_BASE_URL", "https://maps.googleapis.com/maps/api/geocode"),
			AddressSuffix: getenv("GEOCODE_ADDRESS_SUFFIX", ", Fargo, ND"),
			Concurrency:   getint("GEOCODE_CONCURRENCY", 5),
			Timeout:       getduration("GEOCODE_TIMEOUT", 5*time.Second),
			RatePerSec:    getfloat("GEOCODE_RATE_PER_SEC", 10),
			RateBurst:     getint("GEOCODE_RATE_BURST", 5),
			MemoryTTL:     getduration("GEOCODE_MEMORY_TTL", 24*time.Hour),
			MemorySize:    getint("GEOCODE_MEMORY_SIZE", 10000),
			FallbackLat:   getfloat("FALLBACK_LAT", 46.8772),
			FallbackLng:   getfloat("FALLBACK_LNG", -96.7898),
			FallbackRad:   getfloat("FALLBACK_RADIUS", 0.05),
		},
		Dispatch: DispatchCfg{
			SourceURL:         getenv("DISPATCH_SOURCE_URL", "https://fargond.gov/dispatchLogs"),
			FetchTimeout:      getduration("DISPATCH_FETCH_TIMEOUT", 20*time.Second),
			EnrichConcurrency: getint("ENRICH_CONCURRENCY", 16),
			Timezone:          getenv("DISPATCH_TIMEZONE", "America/Chicago"),
			H3Res:             getint("H3_RES", 9),
			H3ParentRes:       getint("H3_PARENT_RES", 7),
			RefreshEnabled:    getbool("REFRESH_ENABLED", true),
			RefreshAt:         getenv("REFRESH_AT", "23:59:59"),
		},
		Events: EventsCfg{
			Enabled:   getbool("EVENTS_ENABLED", false),
			Brokers:   splitCSV(getenv("KAFKA_BROKERS", "localhost:9092")),
			Topic:     getenv("EVENTS_TOPIC", "dispatch-resultsets"),
			QueueSize: getint("EVENTS_QUEUE", 256),
		},
	}
}

// Validate rejects settings the service cannot start with.
func (c Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case "redis":
		if c.Store.RedisAddr == "" {
			errs = append(errs, errors.New("REDIS_ADDR is required for the redis store"))
		}
	case "sqlite":
		if c.Store.SQLitePath == "" {
			errs = append(errs, errors.New("SQLITE_PATH is required for the sqlite store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q (redis|sqlite)", c.Store.Driver))
	}
	if !strings.Contains(c.Tiles.URLTemplate, "{z}") ||
		!strings.Contains(c.Tiles.URLTemplate, "{x}") ||
		!strings.Contains(c.Tiles.URLTemplate, "{y}") {
		errs = append(errs, errors.New("TILE_URL_TEMPLATE must contain {z}, {x} and {y}"))
	}
	if c.Tiles.MaxZoom < 0 || c.Tiles.MaxZoom > 30 {
		errs = append(errs, fmt.Errorf("TILE_MAX_ZOOM %d out of range", c.Tiles.MaxZoom))
	}
	if c.Dispatch.H3Res < 0 || c.Dispatch.H3Res > 15 {
		errs = append(errs, fmt.Errorf("H3_RES %d must be 0..15", c.Dispatch.H3Res))
	}
	if c.Dispatch.H3ParentRes > c.Dispatch.H3Res {
		errs = append(errs, fmt.Errorf("H3_PARENT_RES %d must not exceed H3_RES %d (negative disables)",
			c.Dispatch.H3ParentRes, c.Dispatch.H3Res))
	}
	if _, err := time.LoadLocation(c.Dispatch.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("DISPATCH_TIMEZONE: %w", err))
	}
	if _, err := time.Parse(time.TimeOnly, c.Dispatch.RefreshAt); err != nil {
		errs = append(errs, fmt.Errorf("REFRESH_AT must be HH:MM:SS: %w", err))
	}
	if c.Events.Enabled && len(c.Events.Brokers) == 0 {
		errs = append(errs, errors.New("KAFKA_BROKERS is required when EVENTS_ENABLED=true"))
	}
	return errors.Join(errs...)
}

// GeocodeDegraded reports whether geocoding runs without upstream credentials.
func (c Config) GeocodeDegraded() bool {
	return strings.TrimSpace(c.Geocode.APIKey) == ""
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// parse "tile=720h,geo=0" into map
func parseDurationMap(s string) map[string]time.Duration {
	out := map[string]time.Duration{}
	s = strings.TrimSpace(s)
	if s == "" {
		return out
	}
	for p := range strings.SplitSeq(s, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		k := strings.TrimSpace(kv[0])
		v := strings.TrimSpace(kv[1])
		if k == "" {
			continue
		}
		if d, err := time.ParseDuration(v); err == nil {
			out[k] = d
		}
	}
	return out
}

func splitCSV(s string) []string {
	var out []string
	for p := range strings.SplitSeq(s, ",") {
		if x := strings.TrimSpace(p); x != "" {
			out = append(out, x)
		}
	}
	return out
}
