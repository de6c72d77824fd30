package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnv_Defaults(t *testing.T) {
	cfg := FromEnv()

	assert.Equal(t, ":3000", cfg.Addr)
	assert.Equal(t, "redis", cfg.Store.Driver)
	assert.Equal(t, 5, cfg.Tiles.Concurrency)
	assert.Equal(t, 5, cfg.Geocode.Concurrency)
	assert.Equal(t, 24*time.Hour, cfg.Geocode.MemoryTTL)
	assert.Equal(t, ", Fargo, ND", cfg.Geocode.AddressSuffix)
	assert.Equal(t, "23:59:59", cfg.Dispatch.RefreshAt)
	assert.False(t, cfg.Events.Enabled)
	require.NoError(t, cfg.Validate())
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", "SQLITE")
	t.Setenv("SQLITE_PATH", "/tmp/x.db")
	t.Setenv("TILE_CONCURRENCY", "3")
	t.Setenv("STORE_TTL_OVERRIDES", "tile=720h, geo=0s,bad,=1s")
	t.Setenv("GOOGLE_MAPS_API_KEY", "k")
	t.Setenv("KAFKA_BROKERS", "b1:9092, b2:9092")
	t.Setenv("REFRESH_ENABLED", "no")
	t.Setenv("REDIS_POOL_SIZE", "16")
	t.Setenv("REDIS_DIAL_TIMEOUT", "750ms")
	t.Setenv("REDIS_READ_TIMEOUT", "2s")
	t.Setenv("H3_PARENT_RES", "6")

	cfg := FromEnv()
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, 3, cfg.Tiles.Concurrency)
	assert.Equal(t, map[string]time.Duration{"tile": 720 * time.Hour, "geo": 0}, cfg.Store.TTLOverride)
	assert.Equal(t, []string{"b1:9092", "b2:9092"}, cfg.Events.Brokers)
	assert.False(t, cfg.Dispatch.RefreshEnabled)
	assert.Equal(t, RedisCfg{PoolSize: 16, DialTimeout: 750 * time.Millisecond, ReadTimeout: 2 * time.Second}, cfg.Store.Redis)
	assert.Equal(t, 6, cfg.Dispatch.H3ParentRes)
	assert.False(t, cfg.GeocodeDegraded())
	require.NoError(t, cfg.Validate())
}

func TestValidate_Rejects(t *testing.T) {
	cfg := FromEnv()
	cfg.Store.Driver = "couch"
	cfg.Tiles.URLTemplate = "https://example/{z}.png"
	cfg.Dispatch.RefreshAt = "midnight"
	cfg.Dispatch.H3ParentRes = cfg.Dispatch.H3Res + 1

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STORE_DRIVER")
	assert.Contains(t, err.Error(), "TILE_URL_TEMPLATE")
	assert.Contains(t, err.Error(), "REFRESH_AT")
	assert.Contains(t, err.Error(), "H3_PARENT_RES")
}

func TestGeocodeDegraded_NoKey(t *testing.T) {
	t.Setenv("GOOGLE_MAPS_API_KEY", "")
	assert.True(t, FromEnv().GeocodeDegraded())
}
