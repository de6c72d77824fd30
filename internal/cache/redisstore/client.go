// Package redisstore is the Redis-backed cache.Store.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	maintnotifications "github.com/redis/go-redis/v9/maintnotifications"

	"github.com/mohammed-shakir/dispatch-geo-cache/internal/core/apperr"
	"github.com/mohammed-shakir/dispatch-geo-cache/internal/core/observability"
)

type Option func(*options)

type options struct {
	ro         redis.Options
	ttlDefault time.Duration
	ttlBySpace map[string]time.Duration
}

// Non-positive values keep the defaults set in New.

func WithPoolSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.ro.PoolSize = n
		}
	}
}

func WithMinIdleConns(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.ro.MinIdleConns = n
		}
	}
}

func WithDialTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.ro.DialTimeout = d
		}
	}
}

func WithReadTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.ro.ReadTimeout = d
		}
	}
}

func WithWriteTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.ro.WriteTimeout = d
		}
	}
}

// WithTTL sets expiry per keyspace (the key text before the first ':').
// Zero means keep forever.
func WithTTL(def time.Duration, bySpace map[string]time.Duration) Option {
	return func(o *options) {
		o.ttlDefault = def
		o.ttlBySpace = bySpace
	}
}

type Client struct {
	rdb        *redis.Client
	ttlDefault time.Duration
	ttlBySpace map[string]time.Duration
}

func New(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	if addr == "" {
		return nil, errors.New("redis address is required")
	}

	o := &options{
		ro: redis.Options{
			Addr:         addr,
			PoolSize:     64,
			MinIdleConns: 4,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  1 * time.Second,
			WriteTimeout: 1 * time.Second,
			MaintNotificationsConfig: &maintnotifications.Config{
				Mode: maintnotifications.ModeDisabled,
			},
		},
	}
	for _, f := range opts {
		f(o)
	}

	rdb := redis.NewClient(&o.ro)
	c := &Client{rdb: rdb, ttlDefault: o.ttlDefault, ttlBySpace: o.ttlBySpace}

	if err := c.Ping(ctx); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return c, nil
}

func keyspace(key string) string {
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i]
	}
	return key
}

func (c *Client) ttlFor(key string) time.Duration {
	if d, ok := c.ttlBySpace[keyspace(key)]; ok {
		return d
	}
	return c.ttlDefault
}

func (c *Client) Get(ctx context.Context, key string) ([]byte, bool, error) {
	start := time.Now()
	b, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		observability.ObserveStoreOp("get", nil, time.Since(start).Seconds())
		observability.CacheLookup("store", keyspace(key), false)
		return nil, false, nil
	}
	observability.ObserveStoreOp("get", err, time.Since(start).Seconds())
	if err != nil {
		return nil, false, apperr.Store("get", fmt.Errorf("redis GET %q: %w", key, err))
	}
	observability.CacheLookup("store", keyspace(key), true)
	return b, true, nil
}

func (c *Client) Put(ctx context.Context, key string, val []byte) error {
	start := time.Now()
	err := c.rdb.Set(ctx, key, val, c.ttlFor(key)).Err()
	observability.ObserveStoreOp("put", err, time.Since(start).Seconds())
	if err != nil {
		return apperr.Store("put", fmt.Errorf("redis SET %q: %w", key, err))
	}
	return nil
}

func (c *Client) Ping(ctx context.Context) error {
	start := time.Now()
	err := c.rdb.Ping(ctx).Err()
	observability.ObserveStoreOp("ping", err, time.Since(start).Seconds())
	if err != nil {
		return apperr.Store("ping", fmt.Errorf("redis ping: %w", err))
	}
	return nil
}

func (c *Client) Close() error {
	if err := c.rdb.Close(); err != nil {
		return fmt.Errorf("redis close: %w", err)
	}
	return nil
}
