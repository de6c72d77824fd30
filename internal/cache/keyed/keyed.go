// Package keyed resolves values at most once per key at a time.
//
// Concurrent callers asking for the same key share one resolution. Resolutions for
// different keys run in parallel up to a global limit, admitted in FIFO order.
// Successful values may be memoized; failures never are.
package keyed

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/mohammed-shakir/dispatch-geo-cache/internal/core/observability"
)

const DefaultLimit = 5

// Memo is the optional success memo. golang-lru's expirable.LRU satisfies it.
type Memo[V any] interface {
	Get(key string) (V, bool)
	Add(key string, value V) bool
}

type Config[V any] struct {
	// Name labels metrics.
	Name  string
	Limit int
	Memo  Memo[V]
}

type Cache[V any] struct {
	name  string
	memo  Memo[V]
	group singleflight.Group
	sem   *semaphore.Weighted
}

// Resolver produces the value for a key. Its ctx is detached from any single caller.
type Resolver[V any] func(ctx context.Context) (V, error)

func New[V any](cfg Config[V]) *Cache[V] {
	limit := cfg.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	name := cfg.Name
	if name == "" {
		name = "default"
	}
	return &Cache[V]{
		name: name,
		memo: cfg.Memo,
		sem:  semaphore.NewWeighted(int64(limit)),
	}
}

// GetOrResolve returns the memoized value for key or joins/starts its resolution.
// If ctx ends first the caller gets ctx.Err(); the shared resolution keeps running
// for the remaining waiters and still memoizes its result.
func (c *Cache[V]) GetOrResolve(ctx context.Context, key string, resolve Resolver[V]) (V, error) {
	if v, ok := c.lookup(key); ok {
		return v, nil
	}

	ch := c.group.DoChan(key, func() (any, error) {
		return c.run(ctx, key, resolve)
	})

	select {
	case res := <-ch:
		if res.Shared {
			observability.KeyedShared(c.name)
		}
		if res.Err != nil {
			var zero V
			return zero, res.Err
		}
		v, _ := res.Val.(V)
		return v, nil
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}

func (c *Cache[V]) lookup(key string) (V, bool) {
	if c.memo == nil {
		var zero V
		return zero, false
	}
	v, ok := c.memo.Get(key)
	observability.CacheLookup(c.name, "memo", ok)
	return v, ok
}

func (c *Cache[V]) run(callerCtx context.Context, key string, resolve Resolver[V]) (v V, err error) {
	// another flight may have completed between the caller's lookup and this one starting
	if c.memo != nil {
		if mv, ok := c.memo.Get(key); ok {
			return mv, nil
		}
	}

	ctx := context.WithoutCancel(callerCtx)
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return v, fmt.Errorf("keyed %s: acquire slot: %w", c.name, err)
	}
	defer c.sem.Release(1)

	observability.KeyedInflight(c.name, 1)
	defer observability.KeyedInflight(c.name, -1)

	defer func() {
		if r := recover(); r != nil {
			var zero V
			v = zero
			err = &panicError{msg: fmt.Sprintf("keyed %s: resolver panic for %q: %v", c.name, key, r)}
		}
		observability.KeyedResolved(c.name, err)
	}()

	v, err = resolve(ctx)
	if err != nil {
		return v, err
	}
	if c.memo != nil {
		c.memo.Add(key, v)
	}
	return v, nil
}

// IsPanic reports whether err came from a recovered resolver panic.
func IsPanic(err error) bool {
	var pe *panicError
	return errors.As(err, &pe)
}

type panicError struct{ msg string }

func (e *panicError) Error() string { return e.msg }
