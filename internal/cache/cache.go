// Package cache defines the persistent store contract shared by the tile, geocode and dispatch layers.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
)

// Store is a durable key/value store. A missing key is (nil, false, nil).
// Implementations wrap failures with apperr.ErrStoreUnavailable.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, val []byte) error
	Ping(ctx context.Context) error
	Close() error
}

var ErrCorruptEntry = errors.New("corrupt cache entry")

// Entry is the stored envelope. Entries are written whole and never mutated.
type Entry[T any] struct {
	Value     T         `json:"value"`
	CreatedAt time.Time `json:"createdAt"`
}

// GetJSON reads and decodes an Entry. A value that cannot be decoded reports ErrCorruptEntry.
func GetJSON[T any](ctx context.Context, s Store, key string) (Entry[T], bool, error) {
	var e Entry[T]
	b, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return e, false, err
	}
	if err := json.Unmarshal(b, &e); err != nil {
		return e, false, fmt.Errorf("%w %q: %w", ErrCorruptEntry, key, err)
	}
	return e, true, nil
}

func PutJSON[T any](ctx context.Context, s Store, clk clockwork.Clock, key string, v T) error {
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	b, err := json.Marshal(Entry[T]{Value: v, CreatedAt: clk.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encode entry %q: %w", key, err)
	}
	return s.Put(ctx, key, b)
}

type timeoutStore struct {
	next    Store
	timeout time.Duration
}

// WithTimeout bounds every store call by d so a stalled backend reads as unavailable.
func WithTimeout(s Store, d time.Duration) Store {
	if d <= 0 {
		return s
	}
	return &timeoutStore{next: s, timeout: d}
}

func (t *timeoutStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, t.timeout)
}

func (t *timeoutStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, cancel := t.withTimeout(ctx)
	defer cancel()
	return t.next.Get(ctx, key)
}

func (t *timeoutStore) Put(ctx context.Context, key string, val []byte) error {
	ctx, cancel := t.withTimeout(ctx)
	defer cancel()
	return t.next.Put(ctx, key, val)
}

func (t *timeoutStore) Ping(ctx context.Context) error {
	ctx, cancel := t.withTimeout(ctx)
	defer cancel()
	return t.next.Ping(ctx)
}

func (t *timeoutStore) Close() error { return t.next.Close() }
