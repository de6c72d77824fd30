// Package sqlitestore is an embedded cache.Store on a single SQLite file.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mohammed-shakir/dispatch-geo-cache/internal/core/apperr"
	"github.com/mohammed-shakir/dispatch-geo-cache/internal/core/observability"
)

const schema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	created_at INTEGER NOT NULL
);`

type Store struct {
	db *sql.DB
}

// Open creates the file and schema if missing. Use ":memory:" for a throwaway store.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	// a single connection keeps :memory: databases shared and serializes writers
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	start := time.Now()
	var b []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM cache_entries WHERE key = ?`, key).Scan(&b)
	if errors.Is(err, sql.ErrNoRows) {
		observability.ObserveStoreOp("get", nil, time.Since(start).Seconds())
		observability.CacheLookup("store", keyspace(key), false)
		return nil, false, nil
	}
	observability.ObserveStoreOp("get", err, time.Since(start).Seconds())
	if err != nil {
		return nil, false, apperr.Store("get", fmt.Errorf("sqlite select %q: %w", key, err))
	}
	observability.CacheLookup("store", keyspace(key), true)
	return b, true, nil
}

func (s *Store) Put(ctx context.Context, key string, val []byte) error {
	start := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cache_entries (key, value, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, created_at = excluded.created_at`,
		key, val, time.Now().Unix())
	observability.ObserveStoreOp("put", err, time.Since(start).Seconds())
	if err != nil {
		return apperr.Store("put", fmt.Errorf("sqlite upsert %q: %w", key, err))
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	start := time.Now()
	err := s.db.PingContext(ctx)
	observability.ObserveStoreOp("ping", err, time.Since(start).Seconds())
	if err != nil {
		return apperr.Store("ping", fmt.Errorf("sqlite ping: %w", err))
	}
	return nil
}

func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("sqlite close: %w", err)
	}
	return nil
}

func keyspace(key string) string {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			return key[:i]
		}
	}
	return key
}
