package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

type mapStore struct {
	mu    sync.Mutex
	data  map[string][]byte
	block bool
}

func (m *mapStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if m.block {
		<-ctx.Done()
		return nil, false, ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.data[key]
	return b, ok, nil
}

func (m *mapStore) Put(_ context.Context, key string, val []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		m.data = map[string][]byte{}
	}
	m.data[key] = val
	return nil
}

func (m *mapStore) Ping(context.Context) error { return nil }
func (m *mapStore) Close() error               { return nil }

func TestPutGetJSON_RoundTripWithTimestamp(t *testing.T) {
	s := &mapStore{}
	clk := clockwork.NewFakeClockAt(time.Date(2024, 7, 23, 12, 0, 0, 0, time.UTC))

	if err := PutJSON(context.Background(), s, clk, "geo:x", []float64{46.87, -96.78}); err != nil {
		t.Fatalf("put: %v", err)
	}
	e, ok, err := GetJSON[[]float64](context.Background(), s, "geo:x")
	if err != nil || !ok {
		t.Fatalf("get ok=%v err=%v", ok, err)
	}
	if len(e.Value) != 2 || e.Value[0] != 46.87 {
		t.Fatalf("value=%v", e.Value)
	}
	if !e.CreatedAt.Equal(clk.Now()) {
		t.Fatalf("createdAt=%v want %v", e.CreatedAt, clk.Now())
	}
}

func TestGetJSON_MissAndCorrupt(t *testing.T) {
	s := &mapStore{data: map[string][]byte{"bad": []byte("{not json")}}

	if _, ok, err := GetJSON[string](context.Background(), s, "absent"); ok || err != nil {
		t.Fatalf("absent ok=%v err=%v want miss", ok, err)
	}
	if _, ok, err := GetJSON[string](context.Background(), s, "bad"); ok || !errors.Is(err, ErrCorruptEntry) {
		t.Fatalf("bad ok=%v err=%v want ErrCorruptEntry", ok, err)
	}
}

func TestWithTimeout_BoundsStalledStore(t *testing.T) {
	s := WithTimeout(&mapStore{block: true}, 20*time.Millisecond)

	start := time.Now()
	_, _, err := s.Get(context.Background(), "k")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v want deadline exceeded", err)
	}
	if el := time.Since(start); el > time.Second {
		t.Fatalf("get took %v", el)
	}
}
