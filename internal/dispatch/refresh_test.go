package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRefresher_Next(t *testing.T) {
	chicago, err := time.LoadLocation("America/Chicago")
	require.NoError(t, err)
	r, err := NewRefresher(nil, "23:59:59", chicago, clockwork.NewFakeClock(), nil)
	require.NoError(t, err)

	now := time.Date(2024, 7, 23, 12, 0, 0, 0, chicago)
	assert.Equal(t, time.Date(2024, 7, 23, 23, 59, 59, 0, chicago), r.Next(now))

	// exactly on the slot schedules the following day
	now = time.Date(2024, 7, 23, 23, 59, 59, 0, chicago)
	assert.Equal(t, time.Date(2024, 7, 24, 23, 59, 59, 0, chicago), r.Next(now))
}

func TestNewRefresher_RejectsBadTime(t *testing.T) {
	_, err := NewRefresher(nil, "25:00", time.UTC, nil, nil)
	assert.Error(t, err)
}

func TestRefresher_RunFiresDailyAndSurvivesErrors(t *testing.T) {
	start := time.Date(2024, 7, 23, 23, 0, 0, 0, time.UTC)
	clk := clockwork.NewFakeClockAt(start)

	var runs atomic.Int32
	fired := make(chan struct{}, 4)
	run := func(context.Context) error {
		n := runs.Add(1)
		fired <- struct{}{}
		if n == 1 {
			return errors.New("upstream down")
		}
		return nil
	}
	r, err := NewRefresher(run, "23:59:59", time.UTC, clk,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	require.NoError(t, clk.BlockUntilContext(ctx, 1))
	clk.Advance(59*time.Minute + 59*time.Second)
	waitFired(t, fired)

	require.NoError(t, clk.BlockUntilContext(ctx, 1))
	clk.Advance(24 * time.Hour)
	waitFired(t, fired)

	assert.EqualValues(t, 2, runs.Load())
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}

func waitFired(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("refresh did not fire")
	}
}
