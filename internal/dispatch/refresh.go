package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
)

type Refresher struct {
	run   func(ctx context.Context) error
	at    time.Time
	loc   *time.Location
	clock clockwork.Clock
	log   *slog.Logger
}

// NewRefresher calls run once a day at the wall-clock time at ("HH:MM:SS") in loc.
func NewRefresher(run func(ctx context.Context) error, at string, loc *time.Location, clk clockwork.Clock, log *slog.Logger) (*Refresher, error) {
	t, err := time.Parse(time.TimeOnly, at)
	if err != nil {
		return nil, fmt.Errorf("refresh time %q: %w", at, err)
	}
	if loc == nil {
		loc = time.UTC
	}
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Refresher{run: run, at: t, loc: loc, clock: clk, log: log}, nil
}

// Next returns the first scheduled instant strictly after now.
func (r *Refresher) Next(now time.Time) time.Time {
	local := now.In(r.loc)
	y, m, d := local.Date()
	// wall-clock construction keeps the slot stable across DST changes
	next := time.Date(y, m, d, r.at.Hour(), r.at.Minute(), r.at.Second(), 0, r.loc)
	if !next.After(local) {
		next = time.Date(y, m, d+1, r.at.Hour(), r.at.Minute(), r.at.Second(), 0, r.loc)
	}
	return next
}

// Run blocks until ctx is cancelled. A failed refresh is logged and retried at the next slot.
func (r *Refresher) Run(ctx context.Context) {
	for {
		now := r.clock.Now()
		next := r.Next(now)
		r.log.DebugContext(ctx, "next dispatch refresh scheduled", "at", next)

		timer := r.clock.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.Chan():
		}

		if err := r.run(ctx); err != nil {
			r.log.ErrorContext(ctx, "dispatch refresh failed", "err", err)
		}
	}
}
