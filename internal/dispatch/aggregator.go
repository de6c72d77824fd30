// Package dispatch serves enriched dispatch logs for a date range, building each
// range at most once and persisting complete result sets.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/mohammed-shakir/dispatch-geo-cache/internal/cache"
	"github.com/mohammed-shakir/dispatch-geo-cache/internal/cache/keyed"
	"github.com/mohammed-shakir/dispatch-geo-cache/internal/cache/keys"
	"github.com/mohammed-shakir/dispatch-geo-cache/internal/core/apperr"
	"github.com/mohammed-shakir/dispatch-geo-cache/internal/core/model"
	"github.com/mohammed-shakir/dispatch-geo-cache/internal/core/observability"
	"github.com/mohammed-shakir/dispatch-geo-cache/internal/events"
	"github.com/mohammed-shakir/dispatch-geo-cache/internal/geocode"
	mylog "github.com/mohammed-shakir/dispatch-geo-cache/internal/logger"
	"github.com/mohammed-shakir/dispatch-geo-cache/internal/mapper"
)

type Geocoder interface {
	Geocode(ctx context.Context, address string) (geocode.Result, error)
}

type Config struct {
	EnrichConcurrency int
	H3Res             int
	// ParentRes is the coarser resolution of the per-district histogram in events.
	// Negative disables it.
	ParentRes int
	Location  *time.Location
}

type Aggregator struct {
	cfg      Config
	store    cache.Store
	scraper  Scraper
	geocoder Geocoder
	mapper   mapper.Interface
	sink     events.Sink
	clock    clockwork.Clock
	builds   *keyed.Cache[[]model.IncidentRow]
	log      *slog.Logger
}

type Deps struct {
	Store    cache.Store
	Scraper  Scraper
	Geocoder Geocoder
	Mapper   mapper.Interface
	Sink     events.Sink
	Clock    clockwork.Clock
	Log      *slog.Logger
}

func New(cfg Config, d Deps) *Aggregator {
	if cfg.EnrichConcurrency <= 0 {
		cfg.EnrichConcurrency = 16
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if d.Sink == nil {
		d.Sink = events.Nop{}
	}
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	if d.Log == nil {
		d.Log = slog.Default()
	}
	return &Aggregator{
		cfg:      cfg,
		store:    d.Store,
		scraper:  d.Scraper,
		geocoder: d.Geocoder,
		mapper:   d.Mapper,
		sink:     d.Sink,
		clock:    d.Clock,
		builds:   keyed.New(keyed.Config[[]model.IncidentRow]{Name: "dispatch", Limit: 2}),
		log:      d.Log,
	}
}

type Query struct {
	StartDate string
	EndDate   string
	// CallType filters rows after lookup; it is not part of the cache key.
	CallType string
}

// Incidents returns the enriched rows for the raw query range.
func (a *Aggregator) Incidents(ctx context.Context, startRaw, endRaw string) ([]model.IncidentRow, error) {
	return a.Query(ctx, Query{StartDate: startRaw, EndDate: endRaw})
}

func (a *Aggregator) Query(ctx context.Context, q Query) ([]model.IncidentRow, error) {
	r, err := ParseRange(q.StartDate, q.EndDate)
	if err != nil {
		observability.DispatchRequest("invalid")
		return nil, err
	}
	ctx = mylog.WithRange(mylog.WithComponent(ctx, "dispatch"), r.String())
	key := keys.Range(r.StartISO(), r.EndISO())

	if rows, ok := a.lookup(ctx, key); ok {
		observability.DispatchRequest("cache_hit")
		return filterCallType(rows, q.CallType), nil
	}

	rows, err := a.builds.GetOrResolve(ctx, key, func(ctx context.Context) ([]model.IncidentRow, error) {
		// an identical request may have persisted the range while this one queued
		if rows, ok := a.lookup(ctx, key); ok {
			return rows, nil
		}
		return a.build(ctx, r, key)
	})
	if err != nil {
		observability.DispatchRequest("error")
		return nil, err
	}
	observability.DispatchRequest("built")
	return filterCallType(rows, q.CallType), nil
}

// RefreshToday rebuilds today's range in the configured zone and overwrites the stored set.
func (a *Aggregator) RefreshToday(ctx context.Context) error {
	r := Day(a.clock.Now(), a.cfg.Location)
	ctx = mylog.WithRange(mylog.WithComponent(ctx, "refresh"), r.String())
	key := keys.Range(r.StartISO(), r.EndISO())

	// shares the flight with user requests for the same range
	rows, err := a.builds.GetOrResolve(ctx, key, func(ctx context.Context) ([]model.IncidentRow, error) {
		return a.build(ctx, r, key)
	})
	if err != nil {
		return fmt.Errorf("refresh %s: %w", r, err)
	}
	a.log.InfoContext(ctx, "dispatch range refreshed", "rows", len(rows))
	return nil
}

func (a *Aggregator) lookup(ctx context.Context, key string) ([]model.IncidentRow, bool) {
	e, ok, err := cache.GetJSON[[]model.IncidentRow](ctx, a.store, key)
	if err != nil {
		a.log.WarnContext(ctx, "dispatch store read failed, treating as miss", "key", key, "err", err)
		return nil, false
	}
	return e.Value, ok
}

type enrichStats struct {
	addressed    int
	noAddress    int
	unresolvable int
	unavailable  int
	synthetic    int
}

func (a *Aggregator) build(ctx context.Context, r model.DateRange, key string) ([]model.IncidentRow, error) {
	raw, err := a.scraper.FetchRawIncidents(ctx, r.StartISO(), r.EndISO())
	if err != nil {
		a.log.ErrorContext(ctx, "dispatch fetch failed", "err", err)
		if !errors.Is(err, apperr.ErrUpstreamUnavailable) {
			err = apperr.Upstream("dispatch", err)
		}
		return nil, err
	}

	rows, st, err := a.enrich(ctx, raw)
	if err != nil {
		return nil, err
	}

	observability.DispatchRows("kept", len(rows))
	observability.DispatchRows("no_address", st.noAddress)
	observability.DispatchRows("unresolvable", st.unresolvable)
	observability.DispatchRows("unavailable", st.unavailable)
	observability.DispatchRows("synthetic", st.synthetic)

	if st.addressed > 0 && st.unavailable == st.addressed {
		return nil, fmt.Errorf("geocoding %d rows: %w", st.addressed, apperr.ErrUpstreamUnavailable)
	}
	if st.synthetic > 0 {
		a.log.WarnContext(ctx, "dispatch rows carry synthetic coordinates", "rows", st.synthetic)
	}

	switch {
	case len(rows) == 0:
		a.log.DebugContext(ctx, "empty result set not persisted")
	case st.unavailable > 0 || st.synthetic > 0:
		a.log.InfoContext(ctx, "incomplete result set not persisted",
			"unavailable", st.unavailable, "synthetic", st.synthetic)
	default:
		if err := cache.PutJSON(ctx, a.store, a.clock, key, rows); err != nil {
			a.log.WarnContext(ctx, "dispatch persist failed", "key", key, "err", err)
		}
	}

	a.sink.Publish(events.ResultSetEvent{
		Start:     r.StartISO(),
		End:       r.EndISO(),
		Rows:      len(rows),
		Dropped:   len(raw) - len(rows),
		Synthetic: st.synthetic > 0,
		Cells:     cellCounts(rows),
		Districts: a.parentCounts(ctx, rows),
		TS:        a.clock.Now().UTC(),
	})
	return rows, nil
}

type lookupResult struct {
	res geocode.Result
	err error
}

// enrich geocodes each distinct address once, then places every row in input order,
// dropping rows that cannot be placed.
func (a *Aggregator) enrich(ctx context.Context, raw []model.IncidentRow) ([]model.IncidentRow, enrichStats, error) {
	var st enrichStats
	rowKeys := make([]string, len(raw))
	var distinct []string
	addrOf := map[string]string{}
	for i, row := range raw {
		if strings.TrimSpace(row.Address) == "" {
			st.noAddress++
			continue
		}
		st.addressed++
		k := keys.Geocode(row.Address)
		rowKeys[i] = k
		if _, ok := addrOf[k]; !ok {
			addrOf[k] = row.Address
			distinct = append(distinct, k)
		}
	}

	found := make([]lookupResult, len(distinct))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.EnrichConcurrency)
	for j, k := range distinct {
		g.Go(func() error {
			res, err := a.geocoder.Geocode(gctx, addrOf[k])
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
			}
			found[j] = lookupResult{res: res, err: err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, st, err
	}
	byKey := make(map[string]lookupResult, len(distinct))
	for j, k := range distinct {
		byKey[k] = found[j]
	}

	rows := make([]model.IncidentRow, 0, len(raw))
	for i, row := range raw {
		if rowKeys[i] == "" {
			continue
		}
		lr := byKey[rowKeys[i]]
		if lr.err != nil {
			if errors.Is(lr.err, apperr.ErrUnresolvableAddress) {
				st.unresolvable++
				a.log.WarnContext(ctx, "address not found, row dropped", "address", row.Address)
			} else {
				st.unavailable++
				a.log.WarnContext(ctx, "geocode unavailable, row dropped", "address", row.Address, "err", lr.err)
			}
			continue
		}
		row = row.WithCoordinate(lr.res.Coord)
		row.Synthetic = lr.res.Synthetic()
		if row.Synthetic {
			st.synthetic++
		}
		if a.mapper != nil {
			cell, err := a.mapper.CellForCoordinate(lr.res.Coord, a.cfg.H3Res)
			if err != nil {
				a.log.WarnContext(ctx, "h3 index failed", "address", row.Address, "err", err)
			}
			row.H3Cell = cell
		}
		rows = append(rows, row)
	}
	return rows, st, nil
}

func filterCallType(rows []model.IncidentRow, callType string) []model.IncidentRow {
	callType = strings.TrimSpace(callType)
	if callType == "" {
		return rows
	}
	out := make([]model.IncidentRow, 0, len(rows))
	for _, r := range rows {
		if strings.EqualFold(strings.TrimSpace(r.CallType), callType) {
			out = append(out, r)
		}
	}
	return out
}

func cellCounts(rows []model.IncidentRow) map[string]int {
	out := map[string]int{}
	for _, r := range rows {
		if r.H3Cell != "" {
			out[r.H3Cell]++
		}
	}
	return out
}

// parentCounts rolls cells up to ParentRes.
func (a *Aggregator) parentCounts(ctx context.Context, rows []model.IncidentRow) map[string]int {
	if a.mapper == nil || a.cfg.ParentRes < 0 || a.cfg.ParentRes > a.cfg.H3Res {
		return nil
	}
	out := map[string]int{}
	for _, r := range rows {
		if r.H3Cell == "" {
			continue
		}
		p, err := a.mapper.ToParent(r.H3Cell, a.cfg.ParentRes)
		if err != nil {
			a.log.WarnContext(ctx, "h3 parent failed", "cell", r.H3Cell, "err", err)
			continue
		}
		out[p]++
	}
	return out
}
