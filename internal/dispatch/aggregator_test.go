package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohammed-shakir/dispatch-geo-cache/internal/cache"
	"github.com/mohammed-shakir/dispatch-geo-cache/internal/cache/keys"
	"github.com/mohammed-shakir/dispatch-geo-cache/internal/cache/redisstore"
	"github.com/mohammed-shakir/dispatch-geo-cache/internal/core/apperr"
	"github.com/mohammed-shakir/dispatch-geo-cache/internal/core/model"
	"github.com/mohammed-shakir/dispatch-geo-cache/internal/events"
	"github.com/mohammed-shakir/dispatch-geo-cache/internal/geocode"
	h3mapper "github.com/mohammed-shakir/dispatch-geo-cache/internal/mapper/h3"
)

type fakeScraper struct {
	calls atomic.Int32
	rows  []model.IncidentRow
	err   error
	// when set, each call signals entered and waits for gate to close
	entered chan struct{}
	gate    chan struct{}
}

func (f *fakeScraper) FetchRawIncidents(context.Context, string, string) ([]model.IncidentRow, error) {
	f.calls.Add(1)
	if f.gate != nil {
		f.entered <- struct{}{}
		<-f.gate
	}
	if f.err != nil {
		return nil, f.err
	}
	return append([]model.IncidentRow(nil), f.rows...), nil
}

// geocodes by table; unknown addresses are unresolvable
type tableGeocoder struct {
	coords map[string]model.GeoCoordinate
	errs   map[string]error
	delays map[string]time.Duration
	source geocode.Source
}

func (g *tableGeocoder) Geocode(_ context.Context, address string) (geocode.Result, error) {
	time.Sleep(g.delays[address])
	if err, ok := g.errs[address]; ok {
		return geocode.Result{}, err
	}
	c, ok := g.coords[address]
	if !ok {
		return geocode.Result{}, apperr.ErrUnresolvableAddress
	}
	src := g.source
	if src == "" {
		src = geocode.SourceUpstream
	}
	return geocode.Result{Coord: c, Source: src}, nil
}

// countingUpstream answers from a table and counts calls per address.
type countingUpstream struct {
	mu     sync.Mutex
	calls  map[string]int
	coords map[string]model.GeoCoordinate
	err    error
}

func (u *countingUpstream) Lookup(_ context.Context, address string) (model.GeoCoordinate, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.calls == nil {
		u.calls = map[string]int{}
	}
	u.calls[address]++
	if u.err != nil {
		return model.GeoCoordinate{}, u.err
	}
	c, ok := u.coords[address]
	if !ok {
		return model.GeoCoordinate{}, apperr.ErrUnresolvableAddress
	}
	return c, nil
}

func (u *countingUpstream) count(address string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.calls[address]
}

type recordingSink struct {
	mu  sync.Mutex
	evs []events.ResultSetEvent
}

func (s *recordingSink) Publish(ev events.ResultSetEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evs = append(s.evs, ev)
}
func (s *recordingSink) Close() error { return nil }

type env struct {
	agg     *Aggregator
	scraper *fakeScraper
	geo     *tableGeocoder
	sink    *recordingSink
	store   cache.Store
	mr      *miniredis.Miniredis
	clock   *clockwork.FakeClock
}

var (
	mainAve  = model.GeoCoordinate{Latitude: 46.8753, Longitude: -96.8012}
	broadway = model.GeoCoordinate{Latitude: 46.8810, Longitude: -96.7866}
	npAve    = model.GeoCoordinate{Latitude: 46.8755, Longitude: -96.7880}
)

func newEnv(t *testing.T, rows []model.IncidentRow) *env {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := redisstore.New(context.Background(), mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	e := &env{
		scraper: &fakeScraper{rows: rows},
		geo: &tableGeocoder{coords: map[string]model.GeoCoordinate{
			"1200 Main Ave": mainAve,
			"55 Broadway N": broadway,
			"300 NP Ave":    npAve,
		}},
		sink:  &recordingSink{},
		store: store,
		mr:    mr,
		clock: clockwork.NewFakeClockAt(time.Date(2024, 7, 24, 3, 0, 0, 0, time.UTC)),
	}
	chicago, err := time.LoadLocation("America/Chicago")
	require.NoError(t, err)
	e.agg = New(Config{EnrichConcurrency: 4, H3Res: 9, Location: chicago}, Deps{
		Store:    store,
		Scraper:  e.scraper,
		Geocoder: e.geo,
		Mapper:   h3mapper.New(),
		Sink:     e.sink,
		Clock:    e.clock,
		Log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return e
}

func sampleRows() []model.IncidentRow {
	return []model.IncidentRow{
		{Address: "1200 Main Ave", CallType: "Traffic Stop", DateTime: "7/23/2024 10:01"},
		{Address: "55 Broadway N", CallType: "Theft", DateTime: "7/23/2024 11:15", Extra: map[string]string{"Incident": "24-1"}},
		{Address: "300 NP Ave", CallType: "traffic stop", DateTime: "7/23/2024 12:30"},
	}
}

func TestIncidents_BuildsOnceThenServesFromStore(t *testing.T) {
	e := newEnv(t, sampleRows())
	ctx := context.Background()

	first, err := e.agg.Incidents(ctx, "2024-07-23", "2024-07-24")
	require.NoError(t, err)
	require.Len(t, first, 3)
	assert.Equal(t, mainAve, first[0].Coordinate())
	assert.NotEmpty(t, first[0].H3Cell)
	assert.Equal(t, "24-1", first[1].Extra["Incident"])

	second, err := e.agg.Incidents(ctx, "7/23/2024", "7/24/2024")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.EqualValues(t, 1, e.scraper.calls.Load())

	stored, ok, err := cache.GetJSON[[]model.IncidentRow](ctx, e.store, keys.Range("2024-07-23", "2024-07-24"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, first, stored.Value)
	assert.True(t, stored.CreatedAt.Equal(e.clock.Now()))

	require.Len(t, e.sink.evs, 1)
	assert.Equal(t, 3, e.sink.evs[0].Rows)
}

func TestIncidents_WideRangeRejectedBeforeAnyWork(t *testing.T) {
	e := newEnv(t, sampleRows())
	_, err := e.agg.Incidents(context.Background(), "2024-07-20", "2024-07-24")
	require.Error(t, err)
	assert.True(t, apperr.IsValidation(err))
	assert.Zero(t, e.scraper.calls.Load())
}

func TestIncidents_PreservesOrderAndDropsUnresolvable(t *testing.T) {
	rows := []model.IncidentRow{
		{Address: "1200 Main Ave"},
		{Address: "Nowhere Rd"},
		{Address: ""},
		{Address: "55 Broadway N"},
		{Address: "300 NP Ave"},
	}
	e := newEnv(t, rows)
	// earlier rows finish last
	e.geo.delays = map[string]time.Duration{"1200 Main Ave": 60 * time.Millisecond, "55 Broadway N": 30 * time.Millisecond}

	got, err := e.agg.Incidents(context.Background(), "2024-07-23", "2024-07-23")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "1200 Main Ave", got[0].Address)
	assert.Equal(t, "55 Broadway N", got[1].Address)
	assert.Equal(t, "300 NP Ave", got[2].Address)

	// unresolvable rows are a final answer, the set is still persisted
	assert.True(t, e.mr.Exists(keys.Range("2024-07-23", "2024-07-23")))
}

func TestIncidents_AllGeocodesUnavailableFails(t *testing.T) {
	e := newEnv(t, sampleRows())
	down := apperr.Upstream("geocode", errors.New("503"))
	e.geo.errs = map[string]error{"1200 Main Ave": down, "55 Broadway N": down, "300 NP Ave": down}

	_, err := e.agg.Incidents(context.Background(), "2024-07-23", "2024-07-24")
	require.ErrorIs(t, err, apperr.ErrUpstreamUnavailable)
	assert.Empty(t, e.mr.Keys())
}

func TestIncidents_PartialOutageReturnedButNotPersisted(t *testing.T) {
	e := newEnv(t, sampleRows())
	e.geo.errs = map[string]error{"55 Broadway N": apperr.Upstream("geocode", errors.New("timeout"))}

	got, err := e.agg.Incidents(context.Background(), "2024-07-23", "2024-07-24")
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.False(t, e.mr.Exists(keys.Range("2024-07-23", "2024-07-24")))

	// the next request retries the build
	e.geo.errs = nil
	got, err = e.agg.Incidents(context.Background(), "2024-07-23", "2024-07-24")
	require.NoError(t, err)
	assert.Len(t, got, 3)
	assert.EqualValues(t, 2, e.scraper.calls.Load())
	assert.True(t, e.mr.Exists(keys.Range("2024-07-23", "2024-07-24")))
}

func TestIncidents_SyntheticRowsFlaggedAndNotPersisted(t *testing.T) {
	e := newEnv(t, sampleRows())
	e.geo.source = geocode.SourceSynthetic

	got, err := e.agg.Incidents(context.Background(), "2024-07-23", "2024-07-24")
	require.NoError(t, err)
	require.Len(t, got, 3)
	for _, r := range got {
		assert.True(t, r.Synthetic)
	}
	assert.Empty(t, e.mr.Keys())
	require.Len(t, e.sink.evs, 1)
	assert.True(t, e.sink.evs[0].Synthetic)
}

func TestIncidents_EmptySetNotPersisted(t *testing.T) {
	e := newEnv(t, nil)
	got, err := e.agg.Incidents(context.Background(), "2024-07-23", "2024-07-24")
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Empty(t, e.mr.Keys())
}

func TestIncidents_ScraperFailureIsUpstreamError(t *testing.T) {
	e := newEnv(t, nil)
	e.scraper.err = errors.New("connection reset")

	_, err := e.agg.Incidents(context.Background(), "2024-07-23", "2024-07-24")
	require.ErrorIs(t, err, apperr.ErrUpstreamUnavailable)
}

func TestQuery_CallTypeFilterAppliedAfterCache(t *testing.T) {
	e := newEnv(t, sampleRows())
	ctx := context.Background()

	got, err := e.agg.Query(ctx, Query{StartDate: "2024-07-23", EndDate: "2024-07-24", CallType: "TRAFFIC STOP"})
	require.NoError(t, err)
	require.Len(t, got, 2)

	all, err := e.agg.Incidents(ctx, "2024-07-23", "2024-07-24")
	require.NoError(t, err)
	assert.Len(t, all, 3, "the stored set must not be filtered")
	assert.EqualValues(t, 1, e.scraper.calls.Load())
}

func TestIncidents_ConcurrentIdenticalRequestsBuildOnce(t *testing.T) {
	e := newEnv(t, sampleRows())
	e.geo.delays = map[string]time.Duration{"1200 Main Ave": 80 * time.Millisecond}

	var wg sync.WaitGroup
	for range 6 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rows, err := e.agg.Incidents(context.Background(), "2024-07-23", "2024-07-24")
			assert.NoError(t, err)
			assert.Len(t, rows, 3)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, e.scraper.calls.Load())
}

func TestRefreshToday_OverwritesAndKeepsCacheOnFailure(t *testing.T) {
	e := newEnv(t, sampleRows()[:1])
	ctx := context.Background()
	// the fake clock is 2024-07-24 03:00 UTC, i.e. the 23rd in Chicago
	key := keys.Range("2024-07-23", "2024-07-23")

	require.NoError(t, e.agg.RefreshToday(ctx))
	stored, ok, err := cache.GetJSON[[]model.IncidentRow](ctx, e.store, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, stored.Value, 1)

	e.scraper.rows = sampleRows()
	require.NoError(t, e.agg.RefreshToday(ctx))
	stored, _, _ = cache.GetJSON[[]model.IncidentRow](ctx, e.store, key)
	assert.Len(t, stored.Value, 3)

	e.scraper.err = errors.New("down")
	require.ErrorIs(t, e.agg.RefreshToday(ctx), apperr.ErrUpstreamUnavailable)
	stored, _, _ = cache.GetJSON[[]model.IncidentRow](ctx, e.store, key)
	assert.Len(t, stored.Value, 3, "failed refresh must leave the stored set untouched")
}

func TestIncidents_StoreDownStillServes(t *testing.T) {
	e := newEnv(t, sampleRows())
	e.mr.Close()

	got, err := e.agg.Incidents(context.Background(), "2024-07-23", "2024-07-24")
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func withRealGeocoder(t *testing.T, e *env, up *countingUpstream) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	geo := geocode.New(geocode.Config{Concurrency: 5}, e.store, up, e.clock, log)
	e.agg = New(Config{EnrichConcurrency: 1, H3Res: 9, Location: time.UTC}, Deps{
		Store:    e.store,
		Scraper:  e.scraper,
		Geocoder: geo,
		Mapper:   h3mapper.New(),
		Sink:     e.sink,
		Clock:    e.clock,
		Log:      log,
	})
}

func TestIncidents_RepeatedFailingAddressGeocodedOncePerBatch(t *testing.T) {
	rows := make([]model.IncidentRow, 0, 12)
	for range 10 {
		rows = append(rows, model.IncidentRow{Address: "999 Nowhere Rd"})
	}
	rows = append(rows, model.IncidentRow{Address: "999  NOWHERE rd"}, model.IncidentRow{Address: "1200 Main Ave"})
	e := newEnv(t, rows)
	up := &countingUpstream{coords: map[string]model.GeoCoordinate{"1200 Main Ave": mainAve}}
	withRealGeocoder(t, e, up)

	got, err := e.agg.Incidents(context.Background(), "2024-07-23", "2024-07-23")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "1200 Main Ave", got[0].Address)
	assert.Equal(t, 1, up.count("999 Nowhere Rd"), "one upstream call per distinct address")
	assert.Zero(t, up.count("999  NOWHERE rd"), "normalized duplicates share the lookup")
	assert.Equal(t, 1, up.count("1200 Main Ave"))
}

func TestIncidents_OutageHitsUpstreamOncePerAddress(t *testing.T) {
	rows := []model.IncidentRow{
		{Address: "1200 Main Ave"}, {Address: "55 Broadway N"}, {Address: "1200 Main Ave"},
		{Address: "55 Broadway N"}, {Address: "1200 Main Ave"},
	}
	e := newEnv(t, rows)
	up := &countingUpstream{err: apperr.Upstream("geocode", errors.New("503"))}
	withRealGeocoder(t, e, up)

	_, err := e.agg.Incidents(context.Background(), "2024-07-23", "2024-07-23")
	require.ErrorIs(t, err, apperr.ErrUpstreamUnavailable)
	assert.Equal(t, 1, up.count("1200 Main Ave"))
	assert.Equal(t, 1, up.count("55 Broadway N"))
}

func TestIncidents_DuplicateAddressesKeepOrderAndCoordinates(t *testing.T) {
	rows := []model.IncidentRow{
		{Address: "55 Broadway N", CallType: "a"},
		{Address: "1200 Main Ave", CallType: "b"},
		{Address: "55 broadway n", CallType: "c"},
	}
	e := newEnv(t, rows)

	got, err := e.agg.Incidents(context.Background(), "2024-07-23", "2024-07-23")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{got[0].CallType, got[1].CallType, got[2].CallType})
	assert.Equal(t, broadway, got[2].Coordinate())
	assert.Equal(t, "55 broadway n", got[2].Address, "rows keep their own address text")
	assert.Equal(t, got[0].H3Cell, got[2].H3Cell)
}

func TestRefreshToday_SharesFlightWithConcurrentRequest(t *testing.T) {
	e := newEnv(t, sampleRows())
	e.scraper.entered = make(chan struct{}, 2)
	e.scraper.gate = make(chan struct{})
	ctx := context.Background()

	refreshed := make(chan error, 1)
	go func() { refreshed <- e.agg.RefreshToday(ctx) }()
	<-e.scraper.entered

	type result struct {
		rows []model.IncidentRow
		err  error
	}
	served := make(chan result, 1)
	go func() {
		rows, err := e.agg.Incidents(ctx, "2024-07-23", "2024-07-23")
		served <- result{rows, err}
	}()
	// let the request reach the shared flight before the scrape finishes
	time.Sleep(50 * time.Millisecond)
	close(e.scraper.gate)

	require.NoError(t, <-refreshed)
	res := <-served
	require.NoError(t, res.err)
	assert.Len(t, res.rows, 3)
	assert.EqualValues(t, 1, e.scraper.calls.Load())
}

func TestIncidents_EventCarriesDistrictHistogram(t *testing.T) {
	e := newEnv(t, sampleRows())
	m := h3mapper.New()
	e.agg.cfg.ParentRes = 7

	got, err := e.agg.Incidents(context.Background(), "2024-07-23", "2024-07-24")
	require.NoError(t, err)
	require.Len(t, e.sink.evs, 1)
	ev := e.sink.evs[0]

	want := map[string]int{}
	for _, r := range got {
		p, err := m.ToParent(r.H3Cell, 7)
		require.NoError(t, err)
		want[p]++
	}
	assert.Equal(t, want, ev.Districts)

	total := 0
	for _, n := range ev.Districts {
		total += n
	}
	assert.Equal(t, len(got), total)
}

func TestIncidents_DistrictHistogramDisabled(t *testing.T) {
	e := newEnv(t, sampleRows())
	e.agg.cfg.ParentRes = -1

	_, err := e.agg.Incidents(context.Background(), "2024-07-23", "2024-07-24")
	require.NoError(t, err)
	require.Len(t, e.sink.evs, 1)
	assert.Nil(t, e.sink.evs[0].Districts)
	assert.NotEmpty(t, e.sink.evs[0].Cells)
}
