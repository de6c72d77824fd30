// Package observability holds the Prometheus collectors for the tile, geocode and dispatch paths.
package observability

import (
	"errors"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

var latencyBuckets = prometheus.ExponentialBuckets(0.005, 2, 12) // 5ms to ~20s

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: latencyBuckets,
		},
		[]string{"method", "route", "status"},
	)

	upstreamLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstream_latency_seconds",
			Help:    "Latency of upstream calls in seconds.",
			Buckets: latencyBuckets,
		},
		[]string{"upstream", "outcome"},
	)

	storeOpTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "store_op_total",
			Help: "Persistent store operations by op and outcome.",
		},
		[]string{"op", "outcome"},
	)

	storeOpDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "store_operation_duration_seconds",
			Help:    "Persistent store operation latency in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		},
		[]string{"op"},
	)

	cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_lookups_total",
			Help: "Cache lookups by cache, tier and result.",
		},
		[]string{"cache", "tier", "result"},
	)

	keyedResolutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyed_resolutions_total",
			Help: "Resolver invocations by cache and outcome.",
		},
		[]string{"cache", "outcome"},
	)

	keyedShared = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyed_shared_waiters_total",
			Help: "Callers that attached to an in-flight resolution instead of starting one.",
		},
		[]string{"cache"},
	)

	keyedInflight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "keyed_inflight",
			Help: "Resolver invocations currently running.",
		},
		[]string{"cache"},
	)

	geocodeResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geocode_results_total",
			Help: "Geocode outcomes by source (memory, store, upstream, synthetic, unresolvable, error).",
		},
		[]string{"source"},
	)

	geocodeDegraded = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "geocode_degraded_mode",
		Help: "1 when geocoding runs without upstream credentials and emits synthetic coordinates.",
	})

	dispatchRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_requests_total",
			Help: "Dispatch aggregation requests by outcome.",
		},
		[]string{"outcome"},
	)

	dispatchRows = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_rows_total",
			Help: "Incident rows by enrichment result.",
		},
		[]string{"result"},
	)

	eventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "events_dropped_total",
		Help: "Result set events dropped because the publish queue was full.",
	})

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dispatch_cache_build_info",
			Help: "Build information for the binary.",
		},
		[]string{"version"},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		httpRequestsTotal, httpRequestDurationSeconds, upstreamLatencySeconds,
		storeOpTotal, storeOpDurationSeconds, cacheLookups,
		keyedResolutions, keyedShared, keyedInflight,
		geocodeResults, geocodeDegraded,
		dispatchRequests, dispatchRows, eventsDropped, buildInfo,
	}
}

// Init registers the collectors with reg. Registering twice into the same registry is a no-op.
func Init(reg prometheus.Registerer) {
	if reg == nil {
		return
	}
	for _, c := range collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			panic(err)
		}
	}
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	st := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, st).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route, st).Observe(durationSeconds)
}

func ObserveUpstream(upstream string, err error, durationSeconds float64) {
	upstreamLatencySeconds.WithLabelValues(upstream, outcome(err)).Observe(durationSeconds)
}

func ObserveStoreOp(op string, err error, durationSeconds float64) {
	storeOpTotal.WithLabelValues(op, outcome(err)).Inc()
	storeOpDurationSeconds.WithLabelValues(op).Observe(durationSeconds)
}

func CacheLookup(cache, tier string, hit bool) {
	res := "miss"
	if hit {
		res = "hit"
	}
	cacheLookups.WithLabelValues(cache, tier, res).Inc()
}

func KeyedResolved(cache string, err error) {
	keyedResolutions.WithLabelValues(cache, outcome(err)).Inc()
}

func KeyedShared(cache string) {
	keyedShared.WithLabelValues(cache).Inc()
}

func KeyedInflight(cache string, delta float64) {
	keyedInflight.WithLabelValues(cache).Add(delta)
}

func GeocodeResult(source string) {
	geocodeResults.WithLabelValues(source).Inc()
}

func SetGeocodeDegraded(on bool) {
	if on {
		geocodeDegraded.Set(1)
		return
	}
	geocodeDegraded.Set(0)
}

func DispatchRequest(outcome string) {
	dispatchRequests.WithLabelValues(outcome).Inc()
}

func DispatchRows(result string, n int) {
	if n <= 0 {
		return
	}
	dispatchRows.WithLabelValues(result).Add(float64(n))
}

func EventDropped() {
	eventsDropped.Inc()
}

func ExposeBuildInfo(version string) {
	if version == "" {
		version = "dev"
	}
	buildInfo.WithLabelValues(version).Set(1)
}
