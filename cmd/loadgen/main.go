// Command loadgen drives tile and dispatch traffic against a running server
// with a Zipf-skewed tile pool, then writes per-request samples and a summary.
package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mohammed-shakir/dispatch-geo-cache/internal/core/httpclient"
	"github.com/mohammed-shakir/dispatch-geo-cache/internal/logger"
)

type Config struct {
	BaseURL        string
	Concurrency    int
	Duration       time.Duration
	ZipfS          float64
	ZipfV          float64
	TileCount      int
	Zooms          []int
	CenterLat      float64
	CenterLng      float64
	Radius         float64
	DispatchRatio  float64
	DispatchDate   string
	OutputPrefix   string
	RequestTimeout time.Duration
}

func loadConfig() Config {
	var cfg Config
	var zooms string
	flag.StringVar(&cfg.BaseURL, "target", "http://localhost:3000", "Server base URL")
	flag.IntVar(&cfg.Concurrency, "concurrency", 16, "Concurrent workers")
	flag.DurationVar(&cfg.Duration, "duration", 30*time.Second, "Test duration")
	flag.Float64Var(&cfg.ZipfS, "zipf-s", 1.3, "Zipf parameter s (>1)")
	flag.Float64Var(&cfg.ZipfV, "zipf-v", 1.0, "Zipf parameter v (>=1)")
	flag.IntVar(&cfg.TileCount, "tiles", 256, "Distinct tiles in pool")
	flag.StringVar(&zooms, "zooms", "12,13,14", "Comma separated zoom levels")
	flag.Float64Var(&cfg.CenterLat, "lat", 46.8772, "Pool centre latitude")
	flag.Float64Var(&cfg.CenterLng, "lng", -96.7898, "Pool centre longitude")
	flag.Float64Var(&cfg.Radius, "radius", 0.08, "Pool radius in degrees")
	flag.Float64Var(&cfg.DispatchRatio, "dispatch-ratio", 0.1, "Share of requests sent to /dispatch (0..1)")
	flag.StringVar(&cfg.DispatchDate, "date", "", "Dispatch date YYYY-MM-DD (default today)")
	flag.StringVar(&cfg.OutputPrefix, "out", "results/loadgen", "Output file prefix (JSON/CSV)")
	flag.DurationVar(&cfg.RequestTimeout, "timeout", 30*time.Second, "Per-request timeout")
	flag.Parse()

	for p := range strings.SplitSeq(zooms, ",") {
		if z, err := strconv.Atoi(strings.TrimSpace(p)); err == nil && z >= 0 {
			cfg.Zooms = append(cfg.Zooms, z)
		}
	}
	if cfg.DispatchDate == "" {
		cfg.DispatchDate = time.Now().Format(time.DateOnly)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return cfg
}

type sample struct {
	Timestamp time.Time
	Latency   time.Duration
	Kind      string
	Path      string
	Status    int
	ErrorMsg  string
}

type kindStats struct {
	Total   int64   `json:"total"`
	Success int64   `json:"success"`
	Errors  int64   `json:"errors"`
	P50Ms   float64 `json:"p50_ms"`
	P95Ms   float64 `json:"p95_ms"`
	P99Ms   float64 `json:"p99_ms"`
	latMs   []float64
}

type summary struct {
	StartTime     time.Time             `json:"start"`
	EndTime       time.Time             `json:"end"`
	DurationSec   float64               `json:"duration_sec"`
	ThroughputRPS float64               `json:"throughput_rps"`
	Concurrency   int                   `json:"concurrency"`
	Tiles         int                   `json:"tiles"`
	Target        string                `json:"target"`
	ByKind        map[string]*kindStats `json:"by_kind"`
}

func main() {
	cfg := loadConfig()
	log := logger.Build(logger.Config{Level: "info", Console: true, Service: "loadgen"}, os.Stderr)

	if len(cfg.Zooms) == 0 {
		log.Fatal().Msg("no valid zoom levels")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.OutputPrefix), 0o750); err != nil {
		log.Fatal().Err(err).Msg("mkdir results")
	}
	prefix := fmt.Sprintf("%s_%s", cfg.OutputPrefix, time.Now().UTC().Format("20060102_150405Z"))

	seed := time.Now().UnixNano()
	pool := makeTiles(cfg.CenterLat, cfg.CenterLng, cfg.Radius, cfg.Zooms, cfg.TileCount, rand.New(rand.NewSource(seed)))
	if len(pool) == 0 {
		log.Fatal().Msg("empty tile pool")
	}
	imax := uint64(len(pool)) - 1
	dispatchPath := fmt.Sprintf("/dispatch?startDate=%s&endDate=%s", cfg.DispatchDate, cfg.DispatchDate)

	client := httpclient.NewOutbound(
		httpclient.WithTimeout(cfg.RequestTimeout),
		httpclient.WithUserAgent("dispatch-geo-cache-loadgen/1.0"),
	)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
	defer cancel()

	csvFile, err := os.Create(filepath.Clean(prefix + "_samples.csv"))
	if err != nil {
		log.Fatal().Err(err).Msg("open csv")
	}
	defer func() { _ = csvFile.Close() }()
	w := csv.NewWriter(csvFile)

	samples := make(chan sample, 4096)
	done := make(chan map[string]*kindStats, 1)
	go func() {
		_ = w.Write([]string{"timestamp", "kind", "path", "latency_ms", "status", "error"})
		stats := map[string]*kindStats{}
		for s := range samples {
			st := stats[s.Kind]
			if st == nil {
				st = &kindStats{}
				stats[s.Kind] = st
			}
			st.Total++
			ms := float64(s.Latency.Microseconds()) / 1000.0
			if s.ErrorMsg == "" {
				st.Success++
				st.latMs = append(st.latMs, ms)
			} else {
				st.Errors++
			}
			_ = w.Write([]string{
				s.Timestamp.UTC().Format(time.RFC3339Nano), s.Kind, s.Path,
				fmt.Sprintf("%.3f", ms), strconv.Itoa(s.Status), s.ErrorMsg,
			})
		}
		w.Flush()
		if err := w.Error(); err != nil {
			log.Warn().Err(err).Msg("csv flush")
		}
		done <- stats
	}()

	start := time.Now()
	log.Info().
		Str("target", cfg.BaseURL).
		Dur("duration", cfg.Duration).
		Int("concurrency", cfg.Concurrency).
		Int("tiles", len(pool)).
		Float64("dispatch_ratio", cfg.DispatchRatio).
		Msg("loadgen start")

	var wg sync.WaitGroup
	for id := range cfg.Concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := rand.New(rand.NewSource(seed + int64(id) + 1))
			zipf := rand.NewZipf(r, cfg.ZipfS, cfg.ZipfV, imax)
			for ctx.Err() == nil {
				kind, path := "tile", ""
				if r.Float64() < cfg.DispatchRatio {
					kind, path = "dispatch", dispatchPath
				} else {
					v := zipf.Uint64()
					if v > imax {
						continue
					}
					path = pool[v].Path()
				}
				s := hit(ctx, client, cfg.BaseURL+path)
				s.Kind, s.Path = kind, path
				select {
				case samples <- s:
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	go func() {
		<-ctx.Done()
		wg.Wait()
		close(samples)
	}()

	stats := <-done
	end := time.Now()
	var total int64
	for _, st := range stats {
		total += st.Total
		sort.Float64s(st.latMs)
		st.P50Ms = percentile(st.latMs, 50)
		st.P95Ms = percentile(st.latMs, 95)
		st.P99Ms = percentile(st.latMs, 99)
		if math.IsNaN(st.P50Ms) {
			st.P50Ms, st.P95Ms, st.P99Ms = 0, 0, 0
		}
	}
	elapsed := end.Sub(start).Seconds()
	sum := summary{
		StartTime:   start,
		EndTime:     end,
		DurationSec: elapsed,
		Concurrency: cfg.Concurrency,
		Tiles:       len(pool),
		Target:      cfg.BaseURL,
		ByKind:      stats,
	}
	if elapsed > 0 {
		sum.ThroughputRPS = float64(total) / elapsed
	}

	b, _ := json.MarshalIndent(sum, "", "  ")
	if err := os.WriteFile(filepath.Clean(prefix+"_summary.json"), b, 0o600); err != nil {
		log.Error().Err(err).Msg("write summary")
	}
	ev := log.Info().Int64("total", total).Float64("rps", sum.ThroughputRPS)
	for k, st := range stats {
		ev = ev.Dict(k, zerologDict(st))
	}
	ev.Str("prefix", prefix).Msg("loadgen done")
}

func hit(ctx context.Context, client *http.Client, u string) sample {
	s := sample{Timestamp: time.Now()}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		s.ErrorMsg = err.Error()
		return s
	}
	resp, err := client.Do(req)
	s.Latency = time.Since(s.Timestamp)
	if err != nil {
		s.ErrorMsg = err.Error()
		return s
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	s.Status = resp.StatusCode
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.ErrorMsg = "status=" + strconv.Itoa(resp.StatusCode)
	}
	return s
}

func zerologDict(st *kindStats) *zerolog.Event {
	return zerolog.Dict().
		Int64("total", st.Total).
		Int64("errors", st.Errors).
		Float64("p50_ms", st.P50Ms).
		Float64("p99_ms", st.P99Ms)
}
