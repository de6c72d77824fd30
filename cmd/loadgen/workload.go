package main

import (
	"fmt"
	"math"
	"math/rand"
)

type tile struct{ Z, X, Y int }

func (t tile) Path() string { return fmt.Sprintf("/tiles/%d/%d/%d.png", t.Z, t.X, t.Y) }

// tileAt converts a WGS84 point to slippy-map tile indices.
func tileAt(lat, lng float64, z int) tile {
	n := math.Exp2(float64(z))
	x := int(math.Floor((lng + 180) / 360 * n))
	latRad := lat * math.Pi / 180
	y := int(math.Floor((1 - math.Log(math.Tan(latRad)+1/math.Cos(latRad))/math.Pi) / 2 * n))
	maxIdx := int(n) - 1
	return tile{Z: z, X: clamp(x, 0, maxIdx), Y: clamp(y, 0, maxIdx)}
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}

// makeTiles builds a pool of distinct tiles around the centre; the first entries are
// the centre tiles at each zoom so a Zipf draw makes them hot.
func makeTiles(lat, lng, radius float64, zooms []int, count int, r *rand.Rand) []tile {
	seen := map[tile]struct{}{}
	out := make([]tile, 0, count)
	add := func(t tile) {
		if _, ok := seen[t]; ok {
			return
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	for _, z := range zooms {
		add(tileAt(lat, lng, z))
	}
	for attempts := 0; len(out) < count && attempts < count*50; attempts++ {
		z := zooms[r.Intn(len(zooms))]
		dlat := (r.Float64()*2 - 1) * radius
		dlng := (r.Float64()*2 - 1) * radius
		add(tileAt(lat+dlat, lng+dlng, z))
	}
	return out
}

func percentile(sortedValues []float64, p float64) float64 {
	if len(sortedValues) == 0 {
		return math.NaN()
	}
	if p <= 0 {
		return sortedValues[0]
	}
	if p >= 100 {
		return sortedValues[len(sortedValues)-1]
	}
	k := (p / 100.0) * float64(len(sortedValues)-1)
	f := math.Floor(k)
	i := int(f)
	if i >= len(sortedValues)-1 {
		return sortedValues[len(sortedValues)-1]
	}
	d := k - f
	return sortedValues[i]*(1-d) + sortedValues[i+1]*d
}
