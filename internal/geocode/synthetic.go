package geocode

import (
	"math"

	"github.com/cespare/xxhash/v2"

	"github.com/mohammed-shakir/dispatch-geo-cache/internal/cache/keys"
	"github.com/mohammed-shakir/dispatch-geo-cache/internal/core/model"
)

// SyntheticCoordinate places address at a stable point within radius degrees of center.
// The same address always lands on the same point so markers do not jump between refreshes.
func SyntheticCoordinate(address string, center model.GeoCoordinate, radius float64) model.GeoCoordinate {
	h := xxhash.Sum64String(keys.NormalizeAddress(address))

	angle := float64(h>>32) / float64(1<<32) * 2 * math.Pi
	// sqrt spreads points evenly over the disc instead of clustering at the centre
	dist := math.Sqrt(float64(uint32(h))/float64(1<<32)) * radius

	return model.GeoCoordinate{
		Latitude:  center.Latitude + dist*math.Sin(angle),
		Longitude: center.Longitude + dist*math.Cos(angle),
	}
}
