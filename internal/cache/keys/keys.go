// Package keys builds the persistent store keys for tiles, geocodes and dispatch ranges.
package keys

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
)

const (
	TilePrefix     = "tile"
	GeocodePrefix  = "geo"
	DispatchPrefix = "dispatch"
)

// Tile keys on the digest of the full upstream URL, so changing the tile source changes every key.
func Tile(url string) string {
	return fmt.Sprintf("%s:%016x", TilePrefix, xxhash.Sum64String(strings.TrimSpace(url)))
}

func Geocode(address string) string {
	norm := NormalizeAddress(address)
	safe := sanitizeForKey(norm)

	const maxAddrTextLen = 120
	if len(safe) > maxAddrTextLen {
		safe = safe[:maxAddrTextLen]
	}
	return fmt.Sprintf("%s:%s:a=%016x", GeocodePrefix, safe, xxhash.Sum64String(norm))
}

// Range takes ISO dates (YYYY-MM-DD).
func Range(startISO, endISO string) string {
	sum := xxhash.Sum64String(startISO + "|" + endISO)
	return fmt.Sprintf("%s:%s:%s:r=%016x", DispatchPrefix, startISO, endISO, sum)
}

// NormalizeAddress trims, collapses whitespace and lowercases so that spelling
// variants of the same address share a cache entry.
func NormalizeAddress(s string) string {
	return strings.ToLower(collapseASCIIWhitespace(strings.TrimSpace(s)))
}

func sanitizeForKey(s string) string {
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))

	var prev rune
	for _, r := range s {
		out := rune(0)
		switch {
		case r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f':
			out = '_'
		case isAlphaNum(r) || r == '_' || r == '-':
			out = r
		default:
			// ':' included, it separates key segments
			out = '-'
		}
		if (out == '_' || out == '-') && out == prev {
			continue
		}
		b.WriteRune(out)
		prev = out
	}
	return b.String()
}

// converts any run of ASCII whitespace to a single space.
func collapseASCIIWhitespace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	wasWS := false
	for _, r := range s {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f' {
			if !wasWS {
				b.WriteByte(' ')
				wasWS = true
			}
			continue
		}
		b.WriteRune(r)
		wasWS = false
	}
	return strings.TrimSpace(b.String())
}

func isAlphaNum(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		unicode.IsDigit(r)
}
