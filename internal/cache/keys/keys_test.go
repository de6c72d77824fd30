package keys

import (
	"regexp"
	"strings"
	"testing"
)

var keySafe = regexp.MustCompile(`^[a-z0-9:_=\-]+$`)

func TestGeocode_SpellingVariantsShareKey(t *testing.T) {
	k1 := Geocode("  1200 Main   Ave ")
	k2 := Geocode("1200 main ave")
	if k1 != k2 {
		t.Fatalf("normalized keys differ:\n k1=%s\n k2=%s", k1, k2)
	}
	if !strings.HasPrefix(k1, "geo:1200_main_ave:a=") {
		t.Fatalf("unexpected key shape: %s", k1)
	}
	if !keySafe.MatchString(k1) {
		t.Fatalf("key contains disallowed characters: %s", k1)
	}
}

func TestGeocode_DistinctAddressesDiffer(t *testing.T) {
	// both sanitize to the same text, the digest keeps them apart
	k1 := Geocode("1st & main")
	k2 := Geocode("1st / main")
	if k1 == k2 {
		t.Fatalf("different addresses must produce different keys: %s", k1)
	}
}

func TestGeocode_LongAddressTruncatedButUnique(t *testing.T) {
	long := strings.Repeat("a", 300)
	k1 := Geocode(long + "x")
	k2 := Geocode(long + "y")
	if k1 == k2 {
		t.Fatalf("digest must separate long addresses")
	}
	if len(k1) > 160 {
		t.Fatalf("key too long: %d", len(k1))
	}
}

func TestTile_Deterministic(t *testing.T) {
	u := "https://tile.openstreetmap.org/13/1970/2880.png"
	if Tile(u) != Tile(u) {
		t.Fatalf("tile key not deterministic")
	}
	if Tile(u) == Tile("https://tile.openstreetmap.org/13/1970/2881.png") {
		t.Fatalf("different tiles share a key")
	}
	if !regexp.MustCompile(`^tile:[0-9a-f]{16}$`).MatchString(Tile(u)) {
		t.Fatalf("unexpected tile key %s", Tile(u))
	}
}

func TestRange_OrderMatters(t *testing.T) {
	a := Range("2024-07-23", "2024-07-24")
	b := Range("2024-07-24", "2024-07-23")
	if a == b {
		t.Fatalf("swapped range must differ")
	}
	if !strings.HasPrefix(a, "dispatch:2024-07-23:2024-07-24:r=") {
		t.Fatalf("unexpected range key %s", a)
	}
}
