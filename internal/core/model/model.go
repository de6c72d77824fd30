// Package model defines core domain types shared across the service.
package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

const DateLayout = "2006-01-02"

type GeoCoordinate struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

func (c GeoCoordinate) Valid() bool {
	return c.Latitude >= -90 && c.Latitude <= 90 &&
		c.Longitude >= -180 && c.Longitude <= 180
}

func (c GeoCoordinate) String() string {
	return fmt.Sprintf("%.6f,%.6f", c.Latitude, c.Longitude)
}

// DateRange is a validated, day-granular query window.
type DateRange struct {
	Start time.Time
	End   time.Time
}

func (r DateRange) StartISO() string { return r.Start.Format(DateLayout) }
func (r DateRange) EndISO() string   { return r.End.Format(DateLayout) }

func (r DateRange) String() string {
	return r.StartISO() + ".." + r.EndISO()
}

// IncidentRow is one dispatch log entry. Fields the pipeline inspects are typed;
// anything else the upstream sends is kept in Extra and written back flat.
type IncidentRow struct {
	Address     string
	CallType    string
	DateTime    string
	Description string

	Latitude  float64
	Longitude float64
	H3Cell    string
	Synthetic bool

	Extra map[string]string
}

func (r IncidentRow) Coordinate() GeoCoordinate {
	return GeoCoordinate{Latitude: r.Latitude, Longitude: r.Longitude}
}

// WithCoordinate returns a copy with coordinates applied.
func (r IncidentRow) WithCoordinate(c GeoCoordinate) IncidentRow {
	r.Latitude = c.Latitude
	r.Longitude = c.Longitude
	if len(r.Extra) > 0 {
		cp := make(map[string]string, len(r.Extra))
		for k, v := range r.Extra {
			cp[k] = v
		}
		r.Extra = cp
	}
	return r
}

const (
	fieldAddress     = "address"
	fieldCallType    = "callType"
	fieldDateTime    = "dateTime"
	fieldDescription = "description"
	fieldLatitude    = "latitude"
	fieldLongitude   = "longitude"
	fieldH3Cell      = "h3Cell"
	fieldSynthetic   = "synthetic"
)

var known = map[string]string{
	"address":     fieldAddress,
	"calltype":    fieldCallType,
	"type":        fieldCallType,
	"datetime":    fieldDateTime,
	"date":        fieldDateTime,
	"description": fieldDescription,
	"latitude":    fieldLatitude,
	"lat":         fieldLatitude,
	"longitude":   fieldLongitude,
	"lng":         fieldLongitude,
	"lon":         fieldLongitude,
	"h3cell":      fieldH3Cell,
	"synthetic":   fieldSynthetic,
}

// written holds the names MarshalJSON emits for typed fields.
var written = map[string]struct{}{
	fieldAddress: {}, fieldCallType: {}, fieldDateTime: {}, fieldDescription: {},
	fieldLatitude: {}, fieldLongitude: {}, fieldH3Cell: {}, fieldSynthetic: {},
}

func (r IncidentRow) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	first := true
	write := func(k string, v any) error {
		kb, err := json.Marshal(k)
		if err != nil {
			return err
		}
		vb, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("field %s: %w", k, err)
		}
		if !first {
			buf.WriteByte(',')
		}
		first = false
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
		return nil
	}

	extraKeys := make([]string, 0, len(r.Extra))
	for k := range r.Extra {
		if _, typed := written[k]; typed {
			continue
		}
		extraKeys = append(extraKeys, k)
	}
	sort.Strings(extraKeys)

	fields := []struct {
		k    string
		v    any
		skip bool
	}{
		{fieldAddress, r.Address, false},
		{fieldCallType, r.CallType, r.CallType == ""},
		{fieldDateTime, r.DateTime, r.DateTime == ""},
		{fieldDescription, r.Description, r.Description == ""},
		{fieldLatitude, r.Latitude, false},
		{fieldLongitude, r.Longitude, false},
		{fieldH3Cell, r.H3Cell, r.H3Cell == ""},
		{fieldSynthetic, r.Synthetic, !r.Synthetic},
	}
	for _, f := range fields {
		if f.skip {
			continue
		}
		if err := write(f.k, f.v); err != nil {
			return nil, err
		}
	}
	for _, k := range extraKeys {
		if err := write(k, r.Extra[k]); err != nil {
			return nil, err
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON maps known fields case-insensitively. When several spellings of one
// field are present the exact name wins, then a case variant of it, then an alias,
// ties broken by key order. Every shadowed spelling is kept in Extra.
func (r *IncidentRow) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("incident row: %w", err)
	}
	names := make([]string, 0, len(raw))
	for k := range raw {
		names = append(names, k)
	}
	sort.Strings(names)

	type pick struct {
		key  string
		rank int
	}
	chosen := map[string]pick{}
	out := IncidentRow{}
	keep := func(k string) {
		if out.Extra == nil {
			out.Extra = make(map[string]string)
		}
		out.Extra[k] = rawString(raw[k])
	}
	for _, k := range names {
		name, ok := known[strings.ToLower(k)]
		if !ok {
			keep(k)
			continue
		}
		rank := 2
		switch {
		case k == name:
			rank = 0
		case strings.EqualFold(k, name):
			rank = 1
		}
		cur, taken := chosen[name]
		if taken && cur.rank <= rank {
			keep(k)
			continue
		}
		if taken {
			keep(cur.key)
		}
		chosen[name] = pick{key: k, rank: rank}
	}

	for name, p := range chosen {
		v := raw[p.key]
		switch name {
		case fieldAddress:
			out.Address = rawString(v)
		case fieldCallType:
			out.CallType = rawString(v)
		case fieldDateTime:
			out.DateTime = rawString(v)
		case fieldDescription:
			out.Description = rawString(v)
		case fieldH3Cell:
			out.H3Cell = rawString(v)
		case fieldLatitude:
			f, err := rawFloat(v)
			if err != nil {
				return fmt.Errorf("incident row %s: %w", p.key, err)
			}
			out.Latitude = f
		case fieldLongitude:
			f, err := rawFloat(v)
			if err != nil {
				return fmt.Errorf("incident row %s: %w", p.key, err)
			}
			out.Longitude = f
		case fieldSynthetic:
			_ = json.Unmarshal(v, &out.Synthetic)
		}
	}
	*r = out
	return nil
}

// rawString turns any JSON scalar into its text form; strings are unquoted.
func rawString(v json.RawMessage) string {
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return strings.TrimSpace(s)
	}
	t := strings.TrimSpace(string(v))
	if t == "null" {
		return ""
	}
	return t
}

// rawFloat accepts numbers and numeric strings ("46.877200").
func rawFloat(v json.RawMessage) (float64, error) {
	var f float64
	if err := json.Unmarshal(v, &f); err == nil {
		return f, nil
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return 0, fmt.Errorf("not a number: %s", string(v))
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if _, err := fmt.Sscanf(s, "%g", &f); err != nil {
		return 0, fmt.Errorf("parse %q: %w", s, err)
	}
	return f, nil
}

type TileCoord struct {
	Z, X, Y int
}

func (t TileCoord) String() string {
	return fmt.Sprintf("%d/%d/%d", t.Z, t.X, t.Y)
}
