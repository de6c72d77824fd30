package dispatch

import (
	"strings"
	"time"

	"github.com/mohammed-shakir/dispatch-geo-cache/internal/core/apperr"
	"github.com/mohammed-shakir/dispatch-geo-cache/internal/core/model"
)

// MaxRangeSpan bounds a single query. Wider ranges would fan out to thousands of geocodes.
const MaxRangeSpan = 24 * time.Hour

var dateLayouts = []string{model.DateLayout, "1/2/2006"}

// ParseRange validates raw startDate/endDate query values.
func ParseRange(startRaw, endRaw string) (model.DateRange, error) {
	start, err := parseDate("startDate", startRaw)
	if err != nil {
		return model.DateRange{}, err
	}
	end, err := parseDate("endDate", endRaw)
	if err != nil {
		return model.DateRange{}, err
	}
	if start.After(end) {
		return model.DateRange{}, apperr.Validation("startDate", "must not be after endDate")
	}
	if end.Sub(start) > MaxRangeSpan {
		return model.DateRange{}, apperr.Validation("endDate", "range must not exceed 1 day")
	}
	return model.DateRange{Start: start, End: end}, nil
}

func parseDate(field, raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, apperr.Validation(field, "is required")
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	return time.Time{}, apperr.Validation(field, "invalid date %q (use YYYY-MM-DD or M/D/YYYY)", raw)
}

// Day returns the single-day range containing t in loc.
func Day(t time.Time, loc *time.Location) model.DateRange {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := t.In(loc).Date()
	day := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return model.DateRange{Start: day, End: day}
}
