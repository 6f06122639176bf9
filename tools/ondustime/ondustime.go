package ondustime

import (
	"fmt"
	"time"
)

// DateLayout is the day-granularity layout the upstream uses for withdrawal
// buckets and the from/to parameters of date-bucketed aggregation.
const DateLayout = "2006-01-02"

// ParseSampleDate attempts to parse an upstream sample date with multiple
// formats. Date-only strings are interpreted in local time, matching how the
// vendor buckets withdrawals by calendar day.
func ParseSampleDate(dateStr string) (time.Time, error) {
	if t, err := time.ParseInLocation(DateLayout, dateStr, time.Local); err == nil {
		return t, nil
	}

	formats := []string{
		time.RFC3339,
		"2006-01-02T15:04:05.000-07:00",
		"2006-01-02 15:04:05",
	}

	var lastErr error
	for _, format := range formats {
		t, err := time.Parse(format, dateStr)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}

	return time.Time{}, fmt.Errorf("failed to parse sample date '%s': %w", dateStr, lastErr)
}

// FormatQuery serializes a from/to query parameter, either as a calendar
// date (day granularity) or as a full timestamp.
func FormatQuery(t time.Time, dateOnly bool) string {
	if dateOnly {
		return t.Format(DateLayout)
	}
	return t.Format(time.RFC3339)
}

// SameOrAfterDay reports whether t falls on the same calendar day as ref or
// a later one, ignoring the time of day.
func SameOrAfterDay(t, ref time.Time) bool {
	ty, tm, td := t.Date()
	ry, rm, rd := ref.Date()
	if ty != ry {
		return ty > ry
	}
	if tm != rm {
		return tm > rm
	}
	return td >= rd
}
