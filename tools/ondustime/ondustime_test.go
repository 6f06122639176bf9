package ondustime

import (
	"testing"
	"time"
)

func TestParseSampleDate(t *testing.T) {
	cases := []struct {
		input    string
		expected time.Time
	}{
		{"2026-08-22", time.Date(2026, 8, 22, 0, 0, 0, 0, time.Local)},
		{"2026-08-22T14:30:00Z", time.Date(2026, 8, 22, 14, 30, 0, 0, time.UTC)},
		{"2026-08-22T14:30:00.500+02:00", time.Date(2026, 8, 22, 14, 30, 0, 500000000, time.FixedZone("", 2*3600))},
		{"2026-08-22 14:30:00", time.Date(2026, 8, 22, 14, 30, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		got, err := ParseSampleDate(tc.input)
		if err != nil {
			t.Errorf("ParseSampleDate(%q) failed: %v", tc.input, err)
			continue
		}
		if !got.Equal(tc.expected) {
			t.Errorf("ParseSampleDate(%q) = %v, expected %v", tc.input, got, tc.expected)
		}
	}
}

func TestParseSampleDate_Invalid(t *testing.T) {
	for _, input := range []string{"", "yesterday", "22/08/2026"} {
		if _, err := ParseSampleDate(input); err == nil {
			t.Errorf("ParseSampleDate(%q): expected an error", input)
		}
	}
}

func TestFormatQuery(t *testing.T) {
	ts := time.Date(2026, 8, 22, 14, 30, 0, 0, time.UTC)

	if got := FormatQuery(ts, true); got != "2026-08-22" {
		t.Errorf("FormatQuery(dateOnly) = %q, expected 2026-08-22", got)
	}
	if got := FormatQuery(ts, false); got != "2026-08-22T14:30:00Z" {
		t.Errorf("FormatQuery(timestamp) = %q, expected 2026-08-22T14:30:00Z", got)
	}
}

func TestSameOrAfterDay(t *testing.T) {
	ref := time.Date(2026, 8, 22, 12, 0, 0, 0, time.Local)

	cases := []struct {
		name     string
		t        time.Time
		expected bool
	}{
		{"same day, earlier time", time.Date(2026, 8, 22, 0, 0, 0, 0, time.Local), true},
		{"same day, later time", time.Date(2026, 8, 22, 23, 59, 0, 0, time.Local), true},
		{"day before", time.Date(2026, 8, 21, 23, 59, 0, 0, time.Local), false},
		{"day after", time.Date(2026, 8, 23, 0, 0, 0, 0, time.Local), true},
		{"previous month, higher day", time.Date(2026, 7, 30, 0, 0, 0, 0, time.Local), false},
		{"next year, lower month", time.Date(2027, 1, 1, 0, 0, 0, 0, time.Local), true},
	}
	for _, tc := range cases {
		if got := SameOrAfterDay(tc.t, ref); got != tc.expected {
			t.Errorf("%s: SameOrAfterDay = %v, expected %v", tc.name, got, tc.expected)
		}
	}
}
