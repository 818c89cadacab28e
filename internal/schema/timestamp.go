package schema

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Layouts tried in order for textual timestamps. The first two cover
// RFC-3339 with and without sub-second precision; the space-separated
// forms show up in SQLite exports; the slash form is the common log
// format used by several edge providers.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"02/Jan/2006:15:04:05 -0700",
	"2006-01-02",
}

// ParseTimestamp parses textual or numeric-epoch timestamps into UTC.
// Numeric values are disambiguated by magnitude: >1e18 nanoseconds,
// >1e15 microseconds, >1e12 milliseconds, otherwise seconds. Fractional
// second epochs are accepted.
func ParseTimestamp(v string) (time.Time, error) {
	s := strings.TrimSpace(v)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}

	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}

	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return fromEpoch(f), nil
	}

	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", v)
}

func fromEpoch(v float64) time.Time {
	switch {
	case v > 1e18: // nanoseconds
		return time.Unix(0, int64(v)).UTC()
	case v > 1e15: // microseconds
		return time.Unix(0, int64(v)*int64(time.Microsecond)).UTC()
	case v > 1e12: // milliseconds
		return time.Unix(0, int64(v)*int64(time.Millisecond)).UTC()
	default: // seconds, possibly fractional
		sec := int64(v)
		nsec := int64((v - float64(sec)) * 1e9)
		return time.Unix(sec, nsec).UTC()
	}
}
