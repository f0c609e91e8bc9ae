// Package timefmt implements the wire format for deferred-action times:
// "YYYY/MM/DD HH:MM:SS" in local time.
package timefmt

import (
	"fmt"
	"time"
)

// Layout is the wire time format.
const Layout = "2006/01/02 15:04:05"

// PreciseLayout is the timestamp format used in downstream data chunks,
// with microsecond precision.
const PreciseLayout = "2006/01/02 15:04:05.000000"

// Parse parses a wire time spec in local time.
func Parse(spec string) (time.Time, error) {
	t, err := time.ParseInLocation(Layout, spec, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date-time specification %q", spec)
	}
	return t, nil
}

// ParsePrecise parses a chunk timestamp in local time.
func ParsePrecise(spec string) (time.Time, error) {
	t, err := time.ParseInLocation(PreciseLayout, spec, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q", spec)
	}
	return t, nil
}

// Format renders a time in the wire format.
func Format(t time.Time) string {
	return t.Local().Format(Layout)
}

// FormatPrecise renders a time in the chunk timestamp format.
func FormatPrecise(t time.Time) string {
	return t.Local().Format(PreciseLayout)
}
