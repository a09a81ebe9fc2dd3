package task

import (
	"strconv"
	"time"
)

// Timestamps are stored as string-of-float epoch seconds for compatibility
// with pre-existing task hashes and DLQ entries.

// EpochString formats a time as epoch seconds with fractional part.
func EpochString(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixNano())/1e9, 'f', 6, 64)
}

// ParseEpoch parses epoch seconds (integer or float). Zero time on failure.
func ParseEpoch(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return time.Time{}
	}
	sec := int64(f)
	nsec := int64((f - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}
