package util

import (
	"strconv"
	"time"
)

// ParseTime accepts RFC3339 (with or without fractional seconds) or unix
// seconds, as sent in trigger as_of fields and news timestamps.
func ParseTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, true
	}
	if ts, err := strconv.ParseInt(s, 10, 64); err == nil && ts > 0 {
		return time.Unix(ts, 0).UTC(), true
	}
	return time.Time{}, false
}

// ParseTimeDefault is ParseTime with a fallback for empty or bad input.
func ParseTimeDefault(s string, def time.Time) time.Time {
	if t, ok := ParseTime(s); ok {
		return t
	}
	return def
}

// AlignToBar truncates t to the start of its bar.
func AlignToBar(t time.Time, bar time.Duration) time.Time {
	if bar <= 0 {
		return t
	}
	return t.Truncate(bar)
}
