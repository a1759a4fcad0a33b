// Package timeutil centralizes the timestamp handling used across the ledger.
// All stored timestamps are ISO-8601 UTC with millisecond precision so that
// lexicographic ordering of stored strings matches chronological ordering.
package timeutil

import (
	"time"
)

// ISOMillis is the canonical storage layout for timestamps.
const ISOMillis = "2006-01-02T15:04:05.000Z"

// nowFunc allows tests to pin the clock.
var nowFunc = time.Now

// Now returns the current instant in UTC.
func Now() time.Time {
	return nowFunc().UTC()
}

// NowISO returns the current instant formatted with ISOMillis.
func NowISO() string {
	return Now().Format(ISOMillis)
}

// FormatISO formats t as an ISOMillis string in UTC.
func FormatISO(t time.Time) string {
	return t.UTC().Format(ISOMillis)
}

// FromUnixTimestamp converts whole seconds since the epoch to a UTC time.
func FromUnixTimestamp(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

// acceptedLayouts are tried in order by ParseDateToTimestamp. The permissive
// set mirrors what callers historically sent: full ISO strings, date-only
// strings, and RFC3339 with or without fractional seconds.
var acceptedLayouts = []string{
	ISOMillis,
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseDateToTimestamp parses a datetime string permissively and returns the
// epoch milliseconds it denotes. The second return value reports whether the
// input was a recognizable date; callers treat false as "not a date" rather
// than an error.
func ParseDateToTimestamp(s string) (int64, bool) {
	t, ok := Parse(s)
	if !ok {
		return 0, false
	}
	return t.UnixMilli(), true
}

// Parse parses a datetime string permissively into a UTC time.
func Parse(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range acceptedLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// IsPast reports whether s denotes an instant strictly before now.
// Malformed inputs are never considered past: a record carrying a corrupt
// expiry must not be treated as expired.
func IsPast(s string) bool {
	t, ok := Parse(s)
	if !ok {
		return false
	}
	return t.Before(Now())
}

// StartOfDay returns midnight UTC of the day containing t.
func StartOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// EndOfDay returns the final representable millisecond of the day containing t.
func EndOfDay(t time.Time) time.Time {
	return StartOfDay(t).Add(24*time.Hour - time.Millisecond)
}
