package store

import (
	"time"
)

// TimeLayout is the canonical timestamp format used everywhere a time
// crosses the storage or transport boundary: ISO-8601 with millisecond
// precision and an explicit Z suffix.
const TimeLayout = "2006-01-02T15:04:05.000Z"

// FormatTime renders t in the canonical UTC layout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a canonical timestamp. Timestamps written by older
// tooling may lack the millisecond component, so RFC 3339 is accepted as a
// fallback.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(TimeLayout, s)
	if err == nil {
		return t, nil
	}

	return time.Parse(time.RFC3339, s)
}

// formatNullableTime renders t, or returns the empty string for nil.
func formatNullableTime(t *time.Time) string {
	if t == nil {
		return ""
	}

	return FormatTime(*t)
}

// parseNullableTime parses s, mapping the empty string to nil.
func parseNullableTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}

	t, err := ParseTime(s)
	if err != nil {
		return nil, err
	}

	return &t, nil
}
