// Package timeutil holds the date-key and duration-formatting helpers
// shared by the tracker, the CLI, and the read API.
package timeutil

import (
	"fmt"
	"strings"
	"time"
)

// DateFormat is the canonical calendar date key layout.
const DateFormat = "2006-01-02"

// DateKey returns the calendar date key for t in its own location.
// Day attribution follows local wall-clock time, not UTC.
func DateKey(t time.Time) string {
	return t.Format(DateFormat)
}

// FormatSeconds renders a second count as "1h 4m 10s", omitting zero
// components. Zero renders as "0s".
func FormatSeconds(totalSeconds int64) string {
	hours := totalSeconds / 3600
	minutes := (totalSeconds % 3600) / 60
	seconds := totalSeconds % 60

	var parts []string
	if hours > 0 {
		parts = append(parts, fmt.Sprintf("%dh", hours))
	}
	if minutes > 0 {
		parts = append(parts, fmt.Sprintf("%dm", minutes))
	}
	if seconds > 0 || len(parts) == 0 {
		parts = append(parts, fmt.Sprintf("%ds", seconds))
	}

	return strings.Join(parts, " ")
}
