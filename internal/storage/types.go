package storage

import (
	"fmt"
	"regexp"
	"time"
)

// DateFormat is the canonical calendar date key layout.
const DateFormat = "2006-01-02"

var dateKeyPattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// ValidDateKey reports whether s is a YYYY-MM-DD date key.
func ValidDateKey(s string) bool {
	if !dateKeyPattern.MatchString(s) {
		return false
	}
	_, err := time.Parse(DateFormat, s)
	return err == nil
}

// DayRecord is the per-day accumulation unit and the wire payload.
// TotalSeconds always equals the sum of the language buckets; use
// AddSeconds to mutate so the invariant holds by construction.
type DayRecord struct {
	Date         string           `json:"date"`
	TotalSeconds int64            `json:"totalSeconds"`
	Languages    map[string]int64 `json:"languages"`
}

// NewDayRecord returns a zeroed record for the given date key.
func NewDayRecord(date string) DayRecord {
	return DayRecord{
		Date:      date,
		Languages: make(map[string]int64),
	}
}

// AddSeconds credits seconds to a language bucket and the day total.
// Non-positive amounts are ignored.
func (r *DayRecord) AddSeconds(language string, seconds int64) {
	if seconds <= 0 {
		return
	}
	if r.Languages == nil {
		r.Languages = make(map[string]int64)
	}
	r.Languages[language] += seconds
	r.TotalSeconds += seconds
}

// Clone returns a deep copy. The tracker hands copies to the sync
// channel so the two never share a mutable languages map.
func (r DayRecord) Clone() DayRecord {
	out := DayRecord{
		Date:         r.Date,
		TotalSeconds: r.TotalSeconds,
		Languages:    make(map[string]int64, len(r.Languages)),
	}
	for lang, secs := range r.Languages {
		out.Languages[lang] = secs
	}
	return out
}

// Validate checks the wire-level invariants of an incoming delta.
func (r DayRecord) Validate() error {
	if !ValidDateKey(r.Date) {
		return fmt.Errorf("invalid date %q (expected YYYY-MM-DD)", r.Date)
	}
	if r.TotalSeconds < 0 {
		return fmt.Errorf("negative totalSeconds %d", r.TotalSeconds)
	}
	var sum int64
	for lang, secs := range r.Languages {
		if lang == "" {
			return fmt.Errorf("empty language key")
		}
		if secs < 0 {
			return fmt.Errorf("negative seconds for language %q", lang)
		}
		sum += secs
	}
	if sum != r.TotalSeconds {
		return fmt.Errorf("totalSeconds %d does not match language sum %d", r.TotalSeconds, sum)
	}
	return nil
}

// User represents a registered tracking identity. Users are created
// implicitly on their first successful delivery.
type User struct {
	UserID    string    `json:"user_id"`
	TokenHash string    `json:"token_hash"`
	CreatedAt time.Time `json:"created_at"`
	LastSeen  time.Time `json:"last_seen"`
}
