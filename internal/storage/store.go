package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a record is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// Store represents the root storage interface.
type Store interface {
	Close() error
	Tracking() TrackStore
	Users() UserStore
}

// TrackStore manages per-user per-day coding time records.
//
// MergeDayDelta is the only write path for day records: a delta is
// added to whatever is stored, never overwritten. Implementations must
// serialize the read-modify-write for a (userID, date) key so that
// concurrent merges never drop seconds.
type TrackStore interface {
	MergeDayDelta(ctx context.Context, userID, date string, delta DayRecord) (DayRecord, error)
	GetDay(ctx context.Context, userID, date string) (*DayRecord, error)
	ListDays(ctx context.Context, userID string, filter DayFilter) ([]DayRecord, error)
	DeleteDaysBefore(ctx context.Context, userID, cutoffDate string) (int, error)
}

// DayFilter defines criteria for querying day records.
type DayFilter struct {
	StartDate string // inclusive, YYYY-MM-DD, empty = unbounded
	EndDate   string // inclusive, YYYY-MM-DD, empty = unbounded
	Limit     int    // 0 = no limit; most recent days win when capped
}

// UserStore manages tracking identities and their tokens.
type UserStore interface {
	Get(ctx context.Context, userID string) (*User, error)
	Upsert(ctx context.Context, user User) error
	TouchLastSeen(ctx context.Context, userID string) error
	Delete(ctx context.Context, userID string) error
}
