package bolt

import (
	"bytes"
	"context"
	"fmt"

	"github.com/codetally/codetally/internal/storage"
	"go.etcd.io/bbolt"
)

type trackStore struct {
	db *bbolt.DB
}

// dayKey builds the bucket key for a (user, date) record. The date
// suffix sorts lexically in chronological order, so a cursor over a
// user's key prefix walks days oldest-first.
func dayKey(userID, date string) string {
	return userID + "/" + date
}

// MergeDayDelta merges a delta into the stored record inside a single
// write transaction. bbolt serializes writers, which is what keeps the
// read-modify-write from racing.
func (s *trackStore) MergeDayDelta(ctx context.Context, userID, date string, delta storage.DayRecord) (storage.DayRecord, error) {
	key := dayKey(userID, date)
	var merged storage.DayRecord

	err := s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketDays))
		if b == nil {
			return fmt.Errorf("days bucket missing")
		}

		record := storage.NewDayRecord(date)
		if existing := b.Get([]byte(key)); existing != nil {
			if err := unmarshal(existing, &record); err != nil {
				return err
			}
		}

		for lang, seconds := range delta.Languages {
			record.AddSeconds(lang, seconds)
		}

		data, err := marshal(record)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(key), data); err != nil {
			return err
		}

		merged = record
		return nil
	})
	if err != nil {
		return storage.DayRecord{}, err
	}

	return merged, nil
}

func (s *trackStore) GetDay(ctx context.Context, userID, date string) (*storage.DayRecord, error) {
	return getBucketValue[storage.DayRecord](ctx, s.db, bucketDays, dayKey(userID, date))
}

func (s *trackStore) ListDays(ctx context.Context, userID string, filter storage.DayFilter) ([]storage.DayRecord, error) {
	prefix := []byte(userID + "/")
	var records []storage.DayRecord

	err := s.db.View(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketDays))
		if b == nil {
			return nil
		}

		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			date := string(k[len(prefix):])
			if filter.StartDate != "" && date < filter.StartDate {
				continue
			}
			if filter.EndDate != "" && date > filter.EndDate {
				continue
			}

			var record storage.DayRecord
			if err := unmarshal(v, &record); err != nil {
				return err
			}
			records = append(records, record)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Newest first, matching the redis backend.
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}

	if filter.Limit > 0 && len(records) > filter.Limit {
		records = records[:filter.Limit]
	}

	if records == nil {
		records = []storage.DayRecord{}
	}
	return records, nil
}

func (s *trackStore) DeleteDaysBefore(ctx context.Context, userID, cutoffDate string) (int, error) {
	prefix := []byte(userID + "/")
	deleted := 0

	err := s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketDays))
		if b == nil {
			return nil
		}

		c := b.Cursor()
		var stale [][]byte
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			date := string(k[len(prefix):])
			if date < cutoffDate {
				stale = append(stale, append([]byte(nil), k...))
			}
		}

		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})

	return deleted, err
}
