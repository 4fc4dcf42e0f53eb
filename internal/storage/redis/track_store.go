package redis

import (
	"context"
	"fmt"
	"sort"

	"github.com/codetally/codetally/internal/storage"
	"github.com/redis/go-redis/v9"
)

type trackStore struct {
	client *redis.Client
}

// MergeDayDelta atomically merges a delta into the stored day record
// and returns the merged record. Additive only: totals and language
// buckets are incremented, never replaced.
func (s *trackStore) MergeDayDelta(ctx context.Context, userID, date string, delta storage.DayRecord) (storage.DayRecord, error) {
	script := redis.NewScript(mergeDayDeltaScript)

	dayKey := fmt.Sprintf("codetally:day:%s:%s", userID, date)
	indexKey := fmt.Sprintf("codetally:days:%s", userID)

	keys := []string{dayKey, indexKey}
	args := []interface{}{userID, date, delta.TotalSeconds}
	for lang, seconds := range delta.Languages {
		args = append(args, lang, seconds)
	}

	res, err := script.Run(ctx, s.client, keys, args...).Result()
	if err != nil {
		return storage.DayRecord{}, err
	}

	merged, err := parseDayReply(res)
	if err != nil {
		return storage.DayRecord{}, fmt.Errorf("failed to parse merged day record: %w", err)
	}

	return *merged, nil
}

// GetDay retrieves the stored record for a specific user and date
func (s *trackStore) GetDay(ctx context.Context, userID, date string) (*storage.DayRecord, error) {
	dayKey := fmt.Sprintf("codetally:day:%s:%s", userID, date)

	data, err := s.client.HGetAll(ctx, dayKey).Result()
	if err != nil {
		return nil, err
	}

	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	return parseDayRecord(data)
}

// ListDays returns day records for a user, newest first, optionally
// bounded by an inclusive date range and a result cap.
func (s *trackStore) ListDays(ctx context.Context, userID string, filter storage.DayFilter) ([]storage.DayRecord, error) {
	indexKey := fmt.Sprintf("codetally:days:%s", userID)

	dates, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, err
	}

	// Date keys sort lexically in chronological order.
	filtered := make([]string, 0, len(dates))
	for _, date := range dates {
		if filter.StartDate != "" && date < filter.StartDate {
			continue
		}
		if filter.EndDate != "" && date > filter.EndDate {
			continue
		}
		filtered = append(filtered, date)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(filtered)))

	if filter.Limit > 0 && len(filtered) > filter.Limit {
		filtered = filtered[:filter.Limit]
	}

	if len(filtered) == 0 {
		return []storage.DayRecord{}, nil
	}

	// Use pipeline for efficient batch retrieval
	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(filtered))

	for i, date := range filtered {
		dayKey := fmt.Sprintf("codetally:day:%s:%s", userID, date)
		cmds[i] = pipe.HGetAll(ctx, dayKey)
	}

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	records := make([]storage.DayRecord, 0, len(filtered))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil || len(data) == 0 {
			continue
		}

		record, err := parseDayRecord(data)
		if err == nil {
			records = append(records, *record)
		}
	}

	return records, nil
}

// DeleteDaysBefore removes day records older than the cutoff date.
func (s *trackStore) DeleteDaysBefore(ctx context.Context, userID, cutoffDate string) (int, error) {
	indexKey := fmt.Sprintf("codetally:days:%s", userID)

	dates, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, date := range dates {
		if date >= cutoffDate {
			continue
		}

		dayKey := fmt.Sprintf("codetally:day:%s:%s", userID, date)
		if err := s.client.Del(ctx, dayKey).Err(); err != nil {
			return deleted, err
		}
		if err := s.client.SRem(ctx, indexKey, date).Err(); err != nil {
			return deleted, err
		}
		deleted++
	}

	return deleted, nil
}
