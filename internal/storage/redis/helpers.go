package redis

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/codetally/codetally/internal/storage"
)

// parseDayRecord converts a Redis hash to a DayRecord. Language
// buckets are stored as "lang:<name>" fields alongside the metadata.
func parseDayRecord(data map[string]string) (*storage.DayRecord, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	totalSeconds, err := strconv.ParseInt(data["total_seconds"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse total_seconds: %w", err)
	}

	record := storage.DayRecord{
		Date:         data["date"],
		TotalSeconds: totalSeconds,
		Languages:    make(map[string]int64),
	}

	for field, value := range data {
		lang, ok := strings.CutPrefix(field, "lang:")
		if !ok {
			continue
		}
		seconds, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse seconds for language %q: %w", lang, err)
		}
		record.Languages[lang] = seconds
	}

	return &record, nil
}

// parseDayReply converts a Lua HGETALL reply (flat field/value array)
// to a DayRecord.
func parseDayReply(reply interface{}) (*storage.DayRecord, error) {
	fields, ok := reply.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected reply type %T", reply)
	}
	if len(fields)%2 != 0 {
		return nil, fmt.Errorf("odd field count %d in reply", len(fields))
	}

	data := make(map[string]string, len(fields)/2)
	for i := 0; i < len(fields); i += 2 {
		field, ok := fields[i].(string)
		if !ok {
			return nil, fmt.Errorf("unexpected field type %T", fields[i])
		}
		value, ok := fields[i+1].(string)
		if !ok {
			return nil, fmt.Errorf("unexpected value type %T", fields[i+1])
		}
		data[field] = value
	}

	return parseDayRecord(data)
}

// parseUser converts a Redis hash to a User
func parseUser(data map[string]string) (*storage.User, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	createdAt, err := time.Parse(time.RFC3339Nano, data["created_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}

	lastSeen, err := time.Parse(time.RFC3339Nano, data["last_seen"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse last_seen: %w", err)
	}

	return &storage.User{
		UserID:    data["user_id"],
		TokenHash: data["token_hash"],
		CreatedAt: createdAt,
		LastSeen:  lastSeen,
	}, nil
}
