package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/codetally/codetally/internal/storage"
	"github.com/redis/go-redis/v9"
)

type userStore struct {
	client *redis.Client
}

// Get retrieves a user by ID
func (s *userStore) Get(ctx context.Context, userID string) (*storage.User, error) {
	userKey := fmt.Sprintf("codetally:user:%s", userID)

	data, err := s.client.HGetAll(ctx, userKey).Result()
	if err != nil {
		return nil, err
	}

	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	return parseUser(data)
}

// Upsert creates or updates a user, preserving created_at on update
func (s *userStore) Upsert(ctx context.Context, user storage.User) error {
	script := redis.NewScript(upsertUserScript)

	userKey := fmt.Sprintf("codetally:user:%s", user.UserID)

	keys := []string{userKey}
	args := []interface{}{
		user.UserID,
		user.TokenHash,
		user.CreatedAt.Format(time.RFC3339Nano),
		user.LastSeen.Format(time.RFC3339Nano),
	}

	return script.Run(ctx, s.client, keys, args...).Err()
}

// TouchLastSeen updates the last_seen timestamp of an existing user
func (s *userStore) TouchLastSeen(ctx context.Context, userID string) error {
	userKey := fmt.Sprintf("codetally:user:%s", userID)

	exists, err := s.client.Exists(ctx, userKey).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		return storage.ErrNotFound
	}

	return s.client.HSet(ctx, userKey, "last_seen", time.Now().Format(time.RFC3339Nano)).Err()
}

// Delete removes a user by ID
func (s *userStore) Delete(ctx context.Context, userID string) error {
	userKey := fmt.Sprintf("codetally:user:%s", userID)
	return s.client.Del(ctx, userKey).Err()
}
