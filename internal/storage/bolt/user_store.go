package bolt

import (
	"context"
	"time"

	"github.com/codetally/codetally/internal/storage"
	"go.etcd.io/bbolt"
)

type userStore struct {
	db *bbolt.DB
}

func (s *userStore) Get(ctx context.Context, userID string) (*storage.User, error) {
	return getBucketValue[storage.User](ctx, s.db, bucketUsers, userID)
}

func (s *userStore) Upsert(ctx context.Context, user storage.User) error {
	// Preserve created_at on update.
	if existing, err := s.Get(ctx, user.UserID); err == nil {
		user.CreatedAt = existing.CreatedAt
	}
	return putBucketValue(ctx, s.db, bucketUsers, user.UserID, user)
}

func (s *userStore) TouchLastSeen(ctx context.Context, userID string) error {
	user, err := s.Get(ctx, userID)
	if err != nil {
		return err
	}
	user.LastSeen = time.Now()
	return putBucketValue(ctx, s.db, bucketUsers, userID, *user)
}

func (s *userStore) Delete(ctx context.Context, userID string) error {
	return deleteBucketValue(ctx, s.db, bucketUsers, userID)
}
