package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/codetally/codetally/internal/config"
	"github.com/codetally/codetally/internal/storage"
	"github.com/redis/go-redis/v9"
)

// Store implements the storage.Store interface using Redis
type Store struct {
	client     *redis.Client
	trackStore *trackStore
	userStore  *userStore
}

// Open creates a new Redis-backed storage instance
func Open(cfg config.RedisConfig) (*Store, error) {
	dialTimeout, err := time.ParseDuration(cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid dial_timeout: %w", err)
	}

	readTimeout, err := time.ParseDuration(cfg.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid read_timeout: %w", err)
	}

	writeTimeout, err := time.ParseDuration(cfg.WriteTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid write_timeout: %w", err)
	}

	// Determine address
	addr := cfg.Host
	if cfg.Port > 0 {
		addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	})

	// Ping to verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	store := &Store{
		client:     client,
		trackStore: &trackStore{client: client},
		userStore:  &userStore{client: client},
	}

	return store, nil
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

// Tracking returns the TrackStore implementation
func (s *Store) Tracking() storage.TrackStore {
	return s.trackStore
}

// Users returns the UserStore implementation
func (s *Store) Users() storage.UserStore {
	return s.userStore
}
