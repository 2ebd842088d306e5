package kvstore

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"dialcast/internal/config"
)

// Store wraps the redis client that holds all campaign runtime state:
// leases, reservations, waitlists, gates and breaker counters.
type Store struct {
	rdb redis.UniversalClient
}

// New connects to the key-value store using the configured URL
// (redis:// or rediss://)
func New(cfg config.KVConfig) (*Store, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing KV_URL: %w", err)
	}

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to key-value store: %w", err)
	}

	log.Printf("[KVStore] Connected to %s", opts.Addr)
	return &Store{rdb: rdb}, nil
}

// NewWithClient wraps an existing client (used by tests with miniredis)
func NewWithClient(rdb redis.UniversalClient) *Store {
	return &Store{rdb: rdb}
}

// Client exposes the underlying redis client
func (s *Store) Client() redis.UniversalClient {
	return s.rdb
}

// Close shuts down the connection pool
func (s *Store) Close() error {
	return s.rdb.Close()
}

// Publish sends a notification on the given channel
func (s *Store) Publish(ctx context.Context, channel, payload string) error {
	return s.rdb.Publish(ctx, channel, payload).Err()
}

// PSubscribe subscribes to a channel pattern. The caller owns the returned
// subscription and must Close it.
func (s *Store) PSubscribe(ctx context.Context, pattern string) *redis.PubSub {
	return s.rdb.PSubscribe(ctx, pattern)
}
