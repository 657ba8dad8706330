// Package store wraps the Durable Store — a keyed blob store with
// set/hash/sorted-set/list and append-only stream primitives — backed by
// Redis. The Task Repository and Task Queue build exclusively on the
// primitives exposed here; nothing above this package talks to Redis
// directly, so an alternative store could be substituted by reimplementing
// this package's interface.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is the durable backing store. The zero value is not usable; call
// Open.
type Store struct {
	Client *redis.Client

	// Deadline bounds every store operation (spec §5 "operator-configurable
	// deadline, default 30 s").
	Deadline time.Duration
}

// Open parses storeURL (a redis:// URL, e.g. "redis://localhost:6379/0")
// and returns a connected Store. deadline bounds individual operations; a
// zero value defaults to 30s per spec §5.
func Open(storeURL string, deadline time.Duration) (*Store, error) {
	opts, err := redis.ParseURL(storeURL)
	if err != nil {
		return nil, fmt.Errorf("parse STORE_URL: %w", err)
	}
	if deadline <= 0 {
		deadline = 30 * time.Second
	}
	client := redis.NewClient(opts)
	return &Store{Client: client, Deadline: deadline}, nil
}

// WithDeadline returns a context bounded by the store's configured
// operation deadline.
func (s *Store) WithDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.Deadline)
}

// Ping verifies connectivity, used by health checks at startup.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.WithDeadline(ctx)
	defer cancel()
	return s.Client.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.Client.Close()
}
