// Package kvstore wraps the shared key-value service that the phase
// coordinator and credential store use for atomic counters and
// once-only compare-and-set guards.
package kvstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned by Get when a key has no value (expired or
// never set).
var ErrNotFound = errors.New("kvstore: key not found")

// Store abstracts the subset of Redis operations the orchestrator needs:
// plain get/set, set-if-absent with TTL (the compare-and-set primitive
// behind every exactly-once transition), deletion, atomic increment, and
// TTL adjustment. Implementations must never log key contents -- credential
// material flows through here.
type Store interface {
	// Get returns the string value for key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Set stores value under key with the given TTL (0 means no expiry).
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetIfAbsent is Redis SET NX EX: it stores value under key only if
	// key does not already exist, atomically. It reports whether this
	// call was the one that set it -- the compare-and-set "winner" signal
	// every once-only phase transition and idempotency lock relies on.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (won bool, err error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Expire sets a new TTL on an existing key, used to fast-expire
	// credential material when a clean delete fails.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Increment atomically adds 1 to the integer stored at key (creating
	// it at 0 first if absent) and returns the post-increment value.
	Increment(ctx context.Context, key string) (int64, error)

	// Ping verifies the backend is reachable, for use in readiness checks.
	Ping(ctx context.Context) error

	// Close releases the underlying connection.
	Close() error
}

// RedisStore is the production Store backed by go-redis.
type RedisStore struct {
	client *redis.Client
}

// Config configures a RedisStore connection.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// New constructs a RedisStore from Config.
func New(cfg Config) *RedisStore {
	return &RedisStore{client: redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})}
}

// NewFromClient wraps an already-constructed go-redis client; tests use
// this to point at a miniredis instance.
func NewFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("kvstore: get %s: %w", key, err)
	}
	return val, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("kvstore: set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	won, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("kvstore: setnx %s: %w", key, err)
	}
	return won, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("kvstore: delete %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("kvstore: expire %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Increment(ctx context.Context, key string) (int64, error) {
	val, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("kvstore: incr %s: %w", key, err)
	}
	return val, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("kvstore: ping: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
