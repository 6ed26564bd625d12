package domain

import (
	"context"
	"time"
)

// Cache stores serialized decisions keyed by transaction fingerprint.
// Supports two-phase caching: local LRU + Redis.
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, key string) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "none", "memory" or "redis"
	Type string `koanf:"type" json:"type"`

	// TTL applied to cached decisions.
	TTL time.Duration `koanf:"ttl" json:"ttl"`

	// Local LRU cache settings
	LocalMaxSize int           `koanf:"localmaxsize" json:"localMaxSize"`
	LocalTTL     time.Duration `koanf:"localttl" json:"localTTL"`

	// Redis settings
	RedisAddr     string `koanf:"redisaddr" json:"redisAddr"`
	RedisPassword string `koanf:"redispassword" json:"-"`
	RedisDB       int    `koanf:"redisdb" json:"redisDB"`

	// EnableTwoPhase checks local first, then Redis.
	EnableTwoPhase bool `koanf:"twophase" json:"twoPhase"`
}
