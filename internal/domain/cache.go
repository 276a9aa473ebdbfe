package domain

import (
	"context"
	"time"
)

// RecordCache defines the interface for the in-front-of-store record cache.
// Supports two-phase caching: local LRU (Community) + Redis (Pro).
type RecordCache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, key string) error

	// GetRecord retrieves a cached findings record.
	GetRecord(ctx context.Context, hash string) (*FindingsRecord, error)

	// SetRecord caches a findings record under its combination hash.
	SetRecord(ctx context.Context, hash string, record *FindingsRecord, ttl time.Duration) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string

	// Local LRU cache settings (Community tier)
	LocalMaxSize int
	LocalTTL     time.Duration

	// Record expiry in the cache layer. The store remains authoritative;
	// stale cache entries are repopulated on the next lookup.
	RecordTTL time.Duration

	// Redis settings (Pro tier)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Two-phase settings
	EnableTwoPhase bool // If true, check local first, then Redis
}
