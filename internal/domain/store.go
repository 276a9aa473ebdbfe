package domain

import (
	"context"
	"time"
)

// FindingsStore defines the interface for findings persistence. It owns the
// FindingsRecord and ComputationJob lifecycles; collaborators never touch the
// underlying tables directly.
type FindingsStore interface {
	// Findings operations
	Get(ctx context.Context, hash string) (*FindingsRecord, error)
	Put(ctx context.Context, record *FindingsRecord) error
	MarkAccessed(ctx context.Context, hash string) error
	Invalidate(ctx context.Context, hash string, reason string) error
	CountValid(ctx context.Context, filter FindingsFilter) (int64, error)
	ListFindings(ctx context.Context, filter FindingsFilter) ([]*FindingsRecord, error)

	// Job queue operations
	CreateJob(ctx context.Context, job *ComputationJob) error
	ClaimNextJob(ctx context.Context) (*ComputationJob, error)
	RequeueJob(ctx context.Context, jobID string, lastError string) error
	CompleteJob(ctx context.Context, jobID string) error
	FailJob(ctx context.Context, jobID string, lastError string) error
	ReclaimStaleJobs(ctx context.Context, olderThan time.Duration) (int64, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*ComputationJob, error)
	JobCounts(ctx context.Context) (JobCounts, error)
	HasCompletedJob(ctx context.Context, hash string, schemaVersion int) (bool, error)
	HasLiveJob(ctx context.Context, hash string) (bool, error)

	// Usage telemetry
	AppendUsage(ctx context.Context, events []UsageEvent) error

	// Monitoring
	Stats(ctx context.Context) (*FindingsStats, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// StoreConfig holds configuration for store initialization.
type StoreConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
