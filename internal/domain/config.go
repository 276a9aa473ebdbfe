package domain

import "time"

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines infrastructure choices
	Tier Tier `json:"tier"`

	// Component configurations
	Store     StoreConfig     `json:"store"`
	Cache     CacheConfig     `json:"cache"`
	EventBus  EventBusConfig  `json:"eventBus"`
	Generator GeneratorConfig `json:"generator"`
	Pipeline  PipelineConfig  `json:"pipeline"`
	Resolver  ResolverConfig  `json:"resolver"`

	// CatalogPath optionally overrides the built-in tool/source catalog.
	CatalogPath string `json:"catalogPath"`

	// DatasetPath points at the YAML file of dataset summaries fed to the
	// generator. Empty means no dataset provider is wired.
	DatasetPath string `json:"datasetPath"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// ResolverConfig holds settings for the cache resolver.
type ResolverConfig struct {
	// KeepInvalidRecords retains generator output that failed validation,
	// soft-invalidated, for diagnostics instead of discarding it.
	KeepInvalidRecords bool `json:"keepInvalidRecords"`
}

// PipelineConfig holds settings for the precomputation pipeline.
type PipelineConfig struct {
	Workers      int     `json:"workers"`
	MaxAttempts  int     `json:"maxAttempts"`
	BaseBackoff  int     `json:"baseBackoff"` // seconds
	MaxBackoff   int     `json:"maxBackoff"`  // seconds
	GeneratorRPS float64 `json:"generatorRps"`
	LeaseTimeout int     `json:"leaseTimeout"` // seconds; stale running jobs are reclaimed
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `json:"enabled"`
	ServiceName  string `json:"serviceName"`
	ExporterType string `json:"exporterType"` // stdout, otlp, jaeger
	Endpoint     string `json:"endpoint"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity is single-node: SQLite + in-process LRU + channel bus
	TierCommunity Tier = "community"

	// TierPro is multi-node: PostgreSQL + Redis + NATS
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 120,
		},
		Tier: TierCommunity,
		Store: StoreConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 5000,
			LocalTTL:     5 * time.Minute,
			RecordTTL:    6 * time.Hour,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Generator: GeneratorConfig{
			Model:       "moonshotai/kimi-k2-instruct",
			TimeoutSecs: 60,
		},
		Pipeline: PipelineConfig{
			Workers:      4,
			MaxAttempts:  3,
			BaseBackoff:  2,
			MaxBackoff:   60,
			GeneratorRPS: 0.5,
			LeaseTimeout: 600,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Store = StoreConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       5 * time.Minute,
		RecordTTL:      6 * time.Hour,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}
