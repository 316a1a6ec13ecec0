// Package config provides configuration management for Engram.
package config

import (
	"fmt"
	"time"
)

// Config is the global configuration for Engram.
type Config struct {
	// App is the application configuration.
	App AppConfig `mapstructure:"app" validate:"required"`

	// Log is the logging configuration.
	Log LogConfig `mapstructure:"log" validate:"required"`

	// Store is the vector store configuration.
	Store StoreConfig `mapstructure:"store" validate:"required"`

	// Ranking is the hybrid ranking configuration.
	Ranking RankingConfig `mapstructure:"ranking"`

	// Consolidation is the background consolidation configuration.
	Consolidation ConsolidationConfig `mapstructure:"consolidation"`

	// Archive is the cold archive configuration.
	Archive ArchiveConfig `mapstructure:"archive"`

	// Embedder is the embedding provider configuration.
	Embedder EmbedderConfig `mapstructure:"embedder"`

	// Metrics is the observability configuration.
	Metrics MetricsConfig `mapstructure:"metrics"`

	// Tracing is the distributed tracing configuration.
	Tracing TracingConfig `mapstructure:"tracing"`
}

// AppConfig holds application metadata and settings.
type AppConfig struct {
	// Name is the application name.
	Name string `mapstructure:"name" validate:"required"`

	// Version is the application version.
	Version string `mapstructure:"version"`

	// Environment is the runtime environment (development, staging, production).
	Environment string `mapstructure:"environment" validate:"oneof=development staging production"`

	// Debug enables debug mode with verbose logging.
	Debug bool `mapstructure:"debug"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`

	// Format is the output format (json, text).
	Format string `mapstructure:"format" validate:"oneof=json text"`

	// Output is the output destination (stdout, stderr, or file path).
	Output string `mapstructure:"output"`
}

// StoreConfig holds the vector store settings.
type StoreConfig struct {
	// Path is the snapshot file path.
	Path string `mapstructure:"path" validate:"required"`

	// Dimension is the fixed embedding vector length.
	Dimension int `mapstructure:"dimension" validate:"required,min=1,max=65535"`

	// SyncWrites makes every mutation write a snapshot before returning.
	// With it off, snapshots happen on flush, consolidation and shutdown.
	SyncWrites bool `mapstructure:"sync_writes"`

	// Acceleration selects the similarity kernel (auto, block, scalar).
	Acceleration string `mapstructure:"acceleration" validate:"oneof=auto block scalar"`
}

// RankingConfig holds the hybrid ranking settings.
type RankingConfig struct {
	// SemanticWeight is the cosine similarity contribution.
	SemanticWeight float64 `mapstructure:"semantic_weight" validate:"min=0"`

	// KeywordWeight is the keyword overlap contribution.
	KeywordWeight float64 `mapstructure:"keyword_weight" validate:"min=0"`

	// RecencyWeight is the access recency contribution.
	RecencyWeight float64 `mapstructure:"recency_weight" validate:"min=0"`

	// SimilarityThreshold drops semantic scores below it to zero.
	SimilarityThreshold float64 `mapstructure:"similarity_threshold" validate:"min=-1,max=1"`

	// TimeDecayFactor is the per-second exponential recency decay rate.
	TimeDecayFactor float64 `mapstructure:"time_decay_factor" validate:"min=0"`

	// CacheTTL is how long a cached search result stays valid.
	CacheTTL time.Duration `mapstructure:"cache_ttl"`

	// CacheSize is the maximum number of cached result sets.
	CacheSize int `mapstructure:"cache_size" validate:"min=0"`

	// DefaultTopK is the result count when the caller passes none.
	DefaultTopK int `mapstructure:"default_top_k" validate:"min=1"`
}

// ConsolidationConfig holds background consolidation settings.
type ConsolidationConfig struct {
	// Enabled enables the scheduled consolidation loop.
	Enabled bool `mapstructure:"enabled"`

	// Interval is the time between consolidation passes.
	Interval time.Duration `mapstructure:"interval"`

	// DuplicateThreshold is the similarity at or above which two entries
	// in the same scope are merged.
	DuplicateThreshold float64 `mapstructure:"duplicate_threshold" validate:"min=0,max=1"`

	// MaxEntries is the live corpus capacity; zero disables eviction.
	MaxEntries int `mapstructure:"max_entries" validate:"min=0"`
}

// ArchiveConfig holds cold archive settings.
type ArchiveConfig struct {
	// Enabled enables archiving of consolidated-away entries.
	Enabled bool `mapstructure:"enabled"`

	// Path is the archive database directory.
	Path string `mapstructure:"path"`

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool `mapstructure:"sync_writes"`
}

// EmbedderConfig holds embedding provider settings.
type EmbedderConfig struct {
	// RateLimit is the maximum embeddings per second; zero disables it.
	RateLimit float64 `mapstructure:"rate_limit" validate:"min=0"`

	// Burst is the token bucket size for the rate limit.
	Burst int `mapstructure:"burst" validate:"min=0"`
}

// MetricsConfig holds observability settings.
type MetricsConfig struct {
	// Enabled enables metrics collection.
	Enabled bool `mapstructure:"enabled"`

	// Path is the metrics endpoint path.
	Path string `mapstructure:"path"`

	// Port is the metrics server port.
	Port int `mapstructure:"port" validate:"min=1,max=65535"`
}

// TracingConfig holds distributed tracing settings.
type TracingConfig struct {
	// Enabled enables distributed tracing.
	Enabled bool `mapstructure:"enabled"`

	// Endpoint is the OTLP collector endpoint.
	Endpoint string `mapstructure:"endpoint"`

	// SampleRate is the fraction of traces to sample (0.0-1.0).
	SampleRate float64 `mapstructure:"sample_rate" validate:"min=0,max=1"`
}

// Validate performs validation on the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

// String returns a string representation of the configuration (without sensitive data).
func (c *Config) String() string {
	return fmt.Sprintf("Config{App: %s, Store: %s dim=%d, Env: %s}",
		c.App.Name, c.Store.Path, c.Store.Dimension, c.App.Environment)
}
