package config

import "time"

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:        "engram",
			Version:     "dev",
			Environment: "development",
			Debug:       false,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Store: StoreConfig{
			Path:         "./data/memory.egrm",
			Dimension:    768,
			SyncWrites:   true,
			Acceleration: "auto",
		},
		Ranking: RankingConfig{
			SemanticWeight:      0.60,
			KeywordWeight:       0.25,
			RecencyWeight:       0.15,
			SimilarityThreshold: 0.15,
			TimeDecayFactor:     0.0001,
			CacheTTL:            30 * time.Second,
			CacheSize:           256,
			DefaultTopK:         10,
		},
		Consolidation: ConsolidationConfig{
			Enabled:            true,
			Interval:           10 * time.Minute,
			DuplicateThreshold: 0.95,
			MaxEntries:         10000,
		},
		Archive: ArchiveConfig{
			Enabled:    false,
			Path:       "./data/archive",
			SyncWrites: true,
		},
		Embedder: EmbedderConfig{
			RateLimit: 0,
			Burst:     1,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
			Port:    9091,
		},
		Tracing: TracingConfig{
			Enabled:    false,
			Endpoint:   "localhost:4317",
			SampleRate: 0.1,
		},
	}
}
