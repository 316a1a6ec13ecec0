package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/engramdb/engram/config"
	"github.com/engramdb/engram/pkg/logger"
	"github.com/engramdb/engram/pkg/memory"
	"github.com/engramdb/engram/pkg/metrics"
	"github.com/engramdb/engram/pkg/telemetry/tracing"
	"github.com/engramdb/engram/pkg/version"
)

var (
	configPath  = flag.String("config", "", "Path to configuration file")
	versionFlag = flag.Bool("version", false, "Print version information")
	helpFlag    = flag.Bool("help", false, "Print help information")

	// CLI overrides
	storePath = flag.String("store-path", "", "Override snapshot path")
	logLevel  = flag.String("log-level", "", "Override log level")
	debugMode = flag.Bool("debug", false, "Enable debug mode")
)

func main() {
	flag.Parse()

	if *helpFlag {
		printHelp()
		os.Exit(0)
	}
	if *versionFlag {
		printVersion()
		os.Exit(0)
	}

	// Build CLI overrides map
	overrides := buildOverrides()

	// Load configuration
	cfg, err := config.Load(*configPath, overrides)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration:\n%s\n", err)
		os.Exit(1)
	}

	// Initialize logger with configuration
	logCfg := &logger.Config{
		Level:  logger.ParseLevel(cfg.Log.Level),
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	}
	if cfg.App.Debug || *debugMode {
		logCfg.Level = logger.DebugLevel
	}
	log := logger.New(logCfg)
	logger.SetGlobal(log)

	log.Info("Starting Engram",
		"version", version.Version,
		"buildTime", version.BuildTime,
		"gitCommit", version.GitCommit,
		"app", cfg.App.Name,
		"environment", cfg.App.Environment,
	)

	log.Debug("Configuration loaded", "config", cfg.String())

	// Create root context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Initialize tracing
	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing, cfg.App.Name, version.Version)
	if err != nil {
		log.Error("Failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.Error("Error shutting down tracing", "error", err)
		}
	}()

	// Initialize metrics manager
	metricsCfg := metrics.Config{
		Enabled:               cfg.Metrics.Enabled,
		Port:                  cfg.Metrics.Port,
		Path:                  cfg.Metrics.Path,
		RecallDurationBuckets: metrics.DefaultConfig().RecallDurationBuckets,
		SaveDurationBuckets:   metrics.DefaultConfig().SaveDurationBuckets,
	}
	metricsManager := metrics.NewManager(metricsCfg)

	// Start metrics server if enabled
	if metricsManager.Enabled() {
		go func() {
			log.Info("Starting metrics server", "port", cfg.Metrics.Port, "path", cfg.Metrics.Path)
			if err := metricsManager.StartServer(ctx, cfg.Metrics.Port, cfg.Metrics.Path); err != nil {
				log.Error("Metrics server error", "error", err)
			}
		}()
	}

	// Initialize the cold archive when enabled
	var archive memory.Archiver
	if cfg.Archive.Enabled {
		badgerArchive, err := memory.OpenBadgerArchive(cfg.Archive)
		if err != nil {
			log.Error("Failed to open archive", "error", err, "path", cfg.Archive.Path)
			os.Exit(1)
		}
		archive = badgerArchive
		defer func() {
			if err := badgerArchive.Close(); err != nil {
				log.Error("Error closing archive", "error", err)
			}
		}()
		log.Info("Opened cold archive", "path", cfg.Archive.Path)
	}

	// The built-in hash embedder stands in for a real embedding model.
	// Swap in a provider-backed Embedder here to use model embeddings.
	var embedder memory.Embedder = memory.NewHashEmbedder(cfg.Store.Dimension)
	if cfg.Embedder.RateLimit > 0 {
		embedder = memory.NewRateLimitedEmbedder(embedder, cfg.Embedder.RateLimit, cfg.Embedder.Burst)
		log.Info("Embedder rate limit active", "rps", cfg.Embedder.RateLimit, "burst", cfg.Embedder.Burst)
	}

	// Initialize and start the memory engine
	eng, err := memory.NewEngine(cfg, embedder, archive, log, metricsManager)
	if err != nil {
		log.Error("Failed to create memory engine", "error", err)
		os.Exit(1)
	}
	eng.Start(ctx)

	// Watch the config file for hot-reloadable changes
	var watcher *config.Watcher
	if *configPath != "" {
		watcher, err = config.NewWatcher(*configPath, config.NewLoader())
		if err != nil {
			log.Warn("Config watching unavailable", "error", err)
		} else {
			hot := config.ExtractHotReloadable(cfg)
			watcher.OnChange(func(next *config.Config) {
				nextHot := config.ExtractHotReloadable(next)
				if !hot.Changed(nextHot) {
					return
				}
				if nextHot.LogLevel != hot.LogLevel {
					logger.SetLevel(logger.ParseLevel(nextHot.LogLevel))
					log.Info("Log level reloaded", "level", nextHot.LogLevel)
				}
				eng.ApplyRanking(next.Ranking)
				log.Info("Ranking configuration reloaded",
					"semantic", nextHot.SemanticWeight,
					"keyword", nextHot.KeywordWeight,
					"recency", nextHot.RecencyWeight,
					"threshold", nextHot.SimilarityThreshold,
				)
				hot = nextHot
			})
			go func() {
				if err := watcher.Watch(ctx); err != nil && err != context.Canceled {
					log.Error("Config watcher stopped", "error", err)
				}
			}()
			log.Info("Watching configuration for changes", "path", *configPath)
		}
	}

	log.Info("Engram is running",
		"store", cfg.Store.Path,
		"dimension", cfg.Store.Dimension,
		"entries", eng.Store().Len(),
		"metrics_port", cfg.Metrics.Port,
	)
	log.Info("Press Ctrl+C to stop")

	// Wait for shutdown signal
	select {
	case sig := <-sigChan:
		log.Info("Received shutdown signal", "signal", sig)
	case <-ctx.Done():
		log.Info("Context cancelled")
	}

	if watcher != nil {
		if err := watcher.Stop(); err != nil {
			log.Error("Error stopping config watcher", "error", err)
		}
	}

	// Stop the engine gracefully; Stop flushes pending mutations to disk.
	log.Info("Stopping memory engine")
	if err := eng.Stop(); err != nil {
		log.Error("Error during engine shutdown", "error", err)
	}

	log.Info("Engram stopped gracefully")
}

func buildOverrides() map[string]interface{} {
	overrides := make(map[string]interface{})

	if *storePath != "" {
		overrides["store.path"] = *storePath
	}
	if *logLevel != "" {
		overrides["log.level"] = *logLevel
	}
	if *debugMode {
		overrides["app.debug"] = true
	}

	return overrides
}

func printVersion() {
	fmt.Printf("Engram - Durable Semantic Memory Engine\n")
	fmt.Printf("Version:    %s\n", version.Version)
	fmt.Printf("Build Time: %s\n", version.BuildTime)
	fmt.Printf("Git Commit: %s\n", version.GitCommit)
	fmt.Printf("Go Version: %s\n", version.GoVersion)
}

func printHelp() {
	fmt.Printf("Engram - Durable, semantically searchable long-term memory for agents\n\n")
	fmt.Printf("Usage: engram [options]\n\n")
	fmt.Printf("Options:\n")
	flag.PrintDefaults()
	fmt.Printf("\nExamples:\n")
	fmt.Printf("  engram                                    # Run with default config\n")
	fmt.Printf("  engram -config config.yaml                # Use specific config file\n")
	fmt.Printf("  engram -store-path ./mem.egrm -log-level debug\n")
	fmt.Printf("  engram -version                           # Print version info\n")
}
