package memory

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/engramdb/engram/config"
	"github.com/engramdb/engram/pkg/logger"
	"github.com/engramdb/engram/pkg/metrics"
)

// Engine is the public surface of the memory core. It is safe for
// concurrent use: any number of Recall calls proceed together, while
// Remember, Forget and consolidation serialize on the store's lock.
type Engine interface {
	// Remember embeds text and stores it, returning the new entry id.
	Remember(ctx context.Context, text string, importance float64, scope string, metadata map[string]string) (string, error)

	// Recall embeds query and returns up to topK ranked entries visible
	// to scope. A context deadline yields best-effort partial results.
	Recall(ctx context.Context, query string, topK int, scope string) ([]RecallResult, error)

	// Forget removes the entry with the given id.
	Forget(ctx context.Context, id string) error
}

// MemoryEngine wires the store, the ranker and the consolidator behind
// the Engine interface. Construct it once at pipeline startup and pass
// it by reference to every call site.
type MemoryEngine struct {
	store        *Store
	sim          *SimilarityEngine
	ranker       *HybridRanker
	consolidator *Consolidator
	embedder     Embedder

	// decay holds Float64bits of the recency decay factor so it can be
	// hot-reloaded while recalls are in flight.
	decay        atomic.Uint64
	defaultTopK  int
	consolidates bool

	log     logger.Logger
	metrics *metrics.Manager
	tracer  trace.Tracer
}

// NewEngine builds a memory engine from configuration. The embedder's
// dimension must match the configured store dimension. The snapshot on
// disk, if any, is loaded before NewEngine returns. archive may be nil.
func NewEngine(cfg *config.Config, embedder Embedder, archive Archiver, log logger.Logger, m *metrics.Manager) (*MemoryEngine, error) {
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if embedder.Dimensions() != cfg.Store.Dimension {
		return nil, fmt.Errorf("%w: embedder produces %d dimensions, store configured for %d",
			ErrDimensionMismatch, embedder.Dimensions(), cfg.Store.Dimension)
	}
	if log == nil {
		log = logger.Global()
	}
	if m == nil {
		m = metrics.NoOpManager()
	}

	store, err := NewStore(cfg.Store, log)
	if err != nil {
		return nil, err
	}
	sim := NewSimilarityEngine(cfg.Store.Acceleration, cfg.Ranking.SimilarityThreshold)
	cache := NewSearchCache(cfg.Ranking.CacheTTL, cfg.Ranking.CacheSize)
	ranker := NewHybridRanker(store, sim, cache, RankWeights{
		Semantic: cfg.Ranking.SemanticWeight,
		Keyword:  cfg.Ranking.KeywordWeight,
		Recency:  cfg.Ranking.RecencyWeight,
	})
	store.SetMetrics(m)
	ranker.SetMetrics(m)

	e := &MemoryEngine{
		store:       store,
		sim:         sim,
		ranker:      ranker,
		embedder:    embedder,
		defaultTopK: cfg.Ranking.DefaultTopK,
		log:         log.With("component", "engine"),
		metrics:     m,
		tracer:      otel.Tracer("engram/memory"),
	}
	e.decay.Store(math.Float64bits(cfg.Ranking.TimeDecayFactor))

	if cfg.Consolidation.Enabled {
		e.consolidator = NewConsolidator(store, sim, archive, cfg.Consolidation, log)
		e.consolidates = true
	}

	if err := store.Load(); err != nil {
		return nil, err
	}
	m.SetEntriesLive(float64(store.Len()))
	return e, nil
}

// Start launches background consolidation if it is enabled.
func (e *MemoryEngine) Start(ctx context.Context) {
	if e.consolidator != nil {
		e.consolidator.Start(ctx)
	}
}

// Stop halts consolidation and flushes pending mutations to disk.
func (e *MemoryEngine) Stop() error {
	if e.consolidator != nil {
		e.consolidator.Stop()
	}
	return e.store.Close()
}

// Ranker exposes the ranker for weight hot-reload.
func (e *MemoryEngine) Ranker() *HybridRanker {
	return e.ranker
}

// ApplyRanking applies the hot-reloadable ranking settings: fusion
// weights, similarity threshold and recency decay. Cached results are
// purged so the next search reflects the new tuning.
func (e *MemoryEngine) ApplyRanking(cfg config.RankingConfig) {
	e.ranker.SetWeights(RankWeights{
		Semantic: cfg.SemanticWeight,
		Keyword:  cfg.KeywordWeight,
		Recency:  cfg.RecencyWeight,
	})
	e.sim.SetThreshold(cfg.SimilarityThreshold)
	e.decay.Store(math.Float64bits(cfg.TimeDecayFactor))
}

func (e *MemoryEngine) timeDecay() float64 {
	return math.Float64frombits(e.decay.Load())
}

// Store exposes the underlying store for administrative use.
func (e *MemoryEngine) Store() *Store {
	return e.store
}

// Consolidate runs one consolidation pass outside the schedule.
func (e *MemoryEngine) Consolidate(ctx context.Context) (PassStats, error) {
	if e.consolidator == nil {
		return PassStats{}, nil
	}
	stats, err := e.consolidator.RunOnce(ctx)
	if err == nil {
		e.metrics.RecordConsolidation(stats.Merged, stats.Evicted)
		e.metrics.SetEntriesLive(float64(e.store.Len()))
	}
	return stats, err
}

// Remember embeds text and stores it under a fresh id.
func (e *MemoryEngine) Remember(ctx context.Context, text string, importance float64, scope string, metadata map[string]string) (string, error) {
	ctx, span := e.tracer.Start(ctx, "memory.remember",
		trace.WithAttributes(attribute.String("memory.scope", scope)))
	defer span.End()

	if text == "" {
		e.metrics.RecordOperation("remember", "error")
		return "", fmt.Errorf("%w: empty text", ErrInvalidQuery)
	}

	vector, err := e.embedder.Embed(ctx, text)
	if err != nil {
		e.metrics.RecordOperation("remember", "error")
		return "", fmt.Errorf("embed: %w", err)
	}

	entry := &MemoryEntry{
		ID:         uuid.New().String(),
		Scope:      scope,
		Text:       text,
		Vector:     vector,
		Importance: importance,
		Metadata:   metadata,
		CreatedAt:  time.Now(),
	}
	if err := e.store.Add(entry); err != nil {
		e.metrics.RecordOperation("remember", "error")
		return "", err
	}

	span.SetAttributes(attribute.String("memory.id", entry.ID))
	e.metrics.RecordOperation("remember", "ok")
	e.metrics.SetEntriesLive(float64(e.store.Len()))
	e.log.DebugContext(ctx, "entry remembered", "id", entry.ID, "scope", scope)
	return entry.ID, nil
}

// Recall embeds query and returns up to topK entries ranked by the fused
// score, filtered to scope after ranking so relevance order within the
// scope is preserved. Entries with an empty scope are visible everywhere.
func (e *MemoryEngine) Recall(ctx context.Context, query string, topK int, scope string) ([]RecallResult, error) {
	ctx, span := e.tracer.Start(ctx, "memory.recall",
		trace.WithAttributes(attribute.String("memory.scope", scope)))
	defer span.End()

	start := time.Now()
	if query == "" {
		e.metrics.RecordOperation("recall", "error")
		return nil, fmt.Errorf("%w: empty query", ErrInvalidQuery)
	}
	if topK <= 0 {
		topK = e.defaultTopK
	}

	vector, err := e.embedder.Embed(ctx, query)
	if err != nil {
		e.metrics.RecordOperation("recall", "error")
		return nil, fmt.Errorf("embed query: %w", err)
	}

	var deadline time.Time
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}

	// Scoped stores over-fetch so the post-ranking filter still has topK
	// candidates to choose from.
	fetchK := topK
	if scope != "" {
		fetchK = topK * 4
	}

	ranked, partial, err := e.ranker.Search(vector, query, fetchK, e.timeDecay(), deadline)
	if err != nil {
		e.metrics.RecordOperation("recall", "error")
		return nil, err
	}

	results := make([]RecallResult, 0, topK)
	now := time.Now()
	for _, r := range ranked {
		if scope != "" && r.Entry.Scope != "" && r.Entry.Scope != scope {
			continue
		}
		results = append(results, r)
		// The result set may be shared with concurrent cache hits, so the
		// access time is recorded in the store only, never on the entry.
		_ = e.store.TouchAccess(r.Entry.ID, now)
		if len(results) == topK {
			break
		}
	}

	span.SetAttributes(
		attribute.Int("memory.results", len(results)),
		attribute.Bool("memory.partial", partial),
	)
	if partial {
		e.log.WarnContext(ctx, "recall deadline expired, returning partial results",
			"results", len(results))
	}
	e.metrics.RecordOperation("recall", "ok")
	e.metrics.RecordRecallDuration(time.Since(start))
	return results, nil
}

// Forget removes the entry with the given id. It returns ErrNotFound
// when the id does not exist.
func (e *MemoryEngine) Forget(ctx context.Context, id string) error {
	ctx, span := e.tracer.Start(ctx, "memory.forget",
		trace.WithAttributes(attribute.String("memory.id", id)))
	defer span.End()

	existed, err := e.store.Remove(id)
	if err != nil {
		e.metrics.RecordOperation("forget", "error")
		return err
	}
	if !existed {
		e.metrics.RecordOperation("forget", "error")
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e.metrics.RecordOperation("forget", "ok")
	e.metrics.SetEntriesLive(float64(e.store.Len()))
	e.log.DebugContext(ctx, "entry forgotten", "id", id)
	return nil
}
