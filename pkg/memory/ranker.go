package memory

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/engramdb/engram/pkg/metrics"
)

// deadlineCheckStride is how many candidates are scored between deadline
// checks. Checking per candidate would dominate the scoring loop.
const deadlineCheckStride = 256

// RankWeights are the relative contributions of the three retrieval
// signals. They are not required to sum to one.
type RankWeights struct {
	Semantic float64
	Keyword  float64
	Recency  float64
}

// HybridRanker fuses semantic similarity, keyword overlap and recency
// into a single score per candidate:
//
//	score = w_s*semantic + w_k*keyword + w_r*recency
//
// with recency = exp(-decay * age_seconds) measured from the last access.
// Results are memoized in a TTL cache invalidated per mutated entry.
type HybridRanker struct {
	store   *Store
	sim     *SimilarityEngine
	cache   *SearchCache
	metrics *metrics.Manager

	weightsMu sync.RWMutex
	weights   RankWeights
}

// NewHybridRanker creates a ranker over store using sim for semantic
// scoring. cache may be nil to disable memoization.
func NewHybridRanker(store *Store, sim *SimilarityEngine, cache *SearchCache, weights RankWeights) *HybridRanker {
	r := &HybridRanker{
		store:   store,
		sim:     sim,
		cache:   cache,
		metrics: metrics.NoOpManager(),
		weights: weights,
	}
	store.SetInvalidateHook(cache.Invalidate)
	return r
}

// SetMetrics replaces the metrics sink. Must be called before the ranker
// is shared.
func (r *HybridRanker) SetMetrics(m *metrics.Manager) {
	if m != nil {
		r.metrics = m
	}
}

// SetWeights replaces the signal weights and drops all cached results,
// since every cached score was computed with the old weights.
func (r *HybridRanker) SetWeights(weights RankWeights) {
	r.weightsMu.Lock()
	r.weights = weights
	r.weightsMu.Unlock()
	r.cache.Purge()
}

// Weights returns the current signal weights.
func (r *HybridRanker) Weights() RankWeights {
	r.weightsMu.RLock()
	defer r.weightsMu.RUnlock()
	return r.weights
}

// CacheStats returns cumulative cache hit and miss counts.
func (r *HybridRanker) CacheStats() (hits, misses uint64) {
	return r.cache.Stats()
}

// Search scores every stored entry against the query and returns the topK
// best, ordered by combined score descending. Ties break on recency, then
// on insertion order, so repeated searches over unchanged data are
// byte-identical.
//
// If deadline is non-zero and passes mid-scan, the candidates scored so
// far are ranked and returned with partial=true. Partial results are
// never cached.
func (r *HybridRanker) Search(queryVector []float32, queryText string, topK int, decay float64, deadline time.Time) (results []RecallResult, partial bool, err error) {
	if len(queryVector) != r.store.Dimension() {
		return nil, false, ErrDimensionMismatch
	}
	if topK <= 0 {
		return nil, false, nil
	}

	sig := Signature(queryVector, queryText, topK)
	if cached := r.cache.Get(sig); cached != nil {
		r.metrics.RecordCacheHit()
		return cached, false, nil
	}
	r.metrics.RecordCacheMiss()

	weights := r.Weights()
	queryTokens := Tokenize(queryText)
	now := time.Now()

	type scored struct {
		entry    *MemoryEntry
		score    float64
		semantic float64
		keyword  float64
		recency  float64
		accessed time.Time
		pos      int
	}

	var candidates []scored
	r.store.Scan(func(entries []*MemoryEntry, keywords *KeywordIndex) {
		candidates = make([]scored, 0, len(entries))
		for i, e := range entries {
			if i%deadlineCheckStride == 0 && i > 0 && !deadline.IsZero() && time.Now().After(deadline) {
				partial = true
				break
			}

			semantic := r.sim.Similarity(queryVector, e.Vector)
			if semantic < r.sim.Threshold() {
				semantic = 0
			}
			keyword := keywords.Score(queryTokens, e.ID)
			accessed := e.accessedAt()
			age := now.Sub(accessed).Seconds()
			if age < 0 {
				age = 0
			}
			recency := math.Exp(-decay * age)

			score := weights.Semantic*semantic + weights.Keyword*keyword + weights.Recency*recency
			candidates = append(candidates, scored{
				entry:    e,
				score:    score,
				semantic: semantic,
				keyword:  keyword,
				recency:  recency,
				accessed: accessed,
				pos:      i,
			})
		}

		sort.SliceStable(candidates, func(i, j int) bool {
			if candidates[i].score != candidates[j].score {
				return candidates[i].score > candidates[j].score
			}
			if !candidates[i].accessed.Equal(candidates[j].accessed) {
				return candidates[i].accessed.After(candidates[j].accessed)
			}
			return candidates[i].pos < candidates[j].pos
		})

		if len(candidates) > topK {
			candidates = candidates[:topK]
		}

		// Clone winners while still under the store lock: their vectors
		// may view the memory mapping.
		results = make([]RecallResult, 0, len(candidates))
		for _, c := range candidates {
			results = append(results, RecallResult{
				Entry:    cloneEntry(c.entry),
				Score:    c.score,
				Semantic: c.semantic,
				Keyword:  c.keyword,
				Recency:  c.recency,
			})
		}
	})

	if !partial {
		r.cache.Put(sig, results)
	}
	return results, partial, nil
}
