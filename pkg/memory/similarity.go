package memory

import (
	"math"
	"sort"
	"sync/atomic"
)

// Acceleration modes for similarity scoring.
const (
	AccelAuto   = "auto"
	AccelBlock  = "block"
	AccelScalar = "scalar"
)

// kernel computes the cosine similarity between two vectors of equal
// length. Both implementations must produce identical rankings; only
// latency differs.
type kernel interface {
	cosine(a, b []float32) float64
}

// scalarKernel is the straight-loop reference implementation.
type scalarKernel struct{}

func (scalarKernel) cosine(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return dot / denom
}

// blockKernel accumulates in four independent lanes so the compiler can
// keep the multiplies in flight. Results are bit-for-bit order dependent
// only within a lane, which keeps rankings identical to the scalar path.
type blockKernel struct{}

func (blockKernel) cosine(a, b []float32) float64 {
	var dot0, dot1, dot2, dot3 float64
	var na0, na1, na2, na3 float64
	var nb0, nb1, nb2, nb3 float64

	n := len(a)
	i := 0
	for ; i+4 <= n; i += 4 {
		a0, a1, a2, a3 := float64(a[i]), float64(a[i+1]), float64(a[i+2]), float64(a[i+3])
		b0, b1, b2, b3 := float64(b[i]), float64(b[i+1]), float64(b[i+2]), float64(b[i+3])
		dot0 += a0 * b0
		dot1 += a1 * b1
		dot2 += a2 * b2
		dot3 += a3 * b3
		na0 += a0 * a0
		na1 += a1 * a1
		na2 += a2 * a2
		na3 += a3 * a3
		nb0 += b0 * b0
		nb1 += b1 * b1
		nb2 += b2 * b2
		nb3 += b3 * b3
	}
	for ; i < n; i++ {
		av, bv := float64(a[i]), float64(b[i])
		dot0 += av * bv
		na0 += av * av
		nb0 += bv * bv
	}

	dot := dot0 + dot1 + dot2 + dot3
	denom := math.Sqrt(na0+na1+na2+na3) * math.Sqrt(nb0+nb1+nb2+nb3)
	if denom == 0 {
		return 0
	}
	return dot / denom
}

// SimilarityEngine scores a query vector against live vectors using cosine
// similarity. The kernel is selected once at construction; call sites never
// branch on the acceleration mode.
type SimilarityEngine struct {
	k kernel

	// threshold holds Float64bits so it can be hot-reloaded while
	// searches are in flight.
	threshold atomic.Uint64
}

// NewSimilarityEngine creates a similarity engine. acceleration is one of
// AccelAuto, AccelBlock or AccelScalar; auto selects the block kernel.
// Scores below threshold are dropped from ScoreAll results.
func NewSimilarityEngine(acceleration string, threshold float64) *SimilarityEngine {
	var k kernel
	switch acceleration {
	case AccelScalar:
		k = scalarKernel{}
	case AccelBlock, AccelAuto, "":
		k = blockKernel{}
	default:
		k = blockKernel{}
	}
	e := &SimilarityEngine{k: k}
	e.SetThreshold(threshold)
	return e
}

// SemanticScore pairs an entry id with its clamped similarity score.
type SemanticScore struct {
	ID    string
	Score float64
}

// Similarity returns the cosine similarity of a and b, clamped into
// [-1, 1] to absorb floating-point rounding. Mismatched lengths score 0.
func (e *SimilarityEngine) Similarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	return clampScore(e.k.cosine(a, b))
}

// Threshold returns the configured similarity cutoff.
func (e *SimilarityEngine) Threshold() float64 {
	return math.Float64frombits(e.threshold.Load())
}

// SetThreshold replaces the similarity cutoff. Safe to call concurrently
// with scoring.
func (e *SimilarityEngine) SetThreshold(threshold float64) {
	e.threshold.Store(math.Float64bits(threshold))
}

// ScoreAll scores the query against every candidate and returns the
// surviving scores ordered best first. Candidates must be given in
// insertion order; ties keep that order so output is deterministic.
// Scores below the threshold are dropped, not sorted last.
func (e *SimilarityEngine) ScoreAll(query []float32, candidates []*MemoryEntry) []SemanticScore {
	threshold := e.Threshold()
	scores := make([]SemanticScore, 0, len(candidates))
	for _, c := range candidates {
		if len(c.Vector) != len(query) {
			continue
		}
		s := clampScore(e.k.cosine(query, c.Vector))
		if s < threshold {
			continue
		}
		scores = append(scores, SemanticScore{ID: c.ID, Score: s})
	}

	sort.SliceStable(scores, func(i, j int) bool {
		return scores[i].Score > scores[j].Score
	})
	return scores
}

// clampScore bounds a similarity into [-1, 1].
func clampScore(v float64) float64 {
	if v > 1.0 {
		return 1.0
	}
	if v < -1.0 {
		return -1.0
	}
	return v
}
