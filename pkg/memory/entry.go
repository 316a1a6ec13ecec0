// Package memory provides a durable hybrid memory engine for conversational
// agents: a keyed vector store with atomic single-file snapshots and
// memory-mapped vector access, a keyword inverted index, a ranker fusing
// semantic, lexical and recency signals, and a background consolidator that
// merges near-duplicates and bounds corpus growth.
package memory

import (
	"time"
)

// MemoryEntry is a single remembered item.
type MemoryEntry struct {
	// ID is the unique identifier for this entry.
	ID string `json:"id"`

	// Scope is the owning conversation or user identifier.
	// Empty means global, visible to every scope.
	Scope string `json:"scope,omitempty"`

	// Text is the verbatim source snippet.
	Text string `json:"text"`

	// Vector is the embedding for semantic retrieval. Its length always
	// equals the store dimension.
	Vector []float32 `json:"vector"`

	// Importance is a caller-assigned weight in [0,1] influencing
	// retention and eviction order.
	Importance float64 `json:"importance"`

	// Metadata holds arbitrary key-value pairs.
	Metadata map[string]string `json:"metadata,omitempty"`

	// CreatedAt is the creation timestamp.
	CreatedAt time.Time `json:"created_at"`

	// LastAccessedAt is the timestamp of the last recall hit.
	LastAccessedAt time.Time `json:"last_accessed_at"`

	// seq is the insertion sequence number, assigned by the store and
	// used for deterministic tie-breaks. Overwrites keep the original.
	seq uint64
}

// accessedAt returns the reference time for recency scoring: the last
// access, falling back to creation for entries never recalled.
func (e *MemoryEntry) accessedAt() time.Time {
	if e.LastAccessedAt.IsZero() {
		return e.CreatedAt
	}
	return e.LastAccessedAt
}

// RecallResult pairs a matched entry with its fused score and the
// individual signal components that produced it.
type RecallResult struct {
	Entry *MemoryEntry `json:"entry"`

	// Score is the weighted combination of the three signals.
	Score float64 `json:"score"`

	// Semantic is the clamped cosine similarity, zero when below the
	// similarity threshold.
	Semantic float64 `json:"semantic"`

	// Keyword is the query-token overlap fraction in [0,1].
	Keyword float64 `json:"keyword"`

	// Recency is exp(-decay * age_seconds) in (0,1].
	Recency float64 `json:"recency"`
}
