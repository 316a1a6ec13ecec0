package memory

import (
	"fmt"
	"testing"
	"time"
)

func testRanker(t *testing.T, dim int, weights RankWeights, threshold float64) (*HybridRanker, *Store) {
	t.Helper()
	s := testStore(t, dim, false)
	sim := NewSimilarityEngine(AccelAuto, threshold)
	cache := NewSearchCache(time.Minute, 16)
	return NewHybridRanker(s, sim, cache, weights), s
}

func TestSearchSemanticDominates(t *testing.T) {
	r, s := testRanker(t, 3, RankWeights{Semantic: 0.6, Keyword: 0.25, Recency: 0.15}, 0)

	now := time.Now()
	match := testEntry("match", []float32{1, 0, 0})
	match.LastAccessedAt = now.Add(-time.Hour)
	other := testEntry("other", []float32{0, 1, 0})
	other.LastAccessedAt = now

	for _, e := range []*MemoryEntry{match, other} {
		if err := s.Add(e); err != nil {
			t.Fatal(err)
		}
	}

	results, partial, err := r.Search([]float32{1, 0, 0}, "unrelated words", 10, 0.0001, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if partial {
		t.Error("unexpected partial result")
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Entry.ID != "match" {
		t.Errorf("semantic match should rank first, got %s", results[0].Entry.ID)
	}
	if results[0].Semantic <= results[1].Semantic {
		t.Error("expected higher semantic component for the match")
	}
}

func TestSearchRecencyBreaksSemanticTie(t *testing.T) {
	r, s := testRanker(t, 3, RankWeights{Semantic: 0.6, Keyword: 0.25, Recency: 0.15}, 0)

	now := time.Now()
	old := testEntry("old", []float32{1, 0, 0})
	old.Text = "same words"
	old.LastAccessedAt = now.Add(-1000 * time.Second)
	fresh := testEntry("fresh", []float32{1, 0, 0})
	fresh.Text = "same words"
	fresh.LastAccessedAt = now

	for _, e := range []*MemoryEntry{old, fresh} {
		if err := s.Add(e); err != nil {
			t.Fatal(err)
		}
	}

	results, _, err := r.Search([]float32{1, 0, 0}, "same words", 10, 0.01, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if results[0].Entry.ID != "fresh" {
		t.Errorf("expected the recently accessed entry first, got %s", results[0].Entry.ID)
	}
	if results[0].Recency <= results[1].Recency {
		t.Error("expected higher recency component for the fresh entry")
	}
}

func TestSearchKeywordSignal(t *testing.T) {
	r, s := testRanker(t, 2, RankWeights{Semantic: 0, Keyword: 1, Recency: 0}, 0)

	a := testEntry("a", []float32{1, 0})
	a.Text = "paris is the capital of france"
	b := testEntry("b", []float32{1, 0})
	b.Text = "berlin weather report"
	for _, e := range []*MemoryEntry{a, b} {
		if err := s.Add(e); err != nil {
			t.Fatal(err)
		}
	}

	results, _, err := r.Search([]float32{1, 0}, "capital of france", 10, 0, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if results[0].Entry.ID != "a" {
		t.Errorf("keyword overlap should rank a first, got %s", results[0].Entry.ID)
	}
	if results[0].Keyword != 1.0 {
		t.Errorf("expected full keyword overlap, got %f", results[0].Keyword)
	}
	if results[1].Keyword != 0.0 {
		t.Errorf("expected zero keyword overlap, got %f", results[1].Keyword)
	}
}

func TestSearchThresholdZeroesSemantic(t *testing.T) {
	r, s := testRanker(t, 2, RankWeights{Semantic: 0.6, Keyword: 0.25, Recency: 0.15}, 0.9)

	e := testEntry("weak", []float32{1, 1})
	e.Text = "threshold words"
	if err := s.Add(e); err != nil {
		t.Fatal(err)
	}

	// Similarity of [1,0] to [1,1] is ~0.707, below the 0.9 threshold, so
	// the semantic component is zero but the entry still ranks via the
	// other signals.
	results, _, err := r.Search([]float32{1, 0}, "threshold words", 10, 0, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].Semantic != 0 {
		t.Errorf("sub-threshold semantic must be 0, got %f", results[0].Semantic)
	}
	if results[0].Keyword != 1.0 {
		t.Errorf("keyword signal lost: %f", results[0].Keyword)
	}
	if results[0].Score <= 0 {
		t.Errorf("combined score should stay positive, got %f", results[0].Score)
	}
}

func TestSearchTopKTruncation(t *testing.T) {
	r, s := testRanker(t, 2, RankWeights{Semantic: 1}, 0)
	for i := 0; i < 10; i++ {
		if err := s.Add(testEntry(fmt.Sprintf("e%d", i), []float32{1, float32(i) * 0.1})); err != nil {
			t.Fatal(err)
		}
	}

	results, _, err := r.Search([]float32{1, 0}, "", 3, 0, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 3 {
		t.Errorf("expected 3 results, got %d", len(results))
	}
	if results[0].Entry.ID != "e0" {
		t.Errorf("best match should be e0, got %s", results[0].Entry.ID)
	}
}

func TestSearchDimensionMismatch(t *testing.T) {
	r, _ := testRanker(t, 3, RankWeights{Semantic: 1}, 0)
	if _, _, err := r.Search([]float32{1, 0}, "", 5, 0, time.Time{}); err != ErrDimensionMismatch {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
}

func TestSearchCacheHitAndInvalidation(t *testing.T) {
	r, s := testRanker(t, 2, RankWeights{Semantic: 1}, 0)
	for _, id := range []string{"a", "b"} {
		if err := s.Add(testEntry(id, []float32{1, 0})); err != nil {
			t.Fatal(err)
		}
	}

	query := []float32{1, 0}
	if _, _, err := r.Search(query, "q", 5, 0, time.Time{}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := r.Search(query, "q", 5, 0, time.Time{}); err != nil {
		t.Fatal(err)
	}
	hits, _ := r.CacheStats()
	if hits != 1 {
		t.Errorf("expected 1 cache hit, got %d", hits)
	}

	// A removal must drop any cached result set containing the entry,
	// even one cached a moment ago.
	if _, err := s.Remove("a"); err != nil {
		t.Fatal(err)
	}
	results, _, err := r.Search(query, "q", 5, 0, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	for _, res := range results {
		if res.Entry.ID == "a" {
			t.Error("removed entry served from cache")
		}
	}
}

func TestSearchDeadlineYieldsPartial(t *testing.T) {
	r, s := testRanker(t, 2, RankWeights{Semantic: 1}, 0)
	for i := 0; i < 600; i++ {
		if err := s.Add(testEntry(fmt.Sprintf("e%d", i), []float32{1, 0})); err != nil {
			t.Fatal(err)
		}
	}

	expired := time.Now().Add(-time.Second)
	results, partial, err := r.Search([]float32{1, 0}, "q", 10, 0, expired)
	if err != nil {
		t.Fatal(err)
	}
	if !partial {
		t.Fatal("expected partial result for expired deadline")
	}
	if len(results) == 0 {
		t.Error("partial search should still return the candidates scored so far")
	}

	// Partial results are never cached.
	if _, _, err := r.Search([]float32{1, 0}, "q", 10, 0, time.Time{}); err != nil {
		t.Fatal(err)
	}
	hits, _ := r.CacheStats()
	if hits != 0 {
		t.Errorf("partial result was cached: hits=%d", hits)
	}
}

func TestSetWeightsPurgesCache(t *testing.T) {
	r, s := testRanker(t, 2, RankWeights{Semantic: 1}, 0)
	if err := s.Add(testEntry("a", []float32{1, 0})); err != nil {
		t.Fatal(err)
	}

	query := []float32{1, 0}
	if _, _, err := r.Search(query, "q", 5, 0, time.Time{}); err != nil {
		t.Fatal(err)
	}

	r.SetWeights(RankWeights{Semantic: 0.5, Keyword: 0.5})
	if got := r.Weights(); got.Keyword != 0.5 {
		t.Errorf("weights not updated: %+v", got)
	}

	// The next search recomputes instead of serving stale-weight results.
	if _, _, err := r.Search(query, "q", 5, 0, time.Time{}); err != nil {
		t.Fatal(err)
	}
	hits, _ := r.CacheStats()
	if hits != 0 {
		t.Errorf("stale-weight result served from cache: hits=%d", hits)
	}
}

func TestSearchDeterministicAcrossRepeats(t *testing.T) {
	r, s := testRanker(t, 2, RankWeights{Semantic: 1}, 0)
	created := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		e := testEntry(fmt.Sprintf("tie%d", i), []float32{1, 0})
		e.CreatedAt = created
		if err := s.Add(e); err != nil {
			t.Fatal(err)
		}
	}

	first, _, err := r.Search([]float32{1, 0}, "", 5, 0, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	r.SetWeights(r.Weights()) // purge cache without changing anything
	second, _, err := r.Search([]float32{1, 0}, "", 5, 0, time.Time{})
	if err != nil {
		t.Fatal(err)
	}

	for i := range first {
		if first[i].Entry.ID != second[i].Entry.ID {
			t.Errorf("order differs between identical searches at %d: %s vs %s",
				i, first[i].Entry.ID, second[i].Entry.ID)
		}
	}
	// Ties resolve to insertion order.
	for i := range first {
		if first[i].Entry.ID != fmt.Sprintf("tie%d", i) {
			t.Errorf("tie order[%d] = %s", i, first[i].Entry.ID)
		}
	}
}
