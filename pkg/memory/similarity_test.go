package memory

import (
	"math"
	"math/rand"
	"testing"
)

func TestSimilarityBasics(t *testing.T) {
	e := NewSimilarityEngine(AccelAuto, 0)

	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1.0},
		{"opposite", []float32{1, 0, 0}, []float32{-1, 0, 0}, -1.0},
		{"orthogonal", []float32{1, 0, 0}, []float32{0, 1, 0}, 0.0},
		{"zero vector", []float32{0, 0, 0}, []float32{1, 2, 3}, 0.0},
		{"both zero", []float32{0, 0, 0}, []float32{0, 0, 0}, 0.0},
		{"length mismatch", []float32{1, 2}, []float32{1, 2, 3}, 0.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := e.Similarity(tt.a, tt.b)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Similarity = %f, want %f", got, tt.want)
			}
		})
	}
}

func TestSimilarityClamped(t *testing.T) {
	e := NewSimilarityEngine(AccelAuto, 0)

	// Self-similarity of an awkwardly scaled vector can drift past 1.0 in
	// floating point; the result must stay inside [-1, 1].
	v := make([]float32, 301)
	for i := range v {
		v[i] = float32(1e-4 * float64(i+1))
	}
	got := e.Similarity(v, v)
	if got > 1.0 || got < -1.0 {
		t.Errorf("similarity %v escaped [-1, 1]", got)
	}
	if math.Abs(got-1.0) > 1e-6 {
		t.Errorf("self-similarity = %f, want ~1.0", got)
	}
}

func TestScalarBlockParity(t *testing.T) {
	scalar := scalarKernel{}
	block := blockKernel{}
	rng := rand.New(rand.NewSource(7))

	for _, dim := range []int{1, 3, 4, 7, 64, 127, 768} {
		a := make([]float32, dim)
		b := make([]float32, dim)
		for i := range a {
			a[i] = rng.Float32()*2 - 1
			b[i] = rng.Float32()*2 - 1
		}
		s := scalar.cosine(a, b)
		k := block.cosine(a, b)
		if math.Abs(s-k) > 1e-9 {
			t.Errorf("dim %d: scalar %v vs block %v", dim, s, k)
		}
	}
}

func TestScoreAllThresholdAndOrder(t *testing.T) {
	e := NewSimilarityEngine(AccelScalar, 0.5)
	query := []float32{1, 0, 0}

	candidates := []*MemoryEntry{
		{ID: "high", Vector: []float32{1, 0, 0}},
		{ID: "mid", Vector: []float32{1, 1, 0}},
		{ID: "below", Vector: []float32{0, 1, 0}},
		{ID: "negative", Vector: []float32{-1, 0, 0}},
	}

	scores := e.ScoreAll(query, candidates)
	if len(scores) != 2 {
		t.Fatalf("expected 2 survivors above threshold, got %d", len(scores))
	}
	if scores[0].ID != "high" || scores[1].ID != "mid" {
		t.Errorf("unexpected order: %v", scores)
	}
	for _, s := range scores {
		if s.Score < 0.5 {
			t.Errorf("score %f below threshold survived", s.Score)
		}
	}
}

func TestScoreAllTiesKeepInsertionOrder(t *testing.T) {
	e := NewSimilarityEngine(AccelAuto, 0)
	query := []float32{1, 0}

	// Three identical candidates: ties must preserve input order.
	candidates := []*MemoryEntry{
		{ID: "a", Vector: []float32{1, 0}},
		{ID: "b", Vector: []float32{1, 0}},
		{ID: "c", Vector: []float32{1, 0}},
	}
	scores := e.ScoreAll(query, candidates)
	want := []string{"a", "b", "c"}
	for i := range want {
		if scores[i].ID != want[i] {
			t.Errorf("tie order[%d] = %s, want %s", i, scores[i].ID, want[i])
		}
	}
}

func TestScoreAllSkipsMismatchedDimensions(t *testing.T) {
	e := NewSimilarityEngine(AccelAuto, 0)
	scores := e.ScoreAll([]float32{1, 0}, []*MemoryEntry{
		{ID: "ok", Vector: []float32{1, 0}},
		{ID: "bad", Vector: []float32{1, 0, 0}},
	})
	if len(scores) != 1 || scores[0].ID != "ok" {
		t.Errorf("expected only matching-dimension candidate, got %v", scores)
	}
}

func BenchmarkCosineScalar(b *testing.B) {
	benchmarkCosine(b, scalarKernel{})
}

func BenchmarkCosineBlock(b *testing.B) {
	benchmarkCosine(b, blockKernel{})
}

func benchmarkCosine(b *testing.B, k kernel) {
	rng := rand.New(rand.NewSource(1))
	v1 := make([]float32, 768)
	v2 := make([]float32, 768)
	for i := range v1 {
		v1[i] = rng.Float32()
		v2[i] = rng.Float32()
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		k.cosine(v1, v2)
	}
}
