package memory

import (
	"context"
	"hash/fnv"
	"math"

	"golang.org/x/time/rate"
)

// RateLimitedEmbedder wraps an Embedder with a token-bucket limiter so
// bursts of remember and recall calls cannot exceed the provider's quota.
// Embed blocks until a token is available or the context ends.
type RateLimitedEmbedder struct {
	inner   Embedder
	limiter *rate.Limiter
}

// NewRateLimitedEmbedder wraps inner with a limit of rps embeddings per
// second and the given burst. A non-positive rps disables limiting.
func NewRateLimitedEmbedder(inner Embedder, rps float64, burst int) *RateLimitedEmbedder {
	var limiter *rate.Limiter
	if rps > 0 {
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return &RateLimitedEmbedder{inner: inner, limiter: limiter}
}

func (e *RateLimitedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	return e.inner.Embed(ctx, text)
}

func (e *RateLimitedEmbedder) Dimensions() int {
	return e.inner.Dimensions()
}

// HashEmbedder maps token hashes into a fixed-dimension bucket vector and
// L2-normalizes the result. Identical texts embed identically and texts
// sharing tokens land near each other. It is a local stand-in for a real
// embedding model, useful for development and offline operation.
type HashEmbedder struct {
	dim int
}

// NewHashEmbedder returns a hash embedder producing dim-dimensional vectors.
func NewHashEmbedder(dim int) *HashEmbedder {
	return &HashEmbedder{dim: dim}
}

func (h *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vec := make([]float32, h.dim)
	for _, tok := range Tokenize(text) {
		f := fnv.New32a()
		f.Write([]byte(tok))
		vec[int(f.Sum32()%uint32(h.dim))]++
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec, nil
}

func (h *HashEmbedder) Dimensions() int { return h.dim }
