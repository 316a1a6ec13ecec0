package memory

import (
	"context"
	"errors"
)

// Sentinel errors for the memory engine.
var (
	ErrDimensionMismatch = errors.New("memory: vector dimension mismatch")
	ErrNotFound          = errors.New("memory: entry not found")
	ErrCorruptSnapshot   = errors.New("memory: corrupt snapshot")
	ErrIOFailure         = errors.New("memory: persistence failed")
	ErrInvalidQuery      = errors.New("memory: invalid query")
	ErrPassInProgress    = errors.New("memory: consolidation pass already running")
)

// Embedder converts text into a fixed-length vector. It is supplied by an
// external embedding provider; the engine never trains or runs a model
// itself.
type Embedder interface {
	// Embed converts a single text to an embedding vector.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the embedding vector size.
	Dimensions() int
}

// Archiver receives entries that consolidation removes from the live corpus.
// Implementations must be safe for concurrent use.
type Archiver interface {
	// Archive persists an entry that is about to be removed.
	Archive(ctx context.Context, entry *MemoryEntry) error

	// Close releases archive resources.
	Close() error
}
