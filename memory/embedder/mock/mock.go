package mock

import (
	"context"
	"hash/fnv"
	"math"
)

// DefaultDimensions matches all-MiniLM-L6-v2.
const DefaultDimensions = 384

// MockEmbedder generates deterministic embeddings from a text hash. It is
// the query embedder used when no real model is configured.
type MockEmbedder struct {
	dimensions int
}

// New creates a mock embedder with DefaultDimensions.
func New() *MockEmbedder {
	return NewWithDimensions(DefaultDimensions)
}

// NewWithDimensions creates a mock embedder producing vectors of size dims.
// A non-positive size falls back to DefaultDimensions.
func NewWithDimensions(dims int) *MockEmbedder {
	if dims <= 0 {
		dims = DefaultDimensions
	}
	return &MockEmbedder{dimensions: dims}
}

// Embed creates a deterministic unit-length embedding from text.
func (m *MockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// Hash the text
	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()

	// Generate deterministic embedding from the hash
	embedding := make([]float32, m.dimensions)
	for i := range embedding {
		// Simple LCG step
		seed = seed*6364136223846793005 + 1442695040888963407
		// Convert to [-1, 1] range
		embedding[i] = float32(int64(seed)) / float32(math.MaxInt64)
	}

	// Normalize to unit vector
	return normalize(embedding), nil
}

// Dimensions returns the embedding size.
func (m *MockEmbedder) Dimensions() int {
	return m.dimensions
}

// normalize scales vec to unit length in place.
func normalize(vec []float32) []float32 {
	var norm float32
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return vec
	}
	norm = float32(math.Sqrt(float64(norm)))
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}
