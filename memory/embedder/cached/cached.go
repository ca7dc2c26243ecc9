// Package cached memoises embeddings produced by another embedder. Cross-store
// queries embed the same query text repeatedly; this keeps those calls off
// the underlying model.
package cached

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto"

	"github.com/becomeliminal/memsync/core"
)

// Config sizes the cache.
type Config struct {
	// MaxBytes bounds the total size of cached vectors.
	MaxBytes int64

	// Counters is the number of admission counters, roughly 10x the number
	// of distinct texts expected.
	Counters int64
}

// DefaultConfig caches up to 64MB of vectors.
var DefaultConfig = Config{
	MaxBytes: 64 << 20,
	Counters: 100_000,
}

// Embedder wraps another embedder with a ristretto cache keyed by text.
type Embedder struct {
	next  core.Embedder
	cache *ristretto.Cache
}

// New wraps next. A zero Config uses DefaultConfig.
func New(next core.Embedder, cfg Config) (*Embedder, error) {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultConfig.MaxBytes
	}
	if cfg.Counters <= 0 {
		cfg.Counters = DefaultConfig.Counters
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.Counters,
		MaxCost:     cfg.MaxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}
	return &Embedder{next: next, cache: c}, nil
}

// Embed returns the cached vector for text or computes and caches it.
// Callers receive a copy and may modify it.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := e.cache.Get(text); ok {
		return append([]float32(nil), v.([]float32)...), nil
	}
	vec, err := e.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	stored := append([]float32(nil), vec...)
	e.cache.Set(text, stored, int64(4*len(stored)))
	return vec, nil
}

// Dimensions returns the wrapped embedder's size.
func (e *Embedder) Dimensions() int {
	return e.next.Dimensions()
}

// Wait blocks until pending cache writes are applied.
func (e *Embedder) Wait() {
	e.cache.Wait()
}

// Close releases the cache.
func (e *Embedder) Close() error {
	e.cache.Close()
	return nil
}
