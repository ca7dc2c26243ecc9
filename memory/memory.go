package memory

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/becomeliminal/memsync/memory/cache"
	"github.com/becomeliminal/memsync/memory/embedder/mock"
	"github.com/becomeliminal/memsync/memory/syncer"
)

// Config holds Manager configuration.
type Config struct {
	// CacheSize bounds the cross-store query cache.
	// Default: 50
	CacheSize int

	// AsyncMode makes QueueUpdate schedule a debounced background flush
	// instead of waiting for an explicit FlushUpdates.
	// Default: false
	AsyncMode bool

	// FlushDelay is the debounce delay used in async mode.
	// Default: 100ms
	FlushDelay time.Duration

	// QueryTopK is how many hits similarity stores return per cross-store query.
	// Default: 5
	QueryTopK int

	// EmbeddingDimensions sizes the default query embedder. Ignored when an
	// embedder is supplied with WithEmbedder.
	// Default: 384
	EmbeddingDimensions int

	// StorePreference lists the stores Store tries first, in order.
	// Unregistered names are skipped; the first registered store is the fallback.
	StorePreference []string

	// VectorStore names the store SimilaritySearch prefers.
	VectorStore string

	// CanonicalStore and AuxiliaryStores drive SynchronizeCore: every
	// auxiliary store is merged one-way into the canonical store.
	CanonicalStore  string
	AuxiliaryStores []string
}

// DefaultConfig returns sensible defaults for a single process.
var DefaultConfig = &Config{
	CacheSize:           cache.DefaultSize,
	FlushDelay:          syncer.DefaultFlushDelay,
	QueryTopK:           syncer.DefaultQueryTopK,
	EmbeddingDimensions: mock.DefaultDimensions,
}

// ConfigFromEnv starts from DefaultConfig and applies MEMSYNC_* variables:
//
//	MEMSYNC_CACHE_SIZE, MEMSYNC_ASYNC, MEMSYNC_FLUSH_DELAY, MEMSYNC_QUERY_TOP_K,
//	MEMSYNC_EMBEDDING_DIMENSIONS, MEMSYNC_STORE_PREFERENCE, MEMSYNC_VECTOR_STORE,
//	MEMSYNC_CANONICAL_STORE, MEMSYNC_AUXILIARY_STORES
//
// List values are comma separated.
func ConfigFromEnv() (*Config, error) {
	cfg := *DefaultConfig
	var err error
	if cfg.CacheSize, err = envInt("MEMSYNC_CACHE_SIZE", cfg.CacheSize); err != nil {
		return nil, err
	}
	if v := os.Getenv("MEMSYNC_ASYNC"); v != "" {
		if cfg.AsyncMode, err = strconv.ParseBool(v); err != nil {
			return nil, fmt.Errorf("parse MEMSYNC_ASYNC: %w", err)
		}
	}
	if v := os.Getenv("MEMSYNC_FLUSH_DELAY"); v != "" {
		if cfg.FlushDelay, err = time.ParseDuration(v); err != nil {
			return nil, fmt.Errorf("parse MEMSYNC_FLUSH_DELAY: %w", err)
		}
	}
	if cfg.QueryTopK, err = envInt("MEMSYNC_QUERY_TOP_K", cfg.QueryTopK); err != nil {
		return nil, err
	}
	if cfg.EmbeddingDimensions, err = envInt("MEMSYNC_EMBEDDING_DIMENSIONS", cfg.EmbeddingDimensions); err != nil {
		return nil, err
	}
	cfg.StorePreference = envList("MEMSYNC_STORE_PREFERENCE")
	cfg.VectorStore = os.Getenv("MEMSYNC_VECTOR_STORE")
	cfg.CanonicalStore = os.Getenv("MEMSYNC_CANONICAL_STORE")
	cfg.AuxiliaryStores = envList("MEMSYNC_AUXILIARY_STORES")
	return &cfg, nil
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}

func envList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
