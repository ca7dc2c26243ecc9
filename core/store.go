package core

import "context"

// Store is the contract every backend adapter implements.
// Implementations: memstore (key-value), graph, sqlstore (document/table),
// chromem (vector similarity), blob (object storage).
type Store interface {
	// Store saves r, replacing any record with the same ID, and returns the
	// ID under which it was stored. An empty ID is assigned by the store.
	Store(ctx context.Context, r Record) (string, error)

	// Retrieve returns the record with the given ID. The bool is false when
	// no such record exists.
	Retrieve(ctx context.Context, id string) (Record, bool, error)

	// Search returns every record matching q.
	Search(ctx context.Context, q Query) ([]Record, error)

	// Delete removes the record and reports whether it existed.
	Delete(ctx context.Context, id string) (bool, error)
}

// Transactional is implemented by stores with native begin/commit/rollback.
type Transactional interface {
	BeginTransaction(ctx context.Context, txID string) error
	CommitTransaction(ctx context.Context, txID string) error
	RollbackTransaction(ctx context.Context, txID string) error
}

// ItemLister enumerates every record. Stores without it are enumerated with
// an empty Query.
type ItemLister interface {
	AllItems(ctx context.Context) ([]Record, error)
}

// VectorStore is implemented by stores that hold embeddings.
type VectorStore interface {
	StoreVector(ctx context.Context, v VectorRecord) (string, error)
	RetrieveVector(ctx context.Context, id string) (VectorRecord, bool, error)
	DeleteVector(ctx context.Context, id string) (bool, error)
	AllVectors(ctx context.Context) ([]VectorRecord, error)
}

// SimilaritySearcher is implemented by stores that rank records by
// embedding similarity.
type SimilaritySearcher interface {
	SimilaritySearch(ctx context.Context, embedding []float32, topK int) ([]Result, error)

	// Dimensions is the embedding size the store expects. Zero means any.
	Dimensions() int
}

// RelationStore is implemented by stores that keep typed edges between records.
type RelationStore interface {
	AddRelation(ctx context.Context, from, to, relation string) error
	Related(ctx context.Context, id string) ([]Record, error)
}

// Named is implemented by stores that know their registry name.
type Named interface {
	Name() string
}

// Closer is implemented by stores holding external resources.
type Closer interface {
	Close() error
}

// Embedder converts text to vector embeddings.
// Implementations: mock (deterministic hash), cached (memoising decorator).
type Embedder interface {
	// Embed converts a single text to embedding vector.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns embedding vector size.
	Dimensions() int
}
