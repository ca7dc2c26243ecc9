// Package chromem is the vector-similarity store, backed by chromem-go.
//
// Records are embedded with the configured Embedder and kept in one
// collection; raw vectors are kept in a second collection. Every document
// carries the full JSON encoding of its record so it can be decoded without
// loss, since chromem normalizes the embeddings it indexes.
package chromem

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"

	"github.com/becomeliminal/memsync/core"
	"github.com/becomeliminal/memsync/memory/embedder/mock"
)

const (
	itemsCollection   = "items"
	vectorsCollection = "vectors"
)

// ChromemStore wraps chromem-go for vector storage.
type ChromemStore struct {
	name     string
	db       *chromem.DB
	items    *chromem.Collection
	vectors  *chromem.Collection
	embedder core.Embedder
	logger   *slog.Logger

	// chromem has no id listing, so ids are tracked here.
	mu        sync.RWMutex
	itemIDs   map[string]struct{}
	vectorIDs map[string]struct{}
}

// Option configures a ChromemStore.
type Option func(*ChromemStore)

// WithEmbedder sets the embedder used for records. Defaults to the mock embedder.
func WithEmbedder(e core.Embedder) Option {
	return func(s *ChromemStore) {
		s.embedder = e
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *ChromemStore) {
		s.logger = l
	}
}

// New creates an in-memory chromem-based store.
func New(name string, opts ...Option) (*ChromemStore, error) {
	return open(name, chromem.NewDB(), opts...)
}

func open(name string, db *chromem.DB, opts ...Option) (*ChromemStore, error) {
	s := &ChromemStore{
		name:      name,
		db:        db,
		embedder:  mock.New(),
		logger:    slog.Default(),
		itemIDs:   make(map[string]struct{}),
		vectorIDs: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "chromem", "store", name)

	var err error
	// No embedding func: embeddings are always supplied.
	// No distance func: chromem defaults to cosine.
	if s.items, err = db.GetOrCreateCollection(itemsCollection, nil, nil); err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	if s.vectors, err = db.GetOrCreateCollection(vectorsCollection, nil, nil); err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	return s, nil
}

// Name returns the store name.
func (s *ChromemStore) Name() string { return s.name }

// Dimensions returns the embedding size of indexed records.
func (s *ChromemStore) Dimensions() int { return s.embedder.Dimensions() }

// Store embeds and saves a record.
func (s *ChromemStore) Store(ctx context.Context, r core.Record) (string, error) {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	// Serialize the full record as document content
	payload, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("serialize record: %w", err)
	}
	// Embed the text form of the content
	embedding, err := s.embedder.Embed(ctx, core.ContentText(r.Content))
	if err != nil {
		return "", fmt.Errorf("embed record: %w", err)
	}

	s.logger.Debug("storing record", "id", r.ID, "kind", r.Kind)

	// Create chromem document; metadata is indexed for where filters
	doc := chromem.Document{
		ID:        r.ID,
		Content:   string(payload),
		Embedding: embedding,
		Metadata: map[string]string{
			"kind":       string(r.Kind),
			"created_at": r.CreatedAt.Format(time.RFC3339Nano),
		},
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.items.AddDocument(ctx, doc); err != nil {
		return "", fmt.Errorf("add document: %w", err)
	}
	s.itemIDs[r.ID] = struct{}{}
	return r.ID, nil
}

// Retrieve returns a record by id.
func (s *ChromemStore) Retrieve(ctx context.Context, id string) (core.Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	// GetByID errors on unknown ids, so check the id set first
	if _, ok := s.itemIDs[id]; !ok {
		return core.Record{}, false, nil
	}
	doc, err := s.items.GetByID(ctx, id)
	if err != nil {
		return core.Record{}, false, fmt.Errorf("get document: %w", err)
	}
	r, err := decodeRecord(doc.Content)
	if err != nil {
		return core.Record{}, false, err
	}
	return r, true, nil
}

// Search scans every record and returns those matching q, ordered by id.
func (s *ChromemStore) Search(ctx context.Context, q core.Query) ([]core.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	// chromem has no scan, so walk the id set in order
	var out []core.Record
	for _, id := range sortedIDs(s.itemIDs) {
		doc, err := s.items.GetByID(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("get document: %w", err)
		}
		r, err := decodeRecord(doc.Content)
		if err != nil {
			s.logger.Warn("skipping undecodable document", "id", id, "error", err)
			continue
		}
		if q.Matches(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

// AllItems returns every record.
func (s *ChromemStore) AllItems(ctx context.Context) ([]core.Record, error) {
	return s.Search(ctx, core.Query{})
}

// Delete removes a record.
func (s *ChromemStore) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.itemIDs[id]; !ok {
		return false, nil
	}
	if err := s.items.Delete(ctx, nil, nil, id); err != nil {
		return false, fmt.Errorf("delete document: %w", err)
	}
	delete(s.itemIDs, id)
	return true, nil
}

// SimilaritySearch returns up to topK records ranked by cosine similarity.
// chromem requires nResults <= collection size, so topK is clamped.
func (s *ChromemStore) SimilaritySearch(ctx context.Context, embedding []float32, topK int) ([]core.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := min(topK, s.items.Count())
	if n <= 0 {
		// Collection is empty
		return nil, nil
	}
	// Query chromem with embedding
	results, err := s.items.QueryEmbedding(ctx, embedding, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query: %w", err)
	}
	// Convert results, already ordered by similarity
	out := make([]core.Result, 0, len(results))
	for i, res := range results {
		// Deserialize record
		r, err := decodeRecord(res.Content)
		if err != nil {
			s.logger.Warn("skipping result", "rank", i+1, "error", err)
			continue
		}
		out = append(out, core.Result{Record: r, Similarity: res.Similarity, Source: s.name})
	}
	s.logger.Debug("similarity search", "requested", topK, "returned", len(out))
	return out, nil
}

// StoreVector saves a raw vector.
func (s *ChromemStore) StoreVector(ctx context.Context, v core.VectorRecord) (string, error) {
	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	// Keep the raw vector in content; chromem normalizes the indexed copy
	payload, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("serialize vector: %w", err)
	}
	embedding := append([]float32(nil), v.Embedding...)
	if len(embedding) == 0 {
		// chromem would otherwise try to compute one
		embedding = []float32{1}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := chromem.Document{ID: v.ID, Content: string(payload), Embedding: embedding}
	if err := s.vectors.AddDocument(ctx, doc); err != nil {
		return "", fmt.Errorf("add vector: %w", err)
	}
	s.vectorIDs[v.ID] = struct{}{}
	return v.ID, nil
}

// RetrieveVector returns a raw vector by id.
func (s *ChromemStore) RetrieveVector(ctx context.Context, id string) (core.VectorRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.vectorIDs[id]; !ok {
		return core.VectorRecord{}, false, nil
	}
	doc, err := s.vectors.GetByID(ctx, id)
	if err != nil {
		return core.VectorRecord{}, false, fmt.Errorf("get vector: %w", err)
	}
	// Decode the raw vector from content
	var v core.VectorRecord
	if err := json.Unmarshal([]byte(doc.Content), &v); err != nil {
		return core.VectorRecord{}, false, fmt.Errorf("unmarshal vector: %w", err)
	}
	return v, true, nil
}

// DeleteVector removes a raw vector.
func (s *ChromemStore) DeleteVector(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.vectorIDs[id]; !ok {
		return false, nil
	}
	if err := s.vectors.Delete(ctx, nil, nil, id); err != nil {
		return false, fmt.Errorf("delete vector: %w", err)
	}
	delete(s.vectorIDs, id)
	return true, nil
}

// AllVectors returns every raw vector ordered by id.
func (s *ChromemStore) AllVectors(ctx context.Context) ([]core.VectorRecord, error) {
	s.mu.RLock()
	ids := sortedIDs(s.vectorIDs)
	s.mu.RUnlock()
	out := make([]core.VectorRecord, 0, len(ids))
	for _, id := range ids {
		v, ok, err := s.RetrieveVector(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, v)
		}
	}
	return out, nil
}

// Close releases resources.
func (s *ChromemStore) Close() error {
	// chromem-go keeps everything in memory or flushes on write, nothing to close
	return nil
}

// decodeRecord converts stored document content back to a record.
func decodeRecord(content string) (core.Record, error) {
	var r core.Record
	if err := json.Unmarshal([]byte(content), &r); err != nil {
		return core.Record{}, fmt.Errorf("unmarshal record: %w", err)
	}
	return r, nil
}

// sortedIDs returns the ids of set in ascending order.
func sortedIDs(set map[string]struct{}) []string {
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
