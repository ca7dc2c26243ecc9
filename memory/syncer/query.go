package syncer

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/becomeliminal/memsync/core"
	"github.com/becomeliminal/memsync/memory/embedder/mock"
)

func cacheKey(query string, stores []string) string {
	if len(stores) == 0 {
		return query + ":all"
	}
	sorted := append([]string(nil), stores...)
	sort.Strings(sorted)
	return query + ":" + strings.Join(sorted, ",")
}

// CrossStoreQuery runs query against the named stores, or every store when
// none are named, and returns each store's hits. Similarity stores are
// queried with an embedding of the text, others with a text search. Results
// are cached by query and store set until the next write; a hit returns the
// cached map, which callers must not modify.
func (m *Manager) CrossStoreQuery(ctx context.Context, query string, stores []string) (QueryResults, error) {
	key := cacheKey(query, stores)
	if res, ok := m.cache.Get(key); ok {
		m.metrics.cacheRequests.WithLabelValues("hit").Inc()
		return res, nil
	}
	m.metrics.cacheRequests.WithLabelValues("miss").Inc()

	results := make(QueryResults)
	for _, name := range m.targets(stores) {
		s, _ := m.registry.Adapter(name)
		hits, err := m.queryStore(ctx, name, s, query)
		if err != nil {
			return nil, err
		}
		results[name] = hits
	}
	m.cache.Put(key, results)
	return results, nil
}

// CrossStoreQueryAsync is CrossStoreQuery with the per-store queries run
// concurrently. The result set is identical.
func (m *Manager) CrossStoreQueryAsync(ctx context.Context, query string, stores []string) (QueryResults, error) {
	key := cacheKey(query, stores)
	if res, ok := m.cache.Get(key); ok {
		m.metrics.cacheRequests.WithLabelValues("hit").Inc()
		return res, nil
	}
	m.metrics.cacheRequests.WithLabelValues("miss").Inc()

	names := m.targets(stores)
	hits := make([][]core.Result, len(names))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range names {
		s, _ := m.registry.Adapter(name)
		g.Go(func() error {
			res, err := m.queryStore(gctx, name, s, query)
			if err != nil {
				return err
			}
			hits[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	results := make(QueryResults, len(names))
	for i, name := range names {
		results[name] = hits[i]
	}
	m.cache.Put(key, results)
	return results, nil
}

// targets resolves the stores to query, dropping unknown names.
func (m *Manager) targets(stores []string) []string {
	if len(stores) == 0 {
		return m.registry.Names()
	}
	var out []string
	seen := make(map[string]bool)
	for _, name := range stores {
		if seen[name] {
			continue
		}
		seen[name] = true
		if _, ok := m.registry.Adapter(name); !ok {
			m.logger.Debug("skipping unknown store in query", "store", name)
			continue
		}
		out = append(out, name)
	}
	return out
}

func (m *Manager) queryStore(ctx context.Context, name string, s core.Store, query string) ([]core.Result, error) {
	if ss, ok := s.(core.SimilaritySearcher); ok {
		embedding, err := m.embed(ctx, query, ss.Dimensions())
		if err != nil {
			return nil, fmt.Errorf("embed query for %s: %w", name, err)
		}
		res, err := ss.SimilaritySearch(ctx, embedding, m.queryTopK)
		if err != nil {
			return nil, fmt.Errorf("similarity search %s: %w", name, err)
		}
		for i := range res {
			if res[i].Source == "" {
				res[i].Source = name
			}
		}
		return res, nil
	}
	records, err := s.Search(ctx, core.Query{Text: query})
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", name, err)
	}
	out := make([]core.Result, len(records))
	for i, r := range records {
		out[i] = core.Result{Record: r, Source: name}
	}
	return out, nil
}

// embed uses the configured embedder, falling back to a deterministic hash
// embedding when the store expects a different size.
func (m *Manager) embed(ctx context.Context, text string, dims int) ([]float32, error) {
	if dims <= 0 || dims == m.embedder.Dimensions() {
		return m.embedder.Embed(ctx, text)
	}
	m.logger.Debug("embedding size mismatch, using fallback", "want", dims, "have", m.embedder.Dimensions())
	return mock.NewWithDimensions(dims).Embed(ctx, text)
}
