package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/becomeliminal/memsync/core"
	"github.com/becomeliminal/memsync/memory/embedder/mock"
	"github.com/becomeliminal/memsync/memory/syncer"
)

// Manager is the composition root: it owns the store registry, routes
// reads and writes to the right stores, and owns one synchronization manager.
//
// Manager implements syncer.Registry. Stores registered after construction
// are visible to the synchronization manager immediately.
type Manager struct {
	config   *Config
	logger   *slog.Logger
	embedder core.Embedder
	syncOpts []syncer.Option

	mu     sync.RWMutex
	names  []string
	stores map[string]core.Store

	sync *syncer.Manager
}

// Option configures a Manager.
type Option func(*Manager)

// WithEmbedder sets the embedder used for cross-store similarity queries.
func WithEmbedder(e core.Embedder) Option {
	return func(m *Manager) {
		m.embedder = e
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithSyncOptions passes extra options to the synchronization manager. They
// are applied after the ones derived from Config.
func WithSyncOptions(opts ...syncer.Option) Option {
	return func(m *Manager) {
		m.syncOpts = append(m.syncOpts, opts...)
	}
}

// NewManager creates a Manager with no stores registered. A nil config uses
// DefaultConfig.
func NewManager(config *Config, opts ...Option) *Manager {
	if config == nil {
		config = DefaultConfig
	}
	m := &Manager{
		config: config,
		logger: slog.Default(),
		stores: make(map[string]core.Store),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.embedder == nil {
		m.embedder = mock.NewWithDimensions(config.EmbeddingDimensions)
	}

	syncOpts := []syncer.Option{
		syncer.WithLogger(m.logger),
		syncer.WithCacheSize(config.CacheSize),
		syncer.WithAsync(config.AsyncMode),
		syncer.WithEmbedder(m.embedder),
	}
	if config.FlushDelay > 0 {
		syncOpts = append(syncOpts, syncer.WithFlushDelay(config.FlushDelay))
	}
	if config.QueryTopK > 0 {
		syncOpts = append(syncOpts, syncer.WithQueryTopK(config.QueryTopK))
	}
	if config.CanonicalStore != "" {
		syncOpts = append(syncOpts, syncer.WithCoreStores(config.CanonicalStore, config.AuxiliaryStores...))
	}
	m.sync = syncer.New(m, append(syncOpts, m.syncOpts...)...)
	m.logger = m.logger.With("component", "memory")
	return m
}

// Register adds a store under name. Registration order is preserved and
// decides routing and transaction order.
func (m *Manager) Register(name string, s core.Store) error {
	if name == "" {
		return errors.New("register: empty store name")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.stores[name]; ok {
		return fmt.Errorf("register %s: %w", name, core.ErrDuplicateStore)
	}
	m.stores[name] = s
	m.names = append(m.names, name)
	m.logger.Info("store registered", "store", name)
	return nil
}

// Unregister removes a store and reports whether it was registered. The
// store is not closed.
func (m *Manager) Unregister(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.stores[name]; !ok {
		return false
	}
	delete(m.stores, name)
	m.names = slices.DeleteFunc(m.names, func(n string) bool { return n == name })
	m.sync.ClearCache()
	m.logger.Info("store unregistered", "store", name)
	return true
}

// Adapter returns the store registered under name.
func (m *Manager) Adapter(name string) (core.Store, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.stores[name]
	return s, ok
}

// Names returns the registered store names in registration order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.names)
}

// each calls fn for every registered store in registration order until fn
// returns false.
func (m *Manager) each(fn func(name string, s core.Store) bool) {
	for _, name := range m.Names() {
		s, ok := m.Adapter(name)
		if !ok {
			continue
		}
		if !fn(name, s) {
			return
		}
	}
}

// Store saves r in the first registered store of Config.StorePreference, or
// the first registered store. Other stores only see it after a sync.
func (m *Manager) Store(ctx context.Context, r core.Record) (string, error) {
	name, ok := m.primary()
	if !ok {
		return "", fmt.Errorf("store: %w", core.ErrUnregisteredStore)
	}
	return m.StoreIn(ctx, name, r)
}

func (m *Manager) primary() (string, bool) {
	for _, name := range m.config.StorePreference {
		if _, ok := m.Adapter(name); ok {
			return name, true
		}
	}
	names := m.Names()
	if len(names) == 0 {
		return "", false
	}
	return names[0], true
}

// StoreIn saves r in the named store.
func (m *Manager) StoreIn(ctx context.Context, name string, r core.Record) (string, error) {
	s, ok := m.Adapter(name)
	if !ok {
		return "", fmt.Errorf("store in %s: %w", name, core.ErrUnregisteredStore)
	}
	id, err := s.Store(ctx, r)
	if err != nil {
		return "", fmt.Errorf("store in %s: %w", name, err)
	}
	m.sync.ClearCache()
	return id, nil
}

// Retrieve returns the record from the first store holding id, along with
// that store's name.
func (m *Manager) Retrieve(ctx context.Context, id string) (core.Record, string, bool, error) {
	var (
		found  core.Record
		source string
		err    error
	)
	m.each(func(name string, s core.Store) bool {
		r, ok, rerr := s.Retrieve(ctx, id)
		if rerr != nil {
			err = fmt.Errorf("retrieve %s from %s: %w", id, name, rerr)
			return false
		}
		if ok {
			found, source = r, name
			return false
		}
		return true
	})
	if err != nil {
		return core.Record{}, "", false, err
	}
	return found, source, source != "", nil
}

// Search runs q against every store and returns the hits tagged with their
// store, in registration order. The same record held by several stores
// appears once per store.
func (m *Manager) Search(ctx context.Context, q core.Query) ([]core.Result, error) {
	var (
		out []core.Result
		err error
	)
	m.each(func(name string, s core.Store) bool {
		records, serr := s.Search(ctx, q)
		if serr != nil {
			err = fmt.Errorf("search %s: %w", name, serr)
			return false
		}
		for _, r := range records {
			out = append(out, core.Result{Record: r, Source: name})
		}
		return true
	})
	return out, err
}

// QueryByKind returns every record of kind across stores.
func (m *Manager) QueryByKind(ctx context.Context, kind core.Kind) ([]core.Result, error) {
	return m.Search(ctx, core.Query{Kind: kind})
}

// QueryByMetadata returns every record whose metadata contains all of md.
func (m *Manager) QueryByMetadata(ctx context.Context, md map[string]any) ([]core.Result, error) {
	return m.Search(ctx, core.Query{Metadata: md})
}

// Delete removes id from every store and reports whether any store held it.
// Every store is attempted; failures are joined.
func (m *Manager) Delete(ctx context.Context, id string) (bool, error) {
	deleted := false
	var errs []error
	m.each(func(name string, s core.Store) bool {
		ok, err := s.Delete(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("delete %s from %s: %w", id, name, err))
		}
		deleted = deleted || ok
		return true
	})
	m.sync.ClearCache()
	return deleted, errors.Join(errs...)
}

// SimilaritySearch ranks records by similarity to embedding in the
// configured vector store, or the first store that supports it.
func (m *Manager) SimilaritySearch(ctx context.Context, embedding []float32, topK int) ([]core.Result, error) {
	name, ss, ok := m.vectorStore()
	if !ok {
		return nil, fmt.Errorf("similarity search: %w", core.ErrUnsupported)
	}
	res, err := ss.SimilaritySearch(ctx, embedding, topK)
	if err != nil {
		return nil, fmt.Errorf("similarity search %s: %w", name, err)
	}
	return res, nil
}

// SimilarTo embeds text with the manager's embedder and runs SimilaritySearch.
func (m *Manager) SimilarTo(ctx context.Context, text string, topK int) ([]core.Result, error) {
	embedding, err := m.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return m.SimilaritySearch(ctx, embedding, topK)
}

func (m *Manager) vectorStore() (string, core.SimilaritySearcher, bool) {
	if s, ok := m.Adapter(m.config.VectorStore); ok {
		if ss, ok := s.(core.SimilaritySearcher); ok {
			return m.config.VectorStore, ss, true
		}
	}
	var (
		name  string
		found core.SimilaritySearcher
	)
	m.each(func(n string, s core.Store) bool {
		if ss, ok := s.(core.SimilaritySearcher); ok {
			name, found = n, ss
			return false
		}
		return true
	})
	return name, found, found != nil
}

func (m *Manager) relationStore() (string, core.RelationStore, bool) {
	var (
		name  string
		found core.RelationStore
	)
	m.each(func(n string, s core.Store) bool {
		if rs, ok := s.(core.RelationStore); ok {
			name, found = n, rs
			return false
		}
		return true
	})
	return name, found, found != nil
}

// AddRelation records a typed edge in the first store that keeps relations.
func (m *Manager) AddRelation(ctx context.Context, from, to, relation string) error {
	name, rs, ok := m.relationStore()
	if !ok {
		return fmt.Errorf("add relation: %w", core.ErrUnsupported)
	}
	if err := rs.AddRelation(ctx, from, to, relation); err != nil {
		return fmt.Errorf("add relation in %s: %w", name, err)
	}
	return nil
}

// QueryRelated returns the records related to id in the first store that
// keeps relations.
func (m *Manager) QueryRelated(ctx context.Context, id string) ([]core.Record, error) {
	name, rs, ok := m.relationStore()
	if !ok {
		return nil, fmt.Errorf("query related: %w", core.ErrUnsupported)
	}
	out, err := rs.Related(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("query related in %s: %w", name, err)
	}
	return out, nil
}

// Sync returns the synchronization manager.
func (m *Manager) Sync() *syncer.Manager { return m.sync }

// Synchronize syncs source into target, and back when bidirectional.
func (m *Manager) Synchronize(ctx context.Context, source, target string, bidirectional bool) (map[string]int, error) {
	return m.sync.Synchronize(ctx, source, target, bidirectional)
}

// SynchronizeCore merges the auxiliary stores into the canonical store.
func (m *Manager) SynchronizeCore(ctx context.Context) (map[string]int, error) {
	return m.sync.SynchronizeCore(ctx)
}

// UpdateItem writes r to store and propagates it to every other store.
func (m *Manager) UpdateItem(ctx context.Context, store string, r core.Record) (bool, error) {
	return m.sync.UpdateItem(ctx, store, r)
}

// QueueUpdate defers an UpdateItem until the next flush.
func (m *Manager) QueueUpdate(ctx context.Context, store string, r core.Record) {
	m.sync.QueueUpdate(ctx, store, r)
}

// FlushUpdates applies every queued update.
func (m *Manager) FlushUpdates(ctx context.Context) error {
	return m.sync.FlushQueue(ctx)
}

// FlushUpdatesAsync applies every queued update on another goroutine.
func (m *Manager) FlushUpdatesAsync(ctx context.Context) <-chan error {
	return m.sync.FlushQueueAsync(ctx)
}

// CrossStoreQuery queries the named stores, or all of them.
func (m *Manager) CrossStoreQuery(ctx context.Context, query string, stores []string) (syncer.QueryResults, error) {
	return m.sync.CrossStoreQuery(ctx, query, stores)
}

// CrossStoreQueryAsync queries the named stores concurrently.
func (m *Manager) CrossStoreQueryAsync(ctx context.Context, query string, stores []string) (syncer.QueryResults, error) {
	return m.sync.CrossStoreQueryAsync(ctx, query, stores)
}

// Transaction runs fn with the named stores inside one transaction.
func (m *Manager) Transaction(ctx context.Context, stores []string, fn func(context.Context, syncer.Handles) error) error {
	return m.sync.Transaction(ctx, stores, fn)
}

// BeginTransaction starts an explicit transaction over every store.
func (m *Manager) BeginTransaction(ctx context.Context, id string) (string, error) {
	return m.sync.BeginTransaction(ctx, id)
}

// CommitTransaction commits an explicit transaction.
func (m *Manager) CommitTransaction(ctx context.Context, id string) error {
	return m.sync.CommitTransaction(ctx, id)
}

// RollbackTransaction rolls back an explicit transaction.
func (m *Manager) RollbackTransaction(ctx context.Context, id string) error {
	return m.sync.RollbackTransaction(ctx, id)
}

// SyncStats returns the synchronization counters.
func (m *Manager) SyncStats() syncer.Stats { return m.sync.Stats() }

// OnSync registers a hook fired after syncs and updates.
func (m *Manager) OnSync(h syncer.Hook) { m.sync.OnSync(h) }

// Close waits for scheduled flushes and closes every store holding
// external resources. Failures are joined.
func (m *Manager) Close(ctx context.Context) error {
	var errs []error
	if err := m.sync.WaitForAsync(ctx); err != nil {
		errs = append(errs, fmt.Errorf("wait for async flushes: %w", err))
	}
	m.each(func(name string, s core.Store) bool {
		if c, ok := s.(core.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", name, err))
			}
		}
		return true
	})
	return errors.Join(errs...)
}
