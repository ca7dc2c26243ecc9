// Package syncer keeps registered stores consistent with each other.
//
// A Manager copies records between stores with deterministic conflict
// resolution, brackets multi-store writes in transactions that roll every
// participant back on failure, propagates single-item updates directly or
// through a FIFO queue, and memoises cross-store queries in an LRU cache.
package syncer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/becomeliminal/memsync/core"
	"github.com/becomeliminal/memsync/memory/cache"
	"github.com/becomeliminal/memsync/memory/embedder/mock"
)

// Registry resolves store names. Names must return registration order.
type Registry interface {
	Adapter(name string) (core.Store, bool)
	Names() []string
}

// Stats are monotonically increasing counters owned by one Manager.
type Stats struct {
	Synchronized int `json:"synchronized"`
	Conflicts    int `json:"conflicts"`
}

// ConflictRecord describes one resolved conflict. Entries are never mutated.
type ConflictRecord struct {
	ID         string      `json:"id"`
	Existing   core.Record `json:"existing"`
	Incoming   core.Record `json:"incoming"`
	Chosen     core.Record `json:"chosen"`
	DetectedAt time.Time   `json:"detected_at"`
}

// Hook is notified after a sync or an update. r is nil for bulk operations.
// Errors are logged and otherwise ignored.
type Hook func(ctx context.Context, r *core.Record) error

// QueryResults maps store names to the hits each store returned.
type QueryResults map[string][]core.Result

// Default settings.
const (
	DefaultFlushDelay = 100 * time.Millisecond
	DefaultQueryTopK  = 5
)

// Manager is the synchronization manager. It is safe for concurrent use,
// except that concurrent transactions over overlapping stores are not
// mutually excluded.
type Manager struct {
	registry   Registry
	logger     *slog.Logger
	embedder   core.Embedder
	cache      *cache.Tiered[QueryResults]
	cacheSize  int
	asyncMode  bool
	flushDelay time.Duration
	queryTopK  int
	canonical  string
	auxiliary  []string
	now        func() time.Time
	registerer prometheus.Registerer
	metrics    *metrics

	statsMu   sync.Mutex
	stats     Stats
	conflicts []ConflictRecord

	queueMu sync.Mutex
	queue   []pendingUpdate

	txMu   sync.Mutex
	active map[string]*activeTx

	hookMu sync.RWMutex
	hooks  []Hook

	// timerMu guards the debounce timer, the done channel of the flush it
	// will run, and every scheduled flush that has not finished yet.
	timerMu   sync.Mutex
	timer     *time.Timer
	timerDone chan struct{}
	pending   []chan struct{}
	asyncErrs []error
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithCacheSize bounds the cross-store query cache.
func WithCacheSize(n int) Option {
	return func(m *Manager) {
		m.cacheSize = n
	}
}

// WithAsync makes QueueUpdate schedule a debounced flush.
func WithAsync(enabled bool) Option {
	return func(m *Manager) {
		m.asyncMode = enabled
	}
}

// WithFlushDelay sets the debounce delay used in async mode.
func WithFlushDelay(d time.Duration) Option {
	return func(m *Manager) {
		m.flushDelay = d
	}
}

// WithQueryTopK sets how many hits similarity stores return per query.
func WithQueryTopK(k int) Option {
	return func(m *Manager) {
		m.queryTopK = k
	}
}

// WithEmbedder sets the embedder used for similarity queries.
func WithEmbedder(e core.Embedder) Option {
	return func(m *Manager) {
		m.embedder = e
	}
}

// WithCoreStores names the canonical store and the auxiliary stores that
// SynchronizeCore merges into it.
func WithCoreStores(canonical string, auxiliary ...string) Option {
	return func(m *Manager) {
		m.canonical = canonical
		m.auxiliary = append([]string(nil), auxiliary...)
	}
}

// WithRegisterer registers the manager's metrics.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(m *Manager) {
		m.registerer = r
	}
}

// WithClock overrides the clock used to timestamp conflicts.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithHook registers a sync hook.
func WithHook(h Hook) Option {
	return func(m *Manager) {
		m.hooks = append(m.hooks, h)
	}
}

// New creates a Manager over registry.
func New(registry Registry, opts ...Option) *Manager {
	m := &Manager{
		registry:   registry,
		logger:     slog.Default(),
		embedder:   mock.New(),
		cacheSize:  cache.DefaultSize,
		flushDelay: DefaultFlushDelay,
		queryTopK:  DefaultQueryTopK,
		now:        time.Now,
		active:     make(map[string]*activeTx),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "syncer")
	m.cache = cache.New[QueryResults](m.cacheSize)
	m.metrics = newMetrics(m.registerer)
	return m
}

// Stats returns a copy of the counters.
func (m *Manager) Stats() Stats {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	return m.stats
}

// ConflictLog returns a copy of every resolved conflict, oldest first.
func (m *Manager) ConflictLog() []ConflictRecord {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	return append([]ConflictRecord(nil), m.conflicts...)
}

// OnSync registers a hook.
func (m *Manager) OnSync(h Hook) {
	m.hookMu.Lock()
	m.hooks = append(m.hooks, h)
	m.hookMu.Unlock()
}

func (m *Manager) notify(ctx context.Context, r *core.Record) {
	m.hookMu.RLock()
	hooks := append([]Hook(nil), m.hooks...)
	m.hookMu.RUnlock()
	for _, h := range hooks {
		if err := h(ctx, r); err != nil {
			m.logger.Warn("sync hook failed", "error", err)
		}
	}
}

func (m *Manager) addSynchronized(n int) {
	if n == 0 {
		return
	}
	m.statsMu.Lock()
	m.stats.Synchronized += n
	m.statsMu.Unlock()
	m.metrics.synchronized.Add(float64(n))
}

// ClearCache empties the cross-store query cache.
func (m *Manager) ClearCache() {
	m.cache.Clear()
}

// CacheSize returns the number of cached query results.
func (m *Manager) CacheSize() int {
	return m.cache.Size()
}
