package syncer_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/memsync/core"
	"github.com/becomeliminal/memsync/memory/store/chromem"
	"github.com/becomeliminal/memsync/memory/store/graph"
	"github.com/becomeliminal/memsync/memory/store/memstore"
	"github.com/becomeliminal/memsync/memory/store/sqlstore"
	"github.com/becomeliminal/memsync/memory/syncer"
)

// kvStore lets faultyStore embed a memstore without the field name
// shadowing the Store method.
type kvStore = memstore.Store

// faultyStore is a memstore with native transactions whose begin or commit
// can be made to fail.
type faultyStore struct {
	*kvStore
	failBegin  bool
	failCommit bool
	rolledBack []string
}

func (f *faultyStore) BeginTransaction(context.Context, string) error {
	if f.failBegin {
		return errors.New("begin refused")
	}
	return nil
}

func (f *faultyStore) CommitTransaction(context.Context, string) error {
	if f.failCommit {
		return errors.New("commit refused")
	}
	return nil
}

func (f *faultyStore) RollbackTransaction(_ context.Context, txID string) error {
	f.rolledBack = append(f.rolledBack, txID)
	return nil
}

var errBoom = errors.New("boom")

func TestTransactionCommits(t *testing.T) {
	ctx := context.Background()
	kv, g := memstore.New("kv"), graph.New("graph")
	m := syncer.New(newRegistry(kv, g))

	err := m.Transaction(ctx, []string{"graph", "kv"}, func(ctx context.Context, h syncer.Handles) error {
		require.Len(t, h, 2)
		assert.True(t, h["graph"].Native())
		assert.False(t, h["kv"].Native())
		mustStore(t, kv, core.Record{ID: "a", Content: "kv"})
		mustStore(t, g, core.Record{ID: "b", Content: "graph"})
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, kv.Len())
	assert.False(t, g.InTransaction())
	_, ok, _ := g.Retrieve(ctx, "b")
	assert.True(t, ok)
}

func TestTransactionRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	kv, g := memstore.New("kv"), graph.New("graph")
	mustStore(t, kv, core.Record{ID: "keep", Content: "before"})
	m := syncer.New(newRegistry(kv, g))
	m.QueueUpdate(ctx, "kv", core.Record{ID: "queued", Content: "q"})

	err := m.Transaction(ctx, []string{"kv", "graph"}, func(context.Context, syncer.Handles) error {
		mustStore(t, kv, core.Record{ID: "keep", Content: "after"})
		mustStore(t, kv, core.Record{ID: "extra"})
		mustStore(t, g, core.Record{ID: "node"})
		return errBoom
	})
	assert.Same(t, errBoom, err)
	assert.Equal(t, "before", content(t, kv, "keep"))
	assert.Equal(t, 1, kv.Len())
	_, ok, _ := g.Retrieve(ctx, "node")
	assert.False(t, ok)
	assert.Zero(t, m.QueueLen(), "rollback discards queued updates")
}

func TestTransactionRollbackRestoresMixedStores(t *testing.T) {
	ctx := context.Background()
	sql, err := sqlstore.OpenSQLite(ctx, "sql", "")
	require.NoError(t, err)
	t.Cleanup(func() { sql.Close() })
	vec, err := chromem.New("vec")
	require.NoError(t, err)
	g := graph.New("graph")

	before := core.Record{ID: "r1", Content: "original", Metadata: map[string]any{"owner": "alice"}, CreatedAt: t0}
	stores := []core.Store{sql, vec, g}
	for _, s := range stores {
		mustStore(t, s, before)
	}
	v1 := core.VectorRecord{ID: "v1", Content: "vector", Embedding: []float32{0.5, 0.25}, Metadata: map[string]any{"model": "a"}}
	for _, vs := range []core.VectorStore{sql, vec} {
		_, err := vs.StoreVector(ctx, v1)
		require.NoError(t, err)
	}
	m := syncer.New(newRegistry(sql, vec, g))

	err = m.Transaction(ctx, []string{"sql", "vec", "graph"}, func(ctx context.Context, h syncer.Handles) error {
		assert.True(t, h["sql"].Native())
		assert.False(t, h["vec"].Native())
		assert.True(t, h["graph"].Native())
		for _, s := range stores {
			mustStore(t, s, core.Record{ID: "r1", Content: "changed", Metadata: map[string]any{"owner": "mallory"}, CreatedAt: t1})
			mustStore(t, s, core.Record{ID: "r2", Content: "added", CreatedAt: t1})
		}
		for _, vs := range []core.VectorStore{sql, vec} {
			_, err := vs.StoreVector(ctx, core.VectorRecord{ID: "v1", Content: "vector", Embedding: []float32{1, 0}})
			require.NoError(t, err)
			_, err = vs.StoreVector(ctx, core.VectorRecord{ID: "v2", Content: "added", Embedding: []float32{0, 1}})
			require.NoError(t, err)
		}
		return errBoom
	})
	require.ErrorIs(t, err, errBoom)

	for _, s := range stores {
		name := s.(core.Named).Name()
		got, ok, err := s.Retrieve(ctx, "r1")
		require.NoError(t, err)
		require.True(t, ok, name)
		assert.Equal(t, "original", got.Content, name)
		assert.Equal(t, "alice", got.Metadata["owner"], name)
		assert.True(t, got.CreatedAt.Equal(t0), name)

		_, ok, err = s.Retrieve(ctx, "r2")
		require.NoError(t, err)
		assert.False(t, ok, "%s kept a record added in the transaction", name)
	}
	for _, vs := range []core.VectorStore{sql, vec} {
		name := vs.(core.Named).Name()
		got, ok, err := vs.RetrieveVector(ctx, "v1")
		require.NoError(t, err)
		require.True(t, ok, name)
		assert.Equal(t, []float32{0.5, 0.25}, got.Embedding, name)
		assert.Equal(t, "a", got.Metadata["model"], name)

		all, err := vs.AllVectors(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 1, "%s kept a vector added in the transaction", name)
	}
	assert.False(t, sql.InTransaction())
	assert.False(t, g.InTransaction())
}

func TestTransactionRollsBackOnPanic(t *testing.T) {
	ctx := context.Background()
	kv, g := memstore.New("kv"), graph.New("graph")
	m := syncer.New(newRegistry(kv, g))

	assert.PanicsWithValue(t, "kaboom", func() {
		_ = m.Transaction(ctx, []string{"kv", "graph"}, func(context.Context, syncer.Handles) error {
			mustStore(t, kv, core.Record{ID: "a"})
			mustStore(t, g, core.Record{ID: "b"})
			panic("kaboom")
		})
	})
	assert.Zero(t, kv.Len())
	assert.False(t, g.InTransaction())
	_, ok, _ := g.Retrieve(ctx, "b")
	assert.False(t, ok)
}

func TestTransactionPrepareFailureRollsBackEntered(t *testing.T) {
	ctx := context.Background()
	g := graph.New("graph")
	bad := &faultyStore{kvStore: memstore.New("bad"), failBegin: true}
	m := syncer.New(newRegistry(g, bad))

	called := false
	err := m.Transaction(ctx, []string{"bad", "graph"}, func(context.Context, syncer.Handles) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.True(t, core.IsPrepare(err))
	var txErr *core.TransactionError
	require.ErrorAs(t, err, &txErr)
	assert.Equal(t, "bad", txErr.Store)
	assert.False(t, called)
	assert.False(t, g.InTransaction(), "graph entered first must be rolled back")
}

func TestTransactionCommitFailureRollsBackRest(t *testing.T) {
	ctx := context.Background()
	kv := memstore.New("kv")
	bad := &faultyStore{kvStore: memstore.New("bad"), failCommit: true}
	m := syncer.New(newRegistry(kv, bad))

	err := m.Transaction(ctx, []string{"kv", "bad"}, func(context.Context, syncer.Handles) error {
		mustStore(t, kv, core.Record{ID: "a"})
		return nil
	})
	require.Error(t, err)
	assert.True(t, core.IsCommit(err))
	assert.Zero(t, kv.Len(), "snapshot store restored after failed commit")
	assert.Len(t, bad.rolledBack, 1)
}

func TestSingleStoreTransaction(t *testing.T) {
	ctx := context.Background()
	bad := &faultyStore{kvStore: memstore.New("bad"), failCommit: true}
	m := syncer.New(newRegistry(bad))
	m.QueueUpdate(ctx, "bad", core.Record{ID: "q"})

	err := m.Transaction(ctx, []string{"bad"}, func(context.Context, syncer.Handles) error { return nil })
	require.Error(t, err)
	assert.True(t, core.IsCommit(err))
	assert.Len(t, bad.rolledBack, 1)
	assert.Zero(t, m.QueueLen(), "failed commit discards queued updates")

	bad.failBegin = true
	called := false
	err = m.Transaction(ctx, []string{"bad"}, func(context.Context, syncer.Handles) error {
		called = true
		return nil
	})
	assert.True(t, core.IsPrepare(err))
	assert.False(t, called)

	kv := memstore.New("kv")
	m = syncer.New(newRegistry(kv))
	assert.PanicsWithValue(t, "kaboom", func() {
		_ = m.Transaction(ctx, []string{"kv"}, func(context.Context, syncer.Handles) error {
			mustStore(t, kv, core.Record{ID: "a"})
			panic("kaboom")
		})
	})
	assert.Zero(t, kv.Len())
}

func TestTransactionSkipsUnknownStores(t *testing.T) {
	kv := memstore.New("kv")
	m := syncer.New(newRegistry(kv))
	err := m.Transaction(context.Background(), []string{"kv", "ghost"}, func(_ context.Context, h syncer.Handles) error {
		assert.Len(t, h, 1)
		assert.Contains(t, h, "kv")
		return nil
	})
	require.NoError(t, err)
}

func TestTransactionCommitFlushesQueue(t *testing.T) {
	ctx := context.Background()
	a, b := memstore.New("a"), memstore.New("b")
	m := syncer.New(newRegistry(a, b))
	m.QueueUpdate(ctx, "a", core.Record{ID: "q", Content: "queued", CreatedAt: t0})

	require.NoError(t, m.Transaction(ctx, []string{"a"}, func(context.Context, syncer.Handles) error { return nil }))
	assert.Zero(t, m.QueueLen())
	assert.Equal(t, "queued", content(t, b, "q"))
}

func TestExplicitTransactionCommit(t *testing.T) {
	ctx := context.Background()
	a, b := memstore.New("a"), memstore.New("b")
	m := syncer.New(newRegistry(a, b))

	id, err := m.BeginTransaction(ctx, "")
	require.NoError(t, err)
	require.NotEmpty(t, id)
	assert.True(t, m.IsTransactionActive(id))

	again, err := m.BeginTransaction(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, again)
	assert.Equal(t, []string{id}, m.ActiveTransactions())

	m.QueueUpdate(ctx, "a", core.Record{ID: "q", Content: "queued", CreatedAt: t0})
	require.NoError(t, m.CommitTransaction(ctx, id))
	assert.False(t, m.IsTransactionActive(id))
	assert.Zero(t, m.QueueLen())
	assert.Equal(t, "queued", content(t, b, "q"))

	err = m.CommitTransaction(ctx, id)
	assert.ErrorIs(t, err, core.ErrTransactionNotFound)
}

func TestExplicitTransactionRollback(t *testing.T) {
	ctx := context.Background()
	a, g := memstore.New("a"), graph.New("graph")
	m := syncer.New(newRegistry(a, g))

	id, err := m.BeginTransaction(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, "tx-1", id)
	assert.True(t, g.InTransaction())

	mustStore(t, a, core.Record{ID: "a1"})
	mustStore(t, g, core.Record{ID: "g1"})
	m.QueueUpdate(ctx, "a", core.Record{ID: "q"})

	require.NoError(t, m.RollbackTransaction(ctx, id))
	assert.Zero(t, a.Len())
	assert.False(t, g.InTransaction())
	_, ok, _ := g.Retrieve(ctx, "g1")
	assert.False(t, ok)
	assert.Zero(t, m.QueueLen())
	assert.Empty(t, m.ActiveTransactions())

	assert.ErrorIs(t, m.RollbackTransaction(ctx, id), core.ErrTransactionNotFound)
}

func TestExplicitTransactionPrepareFailure(t *testing.T) {
	bad := &faultyStore{kvStore: memstore.New("bad"), failBegin: true}
	m := syncer.New(newRegistry(bad))

	id, err := m.BeginTransaction(context.Background(), "tx")
	require.Error(t, err)
	assert.Empty(t, id)
	assert.False(t, m.IsTransactionActive("tx"))
}
