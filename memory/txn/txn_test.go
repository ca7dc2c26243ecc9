package txn_test

import (
	"context"
	"errors"
	"testing"

	"github.com/becomeliminal/memsync/core"
	"github.com/becomeliminal/memsync/memory/store/graph"
	"github.com/becomeliminal/memsync/memory/store/memstore"
	"github.com/becomeliminal/memsync/memory/txn"
)

// plainStore exposes only core.Store so snapshots fall back to Search.
type plainStore struct{ inner *memstore.Store }

func (p plainStore) Store(ctx context.Context, r core.Record) (string, error) {
	return p.inner.Store(ctx, r)
}
func (p plainStore) Retrieve(ctx context.Context, id string) (core.Record, bool, error) {
	return p.inner.Retrieve(ctx, id)
}
func (p plainStore) Search(ctx context.Context, q core.Query) ([]core.Record, error) {
	return p.inner.Search(ctx, q)
}
func (p plainStore) Delete(ctx context.Context, id string) (bool, error) {
	return p.inner.Delete(ctx, id)
}

func TestNewSelectsVariant(t *testing.T) {
	if txn.New("kv", memstore.New("kv"), "tx", nil).Native() {
		t.Error("memstore should use the snapshot variant")
	}
	if !txn.New("graph", graph.New("graph"), "tx", nil).Native() {
		t.Error("graph should use the native variant")
	}
}

func TestSnapshotRollbackRestoresItemsAndVectors(t *testing.T) {
	ctx := context.Background()
	s := memstore.New("kv")
	s.Store(ctx, core.Record{ID: "keep", Content: "original"})
	s.StoreVector(ctx, core.VectorRecord{ID: "v1", Embedding: []float32{1, 2}})

	c := txn.New("kv", s, "tx1", nil)
	if err := c.Begin(ctx); err != nil {
		t.Fatal(err)
	}
	s.Store(ctx, core.Record{ID: "keep", Content: "modified"})
	s.Store(ctx, core.Record{ID: "new", Content: "added"})
	s.DeleteVector(ctx, "v1")
	s.StoreVector(ctx, core.VectorRecord{ID: "v2", Embedding: []float32{3}})

	if err := c.Rollback(ctx, errors.New("boom")); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	if _, ok, _ := s.Retrieve(ctx, "new"); ok {
		t.Error("expected new record removed")
	}
	if r, _, _ := s.Retrieve(ctx, "keep"); r.Content != "original" {
		t.Errorf("keep.Content = %v", r.Content)
	}
	if _, ok, _ := s.RetrieveVector(ctx, "v1"); !ok {
		t.Error("expected v1 restored")
	}
	if _, ok, _ := s.RetrieveVector(ctx, "v2"); ok {
		t.Error("expected v2 removed")
	}
}

func TestSnapshotFallsBackToSearch(t *testing.T) {
	ctx := context.Background()
	inner := memstore.New("plain")
	inner.Store(ctx, core.Record{ID: "a", Content: "x"})
	s := plainStore{inner: inner}

	c := txn.New("plain", s, "tx1", nil)
	if err := c.Begin(ctx); err != nil {
		t.Fatal(err)
	}
	s.Store(ctx, core.Record{ID: "b", Content: "y"})
	if err := c.Rollback(ctx, nil); err != nil {
		t.Fatal(err)
	}
	if inner.Len() != 1 {
		t.Errorf("Len() = %d, want 1", inner.Len())
	}
}

func TestSnapshotCommitDropsRollbackPoint(t *testing.T) {
	ctx := context.Background()
	s := memstore.New("kv")
	c := txn.New("kv", s, "tx1", nil)
	c.Begin(ctx)
	s.Store(ctx, core.Record{ID: "a", Content: "x"})
	if err := c.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	// Rollback after commit is a no-op.
	if err := c.Rollback(ctx, nil); err != nil {
		t.Fatal(err)
	}
	if s.Len() != 1 {
		t.Error("committed write was undone")
	}
}

func TestRunRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	g := graph.New("graph")
	want := errors.New("fail")

	err := txn.Run(ctx, txn.New("graph", g, "tx1", nil), nil, func(ctx context.Context) error {
		g.Store(ctx, core.Record{ID: "a", Content: "x"})
		return want
	})
	if err != want {
		t.Fatalf("Run() = %v, want original error", err)
	}
	if _, ok, _ := g.Retrieve(ctx, "a"); ok {
		t.Error("expected write rolled back")
	}
	if g.InTransaction() {
		t.Error("transaction left open")
	}
}

func TestRunRollsBackOnPanic(t *testing.T) {
	ctx := context.Background()
	s := memstore.New("kv")

	func() {
		defer func() {
			if p := recover(); p != "kaboom" {
				t.Errorf("recovered %v, want kaboom", p)
			}
		}()
		txn.Run(ctx, txn.New("kv", s, "tx1", nil), nil, func(ctx context.Context) error {
			s.Store(ctx, core.Record{ID: "a", Content: "x"})
			panic("kaboom")
		})
	}()

	if s.Len() != 0 {
		t.Error("expected write rolled back after panic")
	}
}

func TestRunCommits(t *testing.T) {
	ctx := context.Background()
	g := graph.New("graph")
	err := txn.Run(ctx, txn.New("graph", g, "tx1", nil), nil, func(ctx context.Context) error {
		_, err := g.Store(ctx, core.Record{ID: "a", Content: "x"})
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := g.Retrieve(ctx, "a"); !ok {
		t.Error("expected committed write")
	}
}
