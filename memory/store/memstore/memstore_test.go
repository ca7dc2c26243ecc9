package memstore_test

import (
	"context"
	"testing"

	"github.com/becomeliminal/memsync/core"
	"github.com/becomeliminal/memsync/memory/store/memstore"
)

func TestStoreAssignsIDAndTimestamp(t *testing.T) {
	ctx := context.Background()
	s := memstore.New("kv")

	id, err := s.Store(ctx, core.Record{Content: "hello"})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if id == "" {
		t.Fatal("expected generated id")
	}
	got, ok, err := s.Retrieve(ctx, id)
	if err != nil || !ok {
		t.Fatalf("Retrieve: %v, %v", ok, err)
	}
	if got.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be set")
	}
}

func TestStoreIsolatesCallerMutation(t *testing.T) {
	ctx := context.Background()
	s := memstore.New("kv")

	r := core.Record{ID: "a", Content: "x", Metadata: map[string]any{"k": "v"}}
	if _, err := s.Store(ctx, r); err != nil {
		t.Fatal(err)
	}
	r.Metadata["k"] = "changed"

	got, _, _ := s.Retrieve(ctx, "a")
	if got.Metadata["k"] != "v" {
		t.Errorf("stored record mutated: %v", got.Metadata)
	}
}

func TestSearchAndDelete(t *testing.T) {
	ctx := context.Background()
	s := memstore.New("kv")
	s.Store(ctx, core.Record{ID: "1", Content: "alpha", Kind: core.KindCode})
	s.Store(ctx, core.Record{ID: "2", Content: "beta", Kind: core.KindKnowledge})

	res, err := s.Search(ctx, core.Query{Kind: core.KindCode})
	if err != nil {
		t.Fatal(err)
	}
	if len(res) != 1 || res[0].ID != "1" {
		t.Fatalf("unexpected search result %+v", res)
	}

	deleted, _ := s.Delete(ctx, "1")
	if !deleted {
		t.Error("expected delete to report true")
	}
	deleted, _ = s.Delete(ctx, "1")
	if deleted {
		t.Error("expected second delete to report false")
	}
	if s.Len() != 1 {
		t.Errorf("Len() = %d, want 1", s.Len())
	}
}

func TestVectors(t *testing.T) {
	ctx := context.Background()
	s := memstore.New("kv")

	if _, err := s.StoreVector(ctx, core.VectorRecord{ID: "v1", Embedding: []float32{1, 0}}); err != nil {
		t.Fatal(err)
	}
	v, ok, _ := s.RetrieveVector(ctx, "v1")
	if !ok || len(v.Embedding) != 2 {
		t.Fatalf("RetrieveVector = %+v, %v", v, ok)
	}
	all, _ := s.AllVectors(ctx)
	if len(all) != 1 {
		t.Errorf("AllVectors len = %d", len(all))
	}
	if ok, _ := s.DeleteVector(ctx, "v1"); !ok {
		t.Error("expected vector delete")
	}
}
