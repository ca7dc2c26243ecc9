package blob_test

import (
	"context"
	"testing"
	"time"

	"github.com/becomeliminal/memsync/core"
	"github.com/becomeliminal/memsync/memory/store/blob"
)

func TestStoreRetrieveAndOverwrite(t *testing.T) {
	ctx := context.Background()
	s := blob.NewMock("archive")
	created := time.Date(2023, 3, 4, 5, 6, 7, 0, time.UTC)

	if _, err := s.Store(ctx, core.Record{ID: "a", Content: "v1", CreatedAt: created}); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if _, err := s.Store(ctx, core.Record{ID: "a", Content: "v2", CreatedAt: created}); err != nil {
		t.Fatalf("Store overwrite: %v", err)
	}
	got, ok, err := s.Retrieve(ctx, "a")
	if err != nil || !ok {
		t.Fatalf("Retrieve: %v, %v", ok, err)
	}
	if got.Content != "v2" || !got.CreatedAt.Equal(created) {
		t.Errorf("Retrieve = %+v", got)
	}
	if _, ok, err := s.Retrieve(ctx, "missing"); ok || err != nil {
		t.Errorf("Retrieve(missing) = %v, %v", ok, err)
	}
}

func TestSearchListsItemsOnly(t *testing.T) {
	ctx := context.Background()
	s := blob.NewMock("archive")
	s.Store(ctx, core.Record{ID: "b", Content: "beta", Kind: core.KindEpisodic})
	s.Store(ctx, core.Record{ID: "a", Content: "alpha", Kind: core.KindEpisodic})
	s.StoreVector(ctx, core.VectorRecord{ID: "v", Embedding: []float32{1}})

	all, err := s.AllItems(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].ID != "a" || all[1].ID != "b" {
		t.Fatalf("AllItems = %+v", all)
	}
	res, _ := s.Search(ctx, core.Query{Text: "BETA"})
	if len(res) != 1 || res[0].ID != "b" {
		t.Errorf("Search = %+v", res)
	}
	vectors, _ := s.AllVectors(ctx)
	if len(vectors) != 1 || vectors[0].ID != "v" {
		t.Errorf("AllVectors = %+v", vectors)
	}
}

func TestDeleteReportsExistence(t *testing.T) {
	ctx := context.Background()
	s := blob.NewMock("archive")
	s.Store(ctx, core.Record{ID: "a", Content: "x"})

	if ok, err := s.Delete(ctx, "a"); !ok || err != nil {
		t.Fatalf("Delete = %v, %v", ok, err)
	}
	if ok, err := s.Delete(ctx, "a"); ok || err != nil {
		t.Errorf("second Delete = %v, %v", ok, err)
	}
	if ok, _ := s.DeleteVector(ctx, "nope"); ok {
		t.Error("DeleteVector of missing vector reported true")
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("MEMSYNC_BLOB_BUCKET", "")
	if _, err := blob.ConfigFromEnv(); err == nil {
		t.Error("expected error without bucket")
	}

	t.Setenv("MEMSYNC_BLOB_BUCKET", "memories")
	t.Setenv("MEMSYNC_BLOB_PATH_STYLE", "TRUE")
	t.Setenv("MEMSYNC_BLOB_PREFIX", "team/")
	cfg, err := blob.ConfigFromEnv()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Bucket != "memories" || !cfg.PathStyle || cfg.Prefix != "team/" {
		t.Errorf("cfg = %+v", cfg)
	}
}
