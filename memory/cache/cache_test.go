package cache_test

import (
	"fmt"
	"testing"

	"github.com/becomeliminal/memsync/memory/cache"
)

func TestTieredEvictsLeastRecentlyUsed(t *testing.T) {
	c := cache.New[int](2)
	c.Put("a", 1)
	c.Put("b", 2)

	// Touch "a" so "b" becomes the eviction candidate.
	if v, ok := c.Get("a"); !ok || v != 1 {
		t.Fatalf("Get(a) = %v, %v", v, ok)
	}
	c.Put("c", 3)

	if c.Contains("b") {
		t.Error("expected b to be evicted")
	}
	if !c.Contains("a") || !c.Contains("c") {
		t.Errorf("expected a and c to remain, keys=%v", c.Keys())
	}
	if c.Size() != 2 {
		t.Errorf("Size() = %d, want 2", c.Size())
	}
}

func TestTieredReplaceDoesNotEvict(t *testing.T) {
	c := cache.New[string](2)
	c.Put("a", "1")
	c.Put("b", "2")
	c.Put("a", "updated")

	if c.Size() != 2 {
		t.Fatalf("Size() = %d, want 2", c.Size())
	}
	if v, _ := c.Get("a"); v != "updated" {
		t.Errorf("Get(a) = %q, want updated", v)
	}
	if !c.Contains("b") {
		t.Error("replacing a key must not evict another")
	}
}

func TestTieredMissHasNoSideEffect(t *testing.T) {
	c := cache.New[int](2)
	c.Put("a", 1)
	c.Put("b", 2)

	if _, ok := c.Get("missing"); ok {
		t.Fatal("unexpected hit")
	}
	c.Put("c", 3)
	if c.Contains("a") {
		t.Error("expected a (least recently put) to be evicted")
	}
}

func TestTieredSizeNeverExceedsMax(t *testing.T) {
	c := cache.New[int](5)
	for i := 0; i < 100; i++ {
		c.Put(fmt.Sprintf("k%d", i), i)
		if c.Size() > c.MaxSize() {
			t.Fatalf("size %d exceeds max %d", c.Size(), c.MaxSize())
		}
	}
	keys := c.Keys()
	if len(keys) != 5 || keys[0] != "k95" || keys[4] != "k99" {
		t.Errorf("unexpected keys %v", keys)
	}
}

func TestTieredClearAndRemove(t *testing.T) {
	c := cache.New[int](3)
	c.Put("a", 1)
	c.Put("b", 2)
	c.Remove("a")
	if c.Contains("a") {
		t.Error("expected a removed")
	}
	c.Clear()
	if c.Size() != 0 {
		t.Errorf("Size() after Clear = %d", c.Size())
	}
}

func TestTieredDefaultSize(t *testing.T) {
	if got := cache.New[int](0).MaxSize(); got != cache.DefaultSize {
		t.Errorf("MaxSize() = %d, want %d", got, cache.DefaultSize)
	}
}
