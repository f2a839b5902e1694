package fatfs

import (
	"context"
	"testing"
)

func TestFatCacheDisabledPassesThrough(t *testing.T) {
	src := newFakeFatSource(512)
	c := newFatCache(src, 512, 0)
	ctx := context.Background()

	data, err := c.get(ctx, 3)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	data[0] = 0xAA
	if err := c.writeImmediate(ctx, 3, data); err != nil {
		t.Fatalf("writeImmediate: %v", err)
	}
	if src.sectors[3][0] != 0xAA {
		t.Errorf("writeImmediate with a disabled cache should hit the source directly")
	}
	if len(src.mirrors) != 1 {
		t.Errorf("writeImmediate should mirror the sector, got %d mirror calls", len(src.mirrors))
	}
}

func TestFatCacheGetMutMarksDirtyAndDefersWriteback(t *testing.T) {
	src := newFakeFatSource(512)
	c := newFatCache(src, 512, FatCacheBytes(4*512))
	ctx := context.Background()

	data, err := c.getMut(ctx, 1)
	if err != nil {
		t.Fatalf("getMut: %v", err)
	}
	data[0] = 0x42

	if _, ok := src.sectors[1]; ok {
		t.Errorf("getMut must not write through to the source before flush")
	}
	if err := c.flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if src.sectors[1][0] != 0x42 {
		t.Errorf("flush should have written the dirty sector back")
	}
	if len(src.mirrors) != 1 {
		t.Errorf("flush should mirror dirty sectors once, got %d calls", len(src.mirrors))
	}
}

func TestFatCacheEvictsLRUAndWritesBackIfDirty(t *testing.T) {
	src := newFakeFatSource(512)
	c := newFatCache(src, 512, FatCacheBytes(2*512)) // capacity 2 sectors
	ctx := context.Background()

	d0, _ := c.getMut(ctx, 0)
	d0[0] = 1
	if _, err := c.get(ctx, 1); err != nil {
		t.Fatalf("get(1): %v", err)
	}
	// Touch sector 1 again so sector 0 becomes the LRU victim.
	if _, err := c.get(ctx, 1); err != nil {
		t.Fatalf("get(1) again: %v", err)
	}
	// Inserting a third sector evicts sector 0, which is dirty, forcing a
	// writeback to the source.
	if _, err := c.get(ctx, 2); err != nil {
		t.Fatalf("get(2): %v", err)
	}

	if src.sectors[0] == nil || src.sectors[0][0] != 1 {
		t.Errorf("evicting a dirty sector should write it back to the source")
	}
}

func TestFatCacheFlushNoopWhenNothingDirty(t *testing.T) {
	src := newFakeFatSource(512)
	c := newFatCache(src, 512, FatCacheBytes(4*512))
	ctx := context.Background()

	if _, err := c.get(ctx, 0); err != nil {
		t.Fatalf("get: %v", err)
	}
	if err := c.flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if len(src.mirrors) != 0 {
		t.Errorf("flush with nothing dirty should not mirror anything, got %d calls", len(src.mirrors))
	}
}
