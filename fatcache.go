package fatfs

import (
	"container/list"
	"context"
	"sync"

	"github.com/embeddedfat/fatfs/checkpoint"
)

// fatSectorSource is the narrow slice of Volume the cache needs: raw sector
// I/O against the primary FAT and its mirrors. It exists so fatCache can be
// tested against a fake without a full Volume.
type fatSectorSource interface {
	readFATSector(ctx context.Context, sectorInFAT uint32) ([]byte, error)
	writeFATSector(ctx context.Context, sectorInFAT uint32, data []byte) error
	// mirrorFATSectors copies the given primary-FAT sectors to every
	// secondary FAT copy. Called once per flush, after every dirty sector
	// has been written to the primary.
	mirrorFATSectors(ctx context.Context, sectors []fatDirtySector) error
}

// fatDirtySector pairs a FAT-relative sector number with its bytes, used to
// batch the mirror pass at the end of a flush.
type fatDirtySector struct {
	sector uint32
	data   []byte
}

// fatCacheEntry is one cached sector of the primary FAT.
type fatCacheEntry struct {
	sector uint32
	data   []byte
	dirty  bool
	elem   *list.Element
}

// fatCache is a bounded-capacity LRU of fixed-size FAT sectors, write-back
// on mutation, write-through only on eviction or explicit flush. Capacity
// zero degrades it to a pure passthrough with no retained memory, with no
// separate code path needed for the disabled case.
type fatCache struct {
	mu         sync.Mutex
	src        fatSectorSource
	sectorSize int
	capacity   int // in sectors; 0 disables caching
	entries    map[uint32]*fatCacheEntry
	lru        *list.List // front = most recently used
}

func newFatCache(src fatSectorSource, sectorSize int, capacityBytes FatCacheBytes) *fatCache {
	capacitySectors := 0
	if capacityBytes > 0 && sectorSize > 0 {
		capacitySectors = int(capacityBytes) / sectorSize
		if capacitySectors < 1 {
			capacitySectors = 1
		}
	}
	return &fatCache{
		src:        src,
		sectorSize: sectorSize,
		capacity:   capacitySectors,
		entries:    make(map[uint32]*fatCacheEntry),
		lru:        list.New(),
	}
}

// get fetches a sector read-only. The returned slice must not be mutated by
// the caller; use getMut for that.
func (c *fatCache) get(ctx context.Context, sector uint32) ([]byte, error) {
	if c.capacity == 0 {
		return c.src.readFATSector(ctx, sector)
	}

	c.mu.Lock()
	if e, ok := c.entries[sector]; ok {
		c.lru.MoveToFront(e.elem)
		data := e.data
		c.mu.Unlock()
		return data, nil
	}
	c.mu.Unlock()

	data, err := c.src.readFATSector(ctx, sector)
	if err != nil {
		return nil, err
	}

	if err := c.insert(ctx, sector, data, false); err != nil {
		return nil, err
	}
	return data, nil
}

// getMut fetches a sector for mutation and marks it dirty immediately: the
// cache never writes through except when evicting or flushing. The
// returned slice is the cache's own backing array; writes to it are
// visible to subsequent get/getMut calls without a round trip to the
// device.
func (c *fatCache) getMut(ctx context.Context, sector uint32) ([]byte, error) {
	if c.capacity == 0 {
		data, err := c.src.readFATSector(ctx, sector)
		if err != nil {
			return nil, err
		}
		// No cache: caller mutates data then must write it back itself via
		// writeImmediate, since there is nothing to evict later.
		return data, nil
	}

	c.mu.Lock()
	if e, ok := c.entries[sector]; ok {
		e.dirty = true
		c.lru.MoveToFront(e.elem)
		data := e.data
		c.mu.Unlock()
		return data, nil
	}
	c.mu.Unlock()

	data, err := c.src.readFATSector(ctx, sector)
	if err != nil {
		return nil, err
	}
	if err := c.insert(ctx, sector, data, true); err != nil {
		return nil, err
	}
	return data, nil
}

// writeImmediate writes a sector straight through to the primary FAT and
// mirrors it, used by the no-cache (capacity==0) path since there is no
// eviction to trigger a writeback later. Calling it when the cache is
// enabled is a no-op beyond marking the entry dirty, since getMut already
// did that and a later flush will pick it up.
func (c *fatCache) writeImmediate(ctx context.Context, sector uint32, data []byte) error {
	if c.capacity != 0 {
		c.mu.Lock()
		if e, ok := c.entries[sector]; ok {
			e.dirty = true
		}
		c.mu.Unlock()
		return nil
	}
	if err := c.src.writeFATSector(ctx, sector, data); err != nil {
		return checkpoint.Wrap(err, ErrIO)
	}
	return c.src.mirrorFATSectors(ctx, []fatDirtySector{{sector: sector, data: data}})
}

// insert adds a freshly-read sector to the cache, evicting the
// least-recently-used entry (with writeback if dirty) if at capacity.
// Caller must not hold c.mu.
func (c *fatCache) insert(ctx context.Context, sector uint32, data []byte, dirty bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.capacity {
		back := c.lru.Back()
		if back != nil {
			evict := back.Value.(*fatCacheEntry)
			if evict.dirty {
				c.mu.Unlock()
				err := c.src.writeFATSector(ctx, evict.sector, evict.data)
				c.mu.Lock()
				if err != nil {
					return checkpoint.Wrap(err, ErrIO)
				}
			}
			c.lru.Remove(back)
			delete(c.entries, evict.sector)
		}
	}

	e := &fatCacheEntry{sector: sector, data: data, dirty: dirty}
	e.elem = c.lru.PushFront(e)
	c.entries[sector] = e
	return nil
}

// flush writes every dirty sector back to the primary FAT, then mirrors all
// of them to the secondary FATs in one batched call.
func (c *fatCache) flush(ctx context.Context) error {
	if c.capacity == 0 {
		return nil
	}
	c.mu.Lock()
	dirty := make([]*fatCacheEntry, 0)
	for _, e := range c.entries {
		if e.dirty {
			dirty = append(dirty, e)
		}
	}
	c.mu.Unlock()

	if len(dirty) == 0 {
		return nil
	}

	mirrored := make([]fatDirtySector, 0, len(dirty))
	for _, e := range dirty {
		if err := c.src.writeFATSector(ctx, e.sector, e.data); err != nil {
			return checkpoint.Wrap(err, ErrIO)
		}
		c.mu.Lock()
		e.dirty = false
		c.mu.Unlock()
		mirrored = append(mirrored, fatDirtySector{sector: e.sector, data: e.data})
	}

	if err := c.src.mirrorFATSectors(ctx, mirrored); err != nil {
		return checkpoint.Wrap(err, ErrIO)
	}
	return nil
}
