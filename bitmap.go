package fatfs

import (
	"context"
	"fmt"

	"github.com/embeddedfat/fatfs/checkpoint"
)

// clusterBitmap is the in-memory one-bit-per-data-cluster free/allocated
// tracker. It is built once at mount by scanning the FAT
// and is never persisted; every mount rebuilds it from the on-disk FAT,
// which remains authoritative on disk.
type clusterBitmap struct {
	bits          []uint64 // bit i-2 represents cluster i
	totalClusters uint32
	nextFreeHint  uint32
	dirty         bool
}

func newClusterBitmap(totalClusters uint32) *clusterBitmap {
	words := (int(totalClusters) + 63) / 64
	return &clusterBitmap{
		bits:          make([]uint64, words),
		totalClusters: totalClusters,
		nextFreeHint:  2,
	}
}

func (b *clusterBitmap) index(cluster uint32) (word int, bit uint) {
	rel := cluster - 2
	return int(rel / 64), uint(rel % 64)
}

func (b *clusterBitmap) isAllocated(cluster uint32) bool {
	if cluster < 2 || cluster-2 >= b.totalClusters {
		return false
	}
	w, bit := b.index(cluster)
	return b.bits[w]&(1<<bit) != 0
}

func (b *clusterBitmap) allocate(cluster uint32) {
	w, bit := b.index(cluster)
	b.bits[w] |= 1 << bit
	b.dirty = true
}

func (b *clusterBitmap) free(cluster uint32) {
	w, bit := b.index(cluster)
	b.bits[w] &^= 1 << bit
	b.dirty = true
}

// findFree scans word-at-a-time from startHint, wrapping once around the
// full cluster range, returning the first free cluster found.
func (b *clusterBitmap) findFree(startHint uint32) (uint32, bool) {
	if startHint < 2 {
		startHint = 2
	}
	total := b.totalClusters
	if total == 0 {
		return 0, false
	}

	startRel := startHint - 2
	if startRel >= total {
		startRel = 0
	}
	startWord := int(startRel / 64)

	numWords := len(b.bits)
	for i := 0; i < numWords; i++ {
		w := (startWord + i) % numWords
		word := b.bits[w]
		if word == ^uint64(0) {
			continue
		}
		for bit := uint(0); bit < 64; bit++ {
			cluster := uint32(w)*64 + uint32(bit) + 2
			if cluster-2 >= total {
				break
			}
			// Skip bits before startRel only on the first word visited.
			if i == 0 && uint32(bit) < startRel%64 {
				continue
			}
			if word&(1<<bit) == 0 {
				b.nextFreeHint = cluster + 1
				return cluster, true
			}
		}
	}

	// The first pass skipped the bits below startRel in the start word; do
	// one more pass over words [0, startWord] from their lowest bit.
	for w := 0; w <= startWord; w++ {
		word := b.bits[w]
		if word == ^uint64(0) {
			continue
		}
		for bit := uint(0); bit < 64; bit++ {
			cluster := uint32(w)*64 + uint32(bit) + 2
			if cluster-2 >= total {
				break
			}
			if word&(1<<bit) == 0 {
				b.nextFreeHint = cluster + 1
				return cluster, true
			}
		}
	}
	return 0, false
}

// FreeCount returns the number of free clusters, computed on demand by
// popcounting the bitset.
func (b *clusterBitmap) FreeCount() uint32 {
	free := b.totalClusters
	for _, w := range b.bits {
		free -= uint32(popcount64(w))
	}
	return free
}

func popcount64(x uint64) int {
	count := 0
	for x != 0 {
		x &= x - 1
		count++
	}
	return count
}

// buildClusterBitmap scans the FAT once via the cache to build the bitmap,
// marking every cluster whose FAT entry is not free as allocated. It does
// no reconciliation and logs nothing; log is unused.
func buildClusterBitmap(ctx context.Context, table *fatTable, bpb *BPB, log Logger) (*clusterBitmap, error) {
	bm := newClusterBitmap(bpb.TotalClusters)
	for c := uint32(2); c < bpb.TotalClusters+2; c++ {
		v, err := table.get(ctx, c)
		if err != nil {
			return nil, err
		}
		if !v.IsFree() {
			bm.allocate(c)
		}
	}
	return bm, nil
}

// reconcile implements the bitmap/FAT disagreement policy: if the FAT
// says a cluster is free but the bitmap (derived from the FAT at build
// time) says allocated, this is surfaced as a warning and the bitmap is
// corrected. The reverse (FAT allocated, bitmap free) is a stronger sign of
// external corruption and is surfaced as CorruptedFileSystem.
func (b *clusterBitmap) reconcile(ctx context.Context, table *fatTable, cluster uint32, log Logger) error {
	v, err := table.get(ctx, cluster)
	if err != nil {
		return err
	}
	fatFreeState := v.IsFree()
	bitmapAllocated := b.isAllocated(cluster)

	switch {
	case fatFreeState && bitmapAllocated:
		log.Warnf("cluster %d: FAT says free, bitmap says allocated; correcting bitmap", cluster)
		b.free(cluster)
		return nil
	case !fatFreeState && !bitmapAllocated:
		return checkpoint.Wrap(ErrCorruptedFileSystem, fmt.Errorf("cluster %d: FAT says allocated, bitmap says free", cluster))
	}
	return nil
}
