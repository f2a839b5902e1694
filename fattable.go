package fatfs

import (
	"context"
	"fmt"

	"github.com/embeddedfat/fatfs/checkpoint"
)

// ClusterState is the decoded meaning of a FAT entry.
type ClusterState uint8

// Cluster states.
const (
	ClusterFree ClusterState = iota
	ClusterAllocated
	ClusterBad
	ClusterEndOfChain
	ClusterReserved
)

// FatValue is a decoded FAT entry: either free, allocated (pointing at the
// next cluster), bad, reserved, or end-of-chain.
type FatValue struct {
	State ClusterState
	Next  uint32 // meaningful only when State == ClusterAllocated
}

func (v FatValue) IsFree() bool  { return v.State == ClusterFree }
func (v FatValue) IsEOF() bool   { return v.State == ClusterEndOfChain }
func (v FatValue) IsBad() bool   { return v.State == ClusterBad }
func (v FatValue) IsNextCluster() bool {
	return v.State == ClusterAllocated
}

var fatEOF = FatValue{State: ClusterEndOfChain}
var fatFree = FatValue{State: ClusterFree}
var fatBad = FatValue{State: ClusterBad}

func fatNext(cluster uint32) FatValue {
	return FatValue{State: ClusterAllocated, Next: cluster}
}

// per-width raw value bands. The "reserved" band (0xFFFFFF0-0xFFFFFF6,
// scaled per width) is never produced by this engine but must be decoded
// correctly when encountered on foreign media.
type fatBand struct {
	mask        uint32
	reservedMin uint32
	badValue    uint32
	eocMin      uint32
}

func bandFor(t FatType) fatBand {
	switch t {
	case FAT12:
		return fatBand{mask: 0xFFF, reservedMin: 0xFF0, badValue: 0xFF7, eocMin: 0xFF8}
	case FAT16:
		return fatBand{mask: 0xFFFF, reservedMin: 0xFFF0, badValue: 0xFFF7, eocMin: 0xFFF8}
	default: // FAT32, 28 significant bits
		return fatBand{mask: 0x0FFFFFFF, reservedMin: 0x0FFFFFF0, badValue: 0x0FFFFFF7, eocMin: 0x0FFFFFF8}
	}
}

func decodeRaw(t FatType, raw uint32) FatValue {
	b := bandFor(t)
	raw &= b.mask
	switch {
	case raw == 0:
		return fatFree
	case raw == 1:
		return FatValue{State: ClusterReserved}
	case raw == b.badValue:
		return fatBad
	case raw >= b.eocMin:
		return fatEOF
	case raw >= b.reservedMin:
		return FatValue{State: ClusterReserved}
	default:
		return fatNext(raw)
	}
}

func encodeRaw(t FatType, v FatValue) uint32 {
	b := bandFor(t)
	switch v.State {
	case ClusterFree:
		return 0
	case ClusterReserved:
		return 1
	case ClusterBad:
		return b.badValue
	case ClusterEndOfChain:
		return 0x0FFFFFFF & b.mask
	default:
		return v.Next & b.mask
	}
}

// fatTable is the FAT allocation engine: get/set individual entries,
// allocate and free chains, and walk a chain in order. It
// operates purely in terms of FAT-relative sector numbers; the owning
// Volume maps those to absolute device sectors and supplies mirroring.
type fatTable struct {
	bpb    *BPB
	cache  *fatCache
	hint   uint32 // next_free_hint, mirrors FSInfo when present
	fsinfo *FSInfo
}

func newFatTable(bpb *BPB, cache *fatCache, fsinfo *FSInfo) *fatTable {
	t := &fatTable{bpb: bpb, cache: cache, hint: 2, fsinfo: fsinfo}
	if fsinfo != nil && fsinfo.NextFreeHint != fsInfoUnknown && fsinfo.NextFreeHint >= 2 {
		t.hint = fsinfo.NextFreeHint
	}
	return t
}

// entryLocation returns the FAT-relative sector and intra-sector byte
// offset of the given cluster's entry, using the per-width formulas for
// FAT12/16/32.
func (t *fatTable) entryLocation(cluster uint32) (sector uint32, byteOff int) {
	sectorSize := int(t.bpb.BytesPerSector)
	var byteOffset uint32
	switch t.bpb.Type {
	case FAT12:
		byteOffset = cluster + cluster/2
	case FAT16:
		byteOffset = cluster * 2
	default:
		byteOffset = cluster * 4
	}
	return byteOffset / uint32(sectorSize), int(byteOffset % uint32(sectorSize))
}

// get reads and decodes the FAT entry for cluster.
func (t *fatTable) get(ctx context.Context, cluster uint32) (FatValue, error) {
	if cluster >= t.bpb.TotalClusters+2 {
		return FatValue{}, checkpoint.Wrap(ErrInvalidInput, fmt.Errorf("cluster %d out of range", cluster))
	}
	sector, off := t.entryLocation(cluster)

	switch t.bpb.Type {
	case FAT12:
		raw, err := t.read12(ctx, sector, off)
		if err != nil {
			return FatValue{}, err
		}
		if cluster%2 == 1 {
			raw >>= 4
		}
		return decodeRaw(FAT12, raw), nil
	case FAT16:
		data, err := t.cache.get(ctx, sector)
		if err != nil {
			return FatValue{}, checkpoint.Wrap(err, ErrIO)
		}
		raw := uint32(data[off]) | uint32(data[off+1])<<8
		return decodeRaw(FAT16, raw), nil
	default:
		data, err := t.cache.get(ctx, sector)
		if err != nil {
			return FatValue{}, checkpoint.Wrap(err, ErrIO)
		}
		raw := uint32(data[off]) | uint32(data[off+1])<<8 | uint32(data[off+2])<<16 | uint32(data[off+3])<<24
		return decodeRaw(FAT32, raw), nil
	}
}

// read12 reads the 12-bit entry at the given sector/offset, transparently
// handling the case where it straddles into the next sector.
func (t *fatTable) read12(ctx context.Context, sector uint32, off int) (uint32, error) {
	sectorSize := int(t.bpb.BytesPerSector)
	data, err := t.cache.get(ctx, sector)
	if err != nil {
		return 0, checkpoint.Wrap(err, ErrIO)
	}
	if off+1 < sectorSize {
		return uint32(data[off]) | uint32(data[off+1])<<8, nil
	}
	// The high byte lives in the next sector.
	lo := data[off]
	next, err := t.cache.get(ctx, sector+1)
	if err != nil {
		return 0, checkpoint.Wrap(err, ErrIO)
	}
	hi := next[0]
	return uint32(lo) | uint32(hi)<<8, nil
}

// set encodes and writes the FAT entry for cluster, preserving bits this
// engine does not own: the odd/even nibble sharing a FAT12 word, and the
// reserved top 4 bits of a FAT32 entry.
func (t *fatTable) set(ctx context.Context, cluster uint32, v FatValue) error {
	if cluster < 2 || cluster >= t.bpb.TotalClusters+2 {
		return checkpoint.Wrap(ErrInvalidInput, fmt.Errorf("cluster %d out of range", cluster))
	}
	sector, off := t.entryLocation(cluster)
	raw := encodeRaw(t.bpb.Type, v)

	switch t.bpb.Type {
	case FAT12:
		if err := t.write12(ctx, cluster, sector, off, raw); err != nil {
			return err
		}
	case FAT16:
		data, err := t.cache.getMut(ctx, sector)
		if err != nil {
			return checkpoint.Wrap(err, ErrIO)
		}
		data[off] = byte(raw)
		data[off+1] = byte(raw >> 8)
		if err := t.cache.writeImmediate(ctx, sector, data); err != nil {
			return err
		}
	default: // FAT32: preserve the reserved top 4 bits on write.
		data, err := t.cache.getMut(ctx, sector)
		if err != nil {
			return checkpoint.Wrap(err, ErrIO)
		}
		existing := uint32(data[off]) | uint32(data[off+1])<<8 | uint32(data[off+2])<<16 | uint32(data[off+3])<<24
		merged := (raw & 0x0FFFFFFF) | (existing & 0xF0000000)
		data[off] = byte(merged)
		data[off+1] = byte(merged >> 8)
		data[off+2] = byte(merged >> 16)
		data[off+3] = byte(merged >> 24)
		if err := t.cache.writeImmediate(ctx, sector, data); err != nil {
			return err
		}
	}

	if v.IsFree() && t.fsinfo != nil {
		t.fsinfo.noteFreed(cluster)
	}
	return nil
}

// write12 writes a 12-bit entry, preserving the neighboring nibble that
// shares its 16-bit word, and handling the straddling case exactly like
// read12.
func (t *fatTable) write12(ctx context.Context, cluster, sector uint32, off int, raw uint32) error {
	sectorSize := int(t.bpb.BytesPerSector)
	even := cluster%2 == 0

	data, err := t.cache.getMut(ctx, sector)
	if err != nil {
		return checkpoint.Wrap(err, ErrIO)
	}

	if off+1 < sectorSize {
		if even {
			data[off] = byte(raw)
			data[off+1] = (data[off+1] & 0xF0) | byte((raw>>8)&0x0F)
		} else {
			data[off] = (data[off] & 0x0F) | byte((raw&0x0F)<<4)
			data[off+1] = byte(raw >> 4)
		}
		return t.cache.writeImmediate(ctx, sector, data)
	}

	// Straddles into sector+1: low byte (or low nibble) in this sector,
	// high byte (or high nibble) in the next.
	next, err := t.cache.getMut(ctx, sector+1)
	if err != nil {
		return checkpoint.Wrap(err, ErrIO)
	}
	if even {
		data[off] = byte(raw)
		next[0] = (next[0] & 0xF0) | byte((raw>>8)&0x0F)
	} else {
		data[off] = (data[off] & 0x0F) | byte((raw&0x0F)<<4)
		next[0] = byte(raw >> 4)
	}
	if err := t.cache.writeImmediate(ctx, sector, data); err != nil {
		return err
	}
	return t.cache.writeImmediate(ctx, sector+1, next)
}

// walk returns the cluster numbers of the chain rooted at first, in order,
// guarding against cycles by counting steps against the total cluster count.
func (t *fatTable) walk(ctx context.Context, first uint32) ([]uint32, error) {
	if first < 2 {
		return nil, nil
	}
	var chain []uint32
	cur := first
	steps := uint32(0)
	for {
		chain = append(chain, cur)
		steps++
		if steps > t.bpb.TotalClusters+2 {
			return nil, checkpoint.Wrap(ErrCyclicChain, fmt.Errorf("chain from cluster %d exceeds %d steps", first, t.bpb.TotalClusters))
		}
		v, err := t.get(ctx, cur)
		if err != nil {
			return nil, err
		}
		if v.IsEOF() {
			return chain, nil
		}
		if !v.IsNextCluster() {
			return nil, checkpoint.Wrap(ErrCorruptedFileSystem, fmt.Errorf("cluster %d has invalid FAT entry state %v", cur, v.State))
		}
		cur = v.Next
	}
}

// allocChain allocates count free clusters, chaining them together and
// terminating with EOF, then (if prevTail is non-nil) links the previous
// chain's tail to the new first cluster. It returns the
// first cluster of the newly allocated run.
func (t *fatTable) allocChain(ctx context.Context, bitmap *clusterBitmap, prevTail *uint32, count int) (uint32, error) {
	if count <= 0 {
		return 0, checkpoint.Wrap(ErrInvalidInput, fmt.Errorf("allocChain: count must be positive, got %d", count))
	}

	clusters := make([]uint32, 0, count)
	// Best-effort contiguous-to-tail allocation: try the cluster right
	// after prevTail first. Each candidate must be marked allocated (and
	// the free-search hint advanced past it) as soon as it's chosen, or
	// the fallback findFree loop below could pick the same cluster again.
	if prevTail != nil {
		cand := *prevTail + 1
		for len(clusters) < count && cand < t.bpb.TotalClusters+2 {
			if !t.isFree(ctx, bitmap, cand) {
				break
			}
			clusters = append(clusters, cand)
			if bitmap != nil {
				bitmap.allocate(cand)
			}
			t.hint = cand + 1
			cand++
		}
	}

	for len(clusters) < count {
		c, err := t.findFree(ctx, bitmap)
		if err != nil {
			t.rollback(ctx, bitmap, clusters)
			return 0, err
		}
		clusters = append(clusters, c)
		if bitmap != nil {
			bitmap.allocate(c)
		}
		t.hint = c + 1
	}

	if bitmap != nil {
		for _, c := range clusters {
			bitmap.allocate(c)
		}
	}

	for i, c := range clusters {
		var v FatValue
		if i == len(clusters)-1 {
			v = fatEOF
		} else {
			v = fatNext(clusters[i+1])
		}
		if err := t.set(ctx, c, v); err != nil {
			t.rollback(ctx, bitmap, clusters)
			return 0, err
		}
		if t.fsinfo != nil {
			t.fsinfo.noteAllocated(c)
		}
	}

	if prevTail != nil {
		if err := t.set(ctx, *prevTail, fatNext(clusters[0])); err != nil {
			t.rollback(ctx, bitmap, clusters)
			return 0, err
		}
	}

	return clusters[0], nil
}

func (t *fatTable) rollback(ctx context.Context, bitmap *clusterBitmap, clusters []uint32) {
	for _, c := range clusters {
		_ = t.set(ctx, c, fatFree)
		if bitmap != nil {
			bitmap.free(c)
		}
	}
}

func (t *fatTable) isFree(ctx context.Context, bitmap *clusterBitmap, cluster uint32) bool {
	if cluster < 2 || cluster >= t.bpb.TotalClusters+2 {
		return false
	}
	if bitmap != nil {
		return !bitmap.isAllocated(cluster)
	}
	v, err := t.get(ctx, cluster)
	return err == nil && v.IsFree()
}

// findFree locates one free cluster, consulting the bitmap when present for
// O(1) amortized lookup, else falling back to the hint then a linear scan
// from cluster 2.
func (t *fatTable) findFree(ctx context.Context, bitmap *clusterBitmap) (uint32, error) {
	if bitmap != nil {
		c, ok := bitmap.findFree(t.hint)
		if !ok {
			return 0, checkpoint.Wrap(ErrNoSpace, fmt.Errorf("no free clusters"))
		}
		return c, nil
	}

	total := t.bpb.TotalClusters + 2
	for _, start := range []uint32{t.hint, 2} {
		for c := start; c < total; c++ {
			v, err := t.get(ctx, c)
			if err != nil {
				return 0, err
			}
			if v.IsFree() {
				return c, nil
			}
		}
	}
	return 0, checkpoint.Wrap(ErrNoSpace, fmt.Errorf("no free clusters"))
}

// freeChain walks the chain from first and marks every cluster free.
func (t *fatTable) freeChain(ctx context.Context, bitmap *clusterBitmap, first uint32) error {
	chain, err := t.walk(ctx, first)
	if err != nil {
		return err
	}
	for _, c := range chain {
		if err := t.set(ctx, c, fatFree); err != nil {
			return err
		}
		if bitmap != nil {
			bitmap.free(c)
		}
	}
	return nil
}

// truncateChainAfter walks the chain from first, frees every cluster after
// keepCount clusters, and terminates the chain at the keepCount-th cluster.
// keepCount == 0 frees the entire chain, including first.
func (t *fatTable) truncateChainAfter(ctx context.Context, bitmap *clusterBitmap, first uint32, keepCount int) error {
	chain, err := t.walk(ctx, first)
	if err != nil {
		return err
	}
	if keepCount >= len(chain) {
		return nil
	}
	if keepCount > 0 {
		if err := t.set(ctx, chain[keepCount-1], fatEOF); err != nil {
			return err
		}
	}
	for _, c := range chain[keepCount:] {
		if err := t.set(ctx, c, fatFree); err != nil {
			return err
		}
		if bitmap != nil {
			bitmap.free(c)
		}
	}
	return nil
}

// flush writes back the FAT sector cache (primary + mirrors).
func (t *fatTable) flush(ctx context.Context) error {
	return t.cache.flush(ctx)
}
