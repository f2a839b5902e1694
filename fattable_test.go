package fatfs

import (
	"context"
	"testing"
)

// fakeFatSource is an in-memory fatSectorSource backing a single FAT copy,
// letting fatTable/fatCache be exercised without a full Volume or device.
type fakeFatSource struct {
	sectorSize int
	sectors    map[uint32][]byte
	mirrors    []fatDirtySector
}

func newFakeFatSource(sectorSize int) *fakeFatSource {
	return &fakeFatSource{sectorSize: sectorSize, sectors: make(map[uint32][]byte)}
}

func (f *fakeFatSource) readFATSector(ctx context.Context, sector uint32) ([]byte, error) {
	if data, ok := f.sectors[sector]; ok {
		cp := make([]byte, len(data))
		copy(cp, data)
		return cp, nil
	}
	return make([]byte, f.sectorSize), nil
}

func (f *fakeFatSource) writeFATSector(ctx context.Context, sector uint32, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	f.sectors[sector] = cp
	return nil
}

func (f *fakeFatSource) mirrorFATSectors(ctx context.Context, sectors []fatDirtySector) error {
	f.mirrors = append(f.mirrors, sectors...)
	return nil
}

func newTestFatTable(fatType FatType, totalClusters uint32) (*fatTable, *fakeFatSource) {
	bpb := &BPB{
		Type:           fatType,
		BytesPerSector: 512,
		TotalClusters:  totalClusters,
	}
	src := newFakeFatSource(512)
	cache := newFatCache(src, 512, FatCacheBytes(4*512))
	return newFatTable(bpb, cache, nil), src
}

func TestDecodeEncodeRawRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		typ  FatType
		val  FatValue
	}{
		{"fat12 free", FAT12, fatFree},
		{"fat12 eof", FAT12, fatEOF},
		{"fat12 bad", FAT12, fatBad},
		{"fat12 next", FAT12, fatNext(100)},
		{"fat16 next", FAT16, fatNext(40000)},
		{"fat16 eof", FAT16, fatEOF},
		{"fat32 next", FAT32, fatNext(1 << 20)},
		{"fat32 eof", FAT32, fatEOF},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := encodeRaw(tt.typ, tt.val)
			got := decodeRaw(tt.typ, raw)
			if got.State != tt.val.State {
				t.Fatalf("decodeRaw(encodeRaw(%v)) state = %v, want %v", tt.val, got.State, tt.val.State)
			}
			if tt.val.State == ClusterAllocated && got.Next != tt.val.Next {
				t.Errorf("decodeRaw(encodeRaw(%v)).Next = %d, want %d", tt.val, got.Next, tt.val.Next)
			}
		})
	}
}

func TestFat32DecodePreservesOnlyLow28Bits(t *testing.T) {
	// The top 4 bits are reserved and must not leak into the decoded Next.
	got := decodeRaw(FAT32, 0xF0000005)
	if got.State != ClusterAllocated || got.Next != 5 {
		t.Errorf("decodeRaw should mask off the reserved top 4 bits, got %+v", got)
	}
}

func TestFatTableGetSetFAT16(t *testing.T) {
	ft, _ := newTestFatTable(FAT16, 100000)
	ctx := context.Background()

	if err := ft.set(ctx, 5, fatNext(6)); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := ft.get(ctx, 5)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.IsNextCluster() || got.Next != 6 {
		t.Errorf("get(5) = %+v, want next=6", got)
	}
}

func TestFatTableFAT12StraddlesSectorBoundary(t *testing.T) {
	ft, _ := newTestFatTable(FAT12, 4000)
	ctx := context.Background()

	// Sector size 512 bytes; byteOffset = cluster + cluster/2. The entry for
	// cluster 341 starts at byte 511 (341 + 170 = 511) and straddles into
	// sector 1.
	sector, off := ft.entryLocation(341)
	if sector != 0 || off != 511 {
		t.Fatalf("entryLocation(341) = (%d, %d), want (0, 511)", sector, off)
	}

	if err := ft.set(ctx, 341, fatNext(100)); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := ft.get(ctx, 341)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.IsNextCluster() || got.Next != 100 {
		t.Errorf("straddling FAT12 entry round-trip = %+v, want next=100", got)
	}
}

func TestFatTableFAT12PreservesNeighborNibble(t *testing.T) {
	ft, _ := newTestFatTable(FAT12, 10)
	ctx := context.Background()

	if err := ft.set(ctx, 4, fatNext(0xABC&0xFFF)); err != nil {
		t.Fatalf("set(4): %v", err)
	}
	if err := ft.set(ctx, 5, fatNext(0x123)); err != nil {
		t.Fatalf("set(5): %v", err)
	}

	got4, err := ft.get(ctx, 4)
	if err != nil {
		t.Fatalf("get(4): %v", err)
	}
	if got4.Next != 0xABC {
		t.Errorf("writing cluster 5 corrupted cluster 4's nibble: got %x, want %x", got4.Next, 0xABC)
	}
	got5, err := ft.get(ctx, 5)
	if err != nil {
		t.Fatalf("get(5): %v", err)
	}
	if got5.Next != 0x123 {
		t.Errorf("get(5) = %x, want %x", got5.Next, 0x123)
	}
}

func TestFatTableWalkDetectsCycle(t *testing.T) {
	ft, _ := newTestFatTable(FAT16, 10)
	ctx := context.Background()
	// Build a cycle: 2 -> 3 -> 2.
	if err := ft.set(ctx, 2, fatNext(3)); err != nil {
		t.Fatalf("set(2): %v", err)
	}
	if err := ft.set(ctx, 3, fatNext(2)); err != nil {
		t.Fatalf("set(3): %v", err)
	}
	if _, err := ft.walk(ctx, 2); err == nil {
		t.Errorf("walk should detect the cycle and return an error")
	}
}

func TestFatTableWalkStopsAtEOF(t *testing.T) {
	ft, _ := newTestFatTable(FAT16, 10)
	ctx := context.Background()
	if err := ft.set(ctx, 2, fatNext(3)); err != nil {
		t.Fatalf("set(2): %v", err)
	}
	if err := ft.set(ctx, 3, fatEOF); err != nil {
		t.Fatalf("set(3): %v", err)
	}
	chain, err := ft.walk(ctx, 2)
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	want := []uint32{2, 3}
	if len(chain) != len(want) {
		t.Fatalf("walk chain = %v, want %v", chain, want)
	}
	for i := range want {
		if chain[i] != want[i] {
			t.Errorf("walk chain[%d] = %d, want %d", i, chain[i], want[i])
		}
	}
}

func TestFatTableAllocChainLinksAndTerminates(t *testing.T) {
	ft, _ := newTestFatTable(FAT16, 100)
	ctx := context.Background()
	bm := newClusterBitmap(100)

	first, err := ft.allocChain(ctx, bm, nil, 3)
	if err != nil {
		t.Fatalf("allocChain: %v", err)
	}
	chain, err := ft.walk(ctx, first)
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	if len(chain) != 3 {
		t.Fatalf("allocated chain length = %d, want 3", len(chain))
	}
	for _, c := range chain {
		if !bm.isAllocated(c) {
			t.Errorf("cluster %d should be marked allocated in the bitmap", c)
		}
	}
}

func TestFatTableFreeChainReleasesBitmap(t *testing.T) {
	ft, _ := newTestFatTable(FAT16, 100)
	ctx := context.Background()
	bm := newClusterBitmap(100)

	first, err := ft.allocChain(ctx, bm, nil, 3)
	if err != nil {
		t.Fatalf("allocChain: %v", err)
	}
	if err := ft.freeChain(ctx, bm, first); err != nil {
		t.Fatalf("freeChain: %v", err)
	}
	if bm.isAllocated(first) {
		t.Errorf("freeChain should have released cluster %d", first)
	}
}

func TestFatTableTruncateChainAfterFreesTail(t *testing.T) {
	ft, _ := newTestFatTable(FAT16, 100)
	ctx := context.Background()
	bm := newClusterBitmap(100)

	first, err := ft.allocChain(ctx, bm, nil, 4)
	if err != nil {
		t.Fatalf("allocChain: %v", err)
	}
	if err := ft.truncateChainAfter(ctx, bm, first, 2); err != nil {
		t.Fatalf("truncateChainAfter: %v", err)
	}
	chain, err := ft.walk(ctx, first)
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	if len(chain) != 2 {
		t.Errorf("chain length after truncating to 2 = %d, want 2", len(chain))
	}
}
