package fatfs

import (
	"encoding/binary"
	"fmt"

	"github.com/embeddedfat/fatfs/checkpoint"
)

// FAT32 FSInfo sector layout constants.
const (
	fsInfoLeadSig   = 0x41615252
	fsInfoStrucSig  = 0x61417272
	fsInfoTrailSig  = 0xAA550000
	fsInfoFreeOff   = 488
	fsInfoNextOff   = 492
	fsInfoUnknown   = 0xFFFFFFFF
)

// FSInfo is the FAT32-only advisory record of free-cluster count and
// next-free-cluster hint. It is advisory only: the engine
// always recomputes truth from the FAT or the bitmap, never trusts FSInfo
// for correctness, only for seeding the allocator's search position.
type FSInfo struct {
	sector       uint32
	FreeCount    uint32 // fsInfoUnknown if not known
	NextFreeHint uint32 // fsInfoUnknown if not known
	dirty        bool
}

func parseFSInfo(buf []byte, sector uint32) (*FSInfo, error) {
	if len(buf) < 512 {
		return nil, checkpoint.Wrap(ErrCorruptedFileSystem, fmt.Errorf("FSInfo short read"))
	}
	lead := binary.LittleEndian.Uint32(buf[0:4])
	struc := binary.LittleEndian.Uint32(buf[484:488])
	trail := binary.LittleEndian.Uint32(buf[508:512])
	if lead != fsInfoLeadSig || struc != fsInfoStrucSig || trail != fsInfoTrailSig {
		return nil, checkpoint.Wrap(ErrCorruptedFileSystem, fmt.Errorf("bad FSInfo signature"))
	}
	return &FSInfo{
		sector:       sector,
		FreeCount:    binary.LittleEndian.Uint32(buf[fsInfoFreeOff:]),
		NextFreeHint: binary.LittleEndian.Uint32(buf[fsInfoNextOff:]),
	}, nil
}

// newFSInfo builds a fresh FSInfo at format time.
func newFSInfo(sector uint32, freeCount, nextFree uint32) *FSInfo {
	return &FSInfo{sector: sector, FreeCount: freeCount, NextFreeHint: nextFree, dirty: true}
}

func (f *FSInfo) encode(buf []byte) {
	for i := range buf[:512] {
		buf[i] = 0
	}
	binary.LittleEndian.PutUint32(buf[0:4], fsInfoLeadSig)
	binary.LittleEndian.PutUint32(buf[484:488], fsInfoStrucSig)
	binary.LittleEndian.PutUint32(buf[fsInfoFreeOff:], f.FreeCount)
	binary.LittleEndian.PutUint32(buf[fsInfoNextOff:], f.NextFreeHint)
	binary.LittleEndian.PutUint32(buf[508:512], fsInfoTrailSig)
}

// noteAllocated updates the advisory counters after a single cluster is
// allocated. FreeCount never wraps below zero and stays unknown if it was
// unknown; NextFreeHint is always set to the cluster after the one allocated.
func (f *FSInfo) noteAllocated(cluster uint32) {
	if f.FreeCount != fsInfoUnknown && f.FreeCount > 0 {
		f.FreeCount--
	}
	f.NextFreeHint = cluster + 1
	f.dirty = true
}

// noteFreed updates the advisory counters after a cluster is freed.
func (f *FSInfo) noteFreed(cluster uint32) {
	if f.FreeCount != fsInfoUnknown {
		f.FreeCount++
	}
	f.dirty = true
}
