package fatfs

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/embeddedfat/fatfs/checkpoint"
)

// FatType identifies which of the three FAT variants a mounted volume uses.
// The variant is derived purely from cluster count per the Microsoft
// thresholds; it is never read from a field in the BPB.
type FatType uint8

// FAT variants.
const (
	FAT12 FatType = iota
	FAT16
	FAT32
)

func (t FatType) String() string {
	switch t {
	case FAT12:
		return "FAT12"
	case FAT16:
		return "FAT16"
	case FAT32:
		return "FAT32"
	default:
		return "FAT(unknown)"
	}
}

// rawBPB is the on-disk layout of the common BIOS Parameter Block, bytes
// 0..36 of the boot sector, shared by all three FAT variants.
type rawBPB struct {
	BSJumpBoot          [3]byte
	BSOEMName           [8]byte
	BytesPerSector      uint16
	SectorsPerCluster   uint8
	ReservedSectorCount uint16
	NumFATs             uint8
	RootEntryCount      uint16
	TotalSectors16      uint16
	Media               uint8
	FATSize16           uint16
	SectorsPerTrack     uint16
	NumberOfHeads       uint16
	HiddenSectors       uint32
	TotalSectors32      uint32
}

// rawFAT32Extension is the FAT32-only tail of the BPB, immediately following
// rawBPB in the boot sector.
type rawFAT32Extension struct {
	FATSize32        uint32
	ExtFlags         uint16
	FSVersion        uint16
	RootCluster      uint32
	FSInfoSector     uint16
	BkBootSector     uint16
	Reserved         [12]byte
	BSDriveNumber    uint8
	BSReserved1      uint8
	BSBootSignature  uint8
	BSVolumeID       uint32
	BSVolumeLabel    [11]byte
	BSFileSystemType [8]byte
}

// bootSectorSignatureOffset is the offset of the mandatory 0x55AA signature
// word within any FAT boot sector, regardless of variant.
const bootSectorSignatureOffset = 510

// BPB is the parsed, validated boot-sector record. It is immutable after
// Mount.
type BPB struct {
	OEMName           string
	BytesPerSector    uint16
	SectorsPerCluster uint8
	ReservedSectors   uint16
	NumFATs           uint8
	RootEntryCount    uint16
	TotalSectors      uint32
	FATSize           uint32
	Media             uint8
	VolumeLabel       string

	// FAT32-only fields. Zero for FAT12/16.
	FAT32RootCluster  uint32
	FAT32FSInfoSector uint16
	FAT32BkBootSector uint16

	// Derived geometry, computed once at mount and cached for the lifetime
	// of the Volume.
	Type            FatType
	TotalClusters   uint32
	RootDirSectors  uint32
	FATStartSector  uint32
	RootDirSector   uint32 // FAT12/16 only
	DataStartSector uint32

	// TxLogSectors is the count of sectors, within the reserved region,
	// set aside at format time for the write-ahead transaction log
	//. Zero means the volume was formatted without
	// one. Stored on disk in a byte Microsoft's spec marks reserved: the
	// FAT12/16 EBPB's BSReserved1 byte, or the first two bytes of the
	// FAT32 EBPB's 12-byte Reserved field.
	TxLogSectors uint16

	// TxLogStartSector is the first absolute sector of the transaction
	// log region, derived as the last TxLogSectors sectors of the
	// reserved region (immediately preceding FATStartSector), valid only
	// when TxLogSectors != 0.
	TxLogStartSector uint32
}

// ClusterSize returns the number of bytes in one cluster.
func (b *BPB) ClusterSize() uint32 {
	return uint32(b.BytesPerSector) * uint32(b.SectorsPerCluster)
}

// ClusterToSector returns the first sector of the data-region cluster n.
// Cluster numbers below 2 are not valid data clusters.
func (b *BPB) ClusterToSector(n uint32) uint32 {
	return b.DataStartSector + (n-2)*uint32(b.SectorsPerCluster)
}

// classifyFatType applies the Microsoft cluster-count thresholds exactly
//: <4085 FAT12, <65525 FAT16, else FAT32. No heuristics.
func classifyFatType(totalClusters uint32) FatType {
	switch {
	case totalClusters < 4085:
		return FAT12
	case totalClusters < 65525:
		return FAT16
	default:
		return FAT32
	}
}

// parseBPB reads and validates sector 0 of the device, producing a BPB with
// all derived geometry filled in. deviceBlockSize is the block size the
// BlockDevice itself reports; it must match the BPB's BytesPerSector.
func parseBPB(sector0 []byte, deviceBlockSize BlockSize, skipChecks bool) (*BPB, error) {
	if len(sector0) < 512 {
		return nil, checkpoint.Wrap(ErrCorruptedFileSystem, fmt.Errorf("boot sector short read: %d bytes", len(sector0)))
	}

	if !skipChecks {
		sig := binary.LittleEndian.Uint16(sector0[bootSectorSignatureOffset:])
		if sig != 0xAA55 {
			return nil, checkpoint.Wrap(ErrCorruptedFileSystem, fmt.Errorf("bad boot sector signature %#04x", sig))
		}
	}

	var raw rawBPB
	if err := binary.Read(bytes.NewReader(sector0), binary.LittleEndian, &raw); err != nil {
		return nil, checkpoint.Wrap(ErrCorruptedFileSystem, err)
	}

	if !skipChecks {
		if !(raw.BSJumpBoot[0] == 0xEB && raw.BSJumpBoot[2] == 0x90) && raw.BSJumpBoot[0] != 0xE9 {
			return nil, checkpoint.Wrap(ErrCorruptedFileSystem, fmt.Errorf("invalid jump instruction %v", raw.BSJumpBoot))
		}

		if !BlockSize(raw.BytesPerSector).Valid() {
			return nil, checkpoint.Wrap(ErrCorruptedFileSystem, fmt.Errorf("invalid bytes-per-sector %d", raw.BytesPerSector))
		}
		if uint16(deviceBlockSize) != raw.BytesPerSector {
			return nil, checkpoint.Wrap(ErrCorruptedFileSystem,
				fmt.Errorf("BPB bytes-per-sector %d does not match device block size %d", raw.BytesPerSector, deviceBlockSize))
		}

		if raw.SectorsPerCluster == 0 || raw.SectorsPerCluster&(raw.SectorsPerCluster-1) != 0 || raw.SectorsPerCluster > 128 {
			return nil, checkpoint.Wrap(ErrCorruptedFileSystem, fmt.Errorf("invalid sectors-per-cluster %d", raw.SectorsPerCluster))
		}
		if uint32(raw.BytesPerSector)*uint32(raw.SectorsPerCluster) > 32*1024 {
			return nil, checkpoint.Wrap(ErrCorruptedFileSystem, fmt.Errorf("cluster size exceeds 32 KiB"))
		}

		if raw.ReservedSectorCount == 0 {
			return nil, checkpoint.Wrap(ErrCorruptedFileSystem, fmt.Errorf("reserved sector count is 0"))
		}

		if raw.NumFATs == 0 {
			return nil, checkpoint.Wrap(ErrCorruptedFileSystem, fmt.Errorf("NumFATs is 0"))
		}
	}

	b := &BPB{
		OEMName:           cstring(raw.BSOEMName[:]),
		BytesPerSector:    raw.BytesPerSector,
		SectorsPerCluster: raw.SectorsPerCluster,
		ReservedSectors:   raw.ReservedSectorCount,
		NumFATs:           raw.NumFATs,
		RootEntryCount:    raw.RootEntryCount,
		Media:             raw.Media,
	}

	if raw.TotalSectors16 != 0 {
		b.TotalSectors = uint32(raw.TotalSectors16)
	} else {
		b.TotalSectors = raw.TotalSectors32
	}

	rootDirBytes := uint32(raw.RootEntryCount) * 32
	b.RootDirSectors = (rootDirBytes + uint32(raw.BytesPerSector) - 1) / uint32(raw.BytesPerSector)

	var fat32 rawFAT32Extension
	isFAT32Layout := raw.FATSize16 == 0
	if isFAT32Layout {
		if err := binary.Read(bytes.NewReader(sector0[36:]), binary.LittleEndian, &fat32); err != nil {
			return nil, checkpoint.Wrap(ErrCorruptedFileSystem, err)
		}
		b.FATSize = fat32.FATSize32
		b.FAT32RootCluster = fat32.RootCluster
		b.FAT32FSInfoSector = fat32.FSInfoSector
		b.FAT32BkBootSector = fat32.BkBootSector
		b.VolumeLabel = cstring(fat32.BSVolumeLabel[:])
		b.TxLogSectors = binary.LittleEndian.Uint16(fat32.Reserved[0:2])
	} else {
		b.FATSize = uint32(raw.FATSize16)
		var fat1216 struct {
			BSDriveNumber    uint8
			BSReserved1      uint8
			BSBootSignature  uint8
			BSVolumeID       uint32
			BSVolumeLabel    [11]byte
			BSFileSystemType [8]byte
		}
		if err := binary.Read(bytes.NewReader(sector0[36:]), binary.LittleEndian, &fat1216); err != nil {
			return nil, checkpoint.Wrap(ErrCorruptedFileSystem, err)
		}
		b.VolumeLabel = cstring(fat1216.BSVolumeLabel[:])
		b.TxLogSectors = uint16(fat1216.BSReserved1)
	}

	totalFATSectors := uint32(b.NumFATs) * b.FATSize
	if b.TotalSectors < uint32(b.ReservedSectors)+totalFATSectors+b.RootDirSectors {
		return nil, checkpoint.Wrap(ErrCorruptedFileSystem, fmt.Errorf("total sectors too small for reserved+FAT+root regions"))
	}
	dataSectors := b.TotalSectors - (uint32(b.ReservedSectors) + totalFATSectors + b.RootDirSectors)
	if dataSectors == 0 {
		return nil, checkpoint.Wrap(ErrCorruptedFileSystem, fmt.Errorf("zero data sectors"))
	}
	b.TotalClusters = dataSectors / uint32(b.SectorsPerCluster)
	if b.TotalClusters == 0 {
		return nil, checkpoint.Wrap(ErrCorruptedFileSystem, fmt.Errorf("zero data clusters"))
	}

	b.Type = classifyFatType(b.TotalClusters)

	if !skipChecks {
		if b.Type == FAT32 && !isFAT32Layout {
			return nil, checkpoint.Wrap(ErrCorruptedFileSystem, fmt.Errorf("cluster count implies FAT32 but FATSize16 is set"))
		}
		if b.Type == FAT32 && b.RootEntryCount != 0 {
			return nil, checkpoint.Wrap(ErrCorruptedFileSystem, fmt.Errorf("FAT32 volume has nonzero RootEntryCount"))
		}
		if b.Type != FAT32 && b.RootEntryCount == 0 {
			return nil, checkpoint.Wrap(ErrCorruptedFileSystem, fmt.Errorf("FAT12/16 volume has zero RootEntryCount"))
		}
		if b.Type == FAT32 && b.FAT32RootCluster < 2 {
			return nil, checkpoint.Wrap(ErrCorruptedFileSystem, fmt.Errorf("implausible FAT32 root cluster %d", b.FAT32RootCluster))
		}
	}

	b.FATStartSector = uint32(b.ReservedSectors)
	if b.Type == FAT32 {
		b.DataStartSector = b.FATStartSector + totalFATSectors
	} else {
		b.RootDirSector = b.FATStartSector + totalFATSectors
		b.DataStartSector = b.RootDirSector + b.RootDirSectors
	}
	if b.TxLogSectors != 0 {
		b.TxLogStartSector = b.FATStartSector - uint32(b.TxLogSectors)
	}

	return b, nil
}

// cstring trims trailing spaces and NUL bytes the way FAT pads fixed-width
// ASCII fields.
func cstring(b []byte) string {
	end := len(b)
	for end > 0 && (b[end-1] == ' ' || b[end-1] == 0) {
		end--
	}
	return string(b[:end])
}
