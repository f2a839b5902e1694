package fatfs

// Codepage identifies the OEM codepage used to decode/encode 8.3 short names
// that contain bytes outside ASCII. FAT stores short names in whatever
// codepage the formatting tool used; this engine ships only CP437 (the
// universal default) and lets callers plug in others.
type Codepage interface {
	// Decode maps a single OEM-codepage byte to a rune.
	Decode(b byte) rune
	// Encode maps a rune back to an OEM-codepage byte, and reports whether
	// the rune is representable.
	Encode(r rune) (byte, bool)
}

// FatCacheBytes is the compile-time-ish choice of total FAT sector cache
// capacity. Go has no const generics for this, so it is a
// constructor-time choice instead, kept as a closed enum to preserve the
// spec's intent that callers pick from a small fixed menu rather than an
// arbitrary byte count.
type FatCacheBytes int

// Valid FAT cache capacities. FatCacheDisabled compiles the cache down to a
// passthrough with no retained memory.
const (
	FatCacheDisabled FatCacheBytes = 0
	FatCache4KiB     FatCacheBytes = 4 * 1024
	FatCache8KiB     FatCacheBytes = 8 * 1024
	FatCache16KiB    FatCacheBytes = 16 * 1024
)

// Options configures a Mount or Format call. The zero Options is a
// reasonable, conservative default: no access-time updates, and the bitmap,
// directory cache, transaction log and FAT cache all disabled.
type Options struct {
	// UpdateAccessTime is carried in Options, but no read path consults it:
	// reads never update a file's last-access date, whatever its value.
	UpdateAccessTime bool

	// IgnoreHidden is carried in Options, but directory iteration does not
	// consult it: entries with the hidden attribute are always listed.
	IgnoreHidden bool

	// OEMCodepage defaults to CP437. The directory engine does not call it:
	// 8.3 short names are converted to and from strings byte for byte.
	OEMCodepage Codepage

	// Clock supplies directory-entry timestamps. Defaults to a Clock that
	// always reports the zero Timestamp.
	Clock Clock

	// FatCacheSize selects the FAT sector cache capacity. Zero (the
	// default) disables the cache.
	FatCacheSize FatCacheBytes

	// EnableBitmap builds the in-memory free-cluster bitmap at mount.
	EnableBitmap bool

	// EnableTransactionLog enables the write-ahead transaction log for
	// metadata crash-safety. Off by default since it costs a reserved
	// region and extra writes.
	EnableTransactionLog bool

	// EnableDirCache enables the small LRU cache mapping
	// (parent cluster, name) to directory offsets.
	EnableDirCache bool

	// ReadOnly mounts the volume read-only: all mutating operations return
	// ErrReadOnly.
	ReadOnly bool

	// Log receives structured log lines for warnings (e.g. bitmap/FAT
	// disagreement corrections) and debug tracing. Defaults to a no-op
	// logger.
	Log Logger
}

func (o Options) withDefaults() Options {
	if o.OEMCodepage == nil {
		o.OEMCodepage = CP437{}
	}
	if o.Clock == nil {
		o.Clock = zeroClock{}
	}
	if o.Log == nil {
		o.Log = noopLogger{}
	}
	return o
}

// FormatOptions configures Format. It embeds the geometry choices a format
// tool must make; Options configures the resulting mount.
type FormatOptions struct {
	// BlockSize must match the BlockDevice's own reported block size.
	BlockSize BlockSize

	// SectorsPerCluster must be a power of two in [1, 128] and the
	// resulting cluster size must not exceed 32 KiB.
	SectorsPerCluster uint8

	// TotalSectors is the number of sectors the filesystem should occupy,
	// starting at sector 0 of the device.
	TotalSectors uint32

	// NumFATs is the number of FAT copies to maintain. Typically 2.
	NumFATs uint8

	// ReservedSectors is the number of sectors before the first FAT,
	// including the boot sector itself. Typically 1 for FAT12/16, 32 for
	// FAT32.
	ReservedSectors uint16

	// RootEntryCount is the fixed root directory entry count for FAT12/16.
	// Ignored (must be 0) for FAT32, where the root directory lives in a
	// cluster chain instead.
	RootEntryCount uint16

	// TransactionLogSectors reserves this many sectors (within
	// ReservedSectors) for the write-ahead transaction log. Zero disables
	// the feature for this volume permanently: it is a format-time, not
	// mount-time, choice.
	TransactionLogSectors uint16

	// VolumeLabel is an up-to-11-byte ASCII volume label.
	VolumeLabel string

	// Clock defaults to a zero-Timestamp Clock. Format writes no volume-id
	// directory entry and stamps nothing with it; VolumeLabel is written to
	// the boot sector only.
	Clock Clock
}
