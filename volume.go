package fatfs

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/embeddedfat/fatfs/checkpoint"
)

// dirCacheDefaultCapacity bounds the directory-entry lookup cache when
// Options.EnableDirCache is set.
const dirCacheDefaultCapacity = 256

// maxShortWriteRetries bounds the retry loop around a block-device write
// that reports io.ErrShortWrite: rather than looping forever waiting for a
// transient zero-bytes-written condition to clear, give the device a
// bounded number of chances and then surface a definite error.
const maxShortWriteRetries = 3

// Volume is a mounted FAT12/16/32 filesystem: the owning BlockDevice plus
// every subcomponent engine wired together. It
// implements the narrow backend interfaces dir.go, file.go, fatcache.go and
// txlog.go declare, translating their FAT-relative and cluster-relative
// addressing into absolute block-device sector addresses.
//
// Volume itself holds no lock beyond flushMu, which serializes Flush;
// concurrency safety is distributed across its subcomponents: fatCache,
// dirCache and fileLockTable each guard their own state with a mutex, while
// clusterBitmap and transactionLog hold no lock of their own. Where an
// operation must touch more than one, code
// in this file acquires them in a fixed order: Disk -> FatCache -> Bitmap
// -> DirCache -> LockTable -> TransactionLog. None of
// those subcomponents call back into each other, so that order is enforced
// simply by calling them in sequence, never nesting a later one's lock scope
// inside an earlier one's.
type Volume struct {
	device BlockDevice
	bpb    *BPB
	fsinfo *FSInfo // nil for FAT12/16
	opts   Options

	fatCache  *fatCache
	fatTable  *fatTable
	bitmap    *clusterBitmap // nil if Options.EnableBitmap is false
	txlog     *transactionLog
	dirCache  *dirCache
	lockTable *fileLockTable

	flushMu sync.Mutex
	dirty   atomic.Bool // set once a CorruptedFileSystem error is observed
}

// Dirty reports whether this volume has observed a CorruptedFileSystem
// condition since mount. It never clears itself; a fresh Mount (after
// repair tooling has run) is required to reset it.
func (v *Volume) Dirty() bool { return v.dirty.Load() }

// markCorrupted flags the volume dirty and logs the full checkpoint chain
// of err before returning it unchanged: corruption errors surface and
// additionally mark the volume dirty (status byte in the BPB).
func (v *Volume) markCorrupted(err error) error {
	v.dirty.Store(true)
	if err != nil {
		v.opts.Log.WithFields(logrus.Fields{"chain": checkpoint.Chain(err)}).Warnf("filesystem corruption detected: %v", err)
	}
	return err
}

var (
	_ dirBackend      = (*Volume)(nil)
	_ fileBackend     = (*Volume)(nil)
	_ fatSectorSource = (*Volume)(nil)
	_ txLogBackend    = (*Volume)(nil)
)

// Mount reads and validates device's boot sector, brings up every
// subcomponent engine, and runs transaction-log recovery if enabled.
func Mount(ctx context.Context, device BlockDevice, opts Options) (*Volume, error) {
	return mount(ctx, device, opts, false)
}

// MountSkipChecks mounts without the stricter BPB sanity checks, for
// recovery tooling inspecting a possibly-foreign or damaged volume.
func MountSkipChecks(ctx context.Context, device BlockDevice, opts Options) (*Volume, error) {
	return mount(ctx, device, opts, true)
}

func mount(ctx context.Context, device BlockDevice, opts Options, skipChecks bool) (*Volume, error) {
	opts = opts.withDefaults()

	blockSize := device.BlockSize()
	if !blockSize.Valid() {
		return nil, checkpoint.Wrap(ErrCorruptedFileSystem, fmt.Errorf("device reports invalid block size %d", blockSize))
	}

	sector0 := make([]byte, blockSize)
	if err := device.ReadBlocks(ctx, sector0, 0); err != nil {
		return nil, checkpoint.Wrap(err, ErrIO)
	}
	bpb, err := parseBPB(sector0, blockSize, skipChecks)
	if err != nil {
		return nil, err
	}

	v := &Volume{
		device:    device,
		bpb:       bpb,
		opts:      opts,
		lockTable: newFileLockTable(),
	}

	if bpb.Type == FAT32 {
		fiBuf := make([]byte, blockSize)
		if err := device.ReadBlocks(ctx, fiBuf, uint64(bpb.FAT32FSInfoSector)); err != nil {
			return nil, checkpoint.Wrap(err, ErrIO)
		}
		fsinfo, err := parseFSInfo(fiBuf, uint32(bpb.FAT32FSInfoSector))
		if err != nil {
			if !skipChecks {
				return nil, err
			}
			fsinfo = newFSInfo(uint32(bpb.FAT32FSInfoSector), fsInfoUnknown, fsInfoUnknown)
			fsinfo.dirty = false
		}
		v.fsinfo = fsinfo
	}

	v.fatCache = newFatCache(v, int(bpb.BytesPerSector), opts.FatCacheSize)
	v.fatTable = newFatTable(bpb, v.fatCache, v.fsinfo)

	if opts.EnableBitmap {
		bm, err := buildClusterBitmap(ctx, v.fatTable, bpb, opts.Log)
		if err != nil {
			return nil, err
		}
		v.bitmap = bm
	}

	capacity := 0
	if opts.EnableDirCache {
		capacity = dirCacheDefaultCapacity
	}
	v.dirCache = newDirCache(capacity)

	if opts.EnableTransactionLog {
		if bpb.TxLogSectors == 0 {
			return nil, checkpoint.Wrap(ErrInvalidInput, fmt.Errorf("transaction log requested but volume was not formatted with one"))
		}
		v.txlog = newTransactionLog(v)
		if err := v.txlog.Recover(ctx, v.restoreSectors); err != nil {
			return nil, err
		}
	}

	return v, nil
}

// restoreSectors is the transactionLog.Recover callback: it replays a
// transaction's backup-data pre-image back onto its affected sectors, used
// to roll back whatever a prior session left Pending or InProgress at crash
// time.
func (v *Volume) restoreSectors(ctx context.Context, sectors []uint32, backup []byte) error {
	sectorSize := int(v.bpb.BytesPerSector)
	off := 0
	for _, s := range sectors {
		if off >= len(backup) {
			break
		}
		n := sectorSize
		if off+n > len(backup) {
			n = len(backup) - off
		}
		buf, err := v.readSectors(ctx, s, 1)
		if err != nil {
			return err
		}
		copy(buf, backup[off:off+n])
		if err := v.writeSectors(ctx, s, buf); err != nil {
			return err
		}
		off += n
	}
	return nil
}

// --- absolute sector I/O -----------------------------------------------

func (v *Volume) readSectors(ctx context.Context, abs uint32, count int) ([]byte, error) {
	buf := make([]byte, int(v.bpb.BytesPerSector)*count)
	if err := v.device.ReadBlocks(ctx, buf, uint64(abs)); err != nil {
		return nil, checkpoint.Wrap(err, ErrIO)
	}
	return buf, nil
}

// writeSectors writes data (a multiple of the sector size) starting at
// absolute sector abs, retrying up to maxShortWriteRetries times if the
// device reports io.ErrShortWrite before giving up with a definite error.
func (v *Volume) writeSectors(ctx context.Context, abs uint32, data []byte) error {
	if v.opts.ReadOnly {
		return checkpoint.Wrap(ErrReadOnly, fmt.Errorf("volume is mounted read-only"))
	}

	var lastErr error
	for attempt := 0; attempt < maxShortWriteRetries; attempt++ {
		err := v.device.WriteBlocks(ctx, data, uint64(abs))
		if err == nil {
			return nil
		}
		lastErr = err
		if !errors.Is(err, io.ErrShortWrite) {
			return checkpoint.Wrap(err, ErrIO)
		}
	}

	if v.bitmap != nil && v.bitmap.FreeCount() == 0 {
		return checkpoint.Wrap(ErrNoSpace, fmt.Errorf("block device reported a short write %d times and the volume has no free clusters", maxShortWriteRetries))
	}
	return checkpoint.Wrap(lastErr, ErrIO)
}

// --- dirBackend ----------------------------------------------------------

func (v *Volume) readCluster(ctx context.Context, cluster uint32) ([]byte, error) {
	return v.readSectors(ctx, v.bpb.ClusterToSector(cluster), int(v.bpb.SectorsPerCluster))
}

func (v *Volume) writeCluster(ctx context.Context, cluster uint32, data []byte) error {
	return v.writeSectors(ctx, v.bpb.ClusterToSector(cluster), data)
}

func (v *Volume) readRootSector(ctx context.Context, idx uint32) ([]byte, error) {
	return v.readSectors(ctx, v.bpb.RootDirSector+idx, 1)
}

func (v *Volume) writeRootSector(ctx context.Context, idx uint32, data []byte) error {
	return v.writeSectors(ctx, v.bpb.RootDirSector+idx, data)
}

func (v *Volume) clusterChain(ctx context.Context, first uint32) ([]uint32, error) {
	chain, err := v.fatTable.walk(ctx, first)
	if err != nil && errors.Is(err, ErrCorruptedFileSystem) {
		return chain, v.markCorrupted(err)
	}
	return chain, err
}

// growChain allocates exactly one cluster, zero-fills it, and links it to
// the end of the chain rooted at first (first == 0 starts a brand new
// chain), satisfying the dirBackend contract dir.go's dirStream.ensureSlots
// relies on.
func (v *Volume) growChain(ctx context.Context, first uint32) (uint32, error) {
	var tail *uint32
	if first != 0 {
		chain, err := v.fatTable.walk(ctx, first)
		if err != nil {
			return 0, err
		}
		if len(chain) > 0 {
			t := chain[len(chain)-1]
			tail = &t
		}
	}
	cluster, err := v.fatTable.allocChain(ctx, v.bitmap, tail, 1)
	if err != nil {
		return 0, err
	}
	zero := make([]byte, v.bpb.ClusterSize())
	if err := v.writeCluster(ctx, cluster, zero); err != nil {
		return 0, err
	}
	return cluster, nil
}

func (v *Volume) clock() Clock { return v.opts.Clock }

// --- fileBackend (beyond dirBackend) --------------------------------------

func (v *Volume) clusterSize() uint32 { return v.bpb.ClusterSize() }

func (v *Volume) readClusterRun(ctx context.Context, startCluster uint32, count int) ([]byte, error) {
	return v.readSectors(ctx, v.bpb.ClusterToSector(startCluster), count*int(v.bpb.SectorsPerCluster))
}

func (v *Volume) writeClusterRun(ctx context.Context, startCluster uint32, data []byte) error {
	return v.writeSectors(ctx, v.bpb.ClusterToSector(startCluster), data)
}

// allocChain satisfies fileBackend by closing over the Volume's own bitmap
// rather than accepting one as a parameter: fattable.go's allocChain takes
// the bitmap explicitly so it stays testable without a Volume, but every
// real caller only ever has one bitmap to offer, so the adapter method here
// is the single place that supplies it.
func (v *Volume) allocChain(ctx context.Context, prevTail *uint32, count int) (uint32, error) {
	return v.fatTable.allocChain(ctx, v.bitmap, prevTail, count)
}

func (v *Volume) truncateChainAfter(ctx context.Context, first uint32, keepCount int) error {
	return v.fatTable.truncateChainAfter(ctx, v.bitmap, first, keepCount)
}

func (v *Volume) freeChain(ctx context.Context, first uint32) error {
	if v.bitmap != nil {
		chain, err := v.fatTable.walk(ctx, first)
		if err != nil {
			return err
		}
		for _, c := range chain {
			if err := v.bitmap.reconcile(ctx, v.fatTable, c, v.opts.Log); err != nil {
				return v.markCorrupted(err)
			}
		}
	}
	return v.fatTable.freeChain(ctx, v.bitmap, first)
}

func (v *Volume) locks() *fileLockTable { return v.lockTable }

// --- fatSectorSource -------------------------------------------------------

func (v *Volume) readFATSector(ctx context.Context, sectorInFAT uint32) ([]byte, error) {
	return v.readSectors(ctx, v.bpb.FATStartSector+sectorInFAT, 1)
}

func (v *Volume) writeFATSector(ctx context.Context, sectorInFAT uint32, data []byte) error {
	return v.writeSectors(ctx, v.bpb.FATStartSector+sectorInFAT, data)
}

// mirrorFATSectors fans the given primary-FAT sectors out to every secondary
// FAT copy concurrently via errgroup, preserving the flush order: the
// primary copy must already be durable before mirrors are written.
func (v *Volume) mirrorFATSectors(ctx context.Context, sectors []fatDirtySector) error {
	if v.bpb.NumFATs < 2 || len(sectors) == 0 {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	for n := uint32(1); n < uint32(v.bpb.NumFATs); n++ {
		n := n
		g.Go(func() error {
			for _, s := range sectors {
				abs := v.bpb.FATStartSector + n*v.bpb.FATSize + s.sector
				if err := v.writeSectors(gctx, abs, s.data); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// dirSectors returns the absolute sectors backing the directory rooted at
// firstCluster (0 meaning the fixed FAT12/16 root), bounded to txMaxSectors,
// for use as a transaction's protected region. A directory entry's exact
// slot is somewhere within this region; the bound matters only in that a
// region larger than txBackupDataSize yields a best-effort, truncated
// backup rather than a whole-region rollback.
func (v *Volume) dirSectors(ctx context.Context, firstCluster uint32) ([]uint32, error) {
	if firstCluster == 0 {
		n := v.bpb.RootDirSectors
		if n > txMaxSectors {
			n = txMaxSectors
		}
		sectors := make([]uint32, n)
		for i := range sectors {
			sectors[i] = v.bpb.RootDirSector + uint32(i)
		}
		return sectors, nil
	}

	chain, err := v.fatTable.walk(ctx, firstCluster)
	if err != nil {
		return nil, err
	}
	sectors := make([]uint32, 0, txMaxSectors)
	for _, c := range chain {
		base := v.bpb.ClusterToSector(c)
		for i := uint32(0); i < uint32(v.bpb.SectorsPerCluster); i++ {
			if len(sectors) >= txMaxSectors {
				return sectors, nil
			}
			sectors = append(sectors, base+i)
		}
	}
	return sectors, nil
}

// withMetadataTx protects fn's directory/FAT mutation with the transaction
// log, when one is enabled (Options.EnableTransactionLog): it snapshots the
// current contents of sectors as backup data, writes a Pending then
// InProgress log entry, runs fn, and Commits on success. If the process
// dies between MarkInProgress and Commit, the next Mount's Recover writes
// that backup back over the start of sectors; the backup holds at most
// txBackupDataSize bytes, so only that much of the region is restored to
// its pre-fn contents (see dirSectors). With no transaction log
// enabled this is just fn() — metadata protection is an opt-in feature, not
// a correctness requirement of the core engine.
func (v *Volume) withMetadataTx(ctx context.Context, txType TransactionType, sectors []uint32, fn func() error) error {
	if v.txlog == nil {
		return fn()
	}
	if len(sectors) > txMaxSectors {
		sectors = sectors[:txMaxSectors]
	}

	sectorSize := int(v.bpb.BytesPerSector)
	backup := make([]byte, 0, txBackupDataSize)
	for _, s := range sectors {
		if len(backup) >= txBackupDataSize {
			break
		}
		data, err := v.readSectors(ctx, s, 1)
		if err != nil {
			return err
		}
		n := sectorSize
		if len(backup)+n > txBackupDataSize {
			n = txBackupDataSize - len(backup)
		}
		backup = append(backup, data[:n]...)
	}

	slot, err := v.txlog.Begin(ctx, txType, sectors, backup)
	if err != nil {
		return err
	}
	if err := v.txlog.MarkInProgress(ctx, slot); err != nil {
		return err
	}
	if err := fn(); err != nil {
		return err
	}
	return v.txlog.Commit(ctx, slot)
}

// --- txLogBackend ----------------------------------------------------------

func (v *Volume) readLogSector(ctx context.Context, idx uint32) ([]byte, error) {
	return v.readSectors(ctx, v.bpb.TxLogStartSector+idx, 1)
}

func (v *Volume) writeLogSector(ctx context.Context, idx uint32, data []byte) error {
	return v.writeSectors(ctx, v.bpb.TxLogStartSector+idx, data)
}

// --- directory/file handle surface -----------------------------------------

// Dir is a directory handle, a thin wrapper borrowing the Volume's lifetime
// rather than owning any state of its own.
type Dir struct {
	vol   *Volume
	inner *directory
}

// BPB returns the volume's parsed, immutable boot-sector geometry.
func (v *Volume) BPB() *BPB { return v.bpb }

// RootDir returns a handle on the volume's root directory: the fixed
// FAT12/16 region, or the FAT32 root cluster chain.
func (v *Volume) RootDir() *Dir {
	first := uint32(0)
	if v.bpb.Type == FAT32 {
		first = v.bpb.FAT32RootCluster
	}
	return &Dir{vol: v, inner: openDirectory(v, v.bpb, v.dirCache, first)}
}

func (d *Dir) firstCluster() uint32 { return d.inner.firstCluster }

// List returns every live entry in the directory, in on-disk order.
func (d *Dir) List(ctx context.Context) ([]DirEntry, error) { return d.inner.List(ctx) }

// Find looks up name case-insensitively.
func (d *Dir) Find(ctx context.Context, name string) (DirEntry, bool, error) {
	return d.inner.Find(ctx, name)
}

// OpenDir opens a child directory by name.
func (d *Dir) OpenDir(ctx context.Context, name string) (*Dir, error) {
	e, ok, err := d.inner.Find(ctx, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, checkpoint.Wrap(ErrNotFound, fmt.Errorf("directory %q not found", name))
	}
	if !e.IsDir() {
		return nil, checkpoint.Wrap(ErrNotDirectory, fmt.Errorf("%q is not a directory", name))
	}
	return &Dir{vol: d.vol, inner: openDirectory(d.vol, d.vol.bpb, d.vol.dirCache, e.FirstCluster)}, nil
}

// OpenFile opens a regular file by name, acquiring a shared or exclusive
// lock on it according to writeable.
func (d *Dir) OpenFile(ctx context.Context, name string, writeable bool) (*File, error) {
	e, ok, err := d.inner.Find(ctx, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, checkpoint.Wrap(ErrNotFound, fmt.Errorf("file %q not found", name))
	}
	if e.IsDir() {
		return nil, checkpoint.Wrap(ErrIsDirectory, fmt.Errorf("%q is a directory", name))
	}
	if writeable {
		if d.vol.opts.ReadOnly {
			return nil, checkpoint.Wrap(ErrReadOnly, fmt.Errorf("volume is mounted read-only"))
		}
		if e.IsReadOnly() {
			return nil, checkpoint.Wrap(ErrReadOnly, fmt.Errorf("%q has the read-only attribute", name))
		}
	}

	mode := LockShared
	if writeable {
		mode = LockExclusive
	}
	tok, ok := d.vol.lockTable.TryAcquire(e.FirstCluster, mode)
	if !ok {
		return nil, checkpoint.Wrap(ErrFileLocked, fmt.Errorf("%q is locked", name))
	}

	f := openFile(d.vol, d.inner, e, writeable, false)
	f.lockTok = tok
	return f, nil
}

// CreateFile creates and opens a new, empty, writeable file.
func (d *Dir) CreateFile(ctx context.Context, name string) (*File, error) {
	if d.vol.opts.ReadOnly {
		return nil, checkpoint.Wrap(ErrReadOnly, fmt.Errorf("volume is mounted read-only"))
	}
	sectors, err := d.vol.dirSectors(ctx, d.firstCluster())
	if err != nil {
		return nil, err
	}
	var e DirEntry
	err = d.vol.withMetadataTx(ctx, TxDirEntryUpdate, sectors, func() error {
		var createErr error
		e, createErr = d.inner.Create(ctx, name, AttrArchive, 0)
		return createErr
	})
	if err != nil {
		return nil, err
	}
	tok, _ := d.vol.lockTable.TryAcquire(e.FirstCluster, LockExclusive) // FirstCluster == 0: never contended
	f := openFile(d.vol, d.inner, e, true, false)
	f.lockTok = tok
	return f, nil
}

// CreateDir creates a new subdirectory, populating its first cluster with
// the conventional "." and ".." entries. The FAT32 root
// itself never carries these, since it has no parent; CreateDir is never
// called to create the root.
func (d *Dir) CreateDir(ctx context.Context, name string) (*Dir, error) {
	if d.vol.opts.ReadOnly {
		return nil, checkpoint.Wrap(ErrReadOnly, fmt.Errorf("volume is mounted read-only"))
	}

	newCluster, err := d.vol.growChain(ctx, 0)
	if err != nil {
		return nil, err
	}

	parentSectors, err := d.vol.dirSectors(ctx, d.firstCluster())
	if err != nil {
		return nil, err
	}
	newDirSectors, err := d.vol.dirSectors(ctx, newCluster)
	if err != nil {
		return nil, err
	}
	sectors := append(append([]uint32{}, parentSectors...), newDirSectors...)

	err = d.vol.withMetadataTx(ctx, TxDirEntryUpdate, sectors, func() error {
		now := d.vol.opts.Clock.Now()
		date, timeField, tenth := encodeTimestamp(now)

		data, err := d.vol.readCluster(ctx, newCluster)
		if err != nil {
			return err
		}

		var dot rawShortEntry
		dot.Name = packShortName(".", "")
		dot.Attr = AttrDirectory
		dot.CreateDate, dot.CreateTime, dot.CreateTimeTenth = date, timeField, tenth
		dot.WriteDate, dot.WriteTime = date, timeField
		dot.LastAccessDate = date
		dot.setFirstCluster(newCluster)

		dotdot := dot
		dotdot.Name = packShortName("..", "")
		dotdot.setFirstCluster(d.firstCluster())

		dotBuf := make([]byte, dirEntrySize)
		dot.encode(dotBuf)
		copy(data[0:dirEntrySize], dotBuf)

		dotdotBuf := make([]byte, dirEntrySize)
		dotdot.encode(dotdotBuf)
		copy(data[dirEntrySize:2*dirEntrySize], dotdotBuf)

		if err := d.vol.writeCluster(ctx, newCluster, data); err != nil {
			return err
		}

		_, err = d.inner.Create(ctx, name, AttrDirectory, newCluster)
		return err
	})
	if err != nil {
		if freeErr := d.vol.freeChain(ctx, newCluster); freeErr != nil {
			d.vol.opts.Log.Warnf("CreateDir: failed to free cluster %d after Create error: %v", newCluster, freeErr)
		}
		return nil, err
	}

	return &Dir{vol: d.vol, inner: openDirectory(d.vol, d.vol.bpb, d.vol.dirCache, newCluster)}, nil
}

// Remove deletes the named entry. A non-empty directory is rejected with
// ErrNotEmpty; its cluster chain is freed only after its
// directory-entry slots are marked deleted.
func (d *Dir) Remove(ctx context.Context, name string) error {
	if d.vol.opts.ReadOnly {
		return checkpoint.Wrap(ErrReadOnly, fmt.Errorf("volume is mounted read-only"))
	}
	e, ok, err := d.inner.Find(ctx, name)
	if err != nil {
		return err
	}
	if !ok {
		return checkpoint.Wrap(ErrNotFound, fmt.Errorf("entry %q not found", name))
	}
	if e.IsDir() {
		sub := openDirectory(d.vol, d.vol.bpb, d.vol.dirCache, e.FirstCluster)
		empty, err := sub.IsEmpty(ctx)
		if err != nil {
			return err
		}
		if !empty {
			return checkpoint.Wrap(ErrNotEmpty, fmt.Errorf("directory %q is not empty", name))
		}
	}

	tok, ok := d.vol.lockTable.TryAcquire(e.FirstCluster, LockExclusive)
	if !ok {
		return checkpoint.Wrap(ErrFileLocked, fmt.Errorf("%q is locked", name))
	}
	defer d.vol.lockTable.Release(e.FirstCluster, tok)

	sectors, err := d.vol.dirSectors(ctx, d.firstCluster())
	if err != nil {
		return err
	}
	return d.vol.withMetadataTx(ctx, TxDirEntryUpdate, sectors, func() error {
		if err := d.inner.Remove(ctx, name); err != nil {
			return err
		}
		if e.FirstCluster != 0 {
			return d.vol.freeChain(ctx, e.FirstCluster)
		}
		return nil
	})
}

// Rename renames an entry within this directory.
func (d *Dir) Rename(ctx context.Context, oldName, newName string) (DirEntry, error) {
	if d.vol.opts.ReadOnly {
		return DirEntry{}, checkpoint.Wrap(ErrReadOnly, fmt.Errorf("volume is mounted read-only"))
	}
	sectors, err := d.vol.dirSectors(ctx, d.firstCluster())
	if err != nil {
		return DirEntry{}, err
	}
	var renamed DirEntry
	err = d.vol.withMetadataTx(ctx, TxDirEntryUpdate, sectors, func() error {
		var renameErr error
		renamed, renameErr = d.inner.Rename(ctx, oldName, newName)
		return renameErr
	})
	return renamed, err
}

// MoveTo moves an entry from this directory into dest under newName,
// orchestrating the create-then-remove dir.go's own Rename defers to the
// caller (dir.go: "that orchestration lives in volume.go where both
// directories are in scope"). If the moved entry is itself a directory, its
// ".." entry is rewritten to point at dest.
func (d *Dir) MoveTo(ctx context.Context, oldName string, dest *Dir, newName string) (DirEntry, error) {
	if d.vol.opts.ReadOnly {
		return DirEntry{}, checkpoint.Wrap(ErrReadOnly, fmt.Errorf("volume is mounted read-only"))
	}
	e, ok, err := d.inner.Find(ctx, oldName)
	if err != nil {
		return DirEntry{}, err
	}
	if !ok {
		return DirEntry{}, checkpoint.Wrap(ErrNotFound, fmt.Errorf("entry %q not found", oldName))
	}
	if _, exists, err := dest.inner.Find(ctx, newName); err != nil {
		return DirEntry{}, err
	} else if exists {
		return DirEntry{}, checkpoint.Wrap(ErrAlreadyExists, fmt.Errorf("entry %q already exists in destination", newName))
	}

	srcSectors, err := d.vol.dirSectors(ctx, d.firstCluster())
	if err != nil {
		return DirEntry{}, err
	}
	destSectors, err := d.vol.dirSectors(ctx, dest.firstCluster())
	if err != nil {
		return DirEntry{}, err
	}
	sectors := append(append([]uint32{}, srcSectors...), destSectors...)

	var created DirEntry
	err = d.vol.withMetadataTx(ctx, TxDirEntryUpdate, sectors, func() error {
		var createErr error
		created, createErr = dest.inner.Create(ctx, newName, e.Attr, e.FirstCluster)
		if createErr != nil {
			return createErr
		}
		if e.Size != 0 {
			if _, err := dest.inner.updateShortEntry(ctx, &created, func(s *rawShortEntry) {
				s.FileSize = e.Size
			}); err != nil {
				return err
			}
			created.Size = e.Size
		}

		if err := d.inner.Remove(ctx, oldName); err != nil {
			return err
		}

		if e.IsDir() && e.FirstCluster != 0 {
			if err := d.vol.fixDotDot(ctx, e.FirstCluster, dest.firstCluster()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return DirEntry{}, err
	}
	return created, nil
}

// fixDotDot rewrites the ".." entry (always the second slot of a
// subdirectory's first cluster) to point at newParentCluster, used after a
// directory is moved to a new parent.
func (v *Volume) fixDotDot(ctx context.Context, dirFirstCluster, newParentCluster uint32) error {
	data, err := v.readCluster(ctx, dirFirstCluster)
	if err != nil {
		return err
	}
	off := dirEntrySize
	short := decodeRawShortEntry(data[off : off+dirEntrySize])
	short.setFirstCluster(newParentCluster)
	buf := make([]byte, dirEntrySize)
	short.encode(buf)
	copy(data[off:off+dirEntrySize], buf)
	return v.writeCluster(ctx, dirFirstCluster, data)
}

// --- lifecycle --------------------------------------------------------------

// Flush writes back every dirty in-memory subcomponent: the FAT sector
// cache (primary then mirrors) and the FSInfo sector, then asks the device
// to persist everything to stable storage.
func (v *Volume) Flush(ctx context.Context) error {
	v.flushMu.Lock()
	defer v.flushMu.Unlock()

	if err := v.fatTable.flush(ctx); err != nil {
		return err
	}

	if v.fsinfo != nil && v.fsinfo.dirty {
		if v.bitmap != nil {
			v.fsinfo.FreeCount = v.bitmap.FreeCount()
		}
		buf := make([]byte, v.bpb.BytesPerSector)
		v.fsinfo.encode(buf)
		if err := v.writeSectors(ctx, v.fsinfo.sector, buf); err != nil {
			return err
		}
		v.fsinfo.dirty = false
	}

	return v.device.Sync(ctx)
}

// Unmount flushes every pending write and releases nothing else; Volume
// holds no OS-level resource of its own beyond the caller-owned BlockDevice.
func (v *Volume) Unmount(ctx context.Context) error {
	return v.Flush(ctx)
}

// --- Format ------------------------------------------------------------

// ceilDivI64 rounds a/b up to the nearest integer for positive a, b.
func ceilDivI64(a, b int64) int64 { return (a + b - 1) / b }

// computeFATGeometry solves for the FAT size (in sectors) and resulting
// cluster count and FAT variant given the fixed inputs of a format request,
// iterating because the variant (and hence bits-per-entry) depends on the
// cluster count, which depends on the FAT size, which depends on the
// variant. This mirrors the classic mkdosfs bootstrap and converges in one
// or two iterations for any sane geometry.
func computeFATGeometry(totalSectors uint32, reserved uint16, rootDirSectors uint32, numFATs uint8, sectorsPerCluster uint8, bytesPerSector uint16) (fatSize uint32, totalClusters uint32, fatType FatType, err error) {
	avail := int64(totalSectors) - int64(reserved) - int64(rootDirSectors)
	if avail <= 0 {
		return 0, 0, 0, checkpoint.Wrap(ErrInvalidInput, fmt.Errorf("not enough sectors for the reserved and root-directory regions"))
	}

	bitsPerEntry := int64(16)
	for iter := 0; iter < 8; iter++ {
		denom := int64(bytesPerSector)*8*int64(sectorsPerCluster) + int64(numFATs)*bitsPerEntry
		fs := ceilDivI64(avail*bitsPerEntry, denom)
		if fs < 1 {
			fs = 1
		}
		dataSectors := avail - int64(numFATs)*fs
		if dataSectors <= 0 {
			return 0, 0, 0, checkpoint.Wrap(ErrInvalidInput, fmt.Errorf("volume too small for the requested geometry"))
		}
		clusters := uint32(dataSectors) / uint32(sectorsPerCluster)
		if clusters == 0 {
			return 0, 0, 0, checkpoint.Wrap(ErrInvalidInput, fmt.Errorf("volume too small for the requested geometry"))
		}
		t := classifyFatType(clusters)
		var newBits int64
		switch t {
		case FAT12:
			newBits = 12
		case FAT16:
			newBits = 16
		default:
			newBits = 32
		}
		if newBits == bitsPerEntry {
			return uint32(fs), clusters, t, nil
		}
		bitsPerEntry = newBits
	}
	return 0, 0, 0, checkpoint.Wrap(ErrCorruptedFileSystem, fmt.Errorf("FAT geometry computation did not converge"))
}

// Format writes a fresh FAT12/16/32 filesystem to device: boot sector (and,
// for FAT32, FSInfo plus their backups), cleared FAT copies seeded with the
// reserved media-descriptor entries, a zeroed root region, and (if
// requested) an empty transaction log. The FAT variant is
// derived from the resulting cluster count, never chosen directly by the
// caller, matching Mount's own classifyFatType rule.
func Format(ctx context.Context, device BlockDevice, fo FormatOptions) error {
	if fo.Clock == nil {
		fo.Clock = zeroClock{}
	}
	blockSize := device.BlockSize()
	if !blockSize.Valid() {
		return checkpoint.Wrap(ErrInvalidInput, fmt.Errorf("device reports invalid block size %d", blockSize))
	}
	if fo.BlockSize != 0 && fo.BlockSize != blockSize {
		return checkpoint.Wrap(ErrInvalidInput, fmt.Errorf("format block size %d does not match device block size %d", fo.BlockSize, blockSize))
	}
	fo.BlockSize = blockSize

	if fo.SectorsPerCluster == 0 || fo.SectorsPerCluster&(fo.SectorsPerCluster-1) != 0 || fo.SectorsPerCluster > 128 {
		return checkpoint.Wrap(ErrInvalidInput, fmt.Errorf("invalid sectors-per-cluster %d", fo.SectorsPerCluster))
	}
	if uint32(blockSize)*uint32(fo.SectorsPerCluster) > 32*1024 {
		return checkpoint.Wrap(ErrInvalidInput, fmt.Errorf("cluster size would exceed 32 KiB"))
	}
	if fo.NumFATs == 0 {
		fo.NumFATs = 2
	}
	if fo.TransactionLogSectors > 0 && fo.ReservedSectors <= fo.TransactionLogSectors {
		return checkpoint.Wrap(ErrInvalidInput, fmt.Errorf("ReservedSectors must exceed TransactionLogSectors"))
	}

	reserved := fo.ReservedSectors
	if reserved == 0 {
		reserved = 1
	}

	roughClusters := fo.TotalSectors / uint32(fo.SectorsPerCluster)
	rootEntryCount := fo.RootEntryCount
	provisional := classifyFatType(roughClusters)
	if provisional == FAT32 {
		rootEntryCount = 0
		if reserved < 32 {
			reserved = 32
		}
	} else if rootEntryCount == 0 {
		rootEntryCount = 512
	}
	rootDirSectors := (uint32(rootEntryCount)*32 + uint32(blockSize) - 1) / uint32(blockSize)

	fatSize, totalClusters, fatType, err := computeFATGeometry(fo.TotalSectors, reserved, rootDirSectors, fo.NumFATs, fo.SectorsPerCluster, uint16(blockSize))
	if err != nil {
		return err
	}
	if fatType == FAT32 && rootEntryCount != 0 {
		// The rough guess undershot: reclassify with a FAT32 layout (no
		// fixed root) and recompute once more.
		rootEntryCount = 0
		rootDirSectors = 0
		if reserved < 32 {
			reserved = 32
		}
		fatSize, totalClusters, fatType, err = computeFATGeometry(fo.TotalSectors, reserved, rootDirSectors, fo.NumFATs, fo.SectorsPerCluster, uint16(blockSize))
		if err != nil {
			return err
		}
	}
	if fatType != FAT32 && rootEntryCount == 0 {
		return checkpoint.Wrap(ErrInvalidInput, fmt.Errorf("FAT12/16 volume requires a nonzero RootEntryCount"))
	}

	fatStart := uint32(reserved)
	var dataStart, rootDirSector, rootCluster uint32
	if fatType == FAT32 {
		dataStart = fatStart + uint32(fo.NumFATs)*fatSize
		rootCluster = 2
	} else {
		rootDirSector = fatStart + uint32(fo.NumFATs)*fatSize
		dataStart = rootDirSector + rootDirSectors
	}

	sector0 := make([]byte, blockSize)
	sector0[0], sector0[1], sector0[2] = 0xEB, 0x3C, 0x90
	copy(sector0[3:11], []byte("FATFSENG"))
	binary.LittleEndian.PutUint16(sector0[11:13], uint16(blockSize))
	sector0[13] = fo.SectorsPerCluster
	binary.LittleEndian.PutUint16(sector0[14:16], reserved)
	sector0[16] = fo.NumFATs
	binary.LittleEndian.PutUint16(sector0[17:19], rootEntryCount)
	if fo.TotalSectors <= 0xFFFF {
		binary.LittleEndian.PutUint16(sector0[19:21], uint16(fo.TotalSectors))
	}
	sector0[21] = 0xF8 // fixed-disk media descriptor
	if fatType != FAT32 {
		binary.LittleEndian.PutUint16(sector0[22:24], uint16(fatSize))
	}
	if fo.TotalSectors > 0xFFFF || fatType == FAT32 {
		binary.LittleEndian.PutUint32(sector0[32:36], fo.TotalSectors)
	}

	label := [11]byte{' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' '}
	copy(label[:], fo.VolumeLabel)

	if fatType == FAT32 {
		binary.LittleEndian.PutUint32(sector0[36:40], fatSize)
		binary.LittleEndian.PutUint32(sector0[44:48], rootCluster)
		binary.LittleEndian.PutUint16(sector0[48:50], 1) // FSInfo sector
		binary.LittleEndian.PutUint16(sector0[50:52], 6) // backup boot sector
		binary.LittleEndian.PutUint16(sector0[52:54], fo.TransactionLogSectors) // Reserved[0:2]
		sector0[64] = 0x80 // BSDriveNumber
		sector0[66] = 0x29 // BSBootSignature
		copy(sector0[71:82], label[:])
		copy(sector0[82:90], []byte("FAT32   "))
	} else {
		sector0[36] = 0x80
		sector0[37] = byte(fo.TransactionLogSectors) // BSReserved1, repurposed
		sector0[38] = 0x29
		copy(sector0[43:54], label[:])
		if fatType == FAT12 {
			copy(sector0[54:62], []byte("FAT12   "))
		} else {
			copy(sector0[54:62], []byte("FAT16   "))
		}
	}
	binary.LittleEndian.PutUint16(sector0[bootSectorSignatureOffset:], 0xAA55)

	if err := device.WriteBlocks(ctx, sector0, 0); err != nil {
		return checkpoint.Wrap(err, ErrIO)
	}

	if fatType == FAT32 {
		freeClusters := totalClusters - 1 // the root directory consumes one cluster
		fsinfo := newFSInfo(1, freeClusters, rootCluster+1)
		fiBuf := make([]byte, blockSize)
		fsinfo.encode(fiBuf)
		if err := device.WriteBlocks(ctx, fiBuf, 1); err != nil {
			return checkpoint.Wrap(err, ErrIO)
		}
		if err := device.WriteBlocks(ctx, sector0, 6); err != nil {
			return checkpoint.Wrap(err, ErrIO)
		}
		if err := device.WriteBlocks(ctx, fiBuf, 7); err != nil {
			return checkpoint.Wrap(err, ErrIO)
		}
	}

	fatBytes := make([]byte, int(fatSize)*int(blockSize))
	switch fatType {
	case FAT12:
		fatBytes[0], fatBytes[1], fatBytes[2] = 0xF8, 0xFF, 0xFF
	case FAT16:
		binary.LittleEndian.PutUint16(fatBytes[0:2], 0xFFF8)
		binary.LittleEndian.PutUint16(fatBytes[2:4], 0xFFFF)
	default:
		binary.LittleEndian.PutUint32(fatBytes[0:4], 0x0FFFFFF8)
		binary.LittleEndian.PutUint32(fatBytes[4:8], 0x0FFFFFFF)
		binary.LittleEndian.PutUint32(fatBytes[8:12], 0x0FFFFFFF) // the root directory's own cluster, already EOC
	}
	for n := uint32(0); n < uint32(fo.NumFATs); n++ {
		if err := device.WriteBlocks(ctx, fatBytes, uint64(fatStart+n*fatSize)); err != nil {
			return checkpoint.Wrap(err, ErrIO)
		}
	}

	if fatType == FAT32 {
		zeroCluster := make([]byte, uint32(fo.SectorsPerCluster)*uint32(blockSize))
		if err := device.WriteBlocks(ctx, zeroCluster, uint64(dataStart)); err != nil {
			return checkpoint.Wrap(err, ErrIO)
		}
	} else if rootDirSectors > 0 {
		zeroRoot := make([]byte, rootDirSectors*uint32(blockSize))
		if err := device.WriteBlocks(ctx, zeroRoot, uint64(rootDirSector)); err != nil {
			return checkpoint.Wrap(err, ErrIO)
		}
	}

	if fo.TransactionLogSectors > 0 {
		txLogStart := fatStart - uint32(fo.TransactionLogSectors)
		emptySlot := make([]byte, txEntrySize)
		for i := 0; i < txMaxTransactions && uint32(i*slotSectorsPerEntry) < uint32(fo.TransactionLogSectors); i++ {
			if err := device.WriteBlocks(ctx, emptySlot, uint64(txLogStart+uint32(i*slotSectorsPerEntry))); err != nil {
				return checkpoint.Wrap(err, ErrIO)
			}
		}
	}

	return device.Sync(ctx)
}
