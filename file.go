package fatfs

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"

	"github.com/spf13/afero"

	"github.com/embeddedfat/fatfs/checkpoint"
)

// These errors mirror a conventional file-level error taxonomy, wrapped
// around this engine's sentinel errors instead of syscall values.
var (
	ErrReadFile = fmt.Errorf("%w: could not read file completely", ErrIO)
	ErrSeekFile = fmt.Errorf("%w: could not seek inside of the file", ErrInvalidInput)
)

// fileBackend is the narrow slice of Volume the file engine needs: cluster
// I/O (single and contiguous-run), chain management, and locking, widened
// from read-only to the full read/write/truncate surface.
type fileBackend interface {
	dirBackend
	clusterSize() uint32
	readClusterRun(ctx context.Context, startCluster uint32, count int) ([]byte, error)
	writeClusterRun(ctx context.Context, startCluster uint32, data []byte) error
	allocChain(ctx context.Context, prevTail *uint32, count int) (uint32, error)
	truncateChainAfter(ctx context.Context, first uint32, keepCount int) error
	freeChain(ctx context.Context, first uint32) error
	locks() *fileLockTable
}

// contiguousRun describes one run of physically-adjacent clusters within a
// chain, the unit the file engine issues a single block-device I/O for
// instead of one per cluster.
type contiguousRun struct {
	start uint32
	count int
}

// contiguousRuns groups a resolved cluster chain into maximal runs of
// consecutive cluster numbers, grounded on fatrs/src/multi_cluster_io.rs's
// multi-cluster I/O collector.
func contiguousRuns(chain []uint32) []contiguousRun {
	if len(chain) == 0 {
		return nil
	}
	runs := make([]contiguousRun, 0, len(chain))
	start := chain[0]
	count := 1
	for i := 1; i < len(chain); i++ {
		if chain[i] == chain[i-1]+1 {
			count++
			continue
		}
		runs = append(runs, contiguousRun{start: start, count: count})
		start = chain[i]
		count = 1
	}
	runs = append(runs, contiguousRun{start: start, count: count})
	return runs
}

// File is an open handle on a regular file or directory. It holds a
// (dirCluster, dirOffset) back-reference to its directory entry rather than
// a live pointer into a cached listing, and resolves
// its cluster chain once per handle lifetime into a cached slice: chain
// walks cost O(chain length) once instead of once per seek/read/write call.
type File struct {
	mu      sync.Mutex
	backend fileBackend
	dir     *directory

	entry     DirEntry
	writeable bool
	appendAt  bool

	offset  int64
	chain   []uint32 // resolved lazily, invalidated on any chain mutation
	lockTok lockToken
}

func openFile(backend fileBackend, dir *directory, entry DirEntry, writeable, appendAt bool) *File {
	return &File{backend: backend, dir: dir, entry: entry, writeable: writeable, appendAt: appendAt}
}

func (f *File) resolveChain(ctx context.Context) ([]uint32, error) {
	if f.entry.FirstCluster == 0 {
		return nil, nil
	}
	if f.chain != nil {
		return f.chain, nil
	}
	chain, err := f.backend.clusterChain(ctx, f.entry.FirstCluster)
	if err != nil {
		return nil, err
	}
	f.chain = chain
	return chain, nil
}

// ReadCtx reads up to len(p) bytes starting at the handle's current offset.
func (f *File) ReadCtx(ctx context.Context, p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readAtLocked(ctx, p, f.offset, true)
}

func (f *File) Read(p []byte) (int, error) {
	return f.ReadCtx(context.Background(), p)
}

func (f *File) ReadAtCtx(ctx context.Context, p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readAtLocked(ctx, p, off, false)
}

func (f *File) ReadAt(p []byte, off int64) (int, error) {
	return f.ReadAtCtx(context.Background(), p, off)
}

func (f *File) readAtLocked(ctx context.Context, p []byte, off int64, advance bool) (int, error) {
	if p == nil {
		return 0, nil
	}
	size := int64(f.entry.Size)
	if off >= size {
		return 0, io.EOF
	}
	want := int64(len(p))
	if off+want > size {
		want = size - off
	}

	n, err := f.readRange(ctx, p[:want], off)
	if advance {
		f.offset = off + int64(n)
	}
	if err != nil {
		return n, checkpoint.Wrap(err, ErrReadFile)
	}
	if int64(n) < int64(len(p)) && off+int64(n) >= size {
		return n, io.EOF
	}
	return n, nil
}

// readRange reads exactly len(dst) bytes starting at byte offset off into
// dst, issuing one block-device read per contiguous cluster run.
func (f *File) readRange(ctx context.Context, dst []byte, off int64) (int, error) {
	chain, err := f.resolveChain(ctx)
	if err != nil {
		return 0, err
	}
	clusterSize := int64(f.backend.clusterSize())
	startIdx := int(off / clusterSize)
	if startIdx >= len(chain) {
		return 0, nil
	}
	within := off % clusterSize

	total := 0
	remaining := len(dst)
	idx := startIdx
	firstWithin := within

	for remaining > 0 && idx < len(chain) {
		run, runLen := runStartingAt(chain, idx)
		data, err := f.backend.readClusterRun(ctx, run.start, run.count)
		if err != nil {
			return total, err
		}
		avail := len(data) - int(firstWithin)
		n := avail
		if n > remaining {
			n = remaining
		}
		copy(dst[total:total+n], data[firstWithin:int(firstWithin)+n])
		total += n
		remaining -= n
		idx += runLen
		firstWithin = 0
	}
	return total, nil
}

// runStartingAt returns the contiguous run beginning at chain[idx] and how
// many chain entries it spans.
func runStartingAt(chain []uint32, idx int) (contiguousRun, int) {
	start := chain[idx]
	count := 1
	for idx+count < len(chain) && chain[idx+count] == chain[idx+count-1]+1 {
		count++
	}
	return contiguousRun{start: start, count: count}, count
}

func (f *File) Seek(offset int64, whence int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		offset = f.offset + offset
	case io.SeekEnd:
		offset = int64(f.entry.Size) + offset
	default:
		return 0, checkpoint.Wrap(ErrSeekFile, fmt.Errorf("%w, whence: %v", syscall.EINVAL, whence))
	}
	if offset < 0 {
		return 0, checkpoint.Wrap(afero.ErrOutOfRange, fmt.Errorf("%w, offset: %v", ErrSeekFile, offset))
	}
	f.offset = offset
	return offset, nil
}

// WriteCtx writes p at the handle's current offset, extending the file (and
// zero-filling any gap past the previous EOF) as needed.
func (f *File) WriteCtx(ctx context.Context, p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.writeable {
		return 0, checkpoint.Wrap(ErrReadOnly, fmt.Errorf("file not opened for writing"))
	}
	off := f.offset
	if f.appendAt {
		off = int64(f.entry.Size)
	}
	n, err := f.writeAtLocked(ctx, p, off)
	f.offset = off + int64(n)
	return n, err
}

func (f *File) Write(p []byte) (int, error) {
	return f.WriteCtx(context.Background(), p)
}

func (f *File) WriteAtCtx(ctx context.Context, p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.writeable {
		return 0, checkpoint.Wrap(ErrReadOnly, fmt.Errorf("file not opened for writing"))
	}
	return f.writeAtLocked(ctx, p, off)
}

func (f *File) WriteAt(p []byte, off int64) (int, error) {
	return f.WriteAtCtx(context.Background(), p, off)
}

func (f *File) writeAtLocked(ctx context.Context, p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	endOff := off + int64(len(p))
	if err := f.ensureCapacity(ctx, endOff); err != nil {
		return 0, err
	}
	if off > int64(f.entry.Size) {
		// Zero-fill the gap between the old EOF and off.
		if err := f.zeroRange(ctx, int64(f.entry.Size), off); err != nil {
			return 0, err
		}
	}

	chain, err := f.resolveChain(ctx)
	if err != nil {
		return 0, err
	}
	clusterSize := int64(f.backend.clusterSize())
	idx := int(off / clusterSize)
	within := off % clusterSize

	written := 0
	remaining := len(p)
	for remaining > 0 {
		cluster := chain[idx]
		data, err := f.backend.readCluster(ctx, cluster)
		if err != nil {
			return written, checkpoint.Wrap(err, ErrIO)
		}
		n := int(clusterSize - within)
		if n > remaining {
			n = remaining
		}
		copy(data[within:int(within)+n], p[written:written+n])
		if err := f.backend.writeCluster(ctx, cluster, data); err != nil {
			return written, checkpoint.Wrap(err, ErrIO)
		}
		written += n
		remaining -= n
		within = 0
		idx++
	}

	if endOff > int64(f.entry.Size) {
		f.entry.Size = uint32(endOff)
	}
	if err := f.syncMetadata(ctx); err != nil {
		return written, err
	}
	return written, nil
}

// ensureCapacity grows the file's cluster chain, if needed, so that byte
// offset endOff is backed by an allocated cluster.
func (f *File) ensureCapacity(ctx context.Context, endOff int64) error {
	clusterSize := int64(f.backend.clusterSize())
	neededClusters := int((endOff + clusterSize - 1) / clusterSize)
	if neededClusters == 0 {
		return nil
	}

	chain, err := f.resolveChain(ctx)
	if err != nil {
		return err
	}
	if len(chain) >= neededClusters {
		return nil
	}

	var tail *uint32
	if len(chain) > 0 {
		t := chain[len(chain)-1]
		tail = &t
	}
	toAlloc := neededClusters - len(chain)
	first, err := f.backend.allocChain(ctx, tail, toAlloc)
	if err != nil {
		return err
	}
	if f.entry.FirstCluster == 0 {
		f.entry.FirstCluster = first
	}
	f.chain = nil // force re-resolution against the now-longer chain
	return nil
}

// zeroRange zero-fills file bytes in [from, to), used both for write-past-EOF
// gaps and for truncate-extend.
func (f *File) zeroRange(ctx context.Context, from, to int64) error {
	if to <= from {
		return nil
	}
	chain, err := f.resolveChain(ctx)
	if err != nil {
		return err
	}
	clusterSize := int64(f.backend.clusterSize())
	idx := int(from / clusterSize)
	within := from % clusterSize

	remaining := to - from
	for remaining > 0 && idx < len(chain) {
		cluster := chain[idx]
		data, err := f.backend.readCluster(ctx, cluster)
		if err != nil {
			return checkpoint.Wrap(err, ErrIO)
		}
		n := clusterSize - within
		if n > remaining {
			n = remaining
		}
		for i := within; i < within+n; i++ {
			data[i] = 0
		}
		if err := f.backend.writeCluster(ctx, cluster, data); err != nil {
			return checkpoint.Wrap(err, ErrIO)
		}
		remaining -= n
		within = 0
		idx++
	}
	return nil
}

// Truncate sets the file's size to size, freeing trailing clusters or
// zero-filling newly exposed bytes as needed.
func (f *File) Truncate(size int64) error {
	return f.TruncateCtx(context.Background(), size)
}

func (f *File) TruncateCtx(ctx context.Context, size int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.writeable {
		return checkpoint.Wrap(ErrReadOnly, fmt.Errorf("file not opened for writing"))
	}
	if size < 0 {
		return checkpoint.Wrap(ErrInvalidInput, fmt.Errorf("negative truncate size %d", size))
	}

	oldSize := int64(f.entry.Size)
	clusterSize := int64(f.backend.clusterSize())

	if size > oldSize {
		if err := f.ensureCapacity(ctx, size); err != nil {
			return err
		}
		if err := f.zeroRange(ctx, oldSize, size); err != nil {
			return err
		}
	} else if size < oldSize && f.entry.FirstCluster != 0 {
		keepClusters := int((size + clusterSize - 1) / clusterSize)
		if err := f.backend.truncateChainAfter(ctx, f.entry.FirstCluster, keepClusters); err != nil {
			return err
		}
		f.chain = nil
		if keepClusters == 0 {
			f.entry.FirstCluster = 0
		}
	}

	f.entry.Size = uint32(size)
	return f.syncMetadata(ctx)
}

// Sync persists the file's directory-entry metadata (size, first cluster,
// timestamps). Cluster writes in this engine are already write-through, so
// there is no separate data flush to perform.
func (f *File) Sync() error {
	return f.SyncCtx(context.Background())
}

func (f *File) SyncCtx(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.syncMetadata(ctx)
}

func (f *File) syncMetadata(ctx context.Context) error {
	if f.dir == nil {
		return nil
	}
	now := f.backend.clock().Now()
	_, err := f.dir.updateShortEntry(ctx, &f.entry, func(s *rawShortEntry) {
		s.FileSize = f.entry.Size
		s.setFirstCluster(f.entry.FirstCluster)
		date, timeField, _ := encodeTimestamp(now)
		s.WriteDate, s.WriteTime = date, timeField
	})
	return err
}

func (f *File) Name() string { return f.entry.Name() }

func (f *File) Stat() (os.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := f.entry
	return e.FileInfo(), nil
}

// Readdir lists the directory's children as os.FileInfo, paging through
// count entries at a time.
func (f *File) Readdir(count int) ([]os.FileInfo, error) {
	return f.ReaddirCtx(context.Background(), count)
}

func (f *File) ReaddirCtx(ctx context.Context, count int) ([]os.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.entry.IsDir() {
		return nil, checkpoint.Wrap(syscall.ENOTDIR, fmt.Errorf("%q is not a directory", f.entry.Name()))
	}

	content, err := f.dir.List(ctx)
	if err != nil {
		return nil, checkpoint.Wrap(err, ErrIO)
	}

	var readErr error
	end := len(content)
	if count > 0 && int64(len(content)) < f.offset+int64(count) {
		count = len(content) - int(f.offset)
		readErr = io.EOF
	}
	if count >= 0 {
		end = int(f.offset) + count
	}
	if int(f.offset) > len(content) {
		return nil, nil
	}
	content = content[f.offset:end]

	if count > 0 {
		f.offset += int64(count)
	} else if count < 0 {
		f.offset = int64(end)
	}

	result := make([]os.FileInfo, len(content))
	for i := range content {
		e := content[i]
		result[i] = e.FileInfo()
	}
	return result, readErr
}

func (f *File) Readdirnames(count int) ([]string, error) {
	content, err := f.Readdir(count)
	if err != nil && err != io.EOF {
		return nil, err
	}
	names := make([]string, len(content))
	for i, e := range content {
		names[i] = e.Name()
	}
	return names, err
}

func (f *File) WriteString(s string) (int, error) {
	return f.Write([]byte(s))
}

// Close releases the file's lock table entry, if it holds one.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lockTok != 0 && f.backend != nil {
		f.backend.locks().Release(f.entry.FirstCluster, f.lockTok)
		f.lockTok = 0
	}
	return nil
}
