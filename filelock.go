package fatfs

import (
	"sync"

	"golang.org/x/sync/semaphore"
)

// LockMode is the granularity of a file lock request.
type LockMode int

const (
	LockShared LockMode = iota
	LockExclusive
)

// lockToken identifies a held lock so it can be released; it is the
// semaphore weight that was acquired to obtain it.
type lockToken int64

// lockFullWeight is large enough that no realistic number of concurrent
// shared holders can exhaust it, while still letting an exclusive request
// require "all of it" to detect any existing holder.
const lockFullWeight = 1 << 30

// fileLockTable tracks per-file (keyed by first-cluster, since FAT has no
// inode numbers) shared/exclusive locks, non-blocking only. It is backed
// by golang.org/x/sync/semaphore.Weighted: a shared
// acquire takes weight 1, an exclusive acquire takes the full weight, so an
// exclusive request fails fast whenever any shared or exclusive holder
// exists, and a shared request fails fast only while an exclusive holder is
// present.
type fileLockTable struct {
	mu   sync.Mutex
	sems map[uint32]*semaphore.Weighted
}

func newFileLockTable() *fileLockTable {
	return &fileLockTable{sems: make(map[uint32]*semaphore.Weighted)}
}

func (t *fileLockTable) semFor(firstCluster uint32) *semaphore.Weighted {
	t.mu.Lock()
	defer t.mu.Unlock()
	sem, ok := t.sems[firstCluster]
	if !ok {
		sem = semaphore.NewWeighted(lockFullWeight)
		t.sems[firstCluster] = sem
	}
	return sem
}

// TryAcquire attempts to acquire mode on the file identified by
// firstCluster, returning immediately either way. A zero firstCluster (an empty file with no chain yet) is
// never contended, since every empty file is lock-distinct by definition
// once it has been assigned a first cluster on first write.
func (t *fileLockTable) TryAcquire(firstCluster uint32, mode LockMode) (lockToken, bool) {
	if firstCluster == 0 {
		return 0, true
	}
	weight := int64(1)
	if mode == LockExclusive {
		weight = lockFullWeight
	}
	if !t.semFor(firstCluster).TryAcquire(weight) {
		return 0, false
	}
	return lockToken(weight), true
}

// Release gives back a previously acquired lock. Releasing a zero token
// (the no-op case TryAcquire returns for an unallocated file) is a no-op.
func (t *fileLockTable) Release(firstCluster uint32, tok lockToken) {
	if tok == 0 {
		return
	}
	t.semFor(firstCluster).Release(int64(tok))
}
