package fatfs

import "testing"

func TestFileLockTableSharedLocksCoexist(t *testing.T) {
	lt := newFileLockTable()
	tok1, ok := lt.TryAcquire(5, LockShared)
	if !ok {
		t.Fatalf("first shared acquire should succeed")
	}
	tok2, ok := lt.TryAcquire(5, LockShared)
	if !ok {
		t.Fatalf("second shared acquire should succeed alongside the first")
	}
	lt.Release(5, tok1)
	lt.Release(5, tok2)
}

func TestFileLockTableExclusiveExcludesEverything(t *testing.T) {
	lt := newFileLockTable()
	tok, ok := lt.TryAcquire(5, LockExclusive)
	if !ok {
		t.Fatalf("exclusive acquire on an uncontended file should succeed")
	}
	if _, ok := lt.TryAcquire(5, LockShared); ok {
		t.Errorf("a shared acquire should fail while an exclusive lock is held")
	}
	if _, ok := lt.TryAcquire(5, LockExclusive); ok {
		t.Errorf("a second exclusive acquire should fail")
	}
	lt.Release(5, tok)
	if _, ok := lt.TryAcquire(5, LockShared); !ok {
		t.Errorf("a shared acquire should succeed once the exclusive lock is released")
	}
}

func TestFileLockTableSharedBlocksExclusive(t *testing.T) {
	lt := newFileLockTable()
	tok, ok := lt.TryAcquire(5, LockShared)
	if !ok {
		t.Fatalf("shared acquire should succeed")
	}
	if _, ok := lt.TryAcquire(5, LockExclusive); ok {
		t.Errorf("an exclusive acquire should fail while a shared holder exists")
	}
	lt.Release(5, tok)
}

func TestFileLockTableZeroClusterNeverContended(t *testing.T) {
	lt := newFileLockTable()
	tok1, ok := lt.TryAcquire(0, LockExclusive)
	if !ok {
		t.Fatalf("zero first-cluster (unallocated file) should never contend")
	}
	tok2, ok := lt.TryAcquire(0, LockExclusive)
	if !ok {
		t.Fatalf("zero first-cluster should never contend even against another exclusive request")
	}
	lt.Release(0, tok1)
	lt.Release(0, tok2)
}

func TestFileLockTableLocksAreIndependentPerCluster(t *testing.T) {
	lt := newFileLockTable()
	tok, ok := lt.TryAcquire(1, LockExclusive)
	if !ok {
		t.Fatalf("exclusive acquire on cluster 1 should succeed")
	}
	if _, ok := lt.TryAcquire(2, LockExclusive); !ok {
		t.Errorf("cluster 2 should be independent of cluster 1's lock")
	}
	lt.Release(1, tok)
}
