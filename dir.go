package fatfs

import (
	"context"
	"fmt"
	"strings"

	"github.com/embeddedfat/fatfs/checkpoint"
)

// dirBackend is the narrow slice of Volume the directory engine needs:
// cluster and fixed-root sector I/O, chain resolution, and chain growth.
// Kept separate from fatTable/BlockDevice so dir.go can be exercised against
// a fake in tests without a full Volume.
type dirBackend interface {
	readCluster(ctx context.Context, cluster uint32) ([]byte, error)
	writeCluster(ctx context.Context, cluster uint32, data []byte) error
	readRootSector(ctx context.Context, idx uint32) ([]byte, error)
	writeRootSector(ctx context.Context, idx uint32, data []byte) error
	clusterChain(ctx context.Context, first uint32) ([]uint32, error)
	// growChain allocates one cluster, zero-fills it, links it to the end
	// of the chain rooted at first (first == 0 means "allocate a brand new
	// chain"), and returns the new cluster number.
	growChain(ctx context.Context, first uint32) (uint32, error)
	clock() Clock
}

// dirStream presents a directory's entry slots as a flat, extensible array,
// whether the directory is the fixed FAT12/16 root region or an ordinary
// cluster chain (including the FAT32 root, which is just a chain like any
// other).
type dirStream struct {
	backend      dirBackend
	bpb          *BPB
	isFixedRoot  bool
	firstCluster uint32 // 0 for the fixed root
	clusters     []uint32
}

func openDirStream(ctx context.Context, backend dirBackend, bpb *BPB, firstCluster uint32) (*dirStream, error) {
	if firstCluster == 0 {
		return &dirStream{backend: backend, bpb: bpb, isFixedRoot: true}, nil
	}
	chain, err := backend.clusterChain(ctx, firstCluster)
	if err != nil {
		return nil, err
	}
	return &dirStream{backend: backend, bpb: bpb, firstCluster: firstCluster, clusters: chain}, nil
}

func (d *dirStream) slotsPerSector() int { return int(d.bpb.BytesPerSector) / dirEntrySize }
func (d *dirStream) slotsPerCluster() int {
	return int(d.bpb.ClusterSize()) / dirEntrySize
}

func (d *dirStream) slotCount() int {
	if d.isFixedRoot {
		return int(d.bpb.RootEntryCount)
	}
	return len(d.clusters) * d.slotsPerCluster()
}

func (d *dirStream) readSlot(ctx context.Context, idx int) ([]byte, error) {
	if d.isFixedRoot {
		spSector := d.slotsPerSector()
		sector := uint32(idx / spSector)
		data, err := d.backend.readRootSector(ctx, sector)
		if err != nil {
			return nil, err
		}
		off := (idx % spSector) * dirEntrySize
		out := make([]byte, dirEntrySize)
		copy(out, data[off:off+dirEntrySize])
		return out, nil
	}

	spCluster := d.slotsPerCluster()
	clusterIdx := idx / spCluster
	if clusterIdx >= len(d.clusters) {
		return nil, checkpoint.Wrap(ErrInvalidInput, fmt.Errorf("directory slot %d out of range", idx))
	}
	data, err := d.backend.readCluster(ctx, d.clusters[clusterIdx])
	if err != nil {
		return nil, err
	}
	off := (idx % spCluster) * dirEntrySize
	out := make([]byte, dirEntrySize)
	copy(out, data[off:off+dirEntrySize])
	return out, nil
}

func (d *dirStream) writeSlot(ctx context.Context, idx int, slot []byte) error {
	if d.isFixedRoot {
		spSector := d.slotsPerSector()
		sector := uint32(idx / spSector)
		data, err := d.backend.readRootSector(ctx, sector)
		if err != nil {
			return err
		}
		off := (idx % spSector) * dirEntrySize
		copy(data[off:off+dirEntrySize], slot)
		return d.backend.writeRootSector(ctx, sector, data)
	}

	spCluster := d.slotsPerCluster()
	clusterIdx := idx / spCluster
	if clusterIdx >= len(d.clusters) {
		return checkpoint.Wrap(ErrInvalidInput, fmt.Errorf("directory slot %d out of range", idx))
	}
	data, err := d.backend.readCluster(ctx, d.clusters[clusterIdx])
	if err != nil {
		return err
	}
	off := (idx % spCluster) * dirEntrySize
	copy(data[off:off+dirEntrySize], slot)
	return d.backend.writeCluster(ctx, d.clusters[clusterIdx], data)
}

// ensureSlots grows the directory (by allocating new clusters) until it has
// at least n slots. The fixed root cannot grow; it returns ErrNoSpace once
// exhausted, since the root directory is a fixed-size region in FAT12/16
// and cannot be extended.
func (d *dirStream) ensureSlots(ctx context.Context, n int) error {
	for d.slotCount() < n {
		if d.isFixedRoot {
			return checkpoint.Wrap(ErrNoSpace, fmt.Errorf("fixed root directory is full"))
		}
		next, err := d.backend.growChain(ctx, d.firstCluster)
		if err != nil {
			return err
		}
		if d.firstCluster == 0 {
			d.firstCluster = next
		}
		d.clusters = append(d.clusters, next)
	}
	return nil
}

// rawSlotKind classifies a 32-byte directory slot without fully decoding it.
type rawSlotKind int

const (
	slotEnd rawSlotKind = iota // 0x00: end of valid entries, rest of region unused
	slotDeleted
	slotLFN
	slotShort
)

func classifySlot(b []byte) rawSlotKind {
	switch b[0] {
	case freeMarker:
		return slotEnd
	case deletedMarker:
		return slotDeleted
	}
	if b[11] == AttrLongName {
		return slotLFN
	}
	return slotShort
}

// logicalEntry is one decoded (LFN-fragments + short entry) unit together
// with the slot range it occupies, used internally to locate entries for
// create/remove/rename.
type logicalEntry struct {
	startSlot int
	slotCount int
	entry     DirEntry
}

// iterate walks the directory once, reconstructing logical entries from
// their LFN-fragment-then-short-entry runs. Volume-ID and
// unclaimed deleted/free slots never surface as entries.
func (d *dirStream) iterate(ctx context.Context, parentCluster uint32) ([]logicalEntry, error) {
	var out []logicalEntry
	var pending []rawLFNEntry
	pendingStart := -1

	total := d.slotCount()
	for i := 0; i < total; i++ {
		slot, err := d.readSlot(ctx, i)
		if err != nil {
			return nil, err
		}
		switch classifySlot(slot) {
		case slotEnd:
			return out, nil
		case slotDeleted:
			pending = nil
			pendingStart = -1
			continue
		case slotLFN:
			if pendingStart < 0 {
				pendingStart = i
			}
			pending = append(pending, decodeRawLFNEntry(slot))
			continue
		default: // slotShort
			short := decodeRawShortEntry(slot)
			if short.Attr&AttrVolumeID != 0 {
				pending = nil
				pendingStart = -1
				continue
			}
			entry := decodeLogicalEntry(short, pending, parentCluster, uint32(i)*dirEntrySize)
			start := i
			if pendingStart >= 0 {
				start = pendingStart
			}
			out = append(out, logicalEntry{startSlot: start, slotCount: i - start + 1, entry: entry})
			pending = nil
			pendingStart = -1
		}
	}
	return out, nil
}

func decodeLogicalEntry(short rawShortEntry, lfnFragments []rawLFNEntry, parentCluster, dirOffset uint32) DirEntry {
	shortName := formatShortName(short.Name)
	longName := ""
	if len(lfnFragments) > 0 {
		if name, ok := reconstructLFN(lfnFragments, lfnChecksum(short.Name)); ok {
			longName = name
		}
	}
	return DirEntry{
		LongName:     longName,
		ShortName:    shortName,
		Attr:         short.Attr,
		CreateAt:     decodeTimestamp(short.CreateDate, short.CreateTime, short.CreateTimeTenth),
		ModifyAt:     decodeTimestamp(short.WriteDate, short.WriteTime, 0),
		AccessAt:     decodeTimestamp(short.LastAccessDate, 0, 0),
		FirstCluster: short.firstCluster(),
		Size:         short.FileSize,
		dirCluster:   parentCluster,
		dirOffset:    dirOffset,
		slotCount:    len(lfnFragments) + 1,
	}
}

// formatShortName renders the packed 11-byte field as a dot-joined display
// string, restoring the 0xE5-as-0x05 alias.
func formatShortName(raw [11]byte) string {
	name := raw
	if name[0] == aliasDotKana {
		name[0] = deletedMarker
	}
	base := strings.TrimRight(string(name[0:8]), " ")
	ext := strings.TrimRight(string(name[8:11]), " ")
	if ext == "" {
		return base
	}
	return base + "." + ext
}

// hasShortName implements existingNameSet against an already-fetched
// logical-entry listing, used by synthesizeShortName to probe collisions.
type existingEntries []logicalEntry

func (e existingEntries) hasShortName(name [11]byte) bool {
	for _, le := range e {
		if packedShortNameOf(le.entry.ShortName) == name {
			return true
		}
	}
	return false
}

func packedShortNameOf(shortName string) [11]byte {
	base, ext := splitBaseExt(shortName)
	return packShortName(base, ext)
}

// directory is the public-facing engine for one directory: entry lookup,
// creation, removal and rename, all routed through a dirCache for repeat
// lookups.
type directory struct {
	backend      dirBackend
	bpb          *BPB
	cache        *dirCache
	firstCluster uint32 // 0 for the fixed FAT12/16 root
}

func openDirectory(backend dirBackend, bpb *BPB, cache *dirCache, firstCluster uint32) *directory {
	return &directory{backend: backend, bpb: bpb, cache: cache, firstCluster: firstCluster}
}

func (dir *directory) stream(ctx context.Context) (*dirStream, error) {
	return openDirStream(ctx, dir.backend, dir.bpb, dir.firstCluster)
}

// List returns every live logical entry in the directory, in on-disk order.
func (dir *directory) List(ctx context.Context) ([]DirEntry, error) {
	s, err := dir.stream(ctx)
	if err != nil {
		return nil, err
	}
	logical, err := s.iterate(ctx, dir.firstCluster)
	if err != nil {
		return nil, err
	}
	entries := make([]DirEntry, len(logical))
	for i, le := range logical {
		entries[i] = le.entry
	}
	return entries, nil
}

// Find looks up name case-insensitively, preferring a long-name match over a
// short-name match, consulting the directory cache first.
func (dir *directory) Find(ctx context.Context, name string) (DirEntry, bool, error) {
	if e, ok := dir.cache.lookup(dir.firstCluster, strings.ToUpper(name)); ok {
		return e, true, nil
	}

	logical, err := dir.listLogical(ctx)
	if err != nil {
		return DirEntry{}, false, err
	}
	upper := strings.ToUpper(name)
	for _, le := range logical {
		if le.entry.LongName != "" && strings.ToUpper(le.entry.LongName) == upper {
			dir.cache.insert(dir.firstCluster, upper, le.entry)
			return le.entry, true, nil
		}
	}
	for _, le := range logical {
		if strings.ToUpper(le.entry.ShortName) == upper {
			dir.cache.insert(dir.firstCluster, upper, le.entry)
			return le.entry, true, nil
		}
	}
	return DirEntry{}, false, nil
}

func (dir *directory) listLogical(ctx context.Context) ([]logicalEntry, error) {
	s, err := dir.stream(ctx)
	if err != nil {
		return nil, err
	}
	return s.iterate(ctx, dir.firstCluster)
}

// Create adds a new entry named name with the given attributes, synthesizing
// a short name (with numeric-tail collision disambiguation) and an LFN
// sequence if the name needs one. firstCluster is recorded in the new short
// entry as given (0 for a freshly created file or directory, whose chain the
// caller links in afterward); the new entry's size is always 0.
func (dir *directory) Create(ctx context.Context, name string, attr byte, firstCluster uint32) (DirEntry, error) {
	if _, exists, err := dir.Find(ctx, name); err != nil {
		return DirEntry{}, err
	} else if exists {
		return DirEntry{}, checkpoint.Wrap(ErrAlreadyExists, fmt.Errorf("entry %q already exists", name))
	}

	logical, err := dir.listLogical(ctx)
	if err != nil {
		return DirEntry{}, err
	}
	shortName, needsLFN, err := synthesizeShortName(name, existingEntries(logical))
	if err != nil {
		return DirEntry{}, err
	}

	var fragments []rawLFNEntry
	if needsLFN {
		fragments = buildLFNSequence(name, lfnChecksum(shortName))
	}
	slotsNeeded := len(fragments) + 1

	s, err := dir.stream(ctx)
	if err != nil {
		return DirEntry{}, err
	}
	startSlot, err := dir.findFreeRun(ctx, s, slotsNeeded)
	if err != nil {
		return DirEntry{}, err
	}

	now := dir.backend.clock().Now()
	createDate, createTime, createTenth := encodeTimestamp(now)

	for i, frag := range fragments {
		buf := make([]byte, dirEntrySize)
		frag.encode(buf)
		if err := s.writeSlot(ctx, startSlot+i, buf); err != nil {
			return DirEntry{}, err
		}
	}

	var short rawShortEntry
	short.Name = shortName
	short.Attr = attr
	short.CreateDate, short.CreateTime, short.CreateTimeTenth = createDate, createTime, createTenth
	short.WriteDate, short.WriteTime = createDate, createTime
	short.LastAccessDate = createDate
	short.setFirstCluster(firstCluster)

	buf := make([]byte, dirEntrySize)
	short.encode(buf)
	shortSlot := startSlot + len(fragments)
	if err := s.writeSlot(ctx, shortSlot, buf); err != nil {
		return DirEntry{}, err
	}

	entry := decodeLogicalEntry(short, fragments, dir.firstCluster, uint32(shortSlot)*dirEntrySize)
	if needsLFN {
		entry.LongName = name
	}
	dir.cache.invalidateParent(dir.firstCluster)
	return entry, nil
}

// findFreeRun finds slotsNeeded consecutive free-or-deleted slots, growing
// the directory by one cluster at a time if none exist.
func (dir *directory) findFreeRun(ctx context.Context, s *dirStream, slotsNeeded int) (int, error) {
	for {
		run := 0
		total := s.slotCount()
		for i := 0; i < total; i++ {
			slot, err := s.readSlot(ctx, i)
			if err != nil {
				return 0, err
			}
			kind := classifySlot(slot)
			if kind == slotEnd || kind == slotDeleted {
				run++
				if run == slotsNeeded {
					return i - slotsNeeded + 1, nil
				}
				continue
			}
			run = 0
		}
		if err := s.ensureSlots(ctx, total+s.slotsPerCluster()); err != nil {
			return 0, err
		}
	}
}

// Remove marks the named entry's slots deleted. It does not
// free the entry's cluster chain; the caller (file/directory-removal logic
// in volume.go) does that after confirming a directory is empty.
func (dir *directory) Remove(ctx context.Context, name string) error {
	logical, err := dir.listLogical(ctx)
	if err != nil {
		return err
	}
	upper := strings.ToUpper(name)
	var match *logicalEntry
	for i := range logical {
		le := &logical[i]
		if (le.entry.LongName != "" && strings.ToUpper(le.entry.LongName) == upper) || strings.ToUpper(le.entry.ShortName) == upper {
			match = le
			break
		}
	}
	if match == nil {
		return checkpoint.Wrap(ErrNotFound, fmt.Errorf("entry %q not found", name))
	}

	s, err := dir.stream(ctx)
	if err != nil {
		return err
	}
	marker := []byte{deletedMarker}
	for i := 0; i < match.slotCount; i++ {
		slot, err := s.readSlot(ctx, match.startSlot+i)
		if err != nil {
			return err
		}
		copy(slot[0:1], marker)
		if err := s.writeSlot(ctx, match.startSlot+i, slot); err != nil {
			return err
		}
	}
	dir.cache.invalidateParent(dir.firstCluster)
	return nil
}

// IsEmpty reports whether a directory contains only "." and ".." (or, for
// the fixed root, nothing at all). This is the removal precondition.
func (dir *directory) IsEmpty(ctx context.Context) (bool, error) {
	logical, err := dir.listLogical(ctx)
	if err != nil {
		return false, err
	}
	for _, le := range logical {
		name := le.entry.ShortName
		if name != "." && name != ".." {
			return false, nil
		}
	}
	return true, nil
}

// Rename moves an entry from oldName to newName within the same directory.
// Cross-directory rename is implemented by the caller as create-in-destination
// plus remove-from-source, since it may need to relink a different
// dirCache bucket and, for a directory being moved, rewrite its ".." entry;
// that orchestration lives in volume.go where both directories are in scope.
func (dir *directory) Rename(ctx context.Context, oldName, newName string) (DirEntry, error) {
	old, exists, err := dir.Find(ctx, oldName)
	if err != nil {
		return DirEntry{}, err
	}
	if !exists {
		return DirEntry{}, checkpoint.Wrap(ErrNotFound, fmt.Errorf("entry %q not found", oldName))
	}
	if _, exists, err := dir.Find(ctx, newName); err != nil {
		return DirEntry{}, err
	} else if exists && !strings.EqualFold(oldName, newName) {
		return DirEntry{}, checkpoint.Wrap(ErrAlreadyExists, fmt.Errorf("entry %q already exists", newName))
	}

	if err := dir.Remove(ctx, oldName); err != nil {
		return DirEntry{}, err
	}
	created, err := dir.Create(ctx, newName, old.Attr, old.FirstCluster)
	if err != nil {
		return DirEntry{}, err
	}
	if old.Size != 0 {
		if _, err := dir.updateShortEntry(ctx, &created, func(s *rawShortEntry) {
			s.FileSize = old.Size
		}); err != nil {
			return DirEntry{}, err
		}
		created.Size = old.Size
	}
	return created, nil
}

// refetch re-resolves a previously obtained DirEntry's short-entry slot,
// used by File handles that hold a (dirCluster, dirOffset) back-reference
// instead of a live pointer into a cached directory listing. If the slot
// no longer holds the entry that was expected (e.g. another handle renamed
// or removed it since), this is not an error: the caller proceeds with
// whatever it finds, or if the slot is now free/deleted, treats the entry
// as gone.
func (dir *directory) refetch(ctx context.Context, e *DirEntry) (rawShortEntry, bool, error) {
	s, err := dir.stream(ctx)
	if err != nil {
		return rawShortEntry{}, false, err
	}
	idx := int(e.dirOffset) / dirEntrySize
	slot, err := s.readSlot(ctx, idx)
	if err != nil {
		return rawShortEntry{}, false, err
	}
	if classifySlot(slot) != slotShort {
		return rawShortEntry{}, false, nil
	}
	return decodeRawShortEntry(slot), true, nil
}

// updateShortEntry rewrites the short entry at e's back-reference slot,
// used after a write/truncate changes size or first-cluster, or after a
// timestamp update. It is a no-op (returns false, nil) if the slot was
// concurrently vacated, per the same Open Question resolution as refetch.
func (dir *directory) updateShortEntry(ctx context.Context, e *DirEntry, mutate func(*rawShortEntry)) (bool, error) {
	short, ok, err := dir.refetch(ctx, e)
	if err != nil || !ok {
		return false, err
	}
	mutate(&short)

	s, err := dir.stream(ctx)
	if err != nil {
		return false, err
	}
	idx := int(e.dirOffset) / dirEntrySize
	buf := make([]byte, dirEntrySize)
	short.encode(buf)
	if err := s.writeSlot(ctx, idx, buf); err != nil {
		return false, err
	}
	dir.cache.invalidateParent(dir.firstCluster)
	return true, nil
}
