package fatfs

import (
	"bytes"
	"context"
	"testing"
)

// fakeTxLogBackend stores each log slot's raw sector in memory, with a fixed
// Clock, letting transactionLog be exercised without a full Volume.
type fakeTxLogBackend struct {
	sectors map[uint32][]byte
	now     Timestamp
}

func newFakeTxLogBackend() *fakeTxLogBackend {
	return &fakeTxLogBackend{sectors: make(map[uint32][]byte)}
}

func (f *fakeTxLogBackend) readLogSector(ctx context.Context, idx uint32) ([]byte, error) {
	if data, ok := f.sectors[idx]; ok {
		return data, nil
	}
	return make([]byte, txEntrySize), nil
}

func (f *fakeTxLogBackend) writeLogSector(ctx context.Context, idx uint32, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	f.sectors[idx] = cp
	return nil
}

func (f *fakeTxLogBackend) clock() Clock { return fixedClock{f.now} }

type fixedClock struct{ t Timestamp }

func (c fixedClock) Now() Timestamp { return c.t }

func TestTransactionEntrySerializeRoundTrip(t *testing.T) {
	e := TransactionEntry{
		Magic:       txMagic,
		Version:     txVersion,
		Type:        TxDirEntryUpdate,
		State:       TxStatePending,
		Sequence:    42,
		Timestamp:   1000,
		SectorCount: 2,
	}
	e.AffectedSectors[0] = 10
	e.AffectedSectors[1] = 11
	copy(e.BackupData[:], []byte("hello"))

	buf := e.serialize()
	got := deserializeTransactionEntry(buf)

	if got.Magic != e.Magic || got.Type != e.Type || got.State != e.State || got.Sequence != e.Sequence {
		t.Fatalf("deserialize round trip mismatch: got %+v, want %+v", got, e)
	}
	if got.SectorCount != 2 || got.AffectedSectors[0] != 10 || got.AffectedSectors[1] != 11 {
		t.Errorf("affected sectors did not round-trip: %+v", got.AffectedSectors)
	}
	if !bytes.HasPrefix(got.BackupData[:], []byte("hello")) {
		t.Errorf("backup data did not round-trip: %q", got.BackupData[:5])
	}
	if !got.verifyCRC32() {
		t.Errorf("verifyCRC32 should pass for an entry serialized by serialize()")
	}
}

func TestTransactionEntryVerifyCRC32DetectsCorruption(t *testing.T) {
	e := TransactionEntry{Magic: txMagic, Version: txVersion, Type: TxFatUpdate, State: TxStateCommitted}
	e.serialize()
	e.Sequence = 999 // mutate after the CRC was computed
	if e.verifyCRC32() {
		t.Errorf("verifyCRC32 should fail once a covered field changes after serialization")
	}
}

func TestTransactionLogBeginMarkInProgressCommit(t *testing.T) {
	backend := newFakeTxLogBackend()
	log := newTransactionLog(backend)
	ctx := context.Background()

	slot, err := log.Begin(ctx, TxDirEntryUpdate, []uint32{5, 6}, []byte("backup"))
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	entry, err := log.readSlot(ctx, slot)
	if err != nil {
		t.Fatalf("readSlot: %v", err)
	}
	if entry.State != TxStatePending {
		t.Errorf("state after Begin = %v, want Pending", entry.State)
	}

	if err := log.MarkInProgress(ctx, slot); err != nil {
		t.Fatalf("MarkInProgress: %v", err)
	}
	entry, _ = log.readSlot(ctx, slot)
	if entry.State != TxStateInProgress {
		t.Errorf("state after MarkInProgress = %v, want InProgress", entry.State)
	}

	if err := log.Commit(ctx, slot); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	entry, _ = log.readSlot(ctx, slot)
	if entry.State != TxStateCommitted {
		t.Errorf("state after Commit = %v, want Committed", entry.State)
	}
}

func TestTransactionLogBeginReusesCommittedSlot(t *testing.T) {
	backend := newFakeTxLogBackend()
	log := newTransactionLog(backend)
	ctx := context.Background()

	for i := 0; i < txMaxTransactions; i++ {
		slot, err := log.Begin(ctx, TxFatUpdate, nil, nil)
		if err != nil {
			t.Fatalf("Begin #%d: %v", i, err)
		}
		if err := log.Commit(ctx, slot); err != nil {
			t.Fatalf("Commit #%d: %v", i, err)
		}
	}
	// All four slots are now Committed (reusable); a fifth Begin must not
	// report the log as exhausted.
	if _, err := log.Begin(ctx, TxFatUpdate, nil, nil); err != nil {
		t.Errorf("Begin should reuse a Committed slot, got error: %v", err)
	}
}

func TestTransactionLogBeginExhaustedWhenAllPending(t *testing.T) {
	backend := newFakeTxLogBackend()
	log := newTransactionLog(backend)
	ctx := context.Background()

	for i := 0; i < txMaxTransactions; i++ {
		if _, err := log.Begin(ctx, TxFatUpdate, nil, nil); err != nil {
			t.Fatalf("Begin #%d: %v", i, err)
		}
	}
	if _, err := log.Begin(ctx, TxFatUpdate, nil, nil); err == nil {
		t.Errorf("Begin should fail once every slot is Pending/InProgress")
	}
}

func TestTransactionLogRecoverRollsBackInProgressEntry(t *testing.T) {
	backend := newFakeTxLogBackend()
	log := newTransactionLog(backend)
	ctx := context.Background()

	backup := []byte("original-bytes")
	slot, err := log.Begin(ctx, TxDirEntryUpdate, []uint32{100, 101}, backup)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := log.MarkInProgress(ctx, slot); err != nil {
		t.Fatalf("MarkInProgress: %v", err)
	}
	// Simulate a crash: never call Commit. A fresh transactionLog over the
	// same backend (as mount would construct) must recover it.
	recovered := newTransactionLog(backend)

	var restoredSectors []uint32
	var restoredBackup []byte
	err = recovered.Recover(ctx, func(ctx context.Context, sectors []uint32, backupData []byte) error {
		restoredSectors = append(restoredSectors, sectors...)
		restoredBackup = append(restoredBackup, backupData...)
		return nil
	})
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if len(restoredSectors) != 2 || restoredSectors[0] != 100 || restoredSectors[1] != 101 {
		t.Errorf("Recover restored sectors = %v, want [100 101]", restoredSectors)
	}
	if !bytes.HasPrefix(restoredBackup, backup) {
		t.Errorf("Recover restored backup data = %q, want prefix %q", restoredBackup, backup)
	}

	entry, err := recovered.readSlot(ctx, slot)
	if err != nil {
		t.Fatalf("readSlot after recover: %v", err)
	}
	if entry.State != TxStateEmpty {
		t.Errorf("state after Recover = %v, want Empty", entry.State)
	}
}

func TestTransactionLogRecoverIgnoresCommittedEntries(t *testing.T) {
	backend := newFakeTxLogBackend()
	log := newTransactionLog(backend)
	ctx := context.Background()

	slot, err := log.Begin(ctx, TxFatUpdate, []uint32{1}, []byte("x"))
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := log.MarkInProgress(ctx, slot); err != nil {
		t.Fatalf("MarkInProgress: %v", err)
	}
	if err := log.Commit(ctx, slot); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	called := false
	if err := log.Recover(ctx, func(ctx context.Context, sectors []uint32, backup []byte) error {
		called = true
		return nil
	}); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if called {
		t.Errorf("Recover should not touch an already-Committed entry")
	}
}

func TestTransactionLogRecoverIgnoresEmptySlots(t *testing.T) {
	backend := newFakeTxLogBackend()
	log := newTransactionLog(backend)
	ctx := context.Background()

	if err := log.Recover(ctx, func(ctx context.Context, sectors []uint32, backup []byte) error {
		t.Errorf("Recover should not invoke restore on a freshly-formatted log")
		return nil
	}); err != nil {
		t.Fatalf("Recover: %v", err)
	}
}
