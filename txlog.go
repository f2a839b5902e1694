package fatfs

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/embeddedfat/fatfs/checkpoint"
)

// TransactionType identifies what kind of multi-sector update a transaction
// log entry protects, grounded on fatrs/src/transaction.rs's TransactionType
// enum.
type TransactionType uint8

const (
	TxNone TransactionType = iota
	TxFatUpdate
	TxDirEntryUpdate
	TxFsInfoUpdate
	TxFileMetadataUpdate
	TxClusterChainUpdate
)

// TransactionState is a log entry's two-phase-commit state.
type TransactionState uint8

const (
	TxStateEmpty TransactionState = iota
	TxStatePending
	TxStateInProgress
	TxStateCommitted
)

const (
	txMagic           uint32 = 0x5458_4E46 // "TXNF"
	txVersion         uint16 = 1
	txMaxTransactions        = 4
	txEntrySize              = 512
	txMaxSectors             = 64
	txBackupDataSize         = 200
)

// TransactionEntry is one fixed-512-byte slot of the transaction log,
// binary-layout-compatible with fatrs/src/transaction.rs's TransactionEntry.
// backupData holds enough of the affected sectors' prior contents to roll a
// failed or interrupted transaction back (rollback-capable, not
// detect-only).
type TransactionEntry struct {
	Magic           uint32
	Version         uint16
	Type            TransactionType
	State           TransactionState
	Sequence        uint64
	Timestamp       uint64
	AffectedSectors [txMaxSectors]uint32
	SectorCount     uint32
	BackupData      [txBackupDataSize]byte
	CRC32           uint32
}

func (e *TransactionEntry) serialize() []byte {
	buf := make([]byte, txEntrySize)
	off := 0
	putU32 := func(v uint32) { binary.LittleEndian.PutUint32(buf[off:], v); off += 4 }
	putU16 := func(v uint16) { binary.LittleEndian.PutUint16(buf[off:], v); off += 2 }
	putU64 := func(v uint64) { binary.LittleEndian.PutUint64(buf[off:], v); off += 8 }

	putU32(e.Magic)
	putU16(e.Version)
	buf[off] = byte(e.Type)
	off++
	buf[off] = byte(e.State)
	off++
	putU64(e.Sequence)
	putU64(e.Timestamp)
	for _, s := range e.AffectedSectors {
		putU32(s)
	}
	putU32(e.SectorCount)
	copy(buf[off:off+txBackupDataSize], e.BackupData[:])
	off += txBackupDataSize

	e.CRC32 = e.calculateCRC32(buf[:off])
	binary.LittleEndian.PutUint32(buf[off:], e.CRC32)
	return buf
}

func deserializeTransactionEntry(buf []byte) TransactionEntry {
	var e TransactionEntry
	off := 0
	getU32 := func() uint32 { v := binary.LittleEndian.Uint32(buf[off:]); off += 4; return v }
	getU16 := func() uint16 { v := binary.LittleEndian.Uint16(buf[off:]); off += 2; return v }
	getU64 := func() uint64 { v := binary.LittleEndian.Uint64(buf[off:]); off += 8; return v }

	e.Magic = getU32()
	e.Version = getU16()
	e.Type = TransactionType(buf[off])
	off++
	e.State = TransactionState(buf[off])
	off++
	e.Sequence = getU64()
	e.Timestamp = getU64()
	for i := range e.AffectedSectors {
		e.AffectedSectors[i] = getU32()
	}
	e.SectorCount = getU32()
	copy(e.BackupData[:], buf[off:off+txBackupDataSize])
	off += txBackupDataSize
	e.CRC32 = getU32()
	return e
}

// calculateCRC32 covers every field preceding the CRC32 field itself.
func (e *TransactionEntry) calculateCRC32(coveredBytes []byte) uint32 {
	return crc32.ChecksumIEEE(coveredBytes)
}

func (e *TransactionEntry) verifyCRC32() bool {
	tmp := *e
	tmp.serialize()
	return tmp.CRC32 == e.CRC32
}

// txLogBackend is the slice of Volume the transaction log needs: raw sector
// I/O against its own reserved region.
type txLogBackend interface {
	readLogSector(ctx context.Context, idx uint32) ([]byte, error)
	writeLogSector(ctx context.Context, idx uint32, data []byte) error
	clock() Clock
}

// transactionLog is a fixed 4-slot write-ahead log living in the reserved
// sectors immediately following the boot sector/FSInfo. Begin reserves a slot and marks it
// Pending with backup data captured from the sectors about to be touched;
// Commit marks it Committed once every affected sector has actually been
// written; Recover (run at mount) rolls back any slot left Pending or
// InProgress, since that means the process died mid-operation.
type transactionLog struct {
	backend  txLogBackend
	sequence uint64
}

func newTransactionLog(backend txLogBackend) *transactionLog {
	return &transactionLog{backend: backend}
}

// slotSectorsPerEntry assumes one log entry occupies exactly one sector,
// matching txEntrySize == 512 for the common 512-byte-sector case; a device
// with a larger sector size simply leaves the remainder of each slot's
// sector unused.
const slotSectorsPerEntry = 1

// Begin reserves the first Empty or Committed slot, captures backupData
// (the pre-image of the sectors about to change, truncated to
// txBackupDataSize bytes) and writes it as Pending.
func (l *transactionLog) Begin(ctx context.Context, txType TransactionType, affectedSectors []uint32, backupData []byte) (int, error) {
	if len(affectedSectors) > txMaxSectors {
		return 0, checkpoint.Wrap(ErrInvalidInput, fmt.Errorf("transaction touches %d sectors, max %d", len(affectedSectors), txMaxSectors))
	}
	slot, err := l.findReusableSlot(ctx)
	if err != nil {
		return 0, err
	}

	l.sequence++
	var entry TransactionEntry
	entry.Magic = txMagic
	entry.Version = txVersion
	entry.Type = txType
	entry.State = TxStatePending
	entry.Sequence = l.sequence
	entry.Timestamp = clockToUnix(l.backend.clock().Now())
	copy(entry.AffectedSectors[:], affectedSectors)
	entry.SectorCount = uint32(len(affectedSectors))
	copy(entry.BackupData[:], backupData)

	if err := l.writeSlot(ctx, slot, &entry); err != nil {
		return 0, err
	}
	return slot, nil
}

// MarkInProgress transitions slot from Pending to InProgress, marking that
// the affected sectors may now be written; Recover rolls back an InProgress
// slot from its backup data exactly as it does a Pending one.
func (l *transactionLog) MarkInProgress(ctx context.Context, slot int) error {
	entry, err := l.readSlot(ctx, slot)
	if err != nil {
		return err
	}
	entry.State = TxStateInProgress
	return l.writeSlot(ctx, slot, &entry)
}

// Commit marks slot Committed, meaning every affected sector was durably
// written and the backup data is no longer needed for rollback.
func (l *transactionLog) Commit(ctx context.Context, slot int) error {
	entry, err := l.readSlot(ctx, slot)
	if err != nil {
		return err
	}
	entry.State = TxStateCommitted
	return l.writeSlot(ctx, slot, &entry)
}

// Abort discards slot immediately (used when Begin's caller fails before
// touching any affected sector, so there is nothing to roll back).
func (l *transactionLog) Abort(ctx context.Context, slot int) error {
	var entry TransactionEntry
	entry.State = TxStateEmpty
	return l.writeSlot(ctx, slot, &entry)
}

// findReusableSlot returns the first Empty or Committed slot, scanning all
// txMaxTransactions in order; there is no mandated replacement policy for
// when all four are Pending/InProgress (a recovery
// bug, since Begin/Commit/Abort always leave 0 or 1 non-terminal slots in
// single-threaded use), so this treats that as ErrCorruptedFileSystem.
func (l *transactionLog) findReusableSlot(ctx context.Context) (int, error) {
	for i := 0; i < txMaxTransactions; i++ {
		entry, err := l.readSlot(ctx, i)
		if err != nil {
			return 0, err
		}
		if entry.State == TxStateEmpty || entry.State == TxStateCommitted {
			return i, nil
		}
	}
	return 0, checkpoint.Wrap(ErrCorruptedFileSystem, fmt.Errorf("no free transaction-log slot among %d", txMaxTransactions))
}

func (l *transactionLog) readSlot(ctx context.Context, slot int) (TransactionEntry, error) {
	data, err := l.backend.readLogSector(ctx, uint32(slot*slotSectorsPerEntry))
	if err != nil {
		return TransactionEntry{}, err
	}
	return deserializeTransactionEntry(data[:txEntrySize]), nil
}

func (l *transactionLog) writeSlot(ctx context.Context, slot int, entry *TransactionEntry) error {
	buf := entry.serialize()
	return l.backend.writeLogSector(ctx, uint32(slot*slotSectorsPerEntry), buf)
}

// Recover scans every slot at mount time, rolling back anything left
// Pending or InProgress by restoring backupData to its affected sectors:
// such an entry means the previous session died mid-operation and must be
// rolled back using its backup data before the volume is usable.
func (l *transactionLog) Recover(ctx context.Context, restore func(ctx context.Context, sectors []uint32, backup []byte) error) error {
	for i := 0; i < txMaxTransactions; i++ {
		entry, err := l.readSlot(ctx, i)
		if err != nil {
			return err
		}
		if entry.Magic != txMagic {
			continue
		}
		if entry.State != TxStatePending && entry.State != TxStateInProgress {
			continue
		}
		if !entry.verifyCRC32() {
			return checkpoint.Wrap(ErrCorruptedFileSystem, fmt.Errorf("transaction log slot %d failed CRC32 verification", i))
		}
		sectors := entry.AffectedSectors[:entry.SectorCount]
		if err := restore(ctx, sectors, entry.BackupData[:]); err != nil {
			return err
		}
		entry.State = TxStateEmpty
		if err := l.writeSlot(ctx, i, &entry); err != nil {
			return err
		}
	}
	return nil
}

func clockToUnix(t Timestamp) uint64 {
	if t.IsZero() {
		return 0
	}
	days := daysSinceEpoch(t.Year, t.Month, t.Day)
	return uint64(days)*86400 + uint64(t.Hour)*3600 + uint64(t.Minute)*60 + uint64(t.Second)
}

// daysSinceEpoch is a minimal Gregorian day-count, good enough for ordering
// transaction-log timestamps; it does not need to be calendar-exact since
// nothing reads it back as a wall-clock date.
func daysSinceEpoch(year, month, day int) int64 {
	y, m := int64(year), int64(month)
	if m <= 2 {
		y--
		m += 12
	}
	era := y / 400
	yoe := y - era*400
	doy := (153*(m-3)+2)/5 + int64(day) - 1
	doe := yoe*365 + yoe/4 - yoe/100 + doy
	return era*146097 + doe - 719468
}
