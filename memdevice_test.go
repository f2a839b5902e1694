package fatfs

import (
	"context"
	"fmt"
)

// memDevice is a minimal in-memory BlockDevice, used across this package's
// tests in place of a real disk.
type memDevice struct {
	blockSize BlockSize
	data      []byte
	syncCount int
}

func newMemDevice(blockSize BlockSize, totalSectors uint32) *memDevice {
	return &memDevice{blockSize: blockSize, data: make([]byte, uint32(blockSize)*totalSectors)}
}

func (d *memDevice) BlockSize() BlockSize { return d.blockSize }

func (d *memDevice) ReadBlocks(ctx context.Context, buf []byte, blockAddr uint64) error {
	off := blockAddr * uint64(d.blockSize)
	if off+uint64(len(buf)) > uint64(len(d.data)) {
		return fmt.Errorf("memDevice: read past end of device")
	}
	copy(buf, d.data[off:off+uint64(len(buf))])
	return nil
}

func (d *memDevice) WriteBlocks(ctx context.Context, buf []byte, blockAddr uint64) error {
	off := blockAddr * uint64(d.blockSize)
	if off+uint64(len(buf)) > uint64(len(d.data)) {
		return fmt.Errorf("memDevice: write past end of device")
	}
	copy(d.data[off:off+uint64(len(buf))], buf)
	return nil
}

func (d *memDevice) Sync(ctx context.Context) error {
	d.syncCount++
	return nil
}

// snapshot returns a copy of the device's backing storage, for simulating a
// crash: format/mount against the copy, mutate, then "restart" a fresh
// memDevice from the snapshot to exercise Recover.
func (d *memDevice) snapshot() []byte {
	cp := make([]byte, len(d.data))
	copy(cp, d.data)
	return cp
}

func (d *memDevice) restore(snapshot []byte) {
	copy(d.data, snapshot)
}
