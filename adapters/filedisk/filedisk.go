//go:build aix || darwin || dragonfly || freebsd || linux || netbsd || openbsd || solaris
// +build aix darwin dragonfly freebsd linux netbsd openbsd solaris

// Package filedisk is a reference fatfs.BlockDevice backed by a regular
// file or block special file, for tests and tools that need a concrete
// device rather than an in-memory one. It is not part of the core engine
// (the distilled spec's Non-goals exclude storage-medium drivers); it
// exists so cmd/fatctl has something real to open.
package filedisk

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/embeddedfat/fatfs"
)

// Device is an fatfs.BlockDevice over an *os.File, grounded on the
// teacher's reliance on a single io.ReadSeeker plus diskfs's use of
// golang.org/x/sys/unix for device-level ioctls (disk_unix.go).
// Reads and writes go through unix.Pread/unix.Pwrite rather than the
// file's own cursor, since Volume may interleave calls across goroutines
// performing mirrored-FAT writes (volume.go's mirrorFATSectors).
type Device struct {
	file      *os.File
	blockSize fatfs.BlockSize
	locked    bool
}

// Open opens path as a block device of the given block size, taking an
// advisory exclusive lock (unix.Flock) for the duration so two processes
// don't mount the same image at once.
func Open(path string, blockSize fatfs.BlockSize) (*Device, error) {
	if !blockSize.Valid() {
		return nil, fmt.Errorf("filedisk: invalid block size %d", blockSize)
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("filedisk: %s is already locked: %w", path, err)
	}
	return &Device{file: f, blockSize: blockSize, locked: true}, nil
}

// Create creates path (truncating it if it exists) as a fixed-size block
// device image of size bytes, formatted with zero blocks.
func Create(path string, blockSize fatfs.BlockSize, size int64) (*Device, error) {
	if !blockSize.Valid() {
		return nil, fmt.Errorf("filedisk: invalid block size %d", blockSize)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("filedisk: %s is already locked: %w", path, err)
	}
	return &Device{file: f, blockSize: blockSize, locked: true}, nil
}

var _ fatfs.BlockDevice = (*Device)(nil)

// BlockSize implements fatfs.BlockDevice.
func (d *Device) BlockSize() fatfs.BlockSize { return d.blockSize }

// ReadBlocks implements fatfs.BlockDevice using a positioned pread, so
// concurrent callers (e.g. mirrored-FAT writers) never race on a shared
// file cursor.
func (d *Device) ReadBlocks(ctx context.Context, buf []byte, blockAddr uint64) error {
	if len(buf)%int(d.blockSize) != 0 {
		return fmt.Errorf("filedisk: read length %d is not a multiple of block size %d", len(buf), d.blockSize)
	}
	off := int64(blockAddr) * int64(d.blockSize)
	n, err := unix.Pread(int(d.file.Fd()), buf, off)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("filedisk: short read at block %d: got %d of %d bytes", blockAddr, n, len(buf))
	}
	return nil
}

// WriteBlocks implements fatfs.BlockDevice using a positioned pwrite.
func (d *Device) WriteBlocks(ctx context.Context, buf []byte, blockAddr uint64) error {
	if len(buf)%int(d.blockSize) != 0 {
		return fmt.Errorf("filedisk: write length %d is not a multiple of block size %d", len(buf), d.blockSize)
	}
	off := int64(blockAddr) * int64(d.blockSize)
	n, err := unix.Pwrite(int(d.file.Fd()), buf, off)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("filedisk: short write at block %d: wrote %d of %d bytes", blockAddr, n, len(buf))
	}
	return nil
}

// Sync implements fatfs.BlockDevice.
func (d *Device) Sync(ctx context.Context) error {
	return unix.Fsync(int(d.file.Fd()))
}

// Close releases the advisory lock and closes the underlying file.
func (d *Device) Close() error {
	if d.locked {
		_ = unix.Flock(int(d.file.Fd()), unix.LOCK_UN)
		d.locked = false
	}
	return d.file.Close()
}
