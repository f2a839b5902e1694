// Command fatctl formats and inspects FAT12/16/32 images from the command
// line, grounded on gokrazy-internal's instanceflag package for pflag usage
// and on cmd/example for the mount/walk sequence.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/embeddedfat/fatfs"
	"github.com/embeddedfat/fatfs/adapters/filedisk"
)

var (
	blockSize         = fatfs.BlockSize512
	sectorsPerCluster uint8
	totalSectors      uint32
	numFATs           uint8
	reservedSectors   uint16
	rootEntryCount    uint16
	txLogSectors      uint16
	volumeLabel       string
)

func registerFormatFlags(fs *pflag.FlagSet) {
	fs.Uint8Var(&sectorsPerCluster, "sectors-per-cluster", 4, "sectors per cluster, must be a power of two")
	fs.Uint32Var(&totalSectors, "total-sectors", 131072, "total sectors the filesystem should occupy")
	fs.Uint8Var(&numFATs, "num-fats", 2, "number of FAT copies to maintain")
	fs.Uint16Var(&reservedSectors, "reserved-sectors", 32, "reserved sectors before the first FAT")
	fs.Uint16Var(&rootEntryCount, "root-entry-count", 0, "fixed root directory entry count (0 for FAT32)")
	fs.Uint16Var(&txLogSectors, "tx-log-sectors", 4, "sectors reserved for the transaction log, 0 to disable")
	fs.StringVar(&volumeLabel, "label", "", "up to 11-byte ASCII volume label")
}

func main() {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "usage: fatctl <format|ls> <image> [flags]")
		os.Exit(1)
	}
	cmd, path := os.Args[1], os.Args[2]

	fs := pflag.NewFlagSet(cmd, pflag.ExitOnError)
	registerFormatFlags(fs)
	if err := fs.Parse(os.Args[3:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var err error
	switch cmd {
	case "format":
		err = runFormat(path)
	case "ls":
		err = runList(path)
	default:
		err = fmt.Errorf("unknown command %q", cmd)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runFormat(path string) error {
	ctx := context.Background()
	sizeBytes := int64(totalSectors) * int64(blockSize)

	dev, err := filedisk.Create(path, blockSize, sizeBytes)
	if err != nil {
		return fmt.Errorf("fatctl: create %s: %w", path, err)
	}
	defer dev.Close()

	return fatfs.Format(ctx, dev, fatfs.FormatOptions{
		BlockSize:             blockSize,
		SectorsPerCluster:     sectorsPerCluster,
		TotalSectors:          totalSectors,
		NumFATs:               numFATs,
		ReservedSectors:       reservedSectors,
		RootEntryCount:        rootEntryCount,
		TransactionLogSectors: txLogSectors,
		VolumeLabel:           volumeLabel,
	})
}

func runList(path string) error {
	ctx := context.Background()

	dev, err := filedisk.Open(path, blockSize)
	if err != nil {
		return fmt.Errorf("fatctl: open %s: %w", path, err)
	}
	defer dev.Close()

	vol, err := fatfs.Mount(ctx, dev, fatfs.Options{EnableBitmap: true})
	if err != nil {
		return fmt.Errorf("fatctl: mount %s: %w", path, err)
	}
	defer vol.Unmount(ctx)

	entries, err := vol.RootDir().List(ctx)
	if err != nil {
		return fmt.Errorf("fatctl: list root: %w", err)
	}
	for _, e := range entries {
		kind := "file"
		if e.IsDir() {
			kind = "dir"
		}
		fmt.Printf("%-5s %10d  %s\n", kind, e.Size, e.Name())
	}
	return nil
}
