package fatfs

import (
	"bytes"
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRoundTripFormatMountUnmountRemount exercises the idempotence law:
// format an image, mount, unmount, and it must be re-mountable with the
// BPB and FAT byte-identical except for FSInfo hints. Uses go-cmp to diff
// the parsed BPB structs and testify/require for the setup assertions.
func TestRoundTripFormatMountUnmountRemount(t *testing.T) {
	ctx := context.Background()
	dev := newMemDevice(BlockSize512, 2048)

	fo := FormatOptions{
		SectorsPerCluster:     1,
		TotalSectors:          2048,
		NumFATs:               2,
		ReservedSectors:       4,
		RootEntryCount:        112,
		TransactionLogSectors: 2,
	}
	require.NoError(t, Format(ctx, dev, fo), "Format should succeed")

	vol1, err := Mount(ctx, dev, Options{EnableBitmap: true})
	require.NoError(t, err, "first Mount should succeed")
	require.NoError(t, vol1.Unmount(ctx), "Unmount should succeed")

	vol2, err := Mount(ctx, dev, Options{EnableBitmap: true})
	require.NoError(t, err, "second Mount should succeed")
	defer vol2.Unmount(ctx)

	if diff := cmp.Diff(vol1.bpb, vol2.bpb); diff != "" {
		t.Errorf("BPB differs across remount, (-before +after):\n%s", diff)
	}

	fat1 := mustReadFATSector(t, dev, vol1.bpb, 0)
	fat2 := mustReadFATSector(t, dev, vol2.bpb, 0)
	assert.Equal(t, fat1, fat2, "primary FAT sector 0 should be byte-identical across an idle remount")
}

// TestRoundTripWriteFlushUnmountMountRead exercises the "write N bytes,
// flush, unmount, mount, read N bytes => byte-identical" law.
func TestRoundTripWriteFlushUnmountMountRead(t *testing.T) {
	ctx := context.Background()
	dev := newMemDevice(BlockSize512, 2048)

	fo := FormatOptions{
		SectorsPerCluster:     4,
		TotalSectors:          2048,
		NumFATs:               2,
		ReservedSectors:       4,
		RootEntryCount:        112,
		TransactionLogSectors: 2,
	}
	require.NoError(t, Format(ctx, dev, fo))

	vol, err := Mount(ctx, dev, Options{EnableBitmap: true, EnableTransactionLog: true})
	require.NoError(t, err)

	want := bytes.Repeat([]byte{0xAB}, 1024)
	f, err := vol.RootDir().CreateFile(ctx, "HELLO.TXT")
	require.NoError(t, err)
	n, err := f.WriteCtx(ctx, want)
	require.NoError(t, err)
	require.Equal(t, len(want), n)
	require.NoError(t, f.SyncCtx(ctx))
	require.NoError(t, vol.Flush(ctx))
	require.NoError(t, vol.Unmount(ctx))

	vol2, err := Mount(ctx, dev, Options{EnableBitmap: true, EnableTransactionLog: true})
	require.NoError(t, err)
	defer vol2.Unmount(ctx)

	f2, err := vol2.RootDir().OpenFile(ctx, "HELLO.TXT", false)
	require.NoError(t, err)
	got := make([]byte, len(want))
	n, err = f2.ReadCtx(ctx, got)
	require.NoError(t, err)
	assert.Equal(t, len(want), n)
	assert.True(t, bytes.Equal(want, got), "round-tripped file contents should be byte-identical")
}

func mustReadFATSector(t *testing.T, dev *memDevice, bpb *BPB, idx uint32) []byte {
	t.Helper()
	buf := make([]byte, bpb.BytesPerSector)
	require.NoError(t, dev.ReadBlocks(context.Background(), buf, uint64(bpb.FATStartSector+idx)))
	return buf
}
