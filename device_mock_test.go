package fatfs

import (
	"context"
	"errors"
	"testing"

	"github.com/golang/mock/gomock"
)

func TestMountSurfacesBootSectorReadErrorAsErrIO(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	dev := NewMockBlockDevice(ctrl)
	dev.EXPECT().BlockSize().Return(BlockSize512).AnyTimes()
	dev.EXPECT().ReadBlocks(gomock.Any(), gomock.Any(), uint64(0)).Return(errors.New("i/o error reading boot sector"))

	_, err := Mount(context.Background(), dev, Options{})
	if err == nil {
		t.Fatalf("Mount should fail when the boot sector read fails")
	}
	if !errors.Is(err, ErrIO) {
		t.Errorf("Mount error = %v, want it to wrap ErrIO", err)
	}
}

func TestMountRejectsInvalidDeviceBlockSize(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	dev := NewMockBlockDevice(ctrl)
	dev.EXPECT().BlockSize().Return(BlockSize(777)).AnyTimes()

	_, err := Mount(context.Background(), dev, Options{})
	if err == nil {
		t.Fatalf("Mount should reject a device reporting an invalid block size")
	}
	if !errors.Is(err, ErrCorruptedFileSystem) {
		t.Errorf("Mount error = %v, want it to wrap ErrCorruptedFileSystem", err)
	}
}

func TestMockClockReportsConfiguredTimestamp(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	clk := NewMockClock(ctrl)
	want := Timestamp{Year: 2026, Month: 8, Day: 3, Hour: 12}
	clk.EXPECT().Now().Return(want)

	if got := clk.Now(); got != want {
		t.Errorf("MockClock.Now() = %+v, want %+v", got, want)
	}
}
