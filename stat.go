package fatfs

import (
	"os"
	"time"
)

// FileInfo adapts a DirEntry to os.FileInfo for callers of the afero/io-fs
// facades.
func (e *DirEntry) FileInfo() os.FileInfo {
	return dirEntryFileInfo{entry: *e}
}

type dirEntryFileInfo struct {
	entry DirEntry
}

func (f dirEntryFileInfo) Name() string { return f.entry.Name() }
func (f dirEntryFileInfo) Size() int64  { return int64(f.entry.Size) }

func (f dirEntryFileInfo) Mode() os.FileMode {
	if f.entry.IsDir() {
		return os.ModeDir | 0o755
	}
	mode := os.FileMode(0o644)
	if f.entry.IsReadOnly() {
		mode = 0o444
	}
	return mode
}

// ModTime returns the zero time if the write timestamp is the documented
// "no date" sentinel, an invalid WriteDate.
func (f dirEntryFileInfo) ModTime() time.Time {
	if f.entry.ModifyAt.IsZero() {
		return time.Time{}
	}
	t := f.entry.ModifyAt
	return time.Date(t.Year, time.Month(t.Month), t.Day, t.Hour, t.Minute, t.Second, t.Millis*1e6, time.UTC)
}

func (f dirEntryFileInfo) IsDir() bool        { return f.entry.IsDir() }
func (f dirEntryFileInfo) Sys() interface{}   { return f.entry }
