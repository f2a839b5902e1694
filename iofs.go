package fatfs

import (
	"errors"
	"io/fs"

	"github.com/spf13/afero"
)

// goDirEntry adapts an os.FileInfo to fs.DirEntry.
type goDirEntry struct {
	fs.FileInfo
}

func (g goDirEntry) Type() fs.FileMode { return g.FileInfo.Mode().Type() }

func (g goDirEntry) Info() (fs.FileInfo, error) { return g.FileInfo, nil }

// goFile adapts an afero.File to fs.File.
type goFile struct {
	afero.File
}

func (g goFile) ReadDir(n int) ([]fs.DirEntry, error) {
	infos, err := g.File.Readdir(n)
	entries := make([]fs.DirEntry, len(infos))
	for i, info := range infos {
		entries[i] = goDirEntry{info}
	}
	return entries, err
}

// GoFs wraps Fs as an fs.FS/fs.StatFS/fs.ReadDirFS, the same shape as the
// teacher's GoFs in go-fs.go, for callers of the standard library's io/fs
// facilities (io/fs.WalkDir, io/fs.Glob, io/fs.ReadFile).
type GoFs struct {
	*Fs
}

var (
	_ fs.FS        = GoFs{}
	_ fs.StatFS    = GoFs{}
	_ fs.ReadDirFS = GoFs{}
)

// NewGoFs adapts vol to fs.FS.
func NewGoFs(vol *Volume) GoFs { return GoFs{NewFs(vol)} }

func (g GoFs) Open(name string) (fs.File, error) {
	f, err := g.Fs.Open(name)
	if err != nil {
		return nil, err
	}
	return goFile{f}, nil
}

func (g GoFs) Stat(name string) (fs.FileInfo, error) {
	return g.Fs.Stat(name)
}

func (g GoFs) ReadDir(name string) ([]fs.DirEntry, error) {
	f, err := g.Fs.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	dh, ok := f.(*dirHandle)
	if !ok {
		return nil, errors.New("fatfs: " + name + " is not a directory")
	}
	infos, err := dh.Readdir(-1)
	if err != nil {
		return nil, err
	}
	entries := make([]fs.DirEntry, len(infos))
	for i, info := range infos {
		entries[i] = goDirEntry{info}
	}
	return entries, nil
}
