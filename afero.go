package fatfs

import (
	"context"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/embeddedfat/fatfs/checkpoint"
)

// Fs adapts a mounted Volume to afero.Fs.
// Every call resolves a slash-separated path against Volume's one-level
// Dir.OpenDir/Find surface and runs against context.Background(), since
// afero.Fs's synchronous signatures carry no context of their own; callers
// needing cancellation use Dir's context-taking methods and File's
// Ctx-suffixed methods directly.
type Fs struct {
	vol *Volume
}

// NewFs wraps vol as an afero.Fs.
func NewFs(vol *Volume) *Fs { return &Fs{vol: vol} }

var _ afero.Fs = (*Fs)(nil)

// splitPath cleans name into its non-empty path components.
func splitPath(name string) []string {
	clean := path.Clean("/" + strings.ReplaceAll(name, `\`, "/"))
	clean = strings.TrimPrefix(clean, "/")
	if clean == "" || clean == "." {
		return nil
	}
	return strings.Split(clean, "/")
}

// resolveParent walks every component but the last, returning the
// containing Dir and the final component's name.
func (fs *Fs) resolveParent(ctx context.Context, name string) (*Dir, string, error) {
	parts := splitPath(name)
	if len(parts) == 0 {
		return nil, "", checkpoint.Wrap(ErrInvalidInput, errStringer("cannot operate on the root directory itself"))
	}
	dir := fs.vol.RootDir()
	for _, p := range parts[:len(parts)-1] {
		next, err := dir.OpenDir(ctx, p)
		if err != nil {
			return nil, "", err
		}
		dir = next
	}
	return dir, parts[len(parts)-1], nil
}

// resolveDir walks every component of name, returning the Dir it names.
func (fs *Fs) resolveDir(ctx context.Context, name string) (*Dir, error) {
	parts := splitPath(name)
	dir := fs.vol.RootDir()
	for _, p := range parts {
		next, err := dir.OpenDir(ctx, p)
		if err != nil {
			return nil, err
		}
		dir = next
	}
	return dir, nil
}

type errStringer string

func (e errStringer) Error() string { return string(e) }

// Create creates name (and truncates it if it already exists), opened for
// reading and writing, mirroring os.Create/afero.Fs.Create.
func (fs *Fs) Create(name string) (afero.File, error) {
	ctx := context.Background()
	parent, base, err := fs.resolveParent(ctx, name)
	if err != nil {
		return nil, err
	}
	if _, ok, _ := parent.Find(ctx, base); ok {
		if err := parent.Remove(ctx, base); err != nil {
			return nil, err
		}
	}
	return parent.CreateFile(ctx, base)
}

// Mkdir creates name as a new, empty directory; its parent must already
// exist.
func (fs *Fs) Mkdir(name string, _ os.FileMode) error {
	ctx := context.Background()
	parent, base, err := fs.resolveParent(ctx, name)
	if err != nil {
		return err
	}
	_, err = parent.CreateDir(ctx, base)
	return err
}

// MkdirAll creates every missing directory component of name.
func (fs *Fs) MkdirAll(name string, perm os.FileMode) error {
	ctx := context.Background()
	parts := splitPath(name)
	dir := fs.vol.RootDir()
	for _, p := range parts {
		e, ok, err := dir.Find(ctx, p)
		if err != nil {
			return err
		}
		if ok {
			if !e.IsDir() {
				return checkpoint.Wrap(ErrNotDirectory, errStringer("path component "+p+" is a file"))
			}
			next, err := dir.OpenDir(ctx, p)
			if err != nil {
				return err
			}
			dir = next
			continue
		}
		next, err := dir.CreateDir(ctx, p)
		if err != nil {
			return err
		}
		dir = next
	}
	return nil
}

// Open opens name for reading.
func (fs *Fs) Open(name string) (afero.File, error) {
	return fs.OpenFile(name, os.O_RDONLY, 0)
}

// OpenFile opens name according to the standard os.OpenFile flag bits.
func (fs *Fs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	ctx := context.Background()
	parts := splitPath(name)
	if len(parts) == 0 {
		return &dirHandle{fs: fs, dir: fs.vol.RootDir(), name: "/"}, nil
	}

	parent, base, err := fs.resolveParent(ctx, name)
	if err != nil {
		return nil, err
	}

	e, ok, err := parent.Find(ctx, base)
	if err != nil {
		return nil, err
	}
	if !ok {
		if flag&os.O_CREATE == 0 {
			return nil, checkpoint.Wrap(ErrNotFound, errStringer("file "+name+" not found"))
		}
		return parent.CreateFile(ctx, base)
	}
	if e.IsDir() {
		next, err := parent.OpenDir(ctx, base)
		if err != nil {
			return nil, err
		}
		return &dirHandle{fs: fs, dir: next, name: base}, nil
	}

	if flag&os.O_EXCL != 0 && flag&os.O_CREATE != 0 {
		return nil, checkpoint.Wrap(ErrAlreadyExists, errStringer("file "+name+" already exists"))
	}

	writeable := flag&(os.O_WRONLY|os.O_RDWR) != 0
	f, err := parent.OpenFile(ctx, base, writeable)
	if err != nil {
		return nil, err
	}
	if writeable && flag&os.O_TRUNC != 0 {
		if err := f.Truncate(0); err != nil {
			f.Close()
			return nil, err
		}
	}
	if writeable && flag&os.O_APPEND != 0 {
		if _, err := f.Seek(0, io.SeekEnd); err != nil {
			f.Close()
			return nil, err
		}
	}
	return f, nil
}

// Remove deletes name, which must be an empty directory or a file.
func (fs *Fs) Remove(name string) error {
	ctx := context.Background()
	parent, base, err := fs.resolveParent(ctx, name)
	if err != nil {
		return err
	}
	return parent.Remove(ctx, base)
}

// RemoveAll recursively deletes name, tolerating a name that does not exist
// (matching os.RemoveAll/afero.Fs.RemoveAll semantics).
func (fs *Fs) RemoveAll(name string) error {
	ctx := context.Background()
	parent, base, err := fs.resolveParent(ctx, name)
	if err != nil {
		return err
	}
	e, ok, err := parent.Find(ctx, base)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if e.IsDir() {
		child, err := parent.OpenDir(ctx, base)
		if err != nil {
			return err
		}
		entries, err := child.List(ctx)
		if err != nil {
			return err
		}
		for _, sub := range entries {
			subName := sub.Name()
			if subName == "." || subName == ".." {
				continue
			}
			if err := fs.RemoveAll(path.Join(name, subName)); err != nil {
				return err
			}
		}
	}
	return parent.Remove(ctx, base)
}

// Rename moves oldname to newname, across directories if their parents
// differ.
func (fs *Fs) Rename(oldname, newname string) error {
	ctx := context.Background()
	oldParent, oldBase, err := fs.resolveParent(ctx, oldname)
	if err != nil {
		return err
	}
	newParent, newBase, err := fs.resolveParent(ctx, newname)
	if err != nil {
		return err
	}
	if oldParent.firstCluster() == newParent.firstCluster() {
		_, err := oldParent.Rename(ctx, oldBase, newBase)
		return err
	}
	_, err = oldParent.MoveTo(ctx, oldBase, newParent, newBase)
	return err
}

// Stat returns name's os.FileInfo.
func (fs *Fs) Stat(name string) (os.FileInfo, error) {
	ctx := context.Background()
	parts := splitPath(name)
	if len(parts) == 0 {
		return rootFileInfo{}, nil
	}
	parent, base, err := fs.resolveParent(ctx, name)
	if err != nil {
		return nil, err
	}
	e, ok, err := parent.Find(ctx, base)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, checkpoint.Wrap(ErrNotFound, errStringer("file "+name+" not found"))
	}
	return e.FileInfo(), nil
}

// Name identifies the afero.Fs implementation.
func (fs *Fs) Name() string { return "fatfs" }

// Chmod toggles the read-only attribute bit according to mode's owner-write
// bit; FAT directory entries carry nothing else Chmod could affect.
func (fs *Fs) Chmod(name string, mode os.FileMode) error {
	ctx := context.Background()
	parent, base, err := fs.resolveParent(ctx, name)
	if err != nil {
		return err
	}
	e, ok, err := parent.Find(ctx, base)
	if err != nil {
		return err
	}
	if !ok {
		return checkpoint.Wrap(ErrNotFound, errStringer("file "+name+" not found"))
	}
	readOnly := mode&0o200 == 0
	_, err = parent.inner.updateShortEntry(ctx, &e, func(s *rawShortEntry) {
		if readOnly {
			s.Attr |= AttrReadOnly
		} else {
			s.Attr &^= AttrReadOnly
		}
	})
	return err
}

// Chown is a no-op: FAT directory entries carry no uid/gid.
func (fs *Fs) Chown(name string, uid, gid int) error { return nil }

// Chtimes sets name's write timestamp; FAT has no separate access-time
// field writable without also touching LastAccessDate, which this updates
// too since afero callers expect both to move together.
func (fs *Fs) Chtimes(name string, atime, mtime time.Time) error {
	ctx := context.Background()
	parent, base, err := fs.resolveParent(ctx, name)
	if err != nil {
		return err
	}
	e, ok, err := parent.Find(ctx, base)
	if err != nil {
		return err
	}
	if !ok {
		return checkpoint.Wrap(ErrNotFound, errStringer("file "+name+" not found"))
	}
	wd, wt, _ := encodeTimestamp(goTimeToTimestamp(mtime))
	ad, _, _ := encodeTimestamp(goTimeToTimestamp(atime))
	_, err = parent.inner.updateShortEntry(ctx, &e, func(s *rawShortEntry) {
		s.WriteDate, s.WriteTime = wd, wt
		s.LastAccessDate = ad
	})
	return err
}

func goTimeToTimestamp(t time.Time) Timestamp {
	if t.IsZero() {
		return Timestamp{}
	}
	return Timestamp{
		Year: t.Year(), Month: int(t.Month()), Day: t.Day(),
		Hour: t.Hour(), Minute: t.Minute(), Second: t.Second(),
		Millis: t.Nanosecond() / 1e6,
	}
}

// rootFileInfo is the synthetic os.FileInfo for the volume's root directory,
// which has no directory entry of its own to describe it.
type rootFileInfo struct{}

func (rootFileInfo) Name() string       { return "/" }
func (rootFileInfo) Size() int64        { return 0 }
func (rootFileInfo) Mode() os.FileMode  { return os.ModeDir | 0o755 }
func (rootFileInfo) ModTime() time.Time { return time.Time{} }
func (rootFileInfo) IsDir() bool        { return true }
func (rootFileInfo) Sys() interface{}   { return nil }

// dirHandle is the afero.File returned for a directory opened via
// Fs.Open/OpenFile: it supports the read-directory surface but rejects data
// I/O, matching os.File's behavior when Read is called on an *os.File open
// on a directory.
type dirHandle struct {
	fs   *Fs
	dir  *Dir
	name string
}

var _ afero.File = (*dirHandle)(nil)

func (d *dirHandle) Close() error               { return nil }
func (d *dirHandle) Name() string                { return d.name }
func (d *dirHandle) Read([]byte) (int, error)    { return 0, checkpoint.Wrap(ErrIsDirectory, errStringer("is a directory")) }
func (d *dirHandle) ReadAt([]byte, int64) (int, error) {
	return 0, checkpoint.Wrap(ErrIsDirectory, errStringer("is a directory"))
}
func (d *dirHandle) Seek(int64, int) (int64, error) { return 0, nil }
func (d *dirHandle) Write([]byte) (int, error) {
	return 0, checkpoint.Wrap(ErrIsDirectory, errStringer("is a directory"))
}
func (d *dirHandle) WriteAt([]byte, int64) (int, error) {
	return 0, checkpoint.Wrap(ErrIsDirectory, errStringer("is a directory"))
}
func (d *dirHandle) WriteString(string) (int, error) {
	return 0, checkpoint.Wrap(ErrIsDirectory, errStringer("is a directory"))
}
func (d *dirHandle) Sync() error          { return nil }
func (d *dirHandle) Truncate(int64) error { return checkpoint.Wrap(ErrIsDirectory, errStringer("is a directory")) }

func (d *dirHandle) Stat() (os.FileInfo, error) {
	if d.name == "/" {
		return rootFileInfo{}, nil
	}
	return dirHandleFileInfo{d}, nil
}

type dirHandleFileInfo struct{ d *dirHandle }

func (f dirHandleFileInfo) Name() string       { return f.d.name }
func (f dirHandleFileInfo) Size() int64        { return 0 }
func (f dirHandleFileInfo) Mode() os.FileMode  { return os.ModeDir | 0o755 }
func (f dirHandleFileInfo) ModTime() time.Time { return time.Time{} }
func (f dirHandleFileInfo) IsDir() bool        { return true }
func (f dirHandleFileInfo) Sys() interface{}   { return nil }

func (d *dirHandle) Readdir(count int) ([]os.FileInfo, error) {
	ctx := context.Background()
	entries, err := d.dir.List(ctx)
	if err != nil {
		return nil, err
	}
	infos := make([]os.FileInfo, 0, len(entries))
	for _, e := range entries {
		n := e.Name()
		if n == "." || n == ".." {
			continue
		}
		infos = append(infos, e.FileInfo())
		if count > 0 && len(infos) >= count {
			break
		}
	}
	return infos, nil
}

func (d *dirHandle) Readdirnames(count int) ([]string, error) {
	infos, err := d.Readdir(count)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(infos))
	for i, fi := range infos {
		names[i] = fi.Name()
	}
	return names, nil
}
