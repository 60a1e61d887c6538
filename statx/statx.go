// Package statx is the real Backend: it drives bftw's
// opendir/stat/readdir/close pipeline with actual openat/statx/fstatat
// syscalls, the way backend/local's metadata_linux.go drives rclone's own
// metadata reads — probe once for the newer syscall, fall back to the one
// guaranteed since Go's minimum kernel.
package statx

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"

	"github.com/tavianator/bfswalk/bftw"
	"github.com/tavianator/bfswalk/ferrors"
)

func isEOF(err error) bool {
	return errors.Is(err, io.EOF)
}

// Backend implements bftw.Backend against the real filesystem.
type Backend struct{}

// New returns a ready-to-use real filesystem Backend.
func New() *Backend { return &Backend{} }

var _ bftw.Backend = (*Backend)(nil)

// dirImpl is what Backend.OpenDir stashes in DirHandle.impl: an *os.File
// positioned at the directory, reused across ReadDir calls to keep the
// kernel's own readdir cursor rather than re-opening per batch.
type dirImpl struct {
	f *os.File
}

// OpenDir opens parentPath/name (relative to parentFD, or absolutely when
// parentFD is bftw.RootFD) and wraps the resulting descriptor in an
// *os.File so ReadDir can lean on the standard library's own directory
// entry reader instead of hand-rolling getdents parsing.
func (b *Backend) OpenDir(ctx context.Context, parentFD int, parentPath, name string) (*bftw.DirHandle, error) {
	fd, path, err := openRelative(parentFD, parentPath, name, true)
	if err != nil {
		return nil, err
	}
	f := os.NewFile(uintptr(fd), path)
	return bftw.NewDirHandle(fd, &dirImpl{f: f}), nil
}

// ReadDir pulls up to batchSize entries from handle's open directory.
func (b *Backend) ReadDir(ctx context.Context, handle *bftw.DirHandle, batchSize int) ([]bftw.DirEntry, bool, error) {
	impl := handle.Impl().(*dirImpl)
	entries, err := impl.f.ReadDir(batchSize)
	out := make([]bftw.DirEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, bftw.DirEntry{Name: e.Name(), TypeHint: entryType(e.Type())})
	}
	if err != nil {
		// io.EOF from ReadDir(n>0) means the stream is exhausted; any
		// other error is a genuine readdir failure (KindReaddirTruncated
		// is applied by bftw once it sees a non-nil, non-EOF err here).
		if isEOF(err) {
			return out, true, nil
		}
		return out, false, err
	}
	return out, len(entries) == 0, nil
}

// CloseDir closes the descriptor opened by OpenDir.
func (b *Backend) CloseDir(ctx context.Context, handle *bftw.DirHandle) error {
	impl := handle.Impl().(*dirImpl)
	return impl.f.Close()
}

// StatAt stats parentPath/name relative to parentFD (or absolutely when
// parentFD is bftw.RootFD), following a trailing symlink iff followLink.
// fields selects which StatInfo fields are populated: Dev always is (and
// Rdev on Linux); Type, Ino and the rest only when asked for in fields
// and, under statx(), also reported by the kernel. If followLink is set and the link's target doesn't
// exist, StatAt falls back to an lstat of the link itself instead of
// failing, reporting the link's own (TypeLink) stat.
func (b *Backend) StatAt(ctx context.Context, parentFD int, parentPath, name string, followLink bool, fields bftw.StatField) (*bftw.StatInfo, error) {
	return statAt(parentFD, parentPath, name, followLink, fields)
}

// entryType maps a fs.FileMode's type bits (as returned by os.DirEntry,
// themselves sourced straight from the dirent d_type when the platform
// supplies one) onto bftw.EntryType. ModeIrregular and anything else
// unrecognised collapses to TypeUnknown so bftw knows to fall back to a
// real stat.
func entryType(mode fs.FileMode) bftw.EntryType {
	switch {
	case mode&fs.ModeSymlink != 0:
		return bftw.TypeLink
	case mode&fs.ModeDir != 0:
		return bftw.TypeDir
	case mode&fs.ModeNamedPipe != 0:
		return bftw.TypeFifo
	case mode&fs.ModeSocket != 0:
		return bftw.TypeSocket
	case mode&fs.ModeDevice != 0:
		if mode&fs.ModeCharDevice != 0 {
			return bftw.TypeChar
		}
		return bftw.TypeBlock
	case mode.IsRegular():
		return bftw.TypeRegular
	default:
		return bftw.TypeUnknown
	}
}

func wrapErrno(path string, err error) error {
	if err == nil {
		return nil
	}
	if os.IsPermission(err) {
		return ferrors.New(ferrors.KindStatDenied, path, err)
	}
	return err
}
