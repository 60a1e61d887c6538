//go:build !linux && !windows

package statx

import (
	"errors"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/tavianator/bfswalk/bftw"
)

// Non-Linux unix platforms don't get the statx()/fstatat() probe dance
// (statx is Linux-only): fstatat via package syscall is guaranteed on
// every unix Go targets, the same baseline backend/local's metadata_other.go
// and metadata_unix.go fall back to when the newer syscalls aren't there.

func openRelative(parentFD int, parentPath, name string, dir bool) (fd int, path string, err error) {
	at := unix.AT_FDCWD
	if parentFD != bftw.RootFD {
		at = parentFD
	}
	flags := unix.O_RDONLY | unix.O_CLOEXEC
	if dir {
		flags |= unix.O_DIRECTORY
	}
	fd, err = unix.Openat(at, name, flags, 0)
	path = name
	if parentFD != bftw.RootFD {
		path = filepath.Join(parentPath, name)
	}
	if err != nil {
		return -1, path, wrapErrno(path, err)
	}
	return fd, path, nil
}

func statAt(parentFD int, parentPath, name string, followLink bool, fields bftw.StatField) (*bftw.StatInfo, error) {
	at := unix.AT_FDCWD
	if parentFD != bftw.RootFD {
		at = parentFD
	}
	path := name
	if parentFD != bftw.RootFD {
		path = filepath.Join(parentPath, name)
	}

	info, err := doStat(at, name, followLink, fields)
	if err != nil && followLink && isBrokenTarget(err) {
		// Facade contract: fall back to an lstat of the link itself
		// rather than erroring when a followed target doesn't exist.
		info, err = doStat(at, name, false, fields)
	}
	if err != nil {
		return nil, wrapErrno(path, err)
	}
	return info, nil
}

func isBrokenTarget(err error) bool {
	return errors.Is(err, syscall.ENOENT) || errors.Is(err, syscall.ENOTDIR)
}

// doStat performs the single fstatat() call this platform has; since it
// always returns every field at once, Fields only advertises (and the
// struct only copies out) the subset fields actually asked for.
func doStat(at int, name string, followLink bool, fields bftw.StatField) (*bftw.StatInfo, error) {
	flags := 0
	if !followLink {
		flags = unix.AT_SYMLINK_NOFOLLOW
	}

	var st syscall.Stat_t
	if err := syscall.Fstatat(at, name, &st, flags); err != nil {
		return nil, err
	}
	// Non-Linux BSDs spell their timespec fields differently across
	// platforms (Mtimespec vs Mtim); rather than chase each one, the
	// fallback here leaves the time fields unset (StatInfo.Has reports
	// them absent) and sticks to what syscall.Stat_t names identically
	// everywhere.
	info := &bftw.StatInfo{
		Fields: bftw.StatDev,
		Dev:    uint64(st.Dev),
	}
	if fields&(bftw.StatType|bftw.StatMode) != 0 {
		info.Mode = uint32(st.Mode)
	}
	if fields&bftw.StatType != 0 {
		info.Fields |= bftw.StatType
		info.Type = modeToType(uint32(st.Mode))
	}
	if fields&bftw.StatMode != 0 {
		info.Fields |= bftw.StatMode
	}
	if fields&bftw.StatIno != 0 {
		info.Fields |= bftw.StatIno
		info.Ino = uint64(st.Ino)
	}
	if fields&bftw.StatNlink != 0 {
		info.Fields |= bftw.StatNlink
		info.Nlink = uint64(st.Nlink)
	}
	if fields&bftw.StatUID != 0 {
		info.Fields |= bftw.StatUID
		info.UID = st.Uid
	}
	if fields&bftw.StatGID != 0 {
		info.Fields |= bftw.StatGID
		info.GID = st.Gid
	}
	if fields&bftw.StatSize != 0 {
		info.Fields |= bftw.StatSize
		info.Size = st.Size
	}
	return info, nil
}

func modeToType(mode uint32) bftw.EntryType {
	switch mode & syscall.S_IFMT {
	case syscall.S_IFDIR:
		return bftw.TypeDir
	case syscall.S_IFLNK:
		return bftw.TypeLink
	case syscall.S_IFREG:
		return bftw.TypeRegular
	case syscall.S_IFBLK:
		return bftw.TypeBlock
	case syscall.S_IFCHR:
		return bftw.TypeChar
	case syscall.S_IFIFO:
		return bftw.TypeFifo
	case syscall.S_IFSOCK:
		return bftw.TypeSocket
	default:
		return bftw.TypeUnknown
	}
}
