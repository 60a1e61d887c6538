//go:build linux

package statx

import (
	"errors"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tavianator/bfswalk/bftw"
)

// haveStatx caches the statx() availability probe: it was only added in
// kernel 4.11, so older kernels (and the android build, which blocks the
// syscall outright) fall back to fstatat, exactly as backend/local's
// metadata_linux.go does for rclone's own metadata reads.
var (
	statxOnce sync.Once
	haveStatx bool
)

func probeStatx() {
	var st unix.Statx_t
	err := unix.Statx(unix.AT_FDCWD, ".", 0, unix.STATX_ALL, &st)
	haveStatx = runtime.GOOS == "linux" && err != unix.ENOSYS
}

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
	statxOnce.Do(probeStatx)

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
		// The facade falls back to an lstat of the link itself rather
		// than erroring when a followed symlink's target is missing.
		info, err = doStat(at, name, false, fields)
	}
	if err != nil {
		return nil, wrapErrno(path, err)
	}
	return info, nil
}

func doStat(at int, name string, followLink bool, fields bftw.StatField) (*bftw.StatInfo, error) {
	flags := 0
	if !followLink {
		flags = unix.AT_SYMLINK_NOFOLLOW
	}
	if haveStatx {
		return statxStat(at, name, flags, fields)
	}
	return fstatatStat(at, name, flags, fields)
}

func isBrokenTarget(err error) bool {
	return errors.Is(err, unix.ENOENT) || errors.Is(err, unix.ENOTDIR)
}

// toStatxMask translates the StatField bits a caller asked for into the
// statx() want-mask. Dev/rdev have no mask bit: the kernel always returns
// them regardless of what's requested. Type is requested only when
// StatType is set, which bftw's own mandatoryStatFields always ensures.
func toStatxMask(fields bftw.StatField) uint32 {
	var mask uint32
	if fields&bftw.StatType != 0 {
		mask |= unix.STATX_TYPE
	}
	if fields&bftw.StatMode != 0 {
		mask |= unix.STATX_MODE
	}
	if fields&bftw.StatIno != 0 {
		mask |= unix.STATX_INO
	}
	if fields&bftw.StatNlink != 0 {
		mask |= unix.STATX_NLINK
	}
	if fields&bftw.StatUID != 0 {
		mask |= unix.STATX_UID
	}
	if fields&bftw.StatGID != 0 {
		mask |= unix.STATX_GID
	}
	if fields&bftw.StatSize != 0 {
		mask |= unix.STATX_SIZE
	}
	if fields&bftw.StatBlocks != 0 {
		mask |= unix.STATX_BLOCKS
	}
	if fields&bftw.StatAtime != 0 {
		mask |= unix.STATX_ATIME
	}
	if fields&bftw.StatMtime != 0 {
		mask |= unix.STATX_MTIME
	}
	if fields&bftw.StatCtime != 0 {
		mask |= unix.STATX_CTIME
	}
	if fields&bftw.StatBtime != 0 {
		mask |= unix.STATX_BTIME
	}
	return mask
}

func statxStat(at int, name string, flags int, fields bftw.StatField) (*bftw.StatInfo, error) {
	var st unix.Statx_t
	if err := unix.Statx(at, name, flags, toStatxMask(fields), &st); err != nil {
		return nil, err
	}

	// Dev/Rdev come back regardless of what was requested; every other
	// field is only populated (and flagged in Fields) when the kernel
	// actually set the corresponding bit in the returned mask, which it
	// only does for what toStatxMask asked for.
	info := &bftw.StatInfo{
		Fields: bftw.StatDev | bftw.StatRdev,
		Dev:    unix.Mkdev(st.Dev_major, st.Dev_minor),
		Rdev:   unix.Mkdev(st.Rdev_major, st.Rdev_minor),
	}
	if st.Mask&(unix.STATX_TYPE|unix.STATX_MODE) != 0 {
		info.Mode = uint32(st.Mode)
	}
	if st.Mask&unix.STATX_TYPE != 0 {
		info.Fields |= bftw.StatType
		info.Type = modeToType(uint32(st.Mode))
	}
	if st.Mask&unix.STATX_MODE != 0 {
		info.Fields |= bftw.StatMode
	}
	if st.Mask&unix.STATX_INO != 0 {
		info.Fields |= bftw.StatIno
		info.Ino = st.Ino
	}
	if st.Mask&unix.STATX_NLINK != 0 {
		info.Fields |= bftw.StatNlink
		info.Nlink = uint64(st.Nlink)
	}
	if st.Mask&unix.STATX_UID != 0 {
		info.Fields |= bftw.StatUID
		info.UID = st.Uid
	}
	if st.Mask&unix.STATX_GID != 0 {
		info.Fields |= bftw.StatGID
		info.GID = st.Gid
	}
	if st.Mask&unix.STATX_SIZE != 0 {
		info.Fields |= bftw.StatSize
		info.Size = int64(st.Size)
	}
	if st.Mask&unix.STATX_BLOCKS != 0 {
		info.Fields |= bftw.StatBlocks
		info.Blocks = int64(st.Blocks)
	}
	if st.Mask&unix.STATX_ATIME != 0 {
		info.Fields |= bftw.StatAtime
		info.Atime = statxTimeToTime(st.Atime)
	}
	if st.Mask&unix.STATX_MTIME != 0 {
		info.Fields |= bftw.StatMtime
		info.Mtime = statxTimeToTime(st.Mtime)
	}
	if st.Mask&unix.STATX_CTIME != 0 {
		info.Fields |= bftw.StatCtime
		info.Ctime = statxTimeToTime(st.Ctime)
	}
	if st.Mask&unix.STATX_BTIME != 0 {
		info.Fields |= bftw.StatBtime
		info.Btime = statxTimeToTime(st.Btime)
	}
	return info, nil
}

func statxTimeToTime(ts unix.StatxTimestamp) time.Time {
	return time.Unix(ts.Sec, int64(ts.Nsec))
}

// fstatatStat is the pre-statx fallback: the single fstatat() call always
// returns every field at once, but the engine's Fields contract should
// still only advertise what fields actually asked for, so the struct
// values are copied out selectively the same way statxStat does.
func fstatatStat(at int, name string, flags int, fields bftw.StatField) (*bftw.StatInfo, error) {
	var st unix.Stat_t
	if err := unix.Fstatat(at, name, &st, flags); err != nil {
		return nil, err
	}
	info := &bftw.StatInfo{
		Fields: bftw.StatDev | bftw.StatRdev,
		Dev:    uint64(st.Dev),
		Rdev:   uint64(st.Rdev),
	}
	if fields&(bftw.StatType|bftw.StatMode) != 0 {
		info.Mode = st.Mode
	}
	if fields&bftw.StatType != 0 {
		info.Fields |= bftw.StatType
		info.Type = modeToType(st.Mode)
	}
	if fields&bftw.StatMode != 0 {
		info.Fields |= bftw.StatMode
	}
	if fields&bftw.StatIno != 0 {
		info.Fields |= bftw.StatIno
		info.Ino = st.Ino
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
	if fields&bftw.StatBlocks != 0 {
		info.Fields |= bftw.StatBlocks
		info.Blocks = st.Blocks
	}
	if fields&bftw.StatAtime != 0 {
		info.Fields |= bftw.StatAtime
		info.Atime = time.Unix(st.Atim.Sec, int64(st.Atim.Nsec))
	}
	if fields&bftw.StatMtime != 0 {
		info.Fields |= bftw.StatMtime
		info.Mtime = time.Unix(st.Mtim.Sec, int64(st.Mtim.Nsec))
	}
	if fields&bftw.StatCtime != 0 {
		info.Fields |= bftw.StatCtime
		info.Ctime = time.Unix(st.Ctim.Sec, int64(st.Ctim.Nsec))
	}
	return info, nil
}

func modeToType(mode uint32) bftw.EntryType {
	switch mode & unix.S_IFMT {
	case unix.S_IFDIR:
		return bftw.TypeDir
	case unix.S_IFLNK:
		return bftw.TypeLink
	case unix.S_IFREG:
		return bftw.TypeRegular
	case unix.S_IFBLK:
		return bftw.TypeBlock
	case unix.S_IFCHR:
		return bftw.TypeChar
	case unix.S_IFIFO:
		return bftw.TypeFifo
	case unix.S_IFSOCK:
		return bftw.TypeSocket
	default:
		return bftw.TypeUnknown
	}
}

