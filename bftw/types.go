// Package bftw implements a breadth-first traversal engine: it walks one
// or more filesystem roots, pipelines opendir/stat/readdir/close across a
// worker pool (package ioq), and delivers visit records to a single
// callback in strict BFS order.
package bftw

import (
	"context"
	"time"
)

// EntryType tags the kind of filesystem object a Record describes.
type EntryType int

const (
	TypeUnknown EntryType = iota
	TypeBlock
	TypeChar
	TypeDir
	TypeDoor
	TypeFifo
	TypeLink
	TypePort
	TypeRegular
	TypeSocket
	TypeWhiteout
	TypeError
)

func (t EntryType) String() string {
	switch t {
	case TypeBlock:
		return "block"
	case TypeChar:
		return "char"
	case TypeDir:
		return "dir"
	case TypeDoor:
		return "door"
	case TypeFifo:
		return "fifo"
	case TypeLink:
		return "link"
	case TypePort:
		return "port"
	case TypeRegular:
		return "regular"
	case TypeSocket:
		return "socket"
	case TypeWhiteout:
		return "whiteout"
	case TypeError:
		return "error"
	default:
		return "unknown"
	}
}

// StatField is one bit of StatFields: which fields of a StatInfo were
// actually filled in by the platform. The engine never consumes an
// absent field silently; callers should gate every StatInfo read behind
// Has.
type StatField uint32

const (
	StatDev StatField = 1 << iota
	StatIno
	StatMode
	StatType
	StatNlink
	StatUID
	StatGID
	StatSize
	StatBlocks
	StatRdev
	StatAtime
	StatMtime
	StatCtime
	StatBtime
)

// mandatoryStatFields are requested on every stat regardless of what the
// caller asked for in Options.StatFields: the engine's own mount-boundary
// and symlink-loop logic read Dev/Ino/Type unconditionally, so a caller
// narrowing StatFields down to, say, just StatSize must not silently
// break those invariants.
const mandatoryStatFields = StatType | StatDev | StatIno

// StatInfo is the normalised view of a directory entry's metadata.
type StatInfo struct {
	Fields StatField

	Dev   uint64
	Ino   uint64
	Mode  uint32
	Type  EntryType
	Nlink uint64
	UID   uint32
	GID   uint32
	Size  int64
	// Blocks is in 512-byte units, matching st_blocks / statx stx_blocks.
	Blocks int64
	Rdev   uint64

	Atime time.Time
	Mtime time.Time
	Ctime time.Time
	Btime time.Time
}

// Has reports whether field was actually populated by the platform.
func (s *StatInfo) Has(field StatField) bool {
	return s != nil && s.Fields&field != 0
}

// FileID is the (device, inode) pair used as the cycle-detection key for
// symlink chasing.
type FileID struct {
	Dev uint64
	Ino uint64
}

func fileIDOf(s *StatInfo) (FileID, bool) {
	if !s.Has(StatDev) || !s.Has(StatIno) {
		return FileID{}, false
	}
	return FileID{Dev: s.Dev, Ino: s.Ino}, true
}

// DirEntry is a single (name, type-hint) pair as returned by read_dir; .
// and .. are never produced. TypeHint may be TypeUnknown, in which case
// the engine must stat to learn the real type.
type DirEntry struct {
	Name     string
	TypeHint EntryType
}

// Record is the visit record delivered to the consumer per entry.
type Record struct {
	Path           string
	BasenameOffset int
	Root           string
	Depth          int
	Type           EntryType
	Stat           *StatInfo
	TargetStat     *StatInfo // populated for a symlink followed per LinkMode or NeedTargetStat

	// AtFD/AtPath let the consumer perform further relative syscalls
	// against this entry without re-resolving the whole path. The
	// consumer must not close AtFD.
	AtFD   int
	AtPath string

	Err  error
	Loop bool

	// followOpen is set when Type==TypeLink, the link is being followed,
	// and TargetStat names a directory: the orchestrator should open the
	// resolved target rather than refuse to descend a "regular" symlink.
	followOpen bool
	// pruneForMount is set by the mount-boundary check: the record is
	// still emitted to the callback, but the engine refuses to descend
	// regardless of the returned Action.
	pruneForMount bool
	isRoot        bool
}

// Basename returns the entry's name (the component after BasenameOffset).
func (r *Record) Basename() string {
	if r.BasenameOffset < 0 || r.BasenameOffset > len(r.Path) {
		return r.Path
	}
	return r.Path[r.BasenameOffset:]
}

// Action is returned by the Callback to steer the walk.
type Action int

const (
	// Continue descends normally into a directory record.
	Continue Action = iota
	// Prune skips descending into this directory's subtree.
	Prune
	// Stop terminates the walk successfully.
	Stop
	// Fail terminates the walk like Stop, and Walk returns the Err of the
	// record the callback was given (nil if that record carried none).
	// The callback has no way to supply an error of its own.
	Fail
)

// Callback is invoked once per visited entry, synchronously and
// single-threaded, in BFS order.
type Callback func(ctx context.Context, rec *Record) Action

// LinkMode selects which symlinks the engine follows.
type LinkMode int

const (
	LinkNever LinkMode = iota
	LinkRootsOnly
	LinkAlways
)

// MountMode selects whether the walk crosses filesystem boundaries.
type MountMode int

const (
	MountCross MountMode = iota
	MountStay
)

// XdevPrune controls whether cross-device children are hidden entirely
// or emitted once (pruned). Only meaningful when MountMode == MountStay.
type XdevPrune int

const (
	XdevHide XdevPrune = iota
	XdevEmit
)

// Sort controls child ordering within a directory. Entries are sorted one
// readdir batch (Options.ReaddirBatchSize entries) at a time: a directory
// larger than one batch is ordered within each batch, not as a whole.
type Sort int

const (
	SortNone Sort = iota
	SortLexAsc
	SortLexDesc
)

// Result is returned by Walk.
type Result struct {
	Stopped bool
	Err     error
}
