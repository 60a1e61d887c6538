package bftw

import (
	"fmt"
	"log/slog"
)

// Options configures a Walk: traversal behavior (link/mount/depth modes,
// sort order), engine tuning (worker count, queue depth, readdir batch
// size), and the ambient knobs (backend, logger) a consumer wires in.
type Options struct {
	// Roots is the ordered list of seed paths. Must be non-empty.
	Roots []string

	LinkMode  LinkMode
	MountMode MountMode
	XdevPrune XdevPrune

	// MinDepth/MaxDepth are inclusive bounds, 0-based from each root.
	// MaxDepth < 0 means unbounded.
	MinDepth int
	MaxDepth int

	// NeedStat forces a stat before every entry is emitted, even if its
	// type hint from readdir was already known. Needed when the consumer
	// predicate inspects stat fields.
	NeedStat bool
	// NeedTargetStat additionally stats a symlink's target even when
	// LinkMode would not otherwise follow it for descent: the entry
	// stays a TypeLink leaf, but its TargetStat is populated so a
	// consumer predicate can inspect what the link points at. Has no
	// effect when the link is already being followed for descent (that
	// path always populates TargetStat anyway).
	NeedTargetStat bool

	// BrokenLinkOK controls what happens when a followed symlink's
	// target doesn't exist: true surfaces it as an ordinary, non-error
	// TypeLink record (the "BROKEN_OK" facade mode); false (the
	// default) surfaces a KindLinkBroken error on the record instead.
	// Only relevant when LinkMode or NeedTargetStat actually asks the
	// backend to follow the link in the first place.
	BrokenLinkOK bool

	// StatFields selects which optional stat fields to request beyond
	// the mandatory set (type, device, inode) the engine always needs
	// for its own mount-boundary and symlink-loop bookkeeping.
	StatFields StatField

	Threads    int
	QueueDepth int

	Sort Sort

	// ReaddirBatchSize bounds how many (name, type-hint) pairs a single
	// readdir job yields before control returns to the orchestrator for
	// reordering.
	ReaddirBatchSize int

	// MaxOpenDirs bounds how many directory handles the engine keeps
	// open concurrently, enforced through a filecache.Cache: once at
	// capacity, new opendir submissions stall until a drained
	// directory's handle is evicted. Zero derives a soft cap from
	// RLIMIT_NOFILE (see filecache.DefaultCapacity); negative means
	// unbounded.
	MaxOpenDirs int

	Backend Backend

	// Logger receives warnings when a job cannot be submitted to the I/O
	// queue, when a readdir ends in an error, and when a close fails.
	// Per-entry errors reach the consumer only through Record.Err; loop
	// detections and fatal aborts are not logged. Defaults to
	// slog.Default().
	Logger *slog.Logger
}

// statFields is what's actually requested on every stat call: the
// caller's StatFields plus the engine's own mandatory set.
func (o *Options) statFields() StatField {
	return o.StatFields | mandatoryStatFields
}

func (o *Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

// DefaultOptions returns an Options with every knob at its documented
// default: follow no symlinks, stay-mode off (cross mounts freely),
// unbounded depth, 4 worker threads, a 64-slot queue, readdir order, a
// 256-entry readdir batch, and an auto-derived open-directory cap.
func DefaultOptions() Options {
	return Options{
		LinkMode:         LinkNever,
		MountMode:        MountCross,
		XdevPrune:        XdevEmit,
		MinDepth:         0,
		MaxDepth:         -1,
		Threads:          4,
		QueueDepth:       64,
		Sort:             SortNone,
		ReaddirBatchSize: 256,
		MaxOpenDirs:      0,
		StatFields:       StatType | StatMode | StatDev | StatIno,
	}
}

func (o *Options) validate() error {
	if len(o.Roots) == 0 {
		return fmt.Errorf("bftw: Roots must be non-empty")
	}
	if o.Threads < 1 {
		return fmt.Errorf("bftw: Threads must be >= 1, got %d", o.Threads)
	}
	if o.QueueDepth <= 0 || o.QueueDepth&(o.QueueDepth-1) != 0 {
		return fmt.Errorf("bftw: QueueDepth must be a power of two, got %d", o.QueueDepth)
	}
	if o.Backend == nil {
		return fmt.Errorf("bftw: Backend must be set")
	}
	if o.ReaddirBatchSize <= 0 {
		o.ReaddirBatchSize = 256
	}
	return nil
}
