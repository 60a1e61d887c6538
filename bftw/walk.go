package bftw

import (
	"context"
	"errors"
	"log/slog"
	"sort"

	"github.com/tavianator/bfswalk/ferrors"
	"github.com/tavianator/bfswalk/filecache"
	"github.com/tavianator/bfswalk/ioq"
)

// errLinkBroken is the cause wrapped into a KindLinkBroken error when a
// followed symlink's target doesn't exist and Options.BrokenLinkOK is
// false.
var errLinkBroken = errors.New("bftw: symlink target does not exist")

// reserveDirFDs is subtracted from RLIMIT_NOFILE when Options.MaxOpenDirs
// is left at its zero value, leaving headroom for stdio, the ioq worker
// pool's own descriptors, and whatever the consumer's own callback opens.
const reserveDirFDs = 16

// queueItem is one directory-or-file record waiting to be popped from a
// frontier level. Only directory items ever carry a non-nil anc: the
// ancestor node they will hand down to their own children once opened.
type queueItem struct {
	rec *Record
	anc *ancestorNode
}

// childSlot tracks one child of an open directory as it moves through
// readdir -> (optional stat) -> reorder-release -> callback.
type childSlot struct {
	rec    *Record
	anc    *ancestorNode
	ready  bool // rec is finalised and in readdir order
	hidden bool // xdev_prune=hide: never emitted at all
}

// dirJob is the in-flight state of one directory between opendir
// submission and its handle being closed.
type dirJob struct {
	id       uint64
	item     *queueItem
	handle   *DirHandle
	children []childSlot
	nextEmit int
	eof      bool
	readErr  error // non-EOF readdir error, reported once reached
	closing  bool
}

type userOpendir struct{ id uint64 }
type userReaddir struct{ id uint64 }
type userStat struct {
	id       uint64
	idx      int
	followed bool // true iff this stat asked the backend to follow a symlink
}
type userClose struct{ id uint64 }

// orchestrator is the single goroutine's worth of mutable walk state. It
// is never touched from any other goroutine: all ioq job closures run in
// worker goroutines, but they only ever produce values that flow back
// through ioq.Queue.Pop, which the orchestrator alone calls.
type orchestrator struct {
	ctx      context.Context
	opts     Options
	backend  Backend
	q        *ioq.Queue
	cb       Callback
	logger   *slog.Logger
	dirCache *filecache.Cache

	current []*queueItem
	next    []*queueItem

	jobs     map[uint64]*dirJob
	nextID   uint64
	inFlight int

	stopping bool
	result   Result
}

// Walk performs a breadth-first traversal rooted at opts.Roots, invoking
// cb once per visited entry in strict BFS order, and returns once the
// frontier is exhausted, cb requests Stop/Fail, or a fatal error occurs.
func Walk(ctx context.Context, opts Options, cb Callback) (Result, error) {
	if err := opts.validate(); err != nil {
		return Result{}, err
	}
	if cb == nil {
		return Result{}, ferrors.Fatal("bftw.Walk", errNilCallback)
	}

	q, err := ioq.New(opts.QueueDepth, opts.Threads)
	if err != nil {
		return Result{}, ferrors.Fatal("ioq setup", err)
	}

	dirCacheCap := opts.MaxOpenDirs
	switch {
	case dirCacheCap == 0:
		derived, derr := filecache.DefaultCapacity(reserveDirFDs)
		if derr != nil {
			// No RLIMIT_NOFILE probe available (or it failed): fall back
			// to unbounded rather than refuse to walk at all.
			derived = 0
		}
		dirCacheCap = derived
	case dirCacheCap < 0:
		dirCacheCap = 0
	}

	o := &orchestrator{
		ctx:      ctx,
		opts:     opts,
		backend:  opts.Backend,
		q:        q,
		cb:       cb,
		logger:   opts.logger(),
		dirCache: filecache.New(dirCacheCap),
		jobs:     make(map[uint64]*dirJob),
	}

	res := o.run()

	// Cancellation drains: stop accepting new submissions, wait for
	// in-flight jobs to unwind (closing whatever handles they produced),
	// then tear the queue down. run() already drives this loop to
	// completion internally, so Destroy here only needs to join workers.
	if destroyErr := q.Destroy(); destroyErr != nil && res.Err == nil {
		res.Err = ferrors.Fatal("ioq teardown", destroyErr)
	}
	return res, res.Err
}

var errNilCallback = fatalSentinel("bftw: callback must not be nil")

type fatalSentinel string

func (f fatalSentinel) Error() string { return string(f) }

func (o *orchestrator) run() Result {
	// Step 1: stat each root and seed level 0. This happens exactly once,
	// never on a level swap below.
	for _, root := range o.opts.Roots {
		if o.stopping {
			break
		}
		o.seedRoot(root)
	}

	for {
		for len(o.current) > 0 || o.inFlight > 0 {
			if o.stopping {
				o.drainAndShutdown()
				break
			}
			o.dispatchCurrent()
			if o.inFlight > 0 {
				o.awaitOne()
			}
		}

		if o.stopping || len(o.next) == 0 {
			break
		}
		o.current, o.next = o.next, nil
	}

	if o.result.Err == nil && !o.result.Stopped {
		o.result = Result{Stopped: false, Err: nil}
	}
	return o.result
}

// seedRoot stats root (following per LinkMode) and, if emitted and
// accepted, enqueues it onto the current level.
func (o *orchestrator) seedRoot(root string) {
	followRoot := o.opts.LinkMode != LinkNever
	stat, err := o.backend.StatAt(o.ctx, RootFD, "", root, followRoot, o.opts.statFields())
	rec := &Record{
		Path:           root,
		BasenameOffset: 0,
		Root:           root,
		Depth:          0,
		isRoot:         true,
	}
	if err != nil {
		rec.Type = TypeError
		rec.Err = ferrors.New(ferrors.KindStatDenied, root, err)
		o.emit(rec, nil)
		return
	}
	rec.Stat = stat
	rec.Type = stat.Type

	var anc *ancestorNode
	if rec.Type == TypeDir {
		anc = &ancestorNode{path: root, depth: 0}
		if id, ok := fileIDOf(stat); ok {
			anc.hasID, anc.id = true, id
		}
		if stat.Has(StatDev) {
			anc.hasDev, anc.dev = true, stat.Dev
		}
	}
	o.emit(rec, anc)
}

// emit applies the MinDepth filter, invokes the callback (unless the
// entry is below MinDepth, in which case it is silently continued so the
// walk can still reach deeper entries), and routes the result.
func (o *orchestrator) emit(rec *Record, anc *ancestorNode) {
	if o.stopping {
		return
	}

	action := Continue
	if rec.Depth >= o.opts.MinDepth {
		action = o.cb(o.ctx, rec)
	}

	switch action {
	case Stop:
		o.stopping = true
		o.result = Result{Stopped: true}
		return
	case Fail:
		o.stopping = true
		o.result = Result{Stopped: true, Err: rec.Err}
		return
	case Prune:
		return
	case Continue:
		// fall through
	}

	if rec.Loop {
		return // loop records are never descended
	}
	isDir := rec.Type == TypeDir || (rec.Type == TypeLink && rec.followOpen)
	if !isDir {
		return
	}
	if rec.pruneForMount {
		return
	}
	if o.opts.MaxDepth >= 0 && rec.Depth+1 > o.opts.MaxDepth {
		return
	}

	item := &queueItem{rec: rec, anc: anc}
	if rec.Depth == 0 {
		// Roots are seeded directly onto level 0, the level run() is
		// already draining when seedRoot calls emit.
		o.current = append(o.current, item)
	} else {
		o.next = append(o.next, item)
	}
}

// dispatchCurrent submits an opendir job for every item still waiting on
// the current level, backing off (and draining a completion instead)
// whenever the ring is full.
func (o *orchestrator) dispatchCurrent() {
	for len(o.current) > 0 {
		if o.dirCache.Pressure() && o.inFlight > 0 {
			// Every cached directory handle is pinned and we're at
			// capacity: wait for one to drain and close rather than push
			// the open count past what the cache was sized to hold.
			o.awaitOne()
			continue
		}

		item := o.current[0]
		id := o.nextID
		o.nextID++
		dj := &dirJob{id: id, item: item}

		backend := o.backend
		ctx := o.ctx
		rec := item.rec
		followOpen := rec.followOpen
		parentFD, parentPath, name := RootFD, "", rec.Path
		if !rec.isRoot {
			parentFD, parentPath, name = rec.AtFD, rec.Path[:rec.BasenameOffset], rec.Basename()
		}
		_ = followOpen // OpenDir follows a trailing symlink itself (statx opens without O_NOFOLLOW), so a followed link needs nothing extra here

		err := o.q.SubmitOpendir(userOpendir{id: id}, func() (any, error) {
			return backend.OpenDir(ctx, parentFD, parentPath, name)
		})
		if err != nil {
			if ioq.ErrFull(err) {
				o.awaitOne()
				continue
			}
			o.logger.Warn("opendir submit failed", "path", rec.Path, "error", err)
			continue
		}
		o.current = o.current[1:]
		o.jobs[id] = dj
		o.inFlight++
	}
}

// awaitOne blocks for exactly one completion and processes it.
func (o *orchestrator) awaitOne() {
	c, ok := o.q.Pop(true)
	if !ok {
		return // queue cancelled with nothing left
	}
	o.handleCompletion(c)
}

func (o *orchestrator) handleCompletion(c *ioq.Completion) {
	switch u := c.User.(type) {
	case userOpendir:
		o.onOpendir(u.id, c)
	case userReaddir:
		o.onReaddir(u.id, c)
	case userStat:
		o.onStat(u.id, u.idx, u.followed, c)
	case userClose:
		o.onClose(u.id, c)
	}
}

func (o *orchestrator) onOpendir(id uint64, c *ioq.Completion) {
	dj := o.jobs[id]
	o.inFlight--
	if c.Err != nil {
		rec := dj.item.rec
		errRec := &Record{
			Path: rec.Path, Root: rec.Root, Depth: rec.Depth, Type: TypeError,
			Err: ferrors.New(ferrors.KindOpenDenied, rec.Path, c.Err),
		}
		o.emitChildless(errRec)
		delete(o.jobs, id)
		return
	}
	dj.handle = c.Result.(*DirHandle)
	o.dirCache.Put(dj.item.rec.Path, dj.handle.FD, nil)
	o.dirCache.Pin(dj.item.rec.Path)
	o.submitReaddir(dj)
}

func (o *orchestrator) submitReaddir(dj *dirJob) {
	backend, ctx, handle, batch := o.backend, o.ctx, dj.handle, o.opts.ReaddirBatchSize
	id := dj.id
	err := o.q.SubmitReaddir(userReaddir{id: id}, func() (any, error) {
		entries, eof, rerr := backend.ReadDir(ctx, handle, batch)
		return readdirResult{entries: entries, eof: eof}, rerr
	})
	if err != nil {
		if ioq.ErrFull(err) {
			o.awaitOne()
			o.submitReaddir(dj)
			return
		}
		o.logger.Warn("readdir submit failed", "path", dj.item.rec.Path, "error", err)
		return
	}
	o.inFlight++
}

type readdirResult struct {
	entries []DirEntry
	eof     bool
}

func (o *orchestrator) onReaddir(id uint64, c *ioq.Completion) {
	dj := o.jobs[id]
	o.inFlight--

	var res readdirResult
	if c.Result != nil {
		res = c.Result.(readdirResult)
	}
	if o.opts.Sort != SortNone {
		sort.SliceStable(res.entries, func(i, j int) bool {
			if o.opts.Sort == SortLexAsc {
				return res.entries[i].Name < res.entries[j].Name
			}
			return res.entries[i].Name > res.entries[j].Name
		})
	}

	base := len(dj.children)
	for _, e := range res.entries {
		dj.children = append(dj.children, childSlot{})
		o.buildChild(dj, base, e)
		base++
	}

	if c.Err != nil {
		dj.readErr = c.Err
		dj.eof = true
	} else if res.eof {
		dj.eof = true
	} else {
		o.submitReaddir(dj)
	}

	o.drainReady(dj)
	o.maybeCloseDir(dj)
}

// buildChild constructs the child record for entry at index idx within
// dj, either finalising it immediately (no stat needed) or submitting a
// stat job and leaving it pending.
func (o *orchestrator) buildChild(dj *dirJob, idx int, e DirEntry) {
	parent := dj.item.rec
	childPath := parent.Path
	if childPath != "/" && childPath != "" {
		childPath += "/"
	}
	basenameOffset := len(childPath)
	childPath += e.Name

	rec := &Record{
		Path:           childPath,
		BasenameOffset: basenameOffset,
		Root:           parent.Root,
		Depth:          parent.Depth + 1,
		Type:           e.TypeHint,
		AtFD:           dj.handle.FD,
		AtPath:         e.Name,
	}

	dj.children[idx].rec = rec

	// wantTargetStat is NeedTargetStat's effect: stat a symlink's target
	// purely for its metadata, even when LinkMode won't follow it for
	// descent. It's independent of, and converges on the same "follow"
	// syscall parameter as, followLinkAt's descend decision.
	wantTargetStat := e.TypeHint == TypeLink && o.opts.NeedTargetStat
	needStat := o.opts.NeedStat || o.opts.MountMode == MountStay || e.TypeHint == TypeUnknown ||
		(e.TypeHint == TypeLink && o.followLinkAt(rec.Depth)) || wantTargetStat

	if !needStat {
		var anc *ancestorNode
		if rec.Type == TypeDir {
			anc = o.ancestorFor(dj, rec)
		}
		o.finalizeChild(dj, idx, anc)
		return
	}

	followLink := o.followLinkAt(rec.Depth) || wantTargetStat
	backend, ctx := o.backend, o.ctx
	parentFD, parentPath, name := dj.handle.FD, parent.Path, e.Name
	fields := o.opts.statFields()
	if err := o.q.SubmitStat(userStat{id: dj.id, idx: idx, followed: followLink}, func() (any, error) {
		return backend.StatAt(ctx, parentFD, parentPath, name, followLink, fields)
	}); err != nil {
		if ioq.ErrFull(err) {
			o.awaitOne()
			o.buildChild(dj, idx, e)
			return
		}
		o.logger.Warn("stat submit failed", "path", rec.Path, "error", err)
		o.finalizeChild(dj, idx, nil)
		return
	}
	o.inFlight++
}

// followLinkAt reports whether a symlink encountered while building a child
// record (at the given depth) should be followed. LinkRootsOnly only ever
// follows the root paths named in Options.Roots themselves, which seedRoot
// already handles directly (followRoot); a symlink discovered anywhere
// during traversal, at any depth, is never followed under that mode.
func (o *orchestrator) followLinkAt(depth int) bool {
	return o.opts.LinkMode == LinkAlways
}

func (o *orchestrator) onStat(id uint64, idx int, followed bool, c *ioq.Completion) {
	dj := o.jobs[id]
	o.inFlight--

	rec := dj.children[idx].rec

	if c.Err != nil {
		rec.Err = ferrors.New(ferrors.KindStatDenied, rec.Path, c.Err)
		o.finalizeChild(dj, idx, nil)
		return
	}

	stat := c.Result.(*StatInfo)

	if rec.Type == TypeLink && followed && stat.Type == TypeLink {
		// A successfully followed stat can never itself report
		// TypeLink (the kernel resolves the whole chain or errors with
		// ELOOP), so seeing it here means the backend fell back to an
		// lstat because the link's target doesn't exist: the
		// "broken-link OK" facade case.
		if !o.opts.BrokenLinkOK {
			rec.Err = ferrors.New(ferrors.KindLinkBroken, rec.Path, errLinkBroken)
		}
		o.finalizeChild(dj, idx, nil)
		return
	}

	if rec.Type == TypeLink && followed {
		rec.TargetStat = stat
		if o.followLinkAt(rec.Depth) {
			o.resolveLinkChild(dj, idx, rec, stat)
			return
		}
		// Followed only because NeedTargetStat asked for the target's
		// metadata: stays a TypeLink leaf, never descended.
		o.finalizeChild(dj, idx, nil)
		return
	}

	// Either this was never a link, or it was a link we deliberately did
	// not chase (NeedStat asked for metadata but LinkMode says leave it
	// alone): stat.Type reflects exactly what was statted, a lstat of the
	// link itself in the latter case, so it's always safe to adopt here.
	rec.Stat = stat
	rec.Type = stat.Type
	hide := o.applyMountCheck(dj, rec)
	dj.children[idx].hidden = hide
	o.finalizeChild(dj, idx, o.ancestorFor(dj, rec))
}

// resolveLinkChild decides loop/followOpen for a followed symlink whose
// target stat just arrived.
func (o *orchestrator) resolveLinkChild(dj *dirJob, idx int, rec *Record, target *StatInfo) {
	if id, ok := fileIDOf(target); ok && dj.item.anc.contains(id) {
		rec.Loop = true
		o.finalizeChild(dj, idx, nil)
		return
	}
	if target.Type == TypeDir {
		rec.followOpen = true
		hide := o.applyMountCheck(dj, rec)
		dj.children[idx].hidden = hide
		o.finalizeChild(dj, idx, o.ancestorFor(dj, rec))
		return
	}
	o.finalizeChild(dj, idx, nil)
}

// applyMountCheck marks rec pruneForMount when mount_mode=stay and its
// device differs from the parent's, returning whether xdev_prune=hide
// means the record should not be emitted at all.
func (o *orchestrator) applyMountCheck(dj *dirJob, rec *Record) bool {
	if o.opts.MountMode != MountStay || !dj.item.anc.hasDev {
		return false
	}
	var dev uint64
	switch {
	case rec.TargetStat != nil:
		dev = rec.TargetStat.Dev
	case rec.Stat != nil:
		dev = rec.Stat.Dev
	default:
		return false
	}
	if dev == dj.item.anc.dev {
		return false
	}
	rec.pruneForMount = true
	return o.opts.XdevPrune == XdevHide
}

func (o *orchestrator) ancestorFor(dj *dirJob, rec *Record) *ancestorNode {
	stat := rec.Stat
	if rec.TargetStat != nil {
		stat = rec.TargetStat
	}
	anc := &ancestorNode{parent: dj.item.anc, path: rec.Path, depth: rec.Depth}
	if id, ok := fileIDOf(stat); ok {
		anc.hasID, anc.id = true, id
	}
	if stat.Has(StatDev) {
		anc.hasDev, anc.dev = true, stat.Dev
	}
	return anc
}

func (o *orchestrator) finalizeChild(dj *dirJob, idx int, anc *ancestorNode) {
	dj.children[idx].anc = anc
	dj.children[idx].ready = true
	o.drainReady(dj)
	o.maybeCloseDir(dj)
}

// drainReady releases finalised children to the callback in strict
// readdir order, buffering any that complete out of turn until their
// predecessors do too.
func (o *orchestrator) drainReady(dj *dirJob) {
	for dj.nextEmit < len(dj.children) {
		slot := dj.children[dj.nextEmit]
		if !slot.ready {
			return
		}
		dj.nextEmit++
		if slot.hidden {
			continue
		}
		o.emit(slot.rec, slot.anc)
	}
}

// emitChildless delivers a synthetic per-directory error record (e.g.
// open-denied) that never gets children of its own.
func (o *orchestrator) emitChildless(rec *Record) {
	o.emit(rec, nil)
}

// maybeCloseDir submits a close once every child has been read and
// resolved: readdir hit EOF (or errored) and the reorder cursor has
// caught up to the end of the known children.
func (o *orchestrator) maybeCloseDir(dj *dirJob) {
	if dj.closing || !dj.eof || dj.nextEmit < len(dj.children) {
		return
	}
	dj.closing = true

	if dj.readErr != nil {
		parent := dj.item.rec
		o.logger.Warn("readdir truncated", "path", parent.Path, "error", dj.readErr)
		errRec := &Record{
			Path: parent.Path, Root: parent.Root, Depth: parent.Depth, Type: TypeError,
			Err: ferrors.New(ferrors.KindReaddirTruncated, parent.Path, dj.readErr),
		}
		o.emitChildless(errRec)
	}

	backend, ctx, handle := o.backend, o.ctx, dj.handle
	id := dj.id
	err := o.q.SubmitClose(userClose{id: id}, func() (any, error) {
		return nil, backend.CloseDir(ctx, handle)
	})
	if err != nil {
		if ioq.ErrFull(err) {
			o.awaitOne()
			dj.closing = false
			o.maybeCloseDir(dj)
			return
		}
		o.logger.Warn("close submit failed", "path", dj.item.rec.Path, "error", err)
		delete(o.jobs, id)
		return
	}
	o.dirCache.Unpin(dj.item.rec.Path)
	o.dirCache.Remove(dj.item.rec.Path)
	o.inFlight++
}

func (o *orchestrator) onClose(id uint64, c *ioq.Completion) {
	o.inFlight--
	if c.Err != nil {
		o.logger.Warn("close failed", "error", c.Err)
	}
	delete(o.jobs, id)
}

// drainAndShutdown runs once Stop/Fail has been requested: it stops
// accepting new submissions (dispatchCurrent is simply never called
// again) and drains every in-flight completion, closing any handle a
// completion produces, until nothing is outstanding. It then closes the
// handle of every directory that was already open when the walk stopped.
func (o *orchestrator) drainAndShutdown() {
	for o.inFlight > 0 {
		c, ok := o.q.Pop(true)
		if !ok {
			break
		}
		switch u := c.User.(type) {
		case userOpendir:
			o.inFlight--
			if dj, found := o.jobs[u.id]; found && c.Err == nil {
				handle := c.Result.(*DirHandle)
				backend, ctx := o.backend, o.ctx
				if err := o.q.SubmitClose(userClose{id: u.id}, func() (any, error) {
					return nil, backend.CloseDir(ctx, handle)
				}); err == nil {
					o.inFlight++
				}
				delete(o.jobs, u.id)
			}
		case userReaddir, userStat:
			o.inFlight--
		case userClose:
			o.inFlight--
			delete(o.jobs, u.id)
		}
	}
	for id, dj := range o.jobs {
		if dj.handle != nil && !dj.closing {
			if err := o.backend.CloseDir(o.ctx, dj.handle); err != nil {
				o.logger.Warn("close failed", "path", dj.item.rec.Path, "error", err)
			}
		}
		delete(o.jobs, id)
	}
	o.current = nil
	o.next = nil
}
