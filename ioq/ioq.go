// Package ioq implements an asynchronous I/O queue: a bounded submission
// ring serviced by a fixed pool of worker goroutines, with completions
// delivered back to a single reader in arbitrary order.
//
// The C original describes the submission ring as an array of slots each
// carrying an atomic empty/full/blocked state, CAS-transitioned by
// producers and consumers and woken via a futex-like primitive. A Go
// channel's internal ring buffer already provides exactly that: a fixed
// capacity slot array, a CAS-based send/receive protocol, and a runtime
// park/wake queue for blocked goroutines. Reimplementing that by hand with
// raw atomics would just be a slower, buggier channel, so this package
// builds the ring on top of buffered channels (see DESIGN.md) and spends
// its own logic on the part channels don't give for free: job dispatch by
// kind, cancellation draining, and worker lifecycle.
package ioq

import (
	"context"
	"fmt"
	"math/bits"

	"golang.org/x/sync/errgroup"
)

// Kind tags a submitted job so the queue (and callers inspecting a
// completion) can dispatch without a type switch on the payload.
type Kind int

const (
	KindOpendir Kind = iota
	KindStat
	KindReaddir
	KindClose
	kindStop // internal sentinel, never submitted by callers
)

func (k Kind) String() string {
	switch k {
	case KindOpendir:
		return "opendir"
	case KindStat:
		return "stat"
	case KindReaddir:
		return "readdir"
	case KindClose:
		return "close"
	case kindStop:
		return "stop"
	default:
		return "unknown"
	}
}

// job is the fixed, small payload carried by a ring slot: a kind tag for
// bookkeeping, the user token returned verbatim on completion, and a
// closure the worker runs to do the actual blocking syscall. The closure
// is the idiomatic Go analogue of a tagged union of opendir/stat/close
// parameters: callers (the bftw orchestrator) already know which facade
// function to call and with what arguments, so there is nothing to gain
// by re-encoding that into a second tagged struct here.
type job struct {
	kind Kind
	user any
	exec func() (any, error)
}

// Completion is a finished job, ready to be popped by the single
// consumer. Result is whatever the job's exec closure returned; for the
// bftw orchestrator that is a *bftw.DirHandle for KindOpendir, a
// *bftw.StatInfo for KindStat, a batch of directory entries for
// KindReaddir, and nil for KindClose.
type Completion struct {
	Kind   Kind
	User   any
	Result any
	Err    error
}

// Queue is the asynchronous I/O queue. The zero value is not usable; use
// New.
type Queue struct {
	jobs chan *job
	out  chan *Completion
	done chan struct{}
	grp  *errgroup.Group

	depth   int
	threads int
}

// errFull is returned by the Submit* methods when the ring has no free
// slots; submission never blocks waiting for one to free up.
type errFull struct{ op string }

func (e *errFull) Error() string { return fmt.Sprintf("ioq: %s: submission ring full", e.op) }

// ErrFull reports whether err is the "ring full" submission failure.
func ErrFull(err error) bool {
	_, ok := err.(*errFull)
	return ok
}

// New creates a queue with the given ring depth (must be a power of two)
// serviced by threads worker goroutines.
func New(depth, threads int) (*Queue, error) {
	if depth <= 0 || bits.OnesCount(uint(depth)) != 1 {
		return nil, fmt.Errorf("ioq: depth %d must be a power of two", depth)
	}
	if threads < 1 {
		return nil, fmt.Errorf("ioq: threads must be >= 1, got %d", threads)
	}

	q := &Queue{
		jobs:    make(chan *job, depth),
		out:     make(chan *Completion, depth),
		done:    make(chan struct{}),
		depth:   depth,
		threads: threads,
	}

	grp, ctx := errgroup.WithContext(context.Background())
	q.grp = grp
	for i := 0; i < threads; i++ {
		grp.Go(func() error {
			q.worker(ctx)
			return nil
		})
	}
	return q, nil
}

func (q *Queue) worker(ctx context.Context) {
	for {
		select {
		case <-q.done:
			return
		case j, ok := <-q.jobs:
			if !ok {
				return
			}
			result, err := j.exec()
			select {
			case q.out <- &Completion{Kind: j.kind, User: j.user, Result: result, Err: err}:
			case <-q.done:
				return
			}
		}
	}
}

func (q *Queue) submit(kind Kind, user any, exec func() (any, error)) error {
	select {
	case <-q.done:
		return fmt.Errorf("ioq: %s: %w", kind, errCancelled)
	default:
	}
	select {
	case q.jobs <- &job{kind: kind, user: user, exec: exec}:
		return nil
	default:
		return &errFull{op: kind.String()}
	}
}

var errCancelled = fmt.Errorf("queue cancelled")

// SubmitOpendir enqueues an opendir job. exec performs the actual
// openat+fdopendir and returns a *bftw.DirHandle (typed as any to avoid
// a layering dependency from ioq onto bftw).
func (q *Queue) SubmitOpendir(user any, exec func() (any, error)) error {
	return q.submit(KindOpendir, user, exec)
}

// SubmitStat enqueues a stat job.
func (q *Queue) SubmitStat(user any, exec func() (any, error)) error {
	return q.submit(KindStat, user, exec)
}

// SubmitReaddir enqueues a readdir-chunk job.
func (q *Queue) SubmitReaddir(user any, exec func() (any, error)) error {
	return q.submit(KindReaddir, user, exec)
}

// SubmitClose enqueues a close job. Subject to the same backpressure as
// any other job kind; callers (bftw's maybeCloseDir) retry on ErrFull
// rather than dropping the handle.
func (q *Queue) SubmitClose(user any, exec func() (any, error)) error {
	return q.submit(KindClose, user, exec)
}

// Pop retrieves the next completion. If block is true it waits until one
// is available or the queue is cancelled, draining anything already
// produced before reporting ok=false. If block is false it returns
// immediately with ok=false when nothing is ready.
func (q *Queue) Pop(block bool) (*Completion, bool) {
	if !block {
		select {
		case c := <-q.out:
			return c, true
		default:
			return nil, false
		}
	}
	select {
	case c := <-q.out:
		return c, true
	case <-q.done:
		// Drain anything queued before giving up, so completions
		// produced right before cancellation are not lost.
		select {
		case c := <-q.out:
			return c, true
		default:
			return nil, false
		}
	}
}

// Free returns a completion to the pool. The current implementation has
// nothing to recycle (Go's GC owns Completion's lifetime) but the method
// is kept so a caller that pairs every Pop with a Free gets a stable
// contract, and so future pooling has somewhere to hook in without an
// API break.
func (q *Queue) Free(*Completion) {}

// Capacity returns the number of currently free submission slots
// (advisory — can be stale immediately after it is read).
func (q *Queue) Capacity() int {
	return cap(q.jobs) - len(q.jobs)
}

// Cancel atomically marks the queue stopping. Workers finish their
// in-flight job then exit; any blocked Pop wakes via q.done closing.
func (q *Queue) Cancel() {
	select {
	case <-q.done:
		// already cancelled
	default:
		close(q.done)
	}
}

// Destroy cancels the queue (if not already) and blocks until every
// worker has joined.
func (q *Queue) Destroy() error {
	q.Cancel()
	return q.grp.Wait()
}
