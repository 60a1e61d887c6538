// Package sighook implements a signal hook chain: multiple independent
// listeners can register for the same signal number and be invoked in
// registration order, each listener can unregister itself safely from
// inside its own handler, a oneshot listener is atomically self-removed
// after its first delivery, and a dedicated at-exit chain runs once on
// the first SIGINT or on a clean Shutdown call. SIGINT is the only
// default exit signal; SetExitSignals replaces the set.
//
// Grounded on how rclone's own backend/cache package uses its
// lib/atexit.Register(func()) to flush a database handle on SIGHUP
// before process exit: sighook.AtExit plays exactly that role, and
// sighook.Hook generalises it to arbitrary signals and handlers that
// receive the triggering os.Signal.
package sighook

import (
	"bytes"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
)

// Mode selects how long a registered hook stays in its chain.
type Mode int

const (
	// ModeContinue keeps the hook registered until Unhook is called.
	ModeContinue Mode = iota
	// ModeOneshot removes the hook from its chain atomically with its
	// first delivery: a second signal arriving after the first has been
	// dispatched will never invoke it again, even if Unhook is never
	// called.
	ModeOneshot
)

type entry struct {
	id   uint64
	fn   func(os.Signal)
	mode Mode
}

// chain is a copy-on-write list of handlers for one signal number. Readers
// (the dispatch goroutine delivering a signal) load the current slice
// with a single atomic pointer read and never block; writers (Hook/Unhook)
// serialise on mu and publish a freshly built slice, so a handler removing
// itself mid-dispatch never races the in-flight delivery that is still
// iterating the slice it loaded before the removal was published.
//
// runMu/runCond/running* track which entry, if any, is currently
// executing its fn, so Unhook can block until that specific invocation
// finishes rather than returning the instant the chain snapshot is
// updated.
type chain struct {
	mu      sync.Mutex
	entries atomic.Pointer[[]*entry]

	runMu      sync.Mutex
	runCond    *sync.Cond
	runningID  uint64 // 0 means nothing is currently running
	runningGID uint64
}

func newChain() *chain {
	c := &chain{}
	c.runCond = sync.NewCond(&c.runMu)
	empty := []*entry{}
	c.entries.Store(&empty)
	return c
}

func (c *chain) add(e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	old := *c.entries.Load()
	next := make([]*entry, len(old), len(old)+1)
	copy(next, old)
	next = append(next, e)
	c.entries.Store(&next)
}

func (c *chain) remove(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	old := *c.entries.Load()
	next := make([]*entry, 0, len(old))
	for _, e := range old {
		if e.id != id {
			next = append(next, e)
		}
	}
	c.entries.Store(&next)
}

func (c *chain) snapshot() []*entry {
	return *c.entries.Load()
}

// beginRun/endRun bracket one entry's fn call, recording which entry and
// which goroutine is running it so awaitDone can tell a concurrent
// Unhook call (which must wait) apart from a self-unhook call made by fn
// itself on the same goroutine (which must not, or it would deadlock
// waiting for its own call frame to return).
func (c *chain) beginRun(id uint64) {
	c.runMu.Lock()
	c.runningID = id
	c.runningGID = goroutineID()
	c.runMu.Unlock()
}

func (c *chain) endRun(id uint64) {
	c.runMu.Lock()
	if c.runningID == id {
		c.runningID = 0
		c.runningGID = 0
	}
	c.runMu.Unlock()
	c.runCond.Broadcast()
}

// awaitDone blocks until no invocation of id is in flight, unless the
// caller is the very goroutine currently running it (a handler unhooking
// itself), in which case it returns immediately: that invocation can only
// finish once this call stack unwinds back into it.
func (c *chain) awaitDone(id uint64) {
	if id == 0 {
		return
	}
	self := goroutineID()
	c.runMu.Lock()
	defer c.runMu.Unlock()
	for c.runningID == id {
		if c.runningGID == self {
			return
		}
		c.runCond.Wait()
	}
}

// deliver runs every entry currently in c's chain for sig, in order,
// removing each ModeOneshot entry from the chain before invoking it so a
// second, concurrently queued delivery can never invoke it twice.
func (c *chain) deliver(sig os.Signal) {
	for _, e := range c.snapshot() {
		if e.mode == ModeOneshot {
			c.remove(e.id)
		}
		c.beginRun(e.id)
		e.fn(sig)
		c.endRun(e.id)
	}
}

// goroutineID extracts the calling goroutine's id from its own stack
// trace header. It exists for exactly one purpose: telling apart a
// handler that unhooks itself (same goroutine, must not block) from a
// concurrent caller unhooking it from outside (different goroutine, must
// wait) in awaitDone.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := bytes.TrimPrefix(buf[:n], []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseUint(string(b), 10, 64)
	return id
}

// Handle identifies one registered hook so it can be removed later.
type Handle struct {
	signum os.Signal
	id     uint64
	exit   bool
}

var (
	registryMu sync.Mutex
	chains     = map[os.Signal]*chain{}
	nextID     uint64

	exitChain    = newChain()
	exitOnce     sync.Once
	exitFireOnce sync.Once
	exitSignals  = []os.Signal{os.Interrupt}
)

func chainFor(sig os.Signal) *chain {
	registryMu.Lock()
	defer registryMu.Unlock()
	c, ok := chains[sig]
	if !ok {
		c = newChain()
		chains[sig] = c
		go dispatchLoop(sig, c)
	}
	return c
}

func dispatchLoop(sig os.Signal, c *chain) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sig)
	for range ch {
		c.deliver(sig)
	}
}

// Hook registers fn to run whenever sig is received, in addition to
// whatever is already registered for that signal. Handlers run in
// registration order, synchronously, on a single dedicated goroutine per
// signal number: a slow handler for one hook delays the others for that
// same signal, exactly as a literal signal-handler chain would.
//
// mode controls the hook's lifetime: ModeContinue persists until Unhook
// is called; ModeOneshot is atomically removed from the chain as part of
// its own first delivery.
func Hook(sig os.Signal, fn func(os.Signal), mode Mode) *Handle {
	id := atomic.AddUint64(&nextID, 1)
	c := chainFor(sig)
	c.add(&entry{id: id, fn: fn, mode: mode})
	return &Handle{signum: sig, id: id}
}

// Unhook removes a handler registered by Hook or AtExit and, unless
// called from inside that very handler (in which case there is nothing
// to wait for — the invocation is the one calling Unhook), blocks until
// any in-flight invocation of it has finished running.
func Unhook(h *Handle) {
	if h == nil {
		return
	}
	if h.exit {
		exitChain.remove(h.id)
		exitChain.awaitDone(h.id)
		return
	}
	registryMu.Lock()
	c := chains[h.signum]
	registryMu.Unlock()
	if c == nil {
		return
	}
	c.remove(h.id)
	c.awaitDone(h.id)
}

// AtExit registers fn to run once, the first time the process receives
// one of the signals sighook treats as a shutdown request (SIGINT by
// default; see SetExitSignals), or the first time Shutdown is called
// directly from a clean exit path. fn runs at most once regardless of
// how it was triggered.
func AtExit(fn func()) *Handle {
	exitOnce.Do(startExitDispatch)
	id := atomic.AddUint64(&nextID, 1)
	exitChain.add(&entry{id: id, fn: func(os.Signal) { fn() }})
	return &Handle{id: id, exit: true}
}

// SetExitSignals overrides which signals trigger the at-exit chain.
// Must be called before the first AtExit registration to take effect.
func SetExitSignals(sigs ...os.Signal) {
	registryMu.Lock()
	defer registryMu.Unlock()
	exitSignals = append([]os.Signal(nil), sigs...)
}

func startExitDispatch() {
	registryMu.Lock()
	sigs := append([]os.Signal(nil), exitSignals...)
	registryMu.Unlock()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)
	go func() {
		<-ch
		Shutdown()
	}()
}

// Shutdown runs every AtExit handler exactly once, synchronously, in
// registration order. Safe to call from a signal handler or from a
// normal, non-signal exit path (e.g. right before main returns); a
// second call is a no-op.
func Shutdown() {
	exitFireOnce.Do(func() {
		exitChain.deliver(nil)
	})
}
