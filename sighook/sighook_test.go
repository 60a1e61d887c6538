package sighook

import (
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSignal lets tests drive the hook chain without sending the process
// a real signal.
type fakeSignal struct{ name string }

func (f *fakeSignal) String() string { return f.name }
func (f *fakeSignal) Signal()        {}

func TestHookRunsInRegistrationOrder(t *testing.T) {
	sig := &fakeSignal{"test1"}
	c := chainFor(sig)

	var order []int
	var mu sync.Mutex
	record := func(n int) func(os.Signal) {
		return func(os.Signal) {
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
		}
	}

	h1 := Hook(sig, record(1), ModeContinue)
	h2 := Hook(sig, record(2), ModeContinue)
	h3 := Hook(sig, record(3), ModeContinue)
	defer Unhook(h1)
	defer Unhook(h2)
	defer Unhook(h3)

	c.deliver(sig)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestUnhookRemovesOnlyThatHandler(t *testing.T) {
	sig := &fakeSignal{"test2"}
	c := chainFor(sig)

	var calls int32
	h1 := Hook(sig, func(os.Signal) { atomic.AddInt32(&calls, 1) }, ModeContinue)
	h2 := Hook(sig, func(os.Signal) { atomic.AddInt32(&calls, 10) }, ModeContinue)
	defer Unhook(h2)

	Unhook(h1)

	c.deliver(sig)
	assert.EqualValues(t, 10, atomic.LoadInt32(&calls))
}

func TestHandlerCanUnhookItself(t *testing.T) {
	sig := &fakeSignal{"test3"}
	c := chainFor(sig)

	var h *Handle
	ran := 0
	h = Hook(sig, func(os.Signal) {
		ran++
		Unhook(h)
	}, ModeContinue)

	c.deliver(sig)
	assert.Equal(t, 1, ran)
	assert.Empty(t, c.snapshot())
}

// TestOneshotHookFiresOnce covers ModeOneshot: the hook is atomically
// removed from its chain as part of its own first delivery, so a second
// delivery never invokes it again even without an explicit Unhook.
func TestOneshotHookFiresOnce(t *testing.T) {
	sig := &fakeSignal{"test-oneshot"}
	c := chainFor(sig)

	var calls int32
	Hook(sig, func(os.Signal) { atomic.AddInt32(&calls, 1) }, ModeOneshot)

	c.deliver(sig)
	c.deliver(sig)

	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
	assert.Empty(t, c.snapshot())
}

// TestUnhookWaitsForInFlightInvocation covers Unhook's wait semantics: a
// concurrent Unhook call for a hook that's currently running must block
// until that invocation returns, rather than racing ahead the instant the
// chain snapshot is updated.
func TestUnhookWaitsForInFlightInvocation(t *testing.T) {
	sig := &fakeSignal{"test-wait"}
	c := chainFor(sig)

	started := make(chan struct{})
	release := make(chan struct{})
	h := Hook(sig, func(os.Signal) {
		close(started)
		<-release
	}, ModeContinue)

	deliverDone := make(chan struct{})
	go func() {
		c.deliver(sig)
		close(deliverDone)
	}()
	<-started

	unhookDone := make(chan struct{})
	go func() {
		Unhook(h)
		close(unhookDone)
	}()

	select {
	case <-unhookDone:
		t.Fatal("Unhook returned before the in-flight invocation finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	<-deliverDone

	select {
	case <-unhookDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Unhook never returned after the invocation finished")
	}
}

func TestAtExitRunsOnceViaShutdown(t *testing.T) {
	// Shutdown's sync.Once is package-global, so this test relies on
	// being the first Shutdown call in the process (no other test in this
	// package calls it): the handler registered here must run exactly
	// once, and the second Shutdown call must be a no-op.
	var calls int32
	AtExit(func() { atomic.AddInt32(&calls, 1) })

	Shutdown()
	Shutdown()

	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestRealSignalDelivery(t *testing.T) {
	ch := make(chan os.Signal, 1)
	h := Hook(os.Interrupt, func(s os.Signal) {
		select {
		case ch <- s:
		default:
		}
	}, ModeContinue)
	defer Unhook(h)

	proc, err := os.FindProcess(os.Getpid())
	require.NoError(t, err)
	require.NoError(t, proc.Signal(os.Interrupt))

	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("hook was not invoked for a real os.Interrupt")
	}
}
