//go:build linux

package evloop

import (
	"syscall"
	"testing"
	"time"

	"github.com/sliced/evloop/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newTestLoop(t *testing.T) *Loop {
	t.Helper()
	lp, err := NewLoop(test.NewLogger(), nil)
	if err != nil {
		t.Skipf("io_uring unavailable: %v", err)
	}
	t.Cleanup(lp.Close)
	return lp
}

func newTestPipe(t *testing.T) (int, int) {
	t.Helper()
	fds := make([]int, 2)
	require.NoError(t, unix.Pipe(fds))
	return fds[0], fds[1]
}

func TestPollOneShotRearm(t *testing.T) {
	lp := newTestLoop(t)
	rfd, wfd := newTestPipe(t)
	defer unix.Close(rfd)
	defer unix.Close(wfd)

	calls := 0
	var lastEvents uint32
	w := &IOWatcher{}
	w.Init(func(lp *Loop, w *IOWatcher, events uint32) {
		calls++
		lastEvents = events
		b := make([]byte, 1)
		unix.Read(rfd, b)
	}, rfd)
	lp.IOStart(w, uint32(unix.POLLIN))

	_, err := unix.Write(wfd, []byte{1})
	require.NoError(t, err)

	lp.Poll(-1)
	assert.Equal(t, 1, calls)
	assert.NotZero(t, lastEvents&uint32(unix.POLLIN))

	// The watcher rearmed, a second write produces a second callback
	_, err = unix.Write(wfd, []byte{2})
	require.NoError(t, err)

	lp.Poll(-1)
	assert.Equal(t, 2, calls)
}

func TestPollOneShotNoRearm(t *testing.T) {
	lp := newTestLoop(t)
	rfd, wfd := newTestPipe(t)
	defer unix.Close(rfd)
	defer unix.Close(wfd)

	calls := 0
	w := &IOWatcher{Oneshot: true}
	w.Init(func(lp *Loop, w *IOWatcher, events uint32) {
		calls++
		b := make([]byte, 1)
		unix.Read(rfd, b)
	}, rfd)
	lp.IOStart(w, uint32(unix.POLLIN))

	_, err := unix.Write(wfd, []byte{1})
	require.NoError(t, err)

	lp.Poll(-1)
	require.Equal(t, 1, calls)

	_, err = unix.Write(wfd, []byte{2})
	require.NoError(t, err)

	lp.Poll(100)
	assert.Equal(t, 1, calls)
}

func TestPollTimeoutDrift(t *testing.T) {
	lp := newTestLoop(t)
	rfd, wfd := newTestPipe(t)
	defer unix.Close(rfd)
	defer unix.Close(wfd)

	w := &IOWatcher{}
	w.Init(func(lp *Loop, w *IOWatcher, events uint32) {
		t.Error("callback fired with nothing ready")
	}, rfd)
	lp.IOStart(w, uint32(unix.POLLIN))

	start := time.Now()
	lp.Poll(100)
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, 300*time.Millisecond)
}

func TestPollZeroTimeout(t *testing.T) {
	lp := newTestLoop(t)
	rfd, wfd := newTestPipe(t)
	defer unix.Close(rfd)
	defer unix.Close(wfd)

	w := &IOWatcher{}
	w.Init(func(lp *Loop, w *IOWatcher, events uint32) {}, rfd)
	lp.IOStart(w, uint32(unix.POLLIN))

	start := time.Now()
	lp.Poll(0)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestInvalidateFDBeforeCQE(t *testing.T) {
	lp := newTestLoop(t)

	// Keepalive watcher so the loop still has active fds after the close
	krfd, kwfd := newTestPipe(t)
	defer unix.Close(krfd)
	defer unix.Close(kwfd)
	kw := &IOWatcher{}
	kw.Init(func(lp *Loop, w *IOWatcher, events uint32) {}, krfd)
	lp.IOStart(kw, uint32(unix.POLLIN))

	rfd, wfd := newTestPipe(t)
	defer unix.Close(wfd)

	w := &IOWatcher{}
	w.Init(func(lp *Loop, w *IOWatcher, events uint32) {
		t.Error("callback fired for an invalidated fd")
	}, rfd)
	lp.IOStart(w, uint32(unix.POLLIN))

	// Arm the poll, nothing ready yet
	lp.Poll(0)

	// Make it ready, then close the fd before draining the completion
	_, err := unix.Write(wfd, []byte{1})
	require.NoError(t, err)

	lp.InvalidateFD(rfd)
	lp.IOStop(w, uint32(unix.POLLIN))
	unix.Close(rfd)

	lp.Poll(10)
	lp.Poll(10)
}

func TestCheckFD(t *testing.T) {
	lp := newTestLoop(t)
	rfd, wfd := newTestPipe(t)
	defer unix.Close(wfd)

	assert.NoError(t, lp.CheckFD(rfd))

	unix.Close(rfd)
	assert.Equal(t, unix.EINVAL, lp.CheckFD(rfd))
}

func TestSignalWatcherRunsLast(t *testing.T) {
	lp := newTestLoop(t)

	r1, w1 := newTestPipe(t)
	defer unix.Close(r1)
	defer unix.Close(w1)
	r2, w2 := newTestPipe(t)
	defer unix.Close(r2)
	defer unix.Close(w2)

	var order []string
	wa := &IOWatcher{}
	wa.Init(func(lp *Loop, w *IOWatcher, events uint32) {
		order = append(order, "regular")
		b := make([]byte, 1)
		unix.Read(r1, b)
	}, r1)
	lp.IOStart(wa, uint32(unix.POLLIN))

	ws := &IOWatcher{}
	ws.Init(func(lp *Loop, w *IOWatcher, events uint32) {
		order = append(order, "signal")
		b := make([]byte, 1)
		unix.Read(r2, b)
	}, r2)
	lp.IOStart(ws, uint32(unix.POLLIN))
	lp.SetSignalWatcher(ws)

	_, err := unix.Write(w1, []byte{1})
	require.NoError(t, err)
	_, err = unix.Write(w2, []byte{1})
	require.NoError(t, err)

	// Both CQEs may not land in one drain, poll until both callbacks ran
	for i := 0; i < 10 && len(order) < 2; i++ {
		lp.Poll(100)
	}

	require.Len(t, order, 2)
	assert.Equal(t, "regular", order[0])
	assert.Equal(t, "signal", order[1])
}

func TestBlockSignal(t *testing.T) {
	lp := newTestLoop(t)
	assert.Error(t, lp.BlockSignal(syscall.SIGUSR1))
	assert.NoError(t, lp.BlockSignal(syscall.SIGPROF))

	rfd, wfd := newTestPipe(t)
	defer unix.Close(rfd)
	defer unix.Close(wfd)
	w := &IOWatcher{}
	w.Init(func(lp *Loop, w *IOWatcher, events uint32) {}, rfd)
	lp.IOStart(w, uint32(unix.POLLIN))

	// Exercise the sigmask discipline around the wait
	lp.Poll(10)
}

func TestFeedRunsPending(t *testing.T) {
	lp := newTestLoop(t)
	rfd, wfd := newTestPipe(t)
	defer unix.Close(rfd)
	defer unix.Close(wfd)

	calls := 0
	var events uint32
	w := &IOWatcher{}
	w.Init(func(lp *Loop, w *IOWatcher, ev uint32) {
		calls++
		events = ev
	}, rfd)

	lp.Feed(w)
	lp.Feed(w) // coalesces
	lp.RunPending()

	assert.Equal(t, 1, calls)
	assert.Equal(t, uint32(unix.POLLOUT), events)
}

func TestWatcherQueueMembership(t *testing.T) {
	lp := newTestLoop(t)
	rfd, wfd := newTestPipe(t)
	defer unix.Close(rfd)
	defer unix.Close(wfd)

	w := &IOWatcher{}
	w.Init(func(lp *Loop, w *IOWatcher, events uint32) {}, rfd)

	lp.IOStart(w, uint32(unix.POLLIN))
	assert.Equal(t, 1, lp.watcherQueue.Length())

	// Unchanged mask does not queue twice
	lp.IOStart(w, uint32(unix.POLLIN))
	assert.Equal(t, 1, lp.watcherQueue.Length())

	lp.IOStop(w, uint32(unix.POLLIN))
	assert.Equal(t, 0, lp.watcherQueue.Length())
	assert.Equal(t, 0, lp.nfds)
}
