//go:build linux

package evloop

import (
	"fmt"
	"syscall"
	"time"

	"github.com/eapache/queue"
	"github.com/sirupsen/logrus"
	"github.com/sliced/evloop/config"
	"github.com/sliced/evloop/uring"
	"golang.org/x/sys/unix"
)

type completionKind uint8

const (
	completionPoll completionKind = iota + 1
	completionSend
	completionRecv
)

// completion records the owner of an in-flight SQE. A CQE whose user-data
// does not resolve here is stale and is dropped silently.
type completion struct {
	kind completionKind
	w    *IOWatcher
	fn   func(status int32)
}

// Loop drives I/O readiness and UDP datagram transfers through a kernel
// submission/completion ring. All of its state is confined to the goroutine
// that ticks it; none of the methods are safe for concurrent use.
type Loop struct {
	l    *logrus.Logger
	ring *uring.Ring

	backendFD int
	inotifyFD int

	watchers []*IOWatcher
	nfds     int

	watcherQueue *queue.Queue // pending (re)registrations, drained at the top of each tick
	pendingQueue *queue.Queue // fed watchers awaiting RunPending

	signalIOWatcher *IOWatcher
	blockSignal     syscall.Signal

	clockBase time.Time
	now       uint64 // monotonic, milliseconds

	completions map[uint64]*completion
	seq         uint64

	metrics loopMetrics
}

// NewLoop creates a loop and its kernel ring. c may be nil, selecting the
// defaults for every knob.
func NewLoop(l *logrus.Logger, c *config.C) (*Loop, error) {
	entries := uint32(uring.DefaultEntries)
	syncLimit := uring.DefaultSyncLimit
	idleTime := false
	if c != nil {
		entries = c.GetUint32("ring.sq_entries", uint32(uring.DefaultEntries))
		syncLimit = c.GetInt("ring.sync_limit", uring.DefaultSyncLimit)
		idleTime = c.GetBool("loop.metrics_idle_time", false)
	}

	lp := &Loop{
		l:            l,
		backendFD:    -1,
		inotifyFD:    -1,
		watcherQueue: queue.New(),
		pendingQueue: queue.New(),
		clockBase:    time.Now(),
		completions:  make(map[uint64]*completion),
	}
	lp.metrics.init(idleTime)
	lp.UpdateTime()

	ring, err := uring.NewRing(l, entries, syncLimit)
	if err != nil {
		return nil, fmt.Errorf("unable to create io_uring: %w", err)
	}
	lp.ring = ring

	return lp, nil
}

// Ring exposes the loop's kernel ring to the operation engines.
func (lp *Loop) Ring() *uring.Ring {
	return lp.ring
}

// Close tears down the ring and, if present, the filesystem-watch
// descriptor. No loop operation may be invoked afterwards.
func (lp *Loop) Close() {
	if lp.ring != nil {
		if err := lp.ring.Close(); err != nil {
			lp.l.WithError(err).Error("failed to close io_uring")
		}
		lp.ring = nil
	}

	if lp.inotifyFD == -1 {
		return
	}
	unix.Close(lp.inotifyFD)
	lp.inotifyFD = -1
}

// UpdateTime refreshes the loop's cached monotonic clock.
func (lp *Loop) UpdateTime() {
	lp.now = uint64(time.Since(lp.clockBase) / time.Millisecond)
}

// Now returns the cached monotonic clock in milliseconds.
func (lp *Loop) Now() uint64 {
	return lp.now
}

// BlockSignal requests that sig be blocked around the poll wait syscall.
// Only SIGPROF is supported; profilers are the one legitimate source of
// high-rate interrupts during the wait.
func (lp *Loop) BlockSignal(sig syscall.Signal) error {
	if sig != syscall.SIGPROF {
		return fmt.Errorf("unsupported signal: %d", sig)
	}
	lp.blockSignal = sig
	return nil
}

// SetSignalWatcher marks w as the loop's signal multiplexer. Its callback is
// always run last within a drain so that watchers built on signals observe
// coherent state.
func (lp *Loop) SetSignalWatcher(w *IOWatcher) {
	lp.signalIOWatcher = w
}

// Tick runs fed callbacks and then one poll pass.
func (lp *Loop) Tick(timeoutMS int) {
	lp.UpdateTime()
	lp.RunPending()
	lp.Poll(timeoutMS)
}

// CheckFD probes that fd is open and pollable without blocking.
func (lp *Loop) CheckFD(fd int) error {
	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}

	for {
		_, err := unix.Poll(pfd, 0)
		if err == unix.EINTR || err == unix.EAGAIN {
			continue
		}
		if err != nil {
			return err
		}
		break
	}

	if pfd[0].Revents&unix.POLLNVAL != 0 {
		return unix.EINVAL
	}

	return nil
}

// InvalidateFD removes stale kernel poll state for an fd the caller has
// closed. The poll-remove completes with zero user-data and is discarded by
// the drain; the watcher's own racing CQE is discarded because its
// completion entry is gone.
func (lp *Loop) InvalidateFD(fd int) {
	if fd < 0 {
		panic("InvalidateFD: negative file descriptor")
	}
	if fd >= len(lp.watchers) || lp.watchers[fd] == nil {
		return
	}

	w := lp.watchers[fd]
	sqe := lp.ring.GetSQE()
	uring.PrepPollRemove(sqe, w.token)
	sqe.UserData = 0
	if _, err := lp.ring.Submit(); err != nil {
		lp.l.WithError(err).WithField("fd", fd).Error("failed to submit poll remove")
	}
}

// RegisterSendCompletion installs fn as the handler for a single UDP send
// CQE and returns the user-data to submit with. The entry is consumed at
// dispatch.
func (lp *Loop) RegisterSendCompletion(fn func(status int32)) uint64 {
	return lp.registerCompletion(&completion{kind: completionSend, fn: fn})
}

// RegisterRecvCompletion installs fn as the handler for UDP receive CQEs and
// returns the user-data to submit with. The entry persists across rearms
// until dropped.
func (lp *Loop) RegisterRecvCompletion(fn func(status int32)) uint64 {
	return lp.registerCompletion(&completion{kind: completionRecv, fn: fn})
}

// DropCompletion invalidates a previously registered completion. Any CQE
// still in flight for it will be discarded.
func (lp *Loop) DropCompletion(token uint64) {
	lp.dropCompletion(token)
}

func (lp *Loop) registerCompletion(c *completion) uint64 {
	lp.seq++
	token := uint64(c.kind)<<56 | lp.seq
	lp.completions[token] = c
	return token
}

func (lp *Loop) dropCompletion(token uint64) {
	delete(lp.completions, token)
}

func (lp *Loop) maybeResize(n int) {
	if n <= len(lp.watchers) {
		return
	}
	grown := make([]*IOWatcher, n*2)
	copy(grown, lp.watchers)
	lp.watchers = grown
}

// removeQueued drops w from q, preserving the order of everything else.
func removeQueued(q *queue.Queue, w *IOWatcher) {
	for n := q.Length(); n > 0; n-- {
		x := q.Remove().(*IOWatcher)
		if x != w {
			q.Add(x)
		}
	}
}
