//go:build linux

package evloop

import (
	"fmt"

	"github.com/sliced/evloop/uring"
	"golang.org/x/sys/unix"
)

// Poll arms pending watchers, waits for completions, and dispatches them.
// timeoutMS of -1 blocks until at least one callback has run, 0 performs a
// single non-blocking drain, and a positive value bounds the wait in
// milliseconds with drift correction across resumptions.
func (lp *Loop) Poll(timeoutMS int) {
	if timeoutMS < -1 {
		panic("Poll: invalid timeout")
	}

	if lp.nfds == 0 {
		if lp.watcherQueue.Length() != 0 {
			panic("Poll: watcher queue not empty with no active fds")
		}
		return
	}

	lp.metrics.polls.Inc(1)

	ring := lp.ring
	for lp.watcherQueue.Length() > 0 {
		w := lp.watcherQueue.Remove().(*IOWatcher)
		w.queued = false

		if w.pevents == 0 {
			panic("Poll: queued watcher with empty event mask")
		}
		if w.fd < 0 || w.fd >= len(lp.watchers) {
			panic("Poll: queued watcher with invalid fd")
		}

		sqe := ring.GetSQE()
		uring.PrepPollAdd(sqe, w.fd, w.pevents)
		if w.token == 0 {
			w.token = lp.registerCompletion(&completion{kind: completionPoll, w: w})
		}
		sqe.UserData = w.token
		if int(ring.SQReady()) > ring.SyncLimit() {
			sqe.Flags |= uring.SQEAsync
		}

		w.events = w.pevents
	}

	if _, err := ring.Submit(); err != nil {
		lp.l.WithError(err).Error("io_uring submit failed")
	}

	// The submit syscall may take a while
	lp.UpdateTime()

	var sigset *unix.Sigset_t
	if lp.blockSignal != 0 {
		sigset = &unix.Sigset_t{}
		sig := uint(lp.blockSignal)
		sigset.Val[(sig-1)/64] |= 1 << ((sig - 1) % 64)
	}

	base := lp.now
	realTimeout := timeoutMS
	timeout := timeoutMS

	haveSignals := false
	nevents := 0

	// With idle-time tracking on, the first wait is non-blocking so time
	// spent draining already-available completions is not counted as idle.
	resetTimeout := false
	userTimeout := 0
	if lp.metrics.idleEnabled {
		resetTimeout = true
		userTimeout = timeout
		timeout = 0
	}

	for {
		if timeout != 0 {
			lp.metrics.setProviderEntryTime(lp.nowNS())
		}

		if ring.CQReady() == 0 {
			// The wait primitive may early-return without having installed
			// the mask, so the process-wide block is needed as well.
			if sigset != nil {
				if err := unix.PthreadSigmask(unix.SIG_BLOCK, sigset, nil); err != nil {
					panic(fmt.Sprintf("pthread_sigmask block failed: %v", err))
				}
			}

			waitNr := uint32(1)
			if timeout == 0 {
				waitNr = 0
			}
			err := ring.WaitCQEs(waitNr, timeout, sigset)
			timeout = realTimeout

			if sigset != nil {
				if e := unix.PthreadSigmask(unix.SIG_UNBLOCK, sigset, nil); e != nil {
					panic(fmt.Sprintf("pthread_sigmask unblock failed: %v", e))
				}
			}

			// We may have been inside the syscall for longer than the
			// timeout, update the timestamp to avoid drift. It's tempting to
			// skip this when the wait was non-blocking but there is no
			// guarantee the OS didn't reschedule us while in the syscall.
			lp.UpdateTime()

			switch err {
			case nil:
				// completions below

			case unix.EAGAIN, unix.ETIME:
				// No events available, the wait timed out
				if resetTimeout {
					timeout = userTimeout
					resetTimeout = false
				}
				if timeout == -1 {
					continue
				}
				if timeout == 0 {
					return
				}
				realTimeout -= int(lp.now - base)
				if realTimeout <= 0 {
					return
				}
				timeout = realTimeout
				continue

			default:
				panic(fmt.Sprintf("unexpected io_uring wait error: %v", err))
			}
		}

		// Completions arriving while callbacks run are picked up on the
		// next pass, not rescanned within this one.
		count := uint32(0)
		ready := ring.CQReady()
		for i := uint32(0); i < ready; i++ {
			cqe := ring.CQEAt(i)
			count++

			// Ignore timeouts and cancelled requests
			if cqe.UserData == 0 || cqe.UserData == uring.UserDataTimeout {
				continue
			}

			c, ok := lp.completions[cqe.UserData]
			if !ok {
				// Stale: the owner was dropped while the op was in flight
				continue
			}

			switch c.kind {
			case completionSend:
				lp.dropCompletion(cqe.UserData)
				lp.metrics.updateIdleTime(lp.nowNS())
				c.fn(cqe.Res)
				nevents++
				continue

			case completionRecv:
				lp.metrics.updateIdleTime(lp.nowNS())
				c.fn(cqe.Res)
				nevents++
				continue
			}

			w := c.w
			events := uint32(cqe.Res)

			if w.fd == -1 || w.fd >= len(lp.watchers) || lp.watchers[w.fd] == nil {
				// don't arm again if already closed
				continue
			}

			// arm the watcher again as the poll op works as EPOLLONESHOT
			if !w.Oneshot {
				w.events = 0
				lp.IOStart(w, w.pevents)
				w.events = w.pevents
			}

			// Give users only events they're interested in. Prevents
			// spurious callbacks when a previous callback in this drain has
			// stopped the watcher, and filters events that were never asked
			// for.
			events &= w.pevents | uint32(unix.POLLERR) | uint32(unix.POLLHUP)

			if events != 0 {
				// Run signal watchers last. This also affects child process
				// watchers because those are implemented in terms of signal
				// watchers.
				if w == lp.signalIOWatcher {
					haveSignals = true
				} else {
					lp.metrics.updateIdleTime(lp.nowNS())
					lp.metrics.events.Inc(1)
					w.cb(lp, w, events)
				}

				nevents++
			}
		}

		ring.Advance(count)

		if resetTimeout {
			timeout = userTimeout
			resetTimeout = false
		}

		if haveSignals {
			lp.metrics.updateIdleTime(lp.nowNS())
			lp.metrics.events.Inc(1)
			lp.signalIOWatcher.cb(lp, lp.signalIOWatcher, uint32(unix.POLLIN))
			return // the event loop should cycle now so don't poll again
		}

		if nevents != 0 {
			return
		}

		if timeout == 0 {
			return
		}

		if timeout == -1 {
			continue
		}

		realTimeout -= int(lp.now - base)
		if realTimeout <= 0 {
			return
		}
		timeout = realTimeout
	}
}
