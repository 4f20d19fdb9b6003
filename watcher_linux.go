//go:build linux

package evloop

import (
	"golang.org/x/sys/unix"
)

// IOCallback runs on the loop goroutine when events are ready on a watcher.
type IOCallback func(lp *Loop, w *IOWatcher, events uint32)

// IOWatcher binds a file descriptor to an interest mask and a callback.
// Watchers are owned by their registrant and must be Init'd before use.
type IOWatcher struct {
	// Oneshot disables rearming after the first readiness delivery.
	Oneshot bool

	cb      IOCallback
	fd      int
	pevents uint32 // events being watched
	events  uint32 // events last armed with
	token   uint64
	queued  bool
	fed     bool
}

// Init prepares a watcher for use with fd. The callback may Start, Stop, and
// queue new work; the loop tolerates mutation during dispatch.
func (w *IOWatcher) Init(cb IOCallback, fd int) {
	w.cb = cb
	w.fd = fd
	w.pevents = 0
	w.events = 0
	w.token = 0
	w.queued = false
	w.fed = false
}

// Fd returns the watcher's file descriptor, -1 after close.
func (w *IOWatcher) Fd() int {
	return w.fd
}

// IOStart adds events to the watcher's interest mask and schedules it for
// arming at the next poll tick if the mask changed since it was last armed.
func (lp *Loop) IOStart(w *IOWatcher, events uint32) {
	if events&^(uint32(unix.POLLIN)|uint32(unix.POLLOUT)|uint32(unix.POLLERR)|uint32(unix.POLLHUP)|uint32(unix.POLLRDHUP)) != 0 {
		panic("IOStart: unsupported event mask")
	}
	if w.fd < 0 {
		panic("IOStart: negative file descriptor")
	}

	w.pevents |= events
	lp.maybeResize(w.fd + 1)

	if w.events == w.pevents {
		return
	}

	if !w.queued {
		lp.watcherQueue.Add(w)
		w.queued = true
	}

	if lp.watchers[w.fd] == nil {
		lp.watchers[w.fd] = w
		lp.nfds++
	}
}

// IOStop removes events from the watcher's interest mask. When nothing
// remains the watcher leaves the fd table and its in-flight completions
// become stale.
func (lp *Loop) IOStop(w *IOWatcher, events uint32) {
	if w.fd < 0 {
		panic("IOStop: negative file descriptor")
	}

	w.pevents &^= events
	if w.pevents == 0 {
		if w.queued {
			removeQueued(lp.watcherQueue, w)
			w.queued = false
		}
		if w.fd < len(lp.watchers) && lp.watchers[w.fd] == w {
			lp.watchers[w.fd] = nil
			lp.nfds--
			w.events = 0
		}
		if w.token != 0 {
			lp.dropCompletion(w.token)
			w.token = 0
		}
	} else if !w.queued && w.events != w.pevents {
		lp.watcherQueue.Add(w)
		w.queued = true
	}
}

// IOActive reports whether any of events are in the watcher's interest mask.
func (lp *Loop) IOActive(w *IOWatcher, events uint32) bool {
	return w.pevents&events != 0
}

// Feed queues the watcher's callback to run on the next RunPending pass, as
// if POLLOUT had been reported. Used to deliver completed work that did not
// originate from readiness.
func (lp *Loop) Feed(w *IOWatcher) {
	if !w.fed {
		lp.pendingQueue.Add(w)
		w.fed = true
	}
}

// RunPending invokes the callbacks of all fed watchers.
func (lp *Loop) RunPending() {
	for lp.pendingQueue.Length() > 0 {
		w := lp.pendingQueue.Remove().(*IOWatcher)
		w.fed = false
		w.cb(lp, w, unix.POLLOUT)
	}
}
