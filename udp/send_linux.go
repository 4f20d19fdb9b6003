//go:build linux

package udp

import (
	"net/netip"
	"syscall"
	"unsafe"

	"github.com/sliced/evloop/uring"
	"golang.org/x/sys/unix"
)

// SendCallback reports the terminal status of a send request on the loop
// goroutine. Transient kernel backpressure never reaches it; those requests
// are retried internally.
type SendCallback func(req *SendReq, err error)

// SendReq is one queued datagram. It is owned by the engine from QueueSend
// until its callback has run. Addr unset and UnixPath empty means the
// socket's connected peer is the destination.
type SendReq struct {
	Addr     netip.AddrPort
	UnixPath string
	Bufs     [][]byte
	Cb       SendCallback

	status  int32
	token   uint64
	hdr     unix.Msghdr
	iovs    []unix.Iovec
	rawName unix.RawSockaddrAny
}

// Status returns the request's terminal result: bytes sent, or -errno.
func (req *SendReq) Status() int32 {
	return req.status
}

// QueueSend enqueues req. Nothing reaches the kernel until the next Sendmsg
// pump.
func (h *Handle) QueueSend(req *SendReq) error {
	if h.flags&handleClosing != 0 {
		return ErrHandleClosed
	}
	h.writeQueue.Add(req)
	return nil
}

// Sendmsg drains the write queue into sendmsg SQEs. Requests move to the
// pending queue; submission itself happens at the next poll tick, or sooner
// if the SQ fills.
func (h *Handle) Sendmsg() {
	if h.flags&handleClosing != 0 {
		return
	}

	ring := h.loop.Ring()
	for h.writeQueue.Length() > 0 {
		req := h.writeQueue.Peek().(*SendReq)

		req.hdr = unix.Msghdr{}
		family, nameLen := encodeSockaddr(&req.rawName, req.Addr, req.UnixPath)
		if family != unix.AF_UNSPEC {
			req.hdr.Name = (*byte)(unsafe.Pointer(&req.rawName))
			req.hdr.Namelen = nameLen
		}

		req.iovs = req.iovs[:0]
		for _, b := range req.Bufs {
			if len(b) > 0 {
				iov := unix.Iovec{Base: &b[0]}
				iov.SetLen(len(b))
				req.iovs = append(req.iovs, iov)
			}
		}
		if len(req.iovs) > 0 {
			req.hdr.Iov = &req.iovs[0]
			req.hdr.SetIovlen(len(req.iovs))
		}

		sqe := ring.GetSQE()
		uring.PrepSendmsg(sqe, h.fd, &req.hdr, 0)
		req.token = h.loop.RegisterSendCompletion(func(status int32) {
			h.sendmsgDone(req, status)
		})
		sqe.UserData = req.token
		if int(ring.SQReady()) > ring.SyncLimit() {
			sqe.Flags |= uring.SQEAsync
		}

		h.writeQueue.Remove()
		h.writePendingQueue.Add(req)
	}
}

// sendmsgDone runs on the loop goroutine when the send CQE arrives.
func (h *Handle) sendmsgDone(req *SendReq, status int32) {
	if status == -int32(unix.EAGAIN) ||
		status == -int32(unix.EWOULDBLOCK) ||
		status == -int32(unix.ENOBUFS) {
		// The kernel socket queue is momentarily full, retry at a later pump
		removeReq(h.writePendingQueue, req)
		h.writeQueue.Add(req)
		return
	}

	req.status = status

	// Sending a datagram is an atomic operation: either all data is written
	// or nothing is (and EMSGSIZE is raised). That is why there is no
	// partial write handling here.
	removeReq(h.writePendingQueue, req)
	h.writeCompletedQueue.Add(req)
	h.loop.Feed(&h.w)
}

// runCompletedSends fires the terminal callbacks of finished requests.
func (h *Handle) runCompletedSends() {
	for h.writeCompletedQueue.Length() > 0 {
		req := h.writeCompletedQueue.Remove().(*SendReq)
		var err error
		if req.status < 0 {
			err = syscall.Errno(-req.status)
		}
		if req.Cb != nil {
			req.Cb(req, err)
		}
	}
}
