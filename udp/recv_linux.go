//go:build linux

package udp

import (
	"net/netip"
	"unsafe"

	"github.com/sliced/evloop/uring"
	"golang.org/x/sys/unix"
)

// StartRecv begins receiving datagrams. alloc may be nil to use the default
// size-classed allocator; cb is required. The engine keeps exactly one
// receive in flight until StopRecv or Close.
func (h *Handle) StartRecv(alloc AllocFunc, cb RecvFunc) error {
	if h.flags&handleClosing != 0 {
		return ErrHandleClosed
	}
	if cb == nil {
		return ErrMissingRecvCallback
	}
	if alloc == nil {
		alloc = defaultAlloc
	}
	h.alloc = alloc
	h.recvCb = cb

	if h.recvToken == 0 {
		h.recvToken = h.loop.RegisterRecvCompletion(h.recvmsgDone)
	}

	h.loop.IOStart(&h.w, uint32(unix.POLLIN))
	h.Recvmsg()
	return nil
}

// StopRecv withdraws read interest. An in-flight receive still delivers, but
// the engine will not rearm afterwards.
func (h *Handle) StopRecv() {
	h.loop.IOStop(&h.w, uint32(unix.POLLIN))
}

// Recvmsg queues a recvmsg SQE unless one is already outstanding. No
// submission happens here; the next poll tick batches it.
func (h *Handle) Recvmsg() {
	if h.flags&handleReadPending != 0 {
		return
	}
	if h.recvCb == nil || h.alloc == nil {
		panic("Recvmsg: receive not started")
	}

	buf := h.alloc(DatagramMaxSize)
	if len(buf) == 0 {
		h.recvmsgDone(-int32(unix.ENOBUFS))
		return
	}
	h.recvBuf = buf

	h.peer = unix.RawSockaddrInet6{}
	h.iov.Base = &buf[0]
	h.iov.SetLen(len(buf))
	h.hdr = unix.Msghdr{
		Name:    (*byte)(unsafe.Pointer(&h.peer)),
		Namelen: unix.SizeofSockaddrInet6,
		Iov:     &h.iov,
	}
	h.hdr.SetIovlen(1)

	h.flags |= handleReadPending

	ring := h.loop.Ring()
	sqe := ring.GetSQE()
	uring.PrepRecvmsg(sqe, h.fd, &h.hdr, 0)
	sqe.UserData = h.recvToken
	if int(ring.SQReady()) > ring.SyncLimit() {
		sqe.Flags |= uring.SQEAsync
	}
}

// recvmsgDone runs on the loop goroutine when the receive CQE arrives.
func (h *Handle) recvmsgDone(status int32) {
	if h.flags&handleClosing != 0 {
		return
	}

	if status == -int32(unix.EBADF) {
		// the fd was closed under the in-flight op
		status = -int32(unix.ECANCELED)
	}

	h.flags &^= handleReadPending

	buf := h.recvBuf
	h.recvBuf = nil

	if status < 0 {
		errno := unix.Errno(-status)
		if errno == unix.EAGAIN || errno == unix.EWOULDBLOCK {
			// benign wake, nothing was ready after all
			h.recvCb(h, 0, buf, netip.AddrPort{}, 0, nil)
			if h.loop.IOActive(&h.w, uint32(unix.POLLIN)) && h.flags&handleClosing == 0 {
				h.Recvmsg()
			}
		} else {
			h.recvCb(h, 0, buf, netip.AddrPort{}, 0, errno)
		}
		return
	}

	var flags RecvFlags
	if h.hdr.Flags&unix.MSG_TRUNC != 0 {
		flags |= RecvPartial
	}

	h.recvCb(h, int(status), buf, decodeSockaddr(&h.peer), flags, nil)
	if h.loop.IOActive(&h.w, uint32(unix.POLLIN)) && h.flags&handleClosing == 0 {
		h.Recvmsg()
	}
}
