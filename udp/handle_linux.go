//go:build linux

package udp

import (
	"fmt"
	"net"
	"net/netip"
	"syscall"

	"github.com/bytedance/gopkg/lang/mcache"
	"github.com/eapache/queue"
	"github.com/sirupsen/logrus"
	"github.com/sliced/evloop"
	"github.com/sliced/evloop/config"
	"golang.org/x/sys/unix"
)

// DatagramMaxSize is the buffer size requested from the allocator for each
// receive. Datagrams larger than this are truncated and flagged RecvPartial.
const DatagramMaxSize = 64 * 1024

// RecvFlags annotate a delivered datagram.
type RecvFlags uint32

const (
	// RecvPartial is set when the kernel truncated the datagram to fit the
	// receive buffer.
	RecvPartial RecvFlags = 1 << 0
)

// AllocFunc supplies a receive buffer of up to size bytes. Returning a nil or
// empty buffer fails the receive with ENOBUFS.
type AllocFunc func(size int) []byte

// RecvFunc is called on the loop goroutine for every completed receive.
// Ownership of buf transfers to the callback; buffers from the default
// allocator should be returned with FreeBuf.
type RecvFunc func(h *Handle, n int, buf []byte, from netip.AddrPort, flags RecvFlags, err error)

type handleFlags uint8

const (
	handleReadPending handleFlags = 1 << 0
	handleClosing     handleFlags = 1 << 1
)

// Handle is a UDP socket driven through the loop's ring. All methods must be
// called on the loop goroutine.
type Handle struct {
	l    *logrus.Logger
	loop *evloop.Loop
	fd   int

	w evloop.IOWatcher

	writeQueue          *queue.Queue
	writePendingQueue   *queue.Queue
	writeCompletedQueue *queue.Queue

	alloc  AllocFunc
	recvCb RecvFunc

	recvToken uint64
	recvBuf   []byte
	peer      unix.RawSockaddrInet6
	hdr       unix.Msghdr
	iov       unix.Iovec

	flags handleFlags
}

// NewHandle wraps an already-bound datagram socket. The fd is put into
// non-blocking mode; transient EAGAIN completions then surface as requeues
// and benign wakes instead of stalling a ring worker.
func NewHandle(l *logrus.Logger, lp *evloop.Loop, fd int) (*Handle, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("unable to set socket non-blocking: %w", err)
	}

	h := &Handle{
		l:                   l,
		loop:                lp,
		fd:                  fd,
		writeQueue:          queue.New(),
		writePendingQueue:   queue.New(),
		writeCompletedQueue: queue.New(),
	}
	h.w.Init(h.onIO, fd)
	return h, nil
}

// NewListener opens and binds a datagram socket and wraps it in a Handle.
func NewListener(l *logrus.Logger, lp *evloop.Loop, ip string, port int, multi bool) (*Handle, error) {
	lip, err := netip.ParseAddr(ip)
	if err != nil {
		return nil, fmt.Errorf("unable to parse address: %w", err)
	}

	af := unix.AF_INET6
	if lip.Is4() {
		af = unix.AF_INET
	}

	syscall.ForkLock.RLock()
	fd, err := unix.Socket(af, unix.SOCK_DGRAM, unix.IPPROTO_UDP)
	if err == nil {
		unix.CloseOnExec(fd)
	}
	syscall.ForkLock.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("unable to open socket: %w", err)
	}

	if multi {
		if err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("unable to set SO_REUSEPORT: %w", err)
		}
	}

	var sa unix.Sockaddr
	if lip.Is4() {
		sa4 := &unix.SockaddrInet4{Port: port, Addr: lip.As4()}
		sa = sa4
	} else {
		sa6 := &unix.SockaddrInet6{Port: port, Addr: lip.As16()}
		sa = sa6
	}
	if err = unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("unable to bind to socket: %w", err)
	}

	h, err := NewHandle(l, lp, fd)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	return h, nil
}

// onIO is the handle's watcher callback: fed POLLOUT when sends complete,
// armed POLLIN readiness while receiving.
func (h *Handle) onIO(lp *evloop.Loop, w *evloop.IOWatcher, events uint32) {
	if events&uint32(unix.POLLOUT) != 0 {
		h.runCompletedSends()
		h.Sendmsg()
	}
	if events&uint32(unix.POLLIN|unix.POLLERR|unix.POLLHUP) != 0 {
		h.Recvmsg()
	}
}

// Fd returns the handle's socket descriptor, -1 after Close.
func (h *Handle) Fd() int {
	return h.fd
}

// LocalAddr returns the socket's bound address.
func (h *Handle) LocalAddr() (netip.AddrPort, error) {
	sa, err := unix.Getsockname(h.fd)
	if err != nil {
		return netip.AddrPort{}, err
	}

	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port)), nil
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(sa.Addr).Unmap(), uint16(sa.Port)), nil
	}
	return netip.AddrPort{}, net.InvalidAddrError("unexpected socket address type")
}

func (h *Handle) SetRecvBuffer(n int) error {
	return unix.SetsockoptInt(h.fd, unix.SOL_SOCKET, unix.SO_RCVBUFFORCE, n)
}

func (h *Handle) SetSendBuffer(n int) error {
	return unix.SetsockoptInt(h.fd, unix.SOL_SOCKET, unix.SO_SNDBUFFORCE, n)
}

func (h *Handle) GetRecvBuffer() (int, error) {
	return unix.GetsockoptInt(h.fd, unix.SOL_SOCKET, unix.SO_RCVBUF)
}

func (h *Handle) GetSendBuffer() (int, error) {
	return unix.GetsockoptInt(h.fd, unix.SOL_SOCKET, unix.SO_SNDBUF)
}

func (h *Handle) ReloadConfig(c *config.C) {
	b := c.GetInt("listen.read_buffer", 0)
	if b > 0 {
		err := h.SetRecvBuffer(b)
		if err == nil {
			s, err := h.GetRecvBuffer()
			if err == nil {
				h.l.WithField("size", s).Info("listen.read_buffer was set")
			} else {
				h.l.WithError(err).Warn("Failed to get listen.read_buffer")
			}
		} else {
			h.l.WithError(err).Error("Failed to set listen.read_buffer")
		}
	}

	b = c.GetInt("listen.write_buffer", 0)
	if b > 0 {
		err := h.SetSendBuffer(b)
		if err == nil {
			s, err := h.GetSendBuffer()
			if err == nil {
				h.l.WithField("size", s).Info("listen.write_buffer was set")
			} else {
				h.l.WithError(err).Warn("Failed to get listen.write_buffer")
			}
		} else {
			h.l.WithError(err).Error("Failed to set listen.write_buffer")
		}
	}
}

// Close invalidates in-flight kernel state for the socket and closes it.
// Completions that race the close are discarded.
func (h *Handle) Close() error {
	if h.flags&handleClosing != 0 {
		return nil
	}
	h.flags |= handleClosing

	h.loop.InvalidateFD(h.fd)
	h.loop.IOStop(&h.w, uint32(unix.POLLIN|unix.POLLOUT))

	if h.recvToken != 0 {
		h.loop.DropCompletion(h.recvToken)
		h.recvToken = 0
	}
	for n := h.writePendingQueue.Length(); n > 0; n-- {
		req := h.writePendingQueue.Remove().(*SendReq)
		h.loop.DropCompletion(req.token)
	}

	err := unix.Close(h.fd)
	h.fd = -1
	return err
}

// FreeBuf returns a buffer obtained from the default allocator.
func FreeBuf(buf []byte) {
	mcache.Free(buf)
}

func defaultAlloc(size int) []byte {
	return mcache.Malloc(size)
}

// removeReq drops req from q, preserving the order of everything else.
func removeReq(q *queue.Queue, req *SendReq) {
	for n := q.Length(); n > 0; n-- {
		x := q.Remove().(*SendReq)
		if x != req {
			q.Add(x)
		}
	}
}
