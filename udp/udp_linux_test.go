//go:build linux

package udp

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/sliced/evloop"
	"github.com/sliced/evloop/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newTestLoop(t *testing.T) *evloop.Loop {
	t.Helper()
	lp, err := evloop.NewLoop(test.NewLogger(), nil)
	if err != nil {
		t.Skipf("io_uring unavailable: %v", err)
	}
	t.Cleanup(lp.Close)
	return lp
}

func newTestHandle(t *testing.T, lp *evloop.Loop) *Handle {
	t.Helper()
	h, err := NewListener(test.NewLogger(), lp, "127.0.0.1", 0, false)
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}

type recvResult struct {
	n     int
	buf   []byte
	from  netip.AddrPort
	flags RecvFlags
	err   error
}

func TestEcho(t *testing.T) {
	lp := newTestLoop(t)
	h := newTestHandle(t, lp)

	addr, err := h.LocalAddr()
	require.NoError(t, err)

	var results []recvResult
	require.NoError(t, h.StartRecv(nil, func(h *Handle, n int, buf []byte, from netip.AddrPort, flags RecvFlags, err error) {
		if n == 0 && err == nil {
			// benign wake
			return
		}
		results = append(results, recvResult{n, buf, from, flags, err})
	}))

	// Flush the first recvmsg submission
	lp.Tick(0)

	peer, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), addr.Port())))
	require.NoError(t, err)
	defer peer.Close()

	msg := []byte("hello, world!")
	_, err = peer.Write(msg)
	require.NoError(t, err)

	for i := 0; i < 50 && len(results) == 0; i++ {
		lp.Tick(100)
	}

	require.Len(t, results, 1)
	r := results[0]
	require.NoError(t, r.err)
	assert.Equal(t, len(msg), r.n)
	assert.Equal(t, msg, r.buf[:r.n])
	assert.Equal(t, RecvFlags(0), r.flags)
	assert.True(t, r.from.IsValid())

	// Echo it back through the send engine
	sent := 0
	req := &SendReq{
		Addr: r.from,
		Bufs: [][]byte{r.buf[:r.n]},
		Cb: func(req *SendReq, err error) {
			sent++
			assert.NoError(t, err)
			assert.Equal(t, int32(len(msg)), req.Status())
		},
	}
	require.NoError(t, h.QueueSend(req))
	h.Sendmsg()

	require.NoError(t, peer.SetReadDeadline(time.Now().Add(5*time.Second)))
	got := make([]byte, 64)
	done := make(chan int, 1)
	go func() {
		n, _ := peer.Read(got)
		done <- n
	}()

	for i := 0; i < 50 && sent == 0; i++ {
		lp.Tick(100)
	}
	assert.Equal(t, 1, sent)

	n := <-done
	assert.Equal(t, msg, got[:n])
}

func TestRecvTruncation(t *testing.T) {
	lp := newTestLoop(t)
	h := newTestHandle(t, lp)

	addr, err := h.LocalAddr()
	require.NoError(t, err)

	// An 8 byte buffer forces the kernel to truncate and flag the datagram
	small := func(size int) []byte {
		return make([]byte, 8)
	}

	var results []recvResult
	require.NoError(t, h.StartRecv(small, func(h *Handle, n int, buf []byte, from netip.AddrPort, flags RecvFlags, err error) {
		if n == 0 && err == nil {
			return
		}
		results = append(results, recvResult{n, buf, from, flags, err})
		// One delivery is enough
		h.StopRecv()
	}))
	lp.Tick(0)

	peer, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), addr.Port())))
	require.NoError(t, err)
	defer peer.Close()

	_, err = peer.Write([]byte("this datagram does not fit"))
	require.NoError(t, err)

	for i := 0; i < 50 && len(results) == 0; i++ {
		lp.Tick(100)
	}

	require.Len(t, results, 1)
	r := results[0]
	require.NoError(t, r.err)
	assert.Equal(t, 8, r.n)
	assert.NotZero(t, r.flags&RecvPartial)
}

func TestSendRequeue(t *testing.T) {
	lp := newTestLoop(t)
	h := newTestHandle(t, lp)

	calls := 0
	req := &SendReq{
		Bufs: [][]byte{[]byte("x")},
		Cb: func(req *SendReq, err error) {
			calls++
			assert.NoError(t, err)
		},
	}

	// Simulate the kernel reporting a momentarily full socket queue
	h.writePendingQueue.Add(req)
	h.sendmsgDone(req, -int32(unix.ENOBUFS))

	assert.Equal(t, 1, h.writeQueue.Length())
	assert.Equal(t, 0, h.writePendingQueue.Length())
	assert.Equal(t, 0, h.writeCompletedQueue.Length())
	assert.Equal(t, 0, calls)

	// A later attempt succeeds and completes exactly once
	h.writeQueue.Remove()
	h.writePendingQueue.Add(req)
	h.sendmsgDone(req, 1)

	assert.Equal(t, 0, h.writeQueue.Length())
	assert.Equal(t, 0, h.writePendingQueue.Length())
	assert.Equal(t, 1, h.writeCompletedQueue.Length())

	lp.RunPending()
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, h.writeCompletedQueue.Length())
	assert.Equal(t, int32(1), req.Status())
}

func TestSendTransientErrnos(t *testing.T) {
	lp := newTestLoop(t)
	h := newTestHandle(t, lp)

	for _, errno := range []unix.Errno{unix.EAGAIN, unix.EWOULDBLOCK, unix.ENOBUFS} {
		req := &SendReq{Bufs: [][]byte{[]byte("x")}}
		h.writePendingQueue.Add(req)
		h.sendmsgDone(req, -int32(errno))
		assert.Equal(t, 1, h.writeQueue.Length(), "errno %v", errno)
		h.writeQueue.Remove()
	}
	lp.RunPending()
}

func TestRecvAllocFailure(t *testing.T) {
	lp := newTestLoop(t)
	h := newTestHandle(t, lp)

	var errs []error
	calls := 0
	require.NoError(t, h.StartRecv(func(size int) []byte { return nil }, func(h *Handle, n int, buf []byte, from netip.AddrPort, flags RecvFlags, err error) {
		calls++
		errs = append(errs, err)
		assert.Equal(t, 0, n)
		assert.False(t, from.IsValid())
	}))

	require.Equal(t, 1, calls)
	assert.Equal(t, unix.ENOBUFS, errs[0])
}

func TestQueueSendAfterClose(t *testing.T) {
	lp := newTestLoop(t)
	h := newTestHandle(t, lp)

	require.NoError(t, h.Close())
	assert.Equal(t, ErrHandleClosed, h.QueueSend(&SendReq{}))
	assert.Equal(t, ErrHandleClosed, h.StartRecv(nil, func(h *Handle, n int, buf []byte, from netip.AddrPort, flags RecvFlags, err error) {}))
}

func TestReadPendingSingleFlight(t *testing.T) {
	lp := newTestLoop(t)
	h := newTestHandle(t, lp)

	allocs := 0
	require.NoError(t, h.StartRecv(func(size int) []byte {
		allocs++
		return make([]byte, size)
	}, func(h *Handle, n int, buf []byte, from netip.AddrPort, flags RecvFlags, err error) {}))

	require.Equal(t, 1, allocs)

	// Already pending, these must not queue another operation
	h.Recvmsg()
	h.Recvmsg()
	assert.Equal(t, 1, allocs)
	assert.Equal(t, uint32(1), lp.Ring().SQReady())
}
