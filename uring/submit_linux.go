//go:build linux

package uring

import (
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// SQReady returns the number of SQEs prepared but not yet consumed by the
// kernel.
func (r *Ring) SQReady() uint32 {
	return atomic.LoadUint32(r.sqTail) - atomic.LoadUint32(r.sqHead)
}

// CQReady returns the number of CQEs available for consumption.
func (r *Ring) CQReady() uint32 {
	return atomic.LoadUint32(r.cqTail) - atomic.LoadUint32(r.cqHead)
}

// GetSQE hands out the next free SQE, zeroed. If the in-memory SQ is full it
// submits the pending batch first and retries; the retry failing means the
// kernel did not drain a queue we just flushed, which is a programmer error.
func (r *Ring) GetSQE() *SQE {
	sqe := r.nextSQE()
	if sqe == nil {
		// We're full! Submit and try again
		if _, err := r.Submit(); err != nil {
			r.l.WithError(err).Error("io_uring submit on full submission queue failed")
		}
		sqe = r.nextSQE()
		if sqe == nil {
			panic("io_uring submission queue still full after submit")
		}
	}
	return sqe
}

func (r *Ring) nextSQE() *SQE {
	head := atomic.LoadUint32(r.sqHead)
	tail := atomic.LoadUint32(r.sqTail)
	if tail-head >= *r.sqRingEntries {
		return nil
	}

	idx := tail & *r.sqRingMask
	sqe := &r.sqes[idx]
	*sqe = SQE{}
	r.sqArray[idx] = idx
	atomic.StoreUint32(r.sqTail, tail+1)
	return sqe
}

// Submit flushes prepared SQEs to the kernel. With nothing pending it returns
// 0 without a syscall. EBUSY (the CQ is saturated) also reports 0 submitted;
// the caller consumes completions and tries again later.
func (r *Ring) Submit() (int, error) {
	toSubmit := r.SQReady()
	if toSubmit == 0 {
		return 0, nil
	}

	for {
		n, _, errno := unix.Syscall6(unix.SYS_IO_URING_ENTER, uintptr(r.fd), uintptr(toSubmit), 0, 0, 0, 0)
		if errno == 0 {
			return int(n), nil
		}
		if errno == unix.EINTR {
			continue
		}
		if errno == unix.EBUSY {
			return 0, nil
		}
		return 0, errno
	}
}

// WaitCQEs blocks until at least waitNr completions are available or the
// timeout expires. timeoutMS of -1 blocks indefinitely, 0 polls. sigset, when
// non-nil, is installed kernel-atomically for the duration of the wait.
// EINTR is retried transparently; EAGAIN and ETIME are returned for the
// caller's timeout handling.
func (r *Ring) WaitCQEs(waitNr uint32, timeoutMS int, sigset *unix.Sigset_t) error {
	var ts *kernelTimespec
	if timeoutMS >= 0 {
		ts = &kernelTimespec{
			Sec:  int64(timeoutMS / 1000),
			Nsec: int64(timeoutMS%1000) * 1000000,
		}
	}

	arg := geteventsArg{}
	if sigset != nil {
		arg.Sigmask = uint64(uintptr(unsafe.Pointer(&sigset.Val[0])))
		arg.SigmaskSz = 8 // _NSIG / 8
	}
	if ts != nil {
		arg.TS = uint64(uintptr(unsafe.Pointer(ts)))
	}

	for {
		_, _, errno := unix.Syscall6(
			unix.SYS_IO_URING_ENTER,
			uintptr(r.fd),
			0,
			uintptr(waitNr),
			enterGetevents|enterExtArg,
			uintptr(unsafe.Pointer(&arg)),
			unsafe.Sizeof(arg),
		)
		if errno == 0 {
			return nil
		}
		if errno == unix.EINTR {
			continue
		}
		return errno
	}
}

// CQEAt returns a copy of the i-th unconsumed CQE. The caller must have
// checked i < CQReady() and must Advance past it when done.
func (r *Ring) CQEAt(i uint32) CQE {
	head := atomic.LoadUint32(r.cqHead)
	idx := (head + i) & *r.cqRingMask
	return r.cqes[idx]
}

// Advance marks n CQEs as consumed.
func (r *Ring) Advance(n uint32) {
	if n > 0 {
		atomic.AddUint32(r.cqHead, n)
	}
}
