//go:build linux

package uring

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// PrepNop prepares a no-op.
func PrepNop(sqe *SQE) {
	sqe.Opcode = opNop
	sqe.Fd = -1
}

// PrepPollAdd prepares a one-shot readiness poll for fd with the given poll
// event mask.
func PrepPollAdd(sqe *SQE, fd int, pollMask uint32) {
	sqe.Opcode = opPollAdd
	sqe.Fd = int32(fd)
	sqe.MsgFlags = pollMask
}

// PrepPollRemove prepares cancellation of an earlier poll-add identified by
// the user-data it was submitted with.
func PrepPollRemove(sqe *SQE, target uint64) {
	sqe.Opcode = opPollRemove
	sqe.Fd = -1
	sqe.Addr = target
}

// PrepSendmsg prepares a sendmsg on fd. hdr and everything it references must
// stay valid until the matching CQE is consumed.
func PrepSendmsg(sqe *SQE, fd int, hdr *unix.Msghdr, flags uint32) {
	sqe.Opcode = opSendmsg
	sqe.Fd = int32(fd)
	sqe.Addr = uint64(uintptr(unsafe.Pointer(hdr)))
	sqe.Len = 1
	sqe.MsgFlags = flags
}

// PrepRecvmsg prepares a recvmsg on fd. hdr and everything it references must
// stay valid until the matching CQE is consumed.
func PrepRecvmsg(sqe *SQE, fd int, hdr *unix.Msghdr, flags uint32) {
	sqe.Opcode = opRecvmsg
	sqe.Fd = int32(fd)
	sqe.Addr = uint64(uintptr(unsafe.Pointer(hdr)))
	sqe.Len = 1
	sqe.MsgFlags = flags
}
