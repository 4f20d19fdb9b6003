//go:build linux

package uring

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	opNop        = 0
	opPollAdd    = 6
	opPollRemove = 7
	opSendmsg    = 9
	opRecvmsg    = 10

	// IOSQE_ASYNC, kernel-side worker thread execution instead of inline.
	SQEAsync = 1 << 4

	enterGetevents = 1 << 0
	enterExtArg    = 1 << 3

	setupClamp       = 1 << 4
	setupCoopTaskrun = 1 << 8 // Kernel 5.19+: reduce thread creation

	registerIowqMaxWorkers = 19

	featSingleMmap = 1 << 0

	offSqRing = 0
	offCqRing = 0x8000000
	offSqes   = 0x10000000

	sqeSize = 64 // struct io_uring_sqe size defined by kernel ABI
	cqeSize = 16

	// UserDataTimeout is liburing's internal timeout sentinel. The kernels we
	// target use IORING_ENTER_EXT_ARG instead, but a CQE carrying it must
	// still be skipped by consumers.
	UserDataTimeout = ^uint64(0)

	// DefaultEntries is the submission queue depth requested at init.
	DefaultEntries = 4096

	// DefaultSyncLimit is the ready-to-submit count above which newly
	// prepared SQEs are flagged for kernel worker offload.
	DefaultSyncLimit = 40
)

type sqringOffsets struct {
	Head        uint32
	Tail        uint32
	RingMask    uint32
	RingEntries uint32
	Flags       uint32
	Dropped     uint32
	Array       uint32
	Resv1       uint32
	Resv2       uint64
}

type cqringOffsets struct {
	Head        uint32
	Tail        uint32
	RingMask    uint32
	RingEntries uint32
	Overflow    uint32
	Cqes        uint32
	Resv        [2]uint32
}

type params struct {
	SqEntries    uint32
	CqEntries    uint32
	Flags        uint32
	SqThreadCPU  uint32
	SqThreadIdle uint32
	Features     uint32
	WqFd         uint32
	Resv         [3]uint32
	SqOff        sqringOffsets
	CqOff        cqringOffsets
}

// SQE mirrors struct io_uring_sqe. Callers fill it through the Prep helpers
// and may additionally set Flags and UserData before the next Submit.
type SQE struct {
	Opcode      uint8
	Flags       uint8
	Ioprio      uint16
	Fd          int32
	Off         uint64
	Addr        uint64
	Len         uint32
	MsgFlags    uint32
	UserData    uint64
	BufIndex    uint16
	Personality uint16
	SpliceFdIn  int32
	SpliceOffIn uint64
	Addr2       uint64
}

// CQE mirrors struct io_uring_cqe. Res is bytes transferred or -errno.
type CQE struct {
	UserData uint64
	Res      int32
	Flags    uint32
}

type kernelTimespec struct {
	Sec  int64
	Nsec int64
}

// geteventsArg mirrors struct io_uring_getevents_arg for IORING_ENTER_EXT_ARG.
type geteventsArg struct {
	Sigmask   uint64
	SigmaskSz uint32
	Pad       uint32
	TS        uint64
}

func init() {
	if sz := unsafe.Sizeof(SQE{}); sz != sqeSize {
		panic(fmt.Sprintf("io_uring SQE size mismatch: expected %d, got %d", sqeSize, sz))
	}
	if sz := unsafe.Sizeof(CQE{}); sz != cqeSize {
		panic(fmt.Sprintf("io_uring CQE size mismatch: expected %d, got %d", cqeSize, sz))
	}
}

// Ring owns the kernel ring handle and its tuning knob. It is single
// threaded: the loop that created it is the only producer and consumer.
type Ring struct {
	fd      int
	l       *logrus.Logger
	sqRing  []byte
	cqRing  []byte
	sqesMap []byte
	sqes    []SQE
	cqes    []CQE

	sqHead        *uint32
	sqTail        *uint32
	sqRingMask    *uint32
	sqRingEntries *uint32
	sqArray       []uint32

	cqHead        *uint32
	cqTail        *uint32
	cqRingMask    *uint32
	cqRingEntries *uint32

	sqEntryCount uint32
	cqEntryCount uint32

	syncLimit int
}

func alignUint32(v, alignment uint32) uint32 {
	if alignment == 0 {
		return v
	}
	mod := v % alignment
	if mod == 0 {
		return v
	}
	return v + alignment - mod
}

// NewRing initializes a kernel ring with the given SQ depth. entries of 0
// selects DefaultEntries, syncLimit of 0 selects DefaultSyncLimit. The
// allocation shrinks on ENOMEM rather than failing outright.
func NewRing(l *logrus.Logger, entries uint32, syncLimit int) (*Ring, error) {
	const minEntries = 8

	if entries == 0 {
		entries = DefaultEntries
	}
	if entries < minEntries {
		entries = minEntries
	}
	if syncLimit <= 0 {
		syncLimit = DefaultSyncLimit
	}

	tries := entries
	var p params

	// Try flag combinations in order (5.19+ -> baseline)
	flagSets := []uint32{
		setupClamp | setupCoopTaskrun,
		setupClamp,
	}
	flagSetIdx := 0

	for {
		p = params{Flags: flagSets[flagSetIdx]}
		fd, _, errno := unix.Syscall(unix.SYS_IO_URING_SETUP, uintptr(tries), uintptr(unsafe.Pointer(&p)), 0)
		if errno != 0 {
			// EINVAL means the kernel doesn't support these flags, try the next set
			if errno == unix.EINVAL && flagSetIdx < len(flagSets)-1 {
				flagSetIdx++
				continue
			}
			if errno == unix.ENOMEM && tries > minEntries {
				tries /= 2
				if tries < minEntries {
					tries = minEntries
				}
				continue
			}
			return nil, errno
		}

		r := &Ring{
			fd:           int(fd),
			l:            l,
			sqEntryCount: p.SqEntries,
			cqEntryCount: p.CqEntries,
			syncLimit:    syncLimit,
		}

		if err := r.mapRings(&p); err != nil {
			r.Close()
			if errors.Is(err, unix.ENOMEM) && tries > minEntries {
				tries /= 2
				if tries < minEntries {
					tries = minEntries
				}
				continue
			}
			return nil, err
		}

		// Limit kernel worker threads to prevent thousands being spawned
		// [0] = bounded workers, [1] = unbounded workers
		maxWorkers := [2]uint32{4, 4}
		_, _, errno = unix.Syscall6(
			unix.SYS_IO_URING_REGISTER,
			uintptr(fd),
			uintptr(registerIowqMaxWorkers),
			uintptr(unsafe.Pointer(&maxWorkers[0])),
			2,
			0, 0,
		)
		// Ignore errors - older kernels don't support this

		l.WithFields(logrus.Fields{
			"sqEntries": r.sqEntryCount,
			"cqEntries": r.cqEntryCount,
			"syncLimit": syncLimit,
		}).Debug("io_uring created")

		return r, nil
	}
}

func (r *Ring) mapRings(p *params) error {
	pageSize := uint32(unix.Getpagesize())

	sqRingSize := alignUint32(p.SqOff.Array+p.SqEntries*4, pageSize)
	cqRingSize := alignUint32(p.CqOff.Cqes+p.CqEntries*cqeSize, pageSize)

	if p.Features&featSingleMmap != 0 {
		if sqRingSize > cqRingSize {
			cqRingSize = sqRingSize
		} else {
			sqRingSize = cqRingSize
		}
	}

	sqRing, err := unix.Mmap(r.fd, offSqRing, int(sqRingSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return err
	}
	r.sqRing = sqRing

	if p.Features&featSingleMmap != 0 {
		r.cqRing = sqRing
	} else {
		cqRing, err := unix.Mmap(r.fd, offCqRing, int(cqRingSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
		if err != nil {
			return err
		}
		r.cqRing = cqRing
	}

	sqesSize := alignUint32(p.SqEntries*sqeSize, pageSize)
	sqesMap, err := unix.Mmap(r.fd, offSqes, int(sqesSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return err
	}
	r.sqesMap = sqesMap

	r.sqHead = (*uint32)(unsafe.Pointer(&r.sqRing[p.SqOff.Head]))
	r.sqTail = (*uint32)(unsafe.Pointer(&r.sqRing[p.SqOff.Tail]))
	r.sqRingMask = (*uint32)(unsafe.Pointer(&r.sqRing[p.SqOff.RingMask]))
	r.sqRingEntries = (*uint32)(unsafe.Pointer(&r.sqRing[p.SqOff.RingEntries]))
	arrayBase := unsafe.Pointer(&r.sqRing[p.SqOff.Array])
	r.sqArray = unsafe.Slice((*uint32)(arrayBase), int(p.SqEntries))

	r.sqes = unsafe.Slice((*SQE)(unsafe.Pointer(&sqesMap[0])), int(p.SqEntries))

	r.cqHead = (*uint32)(unsafe.Pointer(&r.cqRing[p.CqOff.Head]))
	r.cqTail = (*uint32)(unsafe.Pointer(&r.cqRing[p.CqOff.Tail]))
	r.cqRingMask = (*uint32)(unsafe.Pointer(&r.cqRing[p.CqOff.RingMask]))
	r.cqRingEntries = (*uint32)(unsafe.Pointer(&r.cqRing[p.CqOff.RingEntries]))
	cqesBase := unsafe.Pointer(&r.cqRing[p.CqOff.Cqes])
	r.cqes = unsafe.Slice((*CQE)(cqesBase), int(p.CqEntries))

	return nil
}

// SyncLimit is the async-offload threshold configured at init.
func (r *Ring) SyncLimit() int {
	return r.syncLimit
}

// Fd returns the ring file descriptor.
func (r *Ring) Fd() int {
	return r.fd
}

// Close unmaps the rings and closes the ring fd. No operation may be in
// flight when it is called.
func (r *Ring) Close() error {
	if r == nil {
		return nil
	}

	var err error
	if r.sqesMap != nil {
		if e := unix.Munmap(r.sqesMap); e != nil && err == nil {
			err = e
		}
		r.sqesMap = nil
	}
	sameMapping := r.cqRing != nil && r.sqRing != nil && &r.cqRing[0] == &r.sqRing[0]
	if r.sqRing != nil {
		if e := unix.Munmap(r.sqRing); e != nil && err == nil {
			err = e
		}
		r.sqRing = nil
	}
	if r.cqRing != nil && !sameMapping {
		if e := unix.Munmap(r.cqRing); e != nil && err == nil {
			err = e
		}
	}
	r.cqRing = nil
	if r.fd >= 0 {
		if e := unix.Close(r.fd); e != nil && err == nil {
			err = e
		}
		r.fd = -1
	}
	return err
}
