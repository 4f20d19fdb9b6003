//go:build linux

package udp

import (
	"net/netip"
	"unsafe"

	"golang.org/x/sys/unix"
)

func htons(p uint16) uint16 {
	return (p >> 8) | ((p & 0xff) << 8)
}

// encodeSockaddr writes the destination of a send request into rsa and
// returns the address family and byte length the kernel expects. A zero
// destination means the socket's connected peer is used.
func encodeSockaddr(rsa *unix.RawSockaddrAny, addr netip.AddrPort, unixPath string) (uint16, uint32) {
	*rsa = unix.RawSockaddrAny{}

	switch {
	case unixPath != "":
		sun := (*unix.RawSockaddrUnix)(unsafe.Pointer(rsa))
		sun.Family = unix.AF_UNIX
		for i := 0; i < len(unixPath) && i < len(sun.Path)-1; i++ {
			sun.Path[i] = int8(unixPath[i])
		}
		return unix.AF_UNIX, unix.SizeofSockaddrUnix

	case !addr.IsValid():
		return unix.AF_UNSPEC, 0

	case addr.Addr().Is4() || addr.Addr().Is4In6():
		sa4 := (*unix.RawSockaddrInet4)(unsafe.Pointer(rsa))
		sa4.Family = unix.AF_INET
		sa4.Port = htons(addr.Port())
		sa4.Addr = addr.Addr().Unmap().As4()
		return unix.AF_INET, unix.SizeofSockaddrInet4

	case addr.Addr().Is6():
		sa6 := (*unix.RawSockaddrInet6)(unsafe.Pointer(rsa))
		sa6.Family = unix.AF_INET6
		sa6.Port = htons(addr.Port())
		sa6.Addr = addr.Addr().As16()
		return unix.AF_INET6, unix.SizeofSockaddrInet6

	default:
		panic("unsupported address family")
	}
}

// decodeSockaddr recovers the peer address filled in by recvmsg.
func decodeSockaddr(rsa *unix.RawSockaddrInet6) netip.AddrPort {
	switch rsa.Family {
	case unix.AF_INET:
		sa4 := (*unix.RawSockaddrInet4)(unsafe.Pointer(rsa))
		return netip.AddrPortFrom(netip.AddrFrom4(sa4.Addr), htons(sa4.Port))
	case unix.AF_INET6:
		a := netip.AddrFrom16(rsa.Addr).Unmap()
		return netip.AddrPortFrom(a, htons(rsa.Port))
	}
	return netip.AddrPort{}
}
