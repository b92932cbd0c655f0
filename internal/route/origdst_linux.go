//go:build linux

package route

import (
	"encoding/binary"
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// ip6tSOOriginalDst is IP6T_SO_ORIGINAL_DST from linux/netfilter_ipv6/ip6_tables.h,
// which x/sys/unix does not export.
const ip6tSOOriginalDst = 80

// originalDst recovers the destination a connection had before an iptables
// REDIRECT rewrote it, via SO_ORIGINAL_DST (IPv4) or IP6T_SO_ORIGINAL_DST.
func originalDst(conn net.Conn) (*net.TCPAddr, error) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return nil, fmt.Errorf("origdst: not a TCP connection")
	}
	raw, err := tc.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("origdst: syscall conn: %w", err)
	}

	v6 := false
	if la, ok := tc.LocalAddr().(*net.TCPAddr); ok && la.IP.To4() == nil {
		v6 = true
	}

	var addr *net.TCPAddr
	var sysErr error
	err = raw.Control(func(fd uintptr) {
		if v6 {
			info, err := unix.GetsockoptIPv6MTUInfo(int(fd), unix.IPPROTO_IPV6, ip6tSOOriginalDst)
			if err != nil {
				sysErr = fmt.Errorf("origdst: getsockopt IP6T_SO_ORIGINAL_DST: %w", err)
				return
			}
			ip := make(net.IP, net.IPv6len)
			copy(ip, info.Addr.Addr[:])
			addr = &net.TCPAddr{IP: ip, Port: int(ntohs(info.Addr.Port))}
			return
		}
		// The sockaddr_in comes back in the 16 bytes of an ipv6_mreq.
		mreq, err := unix.GetsockoptIPv6Mreq(int(fd), unix.IPPROTO_IP, unix.SO_ORIGINAL_DST)
		if err != nil {
			sysErr = fmt.Errorf("origdst: getsockopt SO_ORIGINAL_DST: %w", err)
			return
		}
		b := mreq.Multiaddr
		addr = &net.TCPAddr{
			IP:   net.IPv4(b[4], b[5], b[6], b[7]),
			Port: int(binary.BigEndian.Uint16(b[2:4])),
		}
	})
	if err != nil {
		return nil, fmt.Errorf("origdst: control: %w", err)
	}
	if sysErr != nil {
		return nil, sysErr
	}
	return addr, nil
}

// ntohs converts a port read as a native uint16 from network byte order.
func ntohs(port uint16) uint16 {
	var b [2]byte
	binary.NativeEndian.PutUint16(b[:], port)
	return binary.BigEndian.Uint16(b[:])
}
