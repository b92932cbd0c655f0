//go:build unix

package listen

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// listenBacklog builds the socket by hand because net.Listen always uses the
// system maximum backlog.
func listenBacklog(addr string, backlog int) (net.Listener, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, err
	}

	fd, sa, err := socketFor(tcpAddr)
	if err != nil {
		return nil, err
	}
	closeFD := true
	defer func() {
		if closeFD {
			_ = unix.Close(fd) //nolint:errcheck // best-effort close
		}
	}()

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return nil, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		return nil, fmt.Errorf("bind: %w", err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}

	// FileListener dups the descriptor, so ours is closed either way.
	f := os.NewFile(uintptr(fd), "sniffd-listener")
	closeFD = false
	defer f.Close() //nolint:errcheck // dup keeps the socket open
	return net.FileListener(f)
}

// socketFor opens a stream socket for a. An unspecified address binds the
// dual-stack IPv6 wildcard, falling back to IPv4 when IPv6 is unavailable.
func socketFor(a *net.TCPAddr) (int, unix.Sockaddr, error) {
	if ip4 := a.IP.To4(); ip4 != nil {
		fd, err := newSocket(unix.AF_INET)
		if err != nil {
			return -1, nil, err
		}
		sa := &unix.SockaddrInet4{Port: a.Port}
		copy(sa.Addr[:], ip4)
		return fd, sa, nil
	}

	fd, err := newSocket(unix.AF_INET6)
	if err != nil {
		if a.IP != nil {
			return -1, nil, err
		}
		fd, err = newSocket(unix.AF_INET)
		if err != nil {
			return -1, nil, err
		}
		return fd, &unix.SockaddrInet4{Port: a.Port}, nil
	}
	if a.IP == nil {
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0)
	}
	sa := &unix.SockaddrInet6{Port: a.Port}
	copy(sa.Addr[:], a.IP.To16())
	return fd, sa, nil
}

func newSocket(family int) (int, error) {
	fd, err := unix.Socket(family, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	unix.CloseOnExec(fd)
	return fd, nil
}
