//go:build !linux

package route

import (
	"fmt"
	"net"
	"runtime"
)

func originalDst(_ net.Conn) (*net.TCPAddr, error) {
	return nil, fmt.Errorf("origdst: SO_ORIGINAL_DST not supported on %s", runtime.GOOS)
}
