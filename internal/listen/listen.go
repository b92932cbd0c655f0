// Package listen opens the TCP listeners sniffd accepts on.
package listen

import (
	"context"
	"fmt"
	"net"
	"time"
)

// DefaultKeepAlive is applied to every accepted connection.
var DefaultKeepAlive = net.KeepAliveConfig{
	Enable:   true,
	Idle:     30 * time.Second,
	Interval: 15 * time.Second,
	Count:    9,
}

// Listen opens a TCP listener on addr with SO_REUSEADDR and the given accept
// backlog. A backlog of 0 leaves the choice to the operating system.
func Listen(addr string, backlog int) (net.Listener, error) {
	var (
		ln  net.Listener
		err error
	)
	if backlog > 0 {
		ln, err = listenBacklog(addr, backlog)
	} else {
		ln, err = (&net.ListenConfig{}).Listen(context.Background(), "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return &KeepAliveListener{Listener: ln, KeepAliveConfig: DefaultKeepAlive}, nil
}

// KeepAliveListener applies KeepAliveConfig to accepted TCP connections.
type KeepAliveListener struct {
	net.Listener
	net.KeepAliveConfig
}

// Accept accepts the next connection and applies KeepAliveConfig if the
// connection is a *net.TCPConn.
func (l *KeepAliveListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetKeepAliveConfig(l.KeepAliveConfig)
	}
	return conn, nil
}
