//go:build !unix

package listen

import (
	"context"
	"net"
)

// listenBacklog ignores backlog; only unix builds can set it.
func listenBacklog(addr string, _ int) (net.Listener, error) {
	return (&net.ListenConfig{}).Listen(context.Background(), "tcp", addr)
}
