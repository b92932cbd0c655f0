package listen

import (
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListen(t *testing.T) {
	for _, backlog := range []int{0, 1, 64} {
		ln, err := Listen("127.0.0.1:0", backlog)
		require.NoError(t, err)

		addr := ln.Addr().(*net.TCPAddr)
		assert.NotZero(t, addr.Port)

		go func() {
			c, err := net.Dial("tcp", addr.String())
			if err != nil {
				return
			}
			_, _ = c.Write([]byte("hi"))
			_ = c.Close()
		}()

		c, err := ln.Accept()
		require.NoError(t, err)
		got, err := io.ReadAll(c)
		require.NoError(t, err)
		assert.Equal(t, "hi", string(got))
		_ = c.Close()
		require.NoError(t, ln.Close())
	}
}

func TestListen_AddressInUse(t *testing.T) {
	ln, err := Listen("127.0.0.1:0", 8)
	require.NoError(t, err)
	defer ln.Close()

	_, err = Listen(ln.Addr().String(), 8)
	assert.Error(t, err)
}

func TestListen_BadAddress(t *testing.T) {
	_, err := Listen("not-an-address", 8)
	assert.Error(t, err)
}
