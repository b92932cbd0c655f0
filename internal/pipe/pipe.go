// Package pipe copies bytes between the two ends of a proxied connection.
package pipe

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// ChunkSize is the read size of one copy step.
const ChunkSize = 1024

// Pipe copies one direction of a connection.
type Pipe struct {
	src io.Reader
	dst io.Writer
	n   atomic.Int64
}

// New returns a Pipe copying src into dst.
func New(src io.Reader, dst io.Writer) *Pipe {
	return &Pipe{src: src, dst: dst}
}

// Bytes returns the number of bytes written to the sink so far. It is safe
// to call while Run is in progress.
func (p *Pipe) Bytes() int64 {
	return p.n.Load()
}

// Run copies until the source reports EOF or an error, or a write fails.
// A clean EOF returns nil. When the copy ends the sink's write side is shut
// down if it supports CloseWrite, so the far peer sees EOF while the
// opposite direction keeps running.
func (p *Pipe) Run() error {
	defer closeWrite(p.dst)

	buf := make([]byte, ChunkSize)
	for {
		n, rerr := p.src.Read(buf)
		if n > 0 {
			written, err := writeFull(p.dst, buf[:n])
			p.n.Add(int64(written))
			if err != nil {
				return fmt.Errorf("write: %w", err)
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return nil
			}
			return fmt.Errorf("read: %w", rerr)
		}
	}
}

// writeFull retries short writes until b is fully sent.
func writeFull(w io.Writer, b []byte) (int, error) {
	total := 0
	for len(b) > 0 {
		n, err := w.Write(b)
		total += n
		b = b[n:]
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, io.ErrShortWrite
		}
	}
	return total, nil
}

func closeWrite(w io.Writer) {
	if cw, ok := w.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite() //nolint:errcheck // best-effort half-close
	}
}

// Duplex runs client→backend and backend→client concurrently and returns
// once both directions have ended. Neither direction is interrupted when the
// other ends; each stops only when its own read or write fails. The returned
// error is the first failure of either direction. Closing the connections is
// left to the caller.
func Duplex(client, backend net.Conn) (up, down int64, err error) {
	upPipe := New(client, backend)
	downPipe := New(backend, client)

	var g errgroup.Group
	g.Go(upPipe.Run)
	g.Go(downPipe.Run)
	err = g.Wait()

	return upPipe.Bytes(), downPipe.Bytes(), err
}
