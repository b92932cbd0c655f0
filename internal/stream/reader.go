/*
Package stream provides the byte-level building blocks used while sniffing
a connection: a delimited reader that parses a live stream without knowing
the message length up front, a FIFO replay buffer, and a tee that captures
every byte handed to a parser so it can be delivered again later.
*/
package stream

import (
	"bytes"
	"io"
)

// DefaultChunkSize is the number of bytes requested from the source per fill.
const DefaultChunkSize = 1024

// Reader buffers bytes from a source and hands them out by delimiter or
// by exact count. Bytes already searched for a delimiter are not scanned
// again until more data arrives.
type Reader struct {
	src   io.Reader
	chunk []byte

	buf       []byte // unconsumed bytes
	searchLoc int    // offset in buf already scanned, reset on consume
	err       error  // sticky source error, reported once buf is empty
}

// NewReader returns a Reader pulling chunkSize bytes per source read.
// A non-positive chunkSize uses DefaultChunkSize.
func NewReader(src io.Reader, chunkSize int) *Reader {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Reader{
		src:   src,
		chunk: make([]byte, chunkSize),
	}
}

// fill appends one chunk from the source to the buffer.
func (r *Reader) fill() error {
	if r.err != nil {
		return r.err
	}
	for {
		n, err := r.src.Read(r.chunk)
		if n > 0 {
			r.buf = append(r.buf, r.chunk[:n]...)
			// Keep the error for later; the bytes come first.
			r.err = err
			return nil
		}
		if err != nil {
			r.err = err
			return err
		}
	}
}

// consume drops the first n buffered bytes and resets the search cursor.
func (r *Reader) consume(n int) []byte {
	out := make([]byte, n)
	copy(out, r.buf[:n])
	r.buf = r.buf[n:]
	if len(r.buf) == 0 {
		r.buf = nil
	}
	r.searchLoc = 0
	return out
}

// eofError converts a clean source EOF into io.ErrUnexpectedEOF when a
// partial frame is already buffered.
func (r *Reader) eofError(err error) error {
	if err == io.EOF && len(r.buf) > 0 {
		return io.ErrUnexpectedEOF
	}
	return err
}

// ReadUntil returns all bytes up to and including delim. It fails with
// io.EOF if the source ends before any byte arrives, or with
// io.ErrUnexpectedEOF if it ends mid-frame.
func (r *Reader) ReadUntil(delim []byte) ([]byte, error) {
	for {
		if i := bytes.Index(r.buf[r.searchLoc:], delim); i >= 0 {
			return r.consume(r.searchLoc + i + len(delim)), nil
		}
		// A delimiter may straddle the next chunk boundary.
		if loc := len(r.buf) - len(delim) + 1; loc > r.searchLoc {
			r.searchLoc = loc
		}
		if err := r.fill(); err != nil {
			return nil, r.eofError(err)
		}
	}
}

// ReadLine reads through the next '\n' and returns the line without the
// trailing "\n" or "\r\n".
func (r *Reader) ReadLine() (string, error) {
	line, err := r.ReadUntil([]byte{'\n'})
	if err != nil {
		return "", err
	}
	line = line[:len(line)-1]
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return string(line), nil
}

// ReadExact returns exactly n bytes, filling from the source as needed.
func (r *Reader) ReadExact(n int) ([]byte, error) {
	for len(r.buf) < n {
		if err := r.fill(); err != nil {
			return nil, r.eofError(err)
		}
	}
	return r.consume(n), nil
}

// ReadUpTo returns at most n bytes. Buffered bytes are served first;
// with an empty buffer it performs a single source read.
func (r *Reader) ReadUpTo(n int) ([]byte, error) {
	if n <= 0 {
		return nil, nil
	}
	if len(r.buf) == 0 {
		if err := r.fill(); err != nil {
			return nil, err
		}
	}
	return r.consume(min(n, len(r.buf))), nil
}

// Peek returns the next n bytes without consuming them. The slice is valid
// until the next read.
func (r *Reader) Peek(n int) ([]byte, error) {
	for len(r.buf) < n {
		if err := r.fill(); err != nil {
			return nil, r.eofError(err)
		}
	}
	return r.buf[:n], nil
}

// Read implements io.Reader: buffered bytes first, then the source.
func (r *Reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if len(r.buf) > 0 {
		n := copy(p, r.buf)
		r.consume(n)
		return n, nil
	}
	if r.err != nil {
		return 0, r.err
	}
	return r.src.Read(p)
}

// Buffered returns the number of bytes read from the source but not yet
// handed out.
func (r *Reader) Buffered() int {
	return len(r.buf)
}
