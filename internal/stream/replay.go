package stream

import (
	"bytes"
	"io"
)

// ReplayBuffer is a FIFO byte queue. It never reports EOF: an empty buffer
// is just empty, and the owner decides what that means.
type ReplayBuffer struct {
	buf bytes.Buffer
}

// NewReplayBuffer returns a ReplayBuffer holding a copy of init.
func NewReplayBuffer(init []byte) *ReplayBuffer {
	b := &ReplayBuffer{}
	b.buf.Write(init)
	return b
}

// Write appends p. It never fails.
func (b *ReplayBuffer) Write(p []byte) (int, error) {
	return b.buf.Write(p)
}

// WriteString appends s.
func (b *ReplayBuffer) WriteString(s string) (int, error) {
	return b.buf.WriteString(s)
}

// Take moves up to len(p) queued bytes into p and returns the count.
// It returns 0 when the buffer is empty.
func (b *ReplayBuffer) Take(p []byte) int {
	n, _ := b.buf.Read(p) //nolint:errcheck // only io.EOF, reported as 0
	return n
}

// Len returns the number of queued bytes.
func (b *ReplayBuffer) Len() int {
	return b.buf.Len()
}

// Bytes returns the queued bytes without consuming them. The slice is
// valid until the next buffer modification.
func (b *ReplayBuffer) Bytes() []byte {
	return b.buf.Bytes()
}

// TeeReader returns every byte read from src and also appends it to a
// ReplayBuffer.
type TeeReader struct {
	src    io.Reader
	replay *ReplayBuffer
}

// NewTeeReader captures everything read from src into replay.
func NewTeeReader(src io.Reader, replay *ReplayBuffer) *TeeReader {
	return &TeeReader{src: src, replay: replay}
}

// Read reads from the source and records exactly the returned bytes.
func (t *TeeReader) Read(p []byte) (int, error) {
	n, err := t.src.Read(p)
	if n > 0 && t.replay != nil {
		_, _ = t.replay.Write(p[:n])
	}
	return n, err
}

// Stop detaches the replay buffer. Later reads pass straight through.
func (t *TeeReader) Stop() {
	t.replay = nil
}
