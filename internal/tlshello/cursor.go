package tlshello

import (
	"encoding/binary"
	"fmt"
)

// cursor consumes big-endian fields from an in-memory record.
type cursor struct {
	b []byte
}

func (c *cursor) len() int { return len(c.b) }

func (c *cursor) rest() []byte {
	out := make([]byte, len(c.b))
	copy(out, c.b)
	c.b = nil
	return out
}

func (c *cursor) bytes(n int, field string) ([]byte, error) {
	if len(c.b) < n {
		return nil, fmt.Errorf("%w: %s needs %d bytes, %d left", ErrTruncatedRecord, field, n, len(c.b))
	}
	out := c.b[:n:n]
	c.b = c.b[n:]
	return out, nil
}

func (c *cursor) u8(field string) (uint8, error) {
	b, err := c.bytes(1, field)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (c *cursor) u16(field string) (uint16, error) {
	b, err := c.bytes(2, field)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (c *cursor) u24(field string) (uint32, error) {
	b, err := c.bytes(3, field)
	if err != nil {
		return 0, err
	}
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2]), nil
}
