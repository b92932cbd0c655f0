package tlshello

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/ushineko/sniffd/internal/stream"
)

// Parse reads one ClientHello from r. Handshake messages fragmented across
// several records are reassembled. The bytes consumed from r are exactly
// the records that carried the ClientHello.
//
// A source that ends before the first byte yields io.EOF.
func Parse(r *stream.Reader) (*ClientHello, error) {
	h := &ClientHello{}

	hdr, err := r.ReadExact(5)
	if errors.Is(err, io.EOF) {
		return nil, err
	}
	if err != nil {
		return nil, readErr(err, "record header")
	}
	h.ContentType = hdr[0]
	h.RecordVersion = binary.BigEndian.Uint16(hdr[1:3])
	h.RecordLength = binary.BigEndian.Uint16(hdr[3:5])
	if h.ContentType != contentTypeHandshake {
		return nil, fmt.Errorf("%w: content type %#02x", ErrNotClientHello, h.ContentType)
	}
	payload, err := readRecordPayload(r, h.RecordLength)
	if err != nil {
		return nil, err
	}

	// The 4-byte handshake header may itself span several records.
	if payload, err = readContinuation(r, payload, handshakeHeaderLen); err != nil {
		return nil, err
	}

	c := &cursor{b: payload}
	if h.HandshakeType, err = c.u8("handshake type"); err != nil {
		return nil, err
	}
	if h.HandshakeType != handshakeClientHello {
		return nil, fmt.Errorf("%w: handshake type %#02x", ErrNotClientHello, h.HandshakeType)
	}
	if h.HandshakeLength, err = c.u24("handshake length"); err != nil {
		return nil, err
	}
	if h.HandshakeLength > maxHandshakeLen {
		return nil, fmt.Errorf("%w: handshake length %d", ErrMalformedRecord, h.HandshakeLength)
	}

	body, err := readContinuation(r, c.rest(), int(h.HandshakeLength))
	if err != nil {
		return nil, err
	}
	body = body[:h.HandshakeLength]

	if err := h.parseBody(&cursor{b: body}); err != nil {
		return nil, err
	}
	return h, nil
}

// ParseBytes parses a ClientHello held in memory.
func ParseBytes(b []byte) (*ClientHello, error) {
	h, err := Parse(stream.NewReader(bytes.NewReader(b), 0))
	if errors.Is(err, io.EOF) {
		return nil, ErrTruncatedRecord
	}
	return h, err
}

// readContinuation appends the payloads of further handshake records to buf
// until it holds at least n bytes.
func readContinuation(r *stream.Reader, buf []byte, n int) ([]byte, error) {
	for len(buf) < n {
		next, err := r.ReadExact(5)
		if err != nil {
			return nil, readErr(err, "continuation record header")
		}
		if next[0] != contentTypeHandshake {
			return nil, fmt.Errorf("%w: continuation content type %#02x", ErrNotClientHello, next[0])
		}
		more, err := readRecordPayload(r, binary.BigEndian.Uint16(next[3:5]))
		if err != nil {
			return nil, err
		}
		buf = append(buf, more...)
	}
	return buf, nil
}

func readRecordPayload(r *stream.Reader, n uint16) ([]byte, error) {
	if n == 0 || n > maxRecordLen {
		return nil, fmt.Errorf("%w: record length %d", ErrMalformedRecord, n)
	}
	payload, err := r.ReadExact(int(n))
	if err != nil {
		return nil, readErr(err, "record payload")
	}
	return payload, nil
}

// readErr reports a stream that ended inside the ClientHello as a
// truncated record.
func readErr(err error, field string) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %s", ErrTruncatedRecord, field)
	}
	return err
}

func (h *ClientHello) parseBody(c *cursor) error {
	var err error
	if h.HandshakeVersion, err = c.u16("client version"); err != nil {
		return err
	}
	random, err := c.bytes(32, "random")
	if err != nil {
		return err
	}
	copy(h.Random[:], random)

	n8, err := c.u8("session id length")
	if err != nil {
		return err
	}
	if h.SessionID, err = c.bytes(int(n8), "session id"); err != nil {
		return err
	}

	n16, err := c.u16("cipher suites length")
	if err != nil {
		return err
	}
	if n16%2 != 0 {
		return fmt.Errorf("%w: odd cipher suites length %d", ErrMalformedRecord, n16)
	}
	suites, err := c.bytes(int(n16), "cipher suites")
	if err != nil {
		return err
	}
	h.CipherSuites = make([]uint16, 0, len(suites)/2)
	for i := 0; i < len(suites); i += 2 {
		h.CipherSuites = append(h.CipherSuites, binary.BigEndian.Uint16(suites[i:]))
	}

	if n8, err = c.u8("compression methods length"); err != nil {
		return err
	}
	if h.CompressionMethods, err = c.bytes(int(n8), "compression methods"); err != nil {
		return err
	}

	// Extensions are optional in pre-TLS 1.2 hellos.
	if c.len() == 0 {
		return nil
	}
	if n16, err = c.u16("extensions length"); err != nil {
		return err
	}
	exts, err := c.bytes(int(n16), "extensions")
	if err != nil {
		return err
	}
	return h.parseExtensions(&cursor{b: exts})
}

func (h *ClientHello) parseExtensions(c *cursor) error {
	for c.len() > 0 {
		typ, err := c.u16("extension type")
		if err != nil {
			return err
		}
		n, err := c.u16("extension length")
		if err != nil {
			return err
		}
		data, err := c.bytes(int(n), "extension data")
		if err != nil {
			return err
		}
		h.Extensions = append(h.Extensions, Extension{Type: typ, Data: data})

		switch typ {
		case extServerName:
			if err := h.parseServerName(&cursor{b: data}); err != nil {
				return err
			}
		case extALPN:
			h.ALPN = parseALPN(data)
		}
	}
	return nil
}

// parseServerName walks the server name list. Every host_name entry
// overwrites the previous one, so the last entry wins.
func (h *ClientHello) parseServerName(c *cursor) error {
	if _, err := c.u16("server name list length"); err != nil {
		return err
	}
	for c.len() > 0 {
		typ, err := c.u8("server name type")
		if err != nil {
			return err
		}
		n, err := c.u16("server name length")
		if err != nil {
			return err
		}
		name, err := c.bytes(int(n), "server name")
		if err != nil {
			return err
		}
		if typ == nameTypeHostName {
			h.ServerName = string(name)
		}
	}
	return nil
}

// parseALPN returns the protocol list, or nil if it is malformed.
func parseALPN(data []byte) []string {
	c := &cursor{b: data}
	n, err := c.u16("")
	if err != nil || int(n) != c.len() {
		return nil
	}
	var protos []string
	for c.len() > 0 {
		l, err := c.u8("")
		if err != nil {
			return nil
		}
		p, err := c.bytes(int(l), "")
		if err != nil {
			return nil
		}
		protos = append(protos, string(p))
	}
	return protos
}
