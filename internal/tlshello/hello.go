/*
Package tlshello parses the TLS ClientHello a client sends first, far enough
to learn the requested server name. Nothing past the ClientHello is ever
interpreted; the proxy relays the handshake untouched.
*/
package tlshello

import (
	"errors"
	"fmt"
	"io"
)

const (
	contentTypeHandshake = 0x16
	handshakeClientHello = 0x01

	// maxRecordLen is the largest plaintext record payload TLS allows.
	maxRecordLen = 16384
	// maxHandshakeLen bounds a ClientHello reassembled from several records.
	maxHandshakeLen = 65536
	// handshakeHeaderLen is the message type plus its 24-bit length.
	handshakeHeaderLen = 4

	extServerName = 0x0000
	extALPN       = 0x0010

	nameTypeHostName = 0x00
)

var (
	// ErrTruncatedRecord is returned when a field needs more bytes than the
	// record or the connection supplied.
	ErrTruncatedRecord = fmt.Errorf("truncated record: %w", io.ErrUnexpectedEOF)
	// ErrNotClientHello is returned when the stream does not start with a
	// handshake record carrying a ClientHello.
	ErrNotClientHello = errors.New("not a TLS ClientHello")
	// ErrMalformedRecord is returned for length fields that cannot be valid.
	ErrMalformedRecord = errors.New("malformed TLS record")
)

// Extension is one raw ClientHello extension.
type Extension struct {
	Type uint16
	Data []byte
}

// ClientHello holds every field of the first handshake record in wire order.
type ClientHello struct {
	ContentType   uint8
	RecordVersion uint16
	RecordLength  uint16

	HandshakeType    uint8
	HandshakeLength  uint32
	HandshakeVersion uint16
	Random           [32]byte

	SessionID          []byte
	CipherSuites       []uint16
	CompressionMethods []byte
	Extensions         []Extension

	// ServerName is the last host_name entry of the server_name extension,
	// or "" when the extension is absent.
	ServerName string
	// ALPN lists the protocols offered in the ALPN extension, if any.
	ALPN []string
}

// Extension returns the first extension of type typ.
func (h *ClientHello) Extension(typ uint16) (Extension, bool) {
	for _, e := range h.Extensions {
		if e.Type == typ {
			return e, true
		}
	}
	return Extension{}, false
}
