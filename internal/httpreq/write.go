package httpreq

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// WriteTo serializes the request head to w: request line with the URI
// re-encoded, headers in first-set order, and the blank-line terminator.
//
// Content-Length is always written from ContentLength: its value replaces
// the header in place, it is appended when missing, and any such header is
// dropped when ContentLength is NoContentLength.
func (r *Request) WriteTo(w io.Writer) (int64, error) {
	b, err := r.Bytes()
	if err != nil {
		return 0, err
	}
	n, err := w.Write(b)
	return int64(n), err
}

// Bytes returns the serialized request head.
func (r *Request) Bytes() ([]byte, error) {
	if r.Method == "" || r.URI == "" || r.Version == "" {
		return nil, ErrIncomplete
	}
	if !r.Method.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMethod, r.Method)
	}
	if !r.Version.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedVersion, r.Version)
	}

	var buf bytes.Buffer
	buf.WriteString(string(r.Method))
	buf.WriteByte(' ')
	buf.WriteString(escapeURI(r.URI))
	buf.WriteByte(' ')
	buf.WriteString(string(r.Version))
	buf.WriteString("\r\n")

	wroteLength := false
	for _, k := range r.Header.keys {
		v := r.Header.values[k]
		if strings.EqualFold(k, "Content-Length") {
			if r.ContentLength < 0 || wroteLength {
				continue
			}
			v = strconv.FormatInt(r.ContentLength, 10)
			wroteLength = true
		}
		if err := writeHeader(&buf, k, v); err != nil {
			return nil, err
		}
	}
	if r.ContentLength >= 0 && !wroteLength {
		_ = writeHeader(&buf, "Content-Length", strconv.FormatInt(r.ContentLength, 10))
	}

	buf.WriteString("\r\n")
	return buf.Bytes(), nil
}

func writeHeader(buf *bytes.Buffer, key, value string) error {
	// Keys follow ParseHeaderLine: a lone colon is allowed, ": " is not.
	if key == "" || value == "" || strings.Contains(key, ": ") || strings.ContainsAny(key, "\r\n") || strings.ContainsAny(value, "\r\n") {
		return fmt.Errorf("%w: %q", ErrMalformedHeader, key)
	}
	buf.WriteString(key)
	buf.WriteString(": ")
	buf.WriteString(value)
	buf.WriteString("\r\n")
	return nil
}
