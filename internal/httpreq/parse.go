package httpreq

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/ushineko/sniffd/internal/stream"
)

// maxHeaderLines bounds the header block of a single request.
const maxHeaderLines = 256

// ReadRequest reads one request head (request line through the blank
// line) from r. Body bytes, if any, stay in r.
//
// A source that ends before the first byte of the request line yields
// io.EOF; one that ends anywhere later yields io.ErrUnexpectedEOF.
func ReadRequest(r *stream.Reader) (*Request, error) {
	line, err := r.ReadLine()
	if err != nil {
		return nil, err
	}

	req := NewRequest()
	req.Method, req.URI, req.Version, err = ParseRequestLine(line)
	if err != nil {
		return nil, err
	}

	for n := 0; ; n++ {
		line, err = r.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return nil, fmt.Errorf("read header: %w", err)
		}
		if line == "" {
			break
		}
		if n == maxHeaderLines {
			return nil, fmt.Errorf("%w: more than %d header lines", ErrMalformedHeader, maxHeaderLines)
		}
		key, value, err := ParseHeaderLine(line)
		if err != nil {
			return nil, err
		}
		req.Header.Set(key, value)
	}

	req.ContentLength, err = contentLength(&req.Header)
	if err != nil {
		return nil, err
	}
	return req, nil
}

// ParseRequestLine splits "METHOD SP URI SP VERSION" and validates each part.
// The URI is returned percent-decoded.
func ParseRequestLine(line string) (Method, string, Version, error) {
	parts := strings.Split(line, " ")
	if len(parts) != 3 || parts[1] == "" {
		return "", "", "", fmt.Errorf("%w: %q", ErrMalformedLine, line)
	}

	method, err := ParseMethod(parts[0])
	if err != nil {
		return "", "", "", err
	}
	version, err := ParseVersion(parts[2])
	if err != nil {
		return "", "", "", err
	}
	return method, unescapeURI(parts[1]), version, nil
}

// ParseHeaderLine splits a header line on the first ": ".
func ParseHeaderLine(line string) (key, value string, err error) {
	key, value, found := strings.Cut(line, ": ")
	if !found || key == "" || value == "" {
		return "", "", fmt.Errorf("%w: %q", ErrMalformedHeader, line)
	}
	return key, value, nil
}

// contentLength resolves the Content-Length header, or NoContentLength.
func contentLength(h *Header) (int64, error) {
	raw, ok := h.GetFold("Content-Length")
	if !ok {
		return NoContentLength, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: Content-Length %q", ErrMalformedHeader, raw)
	}
	return n, nil
}
