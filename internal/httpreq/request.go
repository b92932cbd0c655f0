/*
Package httpreq parses and serializes the head of an HTTP/1.x request.

Only the request line and header block are understood. The body is never
parsed: callers relay exactly ContentLength raw bytes after the head, so a
request can be rewritten without buffering its body.
*/
package httpreq

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMalformedLine is returned when the request line is not
	// "METHOD SP URI SP VERSION".
	ErrMalformedLine = errors.New("malformed request line")
	// ErrMalformedHeader is returned for a header line without ": ", with an
	// empty key or value, or with an unusable Content-Length.
	ErrMalformedHeader = errors.New("malformed header")
	// ErrUnsupportedMethod is returned for methods outside the supported set.
	ErrUnsupportedMethod = errors.New("unsupported method")
	// ErrUnsupportedVersion is returned for versions other than HTTP/1.0 and HTTP/1.1.
	ErrUnsupportedVersion = errors.New("unsupported version")
	// ErrIncomplete is returned when serializing a request without a
	// method, URI, or version.
	ErrIncomplete = errors.New("incomplete request")
)

// Method is a supported request method.
type Method string

// Supported methods.
const (
	MethodGet    Method = "GET"
	MethodPost   Method = "POST"
	MethodPut    Method = "PUT"
	MethodHead   Method = "HEAD"
	MethodDelete Method = "DELETE"
	MethodTrace  Method = "TRACE"
)

// Valid reports whether m is in the supported set.
func (m Method) Valid() bool {
	switch m {
	case MethodGet, MethodPost, MethodPut, MethodHead, MethodDelete, MethodTrace:
		return true
	}
	return false
}

// ParseMethod validates a method token.
func ParseMethod(s string) (Method, error) {
	if m := Method(s); m.Valid() {
		return m, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedMethod, s)
}

// Version is a supported protocol version.
type Version string

// Supported versions.
const (
	HTTP11 Version = "HTTP/1.1"
	HTTP10 Version = "HTTP/1.0"
)

// Valid reports whether v is a supported version.
func (v Version) Valid() bool {
	return v == HTTP11 || v == HTTP10
}

// ParseVersion validates a version token.
func ParseVersion(s string) (Version, error) {
	if v := Version(s); v.Valid() {
		return v, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedVersion, s)
}

// NoContentLength marks a request without a Content-Length header.
const NoContentLength int64 = -1

// Request is a parsed request head.
type Request struct {
	Method  Method
	URI     string // percent-decoded
	Version Version
	Header  Header
	// ContentLength is the body length in bytes, or NoContentLength.
	ContentLength int64
}

// NewRequest returns an empty request with no content length.
func NewRequest() *Request {
	return &Request{ContentLength: NoContentLength}
}

// Host returns the Host header value (matched case-insensitively).
func (r *Request) Host() string {
	v, _ := r.Header.GetFold("Host")
	return v
}

// Path returns the URI without its query string.
func (r *Request) Path() string {
	if i := strings.IndexByte(r.URI, '?'); i >= 0 {
		return r.URI[:i]
	}
	return r.URI
}

// Clone returns a deep copy of r.
func (r *Request) Clone() *Request {
	out := *r
	out.Header = r.Header.Clone()
	return &out
}

// RewriteFunc transforms a request head before it is forwarded. It may
// change the method, URI, and headers; the body framing is always restored
// from the original request.
type RewriteFunc func(*Request) *Request

// Rewrite applies fn to a copy of req and reasserts the original content
// length, because the raw body that follows the head is never touched.
// A nil fn, or a fn returning nil, yields an unchanged copy.
func Rewrite(req *Request, fn RewriteFunc) *Request {
	out := req.Clone()
	if fn != nil {
		if rewritten := fn(out); rewritten != nil {
			out = rewritten
		}
	}
	out.ContentLength = req.ContentLength
	return out
}
