package sniff

import (
	"fmt"
	"net"
	"strings"

	"github.com/ushineko/sniffd/internal/httpreq"
	"github.com/ushineko/sniffd/internal/tlshello"
)

// Kind tags the variant held by a Result.
type Kind int

const (
	KindNone Kind = iota
	KindHTTP
	KindTLS
)

func (k Kind) String() string {
	switch k {
	case KindHTTP:
		return "http"
	case KindTLS:
		return "tls"
	default:
		return "none"
	}
}

// Result is the metadata sniffed from the head of a connection. Exactly one
// of Request and Hello is set, according to Kind.
type Result struct {
	Kind    Kind
	Request *httpreq.Request
	Hello   *tlshello.ClientHello
}

// Host returns the requested host name: the Host header without its port
// for HTTP, the SNI server name for TLS. Names are lowercased.
func (r *Result) Host() string {
	switch r.Kind {
	case KindHTTP:
		host := r.Request.Host()
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		return strings.ToLower(host)
	case KindTLS:
		return strings.ToLower(r.Hello.ServerName)
	default:
		return ""
	}
}

// Path returns the request path for HTTP, "" otherwise.
func (r *Result) Path() string {
	if r.Kind != KindHTTP {
		return ""
	}
	return r.Request.Path()
}

func (r *Result) String() string {
	switch r.Kind {
	case KindHTTP:
		return fmt.Sprintf("http %s %s host=%q", r.Request.Method, r.Request.URI, r.Host())
	case KindTLS:
		return fmt.Sprintf("tls sni=%q", r.Hello.ServerName)
	default:
		return "none"
	}
}
