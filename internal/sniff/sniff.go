/*
Package sniff inspects the first bytes of a client connection, an HTTP
request head or a TLS ClientHello, and hands back a Conn that delivers
every byte the client sent, in order, to whoever reads it next.

In plain mode everything read while parsing is captured by a tee and
replayed verbatim. In rewrite mode each HTTP request head is re-serialized
through a RewriteFunc and bodies are streamed through unparsed.
*/
package sniff

import (
	"fmt"
	"net"

	"github.com/ushineko/sniffd/internal/httpreq"
	"github.com/ushineko/sniffd/internal/stream"
	"github.com/ushineko/sniffd/internal/tlshello"
)

// DefaultBodyChunk is the size of the body slices relayed in rewrite mode.
const DefaultBodyChunk = 512

// Protocol selects the parser used to sniff a connection.
type Protocol string

const (
	ProtocolHTTP Protocol = "http"
	ProtocolTLS  Protocol = "tls"
	// ProtocolAuto picks TLS when the first byte is a handshake record type.
	ProtocolAuto Protocol = "auto"
)

// ParseProtocol validates a protocol name. The empty string means auto.
func ParseProtocol(s string) (Protocol, error) {
	switch p := Protocol(s); p {
	case ProtocolHTTP, ProtocolTLS, ProtocolAuto:
		return p, nil
	case "":
		return ProtocolAuto, nil
	default:
		return "", fmt.Errorf("unknown protocol %q (want http, tls, or auto)", s)
	}
}

// Options configures Sniff.
type Options struct {
	Protocol Protocol
	// Rewrite, when set, rewrites every HTTP request head on the connection.
	// It has no effect on TLS connections.
	Rewrite httpreq.RewriteFunc
	// ChunkSize is the read size used while parsing (default 1024).
	ChunkSize int
	// BodyChunk is the body slice size in rewrite mode (default 512).
	BodyChunk int
}

// Sniff parses the head of c and returns a Conn ready to be piped to a
// backend. On error nothing has been forwarded and the caller should close c.
func Sniff(c net.Conn, opts Options) (*Conn, error) {
	replay := stream.NewReplayBuffer(nil)
	tee := stream.NewTeeReader(c, replay)
	r := stream.NewReader(tee, opts.ChunkSize)

	proto := opts.Protocol
	if proto == "" || proto == ProtocolAuto {
		first, err := r.Peek(1)
		if err != nil {
			return nil, fmt.Errorf("sniff: %w", err)
		}
		proto = ProtocolHTTP
		if first[0] == 0x16 {
			proto = ProtocolTLS
		}
	}

	switch proto {
	case ProtocolTLS:
		hello, err := tlshello.Parse(r)
		if err != nil {
			return nil, fmt.Errorf("sniff tls: %w", err)
		}
		sc := newConn(c, replay, c, nil)
		sc.Result = Result{Kind: KindTLS, Hello: hello}
		return sc, nil

	case ProtocolHTTP:
		if opts.Rewrite != nil {
			return sniffRewrite(c, tee, r, opts)
		}
		req, err := httpreq.ReadRequest(r)
		if err != nil {
			return nil, fmt.Errorf("sniff http: %w", err)
		}
		sc := newConn(c, replay, c, nil)
		sc.Result = Result{Kind: KindHTTP, Request: req}
		return sc, nil

	default:
		return nil, fmt.Errorf("sniff: unknown protocol %q", proto)
	}
}

// sniffRewrite stops capturing raw bytes: r still holds everything read so
// far, and the Conn replays rewritten heads produced from it instead.
func sniffRewrite(c net.Conn, tee *stream.TeeReader, r *stream.Reader, opts Options) (*Conn, error) {
	tee.Stop()

	req, err := httpreq.ReadRequest(r)
	if err != nil {
		return nil, fmt.Errorf("sniff http: %w", err)
	}

	rw := &rewriter{r: r, fn: opts.Rewrite, bodyChunk: opts.BodyChunk}
	if rw.bodyChunk <= 0 {
		rw.bodyChunk = DefaultBodyChunk
	}
	replay := stream.NewReplayBuffer(nil)
	if err := rw.emit(req, replay); err != nil {
		return nil, fmt.Errorf("sniff http: %w", err)
	}

	sc := newConn(c, replay, r, rw)
	sc.Result = Result{Kind: KindHTTP, Request: req}
	return sc, nil
}
