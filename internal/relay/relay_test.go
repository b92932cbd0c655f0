package relay

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ushineko/sniffd/internal/httpreq"
	"github.com/ushineko/sniffd/internal/route"
	"github.com/ushineko/sniffd/internal/sniff"
)

// clientHello builds a minimal TLS 1.2 ClientHello record carrying an SNI
// extension for serverName.
func clientHello(serverName string) []byte {
	name := []byte(serverName)
	var ext []byte
	ext = binary.BigEndian.AppendUint16(ext, 0x0000)
	ext = binary.BigEndian.AppendUint16(ext, uint16(len(name)+5))
	ext = binary.BigEndian.AppendUint16(ext, uint16(len(name)+3))
	ext = append(ext, 0x00)
	ext = binary.BigEndian.AppendUint16(ext, uint16(len(name)))
	ext = append(ext, name...)

	body := []byte{0x03, 0x03}
	body = append(body, make([]byte, 32)...)
	body = append(body, 0x00)                   // session id
	body = append(body, 0x00, 0x02, 0x13, 0x01) // cipher suites
	body = append(body, 0x01, 0x00)             // compression
	body = binary.BigEndian.AppendUint16(body, uint16(len(ext)))
	body = append(body, ext...)

	n := len(body)
	hs := append([]byte{0x01, byte(n >> 16), byte(n >> 8), byte(n)}, body...)
	rec := []byte{0x16, 0x03, 0x01, byte(len(hs) >> 8), byte(len(hs))}
	return append(rec, hs...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// backend accepts one connection, records everything it receives until
// EOF, answers with reply, and closes.
func backend(t *testing.T, reply string) (addr string, received <-chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	ch := make(chan string, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			close(ch)
			return
		}
		defer c.Close()
		got, _ := io.ReadAll(c)
		_, _ = c.Write([]byte(reply))
		ch <- string(got)
	}()
	return ln.Addr().String(), ch
}

type recorder struct {
	mu       sync.Mutex
	sniffed  []string
	failures []string
	closed   chan [2]int64
}

func newRecorder() *recorder {
	return &recorder{closed: make(chan [2]int64, 4)}
}

func (r *recorder) config(router Router) Config {
	return Config{
		Router: router,
		Logger: testLogger(),
		OnSniff: func(kind sniff.Kind, host string) {
			r.mu.Lock()
			r.sniffed = append(r.sniffed, kind.String()+":"+host)
			r.mu.Unlock()
		},
		OnFailure: func(stage, _ string) {
			r.mu.Lock()
			r.failures = append(r.failures, stage)
			r.mu.Unlock()
		},
		OnClose: func(_ string, up, down int64) {
			r.closed <- [2]int64{up, down}
		},
	}
}

func (r *recorder) failureList() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.failures...)
}

func serve(t *testing.T, srv *Server, ep Endpoint) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ln, ep) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		<-done
	})
	return ln.Addr().String()
}

func dialTo(addr string) RouterFunc {
	return func(ctx context.Context, _ *sniff.Conn) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", addr)
	}
}

func toForm(r *httpreq.Request) *httpreq.Request {
	if strings.HasPrefix(r.URI, "/a") {
		r.URI = "/form" + strings.TrimPrefix(r.URI, "/a")
	}
	return r
}

func roundTrip(t *testing.T, addr, request string) string {
	t.Helper()
	c, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer c.Close()
	_, err = c.Write([]byte(request))
	require.NoError(t, err)
	require.NoError(t, c.(*net.TCPConn).CloseWrite())
	resp, err := io.ReadAll(c)
	require.NoError(t, err)
	return string(resp)
}

func TestServe_RewritesHTTP(t *testing.T) {
	backendAddr, received := backend(t, "HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n")
	rec := newRecorder()
	srv := New(rec.config(dialTo(backendAddr)))
	addr := serve(t, srv, Endpoint{Name: "web", Protocol: sniff.ProtocolHTTP, Rewrite: toForm})

	resp := roundTrip(t, addr, "GET /a?x=1 HTTP/1.1\r\nHost: h\r\nContent-Length: 5\r\n\r\nhello")
	assert.Equal(t, "HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n", resp)

	head := "GET /form?x=1 HTTP/1.1\r\nHost: h\r\nContent-Length: 5\r\n\r\n"
	assert.Equal(t, head+"hello", <-received)

	counts := <-rec.closed
	assert.Equal(t, int64(len(head)+5), counts[0])
	assert.Equal(t, int64(len(resp)), counts[1])
	assert.Equal(t, []string{"http:h"}, rec.sniffed)
	assert.Empty(t, rec.failureList())
}

func TestServe_KeepAliveRewrite(t *testing.T) {
	backendAddr, received := backend(t, "ok")
	srv := New(newRecorder().config(dialTo(backendAddr)))
	addr := serve(t, srv, Endpoint{Name: "web", Protocol: sniff.ProtocolAuto, Rewrite: toForm})

	reqs := "POST /a/1 HTTP/1.1\r\nHost: h\r\nContent-Length: 3\r\n\r\nabc" +
		"GET /a/2 HTTP/1.1\r\nHost: h\r\n\r\n"
	assert.Equal(t, "ok", roundTrip(t, addr, reqs))
	assert.Equal(t,
		"POST /form/1 HTTP/1.1\r\nHost: h\r\nContent-Length: 3\r\n\r\nabc"+
			"GET /form/2 HTTP/1.1\r\nHost: h\r\n\r\n",
		<-received)
}

func TestServe_TLSPassthrough(t *testing.T) {
	backendAddr, received := backend(t, "server-bytes")
	rec := newRecorder()
	srv := New(rec.config(dialTo(backendAddr)))
	addr := serve(t, srv, Endpoint{Name: "tls", Protocol: sniff.ProtocolAuto})

	hello := clientHello("secure.example.org")
	payload := string(hello) + "application-data"
	assert.Equal(t, "server-bytes", roundTrip(t, addr, payload))
	assert.Equal(t, payload, <-received)

	counts := <-rec.closed
	assert.Equal(t, int64(len(payload)), counts[0])
	assert.Equal(t, []string{"tls:secure.example.org"}, rec.sniffed)
}

func TestServe_SniffFailure(t *testing.T) {
	rec := newRecorder()
	var routed atomic.Bool
	srv := New(rec.config(RouterFunc(func(context.Context, *sniff.Conn) (net.Conn, error) {
		routed.Store(true)
		return nil, errors.New("unreachable")
	})))
	addr := serve(t, srv, Endpoint{Name: "web", Protocol: sniff.ProtocolHTTP})

	assert.Empty(t, roundTrip(t, addr, "BREW /pot HTTP/1.1\r\n\r\n"))
	require.Eventually(t, func() bool { return len(rec.failureList()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{StageSniff}, rec.failureList())
	assert.False(t, routed.Load())
}

func TestServe_RouteFailure(t *testing.T) {
	tests := []struct {
		name   string
		router Router
		stage  string
		target error
	}{
		{
			name:   "no backend",
			router: route.New(route.Config{Logger: testLogger()}),
			stage:  StageRoute,
			target: route.ErrNoBackend,
		},
		{
			name: "nil conn",
			router: RouterFunc(func(context.Context, *sniff.Conn) (net.Conn, error) {
				return nil, nil
			}),
			stage:  StageRoute,
			target: ErrRouting,
		},
		{
			name: "dial error",
			router: RouterFunc(func(context.Context, *sniff.Conn) (net.Conn, error) {
				return nil, errors.New("connection refused")
			}),
			stage:  StageDial,
			target: ErrRouting,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := newRecorder()
			srv := New(rec.config(tt.router))
			addr := serve(t, srv, Endpoint{Name: "web", Protocol: sniff.ProtocolHTTP})

			assert.Empty(t, roundTrip(t, addr, "GET / HTTP/1.1\r\nHost: nowhere\r\n\r\n"))
			require.Eventually(t, func() bool { return len(rec.failureList()) == 1 }, time.Second, 5*time.Millisecond)
			assert.Equal(t, []string{tt.stage}, rec.failureList())

			_, _, err := srv.route(&sniff.Conn{})
			assert.ErrorIs(t, err, tt.target)
		})
	}
}

func TestServe_ReturnsNilWhenListenerClosed(t *testing.T) {
	srv := New(Config{Logger: testLogger()})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- srv.Serve(ln, Endpoint{Name: "x"}) }()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, ln.Close())
	assert.NoError(t, <-done)
}

func TestServe_AfterShutdown(t *testing.T) {
	srv := New(Config{Logger: testLogger()})
	require.NoError(t, srv.Shutdown(context.Background()))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	assert.ErrorIs(t, srv.Serve(ln, Endpoint{Name: "x"}), ErrServerClosed)
}

// flakyListener fails Accept with a temporary error a few times.
type flakyListener struct {
	net.Listener
	failures int
}

func (l *flakyListener) Accept() (net.Conn, error) {
	if l.failures > 0 {
		l.failures--
		return nil, &net.OpError{Op: "accept", Net: "tcp", Err: timeoutError{}}
	}
	return l.Listener.Accept()
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

type fatalListener struct{ net.Listener }

func (fatalListener) Accept() (net.Conn, error) { return nil, errors.New("listener broke") }

func TestServe_RetriesTemporaryErrors(t *testing.T) {
	backendAddr, received := backend(t, "pong")
	srv := New(newRecorder().config(dialTo(backendAddr)))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- srv.Serve(&flakyListener{Listener: ln, failures: 3}, Endpoint{Name: "x", Protocol: sniff.ProtocolHTTP}) }()

	assert.Equal(t, "pong", roundTrip(t, ln.Addr().String(), "GET / HTTP/1.0\r\n\r\n"))
	assert.Equal(t, "GET / HTTP/1.0\r\n\r\n", <-received)

	require.NoError(t, srv.Shutdown(context.Background()))
	assert.NoError(t, <-done)
}

func TestServe_FatalAcceptError(t *testing.T) {
	srv := New(Config{Logger: testLogger()})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	err = srv.Serve(fatalListener{ln}, Endpoint{Name: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listener broke")
}

func TestShutdown_ForceClosesStalledConnections(t *testing.T) {
	srv := New(Config{Logger: testLogger(), Router: dialTo("127.0.0.1:1")})
	addr := serve(t, srv, Endpoint{Name: "web", Protocol: sniff.ProtocolHTTP})

	// A client that never finishes its request head keeps the connection
	// in the sniffing state.
	c, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer c.Close()
	_, err = c.Write([]byte("GET / HTTP/1.1\r\n"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return srv.ConnectionsActive() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, srv.Shutdown(ctx), context.DeadlineExceeded)
	assert.Equal(t, int64(0), srv.ConnectionsActive())
	assert.Equal(t, int64(1), srv.ConnectionsTotal())
}

func TestSession_Transitions(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	s := newSession(testLogger(), a, "web")
	assert.NotEmpty(t, s.id)
	assert.Equal(t, StateAccepted, s.state)

	s.to(StatePiping)
	assert.Equal(t, StateAccepted, s.state, "illegal transition ignored")

	for _, st := range []State{StateSniffing, StateRouting, StatePiping, StateClosed} {
		s.to(st)
		assert.Equal(t, st, s.state)
	}
	s.to(StateFailed)
	assert.Equal(t, StateClosed, s.state, "closed is terminal")
	assert.Equal(t, "closed", s.state.String())
}
