/*
Package relay accepts client connections, sniffs their first bytes, asks a
Router for a backend, and pipes the two together.

Each accepted connection runs in its own goroutine through the states
accepted, sniffing, routing, piping, and closed (or failed). The sniffed
head is replayed to the backend before any further client bytes, so the
backend sees the stream exactly as the client sent it, apart from any
request-head rewrites.
*/
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/ushineko/sniffd/internal/httpreq"
	"github.com/ushineko/sniffd/internal/pipe"
	"github.com/ushineko/sniffd/internal/route"
	"github.com/ushineko/sniffd/internal/sniff"
)

var (
	// ErrRouting is returned when the router produced no backend.
	ErrRouting = errors.New("routing failed")
	// ErrServerClosed is returned by Serve after Shutdown.
	ErrServerClosed = errors.New("relay: server closed")
)

// Accept backoff bounds for temporary errors.
const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// Router chooses and connects to a backend for a sniffed connection.
type Router interface {
	Route(ctx context.Context, c *sniff.Conn) (net.Conn, error)
}

// RouterFunc adapts a function to Router.
type RouterFunc func(ctx context.Context, c *sniff.Conn) (net.Conn, error)

// Route calls f.
func (f RouterFunc) Route(ctx context.Context, c *sniff.Conn) (net.Conn, error) {
	return f(ctx, c)
}

// Endpoint describes how connections from one listener are sniffed.
type Endpoint struct {
	Name     string
	Protocol sniff.Protocol
	// Rewrite, when set, rewrites every HTTP request head.
	Rewrite httpreq.RewriteFunc
}

// Failure stages reported to OnFailure.
const (
	StageSniff = "sniff"
	StageRoute = "route"
	StageDial  = "dial"
)

// Config holds relay configuration.
type Config struct {
	Router    Router
	Logger    *slog.Logger
	ChunkSize int

	// Stats callbacks.
	OnAccept  func()
	OnSniff   func(kind sniff.Kind, host string)
	OnFailure func(stage, host string)
	OnClose   func(host string, up, down int64)
}

// Server runs accept loops and owns the connections they produce.
type Server struct {
	cfg       Config
	logger    *slog.Logger
	startTime time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	closed    bool
	listeners map[net.Listener]struct{}
	conns     map[net.Conn]struct{}
	wg        sync.WaitGroup

	connectionsTotal  atomic.Int64
	connectionsActive atomic.Int64
}

// New creates a relay server.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:       cfg,
		logger:    cfg.Logger,
		startTime: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		listeners: make(map[net.Listener]struct{}),
		conns:     make(map[net.Conn]struct{}),
	}
}

// Serve accepts connections on ln until it is closed, handling each in a
// new goroutine. Temporary accept errors are retried with exponential
// backoff. Serve closes ln before returning. It returns nil when ln was
// closed, ErrServerClosed after Shutdown, and the accept error otherwise.
func (s *Server) Serve(ln net.Listener, ep Endpoint) error {
	if !s.trackListener(ln) {
		_ = ln.Close() //nolint:errcheck // best-effort close
		return ErrServerClosed
	}
	defer s.untrackListener(ln)
	defer ln.Close() //nolint:errcheck // best-effort close

	s.logger.Info("listener started", "listener", ep.Name, "addr", ln.Addr().String(), "protocol", string(ep.Protocol))

	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			if !isTemporary(err) {
				return fmt.Errorf("accept on %s: %w", ep.Name, err)
			}
			delay = min(max(delay*2, minAcceptDelay), maxAcceptDelay)
			s.logger.Warn("accept failed, retrying", "listener", ep.Name, "error", err, "retry_in", delay)
			select {
			case <-time.After(delay):
			case <-s.ctx.Done():
				return ErrServerClosed
			}
			continue
		}
		delay = 0

		if !s.startConn(conn) {
			_ = conn.Close() //nolint:errcheck // best-effort close
			continue
		}
		go func() {
			defer s.wg.Done()
			defer s.untrackConn(conn)
			s.handle(conn, ep)
		}()
	}
}

// handle drives one connection from sniffing to close.
func (s *Server) handle(conn net.Conn, ep Endpoint) {
	defer conn.Close() //nolint:errcheck // best-effort close

	s.connectionsTotal.Add(1)
	s.connectionsActive.Add(1)
	defer s.connectionsActive.Add(-1)
	if s.cfg.OnAccept != nil {
		s.cfg.OnAccept()
	}

	sess := newSession(s.logger, conn, ep.Name)
	sess.to(StateSniffing)

	sc, err := sniff.Sniff(conn, sniff.Options{
		Protocol:  ep.Protocol,
		Rewrite:   ep.Rewrite,
		ChunkSize: s.cfg.ChunkSize,
	})
	if err != nil {
		s.fail(sess, StageSniff, "", err)
		return
	}

	host := sc.Result.Host()
	sess.logger = sess.logger.With("kind", sc.Result.Kind.String(), "host", host)
	sess.logger.Debug("connection sniffed", "result", sc.Result.String(), "buffered", sc.Buffered())
	if s.cfg.OnSniff != nil {
		s.cfg.OnSniff(sc.Result.Kind, host)
	}

	sess.to(StateRouting)
	backend, stage, err := s.route(sc)
	if err != nil {
		s.fail(sess, stage, host, err)
		return
	}
	if !s.trackConn(backend) {
		_ = backend.Close() //nolint:errcheck // best-effort close
		s.fail(sess, StageRoute, host, ErrServerClosed)
		return
	}
	defer s.untrackConn(backend)
	defer backend.Close() //nolint:errcheck // best-effort close

	sess.to(StatePiping)
	up, down, err := pipe.Duplex(sc, backend)
	sess.to(StateClosed)

	attrs := []any{
		"backend", backend.RemoteAddr().String(),
		"bytes_up", up,
		"bytes_down", down,
		"up", humanize.Bytes(uint64(up)),   //nolint:gosec // byte counts are non-negative
		"down", humanize.Bytes(uint64(down)), //nolint:gosec // byte counts are non-negative
		"duration", sess.elapsed().String(),
	}
	if err != nil {
		attrs = append(attrs, "error", err)
	}
	sess.logger.Info("connection closed", attrs...)

	if s.cfg.OnClose != nil {
		s.cfg.OnClose(host, up, down)
	}
}

// route asks the router for a backend and reports the failing stage on
// error. A nil connection without an error counts as a routing failure.
func (s *Server) route(sc *sniff.Conn) (net.Conn, string, error) {
	if s.cfg.Router == nil {
		return nil, StageRoute, fmt.Errorf("%w: no router configured", ErrRouting)
	}
	backend, err := s.cfg.Router.Route(s.ctx, sc)
	if err != nil {
		if backend != nil {
			_ = backend.Close() //nolint:errcheck // best-effort close
		}
		stage := StageDial
		if errors.Is(err, route.ErrNoBackend) {
			stage = StageRoute
		}
		return nil, stage, fmt.Errorf("%w: %w", ErrRouting, err)
	}
	if backend == nil {
		return nil, StageRoute, fmt.Errorf("%w: router returned no connection", ErrRouting)
	}
	return backend, "", nil
}

func (s *Server) fail(sess *session, stage, host string, err error) {
	sess.to(StateFailed)
	sess.logger.Warn("connection failed", "stage", stage, "error", err, "duration", sess.elapsed().String())
	if s.cfg.OnFailure != nil {
		s.cfg.OnFailure(stage, host)
	}
}

// Shutdown closes all listeners, aborts pending backend dials, and waits for
// in-flight connections to finish. If ctx expires first, the remaining
// connections are closed and ctx's error is returned.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for ln := range s.listeners {
		_ = ln.Close() //nolint:errcheck // best-effort close
	}
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	s.mu.Lock()
	n := len(s.conns)
	for c := range s.conns {
		_ = c.Close() //nolint:errcheck // best-effort close
	}
	s.mu.Unlock()
	s.logger.Warn("shutdown timed out, closed remaining connections", "count", n)
	<-done
	return ctx.Err()
}

// ConnectionsTotal returns the number of connections handled since start.
func (s *Server) ConnectionsTotal() int64 {
	return s.connectionsTotal.Load()
}

// ConnectionsActive returns the number of connections currently open.
func (s *Server) ConnectionsActive() int64 {
	return s.connectionsActive.Load()
}

// Uptime returns the time since the server was created.
func (s *Server) Uptime() time.Duration {
	return time.Since(s.startTime)
}

func (s *Server) trackListener(ln net.Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.listeners[ln] = struct{}{}
	return true
}

func (s *Server) untrackListener(ln net.Listener) {
	s.mu.Lock()
	delete(s.listeners, ln)
	s.mu.Unlock()
}

// startConn registers an accepted connection with the shutdown wait group.
func (s *Server) startConn(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) trackConn(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrackConn(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// isTemporary reports whether an accept error is worth retrying, such as
// running out of file descriptors or a connection aborted before accept.
func isTemporary(err error) bool {
	for _, errno := range []syscall.Errno{
		syscall.EMFILE, syscall.ENFILE, syscall.ECONNABORTED, syscall.ENOBUFS, syscall.ENOMEM,
	} {
		if errors.Is(err, errno) {
			return true
		}
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
