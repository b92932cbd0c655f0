package route

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ushineko/sniffd/internal/httpreq"
	"github.com/ushineko/sniffd/internal/sniff"
	"github.com/ushineko/sniffd/internal/tlshello"
)

func httpResult(host, uri string) sniff.Result {
	req := httpreq.NewRequest()
	req.Method = httpreq.MethodGet
	req.URI = uri
	req.Version = "HTTP/1.1"
	req.Header.Set("Host", host)
	return sniff.Result{Kind: sniff.KindHTTP, Request: req}
}

func tlsResult(serverName string) sniff.Result {
	return sniff.Result{Kind: sniff.KindTLS, Hello: &tlshello.ClientHello{ServerName: serverName}}
}

func sniffedConn(t *testing.T, res sniff.Result) *sniff.Conn {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	c := sniff.NewConn(a, nil)
	c.Result = res
	return c
}

func TestMatchHost(t *testing.T) {
	tests := []struct {
		pattern, host string
		want          bool
	}{
		{"*", "", true},
		{"*", "anything.org", true},
		{"example.com", "example.com", true},
		{"example.com", "EXAMPLE.com", true},
		{"example.com", "www.example.com", false},
		{"example.com", "", false},
		{"*.example.com", "www.example.com", true},
		{"*.example.com", "a.b.Example.COM", true},
		{"*.example.com", "example.com", false},
		{"*.example.com", "badexample.com", false},
	}
	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.host, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchHost(tt.pattern, tt.host))
		})
	}
}

func TestResolve_FirstMatchWins(t *testing.T) {
	table := New(Config{
		Rules: []Rule{
			{Name: "api", Host: "*.example.com", PathPrefix: "/api", Protocol: "http", Backend: "10.0.0.1:80"},
			{Name: "tls", Host: "*.example.com", Protocol: "tls", Backend: "10.0.0.2:443"},
			{Name: "web", Host: "*.example.com", Protocol: "any", Backend: "10.0.0.3:80"},
			{Name: "shadowed", Host: "www.example.com", Backend: "10.0.0.4:80"},
		},
	})

	tests := []struct {
		name        string
		res         sniff.Result
		backend     string
		rule        string
		expectError bool
	}{
		{"http api", httpResult("www.example.com:8080", "/api/v1"), "10.0.0.1:80", "api", false},
		{"http other path", httpResult("www.example.com", "/index.html"), "10.0.0.3:80", "web", false},
		{"tls", tlsResult("WWW.example.com"), "10.0.0.2:443", "tls", false},
		{"unmatched host", httpResult("other.org", "/"), "", "", true},
		{"tls without sni", tlsResult(""), "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, rule, err := table.Resolve(sniffedConn(t, tt.res))
			if tt.expectError {
				assert.ErrorIs(t, err, ErrNoBackend)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.backend, addr)
			assert.Equal(t, tt.rule, rule)
		})
	}
}

func TestResolve_PathPrefixNeverMatchesTLS(t *testing.T) {
	table := New(Config{Rules: []Rule{{Name: "p", Host: "*", PathPrefix: "/", Backend: "x:1"}}})
	_, _, err := table.Resolve(sniffedConn(t, tlsResult("a.org")))
	assert.ErrorIs(t, err, ErrNoBackend)
}

func TestResolve_DefaultBackend(t *testing.T) {
	table := New(Config{DefaultBackend: "10.9.9.9:80"})
	addr, rule, err := table.Resolve(sniffedConn(t, tlsResult("a.org")))
	require.NoError(t, err)
	assert.Equal(t, "10.9.9.9:80", addr)
	assert.Equal(t, "default", rule)
}

func TestResolve_OriginalDst(t *testing.T) {
	table := New(Config{OriginalDst: true})
	table.origDst = func(net.Conn) (*net.TCPAddr, error) {
		return &net.TCPAddr{IP: net.IPv4(192, 0, 2, 7), Port: 443}, nil
	}
	addr, rule, err := table.Resolve(sniffedConn(t, tlsResult("a.org")))
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.7:443", addr)
	assert.Equal(t, "original_dst", rule)

	table.origDst = func(net.Conn) (*net.TCPAddr, error) {
		return nil, errors.New("no nat entry")
	}
	_, _, err = table.Resolve(sniffedConn(t, tlsResult("a.org")))
	assert.ErrorIs(t, err, ErrNoBackend)
	assert.Contains(t, err.Error(), "no nat entry")
}

func TestResolve_OriginalDstRefusesLoop(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err == nil {
			defer c.Close()
			_, _ = c.Read(make([]byte, 1))
		}
	}()
	raw, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer raw.Close()

	table := New(Config{OriginalDst: true})
	table.origDst = func(c net.Conn) (*net.TCPAddr, error) {
		return c.LocalAddr().(*net.TCPAddr), nil
	}
	c := sniff.NewConn(raw, nil)
	c.Result = tlsResult("a.org")
	_, _, err = table.Resolve(c)
	assert.ErrorIs(t, err, ErrNoBackend)
	assert.Contains(t, err.Error(), "this listener")
}

func TestRoute_Dials(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	accepted := make(chan struct{})
	go func() {
		c, err := ln.Accept()
		if err == nil {
			_ = c.Close()
		}
		close(accepted)
	}()

	table := New(Config{Rules: []Rule{{Name: "all", Host: "*", Backend: ln.Addr().String()}}})
	backend, err := table.Route(context.Background(), sniffedConn(t, httpResult("x", "/")))
	require.NoError(t, err)
	defer backend.Close()
	assert.Equal(t, ln.Addr().String(), backend.RemoteAddr().String())
	<-accepted
}

func TestRoute_DialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	table := New(Config{DefaultBackend: addr})
	_, err = table.Route(context.Background(), sniffedConn(t, httpResult("x", "/")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dial "+addr)
}

func TestRewriter(t *testing.T) {
	fn := Rewriter([]RewriteRule{
		{Host: "*.example.com", PathPrefix: "/a", ReplacePrefix: "/form"},
		{Host: "*", SetHeaders: map[string]string{"X-Sniffd": "1", "A-First": "2"}, DelHeaders: []string{"x-debug"}},
		{Host: "other.org", Method: httpreq.MethodPost},
	})
	require.NotNil(t, fn)

	req := httpreq.NewRequest()
	req.Method = httpreq.MethodGet
	req.URI = "/a?x=1"
	req.Version = "HTTP/1.1"
	req.Header.Set("Host", "www.example.com:80")
	req.Header.Set("X-Debug", "on")

	out := httpreq.Rewrite(req, fn)
	assert.Equal(t, "/form?x=1", out.URI)
	assert.Equal(t, httpreq.MethodGet, out.Method)
	assert.Equal(t, []string{"Host", "A-First", "X-Sniffd"}, out.Header.Keys())
	assert.Equal(t, "/a?x=1", req.URI, "original request untouched")
}

func TestRewriter_HostPort(t *testing.T) {
	fn := Rewriter([]RewriteRule{
		{Host: "::1", SetHeaders: map[string]string{"X-Loopback": "v6"}},
		{Host: "www.example.com", SetHeaders: map[string]string{"X-Named": "1"}},
	})

	tests := []struct {
		host string
		want string
	}{
		{"[::1]:8080", "X-Loopback"},
		{"www.example.com:443", "X-Named"},
		{"www.example.com", "X-Named"},
	}
	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			req := httpreq.NewRequest()
			req.Method, req.URI, req.Version = httpreq.MethodGet, "/", httpreq.HTTP11
			req.Header.Set("Host", tt.host)

			out := httpreq.Rewrite(req, fn)
			_, ok := out.Header.Get(tt.want)
			assert.True(t, ok, "host %s should match", tt.host)
		})
	}
}

func TestRewriter_NoRules(t *testing.T) {
	assert.Nil(t, Rewriter(nil))
}
