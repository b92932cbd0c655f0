/*
Package route picks a backend for a sniffed connection.

Rules are checked in order; the first rule whose host pattern, protocol,
and path prefix all match supplies the backend address. Connections no
rule claims go to the default backend, or, when enabled, to the address
they were originally sent to before an iptables REDIRECT.
*/
package route

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/ushineko/sniffd/internal/sniff"
)

// ErrNoBackend is returned when no rule, default, or original destination
// yields a backend.
var ErrNoBackend = errors.New("no backend")

// Rule maps sniffed metadata to a backend address.
type Rule struct {
	Name string
	// Host is an exact name, a "*.suffix" pattern, or "*".
	Host string
	// PathPrefix restricts the rule to HTTP requests under this path.
	PathPrefix string
	// Protocol is "http", "tls", or "any" (empty means any).
	Protocol string
	Backend  string
}

// Matches reports whether r applies to res.
func (r *Rule) Matches(res *sniff.Result) bool {
	switch r.Protocol {
	case "http":
		if res.Kind != sniff.KindHTTP {
			return false
		}
	case "tls":
		if res.Kind != sniff.KindTLS {
			return false
		}
	}
	if r.PathPrefix != "" && (res.Kind != sniff.KindHTTP || !strings.HasPrefix(res.Path(), r.PathPrefix)) {
		return false
	}
	return MatchHost(r.Host, res.Host())
}

// MatchHost matches host against an exact name, a "*.suffix" pattern
// (subdomains only), or "*". Comparison is case-insensitive.
func MatchHost(pattern, host string) bool {
	switch {
	case pattern == "*":
		return true
	case strings.HasPrefix(pattern, "*."):
		suffix := pattern[1:]
		return len(host) > len(suffix) && strings.EqualFold(host[len(host)-len(suffix):], suffix)
	default:
		return host != "" && strings.EqualFold(pattern, host)
	}
}

// Config holds routing configuration.
type Config struct {
	Rules          []Rule
	DefaultBackend string
	// OriginalDst enables the SO_ORIGINAL_DST fallback for unmatched
	// connections (Linux only).
	OriginalDst    bool
	ConnectTimeout time.Duration
	Logger         *slog.Logger
}

// Table is a rule-based router. It is safe for concurrent use.
type Table struct {
	cfg    Config
	dialer net.Dialer

	// origDst is replaceable in tests.
	origDst func(net.Conn) (*net.TCPAddr, error)
}

// New creates a routing table.
func New(cfg Config) *Table {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	return &Table{
		cfg:     cfg,
		dialer:  net.Dialer{Timeout: cfg.ConnectTimeout},
		origDst: originalDst,
	}
}

// Resolve returns the backend address for c and the name of the rule that
// chose it ("default" or "original_dst" for the fallbacks).
func (t *Table) Resolve(c *sniff.Conn) (addr, rule string, err error) {
	res := &c.Result
	for i := range t.cfg.Rules {
		r := &t.cfg.Rules[i]
		if r.Matches(res) {
			return r.Backend, r.Name, nil
		}
	}
	if t.cfg.DefaultBackend != "" {
		return t.cfg.DefaultBackend, "default", nil
	}
	if t.cfg.OriginalDst {
		dst, err := t.origDst(c.Conn)
		if err != nil {
			return "", "", fmt.Errorf("%w for %q: %w", ErrNoBackend, res.Host(), err)
		}
		if local, ok := c.LocalAddr().(*net.TCPAddr); ok && local.IP.Equal(dst.IP) && local.Port == dst.Port {
			return "", "", fmt.Errorf("%w for %q: original destination is this listener", ErrNoBackend, res.Host())
		}
		return dst.String(), "original_dst", nil
	}
	return "", "", fmt.Errorf("%w for %s host %q", ErrNoBackend, res.Kind, res.Host())
}

// Route resolves and dials the backend for c.
func (t *Table) Route(ctx context.Context, c *sniff.Conn) (net.Conn, error) {
	addr, rule, err := t.Resolve(c)
	if err != nil {
		return nil, err
	}
	backend, err := t.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	t.cfg.Logger.Debug("route selected",
		"rule", rule,
		"host", c.Result.Host(),
		"backend", addr,
	)
	return backend, nil
}
