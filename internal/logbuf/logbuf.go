/*
Package logbuf keeps the most recent log records in memory.

A Buffer is an slog.Handler sink plugged into the logging chain next to
the console and file handlers. The management listener serves it as
GET /logs, so an operator can pull the recent history of the relay, or of
a single connection by its conn_id, without access to the log files.
*/
package logbuf

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultSize is the capacity used when New is given a non-positive size.
const DefaultSize = 1000

// connIDKey is the attribute lifted out of Attrs into Entry.ConnID.
const connIDKey = "conn_id"

// Entry is a single log record stored in the buffer.
type Entry struct {
	Time    time.Time      `json:"time"`
	Level   slog.Level     `json:"level"`
	Message string         `json:"msg"`
	ConnID  string         `json:"conn_id,omitempty"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// Filter selects entries from Recent.
type Filter struct {
	// Limit caps the result to the newest entries; 0 returns all.
	Limit    int
	MinLevel slog.Level
	ConnID   string
}

func (f *Filter) match(e *Entry) bool {
	if e.Level < f.MinLevel {
		return false
	}
	return f.ConnID == "" || e.ConnID == f.ConnID
}

// Buffer is a fixed-size ring of log entries.
type Buffer struct {
	mu      sync.Mutex
	entries []Entry
	pos     int // next write position
	full    bool
}

// New creates a buffer holding the last size entries.
func New(size int) *Buffer {
	if size <= 0 {
		size = DefaultSize
	}
	return &Buffer{entries: make([]Entry, size)}
}

func (b *Buffer) add(e Entry) {
	b.mu.Lock()
	b.entries[b.pos] = e
	b.pos = (b.pos + 1) % len(b.entries)
	if b.pos == 0 {
		b.full = true
	}
	b.mu.Unlock()
}

// Len returns the number of stored entries.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.full {
		return len(b.entries)
	}
	return b.pos
}

// Recent returns matching entries oldest first.
func (b *Buffer) Recent(f Filter) []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	total, start := b.pos, 0
	if b.full {
		total, start = len(b.entries), b.pos
	}

	out := make([]Entry, 0, total)
	for i := range total {
		e := &b.entries[(start+i)%len(b.entries)]
		if f.match(e) {
			out = append(out, *e)
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

// ServeHTTP returns recent entries as JSON. Query parameters: n (limit),
// level (debug, info, warn, error), and conn_id.
func (b *Buffer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := Filter{MinLevel: slog.LevelDebug, ConnID: q.Get("conn_id")}
	if s := q.Get("n"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			http.Error(w, "invalid n", http.StatusBadRequest)
			return
		}
		f.Limit = n
	}
	if s := q.Get("level"); s != "" {
		if err := f.MinLevel.UnmarshalText([]byte(s)); err != nil {
			http.Error(w, "invalid level", http.StatusBadRequest)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(b.Recent(f)) //nolint:gosec // best-effort response
}

// Handler returns an slog.Handler that records entries at or above level.
func (b *Buffer) Handler(level slog.Leveler) slog.Handler {
	if level == nil {
		level = slog.LevelDebug
	}
	return &bufHandler{buf: b, level: level}
}

type bufHandler struct {
	buf    *Buffer
	level  slog.Leveler
	attrs  []slog.Attr
	prefix string
}

func (h *bufHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *bufHandler) Handle(_ context.Context, r slog.Record) error { //nolint:gocritic // slog.Handler interface
	e := Entry{
		Time:    r.Time,
		Level:   r.Level,
		Message: r.Message,
	}
	put := func(key string, a slog.Attr) {
		if key == connIDKey {
			e.ConnID = a.Value.String()
			return
		}
		if e.Attrs == nil {
			e.Attrs = make(map[string]any)
		}
		e.Attrs[key] = a.Value.Resolve().Any()
	}
	for _, a := range h.attrs {
		put(a.Key, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		put(h.prefix+a.Key, a)
		return true
	})

	h.buf.add(e)
	return nil
}

// WithAttrs stores attrs with the current group prefix already applied.
func (h *bufHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	for _, a := range attrs {
		merged = append(merged, slog.Attr{Key: h.prefix + a.Key, Value: a.Value})
	}
	return &bufHandler{buf: h.buf, level: h.level, attrs: merged, prefix: h.prefix}
}

func (h *bufHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &bufHandler{
		buf:    h.buf,
		level:  h.level,
		attrs:  h.attrs,
		prefix: h.prefix + strings.TrimSuffix(name, ".") + ".",
	}
}
