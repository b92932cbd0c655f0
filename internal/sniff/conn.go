package sniff

import (
	"errors"
	"io"
	"net"

	"github.com/ushineko/sniffd/internal/stream"
)

// State is the replay state of a Conn.
type State int

const (
	// HasReplay means reads are served from the replay buffer first.
	HasReplay State = iota
	// Drained means the replay buffer is gone and reads hit the live source.
	Drained
)

func (s State) String() string {
	switch s {
	case HasReplay:
		return "has_replay"
	case Drained:
		return "drained"
	default:
		return "unknown"
	}
}

// ErrPassthrough is returned by a Refiller that has nothing more to rewrite.
// The Conn then drains and reads the live source directly.
var ErrPassthrough = errors.New("switch to passthrough")

// Refiller produces more replay bytes once the buffer runs empty. Refill
// either appends at least one byte and returns nil, or appends nothing and
// returns an error.
type Refiller interface {
	Refill(replay *stream.ReplayBuffer) error
}

// Conn is a net.Conn whose first reads replay bytes captured while the
// connection was sniffed. Writes and every other method go straight to the
// wrapped connection.
//
// Read is not safe for concurrent use; a connection has one reader, the pipe
// leg copying it to the backend.
type Conn struct {
	net.Conn

	// Result is what sniffing learned about the connection.
	Result Result

	state  State
	replay *stream.ReplayBuffer
	live   io.Reader
	refill Refiller
}

// NewConn returns a Conn that replays prefix before reading from c.
func NewConn(c net.Conn, prefix []byte) *Conn {
	return newConn(c, stream.NewReplayBuffer(prefix), c, nil)
}

func newConn(c net.Conn, replay *stream.ReplayBuffer, live io.Reader, refill Refiller) *Conn {
	return &Conn{
		Conn:   c,
		state:  HasReplay,
		replay: replay,
		live:   live,
		refill: refill,
	}
}

// State returns the current replay state.
func (c *Conn) State() State {
	return c.state
}

// Buffered returns the number of replay bytes not yet read.
func (c *Conn) Buffered() int {
	if c.state == Drained {
		return 0
	}
	return c.replay.Len()
}

// Read serves replay bytes while any are queued. A call that finds the
// buffer empty (and nothing to refill it with) drains the Conn and reads
// from the live source instead; the switch happens once.
func (c *Conn) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if c.state == HasReplay {
		if c.replay.Len() == 0 && c.refill != nil {
			err := c.refill.Refill(c.replay)
			switch {
			case errors.Is(err, ErrPassthrough):
				c.refill = nil
			case err != nil:
				return 0, err
			}
		}
		if n := c.replay.Take(p); n > 0 {
			return n, nil
		}
		c.drain()
	}
	return c.live.Read(p)
}

func (c *Conn) drain() {
	c.state = Drained
	c.replay = nil
	c.refill = nil
}

type halfCloser interface {
	CloseRead() error
	CloseWrite() error
}

// CloseWrite shuts down the write side if the wrapped connection supports it.
func (c *Conn) CloseWrite() error {
	if hc, ok := c.Conn.(halfCloser); ok {
		return hc.CloseWrite()
	}
	return nil
}

// CloseRead shuts down the read side if the wrapped connection supports it.
func (c *Conn) CloseRead() error {
	if hc, ok := c.Conn.(halfCloser); ok {
		return hc.CloseRead()
	}
	return nil
}
