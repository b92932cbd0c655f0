package relay

import (
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle stage of one proxied connection.
type State int

const (
	StateAccepted State = iota
	StateSniffing
	StateRouting
	StatePiping
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateSniffing:
		return "sniffing"
	case StateRouting:
		return "routing"
	case StatePiping:
		return "piping"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// next lists the legal transitions out of each state.
var next = map[State][]State{
	StateAccepted: {StateSniffing},
	StateSniffing: {StateRouting, StateFailed},
	StateRouting:  {StatePiping, StateFailed},
	StatePiping:   {StateClosed},
}

// session tracks one connection through the state machine.
type session struct {
	id      string
	state   State
	started time.Time
	logger  *slog.Logger
}

func newSession(logger *slog.Logger, conn net.Conn, listener string) *session {
	id := uuid.NewString()
	return &session{
		id:      id,
		state:   StateAccepted,
		started: time.Now(),
		logger: logger.With(
			"conn_id", id,
			"listener", listener,
			"client", conn.RemoteAddr().String(),
		),
	}
}

// to moves the session to state. Illegal transitions are logged and ignored.
func (s *session) to(state State) {
	for _, allowed := range next[s.state] {
		if allowed == state {
			s.logger.Debug("connection state", "from", s.state.String(), "to", state.String())
			s.state = state
			return
		}
	}
	s.logger.Error("illegal connection state transition", "from", s.state.String(), "to", state.String())
}

func (s *session) elapsed() time.Duration {
	return time.Since(s.started).Round(time.Millisecond)
}
