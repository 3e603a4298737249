package internal

import (
	"sync/atomic"

	"github.com/rs/zerolog"

	"lanchat/internal/protocol"
	"lanchat/internal/transport"
)

// Session represents one connected peer
type Session struct {
	id        int
	name      string // written by the dispatcher only; empty until CONNECT
	transport *transport.Transport
	log       zerolog.Logger

	stopped   atomic.Bool
	connected atomic.Bool
	stop      chan struct{}
	done      chan struct{}
}

func newSession(id int, t *transport.Transport, log zerolog.Logger) *Session {
	s := &Session{
		id:        id,
		transport: t,
		log:       log.With().Int("session", id).Logger(),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	s.connected.Store(true)
	return s
}

// ID returns the sequential session id; 0 is the host.
func (s *Session) ID() int { return s.id }

// Ready reports whether the peer has sent a name.
func (s *Session) Ready() bool { return s.name != "" }

// Connected is false once the peer's stream has failed.
func (s *Session) Connected() bool { return s.connected.Load() }

// Send writes one packet to the peer.
func (s *Session) Send(p protocol.Packet) error {
	return s.transport.Send(p)
}

// halt asks the session goroutine to exit. Safe to call more than once.
func (s *Session) halt() {
	if s.stopped.Swap(true) {
		return
	}
	close(s.stop)
}

// State is the lifecycle of a Server
type State int32

// Server states; transitions only move forward
const (
	StateAccepting State = iota
	StateDraining
	StateStopped
)

func (st State) String() string {
	switch st {
	case StateAccepting:
		return "ACCEPTING"
	case StateDraining:
		return "DRAINING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// inbound is one item on the dispatcher queue. admit items carry a freshly
// handshaken session and no packet.
type inbound struct {
	packet protocol.Packet
	from   *Session
	admit  bool
}
