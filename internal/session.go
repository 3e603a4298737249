package internal

import (
	"errors"

	"lanchat/internal/protocol"
	"lanchat/internal/transport"
)

// quitCommand is what a session queues on behalf of a peer whose stream broke.
const quitCommand = "/q"

// runSession feeds every packet the peer sends into queue until the session is
// halted or the stream fails.
func runSession(s *Session, queue chan<- inbound) {
	defer close(s.done)

	for !s.stopped.Load() {
		p, err := s.transport.Receive()
		switch {
		case err == nil:
			if !s.push(queue, inbound{packet: p, from: s}) {
				return
			}
		case errors.Is(err, transport.ErrTimeout):
			continue
		case errors.Is(err, protocol.ErrMalformedPacket):
			s.log.Debug().Err(err).Msg("dropping malformed packet")
		default:
			if s.stopped.Load() {
				return
			}
			if isExpectedCloseError(err) {
				s.log.Info().Msg("peer went away")
			} else {
				s.log.Warn().Err(err).Msg("receive failed")
			}
			s.connected.Store(false)
			s.push(queue, inbound{packet: protocol.New(protocol.ActionMessage, quitCommand, protocol.SourceClient), from: s})
			return
		}
	}
}

// push blocks until the dispatcher takes the item or the session is halted.
func (s *Session) push(queue chan<- inbound, item inbound) bool {
	select {
	case queue <- item:
		return true
	case <-s.stop:
		return false
	}
}
