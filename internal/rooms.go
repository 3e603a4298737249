package internal

import (
	"fmt"
	"strings"

	"lanchat/internal/protocol"
)

func (s *Server) find(id int) *Session {
	for _, c := range s.sessions {
		if c.id == id {
			return c
		}
	}
	return nil
}

func (s *Server) host() *Session {
	return s.find(0)
}

// broadcast sends p to every member in join order. A failed send only marks the
// member as disconnected; its own goroutine notices the broken stream and quits.
func (s *Server) broadcast(p protocol.Packet) {
	for _, c := range s.sessions {
		if err := c.Send(p); err != nil {
			c.connected.Store(false)
			c.log.Debug().Err(err).Msg("broadcast send failed")
		}
	}
}

func (s *Server) announce(text string) {
	s.broadcast(protocol.New(protocol.ActionMessage, text, protocol.SourceServer))
}

// disconnect removes c from the room: it halts c's goroutine, tells the peer
// why (best effort), closes the stream, waits for the goroutine to finish and
// then notifies the remaining members with notice, if any.
func (s *Server) disconnect(c *Session, reason, notice string) {
	c.halt()
	if reason != "" && c.Connected() {
		_ = c.Send(protocol.New(protocol.ActionDisconnect, reason, protocol.SourceServer))
	}
	_ = c.transport.Close()
	<-c.done

	for i, member := range s.sessions {
		if member == c {
			s.sessions = append(s.sessions[:i], s.sessions[i+1:]...)
			break
		}
	}
	c.log.Info().Str("name", c.name).Int("remaining", len(s.sessions)).Msg("session left")

	if notice != "" {
		s.announce(notice)
	}
}

// info describes the room for the /info command.
func (s *Server) info(caller *Session) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Room: %s\n", s.room)
	fmt.Fprintf(&b, "Host IPs: %s\n", strings.Join(HostIPs(), ", "))
	if h := s.host(); h != nil {
		fmt.Fprintf(&b, "Host: %s\n", displayName(h))
	} else {
		b.WriteString("Host: (left)\n")
	}
	fmt.Fprintf(&b, "Members (%d):\n", len(s.sessions))
	for _, c := range s.sessions {
		fmt.Fprintf(&b, "  [%d] %s\n", c.id, displayName(c))
	}
	fmt.Fprintf(&b, "You are: %s", displayName(caller))
	return b.String()
}
