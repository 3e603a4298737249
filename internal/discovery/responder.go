// Package discovery lets peers find hosted rooms with a UDP broadcast.
package discovery

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
)

// Query is the literal broadcast payload; a visible host answers with ResponsePrefix + room name.
const (
	Query          = "lan-chat-find"
	ResponsePrefix = "lan-chat-found-"
)

// DefaultPollTimeout bounds every receive so the responder can notice that the room closed.
const DefaultPollTimeout = 250 * time.Millisecond

// Responder answers discovery queries while a room is hosted.
type Responder struct {
	conn *net.UDPConn
	room string
	done func() bool
	poll time.Duration
	log  zerolog.Logger
}

// NewResponder binds addr (for example ":29001"). done is polled after every receive timeout;
// once it reports true the responder closes its socket and Run returns.
func NewResponder(addr, room string, done func() bool, poll time.Duration, log zerolog.Logger) (*Responder, error) {
	udpAddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("discovery: resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("discovery: listen %s: %w", addr, err)
	}
	if poll <= 0 {
		poll = DefaultPollTimeout
	}
	return &Responder{
		conn: conn,
		room: room,
		done: done,
		poll: poll,
		log:  log.With().Str("component", "discovery").Logger(),
	}, nil
}

// Addr is the bound local address.
func (r *Responder) Addr() *net.UDPAddr {
	return r.conn.LocalAddr().(*net.UDPAddr)
}

// Run serves queries until the room is done.
func (r *Responder) Run() error {
	defer r.conn.Close()
	r.log.Info().Str("addr", r.conn.LocalAddr().String()).Str("room", r.room).Msg("room is visible")

	buf := make([]byte, 4096)
	for {
		if err := r.conn.SetReadDeadline(time.Now().Add(r.poll)); err != nil {
			return fmt.Errorf("discovery: set deadline: %w", err)
		}
		n, from, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				if r.done() {
					r.log.Info().Msg("room closed, responder stopping")
					return nil
				}
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("discovery: read: %w", err)
		}

		if string(buf[:n]) != Query {
			r.log.Debug().Str("from", from.String()).Int("bytes", n).Msg("ignoring unknown datagram")
			continue
		}
		if _, err := r.conn.WriteToUDP([]byte(ResponsePrefix+r.room), from); err != nil {
			r.log.Warn().Err(err).Str("to", from.String()).Msg("discovery reply failed")
			continue
		}
		r.log.Debug().Str("to", from.String()).Msg("answered discovery query")
	}
}

// Close stops Run early.
func (r *Responder) Close() error {
	return r.conn.Close()
}
