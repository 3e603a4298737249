// Package client is the peer side of a room: it dials a host, runs the key
// exchange and turns inbound packets into events.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chuckpreslar/emission"
	"github.com/rs/zerolog"

	"lanchat/internal/keyx"
	"lanchat/internal/logging"
	"lanchat/internal/protocol"
	"lanchat/internal/transport"
)

// Events emitted by Session.Listen.
const (
	// EventMessage listeners take (action protocol.Action, source, text string).
	EventMessage = "message"
	// EventDisconnect listeners take (reason string). It fires at most once.
	EventDisconnect = "disconnect"
)

// LostHost is the disconnect reason when the stream breaks without a DISCONNECT.
const LostHost = "Host unexpectedly disconnected."

// Options tunes Dial.
type Options struct {
	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	Log              zerolog.Logger
}

// Session is one connection to a host.
type Session struct {
	*emission.Emitter

	transport *transport.Transport
	log       zerolog.Logger

	mu     sync.Mutex
	name   string
	closed atomic.Bool
}

// Dial connects to address:port and completes the key exchange.
func Dial(ctx context.Context, address string, port int, opts Options) (*Session, error) {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 5 * time.Second
	}
	log := logging.Component(opts.Log, "client")

	dialer := net.Dialer{Timeout: opts.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(address, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("client: dial: %w", err)
	}

	t := transport.New(conn, log)
	t.SetReadTimeout(opts.HandshakeTimeout)
	if err := keyx.ClientHandshake(t); err != nil {
		_ = t.Close()
		return nil, fmt.Errorf("client: %w", err)
	}
	t.SetReadTimeout(0)
	log.Info().Str("host", conn.RemoteAddr().String()).Msg("connected")

	return &Session{
		Emitter:   emission.NewEmitter(),
		transport: t,
		log:       log,
	}, nil
}

// Name returns the name last sent with Join.
func (s *Session) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// Join announces the display name.
func (s *Session) Join(name string) error {
	s.mu.Lock()
	s.name = name
	s.mu.Unlock()
	return s.transport.Send(protocol.New(protocol.ActionConnect, name, name))
}

// Say sends a chat line or command. Empty text is not sent.
func (s *Session) Say(text string) error {
	if text == "" {
		return nil
	}
	return s.transport.Send(protocol.New(protocol.ActionMessage, text, s.Name()))
}

// Listen reads packets until the host disconnects us, the stream breaks or
// Close is called. It blocks; run it on its own goroutine.
func (s *Session) Listen() {
	for {
		p, err := s.transport.Receive()
		switch {
		case err == nil:
			if p.Action == protocol.ActionDisconnect {
				s.log.Info().Str("reason", p.Message).Msg("disconnected by host")
				s.finish(p.Message)
				return
			}
			s.Emit(EventMessage, p.Action, p.Source, p.Message)
		case errors.Is(err, transport.ErrTimeout):
			continue
		case errors.Is(err, protocol.ErrMalformedPacket):
			s.log.Debug().Err(err).Msg("dropping malformed packet")
		default:
			if s.closed.Load() {
				return
			}
			s.log.Warn().Err(err).Msg("lost the host")
			s.finish(LostHost)
			return
		}
	}
}

func (s *Session) finish(reason string) {
	if s.closed.Swap(true) {
		return
	}
	_ = s.transport.Close()
	s.Emit(EventDisconnect, reason)
}

// Close hangs up. Calling it again is a no-op.
func (s *Session) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.transport.Close()
}
