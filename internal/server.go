package internal

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"lanchat/internal/config"
	"lanchat/internal/keyx"
	"lanchat/internal/logging"
	"lanchat/internal/protocol"
	"lanchat/internal/transport"
)

// CommandFunc represents a command handler function
type CommandFunc func(s *Server, c *Session, args []string) error

// Options tunes a Server. Zero fields fall back to config.Default().
type Options struct {
	ReadTimeout      time.Duration
	AcceptTimeout    time.Duration
	HandshakeTimeout time.Duration
	QueueSize        int
	ModulusBits      int
	GeneratorBits    int
	Log              zerolog.Logger
}

// OptionsFromConfig copies the server settings out of cfg.
func OptionsFromConfig(cfg config.Config, log zerolog.Logger) Options {
	return Options{
		ReadTimeout:      cfg.ReadTimeout,
		AcceptTimeout:    cfg.AcceptTimeout,
		HandshakeTimeout: cfg.HandshakeTimeout,
		QueueSize:        cfg.QueueSize,
		ModulusBits:      cfg.ModulusBits,
		GeneratorBits:    cfg.GeneratorBits,
		Log:              log,
	}
}

func (o Options) withDefaults() Options {
	def := config.Default()
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = def.ReadTimeout
	}
	if o.AcceptTimeout <= 0 {
		o.AcceptTimeout = def.AcceptTimeout
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = def.HandshakeTimeout
	}
	if o.QueueSize <= 0 {
		o.QueueSize = def.QueueSize
	}
	if o.ModulusBits <= 0 {
		o.ModulusBits = def.ModulusBits
	}
	if o.GeneratorBits <= 0 {
		o.GeneratorBits = def.GeneratorBits
	}
	return o
}

// Server hosts one chat room. The roster and every session name belong to the
// goroutine running Run.
type Server struct {
	room     string
	opts     Options
	log      zerolog.Logger
	keys     *keyx.ServerKeys
	listener net.Listener
	commands map[string]CommandFunc

	queue    chan inbound
	sessions []*Session
	joined   bool

	admitMu sync.Mutex
	nextID  int

	state      atomic.Int32
	stop       chan struct{}
	acceptDone chan struct{}
	running    atomic.Bool
}

// NewServer prepares a room and its key material. It does not listen yet.
func NewServer(room string, opts Options) *Server {
	opts = opts.withDefaults()
	s := &Server{
		room:       room,
		opts:       opts,
		log:        logging.Component(opts.Log, "server").With().Str("room", room).Logger(),
		keys:       keyx.NewServerKeys(opts.ModulusBits, opts.GeneratorBits),
		queue:      make(chan inbound, opts.QueueSize),
		stop:       make(chan struct{}),
		acceptDone: make(chan struct{}),
	}
	s.registerCommands()
	return s
}

// HostRoom builds a server from cfg and binds its TCP port.
func HostRoom(cfg config.Config, room string, log zerolog.Logger) (*Server, error) {
	s := NewServer(room, OptionsFromConfig(cfg, log))
	if err := s.Listen(fmt.Sprintf(":%d", cfg.Port)); err != nil {
		return nil, err
	}
	return s, nil
}

// Listen binds the TCP listener peers connect to.
func (s *Server) Listen(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	s.listener = listener
	s.log.Info().Str("addr", listener.Addr().String()).Msg("listening")
	return nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Room returns the room name.
func (s *Server) Room() string { return s.room }

// State returns the current lifecycle state.
func (s *Server) State() State { return State(s.state.Load()) }

// Done reports whether the room has closed. It is safe to call from any goroutine.
func (s *Server) Done() bool { return s.State() != StateAccepting }

// Run accepts peers and dispatches their packets until the roster empties or
// ctx is cancelled. It returns nil in the first case and ctx.Err() in the second.
func (s *Server) Run(ctx context.Context) error {
	if s.listener == nil {
		return errors.New("server: Run called before Listen")
	}
	if s.running.Swap(true) {
		return errors.New("server: already running")
	}
	go s.acceptLoop()

	var err error
loop:
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("shutting down")
			for len(s.sessions) > 0 {
				s.disconnect(s.sessions[0], "Server is shutting down.", "")
			}
			err = ctx.Err()
			break loop
		case item := <-s.queue:
			s.dispatch(item)
			if s.joined && len(s.sessions) == 0 {
				s.log.Info().Msg("last member left, closing room")
				break loop
			}
		}
	}

	s.state.Store(int32(StateDraining))
	close(s.stop)
	<-s.acceptDone
	s.drain()
	s.state.Store(int32(StateStopped))
	return err
}

// drain releases sessions that were admitted after the room closed.
func (s *Server) drain() {
	for {
		select {
		case item := <-s.queue:
			if item.admit {
				item.from.halt()
				_ = item.from.Send(protocol.New(protocol.ActionDisconnect, "Room is closed.", protocol.SourceServer))
				_ = item.from.transport.Close()
				<-item.from.done
			}
		default:
			return
		}
	}
}

func (s *Server) acceptLoop() {
	var handshakes sync.WaitGroup
	defer close(s.acceptDone)
	defer handshakes.Wait()
	defer s.listener.Close()

	for {
		select {
		case <-s.stop:
			return
		default:
		}
		if tl, ok := s.listener.(*net.TCPListener); ok {
			_ = tl.SetDeadline(time.Now().Add(s.opts.AcceptTimeout))
		}
		conn, err := s.listener.Accept()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if isExpectedCloseError(err) {
				return
			}
			s.log.Warn().Err(err).Msg("failed to accept connection")
			continue
		}

		handshakes.Add(1)
		go func() {
			defer handshakes.Done()
			s.handshake(conn)
		}()
	}
}

// handshake runs the key exchange on a fresh connection and, on success, queues
// the new session for admission.
func (s *Server) handshake(conn net.Conn) {
	t := transport.New(conn, s.log)
	t.SetReadTimeout(s.opts.HandshakeTimeout)
	t.SetDeadline(time.Now().Add(s.opts.HandshakeTimeout))

	// A handshake still running when the room closes is cut short.
	finished := make(chan struct{})
	go func() {
		select {
		case <-s.stop:
			_ = t.Close()
		case <-finished:
		}
	}()
	err := s.keys.Handshake(t)
	close(finished)
	if err != nil {
		s.log.Debug().Err(err).Str("peer", conn.RemoteAddr().String()).Msg("handshake failed")
		_ = t.Close()
		return
	}
	t.SetDeadline(time.Time{})
	t.SetReadTimeout(s.opts.ReadTimeout)

	s.admitMu.Lock()
	defer s.admitMu.Unlock()
	sess := newSession(s.nextID, t, s.log)
	select {
	case s.queue <- inbound{from: sess, admit: true}:
	case <-s.stop:
		_ = t.Close()
		return
	}
	s.nextID++
	go runSession(sess, s.queue)
}

func (s *Server) dispatch(item inbound) {
	sender := item.from
	if item.admit {
		s.sessions = append(s.sessions, sender)
		s.joined = true
		sender.log.Info().Str("peer", sender.transport.RemoteAddr().String()).Msg("session admitted")
		return
	}
	if s.find(sender.id) != sender {
		return
	}

	p := item.packet
	switch p.Action {
	case protocol.ActionMessage:
		if !sender.Ready() {
			if !sender.Connected() && p.Message == quitCommand {
				s.disconnect(sender, "", "")
				return
			}
			s.replyError(sender, errNotReady)
			return
		}
		if isCommand(p.Message) {
			s.handleCommand(sender, p.Message)
			return
		}
		s.broadcast(protocol.New(protocol.ActionMessage, p.Message, sender.name))
	case protocol.ActionConnect:
		s.setName(sender, p.Message)
	default:
		sender.log.Debug().Str("action", string(p.Action)).Msg("ignoring packet")
	}
}

func (s *Server) setName(c *Session, name string) {
	if name == "" {
		s.replyError(c, errBlankName)
		return
	}
	old := c.name
	c.name = name
	if old == "" {
		c.log.Info().Str("name", name).Msg("joined")
		s.announce(fmt.Sprintf("%s has joined the room.", name))
		return
	}
	if old != name {
		c.log.Info().Str("from", old).Str("to", name).Msg("renamed")
		s.announce(fmt.Sprintf("%s is now known as %s.", old, name))
	}
}

func (s *Server) registerCommands() {
	quit := func(s *Server, c *Session, args []string) error {
		s.disconnect(c, "You have left the room.", fmt.Sprintf("%s has left the room.", c.name))
		return nil
	}
	help := func(s *Server, c *Session, args []string) error {
		return c.Send(protocol.New(protocol.ActionMessage, helpText, protocol.SourceServer))
	}

	s.commands = map[string]CommandFunc{
		"info": func(s *Server, c *Session, args []string) error {
			return c.Send(protocol.New(protocol.ActionMessage, s.info(c), protocol.SourceServer))
		},

		"help": help,
		"h":    help,
		"quit": quit,
		"q":    quit,

		"kick": func(s *Server, c *Session, args []string) error {
			if len(args) < 1 {
				return errNoTarget
			}
			id, err := strconv.Atoi(args[0])
			if err != nil {
				return errTargetNotNumber
			}
			if id == 0 {
				return errKickHost
			}
			target := s.find(id)
			if target == nil {
				return errNoSuchTarget
			}
			if c.id != 0 {
				return errNotHost
			}
			s.disconnect(target, "You have been kicked from the room.",
				fmt.Sprintf("%s was kicked from the room.", displayName(target)))
			return nil
		},
	}
}

func (s *Server) handleCommand(c *Session, message string) {
	parts := strings.Fields(message[1:])
	if len(parts) == 0 {
		s.replyError(c, errUnknownCommand)
		return
	}

	handler, exists := s.commands[parts[0]]
	if !exists {
		s.replyError(c, errUnknownCommand)
		return
	}

	if err := handler(s, c, parts[1:]); err != nil {
		var perr *ProtocolError
		if errors.As(err, &perr) {
			s.replyError(c, perr)
			return
		}
		c.log.Warn().Err(err).Str("command", parts[0]).Msg("command failed")
	}
}

func (s *Server) replyError(c *Session, perr *ProtocolError) {
	c.log.Debug().Int("code", perr.Code).Msg(perr.Text)
	if err := c.Send(perr.Packet()); err != nil {
		c.connected.Store(false)
	}
}
