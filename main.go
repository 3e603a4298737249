// main.go
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"lanchat/internal"
	"lanchat/internal/client"
	"lanchat/internal/config"
	"lanchat/internal/discovery"
	"lanchat/internal/logging"
)

const version = "LAN-Chat version 0.1.2"

const (
	firstBackoff = time.Second
	maxBackoff   = 30 * time.Second
)

var errDeclined = errors.New("hosting cancelled")

type cliOptions struct {
	find      bool
	join      bool
	direct    string
	host      bool
	invisible bool
	room      string
	name      string
	port      int
	config    string
	debug     bool
	version   bool
	help      bool
}

func parseArgs(args []string, out io.Writer) (cliOptions, error) {
	var o cliOptions
	fs := flag.NewFlagSet("lanchat", flag.ContinueOnError)
	fs.SetOutput(out)
	fs.BoolVar(&o.find, "find", false, "Retrieve a list of joinable rooms on the LAN")
	fs.BoolVar(&o.join, "join", false, "Find rooms on the LAN, then select one to join")
	fs.StringVar(&o.direct, "direct", "", "Directly connect to the host at this IP address")
	fs.BoolVar(&o.host, "host", false, "Host a room on the LAN")
	fs.BoolVar(&o.invisible, "invisible", false, "Do not answer LAN discovery; peers must use -direct")
	fs.StringVar(&o.room, "room", "", "Room name when hosting (prompted if empty)")
	fs.StringVar(&o.name, "name", "", "Display name (prompted if empty)")
	fs.IntVar(&o.port, "port", 0, "TCP and discovery port (default from config, 29001)")
	fs.StringVar(&o.config, "config", config.DefaultFile, "Path to the ini config file")
	fs.BoolVar(&o.debug, "debug", false, "Log at debug level")
	fs.BoolVar(&o.version, "version", false, "Display program version")
	fs.BoolVar(&o.help, "help", false, "Display this message")
	fs.Usage = func() {
		fmt.Fprintln(out, "Usage: lanchat [-find | -join | -direct IP | -host [-invisible]] [options]")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if fs.NArg() > 0 {
		fs.Usage()
		return o, fmt.Errorf("unexpected argument %q", fs.Arg(0))
	}
	if o.help || (!o.version && !o.find && !o.join && !o.host && o.direct == "") {
		o.help = true
		fs.Usage()
	}
	return o, nil
}

func main() {
	opts, err := parseArgs(os.Args[1:], os.Stdout)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		os.Exit(2)
	}
	if err := run(opts, bufio.NewReader(os.Stdin), os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(opts cliOptions, in *bufio.Reader, out io.Writer) error {
	if opts.version {
		fmt.Fprintln(out, version)
		return nil
	}
	if opts.help {
		return nil
	}

	cfg, err := config.Load(opts.config)
	if err != nil {
		return err
	}
	if opts.port != 0 {
		cfg.Port = opts.port
		cfg.DiscoveryPort = opts.port
	}
	if opts.debug {
		cfg.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logFile, err := logging.OpenFile(cfg.LogFile)
	if err != nil {
		return err
	}
	defer logFile.Close()
	log, err := logging.New(logging.Options{Level: cfg.LogLevel, Out: logFile})
	if err != nil {
		return err
	}

	if opts.find {
		rooms, err := discovery.Discover(cfg.DiscoveryPort, cfg.DiscoveryWindow, log)
		if err != nil {
			return err
		}
		printRooms(out, rooms, false)
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	address := opts.direct
	var server *internal.Server
	var serverDone chan error
	room := opts.room

	switch {
	case opts.host:
		if room == "" {
			room = prompt(in, out, "Room name: ")
		}
		r := retrier{in: in, out: out}
		server, err = r.host(cfg, room, log)
		if errors.Is(err, errDeclined) {
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Fprintln(out, "Hosting.")
		serverDone = make(chan error, 1)
		go func() { serverDone <- server.Run(ctx) }()
		if !opts.invisible {
			responder, err := discovery.NewResponder(fmt.Sprintf(":%d", cfg.DiscoveryPort), room, server.Done, cfg.DiscoveryPoll, log)
			if err != nil {
				log.Warn().Err(err).Msg("room will not be discoverable")
			} else {
				go func() {
					if err := responder.Run(); err != nil {
						log.Warn().Err(err).Msg("discovery responder stopped")
					}
				}()
			}
		}
		address = "127.0.0.1"
	case opts.join:
		rooms, err := discovery.Discover(cfg.DiscoveryPort, cfg.DiscoveryWindow, log)
		if err != nil {
			return err
		}
		chosen, ok := chooseRoom(in, out, rooms)
		if !ok {
			return nil
		}
		address, room = chosen.Address, chosen.Name
	}

	name := opts.name
	for name == "" {
		name = prompt(in, out, "Name: ")
	}

	sess, err := client.Dial(ctx, address, cfg.Port, client.Options{HandshakeTimeout: cfg.HandshakeTimeout, Log: log})
	if err != nil {
		return err
	}
	defer sess.Close()

	ui, err := NewChatUI(sess, roomStatus{room: room, host: address, name: name})
	if err != nil {
		return err
	}
	go sess.Listen()
	if err := sess.Join(name); err != nil {
		ui.Close()
		return err
	}
	err = ui.Run()
	ui.Close()
	sess.Close()
	if err != nil {
		return err
	}

	if server != nil {
		fmt.Fprintln(out, "Waiting for the room to empty. Press Ctrl-C to close it now.")
		if err := <-serverDone; err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
	return nil
}

func prompt(in *bufio.Reader, out io.Writer, label string) string {
	fmt.Fprint(out, label)
	line, _ := in.ReadString('\n')
	return strings.TrimSpace(line)
}

func printRooms(out io.Writer, rooms []discovery.Room, numbered bool) {
	fmt.Fprintf(out, "Found %d hosts.\n", len(rooms))
	for i, r := range rooms {
		if numbered {
			fmt.Fprintf(out, "%d: %s -- %s\n", i, r.Name, r.Address)
		} else {
			fmt.Fprintf(out, "%s -- %s\n", r.Name, r.Address)
		}
	}
}

func chooseRoom(in *bufio.Reader, out io.Writer, rooms []discovery.Room) (discovery.Room, bool) {
	printRooms(out, rooms, true)
	if len(rooms) == 0 {
		return discovery.Room{}, false
	}
	choice, err := strconv.Atoi(prompt(in, out, "Choose host> "))
	if err != nil || choice < 0 || choice >= len(rooms) {
		fmt.Fprintln(out, "No such host.")
		return discovery.Room{}, false
	}
	return rooms[choice], true
}

// retrier asks before every new attempt to bind a busy port.
type retrier struct {
	in    *bufio.Reader
	out   io.Writer
	timer backoff.Timer // nil means a real timer
}

// portBackoff waits 1s, 2s, 4s ... and never more than 30s between attempts.
func portBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = firstBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = maxBackoff
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (r retrier) host(cfg config.Config, room string, log zerolog.Logger) (*internal.Server, error) {
	var server *internal.Server
	attempt := func() error {
		s, err := internal.HostRoom(cfg, room, log)
		if err == nil {
			server = s
			return nil
		}
		if !errors.Is(err, syscall.EADDRINUSE) {
			return backoff.Permanent(err)
		}
		fmt.Fprintf(r.out, "Port %d is already in use.\n", cfg.Port)
		answer := strings.ToLower(prompt(r.in, r.out, "Retry? [y/N] "))
		if answer != "y" && answer != "yes" {
			return backoff.Permanent(errDeclined)
		}
		return err
	}
	notify := func(_ error, wait time.Duration) {
		fmt.Fprintf(r.out, "Retrying in %s...\n", wait)
	}
	if err := backoff.RetryNotifyWithTimer(attempt, portBackoff(), notify, r.timer); err != nil {
		return nil, err
	}
	return server, nil
}
