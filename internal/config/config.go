// Package config holds runtime settings, read from an optional ini file.
package config

import (
	"fmt"
	"time"

	"gopkg.in/ini.v1"
)

// DefaultPort serves both the TCP room and the UDP discovery responder.
const DefaultPort = 29001

// DefaultFile is looked up in the working directory when no path is given.
const DefaultFile = "lanchat.ini"

// Config holds every tunable of a host or a joining peer.
type Config struct {
	Port          int
	DiscoveryPort int

	ReadTimeout      time.Duration
	AcceptTimeout    time.Duration
	HandshakeTimeout time.Duration
	QueueSize        int
	ModulusBits      int
	GeneratorBits    int

	DiscoveryWindow time.Duration
	DiscoveryPoll   time.Duration

	LogLevel string
	LogFile  string
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Port:             DefaultPort,
		DiscoveryPort:    DefaultPort,
		ReadTimeout:      250 * time.Millisecond,
		AcceptTimeout:    250 * time.Millisecond,
		HandshakeTimeout: 5 * time.Second,
		QueueSize:        256,
		ModulusBits:      64,
		GeneratorBits:    32,
		DiscoveryWindow:  250 * time.Millisecond,
		DiscoveryPoll:    250 * time.Millisecond,
		LogLevel:         "info",
		LogFile:          "lanchat.log",
	}
}

// Load reads path on top of the defaults. A missing file is not an error.
func Load(path string) (Config, error) {
	if path == "" {
		path = DefaultFile
	}
	return load(path)
}

func load(source interface{}) (Config, error) {
	cfg := Default()
	file, err := ini.LooseLoad(source)
	if err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}

	general := file.Section("general")
	cfg.Port = general.Key("port").MustInt(cfg.Port)
	cfg.DiscoveryPort = general.Key("discovery_port").MustInt(cfg.DiscoveryPort)

	server := file.Section("server")
	cfg.ReadTimeout = server.Key("read_timeout").MustDuration(cfg.ReadTimeout)
	cfg.AcceptTimeout = server.Key("accept_timeout").MustDuration(cfg.AcceptTimeout)
	cfg.HandshakeTimeout = server.Key("handshake_timeout").MustDuration(cfg.HandshakeTimeout)
	cfg.QueueSize = server.Key("queue_size").MustInt(cfg.QueueSize)
	cfg.ModulusBits = server.Key("prime_bits_n").MustInt(cfg.ModulusBits)
	cfg.GeneratorBits = server.Key("prime_bits_g").MustInt(cfg.GeneratorBits)

	discovery := file.Section("discovery")
	cfg.DiscoveryWindow = discovery.Key("window").MustDuration(cfg.DiscoveryWindow)
	cfg.DiscoveryPoll = discovery.Key("poll_timeout").MustDuration(cfg.DiscoveryPoll)

	log := file.Section("log")
	cfg.LogLevel = log.Key("level").MustString(cfg.LogLevel)
	cfg.LogFile = log.Key("file").MustString(cfg.LogFile)

	return cfg, cfg.Validate()
}

// Validate rejects settings the core cannot run with.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Port)
	}
	if c.DiscoveryPort <= 0 || c.DiscoveryPort > 65535 {
		return fmt.Errorf("config: invalid discovery port %d", c.DiscoveryPort)
	}
	if c.ReadTimeout <= 0 || c.AcceptTimeout <= 0 || c.HandshakeTimeout <= 0 {
		return fmt.Errorf("config: timeouts must be positive")
	}
	if c.DiscoveryWindow <= 0 || c.DiscoveryPoll <= 0 {
		return fmt.Errorf("config: discovery durations must be positive")
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("config: queue_size must be at least 1")
	}
	if c.ModulusBits < 16 || c.ModulusBits > 64 {
		return fmt.Errorf("config: prime_bits_n must be within 16..64, got %d", c.ModulusBits)
	}
	if c.GeneratorBits < 2 || c.GeneratorBits >= c.ModulusBits {
		return fmt.Errorf("config: prime_bits_g must be within 2..%d, got %d", c.ModulusBits-1, c.GeneratorBits)
	}
	return nil
}
