package keyx

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"

	"lanchat/internal/protocol"
)

// ErrHandshakeViolation means the peer answered the exchange with something other than SETUP_ENCRYPTION
// or with a value that cannot be part of it.
var ErrHandshakeViolation = errors.New("keyx: handshake protocol violation")

// Channel is the packet pipe the exchange runs over.
type Channel interface {
	Send(protocol.Packet) error
	Receive() (protocol.Packet, error)
	SetEncryptionKey(secret uint64) error
}

// Params are the public group values. G is a random prime and is not checked to be a
// primitive root modulo N, so the effective key space may be smaller than N suggests.
type Params struct {
	N uint64
	G uint64
}

// GenerateParams draws a fresh modulus and generator.
func GenerateParams(nBits, gBits int) Params {
	return Params{N: Prime(nBits), G: Prime(gBits)}
}

// PrivateKey draws a secret exponent in [1, n].
func PrivateKey(n uint64) uint64 {
	return 1 + rand.Uint64N(n)
}

// PartialKey computes g^private mod n, the value that is safe to transmit.
func PartialKey(private uint64, p Params) uint64 {
	return powMod(p.G, private, p.N)
}

// SharedSecret computes peerPartial^private mod n.
func SharedSecret(peerPartial, private, n uint64) uint64 {
	return powMod(peerPartial, private, n)
}

// ServerKeys is the host's long-term key material, reused for every peer.
type ServerKeys struct {
	Params
	private uint64
	Partial uint64
}

// NewServerKeys generates parameters and a key pair.
func NewServerKeys(nBits, gBits int) *ServerKeys {
	params := GenerateParams(nBits, gBits)
	private := PrivateKey(params.N)
	return &ServerKeys{
		Params:  params,
		private: private,
		Partial: PartialKey(private, params),
	}
}

// Offer is the SETUP_ENCRYPTION message the server opens with: "n,g,A".
func (k *ServerKeys) Offer() string {
	return fmt.Sprintf("%d,%d,%d", k.N, k.G, k.Partial)
}

// Handshake runs the server role over ch and installs the shared key on success.
func (k *ServerKeys) Handshake(ch Channel) error {
	if err := ch.Send(protocol.New(protocol.ActionSetupEncryption, k.Offer(), protocol.SourceServer)); err != nil {
		return fmt.Errorf("keyx: send offer: %w", err)
	}
	reply, err := ch.Receive()
	if err != nil {
		return fmt.Errorf("keyx: await reply: %w", err)
	}
	if reply.Action != protocol.ActionSetupEncryption {
		return fmt.Errorf("%w: got %s", ErrHandshakeViolation, reply.Action)
	}
	peer, err := parsePartial(reply.Message, k.N)
	if err != nil {
		return err
	}
	return ch.SetEncryptionKey(SharedSecret(peer, k.private, k.N))
}

// ClientHandshake runs the peer role over ch: it waits for the server's offer, answers with its
// own partial key and installs the shared key.
func ClientHandshake(ch Channel) error {
	offer, err := ch.Receive()
	if err != nil {
		return fmt.Errorf("keyx: await offer: %w", err)
	}
	if offer.Action != protocol.ActionSetupEncryption {
		return fmt.Errorf("%w: got %s", ErrHandshakeViolation, offer.Action)
	}
	params, serverPartial, err := ParseOffer(offer.Message)
	if err != nil {
		return err
	}

	private := PrivateKey(params.N)
	partial := PartialKey(private, params)
	if err := ch.Send(protocol.New(protocol.ActionSetupEncryption, strconv.FormatUint(partial, 10), protocol.SourceClient)); err != nil {
		return fmt.Errorf("keyx: send partial key: %w", err)
	}
	return ch.SetEncryptionKey(SharedSecret(serverPartial, private, params.N))
}

// ParseOffer splits "n,g,A".
func ParseOffer(s string) (Params, uint64, error) {
	fields := strings.Split(s, ",")
	if len(fields) != 3 {
		return Params{}, 0, fmt.Errorf("%w: offer %q", ErrHandshakeViolation, s)
	}
	var values [3]uint64
	for i, f := range fields {
		v, err := strconv.ParseUint(strings.TrimSpace(f), 10, 64)
		if err != nil {
			return Params{}, 0, fmt.Errorf("%w: offer %q", ErrHandshakeViolation, s)
		}
		values[i] = v
	}
	params := Params{N: values[0], G: values[1]}
	if params.N < 3 || params.G < 2 {
		return Params{}, 0, fmt.Errorf("%w: offer %q", ErrHandshakeViolation, s)
	}
	partial, err := parsePartial(fields[2], params.N)
	if err != nil {
		return Params{}, 0, err
	}
	return params, partial, nil
}

func parsePartial(s string, n uint64) (uint64, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil || v == 0 || v >= n {
		return 0, fmt.Errorf("%w: partial key %q", ErrHandshakeViolation, s)
	}
	return v, nil
}
