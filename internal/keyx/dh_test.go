package keyx

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"lanchat/internal/protocol"
	"lanchat/internal/transport"
)

func TestSharedSecretAgreement(t *testing.T) {
	for i := 0; i < 25; i++ {
		params := GenerateParams(64, 32)
		a := PrivateKey(params.N)
		b := PrivateKey(params.N)
		if a < 1 || a > params.N || b < 1 || b > params.N {
			t.Fatalf("private keys out of range: %d %d (n=%d)", a, b, params.N)
		}
		A := PartialKey(a, params)
		B := PartialKey(b, params)
		if SharedSecret(B, a, params.N) != SharedSecret(A, b, params.N) {
			t.Fatalf("secrets disagree for n=%d g=%d a=%d b=%d", params.N, params.G, a, b)
		}
	}
}

func TestOfferRoundTrip(t *testing.T) {
	keys := NewServerKeys(64, 32)
	params, partial, err := ParseOffer(keys.Offer())
	if err != nil {
		t.Fatalf("parse offer: %v", err)
	}
	if params != keys.Params || partial != keys.Partial {
		t.Errorf("parsed %+v/%d, want %+v/%d", params, partial, keys.Params, keys.Partial)
	}
}

func TestParseOfferRejectsGarbage(t *testing.T) {
	for _, offer := range []string{
		"",
		"1,2",
		"a,b,c",
		"23,5,0",
		"23,5,23",
		"23,5,99",
		"1,5,1",
		"23,5,3,4",
	} {
		if _, _, err := ParseOffer(offer); !errors.Is(err, ErrHandshakeViolation) {
			t.Errorf("ParseOffer(%q): expected ErrHandshakeViolation, got %v", offer, err)
		}
	}
}

func TestHandshakeOverTransport(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	server := transport.New(a, zerolog.Nop())
	client := transport.New(b, zerolog.Nop())
	server.SetReadTimeout(2 * time.Second)
	client.SetReadTimeout(2 * time.Second)

	keys := NewServerKeys(64, 32)
	errs := make(chan error, 1)
	go func() { errs <- keys.Handshake(server) }()

	if err := ClientHandshake(client); err != nil {
		t.Fatalf("client handshake: %v", err)
	}
	if err := <-errs; err != nil {
		t.Fatalf("server handshake: %v", err)
	}
	if !server.Encrypted() || !client.Encrypted() {
		t.Fatal("both ends should be encrypted")
	}

	want := protocol.New(protocol.ActionConnect, "alice", "alice")
	go func() { errs <- client.Send(want) }()
	got, err := server.Receive()
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
	if err := <-errs; err != nil {
		t.Fatalf("send: %v", err)
	}
}

// scriptedChannel replays canned replies and records what was sent.
type scriptedChannel struct {
	replies []protocol.Packet
	sent    []protocol.Packet
	key     uint64
	keyed   bool
}

func (c *scriptedChannel) Send(p protocol.Packet) error {
	c.sent = append(c.sent, p)
	return nil
}

func (c *scriptedChannel) Receive() (protocol.Packet, error) {
	if len(c.replies) == 0 {
		return protocol.Packet{}, transport.ErrConnectionFailure
	}
	p := c.replies[0]
	c.replies = c.replies[1:]
	return p, nil
}

func (c *scriptedChannel) SetEncryptionKey(secret uint64) error {
	c.key, c.keyed = secret, true
	return nil
}

func TestHandshakeViolation(t *testing.T) {
	keys := NewServerKeys(32, 16)
	ch := &scriptedChannel{replies: []protocol.Packet{
		protocol.New(protocol.ActionConnect, "mallory", "mallory"),
	}}

	err := keys.Handshake(ch)
	if !errors.Is(err, ErrHandshakeViolation) {
		t.Fatalf("expected ErrHandshakeViolation, got %v", err)
	}
	if ch.keyed {
		t.Error("key must not be installed after a violation")
	}
	if len(ch.sent) != 1 || ch.sent[0].Action != protocol.ActionSetupEncryption || ch.sent[0].Message != keys.Offer() {
		t.Errorf("unexpected offer %+v", ch.sent)
	}
}

func TestClientHandshakeViolation(t *testing.T) {
	ch := &scriptedChannel{replies: []protocol.Packet{
		protocol.New(protocol.ActionMessage, "hello", protocol.SourceServer),
	}}
	if err := ClientHandshake(ch); !errors.Is(err, ErrHandshakeViolation) {
		t.Fatalf("expected ErrHandshakeViolation, got %v", err)
	}
	if len(ch.sent) != 0 {
		t.Errorf("client must not answer a bad offer, sent %+v", ch.sent)
	}
}

func TestHandshakeKeysMatch(t *testing.T) {
	keys := NewServerKeys(64, 32)
	clientSide := &scriptedChannel{replies: []protocol.Packet{
		protocol.New(protocol.ActionSetupEncryption, keys.Offer(), protocol.SourceServer),
	}}
	if err := ClientHandshake(clientSide); err != nil {
		t.Fatalf("client handshake: %v", err)
	}

	serverSide := &scriptedChannel{replies: clientSide.sent}
	if err := keys.Handshake(serverSide); err != nil {
		t.Fatalf("server handshake: %v", err)
	}
	if !clientSide.keyed || !serverSide.keyed || clientSide.key != serverSide.key {
		t.Errorf("keys differ: client %d server %d", clientSide.key, serverSide.key)
	}
}
