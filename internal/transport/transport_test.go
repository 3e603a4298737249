package transport

import (
	"encoding/binary"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"lanchat/internal/protocol"
)

const testKey uint64 = 0x1234_5678_9abc_def0

func newPair(t *testing.T) (*Transport, net.Conn) {
	t.Helper()
	local, remote := net.Pipe()
	t.Cleanup(func() {
		local.Close()
		remote.Close()
	})
	return New(local, zerolog.Nop()), remote
}

func writeRaw(t *testing.T, conn net.Conn, chunks ...[]byte) {
	t.Helper()
	go func() {
		for _, c := range chunks {
			if _, err := conn.Write(c); err != nil {
				return
			}
		}
	}()
}

func plainFrame(t *testing.T, p protocol.Packet) []byte {
	t.Helper()
	data, err := protocol.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return append(data, Separator...)
}

func sealedFrame(t *testing.T, p protocol.Packet) []byte {
	t.Helper()
	data, err := protocol.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	sealed, err := Encrypt(testKey, data)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	frame := make([]byte, lengthPrefix)
	binary.BigEndian.PutUint32(frame, uint32(len(sealed)))
	return append(frame, sealed...)
}

func expectPacket(t *testing.T, tr *Transport, want protocol.Packet) {
	t.Helper()
	got, err := tr.Receive()
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestReceiveBackToBackFrames(t *testing.T) {
	tr, remote := newPair(t)
	packets := []protocol.Packet{
		protocol.New(protocol.ActionConnect, "alice", "alice"),
		protocol.New(protocol.ActionMessage, "hello", "alice"),
		protocol.New(protocol.ActionMessage, "/info", "alice"),
	}

	var all []byte
	for _, p := range packets {
		all = append(all, plainFrame(t, p)...)
	}
	writeRaw(t, remote, all)

	for _, p := range packets {
		expectPacket(t, tr, p)
	}
}

func TestReceiveSplitFrame(t *testing.T) {
	tr, remote := newPair(t)
	first := protocol.New(protocol.ActionMessage, "first", "bob")
	second := protocol.New(protocol.ActionMessage, "second", "bob")

	data := append(plainFrame(t, first), plainFrame(t, second)...)
	cut := len(plainFrame(t, first)) + 7
	writeRaw(t, remote, data[:5], data[5:cut], data[cut:])

	expectPacket(t, tr, first)
	expectPacket(t, tr, second)
}

func TestReceiveSplitSeparator(t *testing.T) {
	tr, remote := newPair(t)
	p := protocol.New(protocol.ActionMessage, "split", "bob")
	frame := plainFrame(t, p)
	cut := len(frame) - 2
	writeRaw(t, remote, frame[:cut], frame[cut:])

	expectPacket(t, tr, p)
}

func TestEncryptedRoundTrip(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	left := New(a, zerolog.Nop())
	right := New(b, zerolog.Nop())
	for _, tr := range []*Transport{left, right} {
		if err := tr.SetEncryptionKey(testKey); err != nil {
			t.Fatalf("set key: %v", err)
		}
	}

	packets := []protocol.Packet{
		protocol.New(protocol.ActionMessage, "secret one", "carol"),
		protocol.New(protocol.ActionMessage, "", "carol"),
		protocol.New(protocol.ActionMessage, "contains \r\n\r\n inside", "carol"),
	}
	errs := make(chan error, 1)
	go func() {
		for _, p := range packets {
			if err := left.Send(p); err != nil {
				errs <- err
				return
			}
		}
		errs <- nil
	}()

	for _, p := range packets {
		expectPacket(t, right, p)
	}
	if err := <-errs; err != nil {
		t.Fatalf("send: %v", err)
	}
}

func TestEncryptedSplitFrame(t *testing.T) {
	tr, remote := newPair(t)
	if err := tr.SetEncryptionKey(testKey); err != nil {
		t.Fatalf("set key: %v", err)
	}
	p := protocol.New(protocol.ActionMessage, "chunked ciphertext", "dave")
	frame := sealedFrame(t, p)
	writeRaw(t, remote, frame[:2], frame[2:9], frame[9:])

	expectPacket(t, tr, p)
}

func TestKeySwitchKeepsBufferedBytes(t *testing.T) {
	tr, remote := newPair(t)
	reply := protocol.New(protocol.ActionSetupEncryption, "42", protocol.SourceClient)
	connect := protocol.New(protocol.ActionConnect, "erin", "erin")

	writeRaw(t, remote, append(plainFrame(t, reply), sealedFrame(t, connect)...))

	expectPacket(t, tr, reply)
	if err := tr.SetEncryptionKey(testKey); err != nil {
		t.Fatalf("set key: %v", err)
	}
	expectPacket(t, tr, connect)
}

func TestReceiveTimeoutPreservesPartialFrame(t *testing.T) {
	tr, remote := newPair(t)
	tr.SetReadTimeout(30 * time.Millisecond)
	p := protocol.New(protocol.ActionMessage, "late", "frank")
	frame := plainFrame(t, p)

	wrote := make(chan struct{})
	go func() {
		remote.Write(frame[:4])
		close(wrote)
	}()

	// net.Pipe writes return only once the reader consumed them, so after wrote is closed
	// the first half sits in the transport's buffer.
	for done := false; !done; {
		if _, err := tr.Receive(); !errors.Is(err, ErrTimeout) {
			t.Fatalf("expected ErrTimeout, got %v", err)
		}
		select {
		case <-wrote:
			done = true
		default:
		}
	}

	writeRaw(t, remote, frame[4:])
	tr.SetReadTimeout(time.Second)
	expectPacket(t, tr, p)
}

func TestMalformedFrameIsSkipped(t *testing.T) {
	tr, remote := newPair(t)
	good := protocol.New(protocol.ActionMessage, "ok", "gina")
	bad := append([]byte(`{"action":"MESSAGE","source":"gina"}`), Separator...)
	writeRaw(t, remote, append(bad, plainFrame(t, good)...))

	if _, err := tr.Receive(); !errors.Is(err, protocol.ErrMalformedPacket) {
		t.Fatalf("expected ErrMalformedPacket, got %v", err)
	}
	expectPacket(t, tr, good)
}

func TestPeerGone(t *testing.T) {
	tr, remote := newPair(t)
	remote.Close()

	if _, err := tr.Receive(); !errors.Is(err, ErrConnectionFailure) {
		t.Fatalf("expected ErrConnectionFailure on receive, got %v", err)
	}
	if err := tr.Send(protocol.New(protocol.ActionMessage, "x", "y")); !errors.Is(err, ErrConnectionFailure) {
		t.Fatalf("expected ErrConnectionFailure on send, got %v", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	tr, _ := newPair(t)
	for i := 0; i < 2; i++ {
		if err := tr.Close(); err != nil {
			t.Fatalf("close #%d: %v", i+1, err)
		}
		if err := tr.Send(protocol.New(protocol.ActionMessage, "x", "y")); !errors.Is(err, ErrClosed) {
			t.Errorf("send after close #%d: expected ErrClosed, got %v", i+1, err)
		}
		if _, err := tr.Receive(); !errors.Is(err, ErrClosed) {
			t.Errorf("receive after close #%d: expected ErrClosed, got %v", i+1, err)
		}
	}
}

func TestCipher(t *testing.T) {
	for _, size := range []int{0, 1, 7, 8, 9, 64, 100} {
		plain := make([]byte, size)
		for i := range plain {
			plain[i] = byte(i * 7)
		}
		sealed, err := Encrypt(testKey, plain)
		if err != nil {
			t.Fatalf("encrypt %d: %v", size, err)
		}
		if len(sealed)%8 != 0 || len(sealed) <= size {
			t.Errorf("size %d: unexpected ciphertext length %d", size, len(sealed))
		}
		opened, err := Decrypt(testKey, sealed)
		if err != nil {
			t.Fatalf("decrypt %d: %v", size, err)
		}
		if string(opened) != string(plain) {
			t.Errorf("size %d: round trip mismatch", size)
		}
	}

	if _, err := Decrypt(testKey, []byte{1, 2, 3}); err == nil {
		t.Error("expected error for truncated ciphertext")
	}
	sealed, _ := Encrypt(testKey, []byte("hello"))
	if opened, err := Decrypt(testKey+1, sealed); err == nil && string(opened) == "hello" {
		t.Error("wrong key must not decrypt")
	}
}

func TestDeadlineBoundsTricklingPeer(t *testing.T) {
	tr, remote := newPair(t)
	tr.SetReadTimeout(50 * time.Millisecond)
	tr.SetDeadline(time.Now().Add(300 * time.Millisecond))

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if _, err := remote.Write([]byte("x")); err != nil {
					return
				}
			}
		}
	}()

	start := time.Now()
	_, err := tr.Receive()
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("deadline ignored: Receive took %v", elapsed)
	}

	tr.SetDeadline(time.Time{})
	if got := tr.readDeadline(); got.IsZero() || time.Until(got) > time.Second {
		t.Errorf("cleared deadline should fall back to the read timeout, got %v", got)
	}
}

func TestUnterminatedFrameIsCapped(t *testing.T) {
	tr, remote := newPair(t)
	chunk := make([]byte, 64<<10)
	for i := range chunk {
		chunk[i] = 'x'
	}
	go func() {
		for sent := 0; sent <= maxFrameSize; sent += len(chunk) {
			if _, err := remote.Write(chunk); err != nil {
				return
			}
		}
		remote.Write(chunk)
	}()

	if _, err := tr.Receive(); !errors.Is(err, ErrConnectionFailure) {
		t.Fatalf("expected ErrConnectionFailure, got %v", err)
	}
}
