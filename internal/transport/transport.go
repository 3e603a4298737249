// Package transport turns a byte stream into a sequence of whole packets, optionally encrypted.
//
// Before a key is installed, frames are JSON documents terminated by Separator and several
// frames may arrive in one read. Once a key is installed every packet travels as exactly one
// ciphertext, preceded by its 4-byte big-endian length.
//
// Wire: plain frame = JSON "\r\n\r\n"; encrypted frame = uint32 length (big-endian) + DES-ECB
// ciphertext. Peers that expect bare ciphertext without the length prefix cannot talk to this one.
package transport

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"lanchat/internal/protocol"
)

// Separator ends every plain frame.
var Separator = []byte("\r\n\r\n")

const (
	readChunk        = 4096
	lengthPrefix     = 4
	maxFrameSize     = 1 << 20
	defaultWriteWait = 10 * time.Second
)

var (
	// ErrClosed is returned by Send and Receive after Close.
	ErrClosed = errors.New("transport: already closed")
	// ErrTimeout is returned by Receive when the read timeout expires without a whole packet.
	ErrTimeout = errors.New("transport: read timeout")
	// ErrConnectionFailure means the peer is gone.
	ErrConnectionFailure = errors.New("transport: connection failure")
)

// Transport exchanges whole packets over a net.Conn. Send may be called concurrently with
// Receive; Receive itself must only be called from one goroutine.
type Transport struct {
	conn net.Conn
	log  zerolog.Logger

	writeMu   sync.Mutex
	writeWait time.Duration

	cipher      atomic.Pointer[blockCipher]
	closed      atomic.Bool
	readTimeout atomic.Int64
	deadline    atomic.Int64 // unix nanoseconds, 0 when unset

	// read side, owned by the receiving goroutine
	pending []byte
	chunk   []byte
	readErr error
}

// New wraps conn.
func New(conn net.Conn, log zerolog.Logger) *Transport {
	return &Transport{
		conn:      conn,
		log:       log.With().Str("peer", conn.RemoteAddr().String()).Logger(),
		writeWait: defaultWriteWait,
		chunk:     make([]byte, readChunk),
	}
}

// RemoteAddr returns the peer address.
func (t *Transport) RemoteAddr() net.Addr {
	return t.conn.RemoteAddr()
}

// SetEncryptionKey switches the transport to encrypted frames for every later Send and Receive.
func (t *Transport) SetEncryptionKey(secret uint64) error {
	c, err := newBlockCipher(secret)
	if err != nil {
		return fmt.Errorf("transport: install key: %w", err)
	}
	t.cipher.Store(c)
	t.log.Debug().Msg("encryption enabled")
	return nil
}

// Encrypted reports whether a key is installed.
func (t *Transport) Encrypted() bool {
	return t.cipher.Load() != nil
}

// SetReadTimeout bounds every later Receive. Zero blocks forever.
func (t *Transport) SetReadTimeout(d time.Duration) {
	t.readTimeout.Store(int64(d))
}

// SetDeadline bounds every later Receive by an absolute point in time, however much data
// trickles in before it. The zero time removes the bound.
func (t *Transport) SetDeadline(at time.Time) {
	if at.IsZero() {
		t.deadline.Store(0)
		return
	}
	t.deadline.Store(at.UnixNano())
}

// readDeadline is the earlier of the per-read timeout and the overall deadline.
func (t *Transport) readDeadline() time.Time {
	var at time.Time
	if d := time.Duration(t.readTimeout.Load()); d > 0 {
		at = time.Now().Add(d)
	}
	if n := t.deadline.Load(); n != 0 {
		if overall := time.Unix(0, n); at.IsZero() || overall.Before(at) {
			at = overall
		}
	}
	return at
}

// Send serializes p and writes it as one frame.
func (t *Transport) Send(p protocol.Packet) error {
	if t.closed.Load() {
		return ErrClosed
	}
	data, err := protocol.Marshal(p)
	if err != nil {
		return fmt.Errorf("transport: encode: %w", err)
	}

	var frame []byte
	if c := t.cipher.Load(); c != nil {
		sealed := c.encrypt(data)
		frame = make([]byte, lengthPrefix, lengthPrefix+len(sealed))
		binary.BigEndian.PutUint32(frame, uint32(len(sealed)))
		frame = append(frame, sealed...)
	} else {
		frame = append(data, Separator...)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.writeWait > 0 {
		_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeWait))
	}
	if _, err := t.conn.Write(frame); err != nil {
		if t.closed.Load() {
			return ErrClosed
		}
		return fmt.Errorf("%w: %v", ErrConnectionFailure, err)
	}
	return nil
}

// Receive blocks until one whole packet is available. Frames already buffered are returned
// before the connection is read again. A frame that cannot be decoded is consumed and
// reported as protocol.ErrMalformedPacket; the stream stays usable.
func (t *Transport) Receive() (protocol.Packet, error) {
	for {
		if t.closed.Load() {
			return protocol.Packet{}, ErrClosed
		}

		frame, ok, err := t.nextFrame()
		if err != nil {
			return protocol.Packet{}, err
		}
		if ok {
			return t.decode(frame)
		}

		if t.readErr != nil {
			return protocol.Packet{}, t.readErr
		}

		_ = t.conn.SetReadDeadline(t.readDeadline())

		n, err := t.conn.Read(t.chunk)
		if n > 0 {
			t.pending = append(t.pending, t.chunk[:n]...)
		}
		if err == nil {
			continue
		}
		if t.closed.Load() {
			return protocol.Packet{}, ErrClosed
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			if n > 0 {
				continue
			}
			return protocol.Packet{}, ErrTimeout
		}
		// Deliver whatever is still buffered before reporting the broken stream.
		if errors.Is(err, io.EOF) {
			t.readErr = fmt.Errorf("%w: peer closed the stream", ErrConnectionFailure)
		} else {
			t.readErr = fmt.Errorf("%w: %v", ErrConnectionFailure, err)
		}
	}
}

// nextFrame cuts one complete frame off the pending buffer.
func (t *Transport) nextFrame() ([]byte, bool, error) {
	if t.cipher.Load() != nil {
		if len(t.pending) < lengthPrefix {
			return nil, false, nil
		}
		size := binary.BigEndian.Uint32(t.pending)
		if size > maxFrameSize {
			return nil, false, fmt.Errorf("%w: frame of %d bytes", ErrConnectionFailure, size)
		}
		end := lengthPrefix + int(size)
		if len(t.pending) < end {
			return nil, false, nil
		}
		frame := append([]byte(nil), t.pending[lengthPrefix:end]...)
		t.pending = t.pending[end:]
		return frame, true, nil
	}

	for {
		idx := bytes.Index(t.pending, Separator)
		if idx < 0 {
			if len(t.pending) > maxFrameSize {
				return nil, false, fmt.Errorf("%w: unterminated frame of %d bytes", ErrConnectionFailure, len(t.pending))
			}
			return nil, false, nil
		}
		frame := append([]byte(nil), t.pending[:idx]...)
		t.pending = t.pending[idx+len(Separator):]
		if len(frame) == 0 {
			continue
		}
		return frame, true, nil
	}
}

func (t *Transport) decode(frame []byte) (protocol.Packet, error) {
	if c := t.cipher.Load(); c != nil {
		plain, err := c.decrypt(frame)
		if err != nil {
			return protocol.Packet{}, fmt.Errorf("%w: %v", protocol.ErrMalformedPacket, err)
		}
		frame = plain
	}
	return protocol.Unmarshal(frame)
}

// Close releases the connection. Calling it again is a no-op.
func (t *Transport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	return t.conn.Close()
}

// IsPeerGone reports whether err means the other side has gone away.
func IsPeerGone(err error) bool {
	return errors.Is(err, ErrConnectionFailure) || errors.Is(err, ErrClosed)
}
