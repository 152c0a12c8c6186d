package server

import (
	"net"
	"sync"
	"time"

	"github.com/aeolun/buddychat/pkg/protocol"
)

// writeTimeout bounds a single frame write so a stalled peer cannot hold up
// the goroutine that routes to it.
const writeTimeout = 10 * time.Second

// SafeConn wraps a net.Conn with write synchronization. Replies from the
// session's own goroutine and envelopes routed by other sessions share the
// connection, and their frames must not interleave.
type SafeConn struct {
	conn      net.Conn
	codec     *protocol.Codec
	mu        sync.Mutex // Protects writes to conn
	closeOnce sync.Once
	closeErr  error
}

// NewSafeConn wraps conn. Envelopes are sealed and opened with codec.
func NewSafeConn(conn net.Conn, codec *protocol.Codec) *SafeConn {
	return &SafeConn{conn: conn, codec: codec}
}

// Send encodes env and writes it as one frame.
func (sc *SafeConn) Send(env protocol.Envelope) error {
	frame, err := sc.codec.Encode(env)
	if err != nil {
		return err
	}
	return sc.EncodeFrame(frame)
}

// EncodeFrame writes a frame with automatic write synchronization.
func (sc *SafeConn) EncodeFrame(frame *protocol.Frame) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return protocol.EncodeFrame(sc.conn, frame)
}

// ReadFrame reads a protocol frame from the connection.
// Reads don't need write synchronization.
func (sc *SafeConn) ReadFrame() (*protocol.Frame, error) {
	return protocol.DecodeFrame(sc.conn)
}

// Decode opens a frame read from this connection.
func (sc *SafeConn) Decode(frame *protocol.Frame) (protocol.Envelope, error) {
	return sc.codec.Decode(frame)
}

// CloseRead interrupts a blocked ReadFrame. Transports that cannot half-close
// are closed completely.
func (sc *SafeConn) CloseRead() error {
	type readCloser interface {
		CloseRead() error
	}
	if rc, ok := sc.conn.(readCloser); ok {
		return rc.CloseRead()
	}
	return sc.Close()
}

// Close closes the underlying connection. Safe to call more than once and from
// any goroutine.
func (sc *SafeConn) Close() error {
	sc.closeOnce.Do(func() {
		sc.closeErr = sc.conn.Close()
	})
	return sc.closeErr
}

// RemoteAddr returns the remote network address
func (sc *SafeConn) RemoteAddr() net.Addr {
	return sc.conn.RemoteAddr()
}
