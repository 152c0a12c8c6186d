package botlib

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aeolun/buddychat/pkg/protocol"
)

// ErrConnectionClosed is returned for requests on a closed connection.
var ErrConnectionClosed = errors.New("connection closed")

// RefusedError is a receipt that reports failure.
type RefusedError struct {
	Cmd    protocol.Command
	Reason string
}

func (e *RefusedError) Error() string {
	return fmt.Sprintf("%s refused: %s", e.Cmd, e.Reason)
}

// connection handles the low-level protocol communication.
type connection struct {
	addr      string
	transport string
	codec     *protocol.Codec
	conn      io.ReadWriteCloser

	sendMu sync.Mutex
	closed bool
	mu     sync.RWMutex

	// one request in flight at a time, so the next response is its answer
	requestMu   sync.Mutex
	responsesCh chan protocol.Envelope

	pushCh  chan protocol.Envelope
	closing chan struct{}
	done    chan struct{}
}

func newConnection(addr, transport string, codec *protocol.Codec) *connection {
	return &connection{
		addr:        addr,
		transport:   transport,
		codec:       codec,
		responsesCh: make(chan protocol.Envelope, 10),
		pushCh:      make(chan protocol.Envelope, 256),
		closing:     make(chan struct{}),
		done:        make(chan struct{}),
	}
}

func (c *connection) connect() error {
	switch c.transport {
	case "", "tcp":
		conn, err := net.Dial("tcp", c.addr)
		if err != nil {
			return fmt.Errorf("dial failed: %w", err)
		}
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetNoDelay(true)
		}
		c.conn = conn
	case "ws":
		dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
		ws, _, err := dialer.Dial(fmt.Sprintf("ws://%s/ws", c.addr), nil)
		if err != nil {
			return fmt.Errorf("websocket dial failed: %w", err)
		}
		c.conn = &wsStream{ws: ws}
	default:
		return fmt.Errorf("unknown transport %q", c.transport)
	}
	return nil
}

func (c *connection) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	close(c.closing)

	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func (c *connection) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

func (c *connection) send(env protocol.Envelope) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.isClosed() {
		return ErrConnectionClosed
	}

	frame, err := c.codec.Encode(env)
	if err != nil {
		return fmt.Errorf("encode failed: %w", err)
	}
	if err := protocol.EncodeFrame(c.conn, frame); err != nil {
		return fmt.Errorf("write frame failed: %w", err)
	}
	return nil
}

// receiveLoop reads frames from the connection and dispatches them.
// Answers to requests go to responsesCh, pushes go to pushCh.
func (c *connection) receiveLoop() {
	defer close(c.done)

	for {
		frame, err := protocol.DecodeFrame(c.conn)
		if err != nil {
			if !c.isClosed() {
				log.WithError(err).Debug("receive loop ended")
			}
			return
		}

		env, err := c.codec.Decode(frame)
		if err != nil {
			log.WithError(err).Warn("dropping undecodable frame")
			continue
		}

		if isResponse(env.Command()) {
			select {
			case c.responsesCh <- env:
			default:
				// Nobody is waiting; drop the oldest
				select {
				case <-c.responsesCh:
				default:
				}
				c.responsesCh <- env
			}
			continue
		}

		select {
		case c.pushCh <- env:
		case <-c.closing:
			return
		}
	}
}

func isResponse(cmd protocol.Command) bool {
	switch cmd {
	case protocol.CmdReceipt, protocol.CmdRetUserInfo, protocol.CmdRetFindResult, protocol.CmdRetFriendInfo:
		return true
	}
	return false
}

// waitForResponse waits for a response with timeout.
func (c *connection) waitForResponse(timeout time.Duration) (protocol.Envelope, error) {
	select {
	case env := <-c.responsesCh:
		return env, nil
	case <-c.done:
		return nil, ErrConnectionClosed
	case <-time.After(timeout):
		return nil, fmt.Errorf("timeout waiting for response")
	}
}

// sendAndWait sends a request and waits for its answer.
func (c *connection) sendAndWait(env protocol.Envelope, timeout time.Duration) (protocol.Envelope, error) {
	c.requestMu.Lock()
	defer c.requestMu.Unlock()

	// Drop answers left behind by requests that timed out
drain:
	for {
		select {
		case <-c.responsesCh:
		default:
			break drain
		}
	}

	if err := c.send(env); err != nil {
		return nil, err
	}
	return c.waitForResponse(timeout)
}

// expectReceipt checks that resp is a successful receipt for cmd.
func expectReceipt(resp protocol.Envelope, cmd protocol.Command) (*protocol.Receipt, error) {
	receipt, ok := resp.(*protocol.Receipt)
	if !ok {
		return nil, fmt.Errorf("unexpected response %s, expected receipt", resp.Command())
	}
	if receipt.ExeCmd != cmd {
		return nil, fmt.Errorf("receipt for %s, expected %s", receipt.ExeCmd, cmd)
	}
	if !receipt.Success {
		return nil, &RefusedError{Cmd: cmd, Reason: receipt.Reason}
	}
	return receipt, nil
}

// wsStream adapts a WebSocket connection to a byte stream. Every write is one
// binary message.
type wsStream struct {
	ws     *websocket.Conn
	reader io.Reader
	wmu    sync.Mutex
}

func (s *wsStream) Read(b []byte) (int, error) {
	for {
		if s.reader == nil {
			mt, r, err := s.ws.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if mt != websocket.BinaryMessage {
				continue
			}
			s.reader = r
		}

		n, err := s.reader.Read(b)
		if errors.Is(err, io.EOF) {
			s.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (s *wsStream) Write(b []byte) (int, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := s.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (s *wsStream) Close() error {
	s.wmu.Lock()
	s.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	s.wmu.Unlock()
	return s.ws.Close()
}
