package protocol

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// AttachPath is the HTTP path agents dial to open a session.
const AttachPath = "/attach"

const writeTimeout = 10 * time.Second

// ErrClosed is returned by Send on a closed connection.
var ErrClosed = errors.New("connection closed")

// Conn is one end of a session.
type Conn interface {
	Send(m Message) error
	// Receive blocks for the next frame. Frames that cannot be decoded
	// yield an error wrapping ErrMalformed; the connection stays usable.
	Receive() (Message, error)
	// End asks the peer to close, giving reason.
	End(reason string) error
	// Close tears the connection down immediately.
	Close() error
}

// WSConn adapts a websocket to Conn. Writes are serialised.
type WSConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

// NewWSConn wraps ws.
func NewWSConn(ws *websocket.Conn) *WSConn {
	return &WSConn{ws: ws}
}

func (c *WSConn) Send(m Message) error {
	data, err := Encode(m)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *WSConn) Receive() (Message, error) {
	kind, data, err := c.ws.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, io.EOF
		}
		return nil, err
	}
	if kind != websocket.TextMessage {
		return nil, fmt.Errorf("%w: binary frame", ErrMalformed)
	}
	return Decode(data)
}

func (c *WSConn) End(reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	return c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
}

func (c *WSConn) Close() error {
	return c.ws.Close()
}

// RemoteAddr reports the peer address for logging.
func (c *WSConn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}

type pipeConn struct {
	in   <-chan []byte
	out  chan<- []byte
	done chan struct{}
	peer *pipeConn
	once sync.Once

	mu     sync.Mutex
	reason string
}

// Pipe returns two connected in-memory Conns. Frames pass through the
// codec so both ends see exactly what a socket would carry.
func Pipe() (Conn, Conn) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	a := &pipeConn{in: ba, out: ab, done: make(chan struct{})}
	b := &pipeConn{in: ab, out: ba, done: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

// SendRaw writes an arbitrary frame to a pipe end, bypassing the encoder.
func SendRaw(c Conn, data []byte) error {
	p, ok := c.(*pipeConn)
	if !ok {
		return errors.New("SendRaw requires a pipe connection")
	}
	return p.write(data)
}

func (p *pipeConn) write(data []byte) error {
	select {
	case <-p.done:
		return ErrClosed
	case <-p.peer.done:
		return ErrClosed
	default:
	}
	select {
	case p.out <- data:
		return nil
	case <-p.done:
		return ErrClosed
	case <-p.peer.done:
		return ErrClosed
	}
}

func (p *pipeConn) Send(m Message) error {
	data, err := Encode(m)
	if err != nil {
		return err
	}
	return p.write(data)
}

func (p *pipeConn) Receive() (Message, error) {
	select {
	case data := <-p.in:
		return Decode(data)
	default:
	}
	select {
	case data := <-p.in:
		return Decode(data)
	case <-p.done:
		return nil, io.EOF
	case <-p.peer.done:
		select {
		case data := <-p.in:
			return Decode(data)
		default:
			return nil, io.EOF
		}
	}
}

func (p *pipeConn) End(reason string) error {
	p.mu.Lock()
	p.reason = reason
	p.mu.Unlock()
	return p.Close()
}

func (p *pipeConn) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

// EndReason returns the reason given to End on a pipe end, if any.
func EndReason(c Conn) string {
	p, ok := c.(*pipeConn)
	if !ok {
		return ""
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reason
}

// IsClosed reports whether a pipe end was closed or ended.
func IsClosed(c Conn) bool {
	p, ok := c.(*pipeConn)
	if !ok {
		return false
	}
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}
