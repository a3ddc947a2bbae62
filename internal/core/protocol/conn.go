package protocol

import (
	"bytes"
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/zeusync/worldstore/pkg/generic"
)

var ErrConnectionClosed = errors.New("connection is closed")

// encodeBuffersHot covers the sends of a handful of busy sessions.
const encodeBuffersHot = 32

var encodeBuffers = generic.NewHotPool(
	func() *bytes.Buffer { return bytes.NewBuffer(make([]byte, 0, 4<<10)) },
	(*bytes.Buffer).Reset,
	encodeBuffersHot,
)

type ConnConfig struct {
	WriteTimeout time.Duration
	// PingInterval sends pings this often and drops the peer after two
	// intervals without a pong. Zero disables pings.
	PingInterval   time.Duration
	MaxMessageSize int64
}

// Conn exchanges Messages over a websocket. Send is safe for concurrent
// use, Receive is not.
type Conn struct {
	id     string
	conn   *websocket.Conn
	config ConnConfig
	closed atomic.Bool

	writeMu sync.Mutex
}

func NewConn(conn *websocket.Conn, config ConnConfig) *Conn {
	c := &Conn{id: uuid.NewString(), conn: conn, config: config}
	if config.MaxMessageSize > 0 {
		conn.SetReadLimit(config.MaxMessageSize)
	}
	if config.PingInterval > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(2 * config.PingInterval))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(2 * config.PingInterval))
		})
	}
	return c
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *Conn) Send(msg *Message) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	buf := encodeBuffers.Get()
	defer encodeBuffers.Put(buf)
	if err := json.NewEncoder(buf).Encode(msg); err != nil {
		return errors.Wrap(err, "failed to encode message")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.config.WriteTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, buf.Bytes()); err != nil {
		return errors.Wrap(err, "failed to write message")
	}
	return nil
}

func (c *Conn) Ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline := time.Now().Add(time.Second)
	if c.config.WriteTimeout > 0 {
		deadline = time.Now().Add(c.config.WriteTimeout)
	}
	return errors.Wrap(c.conn.WriteControl(websocket.PingMessage, nil, deadline), "failed to ping")
}

// Receive blocks for the next message.
func (c *Conn) Receive() (*Message, error) {
	if c.closed.Load() {
		return nil, ErrConnectionClosed
	}
	kind, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read message")
	}
	if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
		return nil, errors.New("unsupported message type")
	}
	var msg Message
	if err = json.Unmarshal(data, &msg); err != nil {
		return nil, errors.Wrap(ErrInvalidMessage, err.Error())
	}
	return &msg, nil
}

// Close sends a close frame and closes the socket. Later calls are no-ops.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}

// IsClosed reports whether err is the peer or the local side closing.
func IsClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConnectionClosed) || errors.Is(err, net.ErrClosed) {
		return true
	}
	return websocket.IsCloseError(errors.Cause(err), websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
