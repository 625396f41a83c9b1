package websocket

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Keepalive timings for server-side connections.
const (
	pingPeriod = 54 * time.Second
	pongWait   = 60 * time.Second
	closeWait  = time.Second
)

// Conn adapts a *websocket.Conn to net.Conn. Every Write becomes one binary
// message and Read streams the payloads of consecutive binary messages, so a
// frame stream written over TCP works unchanged over a WebSocket. Text
// messages are ignored.
type Conn struct {
	ws *websocket.Conn

	readMu sync.Mutex
	reader io.Reader

	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// NewConn wraps ws. When keepalive is true, the connection pings the peer
// every pingPeriod and expects a pong within pongWait.
func NewConn(ws *websocket.Conn, keepalive bool) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{ws: ws, ctx: ctx, cancel: cancel}

	if keepalive {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(pongWait))
		})
		go c.pingPump()
	}
	return c
}

// Read reads payload bytes of binary messages.
func (c *Conn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	for {
		if c.reader == nil {
			mt, r, err := c.ws.NextReader()
			if err != nil {
				return 0, translateReadError(err)
			}
			if mt != websocket.BinaryMessage {
				continue
			}
			c.reader = r
		}

		n, err := c.reader.Read(p)
		if errors.Is(err, io.EOF) {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

// Write sends p as a single binary message.
func (c *Conn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close sends a normal close frame and closes the underlying connection.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		c.cancel()

		c.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWait))
		c.writeMu.Unlock()

		err = c.ws.Close()
	})
	return err
}

func (c *Conn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *Conn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *Conn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }

// pingPump keeps the connection alive until it is closed.
func (c *Conn) pingPump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// translateReadError maps close frames to io.EOF so callers can treat a
// WebSocket close like a TCP FIN.
func translateReadError(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return io.EOF
	}
	return err
}

// Dial connects to a WebSocket endpoint such as "ws://127.0.0.1:8001/ws" and
// returns the connection as a net.Conn.
func Dial(ctx context.Context, url string) (net.Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return NewConn(ws, false), nil
}
