package tcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/skillbridge"
	"github.com/luciancaetano/skillbridge/internal/metrics"
	"github.com/luciancaetano/skillbridge/internal/protocol"
	"github.com/luciancaetano/skillbridge/message"
)

const readChunkSize = 4096

// connOptions carries the per-connection settings derived from the server
// config.
type connOptions struct {
	transport     string
	bufferSize    int
	sendQueueSize int
	writeTimeout  time.Duration
	rateLimit     *RateLimitConfig
	logger        *slog.Logger
	metrics       *metrics.Collector
	sink          protocol.Sink[skillbridge.Conn]
	onDisconnect  func(c *Connection, code skillbridge.ErrorCode)
}

// Connection is one accepted socket. A single reader goroutine feeds the
// frame parser and a single writer goroutine drains the send channel, so
// frames leave in the order they were sent.
type Connection struct {
	id         string
	conn       net.Conn
	remoteAddr string
	transport  string

	ctx    context.Context
	cancel context.CancelFunc

	session  *Session
	parser   *protocol.PackageHandler[skillbridge.Conn]
	sink     protocol.Sink[skillbridge.Conn]
	sendCh   chan []byte
	limiter  *rate.Limiter
	limited  bool
	verified atomic.Bool

	mu     sync.RWMutex
	closed bool
	code   skillbridge.ErrorCode

	writeTimeout time.Duration
	logger       *slog.Logger
	metrics      *metrics.Collector
	onDisconnect func(c *Connection, code skillbridge.ErrorCode)
	done         chan struct{}
}

func newConnection(conn net.Conn, opts connOptions) *Connection {
	ctx, cancel := context.WithCancel(context.Background())

	if opts.sendQueueSize <= 0 {
		opts.sendQueueSize = 256
	}
	if opts.logger == nil {
		opts.logger = slog.Default()
	}

	c := &Connection{
		id:           uuid.New().String(),
		conn:         conn,
		remoteAddr:   conn.RemoteAddr().String(),
		transport:    opts.transport,
		ctx:          ctx,
		cancel:       cancel,
		session:      NewSession(),
		sink:         opts.sink,
		sendCh:       make(chan []byte, opts.sendQueueSize),
		limiter:      opts.rateLimit.newLimiter(),
		writeTimeout: opts.writeTimeout,
		metrics:      opts.metrics,
		onDisconnect: opts.onDisconnect,
		done:         make(chan struct{}),
	}
	c.logger = opts.logger.With("conn_id", c.id, "remote_addr", c.remoteAddr, "transport", c.transport)
	c.parser = protocol.NewPackageHandler[skillbridge.Conn](c, protocol.SinkFunc[skillbridge.Conn](c.deliver), opts.bufferSize)

	go c.writePump()
	return c
}

// ID returns a unique identifier for the connection
func (c *Connection) ID() string {
	return c.id
}

// RemoteAddr returns the peer's network address
func (c *Connection) RemoteAddr() string {
	return c.remoteAddr
}

// Context returns the connection's lifecycle context
func (c *Connection) Context() context.Context {
	return c.ctx
}

// Session returns the connection's session
func (c *Connection) Session() skillbridge.Session {
	return c.session
}

// Verified reports whether the peer has been marked as authenticated
func (c *Connection) Verified() bool {
	return c.verified.Load()
}

// SetVerified sets the verified flag
func (c *Connection) SetVerified(v bool) {
	c.verified.Store(v)
}

// IsAlive returns true if the connection is still open
func (c *Connection) IsAlive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.closed
}

// CloseCode returns the code the connection was closed with.
func (c *Connection) CloseCode() skillbridge.ErrorCode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.code
}

// Send packs env and queues the frame for the writer goroutine.
func (c *Connection) Send(ctx context.Context, env *message.Envelope) error {
	frame, err := protocol.Pack(env)
	if err != nil {
		return err
	}
	return c.SendData(ctx, frame)
}

// SendData queues an already packed frame without blocking. Delivery is
// fire-and-forget: a write failure is logged and closes the connection, it is
// never retried. A peer whose send queue is full is not reading its frames;
// it is disconnected with ErrorSendException and ErrSendQueueFull is returned.
func (c *Connection) SendData(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return errors.New(skillbridge.ErrConnectionClosed)
	}

	select {
	case c.sendCh <- frame:
		return nil
	case <-c.ctx.Done():
		return errors.New(skillbridge.ErrConnectionClosed)
	default:
	}

	c.logger.Warn("send queue full, dropping slow peer", "queued", len(c.sendCh))
	c.Disconnect(skillbridge.ErrorSendException)
	return errors.New(skillbridge.ErrSendQueueFull)
}

// SendResponse sends the envelope accumulated in the session, if any.
func (c *Connection) SendResponse() error {
	frame, err := c.session.GetResponse()
	if err != nil {
		return fmt.Errorf("pack response: %w", err)
	}
	if frame == nil {
		return nil
	}
	return c.SendData(context.Background(), frame)
}

// Disconnect closes the socket and fires the disconnect callback. Only the
// first call has any effect.
func (c *Connection) Disconnect(code skillbridge.ErrorCode) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.code = code
	c.mu.Unlock()

	c.cancel()
	err := c.conn.Close()

	c.logger.Info("connection closed", "code", code.String())
	c.metrics.ConnectionClosed(code)
	if c.onDisconnect != nil {
		c.onDisconnect(c, code)
	}
	return err
}

// deliver is the parser's sink. It applies the rate limit before handing the
// envelope to the distributor.
func (c *Connection) deliver(sender skillbridge.Conn, env *message.Envelope) {
	c.metrics.FrameReceived()
	if c.limited {
		return
	}
	if c.limiter != nil && !c.limiter.Allow() {
		c.limited = true
		return
	}
	c.sink.Enqueue(sender, env)
}

// serve runs the receive loop until the connection closes. There is always
// exactly one outstanding read.
func (c *Connection) serve() {
	buf := make([]byte, readChunkSize)
	for {
		free := min(readChunkSize, c.parser.Free())
		if free == 0 {
			c.logger.Warn("dropping connection on full receive buffer")
			c.Disconnect(skillbridge.ErrorBufferOverflow)
			return
		}
		n, err := c.conn.Read(buf[:free])
		if n > 0 {
			c.metrics.BytesReceived(n)
			if perr := c.parser.ReceiveData(buf[:n]); perr != nil {
				c.logger.Warn("dropping connection on bad stream", "error", perr)
				c.Disconnect(skillbridge.CodeOf(perr))
				return
			}
			if c.limited {
				c.logger.Warn("rate limit exceeded")
				c.metrics.RateLimited()
				c.Disconnect(skillbridge.ErrorKickedOut)
				return
			}
		}
		if err != nil {
			c.Disconnect(c.readErrorCode(err))
			return
		}
	}
}

func (c *Connection) readErrorCode(err error) skillbridge.ErrorCode {
	if errors.Is(err, io.EOF) {
		c.logger.Debug("peer closed connection")
		return skillbridge.ErrorZeroByte
	}
	if c.ctx.Err() == nil {
		c.logger.Warn("receive failed", "error", err)
	}
	return skillbridge.ErrorSendException
}

func (c *Connection) writePump() {
	defer close(c.done)

	for {
		select {
		case frame := <-c.sendCh:
			if c.writeTimeout > 0 {
				c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			}
			if _, err := c.conn.Write(frame); err != nil {
				if c.ctx.Err() == nil {
					c.logger.Warn("send failed", "error", err, "bytes", len(frame))
				}
				c.Disconnect(skillbridge.ErrorSendException)
				return
			}
			c.metrics.FrameSent(len(frame))

		case <-c.ctx.Done():
			return
		}
	}
}
