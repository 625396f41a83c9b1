// Package client implements the game client connection: a single TCP
// connection driven by an external tick. Every Update call reconnects if
// needed, reads whatever is ready, writes as much of the pending frame as
// the socket takes and dispatches received envelopes inline.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/luciancaetano/skillbridge"
	"github.com/luciancaetano/skillbridge/internal/distributor"
	"github.com/luciancaetano/skillbridge/internal/metrics"
	"github.com/luciancaetano/skillbridge/internal/protocol"
	"github.com/luciancaetano/skillbridge/message"
)

// Defaults.
const (
	DefaultMaxRetries        = 3
	DefaultConnectTimeout    = 10 * time.Second
	DefaultPollTimeout       = time.Millisecond
	DefaultHeartbeatInterval = 30 * time.Second
)

// DialFunc opens the client socket.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Config configures a Client.
type Config struct {
	// MaxRetries is the default retry budget for automatic reconnects.
	MaxRetries int

	// ConnectTimeout bounds each connect attempt.
	ConnectTimeout time.Duration

	// PollTimeout is how long a tick waits for the socket to become readable
	// or writable. Go has no zero-wait poll, so this must be positive.
	PollTimeout time.Duration

	// ReceiveBufferSize is the frame buffer capacity. 0 selects
	// protocol.DefaultBufferSize.
	ReceiveBufferSize int

	// SendQueueSize caps queued outbound envelopes. 0 means unbounded.
	SendQueueSize int

	// ExpectTimeout raises OnExpectPackageTimeout when no bytes arrive this
	// long after a send. 0 disables it.
	ExpectTimeout time.Duration

	// PackageTimeout closes the connection with ErrorPackageTimeout when no
	// bytes arrive this long after a send. 0 disables it.
	PackageTimeout time.Duration

	// HeartbeatInterval sends a HeartbeatRequest this often while connected.
	// 0 disables it.
	HeartbeatInterval time.Duration

	// ThrowException makes Update return handler failures.
	ThrowException bool

	// Dial defaults to net.Dialer.DialContext.
	Dial DialFunc

	Logger  *slog.Logger
	Metrics *metrics.Collector
	Tracer  trace.Tracer
}

// DefaultConfig returns the stock client settings.
func DefaultConfig() Config {
	return Config{
		MaxRetries:        DefaultMaxRetries,
		ConnectTimeout:    DefaultConnectTimeout,
		PollTimeout:       DefaultPollTimeout,
		HeartbeatInterval: DefaultHeartbeatInterval,
		ThrowException:    true,
	}
}

// ExpectPackageFunc receives expect-package timeout and resume events.
type ExpectPackageFunc func()

type dialResult struct {
	conn net.Conn
	err  error
}

// Client implements skillbridge.Client.
//
// A Client is not safe for concurrent use: Update, SendMessage and the other
// methods must be called from the goroutine that drives the tick. Handlers
// run on that goroutine and may call SendMessage.
type Client struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Collector

	dist      *distributor.Distributor[skillbridge.Client]
	parser    *protocol.PackageHandler[skillbridge.Client]
	sendQueue *protocol.SendQueue
	readBuf   []byte

	address    string
	conn       net.Conn
	running    bool
	connecting bool
	pending    chan dialResult
	cancelDial context.CancelFunc
	retries    int
	maxRetries int

	lastSend      time.Time
	lastHeartbeat time.Time
	expecting     bool

	onConnect       []skillbridge.ConnectEventFunc
	onDisconnect    []skillbridge.ConnectEventFunc
	onExpectTimeout []ExpectPackageFunc
	onExpectResume  []ExpectPackageFunc
}

var _ skillbridge.Client = (*Client)(nil)

// New creates a running, unconnected client.
func New(cfg Config) *Client {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	if cfg.Dial == nil {
		var d net.Dialer
		cfg.Dial = d.DialContext
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	c := &Client{
		cfg:        cfg,
		logger:     cfg.Logger.With("component", "client"),
		metrics:    cfg.Metrics,
		sendQueue:  protocol.NewSendQueue(cfg.SendQueueSize),
		running:    true,
		maxRetries: cfg.MaxRetries,
	}
	c.dist = distributor.New(distributor.Config[skillbridge.Client]{
		Name:           "client",
		Logger:         cfg.Logger,
		Observer:       cfg.Metrics,
		Tracer:         cfg.Tracer,
		ThrowException: cfg.ThrowException,
	})
	c.parser = protocol.NewPackageHandler[skillbridge.Client](c, c.dist, cfg.ReceiveBufferSize)
	c.readBuf = make([]byte, c.parser.Capacity())
	return c
}

// Distributor returns the client's distributor, e.g. for typed
// subscriptions with distributor.Subscribe.
func (c *Client) Distributor() *distributor.Distributor[skillbridge.Client] {
	return c.dist
}

// Init sets the server address.
func (c *Client) Init(address string, port int) error {
	if address == "" {
		return errors.New("client: empty address")
	}
	if port <= 0 || port > 65535 {
		return fmt.Errorf("client: invalid port %d", port)
	}
	c.address = net.JoinHostPort(address, strconv.Itoa(port))
	return nil
}

// Address returns the host:port set by Init.
func (c *Client) Address() string {
	return c.address
}

// Connected reports whether the socket is connected.
func (c *Client) Connected() bool {
	return c.conn != nil
}

// Connecting reports whether a connect attempt is in flight.
func (c *Client) Connecting() bool {
	return c.connecting
}

// Running reports whether the client still accepts work. It turns false
// only after a fatal close.
func (c *Client) Running() bool {
	return c.running
}

// Retries returns the number of failed connect attempts since the last
// successful connect or Reset.
func (c *Client) Retries() int {
	return c.retries
}

// Pending returns the number of queued outbound envelopes.
func (c *Client) Pending() int {
	return c.sendQueue.Len()
}

// OnConnect registers a listener for connect outcomes.
func (c *Client) OnConnect(fn skillbridge.ConnectEventFunc) {
	c.onConnect = append(c.onConnect, fn)
}

// OnDisconnect registers a listener for disconnects.
func (c *Client) OnDisconnect(fn skillbridge.ConnectEventFunc) {
	c.onDisconnect = append(c.onDisconnect, fn)
}

// OnExpectPackageTimeout registers a listener fired when the server has
// been silent for ExpectTimeout after a send.
func (c *Client) OnExpectPackageTimeout(fn ExpectPackageFunc) {
	c.onExpectTimeout = append(c.onExpectTimeout, fn)
}

// OnExpectPackageResume registers a listener fired when data arrives after
// an expect-package timeout.
func (c *Client) OnExpectPackageResume(fn ExpectPackageFunc) {
	c.onExpectResume = append(c.onExpectResume, fn)
}

// Subscribe registers a handler for payloads received from the server.
func (c *Client) Subscribe(kind message.Kind, handler skillbridge.ClientHandlerFunc) skillbridge.Subscription {
	return c.dist.Subscribe(kind, distributor.HandlerFunc[skillbridge.Client](handler))
}

// Unsubscribe removes a handler.
func (c *Client) Unsubscribe(sub skillbridge.Subscription) {
	c.dist.Unsubscribe(sub)
}

// Connect starts an asynchronous connect attempt. maxRetries > 0 replaces
// the retry budget used by automatic reconnects. It is a no-op while an
// attempt is in flight.
func (c *Client) Connect(maxRetries int) error {
	if c.connecting {
		return nil
	}
	if c.address == "" {
		return errors.New(skillbridge.ErrNotInitialized)
	}
	if maxRetries > 0 {
		c.maxRetries = maxRetries
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}

	c.connecting = true
	c.lastSend = time.Time{}
	c.startDial()
	return nil
}

func (c *Client) startDial() {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
	ch := make(chan dialResult, 1)
	c.pending = ch
	c.cancelDial = cancel

	c.metrics.Reconnect()
	c.logger.Info("connecting", "addr", c.address, "attempt", c.retries+1, "max_retries", c.maxRetries)

	dial, addr := c.cfg.Dial, c.address
	go func() {
		conn, err := dial(ctx, "tcp", addr)
		ch <- dialResult{conn: conn, err: err}
	}()
}

// abandonDial cancels an in-flight attempt. A connection that completes
// anyway is closed when it arrives.
func (c *Client) abandonDial() {
	if c.pending == nil {
		return
	}
	c.cancelDial()
	go func(ch chan dialResult) {
		if r := <-ch; r.conn != nil {
			r.conn.Close()
		}
	}(c.pending)
	c.pending = nil
	c.cancelDial = nil
}

// pollConnect consumes the result of the in-flight attempt, if it is ready.
func (c *Client) pollConnect() {
	if c.pending == nil {
		return
	}

	var r dialResult
	select {
	case r = <-c.pending:
	default:
		return
	}
	c.cancelDial()
	c.pending = nil
	c.cancelDial = nil
	c.connecting = false

	if r.err == nil {
		now := time.Now()
		c.conn = r.conn
		c.retries = 0
		c.parser.Reset()
		c.lastHeartbeat = now
		c.logger.Info("connected", "addr", c.address, "local_addr", r.conn.LocalAddr().String())
		c.raiseConnect(skillbridge.ErrorNone, "connected")
		return
	}

	code := skillbridge.ErrorConnectFailure
	var ne net.Error
	if errors.Is(r.err, context.DeadlineExceeded) || (errors.As(r.err, &ne) && ne.Timeout()) {
		code = skillbridge.ErrorConnectTimeout
	}
	c.logger.Warn("connect failed", "addr", c.address, "attempt", c.retries+1, "code", code.String(), "error", r.err)

	c.CloseConnection(code)
	c.retries++
	if c.retries >= c.maxRetries {
		c.raiseConnect(code, "unable to connect to server")
	}
}

// keepConnect reports whether the socket is usable this tick, starting a
// reconnect while the retry budget allows.
func (c *Client) keepConnect() bool {
	if c.connecting || c.address == "" {
		return false
	}
	if c.conn != nil {
		return true
	}
	if c.retries < c.maxRetries {
		c.Connect(0)
	}
	return false
}

// SendMessage queues env. While disconnected the message is dropped and a
// connect attempt is started instead.
func (c *Client) SendMessage(env *message.Envelope) {
	if !c.running {
		return
	}
	if c.conn == nil {
		c.parser.Reset()
		c.sendQueue.Reset()
		if err := c.Connect(0); err != nil {
			c.logger.Warn("cannot connect before sending", "error", err)
			return
		}
		c.logger.Debug("message dropped, connecting to server first")
		return
	}

	if err := c.sendQueue.Push(env); err != nil {
		c.logger.Warn("message dropped", "error", err)
		return
	}
	if c.lastSend.IsZero() {
		c.lastSend = time.Now()
	}
}

// Update runs one tick. It returns handler failures when ThrowException is
// set; connection failures are reported through events instead.
func (c *Client) Update() error {
	if !c.running {
		return nil
	}

	c.pollConnect()
	if !c.keepConnect() {
		return nil
	}
	if !c.processRecv() || c.conn == nil {
		return nil
	}
	if !c.processSend() {
		return nil
	}
	if !c.checkTimers() {
		return nil
	}
	return c.dist.Distribute()
}

func (c *Client) processRecv() bool {
	c.conn.SetReadDeadline(time.Now().Add(c.cfg.PollTimeout))
	n, err := c.conn.Read(c.readBuf[:c.parser.Free()])

	if n > 0 {
		c.metrics.BytesReceived(n)
		c.dataArrived()
		if perr := c.parser.ReceiveData(c.readBuf[:n]); perr != nil {
			c.logger.Warn("bad stream from server", "error", perr)
			c.CloseConnection(skillbridge.CodeOf(perr))
			return false
		}
	}

	if err == nil {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	if errors.Is(err, io.EOF) {
		c.CloseConnection(skillbridge.ErrorZeroByte)
		return false
	}
	c.logger.Warn("receive failed", "error", err)
	c.CloseConnection(skillbridge.ErrorSendException)
	return false
}

func (c *Client) processSend() bool {
	chunk, err := c.sendQueue.Next()
	if err != nil {
		c.logger.Error("dropping unpackable message", "error", err)
		return true
	}
	if len(chunk) == 0 {
		return true
	}

	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.PollTimeout))
	n, err := c.conn.Write(chunk)
	if n > 0 {
		if size := c.sendQueue.Advance(n); size > 0 {
			c.metrics.FrameSent(size)
		}
	}

	if err == nil {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	c.logger.Warn("send failed", "error", err)
	c.CloseConnection(skillbridge.ErrorSendException)
	return false
}

// checkTimers runs the heartbeat and expect-package timers.
func (c *Client) checkTimers() bool {
	now := time.Now()

	if c.cfg.HeartbeatInterval > 0 && now.Sub(c.lastHeartbeat) >= c.cfg.HeartbeatInterval {
		c.lastHeartbeat = now
		c.SendMessage(message.NewRequest(&message.HeartbeatRequest{ClientTime: now.UnixMilli()}))
	}

	if c.lastSend.IsZero() {
		return true
	}
	waited := now.Sub(c.lastSend)

	if c.cfg.PackageTimeout > 0 && waited >= c.cfg.PackageTimeout {
		c.logger.Warn("no reply from server", "waited", waited)
		c.CloseConnection(skillbridge.ErrorPackageTimeout)
		return false
	}
	if c.cfg.ExpectTimeout > 0 && waited >= c.cfg.ExpectTimeout && !c.expecting {
		c.expecting = true
		for _, fn := range c.onExpectTimeout {
			fn()
		}
	}
	return true
}

func (c *Client) dataArrived() {
	c.lastSend = time.Time{}
	if c.sendQueue.Len() > 0 {
		c.lastSend = time.Now()
	}
	if c.expecting {
		c.expecting = false
		for _, fn := range c.onExpectResume {
			fn()
		}
	}
}

// CloseConnection closes the socket and clears every buffer and queue. An
// ErrorUnknownProtocol stops the client for good; retryable connect codes
// close silently; any other code raises OnDisconnect.
func (c *Client) CloseConnection(code skillbridge.ErrorCode) {
	c.logger.Warn("closing connection", "code", code.String(), "addr", c.address)

	c.connecting = false
	c.abandonDial()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}

	c.dist.Clear()
	c.sendQueue.Reset()
	c.parser.Reset()
	c.expecting = false

	switch {
	case code.Fatal():
		c.running = false
	case code.Retryable():
	default:
		c.lastSend = time.Time{}
		c.raiseDisconnect(code, code.String())
	}
}

// Reset clears queues, counters and every event listener. The socket, if
// any, stays open.
func (c *Client) Reset() {
	c.abandonDial()
	c.dist.Clear()
	c.sendQueue.Reset()
	c.connecting = false
	c.retries = 0
	c.lastSend = time.Time{}
	c.expecting = false

	c.onConnect = nil
	c.onDisconnect = nil
	c.onExpectTimeout = nil
	c.onExpectResume = nil
}

// Destroy closes the connection with ErrorOnDestroy.
func (c *Client) Destroy() {
	c.logger.Info("destroying client")
	c.CloseConnection(skillbridge.ErrorOnDestroy)
}

func (c *Client) raiseConnect(code skillbridge.ErrorCode, reason string) {
	for _, fn := range c.onConnect {
		fn(code, reason)
	}
}

func (c *Client) raiseDisconnect(code skillbridge.ErrorCode, reason string) {
	for _, fn := range c.onDisconnect {
		fn(code, reason)
	}
}
