// Package tcp implements the game server: a TCP listener (plus an optional
// WebSocket listener) whose connections feed decoded envelopes into a worker
// pooled distributor.
package tcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/net/netutil"

	"github.com/luciancaetano/skillbridge"
	"github.com/luciancaetano/skillbridge/internal/distributor"
	"github.com/luciancaetano/skillbridge/internal/metrics"
	"github.com/luciancaetano/skillbridge/internal/protocol"
	"github.com/luciancaetano/skillbridge/internal/websocket"
	"github.com/luciancaetano/skillbridge/message"
)

// Transport names used in logs and metrics.
const (
	TransportTCP       = "tcp"
	TransportWebSocket = "websocket"
)

// DefaultWriteTimeout bounds socket writes when Config.WriteTimeout is 0.
const DefaultWriteTimeout = 10 * time.Second

// OnConnectFn is called for every accepted connection before its receive
// loop starts. It runs on the accept goroutine; keep it short.
type OnConnectFn = func(conn skillbridge.Conn)

// OnDisconnectFn is called exactly once per connection, after the socket is
// closed, with the code it was closed with.
type OnDisconnectFn = func(conn skillbridge.Conn, code skillbridge.ErrorCode)

// Config configures a Server.
type Config struct {
	// Addr is the TCP listen address, e.g. "127.0.0.1:8000".
	Addr string

	// Workers is the dispatch worker count, clamped to [1, 1000].
	Workers int

	// MaxConnections caps concurrently open connections. 0 means unlimited.
	MaxConnections int

	// ReceiveBufferSize is the per-connection frame buffer. 0 selects
	// protocol.DefaultBufferSize.
	ReceiveBufferSize int

	// SendQueueSize is the per-connection outbound frame channel capacity. 0
	// selects 256; a peer that lets the queue fill is disconnected.
	SendQueueSize int

	// WriteTimeout bounds each socket write. 0 selects DefaultWriteTimeout;
	// a negative value disables it.
	WriteTimeout time.Duration

	// ThrowException makes the distributor return handler failures to the
	// worker loop, which logs them; workers never exit on them.
	ThrowException bool

	// RateLimit limits inbound envelopes per connection. nil uses
	// DefaultRateLimitConfig().
	RateLimit *RateLimitConfig

	// WebSocket, when set, also accepts connections on a WebSocket endpoint.
	WebSocket *websocket.Config

	OnConnect    OnConnectFn
	OnDisconnect OnDisconnectFn

	Logger  *slog.Logger
	Metrics *metrics.Collector
	Tracer  trace.Tracer
}

// Server implements skillbridge.Server.
type Server struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Collector
	dist    *distributor.Distributor[skillbridge.Conn]

	conns sync.Map // map[string]*Connection

	mu        sync.RWMutex
	running   bool
	listeners []net.Listener
	addr      string
	wsAddr    string

	acceptWG sync.WaitGroup
	connWG   sync.WaitGroup
}

var _ skillbridge.Server = (*Server)(nil)

// NewServer creates a server. Nothing is bound until Start.
func NewServer(cfg Config) *Server {
	if cfg.RateLimit == nil {
		cfg.RateLimit = DefaultRateLimitConfig()
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Server{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "server"),
		metrics: cfg.Metrics,
	}
	s.dist = distributor.New(distributor.Config[skillbridge.Conn]{
		Name:           "server",
		Logger:         cfg.Logger,
		Observer:       cfg.Metrics,
		Tracer:         cfg.Tracer,
		ThrowException: cfg.ThrowException,
		AfterDispatch:  s.flushResponse,
	})
	return s
}

// Distributor returns the server's distributor, e.g. for typed subscriptions
// with distributor.Subscribe.
func (s *Server) Distributor() *distributor.Distributor[skillbridge.Conn] {
	return s.dist
}

// Start binds the listeners, starts the dispatch workers and begins
// accepting connections.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New(skillbridge.ErrServerAlreadyRunning)
	}

	ln, err := listen(ctx, s.cfg.Addr, s.cfg.MaxConnections)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	listeners := []net.Listener{ln}
	transports := []string{TransportTCP}
	s.addr = ln.Addr().String()

	if s.cfg.WebSocket != nil {
		wsCfg := *s.cfg.WebSocket
		if wsCfg.Logger == nil {
			wsCfg.Logger = s.cfg.Logger
		}
		wl, err := websocket.Listen(ctx, wsCfg)
		if err != nil {
			ln.Close()
			return fmt.Errorf("listen websocket %s: %w", wsCfg.Addr, err)
		}
		s.wsAddr = wl.Addr().String()

		var l net.Listener = wl
		if s.cfg.MaxConnections > 0 {
			l = netutil.LimitListener(l, s.cfg.MaxConnections)
		}
		listeners = append(listeners, l)
		transports = append(transports, TransportWebSocket)
	}

	if err := s.dist.Start(s.cfg.Workers); err != nil {
		for _, l := range listeners {
			l.Close()
		}
		return err
	}

	s.running = true
	s.listeners = listeners
	for i, l := range listeners {
		s.acceptWG.Add(1)
		go s.acceptLoop(l, transports[i])
	}

	s.logger.Info("server started", "addr", s.addr, "websocket_addr", s.wsAddr, "workers", s.dist.Workers())
	return nil
}

// Stop closes the listeners, disconnects every connection and stops the
// dispatch workers. ctx bounds the wait for connection goroutines.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	listeners := s.listeners
	s.listeners = nil
	s.mu.Unlock()

	for _, l := range listeners {
		l.Close()
	}
	s.acceptWG.Wait()

	s.conns.Range(func(_, value any) bool {
		value.(*Connection).Disconnect(skillbridge.ErrorOnDestroy)
		return true
	})

	done := make(chan struct{})
	go func() {
		s.connWG.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	s.dist.Stop()
	s.logger.Info("server stopped")
	return err
}

func (s *Server) isRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Addr returns the bound TCP address.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

// WebSocketAddr returns the bound WebSocket address, or "" when disabled.
func (s *Server) WebSocketAddr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.wsAddr
}

// Subscribe registers handler for payloads of the given kind.
func (s *Server) Subscribe(kind message.Kind, handler skillbridge.HandlerFunc) skillbridge.Subscription {
	return s.dist.Subscribe(kind, distributor.HandlerFunc[skillbridge.Conn](handler))
}

// Unsubscribe removes a handler.
func (s *Server) Unsubscribe(sub skillbridge.Subscription) {
	s.dist.Unsubscribe(sub)
}

// Connection returns a live connection by ID.
func (s *Server) Connection(id string) (skillbridge.Conn, bool) {
	if c, ok := s.conns.Load(id); ok {
		return c.(*Connection), true
	}
	return nil, false
}

// Connections returns a snapshot of the live connections.
func (s *Server) Connections() []skillbridge.Conn {
	var out []skillbridge.Conn
	s.conns.Range(func(_, value any) bool {
		out = append(out, value.(*Connection))
		return true
	})
	return out
}

// SendTo sends env to the connection with the given ID.
func (s *Server) SendTo(ctx context.Context, id string, env *message.Envelope) error {
	c, ok := s.Connection(id)
	if !ok {
		return fmt.Errorf("%s: %s", skillbridge.ErrClientNotFound, id)
	}
	return c.Send(ctx, env)
}

// Broadcast packs env once and queues it on every live connection.
func (s *Server) Broadcast(ctx context.Context, env *message.Envelope) error {
	frame, err := protocol.Pack(env)
	if err != nil {
		return err
	}

	var errs []error
	s.conns.Range(func(_, value any) bool {
		c := value.(*Connection)
		if err := c.SendData(ctx, frame); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.ID(), err))
		}
		return true
	})
	return errors.Join(errs...)
}

func (s *Server) handleConn(conn net.Conn, transport string) {
	c := newConnection(conn, connOptions{
		transport:     transport,
		bufferSize:    s.cfg.ReceiveBufferSize,
		sendQueueSize: s.cfg.SendQueueSize,
		writeTimeout:  s.cfg.WriteTimeout,
		rateLimit:     s.cfg.RateLimit,
		logger:        s.cfg.Logger,
		metrics:       s.metrics,
		sink:          s.dist,
		onDisconnect:  s.connectionClosed,
	})

	s.conns.Store(c.ID(), c)
	s.metrics.ConnectionOpened(transport)
	c.logger.Info("connection accepted")

	if s.cfg.OnConnect != nil {
		s.cfg.OnConnect(c)
	}

	s.connWG.Add(1)
	go func() {
		defer s.connWG.Done()
		c.serve()
	}()
}

func (s *Server) connectionClosed(c *Connection, code skillbridge.ErrorCode) {
	s.conns.Delete(c.ID())
	if s.cfg.OnDisconnect != nil {
		s.cfg.OnDisconnect(c, code)
	}
}

// flushResponse sends what the handlers left in the sender's session.
func (s *Server) flushResponse(conn skillbridge.Conn, _ *message.Envelope) {
	if conn == nil || !conn.IsAlive() {
		return
	}
	if err := conn.SendResponse(); err != nil {
		s.logger.Warn("send response failed", "conn_id", conn.ID(), "error", err)
	}
}
