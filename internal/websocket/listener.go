// Package websocket exposes browser-facing WebSocket endpoints as ordinary
// net.Listener / net.Conn values, so the game server can run the same frame
// protocol over WebSockets that it runs over raw TCP.
package websocket

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// CheckOriginFn is a function that validates the origin of a WebSocket connection request.
// It receives the HTTP request and returns true if the origin is allowed, false otherwise.
// Use this to implement CORS policies for your WebSocket server.
type CheckOriginFn = func(r *http.Request) bool

// Config configures a Listener.
type Config struct {
	// Addr is the HTTP listen address, e.g. ":8001".
	Addr string

	// Path is the upgrade endpoint. Default: "/ws".
	Path string

	// CheckOrigin validates the Origin header. nil uses gorilla's same-origin
	// check.
	CheckOrigin CheckOriginFn

	// Backlog is how many upgraded connections may wait for Accept.
	// Default: 64.
	Backlog int

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Listener is a net.Listener whose connections arrive as WebSocket upgrades
// on an HTTP endpoint.
type Listener struct {
	ln       net.Listener
	server   *http.Server
	upgrader websocket.Upgrader
	logger   *slog.Logger

	conns chan net.Conn
	done  chan struct{}
	once  sync.Once
}

// Listen binds cfg.Addr and starts serving upgrades in the background.
func Listen(ctx context.Context, cfg Config) (*Listener, error) {
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	if cfg.Backlog <= 0 {
		cfg.Backlog = 64
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", cfg.Addr)
	if err != nil {
		return nil, err
	}

	l := &Listener{
		ln:     ln,
		logger: cfg.Logger.With("transport", "websocket"),
		conns:  make(chan net.Conn, cfg.Backlog),
		done:   make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     cfg.CheckOrigin,
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, l.handleUpgrade)
	l.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := l.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.logger.Error("websocket listener stopped", "error", err)
		}
	}()

	return l, nil
}

func (l *Listener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		l.logger.Debug("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	conn := NewConn(ws, true)
	select {
	case l.conns <- conn:
	case <-l.done:
		conn.Close()
	}
}

// Accept waits for the next upgraded connection.
func (l *Listener) Accept() (net.Conn, error) {
	select {
	case conn := <-l.conns:
		return conn, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

// Close stops the HTTP server. Connections already accepted stay open.
func (l *Listener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		err = l.server.Close()

		// Drop upgrades that were never accepted.
		for {
			select {
			case conn := <-l.conns:
				conn.Close()
			default:
				return
			}
		}
	})
	return err
}

// Addr returns the bound HTTP address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}
