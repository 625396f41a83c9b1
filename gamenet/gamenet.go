// Package gamenet is the public entry point for building game servers and
// clients on skillbridge.
package gamenet

import (
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strconv"

	"golang.org/x/time/rate"

	"github.com/luciancaetano/skillbridge/internal/client"
	"github.com/luciancaetano/skillbridge/internal/config"
	"github.com/luciancaetano/skillbridge/internal/metrics"
	"github.com/luciancaetano/skillbridge/internal/tcp"
	"github.com/luciancaetano/skillbridge/internal/websocket"
)

type Server = tcp.Server
type ServerConfig = tcp.Config
type RateLimitConfig = tcp.RateLimitConfig
type OnConnectFn = tcp.OnConnectFn
type OnDisconnectFn = tcp.OnDisconnectFn
type WebSocketConfig = websocket.Config
type CheckOriginFn = websocket.CheckOriginFn

type Client = client.Client
type ClientConfig = client.Config

// NewServer creates a game server. Nothing is bound until Start.
//
// Example:
//
//	server := gamenet.NewServer(gamenet.NewServerConfig("127.0.0.1", 8000, 8))
//	server.Start(ctx)
func NewServer(cfg ServerConfig) *Server {
	return tcp.NewServer(cfg)
}

// NewServerConfig returns a server configuration listening on address:port
// with the given dispatch worker count and the default rate limit.
func NewServerConfig(address string, port, workers int) ServerConfig {
	return ServerConfig{
		Addr:      net.JoinHostPort(address, strconv.Itoa(port)),
		Workers:   workers,
		RateLimit: DefaultRateLimitConfig(),
	}
}

// ServerConfigFrom converts file settings into a server configuration.
// Callbacks, logger, metrics and tracer are left for the caller to set.
func ServerConfigFrom(c config.ServerConfig) ServerConfig {
	cfg := ServerConfig{
		Addr:              net.JoinHostPort(c.Address, strconv.Itoa(c.Port)),
		Workers:           c.Workers,
		MaxConnections:    c.MaxConnections,
		ReceiveBufferSize: c.ReceiveBufferSize,
		SendQueueSize:     c.SendQueueSize,
		WriteTimeout:      c.WriteTimeout,
		ThrowException:    c.ThrowException,
		RateLimit: &RateLimitConfig{
			MessagesPerSecond: rate.Limit(c.RateLimit.MessagesPerSecond),
			Burst:             c.RateLimit.Burst,
			Enabled:           c.RateLimit.Enabled,
		},
	}
	if c.WebSocket.Address != "" {
		cfg.WebSocket = &WebSocketConfig{
			Addr:        c.WebSocket.Address,
			Path:        c.WebSocket.Path,
			CheckOrigin: AllowOrigins(c.WebSocket.AllowedOrigins...),
		}
	}
	return cfg
}

// NewClient creates a running, unconnected client.
//
// Example:
//
//	client := gamenet.NewClient(gamenet.DefaultClientConfig())
//	client.Init("127.0.0.1", 8000)
//	client.Connect(3)
func NewClient(cfg ClientConfig) *Client {
	return client.New(cfg)
}

// DefaultClientConfig returns the stock client settings.
func DefaultClientConfig() ClientConfig {
	return client.DefaultConfig()
}

// ClientConfigFrom converts file settings into a client configuration.
func ClientConfigFrom(c config.ClientConfig, logger *slog.Logger, m *metrics.Collector) ClientConfig {
	cfg := client.DefaultConfig()
	cfg.MaxRetries = c.MaxRetries
	cfg.ConnectTimeout = c.ConnectTimeout
	cfg.PollTimeout = c.PollTimeout
	cfg.ExpectTimeout = c.ExpectTimeout
	cfg.PackageTimeout = c.PackageTimeout
	cfg.HeartbeatInterval = c.HeartbeatInterval
	cfg.Logger = logger
	cfg.Metrics = m
	return cfg
}

// AllOrigins returns a CheckOriginFn that accepts every origin. Use it for
// local development only.
func AllOrigins() CheckOriginFn {
	return func(r *http.Request) bool {
		return true
	}
}

// AllowOrigins returns a CheckOriginFn accepting requests whose Origin header
// is one of origins. "*" accepts everything. With no origins it returns nil,
// which keeps the same-origin check.
func AllowOrigins(origins ...string) CheckOriginFn {
	if len(origins) == 0 {
		return nil
	}
	if slices.Contains(origins, "*") {
		return AllOrigins()
	}
	return func(r *http.Request) bool {
		return slices.Contains(origins, r.Header.Get("Origin"))
	}
}

// DefaultRateLimitConfig returns the default rate limit configuration
func DefaultRateLimitConfig() *RateLimitConfig {
	return tcp.DefaultRateLimitConfig()
}

// NoRateLimit returns a configuration with rate limiting disabled
func NoRateLimit() *RateLimitConfig {
	return tcp.NoRateLimit()
}
