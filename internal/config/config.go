// Package config loads the game server and client settings from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every skillbridge setting.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Client ClientConfig `yaml:"client"`
	Admin  AdminConfig  `yaml:"admin"`
	Log    LogConfig    `yaml:"log"`
}

// ServerConfig configures the game server.
type ServerConfig struct {
	Address           string          `yaml:"address"`
	Port              int             `yaml:"port"`
	Workers           int             `yaml:"workers"`
	MaxConnections    int             `yaml:"max_connections"`
	ReceiveBufferSize int             `yaml:"receive_buffer_size"`
	SendQueueSize     int             `yaml:"send_queue_size"`
	WriteTimeout      time.Duration   `yaml:"write_timeout"`
	ThrowException    bool            `yaml:"throw_exception"`
	RateLimit         RateLimitConfig `yaml:"rate_limit"`
	WebSocket         WebSocketConfig `yaml:"websocket"`
}

// RateLimitConfig limits inbound envelopes per connection.
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	MessagesPerSecond float64 `yaml:"messages_per_second"`
	Burst             int     `yaml:"burst"`
}

// WebSocketConfig enables the WebSocket listener when Address is set.
type WebSocketConfig struct {
	Address        string   `yaml:"address"`
	Path           string   `yaml:"path"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// ClientConfig configures the game client.
type ClientConfig struct {
	Address           string        `yaml:"address"`
	Port              int           `yaml:"port"`
	MaxRetries        int           `yaml:"max_retries"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	TickInterval      time.Duration `yaml:"tick_interval"`
	PollTimeout       time.Duration `yaml:"poll_timeout"`
	ExpectTimeout     time.Duration `yaml:"expect_timeout"`
	PackageTimeout    time.Duration `yaml:"package_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// AdminConfig configures the HTTP admin endpoint. Empty Address disables it.
type AdminConfig struct {
	Address string `yaml:"address"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the stock configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      "127.0.0.1",
			Port:         8000,
			Workers:      8,
			WriteTimeout: 10 * time.Second,
			RateLimit: RateLimitConfig{
				Enabled:           true,
				MessagesPerSecond: 100,
				Burst:             200,
			},
			WebSocket: WebSocketConfig{
				Path: "/ws",
			},
		},
		Client: ClientConfig{
			Address:           "127.0.0.1",
			Port:              8000,
			MaxRetries:        3,
			ConnectTimeout:    10 * time.Second,
			TickInterval:      100 * time.Millisecond,
			PollTimeout:       time.Millisecond,
			HeartbeatInterval: 30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("invalid config")

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	var errs []error
	invalid := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if !validPort(c.Server.Port) {
		invalid("server.port %d out of range", c.Server.Port)
	}
	if c.Server.Workers < 0 {
		invalid("server.workers %d is negative", c.Server.Workers)
	}
	if c.Server.MaxConnections < 0 {
		invalid("server.max_connections %d is negative", c.Server.MaxConnections)
	}
	if c.Server.ReceiveBufferSize < 0 {
		invalid("server.receive_buffer_size %d is negative", c.Server.ReceiveBufferSize)
	}
	if rl := c.Server.RateLimit; rl.Enabled && (rl.MessagesPerSecond <= 0 || rl.Burst <= 0) {
		invalid("server.rate_limit needs positive messages_per_second and burst")
	}
	if !validPort(c.Client.Port) {
		invalid("client.port %d out of range", c.Client.Port)
	}
	if c.Client.MaxRetries < 0 {
		invalid("client.max_retries %d is negative", c.Client.MaxRetries)
	}
	if c.Client.TickInterval <= 0 {
		invalid("client.tick_interval must be positive")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		invalid("log.level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		invalid("log.format %q", c.Log.Format)
	}

	return errors.Join(errs...)
}

func validPort(p int) bool {
	return p >= 0 && p <= 65535
}
