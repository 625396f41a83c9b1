// Package metrics exports skillbridge runtime counters to Prometheus.
//
// A nil *Collector is valid and records nothing, so components can take one
// unconditionally.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/luciancaetano/skillbridge"
	"github.com/luciancaetano/skillbridge/message"
)

// Config configures a Collector.
type Config struct {
	// Namespace is the metrics namespace (default: "skillbridge").
	Namespace string

	// Subsystem is the metrics subsystem, e.g. "server" or "client".
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for dispatch duration.
	// Default: prometheus.DefBuckets
	Buckets []float64

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// Option configures a Collector.
type Option func(*Config)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(subsystem string) Option {
	return func(c *Config) {
		c.Subsystem = subsystem
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *Config) {
		c.ConstLabels = labels
	}
}

// WithBuckets sets the dispatch duration histogram buckets.
func WithBuckets(buckets []float64) Option {
	return func(c *Config) {
		c.Buckets = buckets
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) {
		c.Registry = registry
	}
}

func defaultConfig() Config {
	return Config{
		Namespace: "skillbridge",
		Buckets:   prometheus.DefBuckets,
		Registry:  prometheus.DefaultRegisterer,
	}
}

// Collector holds every skillbridge metric.
type Collector struct {
	connections      prometheus.Gauge
	connectionsTotal *prometheus.CounterVec
	disconnects      *prometheus.CounterVec
	framesIn         prometheus.Counter
	framesOut        prometheus.Counter
	bytesIn          prometheus.Counter
	bytesOut         prometheus.Counter
	rateLimited      prometheus.Counter
	queueDepth       prometheus.Gauge
	dispatched       *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	dropped          *prometheus.CounterVec
	handlerErrors    *prometheus.CounterVec
	reconnects       prometheus.Counter
}

// New registers the metrics with the configured registry. Registering twice
// with the same registry panics, as with promauto.
func New(opts ...Option) *Collector {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	factory := promauto.With(cfg.Registry)

	return &Collector{
		connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "connections",
			Help:        "Number of live connections",
			ConstLabels: cfg.ConstLabels,
		}),

		connectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "connections_total",
			Help:        "Total number of accepted connections by transport",
			ConstLabels: cfg.ConstLabels,
		}, []string{"transport"}),

		disconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "disconnects_total",
			Help:        "Total number of closed connections by error code",
			ConstLabels: cfg.ConstLabels,
		}, []string{"code"}),

		framesIn: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "frames_received_total",
			Help:        "Total number of envelopes decoded from the wire",
			ConstLabels: cfg.ConstLabels,
		}),

		framesOut: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "frames_sent_total",
			Help:        "Total number of frames written to the wire",
			ConstLabels: cfg.ConstLabels,
		}),

		bytesIn: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "received_bytes_total",
			Help:        "Total number of bytes read from sockets",
			ConstLabels: cfg.ConstLabels,
		}),

		bytesOut: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "sent_bytes_total",
			Help:        "Total number of bytes written to sockets",
			ConstLabels: cfg.ConstLabels,
		}),

		rateLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "rate_limited_total",
			Help:        "Total number of connections kicked for exceeding the message rate",
			ConstLabels: cfg.ConstLabels,
		}),

		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "dispatch_queue_depth",
			Help:        "Number of envelopes waiting for a dispatch worker",
			ConstLabels: cfg.ConstLabels,
		}),

		dispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "dispatched_total",
			Help:        "Total number of payloads dispatched by kind",
			ConstLabels: cfg.ConstLabels,
		}, []string{"kind"}),

		dispatchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "dispatch_duration_seconds",
			Help:        "Time spent running the handlers of one payload",
			ConstLabels: cfg.ConstLabels,
			Buckets:     cfg.Buckets,
		}, []string{"kind"}),

		dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "dropped_total",
			Help:        "Total number of payloads dropped for lack of a handler",
			ConstLabels: cfg.ConstLabels,
		}, []string{"kind"}),

		handlerErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "handler_errors_total",
			Help:        "Total number of handler errors and panics by kind",
			ConstLabels: cfg.ConstLabels,
		}, []string{"kind"}),

		reconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "reconnects_total",
			Help:        "Total number of client connection attempts",
			ConstLabels: cfg.ConstLabels,
		}),
	}
}

// ConnectionOpened records an accepted connection.
func (c *Collector) ConnectionOpened(transport string) {
	if c == nil {
		return
	}
	c.connections.Inc()
	c.connectionsTotal.WithLabelValues(transport).Inc()
}

// ConnectionClosed records a closed connection.
func (c *Collector) ConnectionClosed(code skillbridge.ErrorCode) {
	if c == nil {
		return
	}
	c.connections.Dec()
	c.disconnects.WithLabelValues(code.String()).Inc()
}

// BytesReceived records n bytes read from a socket.
func (c *Collector) BytesReceived(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.bytesIn.Add(float64(n))
}

// FrameSent records one complete frame of n bytes written to a socket.
func (c *Collector) FrameSent(n int) {
	if c == nil {
		return
	}
	c.framesOut.Inc()
	c.bytesOut.Add(float64(n))
}

// RateLimited records a connection kicked by its rate limiter.
func (c *Collector) RateLimited() {
	if c == nil {
		return
	}
	c.rateLimited.Inc()
}

// Reconnect records a client connection attempt.
func (c *Collector) Reconnect() {
	if c == nil {
		return
	}
	c.reconnects.Inc()
}

// QueueDepth records the number of envelopes waiting for a worker.
func (c *Collector) QueueDepth(depth int) {
	if c == nil {
		return
	}
	c.queueDepth.Set(float64(depth))
}

// FrameReceived records an envelope decoded from the wire.
func (c *Collector) FrameReceived() {
	if c == nil {
		return
	}
	c.framesIn.Inc()
}

// MessageDispatched records the handlers of one payload completing.
func (c *Collector) MessageDispatched(kind message.Kind, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.dispatched.WithLabelValues(kind.String()).Inc()
	c.dispatchDuration.WithLabelValues(kind.String()).Observe(elapsed.Seconds())
}

// MessageDropped records a payload with no subscribed handler.
func (c *Collector) MessageDropped(kind message.Kind) {
	if c == nil {
		return
	}
	c.dropped.WithLabelValues(kind.String()).Inc()
}

// HandlerFailed records a handler error or panic.
func (c *Collector) HandlerFailed(kind message.Kind) {
	if c == nil {
		return
	}
	c.handlerErrors.WithLabelValues(kind.String()).Inc()
}
