// Package distributor decouples transport goroutines from application
// handlers. Received envelopes are queued with their sender and dispatched,
// either by a pool of workers or inline by the caller, to the handlers
// subscribed for each payload kind.
package distributor

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/luciancaetano/skillbridge"
	"github.com/luciancaetano/skillbridge/message"
)

// Worker pool bounds. Start clamps its argument into this range.
const (
	MinWorkers = 1
	MaxWorkers = 1000
)

const tracerName = "github.com/luciancaetano/skillbridge/distributor"

// ErrAlreadyRunning is returned by Start when workers are already running.
var ErrAlreadyRunning = errors.New("distributor: already running")

// HandlerFunc handles one payload from sender.
type HandlerFunc[S any] func(sender S, payload message.Payload) error

// Observer receives queue and dispatch events, typically to export metrics.
type Observer interface {
	QueueDepth(depth int)
	MessageDispatched(kind message.Kind, elapsed time.Duration)
	MessageDropped(kind message.Kind)
	HandlerFailed(kind message.Kind)
}

type nopObserver struct{}

func (nopObserver) QueueDepth(int)                                {}
func (nopObserver) MessageDispatched(message.Kind, time.Duration) {}
func (nopObserver) MessageDropped(message.Kind)                   {}
func (nopObserver) HandlerFailed(message.Kind)                    {}

// Config configures a Distributor. The zero value is usable.
type Config[S any] struct {
	// Name labels log lines, e.g. "server" or "client".
	Name string

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Observer defaults to a no-op.
	Observer Observer

	// Tracer defaults to the global OpenTelemetry tracer provider.
	Tracer trace.Tracer

	// ThrowException makes Dispatch return handler failures to its caller
	// instead of only logging them.
	ThrowException bool

	// AfterDispatch, if set, runs after every dispatched envelope.
	AfterDispatch func(sender S, env *message.Envelope)
}

type item[S any] struct {
	sender S
	env    *message.Envelope
}

type subscription[S any] struct {
	id uint64
	fn HandlerFunc[S]
}

// Distributor is a FIFO queue of (sender, envelope) pairs, a subscription
// table keyed by payload kind and an optional worker pool draining the queue.
type Distributor[S any] struct {
	name          string
	logger        *slog.Logger
	observer      Observer
	tracer        trace.Tracer
	afterDispatch func(S, *message.Envelope)

	throwException atomic.Bool

	subMu  sync.RWMutex
	subs   map[message.Kind][]subscription[S]
	nextID atomic.Uint64

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []item[S]
	running bool
	workers int
	active  int
	wg      sync.WaitGroup
}

// New creates an idle distributor.
func New[S any](cfg Config[S]) *Distributor[S] {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer(tracerName)
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}

	d := &Distributor[S]{
		name:          cfg.Name,
		logger:        cfg.Logger.With("distributor", cfg.Name),
		observer:      cfg.Observer,
		tracer:        cfg.Tracer,
		afterDispatch: cfg.AfterDispatch,
		subs:          make(map[message.Kind][]subscription[S]),
	}
	d.cond = sync.NewCond(&d.mu)
	d.throwException.Store(cfg.ThrowException)
	return d
}

// SetThrowException toggles whether handler failures are returned by Dispatch.
func (d *Distributor[S]) SetThrowException(v bool) {
	d.throwException.Store(v)
}

// ClampWorkers bounds n to [MinWorkers, MaxWorkers].
func ClampWorkers(n int) int {
	return min(max(n, MinWorkers), MaxWorkers)
}

// Subscribe appends fn to the handlers for kind.
func (d *Distributor[S]) Subscribe(kind message.Kind, fn HandlerFunc[S]) skillbridge.Subscription {
	id := d.nextID.Add(1)

	d.subMu.Lock()
	d.subs[kind] = append(d.subs[kind], subscription[S]{id: id, fn: fn})
	d.subMu.Unlock()

	return skillbridge.Subscription{Kind: kind, ID: id}
}

// Unsubscribe removes the handler identified by sub. Unknown subscriptions
// are ignored.
func (d *Distributor[S]) Unsubscribe(sub skillbridge.Subscription) {
	d.subMu.Lock()
	defer d.subMu.Unlock()

	list := d.subs[sub.Kind]
	for i, s := range list {
		if s.id != sub.ID {
			continue
		}
		// Dispatchers may be iterating the old slice; build a new one.
		next := make([]subscription[S], 0, len(list)-1)
		next = append(next, list[:i]...)
		next = append(next, list[i+1:]...)
		if len(next) == 0 {
			delete(d.subs, sub.Kind)
		} else {
			d.subs[sub.Kind] = next
		}
		return
	}
}

// Handlers returns the number of handlers subscribed for kind.
func (d *Distributor[S]) Handlers(kind message.Kind) int {
	d.subMu.RLock()
	defer d.subMu.RUnlock()
	return len(d.subs[kind])
}

// Enqueue appends (sender, env) to the queue and wakes one idle worker.
// Empty envelopes are ignored.
func (d *Distributor[S]) Enqueue(sender S, env *message.Envelope) {
	if env.IsEmpty() {
		return
	}

	d.mu.Lock()
	d.queue = append(d.queue, item[S]{sender: sender, env: env})
	depth := len(d.queue)
	d.mu.Unlock()

	d.cond.Signal()
	d.observer.QueueDepth(depth)
}

// Len returns the number of queued, undispatched envelopes.
func (d *Distributor[S]) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Clear drops every queued envelope.
func (d *Distributor[S]) Clear() {
	d.mu.Lock()
	d.clearLocked()
	d.mu.Unlock()
	d.observer.QueueDepth(0)
}

func (d *Distributor[S]) clearLocked() {
	clear(d.queue)
	d.queue = d.queue[:0]
}

func (d *Distributor[S]) popLocked() item[S] {
	it := d.queue[0]
	d.queue[0] = item[S]{}
	d.queue = d.queue[1:]
	if len(d.queue) == 0 {
		d.queue = nil
	}
	return it
}

// Distribute dispatches every queued envelope on the calling goroutine. It is
// the single-threaded alternative to Start. Handler failures are joined and
// returned when ThrowException is set; a failure never stops the drain.
func (d *Distributor[S]) Distribute() error {
	var errs []error
	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			d.mu.Unlock()
			break
		}
		it := d.popLocked()
		depth := len(d.queue)
		d.mu.Unlock()

		d.observer.QueueDepth(depth)
		if err := d.Dispatch(it.sender, it.env); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Start launches n workers, clamped to [MinWorkers, MaxWorkers], and blocks
// until every worker is active.
func (d *Distributor[S]) Start(n int) error {
	n = ClampWorkers(n)

	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return ErrAlreadyRunning
	}
	d.running = true
	d.workers = n
	d.mu.Unlock()

	d.logger.Info("starting dispatch workers", "workers", n)

	var ready sync.WaitGroup
	ready.Add(n)
	d.wg.Add(n)
	for i := 0; i < n; i++ {
		go d.work(i, &ready)
	}
	ready.Wait()
	return nil
}

// Stop marks the distributor stopped, drops queued envelopes, wakes every
// worker and waits for all of them to exit. Dispatches already in progress
// are allowed to finish.
func (d *Distributor[S]) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.logger.Info("stopping dispatch workers", "workers", d.workers)
	d.running = false
	d.clearLocked()
	d.cond.Broadcast()
	d.mu.Unlock()

	d.wg.Wait()
	d.observer.QueueDepth(0)
}

// Running reports whether workers are running.
func (d *Distributor[S]) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Workers returns the configured worker count of the last Start.
func (d *Distributor[S]) Workers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.workers
}

// ActiveWorkers returns the number of worker goroutines currently alive.
func (d *Distributor[S]) ActiveWorkers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

func (d *Distributor[S]) work(id int, ready *sync.WaitGroup) {
	defer d.wg.Done()

	d.mu.Lock()
	d.active++
	d.mu.Unlock()
	ready.Done()

	defer func() {
		d.mu.Lock()
		d.active--
		d.mu.Unlock()
	}()

	for {
		d.mu.Lock()
		for d.running && len(d.queue) == 0 {
			d.cond.Wait()
		}
		if !d.running {
			d.mu.Unlock()
			return
		}
		it := d.popLocked()
		depth := len(d.queue)
		d.mu.Unlock()

		d.observer.QueueDepth(depth)
		// The worker survives handler failures; they were already logged.
		if err := d.Dispatch(it.sender, it.env); err != nil {
			d.logger.Debug("worker continuing after handler failure", "worker", id, "error", err)
		}
	}
}
