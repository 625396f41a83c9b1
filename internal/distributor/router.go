package distributor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/luciancaetano/skillbridge"
	"github.com/luciancaetano/skillbridge/message"
)

// HandlerError describes a handler that returned an error or panicked.
type HandlerError struct {
	Kind  message.Kind
	Err   error
	Panic any
	Stack []byte
}

func (e *HandlerError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("distributor: %s handler panicked: %v", e.Kind, e.Panic)
	}
	return fmt.Sprintf("distributor: %s handler: %v", e.Kind, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// Subscribe registers a handler typed on a concrete payload pointer type P,
// e.g. *message.FirstTestRequest. The kind is taken from P.
func Subscribe[S any, P message.Payload](d *Distributor[S], fn func(sender S, payload P) error) skillbridge.Subscription {
	var zero P
	return d.Subscribe(zero.Kind(), func(sender S, payload message.Payload) error {
		typed, ok := payload.(P)
		if !ok {
			return fmt.Errorf("distributor: payload %T is not %T", payload, zero)
		}
		return fn(sender, typed)
	})
}

// Dispatch routes env synchronously: the request payload's handlers run
// first, then the response payload's. Absent payloads are skipped and a
// payload without handlers is logged and dropped.
//
// Every handler failure is logged. Failures are returned only when
// ThrowException is set. AfterDispatch runs in either case.
func (d *Distributor[S]) Dispatch(sender S, env *message.Envelope) error {
	if env == nil {
		d.logger.Warn("dispatch of nil envelope ignored", senderAttr(sender))
		return nil
	}

	var errs []error
	for _, payload := range env.Payloads() {
		if err := d.raise(sender, payload); err != nil {
			errs = append(errs, err)
		}
	}

	if d.afterDispatch != nil {
		d.afterDispatch(sender, env)
	}

	if len(errs) > 0 && d.throwException.Load() {
		return errors.Join(errs...)
	}
	return nil
}

func (d *Distributor[S]) raise(sender S, payload message.Payload) error {
	kind := payload.Kind()

	d.subMu.RLock()
	handlers := d.subs[kind]
	d.subMu.RUnlock()

	if len(handlers) == 0 {
		d.logger.Warn("no handler subscribed", "kind", kind.String(), senderAttr(sender))
		d.observer.MessageDropped(kind)
		return nil
	}

	_, span := d.tracer.Start(context.Background(), "dispatch "+kind.String(),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("skillbridge.distributor", d.name),
			attribute.String("skillbridge.kind", kind.String()),
			attribute.Int("skillbridge.handlers", len(handlers)),
		),
	)
	defer span.End()

	start := time.Now()
	var errs []error
	for _, h := range handlers {
		if err := d.invoke(h.fn, sender, payload); err != nil {
			span.RecordError(err)
			errs = append(errs, err)
		}
	}
	d.observer.MessageDispatched(kind, time.Since(start))

	if len(errs) == 0 {
		return nil
	}
	span.SetStatus(codes.Error, "handler failed")
	return errors.Join(errs...)
}

// invoke runs one handler, converting a panic into a HandlerError so that a
// faulty handler never takes its worker down.
func (d *Distributor[S]) invoke(fn HandlerFunc[S], sender S, payload message.Payload) (err error) {
	kind := payload.Kind()

	defer func() {
		if r := recover(); r != nil {
			err = &HandlerError{Kind: kind, Panic: r, Stack: debug.Stack()}
		}
		if err == nil {
			return
		}
		d.observer.HandlerFailed(kind)

		attrs := []any{"kind", kind.String(), "payload", payload, senderAttr(sender), "error", err}
		var he *HandlerError
		if errors.As(err, &he) && he.Stack != nil {
			attrs = append(attrs, "stack", string(he.Stack))
		}
		d.logger.Error("message handler failed", attrs...)
	}()

	if herr := fn(sender, payload); herr != nil {
		return &HandlerError{Kind: kind, Err: herr}
	}
	return nil
}

func senderAttr(sender any) slog.Attr {
	switch s := sender.(type) {
	case interface{ ID() string }:
		return slog.String("sender", s.ID())
	case fmt.Stringer:
		return slog.String("sender", s.String())
	default:
		return slog.String("sender", fmt.Sprintf("%T", sender))
	}
}
