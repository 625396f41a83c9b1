package distributor

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/luciancaetano/skillbridge/message"
)

func newTestDistributor(throw bool) *Distributor[string] {
	return New(Config[string]{
		Name:           "test",
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		ThrowException: throw,
	})
}

func hello(s string) *message.Envelope {
	return message.NewRequest(&message.FirstTestRequest{HelloWorld: s})
}

// TestClampWorkers tests worker count bounds
func TestClampWorkers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   int
		want int
	}{
		{-5, 1},
		{0, 1},
		{1, 1},
		{8, 8},
		{1000, 1000},
		{5000, 1000},
	}

	for _, tt := range tests {
		if got := ClampWorkers(tt.in); got != tt.want {
			t.Errorf("ClampWorkers(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

// TestFanOutInSubscriptionOrder tests that every handler runs in subscription order
func TestFanOutInSubscriptionOrder(t *testing.T) {
	t.Parallel()

	d := newTestDistributor(false)

	var order []int
	d.Subscribe(message.KindFirstTestRequest, func(string, message.Payload) error {
		order = append(order, 1)
		return nil
	})
	d.Subscribe(message.KindFirstTestRequest, func(string, message.Payload) error {
		order = append(order, 2)
		return nil
	})

	if err := d.Dispatch("c", hello("hi")); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Errorf("handler order = %v, want [1 2]", order)
	}
}

// TestRequestBeforeResponse tests that the request payload is routed before the response payload
func TestRequestBeforeResponse(t *testing.T) {
	t.Parallel()

	d := newTestDistributor(false)

	var order []message.Kind
	record := func(_ string, p message.Payload) error {
		order = append(order, p.Kind())
		return nil
	}
	d.Subscribe(message.KindFirstTestRequest, record)
	d.Subscribe(message.KindFirstTestResponse, record)

	env := &message.Envelope{
		Response: &message.Response{Payload: &message.FirstTestResponse{Message: "ack"}},
		Request:  &message.Request{Payload: &message.FirstTestRequest{HelloWorld: "hi"}},
	}
	if err := d.Dispatch("c", env); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	want := []message.Kind{message.KindFirstTestRequest, message.KindFirstTestResponse}
	if len(order) != 2 || order[0] != want[0] || order[1] != want[1] {
		t.Errorf("dispatch order = %v, want %v", order, want)
	}
}

// TestUnsubscribe tests that removed handlers no longer run
func TestUnsubscribe(t *testing.T) {
	t.Parallel()

	d := newTestDistributor(false)

	var first, second int
	sub := d.Subscribe(message.KindFirstTestRequest, func(string, message.Payload) error {
		first++
		return nil
	})
	d.Subscribe(message.KindFirstTestRequest, func(string, message.Payload) error {
		second++
		return nil
	})

	d.Unsubscribe(sub)
	d.Unsubscribe(sub)

	if got := d.Handlers(message.KindFirstTestRequest); got != 1 {
		t.Errorf("Handlers() = %d, want 1", got)
	}

	_ = d.Dispatch("c", hello("hi"))
	if first != 0 || second != 1 {
		t.Errorf("calls = (%d, %d), want (0, 1)", first, second)
	}
}

// TestMissingHandler tests that a payload without handlers is dropped silently
func TestMissingHandler(t *testing.T) {
	t.Parallel()

	d := newTestDistributor(true)
	if err := d.Dispatch("c", hello("nobody")); err != nil {
		t.Errorf("Dispatch() error = %v, want nil", err)
	}
	if err := d.Dispatch("c", nil); err != nil {
		t.Errorf("Dispatch(nil) error = %v, want nil", err)
	}
}

// TestTypedSubscribe tests the generic subscribe helper
func TestTypedSubscribe(t *testing.T) {
	t.Parallel()

	d := newTestDistributor(true)

	var got string
	sub := Subscribe(d, func(sender string, req *message.FirstTestRequest) error {
		got = sender + ":" + req.HelloWorld
		return nil
	})

	if sub.Kind != message.KindFirstTestRequest {
		t.Errorf("Subscription.Kind = %v, want %v", sub.Kind, message.KindFirstTestRequest)
	}

	if err := d.Dispatch("c1", hello("world")); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if got != "c1:world" {
		t.Errorf("handler saw %q, want %q", got, "c1:world")
	}
}

// TestThrowException tests error propagation with and without ThrowException
func TestThrowException(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")

	tests := []struct {
		name  string
		throw bool
	}{
		{"swallowed", false},
		{"returned", true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			d := newTestDistributor(tt.throw)
			var after int
			d.afterDispatch = func(string, *message.Envelope) { after++ }

			var ran bool
			d.Subscribe(message.KindFirstTestRequest, func(string, message.Payload) error {
				return boom
			})
			d.Subscribe(message.KindFirstTestRequest, func(string, message.Payload) error {
				ran = true
				return nil
			})

			err := d.Dispatch("c", hello("hi"))
			if tt.throw {
				if !errors.Is(err, boom) {
					t.Errorf("Dispatch() error = %v, want %v", err, boom)
				}
				var he *HandlerError
				if !errors.As(err, &he) || he.Kind != message.KindFirstTestRequest {
					t.Errorf("Dispatch() error = %v, want HandlerError for %v", err, message.KindFirstTestRequest)
				}
			} else if err != nil {
				t.Errorf("Dispatch() error = %v, want nil", err)
			}

			if !ran {
				t.Error("handler after failing handler did not run")
			}
			if after != 1 {
				t.Errorf("AfterDispatch calls = %d, want 1", after)
			}
		})
	}
}

// TestPanicRecovery tests that a panicking handler becomes a HandlerError
func TestPanicRecovery(t *testing.T) {
	t.Parallel()

	d := newTestDistributor(true)
	d.Subscribe(message.KindFirstTestRequest, func(string, message.Payload) error {
		panic("handler exploded")
	})

	err := d.Dispatch("c", hello("hi"))
	var he *HandlerError
	if !errors.As(err, &he) {
		t.Fatalf("Dispatch() error = %v, want HandlerError", err)
	}
	if he.Panic != "handler exploded" {
		t.Errorf("Panic = %v, want %q", he.Panic, "handler exploded")
	}
	if len(he.Stack) == 0 {
		t.Error("Stack is empty")
	}
}

// TestDistributeDrainsInline tests the single-threaded drain
func TestDistributeDrainsInline(t *testing.T) {
	t.Parallel()

	d := newTestDistributor(false)

	var got []string
	Subscribe(d, func(_ string, req *message.FirstTestRequest) error {
		got = append(got, req.HelloWorld)
		return nil
	})

	d.Enqueue("c", hello("a"))
	d.Enqueue("c", &message.Envelope{})
	d.Enqueue("c", hello("b"))
	d.Enqueue("c", hello("c"))

	if d.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", d.Len())
	}

	if err := d.Distribute(); err != nil {
		t.Fatalf("Distribute() error = %v", err)
	}

	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Errorf("dispatched %v, want [a b c]", got)
	}
	if d.Len() != 0 {
		t.Errorf("Len() = %d after Distribute, want 0", d.Len())
	}
}

// TestClear tests dropping queued envelopes
func TestClear(t *testing.T) {
	t.Parallel()

	d := newTestDistributor(false)
	d.Enqueue("c", hello("a"))
	d.Enqueue("c", hello("b"))
	d.Clear()

	if d.Len() != 0 {
		t.Errorf("Len() = %d after Clear, want 0", d.Len())
	}
}

// TestStartStop tests the worker pool lifecycle
func TestStartStop(t *testing.T) {
	t.Parallel()

	d := newTestDistributor(false)

	var count atomic.Int32
	var wg sync.WaitGroup
	Subscribe(d, func(_ string, _ *message.FirstTestRequest) error {
		count.Add(1)
		wg.Done()
		return nil
	})

	if err := d.Start(4); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !d.Running() {
		t.Error("Running() = false after Start")
	}
	if got := d.ActiveWorkers(); got != 4 {
		t.Errorf("ActiveWorkers() = %d after Start, want 4", got)
	}
	if err := d.Start(4); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start() error = %v, want ErrAlreadyRunning", err)
	}

	const n = 100
	wg.Add(n)
	for i := 0; i < n; i++ {
		d.Enqueue("c", hello("x"))
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("dispatched %d of %d envelopes before timeout", count.Load(), n)
	}

	d.Stop()
	if d.Running() {
		t.Error("Running() = true after Stop")
	}
	if got := d.ActiveWorkers(); got != 0 {
		t.Errorf("ActiveWorkers() = %d after Stop, want 0", got)
	}

	d.Stop()
}

// TestStartClampsWorkers tests that Start bounds its argument
func TestStartClampsWorkers(t *testing.T) {
	t.Parallel()

	d := newTestDistributor(false)
	if err := d.Start(0); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer d.Stop()

	if got := d.Workers(); got != MinWorkers {
		t.Errorf("Workers() = %d, want %d", got, MinWorkers)
	}
}

// TestWorkersSurviveHandlerFailure tests that a failing handler never kills its worker
func TestWorkersSurviveHandlerFailure(t *testing.T) {
	t.Parallel()

	d := newTestDistributor(true)

	var wg sync.WaitGroup
	Subscribe(d, func(_ string, req *message.FirstTestRequest) error {
		defer wg.Done()
		if req.HelloWorld == "panic" {
			panic("bad")
		}
		return errors.New("bad")
	})

	if err := d.Start(1); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer d.Stop()

	wg.Add(3)
	d.Enqueue("c", hello("panic"))
	d.Enqueue("c", hello("error"))
	d.Enqueue("c", hello("again"))

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker stopped dispatching after a handler failure")
	}

	if got := d.ActiveWorkers(); got != 1 {
		t.Errorf("ActiveWorkers() = %d, want 1", got)
	}
}

// TestStopDropsQueue tests that Stop clears pending envelopes
func TestStopDropsQueue(t *testing.T) {
	t.Parallel()

	d := newTestDistributor(false)

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	Subscribe(d, func(_ string, _ *message.FirstTestRequest) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	})

	if err := d.Start(1); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	for i := 0; i < 5; i++ {
		d.Enqueue("c", hello("x"))
	}
	<-started

	stopped := make(chan struct{})
	go func() {
		d.Stop()
		close(stopped)
	}()

	// Stop clears the queue before it waits on the busy worker.
	deadline := time.Now().Add(5 * time.Second)
	for d.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	close(release)
	<-stopped

	if d.Len() != 0 {
		t.Errorf("Len() = %d after Stop, want 0", d.Len())
	}
}
