package game

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/luciancaetano/skillbridge"
	"github.com/luciancaetano/skillbridge/internal/distributor"
	"github.com/luciancaetano/skillbridge/internal/tcp"
	"github.com/luciancaetano/skillbridge/message"
)

// fakeConn carries a real session; the remaining Conn methods are unused.
type fakeConn struct {
	skillbridge.Conn
	session *tcp.Session
}

func (c *fakeConn) ID() string                   { return "fake" }
func (c *fakeConn) Session() skillbridge.Session { return c.session }

func newFixture(t *testing.T) (*FirstService, *distributor.Distributor[skillbridge.Conn], *fakeConn) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	d := distributor.New(distributor.Config[skillbridge.Conn]{
		Name:           "game-test",
		Logger:         logger,
		ThrowException: true,
	})
	svc := NewFirstService(logger)
	svc.now = func() time.Time { return time.UnixMilli(5000) }
	svc.Register(d)
	return svc, d, &fakeConn{session: tcp.NewSession()}
}

func pending(t *testing.T, conn *fakeConn) *message.Envelope {
	t.Helper()

	resp := conn.session.Response()
	return &message.Envelope{Response: resp}
}

// TestFirstTestRequestAck tests that a FirstTestRequest leaves an ack in the session
func TestFirstTestRequestAck(t *testing.T) {
	t.Parallel()

	_, d, conn := newFixture(t)

	env := message.NewRequest(&message.FirstTestRequest{HelloWorld: "hello firstRequest"})
	if err := d.Dispatch(conn, env); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	got, ok := pending(t, conn).Response.Payload.(*message.FirstTestResponse)
	if !ok {
		t.Fatalf("response payload = %T, want *FirstTestResponse", pending(t, conn).Response.Payload)
	}
	if got.Message != AckMessage {
		t.Errorf("Message = %q, want %q", got.Message, AckMessage)
	}
}

// TestHeartbeatEchoesClientTime tests the heartbeat answer
func TestHeartbeatEchoesClientTime(t *testing.T) {
	t.Parallel()

	_, d, conn := newFixture(t)

	env := message.NewRequest(&message.HeartbeatRequest{ClientTime: 1234})
	if err := d.Dispatch(conn, env); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	got, ok := pending(t, conn).Response.Payload.(*message.HeartbeatResponse)
	if !ok {
		t.Fatalf("response payload = %T, want *HeartbeatResponse", pending(t, conn).Response.Payload)
	}
	if got.ClientTime != 1234 {
		t.Errorf("ClientTime = %d, want 1234", got.ClientTime)
	}
	if got.ServerTime != 5000 {
		t.Errorf("ServerTime = %d, want 5000", got.ServerTime)
	}
}

// TestRegisterTwice tests that a second Register adds no handlers
func TestRegisterTwice(t *testing.T) {
	t.Parallel()

	svc, d, _ := newFixture(t)
	svc.Register(d)

	if n := d.Handlers(message.KindFirstTestRequest); n != 1 {
		t.Errorf("Handlers(FirstTestRequest) = %d, want 1", n)
	}
}

// TestClose tests that Close removes the handlers
func TestClose(t *testing.T) {
	t.Parallel()

	svc, d, _ := newFixture(t)
	svc.Close()

	for _, kind := range []message.Kind{message.KindFirstTestRequest, message.KindHeartbeatRequest} {
		if n := d.Handlers(kind); n != 0 {
			t.Errorf("Handlers(%v) = %d, want 0", kind, n)
		}
	}
}
