package skillbridge

import (
	"context"

	"github.com/luciancaetano/skillbridge/message"
)

// Server defines a game server that accepts framed TCP (and optionally
// WebSocket) connections and dispatches decoded envelopes to subscribed
// handlers through a worker pool.
//
// Example usage:
//
//	import "github.com/luciancaetano/skillbridge/gamenet"
//
//	server := gamenet.NewServer(gamenet.NewServerConfig("127.0.0.1", 8000, 8))
//
//	server.Subscribe(message.KindFirstTestRequest, func(conn skillbridge.Conn, p message.Payload) error {
//	    conn.Session().SetResponse(&message.FirstTestResponse{Message: "ack"})
//	    return nil
//	})
//
//	server.Start(ctx)
type Server interface {
	// Start binds the listener, starts the dispatch workers and begins
	// accepting connections. It returns once the server is ready.
	//
	// Returns an error if the server is already running or if the address
	// cannot be bound.
	Start(ctx context.Context) error

	// Stop closes the listener, disconnects every connection and waits for
	// the dispatch workers to exit.
	Stop(ctx context.Context) error

	// Addr returns the bound TCP address, useful when listening on port 0.
	Addr() string

	// Subscribe registers handler for payloads of the given kind. Handlers for
	// the same kind run in subscription order. Handlers may be invoked
	// concurrently from several workers and must synchronize shared state.
	Subscribe(kind message.Kind, handler HandlerFunc) Subscription

	// Unsubscribe removes a handler. Unknown subscriptions are ignored.
	Unsubscribe(sub Subscription)

	// Connection returns a live connection by ID.
	Connection(id string) (Conn, bool)

	// Connections returns a snapshot of the live connections.
	Connections() []Conn

	// Broadcast sends env to every live connection.
	Broadcast(ctx context.Context, env *message.Envelope) error
}

// HandlerFunc handles one payload received on a server connection. A
// returned error (or a panic) is logged at the dispatch boundary.
type HandlerFunc func(conn Conn, payload message.Payload) error

// Subscription identifies one registered handler.
type Subscription struct {
	Kind message.Kind
	ID   uint64
}

// Conn represents an accepted connection.
//
// Each connection has a unique identifier, its own Session and a lifecycle
// context that is cancelled when the connection closes. A connection is never
// reused after it closes.
type Conn interface {
	// ID returns a unique identifier for the connection.
	ID() string

	// RemoteAddr returns the peer's network address, e.g. "192.168.1.100:54321".
	RemoteAddr() string

	// Context returns the connection's lifecycle context.
	Context() context.Context

	// Session returns the per-connection application state.
	Session() Session

	// Send packs env into a frame and queues it for asynchronous delivery.
	//
	// Returns an error if the connection is closed or the context is cancelled.
	Send(ctx context.Context, env *message.Envelope) error

	// SendResponse sends whatever the Session accumulated, if anything.
	SendResponse() error

	// Verified reports whether the application has marked the peer as
	// authenticated.
	Verified() bool

	// SetVerified sets the verified flag.
	SetVerified(v bool)

	// Disconnect closes the connection. It is safe to call more than once and
	// concurrently with an in-flight receive.
	Disconnect(code ErrorCode) error

	// IsAlive returns true if the connection is still open.
	IsAlive() bool
}

// Session is the application-facing state of one connection. It accumulates
// the next outgoing envelope until GetResponse packs and clears it.
type Session interface {
	// Response returns the Response slot of the pending envelope, creating
	// both if needed. The slot is handed out without the session lock, so
	// writing through it is only safe while a single worker serves the
	// connection; handlers should use SetResponse or UpdateResponse.
	Response() *message.Response

	// SetResponse stores p in the pending envelope's Response slot.
	SetResponse(p message.ResponsePayload)

	// UpdateResponse calls fn with the pending Response slot while holding the
	// session lock. fn must not retain resp or call back into the session.
	UpdateResponse(fn func(resp *message.Response))

	// GetResponse packs the pending envelope into a frame and clears it.
	// It returns nil when nothing is pending.
	GetResponse() ([]byte, error)

	// AddPostResponser registers a hook that sees every response before it is
	// packed.
	AddPostResponser(p PostResponser)
}

// PostResponser post-processes an outgoing response, e.g. to attach status
// updates that accumulated while the request was handled.
type PostResponser interface {
	PostProcess(resp *message.Response)
}

// Client is a single logical connection to a game server, driven by an
// external tick instead of its own I/O goroutines.
//
// Example usage:
//
//	client := gamenet.NewClient(gamenet.DefaultClientConfig())
//	client.Init("127.0.0.1", 8000)
//	client.OnConnect(func(code skillbridge.ErrorCode, reason string) { ... })
//	client.Connect(3)
//
//	for range ticker.C {
//	    client.Update()
//	}
type Client interface {
	// Init sets the target address. It must be called before Connect.
	Init(address string, port int) error

	// Connect starts a connection attempt. It is a no-op while an attempt
	// is already in flight. The outcome is reported through OnConnect from a
	// later Update call.
	Connect(maxRetries int) error

	// SendMessage queues env for sending. If the client is not connected the
	// message is dropped and a connection attempt is started instead.
	SendMessage(env *message.Envelope)

	// Update runs one tick: reconnect, receive, send, then dispatch received
	// envelopes inline. It returns handler errors when the client runs in
	// throw-exception mode.
	Update() error

	// CloseConnection closes the socket, clears all buffers and reacts to
	// code as described by ErrorCode.Fatal and ErrorCode.Retryable.
	CloseConnection(code ErrorCode)

	// Connected reports whether the socket is connected.
	Connected() bool

	// Running reports whether the client still accepts work.
	Running() bool

	// OnConnect registers a listener for connect outcomes.
	OnConnect(fn ConnectEventFunc)

	// OnDisconnect registers a listener for disconnects.
	OnDisconnect(fn ConnectEventFunc)

	// Subscribe registers a handler for payloads received from the server.
	Subscribe(kind message.Kind, handler ClientHandlerFunc) Subscription

	// Unsubscribe removes a handler.
	Unsubscribe(sub Subscription)
}

// ConnectEventFunc receives connect and disconnect notifications. A connect
// event with ErrorNone means success.
type ConnectEventFunc func(code ErrorCode, reason string)

// ClientHandlerFunc handles one payload received by a Client.
type ClientHandlerFunc func(client Client, payload message.Payload) error
