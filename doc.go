// Package skillbridge provides the networking substrate for a real-time
// multiplayer game: a framed TCP protocol, a worker-pooled message
// distributor on the server and a tick-driven client.
//
// # Architecture
//
// Every message is an Envelope (package message) carrying at most one
// Request and one Response payload. Handlers subscribe to a payload Kind;
// the distributor routes the request payload first, then the response
// payload, running every handler of a kind in subscription order.
//
// On the server each connection has one reader goroutine that feeds bytes
// into a frame parser. Decoded envelopes are queued on the distributor and
// handled by a pool of workers. Handlers answer through the connection's
// Session; after dispatch the server sends whatever the session accumulated.
//
// The client owns no goroutines besides the dialer. The game loop calls
// Update once per tick, which reconnects when needed, reads what is
// available, writes what is queued and dispatches received envelopes inline.
//
// # Quick Start
//
//	import "github.com/luciancaetano/skillbridge/gamenet"
//
//	server := gamenet.NewServer(gamenet.NewServerConfig("127.0.0.1", 8000, 8))
//	server.Subscribe(message.KindFirstTestRequest, func(conn skillbridge.Conn, p message.Payload) error {
//	    conn.Session().SetResponse(&message.FirstTestResponse{Message: "ack"})
//	    return nil
//	})
//	server.Start(ctx)
//
//	client := gamenet.NewClient(gamenet.DefaultClientConfig())
//	client.Init("127.0.0.1", 8000)
//	client.Connect(3)
//	for range ticker.C {
//	    client.Update()
//	}
//
// # Protocol Format
//
// Frames on the wire are length prefixed:
//
//	[4 bytes: payload length (uint32, little-endian)][N bytes: encoded Envelope]
//
// A frame that does not decode, or that declares a length larger than the
// receive buffer, closes the connection with ErrorIllegalPackage. An
// Envelope naming an unknown payload closes it with ErrorUnknownProtocol.
//
// # Rate Limiting
//
// Each server connection has a token bucket limiter (default 100 envelopes
// per second, burst 200). A peer that exceeds it is kicked with
// ErrorKickedOut.
//
// # Important
//
//   - Server handlers run concurrently on several workers and must
//     synchronize shared state
//   - Client methods must be called from the goroutine that drives Update
//   - Configure allowed origins before enabling the WebSocket listener in
//     production
package skillbridge
