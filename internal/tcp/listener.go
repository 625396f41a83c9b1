package tcp

import (
	"context"
	"errors"
	"net"
	"time"

	"golang.org/x/net/netutil"
)

const (
	keepAlivePeriod = 30 * time.Second
	maxAcceptDelay  = time.Second
)

// listen binds a TCP listener on addr. When maxConns > 0 the listener blocks
// in Accept while maxConns connections are open, which plays the role of a
// bounded listen backlog.
func listen(ctx context.Context, addr string, maxConns int) (net.Listener, error) {
	lc := net.ListenConfig{KeepAlive: keepAlivePeriod}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if maxConns > 0 {
		ln = netutil.LimitListener(ln, maxConns)
	}
	return ln, nil
}

// acceptLoop accepts connections from ln until it is closed. Transient
// accept errors are retried with exponential backoff.
func (s *Server) acceptLoop(ln net.Listener, transport string) {
	defer s.acceptWG.Done()

	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || !s.isRunning() {
				return
			}

			if delay == 0 {
				delay = 5 * time.Millisecond
			} else {
				delay = min(delay*2, maxAcceptDelay)
			}
			s.logger.Warn("accept failed, retrying", "transport", transport, "error", err, "delay", delay)
			time.Sleep(delay)
			continue
		}
		delay = 0

		s.handleConn(conn, transport)
	}
}
