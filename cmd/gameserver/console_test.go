package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/luciancaetano/skillbridge"
)

type fakeConn struct {
	skillbridge.Conn
	id     string
	kicked skillbridge.ErrorCode
}

func (c *fakeConn) ID() string         { return c.id }
func (c *fakeConn) RemoteAddr() string { return "10.0.0.1:4000" }
func (c *fakeConn) Verified() bool     { return false }

func (c *fakeConn) Disconnect(code skillbridge.ErrorCode) error {
	c.kicked = code
	return nil
}

type fakeServer struct {
	skillbridge.Server
	conn *fakeConn
}

func (s *fakeServer) Connections() []skillbridge.Conn {
	return []skillbridge.Conn{s.conn}
}

func (s *fakeServer) Connection(id string) (skillbridge.Conn, bool) {
	if id == s.conn.id {
		return s.conn, true
	}
	return nil, false
}

// TestConsoleCommands tests the command loop until exit
func TestConsoleCommands(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{id: "abc"}
	in := strings.NewReader("help\nconns\nkick abc\nkick nope\nbogus\nexit\nconns\n")
	var out bytes.Buffer

	newConsole(in, &out, &fakeServer{conn: conn}).Run(context.Background())

	got := out.String()
	for _, want := range []string{
		"Commands:",
		"1 connection(s)",
		"abc  10.0.0.1:4000",
		"kicked abc",
		skillbridge.ErrClientNotFound + ": nope",
		`unknown command "bogus"`,
	} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
	if strings.Count(got, "connection(s)") != 1 {
		t.Error("commands after exit were executed")
	}
	if conn.kicked != skillbridge.ErrorKickedOut {
		t.Errorf("kick code = %v, want %v", conn.kicked, skillbridge.ErrorKickedOut)
	}
}

// TestConsoleStopsOnContext tests that cancellation ends the loop
func TestConsoleStopsOnContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		// A blocking reader that never yields a line.
		newConsole(blockingReader{}, &bytes.Buffer{}, &fakeServer{conn: &fakeConn{}}).Run(ctx)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

type blockingReader struct{}

func (blockingReader) Read([]byte) (int, error) {
	select {}
}
