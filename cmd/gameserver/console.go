package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/luciancaetano/skillbridge"
)

// console is the operator command loop that runs next to the server.
type console struct {
	in     io.Reader
	out    io.Writer
	server skillbridge.Server
}

func newConsole(in io.Reader, out io.Writer, server skillbridge.Server) *console {
	return &console{in: in, out: out, server: server}
}

// Run reads commands until "exit", end of input or ctx is done.
func (c *console) Run(ctx context.Context) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if !c.execute(strings.Fields(line)) {
				return
			}
		}
	}
}

// execute runs one command and reports whether the loop should continue.
func (c *console) execute(args []string) bool {
	if len(args) == 0 {
		return true
	}

	switch strings.ToLower(args[0]) {
	case "exit", "quit":
		return false
	case "help":
		c.help()
	case "conns":
		conns := c.server.Connections()
		fmt.Fprintf(c.out, "%d connection(s)\n", len(conns))
		for _, conn := range conns {
			fmt.Fprintf(c.out, "  %s  %s  verified=%v\n", conn.ID(), conn.RemoteAddr(), conn.Verified())
		}
	case "kick":
		if len(args) != 2 {
			fmt.Fprintln(c.out, "usage: kick <connection id>")
			return true
		}
		conn, ok := c.server.Connection(args[1])
		if !ok {
			fmt.Fprintf(c.out, "%s: %s\n", skillbridge.ErrClientNotFound, args[1])
			return true
		}
		conn.Disconnect(skillbridge.ErrorKickedOut)
		fmt.Fprintf(c.out, "kicked %s\n", args[1])
	default:
		fmt.Fprintf(c.out, "unknown command %q\n", args[0])
		c.help()
	}
	return true
}

func (c *console) help() {
	fmt.Fprint(c.out, `Commands:
  help              show this help
  conns             list live connections
  kick <id>         disconnect a connection
  exit              stop the server
`)
}
