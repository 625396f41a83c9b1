package admin

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/luciancaetano/skillbridge"
	"github.com/luciancaetano/skillbridge/internal/metrics"
)

type fakeConn struct {
	skillbridge.Conn
	id       string
	addr     string
	verified bool
	kicked   skillbridge.ErrorCode
}

func (c *fakeConn) ID() string         { return c.id }
func (c *fakeConn) RemoteAddr() string { return c.addr }
func (c *fakeConn) Verified() bool     { return c.verified }

func (c *fakeConn) Disconnect(code skillbridge.ErrorCode) error {
	c.kicked = code
	return nil
}

type fakeGame struct {
	skillbridge.Server
	conns []*fakeConn
}

func (g *fakeGame) Addr() string { return "127.0.0.1:8000" }

func (g *fakeGame) Connections() []skillbridge.Conn {
	out := make([]skillbridge.Conn, len(g.conns))
	for i, c := range g.conns {
		out[i] = c
	}
	return out
}

func (g *fakeGame) Connection(id string) (skillbridge.Conn, bool) {
	for _, c := range g.conns {
		if c.id == id {
			return c, true
		}
	}
	return nil, false
}

func newTestRouter(game *fakeGame, gatherer prometheus.Gatherer) http.Handler {
	as := &Server{game: game, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	return as.Router(gatherer)
}

func serve(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

// TestHealth tests the health endpoint
func TestHealth(t *testing.T) {
	t.Parallel()

	game := &fakeGame{conns: []*fakeConn{{id: "a"}}}
	rec := serve(t, newTestRouter(game, nil), http.MethodGet, "/healthz")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var got healthResponse
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got.Status != "ok" || got.Connections != 1 || got.Addr != "127.0.0.1:8000" {
		t.Errorf("health = %+v", got)
	}
}

// TestConnections tests the sorted connection listing
func TestConnections(t *testing.T) {
	t.Parallel()

	game := &fakeGame{conns: []*fakeConn{
		{id: "b", addr: "10.0.0.2:4000"},
		{id: "a", addr: "10.0.0.1:4000", verified: true},
	}}
	rec := serve(t, newTestRouter(game, nil), http.MethodGet, "/connections")

	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	var got connectionsResponse
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if len(got.Connections) != 2 {
		t.Fatalf("len(Connections) = %d, want 2", len(got.Connections))
	}
	if got.Connections[0].ID != "a" || !got.Connections[0].Verified {
		t.Errorf("Connections[0] = %+v", got.Connections[0])
	}
	if got.Connections[1].RemoteAddr != "10.0.0.2:4000" {
		t.Errorf("Connections[1] = %+v", got.Connections[1])
	}
}

// TestKick tests kicking a live and an unknown connection
func TestKick(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{id: "a"}
	router := newTestRouter(&fakeGame{conns: []*fakeConn{conn}}, nil)

	tests := []struct {
		name string
		path string
		want int
	}{
		{"live", "/connections/a/kick", http.StatusNoContent},
		{"unknown", "/connections/zzz/kick", http.StatusNotFound},
	}

	for _, tt := range tests {
		if rec := serve(t, router, http.MethodPost, tt.path); rec.Code != tt.want {
			t.Errorf("%s: status = %d, want %d", tt.name, rec.Code, tt.want)
		}
	}
	if conn.kicked != skillbridge.ErrorKickedOut {
		t.Errorf("kick code = %v, want %v", conn.kicked, skillbridge.ErrorKickedOut)
	}

	if rec := serve(t, router, http.MethodGet, "/connections/a/kick"); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET kick status = %d, want 405", rec.Code)
	}
}

// TestMetricsEndpoint tests that the registry is exposed
func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := metrics.New(metrics.WithRegistry(reg), metrics.WithSubsystem("server"))
	m.ConnectionOpened("tcp")

	rec := serve(t, newTestRouter(&fakeGame{}, reg), http.MethodGet, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if body := rec.Body.String(); !strings.Contains(body, `skillbridge_server_connections_total{transport="tcp"} 1`) {
		t.Errorf("metrics body missing connection counter:\n%s", body)
	}

	if rec := serve(t, newTestRouter(&fakeGame{}, nil), http.MethodGet, "/metrics"); rec.Code != http.StatusNotFound {
		t.Errorf("status without gatherer = %d, want 404", rec.Code)
	}
}

// TestStartStop tests serving over a real listener
func TestStartStop(t *testing.T) {
	t.Parallel()

	as, err := New(&fakeGame{}, "127.0.0.1:0", nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	as.Start()

	resp, err := http.Get("http://" + as.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	if err := as.Stop(); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
}
