// Package admin exposes operational endpoints for a game server over HTTP.
// Responses are JSON except /metrics. Intended for internal networks only.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/luciancaetano/skillbridge"
)

// Server serves /healthz, /metrics and the connection endpoints.
type Server struct {
	game     skillbridge.Server
	logger   *slog.Logger
	server   *http.Server
	listener net.Listener
}

// New creates an admin server bound to addr. It is not started until Start.
// gatherer may be nil, in which case /metrics is not mounted.
func New(game skillbridge.Server, addr string, gatherer prometheus.Gatherer, logger *slog.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	as := &Server{
		game:     game,
		logger:   logger.With("component", "admin"),
		listener: ln,
	}
	as.server = &http.Server{
		Handler:      as.Router(gatherer),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return as, nil
}

// Router builds the admin routes.
func (as *Server) Router(gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", as.handleHealth)
	r.Get("/connections", as.handleConnections)
	r.Post("/connections/{id}/kick", as.handleKick)
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

// Addr returns the listener's address (useful when binding to ":0").
func (as *Server) Addr() string {
	return as.listener.Addr().String()
}

// Start begins serving HTTP requests. Non-blocking.
func (as *Server) Start() {
	go func() {
		if err := as.server.Serve(as.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			as.logger.Error("admin server error", "error", err)
		}
	}()
	as.logger.Info("admin server started", "addr", as.Addr())
}

// Stop gracefully shuts down the admin server.
func (as *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return as.server.Shutdown(ctx)
}

// --- handlers ---

type healthResponse struct {
	Status      string `json:"status"`
	Addr        string `json:"addr"`
	Connections int    `json:"connections"`
}

func (as *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, as.logger, healthResponse{
		Status:      "ok",
		Addr:        as.game.Addr(),
		Connections: len(as.game.Connections()),
	})
}

type connectionEntry struct {
	ID         string `json:"id"`
	RemoteAddr string `json:"remote_addr"`
	Verified   bool   `json:"verified"`
}

type connectionsResponse struct {
	Connections []connectionEntry `json:"connections"`
}

func (as *Server) handleConnections(w http.ResponseWriter, _ *http.Request) {
	conns := as.game.Connections()
	entries := make([]connectionEntry, 0, len(conns))
	for _, c := range conns {
		entries = append(entries, connectionEntry{
			ID:         c.ID(),
			RemoteAddr: c.RemoteAddr(),
			Verified:   c.Verified(),
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })

	writeJSON(w, as.logger, connectionsResponse{Connections: entries})
}

func (as *Server) handleKick(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	conn, ok := as.game.Connection(id)
	if !ok {
		http.Error(w, skillbridge.ErrClientNotFound, http.StatusNotFound)
		return
	}

	if err := conn.Disconnect(skillbridge.ErrorKickedOut); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	as.logger.Info("connection kicked", "conn_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("admin: json encode error", "error", err)
	}
}
