// SPDX-License-Identifier: MIT

// Package httpapi serves the control surface (spec.md §6): a JSON/HTTP API
// plus a WebSocket status broadcast, both thin adapters around
// internal/playout.Controller. No business logic lives here.
package httpapi

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/playoutsync/engine/internal/amcp"
	"github.com/playoutsync/engine/internal/drift"
	"github.com/playoutsync/engine/internal/playout"
	"github.com/playoutsync/engine/internal/util"
)

// maxSlots bounds the slot list accepted by POST /api/config, per spec.md
// §6 ("slots truncated to 20").
const maxSlots = 20

// Persister is the subset of config persistence the server needs: save the
// updated settings and slot list (with a pre-save backup) so a config
// change survives a restart. The implementation (wired in cmd/playoutsync)
// owns the on-disk path, backup directory, and retention count; the
// handler only knows the domain values.
type Persister interface {
	Save(settings playout.Settings, slots []playout.Slot) error
}

// Server wires the playout controller, connection registry, and drift
// controller to HTTP handlers and a WebSocket status broadcast. It
// satisfies the suture.Service / supervisor.Service shape (Name/Run) so it
// can be supervised like every other long-lived loop in the process.
type Server struct {
	addr     string
	playout  *playout.Controller
	registry *amcp.Registry
	drift    *drift.Controller
	persist  Persister
	logger   *slog.Logger

	hub *statusHub
}

// Option configures optional Server fields.
type Option func(*Server)

// WithPersister attaches config persistence to POST /api/config.
func WithPersister(p Persister) Option {
	return func(s *Server) { s.persist = p }
}

// New builds a Server listening on addr (host:port or ":port"). logger may
// be nil.
func New(addr string, pc *playout.Controller, registry *amcp.Registry, dc *drift.Controller, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		addr:     addr,
		playout:  pc,
		registry: registry,
		drift:    dc,
		logger:   logger,
		hub:      newStatusHub(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name satisfies the suture.Service / supervisor.Service interface.
func (s *Server) Name() string { return "httpapi:" + s.addr }

// Run starts serving until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	return ListenAndServeReady(ctx, s.addr, s.Router(), nil)
}

// Router builds the chi.Router serving every spec.md §6 endpoint plus
// /healthz and /metrics.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/api/status", s.handleStatus)
	r.Get("/api/config", s.handleGetConfig)
	r.Post("/api/config", s.handlePostConfig)
	r.Post("/api/settings", s.handlePostConfig)
	r.Post("/api/mode", s.handlePostMode)
	r.Post("/api/preload", s.handlePreload)
	r.Post("/api/start", s.handleStart)
	r.Post("/api/pause", s.handlePause)
	r.Post("/api/resync", s.handlePostResync)
	r.Post("/api/reset-clock", s.handleResetClock)
	r.Get("/ws", s.handleWebSocket)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/metrics", s.handleMetrics)

	return r
}

// BroadcastStatus pushes the current snapshot to every connected WebSocket
// client. current/unknown carry the same per-tick sampling results the
// drift controller computes, so the broadcast shows live drift numbers;
// pass nil, nil outside a sampling tick. Nothing in this repository calls
// it: the drift controller does not broadcast per tick, so WebSocket
// clients receive one snapshot when they connect and nothing after that.
func (s *Server) BroadcastStatus(current map[int]int64, unknown map[int]bool) {
	snap := s.playout.Snapshot(current, unknown)
	s.hub.broadcast(toStatusDTO(snap))
}

// ListenAndServeReady starts the HTTP server on addr, closing ready (if
// non-nil) once bound, and shuts down gracefully when ctx is cancelled,
// mirroring the teacher's health.ListenAndServeReady lifecycle.
func ListenAndServeReady(ctx context.Context, addr string, handler http.Handler, ready chan<- struct{}) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	if ready != nil {
		close(ready)
	}

	errCh := make(chan error, 1)
	util.SafeGoWithRecover("httpapi:"+addr, nil, func() error {
		if err := srv.Serve(ln); err != http.ErrServerClosed {
			return err
		}
		return nil
	}, errCh, nil)

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
