// Package control exposes the coordinator's operator control surface
// over HTTP: health, pause/resume/shutdown per agent, and a running-
// strategies discovery query. Grounded on the teacher's
// internal/api/server.go (gorilla/mux router, rs/cors wrapping,
// http.Server with Read/WriteTimeout, graceful Shutdown) — this is an
// external, replaceable surface per spec.md's scope note, but it is
// still exercised rather than left as dead dependency weight.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/internal/coordinator"
)

// Config tunes the HTTP control surface.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig mirrors the teacher's ServerConfig defaults.
func DefaultConfig() Config {
	return Config{
		Addr:         ":8090",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server is the operator-facing HTTP control surface.
type Server struct {
	logger     *zap.Logger
	cfg        Config
	coord      *coordinator.Coordinator
	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader
}

// NewServer builds a control server wired to a coordinator.
func NewServer(logger *zap.Logger, cfg Config, coord *coordinator.Coordinator) *Server {
	s := &Server{
		logger: logger.Named("control"),
		cfg:    cfg,
		coord:  coord,
		router: mux.NewRouter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.setupRoutes()
	return s
}

// MountMetrics exposes a component's prometheus registry (the queue's,
// for example) at /control/v1/metrics/<name> via promhttp,
// matching the teacher's internal/api/server.go wiring a metrics
// registry through the same mux.Router. Safe to call multiple times with
// registries from different components -- each call adds its own path
// suffix to avoid collisions.
func (s *Server) MountMetrics(name string, registry *prometheus.Registry) {
	s.router.Handle("/control/v1/metrics/"+name, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/control/v1/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/control/v1/strategies", s.handleListStrategies).Methods("GET")
	s.router.HandleFunc("/control/v1/agents/{id}/pause", s.handlePause).Methods("POST")
	s.router.HandleFunc("/control/v1/agents/{id}/resume", s.handleResume).Methods("POST")
	s.router.HandleFunc("/control/v1/agents/{id}/shutdown", s.handleShutdown).Methods("POST")
	s.router.HandleFunc("/control/v1/agents/{id}/force_close", s.handleForceClose).Methods("POST")
	s.router.HandleFunc("/control/v1/metrics/stream", s.handleMetricsStream)
}

// Start launches the HTTP listener, wrapped with CORS so the control
// surface is browser-callable, matching the teacher's api.Server.Start.
func (s *Server) Start() error {
	handler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	s.logger.Info("starting control surface", zap.String("addr", s.cfg.Addr))
	return s.httpServer.ListenAndServe()
}

// Stop gracefully shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := s.coord.State()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "healthy",
		"agent_count": len(state.Agents),
		"updated_at":  state.UpdatedAt,
	})
}

func (s *Server) handleListStrategies(w http.ResponseWriter, r *http.Request) {
	state := s.coord.State()
	writeJSON(w, http.StatusOK, map[string]any{
		"agents": state.Agents,
		"policy": state.Policy,
	})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.dispatchCommand(w, r, s.coord.Pause)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.dispatchCommand(w, r, s.coord.Resume)
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	s.dispatchCommand(w, r, s.coord.Shutdown)
}

func (s *Server) handleForceClose(w http.ResponseWriter, r *http.Request) {
	s.dispatchCommand(w, r, s.coord.ForceClose)
}

func (s *Server) dispatchCommand(w http.ResponseWriter, r *http.Request, fn func(string) error) {
	id := mux.Vars(r)["id"]
	if err := fn(id); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agent_id": id, "status": "ok"})
}

// handleMetricsStream pushes periodic coordinator metrics snapshots
// over a websocket connection, reusing gorilla/websocket the same way
// the teacher's api.Server reuses it for its streaming channel.
func (s *Server) handleMetricsStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("metrics stream upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		m := s.coord.Metrics()
		payload, _ := json.Marshal(m)
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		fmt.Fprintf(w, `{"error":"encode failed"}`)
	}
}
