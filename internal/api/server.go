// Package api exposes the local status and control surface of the
// FieldSync daemon: queue inspection, manual sync triggers, and a
// WebSocket status feed for the TUI and the farm app's sync indicator.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/fieldledger/fieldsync/internal/netmon"
	"github.com/fieldledger/fieldsync/internal/queue"
	"github.com/fieldledger/fieldsync/internal/scheduler"
	"github.com/fieldledger/fieldsync/internal/status"
	"github.com/fieldledger/fieldsync/internal/syncer"
)

// Syncer is the sync engine surface the server drives.
type Syncer interface {
	SyncQueue(ctx context.Context) (syncer.Result, error)
	Syncing() bool
}

// Server is the local HTTP server. It binds loopback-style deployments
// only; there is no auth because the farm app and daemon share a host.
type Server struct {
	port    int
	store   queue.Store
	engine  Syncer
	monitor *netmon.Monitor
	hub     *status.Hub
	sched   *scheduler.Scheduler
	logger  *slog.Logger

	httpServer *http.Server
}

// NewServer creates the status API server. sched may be nil when
// auto-sync is disabled.
func NewServer(port int, store queue.Store, engine Syncer, monitor *netmon.Monitor, hub *status.Hub, sched *scheduler.Scheduler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		port:    port,
		store:   store,
		engine:  engine,
		monitor: monitor,
		hub:     hub,
		sched:   sched,
		logger:  logger.With("component", "api"),
	}
}

// Handler builds the full route table with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/queue", s.handleQueue)
	mux.HandleFunc("/api/queue/", s.handleQueueItem)
	mux.HandleFunc("/api/deadletters", s.handleDeadLetters)
	mux.HandleFunc("/api/sync", s.handleSync)
	mux.HandleFunc("/ws/status", s.handleStatusWS)

	return s.corsMiddleware(s.loggingMiddleware(mux))
}

// Start runs the server until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("status API starting", "port", s.port)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down status API")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, code, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// StatusResponse is the combined daemon snapshot.
type StatusResponse struct {
	Network   netmon.Status    `json:"network"`
	Syncing   bool             `json:"is_syncing"`
	QueueSize int              `json:"queue_size"`
	AutoSync  *scheduler.Stats `json:"auto_sync,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	size, err := s.store.Size(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := StatusResponse{
		Network:   s.monitor.Status(),
		Syncing:   s.engine.Syncing(),
		QueueSize: size,
	}
	if s.sched != nil {
		stats := s.sched.Stats()
		resp.AutoSync = &stats
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		pending, err := s.store.ByTimestamp(r.Context())
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		// Bodies and credentials stay out of the inspection surface.
		for i := range pending {
			pending[i].Body = nil
			pending[i].Headers = nil
		}
		s.writeJSON(w, http.StatusOK, map[string]any{
			"count":    len(pending),
			"requests": pending,
		})

	case http.MethodDelete:
		if err := s.store.Clear(r.Context()); err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.logger.Warn("queue cleared via API")
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})

	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleQueueItem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/queue/")
	if id == "" {
		s.writeError(w, http.StatusBadRequest, "request id required")
		return
	}

	if err := s.store.Remove(r.Context(), id); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "removed", "id": id})
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		dead, err := s.store.DeadLetters(r.Context())
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		for i := range dead {
			dead[i].Body = nil
			dead[i].Headers = nil
		}
		s.writeJSON(w, http.StatusOK, map[string]any{
			"count":        len(dead),
			"dead_letters": dead,
		})

	case http.MethodDelete:
		if err := s.store.PurgeDeadLetters(r.Context()); err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "purged"})

	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if !s.monitor.Status().Online {
		s.writeError(w, http.StatusConflict, "offline, cannot sync")
		return
	}

	res, err := s.engine.SyncQueue(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}
