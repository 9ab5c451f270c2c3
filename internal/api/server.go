// Package api serves the monitor's read-only HTTP endpoints: liveness,
// Prometheus metrics, and cluster status snapshots.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/FairForge/pgwarden/internal/audit"
	"github.com/FairForge/pgwarden/internal/ha"
)

// SnapshotProvider exposes cluster status; *ha.Daemon satisfies it.
type SnapshotProvider interface {
	Snapshot(name string) (ha.ClusterStatus, bool)
	Snapshots() []ha.ClusterStatus
}

type Server struct {
	logger     *zap.Logger
	router     chi.Router
	httpServer *http.Server
	clusters   SnapshotProvider
	metrics    http.Handler
	auditPath  string
	startTime  time.Time
}

// Options configure the optional parts of the server.
type Options struct {
	// Metrics serves /metrics when set.
	Metrics http.Handler
	// AuditPath enables /v1/history.
	AuditPath string
}

func NewServer(addr string, clusters SnapshotProvider, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		logger:    logger,
		router:    chi.NewRouter(),
		clusters:  clusters,
		metrics:   opts.Metrics,
		auditPath: opts.AuditPath,
		startTime: time.Now(),
	}
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.loggingMiddleware)

	s.router.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		s.router.Method(http.MethodGet, "/metrics", s.metrics)
	}
	s.router.Route("/v1", func(r chi.Router) {
		r.Get("/clusters", s.handleListClusters)
		r.Get("/clusters/{name}", s.handleGetCluster)
		if s.auditPath != "" {
			r.Get("/history", s.handleHistory)
		}
	})
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.startTime).Seconds(),
	})
}

func (s *Server) handleListClusters(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"clusters": s.clusters.Snapshots(),
	})
}

func (s *Server) handleGetCluster(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	status, ok := s.clusters.Snapshot(name)
	if !ok {
		writeError(w, http.StatusNotFound, "cluster not found")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	q := audit.Query{
		Cluster: query.Get("cluster"),
		Type:    audit.RecordType(query.Get("type")),
		Limit:   50,
	}
	if v := query.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		q.Limit = limit
	}

	records, err := audit.Read(s.auditPath, q)
	if err != nil {
		s.logger.Error("read audit log", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read audit log")
		return
	}
	if records == nil {
		records = []audit.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"records": records})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("latency", time.Since(start)),
		)
	})
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
