// Package server exposes pipeline progress over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tweet-digest/internal/config"
	"github.com/sells-group/tweet-digest/internal/model"
	"github.com/sells-group/tweet-digest/internal/resilience"
	"github.com/sells-group/tweet-digest/internal/stage"
	"github.com/sells-group/tweet-digest/internal/store"
)

const maxRunLimit = 500

// Deps are the read-only views the server reports on. Busy, Store and
// Breakers may be nil.
type Deps struct {
	Stages   []stage.Stage
	Busy     func() map[string]bool
	Store    store.Store
	Breakers *resilience.ServiceBreakers
}

// StageStatus is one entry of GET /api/v1/stages.
type StageStatus struct {
	Name        string    `json:"name"`
	Date        string    `json:"date,omitempty"`
	LastChunk   int       `json:"last_chunk"`
	TotalChunks int       `json:"total_chunks"`
	Completed   bool      `json:"completed"`
	Progress    float64   `json:"progress"`
	Running     bool      `json:"running"`
	UpdatedAt   time.Time `json:"updated_at,omitzero"`
}

// Server is the status API.
type Server struct {
	cfg  config.ServerConfig
	deps Deps
}

// New creates a Server.
func New(cfg config.ServerConfig, deps Deps) *Server {
	return &Server{cfg: cfg, deps: deps}
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.allowedOrigins(),
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/stages", s.stages)
		r.Get("/stages/{name}", s.stage)
		r.Get("/runs", s.runs)
		r.Get("/breakers", s.breakers)
	})
	return r
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		zap.L().Info("shutting down status server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx) //nolint:errcheck
	}()

	zap.L().Info("starting status server", zap.Int("port", s.cfg.Port))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return eris.Wrap(err, "server: listen")
	}
	return nil
}

func (s *Server) allowedOrigins() []string {
	if len(s.cfg.CORSOrigins) == 0 {
		return []string{"*"}
	}
	return s.cfg.CORSOrigins
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) stages(w http.ResponseWriter, _ *http.Request) {
	busy := s.busy()
	out := make([]StageStatus, 0, len(s.deps.Stages))
	for _, st := range s.deps.Stages {
		out = append(out, statusOf(st, busy))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) stage(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	for _, st := range s.deps.Stages {
		if st.Name() == name {
			writeJSON(w, http.StatusOK, statusOf(st, s.busy()))
			return
		}
	}
	writeError(w, http.StatusNotFound, "unknown stage "+name)
}

func (s *Server) runs(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "run ledger disabled")
		return
	}
	filter := store.RunFilter{
		Stage: r.URL.Query().Get("stage"),
		Date:  r.URL.Query().Get("date"),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = min(n, maxRunLimit)
	}

	runs, err := s.deps.Store.ListRuns(r.Context(), filter)
	if err != nil {
		zap.L().Error("server: list runs", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []model.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) breakers(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Breakers == nil {
		writeJSON(w, http.StatusOK, []resilience.Snapshot{})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Breakers.Snapshots())
}

func (s *Server) busy() map[string]bool {
	if s.deps.Busy == nil {
		return nil
	}
	return s.deps.Busy()
}

func statusOf(st stage.Stage, busy map[string]bool) StageStatus {
	out := StageStatus{Name: st.Name(), Running: busy[st.Name()]}
	state, ok := st.State()
	if !ok {
		return out
	}
	out.Date = state.LastProcessedDate
	out.LastChunk = state.LastChunk
	out.TotalChunks = state.TotalChunks
	out.Completed = state.Completed
	out.Progress = state.Progress()
	out.UpdatedAt = state.UpdatedAt
	return out
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
