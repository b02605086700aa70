// Package server exposes the workflow over a small JSON HTTP API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/sells-group/sourcing-cli/internal/config"
	"github.com/sells-group/sourcing-cli/internal/model"
	"github.com/sells-group/sourcing-cli/internal/store"
	"github.com/sells-group/sourcing-cli/internal/workflow"
)

// Workflow is the orchestrator surface the API exposes.
// *workflow.Orchestrator satisfies it.
type Workflow interface {
	StartRun(ctx context.Context, criteria model.FilterCriteria, initiator string) (*model.Run, error)
	GetRunStatus(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, f store.RunFilter) ([]model.Run, error)
	ListCandidateAnalyses(ctx context.Context, runID string, recommendation model.Recommendation) ([]model.AnalysisRecord, error)
	PreviewFilterStats(ctx context.Context, criteria model.FilterCriteria) (model.FilterStats, error)
}

var _ Workflow = (*workflow.Orchestrator)(nil)

// Server wraps the orchestrator behind an HTTP listener.
type Server struct {
	orch Workflow
	cfg  config.ServerConfig
	http *http.Server
}

// New builds the server and its router.
func New(orch Workflow, cfg config.ServerConfig) *Server {
	s := &Server{orch: orch, cfg: cfg}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Minute)) // runs are synchronous
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", s.handleHealth)
	r.Post("/filter/preview", s.handlePreview)
	r.Route("/runs", func(r chi.Router) {
		r.Post("/", s.handleStartRun)
		r.Get("/", s.handleListRuns)
		r.Get("/{runID}", s.handleGetRun)
		r.Get("/{runID}/analyses", s.handleListAnalyses)
	})

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe blocks until the listener fails or Shutdown is called.
func (s *Server) ListenAndServe() error {
	zap.L().Info("server: listening", zap.Int("port", s.cfg.Port))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Info("server: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

// startRunRequest is the POST /runs body. Thresholds omitted or zero are
// treated as unset, matching the CLI flags.
type startRunRequest struct {
	MinRevenue    float64  `json:"min_revenue"`
	MinMargin     float64  `json:"min_margin"`
	MinGrowth     float64  `json:"min_growth"`
	IndustryCodes []string `json:"industry_codes"`
	Fragments     []string `json:"fragments"`
	MaxResults    int      `json:"max_results"`
	Initiator     string   `json:"initiator"`
}

func (r startRunRequest) criteria() model.FilterCriteria {
	return model.NewFilterCriteria(
		r.MinRevenue, r.MinMargin, r.MinGrowth,
		r.IndustryCodes, r.Fragments, r.MaxResults,
	)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	initiator := req.Initiator
	if initiator == "" {
		initiator = "api"
	}

	run, err := s.orch.StartRun(r.Context(), req.criteria(), initiator)
	if err != nil {
		zap.L().Error("server: start run failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "run failed to start")
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	f := store.RunFilter{Limit: 50}
	if status := r.URL.Query().Get("status"); status != "" {
		f.Status = model.RunStatus(status)
	}

	runs, err := s.orch.ListRuns(r.Context(), f)
	if err != nil {
		zap.L().Error("server: list runs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	run, err := s.orch.GetRunStatus(r.Context(), runID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		zap.L().Error("server: get run failed", zap.String("run_id", runID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListAnalyses(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	reco := model.Recommendation(r.URL.Query().Get("recommendation"))
	if reco != "" && !reco.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown recommendation %q", reco))
		return
	}

	recs, err := s.orch.ListCandidateAnalyses(r.Context(), runID, reco)
	if err != nil {
		zap.L().Error("server: list analyses failed", zap.String("run_id", runID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list analyses")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"analyses": recs})
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	stats, err := s.orch.PreviewFilterStats(r.Context(), req.criteria())
	if err != nil {
		zap.L().Error("server: filter preview failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to compute preview")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Error("server: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
