// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package server exposes a read-only status API over the record store,
// Prometheus metrics, and a cron scheduler that runs a harvest plan.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/pdiddy/harvest-engine/internal/harvest"
	"github.com/pdiddy/harvest-engine/internal/logging"
	"github.com/pdiddy/harvest-engine/internal/metrics"
	"github.com/pdiddy/harvest-engine/internal/sources"
	"github.com/pdiddy/harvest-engine/pkg/types"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
	shutdownTimeout  = 10 * time.Second
)

// Backend is the part of the pipeline the server drives.
type Backend interface {
	FilterAndExport(ctx context.Context, criteria types.RecordFilter) iter.Seq2[types.Record, error]
	RunHarvestPlan(ctx context.Context, plan *sources.Plan) ([]harvest.Result, error)
}

// Reader is the read side of the record store.
type Reader interface {
	Get(ctx context.Context, id string) (*types.Record, error)
	Count(ctx context.Context) (int, error)
	ListCursors(ctx context.Context) ([]types.HarvestCursor, error)
}

// Run summarizes one plan run.
type Run struct {
	StartedAt  time.Time              `json:"started_at"`
	FinishedAt time.Time              `json:"finished_at"`
	Harvests   []types.HarvestMetrics `json:"harvests,omitempty"`
	Err        string                 `json:"error,omitempty"`
}

// Server wires HTTP handlers and the plan scheduler to a Backend.
type Server struct {
	router  chi.Router
	backend Backend
	reader  Reader
	cfg     types.ServerConfig
	logger  *zap.Logger
	now     func() time.Time

	cron *cron.Cron

	mu      sync.Mutex
	running bool
	lastRun *Run
}

// New constructs a Server with middleware and routes.
func New(backend Backend, reader Reader, cfg types.ServerConfig, logger *zap.Logger) *Server {
	s := &Server{
		backend: backend,
		reader:  reader,
		cfg:     cfg,
		logger:  logging.OrNop(logger),
		now:     time.Now,
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(requestMetrics)

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/records", s.listRecords)
		r.Get("/records/{id}", s.getRecord)
		r.Get("/cursors", s.listCursors)
		r.Get("/runs/last", s.getLastRun)
		r.Post("/runs", s.triggerRun)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves the API on cfg.Addr and, when cfg.Schedule is set,
// runs the plan on that schedule. It returns after ctx is cancelled and the
// server has shut down.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.StartScheduler(ctx); err != nil {
		return err
	}
	defer s.StopScheduler()

	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server started", zap.String("addr", s.cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serving %s: %w", s.cfg.Addr, err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("shutdown initiated")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	return nil
}

// StartScheduler registers the plan run with cron when a schedule is
// configured. Runs that would overlap a run still in progress are skipped.
func (s *Server) StartScheduler(ctx context.Context) error {
	if s.cfg.Schedule == "" {
		return nil
	}
	if s.cfg.PlanFile == "" {
		return errors.New("a schedule needs a plan file")
	}
	c := cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)))
	if _, err := c.AddFunc(s.cfg.Schedule, func() { s.RunPlan(ctx) }); err != nil {
		return fmt.Errorf("adding schedule %q: %w", s.cfg.Schedule, err)
	}
	s.cron = c
	c.Start()
	s.logger.Info("harvest plan scheduled",
		zap.String("schedule", s.cfg.Schedule), zap.String("plan", s.cfg.PlanFile))
	return nil
}

// StopScheduler stops the scheduler and waits for a running plan to end.
func (s *Server) StopScheduler() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

// RunPlan reads the plan file and runs it, recording the outcome as the
// last run. It returns false without running when a run is in progress.
func (s *Server) RunPlan(ctx context.Context) bool {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return false
	}
	s.running = true
	s.mu.Unlock()

	run := &Run{StartedAt: s.now()}
	if err := s.runPlan(ctx, run); err != nil {
		run.Err = err.Error()
		s.logger.Error("harvest plan failed", zap.Error(err))
	}
	run.FinishedAt = s.now()

	s.mu.Lock()
	s.running = false
	s.lastRun = run
	s.mu.Unlock()
	return true
}

func (s *Server) runPlan(ctx context.Context, run *Run) error {
	plan, err := sources.ReadPlan(s.cfg.PlanFile)
	if err != nil {
		return err
	}
	results, err := s.backend.RunHarvestPlan(ctx, plan)
	if err != nil {
		return err
	}
	var failed int
	for _, r := range results {
		run.Harvests = append(run.Harvests, r.Metrics)
		if r.Err != nil {
			failed++
		}
		s.logger.Info("harvest finished", zap.Stringer("metrics", r.Metrics))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d harvests failed", failed, len(results))
	}
	return nil
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	n, err := s.reader.Count(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "records": n})
}

func (s *Server) listRecords(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	recs := []types.Record{}
	for rec, err := range s.backend.FilterAndExport(r.Context(), filter) {
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		recs = append(recs, rec)
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": recs, "count": len(recs)})
}

func (s *Server) getRecord(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.reader.Get(r.Context(), id)
	switch {
	case errors.Is(err, types.ErrNotFound):
		writeError(w, http.StatusNotFound, "record not found")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) listCursors(w http.ResponseWriter, r *http.Request) {
	cursors, err := s.reader.ListCursors(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if cursors == nil {
		cursors = []types.HarvestCursor{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"cursors": cursors})
}

func (s *Server) getLastRun(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	run, running := s.lastRun, s.running
	s.mu.Unlock()
	if run == nil {
		writeError(w, http.StatusNotFound, "no run yet")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run, "running": running})
}

// triggerRun starts the plan in the background. The run outlives the
// request, so it is bound to the server lifetime rather than r.Context().
func (s *Server) triggerRun(w http.ResponseWriter, r *http.Request) {
	if s.cfg.PlanFile == "" {
		writeError(w, http.StatusConflict, "no plan file configured")
		return
	}
	s.mu.Lock()
	busy := s.running
	s.mu.Unlock()
	if busy {
		writeError(w, http.StatusConflict, "a run is in progress")
		return
	}
	go s.RunPlan(context.WithoutCancel(r.Context()))
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// parseFilter reads record filter criteria from query parameters.
func parseFilter(r *http.Request) (types.RecordFilter, error) {
	q := r.URL.Query()
	f := types.RecordFilter{Limit: defaultListLimit, Ranked: q.Get("ranked") == "true"}

	for name, dst := range map[string]*float64{
		"min_score":        &f.MinScore,
		"min_completeness": &f.MinCompleteness,
		"min_quality":      &f.MinQuality,
	} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		x, err := strconv.ParseFloat(v, 64)
		if err != nil || x < 0 || x > 1 {
			return f, fmt.Errorf("invalid %s %q", name, v)
		}
		*dst = x
	}
	f.RequireMatched = q.Get("require_matched") == "true"
	f.RequireAbstract = q.Get("require_abstract") == "true"
	for name, dst := range map[string]*int{"year_from": &f.YearFrom, "year_to": &f.YearTo, "limit": &f.Limit} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, fmt.Errorf("invalid %s %q", name, v)
		}
		*dst = n
	}
	if f.Limit == 0 || f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}
	for _, v := range splitList(q["status"]) {
		st := types.ArtifactStatus(v)
		if !st.Valid() {
			return f, fmt.Errorf("invalid status %q", v)
		}
		f.Statuses = append(f.Statuses, st)
	}
	f.Sources = splitList(q["source"])
	return f, nil
}

// splitList accepts both repeated parameters and comma-separated values.
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for part := range strings.SplitSeq(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
