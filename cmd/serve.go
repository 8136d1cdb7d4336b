package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/prospector/internal/config"
	"github.com/sells-group/prospector/internal/jobs"
	"github.com/sells-group/prospector/internal/model"
	"github.com/sells-group/prospector/internal/pipeline"
	"github.com/sells-group/prospector/internal/resilience"
	"github.com/sells-group/prospector/internal/store"
)

var (
	servePort     int
	serveDispatch bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the run trigger server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if serveDispatch {
			interval := config.Seconds(cfg.Dispatcher.PollIntervalSecs)
			if interval <= 0 {
				interval = 5 * time.Second
			}
			if err := env.Tracker.Go("dispatcher", func(_ context.Context) error {
				return env.Dispatcher.Run(ctx, interval)
			}); err != nil {
				return eris.Wrap(err, "start dispatcher")
			}
		}

		if cfg.Monitoring.Enabled {
			if err := env.Tracker.Go("monitoring", func(_ context.Context) error {
				return env.Checker.Run(ctx)
			}); err != nil {
				return eris.Wrap(err, "start health checker")
			}
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           buildRouter(env, cfg.Server.AllowedOrigins),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port), zap.Bool("dispatch", serveDispatch))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().BoolVar(&serveDispatch, "dispatch", true, "drain the job queue in-process")
	rootCmd.AddCommand(serveCmd)
}

// buildRouter wires the HTTP surface onto env.
func buildRouter(env *env, origins []string) http.Handler {
	h := &handlers{env: env}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestSize(1 << 20))
	r.Use(middleware.Recoverer)
	if len(origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", h.health)
	r.Get("/status", h.status)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/runs", func(r chi.Router) {
		r.Get("/", h.listRuns)
		r.Post("/", h.createRun)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.getRun)
			r.Post("/start", h.startRun)
			r.Post("/cancel", h.cancelRun)
			r.Post("/discover", h.discover)
		})
	})
	r.Post("/jobs/tick", h.tick)

	return r
}

type handlers struct {
	env *env
}

// writeJSON writes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Error("write json response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	if err := h.env.Store.Ping(r.Context()); err != nil {
		zap.L().Warn("health: store ping failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// status reports run outcomes and queue depth over the monitoring window.
func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	hours := h.env.lookbackHours
	if v := r.URL.Query().Get("hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid hours")
			return
		}
		hours = n
	}

	snap, err := h.env.Monitor.Collect(r.Context(), hours)
	if err != nil {
		zap.L().Error("collect status", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not collect status")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// createRun validates the search and creates the run with its task rows.
// Execution is a separate start call.
func (h *handlers) createRun(w http.ResponseWriter, r *http.Request) {
	var req pipeline.StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	run, created, err := h.env.Orchestrator.Start(r.Context(), req)
	if err != nil {
		if resilience.IsValidation(err) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		zap.L().Error("create run", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not create run")
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, run)
}

// startRun checks that the run exists for the owner, then executes it on a
// tracked background task. It acknowledges with 202 before any stage runs;
// stage failures are recorded on the run, never returned here.
func (h *handlers) startRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")

	var req struct {
		OwnerID string `json:"owner_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.OwnerID == "" {
		writeError(w, http.StatusBadRequest, "owner_id is required")
		return
	}

	run, ok := h.loadRun(w, r, runID)
	if !ok {
		return
	}
	if run.OwnerID != req.OwnerID {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}

	orch := h.env.Orchestrator
	if err := h.env.Tracker.Go("run:"+runID, func(ctx context.Context) error {
		return orch.Execute(ctx, runID)
	}); err != nil {
		zap.L().Error("run not scheduled", zap.String("run_id", runID), zap.Error(err))
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status": "accepted",
		"run_id": runID,
	})
}

type runDetail struct {
	Run   *model.Run   `json:"run"`
	Tasks []model.Task `json:"tasks"`
}

func (h *handlers) getRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	run, ok := h.loadRun(w, r, runID)
	if !ok {
		return
	}
	tasks, err := h.env.Store.ListTasks(r.Context(), runID)
	if err != nil {
		zap.L().Error("list tasks", zap.String("run_id", runID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not load tasks")
		return
	}
	writeJSON(w, http.StatusOK, runDetail{Run: run, Tasks: tasks})
}

func (h *handlers) listRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.RunFilter{
		Status:  model.RunStatus(q.Get("status")),
		OwnerID: q.Get("owner_id"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = n
	}

	runs, err := h.env.Store.ListRuns(r.Context(), filter)
	if err != nil {
		zap.L().Error("list runs", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not list runs")
		return
	}
	if runs == nil {
		runs = []model.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (h *handlers) cancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	if _, ok := h.loadRun(w, r, runID); !ok {
		return
	}
	cancelled, err := h.env.Orchestrator.Cancel(r.Context(), runID)
	if err != nil {
		zap.L().Error("cancel run", zap.String("run_id", runID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not cancel run")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": runID, "cancelled": cancelled})
}

// discover queues a batch_discovery job of extra queries for the run.
func (h *handlers) discover(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")

	var req struct {
		OwnerID string   `json:"owner_id"`
		Queries []string `json:"queries"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	queries := req.Queries[:0]
	for _, q := range req.Queries {
		if q = strings.TrimSpace(q); q != "" {
			queries = append(queries, q)
		}
	}
	if req.OwnerID == "" || len(queries) == 0 {
		writeError(w, http.StatusBadRequest, "owner_id and queries are required")
		return
	}

	run, ok := h.loadRun(w, r, runID)
	if !ok {
		return
	}
	if run.OwnerID != req.OwnerID {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}

	job, err := jobs.EnqueueBatchDiscovery(r.Context(), h.env.Store, runID, queries)
	if err != nil {
		zap.L().Error("enqueue batch discovery", zap.String("run_id", runID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not queue discovery")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status": "queued",
		"run_id": runID,
		"job_id": job.ID,
	})
}

// tick runs one bounded dispatcher pass. Schedulers invoke it in deployments
// without a long-lived dispatcher.
func (h *handlers) tick(w http.ResponseWriter, r *http.Request) {
	res, err := h.env.Dispatcher.Tick(r.Context())
	if err != nil {
		zap.L().Warn("tick ended early", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handlers) loadRun(w http.ResponseWriter, r *http.Request, runID string) (*model.Run, bool) {
	run, err := h.env.Store.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return nil, false
		}
		zap.L().Error("load run", zap.String("run_id", runID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not load run")
		return nil, false
	}
	return run, true
}
