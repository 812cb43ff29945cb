package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"runnerd/internal/api"
	"runnerd/internal/config"
	"runnerd/internal/jobs"
	"runnerd/internal/locker"
	"runnerd/internal/logging"
	"runnerd/internal/pipeline"
)

// followWait bounds how long a follow=true logs request blocks waiting for
// new output before returning an empty page.
const followWait = 25 * time.Second

type apiServer struct {
	bind   string
	logger *slog.Logger
	daemon *Daemon

	listener net.Listener
	server   *http.Server
}

func newAPIServer(cfg *config.Config, d *Daemon, logger *slog.Logger) (*apiServer, error) {
	bind := strings.TrimSpace(cfg.Paths.APIBind)
	if bind == "" {
		return nil, errors.New("paths.api_bind is required")
	}

	srv := &apiServer{
		bind:   bind,
		logger: logging.NewComponentLogger(logger, "api"),
		daemon: d,
	}

	router := chi.NewRouter()
	router.Get("/api/health", srv.handleHealth)
	router.Route("/api/jobs", func(r chi.Router) {
		r.Post("/", srv.handleStartJob)
		r.Get("/", srv.handleListJobs)
		r.Get("/{id}", srv.handleGetJob)
		r.Get("/{id}/logs", srv.handleLogs)
		r.Delete("/{id}", srv.handleCancelJob)
	})
	router.Get("/api/history", srv.handleHistory)

	srv.server = &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      2 * followWait,
		IdleTimeout:       60 * time.Second,
	}
	return srv, nil
}

func (s *apiServer) start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return errors.Join(errors.New("api listen"), err)
	}
	s.listener = listener

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server error", logging.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("api server listening", logging.String("address", listener.Addr().String()))
	return nil
}

func (s *apiServer) stop() {
	if s.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}
	if s.listener != nil {
		_ = s.listener.Close()
		s.listener = nil
	}
}

func (s *apiServer) addr() string {
	if s.listener == nil {
		return s.bind
	}
	return s.listener.Addr().String()
}

func (s *apiServer) handleStartJob(w http.ResponseWriter, r *http.Request) {
	var req api.StartJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body", "", "")
		return
	}
	kind, ok := pipeline.ParseKind(req.Kind)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "unknown pipeline kind "+strconv.Quote(req.Kind), "validation", "")
		return
	}

	result, err := s.daemon.registry.StartJob(kind, strings.TrimSpace(req.ResourceKey), pipeline.Params(req.Params))
	if err != nil {
		var busy *locker.BusyError
		switch {
		case errors.As(err, &busy):
			s.writeError(w, http.StatusConflict, err.Error(), "busy", busy.Holder)
		case errors.Is(err, jobs.ErrShuttingDown):
			s.writeError(w, http.StatusServiceUnavailable, err.Error(), "shutting_down", "")
		default:
			s.writeError(w, http.StatusInternalServerError, err.Error(), "", "")
		}
		return
	}

	status := http.StatusAccepted
	if result.Duplicate {
		status = http.StatusOK
	}
	s.writeJSON(w, status, api.StartJobResponse{
		Job:       api.FromJob(result.Job),
		Duplicate: result.Duplicate,
	})
}

func (s *apiServer) handleListJobs(w http.ResponseWriter, r *http.Request) {
	list := s.daemon.registry.ListJobs()
	views := make([]api.JobView, len(list))
	for i, job := range list {
		views[i] = api.FromJob(job)
	}
	s.writeJSON(w, http.StatusOK, api.JobListResponse{Jobs: views})
}

func (s *apiServer) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.daemon.registry.GetJob(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error(), "not_found", "")
		return
	}
	s.writeJSON(w, http.StatusOK, api.FromJob(job))
}

func (s *apiServer) handleLogs(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	query := r.URL.Query()

	cursor, _ := strconv.ParseUint(query.Get("cursor"), 10, 64)
	limit, _ := strconv.Atoi(query.Get("limit"))
	follow := query.Get("follow") == "true"

	lines, next, discontinuity, err := s.daemon.registry.ReadLogs(jobID, cursor, limit)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error(), "not_found", "")
		return
	}

	if follow && len(lines) == 0 {
		job, err := s.daemon.registry.GetJob(jobID)
		if err == nil && !job.State.Terminal() {
			waitCtx, cancel := context.WithTimeout(r.Context(), followWait)
			lines, next, discontinuity, err = s.daemon.registry.WaitLogs(waitCtx, jobID, cursor, limit)
			cancel()
			if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
				s.writeError(w, http.StatusNotFound, err.Error(), "not_found", "")
				return
			}
		}
	}

	s.writeJSON(w, http.StatusOK, api.LogsResponse{
		Lines:         api.FromLines(lines),
		NextCursor:    next,
		Discontinuity: discontinuity,
	})
}

func (s *apiServer) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	err := s.daemon.registry.CancelJob(chi.URLParam(r, "id"))
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, api.CancelResponse{Acknowledged: true})
	case errors.Is(err, jobs.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error(), "not_found", "")
	case errors.Is(err, jobs.ErrAlreadyTerminal):
		s.writeError(w, http.StatusConflict, err.Error(), "already_terminal", "")
	default:
		s.writeError(w, http.StatusInternalServerError, err.Error(), "", "")
	}
}

func (s *apiServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.daemon.registry.Stats()
	leases := s.daemon.registry.Locks()
	views := make([]api.LeaseView, len(leases))
	for i, lease := range leases {
		views[i] = api.LeaseView{
			ResourceKey: lease.ResourceKey,
			JobID:       lease.JobID,
			AcquiredAt:  lease.AcquiredAt,
		}
	}
	resp := api.HealthResponse{
		Status:       "healthy",
		PID:          s.daemon.PID(),
		ActiveJobs:   stats.Active,
		TerminalJobs: stats.Terminal,
		Locks:        views,
	}
	if s.daemon.hist != nil {
		if count, err := s.daemon.hist.Count(r.Context()); err == nil {
			resp.HistoryCount = &count
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *apiServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.daemon.hist == nil {
		s.writeJSON(w, http.StatusOK, api.JobListResponse{})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	records, err := s.daemon.hist.Recent(r.Context(), limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error(), "", "")
		return
	}
	views := make([]api.JobView, len(records))
	for i, rec := range records {
		views[i] = api.FromRecord(rec)
	}
	s.writeJSON(w, http.StatusOK, api.JobListResponse{Jobs: views})
}

func (s *apiServer) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Debug("encode response failed", logging.Error(err))
	}
}

func (s *apiServer) writeError(w http.ResponseWriter, status int, message, kind, holder string) {
	s.writeJSON(w, status, api.ErrorResponse{Error: message, Kind: kind, Holder: holder})
}
