package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"recurflow/internal/domain"
	"recurflow/internal/execution"
	"recurflow/internal/scheduler"
	"recurflow/internal/tasks"
)

// Scheduler is the part of the scheduling engine the API exposes.
type Scheduler interface {
	CreateJob(ctx context.Context, req scheduler.Request) (string, error)
	Jobs() []scheduler.JobInfo
	Job(id string) (scheduler.JobInfo, bool)
}

type Executions interface {
	List(ctx context.Context, limit int) ([]domain.Execution, error)
}

const (
	headerUser   = "X-Remote-User"
	headerGroups = "X-Remote-Groups"

	defaultListLimit = 50
)

type Server struct {
	r     *chi.Mux
	sched Scheduler
	execs Executions
	log   zerolog.Logger
}

func NewServer(sched Scheduler, execs Executions, gatherer prometheus.Gatherer, log zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	s := &Server{r: r, sched: sched, execs: execs, log: log.With().Str("component", "api").Logger()}
	r.Use(middleware.RequestID, middleware.RealIP, requestLogger(s.log), middleware.Recoverer)

	r.Get("/health", s.health)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Route("/api", func(r chi.Router) {
		r.Post("/schedules", s.createSchedule)
		r.Get("/schedules", s.listSchedules)
		r.Get("/schedules/{id}", s.getSchedule)
		r.Get("/executions", s.listExecutions)
	})
	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type createScheduleReq struct {
	TaskName        string          `json:"task_name"`
	ParameterValues map[string]any  `json:"parameter_values"`
	Schedule        json.RawMessage `json:"schedule"`
}

type createScheduleResp struct {
	ID string `json:"id"`
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req createScheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.TaskName == "" {
		writeError(w, http.StatusBadRequest, "task_name is required")
		return
	}
	if len(req.Schedule) == 0 {
		writeError(w, http.StatusBadRequest, "schedule is required")
		return
	}

	id, err := s.sched.CreateJob(r.Context(), scheduler.Request{
		TaskName:        req.TaskName,
		ParameterValues: req.ParameterValues,
		Schedule:        req.Schedule,
		User:            userFrom(r),
	})
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			s.log.Error().Err(err).Str("task", req.TaskName).Msg("create schedule failed")
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, createScheduleResp{ID: id})
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)
	if user == nil {
		writeError(w, http.StatusUnauthorized, scheduler.ErrMissingOwner.Error())
		return
	}
	jobs := s.sched.Jobs()
	own := make([]scheduler.JobInfo, 0, len(jobs))
	for _, j := range jobs {
		if j.OwnerID == user.ID {
			own = append(own, j)
		}
	}
	writeJSON(w, http.StatusOK, own)
}

// getSchedule answers 404 for another owner's job.
func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)
	if user == nil {
		writeError(w, http.StatusUnauthorized, scheduler.ErrMissingOwner.Error())
		return
	}
	info, ok := s.sched.Job(chi.URLParam(r, "id"))
	if !ok || info.OwnerID != user.ID {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) listExecutions(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)
	if user == nil {
		writeError(w, http.StatusUnauthorized, scheduler.ErrMissingOwner.Error())
		return
	}
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	list, err := s.execs.List(r.Context(), limit)
	if err != nil {
		s.log.Error().Err(err).Msg("list executions failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	own := make([]domain.Execution, 0, len(list))
	for _, e := range list {
		if e.OwnerID == user.ID {
			own = append(own, e)
		}
	}
	writeJSON(w, http.StatusOK, own)
}

// userFrom reads the principal set by the authenticating proxy. Nil when absent.
func userFrom(r *http.Request) *domain.User {
	id := strings.TrimSpace(r.Header.Get(headerUser))
	if id == "" {
		return nil
	}
	u := &domain.User{
		ID:         id,
		AuditNames: map[string]string{domain.AuditAuthUsername: id},
	}
	for _, g := range strings.Split(r.Header.Get(headerGroups), ",") {
		if g = strings.TrimSpace(g); g != "" {
			u.Groups = append(u.Groups, g)
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		u.AuditNames[domain.AuditIP] = host
	} else if r.RemoteAddr != "" {
		u.AuditNames[domain.AuditIP] = r.RemoteAddr
	}
	return u
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, scheduler.ErrMissingOwner):
		return http.StatusUnauthorized
	case errors.Is(err, tasks.ErrAccessDenied), errors.Is(err, execution.ErrAccessDenied):
		return http.StatusForbidden
	case errors.Is(err, scheduler.ErrUnschedulableTask), errors.Is(err, scheduler.ErrSecureParameter):
		return http.StatusUnprocessableEntity
	case errors.Is(err, scheduler.ErrInvalidRecurrence),
		errors.Is(err, tasks.ErrUnknownParameter),
		errors.Is(err, tasks.ErrMissingParameter):
		return http.StatusBadRequest
	case errors.Is(err, tasks.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

type errorResp struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResp{Error: msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
