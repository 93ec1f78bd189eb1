package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/pprof"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"scanflow/internal/domain"
	"scanflow/internal/jobs"
	"scanflow/internal/notify"
	"scanflow/internal/queue"
	"scanflow/internal/store"
	"scanflow/internal/worker"
)

// PoolStats reports worker pool occupancy for /metrics.
type PoolStats interface {
	Stats() worker.Stats
}

type Server struct {
	r     *chi.Mux
	jobs  *jobs.Service
	bus   *notify.Bus
	queue queue.Queue
	pool  PoolStats
}

func NewServer(svc *jobs.Service, bus *notify.Bus, q queue.Queue, pool PoolStats) http.Handler {
	return NewServerWithDebug(svc, bus, q, pool, false)
}

func NewServerWithDebug(svc *jobs.Service, bus *notify.Bus, q queue.Queue, pool PoolStats, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, jobs: svc, bus: bus, queue: q, pool: pool}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", s.createJob)
		r.Get("/", s.listJobs)
		r.Get("/{id}", s.getJob)
		r.Put("/{id}", s.updateJob)
		r.Post("/{id}/start", s.startJob)
		r.Post("/{id}/cancel", s.cancelJob)
		r.Get("/{id}/results", s.jobResults)
		r.Get("/{id}/watch", s.watchJob)
	})

	// Debug routes (pprof)
	if enableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
		r.Handle("/debug/pprof/threadcreate", pprof.Handler("threadcreate"))
		r.Handle("/debug/pprof/block", pprof.Handler("block"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	depth, err := s.queue.Len(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	st := s.pool.Stats()
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "scanflow_up 1\n")
	fmt.Fprintf(w, "scanflow_queue_depth %d\n", depth)
	fmt.Fprintf(w, "scanflow_active_jobs %d\n", st.Active)
	fmt.Fprintf(w, "scanflow_live_workers %d\n", st.Live)
	fmt.Fprintf(w, "scanflow_busy_workers %d\n", st.Busy)
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var req jobs.CreateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	j, err := s.jobs.Create(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, j)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	req, err := listRequest(r.URL.Query())
	if err != nil {
		writeError(w, err)
		return
	}
	rsp, err := s.jobs.List(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	if rsp.Jobs == nil {
		rsp.Jobs = []*domain.Job{}
	}
	writeJSON(w, http.StatusOK, rsp)
}

func listRequest(q url.Values) (*store.ListRequest, error) {
	req := &store.ListRequest{
		Status:       domain.JobStatus(q.Get("status")),
		Tag:          q.Get("tag"),
		CreatedBy:    q.Get("created_by"),
		NameContains: q.Get("name_contains"),
	}
	var err error
	if req.CreatedAfter, err = timeParam(q, "created_after"); err != nil {
		return nil, err
	}
	if req.CreatedBefore, err = timeParam(q, "created_before"); err != nil {
		return nil, err
	}
	if req.Page, err = intParam(q, "page"); err != nil {
		return nil, err
	}
	if req.PerPage, err = intParam(q, "per_page"); err != nil {
		return nil, err
	}
	return req, nil
}

func timeParam(q url.Values, name string) (*time.Time, error) {
	v := q.Get(name)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, domain.Validationf("%s: expected an RFC 3339 timestamp", name)
	}
	return &t, nil
}

func intParam(q url.Values, name string) (int, error) {
	v := q.Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, domain.Validationf("%s: expected a non-negative integer", name)
	}
	return n, nil
}

func (s *Server) updateJob(w http.ResponseWriter, r *http.Request) {
	var req jobs.UpdateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	j, err := s.jobs.Update(r.Context(), chi.URLParam(r, "id"), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) startJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.jobs.Start(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, j)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.jobs.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	code := http.StatusOK
	if !j.Status.Terminal() {
		// the executor has not observed the request yet
		code = http.StatusAccepted
	}
	writeJSON(w, code, j)
}

func (s *Server) jobResults(w http.ResponseWriter, r *http.Request) {
	res, err := s.jobs.Results(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return domain.Validationf("invalid request body: %v", err)
	}
	return nil
}

type errorResp struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func statusOf(k domain.Kind) int {
	switch k {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindConflict:
		return http.StatusConflict
	case domain.KindTimeout:
		return http.StatusGatewayTimeout
	case domain.KindExternalAPI:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind := domain.KindOf(err)
	code := statusOf(kind)
	if code == http.StatusInternalServerError {
		log.Error().Err(err).Msg("request failed")
	}
	writeJSON(w, code, errorResp{Error: kind.String(), Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
