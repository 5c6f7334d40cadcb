package routes

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog/hlog"

	"github.com/briangreenhill/refreshcache/engine"
	"github.com/briangreenhill/refreshcache/fetch"
	appmw "github.com/briangreenhill/refreshcache/internal/http/middleware"
	"github.com/briangreenhill/refreshcache/internal/jobs"
)

const DefaultLoadTimeout = 30 * time.Second

// Enqueuer is the part of *asynq.Client the server uses.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type Server struct {
	Router      *chi.Mux
	M           *engine.Manager
	Queue       Enqueuer // nil runs refresh and cleanup in the request
	LoadTimeout time.Duration
	now         func() time.Time
}

type ServerOptions struct {
	Manager     *engine.Manager
	Queue       Enqueuer
	AdminToken  string
	LoadTimeout time.Duration
}

func New(opts ServerOptions) *Server {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	s := &Server{Router: r, M: opts.Manager, Queue: opts.Queue, LoadTimeout: opts.LoadTimeout, now: time.Now}
	if s.LoadTimeout <= 0 {
		s.LoadTimeout = DefaultLoadTimeout
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if _, err := w.Write([]byte("ok")); err != nil {
			hlog.FromRequest(r).Error().Err(err).Msg("write health check response")
		}
	})

	r.Group(func(pr chi.Router) {
		pr.Use(appmw.RequireToken(opts.AdminToken))
		pr.Get("/stats", s.handleStats)
		pr.Get("/kinds", s.handleKinds)
		pr.Get("/kinds/{kind}/{id}", s.handleGet)
		pr.Get("/kinds/{kind}/{id}/status", s.handleStatus)
		pr.Post("/kinds/{kind}/{id}/refresh", s.handleRefresh)
		pr.Post("/kinds/{kind}/{id}/invalidate", s.handleInvalidate)
		pr.Delete("/kinds/{kind}/{id}", s.handleClear)
		pr.Post("/cleanup", s.handleCleanup)
	})

	return s
}

// writeJSON encodes v with status
func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("encode response")
	}
}

// writeError maps engine errors onto HTTP statuses.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	var (
		fe *engine.FetchError
		de *engine.DecodeError
	)
	switch {
	case errors.Is(err, engine.ErrUnknownKind), errors.Is(err, engine.ErrCacheMiss):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrNilIdentity):
		status = http.StatusBadRequest
	case errors.Is(err, engine.ErrClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case errors.As(err, &fe), errors.As(err, &de):
		status = http.StatusBadGateway
	}
	log := hlog.FromRequest(r)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Int("status", status).Msg("request failed")
	} else {
		log.Debug().Err(err).Int("status", status).Msg("request rejected")
	}
	writeJSON(w, r, status, map[string]string{"error": err.Error()})
}

// target resolves the kind and id path parameters. Ids may be path-escaped.
func (s *Server) target(r *http.Request) (engine.AnyKind, string, error) {
	kind, err := s.M.Kind(chi.URLParam(r, "kind"))
	if err != nil {
		return nil, "", err
	}
	id, err := url.PathUnescape(chi.URLParam(r, "id"))
	if err != nil || id == "" {
		return nil, "", engine.ErrNilIdentity
	}
	return kind, id, nil
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	reset, _ := strconv.ParseBool(r.URL.Query().Get("reset"))
	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if err := s.M.WriteStatsReport(w, reset); err != nil {
			hlog.FromRequest(r).Error().Err(err).Msg("write stats report")
		}
		return
	}
	writeJSON(w, r, http.StatusOK, s.M.Stats(reset))
}

type kindInfo struct {
	Name     string `json:"name"`
	Policy   string `json:"policy"`
	Duration string `json:"duration"`
}

func (s *Server) handleKinds(w http.ResponseWriter, r *http.Request) {
	names := s.M.Kinds()
	out := make([]kindInfo, 0, len(names))
	for _, name := range names {
		k, err := s.M.Kind(name)
		if err != nil {
			continue
		}
		p := k.Policy()
		out = append(out, kindInfo{Name: name, Policy: p.Policy.String(), Duration: p.Duration.String()})
	}
	writeJSON(w, r, http.StatusOK, out)
}

// handleGet loads the value and waits for it. With ?cached=true only a valid
// persisted value is returned.
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	kind, id, err := s.target(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var v any
	if cached, _ := strconv.ParseBool(r.URL.Query().Get("cached")); cached {
		v, err = kind.Cached(id)
	} else {
		ctx, cancel := context.WithTimeout(r.Context(), s.LoadTimeout)
		defer cancel()
		v, err = kind.Get(ctx, id)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.writeValue(w, r, v)
}

// writeValue sends fetched resources as their raw body and everything else
// as JSON.
func (s *Server) writeValue(w http.ResponseWriter, r *http.Request, v any) {
	res, ok := v.(*fetch.Resource)
	if !ok {
		writeJSON(w, r, http.StatusOK, v)
		return
	}
	if res.ETag != "" {
		w.Header().Set("ETag", res.ETag)
	}
	if !res.FetchedAt.IsZero() {
		w.Header().Set("Last-Modified", res.FetchedAt.UTC().Format(http.TimeFormat))
	}
	ct := "application/json"
	if !json.Valid(res.Body) {
		ct = http.DetectContentType(res.Body)
	}
	w.Header().Set("Content-Type", ct)
	if _, err := w.Write(res.Body); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("write resource body")
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	kind, id, err := s.target(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	st, ok := kind.Status(id)
	if !ok {
		writeJSON(w, r, http.StatusNotFound, map[string]string{"error": "not loaded"})
		return
	}
	writeJSON(w, r, http.StatusOK, st)
}

// handleRefresh queues a refresh job, or reloads in the request when no
// queue is configured.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	kind, id, err := s.target(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if s.Queue == nil {
		ctx, cancel := context.WithTimeout(r.Context(), s.LoadTimeout)
		defer cancel()
		v, err := kind.Reload(ctx, id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		s.writeValue(w, r, v)
		return
	}

	task, err := jobs.NewRefreshTask(kind.Name(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.enqueue(w, r, task)
}

func (s *Server) enqueue(w http.ResponseWriter, r *http.Request, task *asynq.Task) {
	info, err := s.Queue.EnqueueContext(r.Context(), task)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Str("task", task.Type()).Msg("failed to enqueue job")
		http.Error(w, "failed to queue job", http.StatusInternalServerError)
		return
	}
	hlog.FromRequest(r).Info().Str("task", task.Type()).Str("task_id", info.ID).Str("queue", info.Queue).Msg("queued job")
	writeJSON(w, r, http.StatusAccepted, map[string]string{"task_id": info.ID, "queue": info.Queue})
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	kind, id, err := s.target(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := kind.Invalidate(id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	kind, id, err := s.target(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := kind.Clear(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleCleanup removes records that expired more than ?max_age ago.
func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	var maxAge time.Duration
	if v := r.URL.Query().Get("max_age"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			http.Error(w, "invalid max_age", http.StatusBadRequest)
			return
		}
		maxAge = d
	}

	if s.Queue != nil {
		task, err := jobs.NewCleanupTask(maxAge)
		if err != nil {
			writeError(w, r, err)
			return
		}
		s.enqueue(w, r, task)
		return
	}

	removed, err := s.M.Cleanup(r.Context(), s.now().Add(-maxAge))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]int{"removed": removed})
}
