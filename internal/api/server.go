package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"postflow/internal/domain"
	"postflow/internal/queue"
	"postflow/internal/registry"
	"postflow/internal/stats"
)

type Server struct {
	reg  *registry.Registry
	mgr  *queue.Manager
	proc *queue.Processor
	agg  *stats.Aggregator
}

func NewServer(reg *registry.Registry, mgr *queue.Manager, proc *queue.Processor, agg *stats.Aggregator) http.Handler {
	return NewServerWithDebug(reg, mgr, proc, agg, false)
}

func NewServerWithDebug(reg *registry.Registry, mgr *queue.Manager, proc *queue.Processor, agg *stats.Aggregator, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{reg: reg, mgr: mgr, proc: proc, agg: agg}

	r.Get("/health", s.health)

	r.Post("/api/schedules", s.createSchedule)
	r.Get("/api/schedules", s.listSchedules)
	r.Get("/api/schedules/upcoming", s.upcomingSchedules)
	r.Get("/api/schedules/stats", s.scheduleStats)
	r.Get("/api/schedules/{id}", s.getSchedule)
	r.Put("/api/schedules/{id}", s.updateSchedule)
	r.Delete("/api/schedules/{id}", s.cancelSchedule)

	r.Post("/api/queues", s.createQueue)
	r.Post("/api/queues/{id}/items", s.addItem)
	r.Post("/api/queues/{id}/process", s.processQueue)
	r.Get("/api/queues/{id}/items/ready", s.readyItems)
	r.Get("/api/queues/{id}/stats", s.queueStats)

	if enableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type createScheduleReq struct {
	Name          string                   `json:"name"`
	Description   string                   `json:"description"`
	ScheduledTime time.Time                `json:"scheduled_time"`
	Timezone      string                   `json:"timezone"`
	Recurrence    *domain.RecurringPattern `json:"recurrence"`
	Destinations  []string                 `json:"destinations"`
	Audience      json.RawMessage          `json:"audience"`
	Content       json.RawMessage          `json:"content"`
	Priority      int                      `json:"priority"`
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req createScheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	sch, err := s.reg.Create(r.Context(), registry.CreateOptions{
		Name:          req.Name,
		Description:   req.Description,
		ScheduledTime: req.ScheduledTime,
		Timezone:      req.Timezone,
		Recurrence:    req.Recurrence,
		Destinations:  req.Destinations,
		Audience:      req.Audience,
		Content:       req.Content,
		Priority:      req.Priority,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sch)
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	var f registry.Filter
	if v := r.URL.Query().Get("status"); v != "" {
		st := domain.ScheduleStatus(v)
		f.Status = &st
	}
	f.Destination = r.URL.Query().Get("destination")
	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "bad from time", http.StatusBadRequest)
			return
		}
		f.From = &t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "bad to time", http.StatusBadRequest)
			return
		}
		f.To = &t
	}
	writeJSON(w, http.StatusOK, s.reg.List(f))
}

func (s *Server) upcomingSchedules(w http.ResponseWriter, r *http.Request) {
	hours := 24
	if v := r.URL.Query().Get("hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "bad hours", http.StatusBadRequest)
			return
		}
		hours = n
	}
	writeJSON(w, http.StatusOK, s.reg.Upcoming(time.Duration(hours)*time.Hour))
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	sch, err := s.reg.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sch)
}

type updateScheduleReq struct {
	Name          *string                  `json:"name"`
	Description   *string                  `json:"description"`
	ScheduledTime *time.Time               `json:"scheduled_time"`
	Timezone      *string                  `json:"timezone"`
	Recurrence    *domain.RecurringPattern `json:"recurrence"`
	Destinations  []string                 `json:"destinations"`
	Audience      json.RawMessage          `json:"audience"`
	Content       json.RawMessage          `json:"content"`
	Priority      *int                     `json:"priority"`
}

func (s *Server) updateSchedule(w http.ResponseWriter, r *http.Request) {
	var req updateScheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	sch, err := s.reg.Update(r.Context(), chi.URLParam(r, "id"), registry.UpdateOptions{
		Name:          req.Name,
		Description:   req.Description,
		ScheduledTime: req.ScheduledTime,
		Timezone:      req.Timezone,
		Recurrence:    req.Recurrence,
		Destinations:  req.Destinations,
		Audience:      req.Audience,
		Content:       req.Content,
		Priority:      req.Priority,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sch)
}

func (s *Server) cancelSchedule(w http.ResponseWriter, r *http.Request) {
	ok, err := s.reg.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": ok})
}

func (s *Server) scheduleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.agg.ScheduleStatistics())
}

type createQueueReq struct {
	Name          string  `json:"name"`
	Order         string  `json:"order"`
	MaxConcurrent int     `json:"max_concurrent"`
	RatePerSec    float64 `json:"rate_per_sec"`
	Retry         struct {
		MaxRetries         int      `json:"max_retries"`
		DelaySeconds       int      `json:"delay_seconds"`
		ExponentialBackoff bool     `json:"exponential_backoff"`
		MaxDelaySeconds    int      `json:"max_delay_seconds"`
		DenyClasses        []string `json:"deny_classes"`
		AllowClasses       []string `json:"allow_classes"`
	} `json:"retry"`
}

func (s *Server) createQueue(w http.ResponseWriter, r *http.Request) {
	var req createQueueReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id, err := s.mgr.CreateQueue(r.Context(), queue.Config{
		Name:          req.Name,
		Order:         domain.QueueOrder(req.Order),
		MaxConcurrent: req.MaxConcurrent,
		RatePerSec:    req.RatePerSec,
		Retry: domain.RetryPolicy{
			MaxRetries:         req.Retry.MaxRetries,
			Delay:              time.Duration(req.Retry.DelaySeconds) * time.Second,
			ExponentialBackoff: req.Retry.ExponentialBackoff,
			MaxDelay:           time.Duration(req.Retry.MaxDelaySeconds) * time.Second,
			DenyClasses:        req.Retry.DenyClasses,
			AllowClasses:       req.Retry.AllowClasses,
		},
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

type addItemReq struct {
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload"`
	Priority      int             `json:"priority"`
	Dependencies  []string        `json:"dependencies"`
	ScheduledTime *time.Time      `json:"scheduled_time"`
}

func (s *Server) addItem(w http.ResponseWriter, r *http.Request) {
	var req addItemReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id, err := s.mgr.AddToQueue(r.Context(), chi.URLParam(r, "id"),
		domain.QueueItemType(req.Type), req.Payload, queue.AddOptions{
			Priority:      req.Priority,
			Dependencies:  req.Dependencies,
			ScheduledTime: req.ScheduledTime,
		})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (s *Server) processQueue(w http.ResponseWriter, r *http.Request) {
	if err := s.proc.ProcessQueueOnce(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) readyItems(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			http.Error(w, "bad limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	items, err := s.mgr.GetReadyItems(chi.URLParam(r, "id"), limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) queueStats(w http.ResponseWriter, r *http.Request) {
	qs, err := s.agg.QueueStatistics(chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, qs)
}

func writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, domain.ErrInvalidArgument), errors.Is(err, domain.ErrDependencyCycle):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
