package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"fleetrun/internal/model"
	"fleetrun/internal/task/scheduler"
	logx "fleetrun/pkg/logx"
)

// Backend is what the API drives. *app.App satisfies it.
type Backend interface {
	TriggerRunNow(ctx context.Context, templateID string, overrides map[string]string) (string, error)
	GetRun(ctx context.Context, runID string) (model.JobRun, error)
	ListRuns(ctx context.Context, limit int) ([]model.JobRun, error)
	CancelRun(runID string) error
	ListDeliveries(ctx context.Context, runID string) ([]model.DeliveryRecord, error)
	Schedules() scheduler.Snapshot
	ListDueInNext(d time.Duration) []scheduler.Upcoming
	// ReloadConfig re-reads the config file. changed is false when the
	// content matched the running config.
	ReloadConfig(ctx context.Context) (changed bool, err error)
	Health() map[string]any
}

const (
	defaultListLimit = 50
	maxListLimit     = 1000
	maxWithin        = 31 * 24 * time.Hour
)

// NewRouter builds the HTTP handler for b.
func NewRouter(b Backend, log logx.Logger, pprof bool) http.Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &handlers{b: b, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)

	r.Get("/healthz", h.health)
	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.SetHeader("Content-Type", "application/json"))
		r.Post("/runs", h.createRun)
		r.Get("/runs", h.listRuns)
		r.Get("/runs/{id}", h.getRun)
		r.Post("/runs/{id}/cancel", h.cancelRun)
		r.Get("/runs/{id}/deliveries", h.listDeliveries)
		r.Get("/schedules", h.schedules)
		r.Get("/schedules/upcoming", h.upcoming)
		r.Post("/reload", h.reload)
	})
	if pprof {
		r.Mount("/debug", middleware.Profiler())
	}
	return r
}

type handlers struct {
	b   Backend
	log logx.Logger
}

func (h *handlers) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (h *handlers) health(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{"status": "ok"}
	for k, v := range h.b.Health() {
		body[k] = v
	}
	writeJSON(w, http.StatusOK, body)
}

type createRunRequest struct {
	TemplateID string            `json:"template_id"`
	Params     map[string]string `json:"params,omitempty"`
}

func (h *handlers) createRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.TemplateID) == "" {
		writeError(w, http.StatusBadRequest, errors.New("template_id is required"))
		return
	}
	id, err := h.b.TriggerRunNow(r.Context(), req.TemplateID, req.Params)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": id})
}

func (h *handlers) listRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = min(n, maxListLimit)
	}
	runs, err := h.b.ListRuns(r.Context(), limit)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if runs == nil {
		runs = []model.JobRun{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (h *handlers) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.b.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *handlers) cancelRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.b.CancelRun(id); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": id, "status": "cancelling"})
}

func (h *handlers) listDeliveries(w http.ResponseWriter, r *http.Request) {
	recs, err := h.b.ListDeliveries(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if recs == nil {
		recs = []model.DeliveryRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"deliveries": recs})
}

func (h *handlers) schedules(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.b.Schedules())
}

func (h *handlers) upcoming(w http.ResponseWriter, r *http.Request) {
	within := time.Hour
	if raw := r.URL.Query().Get("within"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 || d > maxWithin {
			writeError(w, http.StatusBadRequest, errors.New("within must be a positive duration up to 744h"))
			return
		}
		within = d
	}
	up := h.b.ListDueInNext(within)
	if up == nil {
		up = []scheduler.Upcoming{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"within": within.String(), "upcoming": up})
}

func (h *handlers) reload(w http.ResponseWriter, r *http.Request) {
	changed, err := h.b.ReloadConfig(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"changed": changed})
}
