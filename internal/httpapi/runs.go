// Package httpapi exposes the run API over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/miridih-ejkim/mmiai/internal/metrics"
	"github.com/miridih-ejkim/mmiai/internal/runstore"
	"github.com/miridih-ejkim/mmiai/internal/state"
	"github.com/miridih-ejkim/mmiai/internal/workflow"
)

// Runner is the engine surface the API needs; *workflow.Engine implements it
type Runner interface {
	Start(ctx context.Context, req workflow.StartRequest) (*workflow.Response, error)
	Resume(ctx context.Context, req workflow.ResumeRequest) (*workflow.Response, error)
	Get(ctx context.Context, runID string) (*state.Run, error)
}

// PoolStats reports the number of cached tool handles
type PoolStats interface {
	Len() int
}

// WorkerLister reports the currently enabled workers
type WorkerLister interface {
	EnabledIDs() []string
}

// RunHandler serves the run API
type RunHandler struct {
	runner  Runner
	pool    PoolStats
	workers WorkerLister
	limiter *userLimiter
	logger  *zap.Logger
}

// NewRunHandler creates a handler. pool and workers may be nil. A rate <= 0
// disables rate limiting.
func NewRunHandler(runner Runner, pool PoolStats, workers WorkerLister, rps float64, burst int, logger *zap.Logger) *RunHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunHandler{
		runner:  runner,
		pool:    pool,
		workers: workers,
		limiter: newUserLimiter(rps, burst),
		logger:  logger,
	}
}

// RegisterRoutes registers the run routes on mux
func (h *RunHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/runs/start", h.handleStart)
	mux.HandleFunc("POST /v1/runs/resume", h.handleResume)
	mux.HandleFunc("GET /v1/runs/{id}", h.handleGet)
	mux.HandleFunc("GET /health", h.handleHealth)
}

func (h *RunHandler) handleStart(w http.ResponseWriter, r *http.Request) {
	const route = "start"
	var req workflow.StartRequest
	if !h.decode(w, r, route, &req) {
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		h.writeError(w, route, http.StatusBadRequest, "message is required")
		return
	}
	if !h.allow(w, route, req.UserID, r) {
		return
	}

	resp, err := h.runner.Start(r.Context(), req)
	h.respond(w, route, resp, err)
}

func (h *RunHandler) handleResume(w http.ResponseWriter, r *http.Request) {
	const route = "resume"
	var req workflow.ResumeRequest
	if !h.decode(w, r, route, &req) {
		return
	}
	if req.RunID == "" || req.Step == "" {
		h.writeError(w, route, http.StatusBadRequest, "run_id and step are required")
		return
	}
	if !h.allow(w, route, req.UserID, r) {
		return
	}

	resp, err := h.runner.Resume(r.Context(), req)
	h.respond(w, route, resp, err)
}

func (h *RunHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	const route = "get"
	run, err := h.runner.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.respond(w, route, nil, err)
		return
	}
	h.writeJSON(w, route, http.StatusOK, run)
}

func (h *RunHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	if h.pool != nil {
		body["pool_size"] = h.pool.Len()
	}
	if h.workers != nil {
		enabled := h.workers.EnabledIDs()
		if enabled == nil {
			enabled = []string{}
		}
		body["enabled_workers"] = enabled
	}
	h.writeJSON(w, "health", http.StatusOK, body)
}

func (h *RunHandler) decode(w http.ResponseWriter, r *http.Request, route string, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		h.logger.Warn("run api decode error", zap.String("route", route), zap.Error(err))
		h.writeError(w, route, http.StatusBadRequest, "invalid JSON")
		return false
	}
	return true
}

func (h *RunHandler) allow(w http.ResponseWriter, route, userID string, r *http.Request) bool {
	key := userID
	if key == "" {
		key = "addr:" + clientAddr(r)
	}
	if h.limiter.Allow(key) {
		return true
	}
	h.writeError(w, route, http.StatusTooManyRequests, "rate limit exceeded")
	return false
}

// respond maps engine results and errors to HTTP statuses
func (h *RunHandler) respond(w http.ResponseWriter, route string, resp *workflow.Response, err error) {
	if err == nil {
		h.writeJSON(w, route, http.StatusOK, resp)
		return
	}

	code := statusFor(err)
	if code == http.StatusInternalServerError {
		h.logger.Error("run api request failed", zap.String("route", route), zap.Error(err))
		if resp == nil {
			resp = &workflow.Response{Status: workflow.StatusError}
		}
		if resp.Error == "" {
			resp.Error = err.Error()
		}
		h.writeJSON(w, route, code, resp)
		return
	}
	h.writeError(w, route, code, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, workflow.ErrInvalidInput), errors.Is(err, workflow.ErrInvalidResume):
		return http.StatusBadRequest
	case errors.Is(err, runstore.ErrRunNotFound):
		return http.StatusNotFound
	case errors.Is(err, workflow.ErrStepMismatch), errors.Is(err, workflow.ErrRunNotSuspended):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *RunHandler) writeError(w http.ResponseWriter, route string, code int, msg string) {
	h.writeJSON(w, route, code, map[string]string{"status": workflow.StatusError, "error": msg})
}

func (h *RunHandler) writeJSON(w http.ResponseWriter, route string, code int, v any) {
	metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
