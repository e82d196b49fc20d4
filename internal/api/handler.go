package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/runloom/runloom/internal/domain"
	"github.com/runloom/runloom/internal/scheduler"
)

// Pagination defaults and limits.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

var ErrDeploymentExists = errors.New("deployment already exists")

type Store interface {
	CreateDeployment(ctx context.Context, d domain.Deployment) error
	GetDeployment(ctx context.Context, id uuid.UUID) (domain.Deployment, error)
	ListDeployments(ctx context.Context, limit, offset int) ([]domain.Deployment, error)
	DeleteDeployment(ctx context.Context, id uuid.UUID) error
	ListRuns(ctx context.Context, deploymentID uuid.UUID, limit, offset int) ([]domain.FlowRun, error)
}

// RunScheduler serves POST /deployments/{id}/schedule-runs.
type RunScheduler interface {
	ScheduleRuns(ctx context.Context, deploymentID uuid.UUID, opts scheduler.ScheduleOptions) ([]domain.FlowRun, error)
}

// HealthChecker provides database health status for the /health endpoint.
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

type Handler struct {
	store     Store
	scheduler RunScheduler
	db        HealthChecker
}

func NewHandler(store Store, sched RunScheduler) *Handler {
	return &Handler{store: store, scheduler: sched}
}

// WithHealthChecker sets the database health checker for verbose /health responses.
func (h *Handler) WithHealthChecker(db HealthChecker) *Handler {
	h.db = db
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	switch {
	case path == "/health" && r.Method == http.MethodGet:
		h.health(w, r)

	case path == "/deployments" && r.Method == http.MethodPost:
		h.createDeployment(w, r)

	case path == "/deployments" && r.Method == http.MethodGet:
		h.listDeployments(w, r)

	case strings.HasSuffix(path, "/runs") && r.Method == http.MethodGet:
		h.listRuns(w, r)

	case strings.HasSuffix(path, "/schedule-runs") && r.Method == http.MethodPost:
		h.scheduleRuns(w, r)

	case strings.HasPrefix(path, "/deployments/") && r.Method == http.MethodGet:
		h.getDeployment(w, r)

	case strings.HasPrefix(path, "/deployments/") && r.Method == http.MethodDelete:
		h.deleteDeployment(w, r)

	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

// HealthResponse represents the /health endpoint response.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	verbose := r.URL.Query().Get("verbose") == "true"

	if !verbose || h.db == nil {
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
		return
	}

	resp := HealthResponse{
		Status:     "ok",
		Components: make(map[string]string),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := h.db.PingContext(ctx); err != nil {
		resp.Status = "degraded"
		resp.Components["database"] = "unhealthy: " + err.Error()
	} else {
		resp.Components["database"] = "healthy"
	}

	statusCode := http.StatusOK
	if resp.Status == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, resp)
}

// maxRequestBodySize is the maximum allowed request body size (1MB).
const maxRequestBodySize = 1 << 20

func (h *Handler) createDeployment(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req CreateDeploymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if err.Error() == "http: request body too large" {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := validateCreateDeployment(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	now := time.Now().UTC()
	flowID, _ := uuid.Parse(req.FlowID)
	deployment := domain.Deployment{
		ID:        uuid.New(),
		FlowID:    flowID,
		Name:      req.Name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, s := range req.Schedules {
		deployment.Schedules = append(deployment.Schedules, domain.Schedule{
			ID:             uuid.New(),
			DeploymentID:   deployment.ID,
			CronExpression: s.CronExpression,
			Timezone:       s.Timezone,
			Interval:       time.Duration(s.IntervalSeconds) * time.Second,
			AnchorDate:     parseTimeOrZero(s.AnchorDate),
			Parameters:     s.Parameters,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
	}

	if err := h.store.CreateDeployment(r.Context(), deployment); err != nil {
		if errors.Is(err, ErrDeploymentExists) {
			writeError(w, http.StatusConflict, "deployment name already exists")
			return
		}
		log.Printf("api: create deployment error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to create deployment")
		return
	}

	writeJSON(w, http.StatusCreated, toDeploymentResponse(deployment))
}

func (h *Handler) listDeployments(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	deployments, err := h.store.ListDeployments(r.Context(), limit, offset)
	if err != nil {
		log.Printf("api: list deployments error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list deployments")
		return
	}

	resp := ListDeploymentsResponse{Deployments: make([]DeploymentResponse, len(deployments))}
	for i, d := range deployments {
		resp.Deployments[i] = toDeploymentResponse(d)
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) getDeployment(w http.ResponseWriter, r *http.Request) {
	id, ok := deploymentIDFromPath(w, r.URL.Path, 2)
	if !ok {
		return
	}

	deployment, err := h.store.GetDeployment(r.Context(), id)
	if err != nil {
		if errors.Is(err, scheduler.ErrDeploymentNotFound) {
			writeError(w, http.StatusNotFound, "deployment not found")
			return
		}
		log.Printf("api: get deployment error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to get deployment")
		return
	}

	writeJSON(w, http.StatusOK, toDeploymentResponse(deployment))
}

func (h *Handler) deleteDeployment(w http.ResponseWriter, r *http.Request) {
	id, ok := deploymentIDFromPath(w, r.URL.Path, 2)
	if !ok {
		return
	}

	if err := h.store.DeleteDeployment(r.Context(), id); err != nil {
		if err == sql.ErrNoRows {
			writeError(w, http.StatusNotFound, "deployment not found")
			return
		}
		log.Printf("api: delete deployment error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to delete deployment")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listRuns(w http.ResponseWriter, r *http.Request) {
	id, ok := deploymentIDFromPath(w, r.URL.Path, 3)
	if !ok {
		return
	}

	limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	runs, err := h.store.ListRuns(r.Context(), id, limit, offset)
	if err != nil {
		log.Printf("api: list runs error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}

	resp := ListRunsResponse{Runs: make([]RunResponse, len(runs))}
	for i, run := range runs {
		resp.Runs[i] = toRunResponse(run)
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) scheduleRuns(w http.ResponseWriter, r *http.Request) {
	id, ok := deploymentIDFromPath(w, r.URL.Path, 3)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req ScheduleRunsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err.Error() != "EOF" {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	opts, err := parseScheduleOptions(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	created, err := h.scheduler.ScheduleRuns(r.Context(), id, opts)
	if err != nil {
		if errors.Is(err, scheduler.ErrDeploymentNotFound) {
			writeError(w, http.StatusNotFound, "deployment not found")
			return
		}
		log.Printf("api: schedule runs error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to schedule runs")
		return
	}

	resp := ScheduleRunsResponse{Created: make([]RunResponse, len(created))}
	for i, run := range created {
		resp.Created[i] = toRunResponse(run)
	}

	writeJSON(w, http.StatusCreated, resp)
}

// deploymentIDFromPath extracts the deployment id from /deployments/{id}
// or /deployments/{id}/<suffix> paths; wantParts is the expected number of
// path segments.
func deploymentIDFromPath(w http.ResponseWriter, path string, wantParts int) (uuid.UUID, bool) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != wantParts || parts[0] != "deployments" {
		writeError(w, http.StatusNotFound, "not found")
		return uuid.Nil, false
	}

	id, err := uuid.Parse(parts[1])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid deployment id")
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: json encode error: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// parsePagination extracts and validates limit/offset query parameters.
// Returns DefaultLimit if limit is not specified, and 0 for offset if not specified.
// Returns an error if limit exceeds MaxLimit or if values are negative/invalid.
func parsePagination(r *http.Request) (limit, offset int, err error) {
	limit = DefaultLimit
	offset = 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil {
			return 0, 0, err
		}
		if limit < 0 {
			return 0, 0, strconv.ErrRange
		}
		if limit > MaxLimit {
			return 0, 0, &limitExceededError{max: MaxLimit}
		}
		if limit == 0 {
			limit = DefaultLimit
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		offset, err = strconv.Atoi(offsetStr)
		if err != nil {
			return 0, 0, err
		}
		if offset < 0 {
			return 0, 0, strconv.ErrRange
		}
	}

	return limit, offset, nil
}

type limitExceededError struct {
	max int
}

func (e *limitExceededError) Error() string {
	return "limit exceeds maximum of " + strconv.Itoa(e.max)
}
