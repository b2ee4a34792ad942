package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/go-task-gateway/internal/domain"
	"github.com/ramiqadoumi/go-task-gateway/internal/version"
)

const readyTimeout = 2 * time.Second

// Detail values clients match on.
const (
	DetailUnknownTaskType   = "UnknownTaskType"
	DetailNotFound          = "NotFound"
	DetailStoreUnavailable  = "StoreUnavailable"
	DetailRateLimitExceeded = "RateLimitExceeded"
)

// Dispatcher is the task pipeline the REST layer drives.
type Dispatcher interface {
	Submit(ctx context.Context, taskType domain.TaskType, raw json.RawMessage) (*domain.TaskRecord, error)
	Get(ctx context.Context, id string) (*domain.TaskRecord, error)
	List(ctx context.Context, limit int) ([]*domain.TaskRecord, error)
	IsStale(rec *domain.TaskRecord) bool
	Ping(ctx context.Context) error
}

// REST handles HTTP requests for the API Gateway.
type REST struct {
	dispatcher Dispatcher
	taskTypes  []domain.TaskType
	logger     *slog.Logger
}

// NewREST creates a new REST handler. taskTypes is advertised on the banner.
func NewREST(d Dispatcher, taskTypes []domain.TaskType, logger *slog.Logger) *REST {
	return &REST{dispatcher: d, taskTypes: taskTypes, logger: logger}
}

// SubmitTaskRequest is the JSON body of every task submission.
type SubmitTaskRequest struct {
	TaskType   string          `json:"task_type"`
	Parameters json.RawMessage `json:"parameters"`
}

// SubmitTaskResponse is the 200 response body.
type SubmitTaskResponse struct {
	TaskID string          `json:"task_id"`
	Status domain.Status   `json:"status"`
	Result json.RawMessage `json:"result"`
}

// TaskView is a stored record as shown to clients.
type TaskView struct {
	*domain.TaskRecord
	Stale bool `json:"stale"`
}

// TaskListResponse is the GET /tasks response body.
type TaskListResponse struct {
	Tasks []TaskView `json:"tasks"`
}

// SubmitTyped returns a handler for a route bound to one task type.
// A task_type in the body must agree with the route.
func (h *REST) SubmitTyped(taskType domain.TaskType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := h.decode(w, r)
		if !ok {
			return
		}
		if req.TaskType != "" && domain.TaskType(req.TaskType) != taskType {
			writeDetail(w, http.StatusBadRequest,
				fmt.Sprintf("task_type %q does not match route for %q", req.TaskType, taskType))
			return
		}
		h.submit(w, r, taskType, req.Parameters)
	}
}

// SubmitTask handles POST /tasks, where the body names the task type.
func (h *REST) SubmitTask(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r)
	if !ok {
		return
	}
	if strings.TrimSpace(req.TaskType) == "" {
		writeDetail(w, http.StatusBadRequest, "field 'task_type' is required")
		return
	}
	h.submit(w, r, domain.TaskType(req.TaskType), req.Parameters)
}

func (h *REST) decode(w http.ResponseWriter, r *http.Request) (SubmitTaskRequest, bool) {
	var req SubmitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeDetail(w, http.StatusRequestEntityTooLarge, "request body too large")
			return req, false
		}
		writeDetail(w, http.StatusBadRequest, "invalid request body")
		return req, false
	}
	return req, true
}

func (h *REST) submit(w http.ResponseWriter, r *http.Request, taskType domain.TaskType, params json.RawMessage) {
	ctx, span := otel.Tracer("api-gateway").Start(r.Context(), "api_gateway.submit_task")
	defer span.End()
	span.SetAttributes(attribute.String("task.type", string(taskType)))

	rec, err := h.dispatcher.Submit(ctx, taskType, params)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "submit failed")
		h.writeDispatchError(w, err, rec)
		return
	}
	span.SetAttributes(attribute.String("task.id", rec.ID))

	writeJSON(w, http.StatusOK, SubmitTaskResponse{TaskID: rec.ID, Status: rec.Status, Result: rec.Result})
}

// ListTasks handles GET /tasks. Store failures degrade to an empty list.
func (h *REST) ListTasks(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}

	resp := TaskListResponse{Tasks: []TaskView{}}
	recs, err := h.dispatcher.List(r.Context(), limit)
	if err != nil {
		h.logger.Error("list tasks", slog.String("error", err.Error()))
		writeJSON(w, http.StatusOK, resp)
		return
	}
	for _, rec := range recs {
		resp.Tasks = append(resp.Tasks, h.view(rec))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetTask handles GET /tasks/{id}.
func (h *REST) GetTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	rec, err := h.dispatcher.Get(r.Context(), taskID)
	if err != nil {
		h.writeDispatchError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, h.view(rec))
}

func (h *REST) view(rec *domain.TaskRecord) TaskView {
	return TaskView{TaskRecord: rec, Stale: h.dispatcher.IsStale(rec)}
}

// Banner handles GET /.
func (h *REST) Banner(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service":    "task-gateway",
		"version":    version.Version,
		"task_types": h.taskTypes,
	})
}

// Healthz handles GET /healthz.
func (h *REST) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz handles GET /readyz and checks the task store answers.
func (h *REST) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	if err := h.dispatcher.Ping(ctx); err != nil {
		h.logger.Warn("readiness check failed", slog.String("error", err.Error()))
		writeDetail(w, http.StatusServiceUnavailable, "store not ready")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// writeDispatchError maps dispatcher errors onto HTTP responses.
// rec is the record a handler failure left behind, if any.
func (h *REST) writeDispatchError(w http.ResponseWriter, err error, rec *domain.TaskRecord) {
	var (
		validationErr *domain.ValidationError
		unknownErr    *domain.UnknownTaskTypeError
		notFoundErr   *domain.TaskNotFoundError
		rateErr       *domain.RateLimitExceededError
		timeoutErr    *domain.HandlerTimeoutError
		execErr       *domain.HandlerExecutionError
		storeErr      *domain.StoreUnavailableError
	)
	switch {
	case errors.As(err, &validationErr):
		writeJSON(w, http.StatusBadRequest, map[string]any{"detail": validationErr.Violations})
	case errors.As(err, &unknownErr):
		writeDetail(w, http.StatusNotFound, DetailUnknownTaskType)
	case errors.As(err, &notFoundErr):
		writeDetail(w, http.StatusNotFound, DetailNotFound)
	case errors.As(err, &rateErr):
		writeDetail(w, http.StatusTooManyRequests, DetailRateLimitExceeded)
	case errors.As(err, &timeoutErr):
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": err.Error(), "task_id": timeoutErr.TaskID})
	case errors.As(err, &execErr):
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": err.Error(), "task_id": execErr.TaskID})
	case errors.As(err, &storeErr):
		h.logger.Error("task store unavailable", slog.String("op", storeErr.Op), slog.String("error", err.Error()))
		body := map[string]string{"detail": DetailStoreUnavailable}
		if rec != nil {
			body["task_id"] = rec.ID
		}
		writeJSON(w, http.StatusInternalServerError, body)
	default:
		h.logger.Error("unexpected dispatch error", slog.String("error", err.Error()))
		writeDetail(w, http.StatusInternalServerError, "internal error")
	}
}

func writeDetail(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"detail": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
