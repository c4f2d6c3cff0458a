package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/monoblaine/background-downloader/internal/domain"
	"github.com/monoblaine/background-downloader/internal/queue"
)

// Service is the slice of the orchestrator the HTTP surface depends on.
type Service interface {
	Enqueue(ctx context.Context, req domain.EnqueueRequest) error
	EnqueueAll(ctx context.Context, reqs []domain.EnqueueRequest) []bool
	Pause(ctx context.Context, id string) error
	PauseAll(ctx context.Context, ids []string) []bool
	CancelTasksWithIDs(ctx context.Context, ids []string) []bool
	CancelGroup(ctx context.Context, group string) int
	TaskForID(id string) (domain.Task, bool)
	AllTasks(group string) []domain.Task
	SetNetworkPolicy(ctx context.Context, p domain.NetworkPolicy, rescheduleRunning bool)
	GetNetworkPolicy() domain.NetworkPolicy
	ConfigureHoldingQueue(l queue.Limits) error
	DisableHoldingQueue()
	ChunkStatusUpdate(parentID, chunkID string, status domain.Status, terr *domain.TaskError, body, partPath string)
	ChunkProgressUpdate(parentID, chunkID string, fraction float64)
	PopBufferedStatuses(ctx context.Context) (map[string]domain.StatusUpdate, error)
	PopBufferedProgress(ctx context.Context) (map[string]domain.ProgressUpdate, error)
	PopBufferedResumeTokens(ctx context.Context) (map[string]domain.ResumeToken, error)
}

// REST handles HTTP requests for the transferd API.
type REST struct {
	svc    Service
	ready  func(context.Context) error
	logger *slog.Logger
}

// NewREST creates a new REST handler. ready is consulted by /readyz; nil
// means always ready.
func NewREST(svc Service, ready func(context.Context) error, logger *slog.Logger) *REST {
	return &REST{svc: svc, ready: ready, logger: logger}
}

// Routes builds the /api/v1 route tree.
func (h *REST) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/tasks", h.EnqueueTask)
	r.Post("/tasks/batch", h.EnqueueBatch)
	r.Post("/tasks/cancel", h.CancelTasks)
	r.Post("/tasks/pause", h.PauseTasks)
	r.Post("/tasks/{id}/pause", h.PauseTask)
	r.Get("/tasks", h.ListTasks)
	r.Get("/tasks/{id}", h.GetTask)
	r.Put("/policy", h.SetPolicy)
	r.Get("/policy", h.GetPolicy)
	r.Put("/queue/limits", h.SetQueueLimits)
	r.Delete("/queue/limits", h.DisableQueue)
	r.Post("/chunks/status", h.ChunkStatus)
	r.Post("/chunks/progress", h.ChunkProgress)
	r.Post("/updates/status/pop", h.PopStatusUpdates)
	r.Post("/updates/progress/pop", h.PopProgressUpdates)
	r.Post("/updates/resume/pop", h.PopResumeTokens)
	return r
}

// EnqueueResponse is the 202 response body for POST /api/v1/tasks.
type EnqueueResponse struct {
	TaskID string        `json:"task_id"`
	Status domain.Status `json:"status"`
}

// BatchRequest carries the bodies for batch endpoints.
type BatchRequest struct {
	Requests []domain.EnqueueRequest `json:"requests"`
}

// IDsRequest targets a set of task IDs.
type IDsRequest struct {
	IDs []string `json:"ids"`
}

// CancelRequest targets either a set of task IDs or a whole group.
type CancelRequest struct {
	IDs   []string `json:"ids,omitempty"`
	Group string   `json:"group,omitempty"`
}

// PolicyRequest is the PUT /api/v1/policy body.
type PolicyRequest struct {
	Policy            domain.NetworkPolicy `json:"policy"`
	RescheduleRunning bool                 `json:"reschedule_running"`
}

// ChunkStatusRequest is a remote chunk engine reporting a state change.
type ChunkStatusRequest struct {
	ParentID string            `json:"parent_id"`
	ChunkID  string            `json:"chunk_id"`
	Status   domain.Status     `json:"status"`
	Error    *domain.TaskError `json:"error,omitempty"`
	Body     string            `json:"response_body,omitempty"`
	PartPath string            `json:"part_path,omitempty"`
}

// ChunkProgressRequest is a remote chunk engine reporting progress.
type ChunkProgressRequest struct {
	ParentID string  `json:"parent_id"`
	ChunkID  string  `json:"chunk_id"`
	Fraction float64 `json:"fraction"`
}

// EnqueueTask handles POST /api/v1/tasks.
func (h *REST) EnqueueTask(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("transferd").Start(r.Context(), "transferd.enqueue_task")
	defer span.End()

	var req domain.EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	span.SetAttributes(
		attribute.String("task.id", req.Task.ID),
		attribute.String("task.kind", string(req.Task.Kind)),
	)

	if err := h.svc.Enqueue(ctx, req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "enqueue rejected")
		writeDomainError(w, err)
		return
	}

	h.logger.Info("task enqueued",
		slog.String("task_id", req.Task.ID),
		slog.String("kind", string(req.Task.Kind)),
	)

	writeJSON(w, http.StatusAccepted, EnqueueResponse{
		TaskID: req.Task.ID,
		Status: domain.StatusEnqueued,
	})
}

// EnqueueBatch handles POST /api/v1/tasks/batch. Results align 1:1 with
// the submitted requests; one bad request never fails its neighbors.
func (h *REST) EnqueueBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Requests) == 0 {
		writeError(w, http.StatusBadRequest, "field 'requests' is required")
		return
	}

	results := h.svc.EnqueueAll(r.Context(), req.Requests)
	writeJSON(w, http.StatusAccepted, map[string][]bool{"results": results})
}

// CancelTasks handles POST /api/v1/tasks/cancel. A group cancel returns
// the number of tasks canceled; an ID cancel returns per-ID results.
func (h *REST) CancelTasks(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Group != "" {
		count := h.svc.CancelGroup(r.Context(), req.Group)
		writeJSON(w, http.StatusOK, map[string]int{"canceled": count})
		return
	}
	if len(req.IDs) == 0 {
		writeError(w, http.StatusBadRequest, "either 'ids' or 'group' is required")
		return
	}

	results := h.svc.CancelTasksWithIDs(r.Context(), req.IDs)
	writeJSON(w, http.StatusOK, map[string][]bool{"results": results})
}

// PauseTask handles POST /api/v1/tasks/{id}/pause.
func (h *REST) PauseTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	if taskID == "" {
		writeError(w, http.StatusBadRequest, "task ID is required")
		return
	}

	if err := h.svc.Pause(r.Context(), taskID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// PauseTasks handles POST /api/v1/tasks/pause.
func (h *REST) PauseTasks(w http.ResponseWriter, r *http.Request) {
	var req IDsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.IDs) == 0 {
		writeError(w, http.StatusBadRequest, "field 'ids' is required")
		return
	}

	results := h.svc.PauseAll(r.Context(), req.IDs)
	writeJSON(w, http.StatusOK, map[string][]bool{"results": results})
}

// GetTask handles GET /api/v1/tasks/{id}. Chunk tasks are internal and
// never surface here.
func (h *REST) GetTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	if taskID == "" {
		writeError(w, http.StatusBadRequest, "task ID is required")
		return
	}

	task, ok := h.svc.TaskForID(taskID)
	if !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// ListTasks handles GET /api/v1/tasks?group=. An empty group returns every
// tracked task.
func (h *REST) ListTasks(w http.ResponseWriter, r *http.Request) {
	tasks := h.svc.AllTasks(r.URL.Query().Get("group"))
	if tasks == nil {
		tasks = []domain.Task{}
	}
	writeJSON(w, http.StatusOK, map[string][]domain.Task{"tasks": tasks})
}

// SetPolicy handles PUT /api/v1/policy.
func (h *REST) SetPolicy(w http.ResponseWriter, r *http.Request) {
	var req PolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	h.svc.SetNetworkPolicy(r.Context(), req.Policy, req.RescheduleRunning)
	h.logger.Info("network policy updated",
		slog.Bool("require_unmetered", req.Policy.RequireUnmetered),
		slog.Bool("reschedule_running", req.RescheduleRunning),
	)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// GetPolicy handles GET /api/v1/policy.
func (h *REST) GetPolicy(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.GetNetworkPolicy())
}

// SetQueueLimits handles PUT /api/v1/queue/limits.
func (h *REST) SetQueueLimits(w http.ResponseWriter, r *http.Request) {
	var limits queue.Limits
	if err := json.NewDecoder(r.Body).Decode(&limits); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.svc.ConfigureHoldingQueue(limits); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// DisableQueue handles DELETE /api/v1/queue/limits. Waiting tasks are
// admitted immediately; the queue reverts to pass-through.
func (h *REST) DisableQueue(w http.ResponseWriter, r *http.Request) {
	h.svc.DisableHoldingQueue()
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// ChunkStatus handles POST /api/v1/chunks/status.
func (h *REST) ChunkStatus(w http.ResponseWriter, r *http.Request) {
	var req ChunkStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ParentID == "" || req.ChunkID == "" {
		writeError(w, http.StatusBadRequest, "fields 'parent_id' and 'chunk_id' are required")
		return
	}
	switch req.Status {
	case domain.StatusRunning, domain.StatusComplete, domain.StatusFailed,
		domain.StatusCanceled, domain.StatusNotFound:
	default:
		writeError(w, http.StatusBadRequest, "unknown chunk status")
		return
	}

	h.svc.ChunkStatusUpdate(req.ParentID, req.ChunkID, req.Status, req.Error, req.Body, req.PartPath)
	writeJSON(w, http.StatusAccepted, map[string]bool{"ok": true})
}

// ChunkProgress handles POST /api/v1/chunks/progress.
func (h *REST) ChunkProgress(w http.ResponseWriter, r *http.Request) {
	var req ChunkProgressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ParentID == "" || req.ChunkID == "" {
		writeError(w, http.StatusBadRequest, "fields 'parent_id' and 'chunk_id' are required")
		return
	}

	h.svc.ChunkProgressUpdate(req.ParentID, req.ChunkID, req.Fraction)
	writeJSON(w, http.StatusAccepted, map[string]bool{"ok": true})
}

// PopStatusUpdates handles POST /api/v1/updates/status/pop. The pop clears
// the buffer; a second pop returns an empty map.
func (h *REST) PopStatusUpdates(w http.ResponseWriter, r *http.Request) {
	updates, err := h.svc.PopBufferedStatuses(r.Context())
	if err != nil {
		h.logger.Error("status pop failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to pop status updates")
		return
	}
	writeJSON(w, http.StatusOK, map[string]map[string]domain.StatusUpdate{"updates": updates})
}

// PopProgressUpdates handles POST /api/v1/updates/progress/pop.
func (h *REST) PopProgressUpdates(w http.ResponseWriter, r *http.Request) {
	updates, err := h.svc.PopBufferedProgress(r.Context())
	if err != nil {
		h.logger.Error("progress pop failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to pop progress updates")
		return
	}
	writeJSON(w, http.StatusOK, map[string]map[string]domain.ProgressUpdate{"updates": updates})
}

// PopResumeTokens handles POST /api/v1/updates/resume/pop.
func (h *REST) PopResumeTokens(w http.ResponseWriter, r *http.Request) {
	tokens, err := h.svc.PopBufferedResumeTokens(r.Context())
	if err != nil {
		h.logger.Error("resume token pop failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to pop resume tokens")
		return
	}
	writeJSON(w, http.StatusOK, map[string]map[string]domain.ResumeToken{"tokens": tokens})
}

// Healthz handles GET /healthz.
func (h *REST) Healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// Readyz handles GET /readyz — checks buffer store connectivity.
func (h *REST) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil {
		if err := h.ready(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "buffer store not ready")
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}

// writeDomainError maps typed domain errors onto HTTP status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	var (
		invalid     *domain.InvalidRequestError
		unsupported *domain.ResumeUnsupportedError
		badLimits   *domain.QueueConfigError
		duplicate   *domain.DuplicateTaskError
		notFound    *domain.TaskNotFoundError
	)
	switch {
	case errors.As(err, &invalid), errors.As(err, &unsupported), errors.As(err, &badLimits):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &duplicate):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
