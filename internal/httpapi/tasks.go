package httpapi

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/agentdeck/agentdeck/internal/history"
	"github.com/agentdeck/agentdeck/internal/recurring"
	"github.com/agentdeck/agentdeck/internal/settings"
	"github.com/agentdeck/agentdeck/internal/stream"
	"github.com/agentdeck/agentdeck/internal/tasks"
)

type createTaskRequest struct {
	TaskID            string `json:"task_id"`
	Prompt            string `json:"prompt"`
	SessionID         string `json:"session_id"`
	Model             string `json:"model"`
	Source            string `json:"source"`
	RequireCompletion *bool  `json:"require_completion"`
}

type createTaskResponse struct {
	Task          tasks.Task `json:"task"`
	QueuePosition int        `json:"queue_position,omitempty"`
}

type respondRequest struct {
	Response     string `json:"response"`
	PermissionID string `json:"permission_id"`
}

type queuedTaskView struct {
	tasks.Task
	Position int `json:"position"`
}

type settingsPayload struct {
	DefaultModel       string   `json:"default_model"`
	RequireCompletion  bool     `json:"require_completion"`
	MaxContinuations   int      `json:"max_continuations"`
	AutoRejectPatterns []string `json:"auto_reject_patterns"`
	RedactPII          bool     `json:"redact_pii"`
}

type historyTaskView struct {
	TaskID     string               `json:"task_id"`
	SessionID  string               `json:"session_id,omitempty"`
	Prompt     string               `json:"prompt"`
	Model      string               `json:"model,omitempty"`
	Source     string               `json:"source,omitempty"`
	Status     string               `json:"status"`
	Summary    string               `json:"summary,omitempty"`
	CreatedAt  time.Time            `json:"created_at"`
	FinishedAt *time.Time           `json:"finished_at,omitempty"`
	Messages   []historyMessageView `json:"messages,omitempty"`
}

type historyMessageView struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.TaskID = strings.TrimSpace(req.TaskID)
	req.Prompt = strings.TrimSpace(req.Prompt)
	req.SessionID = strings.TrimSpace(req.SessionID)
	req.Model = strings.TrimSpace(req.Model)
	req.Source = strings.TrimSpace(req.Source)

	if req.Prompt == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "prompt is required")
		return
	}
	if req.TaskID == "" {
		req.TaskID = uuid.NewString()
	}
	if req.Source == "" {
		req.Source = "api"
	}

	current := s.currentSettings()
	if req.Model == "" {
		req.Model = current.DefaultModel
	}
	requireCompletion := current.RequireCompletion
	if req.RequireCompletion != nil {
		requireCompletion = *req.RequireCompletion
	}

	cb := stream.Callbacks(s.hub, req.TaskID, stream.CallbackOptions{
		Gate:      s.gate,
		Responder: s.manager,
		RedactPII: current.RedactPII,
	})
	task, err := s.manager.StartTask(r.Context(), req.TaskID, tasks.Config{
		Prompt:            req.Prompt,
		SessionID:         req.SessionID,
		Model:             req.Model,
		Source:            req.Source,
		RequireCompletion: requireCompletion,
	}, cb)
	if err != nil {
		switch {
		case errors.Is(err, tasks.ErrDuplicateTask):
			respondError(w, http.StatusConflict, "duplicate_task", err.Error())
		case errors.Is(err, tasks.ErrQueueFull):
			respondError(w, http.StatusTooManyRequests, "queue_full", err.Error())
		default:
			respondError(w, http.StatusBadRequest, "task_create_failed", err.Error())
		}
		return
	}

	respondJSON(w, http.StatusCreated, createTaskResponse{
		Task:          task,
		QueuePosition: s.manager.QueuePosition(task.ID),
	})
}

func (s *Server) handleListTasks(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"tasks": s.manager.ListTasks(),
	})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimSpace(chi.URLParam(r, "taskID"))
	if taskID == "" {
		respondError(w, http.StatusBadRequest, "invalid_task_id", "missing task id")
		return
	}

	task, ok := s.manager.GetTask(taskID)
	if !ok {
		respondError(w, http.StatusNotFound, "task_not_found", "no active task with id "+taskID)
		return
	}
	respondJSON(w, http.StatusOK, task)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimSpace(chi.URLParam(r, "taskID"))
	if taskID == "" {
		respondError(w, http.StatusBadRequest, "invalid_task_id", "missing task id")
		return
	}

	if err := s.manager.CancelTask(r.Context(), taskID); err != nil {
		if errors.Is(err, tasks.ErrTaskNotFound) {
			respondError(w, http.StatusNotFound, "task_not_found", err.Error())
			return
		}
		respondError(w, http.StatusBadRequest, "task_cancel_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"task_id": taskID,
		"status":  "cancelled",
	})
}

func (s *Server) handleInterruptTask(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimSpace(chi.URLParam(r, "taskID"))
	if taskID == "" {
		respondError(w, http.StatusBadRequest, "invalid_task_id", "missing task id")
		return
	}

	if err := s.manager.InterruptTask(r.Context(), taskID); err != nil {
		if errors.Is(err, tasks.ErrTaskNotFound) {
			respondError(w, http.StatusNotFound, "task_not_found", err.Error())
			return
		}
		respondError(w, http.StatusConflict, "task_not_interruptible", err.Error())
		return
	}
	// The task stays active until the host confirms the abort with an
	// interrupted error event on the stream.
	respondJSON(w, http.StatusAccepted, map[string]any{
		"task_id": taskID,
		"status":  "interrupting",
	})
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimSpace(chi.URLParam(r, "taskID"))
	if taskID == "" {
		respondError(w, http.StatusBadRequest, "invalid_task_id", "missing task id")
		return
	}

	var req respondRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.Response = strings.TrimSpace(req.Response)
	req.PermissionID = strings.TrimSpace(req.PermissionID)
	if req.Response == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "response is required")
		return
	}

	if err := s.manager.SendResponse(r.Context(), taskID, req.Response, req.PermissionID); err != nil {
		if errors.Is(err, tasks.ErrTaskNotFound) {
			respondError(w, http.StatusNotFound, "task_not_found", err.Error())
			return
		}
		respondError(w, http.StatusBadGateway, "respond_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"task_id": taskID,
		"status":  "resolved",
	})
}

func (s *Server) handleQueue(w http.ResponseWriter, _ *http.Request) {
	queued := make([]queuedTaskView, 0)
	for _, task := range s.manager.ListTasks() {
		if task.Status != tasks.TaskStatusQueued {
			continue
		}
		queued = append(queued, queuedTaskView{
			Task:     task,
			Position: s.manager.QueuePosition(task.ID),
		})
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"length": s.manager.QueueLength(),
		"tasks":  queued,
	})
}

func (s *Server) handleCancelQueued(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimSpace(chi.URLParam(r, "taskID"))
	if taskID == "" {
		respondError(w, http.StatusBadRequest, "invalid_task_id", "missing task id")
		return
	}

	if !s.manager.CancelQueuedTask(taskID) {
		respondError(w, http.StatusNotFound, "task_not_found", "no queued task with id "+taskID)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"task_id": taskID,
		"status":  "cancelled",
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"active_tasks":         s.manager.ActiveTaskCount(),
		"active_task_ids":      s.manager.ActiveTaskIDs(),
		"queue_length":         s.manager.QueueLength(),
		"has_running_task":     s.manager.HasRunningTask(),
		"max_concurrent_tasks": s.cfg.MaxConcurrentTasks,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		respondJSON(w, http.StatusOK, map[string]any{"tasks": []historyTaskView{}})
		return
	}

	if taskID := strings.TrimSpace(r.URL.Query().Get("task_id")); taskID != "" {
		rec, err := s.history.GetTask(r.Context(), taskID)
		if err != nil {
			if errors.Is(err, history.ErrNotFound) {
				respondError(w, http.StatusNotFound, "task_not_found", err.Error())
				return
			}
			respondError(w, http.StatusInternalServerError, "history_unavailable", err.Error())
			return
		}
		respondJSON(w, http.StatusOK, historyView(rec, true))
		return
	}

	limit := 20
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		if n > 200 {
			n = 200
		}
		limit = n
	}

	records, err := s.history.ListRecent(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "history_unavailable", err.Error())
		return
	}
	views := make([]historyTaskView, 0, len(records))
	for _, rec := range records {
		views = append(views, historyView(rec, false))
	}
	respondJSON(w, http.StatusOK, map[string]any{"tasks": views})
}

func historyView(rec history.Record, withMessages bool) historyTaskView {
	view := historyTaskView{
		TaskID:     rec.TaskID,
		SessionID:  rec.SessionID,
		Prompt:     rec.Prompt,
		Model:      rec.Model,
		Source:     rec.Source,
		Status:     rec.Status,
		Summary:    rec.Summary,
		CreatedAt:  rec.CreatedAt,
		FinishedAt: rec.FinishedAt,
	}
	if !withMessages {
		return view
	}
	view.Messages = make([]historyMessageView, 0, len(rec.Messages))
	for _, msg := range rec.Messages {
		view.Messages = append(view.Messages, historyMessageView{Role: msg.Role, Content: msg.Content, At: msg.At})
	}
	return view
}

func (s *Server) handleGetSettings(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, settingsPayloadFrom(s.currentSettings()))
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	if s.settings == nil {
		respondError(w, http.StatusNotImplemented, "settings_unavailable", "settings store not configured")
		return
	}

	var req settingsPayload
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	updated, err := s.settings.Update(settings.Settings{
		DefaultModel:       req.DefaultModel,
		RequireCompletion:  req.RequireCompletion,
		MaxContinuations:   req.MaxContinuations,
		AutoRejectPatterns: req.AutoRejectPatterns,
		RedactPII:          req.RedactPII,
	})
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_settings", err.Error())
		return
	}
	if s.gate != nil {
		// Patterns were validated by the store; a compile failure here
		// would mean the two drifted apart.
		if err := s.gate.SetPatterns(updated.AutoRejectPatterns); err != nil {
			log.Printf("httpapi: applying auto-reject patterns: %v", err)
		}
	}
	respondJSON(w, http.StatusOK, settingsPayloadFrom(updated))
}

func (s *Server) currentSettings() settings.Settings {
	if s.settings == nil {
		return settings.Defaults()
	}
	return s.settings.Get()
}

func settingsPayloadFrom(cfg settings.Settings) settingsPayload {
	return settingsPayload{
		DefaultModel:       cfg.DefaultModel,
		RequireCompletion:  cfg.RequireCompletion,
		MaxContinuations:   cfg.MaxContinuations,
		AutoRejectPatterns: cfg.AutoRejectPatterns,
		RedactPII:          cfg.RedactPII,
	}
}

func (s *Server) handleListSchedules(w http.ResponseWriter, _ *http.Request) {
	if s.recurring == nil {
		respondJSON(w, http.StatusOK, map[string]any{"jobs": []recurring.Job{}})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"jobs": s.recurring.List()})
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	if s.recurring == nil {
		respondError(w, http.StatusNotImplemented, "scheduler_unavailable", "recurring scheduler not configured")
		return
	}

	var req recurring.Job
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	job, err := s.recurring.Add(req)
	if err != nil {
		if errors.Is(err, recurring.ErrDuplicateJob) {
			respondError(w, http.StatusConflict, "duplicate_schedule", err.Error())
			return
		}
		respondError(w, http.StatusBadRequest, "invalid_schedule", err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, job)
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimSpace(chi.URLParam(r, "jobID"))
	if jobID == "" {
		respondError(w, http.StatusBadRequest, "invalid_schedule_id", "missing schedule id")
		return
	}
	if s.recurring == nil || !s.recurring.Remove(jobID) {
		respondError(w, http.StatusNotFound, "schedule_not_found", "no schedule with id "+jobID)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"id":     jobID,
		"status": "removed",
	})
}

func (s *Server) handleStageSnapshot(w http.ResponseWriter, _ *http.Request) {
	if s.stages == nil {
		respondError(w, http.StatusNotImplemented, "perf_unavailable", "stage window not configured")
		return
	}
	respondJSON(w, http.StatusOK, s.stages.Snapshot())
}
