// Package api exposes the orchestration engine over HTTP and MCP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/sopflow/internal/gateway"
	"github.com/kalambet/sopflow/internal/orchestrator"
	"github.com/kalambet/sopflow/internal/sop"
	"github.com/kalambet/sopflow/internal/storage"
	"github.com/kalambet/sopflow/internal/synth"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Engine is the set of orchestration operations served by the API.
// Implemented by orchestrator.Engine.
type Engine interface {
	StartConversation(ctx context.Context, actor orchestrator.Actor, in orchestrator.StartInput) (orchestrator.Started, error)
	SendTurn(ctx context.Context, actor orchestrator.Actor, processID, message string) (orchestrator.TurnResult, error)
	EnqueueHeavyTurn(ctx context.Context, actor orchestrator.Actor, processID, message string) (string, error)
	GetHistory(ctx context.Context, actor orchestrator.Actor, processID string) ([]storage.Message, error)
	ClearConversation(ctx context.Context, actor orchestrator.Actor, processID string) error
	GenerateSteps(ctx context.Context, actor orchestrator.Actor, processID string) ([]sop.Step, error)
	Analyze(ctx context.Context, actor orchestrator.Actor, processID string) (sop.Analysis, error)
	GenerateSOP(ctx context.Context, actor orchestrator.Actor, processID string) (sop.Document, error)
	GetJobStatus(ctx context.Context, actor orchestrator.Actor, jobID string) (storage.Job, error)
	GetProcess(ctx context.Context, actor orchestrator.Actor, processID string) (storage.Process, error)
	ListProcesses(ctx context.Context, actor orchestrator.Actor, limit int) ([]storage.Process, error)
}

// AppDeps holds the dependencies of the HTTP handler.
type AppDeps struct {
	Engine    Engine
	Models    ModelAdmin
	JWTSecret string
}

// NewAppHandler returns the HTTP API. Everything except /health requires a
// JWT bearer token.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(JWTAuth(deps.JWTSecret))

		r.Get("/processes", handleListProcesses(deps))
		r.Post("/processes", handleStartConversation(deps))
		r.Get("/processes/{id}", handleGetProcess(deps))
		r.Post("/processes/{id}/turns", handleSendTurn(deps))
		r.Post("/processes/{id}/turns/async", handleEnqueueTurn(deps))
		r.Get("/processes/{id}/conversation", handleGetHistory(deps))
		r.Delete("/processes/{id}/conversation", handleClearConversation(deps))
		r.Post("/processes/{id}/steps", handleGenerateSteps(deps))
		r.Post("/processes/{id}/analysis", handleAnalyze(deps))
		r.Post("/processes/{id}/sop", handleGenerateSOP(deps))
		r.Get("/jobs/{id}", handleGetJob(deps))

		if deps.Models != nil {
			mountAdmin(r, deps.Models)
		}
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// ProcessView is the JSON shape of a process.
type ProcessView struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Description     string          `json:"description"`
	DepartmentID    string          `json:"department_id,omitempty"`
	CreatedBy       string          `json:"created_by"`
	Status          string          `json:"status"`
	CurrentVersion  int             `json:"current_version"`
	FormData        json.RawMessage `json:"form_data"`
	Frequency       *float64        `json:"frequency,omitempty"`
	DurationMinutes *float64        `json:"duration_minutes,omitempty"`
	CostPerHour     *float64        `json:"cost_per_hour,omitempty"`
	AutomationScore *float64        `json:"automation_score,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

func processView(p storage.Process) ProcessView {
	form := json.RawMessage(p.FormData)
	if !json.Valid(form) {
		form = json.RawMessage("{}")
	}
	return ProcessView{
		ID:              p.ID,
		Name:            p.Name,
		Description:     p.Description,
		DepartmentID:    p.DepartmentID,
		CreatedBy:       p.CreatedBy,
		Status:          p.Status,
		CurrentVersion:  p.CurrentVersion,
		FormData:        form,
		Frequency:       p.Frequency,
		DurationMinutes: p.DurationMinutes,
		CostPerHour:     p.CostPerHour,
		AutomationScore: p.AutomationScore,
		CreatedAt:       p.CreatedAt,
		UpdatedAt:       p.UpdatedAt,
	}
}

// MessageView is the JSON shape of a conversation message.
type MessageView struct {
	Seq       int       `json:"seq"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

func messageViews(msgs []storage.Message) []MessageView {
	out := make([]MessageView, len(msgs))
	for i, m := range msgs {
		out[i] = MessageView{Seq: m.Seq, Role: m.Role, Content: m.Content, CreatedAt: m.CreatedAt}
	}
	return out
}

// JobView is the JSON shape of a job.
type JobView struct {
	ID           string    `json:"id"`
	ProcessID    string    `json:"process_id"`
	Status       string    `json:"status"`
	Progress     int       `json:"progress"`
	Result       string    `json:"result,omitempty"`
	Model        string    `json:"model,omitempty"`
	UsedFallback bool      `json:"used_fallback"`
	Error        string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func jobView(j storage.Job) JobView {
	return JobView{
		ID:           j.ID,
		ProcessID:    j.ProcessID,
		Status:       j.Status,
		Progress:     j.Progress,
		Result:       j.Result,
		Model:        j.Model,
		UsedFallback: j.UsedFallback,
		Error:        j.LastError,
		CreatedAt:    j.CreatedAt,
		UpdatedAt:    j.UpdatedAt,
	}
}

type turnRequest struct {
	Message string `json:"message"`
}

func handleListProcesses(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, _ := ActorFromContext(r.Context())
		limit := 20
		if s := r.URL.Query().Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n <= 0 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "limit must be a positive integer")
				return
			}
			limit = n
		}
		list, err := deps.Engine.ListProcesses(r.Context(), actor, limit)
		if err != nil {
			engineError(w, err)
			return
		}
		out := make([]ProcessView, len(list))
		for i, p := range list {
			out[i] = processView(p)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleStartConversation(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, _ := ActorFromContext(r.Context())
		var in orchestrator.StartInput
		if !decodeBody(w, r, &in) {
			return
		}
		started, err := deps.Engine.StartConversation(r.Context(), actor, in)
		if err != nil {
			engineError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, started)
	}
}

func handleGetProcess(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, _ := ActorFromContext(r.Context())
		p, err := deps.Engine.GetProcess(r.Context(), actor, chi.URLParam(r, "id"))
		if err != nil {
			engineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, processView(p))
	}
}

func handleSendTurn(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, _ := ActorFromContext(r.Context())
		var req turnRequest
		if !decodeBody(w, r, &req) {
			return
		}
		res, err := deps.Engine.SendTurn(r.Context(), actor, chi.URLParam(r, "id"), req.Message)
		if err != nil {
			engineError(w, err)
			return
		}
		code := http.StatusOK
		if res.JobID != "" {
			code = http.StatusAccepted
		}
		writeJSON(w, code, res)
	}
}

func handleEnqueueTurn(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, _ := ActorFromContext(r.Context())
		var req turnRequest
		if !decodeBody(w, r, &req) {
			return
		}
		jobID, err := deps.Engine.EnqueueHeavyTurn(r.Context(), actor, chi.URLParam(r, "id"), req.Message)
		if err != nil {
			engineError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID, "status": storage.JobQueued})
	}
}

func handleGetHistory(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, _ := ActorFromContext(r.Context())
		msgs, err := deps.Engine.GetHistory(r.Context(), actor, chi.URLParam(r, "id"))
		if err != nil {
			engineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"messages": messageViews(msgs)})
	}
}

func handleClearConversation(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, _ := ActorFromContext(r.Context())
		if err := deps.Engine.ClearConversation(r.Context(), actor, chi.URLParam(r, "id")); err != nil {
			engineError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleGenerateSteps(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, _ := ActorFromContext(r.Context())
		steps, err := deps.Engine.GenerateSteps(r.Context(), actor, chi.URLParam(r, "id"))
		if err != nil {
			engineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"steps": steps})
	}
}

func handleAnalyze(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, _ := ActorFromContext(r.Context())
		a, err := deps.Engine.Analyze(r.Context(), actor, chi.URLParam(r, "id"))
		if err != nil {
			engineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"analysis": a})
	}
}

func handleGenerateSOP(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, _ := ActorFromContext(r.Context())
		doc, err := deps.Engine.GenerateSOP(r.Context(), actor, chi.URLParam(r, "id"))
		if err != nil {
			engineError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, doc)
	}
}

func handleGetJob(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, _ := ActorFromContext(r.Context())
		job, err := deps.Engine.GetJobStatus(r.Context(), actor, chi.URLParam(r, "id"))
		if err != nil {
			engineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, jobView(job))
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

// engineError maps engine errors onto HTTP status codes.
func engineError(w http.ResponseWriter, err error) {
	var malformed *synth.MalformedExtractionError
	switch {
	case errors.Is(err, orchestrator.ErrAccessDenied):
		httpError(w, http.StatusForbidden, "permission_error", "you do not have access to this resource")
	case errors.Is(err, orchestrator.ErrInvalidInput):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found_error", "%v", err)
	case errors.Is(err, gateway.ErrProviderExhausted):
		httpError(w, http.StatusServiceUnavailable, "provider_error", "the model provider is unavailable, try again later")
	case errors.As(err, &malformed):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error": map[string]any{
				"message": malformed.Error(),
				"type":    "malformed_extraction",
				"raw":     malformed.Raw,
			},
		})
	default:
		slog.Error("request failed", "error", err)
		httpError(w, http.StatusInternalServerError, "api_error", "internal error")
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}
