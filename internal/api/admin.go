package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/sopflow/internal/modelconfig"
	"github.com/kalambet/sopflow/internal/orchestrator"
	"github.com/kalambet/sopflow/internal/storage"
)

// ModelAdmin manages stored model configurations.
// Implemented by modelconfig.Resolver.
type ModelAdmin interface {
	Save(ctx context.Context, in modelconfig.NewConfig) (string, error)
	Activate(ctx context.Context, id string) error
	List(ctx context.Context) ([]modelconfig.Summary, error)
}

// requireRole rejects actors without the given role.
func requireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := ActorFromContext(r.Context())
			if !ok || actor.Role != role {
				httpError(w, http.StatusForbidden, "permission_error", "%s role required", role)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func mountAdmin(r chi.Router, models ModelAdmin) {
	r.Route("/admin", func(r chi.Router) {
		r.Use(requireRole(orchestrator.RoleAdmin))
		r.Get("/ai-config", handleListModelConfigs(models))
		r.Post("/ai-config", handleCreateModelConfig(models))
		r.Post("/ai-config/{id}/activate", handleActivateModelConfig(models))
	})
}

type modelConfigRequest struct {
	Name          string  `json:"name"`
	Provider      string  `json:"provider"`
	PrimaryModel  string  `json:"primary_model"`
	FallbackModel string  `json:"fallback_model"`
	SystemPrompt  string  `json:"system_prompt"`
	Temperature   float64 `json:"temperature"`
	MaxTokens     int     `json:"max_tokens"`
	APIKey        string  `json:"api_key"`
	Activate      bool    `json:"activate"`
}

func handleListModelConfigs(models ModelAdmin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := models.List(r.Context())
		if err != nil {
			engineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, list)
	}
}

func handleCreateModelConfig(models ModelAdmin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req := modelConfigRequest{Temperature: modelconfig.DefaultTemperature}
		if !decodeBody(w, r, &req) {
			return
		}
		id, err := models.Save(r.Context(), modelconfig.NewConfig{
			Name:          req.Name,
			Provider:      req.Provider,
			PrimaryModel:  req.PrimaryModel,
			FallbackModel: req.FallbackModel,
			SystemPrompt:  req.SystemPrompt,
			Temperature:   req.Temperature,
			MaxTokens:     req.MaxTokens,
			APIKey:        req.APIKey,
			Activate:      req.Activate,
		})
		if errors.Is(err, modelconfig.ErrInvalidConfig) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if err != nil {
			engineError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"id": id})
	}
}

func handleActivateModelConfig(models ModelAdmin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := models.Activate(r.Context(), id); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				httpError(w, http.StatusNotFound, "not_found_error", "model config %s not found", id)
				return
			}
			engineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "active"})
	}
}
