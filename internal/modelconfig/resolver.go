// Package modelconfig resolves the active language-model provider settings.
package modelconfig

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/sopflow/internal/secret"
	"github.com/kalambet/sopflow/internal/storage"
)

// Store defines the storage operations the Resolver needs.
// Implemented by storage.Store.
type Store interface {
	ActiveModelConfig() (storage.ModelConfig, error)
	SaveModelConfig(c storage.ModelConfig) error
	ActivateModelConfig(id string) error
	ListModelConfigs() ([]storage.ModelConfig, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Resolver returns the active ModelConfig, falling back to static defaults.
// Results are cached for a short TTL; writes through the Resolver invalidate
// the cache immediately.
type Resolver struct {
	store    Store
	box      *secret.Box
	defaults ModelConfig
	clock    Clock
	ttl      time.Duration
	logger   *slog.Logger

	mu       sync.RWMutex
	cached   *ModelConfig
	cachedAt time.Time
}

// NewResolver creates a Resolver with a 30-second cache TTL. box may be nil,
// in which case sealed keys are ignored and the default key is used.
func NewResolver(store Store, box *secret.Box, defaults ModelConfig) *Resolver {
	return NewResolverWithClock(store, box, defaults, realClock{}, 30*time.Second)
}

// NewResolverWithClock creates a Resolver with a custom clock (for testing).
func NewResolverWithClock(store Store, box *secret.Box, defaults ModelConfig, clock Clock, ttl time.Duration) *Resolver {
	return &Resolver{
		store:    store,
		box:      box,
		defaults: defaults,
		clock:    clock,
		ttl:      ttl,
		logger:   slog.Default(),
	}
}

// Active returns the currently active configuration, or the static defaults
// when none is stored.
func (r *Resolver) Active(_ context.Context) (ModelConfig, error) {
	r.mu.RLock()
	if r.cached != nil && r.clock.Now().Sub(r.cachedAt) < r.ttl {
		c := *r.cached
		r.mu.RUnlock()
		return c, nil
	}
	r.mu.RUnlock()

	row, err := r.store.ActiveModelConfig()
	var cfg ModelConfig
	switch {
	case errors.Is(err, storage.ErrNotFound):
		cfg = r.defaults
	case err != nil:
		return ModelConfig{}, fmt.Errorf("loading active model config: %w", err)
	default:
		cfg = r.fromRow(row).Normalize(r.defaults)
	}

	r.mu.Lock()
	r.cached = &cfg
	r.cachedAt = r.clock.Now()
	r.mu.Unlock()

	r.logger.Debug("model config resolved", "config", cfg)
	return cfg, nil
}

func (r *Resolver) fromRow(row storage.ModelConfig) ModelConfig {
	cfg := ModelConfig{
		ID:            row.ID,
		Name:          row.Name,
		Provider:      row.Provider,
		PrimaryModel:  row.PrimaryModel,
		FallbackModel: row.FallbackModel,
		SystemPrompt:  row.SystemPrompt,
		Temperature:   row.Temperature,
		MaxTokens:     row.MaxTokens,
	}
	if row.APIKeySealed == "" {
		return cfg
	}
	if r.box == nil {
		r.logger.Warn("model config has a sealed API key but no encryption key is configured", "config_id", row.ID)
		return cfg
	}
	key, err := r.box.Open(row.APIKeySealed)
	if err != nil {
		r.logger.Warn("could not open sealed API key, using default key", "config_id", row.ID, "error", err)
		return cfg
	}
	cfg.APIKey = key
	return cfg
}

// ErrInvalidConfig is returned by Save for configurations that fail validation.
var ErrInvalidConfig = errors.New("invalid model config")

// NewConfig is the admin-side input for Save.
type NewConfig struct {
	Name          string
	Provider      string
	PrimaryModel  string
	FallbackModel string
	SystemPrompt  string
	Temperature   float64
	MaxTokens     int
	APIKey        string
	Activate      bool
}

// Summary describes a stored configuration without its key.
type Summary struct {
	ModelConfig
	IsActive  bool      `json:"is_active"`
	HasAPIKey bool      `json:"has_api_key"`
	CreatedAt time.Time `json:"created_at"`
}

// Save validates and stores a configuration, sealing its API key.
func (r *Resolver) Save(_ context.Context, in NewConfig) (string, error) {
	if in.Name == "" || in.PrimaryModel == "" {
		return "", fmt.Errorf("%w: name and primary model are required", ErrInvalidConfig)
	}
	if in.Temperature < MinTemperature || in.Temperature > MaxTemperature {
		return "", fmt.Errorf("%w: temperature %.2f out of range [%.0f, %.0f]", ErrInvalidConfig, in.Temperature, MinTemperature, MaxTemperature)
	}
	if in.MaxTokens == 0 {
		in.MaxTokens = DefaultMaxTokens
	}
	if in.MaxTokens < MinMaxTokens || in.MaxTokens > MaxMaxTokens {
		return "", fmt.Errorf("%w: max tokens %d out of range [%d, %d]", ErrInvalidConfig, in.MaxTokens, MinMaxTokens, MaxMaxTokens)
	}
	if in.Provider == "" {
		in.Provider = DefaultProvider
	}

	var sealed string
	if in.APIKey != "" {
		if r.box == nil {
			return "", fmt.Errorf("%w: an encryption key is required to store API keys", ErrInvalidConfig)
		}
		var err error
		if sealed, err = r.box.Seal(in.APIKey); err != nil {
			return "", fmt.Errorf("sealing API key: %w", err)
		}
	}

	id := uuid.New().String()
	if err := r.store.SaveModelConfig(storage.ModelConfig{
		ID:            id,
		Name:          in.Name,
		Provider:      in.Provider,
		PrimaryModel:  in.PrimaryModel,
		FallbackModel: in.FallbackModel,
		SystemPrompt:  in.SystemPrompt,
		Temperature:   in.Temperature,
		MaxTokens:     in.MaxTokens,
		APIKeySealed:  sealed,
		IsActive:      in.Activate,
	}); err != nil {
		return "", fmt.Errorf("saving model config: %w", err)
	}
	r.invalidate()
	return id, nil
}

// Activate makes id the active configuration.
func (r *Resolver) Activate(_ context.Context, id string) error {
	if err := r.store.ActivateModelConfig(id); err != nil {
		return err
	}
	r.invalidate()
	return nil
}

// List returns all stored configurations. API keys are never included.
func (r *Resolver) List(_ context.Context) ([]Summary, error) {
	rows, err := r.store.ListModelConfigs()
	if err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(rows))
	for _, row := range rows {
		out = append(out, Summary{
			ModelConfig: ModelConfig{
				ID:            row.ID,
				Name:          row.Name,
				Provider:      row.Provider,
				PrimaryModel:  row.PrimaryModel,
				FallbackModel: row.FallbackModel,
				SystemPrompt:  row.SystemPrompt,
				Temperature:   row.Temperature,
				MaxTokens:     row.MaxTokens,
			},
			IsActive:  row.IsActive,
			HasAPIKey: row.APIKeySealed != "",
			CreatedAt: row.CreatedAt,
		})
	}
	return out, nil
}

func (r *Resolver) invalidate() {
	r.mu.Lock()
	r.cached = nil
	r.mu.Unlock()
}
