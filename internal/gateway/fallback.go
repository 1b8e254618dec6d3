package gateway

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kalambet/sopflow/internal/modelconfig"
)

// Invoker performs a single model call. Implemented by *Client.
type Invoker interface {
	Invoke(ctx context.Context, messages []Message, p Params) (string, error)
}

// Reply is the outcome of a call that may have used the fallback model.
type Reply struct {
	Text         string
	Model        string
	UsedFallback bool
}

// Fallback tries the primary model once, then the fallback model once.
type Fallback struct {
	inv    Invoker
	logger *slog.Logger
}

// NewFallback wraps inv with the primary/fallback policy.
func NewFallback(inv Invoker) *Fallback {
	return &Fallback{inv: inv, logger: slog.Default()}
}

// Do invokes cfg.PrimaryModel and then cfg.FallbackModel. Exactly one attempt
// is made per model. An empty fallback model means the primary failure is
// final.
func (f *Fallback) Do(ctx context.Context, cfg modelconfig.ModelConfig, messages []Message) (Reply, error) {
	msgs := make([]Message, len(messages))
	copy(msgs, messages)

	params := Params{
		Model:       cfg.PrimaryModel,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
		APIKey:      cfg.APIKey,
	}
	text, err := f.inv.Invoke(ctx, msgs, params)
	if err == nil {
		return Reply{Text: text, Model: cfg.PrimaryModel}, nil
	}
	if ctx.Err() != nil {
		return Reply{}, fmt.Errorf("%w: %v", ErrProviderExhausted, ctx.Err())
	}
	if cfg.FallbackModel == "" {
		return Reply{}, fmt.Errorf("%w: no fallback model configured: %v", ErrProviderExhausted, err)
	}

	f.logger.Warn("primary model failed, trying fallback",
		"primary", cfg.PrimaryModel, "fallback", cfg.FallbackModel, "error", err)

	params.Model = cfg.FallbackModel
	text, ferr := f.inv.Invoke(ctx, msgs, params)
	if ferr != nil {
		return Reply{}, fmt.Errorf("%w: primary: %v; fallback: %v", ErrProviderExhausted, err, ferr)
	}
	return Reply{Text: text, Model: cfg.FallbackModel, UsedFallback: true}, nil
}
