package gateway

import (
	"context"
	"fmt"
	"io"
	"slices"
)

// ModelLister lists the models a provider key can use. Implemented by Client.
type ModelLister interface {
	ListModels(ctx context.Context, apiKey string) ([]Model, error)
}

// MissingModels reports which of the wanted model ids the provider does not
// offer. Empty ids are ignored. The error is non-nil when the provider is
// unreachable or rejects the key.
func MissingModels(ctx context.Context, l ModelLister, apiKey string, wanted ...string) ([]string, error) {
	models, err := l.ListModels(ctx, apiKey)
	if err != nil {
		return nil, err
	}
	var missing []string
	for _, id := range wanted {
		if id == "" {
			continue
		}
		if !slices.ContainsFunc(models, func(m Model) bool { return m.ID == id }) {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

// CheckReady verifies the provider is reachable and offers the primary and
// fallback models, writing one line per model to w. Only an unreachable
// provider is an error; a missing model is reported but tolerated.
func CheckReady(ctx context.Context, l ModelLister, apiKey, primary, fallback string, w io.Writer) error {
	missing, err := MissingModels(ctx, l, apiKey, primary, fallback)
	if err != nil {
		return fmt.Errorf("provider not ready: %w", err)
	}
	for _, id := range []string{primary, fallback} {
		if id == "" {
			continue
		}
		if slices.Contains(missing, id) {
			fmt.Fprintf(w, "model %s: not offered by provider\n", id)
		} else {
			fmt.Fprintf(w, "model %s: ready\n", id)
		}
	}
	return nil
}
