// Package provider implements the model capability behind the engine: one
// outbound text-generation call per Invoke, with cancellation via context.
// Endpoint selection, authentication, and wire protocol live entirely here;
// the engine treats clients as opaque.
package provider

import (
	"context"
	"errors"
	"fmt"

	"kindred/internal/config"
)

// Client is the model capability consumed by the engine's executor.
type Client interface {
	// Invoke issues exactly one outbound call and returns the raw text.
	Invoke(ctx context.Context, system, user string) (string, error)
}

// ErrRateLimited marks a provider refusal due to throttling. The executor
// surfaces it as a distinct error kind only so the queue can apply the
// configured rate-limit backoff profile.
var ErrRateLimited = errors.New("provider rate limited")

// IsRateLimited reports whether err stems from provider throttling.
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

// New builds a client from provider configuration.
func New(cfg *config.Config) (Client, error) {
	switch cfg.Provider.Name {
	case "openai", "":
		return NewOpenAIClient(OpenAIConfig{
			APIKey:        cfg.Provider.APIKey,
			BaseURL:       cfg.Provider.BaseURL,
			Model:         cfg.Provider.Model,
			Timeout:       cfg.ProviderTimeout(),
			MinRequestGap: cfg.MinRequestGap(),
		}), nil
	case "gemini":
		return NewGeminiClient(GeminiConfig{
			APIKey: cfg.Provider.APIKey,
			Model:  cfg.Provider.Model,
		})
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider.Name)
	}
}
