package provider

import (
	"context"
	"fmt"

	"github.com/antinomyhq/forge-sub003/internal/config"
)

// KnownModels lists the models the control surface offers per provider.
// Custom model names are always accepted; this is advisory.
var KnownModels = map[string][]string{
	"openai": {"gpt-4.1", "gpt-4.1-mini", "gpt-4o", "o4-mini"},
	"gemini": {"gemini-2.5-pro", "gemini-2.5-flash", "gemini-2.0-flash"},
}

// New builds the configured client with the replay transport already wired
// underneath it.
func New(ctx context.Context, cfg config.Config) (Client, error) {
	transport := NewTransport(cfg.Replay.Mode, cfg.CacheDir(), cfg.Replay.UpdateCache, nil)

	apiKey := cfg.APIKey
	if apiKey == "" && cfg.Offline() {
		// Replay never touches the network; the key only feeds the auth
		// header, which is not part of the cache key.
		apiKey = "replay"
	}

	switch cfg.Provider {
	case "openai", "":
		return NewOpenAIClient(OpenAIConfig{
			APIKey:    apiKey,
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			Transport: transport,
		}), nil
	case "gemini":
		return NewGeminiClient(ctx, GeminiConfig{
			APIKey:    apiKey,
			Model:     cfg.Model,
			Transport: transport,
		})
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}
