package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/mnemo/internal/app"
	"github.com/MrWong99/mnemo/internal/config"
	"github.com/MrWong99/mnemo/internal/health"
	"github.com/MrWong99/mnemo/internal/observe"
	"github.com/MrWong99/mnemo/internal/resilience"
	"github.com/MrWong99/mnemo/pkg/provider/embeddings"
	"github.com/MrWong99/mnemo/pkg/provider/embeddings/cached"
	ollamaembed "github.com/MrWong99/mnemo/pkg/provider/embeddings/ollama"
	oaembed "github.com/MrWong99/mnemo/pkg/provider/embeddings/openai"
	"github.com/MrWong99/mnemo/pkg/provider/llm"
	"github.com/MrWong99/mnemo/pkg/provider/llm/anyllm"
	oallm "github.com/MrWong99/mnemo/pkg/provider/llm/openai"
)

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	// openai talks to the API directly so that JSON mode and token limits map
	// one to one; the rest go through any-llm.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oallm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oallm.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, oallm.WithOrganization(org))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, oallm.WithTimeout(d))
		}
		if n := optInt(entry.Options, "context_window"); n > 0 {
			opts = append(opts, oallm.WithContextWindow(n))
		}
		return oallm.New(entry.APIKey, entry.Model, opts...)
	})

	// anthropic, gemini, deepseek, mistral, groq, llamacpp, llamafile all
	// share the same pattern: optional APIKey + optional BaseURL.
	for _, providerName := range []string{
		"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	// ── Embeddings ────────────────────────────────────────────────────────────

	reg.RegisterEmbeddings("openai", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		if n := optInt(entry.Options, "dimensions"); n > 0 {
			opts = append(opts, oaembed.WithDimensions(n))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, oaembed.WithTimeout(d))
		}
		return oaembed.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterEmbeddings("ollama", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []ollamaembed.Option
		if n := optInt(entry.Options, "dimensions"); n > 0 {
			opts = append(opts, ollamaembed.WithDimensions(n))
		}
		if n := optInt(entry.Options, "batch_size"); n > 0 {
			opts = append(opts, ollamaembed.WithBatchSize(n))
		}
		if d := optDuration(entry.Options, "keep_alive"); d > 0 {
			opts = append(opts, ollamaembed.WithKeepAlive(d))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, ollamaembed.WithTimeout(d))
		}
		return ollamaembed.New(entry.BaseURL, entry.Model, opts...)
	})

	for _, kind := range []string{"llm", "embeddings"} {
		for _, name := range reg.Names(kind) {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// buildProviders instantiates all providers named in cfg using the registry
// and returns them in an [app.Providers] struct for the application to consume,
// together with readiness checks on their circuit breakers.
//
// The reflection LLM is wrapped in a [resilience.LLMFallback] when fallbacks
// are configured. Embeddings are cached and guarded by a circuit breaker.
func buildProviders(cfg *config.Config, reg *config.Registry, m *observe.Metrics) (*app.Providers, []health.Checker, error) {
	ps := &app.Providers{}
	var checks []health.Checker

	if name := cfg.Providers.LLM.Name; name != "" {
		p, err := reg.CreateLLM(cfg.Providers.LLM)
		if err != nil {
			return nil, nil, fmt.Errorf("create llm provider %q: %w", name, err)
		}
		slog.Info("provider created", "kind", "llm", "name", name, "model", p.ModelID())

		if len(cfg.Providers.LLMFallbacks) > 0 {
			fb := resilience.NewLLMFallback(p, name, resilience.FallbackConfig{
				Metrics: m,
			})
			for i, entry := range cfg.Providers.LLMFallbacks {
				alt, err := reg.CreateLLM(entry)
				if err != nil {
					return nil, nil, fmt.Errorf("create llm fallback %d (%q): %w", i, entry.Name, err)
				}
				fb.AddFallback(fmt.Sprintf("%s#%d", entry.Name, i+1), alt)
				slog.Info("provider created", "kind", "llm-fallback", "name", entry.Name, "model", alt.ModelID())
			}
			p = fb
			checks = append(checks, health.Checker{Name: "llm", Check: func(context.Context) error {
				for _, b := range fb.Backends() {
					if b.State != resilience.StateOpen {
						return nil
					}
				}
				return errors.New("every llm backend has an open circuit breaker")
			}})
		}
		ps.LLM = p
	}

	if name := cfg.Providers.Rating.Name; name != "" {
		p, err := reg.CreateLLM(cfg.Providers.Rating)
		if err != nil {
			return nil, nil, fmt.Errorf("create rating provider %q: %w", name, err)
		}
		ps.Rating = p
		slog.Info("provider created", "kind", "rating", "name", name, "model", p.ModelID())
	}

	if name := cfg.Providers.Embeddings.Name; name != "" {
		p, err := reg.CreateEmbeddings(cfg.Providers.Embeddings)
		if err != nil {
			return nil, nil, fmt.Errorf("create embeddings provider %q: %w", name, err)
		}
		guarded := resilience.NewGuardedEmbeddings(p, resilience.CircuitBreakerConfig{Name: "embeddings/" + name})
		opts := []cached.Option{}
		if n := cfg.Memory.EmbeddingCacheBytes; n > 0 {
			opts = append(opts, cached.WithMaxBytes(n))
		}
		if m != nil {
			opts = append(opts, cached.WithObserver(func(hit bool) {
				m.RecordCacheLookup(context.Background(), hit)
			}))
		}
		c, err := cached.New(guarded, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("create embeddings cache: %w", err)
		}
		ps.Embeddings = c
		checks = append(checks, health.Checker{Name: "embeddings", Optional: true, Check: func(context.Context) error {
			if st := guarded.State(); st == resilience.StateOpen {
				return resilience.ErrCircuitOpen
			}
			return nil
		}})
		slog.Info("provider created", "kind", "embeddings", "name", name, "model", p.ModelID(), "dimensions", p.Dimensions())
	}

	if ps.LLM == nil {
		return nil, nil, errors.New("providers.llm is required")
	}
	return ps, checks, nil
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optInt extracts an integer option. YAML decodes whole numbers as int.
func optInt(opts map[string]any, key string) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}

// optDuration extracts a duration written as a Go duration string ("30s").
func optDuration(opts map[string]any, key string) time.Duration {
	d, err := time.ParseDuration(optString(opts, key))
	if err != nil {
		return 0
	}
	return d
}
