package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"embeddings": {"openai", "ollama"},
}

// LoadEnv loads environment variables from .env files without overriding
// variables that are already set. Missing files are ignored; with no
// arguments ".env" in the working directory is tried.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("config: load env %q: %w", f, err)
		}
		slog.Debug("config: environment loaded", "file", f)
	}
	return nil
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// ${VAR} and $VAR references are expanded from the environment before
// decoding. Useful in tests where configs are constructed from string
// literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	return decode(data)
}

func decode(data []byte) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(os.ExpandEnv(string(data))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	if r := cfg.Server.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("server.trace_sample_ratio must be within [0, 1], got %g", r))
	}

	// Provider name validation: warn for unknown provider names.
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("llm", cfg.Providers.Rating.Name)
	for _, fb := range cfg.Providers.LLMFallbacks {
		validateProviderName("llm", fb.Name)
	}
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)

	if cfg.Providers.LLM.Name == "" && len(cfg.Agents) > 0 {
		slog.Warn("no LLM provider configured; agents will not be able to reflect")
	}
	for i, fb := range cfg.Providers.LLMFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.llm_fallbacks[%d].name is required", i))
		}
	}
	if cfg.Providers.Tokenizer.CharsPerToken < 0 {
		errs = append(errs, fmt.Errorf("providers.tokenizer.chars_per_token must be >= 0, got %d", cfg.Providers.Tokenizer.CharsPerToken))
	}

	// Memory
	if cfg.Memory.Lookback < 0 {
		errs = append(errs, fmt.Errorf("memory.lookback must be >= 0, got %d", cfg.Memory.Lookback))
	}
	if cfg.Memory.Decay < 0 || cfg.Memory.Decay > 1 {
		errs = append(errs, fmt.Errorf("memory.decay %.3f is out of range (0, 1]", cfg.Memory.Decay))
	}
	for name, w := range map[string]*float64{
		"recency":    cfg.Memory.Weights.Recency,
		"importance": cfg.Memory.Weights.Importance,
		"relevance":  cfg.Memory.Weights.Relevance,
	} {
		if w != nil && *w < 0 {
			errs = append(errs, fmt.Errorf("memory.weights.%s must be >= 0, got %g", name, *w))
		}
	}
	if cfg.Providers.Embeddings.Name == "" && len(cfg.Agents) > 0 {
		slog.Warn("providers.embeddings is not configured; relevance scores will be neutral")
	}

	// Reflection
	if err := cfg.Reflection.Settings().Validate(); err != nil {
		errs = append(errs, err)
	}
	if cfg.Reflection.Interval < 0 {
		errs = append(errs, fmt.Errorf("reflection.interval must be >= 0, got %s", cfg.Reflection.Interval))
	}
	if cfg.Reflection.MaxConcurrent < 0 {
		errs = append(errs, fmt.Errorf("reflection.max_concurrent must be >= 0, got %d", cfg.Reflection.MaxConcurrent))
	}
	if cfg.Reflection.RequestRetries < 0 {
		errs = append(errs, fmt.Errorf("reflection.request_retries must be >= 0, got %d", cfg.Reflection.RequestRetries))
	}

	// Journal
	if !cfg.Journal.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("journal.backend %q is invalid; valid values: postgres, sqlite", cfg.Journal.Backend))
	} else if cfg.Journal.Backend != JournalNone && cfg.Journal.DSN == "" {
		errs = append(errs, fmt.Errorf("journal.dsn is required when journal.backend is %q", cfg.Journal.Backend))
	}
	if cfg.Journal.Backend == JournalNone && len(cfg.Agents) > 0 {
		slog.Warn("journal.backend is empty; agent memory will not survive a restart")
	}
	if cfg.Journal.Backend == JournalPostgres && cfg.Providers.Embeddings.Name != "" && cfg.Journal.EmbeddingDimensions <= 0 {
		slog.Warn("journal.embedding_dimensions is not set; embeddings will not be persisted")
	}

	// Agents
	seen := make(map[string]int, len(cfg.Agents))
	for i, a := range cfg.Agents {
		prefix := fmt.Sprintf("agents[%d]", i)
		if a.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
			continue
		}
		if prev, ok := seen[a.ID]; ok {
			errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of agents[%d]", prefix, a.ID, prev))
		}
		seen[a.ID] = i
		for round := range a.Goals {
			if round < 0 {
				errs = append(errs, fmt.Errorf("%s.goals round %d must be >= 0", prefix, round))
			}
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
