package cli

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/mnemo/internal/config"
	"github.com/MrWong99/mnemo/internal/resilience"
	"github.com/MrWong99/mnemo/pkg/provider/embeddings"
	"github.com/MrWong99/mnemo/pkg/provider/embeddings/cached"
	embmock "github.com/MrWong99/mnemo/pkg/provider/embeddings/mock"
	"github.com/MrWong99/mnemo/pkg/provider/llm"
	llmmock "github.com/MrWong99/mnemo/pkg/provider/llm/mock"
)

func stubRegistry() *config.Registry {
	reg := config.NewRegistry()
	reg.RegisterLLM("stub", func(e config.ProviderEntry) (llm.Provider, error) {
		return &llmmock.Provider{Model: e.Model}, nil
	})
	reg.RegisterLLM("broken", func(config.ProviderEntry) (llm.Provider, error) {
		return nil, errors.New("no api key")
	})
	reg.RegisterEmbeddings("stub", func(e config.ProviderEntry) (embeddings.Provider, error) {
		return &embmock.Provider{Model: e.Model}, nil
	})
	return reg
}

func TestBuildProviders(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{Providers: config.ProvidersConfig{
		LLM:          config.ProviderEntry{Name: "stub", Model: "big"},
		LLMFallbacks: []config.ProviderEntry{{Name: "stub", Model: "small"}},
		Rating:       config.ProviderEntry{Name: "stub", Model: "tiny"},
		Embeddings:   config.ProviderEntry{Name: "stub", Model: "vec"},
	}}
	ps, checks, err := buildProviders(cfg, stubRegistry(), nil)
	if err != nil {
		t.Fatalf("buildProviders: %v", err)
	}

	fb, ok := ps.LLM.(*resilience.LLMFallback)
	if !ok {
		t.Fatalf("LLM is %T, want *resilience.LLMFallback", ps.LLM)
	}
	if b := fb.Backends(); len(b) != 2 || b[0].Model != "big" || b[1].Model != "small" {
		t.Errorf("backends = %+v", b)
	}
	if ps.Rating == nil || ps.Rating.ModelID() != "tiny" {
		t.Errorf("rating = %v", ps.Rating)
	}
	c, ok := ps.Embeddings.(*cached.Provider)
	if !ok {
		t.Fatalf("embeddings is %T, want *cached.Provider", ps.Embeddings)
	}
	t.Cleanup(c.Close)
	if c.ModelID() != "vec" {
		t.Errorf("embeddings model = %q", c.ModelID())
	}

	names := map[string]bool{}
	for _, ch := range checks {
		names[ch.Name] = ch.Optional
		if err := ch.Check(context.Background()); err != nil {
			t.Errorf("check %s: %v", ch.Name, err)
		}
	}
	if opt, ok := names["llm"]; !ok || opt {
		t.Errorf("llm check missing or optional: %v", names)
	}
	if opt, ok := names["embeddings"]; !ok || !opt {
		t.Errorf("embeddings check missing or required: %v", names)
	}
}

func TestBuildProviders_SingleLLM(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{Providers: config.ProvidersConfig{LLM: config.ProviderEntry{Name: "stub"}}}
	ps, checks, err := buildProviders(cfg, stubRegistry(), nil)
	if err != nil {
		t.Fatalf("buildProviders: %v", err)
	}
	if _, ok := ps.LLM.(*llmmock.Provider); !ok {
		t.Errorf("LLM is %T, want the provider itself", ps.LLM)
	}
	if ps.Embeddings != nil || ps.Rating != nil || len(checks) != 0 {
		t.Errorf("unexpected extras: %+v, %d checks", ps, len(checks))
	}
}

func TestBuildProviders_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		prov config.ProvidersConfig
	}{
		{"no llm", config.ProvidersConfig{}},
		{"unregistered llm", config.ProvidersConfig{LLM: config.ProviderEntry{Name: "nope"}}},
		{"factory error", config.ProvidersConfig{LLM: config.ProviderEntry{Name: "broken"}}},
		{"broken fallback", config.ProvidersConfig{
			LLM:          config.ProviderEntry{Name: "stub"},
			LLMFallbacks: []config.ProviderEntry{{Name: "broken"}},
		}},
		{"unregistered embeddings", config.ProvidersConfig{
			LLM:        config.ProviderEntry{Name: "stub"},
			Embeddings: config.ProviderEntry{Name: "nope"},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := &config.Config{Providers: tt.prov}
			if _, _, err := buildProviders(cfg, stubRegistry(), nil); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestRegisterBuiltinProviders(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	for _, name := range config.ValidProviderNames["llm"] {
		if _, err := reg.CreateLLM(config.ProviderEntry{Name: name}); errors.Is(err, config.ErrProviderNotRegistered) {
			t.Errorf("llm %q is not registered", name)
		}
	}
	for _, name := range config.ValidProviderNames["embeddings"] {
		if _, err := reg.CreateEmbeddings(config.ProviderEntry{Name: name}); errors.Is(err, config.ErrProviderNotRegistered) {
			t.Errorf("embeddings %q is not registered", name)
		}
	}
}

func TestOptHelpers(t *testing.T) {
	t.Parallel()

	opts := map[string]any{"s": "x", "i": 3, "f": 2.0, "d": "1m30s", "bad": []int{1}}
	if optString(opts, "s") != "x" || optString(opts, "i") != "" || optString(nil, "s") != "" {
		t.Error("optString")
	}
	if optInt(opts, "i") != 3 || optInt(opts, "f") != 2 || optInt(opts, "bad") != 0 {
		t.Error("optInt")
	}
	if optDuration(opts, "d").Seconds() != 90 || optDuration(opts, "s") != 0 {
		t.Error("optDuration")
	}
}
