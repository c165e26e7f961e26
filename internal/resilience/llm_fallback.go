package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/mnemo/pkg/provider/llm"
)

// LLMFallback implements [llm.Provider] with automatic failover across multiple
// LLM backends. Each backend has its own circuit breaker; when the primary fails
// or its breaker is open, the next healthy fallback is tried.
//
// A prompt over budget is reported straight away: the caller is expected to
// shrink it, and a fallback with a similar window would reject it too.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred backend.
// cfg.Stop is extended to stop on [llm.ErrBudgetExceeded].
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	stop := cfg.Stop
	cfg.Stop = func(err error) bool {
		return errors.Is(err, llm.ErrBudgetExceeded) || (stop != nil && stop(err))
	}
	if cfg.Kind == "" {
		cfg.Kind = "llm"
	}
	return &LLMFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional LLM provider as a fallback.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// Complete sends the request to the first healthy provider and returns its
// response. If the primary fails, subsequent fallbacks are tried. When every
// backend fails the error also wraps [llm.ErrRequest].
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	resp, err := ExecuteWithResult(ctx, f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
	if errors.Is(err, ErrAllFailed) && !errors.Is(err, llm.ErrRequest) {
		err = errors.Join(llm.ErrRequest, err)
	}
	return resp, err
}

// Capabilities returns the limits every backend in the group can honour: the
// smallest context window and output cap. JSON mode is reported only when all
// backends enforce it.
func (f *LLMFallback) Capabilities() llm.ModelCapabilities {
	var out llm.ModelCapabilities
	first := true
	f.group.Each(func(_ string, p llm.Provider, _ State) {
		c := p.Capabilities()
		if first {
			out, first = c, false
			return
		}
		out.ContextWindow = minPositive(out.ContextWindow, c.ContextWindow)
		out.MaxOutputTokens = minPositive(out.MaxOutputTokens, c.MaxOutputTokens)
		out.SupportsJSONMode = out.SupportsJSONMode && c.SupportsJSONMode
	})
	return out
}

// ModelID returns the primary's model identifier.
func (f *LLMFallback) ModelID() string {
	return f.group.Primary().ModelID()
}

// Backends reports each backend's model and breaker state, primary first.
func (f *LLMFallback) Backends() []BackendState {
	out := make([]BackendState, 0, f.group.Len())
	f.group.Each(func(name string, p llm.Provider, s State) {
		out = append(out, BackendState{Name: name, Model: p.ModelID(), State: s})
	})
	return out
}

// BackendState describes one entry of a fallback chain.
type BackendState struct {
	Name  string
	Model string
	State State
}

// minPositive treats zero as "unknown".
func minPositive(a, b int) int {
	switch {
	case a <= 0:
		return b
	case b <= 0:
		return a
	default:
		return min(a, b)
	}
}
