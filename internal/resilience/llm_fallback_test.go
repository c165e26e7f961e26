package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/mnemo/internal/observe"
	"github.com/MrWong99/mnemo/pkg/provider/llm"
	llmmock "github.com/MrWong99/mnemo/pkg/provider/llm/mock"
)

func newLLMFallback(primary, secondary *llmmock.Provider) *LLMFallback {
	fb := NewLLMFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3, ResetTimeout: time.Hour},
		Metrics:        observe.DefaultMetrics(),
	})
	if secondary != nil {
		fb.AddFallback("secondary", secondary)
	}
	return fb
}

func TestLLMFallback_Complete_PrimarySuccess(t *testing.T) {
	primary := &llmmock.Provider{Script: []llmmock.Step{{Content: "hello from primary"}}}
	secondary := &llmmock.Provider{Script: []llmmock.Step{{Content: "hello from secondary"}}}
	fb := newLLMFallback(primary, secondary)

	resp, err := fb.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "hello from primary" {
		t.Fatalf("content = %q, want 'hello from primary'", resp.Content)
	}
	if primary.CallCount() != 1 || secondary.CallCount() != 0 {
		t.Fatalf("calls = %d/%d, want 1/0", primary.CallCount(), secondary.CallCount())
	}
}

func TestLLMFallback_Complete_Failover(t *testing.T) {
	primary := &llmmock.Provider{Script: []llmmock.Step{{Err: errors.New("primary down")}}}
	secondary := &llmmock.Provider{Script: []llmmock.Step{{Content: "hello from secondary"}}}
	fb := newLLMFallback(primary, secondary)

	resp, err := fb.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "hello from secondary" {
		t.Fatalf("content = %q, want 'hello from secondary'", resp.Content)
	}
}

func TestLLMFallback_Complete_AllFail(t *testing.T) {
	primary := &llmmock.Provider{Script: []llmmock.Step{{Err: errors.New("primary down")}}}
	secondary := &llmmock.Provider{Script: []llmmock.Step{{Err: errors.New("secondary down")}}}
	fb := newLLMFallback(primary, secondary)

	_, err := fb.Complete(context.Background(), llm.CompletionRequest{})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	if !errors.Is(err, llm.ErrRequest) {
		t.Fatalf("err = %v, want it to wrap llm.ErrRequest", err)
	}
}

func TestLLMFallback_Complete_BudgetErrorIsNotFailedOver(t *testing.T) {
	budget := &llm.BudgetError{Excess: 120, Err: errors.New("context length exceeded")}
	primary := &llmmock.Provider{Script: []llmmock.Step{{Err: budget}}}
	secondary := &llmmock.Provider{Script: []llmmock.Step{{Content: "should not be used"}}}
	fb := newLLMFallback(primary, secondary)

	for i := 0; i < 5; i++ {
		_, err := fb.Complete(context.Background(), llm.CompletionRequest{})
		var be *llm.BudgetError
		if !errors.As(err, &be) || be.Excess != 120 {
			t.Fatalf("call %d: err = %v, want the budget error", i, err)
		}
	}
	if secondary.CallCount() != 0 {
		t.Fatalf("secondary called %d times, want 0", secondary.CallCount())
	}
	for _, b := range fb.Backends() {
		if b.State != StateClosed {
			t.Errorf("%s breaker = %v, want closed", b.Name, b.State)
		}
	}
}

func TestLLMFallback_Capabilities(t *testing.T) {
	primary := &llmmock.Provider{
		Model: "big",
		Caps:  llm.ModelCapabilities{ContextWindow: 128000, MaxOutputTokens: 4096, SupportsJSONMode: true},
	}
	secondary := &llmmock.Provider{
		Model: "small",
		Caps:  llm.ModelCapabilities{ContextWindow: 8192, SupportsJSONMode: false},
	}
	fb := newLLMFallback(primary, secondary)

	caps := fb.Capabilities()
	if caps.ContextWindow != 8192 {
		t.Errorf("ContextWindow = %d, want 8192", caps.ContextWindow)
	}
	if caps.MaxOutputTokens != 4096 {
		t.Errorf("MaxOutputTokens = %d, want 4096 (unknown ignored)", caps.MaxOutputTokens)
	}
	if caps.SupportsJSONMode {
		t.Error("SupportsJSONMode should be false when a backend lacks it")
	}
	if fb.ModelID() != "big" {
		t.Errorf("ModelID() = %q, want big", fb.ModelID())
	}
	backends := fb.Backends()
	if len(backends) != 2 || backends[1].Model != "small" {
		t.Errorf("Backends() = %+v", backends)
	}
}
