package openai

import (
	"errors"
	"testing"

	"github.com/MrWong99/mnemo/pkg/provider/llm"
)

func TestConvertMessage(t *testing.T) {
	for _, role := range []string{llm.RoleSystem, llm.RoleUser, llm.RoleAssistant} {
		t.Run(role, func(t *testing.T) {
			if _, err := convertMessage(llm.Message{Role: role, Content: "hi"}); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
	if _, err := convertMessage(llm.Message{Role: "tool", Content: "x"}); err == nil {
		t.Error("expected error for unsupported role")
	}
}

func TestBuildParams(t *testing.T) {
	p, err := New("sk-test", "gpt-4o-mini")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	params, err := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "sys",
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: "u"}},
		MaxTokens:    512,
		Temperature:  1,
		JSON:         true,
	})
	if err != nil {
		t.Fatalf("buildParams: %v", err)
	}
	if len(params.Messages) != 2 {
		t.Errorf("messages = %d, want 2 (system + user)", len(params.Messages))
	}
	if params.MaxCompletionTokens.Value != 512 {
		t.Errorf("MaxCompletionTokens = %d, want 512", params.MaxCompletionTokens.Value)
	}
	if params.ResponseFormat.OfJSONObject == nil {
		t.Error("expected JSON object response format")
	}

	if _, err := p.buildParams(llm.CompletionRequest{}); err == nil {
		t.Error("expected error for empty messages")
	}
}

func TestCapabilities(t *testing.T) {
	p, _ := New("sk-test", "gpt-4")
	caps := p.Capabilities()
	if caps.ContextWindow != 8_192 || !caps.SupportsJSONMode {
		t.Errorf("gpt-4 caps = %+v", caps)
	}

	p, _ = New("sk-test", "gpt-4", WithContextWindow(4_000))
	if got := p.Capabilities().ContextWindow; got != 4_000 {
		t.Errorf("ContextWindow override = %d, want 4000", got)
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New("", "gpt-4"); err == nil {
		t.Error("expected error for empty apiKey")
	}
	if _, err := New("sk-test", ""); err == nil {
		t.Error("expected error for empty model")
	}
}

func TestClassify_Transport(t *testing.T) {
	err := classify(errors.New("dial tcp: connection refused"))
	if !errors.Is(err, llm.ErrRequest) {
		t.Errorf("expected ErrRequest, got %v", err)
	}
}
