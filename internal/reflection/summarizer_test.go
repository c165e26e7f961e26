package reflection

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/cenkalti/backoff/v5"

	"github.com/MrWong99/mnemo/pkg/provider/llm"
	"github.com/MrWong99/mnemo/pkg/provider/llm/mock"
)

func TestLLMSummarizer_Request(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{
		Script: []mock.Step{{Content: `{"new": []}`}},
		Caps:   llm.ModelCapabilities{ContextWindow: 4096},
	}
	s := NewLLMSummarizer(p)

	got, err := s.Summarize(context.Background(), SummaryRequest{
		System: "sys", User: "usr", MaxTokens: 128, Temperature: 0.7,
	})
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if got != `{"new": []}` {
		t.Errorf("Summarize = %q", got)
	}
	if s.ContextWindow() != 4096 {
		t.Errorf("ContextWindow = %d, want 4096", s.ContextWindow())
	}

	req := p.Calls[0]
	if req.SystemPrompt != "sys" || req.MaxTokens != 128 || req.Temperature != 0.7 || !req.JSON {
		t.Errorf("request = %+v", req)
	}
	if len(req.Messages) != 1 || req.Messages[0].Role != llm.RoleUser || req.Messages[0].Content != "usr" {
		t.Errorf("messages = %+v, want one user message", req.Messages)
	}
}

func TestLLMSummarizer_Errors(t *testing.T) {
	t.Parallel()

	transient := fmt.Errorf("%w: 502 bad gateway", llm.ErrRequest)
	tests := []struct {
		name      string
		script    []mock.Step
		tries     int
		wantCalls int
		wantErr   error
	}{
		{
			name:      "transient then success",
			script:    []mock.Step{{Err: transient}, {Err: transient}, {Content: "{}"}},
			tries:     5,
			wantCalls: 3,
		},
		{
			name:      "gives up",
			script:    []mock.Step{{Err: transient}},
			tries:     3,
			wantCalls: 3,
			wantErr:   llm.ErrRequest,
		},
		{
			name:      "unclassified errors count as request errors",
			script:    []mock.Step{{Err: errors.New("boom")}},
			tries:     2,
			wantCalls: 2,
			wantErr:   llm.ErrRequest,
		},
		{
			name:      "budget errors are not retried",
			script:    []mock.Step{{Err: &llm.BudgetError{Limit: 10, Requested: 12, Excess: 2}}},
			tries:     5,
			wantCalls: 1,
			wantErr:   llm.ErrBudgetExceeded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := &mock.Provider{Script: tt.script}
			s := NewLLMSummarizer(p, WithRequestRetries(tt.tries), WithBackOff(&backoff.ZeroBackOff{}))

			_, err := s.Summarize(context.Background(), SummaryRequest{User: "u"})
			if tt.wantErr == nil && err != nil {
				t.Fatalf("Summarize: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("Summarize err = %v, want %v", err, tt.wantErr)
			}
			if got := p.CallCount(); got != tt.wantCalls {
				t.Errorf("calls = %d, want %d", got, tt.wantCalls)
			}
		})
	}
}

func TestLLMSummarizer_BudgetErrorKeepsExcess(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{Script: []mock.Step{{Err: &llm.BudgetError{Limit: 10, Requested: 15, Excess: 5}}}}
	_, err := NewLLMSummarizer(p).Summarize(context.Background(), SummaryRequest{})

	var be *llm.BudgetError
	if !errors.As(err, &be) || be.Excess != 5 {
		t.Errorf("err = %v, want *BudgetError with excess 5", err)
	}
}

func TestLLMSummarizer_Canceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := &mock.Provider{Script: []mock.Step{{Content: "{}"}}}
	_, err := NewLLMSummarizer(p, WithBackOff(&backoff.ZeroBackOff{})).Summarize(ctx, SummaryRequest{})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("DefaultConfig().Validate() = %v", err)
	}

	bad := Config{
		ContextWindow:    -1,
		MaxOutputTokens:  -1,
		Temperature:      Float(2.5),
		ParseRetries:     Int(-1),
		MemoriesPerProbe: -1,
		ProbeQuestions:   []string{"ok", ""},
	}
	err := bad.Validate()
	if err == nil {
		t.Fatal("Validate() = nil, want errors")
	}
	var joined interface{ Unwrap() []error }
	if !errors.As(err, &joined) || len(joined.Unwrap()) != 6 {
		t.Errorf("Validate() = %v, want 6 joined errors", err)
	}
}

func TestConfig_WithDefaults(t *testing.T) {
	t.Parallel()

	c := Config{ContextWindow: 100, ParseRetries: Int(2)}.withDefaults()
	if *c.ParseRetries != 2 || c.MaxOutputTokens != DefaultMaxOutputTokens || *c.Temperature != DefaultTemperature {
		t.Errorf("withDefaults = %+v", c)
	}
	if len(c.ProbeQuestions) != len(DefaultProbeQuestions) || c.InsightQuestion != DefaultInsightQuestion {
		t.Errorf("withDefaults questions = %+v", c)
	}
}
